package vexfs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vexfs/vexfs/util/bitmap"
)

func newTestGroup(blockCount uint32, groupStart BlockNumber) *groupState {
	return &groupState{
		bm:         bitmap.NewBits(int(blockCount)),
		blockCount: blockCount,
		freeCount:  blockCount,
		groupStart: groupStart,
	}
}

func TestAllocatorFirstFitAllocatesContiguousRun(t *testing.T) {
	groups := []*groupState{newTestGroup(64, 0), newTestGroup(64, 64)}
	a := newAllocator(FirstFit, groups)

	res, err := a.allocateBlocks(8, nil)
	require.NoError(t, err)
	require.Equal(t, uint32(8), res.Count)
	require.Equal(t, 0, res.Group)
	require.Equal(t, BlockNumber(0), res.Start)
	require.Equal(t, uint64(128-8), a.freeBlockCount())
}

func TestAllocatorFreeBlocksReturnsBlocksToPool(t *testing.T) {
	groups := []*groupState{newTestGroup(64, 0)}
	a := newAllocator(FirstFit, groups)

	res, err := a.allocateBlocks(8, nil)
	require.NoError(t, err)
	require.NoError(t, a.freeBlocks(res.Start, res.Count))
	require.Equal(t, uint64(64), a.freeBlockCount())
}

func TestAllocatorFailsWhenNoGroupHasSpace(t *testing.T) {
	groups := []*groupState{newTestGroup(4, 0)}
	a := newAllocator(FirstFit, groups)

	_, err := a.allocateBlocks(8, nil)
	require.ErrorIs(t, err, ErrNoSpace)
}

func TestAllocatorHonoursPreferredGroupHint(t *testing.T) {
	groups := []*groupState{newTestGroup(64, 0), newTestGroup(64, 64)}
	a := newAllocator(FirstFit, groups)

	res, err := a.allocateBlocks(4, &AllocHint{PreferredGroup: 1})
	require.NoError(t, err)
	require.Equal(t, 1, res.Group)
	require.Equal(t, BlockNumber(64), res.Start)
}

func TestAllocatorBestFitPicksTightestGroup(t *testing.T) {
	groups := []*groupState{newTestGroup(64, 0), newTestGroup(16, 64)}
	a := newAllocator(BestFit, groups)

	res, err := a.allocateBlocks(8, nil)
	require.NoError(t, err)
	require.Equal(t, 1, res.Group, "smaller group has tighter slack and should win BestFit")
}

func TestAllocatorReserveAndReleaseBlocks(t *testing.T) {
	groups := []*groupState{newTestGroup(64, 0)}
	a := newAllocator(FirstFit, groups)

	require.NoError(t, a.reserveBlocks(10))
	require.Equal(t, uint64(54), a.freeBlockCount())

	require.Error(t, a.reserveBlocks(1000))

	require.NoError(t, a.releaseReservedBlocks(10))
	require.Equal(t, uint64(64), a.freeBlockCount())
	require.Error(t, a.releaseReservedBlocks(1))
}

func TestHintForInodeDerivesStableGroup(t *testing.T) {
	h1 := hintForInode(42, 4, HintData)
	h2 := hintForInode(42, 4, HintData)
	require.Equal(t, h1.PreferredGroup, h2.PreferredGroup)
	require.GreaterOrEqual(t, h1.PreferredGroup, 0)
	require.Less(t, h1.PreferredGroup, 4)
}

func TestFreeSpaceInfoReportsFragmentation(t *testing.T) {
	groups := []*groupState{newTestGroup(16, 0)}
	a := newAllocator(FirstFit, groups)

	info := a.freeSpaceInfo()
	require.Equal(t, uint64(16), info.TotalBlocks)
	require.Equal(t, uint64(16), info.FreeBlocks)
	require.Equal(t, uint32(1), info.FreeExtents)
	require.Equal(t, uint32(16), info.LargestFreeExtent)
	require.Equal(t, uint8(0), info.Fragmentation, "a single free extent is not fragmented")

	// Occupy a block in the middle of the run directly, splitting the
	// group's free list into two extents without going through the
	// allocator's own (always-lowest-first) placement policy.
	require.NoError(t, groups[0].bm.Set(8))
	groups[0].freeCount--
	a.totalFree--

	info = a.freeSpaceInfo()
	require.Equal(t, uint32(2), info.FreeExtents)
	require.Equal(t, uint32(8), info.LargestFreeExtent)
	require.Greater(t, info.Fragmentation, uint8(0))
}

func TestAllocatorZeroCountRejected(t *testing.T) {
	groups := []*groupState{newTestGroup(64, 0)}
	a := newAllocator(FirstFit, groups)
	_, err := a.allocateBlocks(0, nil)
	require.Error(t, err)
}
