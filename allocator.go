package vexfs

import (
	"fmt"
	"sort"
	"sync"

	"github.com/vexfs/vexfs/util/bitmap"
)

// AllocPolicy selects the space allocator's block-selection strategy.
type AllocPolicy int

const (
	FirstFit AllocPolicy = iota
	BestFit
	Buddy
	Extent
)

// AllocHintFlags are the allocation hint bits a caller may pass to allocateBlocks.
type AllocHintFlags uint32

const (
	HintContiguous AllocHintFlags = 1 << iota
	HintMetadata
	HintData
	HintLocality
)

// AllocHint carries the allocator's placement preferences for one request.
type AllocHint struct {
	PreferredStart BlockNumber
	PreferredGroup int // -1 means unset; takes priority over PreferredStart
	GoalBlock      BlockNumber
	Flags          AllocHintFlags
	MinContiguous  uint32
	MaxSearchDist  uint32
}

// AllocResult reports where blocks were allocated.
type AllocResult struct {
	Start BlockNumber
	Count uint32
	Group int
}

// localityPrime is used to derive a per-inode preferred group, spreading
// a file's blocks across groups by inode number modulo a prime, favouring
// per-file locality.
const localityPrime = 1_000_003

// groupState is the allocator's per-group bookkeeping.
type groupState struct {
	bm          *bitmap.Bitmap
	blockCount  uint32
	freeCount   uint32
	groupStart  BlockNumber
	dirty       bool
}

// allocator is the space allocator.
type allocator struct {
	mu         sync.Mutex
	policy     AllocPolicy
	groups     []*groupState
	cursor     int
	reserved   uint64
	totalFree  uint64
}

func newAllocator(policy AllocPolicy, groups []*groupState) *allocator {
	var free uint64
	for _, g := range groups {
		free += uint64(g.freeCount)
	}
	return &allocator{policy: policy, groups: groups, totalFree: free}
}

// allocateBlocks finds and reserves count free blocks, honoring hint.
func (a *allocator) allocateBlocks(count uint32, hint *AllocHint) (AllocResult, error) {
	if count == 0 {
		return AllocResult{}, fmt.Errorf("%w: allocate_blocks count must be > 0", ErrInvalidSize)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	startGroup := a.cursor
	switch {
	case hint != nil && hint.PreferredGroup >= 0 && hint.PreferredGroup < len(a.groups):
		startGroup = hint.PreferredGroup
	case hint != nil && hint.PreferredStart != 0:
		if g := a.groupForBlock(hint.PreferredStart); g >= 0 {
			startGroup = g
		}
	}

	switch a.policy {
	case FirstFit:
		return a.firstFit(count, startGroup)
	case BestFit:
		return a.bestFit(count, startGroup)
	case Buddy:
		return a.buddy(count, startGroup)
	case Extent:
		res, err := a.extent(count, startGroup, hint)
		if err == nil {
			return res, nil
		}
		return a.firstFit(count, startGroup)
	default:
		return a.firstFit(count, startGroup)
	}
}

func (a *allocator) groupForBlock(b BlockNumber) int {
	for i, g := range a.groups {
		if b >= g.groupStart && b < g.groupStart+BlockNumber(g.blockCount) {
			return i
		}
	}
	return -1
}

// scanOrder returns group indices starting at start, wrapping cyclically,
// scanning groups cyclically from start.
func (a *allocator) scanOrder(start int) []int {
	n := len(a.groups)
	order := make([]int, n)
	for i := 0; i < n; i++ {
		order[i] = (start + i) % n
	}
	return order
}

func (a *allocator) firstFit(count uint32, start int) (AllocResult, error) {
	for _, gi := range a.scanOrder(start) {
		g := a.groups[gi]
		if g.freeCount < count {
			continue
		}
		if run, ok := a.findRun(g, count); ok {
			return a.commitRun(gi, g, run, count), nil
		}
	}
	return AllocResult{}, fmt.Errorf("%w: no group has %d contiguous free blocks", ErrNoSpace, count)
}

func (a *allocator) bestFit(count uint32, start int) (AllocResult, error) {
	bestIdx := -1
	var bestSlack uint32 = ^uint32(0)
	var bestPos int
	for _, gi := range a.scanOrder(start) {
		g := a.groups[gi]
		if g.freeCount < count {
			continue
		}
		if run, ok := a.findRun(g, count); ok {
			slack := g.freeCount - count
			if slack < bestSlack {
				bestSlack = slack
				bestIdx = gi
				bestPos = run
			}
		}
	}
	if bestIdx == -1 {
		return AllocResult{}, fmt.Errorf("%w: no group fits %d blocks", ErrNoSpace, count)
	}
	return a.commitRun(bestIdx, a.groups[bestIdx], bestPos, count), nil
}

func nextPowerOfTwo(n uint32) uint32 {
	if n == 0 {
		return 1
	}
	p := uint32(1)
	for p < n {
		p <<= 1
	}
	return p
}

func (a *allocator) buddy(count uint32, start int) (AllocResult, error) {
	rounded := nextPowerOfTwo(count)
	res, err := a.firstFit(rounded, start)
	if err != nil {
		return AllocResult{}, err
	}
	return res, nil
}

// extent seeks a contiguous run within count <= run <= count + count/8
// before falling back to FirstFit.
func (a *allocator) extent(count uint32, start int, hint *AllocHint) (AllocResult, error) {
	maxRun := count + count/8
	for _, gi := range a.scanOrder(start) {
		g := a.groups[gi]
		if g.freeCount < count {
			continue
		}
		free := g.bm.FreeList()
		sort.Slice(free, func(i, j int) bool { return free[i].Position < free[j].Position })
		for _, run := range free {
			c := uint32(run.Count)
			if c >= count && c <= maxRun {
				return a.commitRun(gi, g, run.Position, count), nil
			}
		}
	}
	return AllocResult{}, fmt.Errorf("%w: no extent-sized run available", ErrNoSpace)
}

// findRun finds count contiguous free bits anywhere in g, returning the
// starting bit position.
func (a *allocator) findRun(g *groupState, count uint32) (int, bool) {
	for _, run := range g.bm.FreeList() {
		if uint32(run.Count) >= count {
			return run.Position, true
		}
	}
	return 0, false
}

func (a *allocator) commitRun(groupIdx int, g *groupState, pos int, count uint32) AllocResult {
	for i := 0; i < int(count); i++ {
		_ = g.bm.Set(pos + i)
	}
	g.freeCount -= count
	g.dirty = true
	a.totalFree -= uint64(count)
	a.cursor = groupIdx
	return AllocResult{Start: g.groupStart + BlockNumber(pos), Count: count, Group: groupIdx}
}

// freeBlocks releases count blocks starting at start back to the group's free set.
func (a *allocator) freeBlocks(start BlockNumber, count uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	gi := a.groupForBlock(start)
	if gi < 0 {
		return fmt.Errorf("%w: block %d is not in any group", ErrInvalidBlock, start)
	}
	g := a.groups[gi]
	pos := int(start - g.groupStart)
	if pos < 0 || pos+int(count) > int(g.blockCount) {
		return fmt.Errorf("%w: free range %d+%d crosses group boundary", ErrInvalidBlock, start, count)
	}
	for i := 0; i < int(count); i++ {
		if err := g.bm.Clear(pos + i); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidBlock, err)
		}
	}
	g.freeCount += count
	g.dirty = true
	a.totalFree += uint64(count)
	return nil
}

// reserveBlocks and releaseReservedBlocks move counts between free and
// reserved without touching bitmaps.
func (a *allocator) reserveBlocks(count uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if count > a.totalFree {
		return fmt.Errorf("%w: cannot reserve %d of %d free blocks", ErrNoSpace, count, a.totalFree)
	}
	a.totalFree -= count
	a.reserved += count
	return nil
}

func (a *allocator) releaseReservedBlocks(count uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if count > a.reserved {
		return fmt.Errorf("%w: cannot release %d of %d reserved blocks", ErrInvalidOperation, count, a.reserved)
	}
	a.reserved -= count
	a.totalFree += count
	return nil
}

func (a *allocator) freeBlockCount() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalFree
}

// FreeSpaceInfo reports the allocator's free-space summary, including an
// extent-level fragmentation estimate.
type FreeSpaceInfo struct {
	TotalBlocks       uint64
	FreeBlocks        uint64
	ReservedBlocks    uint64
	LargestFreeExtent uint32
	FreeExtents       uint32
	Fragmentation     uint8 // 0-100
}

// freeSpaceInfo scans every group's free list for its extent count and
// largest run, then derives a fragmentation percentage from how far the
// free extents, counted across all groups, are from one ideal contiguous
// extent.
func (a *allocator) freeSpaceInfo() FreeSpaceInfo {
	a.mu.Lock()
	defer a.mu.Unlock()

	var totalBlocks uint64
	var largestExtent uint32
	var freeExtents uint32
	for _, g := range a.groups {
		totalBlocks += uint64(g.blockCount)
		for _, run := range g.bm.FreeList() {
			freeExtents++
			if uint32(run.Count) > largestExtent {
				largestExtent = uint32(run.Count)
			}
		}
	}

	var fragmentation uint8
	if freeExtents > 1 {
		extra := freeExtents - 1
		frag := extra * 100 / freeExtents
		if frag > 100 {
			frag = 100
		}
		fragmentation = uint8(frag)
	}

	return FreeSpaceInfo{
		TotalBlocks:       totalBlocks,
		FreeBlocks:        a.totalFree,
		ReservedBlocks:    a.reserved,
		LargestFreeExtent: largestExtent,
		FreeExtents:       freeExtents,
		Fragmentation:     fragmentation,
	}
}

// hintForInode builds a DATA locality hint from an inode number, deriving
// the preferred group from inode number modulo a prime.
func hintForInode(ino uint32, numGroups int, flags AllocHintFlags) *AllocHint {
	group := -1
	if numGroups > 0 {
		group = int(uint64(ino) % localityPrime % uint64(numGroups))
	}
	return &AllocHint{
		Flags:          flags | HintData | HintLocality,
		PreferredGroup: group,
		GoalBlock:      BlockNumber(uint64(ino) % localityPrime),
	}
}
