package vexfs

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/vexfs/vexfs/backend"
	"github.com/vexfs/vexfs/backend/file"
	"github.com/vexfs/vexfs/internal/crc"
	"github.com/vexfs/vexfs/internal/vecmath"
	"github.com/vexfs/vexfs/util/bitmap"
)

// FileSystem is the assembled VexFS instance: every component owned by one
// value, with no process-wide singletons.
type FileSystem struct {
	storage backend.Storage
	dev     *blockDevice
	sb      *Superblock
	groups  []*GroupDescriptor
	opts    MountOptions

	allocGroups []*groupState
	alloc       *allocator
	inodes      *inodeManager
	jrnl        *journal

	vectors   *vectorStore
	hnswWAL   *hnswWAL
	hnswCache *hnswCache
	index     Index

	locks   *lockManager
	metrics *metrics
	log     *logrus.Entry
	clock   func() time.Time
	xattrs  *xattrStore

	pendingMu sync.Mutex
	pending   map[TxnID][]pendingWrite
}

type pendingWrite struct {
	block BlockNumber
	data  []byte
}

func (fs *FileSystem) now() time.Time { return fs.clock() }

// inodesPerBlockGroup and the group layout are fixed at format time, one
// descriptor per group, matching ext4 group layout.
func inodesPerBlockGroup(totalInodes uint32, numGroups int) uint32 {
	return uint32((int(totalInodes) + numGroups - 1) / numGroups)
}

// Format writes a fresh superblock, group
// descriptors, empty bitmaps, root inode, and empty journal.
func Format(path string, blockSize uint32, totalBlocks uint64, volumeName string) (*FileSystem, error) {
	if blockSize < MinBlockSize || blockSize > MaxBlockSize || blockSize&(blockSize-1) != 0 {
		return nil, fmt.Errorf("%w: block size %d invalid", ErrArgument, blockSize)
	}
	if totalBlocks == 0 {
		return nil, fmt.Errorf("%w: total_blocks must be > 0", ErrArgument)
	}

	storage, err := file.CreateFromPath(path, int64(totalBlocks)*int64(blockSize))
	if err != nil {
		return nil, fmt.Errorf("%w: create backing file: %v", ErrIO, err)
	}
	dev := newBlockDevice(storage, blockSize)

	const blocksPerGroup = 8192
	numGroups := int((totalBlocks + blocksPerGroup - 1) / blocksPerGroup)
	if numGroups < 1 {
		numGroups = 1
	}
	totalInodes := uint32(totalBlocks / 4)
	if totalInodes < FirstNonReservedInode {
		totalInodes = FirstNonReservedInode * 4
	}
	inodesPerGroup := inodesPerBlockGroup(totalInodes, numGroups)

	sb := &Superblock{
		Version:         currentVersion,
		BlocksCount:     totalBlocks,
		InodesCount:     inodesPerGroup * uint32(numGroups),
		BlockSize:       blockSize,
		InodeSize:       InodeSize,
		BlocksPerGroup:  blocksPerGroup,
		InodesPerGroup:  inodesPerGroup,
		FirstDataBlock:  1,
		UUID:            uuid.New(),
		VolumeName:      volumeName,
		State:           StateValid,
		ErrorPolicy:     ErrorPolicyContinue,
		Vector: VectorSubsystemDescriptor{
			Magic:   vectorSubsystemMagic,
			Version: currentVersion,
		},
	}
	sb.FreeBlocksCount = sb.BlocksCount
	sb.FreeInodesCount = sb.InodesCount

	// Layout: [superblock][group descriptor table][per group: block bitmap,
	// inode bitmap, inode table, data...].
	groups := make([]*GroupDescriptor, numGroups)
	groupStates := make([]*groupState, numGroups)
	inodeTableBlocks := uint32((inodesPerGroup*inodeSlotSize + blockSize - 1) / blockSize)
	gdTableBlocks := BlockNumber((uint32(numGroups)*GroupDescriptorSize + blockSize - 1) / blockSize)
	cursor := sb.FirstDataBlock + gdTableBlocks
	for gi := 0; gi < numGroups; gi++ {
		blockBitmapBlock := cursor
		inodeBitmapBlock := cursor + 1
		inodeTableBlock := cursor + 2
		groupDataStart := inodeTableBlock + BlockNumber(inodeTableBlocks)

		blocksInGroup := uint32(blocksPerGroup)
		if remaining := totalBlocks - uint64(groupDataStart); uint64(blocksInGroup) > remaining {
			blocksInGroup = uint32(remaining)
		}

		gd := &GroupDescriptor{
			BlockBitmapBlock: blockBitmapBlock,
			InodeBitmapBlock: inodeBitmapBlock,
			InodeTableBlock:  inodeTableBlock,
			FreeBlocksCount:  uint16(blocksInGroup),
			FreeInodesCount:  uint16(inodesPerGroup),
		}
		groups[gi] = gd
		groupStates[gi] = &groupState{
			bm:         bitmap.NewBits(int(blocksInGroup)),
			blockCount: blocksInGroup,
			freeCount:  blocksInGroup,
			groupStart: groupDataStart,
		}
		cursor = groupDataStart + BlockNumber(blocksInGroup)
	}

	log := logrus.WithField("component", "vexfs")
	fs := &FileSystem{
		storage:     storage,
		dev:         dev,
		sb:          sb,
		groups:      groups,
		opts:        DefaultMountOptions(),
		allocGroups: groupStates,
		locks:       newLockManager(),
		log:         log,
		clock:       time.Now,
		xattrs:      newXattrStore(),
		pending:     make(map[TxnID][]pendingWrite),
	}
	inodeBM := make([]*groupState, numGroups)
	for gi := range groups {
		inodeBM[gi] = &groupState{
			bm:         bitmap.NewBits(int(inodesPerGroup)),
			blockCount: inodesPerGroup,
			freeCount:  inodesPerGroup,
		}
	}
	fs.inodes = newInodeManager(dev, sb, groups, inodeBM, time.Now)

	// Reserve the leading layout blocks (superblock + group metadata +
	// inode tables) against the first group's bitmap, and only then build
	// the allocator, so its totalFree tally excludes them from the start
	// rather than handing them out to the first allocate_blocks call.
	reserveLayoutBlocks(groupStates[0], sb.FirstDataBlock, groups[0].InodeTableBlock+BlockNumber(inodeTableBlocks))
	fs.alloc = newAllocator(FirstFit, groupStates)

	journalBlocks := uint32(256)
	journalFirst, err := fs.alloc.allocateBlocks(journalBlocks, &AllocHint{PreferredGroup: -1})
	if err != nil {
		return nil, err
	}
	sb.JournalFirstBlock = journalFirst.Start + 1 // +1: first block holds the journal superblock
	jsb := &journalSuperblock{
		Magic:     JournalMagic,
		Version:   currentVersion,
		BlockSize: blockSize,
		Total:     journalBlocks - 1,
		First:     sb.JournalFirstBlock,
		State:     StateValid,
		UUID:      uuid.New(),
	}
	fs.jrnl = newJournal(dev, sb.JournalFirstBlock, jsb.Total, jsb, fs.applyOp, log)
	if err := fs.jrnl.flushSuperblock(); err != nil {
		return nil, err
	}

	for gi, bm := range inodeBM {
		reserved := 0
		if gi == 0 {
			reserved = int(RootInode - 1)
		}
		for b := 0; b < reserved+1; b++ {
			_ = bm.bm.Set(b)
		}
		bm.freeCount -= uint32(reserved + 1)
		sb.FreeInodesCount -= uint32(reserved + 1)
	}

	root, err := fs.inodes.createInode(ModeDir|0o755, 0, 0)
	if err != nil {
		return nil, err
	}
	root.Number = RootInode
	root.LinksCount = 2
	hint := &AllocHint{PreferredGroup: -1}
	res, err := fs.alloc.allocateBlocks(1, hint)
	if err != nil {
		return nil, err
	}
	root.Direct[0] = res.Start
	root.Size = uint64(blockSize)
	root.dirty = true
	// Format runs before any transaction exists, so the root inode is
	// written directly through writeInode rather than writeInodeTxn --
	// the one legitimate non-transactional use of that path, since a
	// half-written root on a crash mid-format is not a durability
	// guarantee VexFS makes (format is not atomic).
	if err := fs.inodes.writeInode(root); err != nil {
		return nil, err
	}

	rootBlock := make([]byte, blockSize)
	dot := &dirEntry{Inode: RootInode, NameLen: 1, FileType: FileTypeDirectory, Name: ".", RecLen: uint16(entrySize(1))}
	dotdot := &dirEntry{Inode: RootInode, NameLen: 2, FileType: FileTypeDirectory, Name: "..", RecLen: uint16(int(blockSize) - entrySize(1))}
	copy(rootBlock, encodeDirBlock([]*dirEntry{dot, dotdot}, blockSize))
	if err := dev.writeBlock(root.Direct[0], rootBlock); err != nil {
		return nil, err
	}

	if err := fs.flushMetadata(); err != nil {
		return nil, err
	}
	if err := dev.sync(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return fs, nil
}

// reserveLayoutBlocks marks [first, last) as used in g's bitmap without
// going through the allocator (they are never freed or re-handed-out).
func reserveLayoutBlocks(g *groupState, first, last BlockNumber) {
	for b := first; b < last; b++ {
		pos := int(b - g.groupStart)
		if pos < 0 || pos >= int(g.blockCount) {
			continue
		}
		if set, _ := g.bm.IsSet(pos); !set {
			_ = g.bm.Set(pos)
			g.freeCount--
		}
	}
}

// flushMetadata writes the superblock, group descriptors, and bitmaps to
// disk -- the allocator and inode manager keep these in-core and mutate
// them without going through the journal (the dirty bitmap is a transient
// invalidation hint, not a journaled record), so a clean unmount/fsync must
// persist them explicitly.
func (fs *FileSystem) flushMetadata() error {
	var totalFree uint64
	for _, g := range fs.allocGroups {
		totalFree += uint64(g.freeCount)
	}
	fs.sb.FreeBlocksCount = totalFree

	var freeInodes uint32
	for _, g := range fs.inodes.groupBM {
		freeInodes += g.freeCount
	}
	fs.sb.FreeInodesCount = freeInodes

	sbBlock := encodeSuperblock(fs.sb)
	if err := fs.dev.writeBlock(0, padTo(sbBlock, fs.sb.BlockSize)); err != nil {
		return err
	}
	for gi, gd := range fs.groups {
		gd.FreeBlocksCount = uint16(fs.allocGroups[gi].freeCount)
		gd.FreeInodesCount = uint16(fs.inodes.groupBM[gi].freeCount)
		data := encodeGroupDescriptor(gd)
		block := BlockNumber(1 + (gi*GroupDescriptorSize)/int(fs.sb.BlockSize))
		offset := (gi * GroupDescriptorSize) % int(fs.sb.BlockSize)
		buf, err := fs.dev.readBlock(block)
		if err != nil {
			return err
		}
		copy(buf[offset:offset+GroupDescriptorSize], data)
		if err := fs.dev.writeBlock(block, buf); err != nil {
			return err
		}
		if err := fs.dev.writeBlock(gd.BlockBitmapBlock, padTo(fs.allocGroups[gi].bm.ToBytes(), fs.sb.BlockSize)); err != nil {
			return err
		}
		if err := fs.dev.writeBlock(gd.InodeBitmapBlock, padTo(fs.inodes.groupBM[gi].bm.ToBytes(), fs.sb.BlockSize)); err != nil {
			return err
		}
	}
	return nil
}

func padTo(b []byte, size uint32) []byte {
	if uint32(len(b)) >= size {
		return b[:size]
	}
	out := make([]byte, size)
	copy(out, b)
	return out
}

// Mount: loads the superblock, verifies it,
// initializes components, runs journal recovery if dirty.
func Mount(path string, opts MountOptions) (*FileSystem, error) {
	storage, err := file.OpenFromPath(path, false)
	if err != nil {
		return nil, fmt.Errorf("%w: open backing file: %v", ErrIO, err)
	}

	probe := newBlockDevice(storage, MinBlockSize)
	raw, err := probe.readBlock(0)
	if err != nil {
		return nil, err
	}
	sb, err := decodeSuperblock(raw)
	if err != nil {
		if opts.ChecksumMode == ChecksumPermissive {
			logrus.WithError(err).Warn("vexfs: superblock checksum mismatch, mounting permissively")
		} else {
			return nil, err
		}
	}
	if opts.BlockSize != 0 && opts.BlockSize != sb.BlockSize {
		return nil, fmt.Errorf("%w: requested block size %d does not match superblock %d", ErrArgument, opts.BlockSize, sb.BlockSize)
	}

	dev := newBlockDevice(storage, sb.BlockSize)
	numGroups := int((sb.BlocksCount + uint64(sb.BlocksPerGroup) - 1) / uint64(sb.BlocksPerGroup))
	if numGroups < 1 {
		numGroups = 1
	}
	groups := make([]*GroupDescriptor, numGroups)
	groupStates := make([]*groupState, numGroups)
	inodeBM := make([]*groupState, numGroups)

	for gi := 0; gi < numGroups; gi++ {
		block := BlockNumber(1 + (gi*GroupDescriptorSize)/int(sb.BlockSize))
		offset := (gi * GroupDescriptorSize) % int(sb.BlockSize)
		buf, err := dev.readBlock(block)
		if err != nil {
			return nil, err
		}
		gd, err := decodeGroupDescriptor(buf[offset : offset+GroupDescriptorSize])
		if err != nil {
			return nil, err
		}
		groups[gi] = gd

		groupStart := gd.InodeTableBlock + BlockNumber((sb.InodesPerGroup*inodeSlotSize+sb.BlockSize-1)/sb.BlockSize)
		blocksInGroup := sb.BlocksPerGroup
		if remaining := sb.BlocksCount - uint64(groupStart); uint64(blocksInGroup) > remaining {
			blocksInGroup = uint32(remaining)
		}
		bmBuf, err := dev.readBlock(gd.BlockBitmapBlock)
		if err != nil {
			return nil, err
		}
		groupStates[gi] = &groupState{
			bm:         bitmap.FromBytes(bmBuf),
			blockCount: blocksInGroup,
			freeCount:  uint32(gd.FreeBlocksCount),
			groupStart: groupStart,
		}

		inoBMBuf, err := dev.readBlock(gd.InodeBitmapBlock)
		if err != nil {
			return nil, err
		}
		inodeBM[gi] = &groupState{
			bm:         bitmap.FromBytes(inoBMBuf),
			blockCount: sb.InodesPerGroup,
			freeCount:  uint32(gd.FreeInodesCount),
		}
	}

	log := logrus.WithField("component", "vexfs")
	fs := &FileSystem{
		storage:     storage,
		dev:         dev,
		sb:          sb,
		groups:      groups,
		opts:        opts,
		allocGroups: groupStates,
		locks:       newLockManager(),
		log:         log,
		clock:       time.Now,
		xattrs:      newXattrStore(),
		pending:     make(map[TxnID][]pendingWrite),
	}
	fs.alloc = newAllocator(FirstFit, groupStates)
	fs.inodes = newInodeManager(dev, sb, groups, inodeBM, time.Now)
	fs.metrics = newMetrics(prometheus.DefaultRegisterer)

	jsbBuf, err := dev.readBlock(sb.JournalFirstBlock - 1)
	if err != nil {
		return nil, err
	}
	jsb, err := decodeJournalSuperblock(jsbBuf)
	if err != nil {
		return nil, err
	}
	fs.jrnl = newJournal(dev, sb.JournalFirstBlock, jsb.Total, jsb, fs.applyOp, log)

	if jsb.State != StateValid || jsb.Head != jsb.Tail {
		n, err := fs.jrnl.recover()
		if err != nil {
			return nil, err
		}
		log.WithField("replayed", n).Info("vexfs: journal recovery on mount")
	}

	fs.vectors = newVectorStore(fs, time.Now)
	fs.hnswWAL = newHNSWWAL()
	if sb.Vector.TotalVectors > 0 && sb.Vector.Dimensions > 0 {
		if err := fs.ensureIndex(sb.Vector.Dimensions, sb.Vector.Metric); err != nil {
			return nil, err
		}
	}

	return fs, nil
}

// ensureIndex lazily constructs the HNSW index and its partial-loader
// cache once the vector subsystem's dimensionality is known: either
// recovered from a formatted-and-used superblock on mount, or learned
// from the first add_embedding call on a fresh filesystem (manage_index
// in ops_vector.go calls this too, for an explicit Create).
func (fs *FileSystem) ensureIndex(dims uint32, metricCode uint32) error {
	if fs.index != nil {
		return nil
	}
	metric, err := vecmath.ParseMetric(metricCode)
	if err != nil {
		metric = vecmath.Euclidean
	}
	fs.hnswCache = newHNSWCache(fs.opts.VectorMemoryBudget, dims, fs.vectors.loadVector, time.Now)
	params := hnswParamsForProfile(fs.opts.indexProfile(), dims, metric, fs.sb.entropySeed())
	fs.index = newHNSWIndex(params, fs.hnswCache.get, fs.hnswWAL)
	fs.sb.Vector.Algorithm = IndexHNSW
	fs.sb.Vector.Metric = metricCode
	fs.sb.Vector.Dimensions = dims
	return nil
}

// journalBlockWrite is the shared write path for every component
// (directory.go, file.go, vector.go, and inode updates) that mutates a
// block inside an active transaction: it logs the operation to the
// journal and defers the real write until commit, so a crash before
// commit leaves the real block untouched.
func (fs *FileSystem) journalBlockWrite(tid TxnID, block BlockNumber, data []byte) error {
	old, err := fs.dev.readBlock(block)
	if err != nil {
		return err
	}
	op := &OperationRecord{
		TargetBlock: block,
		Offset:      0,
		OldChecksum: crc.Checksum32(old),
		NewChecksum: crc.Checksum32(data),
		Payload:     append([]byte(nil), data...),
	}
	if err := fs.jrnl.logOp(tid, op); err != nil {
		return err
	}
	fs.pendingMu.Lock()
	fs.pending[tid] = append(fs.pending[tid], pendingWrite{block: block, data: op.Payload})
	fs.pendingMu.Unlock()
	return nil
}

// writeInodeTxn journals an inode's record through the same transactional
// path as any other block mutation.
func (fs *FileSystem) writeInodeTxn(tid TxnID, i *Inode) error {
	if !i.dirty {
		return nil
	}
	i.BlocksUsed = uint64(countUsedDirect(i.Direct[:])) * uint64(fs.sb.BlockSize/512)
	block, buf, err := fs.inodes.inodeBlockPatch(i)
	if err != nil {
		return err
	}
	if err := fs.journalBlockWrite(tid, block, buf); err != nil {
		return err
	}
	i.dirty = false
	fs.inodes.cacheInode(i)
	return nil
}

// applyOp is the journal's redo callback, used both by crash recovery
// (journal.recover) and not otherwise -- ordinary commits apply pending
// writes directly via commitTxn, since they already hold the data in
// memory without needing to re-decode it from the journal region.
func (fs *FileSystem) applyOp(op *OperationRecord) error {
	return fs.dev.writeBlock(op.TargetBlock, op.Payload)
}

// beginTxn / commitTxn / abortTxn implement the filesystem-level
// transaction wrapper every mutating operation in ops_dir.go/ops_file.go
// uses: begin a journal slot, collect journalBlockWrite calls, then
// either commit (flush to journal, apply to real blocks, checkpoint) or
// abort (drop the slot, no real block was ever touched).
func (fs *FileSystem) beginTxn() (TxnID, error) {
	return fs.jrnl.begin()
}

func (fs *FileSystem) commitTxn(tid TxnID) error {
	if err := fs.jrnl.commit(tid); err != nil {
		return err
	}
	fs.pendingMu.Lock()
	writes := fs.pending[tid]
	delete(fs.pending, tid)
	fs.pendingMu.Unlock()

	for _, w := range writes {
		if err := fs.dev.writeBlock(w.block, w.data); err != nil {
			return fmt.Errorf("%w: applying committed transaction %d: %v", ErrIO, tid, err)
		}
	}
	if err := fs.jrnl.checkpoint(tid); err != nil {
		return err
	}
	if fs.metrics != nil {
		fs.metrics.freeBlocks.Set(float64(fs.alloc.freeBlockCount()))
		fs.metrics.vectorsTotal.Set(float64(fs.sb.Vector.TotalVectors))
	}
	return nil
}

func (fs *FileSystem) abortTxn(tid TxnID) {
	fs.pendingMu.Lock()
	delete(fs.pending, tid)
	fs.pendingMu.Unlock()
	_ = fs.jrnl.abort(tid)
}

// withTxn runs fn inside a begin/commit/abort envelope, the pattern every
// metadata-mutating entry point follows.
func (fs *FileSystem) withTxn(fn func(tid TxnID) error) error {
	tid, err := fs.beginTxn()
	if err != nil {
		return err
	}
	if err := fn(tid); err != nil {
		fs.abortTxn(tid)
		return err
	}
	return fs.commitTxn(tid)
}

// resolvePath walks a '/'-separated path from the root inode, used by
// the CLI and tests; the core operation surface otherwise
// takes already-resolved parent_ino values.
func (fs *FileSystem) resolvePath(path string) (*Inode, error) {
	ino, err := fs.inodes.readInode(RootInode)
	if err != nil {
		return nil, err
	}
	path = strings.Trim(path, "/")
	if path == "" {
		return ino, nil
	}
	for _, part := range strings.Split(path, "/") {
		entry, _, _, err := fs.lookupInDir(ino, part)
		if err != nil {
			return nil, err
		}
		ino, err = fs.inodes.readInode(entry.Inode)
		if err != nil {
			return nil, err
		}
	}
	return ino, nil
}

// ResolvePath exposes resolvePath's '/'-separated walk to callers outside
// the package (cmd/vexfs's ls/vector subcommands) that only have a path,
// not an already-resolved inode number.
func (fs *FileSystem) ResolvePath(path string) (uint32, error) {
	i, err := fs.resolvePath(path)
	if err != nil {
		return 0, err
	}
	return i.Number, nil
}

// Close flushes metadata and syncs the backing device.
func (fs *FileSystem) Close() error {
	if err := fs.flushMetadata(); err != nil {
		return err
	}
	return fs.dev.sync()
}

// VolumeStats is the superblock/vector-descriptor summary cmd/vexfs's
// "fsck"/"ls" subcommands report.
type VolumeStats struct {
	BlockSize     uint32
	TotalBlocks   uint64
	FreeBlocks    uint64
	TotalInodes   uint32
	FreeInodes    uint32
	State         FSState
	ErrorPolicy   ErrorPolicy
	VectorTotal   uint64
	VectorDims    uint32
	Space         FreeSpaceInfo
	Journal       JournalStats
}

// Stat returns the current volume-level summary.
func (fs *FileSystem) Stat() VolumeStats {
	return VolumeStats{
		BlockSize:   fs.sb.BlockSize,
		TotalBlocks: fs.sb.BlocksCount,
		FreeBlocks:  fs.sb.FreeBlocksCount,
		TotalInodes: fs.sb.InodesCount,
		FreeInodes:  fs.sb.FreeInodesCount,
		State:       fs.sb.State,
		ErrorPolicy: fs.sb.ErrorPolicy,
		VectorTotal: fs.sb.Vector.TotalVectors,
		VectorDims:  fs.sb.Vector.Dimensions,
		Space:       fs.alloc.freeSpaceInfo(),
		Journal:     fs.jrnl.stats(),
	}
}

// FreeSpaceInfo reports the allocator's free/reserved-block tallies and
// an extent-level fragmentation estimate, independent of Stat's
// superblock-level summary.
func (fs *FileSystem) FreeSpaceInfo() FreeSpaceInfo {
	return fs.alloc.freeSpaceInfo()
}

// JournalStats reports the write-ahead journal's space usage and
// transaction counts, independent of Stat's superblock-level summary.
func (fs *FileSystem) JournalStats() JournalStats {
	return fs.jrnl.stats()
}

// Check validates on-disk superblock invariants (fsck) and that no
// group's free-block count exceeds the group size, returning the first
// failure found as an error.
func (fs *FileSystem) Check() error {
	if err := fs.sb.Validate(); err != nil {
		return fmt.Errorf("superblock: %w", err)
	}
	for gi, g := range fs.groups {
		if g.FreeBlocksCount > uint16(fs.sb.BlocksPerGroup) {
			return fmt.Errorf("group %d: free blocks count %d exceeds group size %d", gi, g.FreeBlocksCount, fs.sb.BlocksPerGroup)
		}
	}
	return nil
}
