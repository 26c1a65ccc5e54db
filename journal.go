package vexfs

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vexfs/vexfs/internal/crc"
)

// JournalMagic identifies a VexFS journal superblock.
const JournalMagic uint32 = 0x56584A4C

const (
	journalSuperblockSize = 128
	maxOpsPerTxn          = 64
	maxConcurrentTxns     = 16
	maxOpPayload          = 1 << 20 // 1 MiB, bounded
)

// TxnID is a monotonically increasing transaction identifier.
type TxnID uint64

// TxnState is the transaction lifecycle state.
type TxnState int

const (
	TxnBuilding TxnState = iota
	TxnCommitted
	TxnCheckpointing
	TxnComplete
	TxnAborted
)

// OperationRecord is a single redo-logged mutation.
type OperationRecord struct {
	TargetBlock BlockNumber
	Offset      uint32
	OldChecksum uint32
	NewChecksum uint32
	Payload     []byte
}

func (op *OperationRecord) encode() []byte {
	b := make([]byte, 4+8+4+4+4+4+len(op.Payload))
	binary.LittleEndian.PutUint32(b[0:4], uint32(journalBlockTypeOp))
	binary.LittleEndian.PutUint64(b[4:12], uint64(op.TargetBlock))
	binary.LittleEndian.PutUint32(b[12:16], op.Offset)
	binary.LittleEndian.PutUint32(b[16:20], op.OldChecksum)
	binary.LittleEndian.PutUint32(b[20:24], op.NewChecksum)
	binary.LittleEndian.PutUint32(b[24:28], uint32(len(op.Payload)))
	copy(b[28:], op.Payload)
	return b
}

func decodeOperationRecord(b []byte) (*OperationRecord, int, error) {
	if len(b) < 28 {
		return nil, 0, fmt.Errorf("%w: truncated operation record", ErrInvalidData)
	}
	kind := binary.LittleEndian.Uint32(b[0:4])
	if kind != uint32(journalBlockTypeOp) {
		return nil, 0, fmt.Errorf("%w: not an operation record", ErrInvalidData)
	}
	op := &OperationRecord{
		TargetBlock: BlockNumber(binary.LittleEndian.Uint64(b[4:12])),
		Offset:      binary.LittleEndian.Uint32(b[12:16]),
		OldChecksum: binary.LittleEndian.Uint32(b[16:20]),
		NewChecksum: binary.LittleEndian.Uint32(b[20:24]),
	}
	plen := binary.LittleEndian.Uint32(b[24:28])
	total := 28 + int(plen)
	if plen > maxOpPayload || len(b) < total {
		return nil, 0, fmt.Errorf("%w: operation record payload out of bounds", ErrInvalidData)
	}
	op.Payload = append([]byte(nil), b[28:total]...)
	return op, total, nil
}

type journalBlockType uint32

const (
	journalBlockTypeOp     journalBlockType = 1
	journalBlockTypeCommit journalBlockType = 2
)

// CommitRecord closes a transaction.
type CommitRecord struct {
	OpCount  uint32
	Checksum uint32 // XOR of tid, op count, and each op's checksum
}

func encodeCommit(tid TxnID, c *CommitRecord) []byte {
	b := make([]byte, 20)
	binary.LittleEndian.PutUint32(b[0:4], uint32(journalBlockTypeCommit))
	binary.LittleEndian.PutUint64(b[4:12], uint64(tid))
	binary.LittleEndian.PutUint32(b[12:16], c.OpCount)
	binary.LittleEndian.PutUint32(b[16:20], c.Checksum)
	return b
}

func decodeCommit(b []byte) (TxnID, *CommitRecord, int, error) {
	if len(b) < 20 {
		return 0, nil, 0, fmt.Errorf("%w: truncated commit record", ErrInvalidData)
	}
	kind := binary.LittleEndian.Uint32(b[0:4])
	if kind != uint32(journalBlockTypeCommit) {
		return 0, nil, 0, fmt.Errorf("%w: not a commit record", ErrInvalidData)
	}
	tid := TxnID(binary.LittleEndian.Uint64(b[4:12]))
	c := &CommitRecord{
		OpCount:  binary.LittleEndian.Uint32(b[12:16]),
		Checksum: binary.LittleEndian.Uint32(b[16:20]),
	}
	return tid, c, 20, nil
}

// journalSuperblock is the journal region's own header.
type journalSuperblock struct {
	Magic      uint32
	Version    uint32
	BlockSize  uint32
	Total      uint32 // total blocks in journal region
	First      BlockNumber
	NextCommit uint64
	Head       uint64 // byte offset, relative to region start, mod capacity
	Tail       uint64
	State      FSState
	UUID       uuid.UUID
}

func encodeJournalSuperblock(j *journalSuperblock) []byte {
	b := make([]byte, journalSuperblockSize)
	binary.LittleEndian.PutUint32(b[0:4], j.Magic)
	binary.LittleEndian.PutUint32(b[4:8], j.Version)
	binary.LittleEndian.PutUint32(b[8:12], j.BlockSize)
	binary.LittleEndian.PutUint32(b[12:16], j.Total)
	binary.LittleEndian.PutUint64(b[16:24], uint64(j.First))
	binary.LittleEndian.PutUint64(b[24:32], j.NextCommit)
	binary.LittleEndian.PutUint64(b[32:40], j.Head)
	binary.LittleEndian.PutUint64(b[40:48], j.Tail)
	binary.LittleEndian.PutUint16(b[48:50], uint16(j.State))
	idBytes, _ := j.UUID.MarshalBinary()
	copy(b[50:66], idBytes)
	checksum := crc.Checksum32(b[:journalSuperblockSize-4])
	binary.LittleEndian.PutUint32(b[journalSuperblockSize-4:journalSuperblockSize], checksum)
	return b
}

func decodeJournalSuperblock(b []byte) (*journalSuperblock, error) {
	if len(b) < journalSuperblockSize {
		return nil, fmt.Errorf("%w: journal superblock too short", ErrInvalidData)
	}
	want := binary.LittleEndian.Uint32(b[journalSuperblockSize-4 : journalSuperblockSize])
	if !crc.Verify32(b[:journalSuperblockSize-4], want) {
		return nil, fmt.Errorf("%w: journal superblock checksum", ErrChecksumMismatch)
	}
	magic := binary.LittleEndian.Uint32(b[0:4])
	if magic != JournalMagic {
		return nil, fmt.Errorf("%w: bad journal magic 0x%x", ErrInvalidData, magic)
	}
	j := &journalSuperblock{
		Magic:      magic,
		Version:    binary.LittleEndian.Uint32(b[4:8]),
		BlockSize:  binary.LittleEndian.Uint32(b[8:12]),
		Total:      binary.LittleEndian.Uint32(b[12:16]),
		First:      BlockNumber(binary.LittleEndian.Uint64(b[16:24])),
		NextCommit: binary.LittleEndian.Uint64(b[24:32]),
		Head:       binary.LittleEndian.Uint64(b[32:40]),
		Tail:       binary.LittleEndian.Uint64(b[40:48]),
		State:      FSState(binary.LittleEndian.Uint16(b[48:50])),
	}
	var id uuid.UUID
	_ = id.UnmarshalBinary(b[50:66])
	j.UUID = id
	return j, nil
}

// txnSlot is an in-flight transaction.
type txnSlot struct {
	id    TxnID
	state TxnState
	ops   []*OperationRecord
}

// applyFunc writes a committed operation record's payload to the real
// on-disk location it targets -- the journal package itself only knows
// about blocks and byte offsets, not filesystem semantics.
type applyFunc func(op *OperationRecord) error

// journal is the write-ahead log guarding multi-block transactions.
type journal struct {
	mu       sync.Mutex
	dev      *blockDevice
	region   BlockNumber // first block of the journal region
	capacity uint64      // bytes
	sb       *journalSuperblock

	nextTid TxnID
	slots   map[TxnID]*txnSlot

	apply applyFunc
	log   *logrus.Entry
}

func newJournal(dev *blockDevice, region BlockNumber, blocks uint32, sb *journalSuperblock, apply applyFunc, log *logrus.Entry) *journal {
	return &journal{
		dev:      dev,
		region:   region,
		capacity: uint64(blocks) * uint64(dev.blockSize),
		sb:       sb,
		nextTid:  TxnID(sb.NextCommit),
		slots:    make(map[TxnID]*txnSlot),
		apply:    apply,
		log:      log,
	}
}

// begin opens a new transaction slot.
func (j *journal) begin() (TxnID, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.slots) >= maxConcurrentTxns {
		return 0, fmt.Errorf("%w: journal transaction pool exhausted", ErrNoSpace)
	}
	j.nextTid++
	tid := j.nextTid
	j.slots[tid] = &txnSlot{id: tid, state: TxnBuilding}
	return tid, nil
}

// logOp (named to avoid shadowing the logrus field) appends an operation
// record to the open transaction's in-memory log.
func (j *journal) logOp(tid TxnID, op *OperationRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	slot, ok := j.slots[tid]
	if !ok || slot.state != TxnBuilding {
		return fmt.Errorf("%w: txn %d not in Building state", ErrInvalidTransaction, tid)
	}
	if len(slot.ops) >= maxOpsPerTxn {
		return fmt.Errorf("%w: txn %d exceeds %d operations", ErrNoSpace, tid, maxOpsPerTxn)
	}
	if len(op.Payload) > maxOpPayload {
		return fmt.Errorf("%w: operation payload exceeds %d bytes", ErrNoSpace, maxOpPayload)
	}
	slot.ops = append(slot.ops, op)
	return nil
}

// estimateSize returns the encoded byte size of a transaction's op records
// plus its commit record.
func estimateSize(ops []*OperationRecord) uint64 {
	var total uint64
	for _, op := range ops {
		total += uint64(28 + len(op.Payload))
	}
	total += 20 // commit record
	return total
}

// commit writes all operation records,
// then a commit record, then updates the head pointer. The slot stays
// occupied until checkpoint.
func (j *journal) commit(tid TxnID) error {
	j.mu.Lock()
	slot, ok := j.slots[tid]
	if !ok || slot.state != TxnBuilding {
		j.mu.Unlock()
		return fmt.Errorf("%w: txn %d not in Building state", ErrInvalidTransaction, tid)
	}

	size := estimateSize(slot.ops)
	used := (j.sb.Head - j.sb.Tail + j.capacity) % j.capacity
	if used == 0 && j.sb.Head == j.sb.Tail && slot.ops != nil && size > j.capacity {
		j.mu.Unlock()
		return fmt.Errorf("%w: transaction %d exceeds journal capacity", ErrNoSpace, tid)
	}
	if used+size > j.capacity {
		j.mu.Unlock()
		return fmt.Errorf("%w: commit would overflow journal (used=%d need=%d cap=%d)", ErrNoSpace, used, size, j.capacity)
	}

	var opChecksums []uint32
	buf := make([]byte, 0, size)
	for _, op := range slot.ops {
		op.NewChecksum = crc.Checksum32(op.Payload)
		opChecksums = append(opChecksums, op.NewChecksum)
		buf = append(buf, op.encode()...)
	}
	commitChecksum := crc.XorFold(append([]uint32{uint32(tid), uint32(len(slot.ops))}, opChecksums...)...)
	commit := &CommitRecord{OpCount: uint32(len(slot.ops)), Checksum: commitChecksum}
	buf = append(buf, encodeCommit(tid, commit)...)

	if err := j.writeCircular(j.sb.Head, buf); err != nil {
		j.mu.Unlock()
		return err
	}
	j.sb.Head = (j.sb.Head + uint64(len(buf))) % j.capacity
	j.sb.NextCommit = uint64(tid) + 1
	slot.state = TxnCommitted
	j.mu.Unlock()

	if err := j.flushSuperblock(); err != nil {
		return err
	}
	if err := j.dev.sync(); err != nil {
		return fmt.Errorf("%w: journal fsync: %v", ErrIO, err)
	}
	if j.log != nil {
		j.log.WithField("tid", tid).WithField("ops", commit.OpCount).Debug("journal: committed transaction")
	}
	return nil
}

// abort frees the slot, no on-disk trace.
func (j *journal) abort(tid TxnID) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	slot, ok := j.slots[tid]
	if !ok {
		return fmt.Errorf("%w: txn %d unknown", ErrInvalidTransaction, tid)
	}
	if slot.state != TxnBuilding {
		return fmt.Errorf("%w: txn %d not in Building state", ErrInvalidTransaction, tid)
	}
	delete(j.slots, tid)
	return nil
}

// checkpoint marks a committed transaction Complete and advances tail past
// it, reclaiming its journal space. Called once the transaction's effects
// are durable in the main filesystem region.
func (j *journal) checkpoint(tid TxnID) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	slot, ok := j.slots[tid]
	if !ok || slot.state != TxnCommitted {
		return fmt.Errorf("%w: txn %d not Committed", ErrInvalidTransaction, tid)
	}
	slot.state = TxnCheckpointing
	size := estimateSize(slot.ops)
	j.sb.Tail = (j.sb.Tail + size) % j.capacity
	slot.state = TxnComplete
	delete(j.slots, tid)
	return j.flushSuperblock()
}

func (j *journal) writeCircular(offset uint64, data []byte) error {
	region := make([]byte, j.capacity)
	existing, err := j.dev.readBlocks(j.region, uint32(j.capacity/uint64(j.dev.blockSize)))
	if err == nil {
		copy(region, existing)
	}
	for i, b := range data {
		region[(offset+uint64(i))%j.capacity] = b
	}
	return j.dev.writeBlocks(j.region, region)
}

func (j *journal) readCircular(offset, length uint64) ([]byte, error) {
	region, err := j.dev.readBlocks(j.region, uint32(j.capacity/uint64(j.dev.blockSize)))
	if err != nil {
		return nil, err
	}
	out := make([]byte, length)
	for i := range out {
		out[i] = region[(offset+uint64(i))%j.capacity]
	}
	return out, nil
}

func (j *journal) flushSuperblock() error {
	buf := encodeJournalSuperblock(j.sb)
	padded := make([]byte, j.dev.blockSize)
	copy(padded, buf)
	return j.dev.writeBlock(j.region-1, padded)
}

// recover replays the journal after an unclean mount: scan from tail,
// buffer operations between commit records, replay a transaction's
// operations when its commit checksum matches, stop at the first invalid
// header/checksum or missing commit.
func (j *journal) recover() (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.sb.State == StateValid && j.sb.Head == j.sb.Tail {
		return 0, nil
	}

	replayed := 0
	pos := j.sb.Tail
	var buffered []*OperationRecord

	for pos != j.sb.Head {
		remaining := (j.sb.Head - pos + j.capacity) % j.capacity
		if remaining == 0 {
			break
		}
		peek, err := j.readCircular(pos, min64(remaining, 4))
		if err != nil || len(peek) < 4 {
			break
		}
		kind := binary.LittleEndian.Uint32(peek)
		switch journalBlockType(kind) {
		case journalBlockTypeOp:
			header, err := j.readCircular(pos, min64(remaining, 28))
			if err != nil || len(header) < 28 {
				pos = j.sb.Head // stop: truncate replay
				goto done
			}
			plen := binary.LittleEndian.Uint32(header[24:28])
			total := uint64(28) + uint64(plen)
			if total > remaining {
				pos = j.sb.Head
				goto done
			}
			full, err := j.readCircular(pos, total)
			if err != nil {
				pos = j.sb.Head
				goto done
			}
			op, n, err := decodeOperationRecord(full)
			if err != nil || uint64(n) != total {
				pos = j.sb.Head
				goto done
			}
			if !crc.Verify32(op.Payload, op.NewChecksum) {
				pos = j.sb.Head
				goto done
			}
			buffered = append(buffered, op)
			pos = (pos + total) % j.capacity
		case journalBlockTypeCommit:
			full, err := j.readCircular(pos, min64(remaining, 20))
			if err != nil || len(full) < 20 {
				pos = j.sb.Head
				goto done
			}
			tid, commit, n, err := decodeCommit(full)
			if err != nil {
				pos = j.sb.Head
				goto done
			}
			if commit.OpCount != uint32(len(buffered)) {
				pos = j.sb.Head
				goto done
			}
			sums := []uint32{uint32(tid), commit.OpCount}
			for _, op := range buffered {
				sums = append(sums, op.NewChecksum)
			}
			if crc.XorFold(sums...) != commit.Checksum {
				pos = j.sb.Head
				goto done
			}
			for _, op := range buffered {
				if j.apply != nil {
					if err := j.apply(op); err != nil {
						pos = j.sb.Head
						goto done
					}
				}
			}
			replayed++
			buffered = nil
			pos = (pos + uint64(n)) % j.capacity
		default:
			pos = j.sb.Head
			goto done
		}
	}
done:
	j.sb.Tail = pos
	j.sb.Head = pos
	j.sb.State = StateValid
	if err := j.flushSuperblock(); err != nil {
		return replayed, err
	}
	if j.log != nil {
		j.log.WithField("transactions", replayed).Info("journal: recovery complete")
	}
	return replayed, nil
}

// JournalStats reports the journal's current space usage and transaction
// counts.
type JournalStats struct {
	TotalSpace          uint64
	FreeSpace           uint64
	ActiveTransactions  uint32
	CommittedTxns       uint32
	CurrentTid          TxnID
}

// stats summarizes the journal's capacity and in-flight transactions.
func (j *journal) stats() JournalStats {
	j.mu.Lock()
	defer j.mu.Unlock()

	used := (j.sb.Head - j.sb.Tail + j.capacity) % j.capacity
	var active, committed uint32
	for _, slot := range j.slots {
		switch slot.state {
		case TxnBuilding:
			active++
		case TxnCommitted:
			committed++
		}
	}
	return JournalStats{
		TotalSpace:         j.capacity,
		FreeSpace:          j.capacity - used,
		ActiveTransactions: active,
		CommittedTxns:      committed,
		CurrentTid:         j.nextTid,
	}
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
