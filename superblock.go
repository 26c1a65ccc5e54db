package vexfs

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/vexfs/vexfs/internal/crc"
)

const (
	// SuperblockMagic identifies a VexFS superblock.
	SuperblockMagic uint64 = 0x5645584653
	// SuperblockSize is the fixed on-disk size of the superblock record.
	SuperblockSize = 1024
	// InodeSize is the inode size recorded in the superblock; records are
	// stored in inodeSlotSize slots (inode.go).
	InodeSize = 128
	// MinBlockSize and MaxBlockSize bound the configurable block size.
	MinBlockSize = 4 * 1024
	MaxBlockSize = 64 * 1024
	// RootInode is the reserved inode number for the filesystem root.
	RootInode uint32 = 1
	// FirstNonReservedInode is the first inode number create() may hand out.
	FirstNonReservedInode uint32 = 11

	vectorSubsystemMagic uint32 = 0x56454358

	currentVersion uint32 = 1
)

// FSState is the superblock's clean/dirty indicator.
type FSState uint16

const (
	StateValid FSState = 1
	StateError FSState = 2
)

// ErrorPolicy governs the response to mid-operation corruption.
type ErrorPolicy uint16

const (
	ErrorPolicyContinue ErrorPolicy = iota
	ErrorPolicyRemountRO
	ErrorPolicyPanic
)

// VectorSubsystemDescriptor is the vector-subsystem summary embedded in
// the superblock.
type VectorSubsystemDescriptor struct {
	Magic        uint32
	Version      uint32
	Algorithm    IndexAlgorithm
	Metric       uint32
	Dimensions   uint32
	EntryBlock   BlockNumber
	TotalVectors uint64
}

// BlockNumber addresses a single fixed-size block on the backing device.
type BlockNumber uint64

// IndexAlgorithm identifies the active pluggable ANN strategy.
type IndexAlgorithm uint32

const (
	IndexHNSW IndexAlgorithm = iota
	IndexLSH
	IndexIVF
	IndexPQ
	IndexFlat
)

// Superblock is VexFS's root metadata record.
type Superblock struct {
	Version           uint32
	BlocksCount       uint64
	FreeBlocksCount   uint64
	InodesCount       uint32
	FreeInodesCount   uint32
	BlockSize         uint32
	InodeSize         uint16
	BlocksPerGroup    uint32
	InodesPerGroup    uint32
	FirstDataBlock    BlockNumber
	JournalInode      uint32
	JournalFirstBlock BlockNumber
	Vector            VectorSubsystemDescriptor
	State             FSState
	ErrorPolicy       ErrorPolicy
	UUID              uuid.UUID
	VolumeName        string
	Checksum          uint32
}

// entropySeed derives a stable PRNG seed from the filesystem's own UUID,
// so HNSW level assignment is deterministic across repeated mounts of
// the same volume rather than reseeded from wall-clock time.
func (sb *Superblock) entropySeed() int64 {
	id := sb.UUID
	var v int64
	for _, b := range id {
		v = v<<8 | int64(b)
	}
	if v < 0 {
		v = -v
	}
	if v == 0 {
		v = 1
	}
	return v
}

// Validate checks the invariants any reachable superblock state must hold.
func (sb *Superblock) Validate() error {
	if sb.BlockSize < MinBlockSize || sb.BlockSize > MaxBlockSize {
		return fmt.Errorf("%w: block size %d out of range", ErrInvalidData, sb.BlockSize)
	}
	if sb.BlockSize&(sb.BlockSize-1) != 0 {
		return fmt.Errorf("%w: block size %d not a power of two", ErrInvalidData, sb.BlockSize)
	}
	if sb.InodeSize != InodeSize {
		return fmt.Errorf("%w: inode size %d != %d", ErrInvalidData, sb.InodeSize, InodeSize)
	}
	if sb.BlocksCount == 0 {
		return fmt.Errorf("%w: blocks_count is zero", ErrInvalidData)
	}
	if sb.InodesCount == 0 {
		return fmt.Errorf("%w: inodes_count is zero", ErrInvalidData)
	}
	return nil
}

// encodeSuperblock serializes sb into a SuperblockSize-byte record,
// recomputing the checksum over every prior byte (diskfs's
// inode/superblock checksum idiom: zero the checksum field, serialize,
// checksum, write back).
func encodeSuperblock(sb *Superblock) []byte {
	b := make([]byte, SuperblockSize)
	binary.LittleEndian.PutUint64(b[0:8], SuperblockMagic)
	binary.LittleEndian.PutUint32(b[8:12], sb.Version)
	binary.LittleEndian.PutUint64(b[12:20], sb.BlocksCount)
	binary.LittleEndian.PutUint64(b[20:28], sb.FreeBlocksCount)
	binary.LittleEndian.PutUint32(b[28:32], sb.InodesCount)
	binary.LittleEndian.PutUint32(b[32:36], sb.FreeInodesCount)
	binary.LittleEndian.PutUint32(b[36:40], sb.BlockSize)
	binary.LittleEndian.PutUint16(b[40:42], sb.InodeSize)
	binary.LittleEndian.PutUint32(b[42:46], sb.BlocksPerGroup)
	binary.LittleEndian.PutUint32(b[46:50], sb.InodesPerGroup)
	binary.LittleEndian.PutUint64(b[50:58], uint64(sb.FirstDataBlock))
	binary.LittleEndian.PutUint32(b[58:62], sb.JournalInode)
	binary.LittleEndian.PutUint64(b[62:70], uint64(sb.JournalFirstBlock))

	binary.LittleEndian.PutUint32(b[70:74], sb.Vector.Magic)
	binary.LittleEndian.PutUint32(b[74:78], sb.Vector.Version)
	binary.LittleEndian.PutUint32(b[78:82], uint32(sb.Vector.Algorithm))
	binary.LittleEndian.PutUint32(b[82:86], sb.Vector.Metric)
	binary.LittleEndian.PutUint32(b[86:90], sb.Vector.Dimensions)
	binary.LittleEndian.PutUint64(b[90:98], uint64(sb.Vector.EntryBlock))
	binary.LittleEndian.PutUint64(b[98:106], sb.Vector.TotalVectors)

	binary.LittleEndian.PutUint16(b[106:108], uint16(sb.State))
	binary.LittleEndian.PutUint16(b[108:110], uint16(sb.ErrorPolicy))

	uuidBytes, _ := sb.UUID.MarshalBinary()
	copy(b[110:126], uuidBytes)

	name := sb.VolumeName
	if len(name) > 64 {
		name = name[:64]
	}
	copy(b[126:126+len(name)], name)

	// checksum covers every byte preceding the checksum field itself
	checksum := crc.Checksum32(b[:SuperblockSize-4])
	binary.LittleEndian.PutUint32(b[SuperblockSize-4:SuperblockSize], checksum)
	return b
}

// decodeSuperblock parses a SuperblockSize-byte record, verifying magic and
// checksum ("every record with an on-disk checksum ...
// verifies on decode").
func decodeSuperblock(b []byte) (*Superblock, error) {
	if len(b) < SuperblockSize {
		return nil, fmt.Errorf("%w: superblock record too short (%d bytes)", ErrInvalidData, len(b))
	}
	magic := binary.LittleEndian.Uint64(b[0:8])
	if magic != SuperblockMagic {
		return nil, fmt.Errorf("%w: bad superblock magic 0x%x", ErrInvalidData, magic)
	}

	storedChecksum := binary.LittleEndian.Uint32(b[SuperblockSize-4 : SuperblockSize])
	if !crc.Verify32(b[:SuperblockSize-4], storedChecksum) {
		return nil, fmt.Errorf("%w: superblock checksum", ErrChecksumMismatch)
	}

	sb := &Superblock{
		Version:           binary.LittleEndian.Uint32(b[8:12]),
		BlocksCount:       binary.LittleEndian.Uint64(b[12:20]),
		FreeBlocksCount:   binary.LittleEndian.Uint64(b[20:28]),
		InodesCount:       binary.LittleEndian.Uint32(b[28:32]),
		FreeInodesCount:   binary.LittleEndian.Uint32(b[32:36]),
		BlockSize:         binary.LittleEndian.Uint32(b[36:40]),
		InodeSize:         binary.LittleEndian.Uint16(b[40:42]),
		BlocksPerGroup:    binary.LittleEndian.Uint32(b[42:46]),
		InodesPerGroup:    binary.LittleEndian.Uint32(b[46:50]),
		FirstDataBlock:    BlockNumber(binary.LittleEndian.Uint64(b[50:58])),
		JournalInode:      binary.LittleEndian.Uint32(b[58:62]),
		JournalFirstBlock: BlockNumber(binary.LittleEndian.Uint64(b[62:70])),
		Checksum:          storedChecksum,
	}
	sb.Vector.Magic = binary.LittleEndian.Uint32(b[70:74])
	sb.Vector.Version = binary.LittleEndian.Uint32(b[74:78])
	sb.Vector.Algorithm = IndexAlgorithm(binary.LittleEndian.Uint32(b[78:82]))
	sb.Vector.Metric = binary.LittleEndian.Uint32(b[82:86])
	sb.Vector.Dimensions = binary.LittleEndian.Uint32(b[86:90])
	sb.Vector.EntryBlock = BlockNumber(binary.LittleEndian.Uint64(b[90:98]))
	sb.Vector.TotalVectors = binary.LittleEndian.Uint64(b[98:106])

	sb.State = FSState(binary.LittleEndian.Uint16(b[106:108]))
	sb.ErrorPolicy = ErrorPolicy(binary.LittleEndian.Uint16(b[108:110]))

	var id uuid.UUID
	if err := id.UnmarshalBinary(b[110:126]); err == nil {
		sb.UUID = id
	}

	nameEnd := 126
	for nameEnd < 126+64 && b[nameEnd] != 0 {
		nameEnd++
	}
	sb.VolumeName = string(b[126:nameEnd])

	if err := sb.Validate(); err != nil {
		return nil, err
	}
	return sb, nil
}
