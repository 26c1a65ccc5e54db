package vexfs

import (
	"encoding/binary"
	"fmt"
)

// GroupDescriptorSize is the fixed on-disk size of a block group descriptor.
const GroupDescriptorSize = 32

// GroupDescriptor locates a block group's bitmaps and inode table and
// tracks its free-space/used-directory counts.
type GroupDescriptor struct {
	BlockBitmapBlock BlockNumber
	InodeBitmapBlock BlockNumber
	InodeTableBlock  BlockNumber
	FreeBlocksCount  uint16
	FreeInodesCount  uint16
	UsedDirsCount    uint16
	Checksum         uint16
}

func encodeGroupDescriptor(gd *GroupDescriptor) []byte {
	b := make([]byte, GroupDescriptorSize)
	binary.LittleEndian.PutUint64(b[0:8], uint64(gd.BlockBitmapBlock))
	binary.LittleEndian.PutUint64(b[8:16], uint64(gd.InodeBitmapBlock))
	binary.LittleEndian.PutUint64(b[16:24], uint64(gd.InodeTableBlock))
	binary.LittleEndian.PutUint16(b[24:26], gd.FreeBlocksCount)
	binary.LittleEndian.PutUint16(b[26:28], gd.FreeInodesCount)
	binary.LittleEndian.PutUint16(b[28:30], gd.UsedDirsCount)
	binary.LittleEndian.PutUint16(b[30:32], xorChecksum16(b[:30]))
	return b
}

func decodeGroupDescriptor(b []byte) (*GroupDescriptor, error) {
	if len(b) < GroupDescriptorSize {
		return nil, fmt.Errorf("%w: group descriptor record too short", ErrInvalidData)
	}
	want := binary.LittleEndian.Uint16(b[30:32])
	if got := xorChecksum16(b[:30]); got != want {
		return nil, fmt.Errorf("%w: group descriptor checksum", ErrChecksumMismatch)
	}
	return &GroupDescriptor{
		BlockBitmapBlock: BlockNumber(binary.LittleEndian.Uint64(b[0:8])),
		InodeBitmapBlock: BlockNumber(binary.LittleEndian.Uint64(b[8:16])),
		InodeTableBlock:  BlockNumber(binary.LittleEndian.Uint64(b[16:24])),
		FreeBlocksCount:  binary.LittleEndian.Uint16(b[24:26]),
		FreeInodesCount:  binary.LittleEndian.Uint16(b[26:28]),
		UsedDirsCount:    binary.LittleEndian.Uint16(b[28:30]),
		Checksum:         want,
	}, nil
}

// xorChecksum16 folds b, taken two bytes at a time, into a single uint16 --
// the XOR checksum stored on every group descriptor.
func xorChecksum16(b []byte) uint16 {
	var acc uint16
	for i := 0; i+1 < len(b); i += 2 {
		acc ^= binary.LittleEndian.Uint16(b[i : i+2])
	}
	if len(b)%2 == 1 {
		acc ^= uint16(b[len(b)-1])
	}
	return acc
}
