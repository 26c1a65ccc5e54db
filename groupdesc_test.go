package vexfs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGroupDescriptorEncodeDecodeRoundTrip(t *testing.T) {
	gd := &GroupDescriptor{
		BlockBitmapBlock: 10,
		InodeBitmapBlock: 11,
		InodeTableBlock:  12,
		FreeBlocksCount:  100,
		FreeInodesCount:  50,
		UsedDirsCount:    3,
	}
	b := encodeGroupDescriptor(gd)
	require.Len(t, b, GroupDescriptorSize)

	got, err := decodeGroupDescriptor(b)
	require.NoError(t, err)
	require.Equal(t, gd.BlockBitmapBlock, got.BlockBitmapBlock)
	require.Equal(t, gd.InodeBitmapBlock, got.InodeBitmapBlock)
	require.Equal(t, gd.InodeTableBlock, got.InodeTableBlock)
	require.Equal(t, gd.FreeBlocksCount, got.FreeBlocksCount)
	require.Equal(t, gd.FreeInodesCount, got.FreeInodesCount)
	require.Equal(t, gd.UsedDirsCount, got.UsedDirsCount)
}

func TestDecodeGroupDescriptorRejectsCorruptChecksum(t *testing.T) {
	gd := &GroupDescriptor{BlockBitmapBlock: 1, InodeBitmapBlock: 2, InodeTableBlock: 3}
	b := encodeGroupDescriptor(gd)
	b[0] ^= 0xff

	_, err := decodeGroupDescriptor(b)
	require.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestDecodeGroupDescriptorRejectsShortRecord(t *testing.T) {
	_, err := decodeGroupDescriptor(make([]byte, 4))
	require.ErrorIs(t, err, ErrInvalidData)
}

func TestXorChecksum16OddLength(t *testing.T) {
	a := xorChecksum16([]byte{0x01, 0x02, 0x03})
	b := xorChecksum16([]byte{0x01, 0x02, 0x03})
	require.Equal(t, a, b)
}
