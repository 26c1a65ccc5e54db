package vexfs

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestVectorHeaderEncodeDecodeRoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	h := &VectorHeader{
		Version:        vectorHeaderVersion,
		VectorID:       5,
		FileInode:      9,
		ElementType:    ElemF32,
		Compression:    CompressNone,
		Dimensions:     128,
		OriginalSize:   512,
		CompressedSize: 512,
		Created:        now,
		Modified:       now,
		Checksum:       0xdeadbeef,
	}
	b := encodeVectorHeader(h)
	require.Len(t, b, vectorHeaderSize)

	got, err := decodeVectorHeader(b)
	require.NoError(t, err)
	require.Equal(t, h.VectorID, got.VectorID)
	require.Equal(t, h.Dimensions, got.Dimensions)
	require.Equal(t, h.Checksum, got.Checksum)
	require.Equal(t, h.Created.Unix(), got.Created.Unix())
}

func TestDecodeVectorHeaderRejectsBadMagic(t *testing.T) {
	h := &VectorHeader{Version: vectorHeaderVersion}
	b := encodeVectorHeader(h)
	binary.LittleEndian.PutUint32(b[0:4], 0)
	_, err := decodeVectorHeader(b)
	require.ErrorIs(t, err, ErrCorruptedData)
}

func encodeFloat32Vector(vals []float32) []byte {
	b := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(b[i*4:i*4+4], math.Float32bits(v))
	}
	return b
}

func TestStoreAndGetVectorRoundTrip(t *testing.T) {
	fsys, octx := mountFreshVolumeInternal(t)
	attr, err := fsys.Create(octx, RootInode, "v.vec", 0o644)
	require.NoError(t, err)

	raw := encodeFloat32Vector([]float32{1, 2, 3, 4})
	var id uint64
	err = fsys.withTxn(func(tid TxnID) error {
		var err error
		id, err = fsys.vectors.storeVector(octx, tid, raw, attr.Inode, ElemF32, 4, CompressNone)
		return err
	})
	require.NoError(t, err)

	header, data, err := fsys.vectors.getVector(id)
	require.NoError(t, err)
	require.Equal(t, uint32(4), header.Dimensions)
	require.Equal(t, raw, data)

	vec, err := fsys.vectors.loadVector(id)
	require.NoError(t, err)
	require.Equal(t, []float32{1, 2, 3, 4}, vec)
}

func TestStoreVectorRejectsDimensionMismatch(t *testing.T) {
	fsys, octx := mountFreshVolumeInternal(t)
	attr, err := fsys.Create(octx, RootInode, "bad.vec", 0o644)
	require.NoError(t, err)

	raw := encodeFloat32Vector([]float32{1, 2, 3})
	err = fsys.withTxn(func(tid TxnID) error {
		_, err := fsys.vectors.storeVector(octx, tid, raw, attr.Inode, ElemF32, 4, CompressNone)
		return err
	})
	require.ErrorIs(t, err, ErrInvalidDimensions)
}

func TestDeleteVectorIsNotIdempotent(t *testing.T) {
	fsys, octx := mountFreshVolumeInternal(t)
	attr, err := fsys.Create(octx, RootInode, "del.vec", 0o644)
	require.NoError(t, err)

	raw := encodeFloat32Vector([]float32{1, 2})
	var id uint64
	err = fsys.withTxn(func(tid TxnID) error {
		var err error
		id, err = fsys.vectors.storeVector(octx, tid, raw, attr.Inode, ElemF32, 2, CompressNone)
		return err
	})
	require.NoError(t, err)

	require.NoError(t, fsys.vectors.deleteVector(id))
	err = fsys.vectors.deleteVector(id)
	require.ErrorIs(t, err, ErrVectorNotFound)
}

func TestGetFileVectorsTracksOwnership(t *testing.T) {
	fsys, octx := mountFreshVolumeInternal(t)
	attr, err := fsys.Create(octx, RootInode, "owned.vec", 0o644)
	require.NoError(t, err)

	raw := encodeFloat32Vector([]float32{9, 9})
	var id uint64
	err = fsys.withTxn(func(tid TxnID) error {
		var err error
		id, err = fsys.vectors.storeVector(octx, tid, raw, attr.Inode, ElemF32, 2, CompressNone)
		return err
	})
	require.NoError(t, err)

	ids := fsys.vectors.getFileVectors(attr.Inode)
	require.Contains(t, ids, id)

	owner, err := fsys.vectors.getVectorFiles(id)
	require.NoError(t, err)
	require.Equal(t, attr.Inode, owner)
}

func TestDecodeFloat32VectorRejectsNonF32(t *testing.T) {
	_, err := decodeFloat32Vector([]byte{1, 2, 3, 4}, ElemI8, 1)
	require.ErrorIs(t, err, ErrInvalidDimensions)
}
