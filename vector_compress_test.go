package vexfs

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func f32Bytes(vals ...float32) []byte {
	b := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(b[i*4:i*4+4], math.Float32bits(v))
	}
	return b
}

func TestCompressPayloadNoneIsIdentity(t *testing.T) {
	data := f32Bytes(1, 2, 3)
	out, size, err := compressPayload(data, CompressNone)
	require.NoError(t, err)
	require.Equal(t, data, out)
	require.Equal(t, len(data), size)
}

func TestCompressDecompressQ8RoundTripsWithinTolerance(t *testing.T) {
	data := f32Bytes(-1, 0, 0.5, 1, 2.5)
	packed, _, err := compressPayload(data, CompressQ8)
	require.NoError(t, err)
	require.Less(t, len(packed), len(data))

	out, err := decompressPayload(packed, CompressQ8, len(data))
	require.NoError(t, err)
	require.Len(t, out, len(data))

	for i := 0; i < 5; i++ {
		want := math.Float32frombits(binary.LittleEndian.Uint32(data[i*4 : i*4+4]))
		got := math.Float32frombits(binary.LittleEndian.Uint32(out[i*4 : i*4+4]))
		require.InDelta(t, want, got, 0.05)
	}
}

func TestCompressDecompressQ4RoundTripsWithinTolerance(t *testing.T) {
	data := f32Bytes(-2, -1, 0, 1, 2, 3)
	packed, _, err := compressPayload(data, CompressQ4)
	require.NoError(t, err)
	require.Less(t, len(packed), len(data))

	out, err := decompressPayload(packed, CompressQ4, len(data))
	require.NoError(t, err)
	require.Len(t, out, len(data))

	for i := 0; i < 6; i++ {
		want := math.Float32frombits(binary.LittleEndian.Uint32(data[i*4 : i*4+4]))
		got := math.Float32frombits(binary.LittleEndian.Uint32(out[i*4 : i*4+4]))
		require.InDelta(t, want, got, 0.5)
	}
}

func TestCompressDecompressSparseRoundTrip(t *testing.T) {
	data := f32Bytes(0, 0, 0, 0, 7, 0, 0, 0)
	packed, _, err := compressPayload(data, CompressSparse)
	require.NoError(t, err)

	out, err := decompressPayload(packed, CompressSparse, len(data))
	require.NoError(t, err)
	require.Equal(t, data, out)
}

func TestCompressPayloadPQIsUnimplemented(t *testing.T) {
	_, _, err := compressPayload(f32Bytes(1), CompressPQ)
	require.ErrorIs(t, err, ErrSerialization)

	_, err = decompressPayload([]byte{1, 2, 3}, CompressPQ, 4)
	require.ErrorIs(t, err, ErrSerialization)
}

func TestCompressPayloadRejectsUnknownCodec(t *testing.T) {
	_, _, err := compressPayload(f32Bytes(1), Compression(255))
	require.ErrorIs(t, err, ErrSerialization)
}

func TestDequantizeRejectsTruncatedPayload(t *testing.T) {
	_, err := dequantize([]byte{1, 2, 3}, 8, 16)
	require.ErrorIs(t, err, ErrCorruptedData)
}

func TestQuantizeHandlesConstantInput(t *testing.T) {
	data := f32Bytes(5, 5, 5, 5)
	packed := quantize(data, 8)
	out, err := dequantize(packed, 8, len(data))
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		got := math.Float32frombits(binary.LittleEndian.Uint32(out[i*4 : i*4+4]))
		require.InDelta(t, 5, got, 1e-6)
	}
}
