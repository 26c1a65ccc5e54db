package vexfs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vexfs/vexfs/internal/vecmath"
)

func TestHNSWHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := &hnswImageHeader{
		Version:        hnswImageVersion,
		Algorithm:      IndexHNSW,
		Metric:         vecmath.Euclidean,
		Dimensions:     64,
		VectorCount:    10,
		LayerCount:     3,
		M:              16,
		M0:             32,
		EfConstruction: 200,
		EfSearch:       50,
		Seed:           7,
		EntryPoint:     4,
		HasEntry:       true,
		NodesOffset:    hnswImageHeaderSize,
		NodesSize:      128,
	}
	b := encodeHNSWHeader(h)
	require.Len(t, b, hnswImageHeaderSize)

	got, err := decodeHNSWHeader(b)
	require.NoError(t, err)
	require.Equal(t, h.Dimensions, got.Dimensions)
	require.Equal(t, h.VectorCount, got.VectorCount)
	require.Equal(t, h.EntryPoint, got.EntryPoint)
	require.True(t, got.HasEntry)
	require.Equal(t, h.NodesSize, got.NodesSize)
}

func TestDecodeHNSWHeaderRejectsCorruptChecksum(t *testing.T) {
	h := &hnswImageHeader{Version: hnswImageVersion}
	b := encodeHNSWHeader(h)
	b[16] ^= 0xff
	_, err := decodeHNSWHeader(b)
	require.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestHNSWNodeEncodeDecodeRoundTrip(t *testing.T) {
	n := &hnswNode{
		VectorID:   9,
		Layer:      1,
		Neighbours: [][]uint64{{1, 2, 3}, {4, 5}},
	}
	b := encodeHNSWNode(n)

	got, adv, err := decodeHNSWNode(b)
	require.NoError(t, err)
	require.Equal(t, len(b), adv)
	require.Equal(t, n.VectorID, got.VectorID)
	require.Equal(t, n.Neighbours, got.Neighbours)
	require.Equal(t, n.Layer, got.Layer)
}

func TestHNSWSnapshotLoadImageRoundTrip(t *testing.T) {
	params := defaultHNSWParams(4, vecmath.Euclidean, 1)
	vectors := map[uint64][]float32{
		1: {1, 0, 0, 0},
		2: {0, 1, 0, 0},
		3: {0, 0, 1, 0},
	}
	lookup := func(id uint64) ([]float32, error) { return vectors[id], nil }
	wal := newHNSWWAL()
	g := newHNSWGraph(params, lookup, wal)

	for id, vec := range vectors {
		require.NoError(t, g.Insert(id, vec))
	}

	_, image := g.snapshot()
	loaded, err := loadHNSWImage(image, lookup, wal)
	require.NoError(t, err)
	require.Equal(t, len(g.nodes), len(loaded.nodes))
	require.Equal(t, g.entryPoint, loaded.entryPoint)
	require.Equal(t, g.hasEntry, loaded.hasEntry)
}
