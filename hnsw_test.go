package vexfs

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vexfs/vexfs/internal/vecmath"
)

func gridVectors(n int, dims uint32) map[uint64][]float32 {
	vecs := make(map[uint64][]float32, n)
	for i := 0; i < n; i++ {
		v := make([]float32, dims)
		v[i%int(dims)] = float32(i + 1)
		vecs[uint64(i+1)] = v
	}
	return vecs
}

func newTestGraph(t *testing.T, n int, dims uint32) (*hnswGraph, map[uint64][]float32) {
	t.Helper()
	vecs := gridVectors(n, dims)
	lookup := func(id uint64) ([]float32, error) {
		v, ok := vecs[id]
		if !ok {
			return nil, fmt.Errorf("vector %d not found", id)
		}
		return v, nil
	}
	params := defaultHNSWParams(dims, vecmath.Euclidean, 42)
	g := newHNSWGraph(params, lookup, nil)
	for id, v := range vecs {
		require.NoError(t, g.Insert(id, v))
	}
	return g, vecs
}

func TestHNSWParamsForProfileTunesConnectionsAndSearchDepth(t *testing.T) {
	base := hnswParamsForProfile(ProfileDefault, 4, vecmath.Euclidean, 1)
	require.Equal(t, defaultHNSWParams(4, vecmath.Euclidean, 1), base)

	batch := hnswParamsForProfile(ProfileBatch, 4, vecmath.Euclidean, 1)
	require.Greater(t, batch.M, base.M, "batch profile should widen connections for recall under bulk load")
	require.Greater(t, batch.EfConstruction, base.EfConstruction)

	realtime := hnswParamsForProfile(ProfileRealtime, 4, vecmath.Euclidean, 1)
	require.LessOrEqual(t, realtime.EfSearch, base.EfSearch, "realtime profile should narrow search depth for latency")

	memory := hnswParamsForProfile(ProfileMemory, 4, vecmath.Euclidean, 1)
	require.Less(t, memory.M, base.M, "memory profile should narrow connections for footprint")
	require.Less(t, memory.EfConstruction, base.EfConstruction)
}

func TestHNSWInsertRejectsDimensionMismatch(t *testing.T) {
	g, _ := newTestGraph(t, 1, 4)
	err := g.Insert(99, []float32{1, 2})
	require.ErrorIs(t, err, ErrInvalidDimensions)
}

func TestHNSWSearchFindsExactMatch(t *testing.T) {
	g, vecs := newTestGraph(t, 20, 8)
	query := vecs[5]

	results, err := g.Search(query, 1, 50)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, uint64(5), results[0].id)
	require.InDelta(t, 0, results[0].dist, 1e-6)
}

func TestHNSWSearchRejectsDimensionMismatch(t *testing.T) {
	g, _ := newTestGraph(t, 5, 8)
	_, err := g.Search([]float32{1, 2}, 1, 10)
	require.ErrorIs(t, err, ErrInvalidDimensions)
}

func TestHNSWSearchRejectsZeroK(t *testing.T) {
	g, vecs := newTestGraph(t, 5, 8)
	_, err := g.Search(vecs[1], 0, 10)
	require.ErrorIs(t, err, ErrArgument)
}

func TestHNSWSearchOnEmptyGraphReturnsNoResults(t *testing.T) {
	params := defaultHNSWParams(4, vecmath.Euclidean, 1)
	g := newHNSWGraph(params, func(id uint64) ([]float32, error) { return nil, nil }, nil)

	results, err := g.Search([]float32{1, 2, 3, 4}, 1, 10)
	require.NoError(t, err)
	require.Nil(t, results)
}

func TestHNSWSearchReturnsKNearestOrdered(t *testing.T) {
	g, vecs := newTestGraph(t, 30, 8)
	results, err := g.Search(vecs[10], 5, 100)
	require.NoError(t, err)
	require.Len(t, results, 5)
	for i := 1; i < len(results); i++ {
		require.LessOrEqual(t, results[i-1].dist, results[i].dist)
	}
}

func TestSelectNeighboursKeepsNearestAndBreaksTiesByID(t *testing.T) {
	cands := []candidate{
		{id: 3, dist: 1},
		{id: 1, dist: 1},
		{id: 2, dist: 0.5},
	}
	got := selectNeighbours(cands, 2)
	require.Equal(t, []uint64{2, 1}, got)
}

func TestHNSWGraphIndexAddSearchRemove(t *testing.T) {
	vecs := gridVectors(10, 4)
	lookup := func(id uint64) ([]float32, error) {
		v, ok := vecs[id]
		if !ok {
			return nil, fmt.Errorf("vector %d not found", id)
		}
		return v, nil
	}
	params := defaultHNSWParams(4, vecmath.Euclidean, 1)
	ix := newHNSWIndex(params, lookup, nil)

	for id, v := range vecs {
		require.NoError(t, ix.Add(id, v))
	}
	require.Equal(t, uint64(10), ix.Stats().Total)

	results, err := ix.Search(vecs[3], 1, SearchParams{EfSearch: 20})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, uint64(3), results[0].VectorID)

	require.NoError(t, ix.Remove(3))
	require.Equal(t, uint64(9), ix.Stats().Total)

	err = ix.Remove(3)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestHNSWGraphIndexUpdateReplacesVector(t *testing.T) {
	vecs := gridVectors(5, 4)
	lookup := func(id uint64) ([]float32, error) {
		v, ok := vecs[id]
		if !ok {
			return nil, fmt.Errorf("vector %d not found", id)
		}
		return v, nil
	}
	params := defaultHNSWParams(4, vecmath.Euclidean, 1)
	ix := newHNSWIndex(params, lookup, nil)
	for id, v := range vecs {
		require.NoError(t, ix.Add(id, v))
	}

	vecs[2] = []float32{9, 9, 9, 9}
	require.NoError(t, ix.Update(2, vecs[2]))

	results, err := ix.Search(vecs[2], 1, SearchParams{EfSearch: 20})
	require.NoError(t, err)
	require.Equal(t, uint64(2), results[0].VectorID)
}

func TestHNSWInsertWithWALKeepsAllNodes(t *testing.T) {
	vecs := gridVectors(3, 4)
	lookup := func(id uint64) ([]float32, error) { return vecs[id], nil }
	params := defaultHNSWParams(4, vecmath.Euclidean, 1)
	wal := newHNSWWAL()
	g := newHNSWGraph(params, lookup, wal)

	for id, v := range vecs {
		require.NoError(t, g.Insert(id, v))
	}
	require.Len(t, g.nodes, 3)
}
