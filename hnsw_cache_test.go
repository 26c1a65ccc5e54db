package vexfs

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHNSWCacheGetMissLoadsFromStore(t *testing.T) {
	calls := 0
	store := func(id uint64) ([]float32, error) {
		calls++
		return []float32{float32(id)}, nil
	}
	c := newHNSWCache(64, 1, store, nil)

	v, err := c.get(1)
	require.NoError(t, err)
	require.Equal(t, []float32{1}, v)
	require.Equal(t, 1, calls)

	v, err = c.get(1)
	require.NoError(t, err)
	require.Equal(t, []float32{1}, v)
	require.Equal(t, 1, calls, "second get should hit the cache, not call store again")
}

func TestHNSWCacheEvictsOldestUnderBudget(t *testing.T) {
	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }
	store := func(id uint64) ([]float32, error) { return []float32{float32(id)}, nil }

	// bytesPerVec = dims*4 = 4 bytes; budget of 1 byte-rounded-down MB is plenty,
	// so instead size the budget to fit exactly one vector's worth of bytes.
	c := newHNSWCache(0, 1, store, clock)
	c.budgetBytes = 4 // room for exactly one float32 vector

	c.insert(1, []float32{1})
	now = now.Add(time.Second)
	c.insert(2, []float32{2})

	require.Equal(t, 1, c.resident(), "inserting past budget must evict the oldest entry")
	_, ok := c.entries[2]
	require.True(t, ok, "the newest entry should survive eviction")
	_, ok = c.entries[1]
	require.False(t, ok)
}

func TestHNSWCacheInvalidateRemovesEntry(t *testing.T) {
	c := newHNSWCache(64, 1, func(id uint64) ([]float32, error) { return nil, fmt.Errorf("store should not be called") }, nil)
	c.insert(5, []float32{5})
	require.Equal(t, 1, c.resident())

	c.invalidate(5)
	require.Equal(t, 0, c.resident())
}

func TestHNSWCacheSingleVectorExceedingBudgetDegradesGracefully(t *testing.T) {
	c := newHNSWCache(0, 1000, func(id uint64) ([]float32, error) { return make([]float32, 1000), nil }, nil)
	c.budgetBytes = 10 // smaller than one vector's footprint

	c.insert(1, make([]float32, 1000))
	require.Equal(t, 0, c.resident(), "a vector larger than the whole budget should not be cached")
}
