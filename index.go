package vexfs

import "time"

// SearchResult is one hit from an ANN query.
type SearchResult struct {
	VectorID uint64
	Distance float32
}

// IndexStats is the pluggable index interface's stats() shape.
type IndexStats struct {
	Total         uint64
	SizeBytes     uint64
	LastOptimized time.Time
	AvgSearchMs   float64
}

// SearchParams carries the knobs a strategy may consult (EfSearch is
// HNSW-specific; other strategies ignore it).
type SearchParams struct {
	EfSearch int
}

// Index is the pluggable ANN strategy interface every algorithm (HNSW,
// LSH, IVF, PQ, Flat) satisfies. VexFS implements HNSW (hnsw.go); the
// remaining strategies are named in IndexAlgorithm for on-disk format
// compatibility but have no implementation.
type Index interface {
	Add(id uint64, vec []float32) error
	Search(query []float32, k int, params SearchParams) ([]SearchResult, error)
	Update(id uint64, vec []float32) error
	Remove(id uint64) error
	Optimize() error
	Stats() IndexStats
}
