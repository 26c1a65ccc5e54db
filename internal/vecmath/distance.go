// Package vecmath implements the distance functions HNSW search and the
// brute-force recall check share: one metric family, a scalar reference
// form pinned by tests, and a gonum-backed batch form used where a whole
// matrix of distances is wanted at once.
package vecmath

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Metric identifies a distance function.
type Metric int

const (
	Euclidean Metric = iota
	Cosine
	Manhattan
	Dot
	Hamming
)

func (m Metric) String() string {
	switch m {
	case Euclidean:
		return "euclidean"
	case Cosine:
		return "cosine"
	case Manhattan:
		return "manhattan"
	case Dot:
		return "dot"
	case Hamming:
		return "hamming"
	default:
		return "unknown"
	}
}

// ParseMetric maps the on-disk/API metric code to a Metric.
func ParseMetric(code uint32) (Metric, error) {
	switch Metric(code) {
	case Euclidean, Cosine, Manhattan, Dot, Hamming:
		return Metric(code), nil
	default:
		return 0, fmt.Errorf("vecmath: unknown metric code %d", code)
	}
}

// Distance computes the scalar reference distance between a and b under m.
// This is the pinned form: SIMD paths (not implemented here; this module
// is the scalar fallback required to be bitwise-equivalent up to
// 1 ulp) must agree with it.
func Distance(a, b []float32, m Metric) (float32, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vecmath: dimension mismatch %d vs %d", len(a), len(b))
	}
	switch m {
	case Euclidean:
		return euclidean(a, b), nil
	case Cosine:
		return cosine(a, b), nil
	case Manhattan:
		return manhattan(a, b), nil
	case Dot:
		return dot(a, b), nil
	case Hamming:
		return hamming(a, b), nil
	default:
		return 0, fmt.Errorf("vecmath: unknown metric %v", m)
	}
}

func euclidean(a, b []float32) float32 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return float32(math.Sqrt(sum))
}

func manhattan(a, b []float32) float32 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		if d < 0 {
			d = -d
		}
		sum += d
	}
	return float32(sum)
}

func dot(a, b []float32) float32 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	// distance form: smaller is closer, so negate the inner product
	return float32(-sum)
}

func cosine(a, b []float32) float32 {
	var dotp, na, nb float64
	for i := range a {
		dotp += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	sim := dotp / (math.Sqrt(na) * math.Sqrt(nb))
	return float32(1 - sim)
}

func hamming(a, b []float32) float32 {
	var count float32
	for i := range a {
		if a[i] != b[i] {
			count++
		}
	}
	return count
}

// BatchEuclidean returns the Euclidean distance from q to every row of xs,
// using gonum's floats.Distance for the reduction. Only this package's
// tests call it; the hot search path uses the scalar form above to stay
// pinned.
func BatchEuclidean(q []float32, xs [][]float32) []float32 {
	out := make([]float32, len(xs))
	qf := toFloat64(q)
	for i, x := range xs {
		out[i] = float32(floats.Distance(qf, toFloat64(x), 2))
	}
	return out
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
