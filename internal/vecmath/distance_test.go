package vecmath

import (
	"math"
	"testing"
)

func TestDistanceEuclideanOfIdenticalVectorsIsZero(t *testing.T) {
	a := []float32{1, 2, 3}
	d, err := Distance(a, a, Euclidean)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d != 0 {
		t.Fatalf("got %v, want 0", d)
	}
}

func TestDistanceEuclideanKnownValue(t *testing.T) {
	a := []float32{0, 0}
	b := []float32{3, 4}
	d, err := Distance(a, b, Euclidean)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(float64(d)-5) > 1e-6 {
		t.Fatalf("got %v, want 5", d)
	}
}

func TestDistanceManhattanKnownValue(t *testing.T) {
	a := []float32{0, 0}
	b := []float32{3, 4}
	d, err := Distance(a, b, Manhattan)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d != 7 {
		t.Fatalf("got %v, want 7", d)
	}
}

func TestDistanceDotNegatesInnerProduct(t *testing.T) {
	a := []float32{1, 2}
	b := []float32{3, 4}
	d, err := Distance(a, b, Dot)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d != -11 {
		t.Fatalf("got %v, want -11", d)
	}
}

func TestDistanceCosineOfIdenticalVectorsIsZero(t *testing.T) {
	a := []float32{1, 2, 3}
	d, err := Distance(a, a, Cosine)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(float64(d)) > 1e-6 {
		t.Fatalf("got %v, want ~0", d)
	}
}

func TestDistanceCosineOfZeroVectorIsMaximal(t *testing.T) {
	a := []float32{0, 0, 0}
	b := []float32{1, 2, 3}
	d, err := Distance(a, b, Cosine)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d != 1 {
		t.Fatalf("got %v, want 1", d)
	}
}

func TestDistanceHammingCountsMismatches(t *testing.T) {
	a := []float32{1, 2, 3, 4}
	b := []float32{1, 0, 3, 0}
	d, err := Distance(a, b, Hamming)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d != 2 {
		t.Fatalf("got %v, want 2", d)
	}
}

func TestDistanceRejectsDimensionMismatch(t *testing.T) {
	_, err := Distance([]float32{1, 2}, []float32{1}, Euclidean)
	if err == nil {
		t.Fatal("expected an error for mismatched dimensions")
	}
}

func TestDistanceRejectsUnknownMetric(t *testing.T) {
	_, err := Distance([]float32{1}, []float32{1}, Metric(99))
	if err == nil {
		t.Fatal("expected an error for an unknown metric")
	}
}

func TestParseMetricRoundTripsKnownCodes(t *testing.T) {
	for _, m := range []Metric{Euclidean, Cosine, Manhattan, Dot, Hamming} {
		got, err := ParseMetric(uint32(m))
		if err != nil {
			t.Fatalf("ParseMetric(%d): unexpected error: %v", m, err)
		}
		if got != m {
			t.Fatalf("ParseMetric(%d) = %v, want %v", m, got, m)
		}
	}
}

func TestParseMetricRejectsUnknownCode(t *testing.T) {
	if _, err := ParseMetric(255); err == nil {
		t.Fatal("expected an error for an unknown metric code")
	}
}

func TestMetricStringNamesEachConstant(t *testing.T) {
	cases := map[Metric]string{
		Euclidean: "euclidean",
		Cosine:    "cosine",
		Manhattan: "manhattan",
		Dot:       "dot",
		Hamming:   "hamming",
	}
	for m, want := range cases {
		if got := m.String(); got != want {
			t.Fatalf("Metric(%d).String() = %q, want %q", m, got, want)
		}
	}
	if got := Metric(99).String(); got != "unknown" {
		t.Fatalf("Metric(99).String() = %q, want %q", got, "unknown")
	}
}

func TestBatchEuclideanMatchesScalarForm(t *testing.T) {
	q := []float32{0, 0}
	xs := [][]float32{{3, 4}, {0, 0}, {1, 1}}
	got := BatchEuclidean(q, xs)
	if len(got) != len(xs) {
		t.Fatalf("got %d results, want %d", len(got), len(xs))
	}
	for i, x := range xs {
		want, err := Distance(q, x, Euclidean)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if math.Abs(float64(got[i]-want)) > 1e-4 {
			t.Fatalf("BatchEuclidean[%d] = %v, want %v", i, got[i], want)
		}
	}
}
