package embedding

import (
	"math"
	"testing"
)

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestNormalizeAndNorm(t *testing.T) {
	v := Normalize([]float64{3, 4})
	if !almostEqual(Norm(v), 1) {
		t.Fatalf("norm = %v", Norm(v))
	}
	if !almostEqual(v[0], 0.6) || !almostEqual(v[1], 0.8) {
		t.Fatalf("normalized = %v", v)
	}

	zero := Normalize([]float64{0, 0})
	if zero[0] != 0 || zero[1] != 0 {
		t.Fatalf("zero vector changed: %v", zero)
	}
}

func TestCosineDistance(t *testing.T) {
	cases := []struct {
		name string
		a, b []float64
		want float64
	}{
		{"identical", []float64{1, 0}, []float64{1, 0}, 0},
		{"orthogonal", []float64{1, 0}, []float64{0, 1}, 1},
		{"opposite", []float64{1, 0}, []float64{-1, 0}, 2},
		{"scale invariant", []float64{2, 0}, []float64{5, 0}, 0},
		{"mismatched length", []float64{1}, []float64{1, 0}, 1},
	}
	for _, tc := range cases {
		if got := CosineDistance(tc.a, tc.b); !almostEqual(got, tc.want) {
			t.Errorf("%s: CosineDistance = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestCentroidIsUnitLength(t *testing.T) {
	centroid := Centroid([][]float64{{1, 0}, {0, 1}})
	if !almostEqual(Norm(centroid), 1) {
		t.Fatalf("centroid norm = %v", Norm(centroid))
	}
	if !almostEqual(centroid[0], centroid[1]) {
		t.Fatalf("centroid = %v", centroid)
	}
}

func TestVariance(t *testing.T) {
	if got := Variance([][]float64{{1, 1}}); got != 0 {
		t.Fatalf("single vector variance = %v", got)
	}
	// Two dims, each with values {0, 2}: per-dim variance 1, mean 1.
	got := Variance([][]float64{{0, 0}, {2, 2}})
	if !almostEqual(got, 1) {
		t.Fatalf("variance = %v, want 1", got)
	}
}

func TestSelfConsistency(t *testing.T) {
	same := SelfConsistency([][]float64{{1, 0}, {1, 0}, {1, 0}})
	if !almostEqual(same, 0) {
		t.Fatalf("identical vectors consistency = %v", same)
	}
	mixed := SelfConsistency([][]float64{{1, 0}, {0, 1}})
	if !almostEqual(mixed, 1) {
		t.Fatalf("orthogonal pair consistency = %v", mixed)
	}
}

func TestDedupe(t *testing.T) {
	vectors := [][]float64{
		{1, 0},
		{0.999, 0.001}, // near-duplicate of the first
		{0, 1},
	}
	kept := Dedupe(vectors, 0.05)
	if len(kept) != 2 {
		t.Fatalf("kept %d vectors, want 2", len(kept))
	}
	if !almostEqual(kept[0][0], 1) || !almostEqual(kept[1][1], 1) {
		t.Fatalf("kept = %v", kept)
	}
}

func TestRound4(t *testing.T) {
	cases := []struct {
		in   float64
		want float64
	}{
		{0.12344, 0.1234},
		{0.12346, 0.1235},
		{1.0, 1.0},
		// Negative values round away from zero, not toward it.
		{-0.12346, -0.1235},
	}
	for _, tt := range cases {
		if got := Round4(tt.in); !almostEqual(got, tt.want) {
			t.Fatalf("Round4(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
