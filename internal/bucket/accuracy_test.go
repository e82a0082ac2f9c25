package bucket

import (
	"math"
	"testing"
)

func TestRelativeError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		got, want []float32
		expect    float64
	}{
		{"exact", []float32{1, 2, 3}, []float32{1, 2, 3}, 0},
		{"scaled", []float32{2, 0}, []float32{1, 0}, 1},
		{"zero reference", []float32{3, 4}, []float32{0, 0}, 5},
	}
	for _, tc := range cases {
		if got := RelativeError(tc.got, tc.want); math.Abs(got-tc.expect) > 1e-9 {
			t.Errorf("%s: got %g, want %g", tc.name, got, tc.expect)
		}
	}
}

func TestKeptFraction(t *testing.T) {
	t.Parallel()
	w := &ExpertWeights{NumExperts: 2, InSize: 8, OutSize: 64}
	if got := w.KeptFraction(16); got != 0.5 {
		t.Fatalf("KeptFraction(16) = %g, want 0.5", got)
	}
}
