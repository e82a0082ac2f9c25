package bucket

import (
	"math/rand/v2"
	"slices"
	"testing"
)

func TestSelectRankMatchesSort(t *testing.T) {
	t.Parallel()
	r := rand.New(rand.NewPCG(11, 13))
	for trial := range 50 {
		n := 1 + r.IntN(5000)
		xs := make([]float32, n)
		for i := range xs {
			// few distinct values so ties are common
			xs[i] = float32(r.IntN(1 + trial))
		}
		sorted := slices.Clone(xs)
		slices.Sort(sorted)
		for _, k := range []int{0, n / 4, n / 2, n - 1} {
			got := selectRank(slices.Clone(xs), k)
			if got != sorted[k] {
				t.Fatalf("trial %d n=%d k=%d: got %v want %v", trial, n, k, got, sorted[k])
			}
		}
	}
}

func TestSelectRankAllEqual(t *testing.T) {
	t.Parallel()
	xs := make([]float32, ProbesCount)
	if got := selectRank(xs, ProbesCount-1); got != 0 {
		t.Fatalf("got %v", got)
	}
}

func TestSelectRankOutOfRangePanics(t *testing.T) {
	t.Parallel()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	selectRank([]float32{1, 2}, 2)
}

func BenchmarkSelectRank(b *testing.B) {
	r := rand.New(rand.NewPCG(1, 2))
	src := make([]float32, ProbesCount)
	for i := range src {
		src[i] = r.Float32()
	}
	buf := make([]float32, ProbesCount)
	for b.Loop() {
		copy(buf, src)
		selectRank(buf, CutoffRank(0.25))
	}
}
