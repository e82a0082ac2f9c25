package gpu

import (
	"math"
	"sync"
	"testing"
)

func TestF16RoundTrip(t *testing.T) {
	t.Parallel()
	src := []float32{0, 1, -1, 0.5, 65504, -2.25, 1e-3}
	b := F16FromFloat32(src)
	for i, v := range src {
		got := b.At(i)
		if diff := math.Abs(float64(got - v)); diff > math.Abs(float64(v))*1e-3 {
			t.Fatalf("idx %d: got %v want %v", i, got, v)
		}
	}

	view := F16FromBits(b.Bits())
	for i := range src {
		if view.At(i) != b.At(i) {
			t.Fatalf("bits view mismatch at %d", i)
		}
	}
	view.Set(0, 3)
	if b.At(0) != 3 {
		t.Fatal("F16FromBits should not copy")
	}
}

func TestF32AtomicAddConcurrent(t *testing.T) {
	t.Parallel()
	b := NewF32(4)
	var wg sync.WaitGroup
	for w := range 16 {
		wg.Go(func() {
			for range 1000 {
				b.AtomicAdd(w%4, 0.5)
			}
		})
	}
	wg.Wait()
	for i, v := range b.Floats() {
		if v != 2000 {
			t.Fatalf("slot %d = %v, want 2000", i, v)
		}
	}
}

func TestCounterAddReturnsPrevious(t *testing.T) {
	t.Parallel()
	c := NewCounter()
	if got := c.Add(1); got != 0 {
		t.Fatalf("first Add returned %d", got)
	}
	if got := c.Add(3); got != 1 {
		t.Fatalf("second Add returned %d", got)
	}
	if c.Load() != 4 {
		t.Fatalf("Load=%d", c.Load())
	}
	c.Zero()
	if c.Load() != 0 {
		t.Fatal("Zero did not reset")
	}
}

func TestGridValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		grid Grid
		ok   bool
	}{
		{Lanes(10), true},
		{Grid2(16, 32), true},
		{Groups(2, 1024), true},
		{Grid{X: 10, GroupX: 4}, false},
		{Grid{X: 8, Y: 2, GroupX: 4}, false},
		{Grid{X: -1}, false},
	}
	for _, tc := range tests {
		err := tc.grid.validate()
		if (err == nil) != tc.ok {
			t.Fatalf("%+v: validate err=%v, want ok=%v", tc.grid, err, tc.ok)
		}
	}
	if got := (Grid{X: 4}).Threads(); got != 4 {
		t.Fatalf("zero Y/Z should normalize to 1, threads=%d", got)
	}
}

func TestGridThreadCoordinates(t *testing.T) {
	t.Parallel()
	g := Grid{X: 4, Y: 3, Z: 2}
	seen := map[Thread]bool{}
	for i := range g.Threads() {
		th := g.thread(i)
		if th.X >= 4 || th.Y >= 3 || th.Z >= 2 {
			t.Fatalf("thread %d out of range: %+v", i, th)
		}
		seen[th] = true
	}
	if len(seen) != 24 {
		t.Fatalf("expected 24 distinct threads, got %d", len(seen))
	}
}

func TestCPUFeaturesAreDistinct(t *testing.T) {
	t.Parallel()
	seen := map[string]bool{}
	for _, f := range CPUFeatures() {
		if f == "" || seen[f] {
			t.Fatalf("bad feature list %v", CPUFeatures())
		}
		seen[f] = true
	}
}
