package store

import (
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/sparsemoe/internal/bucket"
	"github.com/samcharles93/sparsemoe/pkg/mcf"
)

func projection(t *testing.T, name string, experts, in, out int, seed uint64) *bucket.ExpertWeights {
	t.Helper()
	rng := rand.New(rand.NewPCG(seed, 7))
	mats := make([][]float32, experts)
	for e := range mats {
		mats[e] = make([]float32, in*out)
		for i := range mats[e] {
			mats[e][i] = float32(rng.NormFloat64())
		}
	}
	w, err := bucket.FromDense(name, in, out, mats)
	if err != nil {
		t.Fatalf("bucketize %s: %v", name, err)
	}
	return w
}

func TestSaveOpenRoundTrip(t *testing.T) {
	t.Parallel()

	w1 := projection(t, "w1", 3, 32, 128, 1)
	w2 := projection(t, "w2", 3, 128, 64, 2)
	path := filepath.Join(t.TempDir(), "experts.mcf")
	if err := Save(path, w1, w2); err != nil {
		t.Fatalf("save: %v", err)
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	want := Info{Format: Format, Version: Version, Projections: []ProjectionInfo{
		{Name: "w1", Experts: 3, In: 32, Out: 128, Bytes: w1.Bytes()},
		{Name: "w2", Experts: 3, In: 128, Out: 64, Bytes: w2.Bytes()},
	}}
	if diff := cmp.Diff(want, s.Info); diff != "" {
		t.Fatalf("info mismatch (-want +got):\n%s", diff)
	}

	for _, orig := range []*bucket.ExpertWeights{w1, w2} {
		got, err := s.Projection(orig.Name)
		if err != nil {
			t.Fatalf("projection %s: %v", orig.Name, err)
		}
		if diff := cmp.Diff(orig.Buckets.Bits(), got.Buckets.Bits()); diff != "" {
			t.Fatalf("%s buckets differ", orig.Name)
		}
		if diff := cmp.Diff(orig.Stats.Bits(), got.Stats.Bits()); diff != "" {
			t.Fatalf("%s stats differ", orig.Name)
		}
		if diff := cmp.Diff(orig.Probes.Bits(), got.Probes.Bits()); diff != "" {
			t.Fatalf("%s probes differ", orig.Name)
		}
		if diff := cmp.Diff(orig.ProbeCols.Ints(), got.ProbeCols.Ints()); diff != "" {
			t.Fatalf("%s probe columns differ", orig.Name)
		}
	}
	if s.Bytes() != w1.Bytes()+w2.Bytes() {
		t.Fatalf("bytes = %d, want %d", s.Bytes(), w1.Bytes()+w2.Bytes())
	}
	if _, err := s.Projection("w3"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing projection: got %v", err)
	}
}

func TestSavedTensorsAreAligned(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "experts.mcf")
	if err := Save(path, projection(t, "gate", 2, 16, 64, 3)); err != nil {
		t.Fatalf("save: %v", err)
	}
	mf, err := mcf.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = mf.Close() }()

	if mf.Header.Flags&mcf.FlagTensorDataAligned64 == 0 {
		t.Fatalf("aligned flag not set: %#x", mf.Header.Flags)
	}
	index, err := mcf.ParseTensorIndexSection(mf.SectionData(mf.Section(mcf.SectionTensorIndex)))
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	if index.Count() != len(tensorParts) {
		t.Fatalf("index has %d tensors, want %d", index.Count(), len(tensorParts))
	}
	for i := range index.Count() {
		rec, err := index.Record(i)
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		if rec.DataOff%dataAlign != 0 {
			t.Errorf("%s at offset %d is not %d-byte aligned", rec.Name, rec.DataOff, dataAlign)
		}
	}
}

func TestSaveRejectsBadInput(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := Save(filepath.Join(dir, "a.mcf")); err == nil {
		t.Fatalf("empty save accepted")
	}
	w := projection(t, "dup", 1, 16, 64, 4)
	if err := Save(filepath.Join(dir, "b.mcf"), w, w); err == nil {
		t.Fatalf("duplicate projection accepted")
	}
}

func TestOpenRejectsForeignContainers(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "other.mcf")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	w, err := mcf.NewWriter(f)
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	if err := w.WriteSection(mcf.SectionModelInfo, 1, []byte(`{"format":"llama"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Finalise(); err != nil {
		t.Fatalf("finalise: %v", err)
	}
	_ = f.Close()

	if _, err := Open(path); !errors.Is(err, ErrFormat) {
		t.Fatalf("got %v, want ErrFormat", err)
	}
	if _, err := Open(filepath.Join(t.TempDir(), "missing.mcf")); err == nil {
		t.Fatalf("missing file accepted")
	}
}
