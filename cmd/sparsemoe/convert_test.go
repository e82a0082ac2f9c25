package main

import (
	"bytes"
	"encoding/binary"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/sparsemoe/internal/logger"
	"github.com/samcharles93/sparsemoe/internal/store"
)

func TestCollectExperts(t *testing.T) {
	t.Parallel()

	names := []string{
		"model.layers.0.block_sparse_moe.experts.1.w1.weight",
		"model.layers.0.block_sparse_moe.experts.0.w1.weight",
		"model.layers.0.block_sparse_moe.experts.0.w2.weight",
		"model.layers.0.block_sparse_moe.experts.1.w2.weight",
		"model.layers.0.block_sparse_moe.gate.weight",
		"model.layers.0.block_sparse_moe.experts.0.w1.bias",
		"model.layers.1.block_sparse_moe.experts.0.w1.weight",
	}
	got, err := collectExperts(names, "model.layers.0.block_sparse_moe.experts.")
	if err != nil {
		t.Fatalf("collectExperts: %v", err)
	}
	want := map[string][]string{
		"w1": {"model.layers.0.block_sparse_moe.experts.0.w1.weight", "model.layers.0.block_sparse_moe.experts.1.w1.weight"},
		"w2": {"model.layers.0.block_sparse_moe.experts.0.w2.weight", "model.layers.0.block_sparse_moe.experts.1.w2.weight"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("groups (-want +got):\n%s", diff)
	}
}

func TestCollectExpertsErrors(t *testing.T) {
	t.Parallel()

	cases := map[string][]string{
		"no match": {"lm_head.weight"},
		"gap":      {"e.0.w1.weight", "e.2.w1.weight"},
		"uneven":   {"e.0.w1.weight", "e.1.w1.weight", "e.0.w2.weight"},
	}
	for name, names := range cases {
		if _, err := collectExperts(names, "e"); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func writeExpertSafetensors(t *testing.T, experts, in, out int) (string, [][]float32) {
	t.Helper()
	rng := rand.New(rand.NewPCG(5, 9))
	header := map[string]any{}
	var data []byte
	var mats [][]float32
	for e := range experts {
		m := make([]float32, in*out)
		start := len(data)
		for i := range m {
			m[i] = float32(rng.NormFloat64())
			data = binary.LittleEndian.AppendUint32(data, math.Float32bits(m[i]))
		}
		mats = append(mats, m)
		header["experts."+string(rune('0'+e))+".w1.weight"] = map[string]any{
			"dtype": "F32", "shape": []int{out, in}, "data_offsets": []int{start, len(data)},
		}
	}
	hdr, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, uint64(len(hdr)))
	buf.Write(hdr)
	buf.Write(data)
	path := filepath.Join(t.TempDir(), "experts.safetensors")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path, mats
}

func TestConvertSafetensorsRoundTrip(t *testing.T) {
	t.Parallel()

	const experts, in, out = 3, 16, 64
	src, mats := writeExpertSafetensors(t, experts, in, out)
	ws, err := convertSafetensors(logger.Discard(), src, "experts")
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if len(ws) != 1 || ws[0].Name != "w1" || ws[0].NumExperts != experts || ws[0].InSize != in || ws[0].OutSize != out {
		t.Fatalf("unexpected projections: %+v", ws)
	}

	dst := filepath.Join(t.TempDir(), "experts.mcf")
	if err := store.Save(dst, ws...); err != nil {
		t.Fatalf("save: %v", err)
	}
	s, err := store.Open(dst)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	w, err := s.Projection("w1")
	if err != nil {
		t.Fatalf("projection: %v", err)
	}
	for e := range experts {
		dense := w.Dense(e)
		for i, v := range mats[e] {
			// fp16 keeps 11 significant bits.
			if d := math.Abs(float64(dense[i] - v)); d > 1e-3*math.Max(1, math.Abs(float64(v))) {
				t.Fatalf("expert %d value %d: got %v want %v", e, i, dense[i], v)
			}
		}
	}

	report, err := inspectStore(dst)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if !report.Aligned64 || len(report.Projections) != 1 || report.Projections[0].BucketsPerEx != in*out/16 {
		t.Fatalf("unexpected inspect report: %+v", report)
	}
}
