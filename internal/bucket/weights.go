// Package bucket implements the bucketed multiply: an approximate matrix-vector
// product that visits only the weight buckets whose estimated contribution exceeds
// a per-call cutoff derived from sampled probes.
package bucket

import (
	"fmt"
	"math"

	"github.com/samcharles93/sparsemoe/internal/gpu"
)

const (
	// BucketSize is the number of output rows stored together in one bucket.
	BucketSize = 16
	// ChunkSize is the number of stats entries scanned by one dispatch lane.
	ChunkSize = 16
	// OutputAlign is the required multiple for an expert's output rows.
	OutputAlign = 4 * BucketSize
	// ProbesCount is the number of probe samples per expert.
	ProbesCount = 4096
	// CutoffLanes is the lane count of the single cutoff group.
	CutoffLanes = 1024
	// MulGroups is the number of lane groups striding over the dispatch list.
	MulGroups = 32
)

// CutoffRank is the ascending rank of the cutoff among the probe magnitudes.
// quant 1 keeps everything (rank 0), quant 0 keeps almost nothing (rank ProbesCount-1).
func CutoffRank(quant float32) int {
	q := float64(clampQuant(quant))
	return int(math.Floor(float64(ProbesCount-1) * (1 - q)))
}

func clampQuant(q float32) float32 {
	switch {
	case q != q:
		return 1
	case q < 0:
		return 0
	case q > 1:
		return 1
	}
	return q
}

// ExpertWeights is one projection (gate, up or down) of every expert of a layer,
// stored as fp16 buckets of 16 output rows laid out by input column:
//
//	row e*ExpertSize + c*NumBuckets + b  =  W_e[b*16:(b+1)*16, c]
//
// It is immutable once built and may be shared by any number of engines.
type ExpertWeights struct {
	Name       string
	NumExperts int
	InSize     int
	OutSize    int

	Buckets   *gpu.F16Buffer // [NumExperts*ExpertSize, BucketSize]
	Stats     *gpu.F16Buffer // [NumExperts*ExpertSize], max |w| of each bucket
	Probes    *gpu.F16Buffer // [NumExperts*ProbesCount]
	ProbeCols *gpu.I32Buffer // [NumExperts*ProbesCount], input column of each probe
}

func (w *ExpertWeights) NumBuckets() int { return w.OutSize / BucketSize }

// ExpertSize is the number of bucket rows (and stats entries) per expert.
func (w *ExpertWeights) ExpertSize() int { return w.InSize * w.NumBuckets() }

// Row returns the bucket row holding column c, bucket b of expert e.
func (w *ExpertWeights) Row(e, c, b int) int {
	return e*w.ExpertSize() + c*w.NumBuckets() + b
}

// Bytes is the device memory held by the projection.
func (w *ExpertWeights) Bytes() int64 {
	var n int64
	for _, b := range []gpu.Buffer{w.Buckets, w.Stats, w.Probes, w.ProbeCols} {
		if b != nil {
			n += b.Bytes()
		}
	}
	return n
}

// Validate panics when the shape invariants do not hold.
func (w *ExpertWeights) Validate() {
	if err := w.check(); err != nil {
		panic(fmt.Sprintf("expert weights %q: %v", w.Name, err))
	}
}

func (w *ExpertWeights) check() error {
	if w.NumExperts <= 0 || w.InSize <= 0 || w.OutSize <= 0 {
		return fmt.Errorf("invalid shape experts=%d in=%d out=%d", w.NumExperts, w.InSize, w.OutSize)
	}
	if w.OutSize%OutputAlign != 0 {
		return fmt.Errorf("output size %d is not a multiple of %d", w.OutSize, OutputAlign)
	}
	if w.Buckets == nil || w.Stats == nil || w.Probes == nil || w.ProbeCols == nil {
		return fmt.Errorf("missing buffers")
	}
	rows := w.NumExperts * w.ExpertSize()
	if got := w.Buckets.Len(); got != rows*BucketSize {
		return fmt.Errorf("buckets has %d values, want %d", got, rows*BucketSize)
	}
	if got := w.Stats.Len(); got != rows {
		return fmt.Errorf("stats has %d values, want %d", got, rows)
	}
	if got := w.Probes.Len(); got != w.NumExperts*ProbesCount {
		return fmt.Errorf("probes has %d values, want %d per expert", got, ProbesCount)
	}
	if got := w.ProbeCols.Len(); got != w.NumExperts*ProbesCount {
		return fmt.Errorf("probe columns has %d values, want %d per expert", got, ProbesCount)
	}
	return nil
}
