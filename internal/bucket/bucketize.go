package bucket

import (
	"fmt"
	"math"

	"github.com/x448/float16"

	"github.com/samcharles93/sparsemoe/internal/gpu"
)

// FromDense builds the bucket layout from dense row-major expert matrices
// (each experts[e] is W_e[outSize][inSize]).
//
// Probes sample min(ExpertSize, ProbesCount-1) bucket rows; the remaining probe
// slots have zero magnitude, so rank 0 (quant 1) always yields a zero cutoff and
// keeps every non-zero bucket. See sampleProbes for the row choice.
func FromDense(name string, inSize, outSize int, experts [][]float32) (*ExpertWeights, error) {
	if len(experts) == 0 {
		return nil, fmt.Errorf("%s: no experts", name)
	}
	if inSize <= 0 || outSize <= 0 || outSize%OutputAlign != 0 {
		return nil, fmt.Errorf("%s: output size %d must be a positive multiple of %d", name, outSize, OutputAlign)
	}
	for e, m := range experts {
		if len(m) != inSize*outSize {
			return nil, fmt.Errorf("%s: expert %d has %d values, want %dx%d", name, e, len(m), outSize, inSize)
		}
	}

	w := &ExpertWeights{
		Name:       name,
		NumExperts: len(experts),
		InSize:     inSize,
		OutSize:    outSize,
	}
	numBuckets := w.NumBuckets()
	expertSize := w.ExpertSize()
	rows := w.NumExperts * expertSize

	w.Buckets = gpu.NewF16(rows * BucketSize)
	w.Stats = gpu.NewF16(rows)
	w.Probes = gpu.NewF16(w.NumExperts * ProbesCount)
	w.ProbeCols = gpu.NewI32(w.NumExperts * ProbesCount)

	buckets := w.Buckets.Bits()
	stats := w.Stats.Bits()
	for e, m := range experts {
		for c := range inSize {
			for b := range numBuckets {
				row := w.Row(e, c, b)
				var peak float32
				for k := range BucketSize {
					h := float16.Fromfloat32(m[(b*BucketSize+k)*inSize+c])
					buckets[row*BucketSize+k] = h.Bits()
					peak = max(peak, abs32(h.Float32()))
				}
				stats[row] = float16.Fromfloat32(peak).Bits()
			}
		}
	}

	probes := w.Probes.Bits()
	cols := w.ProbeCols.Ints()
	for e := range w.NumExperts {
		rows := sampleProbes(stats[e*expertSize:(e+1)*expertSize], inSize, numBuckets)
		for j, i := range rows {
			probes[e*ProbesCount+j] = stats[e*expertSize+i]
			cols[e*ProbesCount+j] = int32(i / numBuckets)
		}
	}

	w.Validate()
	return w, nil
}

// sampleProbes picks the bucket rows (expert-relative) that fill the first
// min(len(stats), ProbesCount-1) probe slots.
//
// Small experts sample every row. Otherwise the peak-stat row of each column
// comes first, so the largest probe estimate bounds every row estimate and quant 0
// keeps nothing; the remaining slots sample all rows at a uniform stride. With
// more than ProbesCount-1 columns only a strided subset of columns gets its peak,
// and rows of the other columns can still pass a quant 0 cutoff.
func sampleProbes(stats []uint16, inSize, numBuckets int) []int {
	expertSize := len(stats)
	sampled := min(expertSize, ProbesCount-1)
	rows := make([]int, 0, sampled)
	if expertSize == sampled {
		for i := range expertSize {
			rows = append(rows, i)
		}
		return rows
	}

	peaks := min(inSize, sampled)
	for k := range peaks {
		c := int(int64(k) * int64(inSize) / int64(peaks))
		best, peak := c*numBuckets, float32(-1)
		for b := range numBuckets {
			i := c*numBuckets + b
			if m := float16.Frombits(stats[i]).Float32(); m > peak {
				best, peak = i, m
			}
		}
		rows = append(rows, best)
	}
	rest := sampled - peaks
	for j := range rest {
		rows = append(rows, int(int64(j)*int64(expertSize)/int64(rest)))
	}
	return rows
}

// Dense reconstructs W_e (row-major, fp16-rounded) from the bucket layout.
func (w *ExpertWeights) Dense(e int) []float32 {
	out := make([]float32, w.OutSize*w.InSize)
	for c := range w.InSize {
		for b := range w.NumBuckets() {
			row := w.Row(e, c, b)
			for k := range BucketSize {
				out[(b*BucketSize+k)*w.InSize+c] = w.Buckets.At(row*BucketSize + k)
			}
		}
	}
	return out
}

func abs32(v float32) float32 {
	return math.Float32frombits(math.Float32bits(v) &^ (1 << 31))
}
