package moe

import "math"

// SelectTopK writes the indices of the k highest scores into idxOut (ties go to
// the smaller index) and their softmax-normalized weights into wOut.
func SelectTopK(scores []float32, k int, idxOut []int, wOut []float32) {
	k = min(k, len(scores))
	if k <= 0 {
		return
	}
	if k > len(idxOut) || k > len(wOut) {
		panic("topk scratch buffers too small")
	}
	if k > maxTopK {
		panic("topk supports at most 8 experts")
	}

	var bestIdx [maxTopK]int
	var bestScore [maxTopK]float32
	for i := range k {
		bestIdx[i] = -1
		bestScore[i] = float32(-math.MaxFloat32)
	}

	for i, score := range scores {
		pos := k
		for j := range k {
			if score > bestScore[j] {
				pos = j
				break
			}
		}
		if pos == k {
			continue
		}
		for j := k - 1; j > pos; j-- {
			bestIdx[j] = bestIdx[j-1]
			bestScore[j] = bestScore[j-1]
		}
		bestIdx[pos] = i
		bestScore[pos] = score
	}

	copy(idxOut, bestIdx[:k])
	copy(wOut, bestScore[:k])
	Softmax(wOut[:k])
}

const maxTopK = 8

// Softmax normalizes xs in place.
func Softmax(xs []float32) {
	if len(xs) == 0 {
		return
	}
	peak := xs[0]
	for _, x := range xs[1:] {
		peak = max(peak, x)
	}
	var sum float64
	for i, x := range xs {
		e := math.Exp(float64(x - peak))
		xs[i] = float32(e)
		sum += e
	}
	for i := range xs {
		xs[i] = float32(float64(xs[i]) / sum)
	}
}

func silu(x float32) float32 {
	return x / (1 + float32(math.Exp(float64(-x))))
}
