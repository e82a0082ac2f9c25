package bucket

import "math"

// RelativeError is ||got-want|| / ||want||. When want is all zeros it is ||got||.
func RelativeError(got, want []float32) float64 {
	var num, den float64
	for i := range want {
		d := float64(got[i]) - float64(want[i])
		num += d * d
		den += float64(want[i]) * float64(want[i])
	}
	if den == 0 {
		return math.Sqrt(num)
	}
	return math.Sqrt(num / den)
}

// KeptFraction is the share of one expert's buckets that a dispatch list of
// length n visits.
func (w *ExpertWeights) KeptFraction(n int) float64 {
	return float64(n) / float64(w.ExpertSize())
}
