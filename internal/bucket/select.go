package bucket

// selectRank returns the value at ascending rank k of xs, reordering xs in place.
// Three-way partitioning keeps long runs of equal values (zero probes) linear.
func selectRank(xs []float32, k int) float32 {
	if k < 0 || k >= len(xs) {
		panic("selectRank: rank out of range")
	}
	lo, hi := 0, len(xs)-1
	for lo < hi {
		p := median3(xs[lo], xs[lo+(hi-lo)/2], xs[hi])
		lt, i, gt := lo, lo, hi
		for i <= gt {
			switch {
			case xs[i] < p:
				xs[lt], xs[i] = xs[i], xs[lt]
				lt++
				i++
			case xs[i] > p:
				xs[i], xs[gt] = xs[gt], xs[i]
				gt--
			default:
				i++
			}
		}
		switch {
		case k < lt:
			hi = lt - 1
		case k > gt:
			lo = gt + 1
		default:
			return p
		}
	}
	return xs[k]
}

func median3(a, b, c float32) float32 {
	if a > b {
		a, b = b, a
	}
	if b > c {
		b = c
	}
	if a > b {
		b = a
	}
	return b
}
