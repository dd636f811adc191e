package tac

import "math"

// UniformWeights returns n frame weights of 1.
func UniformWeights(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1
	}
	return w
}

// DecayWeights returns per-frame fit weights following the usual
// count-statistics heuristic w_i = sqrt(duration_i · exp(−decay·mid_i)),
// scaled to unit mean. Longer and earlier (less decayed) frames carry more
// weight.
func DecayWeights(st ScanTiming, decay float64) []float64 {
	w := make([]float64, len(st.Frames))
	var sum float64
	for i, f := range st.Frames {
		w[i] = math.Sqrt(f.Duration() * math.Exp(-decay*f.Mid()))
		sum += w[i]
	}
	if sum == 0 {
		return w
	}
	scale := float64(len(w)) / sum
	for i := range w {
		w[i] *= scale
	}
	return w
}
