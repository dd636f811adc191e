package levmar

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Norm2 returns the Euclidean norm of v.
func Norm2(v []float64) float64 {
	return floats.Norm(v, 2)
}

// WeightedNorm2 returns the Euclidean norm of v scaled elementwise by w.
// It panics when the slices differ in length.
func WeightedNorm2(v, w []float64) float64 {
	if len(v) != len(w) {
		panic("levmar: weighted norm length mismatch")
	}
	var sum float64
	for i, x := range v {
		wx := w[i] * x
		sum += wx * wx
	}
	return math.Sqrt(sum)
}
