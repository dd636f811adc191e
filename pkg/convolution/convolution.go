// Package convolution implements the exponential-kernel convolution engine
// used by the kinetic models. Both kernels are evaluated incrementally on a
// uniform time grid with closed-form segment integrals, so a full curve costs
// O(n) regardless of the rate constant.
package convolution

import "math"

// seriesCutoff is the k·step threshold below which the segment moment
// integrals switch to their series expansions. The closed forms lose digits
// to cancellation as k·step shrinks; the series is exact at k = 0, where the
// kernel degenerates to plain cumulative trapezoidal integration.
const seriesCutoff = 0.01

// moments returns the segment moment integrals over one grid step h:
//
//	m1 = ∫₀ʰ exp(−k·s) ds
//	m2 = ∫₀ʰ s·exp(−k·s) ds
//	m3 = ∫₀ʰ s²·exp(−k·s) ds
func moments(k, h float64) (m1, m2, m3 float64) {
	x := k * h
	if math.Abs(x) < seriesCutoff {
		// Series in x; four terms keep the truncation error below
		// double-precision roundoff at the cutoff.
		m1 = h * (1 - x/2 + x*x/6 - x*x*x/24)
		m2 = h * h * (0.5 - x/3 + x*x/8 - x*x*x/30)
		m3 = h * h * h * (1.0/3 - x/4 + x*x/10 - x*x*x/36)
		return m1, m2, m3
	}
	e := math.Exp(-x)
	m1 = (1 - e) / k
	m2 = (1 - e*(1+x)) / (k * k)
	m3 = (2 - e*(x*x+2*x+2)) / (k * k * k)
	return m1, m2, m3
}

// Exp fills dst with the causal convolution of u against the kernel exp(−k·t)
// sampled on a uniform grid with the given step:
//
//	dst[j] = ∫₀^(j·step) u(τ)·exp(−k·(j·step − τ)) dτ
//
// The input is treated as piecewise linear between grid points, which makes
// each segment integral exact and turns the whole convolution into the
// recurrence dst[j] = dst[j-1]·exp(−k·step) + segment. dst[0] is always zero.
//
// dst must not overlap u. Exp panics if the lengths differ.
func Exp(dst, u []float64, k, step float64) {
	if len(dst) != len(u) {
		panic("convolution: dst and u length mismatch")
	}
	if len(u) == 0 {
		return
	}
	m1, m2, _ := moments(k, step)
	e := math.Exp(-k * step)
	dst[0] = 0
	for j := 1; j < len(u); j++ {
		seg := u[j]*m1 + (u[j-1]-u[j])*m2/step
		dst[j] = dst[j-1]*e + seg
	}
}

// ExpDeriv fills deriv with the convolution of u against the time-weighted
// kernel t·exp(−k·t) and conv with the plain exponential convolution of u,
// both on the same uniform grid:
//
//	deriv[j] = ∫₀^(j·step) u(τ)·(j·step − τ)·exp(−k·(j·step − τ)) dτ
//
// deriv is exactly −∂conv/∂k of the discrete recurrence computed by Exp, so
// analytic Jacobians built from it differentiate the same curve the solver
// sees. The two outputs share state: splitting the integral at the previous
// grid point gives deriv[j] = e·(deriv[j-1] + step·conv[j-1]) + segment.
//
// deriv, conv and u must not overlap. ExpDeriv panics if lengths differ.
func ExpDeriv(deriv, conv, u []float64, k, step float64) {
	if len(deriv) != len(u) || len(conv) != len(u) {
		panic("convolution: deriv, conv and u length mismatch")
	}
	if len(u) == 0 {
		return
	}
	m1, m2, m3 := moments(k, step)
	e := math.Exp(-k * step)
	deriv[0] = 0
	conv[0] = 0
	for j := 1; j < len(u); j++ {
		du := u[j-1] - u[j]
		deriv[j] = e*(deriv[j-1]+step*conv[j-1]) + u[j]*m2 + du*m3/step
		conv[j] = conv[j-1]*e + u[j]*m1 + du*m2/step
	}
}
