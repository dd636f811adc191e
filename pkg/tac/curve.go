// Package tac defines the sampled-curve and scan-timing types shared by the
// fitting engine: blood input curves, frame definitions, the fine evaluation
// grid, resampling onto that grid and frame averaging back off it.
package tac

import (
	"fmt"

	"gonum.org/v1/gonum/interp"
)

// Curve is an ordered sequence of (time, concentration) samples, typically
// coarse and irregularly spaced. Times must strictly increase.
type Curve struct {
	Times  []float64
	Values []float64
}

// Len returns the number of samples.
func (c Curve) Len() int { return len(c.Times) }

// Empty reports whether the curve carries no samples at all.
func (c Curve) Empty() bool { return len(c.Times) == 0 && len(c.Values) == 0 }

// Validate checks the sample layout: matching slice lengths, at least two
// samples, strictly increasing times.
func (c Curve) Validate() error {
	if len(c.Times) != len(c.Values) {
		return fmt.Errorf("tac: curve has %d times but %d values", len(c.Times), len(c.Values))
	}
	if len(c.Times) < 2 {
		return fmt.Errorf("%w: have %d", ErrInsufficientInput, len(c.Times))
	}
	for i := 1; i < len(c.Times); i++ {
		if c.Times[i] <= c.Times[i-1] {
			return fmt.Errorf("%w: t[%d]=%g follows t[%d]=%g",
				ErrNonMonotonicTime, i, c.Times[i], i-1, c.Times[i-1])
		}
	}
	return nil
}

// Resample evaluates the curve at every grid point by linear interpolation.
// Outside the sampled range the curve is clamped to its first or last sample
// value rather than extrapolated.
func (c Curve) Resample(g Grid) ([]float64, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	var pl interp.PiecewiseLinear
	if err := pl.Fit(c.Times, c.Values); err != nil {
		return nil, fmt.Errorf("tac: fitting interpolant: %w", err)
	}
	first := c.Times[0]
	last := c.Times[c.Len()-1]
	out := make([]float64, g.Len())
	for i, t := range g.Times {
		switch {
		case t <= first:
			out[i] = c.Values[0]
		case t >= last:
			out[i] = c.Values[c.Len()-1]
		default:
			out[i] = pl.Predict(t)
		}
	}
	return out, nil
}

// InputFunction bundles the blood curves that drive a fit. Plasma is
// required; for reference-region models it carries the reference-region
// curve instead of plasma. WholeBlood is optional and falls back to Plasma
// for the vascular term when absent.
type InputFunction struct {
	Plasma     Curve
	WholeBlood Curve
}

// Validate checks both curves; WholeBlood is only checked when present.
func (f InputFunction) Validate() error {
	if err := f.Plasma.Validate(); err != nil {
		return fmt.Errorf("plasma: %w", err)
	}
	if !f.WholeBlood.Empty() {
		if err := f.WholeBlood.Validate(); err != nil {
			return fmt.Errorf("whole blood: %w", err)
		}
	}
	return nil
}

// Blood returns the curve used for the vascular signal fraction.
func (f InputFunction) Blood() Curve {
	if f.WholeBlood.Empty() {
		return f.Plasma
	}
	return f.WholeBlood
}
