package fit

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"kinfit/pkg/levmar"
)

// Quality summarizes how well a fitted curve tracks the measured one.
type Quality struct {
	// RMSE is the root mean squared residual in activity units.
	RMSE float64
	// R2 is the coefficient of determination.
	R2 float64
	// Correlation is the Pearson correlation between the two curves, or
	// zero when either curve has no variance.
	Correlation float64
}

// Assess computes quality metrics for a fitted curve. Both slices must
// have the same length; empty input yields a zero Quality.
func Assess(observed, predicted []float64) Quality {
	if len(observed) != len(predicted) {
		panic("fit: assess length mismatch")
	}
	n := len(observed)
	if n == 0 {
		return Quality{}
	}
	mean := stat.Mean(observed, nil)
	predMean := stat.Mean(predicted, nil)
	var ssRes, ssTot, ssPred float64
	for i, y := range observed {
		r := y - predicted[i]
		ssRes += r * r
		d := y - mean
		ssTot += d * d
		e := predicted[i] - predMean
		ssPred += e * e
	}
	q := Quality{RMSE: math.Sqrt(ssRes / float64(n))}
	switch {
	case ssTot > 0:
		q.R2 = 1 - ssRes/ssTot
		if ssPred > 0 {
			// Pearson is undefined against a flat prediction.
			q.Correlation = stat.Correlation(observed, predicted, nil)
		}
	case ssRes == 0:
		// A flat curve reproduced exactly.
		q.R2 = 1
	}
	return q
}

// StandardErrors estimates per-parameter standard errors at params from
// the weighted Jacobian there, scaled by the residual variance. Fixed
// parameters report zero. The voxel should be the one params were fitted
// to, with the same weights.
func (ft *Fitter) StandardErrors(params []float64, v VoxelData) ([]float64, error) {
	n := ft.model.NumParams()
	m := ft.in.NumFrames()
	if len(v.Observed) != m {
		return nil, fmt.Errorf("%w: got %d frames, scan has %d",
			ErrFrameCount, len(v.Observed), m)
	}
	if v.Weights != nil && len(v.Weights) != m {
		return nil, fmt.Errorf("%w: %d weights for %d frames",
			levmar.ErrDimensionMismatch, len(v.Weights), m)
	}

	pred, jac, err := ft.model.Eval(params, ft.free, ft.in, ft.ws, true)
	if err != nil {
		return nil, err
	}

	var freeIdx []int
	for j, f := range ft.free {
		if f {
			freeIdx = append(freeIdx, j)
		}
	}
	nf := len(freeIdx)
	if nf == 0 {
		return make([]float64, n), nil
	}

	weighted := m
	if v.Weights != nil {
		weighted = 0
		for _, w := range v.Weights {
			if w > 0 {
				weighted++
			}
		}
	}
	dof := weighted - nf
	if dof <= 0 {
		return nil, fmt.Errorf("fit: %d weighted frames leave no degrees of freedom for %d free parameters",
			weighted, nf)
	}

	var ssRes float64
	for i := 0; i < m; i++ {
		r := v.Observed[i] - pred[i]
		if v.Weights != nil {
			r *= v.Weights[i]
		}
		ssRes += r * r
	}
	s2 := ssRes / float64(dof)

	cols := make([][]float64, nf)
	for fj, j := range freeIdx {
		col := make([]float64, m)
		mat.Col(col, j, jac)
		if v.Weights != nil {
			for i := range col {
				col[i] *= v.Weights[i]
			}
		}
		cols[fj] = col
	}
	sym := mat.NewSymDense(nf, nil)
	for a := 0; a < nf; a++ {
		for b := a; b < nf; b++ {
			sym.SetSym(a, b, floats.Dot(cols[a], cols[b]))
		}
	}
	var chol mat.Cholesky
	if !chol.Factorize(sym) {
		return nil, fmt.Errorf("fit: normal matrix is singular at the solution: %w",
			levmar.ErrSingularSystem)
	}
	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		return nil, err
	}

	out := make([]float64, n)
	for fj, j := range freeIdx {
		out[j] = math.Sqrt(s2 * inv.At(fj, fj))
	}
	return out, nil
}
