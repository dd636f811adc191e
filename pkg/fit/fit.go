// Package fit wires the compartmental models to the Levenberg-Marquardt
// solver: it prepares the blood input once, fits measured time-activity
// curves voxel by voxel, and reports per-fit quality. The batch driver in
// this package fans fits out across workers, which is where whole-image
// parametric mapping spends its time.
package fit

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"kinfit/pkg/kinetics"
	"kinfit/pkg/levmar"
	"kinfit/pkg/tac"
)

// ErrFrameCount reports a voxel curve whose length does not match the scan
// timing the fitter was built with.
var ErrFrameCount = errors.New("fit: observed frame count does not match the scan timing")

// Options configure a Fitter.
type Options struct {
	// Solver tunes the underlying Levenberg-Marquardt iteration.
	Solver levmar.Options
	// Workers sets the fan-out of FitAll; 0 or less means NumCPU.
	Workers int
	// Decay is the isotope decay constant in 1/min, folded into every
	// convolution kernel. Zero fits decay-corrected data.
	Decay float64
	// Initial overrides the model's default starting vector; nil keeps it.
	Initial []float64
	// Lower and Upper override the model's default bounds; nil keeps them.
	Lower, Upper []float64
	// Fixed marks parameters held at their initial values.
	Fixed []bool
}

// VoxelData is one measured curve to fit.
type VoxelData struct {
	// Observed is the frame-averaged measured TAC.
	Observed []float64
	// Weights scales each frame's residual; nil means uniform.
	Weights []float64
	// Initial overrides the fitter-wide starting vector for this voxel.
	Initial []float64
}

// Result is the outcome of fitting one voxel.
type Result struct {
	levmar.Result
	// Predicted is the fitted model curve at Params.
	Predicted []float64
	// Quality summarizes the agreement with the observed curve.
	Quality Quality
}

// Fitter fits one model against one prepared input function and scan
// timing. Fit and Evaluate reuse internal scratch and must not be called
// concurrently; FitAll gives each worker its own state instead.
type Fitter struct {
	model  kinetics.Model
	in     *kinetics.Input
	opts   Options
	init   []float64
	lower  []float64
	upper  []float64
	free   []bool
	ws     *kinetics.Workspace
	solver *levmar.Solver
}

// NewFitter prepares a fitter. The input function is resampled and
// frame-averaged once here; everything downstream shares it read-only.
func NewFitter(m kinetics.Model, f tac.InputFunction, st tac.ScanTiming, opts Options) (*Fitter, error) {
	in, err := kinetics.NewInput(f, st, opts.Decay)
	if err != nil {
		return nil, err
	}
	n := m.NumParams()
	init := opts.Initial
	if init == nil {
		init = m.DefaultInitial()
	} else if len(init) != n {
		return nil, fmt.Errorf("%w: %d initial values for %d parameters",
			kinetics.ErrParameterCount, len(init), n)
	}
	lower, upper := m.DefaultBounds()
	if opts.Lower != nil {
		if len(opts.Lower) != n {
			return nil, fmt.Errorf("%w: %d lower bounds for %d parameters",
				kinetics.ErrParameterCount, len(opts.Lower), n)
		}
		lower = opts.Lower
	}
	if opts.Upper != nil {
		if len(opts.Upper) != n {
			return nil, fmt.Errorf("%w: %d upper bounds for %d parameters",
				kinetics.ErrParameterCount, len(opts.Upper), n)
		}
		upper = opts.Upper
	}
	free := make([]bool, n)
	for i := range free {
		free[i] = true
	}
	if opts.Fixed != nil {
		if len(opts.Fixed) != n {
			return nil, fmt.Errorf("%w: %d fixed flags for %d parameters",
				kinetics.ErrParameterCount, len(opts.Fixed), n)
		}
		for i, fx := range opts.Fixed {
			free[i] = !fx
		}
	}
	return &Fitter{
		model:  m,
		in:     in,
		opts:   opts,
		init:   append([]float64(nil), init...),
		lower:  append([]float64(nil), lower...),
		upper:  append([]float64(nil), upper...),
		free:   free,
		ws:     kinetics.NewWorkspace(in, m),
		solver: levmar.New(opts.Solver),
	}, nil
}

// Model returns the fitted model.
func (ft *Fitter) Model() kinetics.Model { return ft.model }

// NumFrames returns the number of scan frames curves must have.
func (ft *Fitter) NumFrames() int { return ft.in.NumFrames() }

// Input returns the prepared input; it is shared and read-only.
func (ft *Fitter) Input() *kinetics.Input { return ft.in }

// Evaluate returns the model curve at p on the fitter's frame grid.
func (ft *Fitter) Evaluate(p []float64) ([]float64, error) {
	pred, err := kinetics.TAC(ft.model, p, ft.in, ft.ws)
	if err != nil {
		return nil, err
	}
	return append([]float64(nil), pred...), nil
}

// Fit fits a single voxel curve.
func (ft *Fitter) Fit(v VoxelData) (Result, error) {
	return ft.fitWith(ft.solver, ft.ws, v)
}

func (ft *Fitter) fitWith(solver *levmar.Solver, ws *kinetics.Workspace, v VoxelData) (Result, error) {
	if len(v.Observed) != ft.in.NumFrames() {
		return Result{}, fmt.Errorf("%w: got %d frames, scan has %d",
			ErrFrameCount, len(v.Observed), ft.in.NumFrames())
	}
	init := ft.init
	if v.Initial != nil {
		if len(v.Initial) != ft.model.NumParams() {
			return Result{}, fmt.Errorf("%w: %d initial values for %d parameters",
				kinetics.ErrParameterCount, len(v.Initial), ft.model.NumParams())
		}
		init = v.Initial
	}
	res, err := solver.Solve(levmar.Problem{
		Eval: func(p []float64, wantJacobian bool) ([]float64, *mat.Dense, error) {
			return ft.model.Eval(p, ft.free, ft.in, ws, wantJacobian)
		},
		Observed: v.Observed,
		Weights:  v.Weights,
		Initial:  init,
		Lower:    ft.lower,
		Upper:    ft.upper,
		Free:     ft.free,
	})
	if err != nil {
		return Result{}, err
	}
	pred, err := kinetics.TAC(ft.model, res.Params, ft.in, ws)
	if err != nil {
		return Result{}, err
	}
	predicted := append([]float64(nil), pred...)
	return Result{
		Result:    res,
		Predicted: predicted,
		Quality:   Assess(v.Observed, predicted),
	}, nil
}
