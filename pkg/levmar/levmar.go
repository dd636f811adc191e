// Package levmar implements a damped least-squares solver in the
// Levenberg-Marquardt family, specialized for curve fitting with analytic
// Jacobians, box constraints and per-point weights.
//
// The solver minimizes half the weighted sum of squared residuals,
//
//	cost(p) = 1/2 * sum_i (w_i * (y_i - f_i(p)))^2
//
// by solving the damped normal equations (A + lambda*diag(A)) step = g with
// A = (WJ)'(WJ) and g = (WJ)'r at each iteration. Steps that leave the box
// are clamped back onto it before evaluation, which keeps every model
// evaluation inside the physiologically valid region.
package levmar

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Status describes how a solve ended.
type Status int

const (
	// Converged means the gradient norm or the relative cost decrease
	// dropped below tolerance.
	Converged Status = iota
	// MaxIterationsReached means the iteration cap was hit while steps
	// were still improving the fit.
	MaxIterationsReached
	// Diverged means no acceptable step was found before the damping
	// factor hit its cap.
	Diverged
)

func (s Status) String() string {
	switch s {
	case Converged:
		return "converged"
	case MaxIterationsReached:
		return "max iterations reached"
	case Diverged:
		return "diverged"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// EvalFunc evaluates the model at p. pred must have one entry per observed
// point. When wantJacobian is set, jac must be the len(pred) by len(p)
// matrix of partial derivatives; otherwise jac may be nil. The returned
// storage may be reused between calls.
type EvalFunc func(p []float64, wantJacobian bool) (pred []float64, jac *mat.Dense, err error)

// Problem describes one weighted, bounded least-squares fit.
type Problem struct {
	// Eval evaluates the model and its Jacobian.
	Eval EvalFunc
	// Observed is the measured curve.
	Observed []float64
	// Weights scales each residual; nil means uniform. A zero weight
	// excludes the point, negative or NaN weights are rejected.
	Weights []float64
	// Initial is the starting parameter vector. Entries outside the
	// bounds are clamped before the first evaluation.
	Initial []float64
	// Lower and Upper bound the parameters elementwise; a nil slice
	// leaves that side unbounded.
	Lower, Upper []float64
	// Free marks parameters the solver may move; nil frees all of them.
	// Fixed parameters keep their initial (clamped) value.
	Free []bool
}

// Options tune the iteration.
type Options struct {
	// MaxIterations caps the number of accepted steps.
	MaxIterations int
	// CostTolerance stops the fit when an accepted step improves the
	// cost by no more than CostTolerance*(1+cost).
	CostTolerance float64
	// GradTolerance stops the fit when the norm of the weighted cost
	// gradient drops below it.
	GradTolerance float64
	// InitialLambda seeds the damping factor.
	InitialLambda float64
	// LambdaUp and LambdaDown rescale the damping after rejected and
	// accepted steps.
	LambdaUp, LambdaDown float64
	// MaxLambda ends the fit as diverged once damping exceeds it.
	MaxLambda float64
	// RetryLimit caps consecutive rejected steps within one iteration.
	RetryLimit int
}

// DefaultOptions returns tuning that behaves well on kinetic TAC fits.
func DefaultOptions() Options {
	return Options{
		MaxIterations: 100,
		CostTolerance: 1e-10,
		GradTolerance: 1e-10,
		InitialLambda: 1e-3,
		LambdaUp:      10,
		LambdaDown:    0.1,
		MaxLambda:     1e10,
		RetryLimit:    25,
	}
}

// Result carries the final state of a solve.
type Result struct {
	// Params is the fitted parameter vector, fixed entries included.
	Params []float64
	// Cost is half the weighted sum of squared residuals at Params.
	Cost float64
	// Iterations counts accepted steps.
	Iterations int
	// Status reports why iteration stopped.
	Status Status
}

// Solver runs fits and reuses its scratch between calls. It must not be
// shared across goroutines; construction is cheap enough to give every
// worker its own.
type Solver struct {
	opts Options

	params  []float64
	trial   []float64
	resid   []float64
	weights []float64
	freeIdx []int
	wcols   [][]float64
	a       [][]float64
	grad    []float64
	sym     *mat.SymDense
	step    *mat.VecDense
	bvec    *mat.VecDense
	chol    mat.Cholesky
}

// New returns a Solver with the given options. Non-positive option fields
// fall back to their defaults.
func New(opts Options) *Solver {
	def := DefaultOptions()
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = def.MaxIterations
	}
	if opts.CostTolerance <= 0 {
		opts.CostTolerance = def.CostTolerance
	}
	if opts.GradTolerance <= 0 {
		opts.GradTolerance = def.GradTolerance
	}
	if opts.InitialLambda <= 0 {
		opts.InitialLambda = def.InitialLambda
	}
	if opts.LambdaUp <= 1 {
		opts.LambdaUp = def.LambdaUp
	}
	if opts.LambdaDown <= 0 || opts.LambdaDown >= 1 {
		opts.LambdaDown = def.LambdaDown
	}
	if opts.MaxLambda <= 0 {
		opts.MaxLambda = def.MaxLambda
	}
	if opts.RetryLimit <= 0 {
		opts.RetryLimit = def.RetryLimit
	}
	return &Solver{opts: opts}
}

// Solve runs the fit described by prob.
func (s *Solver) Solve(prob Problem) (Result, error) {
	n := len(prob.Initial)
	if prob.Eval == nil {
		return Result{}, fmt.Errorf("levmar: problem has no eval function")
	}
	if n == 0 {
		return Result{}, fmt.Errorf("%w: empty initial parameter vector", ErrDimensionMismatch)
	}
	if prob.Lower != nil && len(prob.Lower) != n {
		return Result{}, fmt.Errorf("%w: %d lower bounds for %d parameters", ErrDimensionMismatch, len(prob.Lower), n)
	}
	if prob.Upper != nil && len(prob.Upper) != n {
		return Result{}, fmt.Errorf("%w: %d upper bounds for %d parameters", ErrDimensionMismatch, len(prob.Upper), n)
	}
	if prob.Free != nil && len(prob.Free) != n {
		return Result{}, fmt.Errorf("%w: free mask has %d entries for %d parameters", ErrDimensionMismatch, len(prob.Free), n)
	}
	m := len(prob.Observed)
	if prob.Weights != nil && len(prob.Weights) != m {
		return Result{}, fmt.Errorf("%w: %d weights for %d observed points", ErrDimensionMismatch, len(prob.Weights), m)
	}
	if prob.Lower != nil && prob.Upper != nil {
		for i := range prob.Lower {
			if prob.Lower[i] > prob.Upper[i] {
				return Result{}, fmt.Errorf("%w: parameter %d has lower %g above upper %g",
					ErrInvalidBounds, i, prob.Lower[i], prob.Upper[i])
			}
		}
	}
	for i, w := range prob.Weights {
		if w < 0 || math.IsNaN(w) {
			return Result{}, fmt.Errorf("%w: weight %d is %g", ErrInvalidWeight, i, w)
		}
	}

	s.ensure(n, m)
	copy(s.params, prob.Initial)
	clampInto(s.params, prob.Lower, prob.Upper)
	for i := range s.weights {
		if prob.Weights == nil {
			s.weights[i] = 1
		} else {
			s.weights[i] = prob.Weights[i]
		}
	}
	s.freeIdx = s.freeIdx[:0]
	for i := 0; i < n; i++ {
		if prob.Free == nil || prob.Free[i] {
			s.freeIdx = append(s.freeIdx, i)
		}
	}

	if len(s.freeIdx) == 0 {
		pred, _, err := prob.Eval(s.params, false)
		if err != nil {
			return Result{}, err
		}
		if len(pred) != m {
			return Result{}, fmt.Errorf("%w: model returned %d points for %d observed", ErrDimensionMismatch, len(pred), m)
		}
		cost := s.residuals(pred, prob.Observed)
		return Result{Params: cloneVec(s.params), Cost: cost, Iterations: 0, Status: Converged}, nil
	}
	weighted := 0
	for _, w := range s.weights {
		if w > 0 {
			weighted++
		}
	}
	if len(s.freeIdx) > weighted {
		return Result{}, fmt.Errorf("%w: %d free parameters with only %d weighted points",
			ErrSingularSystem, len(s.freeIdx), weighted)
	}
	s.ensureFree(len(s.freeIdx), m)

	pred, jac, err := prob.Eval(s.params, true)
	if err != nil {
		return Result{}, err
	}
	if len(pred) != m {
		return Result{}, fmt.Errorf("%w: model returned %d points for %d observed", ErrDimensionMismatch, len(pred), m)
	}
	if r, c := jac.Dims(); r != m || c != n {
		return Result{}, fmt.Errorf("%w: jacobian is %dx%d, want %dx%d", ErrDimensionMismatch, r, c, m, n)
	}
	cost := s.residuals(pred, prob.Observed)
	if math.IsNaN(cost) || math.IsInf(cost, 0) {
		return Result{}, fmt.Errorf("levmar: cost is not finite at the initial point")
	}
	s.normalEquations(jac)

	lambda := s.opts.InitialLambda
	status := MaxIterationsReached
	iters := 0

outer:
	for iters = 0; iters < s.opts.MaxIterations; iters++ {
		if Norm2(s.grad) <= s.opts.GradTolerance {
			status = Converged
			break
		}
		accepted := false
		for try := 0; try <= s.opts.RetryLimit; try++ {
			if !s.factorize(lambda) {
				lambda *= s.opts.LambdaUp
				if lambda > s.opts.MaxLambda {
					status = Diverged
					break outer
				}
				continue
			}
			if err := s.chol.SolveVecTo(s.step, s.bvec); err != nil {
				lambda *= s.opts.LambdaUp
				if lambda > s.opts.MaxLambda {
					status = Diverged
					break outer
				}
				continue
			}
			copy(s.trial, s.params)
			for fj, j := range s.freeIdx {
				s.trial[j] += s.step.AtVec(fj)
			}
			clampInto(s.trial, prob.Lower, prob.Upper)
			moved := false
			for _, j := range s.freeIdx {
				if s.trial[j] != s.params[j] {
					moved = true
					break
				}
			}
			if !moved {
				// Every free component clamped back onto its bound (or
				// the step was numerically zero). Raising the damping
				// only shrinks the step further, so the fit is pinned.
				status = Converged
				break outer
			}

			predT, _, err := prob.Eval(s.trial, false)
			if err != nil {
				return Result{}, err
			}
			trialCost := s.residuals(predT, prob.Observed)
			if !math.IsNaN(trialCost) && trialCost < cost {
				decrease := cost - trialCost
				copy(s.params, s.trial)
				cost = trialCost
				lambda *= s.opts.LambdaDown
				if _, jac, err = prob.Eval(s.params, true); err != nil {
					return Result{}, err
				}
				s.normalEquations(jac)
				accepted = true
				if decrease <= s.opts.CostTolerance*(1+cost) {
					status = Converged
					iters++
					break outer
				}
				break
			}
			lambda *= s.opts.LambdaUp
			if lambda > s.opts.MaxLambda {
				status = Diverged
				break outer
			}
		}
		if !accepted {
			status = Diverged
			break
		}
	}

	return Result{
		Params:     cloneVec(s.params),
		Cost:       cost,
		Iterations: iters,
		Status:     status,
	}, nil
}

func (s *Solver) ensure(n, m int) {
	if len(s.params) != n {
		s.params = make([]float64, n)
		s.trial = make([]float64, n)
	}
	if len(s.resid) != m {
		s.resid = make([]float64, m)
		s.weights = make([]float64, m)
	}
}

func (s *Solver) ensureFree(nf, m int) {
	if len(s.a) != nf {
		s.a = make([][]float64, nf)
		s.wcols = make([][]float64, nf)
		for i := range s.a {
			s.a[i] = make([]float64, nf)
		}
		s.grad = make([]float64, nf)
		s.sym = mat.NewSymDense(nf, nil)
		s.step = mat.NewVecDense(nf, nil)
		s.bvec = mat.NewVecDense(nf, nil)
	}
	for i := range s.wcols {
		if len(s.wcols[i]) != m {
			s.wcols[i] = make([]float64, m)
		}
	}
}

// residuals fills s.resid with w*(y-f) and returns the cost, half the
// squared weighted norm of the raw residual.
func (s *Solver) residuals(pred, obs []float64) float64 {
	for i := range obs {
		s.resid[i] = obs[i] - pred[i]
	}
	nrm := WeightedNorm2(s.resid, s.weights)
	for i := range s.resid {
		s.resid[i] *= s.weights[i]
	}
	return nrm * nrm / 2
}

// normalEquations rebuilds a = (WJ)'(WJ) and grad = (WJ)'r over the free
// columns from the Jacobian at the current parameters.
func (s *Solver) normalEquations(jac *mat.Dense) {
	for fj, j := range s.freeIdx {
		col := s.wcols[fj]
		mat.Col(col, j, jac)
		for i := range col {
			col[i] *= s.weights[i]
		}
	}
	for fi := range s.freeIdx {
		for fj := fi; fj < len(s.freeIdx); fj++ {
			v := floats.Dot(s.wcols[fi], s.wcols[fj])
			s.a[fi][fj] = v
			s.a[fj][fi] = v
		}
		s.grad[fi] = floats.Dot(s.wcols[fi], s.resid)
		s.bvec.SetVec(fi, s.grad[fi])
	}
}

// factorize attempts a Cholesky factorization of the damped normal matrix.
func (s *Solver) factorize(lambda float64) bool {
	nf := len(s.freeIdx)
	for i := 0; i < nf; i++ {
		for j := i; j < nf; j++ {
			v := s.a[i][j]
			if i == j {
				v += lambda * v
			}
			s.sym.SetSym(i, j, v)
		}
	}
	return s.chol.Factorize(s.sym)
}

func clampInto(p, lower, upper []float64) {
	for i := range p {
		if lower != nil && p[i] < lower[i] {
			p[i] = lower[i]
		}
		if upper != nil && p[i] > upper[i] {
			p[i] = upper[i]
		}
	}
}

func cloneVec(v []float64) []float64 {
	return append([]float64(nil), v...)
}
