package levmar

import (
	"errors"
	"math"
	"testing"

	"github.com/maorshutman/lm"
	"gonum.org/v1/gonum/mat"
)

func sampleTimes(n int, step float64) []float64 {
	ts := make([]float64, n)
	for i := range ts {
		ts[i] = float64(i) * step
	}
	return ts
}

func twoExpModel(p []float64, t float64) float64 {
	return p[0]*math.Exp(-p[1]*t) + p[2]*math.Exp(-p[3]*t)
}

// twoExpEval returns an EvalFunc for a two-exponential decay with analytic
// partial derivatives.
func twoExpEval(ts []float64) EvalFunc {
	pred := make([]float64, len(ts))
	jac := mat.NewDense(len(ts), 4, nil)
	return func(p []float64, wantJacobian bool) ([]float64, *mat.Dense, error) {
		for i, t := range ts {
			e1 := math.Exp(-p[1] * t)
			e2 := math.Exp(-p[3] * t)
			pred[i] = p[0]*e1 + p[2]*e2
			if wantJacobian {
				jac.Set(i, 0, e1)
				jac.Set(i, 1, -p[0]*t*e1)
				jac.Set(i, 2, e2)
				jac.Set(i, 3, -p[2]*t*e2)
			}
		}
		if !wantJacobian {
			return pred, nil, nil
		}
		return pred, jac, nil
	}
}

func singleExpEval(ts []float64) EvalFunc {
	pred := make([]float64, len(ts))
	jac := mat.NewDense(len(ts), 2, nil)
	return func(p []float64, wantJacobian bool) ([]float64, *mat.Dense, error) {
		for i, t := range ts {
			e := math.Exp(-p[1] * t)
			pred[i] = p[0] * e
			if wantJacobian {
				jac.Set(i, 0, e)
				jac.Set(i, 1, -p[0]*t*e)
			}
		}
		if !wantJacobian {
			return pred, nil, nil
		}
		return pred, jac, nil
	}
}

func TestSolveRecoversTwoExponential(t *testing.T) {
	ts := sampleTimes(25, 0.5)
	truth := []float64{8, 2.5, 1.2, 0.18}
	obs := make([]float64, len(ts))
	for i, tt := range ts {
		obs[i] = twoExpModel(truth, tt)
	}

	s := New(DefaultOptions())
	res, err := s.Solve(Problem{
		Eval:     twoExpEval(ts),
		Observed: obs,
		Initial:  []float64{5, 1.5, 2, 0.1},
	})
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if res.Status != Converged {
		t.Fatalf("status = %v, want converged (cost %g after %d iterations)", res.Status, res.Cost, res.Iterations)
	}
	for i, want := range truth {
		if diff := math.Abs(res.Params[i] - want); diff > 1e-4*(1+want) {
			t.Errorf("param %d = %.8g, want %.8g", i, res.Params[i], want)
		}
	}
	if res.Iterations >= DefaultOptions().MaxIterations {
		t.Errorf("took %d iterations", res.Iterations)
	}
}

// TestSolveMatchesReferenceSolver fits the same curve with an independent
// LM implementation and checks both land on the truth.
func TestSolveMatchesReferenceSolver(t *testing.T) {
	ts := sampleTimes(25, 0.5)
	truth := []float64{8, 2.5, 1.2, 0.18}
	obs := make([]float64, len(ts))
	for i, tt := range ts {
		obs[i] = twoExpModel(truth, tt)
	}
	init := []float64{5, 1.5, 2, 0.1}

	s := New(DefaultOptions())
	res, err := s.Solve(Problem{Eval: twoExpEval(ts), Observed: obs, Initial: init})
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}

	fcn := func(dst, x []float64) {
		for i, tt := range ts {
			dst[i] = twoExpModel(x, tt) - obs[i]
		}
	}
	numJac := lm.NumJac{Func: fcn}
	prob := lm.LMProblem{
		Dim:        len(init),
		Size:       len(ts),
		Func:       fcn,
		Jac:        numJac.Jac,
		InitParams: init,
		Tau:        1e-3,
		Eps1:       1e-8,
		Eps2:       1e-8,
	}
	ref, err := lm.LM(prob, &lm.Settings{Iterations: 200, ObjectiveTol: 1e-16})
	if err != nil {
		t.Fatalf("reference solver: %v", err)
	}

	for i, want := range truth {
		if diff := math.Abs(res.Params[i] - want); diff > 1e-3*(1+want) {
			t.Errorf("param %d = %.8g, want %.8g", i, res.Params[i], want)
		}
		if diff := math.Abs(ref.X[i] - want); diff > 1e-3*(1+want) {
			t.Errorf("reference param %d = %.8g, want %.8g", i, ref.X[i], want)
		}
	}
}

func TestSolvePinsAtBound(t *testing.T) {
	ts := sampleTimes(25, 0.25)
	obs := make([]float64, len(ts))
	for i, tt := range ts {
		obs[i] = math.Exp(-0.5 * tt)
	}
	lower, upper := []float64{0.6}, []float64{2}

	pred := make([]float64, len(ts))
	jac := mat.NewDense(len(ts), 1, nil)
	eval := func(p []float64, wantJacobian bool) ([]float64, *mat.Dense, error) {
		if p[0] < lower[0]-1e-12 || p[0] > upper[0]+1e-12 {
			t.Errorf("evaluated outside bounds: %g", p[0])
		}
		for i, tt := range ts {
			e := math.Exp(-p[0] * tt)
			pred[i] = e
			if wantJacobian {
				jac.Set(i, 0, -tt*e)
			}
		}
		if !wantJacobian {
			return pred, nil, nil
		}
		return pred, jac, nil
	}

	res, err := New(DefaultOptions()).Solve(Problem{
		Eval:     eval,
		Observed: obs,
		Initial:  []float64{1},
		Lower:    lower,
		Upper:    upper,
	})
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if res.Status != Converged {
		t.Fatalf("status = %v, want converged at the bound", res.Status)
	}
	if math.Abs(res.Params[0]-0.6) > 1e-9 {
		t.Fatalf("params[0] = %.12g, want pinned at 0.6", res.Params[0])
	}
}

func TestSolveClampsInitialIntoBounds(t *testing.T) {
	ts := sampleTimes(10, 0.5)
	obs := make([]float64, len(ts))
	for i, tt := range ts {
		obs[i] = 3 * math.Exp(-0.8*tt)
	}
	res, err := New(DefaultOptions()).Solve(Problem{
		Eval:     singleExpEval(ts),
		Observed: obs,
		Initial:  []float64{10, 5},
		Lower:    []float64{0, 0},
		Upper:    []float64{4, 2},
		Free:     []bool{false, false},
	})
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if res.Status != Converged || res.Iterations != 0 {
		t.Fatalf("status = %v after %d iterations, want immediate converged", res.Status, res.Iterations)
	}
	if res.Params[0] != 4 || res.Params[1] != 2 {
		t.Fatalf("params = %v, want clamped to [4 2]", res.Params)
	}
	if res.Cost <= 0 {
		t.Fatalf("cost = %g, want positive residual at clamped point", res.Cost)
	}
}

func TestSolvePerfectStartIsConverged(t *testing.T) {
	ts := sampleTimes(12, 0.5)
	eval := singleExpEval(ts)
	truth := []float64{3, 0.8}
	pred, _, err := eval(truth, false)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	obs := append([]float64(nil), pred...)

	res, err := New(DefaultOptions()).Solve(Problem{Eval: eval, Observed: obs, Initial: truth})
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if res.Status != Converged || res.Iterations != 0 {
		t.Fatalf("status = %v after %d iterations, want converged at start", res.Status, res.Iterations)
	}
	if res.Cost != 0 {
		t.Fatalf("cost = %g, want exactly zero", res.Cost)
	}
}

// TestSolveGradientCheckUsesEuclideanNorm starts where every gradient
// component sits just under the tolerance while the full norm is above it;
// the solver must still take the waiting step instead of stopping early.
func TestSolveGradientCheckUsesEuclideanNorm(t *testing.T) {
	const target = 8e-11
	obs := []float64{target, target}
	pred := make([]float64, 2)
	jac := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	eval := func(p []float64, wantJacobian bool) ([]float64, *mat.Dense, error) {
		copy(pred, p)
		if !wantJacobian {
			return pred, nil, nil
		}
		return pred, jac, nil
	}

	res, err := New(DefaultOptions()).Solve(Problem{
		Eval:     eval,
		Observed: obs,
		Initial:  []float64{0, 0},
	})
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if res.Status != Converged {
		t.Fatalf("status = %v, want converged", res.Status)
	}
	if res.Iterations == 0 {
		t.Fatal("stopped at the initial point although the gradient norm is above tolerance")
	}
	for i, p := range res.Params {
		if math.Abs(p-target) > target/100 {
			t.Errorf("param %d = %g, want %g", i, p, target)
		}
	}
}

func TestSolveKeepsFixedParameters(t *testing.T) {
	ts := sampleTimes(25, 0.5)
	truth := []float64{8, 2.5, 1.2, 0.18}
	obs := make([]float64, len(ts))
	for i, tt := range ts {
		obs[i] = twoExpModel(truth, tt)
	}
	init := []float64{5, 2.5, 2, 0.18}
	res, err := New(DefaultOptions()).Solve(Problem{
		Eval:     twoExpEval(ts),
		Observed: obs,
		Initial:  init,
		Free:     []bool{true, false, true, false},
	})
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if res.Status != Converged {
		t.Fatalf("status = %v, want converged", res.Status)
	}
	if res.Params[1] != init[1] || res.Params[3] != init[3] {
		t.Fatalf("fixed parameters moved: %v", res.Params)
	}
	if math.Abs(res.Params[0]-truth[0]) > 1e-6*(1+truth[0]) ||
		math.Abs(res.Params[2]-truth[2]) > 1e-6*(1+truth[2]) {
		t.Fatalf("amplitudes = %.9g, %.9g, want %g, %g", res.Params[0], res.Params[2], truth[0], truth[2])
	}
}

func TestSolveZeroWeightExcludesPoint(t *testing.T) {
	ts := sampleTimes(20, 0.4)
	truth := []float64{3, 0.8}
	obs := make([]float64, len(ts))
	weights := make([]float64, len(ts))
	for i, tt := range ts {
		obs[i] = truth[0] * math.Exp(-truth[1]*tt)
		weights[i] = 1
	}
	obs[5] = 50 // corrupted sample
	weights[5] = 0

	res, err := New(DefaultOptions()).Solve(Problem{
		Eval:     singleExpEval(ts),
		Observed: obs,
		Weights:  weights,
		Initial:  []float64{1, 0.3},
	})
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if res.Status != Converged {
		t.Fatalf("status = %v, want converged", res.Status)
	}
	for i, want := range truth {
		if diff := math.Abs(res.Params[i] - want); diff > 1e-6*(1+want) {
			t.Errorf("param %d = %.9g, want %g", i, res.Params[i], want)
		}
	}
}

func TestSolveInputValidation(t *testing.T) {
	ts := sampleTimes(3, 1)
	obs := []float64{1, 2, 3}
	eval := singleExpEval(ts)
	base := Problem{Eval: eval, Observed: obs, Initial: []float64{1, 1}}

	cases := []struct {
		name   string
		mutate func(p *Problem)
		want   error
	}{
		{"negative weight", func(p *Problem) { p.Weights = []float64{1, -1, 1} }, ErrInvalidWeight},
		{"inverted bounds", func(p *Problem) {
			p.Lower = []float64{3, 0}
			p.Upper = []float64{1, 2}
		}, ErrInvalidBounds},
		{"lower length", func(p *Problem) { p.Lower = []float64{0} }, ErrDimensionMismatch},
		{"weights length", func(p *Problem) { p.Weights = []float64{1, 1} }, ErrDimensionMismatch},
		{"mask length", func(p *Problem) { p.Free = []bool{true} }, ErrDimensionMismatch},
		{"all weights zero", func(p *Problem) { p.Weights = []float64{0, 0, 0} }, ErrSingularSystem},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			prob := base
			tc.mutate(&prob)
			if _, err := New(DefaultOptions()).Solve(prob); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

// TestSolveDivergesWhenStuck feeds a Jacobian that promises progress the
// model never delivers; the solver must give up cleanly.
func TestSolveDivergesWhenStuck(t *testing.T) {
	obs := []float64{1, 2, 3, 4, 5}
	pred := make([]float64, len(obs))
	jac := mat.NewDense(len(obs), 2, nil)
	for i := range obs {
		jac.Set(i, 0, 1)
		jac.Set(i, 1, 1)
	}
	eval := func(p []float64, wantJacobian bool) ([]float64, *mat.Dense, error) {
		if !wantJacobian {
			return pred, nil, nil
		}
		return pred, jac, nil
	}
	res, err := New(DefaultOptions()).Solve(Problem{
		Eval:     eval,
		Observed: obs,
		Initial:  []float64{0, 0},
	})
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if res.Status != Diverged {
		t.Fatalf("status = %v, want diverged", res.Status)
	}
	if res.Iterations != 0 {
		t.Fatalf("iterations = %d, want 0 accepted steps", res.Iterations)
	}
	if want := 27.5; math.Abs(res.Cost-want) > 1e-12 {
		t.Fatalf("cost = %g, want %g", res.Cost, want)
	}
}

func TestSolveDegenerateColumnDiverges(t *testing.T) {
	ts := sampleTimes(3, 1)
	obs := []float64{0, 2, 4}
	pred := make([]float64, len(ts))
	jac := mat.NewDense(len(ts), 2, nil)
	eval := func(p []float64, wantJacobian bool) ([]float64, *mat.Dense, error) {
		for i, tt := range ts {
			pred[i] = p[0] * tt
			if wantJacobian {
				jac.Set(i, 0, tt)
				jac.Set(i, 1, 0)
			}
		}
		if !wantJacobian {
			return pred, nil, nil
		}
		return pred, jac, nil
	}
	res, err := New(DefaultOptions()).Solve(Problem{
		Eval:     eval,
		Observed: obs,
		Initial:  []float64{0.5, 1},
	})
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if res.Status != Diverged {
		t.Fatalf("status = %v, want diverged on a singular normal matrix", res.Status)
	}
}

func TestSolverReuseAcrossProblems(t *testing.T) {
	s := New(DefaultOptions())

	ts1 := sampleTimes(10, 0.5)
	obs1 := make([]float64, len(ts1))
	for i, tt := range ts1 {
		obs1[i] = 3 * math.Exp(-0.8*tt)
	}
	first, err := s.Solve(Problem{Eval: singleExpEval(ts1), Observed: obs1, Initial: []float64{1, 0.3}})
	if err != nil {
		t.Fatalf("first Solve: %v", err)
	}

	ts2 := sampleTimes(25, 0.5)
	truth := []float64{8, 2.5, 1.2, 0.18}
	obs2 := make([]float64, len(ts2))
	for i, tt := range ts2 {
		obs2[i] = twoExpModel(truth, tt)
	}
	if _, err := s.Solve(Problem{Eval: twoExpEval(ts2), Observed: obs2, Initial: []float64{5, 1.5, 2, 0.1}}); err != nil {
		t.Fatalf("second Solve: %v", err)
	}

	again, err := s.Solve(Problem{Eval: singleExpEval(ts1), Observed: obs1, Initial: []float64{1, 0.3}})
	if err != nil {
		t.Fatalf("third Solve: %v", err)
	}
	for i := range first.Params {
		if first.Params[i] != again.Params[i] {
			t.Fatalf("param %d differs across solver reuse: %.15g vs %.15g", i, first.Params[i], again.Params[i])
		}
	}
}

func BenchmarkSolveTwoExponential(b *testing.B) {
	ts := sampleTimes(25, 0.5)
	truth := []float64{8, 2.5, 1.2, 0.18}
	obs := make([]float64, len(ts))
	for i, tt := range ts {
		obs[i] = twoExpModel(truth, tt)
	}
	s := New(DefaultOptions())
	prob := Problem{Eval: twoExpEval(ts), Observed: obs, Initial: []float64{5, 1.5, 2, 0.1}}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.Solve(prob); err != nil {
			b.Fatal(err)
		}
	}
}
