package fit

import (
	"errors"
	"math"
	"testing"

	"kinfit/pkg/kinetics"
	"kinfit/pkg/levmar"
)

func TestAssessKnownValues(t *testing.T) {
	observed := []float64{1, 2, 3, 4}
	predicted := []float64{1, 2, 3, 5}
	q := Assess(observed, predicted)

	if diff := math.Abs(q.RMSE - 0.5); diff > 1e-12 {
		t.Errorf("RMSE = %g, want 0.5", q.RMSE)
	}
	if diff := math.Abs(q.R2 - 0.8); diff > 1e-12 {
		t.Errorf("R2 = %g, want 0.8", q.R2)
	}
	if q.Correlation < 0.9 || q.Correlation > 1 {
		t.Errorf("Correlation = %g, want close to 1", q.Correlation)
	}
}

func TestAssessPerfectFit(t *testing.T) {
	curve := []float64{0.5, 2.1, 4.4, 3.2, 1.8}
	q := Assess(curve, append([]float64(nil), curve...))
	if q.RMSE != 0 {
		t.Errorf("RMSE = %g, want 0", q.RMSE)
	}
	if diff := math.Abs(q.R2 - 1); diff > 1e-12 {
		t.Errorf("R2 = %g, want 1", q.R2)
	}
	if diff := math.Abs(q.Correlation - 1); diff > 1e-12 {
		t.Errorf("Correlation = %g, want 1", q.Correlation)
	}
}

func TestAssessFlatObserved(t *testing.T) {
	q := Assess([]float64{2, 2, 2}, []float64{2, 2, 2})
	if q.RMSE != 0 || q.R2 != 1 {
		t.Errorf("exact flat fit: RMSE = %g R2 = %g, want 0 and 1", q.RMSE, q.R2)
	}

	q = Assess([]float64{2, 2, 2}, []float64{2.5, 2.5, 2.5})
	if diff := math.Abs(q.RMSE - 0.5); diff > 1e-12 {
		t.Errorf("RMSE = %g, want 0.5", q.RMSE)
	}
	if q.R2 != 0 {
		t.Errorf("R2 = %g, want 0 for a missed flat curve", q.R2)
	}
	if q.Correlation != 0 {
		t.Errorf("Correlation = %g, want 0 when observed is flat", q.Correlation)
	}
}

func TestAssessFlatPredicted(t *testing.T) {
	q := Assess([]float64{1, 2, 3}, []float64{2, 2, 2})
	if math.IsNaN(q.Correlation) || q.Correlation != 0 {
		t.Errorf("Correlation = %g, want 0 against a flat prediction", q.Correlation)
	}
	if q.R2 != 0 {
		t.Errorf("R2 = %g, want 0", q.R2)
	}
	if math.IsNaN(q.RMSE) {
		t.Errorf("RMSE = %g, want finite", q.RMSE)
	}
}

func TestAssessEmpty(t *testing.T) {
	if q := Assess(nil, nil); q != (Quality{}) {
		t.Fatalf("Assess(nil, nil) = %+v, want zero", q)
	}
}

func TestAssessPanicsOnMismatch(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("no panic on length mismatch")
		}
	}()
	Assess([]float64{1, 2}, []float64{1})
}

func TestStandardErrorsNoiselessData(t *testing.T) {
	ft := newTestFitter(t, kinetics.OneTissue3P, Options{Decay: 0.0063, Initial: []float64{0.3, 0.2, 0.1}})
	truth := []float64{0.5, 0.3, 0.05}
	voxel := VoxelData{Observed: synthesize(t, ft, truth)}

	res, err := ft.Fit(voxel)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	se, err := ft.StandardErrors(res.Params, voxel)
	if err != nil {
		t.Fatalf("StandardErrors: %v", err)
	}
	if len(se) != 3 {
		t.Fatalf("len(se) = %d, want 3", len(se))
	}
	for i, s := range se {
		if math.IsNaN(s) || s < 0 || s > 1e-4 {
			t.Errorf("se[%d] = %g, want tiny on noiseless data", i, s)
		}
	}
}

func TestStandardErrorsWithNoise(t *testing.T) {
	ft := newTestFitter(t, kinetics.OneTissue3P, Options{Decay: 0.0063, Initial: []float64{0.3, 0.2, 0.1}})
	truth := []float64{0.5, 0.3, 0.05}
	obs := synthesize(t, ft, truth)
	for i := range obs {
		// Deterministic alternating perturbation standing in for noise.
		if i%2 == 0 {
			obs[i] += 0.05
		} else {
			obs[i] -= 0.05
		}
	}
	voxel := VoxelData{Observed: obs}

	res, err := ft.Fit(voxel)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	se, err := ft.StandardErrors(res.Params, voxel)
	if err != nil {
		t.Fatalf("StandardErrors: %v", err)
	}
	for i, s := range se {
		if !(s > 0) || math.IsInf(s, 0) {
			t.Errorf("se[%d] = %g, want positive and finite", i, s)
		}
	}
	if se[0] > truth[0] {
		t.Errorf("se(K1) = %g larger than K1 itself on mild noise", se[0])
	}
}

func TestStandardErrorsFixedParameterReportsZero(t *testing.T) {
	opts := Options{
		Decay:   0.0063,
		Initial: []float64{0.3, 0.2, 0.05},
		Fixed:   []bool{false, false, true},
	}
	ft := newTestFitter(t, kinetics.OneTissue3P, opts)
	truth := []float64{0.5, 0.3, 0.05}
	voxel := VoxelData{Observed: synthesize(t, ft, truth)}

	res, err := ft.Fit(voxel)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	se, err := ft.StandardErrors(res.Params, voxel)
	if err != nil {
		t.Fatalf("StandardErrors: %v", err)
	}
	if se[2] != 0 {
		t.Errorf("se(Vb) = %g, want 0 for a fixed parameter", se[2])
	}
	for _, i := range []int{0, 1} {
		if math.IsNaN(se[i]) || se[i] < 0 {
			t.Errorf("se[%d] = %g, want finite and non-negative", i, se[i])
		}
	}
}

func TestStandardErrorsValidation(t *testing.T) {
	ft := newTestFitter(t, kinetics.OneTissue3P, Options{Decay: 0.0063})
	params := []float64{0.5, 0.3, 0.05}
	obs := synthesize(t, ft, params)

	if _, err := ft.StandardErrors(params, VoxelData{Observed: obs[:5]}); !errors.Is(err, ErrFrameCount) {
		t.Errorf("short curve err = %v, want ErrFrameCount", err)
	}
	v := VoxelData{Observed: obs, Weights: []float64{1, 2, 3}}
	if _, err := ft.StandardErrors(params, v); !errors.Is(err, levmar.ErrDimensionMismatch) {
		t.Errorf("short weights err = %v, want ErrDimensionMismatch", err)
	}

	weights := make([]float64, len(obs))
	weights[0], weights[1] = 1, 1
	v = VoxelData{Observed: obs, Weights: weights}
	if _, err := ft.StandardErrors(params, v); err == nil {
		t.Error("no error with fewer weighted frames than free parameters")
	}

	if _, err := ft.StandardErrors([]float64{0.5}, VoxelData{Observed: obs}); !errors.Is(err, kinetics.ErrParameterCount) {
		t.Errorf("short params err = %v, want ErrParameterCount", err)
	}
}
