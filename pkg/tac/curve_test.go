package tac

import (
	"errors"
	"math"
	"testing"
)

func testGrid(t *testing.T, end, step float64) Grid {
	t.Helper()
	st := ScanTiming{Frames: []Frame{{Start: 0, End: end}}, Step: step}
	g, err := st.Grid()
	if err != nil {
		t.Fatalf("building test grid: %v", err)
	}
	return g
}

func TestCurveValidate(t *testing.T) {
	good := Curve{Times: []float64{0, 1, 2}, Values: []float64{1, 2, 3}}
	if err := good.Validate(); err != nil {
		t.Errorf("valid curve rejected: %v", err)
	}

	short := Curve{Times: []float64{0}, Values: []float64{1}}
	if err := short.Validate(); !errors.Is(err, ErrInsufficientInput) {
		t.Errorf("single-sample curve: got %v, want ErrInsufficientInput", err)
	}

	backwards := Curve{Times: []float64{0, 2, 1}, Values: []float64{1, 2, 3}}
	if err := backwards.Validate(); !errors.Is(err, ErrNonMonotonicTime) {
		t.Errorf("non-monotonic curve: got %v, want ErrNonMonotonicTime", err)
	}

	mismatched := Curve{Times: []float64{0, 1}, Values: []float64{1, 2, 3}}
	if err := mismatched.Validate(); err == nil {
		t.Error("length-mismatched curve accepted")
	}
}

func TestResampleMatchesSampleValues(t *testing.T) {
	c := Curve{
		Times:  []float64{0, 0.5, 1.0, 2.0},
		Values: []float64{0, 4, 2, 1},
	}
	g := testGrid(t, 2.0, 0.25)
	out, err := c.Resample(g)
	if err != nil {
		t.Fatalf("Resample failed: %v", err)
	}
	if len(out) != g.Len() {
		t.Fatalf("Resample length: got %d, want %d", len(out), g.Len())
	}

	// Grid points that coincide with samples reproduce the sample values;
	// points between samples interpolate linearly.
	checks := []struct {
		t    float64
		want float64
	}{
		{0, 0},
		{0.25, 2},   // halfway up the initial rise
		{0.5, 4},    // peak sample
		{1.0, 2},    // sample
		{1.5, 1.5},  // halfway down the last segment
		{2.0, 1},    // final sample
	}
	for _, chk := range checks {
		idx := int(chk.t/g.Step + 0.5)
		if diff := math.Abs(out[idx] - chk.want); diff > 1e-12 {
			t.Errorf("Resample at t=%.2f: got %v, want %v", chk.t, out[idx], chk.want)
		}
	}
}

func TestResampleClampsOutsideRange(t *testing.T) {
	c := Curve{
		Times:  []float64{1.0, 1.5, 2.0},
		Values: []float64{5, 7, 3},
	}
	g := testGrid(t, 3.0, 0.5)
	out, err := c.Resample(g)
	if err != nil {
		t.Fatalf("Resample failed: %v", err)
	}

	// Before the first sample the curve holds its first value, after the
	// last sample its last value.
	if out[0] != 5 || out[1] != 5 {
		t.Errorf("leading clamp: got %v, %v, want 5, 5", out[0], out[1])
	}
	last := out[len(out)-1]
	if last != 3 {
		t.Errorf("trailing clamp: got %v, want 3", last)
	}
}

func TestResampleRejectsInvalidCurve(t *testing.T) {
	c := Curve{Times: []float64{1}, Values: []float64{2}}
	g := testGrid(t, 1.0, 0.5)
	if _, err := c.Resample(g); !errors.Is(err, ErrInsufficientInput) {
		t.Errorf("got %v, want ErrInsufficientInput", err)
	}
}

func TestInputFunctionBloodFallback(t *testing.T) {
	plasma := Curve{Times: []float64{0, 1}, Values: []float64{1, 2}}
	f := InputFunction{Plasma: plasma}
	if got := f.Blood(); got.Len() != plasma.Len() || got.Values[0] != plasma.Values[0] {
		t.Error("Blood() should fall back to plasma when whole blood is absent")
	}

	wb := Curve{Times: []float64{0, 1}, Values: []float64{3, 4}}
	f.WholeBlood = wb
	if got := f.Blood(); got.Values[0] != 3 {
		t.Error("Blood() should return the whole-blood curve when present")
	}
}

func TestInputFunctionValidate(t *testing.T) {
	ok := InputFunction{Plasma: Curve{Times: []float64{0, 1}, Values: []float64{1, 2}}}
	if err := ok.Validate(); err != nil {
		t.Errorf("valid input function rejected: %v", err)
	}

	bad := InputFunction{Plasma: Curve{Times: []float64{0}, Values: []float64{1}}}
	if err := bad.Validate(); !errors.Is(err, ErrInsufficientInput) {
		t.Errorf("got %v, want ErrInsufficientInput", err)
	}

	badWB := ok
	badWB.WholeBlood = Curve{Times: []float64{1, 0}, Values: []float64{1, 2}}
	if err := badWB.Validate(); !errors.Is(err, ErrNonMonotonicTime) {
		t.Errorf("got %v, want ErrNonMonotonicTime", err)
	}
}
