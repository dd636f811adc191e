// Package kinetics implements the compartmental models used to describe
// tracer exchange between blood and tissue. Each model predicts a
// frame-averaged time-activity curve from an arterial (or reference) input
// and exposes the analytic Jacobian of that prediction with respect to its
// kinetic parameters, which is what makes Levenberg-Marquardt fitting fast
// and stable.
//
// All models share the same construction: tissue responses are sums of
// exponential convolutions of the input computed on a fine uniform grid,
// radioactive decay is folded additively into every convolution rate, and
// the measured signal mixes tissue and whole blood through the vascular
// fraction Vb:
//
//	C(t) = (1-Vb)*Ctissue(t) + Vb*Cblood(t)
//
// Predictions and Jacobians are produced in frame space: frame averaging is
// linear, so it commutes with differentiation and the averaged grid curves
// combine exactly like their continuous counterparts.
package kinetics

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"kinfit/pkg/tac"
)

// Variant selects one of the supported compartmental models.
type Variant int

const (
	// OneTissue3P is the single-tissue model with parameters K1, k2, Vb.
	OneTissue3P Variant = iota
	// TwoTissue5P is the two-tissue model with parameters K1, k2, k3, k4, Vb.
	TwoTissue5P
	// SRTM is the simplified reference tissue model with parameters
	// R1, k2, BPnd, Vb. Its input curve is a reference region, not plasma.
	SRTM
	// Liver is the dual-input liver model with parameters
	// K1, k2, k3, k4, Ka, fa, Vb. A portal-vein compartment delays the
	// arterial input before it reaches the tissue.
	Liver
)

// String returns the tag used for the variant in configuration files.
func (v Variant) String() string {
	switch v {
	case OneTissue3P:
		return "1t3p"
	case TwoTissue5P:
		return "2t5p"
	case SRTM:
		return "srtm"
	case Liver:
		return "liver"
	}
	return fmt.Sprintf("variant(%d)", int(v))
}

// ParseVariant maps a configuration tag onto its Variant.
func ParseVariant(tag string) (Variant, error) {
	switch tag {
	case "1t3p":
		return OneTissue3P, nil
	case "2t5p":
		return TwoTissue5P, nil
	case "srtm":
		return SRTM, nil
	case "liver":
		return Liver, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownModel, tag)
}

// Model is one compartmental variant. Implementations are stateless; all
// evaluation scratch lives in the Workspace so a single Model value can be
// shared across concurrent fits.
type Model interface {
	// Variant returns the model identity.
	Variant() Variant

	// NumParams returns the number of kinetic parameters.
	NumParams() int

	// ParamNames returns the parameter names in fit order.
	ParamNames() []string

	// DefaultInitial returns a physiologically plausible starting vector.
	DefaultInitial() []float64

	// DefaultBounds returns the default box constraints on the parameters.
	DefaultBounds() (lower, upper []float64)

	// Eval computes the predicted frame-averaged TAC at p. When
	// wantJacobian is set it also fills the frames-by-parameters Jacobian;
	// columns whose entry in free is false are left zero, and a nil free
	// mask means all parameters are free. The returned slices and matrix
	// are owned by ws and are valid until its next use.
	Eval(p []float64, free []bool, in *Input, ws *Workspace, wantJacobian bool) ([]float64, *mat.Dense, error)

	// scratch reports how many grid-length and frame-length buffers the
	// variant needs, keeping Workspace sizing next to the math that
	// consumes it.
	scratch() (nGrid, nFrame int)
}

// New returns the implementation of the given variant.
func New(v Variant) (Model, error) {
	switch v {
	case OneTissue3P:
		return oneTissue{}, nil
	case TwoTissue5P:
		return twoTissue{}, nil
	case SRTM:
		return srtm{}, nil
	case Liver:
		return liver{}, nil
	}
	return nil, fmt.Errorf("%w: variant(%d)", ErrUnknownModel, int(v))
}

// Input is the prepared, fit-wide form of the blood input and scan timing:
// the fine evaluation grid, both input curves resampled onto it, their frame
// averages, and the decay constant folded into every convolution. It is
// read-only after construction and safe to share across goroutines.
type Input struct {
	grid  tac.Grid
	integ *tac.FrameIntegrator
	decay float64

	// plasma holds the arterial plasma curve on the grid; for SRTM it is
	// the reference-region curve instead.
	plasma []float64
	// blood holds the whole-blood curve used for the vascular term.
	blood []float64

	plasmaFrames []float64
	bloodFrames  []float64
}

// NewInput resamples the input function onto the fine grid derived from the
// scan timing and precomputes the per-frame averages every fit shares.
// The decay constant is in 1/min and may be zero for decay-corrected data.
func NewInput(f tac.InputFunction, st tac.ScanTiming, decay float64) (*Input, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	grid, err := st.Grid()
	if err != nil {
		return nil, err
	}
	plasma, err := f.Plasma.Resample(grid)
	if err != nil {
		return nil, fmt.Errorf("plasma: %w", err)
	}
	blood, err := f.Blood().Resample(grid)
	if err != nil {
		return nil, fmt.Errorf("whole blood: %w", err)
	}
	integ, err := tac.NewFrameIntegrator(grid, st.Frames)
	if err != nil {
		return nil, err
	}
	in := &Input{
		grid:         grid,
		integ:        integ,
		decay:        decay,
		plasma:       plasma,
		blood:        blood,
		plasmaFrames: make([]float64, integ.NumFrames()),
		bloodFrames:  make([]float64, integ.NumFrames()),
	}
	ys := make([]float64, integ.MaxNodes())
	integ.Average(plasma, in.plasmaFrames, ys)
	integ.Average(blood, in.bloodFrames, ys)
	return in, nil
}

// NumFrames returns the number of scan frames.
func (in *Input) NumFrames() int { return in.integ.NumFrames() }

// GridLen returns the number of fine-grid samples.
func (in *Input) GridLen() int { return in.grid.Len() }

// Decay returns the decay constant in 1/min.
func (in *Input) Decay() float64 { return in.decay }

// InputFrames returns the frame-averaged plasma (or reference) curve. The
// caller must not modify it.
func (in *Input) InputFrames() []float64 { return in.plasmaFrames }

// BloodFrames returns the frame-averaged whole-blood curve. The caller must
// not modify it.
func (in *Input) BloodFrames() []float64 { return in.bloodFrames }

// Workspace owns the scratch buffers one fit needs: grid-length convolution
// outputs, frame-length accumulators, the Jacobian matrix and the
// integrator's node scratch. Workspaces are not safe for concurrent use;
// each worker keeps its own.
type Workspace struct {
	grid  [][]float64
	frame [][]float64
	pred  []float64
	col   []float64
	ys    []float64
	jac   *mat.Dense
}

// NewWorkspace allocates a workspace sized for the model and prepared input.
func NewWorkspace(in *Input, m Model) *Workspace {
	nGrid, nFrame := m.scratch()
	ws := &Workspace{
		grid:  make([][]float64, nGrid),
		frame: make([][]float64, nFrame),
		pred:  make([]float64, in.NumFrames()),
		col:   make([]float64, in.NumFrames()),
		ys:    make([]float64, in.MaxNodes()),
		jac:   mat.NewDense(in.NumFrames(), m.NumParams(), nil),
	}
	for i := range ws.grid {
		ws.grid[i] = make([]float64, in.GridLen())
	}
	for i := range ws.frame {
		ws.frame[i] = make([]float64, in.NumFrames())
	}
	return ws
}

// MaxNodes returns the integrator scratch size needed by Average.
func (in *Input) MaxNodes() int { return in.integ.MaxNodes() }

// TAC evaluates only the predicted frame-averaged curve.
func TAC(m Model, p []float64, in *Input, ws *Workspace) ([]float64, error) {
	pred, _, err := m.Eval(p, nil, in, ws, false)
	return pred, err
}

// Jacobian evaluates only the Jacobian, with columns restricted by free.
func Jacobian(m Model, p []float64, free []bool, in *Input, ws *Workspace) (*mat.Dense, error) {
	_, jac, err := m.Eval(p, free, in, ws, true)
	return jac, err
}

func checkParams(m Model, p []float64, free []bool) error {
	if len(p) != m.NumParams() {
		return fmt.Errorf("%w: %s expects %d parameters, got %d",
			ErrParameterCount, m.Variant(), m.NumParams(), len(p))
	}
	if free != nil && len(free) != m.NumParams() {
		return fmt.Errorf("%w: %s free mask has %d entries, want %d",
			ErrParameterCount, m.Variant(), len(free), m.NumParams())
	}
	return nil
}

func isFree(free []bool, i int) bool { return free == nil || free[i] }
