package tac

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/integrate"
)

// boundaryTol absorbs floating-point fuzz when frame edges land on or next
// to grid points, relative to one grid step.
const boundaryTol = 1e-9

// Frame is one acquisition interval [Start, End).
type Frame struct {
	Start float64
	End   float64
}

// Duration returns the frame width.
func (f Frame) Duration() float64 { return f.End - f.Start }

// Mid returns the frame midpoint time.
func (f Frame) Mid() float64 { return (f.Start + f.End) / 2 }

// ContiguousFrames builds back-to-back frames of the given widths starting
// at time zero.
func ContiguousFrames(widths []float64) []Frame {
	frames := make([]Frame, len(widths))
	t := 0.0
	for i, w := range widths {
		frames[i] = Frame{Start: t, End: t + w}
		t += w
	}
	return frames
}

// ScanTiming describes the acquisition: ordered, non-overlapping frames plus
// the step of the fine evaluation grid used for convolution and frame
// averaging. The step should stay well below the shortest frame width so
// that early, rapidly changing frames average accurately.
type ScanTiming struct {
	Frames []Frame
	Step   float64
}

// Validate checks the step and the frame sequence: positive widths,
// non-negative start, increasing and non-overlapping intervals.
func (st ScanTiming) Validate() error {
	if st.Step <= 0 {
		return fmt.Errorf("%w: grid step %g must be positive", ErrInvalidTiming, st.Step)
	}
	if len(st.Frames) == 0 {
		return fmt.Errorf("%w: no frames", ErrInvalidTiming)
	}
	for i, f := range st.Frames {
		if f.Start < 0 {
			return fmt.Errorf("%w: frame %d starts at %g", ErrInvalidTiming, i, f.Start)
		}
		if f.End <= f.Start {
			return fmt.Errorf("%w: frame %d interval [%g, %g)", ErrInvalidTiming, i, f.Start, f.End)
		}
		if i > 0 && f.Start < st.Frames[i-1].End-boundaryTol*st.Step {
			return fmt.Errorf("%w: frame %d overlaps frame %d", ErrInvalidTiming, i, i-1)
		}
	}
	return nil
}

// End returns the end time of the last frame.
func (st ScanTiming) End() float64 {
	if len(st.Frames) == 0 {
		return 0
	}
	return st.Frames[len(st.Frames)-1].End
}

// Grid is the uniform fine evaluation grid covering [0, End], where End sits
// at or just past the last frame end.
type Grid struct {
	Step  float64
	Times []float64
}

// Grid builds the fine evaluation grid for the timing.
func (st ScanTiming) Grid() (Grid, error) {
	if err := st.Validate(); err != nil {
		return Grid{}, err
	}
	end := st.End()
	n := int(math.Ceil(end/st.Step - boundaryTol))
	if float64(n)*st.Step < end {
		n++
	}
	times := make([]float64, n+1)
	for i := range times {
		times[i] = float64(i) * st.Step
	}
	return Grid{Step: st.Step, Times: times}, nil
}

// Len returns the number of grid points.
func (g Grid) Len() int { return len(g.Times) }

// End returns the last grid time.
func (g Grid) End() float64 { return g.Times[len(g.Times)-1] }

// valueAt linearly interpolates a grid-sampled curve at time t, clamping to
// the grid range.
func (g Grid) valueAt(curve []float64, t float64) float64 {
	pos := t / g.Step
	i := int(pos)
	if i < 0 {
		return curve[0]
	}
	if i >= len(curve)-1 {
		return curve[len(curve)-1]
	}
	frac := pos - float64(i)
	return curve[i]*(1-frac) + curve[i+1]*frac
}

// FrameIntegrator converts fine-grid curves into per-frame time averages.
// The integration layout (node times per frame) depends only on the grid and
// the frames, so it is computed once and shared read-only by every model
// evaluation and Jacobian column.
type FrameIntegrator struct {
	grid     Grid
	frames   []Frame
	bins     []frameBin
	maxNodes int
}

// frameBin holds the trapezoid nodes for one frame: the frame edges plus
// every grid point strictly inside them.
type frameBin struct {
	lo, hi int       // inclusive grid index range inside the frame; lo > hi when empty
	xs     []float64 // node times, strictly increasing
}

// NewFrameIntegrator precomputes the per-frame integration layout. Frames
// must lie within the grid.
func NewFrameIntegrator(g Grid, frames []Frame) (*FrameIntegrator, error) {
	fi := &FrameIntegrator{grid: g, frames: frames}
	fi.bins = make([]frameBin, len(frames))
	for i, f := range frames {
		if f.End > g.End()+boundaryTol*g.Step {
			return nil, fmt.Errorf("%w: frame end %g beyond grid end %g", ErrInvalidTiming, f.End, g.End())
		}
		bin := makeBin(g, f)
		fi.bins[i] = bin
		if len(bin.xs) > fi.maxNodes {
			fi.maxNodes = len(bin.xs)
		}
	}
	return fi, nil
}

// makeBin locates the grid points strictly inside the frame. Edges that
// coincide with a grid point stay edges; the duplicate interior node is
// dropped so the node times strictly increase.
func makeBin(g Grid, f Frame) frameBin {
	step := g.Step
	lo := int(f.Start / step)
	for float64(lo)*step <= f.Start+boundaryTol*step {
		lo++
	}
	hi := int(f.End/step) + 1
	if hi > g.Len()-1 {
		hi = g.Len() - 1
	}
	for hi >= 0 && float64(hi)*step >= f.End-boundaryTol*step {
		hi--
	}

	n := 2
	if hi >= lo {
		n += hi - lo + 1
	}
	xs := make([]float64, 0, n)
	xs = append(xs, f.Start)
	for i := lo; i <= hi; i++ {
		xs = append(xs, g.Times[i])
	}
	xs = append(xs, f.End)
	return frameBin{lo: lo, hi: hi, xs: xs}
}

// NumFrames returns the number of frames.
func (fi *FrameIntegrator) NumFrames() int { return len(fi.frames) }

// MaxNodes returns the scratch length Average requires.
func (fi *FrameIntegrator) MaxNodes() int { return fi.maxNodes }

// Average fills dst with the per-frame time average of curve. curve must be
// sampled on the integrator's grid; dst has one slot per frame; ys is caller
// scratch of length at least MaxNodes. Panics on size mismatches.
func (fi *FrameIntegrator) Average(curve, dst, ys []float64) {
	if len(curve) != fi.grid.Len() || len(dst) != len(fi.frames) || len(ys) < fi.maxNodes {
		panic("tac: frame integrator buffer size mismatch")
	}
	for i := range fi.bins {
		bin := &fi.bins[i]
		f := fi.frames[i]
		ys[0] = fi.grid.valueAt(curve, f.Start)
		k := 1
		for j := bin.lo; j <= bin.hi; j++ {
			ys[k] = curve[j]
			k++
		}
		ys[k] = fi.grid.valueAt(curve, f.End)
		dst[i] = integrate.Trapezoidal(bin.xs, ys[:k+1]) / f.Duration()
	}
}
