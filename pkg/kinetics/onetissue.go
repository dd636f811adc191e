package kinetics

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"kinfit/pkg/convolution"
)

// oneTissue is the single-tissue compartment model. The tissue response is a
// single exponential convolution of the plasma input,
//
//	Ctissue(t) = K1 * conv(Cp, k2+decay)(t)
//
// and the measured signal mixes tissue and whole blood through Vb.
type oneTissue struct{}

func (oneTissue) Variant() Variant     { return OneTissue3P }
func (oneTissue) NumParams() int       { return 3 }
func (oneTissue) ParamNames() []string { return []string{"K1", "k2", "Vb"} }

func (oneTissue) DefaultInitial() []float64 {
	return []float64{0.1, 0.1, 0.05}
}

func (oneTissue) DefaultBounds() (lower, upper []float64) {
	return []float64{0, 0, 0}, []float64{5, 2, 1}
}

func (oneTissue) scratch() (nGrid, nFrame int) { return 2, 2 }

func (m oneTissue) Eval(p []float64, free []bool, in *Input, ws *Workspace, wantJacobian bool) ([]float64, *mat.Dense, error) {
	if err := checkParams(m, p, free); err != nil {
		return nil, nil, err
	}
	k1, k2, vb := p[0], p[1], p[2]
	g, d := ws.grid[0], ws.grid[1]
	gf, df := ws.frame[0], ws.frame[1]

	if wantJacobian {
		convolution.ExpDeriv(d, g, in.plasma, k2+in.decay, in.grid.Step)
	} else {
		convolution.Exp(g, in.plasma, k2+in.decay, in.grid.Step)
	}
	in.integ.Average(g, gf, ws.ys)

	floats.ScaleTo(ws.pred, (1-vb)*k1, gf)
	floats.AddScaled(ws.pred, vb, in.bloodFrames)
	if !wantJacobian {
		return ws.pred, nil, nil
	}

	in.integ.Average(d, df, ws.ys)
	ws.jac.Zero()
	if isFree(free, 0) {
		floats.ScaleTo(ws.col, 1-vb, gf)
		ws.jac.SetCol(0, ws.col)
	}
	if isFree(free, 1) {
		// d is -dG/dk2, so the column picks up a sign flip.
		floats.ScaleTo(ws.col, -(1-vb)*k1, df)
		ws.jac.SetCol(1, ws.col)
	}
	if isFree(free, 2) {
		for i := range ws.col {
			ws.col[i] = in.bloodFrames[i] - k1*gf[i]
		}
		ws.jac.SetCol(2, ws.col)
	}
	return ws.pred, ws.jac, nil
}
