package kinetics

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"kinfit/pkg/convolution"
)

// srtm is the simplified reference tissue model. It needs no arterial
// sampling: the target-region curve is expressed through the reference
// region as
//
//	Ct(t) = R1*Cref(t) + kappa * conv(Cref, k2a+decay)(t)
//	k2a   = k2/(1+BPnd)
//	kappa = k2 - R1*k2a
//
// The Input's plasma curve carries the reference region here, and the
// vascular term draws on it too, so a whole-blood curve is never required.
type srtm struct{}

func (srtm) Variant() Variant     { return SRTM }
func (srtm) NumParams() int       { return 4 }
func (srtm) ParamNames() []string { return []string{"R1", "k2", "BPnd", "Vb"} }

func (srtm) DefaultInitial() []float64 {
	return []float64{1, 0.1, 1, 0}
}

func (srtm) DefaultBounds() (lower, upper []float64) {
	return []float64{0, 0, 0, 0}, []float64{5, 2, 10, 1}
}

func (srtm) scratch() (nGrid, nFrame int) { return 2, 3 }

func (m srtm) Eval(p []float64, free []bool, in *Input, ws *Workspace, wantJacobian bool) ([]float64, *mat.Dense, error) {
	if err := checkParams(m, p, free); err != nil {
		return nil, nil, err
	}
	r1, k2, bp, vb := p[0], p[1], p[2], p[3]
	occ := 1 + bp
	k2a := k2 / occ
	kappa := k2 - r1*k2a
	g, d := ws.grid[0], ws.grid[1]
	gf, df, target := ws.frame[0], ws.frame[1], ws.frame[2]

	if wantJacobian {
		convolution.ExpDeriv(d, g, in.plasma, k2a+in.decay, in.grid.Step)
	} else {
		convolution.Exp(g, in.plasma, k2a+in.decay, in.grid.Step)
	}
	in.integ.Average(g, gf, ws.ys)

	for i := range target {
		target[i] = r1*in.plasmaFrames[i] + kappa*gf[i]
	}
	floats.ScaleTo(ws.pred, 1-vb, target)
	floats.AddScaled(ws.pred, vb, in.plasmaFrames)
	if !wantJacobian {
		return ws.pred, nil, nil
	}

	in.integ.Average(d, df, ws.ys)
	ws.jac.Zero()
	if isFree(free, 0) {
		for i := range ws.col {
			ws.col[i] = (1 - vb) * (in.plasmaFrames[i] - k2a*gf[i])
		}
		ws.jac.SetCol(0, ws.col)
	}
	if isFree(free, 1) {
		for i := range ws.col {
			ws.col[i] = (1 - vb) * ((1-r1/occ)*gf[i] - kappa/occ*df[i])
		}
		ws.jac.SetCol(1, ws.col)
	}
	if isFree(free, 2) {
		for i := range ws.col {
			ws.col[i] = (1 - vb) * k2 / (occ * occ) * (r1*gf[i] + kappa*df[i])
		}
		ws.jac.SetCol(2, ws.col)
	}
	if isFree(free, 3) {
		for i := range ws.col {
			ws.col[i] = in.plasmaFrames[i] - target[i]
		}
		ws.jac.SetCol(3, ws.col)
	}
	return ws.pred, ws.jac, nil
}
