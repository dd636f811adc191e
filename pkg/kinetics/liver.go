package kinetics

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"kinfit/pkg/convolution"
)

// liver is the dual-input liver model. Hepatocytes receive tracer both
// directly from the hepatic artery and, delayed through the gut, from the
// portal vein. The portal curve is modelled as a single-compartment
// transform of the arterial input and the effective tissue input blends the
// two with the arterial fraction fa:
//
//	Cpv(t) = Ka * conv(Ca, Ka+decay)(t)
//	Cin(t) = fa*Ca(t) + (1-fa)*Cpv(t)
//
// Tissue kinetics on Cin are those of the two-tissue model. The vascular
// term uses the same mixture built from whole blood, with the portal
// whole-blood curve transformed by the same Ka kernel.
type liver struct{}

func (liver) Variant() Variant { return Liver }
func (liver) NumParams() int   { return 7 }

func (liver) ParamNames() []string {
	return []string{"K1", "k2", "k3", "k4", "Ka", "fa", "Vb"}
}

func (liver) DefaultInitial() []float64 {
	return []float64{0.5, 0.5, 0.05, 0.02, 1, 0.3, 0.05}
}

func (liver) DefaultBounds() (lower, upper []float64) {
	return []float64{0, 0, 0, 0, 0, 0, 0}, []float64{5, 2, 1, 0.5, 5, 1, 1}
}

func (liver) scratch() (nGrid, nFrame int) { return 12, 9 }

func (m liver) Eval(p []float64, free []bool, in *Input, ws *Workspace, wantJacobian bool) ([]float64, *mat.Dense, error) {
	if err := checkParams(m, p, free); err != nil {
		return nil, nil, err
	}
	k1, ka, fa, vb := p[0], p[4], p[5], p[6]
	step := in.grid.Step
	kaRate := ka + in.decay

	pp, ppd := ws.grid[0], ws.grid[1] // portal transform of plasma, and its rate derivative
	pw, pwd := ws.grid[2], ws.grid[3] // portal transform of whole blood
	cin := ws.grid[4]

	if wantJacobian {
		convolution.ExpDeriv(ppd, pp, in.plasma, kaRate, step)
		convolution.ExpDeriv(pwd, pw, in.blood, kaRate, step)
	} else {
		convolution.Exp(pp, in.plasma, kaRate, step)
		convolution.Exp(pw, in.blood, kaRate, step)
	}
	for i := range cin {
		cin[i] = fa*in.plasma[i] + (1-fa)*ka*pp[i]
	}
	pwf := ws.frame[5]
	in.integ.Average(pw, pwf, ws.ys)

	c := newTTCoeffs(k1, p[1], p[2], p[3])
	g1, g2 := ws.grid[5], ws.grid[6]
	g1f, g2f := ws.frame[0], ws.frame[1]
	hf := ws.frame[4]
	if c.degenerate {
		da, daf := ws.grid[7], ws.frame[2]
		convolution.ExpDeriv(da, g1, cin, c.a+in.decay, step)
		in.integ.Average(g1, g1f, ws.ys)
		in.integ.Average(da, daf, ws.ys)
		for i := range hf {
			hf[i] = g1f[i] + c.beta*daf[i]
		}
	} else {
		if wantJacobian {
			convolution.ExpDeriv(ws.grid[7], g1, cin, c.a1+in.decay, step)
			convolution.ExpDeriv(ws.grid[8], g2, cin, c.a2+in.decay, step)
		} else {
			convolution.Exp(g1, cin, c.a1+in.decay, step)
			convolution.Exp(g2, cin, c.a2+in.decay, step)
		}
		in.integ.Average(g1, g1f, ws.ys)
		in.integ.Average(g2, g2f, ws.ys)
		for i := range hf {
			hf[i] = c.h1*g1f[i] + c.h2*g2f[i]
		}
	}
	for i := range ws.pred {
		bm := fa*in.bloodFrames[i] + (1-fa)*ka*pwf[i]
		ws.pred[i] = (1-vb)*k1*hf[i] + vb*bm
	}
	if !wantJacobian {
		return ws.pred, nil, nil
	}

	pwdf := ws.frame[6]
	in.integ.Average(pwd, pwdf, ws.ys)
	ws.jac.Zero()
	if isFree(free, 0) {
		floats.ScaleTo(ws.col, 1-vb, hf)
		ws.jac.SetCol(0, ws.col)
	}

	// The k2..k4 columns mirror the plain two-tissue model with cin as the
	// input; cin itself does not depend on them.
	if c.degenerate {
		daf := ws.frame[2]
		ea, eaf := ws.grid[9], ws.frame[7]
		convolution.Exp(ea, ws.grid[7], c.a+in.decay, step)
		floats.Scale(2, ea)
		in.integ.Average(ea, eaf, ws.ys)
		f3, f3f := ws.grid[10], ws.frame[8]
		convolution.Exp(f3, ea, c.a+in.decay, step)
		floats.Scale(3, f3)
		in.integ.Average(f3, f3f, ws.ys)
		for j := 0; j < 3; j++ {
			if !isFree(free, j+1) {
				continue
			}
			for i := range ws.col {
				ws.col[i] = (1 - vb) * k1 *
					((c.dbeta[j]-0.5)*daf[i] - c.beta*eaf[i]/2 +
						c.dd2[j]*(eaf[i]/8+c.beta*f3f[i]/24))
			}
			ws.jac.SetCol(j+1, ws.col)
		}
	} else {
		d1f, d2f := ws.frame[2], ws.frame[3]
		in.integ.Average(ws.grid[7], d1f, ws.ys)
		in.integ.Average(ws.grid[8], d2f, ws.ys)
		for j := 0; j < 3; j++ {
			if !isFree(free, j+1) {
				continue
			}
			for i := range ws.col {
				ws.col[i] = (1 - vb) *
					(c.db1[j]*g1f[i] - c.b1*c.da1[j]*d1f[i] +
						c.db2[j]*g2f[i] - c.b2*c.da2[j]*d2f[i])
			}
			ws.jac.SetCol(j+1, ws.col)
		}
	}

	// Ka and fa perturb the effective input itself. The tissue system is
	// linear in its input, so each column's tissue part is the system
	// response to the input's partial derivative, staged in q.
	q, t2, t3 := ws.grid[9], ws.grid[10], ws.grid[11]
	t2f, t3f := ws.frame[7], ws.frame[8]
	tissueResponse := func(dst []float64) {
		if c.degenerate {
			convolution.ExpDeriv(t3, t2, q, c.a+in.decay, step)
			in.integ.Average(t2, t2f, ws.ys)
			in.integ.Average(t3, t3f, ws.ys)
			for i := range dst {
				dst[i] = k1 * (t2f[i] + c.beta*t3f[i])
			}
		} else {
			convolution.Exp(t2, q, c.a1+in.decay, step)
			convolution.Exp(t3, q, c.a2+in.decay, step)
			in.integ.Average(t2, t2f, ws.ys)
			in.integ.Average(t3, t3f, ws.ys)
			for i := range dst {
				dst[i] = c.b1*t2f[i] + c.b2*t3f[i]
			}
		}
	}
	if isFree(free, 4) {
		for i := range q {
			q[i] = (1 - fa) * (pp[i] - ka*ppd[i])
		}
		tissueResponse(ws.col)
		for i := range ws.col {
			ws.col[i] = (1-vb)*ws.col[i] + vb*(1-fa)*(pwf[i]-ka*pwdf[i])
		}
		ws.jac.SetCol(4, ws.col)
	}
	if isFree(free, 5) {
		for i := range q {
			q[i] = in.plasma[i] - ka*pp[i]
		}
		tissueResponse(ws.col)
		for i := range ws.col {
			ws.col[i] = (1-vb)*ws.col[i] + vb*(in.bloodFrames[i]-ka*pwf[i])
		}
		ws.jac.SetCol(5, ws.col)
	}
	if isFree(free, 6) {
		for i := range ws.col {
			bm := fa*in.bloodFrames[i] + (1-fa)*ka*pwf[i]
			ws.col[i] = bm - k1*hf[i]
		}
		ws.jac.SetCol(6, ws.col)
	}
	return ws.pred, ws.jac, nil
}
