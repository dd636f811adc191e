package kinetics

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"kinfit/pkg/convolution"
)

// degenEps is the relative eigenvalue gap below which the two-tissue
// response switches to its confluent form. Both branches agree to far below
// solver tolerance at the crossover.
const degenEps = 1e-6

// ttCoeffs carries the eigen decomposition of the two-tissue rate system
// together with the partial derivatives the Jacobian columns need. With
//
//	S = k2+k3+k4, D = sqrt(S*S - 4*k2*k4)
//	a1 = (S-D)/2, a2 = (S+D)/2
//	phi1 = k3+k4-a1, phi2 = a2-(k3+k4)
//
// the tissue impulse response is K1*(phi1*exp(-a1*t) + phi2*exp(-a2*t))/D.
// When D is small against S the eigenvalues coalesce; dividing by D would
// then cancel catastrophically, so the response degenerates to the confluent
// form K1*(exp(-a*t) + beta*t*exp(-a*t)) with a = S/2, beta = (k3+k4-k2)/2.
type ttCoeffs struct {
	degenerate bool

	// distinct-eigenvalue branch
	a1, a2   float64
	h1, h2   float64    // phi/D, the K1 sensitivities
	b1, b2   float64    // K1*phi/D
	da1, da2 [3]float64 // eigenvalue partials wrt k2, k3, k4
	db1, db2 [3]float64 // coefficient partials wrt k2, k3, k4

	// confluent branch
	a, beta float64
	dbeta   [3]float64
	// dd2 holds the partials of D*D wrt k2, k3, k4. The response still
	// varies through the squared gap even where the gap itself is treated
	// as zero, and dropping that term would zero out genuine Jacobian
	// columns (k3 at a confluent point with k3 = 0, for one).
	dd2 [3]float64
}

func newTTCoeffs(k1, k2, k3, k4 float64) ttCoeffs {
	s := k2 + k3 + k4
	disc := s*s - 4*k2*k4
	var delta float64
	if disc > 0 {
		delta = math.Sqrt(disc)
	}
	if disc <= 0 || delta <= degenEps*math.Abs(s) {
		c := ttCoeffs{degenerate: true}
		c.a = s / 2
		c.beta = (k3 + k4 - k2) / 2
		c.dbeta = [3]float64{-0.5, 0.5, 0.5}
		c.dd2 = [3]float64{2*s - 4*k4, 2 * s, 2*s - 4*k2}
		return c
	}

	var c ttCoeffs
	c.a1 = (s - delta) / 2
	c.a2 = (s + delta) / 2
	phi1 := k3 + k4 - c.a1
	phi2 := c.a2 - (k3 + k4)
	c.h1 = phi1 / delta
	c.h2 = phi2 / delta
	c.b1 = k1 * c.h1
	c.b2 = k1 * c.h2

	dDelta := [3]float64{
		(k2 + k3 - k4) / delta,
		s / delta,
		(k3 + k4 - k2) / delta,
	}
	dPhi := [3]float64{0, 1, 1}
	for j := 0; j < 3; j++ {
		c.da1[j] = (1 - dDelta[j]) / 2
		c.da2[j] = (1 + dDelta[j]) / 2
		dPhi1 := dPhi[j] - c.da1[j]
		dPhi2 := c.da2[j] - dPhi[j]
		c.db1[j] = k1 * (dPhi1 - c.h1*dDelta[j]) / delta
		c.db2[j] = k1 * (dPhi2 - c.h2*dDelta[j]) / delta
	}
	return c
}

// twoTissue is the two-tissue compartment model with a free and a bound
// tissue pool. K1/k2 govern exchange between plasma and the free pool and
// k3/k4 the exchange between the two pools.
type twoTissue struct{}

func (twoTissue) Variant() Variant { return TwoTissue5P }
func (twoTissue) NumParams() int   { return 5 }

func (twoTissue) ParamNames() []string {
	return []string{"K1", "k2", "k3", "k4", "Vb"}
}

func (twoTissue) DefaultInitial() []float64 {
	return []float64{0.1, 0.1, 0.05, 0.01, 0.05}
}

func (twoTissue) DefaultBounds() (lower, upper []float64) {
	return []float64{0, 0, 0, 0, 0}, []float64{5, 2, 1, 0.5, 1}
}

func (twoTissue) scratch() (nGrid, nFrame int) { return 4, 5 }

func (m twoTissue) Eval(p []float64, free []bool, in *Input, ws *Workspace, wantJacobian bool) ([]float64, *mat.Dense, error) {
	if err := checkParams(m, p, free); err != nil {
		return nil, nil, err
	}
	k1, vb := p[0], p[4]
	c := newTTCoeffs(k1, p[1], p[2], p[3])
	hf := ws.frame[4]

	if c.degenerate {
		ga, da := ws.grid[0], ws.grid[1]
		gaf, daf := ws.frame[0], ws.frame[1]
		convolution.ExpDeriv(da, ga, in.plasma, c.a+in.decay, in.grid.Step)
		in.integ.Average(ga, gaf, ws.ys)
		in.integ.Average(da, daf, ws.ys)
		for i := range hf {
			hf[i] = gaf[i] + c.beta*daf[i]
		}
		floats.ScaleTo(ws.pred, (1-vb)*k1, hf)
		floats.AddScaled(ws.pred, vb, in.bloodFrames)
		if !wantJacobian {
			return ws.pred, nil, nil
		}

		// The rate derivative of t*exp(-a*t) brings in t^2*exp(-a*t), and
		// the squared-gap sensitivity needs t^3*exp(-a*t); both reduce to
		// repeated convolutions with the same kernel.
		ea, eaf := ws.grid[2], ws.frame[2]
		convolution.Exp(ea, da, c.a+in.decay, in.grid.Step)
		floats.Scale(2, ea)
		in.integ.Average(ea, eaf, ws.ys)
		f3, f3f := ws.grid[3], ws.frame[3]
		convolution.Exp(f3, ea, c.a+in.decay, in.grid.Step)
		floats.Scale(3, f3)
		in.integ.Average(f3, f3f, ws.ys)

		ws.jac.Zero()
		if isFree(free, 0) {
			floats.ScaleTo(ws.col, 1-vb, hf)
			ws.jac.SetCol(0, ws.col)
		}
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
		if isFree(free, 4) {
			for i := range ws.col {
				ws.col[i] = in.bloodFrames[i] - k1*hf[i]
			}
			ws.jac.SetCol(4, ws.col)
		}
		return ws.pred, ws.jac, nil
	}

	g1, g2 := ws.grid[0], ws.grid[1]
	g1f, g2f := ws.frame[0], ws.frame[1]
	if wantJacobian {
		convolution.ExpDeriv(ws.grid[2], g1, in.plasma, c.a1+in.decay, in.grid.Step)
		convolution.ExpDeriv(ws.grid[3], g2, in.plasma, c.a2+in.decay, in.grid.Step)
	} else {
		convolution.Exp(g1, in.plasma, c.a1+in.decay, in.grid.Step)
		convolution.Exp(g2, in.plasma, c.a2+in.decay, in.grid.Step)
	}
	in.integ.Average(g1, g1f, ws.ys)
	in.integ.Average(g2, g2f, ws.ys)
	for i := range hf {
		hf[i] = c.h1*g1f[i] + c.h2*g2f[i]
	}
	floats.ScaleTo(ws.pred, (1-vb)*k1, hf)
	floats.AddScaled(ws.pred, vb, in.bloodFrames)
	if !wantJacobian {
		return ws.pred, nil, nil
	}

	d1f, d2f := ws.frame[2], ws.frame[3]
	in.integ.Average(ws.grid[2], d1f, ws.ys)
	in.integ.Average(ws.grid[3], d2f, ws.ys)

	ws.jac.Zero()
	if isFree(free, 0) {
		floats.ScaleTo(ws.col, 1-vb, hf)
		ws.jac.SetCol(0, ws.col)
	}
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
	if isFree(free, 4) {
		for i := range ws.col {
			ws.col[i] = in.bloodFrames[i] - k1*hf[i]
		}
		ws.jac.SetCol(4, ws.col)
	}
	return ws.pred, ws.jac, nil
}
