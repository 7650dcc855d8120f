package doppler

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/optimize"

	"github.com/banshee-data/rvcomb/internal/spectra"
	"github.com/banshee-data/rvcomb/internal/units"
)

// chi2 evaluates the weighted chi-square of the visit against template p at
// relative velocity v.
func (e *Engine) chi2(p *prepared, tp spectra.TemplateParams, v float64) (float64, error) {
	model, err := e.lib.Spectrum(tp, p.wave, v)
	if err != nil {
		return math.NaN(), err
	}
	if len(model) != len(p.wave) {
		return math.NaN(), fmt.Errorf("template %s returned %d pixels for %d", tp, len(model), len(p.wave))
	}
	a, b := 1.0, 0.0
	if e.cfg.Tweak {
		a, b = tweakContinuum(p, model)
	}
	var sum float64
	for i, w := range p.weight {
		if w == 0 {
			continue
		}
		d := p.flux[i] - (a+b*p.xnorm[i])*model[i]
		sum += w * d * d
	}
	return sum, nil
}

// tweakContinuum solves the weighted least-squares problem
// flux ≈ (a + b·x)·model for the linear continuum correction (a, b).
func tweakContinuum(p *prepared, model []float64) (a, b float64) {
	var s00, s01, s11, r0, r1 float64
	for i, w := range p.weight {
		if w == 0 {
			continue
		}
		m := model[i]
		x := p.xnorm[i]
		s00 += w * m * m
		s01 += w * m * m * x
		s11 += w * m * m * x * x
		r0 += w * m * p.flux[i]
		r1 += w * m * x * p.flux[i]
	}
	det := s00*s11 - s01*s01
	if det == 0 || math.IsNaN(det) {
		return 1, 0
	}
	return (r0*s11 - r1*s01) / det, (s00*r1 - s01*r0) / det
}

// refine minimises chi-square over velocity inside [lo, hi], starting at v0.
// It returns the best velocity, its 1-sigma error and the chi-square there.
func (e *Engine) refine(p *prepared, tp spectra.TemplateParams, v0, lo, hi float64) (v, verr, c2 float64, err error) {
	pixVel := units.VelocityPerPixel(e.cfg.Grid.DLogW)
	var evalErr error
	clamp := func(x float64) float64 { return math.Max(lo, math.Min(hi, x)) }
	f := func(x float64) float64 {
		xc := clamp(x)
		c, cerr := e.chi2(p, tp, xc)
		if cerr != nil {
			evalErr = cerr
			return math.Inf(1)
		}
		d := x - xc
		return c + 1e6*d*d
	}

	v0 = clamp(v0)
	res, merr := optimize.Minimize(optimize.Problem{
		Func: func(x []float64) float64 { return f(x[0]) },
	}, []float64{v0}, &optimize.Settings{
		FuncEvaluations: e.cfg.MaxEvaluations,
		Converger:       &optimize.FunctionConverge{Absolute: 1e-8, Relative: 1e-10, Iterations: 20},
	}, &optimize.NelderMead{SimplexSize: pixVel / 2})
	if evalErr != nil {
		return math.NaN(), math.NaN(), math.NaN(), evalErr
	}
	if res == nil || math.IsNaN(res.F) || math.IsInf(res.F, 0) {
		if merr == nil {
			merr = fmt.Errorf("velocity refinement did not produce a finite chi-square")
		}
		return math.NaN(), math.NaN(), math.NaN(), merr
	}

	v = clamp(res.X[0])
	c2, err = e.chi2(p, tp, v)
	if err != nil {
		return math.NaN(), math.NaN(), math.NaN(), err
	}
	curv := fd.Derivative(f, v, &fd.Settings{Formula: fd.Central2nd, Step: pixVel / 4, OriginKnown: true, OriginValue: c2})
	verr = pixVel
	if curv > 0 && !math.IsInf(curv, 0) {
		verr = math.Sqrt(2 / curv)
	}
	return v, verr, c2, nil
}
