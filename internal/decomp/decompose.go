package decomp

import (
	"errors"
	"math"
	"sort"

	"gonum.org/v1/gonum/optimize"

	"github.com/banshee-data/rvcomb/internal/smooth"
	"github.com/banshee-data/rvcomb/internal/spectra"
)

const (
	// fwhmPerSigma converts a Gaussian sigma to its full width at half maximum.
	fwhmPerSigma = 2.354820045030949
	fourLn2      = 4 * math.Ln2
	minSamples   = 5
	// minSigma2 floors the deconvolved candidate width, in samples².
	minSigma2 = 0.25
)

// gaussian is a component in sample coordinates.
type gaussian struct {
	amp, center, fwhm float64
}

func (g gaussian) at(x float64) float64 {
	if g.fwhm == 0 {
		return 0
	}
	d := (x - g.center) / g.fwhm
	return g.amp * math.Exp(-fourLn2*d*d)
}

// Decompose fits the CCF with a sum of Gaussians and returns the surviving
// components in ascending center order, in velocity units. A CCF with no
// significant peak yields no components and no error. Any numerical failure
// returns a KindNumericalFit error.
func Decompose(ccf spectra.CCF, cfg Config) (comps []spectra.CCFComponent, err error) {
	const op = "decompose"
	if err := cfg.Validate(); err != nil {
		return nil, &spectra.Error{Kind: spectra.KindNumericalFit, Op: op, Err: err}
	}
	if len(ccf.Value) != ccf.Len() || len(ccf.Err) != ccf.Len() {
		return nil, spectra.Errorf(spectra.KindNumericalFit, op, "ccf arrays differ in length: %d/%d/%d",
			ccf.Len(), len(ccf.Value), len(ccf.Err))
	}
	defer func() {
		if r := recover(); r != nil {
			comps = nil
			err = spectra.Errorf(spectra.KindNumericalFit, op, "panic: %v", r)
		}
	}()

	vel, y, e := finiteSamples(ccf)
	if len(y) < minSamples {
		return nil, spectra.Errorf(spectra.KindNumericalFit, op, "only %d usable ccf samples", len(y))
	}
	if cfg.HighPass {
		y = smooth.HighPass(y, cfg.HighPassSigma)
	}

	cands := strongest(candidates(y, e, math.Exp(cfg.Alpha1), cfg.SNRThresh[0]), cfg.MaxComponents)
	fitted, err := fit(y, e, cands, cfg.MaxIterations)
	if err != nil {
		return nil, &spectra.Error{Kind: spectra.KindNumericalFit, Op: op, Err: err}
	}
	if cfg.TwoPhase {
		extra := candidates(residual(y, fitted), e, math.Exp(cfg.Alpha2), cfg.SNRThresh[1])
		if len(extra) > 0 {
			all := strongest(append(fitted, extra...), cfg.MaxComponents)
			if fitted, err = fit(y, e, all, cfg.MaxIterations); err != nil {
				return nil, &spectra.Error{Kind: spectra.KindNumericalFit, Op: op, Err: err}
			}
		}
	}

	comps = toVelocity(fitted, vel)
	sort.Slice(comps, func(i, j int) bool { return comps[i].Center < comps[j].Center })
	return merge(comps, cfg), nil
}

// finiteSamples keeps the CCF samples with finite velocity, value and a
// positive error.
func finiteSamples(ccf spectra.CCF) (vel, y, e []float64) {
	for i, v := range ccf.Velocity {
		val, er := ccf.Value[i], ccf.Err[i]
		if math.IsNaN(v) || math.IsInf(v, 0) || math.IsNaN(val) || math.IsInf(val, 0) || !(er > 0) || math.IsInf(er, 0) {
			continue
		}
		vel = append(vel, v)
		y = append(y, val)
		e = append(e, er)
	}
	return vel, y, e
}

// gradient is the second-order central difference, one-sided at the ends.
func gradient(f []float64) []float64 {
	n := len(f)
	out := make([]float64, n)
	if n < 2 {
		return out
	}
	out[0] = f[1] - f[0]
	out[n-1] = f[n-1] - f[n-2]
	for i := 1; i < n-1; i++ {
		out[i] = 0.5 * (f[i+1] - f[i-1])
	}
	return out
}

// candidates smooths y with a Gaussian of the given scale and returns the
// peaks where the second derivative has a local minimum: the third
// derivative crosses zero upwards, the fourth is positive and the curvature
// negative. Peaks at or below thresh·err are dropped. The width guess is the
// smoothed curvature width with the smoothing kernel removed.
func candidates(y, e []float64, scale, thresh float64) []gaussian {
	ys := smooth.Gaussian(y, scale, smooth.Nearest)
	u2 := gradient(gradient(ys))
	u3 := gradient(u2)
	u4 := gradient(u3)

	var out []gaussian
	for i := 1; i < len(y)-2; i++ {
		if !(u3[i] <= 0 && u3[i+1] > 0) {
			continue
		}
		j := i
		if math.Abs(u3[i+1]) < math.Abs(u3[i]) {
			j = i + 1
		}
		if !(u4[j] > 0 && u2[j] < 0 && ys[j] > 0) || !(y[j] > thresh*e[j]) {
			continue
		}
		s2 := max(ys[j]/-u2[j]-scale*scale, minSigma2)
		out = append(out, gaussian{amp: y[j], center: float64(j), fwhm: fwhmPerSigma * math.Sqrt(s2)})
	}
	return out
}

// strongest keeps the n candidates of largest amplitude.
func strongest(gs []gaussian, n int) []gaussian {
	if len(gs) <= n {
		return gs
	}
	sort.SliceStable(gs, func(i, j int) bool { return gs[i].amp > gs[j].amp })
	return gs[:n]
}

func residual(y []float64, gs []gaussian) []float64 {
	out := make([]float64, len(y))
	for i := range y {
		out[i] = y[i]
		for _, g := range gs {
			out[i] -= g.at(float64(i))
		}
	}
	return out
}

func pack(gs []gaussian) []float64 {
	p := make([]float64, 0, 3*len(gs))
	for _, g := range gs {
		p = append(p, g.amp, g.center, g.fwhm)
	}
	return p
}

func unpack(p []float64) []gaussian {
	gs := make([]gaussian, len(p)/3)
	for i := range gs {
		gs[i] = gaussian{amp: p[3*i], center: p[3*i+1], fwhm: p[3*i+2]}
	}
	return gs
}

// objective returns the error-weighted chi-square of the Gaussian sum p
// against y and its analytic gradient.
func objective(y, e []float64) (f func([]float64) float64, grad func(dst, p []float64)) {
	f = func(p []float64) float64 {
		gs := unpack(p)
		var sum float64
		for i := range y {
			m := 0.0
			for _, g := range gs {
				m += g.at(float64(i))
			}
			r := (y[i] - m) / e[i]
			sum += r * r
		}
		return sum
	}
	grad = func(dst, p []float64) {
		gs := unpack(p)
		for k := range dst {
			dst[k] = 0
		}
		for i := range y {
			x := float64(i)
			m := 0.0
			for _, g := range gs {
				m += g.at(x)
			}
			c := -2 * (y[i] - m) / (e[i] * e[i])
			for k, g := range gs {
				if g.fwhm == 0 {
					continue
				}
				d := x - g.center
				w2 := g.fwhm * g.fwhm
				ex := math.Exp(-fourLn2 * d * d / w2)
				dst[3*k] += c * ex
				dst[3*k+1] += c * g.amp * ex * 2 * fourLn2 * d / w2
				dst[3*k+2] += c * g.amp * ex * 2 * fourLn2 * d * d / (w2 * g.fwhm)
			}
		}
	}
	return f, grad
}

var errNoFiniteFit = errors.New("gaussian fit did not produce a finite chi-square")

// fit refines the candidates jointly with BFGS. A run that stops early still
// counts if it produced a finite chi-square.
func fit(y, e []float64, init []gaussian, maxIter int) ([]gaussian, error) {
	if len(init) == 0 {
		return nil, nil
	}
	f, grad := objective(y, e)
	res, err := optimize.Minimize(optimize.Problem{Func: f, Grad: grad}, pack(init), &optimize.Settings{
		MajorIterations:   maxIter,
		GradientThreshold: 1e-8,
	}, &optimize.BFGS{})
	if res == nil || math.IsNaN(res.F) || math.IsInf(res.F, 0) {
		if err == nil {
			err = errNoFiniteFit
		}
		return nil, err
	}
	return unpack(res.X), nil
}

// toVelocity converts sample-space components to velocity units, dropping
// non-positive amplitudes and centers outside the sampled range.
func toVelocity(gs []gaussian, vel []float64) []spectra.CCFComponent {
	n := len(vel)
	var out []spectra.CCFComponent
	for _, g := range gs {
		w := math.Abs(g.fwhm)
		if !(g.amp > 0) || math.IsInf(g.amp, 0) || !(w > 0) || math.IsInf(w, 0) ||
			!(g.center >= 0 && g.center <= float64(n-1)) {
			continue
		}
		i := min(int(g.center), n-2)
		t := g.center - float64(i)
		step := vel[i+1] - vel[i]
		out = append(out, spectra.CCFComponent{
			Amplitude: g.amp,
			FWHM:      w * math.Abs(step),
			Center:    vel[i] + t*step,
		})
	}
	return out
}

// merge suppresses components that are not independent of a stronger one.
// It makes a single pass over pairs (j, k<j) in the given order; a component
// zeroed earlier in the pass no longer suppresses others.
func merge(comps []spectra.CCFComponent, cfg Config) []spectra.CCFComponent {
	for j := 1; j < len(comps); j++ {
		for k := 0; k < j; k++ {
			a, b := &comps[j], &comps[k]
			switch {
			case a.Amplitude > b.Amplitude && b.Amplitude > 0 && cfg.suppresses(*a, *b):
				b.Amplitude = 0
			case b.Amplitude > a.Amplitude && a.Amplitude > 0 && cfg.suppresses(*b, *a):
				a.Amplitude = 0
			}
		}
	}
	out := comps[:0]
	for _, c := range comps {
		if c.Amplitude > 0 {
			out = append(out, c)
		}
	}
	return out
}

// suppresses reports whether the stronger component absorbs the weaker one.
func (c Config) suppresses(strong, weak spectra.CCFComponent) bool {
	ws, ww := math.Abs(strong.FWHM), math.Abs(weak.FWHM)
	return math.Abs(strong.Center-weak.Center) < ww ||
		weak.Amplitude < c.MergeAmpRatio*strong.Amplitude ||
		ws > c.MergeMaxWidth ||
		ww > c.MergeWidthRatio*ws || ws > c.MergeWidthRatio*ww
}
