// Package doppler fits radial velocities of a star's visits jointly against
// a library of model spectra: cross-correlation for the starting point and
// chi-square minimisation for the final velocity.
package doppler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/rvcomb/internal/monitoring"
	"github.com/banshee-data/rvcomb/internal/spectra"
)

// TemplateLibrary supplies continuum-normalised model spectra.
type TemplateLibrary interface {
	Params() []spectra.TemplateParams
	// Spectrum evaluates template p on the given wavelengths for a source
	// at radial velocity v (km/s).
	Spectrum(p spectra.TemplateParams, wave []float64, v float64) ([]float64, error)
}

// VisitFit is the engine's per-visit result.
type VisitFit struct {
	VisitID      string
	VRel         float64
	VRelErr      float64
	VHelio       float64
	BC           float64
	XCorrVRel    float64
	XCorrVRelErr float64
	XCorrVHelio  float64
	Chi2         float64
	Template     spectra.TemplateParams
	CCF          spectra.CCF
}

// OK reports whether the visit received a finite velocity.
func (f VisitFit) OK() bool {
	return !math.IsNaN(f.VRel) && !math.IsInf(f.VRel, 0)
}

// Summary describes the joint fit of one star.
type Summary struct {
	Template spectra.TemplateParams
	Chi2     float64
	NVisits  int
	Range    VelocityRange
	VHelio   float64
	VScatter float64
	VErr     float64
}

// Engine performs joint RV fits. It is safe for concurrent use provided the
// template library is.
type Engine struct {
	lib TemplateLibrary
	cfg Config
}

// NewEngine returns an engine for lib.
func NewEngine(lib TemplateLibrary, cfg Config) (*Engine, error) {
	if lib == nil {
		return nil, &spectra.Error{Kind: spectra.KindMissingCalibration, Op: "doppler.NewEngine", Err: errors.New("nil template library")}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid doppler config: %w", err)
	}
	if len(lib.Params()) == 0 {
		return nil, &spectra.Error{Kind: spectra.KindMissingCalibration, Op: "doppler.NewEngine", Err: errors.New("empty template library")}
	}
	return &Engine{lib: lib, cfg: cfg}, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// JointFit selects the template that best fits all visits and refines every
// visit's velocity against it. Visits without usable pixels get NaN
// velocities; the call fails only if no visit can be fit.
func (e *Engine) JointFit(ctx context.Context, visits []spectra.VisitSpectrum, rng VelocityRange) (sum *Summary, fits []VisitFit, err error) {
	const op = "doppler.JointFit"
	defer func() {
		if r := recover(); r != nil {
			monitoring.Logf("[doppler] panic in joint fit: %v\n%s", r, debug.Stack())
			sum, fits = nil, nil
			err = spectra.Errorf(spectra.KindNumericalFit, op, "panic: %v", r)
		}
	}()

	if len(visits) == 0 {
		return nil, nil, spectra.Errorf(spectra.KindNoVisits, op, "no visits")
	}
	if err := rng.validate(); err != nil {
		return nil, nil, &spectra.Error{Kind: spectra.KindNumericalFit, Op: op, Err: err}
	}

	gridWave := e.cfg.Grid.Wave()
	preps := make([]*prepared, len(visits))
	usable := 0
	for i, v := range visits {
		if err := v.Validate(); err != nil {
			return nil, nil, &spectra.Error{Kind: spectra.KindMissingCalibration, Op: op, StarID: v.ObjectID, VisitID: v.VisitID, Err: err}
		}
		preps[i] = e.prepare(v, gridWave)
		if preps[i].usable() {
			usable++
		}
	}
	if usable == 0 {
		return nil, nil, spectra.Errorf(spectra.KindNumericalFit, op, "no visit has usable pixels")
	}

	// Template choice: summed chi-square at each visit's CCF peak.
	params := e.lib.Params()
	bestIdx, bestChi2 := -1, math.Inf(1)
	var bestCCF []spectra.CCF
	var bestPeak []float64
	for ti, tp := range params {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		tflux, terr := e.lib.Spectrum(tp, gridWave, 0)
		if terr != nil {
			return nil, nil, &spectra.Error{Kind: spectra.KindMissingCalibration, Op: op, Err: terr}
		}
		tdepth := make([]float64, len(tflux))
		for j, f := range tflux {
			tdepth[j] = 1 - f
		}

		ccfs := make([]spectra.CCF, len(preps))
		peaks := make([]float64, len(preps))
		total := 0.0
		for i, p := range preps {
			peaks[i] = math.NaN()
			if !p.usable() {
				continue
			}
			lo, hi := rng.ForVisit(p.bc)
			ccfs[i] = crossCorrelate(p, tdepth, e.cfg.Grid.DLogW, lo, hi)
			v, _, _ := ccfPeak(ccfs[i], e.cfg.Grid.DLogW)
			if math.IsNaN(v) {
				continue
			}
			peaks[i] = v
			c, cerr := e.chi2(p, tp, v)
			if cerr != nil {
				return nil, nil, &spectra.Error{Kind: spectra.KindMissingCalibration, Op: op, VisitID: p.id, Err: cerr}
			}
			total += c
		}
		if total < bestChi2 {
			bestIdx, bestChi2 = ti, total
			bestCCF, bestPeak = ccfs, peaks
		}
	}
	if bestIdx < 0 {
		return nil, nil, spectra.Errorf(spectra.KindNumericalFit, op, "no template produced a finite chi-square")
	}
	tp := params[bestIdx]

	fits = make([]VisitFit, len(preps))
	total := 0.0
	for i, p := range preps {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		fit := VisitFit{
			VisitID: p.id, BC: p.bc, Template: tp, CCF: bestCCF[i],
			VRel: math.NaN(), VRelErr: math.NaN(), VHelio: math.NaN(), Chi2: math.NaN(),
			XCorrVRel: math.NaN(), XCorrVRelErr: math.NaN(), XCorrVHelio: math.NaN(),
		}
		if p.usable() && !math.IsNaN(bestPeak[i]) {
			xv, xerr, _ := ccfPeak(bestCCF[i], e.cfg.Grid.DLogW)
			fit.XCorrVRel, fit.XCorrVRelErr, fit.XCorrVHelio = xv, xerr, xv+p.bc

			lo, hi := rng.ForVisit(p.bc)
			v, verr, c2, rerr := e.refine(p, tp, bestPeak[i], lo, hi)
			if rerr != nil {
				monitoring.Logf("[doppler] velocity refinement failed for visit %s: %v", p.id, rerr)
			} else {
				fit.VRel, fit.VRelErr, fit.VHelio, fit.Chi2 = v, verr, v+p.bc, c2
				total += c2
			}
		}
		fits[i] = fit
	}

	sum = &Summary{Template: tp, Chi2: total, Range: rng}
	var vh, w []float64
	for i, f := range fits {
		if f.OK() {
			vh = append(vh, f.VHelio)
			w = append(w, math.Max(visits[i].SNR, 0))
		}
	}
	sum.NVisits = len(vh)
	if sum.NVisits == 0 {
		return nil, nil, spectra.Errorf(spectra.KindNumericalFit, op, "velocity refinement failed for every visit")
	}
	sum.VHelio, sum.VScatter, sum.VErr = velocityStats(vh, w)
	return sum, fits, nil
}

// velocityStats returns the weighted mean, the unweighted sample standard
// deviation and the standard error of the mean.
func velocityStats(v, w []float64) (mean, scatter, verr float64) {
	if floats.Sum(w) > 0 {
		mean = stat.Mean(v, w)
	} else {
		mean = stat.Mean(v, nil)
	}
	if len(v) > 1 {
		scatter = stat.StdDev(v, nil)
		verr = scatter / math.Sqrt(float64(len(v)))
	}
	return mean, scatter, verr
}
