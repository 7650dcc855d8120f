package stack

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/rvcomb/internal/monitoring"
	"github.com/banshee-data/rvcomb/internal/smooth"
	"github.com/banshee-data/rvcomb/internal/spectra"
)

// Combine resamples every visit onto cfg.Grid at its velocity and returns the
// inverse-variance weighted combination. velocities[i] is the relative
// velocity of visits[i]; it is ignored (and may be nil) when
// cfg.BarycentricOnly is set, in which case each visit is shifted by -BC.
func Combine(visits []spectra.VisitSpectrum, velocities []float64, cfg Config) (*spectra.CombinedSpectrum, error) {
	const op = "stack.Combine"
	if err := cfg.Validate(); err != nil {
		return nil, &spectra.Error{Kind: spectra.KindMissingCalibration, Op: op, Err: err}
	}
	if len(visits) == 0 {
		return nil, spectra.Errorf(spectra.KindNoVisits, op, "no visits to combine")
	}
	if !cfg.BarycentricOnly && len(velocities) != len(visits) {
		return nil, spectra.Errorf(spectra.KindNumericalFit, op, "%d velocities for %d visits", len(velocities), len(visits))
	}

	shifts := make([]float64, len(visits))
	for i, v := range visits {
		if err := v.Validate(); err != nil {
			return nil, &spectra.Error{Kind: spectra.KindMissingCalibration, Op: op, StarID: v.ObjectID, VisitID: v.VisitID, Err: err}
		}
		if cfg.BarycentricOnly {
			shifts[i] = -v.BC
		} else {
			shifts[i] = velocities[i]
		}
		if math.IsNaN(shifts[i]) || math.IsInf(shifts[i], 0) {
			return nil, &spectra.Error{Kind: spectra.KindNumericalFit, Op: op, StarID: v.ObjectID, VisitID: v.VisitID,
				Err: errNonFiniteVelocity}
		}
	}

	rest := cfg.Grid.Wave()
	stacked := make([]stackedVisit, len(visits))
	for i, v := range visits {
		stacked[i] = resampleVisit(v, shifts[i], rest, cfg)
	}

	out := combineRows(stacked, cfg.Grid)
	out.BarycentricOnly = cfg.BarycentricOnly
	out.Header = buildHeader(visits, shifts, out, cfg)

	if !cfg.BarycentricOnly && cfg.Diagnostics != nil {
		tmpl, norm, err := cfg.Diagnostics.FitTemplate(cfg.Grid, out.Flux, out.Err, out.Mask)
		if err != nil {
			monitoring.Logf("[stack] template diagnostics failed for %s: %v", out.Header.ObjectID, err)
		} else {
			out.Template = tmpl
			out.Normalized = norm
		}
	}
	return out, nil
}

var errNonFiniteVelocity = errors.New("non-finite velocity")

// combineRows forms the weighted mean of the normalised visit rows and scales
// it by the median continuum of the contributing visits.
func combineRows(stacked []stackedVisit, grid spectra.Grid) *spectra.CombinedSpectrum {
	n := grid.N
	out := &spectra.CombinedSpectrum{
		Grid:   grid,
		Flux:   make([]float64, n),
		Err:    make([]float64, n),
		Mask:   make([]spectra.PixelMask, n),
		Cont:   make([]float64, n),
		Visits: make([]spectra.VisitRow, len(stacked)),
	}
	conts := make([]float64, 0, len(stacked))
	for j := 0; j < n; j++ {
		var sumW, sumWF float64
		mask := ^spectra.PixelMask(0)
		conts = conts[:0]
		for _, sv := range stacked {
			if !sv.row.Defined[j] {
				continue
			}
			w := 1 / (sv.normErr[j] * sv.normErr[j])
			sumW += w
			sumWF += w * sv.normFlux[j]
			mask &= sv.row.Mask[j]
			conts = append(conts, sv.row.Cont[j])
		}
		if len(conts) == 0 || !(sumW > 0) {
			out.Flux[j], out.Err[j], out.Mask[j] = EmptyFlux, EmptyErr, spectra.PixBadPix
			continue
		}
		c := smooth.MedianOf(conts)
		out.Cont[j] = c
		out.Flux[j] = c * sumWF / sumW
		out.Err[j] = c * math.Sqrt(1/sumW)
		out.Mask[j] = mask
	}
	for i, sv := range stacked {
		out.Visits[i] = sv.row
	}
	return out
}

func buildHeader(visits []spectra.VisitSpectrum, shifts []float64, out *spectra.CombinedSpectrum, cfg Config) spectra.Header {
	h := spectra.Header{
		ObjectID: visits[0].ObjectID,
		Field:    visits[0].Field,
		NVisits:  len(visits),
		NRes:     append([]float64(nil), cfg.NRes...),
		Visits:   make([]spectra.VisitInfo, len(visits)),
	}
	fibers := make([]float64, len(visits))
	snr := make([]float64, len(visits))
	for i, v := range visits {
		flag := v.StarFlag &^ spectra.StarRVQualityMask
		h.StarFlag |= flag
		if i == 0 {
			h.AndFlag = flag
		} else {
			h.AndFlag &= flag
		}
		for k := range h.Targets {
			h.Targets[k] |= v.Targets[k]
		}
		fibers[i] = float64(v.Fiber)
		snr[i] = v.SNR
		h.Visits[i] = spectra.VisitInfo{
			Index:    i + 1,
			VisitID:  v.VisitID,
			DateObs:  v.DateObs,
			JD:       v.JD,
			Fiber:    v.Fiber,
			BC:       v.BC,
			VRel:     shifts[i],
			SNR:      v.SNR,
			StarFlag: v.StarFlag,
		}
	}

	ratio := make([]float64, 0, len(out.Flux))
	for j := range out.Flux {
		if out.Err[j] < EmptyErr && out.Err[j] > 0 {
			ratio = append(ratio, out.Flux[j]/out.Err[j])
		}
	}
	h.SNR = smooth.MedianOf(ratio)
	if math.IsNaN(h.SNR) {
		h.SNR = 0
	}

	if floats.Sum(snr) > 0 {
		h.MeanFiber = stat.Mean(fibers, snr)
	} else {
		h.MeanFiber = stat.Mean(fibers, nil)
	}
	if len(fibers) > 1 {
		h.SigFiber = stat.StdDev(fibers, nil)
	}
	return h
}
