package stack

import (
	"math"

	"github.com/banshee-data/rvcomb/internal/resample"
	"github.com/banshee-data/rvcomb/internal/smooth"
	"github.com/banshee-data/rvcomb/internal/spectra"
	"github.com/banshee-data/rvcomb/internal/units"
)

// stackedVisit is one visit on the rest grid, before the continuum is
// multiplied back in.
type stackedVisit struct {
	row      spectra.VisitRow
	normFlux []float64
	normErr  []float64
}

func isBadPixel(seg spectra.Segment, i int) bool {
	if seg.Mask != nil && seg.Mask[i]&spectra.PixelBadMask != 0 {
		return true
	}
	f, e := seg.Flux[i], seg.Err[i]
	return math.IsNaN(f) || math.IsInf(f, 0) || math.IsNaN(e) || math.IsInf(e, 0) || e <= 0
}

// replaceBadPixels returns flux and error arrays in which bad pixels carry the
// smoothed flux and error continua. Pixels with no usable neighbourhood get
// EmptyFlux / EmptyErr.
func replaceBadPixels(seg spectra.Segment, cfg Config) (flux, errs []float64) {
	n := seg.Len()
	flux = make([]float64, n)
	errs = make([]float64, n)
	copy(flux, seg.Flux)
	copy(errs, seg.Err)

	var bad []int
	for i := 0; i < n; i++ {
		if isBadPixel(seg, i) {
			bad = append(bad, i)
		}
	}
	if len(bad) == 0 {
		return flux, errs
	}
	maskedFlux := make([]float64, n)
	maskedErr := make([]float64, n)
	copy(maskedFlux, flux)
	copy(maskedErr, errs)
	for _, i := range bad {
		maskedFlux[i] = math.NaN()
		maskedErr[i] = math.NaN()
	}
	fluxCont := smooth.Continuum(maskedFlux, cfg.ContinuumMedian, cfg.ContinuumSigma)
	errCont := smooth.Continuum(maskedErr, cfg.ContinuumMedian, cfg.ContinuumSigma)
	for _, i := range bad {
		if math.IsNaN(fluxCont[i]) || math.IsNaN(errCont[i]) || errCont[i] <= 0 {
			flux[i], errs[i] = EmptyFlux, EmptyErr
			continue
		}
		flux[i], errs[i] = fluxCont[i], errCont[i]
	}
	return flux, errs
}

func newRow(visitID string, n int) spectra.VisitRow {
	return spectra.VisitRow{
		VisitID:     visitID,
		Flux:        make([]float64, n),
		Err:         make([]float64, n),
		Mask:        make([]spectra.PixelMask, n),
		Sky:         make([]float64, n),
		SkyErr:      make([]float64, n),
		Telluric:    make([]float64, n),
		TelluricErr: make([]float64, n),
		Cont:        make([]float64, n),
		Defined:     make([]bool, n),
	}
}

// resampleVisit shifts the rest grid into the visit frame at vrel, resamples
// every segment and normalises by the visit's own continuum.
func resampleVisit(v spectra.VisitSpectrum, vrel float64, rest []float64, cfg Config) stackedVisit {
	n := len(rest)
	row := newRow(v.VisitID, n)
	obs := units.ShiftWave(rest, vrel)

	for s, seg := range v.Segments {
		flux, errs := replaceBadPixels(seg, cfg)
		pix := resample.WaveToPix(seg.Wave, obs)
		it := resample.NewInterpolator(pix, seg.Len(), cfg.nres(s))

		f := it.Values(flux)
		e := it.Errors(errs)
		m := it.Mask(seg.Mask, cfg.MaskContrib)
		sky, skyErr := optional(it, seg.Sky, seg.SkyErr)
		tel, telErr := optional(it, seg.Telluric, seg.TelluricErr)

		for j := 0; j < n; j++ {
			if !it.Defined(j) || row.Defined[j] {
				continue
			}
			row.Defined[j] = true
			row.Flux[j] = f[j]
			row.Err[j] = e[j]
			row.Mask[j] = m[j]
			if sky != nil {
				row.Sky[j], row.SkyErr[j] = sky[j], skyErr[j]
			}
			if tel != nil {
				row.Telluric[j], row.TelluricErr[j] = tel[j], telErr[j]
			}
		}
	}

	inflateErrors(row, cfg)

	masked := make([]float64, n)
	for j := range masked {
		if row.Defined[j] {
			masked[j] = row.Flux[j]
		} else {
			masked[j] = math.NaN()
		}
	}
	cont := smooth.Continuum(masked, cfg.ContinuumMedian, cfg.ContinuumSigma)

	sv := stackedVisit{row: row, normFlux: make([]float64, n), normErr: make([]float64, n)}
	for j := 0; j < n; j++ {
		if row.Defined[j] && !(cont[j] > 0) {
			row.Defined[j] = false
		}
		if !row.Defined[j] {
			row.Flux[j], row.Err[j], row.Mask[j] = EmptyFlux, EmptyErr, spectra.PixBadPix
			continue
		}
		row.Cont[j] = cont[j]
		sv.normFlux[j] = row.Flux[j] / cont[j]
		sv.normErr[j] = row.Err[j] / cont[j]
	}
	return sv
}

func optional(it *resample.Interpolator, values, errs []float64) ([]float64, []float64) {
	if values == nil {
		return nil, nil
	}
	v := it.Values(values)
	if errs == nil {
		return v, make([]float64, len(v))
	}
	return v, it.Errors(errs)
}

// inflateErrors scales uncertainties of persistence and sky-line pixels by
// the square root of the configured variance factors. Only the strongest
// persistence level applies; the sky-line factor stacks on top.
func inflateErrors(row spectra.VisitRow, cfg Config) {
	for j, m := range row.Mask {
		if !row.Defined[j] {
			continue
		}
		switch {
		case m&spectra.PixPersistHigh != 0:
			row.Err[j] *= math.Sqrt(cfg.PersistHigh)
		case m&spectra.PixPersistMed != 0:
			row.Err[j] *= math.Sqrt(cfg.PersistMed)
		case m&spectra.PixPersistLow != 0:
			row.Err[j] *= math.Sqrt(cfg.PersistLow)
		}
		if m&spectra.PixSigSkyline != 0 {
			row.Err[j] *= math.Sqrt(cfg.Skyline)
		}
	}
}
