package doppler

import (
	"math"

	"github.com/banshee-data/rvcomb/internal/resample"
	"github.com/banshee-data/rvcomb/internal/smooth"
	"github.com/banshee-data/rvcomb/internal/spectra"
)

// prepared is a continuum-normalised visit ready for fitting.
type prepared struct {
	id  string
	bc  float64
	snr float64

	// Observed-frame pixels of all segments, concatenated.
	wave   []float64
	flux   []float64
	weight []float64
	xnorm  []float64

	// Absorption depth on the rest grid at zero shift, 0 where unusable.
	depth []float64
	valid []bool
	npix  int
}

func (p *prepared) usable() bool { return p.npix > 0 }

// prepare normalises every segment by its continuum and resamples the
// result onto the rest grid for cross-correlation.
func (e *Engine) prepare(v spectra.VisitSpectrum, gridWave []float64) *prepared {
	p := &prepared{id: v.VisitID, bc: v.BC, snr: v.SNR}
	n := len(gridWave)
	p.depth = make([]float64, n)
	p.valid = make([]bool, n)

	for s, seg := range v.Segments {
		m := seg.Len()
		good := make([]bool, m)
		masked := make([]float64, m)
		for i := 0; i < m; i++ {
			f, er := seg.Flux[i], seg.Err[i]
			good[i] = !math.IsNaN(f) && !math.IsInf(f, 0) && er > 0 && !math.IsInf(er, 0) &&
				(seg.Mask == nil || seg.Mask[i]&e.cfg.IgnoreMask == 0) && e.cfg.inWindows(seg.Wave[i])
			if good[i] {
				masked[i] = f
			} else {
				masked[i] = math.NaN()
			}
		}
		cont := smooth.Continuum(masked, e.cfg.ContinuumMedian, e.cfg.ContinuumSigma)

		norm := make([]float64, m)
		ind := make([]float64, m)
		for i := 0; i < m; i++ {
			w, nf := 0.0, 1.0
			if good[i] && cont[i] > 0 {
				nf = seg.Flux[i] / cont[i]
				ne := seg.Err[i] / cont[i]
				w = 1 / (ne * ne)
				ind[i] = 1
			}
			norm[i] = nf
			p.wave = append(p.wave, seg.Wave[i])
			p.flux = append(p.flux, nf)
			p.weight = append(p.weight, w)
		}

		pix := resample.WaveToPix(seg.Wave, gridWave)
		it := resample.NewInterpolator(pix, m, e.cfg.Stack.NRes[min(s, len(e.cfg.Stack.NRes)-1)])
		vals := it.Values(norm)
		frac := it.Values(ind)
		for j := 0; j < n; j++ {
			if p.valid[j] || !it.Defined(j) || frac[j] < 0.99 {
				continue
			}
			p.valid[j] = true
			p.depth[j] = 1 - vals[j]
			p.npix++
		}
	}

	// Normalised pixel coordinate for the continuum tweak.
	p.xnorm = make([]float64, len(p.wave))
	if len(p.wave) > 1 {
		lo, hi := p.wave[0], p.wave[len(p.wave)-1]
		for i, w := range p.wave {
			p.xnorm[i] = 2*(w-lo)/(hi-lo) - 1
		}
	}
	return p
}
