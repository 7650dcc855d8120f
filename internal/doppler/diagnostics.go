package doppler

import (
	"context"
	"fmt"
	"math"

	"github.com/banshee-data/rvcomb/internal/smooth"
	"github.com/banshee-data/rvcomb/internal/spectra"
)

// FitTemplate fits a combined rest-frame row over ±CombinedFitWindow and
// returns the best-fit template on the grid together with the continuum the
// row was normalised by. It satisfies stack.TemplateFitter.
func (e *Engine) FitTemplate(grid spectra.Grid, flux, errs []float64, mask []spectra.PixelMask) (template, continuum []float64, err error) {
	if len(flux) != grid.N || len(errs) != grid.N {
		return nil, nil, fmt.Errorf("row length %d/%d does not match grid of %d pixels", len(flux), len(errs), grid.N)
	}
	wave := grid.Wave()
	v := spectra.VisitSpectrum{
		VisitID:  "combined",
		Segments: []spectra.Segment{{Wave: wave, Flux: flux, Err: errs, Mask: mask}},
	}
	sum, fits, err := e.JointFit(context.Background(), []spectra.VisitSpectrum{v}, Symmetric(e.cfg.CombinedFitWindow))
	if err != nil {
		return nil, nil, err
	}
	template, err = e.lib.Spectrum(sum.Template, wave, fits[0].VRel)
	if err != nil {
		return nil, nil, err
	}

	masked := make([]float64, len(flux))
	for i, f := range flux {
		masked[i] = f
		if (mask != nil && mask[i]&e.cfg.IgnoreMask != 0) || !(errs[i] > 0) {
			masked[i] = math.NaN()
		}
	}
	continuum = smooth.Continuum(masked, e.cfg.ContinuumMedian, e.cfg.ContinuumSigma)
	return template, continuum, nil
}
