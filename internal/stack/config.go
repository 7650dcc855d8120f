// Package stack resamples a star's visits onto the common rest-frame grid
// and combines them into a noise-weighted spectrum.
package stack

import (
	"fmt"

	"github.com/banshee-data/rvcomb/internal/spectra"
)

// Pixel values used where a combined or visit row has no data.
const (
	EmptyFlux = 0.0
	EmptyErr  = 1e10
)

// TemplateFitter fits a model to the combined row so that a best-fit template
// and normalised continuum can be stored alongside it.
type TemplateFitter interface {
	FitTemplate(grid spectra.Grid, flux, err []float64, mask []spectra.PixelMask) (template, continuum []float64, fitErr error)
}

// Config controls resampling and combination.
type Config struct {
	Grid spectra.Grid

	// NRes is the kernel width in pixels per resolution element, one entry per
	// segment. Segments beyond the list reuse the last entry.
	NRes []float64

	// ContinuumMedian and ContinuumSigma shape the median-then-Gaussian
	// continuum used for bad-pixel replacement and per-visit normalisation.
	ContinuumMedian int
	ContinuumSigma  float64

	MaskContrib [spectra.PixelBits]float64

	// Variance inflation factors for flagged pixels.
	PersistHigh float64
	PersistMed  float64
	PersistLow  float64
	Skyline     float64

	// BarycentricOnly shifts every visit by -BC and skips diagnostics.
	BarycentricOnly bool

	Diagnostics TemplateFitter
}

// DefaultConfig returns the standard combination settings.
func DefaultConfig() Config {
	return Config{
		Grid:            spectra.DefaultGrid(),
		NRes:            []float64{5, 4.25, 3.5},
		ContinuumMedian: 501,
		ContinuumSigma:  100,
		MaskContrib:     spectra.DefaultMaskContrib(),
		PersistHigh:     5,
		PersistMed:      4,
		PersistLow:      3,
		Skyline:         100,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := c.Grid.Validate(); err != nil {
		return err
	}
	if len(c.NRes) == 0 {
		return fmt.Errorf("nres must have at least one entry")
	}
	for i, v := range c.NRes {
		if !(v > 0) {
			return fmt.Errorf("nres[%d] must be positive, got %v", i, v)
		}
	}
	if c.ContinuumMedian < 1 {
		return fmt.Errorf("continuum median width must be at least 1, got %d", c.ContinuumMedian)
	}
	for name, f := range map[string]float64{
		"persist_high": c.PersistHigh, "persist_med": c.PersistMed,
		"persist_low": c.PersistLow, "skyline": c.Skyline,
	} {
		if f < 1 {
			return fmt.Errorf("%s inflation must be >= 1, got %v", name, f)
		}
	}
	return nil
}

func (c Config) nres(segment int) float64 {
	if segment < len(c.NRes) {
		return c.NRes[segment]
	}
	return c.NRes[len(c.NRes)-1]
}
