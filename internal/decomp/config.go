// Package decomp splits a cross-correlation function into Gaussian velocity
// components. Several strong, well separated components flag a possible
// spectroscopic binary.
package decomp

import "fmt"

// Config holds the decomposition parameters. Smoothing scales and the
// high-pass sigma are in CCF samples; merge widths are in km/s.
type Config struct {
	// HighPass subtracts a Gaussian-smoothed copy of the CCF before fitting.
	HighPass      bool
	HighPassSigma float64

	// Alpha1 and Alpha2 are the log smoothing scales of the two phases.
	Alpha1 float64
	Alpha2 float64
	// TwoPhase enables the residual search at Alpha2.
	TwoPhase bool
	// SNRThresh is the minimum candidate amplitude in units of CCF error, per phase.
	SNRThresh [2]float64

	// MaxComponents caps the number of candidates handed to the fit.
	MaxComponents int
	// MaxIterations caps the BFGS major iterations of a fit.
	MaxIterations int

	MergeAmpRatio   float64
	MergeMaxWidth   float64
	MergeWidthRatio float64
}

// DefaultConfig returns the standard two-phase decomposition settings.
func DefaultConfig() Config {
	return Config{
		HighPass:        true,
		HighPassSigma:   50,
		Alpha1:          0.5,
		Alpha2:          1.5,
		TwoPhase:        true,
		SNRThresh:       [2]float64{4, 4},
		MaxComponents:   10,
		MaxIterations:   500,
		MergeAmpRatio:   0.25,
		MergeMaxWidth:   100,
		MergeWidthRatio: 2,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.HighPass && !(c.HighPassSigma > 0) {
		return fmt.Errorf("high-pass sigma must be positive, got %v", c.HighPassSigma)
	}
	if c.SNRThresh[0] < 0 || c.SNRThresh[1] < 0 {
		return fmt.Errorf("snr thresholds must be non-negative, got %v", c.SNRThresh)
	}
	if c.MaxComponents < 1 {
		return fmt.Errorf("max components must be at least 1, got %d", c.MaxComponents)
	}
	if c.MaxIterations < 1 {
		return fmt.Errorf("max iterations must be at least 1, got %d", c.MaxIterations)
	}
	if c.MergeAmpRatio < 0 || c.MergeMaxWidth <= 0 || c.MergeWidthRatio <= 0 {
		return fmt.Errorf("invalid merge thresholds %v/%v/%v", c.MergeAmpRatio, c.MergeMaxWidth, c.MergeWidthRatio)
	}
	return nil
}
