package doppler

import (
	"fmt"
	"math"

	"github.com/banshee-data/rvcomb/internal/spectra"
	"github.com/banshee-data/rvcomb/internal/stack"
)

// VelocityRange bounds the velocity search, in km/s. When Heliocentric is
// set the bounds apply to VRel+BC of each visit; otherwise to VRel.
type VelocityRange struct {
	Min          float64
	Max          float64
	Heliocentric bool
}

// Symmetric returns the range [-half, half].
func Symmetric(half float64) VelocityRange {
	return VelocityRange{Min: -half, Max: half}
}

// Around returns the heliocentric range center±half.
func Around(center, half float64) VelocityRange {
	return VelocityRange{Min: center - half, Max: center + half, Heliocentric: true}
}

// ForVisit converts the range to relative-velocity bounds for a visit with
// barycentric correction bc.
func (r VelocityRange) ForVisit(bc float64) (lo, hi float64) {
	if r.Heliocentric {
		return r.Min - bc, r.Max - bc
	}
	return r.Min, r.Max
}

// Width returns Max-Min.
func (r VelocityRange) Width() float64 { return r.Max - r.Min }

func (r VelocityRange) String() string {
	frame := "vrel"
	if r.Heliocentric {
		frame = "vhelio"
	}
	return fmt.Sprintf("%s in [%.1f, %.1f]", frame, r.Min, r.Max)
}

func (r VelocityRange) validate() error {
	if math.IsNaN(r.Min) || math.IsNaN(r.Max) || !(r.Max > r.Min) {
		return fmt.Errorf("invalid velocity range %v", r)
	}
	return nil
}

// Policy names the rule that chose a star's velocity window.
type Policy int

const (
	PolicyStandard Policy = iota
	PolicyFaint
	PolicyLowSNR
	PolicyLowSNRFallback
)

func (p Policy) String() string {
	switch p {
	case PolicyFaint:
		return "faint"
	case PolicyLowSNR:
		return "low_snr"
	case PolicyLowSNRFallback:
		return "low_snr_fallback"
	default:
		return "standard"
	}
}

// Config holds the tunable constants of the engine.
type Config struct {
	Grid spectra.Grid

	ContinuumMedian int
	ContinuumSigma  float64

	// IgnoreMask zeroes the fit weight of pixels carrying any of these bits.
	IgnoreMask spectra.PixelMask

	// Velocity-window policy.
	LowSNRCutoff    float64
	LowSNRFraction  float64
	// MinLowSNRVisits is the smallest low-SNR count that can trigger the
	// barycentric pre-fit. Set it to 2 to ignore a lone low-SNR visit.
	MinLowSNRVisits int
	FaintHMag       float64
	StandardWindow  float64
	FaintWindow     float64
	PrefitWindow    float64
	PrefitHalfWidth float64

	// CombinedFitWindow bounds the diagnostic fit of a combined spectrum.
	CombinedFitWindow float64

	// Classification thresholds.
	TeffSplit         float64
	RejectCool        float64
	RejectHot         float64
	VelocityTolerance float64

	// Tweak fits a linear continuum correction with every model evaluation.
	Tweak bool

	// Windows restricts the fit to observed-frame wavelength intervals.
	Windows [][2]float64

	// MaxEvaluations caps chi-square evaluations per velocity refinement.
	MaxEvaluations int

	// Stack is used for the barycentric-only pre-fit combination.
	Stack stack.Config
}

// DefaultConfig returns the standard engine settings.
func DefaultConfig() Config {
	return Config{
		Grid:              spectra.DefaultGrid(),
		ContinuumMedian:   501,
		ContinuumSigma:    100,
		IgnoreMask:        spectra.PixelBadMask | spectra.PixSigSkyline | spectra.PixLittrowGhost,
		LowSNRCutoff:      10,
		LowSNRFraction:    0.1,
		MinLowSNRVisits:   1,
		FaintHMag:         13.5,
		StandardWindow:    1000,
		FaintWindow:       500,
		PrefitWindow:      500,
		PrefitHalfWidth:   50,
		CombinedFitWindow: 50,
		TeffSplit:         6000,
		RejectCool:        10,
		RejectHot:         50,
		VelocityTolerance: 0,
		MaxEvaluations:    200,
		Stack:             stack.DefaultConfig(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := c.Grid.Validate(); err != nil {
		return err
	}
	if c.ContinuumMedian < 1 {
		return fmt.Errorf("continuum median width must be at least 1, got %d", c.ContinuumMedian)
	}
	for name, v := range map[string]float64{
		"standard_window": c.StandardWindow, "faint_window": c.FaintWindow,
		"prefit_window": c.PrefitWindow, "prefit_half_width": c.PrefitHalfWidth,
		"combined_fit_window": c.CombinedFitWindow,
	} {
		if !(v > 0) {
			return fmt.Errorf("%s must be positive, got %v", name, v)
		}
	}
	if c.RejectCool < 0 || c.RejectHot < 0 || c.VelocityTolerance < 0 {
		return fmt.Errorf("classification thresholds must be non-negative")
	}
	if c.LowSNRFraction < 0 || c.LowSNRFraction > 1 {
		return fmt.Errorf("low_snr_fraction must be between 0 and 1, got %v", c.LowSNRFraction)
	}
	st := c.Stack
	st.Grid = c.Grid
	if err := st.Validate(); err != nil {
		return fmt.Errorf("stack: %w", err)
	}
	for i, w := range c.Windows {
		if !(w[1] > w[0]) {
			return fmt.Errorf("spectral window %d is empty: %v", i, w)
		}
	}
	return nil
}

func (c Config) inWindows(w float64) bool {
	if len(c.Windows) == 0 {
		return true
	}
	for _, win := range c.Windows {
		if w >= win[0] && w <= win[1] {
			return true
		}
	}
	return false
}
