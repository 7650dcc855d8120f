package spectra

import (
	"fmt"
	"math"
)

// Segment is one detector segment (chip) of a visit, in the observed frame.
// Sky and telluric arrays are optional; nil means "not available".
type Segment struct {
	Wave        []float64
	Flux        []float64
	Err         []float64
	Mask        []PixelMask
	Sky         []float64
	SkyErr      []float64
	Telluric    []float64
	TelluricErr []float64
}

// Len returns the number of pixels in the segment.
func (s Segment) Len() int { return len(s.Wave) }

// Validate checks array lengths and that the wavelength solution increases.
func (s Segment) Validate() error {
	n := len(s.Wave)
	if n < 2 {
		return fmt.Errorf("segment has %d pixels", n)
	}
	if len(s.Flux) != n || len(s.Err) != n {
		return fmt.Errorf("flux/err length %d/%d does not match wave length %d", len(s.Flux), len(s.Err), n)
	}
	if s.Mask != nil && len(s.Mask) != n {
		return fmt.Errorf("mask length %d does not match wave length %d", len(s.Mask), n)
	}
	for _, a := range [][]float64{s.Sky, s.SkyErr, s.Telluric, s.TelluricErr} {
		if a != nil && len(a) != n {
			return fmt.Errorf("auxiliary array length %d does not match wave length %d", len(a), n)
		}
	}
	for i := 1; i < n; i++ {
		if !(s.Wave[i] > s.Wave[i-1]) {
			return fmt.Errorf("wavelength not increasing at pixel %d", i)
		}
	}
	return nil
}

// Estimate is the prior RV estimate a visit carries from the visit-level
// reduction. The orchestrator moves it into the "estimated" namespace of the
// RV table before writing fresh fit results.
type Estimate struct {
	VType   int
	VRel    float64
	VRelErr float64
	VHelio  float64
	BC      float64
	Teff    float64
	Logg    float64
	FeH     float64
}

// VisitSpectrum is one epoch's extracted spectrum of a star.
type VisitSpectrum struct {
	ObjectID  string
	VisitID   string
	Telescope string
	Field     string
	Plate     string
	MJD       int
	Fiber     int
	DateObs   string
	JD        float64
	Survey    string

	BC       float64
	SNR      float64
	HMag     float64
	StarFlag StarFlag
	Targets  [4]uint64

	Segments []Segment
	Prior    Estimate
}

// Validate checks that the visit can be processed numerically.
func (v VisitSpectrum) Validate() error {
	if len(v.Segments) == 0 {
		return fmt.Errorf("visit %s has no segments", v.VisitID)
	}
	for i, s := range v.Segments {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("visit %s segment %d: %w", v.VisitID, i, err)
		}
	}
	if math.IsNaN(v.BC) || math.IsInf(v.BC, 0) {
		return fmt.Errorf("visit %s has non-finite barycentric correction", v.VisitID)
	}
	return nil
}

// TemplateParams identifies a model spectrum in the template library.
type TemplateParams struct {
	Teff float64
	Logg float64
	FeH  float64
}

func (p TemplateParams) String() string {
	return fmt.Sprintf("teff=%.0f logg=%.2f feh=%.2f", p.Teff, p.Logg, p.FeH)
}
