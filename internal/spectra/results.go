package spectra

import "math"

// Quality is the RV classification of one visit.
type Quality int

const (
	QualityGood Quality = iota
	QualitySuspect
	QualityReject
)

func (q Quality) String() string {
	switch q {
	case QualitySuspect:
		return "suspect"
	case QualityReject:
		return "reject"
	default:
		return "good"
	}
}

// CCF is a cross-correlation function sampled on a velocity axis (km/s).
type CCF struct {
	Velocity []float64
	Value    []float64
	Err      []float64
}

// Len returns the number of samples.
func (c CCF) Len() int { return len(c.Velocity) }

// CCFComponent is one Gaussian velocity component of a CCF.
type CCFComponent struct {
	Amplitude float64
	FWHM      float64
	Center    float64
}

// MaxRVComponents is the number of component velocities kept per visit.
const MaxRVComponents = 3

// RVEstimate is the complete per-visit fit result.
type RVEstimate struct {
	VisitID      string
	VRel         float64
	VRelErr      float64
	VHelio       float64
	BC           float64
	XCorrVRel    float64
	XCorrVRelErr float64
	XCorrVHelio  float64
	Template     TemplateParams
	Chi2         float64
	NComponents  int
	Components   []CCFComponent
	RVComponents [MaxRVComponents]float64
	Quality      Quality
}

// NewRVEstimate returns an estimate with every velocity column set to NaN and
// NComponents = -1, the state of a visit that has not been fit.
func NewRVEstimate(visitID string) RVEstimate {
	nan := math.NaN()
	return RVEstimate{
		VisitID:      visitID,
		VRel:         nan,
		VRelErr:      nan,
		VHelio:       nan,
		BC:           nan,
		XCorrVRel:    nan,
		XCorrVRelErr: nan,
		XCorrVHelio:  nan,
		Template:     TemplateParams{Teff: nan, Logg: nan, FeH: nan},
		Chi2:         nan,
		NComponents:  -1,
		RVComponents: [MaxRVComponents]float64{nan, nan, nan},
	}
}

// VisitRow is one visit resampled onto the rest-frame grid. Flux and Err are
// in the visit's own flux scale (continuum multiplied back in).
type VisitRow struct {
	VisitID     string
	Flux        []float64
	Err         []float64
	Mask        []PixelMask
	Sky         []float64
	SkyErr      []float64
	Telluric    []float64
	TelluricErr []float64
	Cont        []float64
	Defined     []bool
}

// VisitInfo is the per-visit bookkeeping recorded with a combined spectrum.
type VisitInfo struct {
	Index    int
	VisitID  string
	DateObs  string
	JD       float64
	Fiber    int
	BC       float64
	VRel     float64
	SNR      float64
	StarFlag StarFlag
}

// Header summarises the visits that went into a combined spectrum.
type Header struct {
	ObjectID  string
	Field     string
	NVisits   int
	StarFlag  StarFlag
	AndFlag   StarFlag
	Targets   [4]uint64
	SNR       float64
	MeanFiber float64
	SigFiber  float64
	NRes      []float64
	Visits    []VisitInfo
}

// CombinedSpectrum is the rest-frame combination of a star's visits.
type CombinedSpectrum struct {
	Grid            Grid
	BarycentricOnly bool
	Flux            []float64
	Err             []float64
	Mask            []PixelMask
	Cont            []float64
	Template        []float64
	Normalized      []float64
	Visits          []VisitRow
	Header          Header
}
