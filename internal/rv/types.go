// Package rv runs the per-star radial-velocity pipeline: visit gating, the
// joint Doppler fit, CCF decomposition and visit combination, with
// checkpointing so that batch reruns skip finished stars.
package rv

import (
	"errors"
	"fmt"

	"github.com/banshee-data/rvcomb/internal/doppler"
	"github.com/banshee-data/rvcomb/internal/spectra"
)

// State is a step of the per-star pipeline.
type State string

const (
	StatePending    State = "PENDING"
	StateLoaded     State = "LOADED"
	StateBCPrefit   State = "BC_PREFIT"
	StateJointFit   State = "JOINTFIT"
	StateDecomposed State = "DECOMPOSED"
	StateCombined   State = "COMBINED"
	StateDone       State = "DONE"
	StateFailed     State = "FAILED"
)

// Mode selects the fitting variant. It is part of the checkpoint key, so
// results of different modes never shadow each other.
type Mode string

const (
	ModeStandard Mode = "out"
	ModeTweak    Mode = "tweak"
)

// ParseMode validates a mode name. The empty string selects ModeStandard.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeStandard:
		return ModeStandard, nil
	case ModeTweak:
		return ModeTweak, nil
	default:
		return "", fmt.Errorf("unknown processing mode %q (want %q or %q)", s, ModeStandard, ModeTweak)
	}
}

// RunOptions controls a single run.
type RunOptions struct {
	// Overwrite recomputes stars that already have a checkpoint.
	Overwrite bool
	Mode      Mode
}

// VisitRecord is one row of the per-visit RV table. The Est* columns hold the
// estimate the visit arrived with; RV holds this run's fit.
type VisitRecord struct {
	VisitID   string
	ObjectID  string
	Telescope string
	Field     string
	Plate     string
	MJD       int
	Fiber     int
	DateObs   string
	JD        float64
	SNR       float64
	HMag      float64
	StarFlag  spectra.StarFlag

	EstVType   int
	EstVRel    float64
	EstVRelErr float64
	EstVHelio  float64
	EstBC      float64
	EstTeff    float64
	EstLogg    float64
	EstFeH     float64

	RV  spectra.RVEstimate
	CCF spectra.CCF
}

// Rejection records a visit excluded by the quality gate or the RV check.
type Rejection struct {
	VisitID string
	Kind    spectra.Kind
	Reason  string
}

// Summary is the star-level RV record.
type Summary struct {
	StarID    string
	Mode      Mode
	NVisits   int
	NRejected int

	Policy   string
	Range    doppler.VelocityRange
	Estimate float64

	Template spectra.TemplateParams
	Chi2     float64
	VHelio   float64
	VScatter float64
	VErr     float64

	MaxComponents int
	StarFlag      spectra.StarFlag
	AndFlag       spectra.StarFlag
	SNR           float64
	MeanFiber     float64
	SigFiber      float64
}

// StarResult is everything a successful run produces for one star.
type StarResult struct {
	StarID     string
	Key        string
	Mode       Mode
	States     []State
	Summary    Summary
	Visits     []VisitRecord
	Rejections []Rejection
	Combined   *spectra.CombinedSpectrum

	cached bool
}

// Cached reports whether the result was loaded from a checkpoint.
func (r *StarResult) Cached() bool { return r.cached }

// FailureRecord is the terminal failure of a star. It is persisted so that
// reruns without overwrite report it again instead of recomputing.
type FailureRecord struct {
	StarID string
	Key    string
	RunID  string
	State  State
	Kind   spectra.Kind
	Reason string
}

func (f *FailureRecord) Error() string {
	return fmt.Sprintf("star %s failed in %s: %s: %s", f.StarID, f.State, f.Kind, f.Reason)
}

// Unwrap exposes the failure as a tagged error so spectra.IsKind works on it.
func (f *FailureRecord) Unwrap() error {
	return &spectra.Error{Kind: f.Kind, Op: "rv.RunStar", StarID: f.StarID, Err: errors.New(f.Reason)}
}
