package spectra

import (
	"errors"
	"fmt"
)

// Kind classifies pipeline errors so callers can branch without inspecting
// message text.
type Kind int

const (
	KindUnknown Kind = iota
	// KindQualityReject: a visit failed the selection gate. Non-fatal.
	KindQualityReject
	// KindVelocityMismatch: joint-fit and CCF velocities disagree. Recorded as a
	// visit rejection and quality flag, never returned as a star failure.
	KindVelocityMismatch
	// KindNumericalFit: an optimisation or decomposition failed numerically.
	KindNumericalFit
	// KindMissingCalibration: a template or wavelength solution is absent.
	KindMissingCalibration
	// KindNoVisits: nothing usable remained after gating or RV rejection.
	KindNoVisits
)

func (k Kind) String() string {
	switch k {
	case KindQualityReject:
		return "quality_reject"
	case KindVelocityMismatch:
		return "velocity_mismatch"
	case KindNumericalFit:
		return "numerical_fit_failure"
	case KindMissingCalibration:
		return "missing_calibration"
	case KindNoVisits:
		return "no_visits"
	default:
		return "unknown"
	}
}

// ParseKind maps the String form back to a Kind.
func ParseKind(s string) Kind {
	for k := KindQualityReject; k <= KindNoVisits; k++ {
		if k.String() == s {
			return k
		}
	}
	return KindUnknown
}

// Error is a tagged pipeline error.
type Error struct {
	Kind    Kind
	Op      string
	StarID  string
	VisitID string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.StarID != "" {
		msg += " star=" + e.StarID
	}
	if e.VisitID != "" {
		msg += " visit=" + e.VisitID
	}
	msg = fmt.Sprintf("%s: %s", msg, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a tagged error with a formatted cause.
func Errorf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
