package doppler

import (
	"math"

	"github.com/banshee-data/rvcomb/internal/spectra"
)

// Classify compares the chi-square and cross-correlation heliocentric
// velocities of a visit. The disagreement threshold is RejectCool below
// TeffSplit and RejectHot at or above it: a larger difference rejects the
// visit, any difference above VelocityTolerance marks it suspect. A visit
// with a non-finite velocity is rejected.
func Classify(teff, vhelio, xcorrVhelio float64, cfg Config) spectra.Quality {
	d := math.Abs(vhelio - xcorrVhelio)
	if math.IsNaN(d) || math.IsInf(d, 0) {
		return spectra.QualityReject
	}
	threshold := cfg.RejectHot
	if teff < cfg.TeffSplit {
		threshold = cfg.RejectCool
	}
	switch {
	case d > threshold:
		return spectra.QualityReject
	case d > cfg.VelocityTolerance:
		return spectra.QualitySuspect
	default:
		return spectra.QualityGood
	}
}
