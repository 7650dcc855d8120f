// Package units provides shared constants and conversions for radial velocities
// and log-linear wavelength axes.
package units

import "math"

// SpeedOfLight is c in km/s. All velocities in this module are km/s.
const SpeedOfLight = 2.99792458e5

// DopplerFactor returns (1 + v/c), the factor that maps a rest wavelength to
// the wavelength observed from a source receding at v km/s.
func DopplerFactor(v float64) float64 {
	return 1.0 + v/SpeedOfLight
}

// ShiftWave returns wave scaled by DopplerFactor(v) into a new slice.
func ShiftWave(wave []float64, v float64) []float64 {
	f := DopplerFactor(v)
	out := make([]float64, len(wave))
	for i, w := range wave {
		out[i] = w * f
	}
	return out
}

// RestWave converts an observed wavelength back to the rest frame of a source
// moving at v km/s.
func RestWave(observed, v float64) float64 {
	return observed / DopplerFactor(v)
}

// VelocityPerPixel returns the velocity width of one pixel on a log10-linear
// wavelength axis with step dlogw.
func VelocityPerPixel(dlogw float64) float64 {
	return SpeedOfLight * (math.Pow(10, dlogw) - 1)
}

// LagToVelocity converts a (possibly fractional) pixel lag on a log10-linear
// axis into a velocity.
func LagToVelocity(lag, dlogw float64) float64 {
	return SpeedOfLight * (math.Pow(10, lag*dlogw) - 1)
}

// VelocityToLag is the inverse of LagToVelocity.
func VelocityToLag(v, dlogw float64) float64 {
	return math.Log10(DopplerFactor(v)) / dlogw
}
