package doppler

import (
	"context"
	"math"

	"github.com/banshee-data/rvcomb/internal/monitoring"
	"github.com/banshee-data/rvcomb/internal/spectra"
	"github.com/banshee-data/rvcomb/internal/stack"
)

// Selection is the outcome of the velocity-window policy.
type Selection struct {
	Range  VelocityRange
	Policy Policy
	// Estimate is the systemic heliocentric velocity from the
	// barycentric-only pre-fit; NaN unless Policy is PolicyLowSNR.
	Estimate float64
	// BarycentricOnly is set when the pre-fit combination was attempted.
	BarycentricOnly bool
}

// SelectVelocityRange chooses the search window for a star.
//
// With more than one visit below the low-S/N cutoff, making up more than the
// configured fraction of the visits, the visits are first combined using the
// barycentric correction alone and that spectrum is fit over ±PrefitWindow;
// the window becomes the resulting systemic velocity ±PrefitHalfWidth, or
// ±PrefitWindow when the pre-fit fails. Otherwise faint stars get
// ±FaintWindow and the rest ±StandardWindow.
func (e *Engine) SelectVelocityRange(ctx context.Context, visits []spectra.VisitSpectrum) (Selection, error) {
	if err := ctx.Err(); err != nil {
		return Selection{}, err
	}
	sel := Selection{Estimate: math.NaN()}
	if len(visits) == 0 {
		return sel, spectra.Errorf(spectra.KindNoVisits, "doppler.SelectVelocityRange", "no visits")
	}

	low := 0
	maxH := math.Inf(-1)
	for _, v := range visits {
		if v.SNR < e.cfg.LowSNRCutoff {
			low++
		}
		if v.HMag > maxH {
			maxH = v.HMag
		}
	}

	switch {
	case low >= e.cfg.MinLowSNRVisits && float64(low)/float64(len(visits)) > e.cfg.LowSNRFraction:
		sel.BarycentricOnly = true
		est, err := e.prefit(ctx, visits)
		if err != nil {
			if ctx.Err() != nil {
				return Selection{}, ctx.Err()
			}
			monitoring.Logf("[doppler] barycentric pre-fit failed for %s: %v", visits[0].ObjectID, err)
			sel.Policy = PolicyLowSNRFallback
			sel.Range = Symmetric(e.cfg.PrefitWindow)
			return sel, nil
		}
		sel.Policy = PolicyLowSNR
		sel.Estimate = est
		sel.Range = Around(est, e.cfg.PrefitHalfWidth)
	case maxH > e.cfg.FaintHMag:
		sel.Policy = PolicyFaint
		sel.Range = Symmetric(e.cfg.FaintWindow)
	default:
		sel.Policy = PolicyStandard
		sel.Range = Symmetric(e.cfg.StandardWindow)
	}
	return sel, nil
}

// prefit combines the visits in the barycentric frame and fits the result as
// a single spectrum. The fitted velocity of that spectrum is heliocentric.
func (e *Engine) prefit(ctx context.Context, visits []spectra.VisitSpectrum) (float64, error) {
	cfg := e.cfg.Stack
	cfg.Grid = e.cfg.Grid
	cfg.BarycentricOnly = true
	cfg.Diagnostics = nil
	comb, err := stack.Combine(visits, nil, cfg)
	if err != nil {
		return math.NaN(), err
	}
	single := combinedAsVisit(comb, visits[0].ObjectID+"/bc")
	_, fits, err := e.JointFit(ctx, []spectra.VisitSpectrum{single}, Symmetric(e.cfg.PrefitWindow))
	if err != nil {
		return math.NaN(), err
	}
	return fits[0].VRel, nil
}

// combinedAsVisit wraps a combined row as a single-segment visit at rest
// with zero barycentric correction.
func combinedAsVisit(c *spectra.CombinedSpectrum, id string) spectra.VisitSpectrum {
	return spectra.VisitSpectrum{
		ObjectID: c.Header.ObjectID,
		VisitID:  id,
		SNR:      c.Header.SNR,
		Segments: []spectra.Segment{{
			Wave: c.Grid.Wave(),
			Flux: c.Flux,
			Err:  c.Err,
			Mask: c.Mask,
		}},
	}
}
