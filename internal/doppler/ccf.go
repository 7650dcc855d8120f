package doppler

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/rvcomb/internal/spectra"
	"github.com/banshee-data/rvcomb/internal/units"
)

// crossCorrelate correlates the visit's rest-grid absorption depth with the
// template depth over every integer lag whose velocity lies in [vmin, vmax].
// Values are normalised by the depth norms so a perfect match peaks near 1;
// the error at each lag is 1/sqrt(overlapping pixels).
func crossCorrelate(p *prepared, tdepth []float64, dlogw, vmin, vmax float64) spectra.CCF {
	n := len(tdepth)
	lo := int(math.Ceil(units.VelocityToLag(vmin, dlogw)))
	hi := int(math.Floor(units.VelocityToLag(vmax, dlogw)))
	if lo < -(n - 1) {
		lo = -(n - 1)
	}
	if hi > n-1 {
		hi = n - 1
	}
	var c spectra.CCF
	if hi < lo {
		return c
	}

	var so, st float64
	for j := 0; j < n; j++ {
		if p.valid[j] {
			so += p.depth[j] * p.depth[j]
		}
		st += tdepth[j] * tdepth[j]
	}
	norm := math.Sqrt(so * st)

	c.Velocity = make([]float64, 0, hi-lo+1)
	c.Value = make([]float64, 0, hi-lo+1)
	c.Err = make([]float64, 0, hi-lo+1)
	for lag := lo; lag <= hi; lag++ {
		var sum float64
		count := 0
		for j := 0; j < n; j++ {
			k := j + lag
			if k < 0 || k >= n || !p.valid[k] {
				continue
			}
			sum += p.depth[k] * tdepth[j]
			count++
		}
		val, er := 0.0, 1.0
		if count > 0 && norm > 0 {
			val = sum / norm
			er = 1 / math.Sqrt(float64(count))
		}
		c.Velocity = append(c.Velocity, units.LagToVelocity(float64(lag), dlogw))
		c.Value = append(c.Value, val)
		c.Err = append(c.Err, er)
	}
	return c
}

// ccfPeak refines the CCF maximum with a least-squares parabola through the
// five samples around it. It returns the peak velocity, its uncertainty (the
// offset at which the parabola drops by one CCF error) and the peak value.
func ccfPeak(c spectra.CCF, dlogw float64) (v, verr, peak float64) {
	n := c.Len()
	if n == 0 {
		return math.NaN(), math.NaN(), math.NaN()
	}
	imax := floats.MaxIdx(c.Value)
	pixVel := units.VelocityPerPixel(dlogw)
	lo, hi := imax-2, imax+2
	if lo < 0 {
		lo = 0
	}
	if hi > n-1 {
		hi = n - 1
	}
	m := hi - lo + 1
	if m < 3 {
		return c.Velocity[imax], pixVel, c.Value[imax]
	}

	a := mat.NewDense(m, 3, nil)
	b := mat.NewVecDense(m, nil)
	for r := 0; r < m; r++ {
		x := float64(lo + r - imax)
		a.Set(r, 0, 1)
		a.Set(r, 1, x)
		a.Set(r, 2, x*x)
		b.SetVec(r, c.Value[lo+r])
	}
	var coef mat.VecDense
	if err := coef.SolveVec(a, b); err != nil {
		return c.Velocity[imax], pixVel, c.Value[imax]
	}
	c0, c1, c2 := coef.AtVec(0), coef.AtVec(1), coef.AtVec(2)
	if !(c2 < 0) {
		return c.Velocity[imax], pixVel, c.Value[imax]
	}
	off := -c1 / (2 * c2)
	if off < -1 {
		off = -1
	} else if off > 1 {
		off = 1
	}
	lag := units.VelocityToLag(c.Velocity[imax], dlogw) + off
	v = units.LagToVelocity(lag, dlogw)
	verr = pixVel * math.Sqrt(c.Err[imax]/-c2)
	peak = c0 + c1*off + c2*off*off
	return v, verr, peak
}
