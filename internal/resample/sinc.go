// Package resample maps spectra between wavelength axes with a damped-sinc
// kernel. Values, variances and mask bits are propagated separately so that
// uncertainties never shrink and mask contamination can be thresholded.
package resample

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/rvcomb/internal/spectra"
)

// KernelShape returns the half-width (in input pixels) and Gaussian damping
// length of the damped-sinc kernel for a resolution element of nres pixels.
func KernelShape(nres float64) (half int, damp float64) {
	damp = 3.25 * nres / 2
	size := int(21 * nres / 2)
	if size%2 == 0 {
		size++
	}
	return size / 2, damp
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	px := math.Pi * x
	return math.Sin(px) / px
}

// WaveToPix returns the fractional position of every wavelength in wave on
// the increasing axis ref, by linear interpolation between neighbouring
// pixels. Wavelengths outside [ref[0], ref[len-1]] map to NaN.
func WaveToPix(ref, wave []float64) []float64 {
	n := len(ref)
	out := make([]float64, len(wave))
	for i, w := range wave {
		if n < 2 || math.IsNaN(w) || w < ref[0] || w > ref[n-1] {
			out[i] = math.NaN()
			continue
		}
		j := sort.SearchFloat64s(ref, w)
		if j < n && ref[j] == w {
			out[i] = float64(j)
			continue
		}
		// ref[j-1] < w < ref[j]
		out[i] = float64(j-1) + (w-ref[j-1])/(ref[j]-ref[j-1])
	}
	return out
}

// Interpolator holds precomputed kernel weights for one set of destination
// positions on an input axis of fixed length.
type Interpolator struct {
	n       int
	start   []int
	weights [][]float64
}

// NewInterpolator builds kernel weights for destination positions pix
// (fractional input pixels, NaN for undefined) on an input axis of n pixels.
// Kernels are truncated at the axis edges and renormalised.
func NewInterpolator(pix []float64, n int, nres float64) *Interpolator {
	half, damp := KernelShape(nres)
	it := &Interpolator{
		n:       n,
		start:   make([]int, len(pix)),
		weights: make([][]float64, len(pix)),
	}
	for j, p := range pix {
		if math.IsNaN(p) || p < 0 || p > float64(n-1) {
			continue
		}
		c := int(math.Round(p))
		lo, hi := c-half, c+half
		if lo < 0 {
			lo = 0
		}
		if hi > n-1 {
			hi = n - 1
		}
		w := make([]float64, hi-lo+1)
		for i := lo; i <= hi; i++ {
			u := float64(i) - p
			w[i-lo] = math.Exp(-(u/damp)*(u/damp)) * sinc(u)
		}
		if floats.Sum(w) == 0 {
			continue
		}
		it.start[j] = lo
		it.weights[j] = w
	}
	return it
}

// Len returns the number of destination pixels.
func (it *Interpolator) Len() int { return len(it.weights) }

// Defined reports whether destination pixel j has kernel support.
func (it *Interpolator) Defined(j int) bool { return it.weights[j] != nil }

// Values interpolates y. Undefined destination pixels are NaN.
func (it *Interpolator) Values(y []float64) []float64 {
	out := make([]float64, len(it.weights))
	for j, w := range it.weights {
		if w == nil {
			out[j] = math.NaN()
			continue
		}
		seg := y[it.start[j] : it.start[j]+len(w)]
		out[j] = floats.Dot(w, seg) / floats.Sum(w)
	}
	return out
}

// Variances propagates input variances as the |kernel|-weighted mean, so an
// output variance always lies within the range of the contributing inputs.
func (it *Interpolator) Variances(v []float64) []float64 {
	out := make([]float64, len(it.weights))
	for j, w := range it.weights {
		if w == nil {
			out[j] = math.NaN()
			continue
		}
		var num, den float64
		for k, wk := range w {
			a := math.Abs(wk)
			num += a * v[it.start[j]+k]
			den += a
		}
		out[j] = num / den
	}
	return out
}

// Errors is Variances applied to 1-sigma uncertainties.
func (it *Interpolator) Errors(e []float64) []float64 {
	v := make([]float64, len(e))
	for i, x := range e {
		v[i] = x * x
	}
	out := it.Variances(v)
	for i, x := range out {
		out[i] = math.Sqrt(x)
	}
	return out
}

// Mask resamples a bitmask. For every bit present in the input the 0/1
// indicator is interpolated; the output carries the bit when the absolute
// contamination fraction strictly exceeds threshold[bit]. Undefined
// destination pixels are left at zero.
func (it *Interpolator) Mask(mask []spectra.PixelMask, threshold [spectra.PixelBits]float64) []spectra.PixelMask {
	out := make([]spectra.PixelMask, len(it.weights))
	if mask == nil {
		return out
	}
	var present spectra.PixelMask
	for _, m := range mask {
		present |= m
	}
	ind := make([]float64, len(mask))
	for b := 0; b < spectra.PixelBits; b++ {
		bit := spectra.PixelMask(1) << uint(b)
		if present&bit == 0 {
			continue
		}
		for i, m := range mask {
			if m&bit != 0 {
				ind[i] = 1
			} else {
				ind[i] = 0
			}
		}
		frac := it.Values(ind)
		for j, f := range frac {
			if !math.IsNaN(f) && math.Abs(f) > threshold[b] {
				out[j] |= bit
			}
		}
	}
	return out
}
