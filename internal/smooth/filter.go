// Package smooth implements the one-dimensional median and Gaussian filters
// used to estimate spectral continua and high-pass filter CCFs.
package smooth

import (
	"math"
	"sort"
)

// Mode selects how a filter extends the input beyond its edges.
type Mode int

const (
	// Reflect mirrors about the outer edge of the last pixel: (d c b a | a b c d | d c b a).
	Reflect Mode = iota
	// Nearest repeats the edge pixel: (a a a a | a b c d | d d d d).
	Nearest
)

// Truncate is the Gaussian kernel half-width in units of sigma.
const Truncate = 4.0

// index maps a possibly out-of-range position into [0, n).
func index(i, n int, mode Mode) int {
	if i >= 0 && i < n {
		return i
	}
	if mode == Nearest {
		if i < 0 {
			return 0
		}
		return n - 1
	}
	period := 2 * n
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - i - 1
	}
	return i
}

// Median returns the running median of x over a window of size samples.
// Even sizes are rounded up. NaN samples are ignored; a window with no finite
// samples yields NaN.
func Median(x []float64, size int, mode Mode) []float64 {
	n := len(x)
	out := make([]float64, n)
	if n == 0 {
		return out
	}
	if size <= 1 {
		copy(out, x)
		return out
	}
	if size%2 == 0 {
		size++
	}
	half := size / 2

	window := make([]float64, 0, size)
	insert := func(v float64) {
		if math.IsNaN(v) {
			return
		}
		j := sort.SearchFloat64s(window, v)
		window = append(window, 0)
		copy(window[j+1:], window[j:])
		window[j] = v
	}
	remove := func(v float64) {
		if math.IsNaN(v) {
			return
		}
		j := sort.SearchFloat64s(window, v)
		if j < len(window) && window[j] == v {
			window = append(window[:j], window[j+1:]...)
		}
	}

	for k := -half; k <= half; k++ {
		insert(x[index(k, n, mode)])
	}
	for i := 0; i < n; i++ {
		out[i] = sortedMedian(window)
		if i+1 < n {
			remove(x[index(i-half, n, mode)])
			insert(x[index(i+half+1, n, mode)])
		}
	}
	return out
}

func sortedMedian(s []float64) float64 {
	m := len(s)
	switch {
	case m == 0:
		return math.NaN()
	case m%2 == 1:
		return s[m/2]
	default:
		return 0.5 * (s[m/2-1] + s[m/2])
	}
}

// Kernel returns the normalised Gaussian weights for sigma, of length
// 2*radius+1 with radius = int(Truncate*sigma + 0.5).
func Kernel(sigma float64) []float64 {
	radius := int(Truncate*sigma + 0.5)
	k := make([]float64, 2*radius+1)
	var sum float64
	for i := range k {
		d := float64(i - radius)
		k[i] = math.Exp(-0.5 * d * d / (sigma * sigma))
		sum += k[i]
	}
	for i := range k {
		k[i] /= sum
	}
	return k
}

// Gaussian convolves x with a normalised Gaussian of the given sigma
// (in samples). A non-positive sigma returns a copy of x.
func Gaussian(x []float64, sigma float64, mode Mode) []float64 {
	n := len(x)
	out := make([]float64, n)
	if n == 0 || !(sigma > 0) {
		copy(out, x)
		return out
	}
	k := Kernel(sigma)
	radius := len(k) / 2
	for i := 0; i < n; i++ {
		var acc float64
		for j, w := range k {
			acc += w * x[index(i+j-radius, n, mode)]
		}
		out[i] = acc
	}
	return out
}

// HighPass subtracts a Gaussian-smoothed copy (nearest edges) from x.
func HighPass(x []float64, sigma float64) []float64 {
	low := Gaussian(x, sigma, Nearest)
	out := make([]float64, len(x))
	for i := range x {
		out[i] = x[i] - low[i]
	}
	return out
}

// Continuum estimates a smooth continuum: a running median of width size
// followed by a Gaussian of the given sigma, both with reflected edges. NaN
// samples are treated as missing and receive the interpolated continuum.
func Continuum(x []float64, size int, sigma float64) []float64 {
	return Gaussian(FillNaN(Median(x, size, Reflect)), sigma, Reflect)
}

// FillNaN returns a copy of x with each NaN replaced by the nearest finite
// sample (ties resolved to the left). An all-NaN input is returned unchanged.
func FillNaN(x []float64) []float64 {
	out := make([]float64, len(x))
	copy(out, x)
	last := -1
	for i, v := range out {
		if math.IsNaN(v) {
			continue
		}
		if last < 0 {
			for k := 0; k < i; k++ {
				out[k] = v
			}
		} else {
			for k := last + 1; k < i; k++ {
				if k-last <= i-k {
					out[k] = out[last]
				} else {
					out[k] = v
				}
			}
		}
		last = i
	}
	if last >= 0 {
		for k := last + 1; k < len(out); k++ {
			out[k] = out[last]
		}
	}
	return out
}

// MedianOf returns the median of the finite values in x, averaging the two
// middle values for an even count. It returns NaN when x has no finite value.
func MedianOf(x []float64) float64 {
	s := make([]float64, 0, len(x))
	for _, v := range x {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			s = append(s, v)
		}
	}
	sort.Float64s(s)
	return sortedMedian(s)
}
