package spectra

import (
	"fmt"
	"math"
)

// Default rest-frame grid shared by every star of a run.
const (
	DefaultLogW0 = 4.179
	DefaultDLogW = 6e-6
	DefaultNWave = 8575
)

// Grid is a log10-linear wavelength axis: wave[i] = 10^(LogW0 + i*DLogW).
type Grid struct {
	LogW0 float64 `json:"log_w0"`
	DLogW float64 `json:"dlog_w"`
	N     int     `json:"n"`
}

// DefaultGrid returns the standard rest-frame grid.
func DefaultGrid() Grid {
	return Grid{LogW0: DefaultLogW0, DLogW: DefaultDLogW, N: DefaultNWave}
}

// Validate checks the grid parameters.
func (g Grid) Validate() error {
	if g.N <= 1 {
		return fmt.Errorf("grid must have more than one pixel, got %d", g.N)
	}
	if !(g.DLogW > 0) || math.IsInf(g.DLogW, 0) {
		return fmt.Errorf("grid step must be positive, got %v", g.DLogW)
	}
	if math.IsNaN(g.LogW0) || math.IsInf(g.LogW0, 0) {
		return fmt.Errorf("grid origin must be finite, got %v", g.LogW0)
	}
	return nil
}

// Wave returns the wavelength of every grid pixel.
func (g Grid) Wave() []float64 {
	w := make([]float64, g.N)
	for i := range w {
		w[i] = g.WaveAt(float64(i))
	}
	return w
}

// WaveAt returns the wavelength at a fractional pixel position.
func (g Grid) WaveAt(pix float64) float64 {
	return math.Pow(10, g.LogW0+pix*g.DLogW)
}

// PixAt returns the fractional pixel position of wavelength w.
func (g Grid) PixAt(w float64) float64 {
	return (math.Log10(w) - g.LogW0) / g.DLogW
}
