package resample

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rvcomb/internal/spectra"
)

func TestKernelShape(t *testing.T) {
	tests := []struct {
		nres     float64
		wantHalf int
		wantDamp float64
	}{
		{5, 26, 8.125},
		{4.25, 22, 6.90625},
		{3.5, 18, 5.6875},
	}
	for _, tt := range tests {
		half, damp := KernelShape(tt.nres)
		assert.Equal(t, tt.wantHalf, half, "nres %v", tt.nres)
		assert.InDelta(t, tt.wantDamp, damp, 1e-12)
	}
}

func TestWaveToPix(t *testing.T) {
	ref := []float64{10, 11, 13, 16}
	got := WaveToPix(ref, []float64{10, 10.5, 12, 16, 9.9, 16.1, 13})
	assert.Equal(t, 0.0, got[0])
	assert.InDelta(t, 0.5, got[1], 1e-12)
	assert.InDelta(t, 1.5, got[2], 1e-12)
	assert.Equal(t, 3.0, got[3])
	assert.True(t, math.IsNaN(got[4]))
	assert.True(t, math.IsNaN(got[5]))
	assert.Equal(t, 2.0, got[6])
}

func linearPix(n int) []float64 {
	p := make([]float64, n)
	for i := range p {
		p[i] = float64(i)
	}
	return p
}

func TestInterpolator_IdentityPositions(t *testing.T) {
	const n = 200
	y := make([]float64, n)
	v := make([]float64, n)
	for i := range y {
		y[i] = 1 + 0.3*math.Sin(float64(i)/7)
		v[i] = 0.01 * (1 + float64(i%5))
	}
	it := NewInterpolator(linearPix(n), n, 5)
	require.Equal(t, n, it.Len())

	vals := it.Values(y)
	vars := it.Variances(v)
	for i := 0; i < n; i++ {
		require.True(t, it.Defined(i))
		assert.InDelta(t, y[i], vals[i], 1e-12, "flux pixel %d", i)
		assert.InDelta(t, v[i], vars[i], 1e-12, "variance pixel %d", i)
	}
}

func TestInterpolator_SmoothSignalAtHalfPixel(t *testing.T) {
	const n = 300
	y := make([]float64, n)
	for i := range y {
		y[i] = math.Sin(2 * math.Pi * float64(i) / 40)
	}
	pix := []float64{100.5, 150.25, 200.75}
	got := NewInterpolator(pix, n, 5).Values(y)
	for j, p := range pix {
		assert.InDelta(t, math.Sin(2*math.Pi*p/40), got[j], 2e-3)
	}
}

func TestInterpolator_VarianceNeverBelowInputs(t *testing.T) {
	const n = 120
	v := make([]float64, n)
	for i := range v {
		v[i] = 0.04
	}
	got := NewInterpolator([]float64{10.3, 60.5, 118.9}, n, 4.25).Variances(v)
	for _, x := range got {
		assert.InDelta(t, 0.04, x, 1e-12)
	}
}

func TestInterpolator_Undefined(t *testing.T) {
	it := NewInterpolator([]float64{math.NaN(), -1, 5, 10.5}, 10, 3.5)
	assert.False(t, it.Defined(0))
	assert.False(t, it.Defined(1))
	assert.True(t, it.Defined(2))
	assert.False(t, it.Defined(3))

	vals := it.Values(make([]float64, 10))
	assert.True(t, math.IsNaN(vals[0]))
	assert.Equal(t, 0.0, vals[2])
}

func TestInterpolator_MaskThresholdIsStrict(t *testing.T) {
	const n = 60
	mask := make([]spectra.PixelMask, n)
	mask[30] = spectra.PixBadPix | spectra.PixSigSkyline
	pix := []float64{29.5}
	it := NewInterpolator(pix, n, 5)

	ind := make([]float64, n)
	ind[30] = 1
	frac := it.Values(ind)[0]
	require.Greater(t, frac, 0.0)
	require.Less(t, frac, 1.0)

	tests := []struct {
		name      string
		threshold float64
		wantSet   bool
	}{
		{"below fraction", frac - 1e-9, true},
		{"at fraction", frac, false},
		{"above fraction", frac + 1e-9, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var thr [spectra.PixelBits]float64
			thr[0] = tt.threshold
			thr[12] = 2
			got := it.Mask(mask, thr)[0]
			assert.Equal(t, tt.wantSet, got&spectra.PixBadPix != 0)
			assert.Zero(t, got&spectra.PixSigSkyline)
		})
	}
}

func TestInterpolator_MaskNil(t *testing.T) {
	it := NewInterpolator(linearPix(4), 4, 5)
	assert.Equal(t, make([]spectra.PixelMask, 4), it.Mask(nil, spectra.DefaultMaskContrib()))
}
