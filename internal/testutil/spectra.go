package testutil

import (
	"fmt"
	"math"
	"math/rand"
	"sync/atomic"

	"github.com/banshee-data/rvcomb/internal/spectra"
	"github.com/banshee-data/rvcomb/internal/units"
)

// SmallGrid is a short log-linear grid with the production step, wide enough
// for a few dozen lines and velocity shifts of several hundred km/s.
func SmallGrid() spectra.Grid {
	return spectra.Grid{LogW0: spectra.DefaultLogW0, DLogW: spectra.DefaultDLogW, N: 1500}
}

// Line is a Gaussian absorption line. Width is the velocity sigma in km/s.
type Line struct {
	Wave  float64
	Depth float64
	Width float64
}

// EvenLines spreads n lines of the given depth and velocity width across the
// interior of grid, skipping a margin of 10% on each side.
func EvenLines(grid spectra.Grid, n int, depth, width float64) []Line {
	lines := make([]Line, n)
	lo := 0.1 * float64(grid.N)
	step := 0.8 * float64(grid.N) / float64(n)
	for i := range lines {
		// Irregular spacing keeps the CCF free of strong aliases.
		pix := lo + step*(float64(i)+0.3*math.Sin(float64(i)*1.7))
		lines[i] = Line{Wave: grid.WaveAt(pix), Depth: depth, Width: width}
	}
	return lines
}

// Library is an analytic template library. Line depths scale with Teff so
// different templates are distinguishable by chi-square.
type Library struct {
	Lines []Line
	Grid  []spectra.TemplateParams
	calls atomic.Int64
}

// NewLibrary returns a library with templates at 4000, 5000 and 6500 K.
func NewLibrary(lines []Line) *Library {
	return &Library{
		Lines: lines,
		Grid: []spectra.TemplateParams{
			{Teff: 4000, Logg: 2.5, FeH: 0},
			{Teff: 5000, Logg: 3.5, FeH: 0},
			{Teff: 6500, Logg: 4.5, FeH: -0.5},
		},
	}
}

// Params returns the template grid.
func (l *Library) Params() []spectra.TemplateParams { return l.Grid }

// Calls returns the number of Spectrum evaluations so far.
func (l *Library) Calls() int64 { return l.calls.Load() }

// DepthScale is the line-depth multiplier for a template temperature.
func DepthScale(teff float64) float64 {
	return math.Max(0.2, 1.6-teff/5000)
}

// Spectrum evaluates the normalised template at velocity v on wave.
func (l *Library) Spectrum(p spectra.TemplateParams, wave []float64, v float64) ([]float64, error) {
	l.calls.Add(1)
	if math.IsNaN(p.Teff) {
		return nil, fmt.Errorf("template %s not in library", p)
	}
	return Model(l.Lines, DepthScale(p.Teff), wave, v), nil
}

// Model evaluates normalised absorption lines shifted to velocity v.
func Model(lines []Line, scale float64, wave []float64, v float64) []float64 {
	out := make([]float64, len(wave))
	for i := range out {
		out[i] = 1
	}
	f := units.DopplerFactor(v)
	for _, ln := range lines {
		center := ln.Wave * f
		sigma := ln.Wave * ln.Width / units.SpeedOfLight
		for i, w := range wave {
			d := (w - center) / sigma
			if d > 8 || d < -8 {
				continue
			}
			out[i] -= scale * ln.Depth * math.Exp(-0.5*d*d)
		}
	}
	return out
}

// Component is one stellar velocity component of a synthetic visit.
type Component struct {
	VRel   float64
	Weight float64
}

// VisitSpec describes a synthetic visit.
type VisitSpec struct {
	ObjectID   string
	VisitID    string
	VRel       float64
	BC         float64
	SNR        float64
	HMag       float64
	Teff       float64
	Fiber      int
	StarFlag   spectra.StarFlag
	Level      float64
	Segments   int
	Noise      bool
	Seed       int64
	Components []Component
	Mask       []spectra.PixelMask
}

// Visit builds a visit sampled on grid in the observed frame: the template of
// temperature spec.Teff shifted to spec.VRel (or a weighted blend of
// spec.Components), scaled by a sloped continuum of height spec.Level.
func Visit(lib *Library, grid spectra.Grid, spec VisitSpec) spectra.VisitSpectrum {
	if spec.Level == 0 {
		spec.Level = 1000
	}
	if spec.SNR == 0 {
		spec.SNR = 100
	}
	if spec.Teff == 0 {
		spec.Teff = 5000
	}
	if spec.Segments < 1 {
		spec.Segments = 1
	}
	if spec.ObjectID == "" {
		spec.ObjectID = "2M00000000+0000000"
	}
	wave := grid.Wave()
	n := len(wave)

	comps := spec.Components
	if len(comps) == 0 {
		comps = []Component{{VRel: spec.VRel, Weight: 1}}
	}
	norm := make([]float64, n)
	var wsum float64
	for _, c := range comps {
		m := Model(lib.Lines, DepthScale(spec.Teff), wave, c.VRel)
		for i := range norm {
			norm[i] += c.Weight * m[i]
		}
		wsum += c.Weight
	}

	rng := rand.New(rand.NewSource(spec.Seed))
	flux := make([]float64, n)
	errs := make([]float64, n)
	for i := range flux {
		cont := spec.Level * (1 + 0.1*(float64(i)/float64(n)-0.5))
		flux[i] = cont * norm[i] / wsum
		errs[i] = cont / spec.SNR
		if spec.Noise {
			flux[i] += errs[i] * rng.NormFloat64()
		}
	}

	v := spectra.VisitSpectrum{
		ObjectID: spec.ObjectID,
		VisitID:  spec.VisitID,
		Field:    "TESTFIELD",
		Fiber:    spec.Fiber,
		BC:       spec.BC,
		SNR:      spec.SNR,
		HMag:     spec.HMag,
		StarFlag: spec.StarFlag,
		DateObs:  "2024-01-01T00:00:00",
		Prior:    spectra.Estimate{VType: 1, VRel: spec.VRel, VRelErr: 0.5, VHelio: spec.VRel + spec.BC, BC: spec.BC, Teff: spec.Teff, Logg: 4, FeH: 0},
	}
	per := n / spec.Segments
	for s := 0; s < spec.Segments; s++ {
		lo, hi := s*per, (s+1)*per
		if s == spec.Segments-1 {
			hi = n
		}
		seg := spectra.Segment{
			Wave: append([]float64(nil), wave[lo:hi]...),
			Flux: append([]float64(nil), flux[lo:hi]...),
			Err:  append([]float64(nil), errs[lo:hi]...),
			Mask: make([]spectra.PixelMask, hi-lo),
		}
		if spec.Mask != nil {
			copy(seg.Mask, spec.Mask[lo:hi])
		}
		v.Segments = append(v.Segments, seg)
	}
	return v
}
