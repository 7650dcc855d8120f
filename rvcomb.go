// Package rvcomb measures radial velocities of multi-epoch stellar spectra
// and combines the visits into one rest-frame spectrum per star.
//
// Most callers want Open, which wires a Runner from the RVCOMB_* environment
// and a JSON tuning file. The individual stages (JointFit on an Engine,
// Combine and Decompose) are exposed for callers that drive them directly.
package rvcomb

import (
	"context"
	"fmt"

	"github.com/banshee-data/rvcomb/internal/checkpoint"
	"github.com/banshee-data/rvcomb/internal/config"
	"github.com/banshee-data/rvcomb/internal/decomp"
	"github.com/banshee-data/rvcomb/internal/doppler"
	"github.com/banshee-data/rvcomb/internal/rv"
	"github.com/banshee-data/rvcomb/internal/spectra"
	"github.com/banshee-data/rvcomb/internal/stack"
)

// Input and output types.
type (
	VisitSpectrum    = spectra.VisitSpectrum
	Segment          = spectra.Segment
	Estimate         = spectra.Estimate
	TemplateParams   = spectra.TemplateParams
	Grid             = spectra.Grid
	CCF              = spectra.CCF
	CCFComponent     = spectra.CCFComponent
	CombinedSpectrum = spectra.CombinedSpectrum
	Error            = spectra.Error
	Kind             = spectra.Kind

	TemplateLibrary = doppler.TemplateLibrary
	Engine          = doppler.Engine
	VelocityRange   = doppler.VelocityRange

	Config        = rv.Config
	Mode          = rv.Mode
	RunOptions    = rv.RunOptions
	StarInput     = rv.StarInput
	StarResult    = rv.StarResult
	FieldReport   = rv.FieldReport
	FailureRecord = rv.FailureRecord
	VisitSource   = rv.VisitSource
	Runner        = rv.Runner

	// Runtime is the environment-level configuration read by LoadRuntime.
	Runtime = config.Runtime
)

const (
	ModeStandard = rv.ModeStandard
	ModeTweak    = rv.ModeTweak
)

// DefaultConfig returns the built-in pipeline settings.
func DefaultConfig() Config { return rv.DefaultConfig() }

// LoadConfig reads a JSON tuning file and builds the pipeline settings from
// it; keys missing from the file keep their defaults.
func LoadConfig(path string) (Config, error) {
	tuning, err := config.LoadRVConfig(path)
	if err != nil {
		return Config{}, err
	}
	return tuning.Pipeline()
}

// LoadRuntime reads the RVCOMB_* environment.
func LoadRuntime() (Runtime, error) { return config.LoadRuntime() }

// NewEngine returns a DopplerEngine over lib for direct JointFit calls.
func NewEngine(lib TemplateLibrary, cfg Config) (*Engine, error) {
	return doppler.NewEngine(lib, cfg.Doppler)
}

// Combine resamples visits at the given relative velocities and returns the
// weighted combination on cfg's grid.
func Combine(visits []VisitSpectrum, velocities []float64, cfg Config) (*CombinedSpectrum, error) {
	return stack.Combine(visits, velocities, cfg.Stack)
}

// Decompose splits a cross-correlation function into Gaussian components.
func Decompose(ccf CCF, cfg Config) ([]CCFComponent, error) {
	return decomp.Decompose(ccf, cfg.Decomp)
}

// Pipeline is a Runner bound to its checkpoint database and the run options
// chosen at Open.
type Pipeline struct {
	*Runner
	store *checkpoint.SQLiteStore
	opts  RunOptions
}

// Open wires a Pipeline from the RVCOMB_* environment.
func Open(lib TemplateLibrary) (*Pipeline, error) {
	rt, err := LoadRuntime()
	if err != nil {
		return nil, err
	}
	return OpenRuntime(rt, lib)
}

// OpenRuntime wires a Pipeline from rt: the tuning file it names, its worker
// override, its run options and the checkpoint database at rt.DBPath.
func OpenRuntime(rt Runtime, lib TemplateLibrary) (*Pipeline, error) {
	cfg, err := rt.Pipeline()
	if err != nil {
		return nil, fmt.Errorf("load pipeline config: %w", err)
	}
	store, err := rt.OpenStore()
	if err != nil {
		return nil, err
	}
	runner, err := rv.NewRunner(lib, store, cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &Pipeline{Runner: runner, store: store, opts: rt.Options()}, nil
}

// Options returns the run options the pipeline was opened with.
func (p *Pipeline) Options() RunOptions { return p.opts }

// Star processes one star with the pipeline's run options.
func (p *Pipeline) Star(ctx context.Context, starID string, visits []VisitSpectrum) (*StarResult, error) {
	return p.RunStar(ctx, starID, visits, p.opts)
}

// Field processes a batch of stars with the pipeline's run options.
func (p *Pipeline) Field(ctx context.Context, stars []StarInput) (*FieldReport, error) {
	return p.RunField(ctx, stars, p.opts)
}

// Source loads and processes each star from src with the pipeline's run
// options.
func (p *Pipeline) Source(ctx context.Context, src VisitSource, starIDs []string) (*FieldReport, error) {
	return p.RunSource(ctx, src, starIDs, p.opts)
}

// Close releases the checkpoint database.
func (p *Pipeline) Close() error {
	return p.store.Close()
}
