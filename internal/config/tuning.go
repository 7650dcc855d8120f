package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/banshee-data/rvcomb/internal/decomp"
	"github.com/banshee-data/rvcomb/internal/doppler"
	"github.com/banshee-data/rvcomb/internal/rv"
	"github.com/banshee-data/rvcomb/internal/spectra"
	"github.com/banshee-data/rvcomb/internal/stack"
)

// DefaultConfigPath is the path to the canonical pipeline defaults file.
const DefaultConfigPath = "config/rv.defaults.json"

// RVConfig is the JSON tuning file of the RV pipeline. Every field is
// optional; omitted fields fall back to the defaults of the Get* accessors.
type RVConfig struct {
	// Rest-frame grid
	LogW0 *float64 `json:"log_w0,omitempty"`
	DLogW *float64 `json:"dlog_w,omitempty"`
	NWave *int     `json:"n_wave,omitempty"`

	// Continuum and combination
	ContinuumMedian *int      `json:"continuum_median,omitempty"`
	ContinuumSigma  *float64  `json:"continuum_sigma,omitempty"`
	NRes            []float64 `json:"nres,omitempty"`
	PersistHigh     *float64  `json:"persist_high,omitempty"`
	PersistMed      *float64  `json:"persist_med,omitempty"`
	PersistLow      *float64  `json:"persist_low,omitempty"`
	Skyline         *float64  `json:"skyline,omitempty"`

	// Velocity window policy
	LowSNRCutoff      *float64 `json:"low_snr_cutoff,omitempty"`
	LowSNRFraction    *float64 `json:"low_snr_fraction,omitempty"`
	MinLowSNRVisits   *int     `json:"min_low_snr_visits,omitempty"`
	FaintHMag         *float64 `json:"faint_hmag,omitempty"`
	StandardWindow    *float64 `json:"standard_window,omitempty"`
	FaintWindow       *float64 `json:"faint_window,omitempty"`
	PrefitWindow      *float64 `json:"prefit_window,omitempty"`
	PrefitHalfWidth   *float64 `json:"prefit_half_width,omitempty"`
	CombinedFitWindow *float64 `json:"combined_fit_window,omitempty"`

	// RV classification
	TeffSplit         *float64 `json:"teff_split,omitempty"`
	RejectCool        *float64 `json:"reject_cool,omitempty"`
	RejectHot         *float64 `json:"reject_hot,omitempty"`
	VelocityTolerance *float64 `json:"velocity_tolerance,omitempty"`

	// Fit
	Windows        [][2]float64 `json:"windows,omitempty"` // observed-frame wavelength intervals
	MaxEvaluations *int         `json:"max_evaluations,omitempty"`

	// CCF decomposition
	HighPass        *bool       `json:"high_pass,omitempty"`
	HighPassSigma   *float64    `json:"high_pass_sigma,omitempty"`
	Alpha1          *float64    `json:"alpha1,omitempty"`
	Alpha2          *float64    `json:"alpha2,omitempty"`
	TwoPhase        *bool       `json:"two_phase,omitempty"`
	SNRThresh       *[2]float64 `json:"snr_thresh,omitempty"`
	MaxComponents   *int        `json:"max_components,omitempty"`
	MaxIterations   *int        `json:"max_iterations,omitempty"`
	MergeAmpRatio   *float64    `json:"merge_amp_ratio,omitempty"`
	MergeMaxWidth   *float64    `json:"merge_max_width,omitempty"`
	MergeWidthRatio *float64    `json:"merge_width_ratio,omitempty"`

	// Pipeline
	MinSNR  *float64 `json:"min_snr,omitempty"`
	Workers *int     `json:"workers,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyRVConfig returns an RVConfig with all fields unset.
func EmptyRVConfig() *RVConfig {
	return &RVConfig{}
}

// LoadRVConfig loads an RVConfig from a JSON file.
// The file must have a .json extension and be under 1MB. Fields omitted from
// the file keep their defaults, so partial configs are safe.
func LoadRVConfig(path string) (*RVConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyRVConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath.
// It searches the current directory and common parent directories and
// panics if the file cannot be loaded, so it is intended for test setup.
func MustLoadDefaultConfig() *RVConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadRVConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks the values that are set. Cross-field checks run when the
// configuration is turned into a pipeline config by Pipeline.
func (c *RVConfig) Validate() error {
	if c.NWave != nil && *c.NWave < 1 {
		return fmt.Errorf("n_wave must be positive, got %d", *c.NWave)
	}
	if c.DLogW != nil && !(*c.DLogW > 0) {
		return fmt.Errorf("dlog_w must be positive, got %v", *c.DLogW)
	}
	if c.ContinuumMedian != nil && *c.ContinuumMedian < 1 {
		return fmt.Errorf("continuum_median must be at least 1, got %d", *c.ContinuumMedian)
	}
	for i, n := range c.NRes {
		if !(n > 0) {
			return fmt.Errorf("nres[%d] must be positive, got %v", i, n)
		}
	}
	if c.LowSNRFraction != nil && (*c.LowSNRFraction < 0 || *c.LowSNRFraction > 1) {
		return fmt.Errorf("low_snr_fraction must be between 0 and 1, got %f", *c.LowSNRFraction)
	}
	for name, v := range map[string]*float64{
		"reject_cool": c.RejectCool, "reject_hot": c.RejectHot, "velocity_tolerance": c.VelocityTolerance,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s must be non-negative, got %f", name, *v)
		}
	}
	for i, w := range c.Windows {
		if !(w[1] > w[0]) {
			return fmt.Errorf("window %d is empty: %v", i, w)
		}
	}
	if c.MaxComponents != nil && *c.MaxComponents < 1 {
		return fmt.Errorf("max_components must be at least 1, got %d", *c.MaxComponents)
	}
	if c.MinSNR != nil && *c.MinSNR < 0 {
		return fmt.Errorf("min_snr must be non-negative, got %f", *c.MinSNR)
	}
	if c.Workers != nil && *c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", *c.Workers)
	}
	return nil
}

// Grid returns the rest-frame grid.
func (c *RVConfig) Grid() spectra.Grid {
	g := spectra.DefaultGrid()
	if c.LogW0 != nil {
		g.LogW0 = *c.LogW0
	}
	if c.DLogW != nil {
		g.DLogW = *c.DLogW
	}
	if c.NWave != nil {
		g.N = *c.NWave
	}
	return g
}

// StackConfig returns the visit-combination settings.
func (c *RVConfig) StackConfig() stack.Config {
	s := stack.DefaultConfig()
	s.Grid = c.Grid()
	s.ContinuumMedian = c.GetContinuumMedian()
	s.ContinuumSigma = c.GetContinuumSigma()
	if len(c.NRes) > 0 {
		s.NRes = append([]float64(nil), c.NRes...)
	}
	s.PersistHigh = getFloat(c.PersistHigh, 5)
	s.PersistMed = getFloat(c.PersistMed, 4)
	s.PersistLow = getFloat(c.PersistLow, 3)
	s.Skyline = getFloat(c.Skyline, 100)
	return s
}

// DopplerConfig returns the engine settings.
func (c *RVConfig) DopplerConfig() doppler.Config {
	d := doppler.DefaultConfig()
	d.Grid = c.Grid()
	d.ContinuumMedian = c.GetContinuumMedian()
	d.ContinuumSigma = c.GetContinuumSigma()
	d.LowSNRCutoff = getFloat(c.LowSNRCutoff, 10)
	d.LowSNRFraction = getFloat(c.LowSNRFraction, 0.1)
	d.MinLowSNRVisits = getInt(c.MinLowSNRVisits, 1)
	d.FaintHMag = getFloat(c.FaintHMag, 13.5)
	d.StandardWindow = getFloat(c.StandardWindow, 1000)
	d.FaintWindow = getFloat(c.FaintWindow, 500)
	d.PrefitWindow = getFloat(c.PrefitWindow, 500)
	d.PrefitHalfWidth = getFloat(c.PrefitHalfWidth, 50)
	d.CombinedFitWindow = getFloat(c.CombinedFitWindow, 50)
	d.TeffSplit = getFloat(c.TeffSplit, 6000)
	d.RejectCool = getFloat(c.RejectCool, 10)
	d.RejectHot = getFloat(c.RejectHot, 50)
	d.VelocityTolerance = getFloat(c.VelocityTolerance, 0)
	if len(c.Windows) > 0 {
		d.Windows = append([][2]float64(nil), c.Windows...)
	}
	d.MaxEvaluations = getInt(c.MaxEvaluations, 200)
	d.Stack = c.StackConfig()
	return d
}

// DecompConfig returns the CCF decomposition settings.
func (c *RVConfig) DecompConfig() decomp.Config {
	d := decomp.DefaultConfig()
	d.HighPass = getBool(c.HighPass, true)
	d.HighPassSigma = getFloat(c.HighPassSigma, 50)
	d.Alpha1 = getFloat(c.Alpha1, 0.5)
	d.Alpha2 = getFloat(c.Alpha2, 1.5)
	d.TwoPhase = getBool(c.TwoPhase, true)
	if c.SNRThresh != nil {
		d.SNRThresh = *c.SNRThresh
	}
	d.MaxComponents = getInt(c.MaxComponents, 10)
	d.MaxIterations = getInt(c.MaxIterations, 500)
	d.MergeAmpRatio = getFloat(c.MergeAmpRatio, 0.25)
	d.MergeMaxWidth = getFloat(c.MergeMaxWidth, 100)
	d.MergeWidthRatio = getFloat(c.MergeWidthRatio, 2)
	return d
}

// Pipeline assembles and validates the full pipeline configuration.
func (c *RVConfig) Pipeline() (rv.Config, error) {
	if err := c.Validate(); err != nil {
		return rv.Config{}, err
	}
	cfg := rv.Config{
		Doppler: c.DopplerConfig(),
		Stack:   c.StackConfig(),
		Decomp:  c.DecompConfig(),
		MinSNR:  c.GetMinSNR(),
		Workers: c.GetWorkers(),
	}
	if err := cfg.Doppler.Validate(); err != nil {
		return rv.Config{}, fmt.Errorf("doppler: %w", err)
	}
	if err := cfg.Stack.Validate(); err != nil {
		return rv.Config{}, fmt.Errorf("stack: %w", err)
	}
	if err := cfg.Decomp.Validate(); err != nil {
		return rv.Config{}, fmt.Errorf("decomposition: %w", err)
	}
	return cfg, nil
}

// GetContinuumMedian returns the continuum_median value or the default.
func (c *RVConfig) GetContinuumMedian() int {
	return getInt(c.ContinuumMedian, 501)
}

// GetContinuumSigma returns the continuum_sigma value or the default.
func (c *RVConfig) GetContinuumSigma() float64 {
	return getFloat(c.ContinuumSigma, 100)
}

// GetMinSNR returns the min_snr value or the default.
func (c *RVConfig) GetMinSNR() float64 {
	return getFloat(c.MinSNR, 3)
}

// GetWorkers returns the workers value or the default.
func (c *RVConfig) GetWorkers() int {
	return getInt(c.Workers, 4)
}

func getFloat(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

func getInt(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func getBool(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
