package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"

	"github.com/banshee-data/rvcomb/internal/checkpoint"
	"github.com/banshee-data/rvcomb/internal/rv"
)

// Runtime holds the per-invocation settings read from the environment.
type Runtime struct {
	DBPath     string `env:"RVCOMB_DB_PATH"   envDefault:"rvcomb.db"`
	Workers    int    `env:"RVCOMB_WORKERS"`
	Overwrite  bool   `env:"RVCOMB_OVERWRITE" envDefault:"false"`
	ConfigPath string `env:"RVCOMB_CONFIG"`
	Mode       string `env:"RVCOMB_MODE"      envDefault:"out"`
}

// LoadRuntime parses the RVCOMB_* environment variables.
func LoadRuntime() (Runtime, error) {
	var rt Runtime
	if err := env.Parse(&rt); err != nil {
		return Runtime{}, fmt.Errorf("parse env: %w", err)
	}
	rt.DBPath = strings.TrimSpace(rt.DBPath)
	rt.ConfigPath = strings.TrimSpace(rt.ConfigPath)
	if rt.Workers < 0 {
		return Runtime{}, fmt.Errorf("RVCOMB_WORKERS must be non-negative, got %d", rt.Workers)
	}
	if _, err := rv.ParseMode(rt.Mode); err != nil {
		return Runtime{}, fmt.Errorf("RVCOMB_MODE: %w", err)
	}
	return rt, nil
}

// Options returns the run options selected by the environment.
func (rt Runtime) Options() rv.RunOptions {
	mode, _ := rv.ParseMode(rt.Mode)
	return rv.RunOptions{Overwrite: rt.Overwrite, Mode: mode}
}

// Pipeline loads the tuning file named by ConfigPath, or the defaults when it
// is empty. A non-zero Workers overrides the file.
func (rt Runtime) Pipeline() (rv.Config, error) {
	tuning := EmptyRVConfig()
	if rt.ConfigPath != "" {
		var err error
		if tuning, err = LoadRVConfig(rt.ConfigPath); err != nil {
			return rv.Config{}, err
		}
	}
	if rt.Workers > 0 {
		tuning.Workers = ptrInt(rt.Workers)
	}
	return tuning.Pipeline()
}

// OpenStore opens the checkpoint database at DBPath.
func (rt Runtime) OpenStore() (*checkpoint.SQLiteStore, error) {
	return checkpoint.OpenSQLite(rt.DBPath)
}
