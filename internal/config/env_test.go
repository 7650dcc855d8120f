package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/banshee-data/rvcomb/internal/rv"
)

func TestLoadRuntimeDefaults(t *testing.T) {
	rt, err := LoadRuntime()
	if err != nil {
		t.Fatalf("LoadRuntime() error: %v", err)
	}
	if rt.DBPath != "rvcomb.db" {
		t.Errorf("DBPath = %q, want rvcomb.db", rt.DBPath)
	}
	if rt.Overwrite {
		t.Error("Overwrite = true, want false")
	}
	if got := rt.Options(); got != (rv.RunOptions{Mode: rv.ModeStandard}) {
		t.Errorf("Options() = %+v", got)
	}
	p, err := rt.Pipeline()
	if err != nil {
		t.Fatalf("Pipeline() error: %v", err)
	}
	if p.Workers != 4 {
		t.Errorf("Workers = %d, want 4", p.Workers)
	}
}

func TestLoadRuntimeFromEnv(t *testing.T) {
	tmpDir := t.TempDir()
	tuning := filepath.Join(tmpDir, "rv.json")
	if err := os.WriteFile(tuning, []byte(`{"workers": 2, "min_snr": 5}`), 0644); err != nil {
		t.Fatalf("write tuning: %v", err)
	}
	t.Setenv("RVCOMB_DB_PATH", " "+filepath.Join(tmpDir, "rv.db")+" ")
	t.Setenv("RVCOMB_WORKERS", "6")
	t.Setenv("RVCOMB_OVERWRITE", "true")
	t.Setenv("RVCOMB_CONFIG", tuning)
	t.Setenv("RVCOMB_MODE", "tweak")

	rt, err := LoadRuntime()
	if err != nil {
		t.Fatalf("LoadRuntime() error: %v", err)
	}
	if got := rt.Options(); got != (rv.RunOptions{Overwrite: true, Mode: rv.ModeTweak}) {
		t.Errorf("Options() = %+v", got)
	}
	p, err := rt.Pipeline()
	if err != nil {
		t.Fatalf("Pipeline() error: %v", err)
	}
	if p.Workers != 6 {
		t.Errorf("Workers = %d, want environment override 6", p.Workers)
	}
	if p.MinSNR != 5 {
		t.Errorf("MinSNR = %v, want 5", p.MinSNR)
	}

	store, err := rt.OpenStore()
	if err != nil {
		t.Fatalf("OpenStore() error: %v", err)
	}
	defer store.Close()
	if _, err := store.ListFailures(context.Background()); err != nil {
		t.Errorf("ListFailures() error: %v", err)
	}
}

func TestLoadRuntimeErrors(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr string
	}{
		{"bad workers", "RVCOMB_WORKERS", "many", "parse env:"},
		{"negative workers", "RVCOMB_WORKERS", "-1", "RVCOMB_WORKERS"},
		{"bad mode", "RVCOMB_MODE", "apstar", "RVCOMB_MODE"},
		{"bad overwrite", "RVCOMB_OVERWRITE", "sometimes", "parse env:"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := LoadRuntime()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestRuntimePipelineBadConfig(t *testing.T) {
	rt := Runtime{ConfigPath: filepath.Join(t.TempDir(), "missing.json")}
	if _, err := rt.Pipeline(); err == nil {
		t.Error("expected error for missing tuning file")
	}
}
