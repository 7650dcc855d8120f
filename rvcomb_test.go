package rvcomb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rvcomb/internal/monitoring"
	"github.com/banshee-data/rvcomb/internal/testutil"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	os.Exit(m.Run())
}

const smallTuning = `{"n_wave": 1500, "continuum_median": 101, "continuum_sigma": 20, "workers": 2}`

func writeTuning(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "rv.json")
	require.NoError(t, os.WriteFile(path, []byte(smallTuning), 0644))
	return path
}

func visitsAt(lib *testutil.Library, starID string, vhelio float64) []VisitSpectrum {
	bcs := []float64{-12, 4, 9}
	out := make([]VisitSpectrum, len(bcs))
	for i, bc := range bcs {
		out[i] = testutil.Visit(lib, testutil.SmallGrid(), testutil.VisitSpec{
			ObjectID: starID,
			VisitID:  fmt.Sprintf("%s-%d", starID, i),
			VRel:     vhelio - bc,
			BC:       bc,
			SNR:      80 + 10*float64(i),
			HMag:     11,
			Fiber:    100 + 10*i,
		})
	}
	return out
}

func TestOpen_FromEnvironment(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("RVCOMB_DB_PATH", filepath.Join(dir, "rv.db"))
	t.Setenv("RVCOMB_CONFIG", writeTuning(t, dir))
	t.Setenv("RVCOMB_MODE", "tweak")

	lib := testutil.NewLibrary(testutil.EvenLines(testutil.SmallGrid(), 30, 0.5, 8))
	p, err := Open(lib)
	require.NoError(t, err)
	defer p.Close()
	assert.Equal(t, RunOptions{Mode: ModeTweak}, p.Options())

	ctx := context.Background()
	visits := visitsAt(lib, "2M100", 20)
	res, err := p.Star(ctx, "2M100", visits)
	require.NoError(t, err)
	assert.Equal(t, ModeTweak, res.Summary.Mode)
	assert.InDelta(t, 20, res.Summary.VHelio, 0.3)
	assert.Equal(t, 1500, res.Combined.Grid.N)

	again, err := p.Star(ctx, "2M100", visits)
	require.NoError(t, err)
	assert.True(t, again.Cached())

	rep, err := p.Field(ctx, []StarInput{{StarID: "2M100", Visits: visits}, {StarID: "2M101"}})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Cached)
	assert.Equal(t, 1, rep.Failed)

	failures, err := p.Failures(ctx)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "2M101", failures[0].StarID)
}

func TestOpen_Errors(t *testing.T) {
	lib := testutil.NewLibrary(testutil.EvenLines(testutil.SmallGrid(), 30, 0.5, 8))

	t.Run("bad mode", func(t *testing.T) {
		t.Setenv("RVCOMB_MODE", "apstar")
		_, err := Open(lib)
		assert.Error(t, err)
	})
	t.Run("missing tuning file", func(t *testing.T) {
		_, err := OpenRuntime(Runtime{DBPath: filepath.Join(t.TempDir(), "rv.db"), ConfigPath: "/nonexistent/rv.json"}, lib)
		assert.Error(t, err)
	})
	t.Run("no library", func(t *testing.T) {
		_, err := OpenRuntime(Runtime{DBPath: filepath.Join(t.TempDir(), "rv.db")}, nil)
		assert.Error(t, err)
	})
}

func TestStages(t *testing.T) {
	cfg, err := LoadConfig(writeTuning(t, t.TempDir()))
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Workers)

	lib := testutil.NewLibrary(testutil.EvenLines(cfg.Doppler.Grid, 30, 0.5, 8))
	e, err := NewEngine(lib, cfg)
	require.NoError(t, err)

	visits := visitsAt(lib, "2M200", -35)
	sum, fits, err := e.JointFit(context.Background(), visits, VelocityRange{Min: -1000, Max: 1000})
	require.NoError(t, err)
	assert.InDelta(t, -35, sum.VHelio, 0.3)

	vels := make([]float64, len(fits))
	for i, f := range fits {
		vels[i] = f.VRel
	}
	comb, err := Combine(visits, vels, cfg)
	require.NoError(t, err)
	assert.Equal(t, len(visits), comb.Header.NVisits)

	comps, err := Decompose(fits[0].CCF, cfg)
	require.NoError(t, err)
	require.NotEmpty(t, comps)
	peak := comps[0]
	for _, c := range comps[1:] {
		if c.Amplitude > peak.Amplitude {
			peak = c
		}
	}
	assert.InDelta(t, fits[0].VRel, peak.Center, 10)
}
