package rv

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rvcomb/internal/checkpoint"
	"github.com/banshee-data/rvcomb/internal/monitoring"
	"github.com/banshee-data/rvcomb/internal/spectra"
	"github.com/banshee-data/rvcomb/internal/testutil"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

func testConfig() Config {
	cfg := DefaultConfig()
	grid := testutil.SmallGrid()
	cfg.Doppler.Grid = grid
	cfg.Doppler.ContinuumMedian = 101
	cfg.Doppler.ContinuumSigma = 20
	cfg.Stack.Grid = grid
	cfg.Stack.ContinuumMedian = 101
	cfg.Stack.ContinuumSigma = 20
	cfg.Workers = 2
	return cfg
}

func testLibrary() *testutil.Library {
	return testutil.NewLibrary(testutil.EvenLines(testutil.SmallGrid(), 30, 0.5, 8))
}

func newRunner(t *testing.T, lib *testutil.Library, store checkpoint.Store, cfg Config) *Runner {
	t.Helper()
	r, err := NewRunner(lib, store, cfg)
	require.NoError(t, err)
	return r
}

func sqliteStore(t *testing.T) *checkpoint.SQLiteStore {
	t.Helper()
	s, err := checkpoint.OpenSQLite(filepath.Join(t.TempDir(), "rv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// starVisits builds visits of a star at heliocentric velocity vhelio.
func starVisits(lib *testutil.Library, starID string, vhelio float64, snrs ...float64) []spectra.VisitSpectrum {
	if len(snrs) == 0 {
		snrs = []float64{80, 90, 100}
	}
	bcs := []float64{-12, 4, 9, -2, 15}
	out := make([]spectra.VisitSpectrum, len(snrs))
	for i, snr := range snrs {
		bc := bcs[i%len(bcs)]
		out[i] = testutil.Visit(lib, testutil.SmallGrid(), testutil.VisitSpec{
			ObjectID: starID,
			VisitID:  fmt.Sprintf("%s-%d", starID, i),
			VRel:     vhelio - bc,
			BC:       bc,
			SNR:      snr,
			HMag:     11,
			Fiber:    100 + 10*i,
		})
	}
	return out
}

func TestRunStar_Pipeline(t *testing.T) {
	lib := testLibrary()
	store := checkpoint.NewMemoryStore()
	r := newRunner(t, lib, store, testConfig())
	visits := starVisits(lib, "2M001", 25)

	res, err := r.RunStar(context.Background(), "2M001", visits, RunOptions{})
	require.NoError(t, err)
	assert.False(t, res.Cached())

	wantStates := []State{StatePending, StateLoaded, StateJointFit, StateDecomposed, StateCombined, StateDone}
	if diff := cmp.Diff(wantStates, res.States); diff != "" {
		t.Errorf("state path mismatch (-want +got):\n%s", diff)
	}

	sum := res.Summary
	assert.Equal(t, "standard", sum.Policy)
	assert.Equal(t, 3, sum.NVisits)
	assert.Equal(t, 5000.0, sum.Template.Teff)
	assert.InDelta(t, 25, sum.VHelio, 0.3)
	assert.True(t, math.IsNaN(sum.Estimate))

	require.Len(t, res.Visits, 3)
	for i, rec := range res.Visits {
		v := visits[i]
		assert.Equal(t, v.VisitID, rec.VisitID)
		assert.Equal(t, v.Prior.VRel, rec.EstVRel)
		assert.Equal(t, v.Prior.BC, rec.EstBC)
		assert.InDelta(t, 25-v.BC, rec.RV.VRel, 0.3)
		assert.InDelta(t, 25, rec.RV.VHelio, 0.3)
		assert.Equal(t, v.BC, rec.RV.BC)
		assert.NotEqual(t, spectra.QualityReject, rec.RV.Quality)
		assert.GreaterOrEqual(t, rec.RV.NComponents, 0)
		assert.NotEmpty(t, rec.CCF.Velocity)
	}

	comb := res.Combined
	require.NotNil(t, comb)
	assert.Equal(t, 3, comb.Header.NVisits)
	assert.Zero(t, comb.Header.StarFlag&spectra.StarRVQualityMask)
	assert.Len(t, comb.Template, comb.Grid.N)
	assert.Equal(t, sum.StarFlag, comb.Header.StarFlag)

	rec, err := store.Load(context.Background(), res.Key)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusDone, rec.Status)
	assert.Equal(t, string(StateDone), rec.State)
	assert.Equal(t, r.RunID(), rec.RunID)
}

func TestRunStar_Idempotent(t *testing.T) {
	lib := testLibrary()
	store := sqliteStore(t)
	r := newRunner(t, lib, store, testConfig())
	visits := starVisits(lib, "2M002", -40)
	ctx := context.Background()

	first, err := r.RunStar(ctx, "2M002", visits, RunOptions{})
	require.NoError(t, err)
	calls := lib.Calls()

	second, err := r.RunStar(ctx, "2M002", visits, RunOptions{})
	require.NoError(t, err)
	assert.True(t, second.Cached())
	assert.Equal(t, calls, lib.Calls(), "a cached run must not evaluate templates")

	a, err := checkpoint.Encode(first)
	require.NoError(t, err)
	b, err := checkpoint.Encode(second)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	// Visit order changes bookkeeping only, so the checkpoint is still hit.
	reversed := []spectra.VisitSpectrum{visits[2], visits[1], visits[0]}
	third, err := r.RunStar(ctx, "2M002", reversed, RunOptions{})
	require.NoError(t, err)
	assert.True(t, third.Cached())

	forced, err := r.RunStar(ctx, "2M002", visits, RunOptions{Overwrite: true})
	require.NoError(t, err)
	assert.False(t, forced.Cached())
	assert.Greater(t, lib.Calls(), calls)
}

func TestRunStar_ModesAreSeparate(t *testing.T) {
	lib := testLibrary()
	r := newRunner(t, lib, checkpoint.NewMemoryStore(), testConfig())
	visits := starVisits(lib, "2M003", 10)
	ctx := context.Background()

	std, err := r.RunStar(ctx, "2M003", visits, RunOptions{})
	require.NoError(t, err)
	tw, err := r.RunStar(ctx, "2M003", visits, RunOptions{Mode: ModeTweak})
	require.NoError(t, err)
	assert.False(t, tw.Cached())
	assert.NotEqual(t, std.Key, tw.Key)
	assert.Equal(t, ModeTweak, tw.Summary.Mode)
	assert.InDelta(t, 10, tw.Summary.VHelio, 0.5)

	_, err = r.RunStar(ctx, "2M003", visits, RunOptions{Mode: "fast"})
	assert.Error(t, err)
}

func TestRunStar_QualityGate(t *testing.T) {
	lib := testLibrary()
	store := checkpoint.NewMemoryStore()
	r := newRunner(t, lib, store, testConfig())
	ctx := context.Background()

	visits := starVisits(lib, "2M004", 5, 80, 90, 2)
	visits[0].StarFlag |= spectra.StarBadPixels
	res, err := r.RunStar(ctx, "2M004", visits, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Summary.NVisits)
	assert.Equal(t, 2, res.Summary.NRejected)
	require.Len(t, res.Rejections, 2)
	for _, rj := range res.Rejections {
		assert.Equal(t, spectra.KindQualityReject, rj.Kind)
	}
	assert.Contains(t, res.Rejections[0].Reason, "BAD_PIXELS")

	bad := starVisits(lib, "2M005", 5, 2, 1)
	_, err = r.RunStar(ctx, "2M005", bad, RunOptions{})
	var fail *FailureRecord
	require.ErrorAs(t, err, &fail)
	assert.Equal(t, StateLoaded, fail.State)
	assert.True(t, spectra.IsKind(err, spectra.KindNoVisits))

	// The failure is persisted and replayed without recomputation.
	calls := lib.Calls()
	_, err = r.RunStar(ctx, "2M005", bad, RunOptions{})
	require.ErrorAs(t, err, &fail)
	assert.Equal(t, spectra.KindNoVisits, fail.Kind)
	assert.Equal(t, calls, lib.Calls())

	failures, err := r.Failures(ctx)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "2M005", failures[0].StarID)
	assert.Equal(t, StateLoaded, failures[0].State)
}

type brokenLibrary struct {
	*testutil.Library
	panics bool
}

func (b brokenLibrary) Spectrum(p spectra.TemplateParams, wave []float64, v float64) ([]float64, error) {
	if b.panics {
		panic("template index out of range")
	}
	return nil, errors.New("template grid missing")
}

func TestRunStar_FitFailures(t *testing.T) {
	lib := testLibrary()
	visits := starVisits(lib, "2M006", 0)
	ctx := context.Background()

	tests := []struct {
		name string
		lib  brokenLibrary
		kind spectra.Kind
	}{
		{"missing templates", brokenLibrary{Library: lib}, spectra.KindMissingCalibration},
		{"panicking templates", brokenLibrary{Library: lib, panics: true}, spectra.KindNumericalFit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := checkpoint.NewMemoryStore()
			r, err := NewRunner(tt.lib, store, testConfig())
			require.NoError(t, err)
			_, err = r.RunStar(ctx, "2M006", visits, RunOptions{})
			var fail *FailureRecord
			require.ErrorAs(t, err, &fail)
			assert.Equal(t, StateJointFit, fail.State)
			assert.Equal(t, tt.kind, fail.Kind)

			rec, err := store.Load(ctx, fail.Key)
			require.NoError(t, err)
			assert.Equal(t, checkpoint.StatusFailed, rec.Status)
			assert.Equal(t, tt.kind.String(), rec.Kind)
		})
	}
}

func TestRunStar_AllVisitsRejectedByRVCheck(t *testing.T) {
	lib := testLibrary()
	cfg := testConfig()
	cfg.Doppler.RejectCool = 0
	cfg.Doppler.RejectHot = 0
	r := newRunner(t, lib, checkpoint.NewMemoryStore(), cfg)

	_, err := r.RunStar(context.Background(), "2M007", starVisits(lib, "2M007", 12), RunOptions{})
	var fail *FailureRecord
	require.ErrorAs(t, err, &fail)
	assert.Equal(t, StateCombined, fail.State)
	assert.Equal(t, spectra.KindNoVisits, fail.Kind)
}

func TestRunStar_LowSNRPrefit(t *testing.T) {
	lib := testLibrary()
	r := newRunner(t, lib, checkpoint.NewMemoryStore(), testConfig())

	res, err := r.RunStar(context.Background(), "2M008", starVisits(lib, "2M008", -18, 5, 6, 90), RunOptions{})
	require.NoError(t, err)
	assert.Contains(t, res.States, StateBCPrefit)
	assert.Equal(t, "low_snr", res.Summary.Policy)
	assert.InDelta(t, -18, res.Summary.Estimate, 1)
	assert.True(t, res.Summary.Range.Heliocentric)
	assert.InDelta(t, -18, res.Summary.VHelio, 0.5)
}

func TestRunStar_MultipleComponents(t *testing.T) {
	lib := testLibrary()
	r := newRunner(t, lib, checkpoint.NewMemoryStore(), testConfig())
	visits := starVisits(lib, "2M009", 0)
	visits = append(visits, testutil.Visit(lib, testutil.SmallGrid(), testutil.VisitSpec{
		ObjectID:   "2M009",
		VisitID:    "2M009-sb2",
		SNR:        100,
		HMag:       11,
		Components: []testutil.Component{{VRel: -60, Weight: 1}, {VRel: 60, Weight: 1}},
	}))

	res, err := r.RunStar(context.Background(), "2M009", visits, RunOptions{})
	require.NoError(t, err)
	sb2 := res.Visits[3]
	require.GreaterOrEqual(t, sb2.RV.NComponents, 2)
	assert.NotZero(t, sb2.StarFlag&spectra.StarMultipleSuspect)
	assert.GreaterOrEqual(t, res.Summary.MaxComponents, 2)

	near := func(v float64) bool {
		for _, c := range sb2.RV.Components {
			if math.Abs(c.Center-v) < 6 {
				return true
			}
		}
		return false
	}
	assert.True(t, near(-60), "components %+v", sb2.RV.Components)
	assert.True(t, near(60), "components %+v", sb2.RV.Components)
	assert.False(t, math.IsNaN(sb2.RV.RVComponents[1]))
}

func TestRunStar_PendingCheckpointIsRecomputed(t *testing.T) {
	lib := testLibrary()
	store := checkpoint.NewMemoryStore()
	r := newRunner(t, lib, store, testConfig())
	visits := starVisits(lib, "2M010", 3)
	ctx := context.Background()

	key := CheckpointKey("2M010", ModeStandard, visits)
	require.NoError(t, store.Store(ctx, &checkpoint.Record{Key: key, StarID: "2M010", Mode: "out", Status: checkpoint.StatusPending, RunID: "crashed"}))

	res, err := r.RunStar(ctx, "2M010", visits, RunOptions{})
	require.NoError(t, err)
	assert.False(t, res.Cached())
	rec, err := store.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusDone, rec.Status)
}

func TestRunStar_CancelledKeepsCompletedCheckpoint(t *testing.T) {
	lib := testLibrary()
	store := checkpoint.NewMemoryStore()
	r := newRunner(t, lib, store, testConfig())
	visits := starVisits(lib, "2M011", 7)

	res, err := r.RunStar(context.Background(), "2M011", visits, RunOptions{})
	require.NoError(t, err)
	before, err := store.Load(context.Background(), res.Key)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.RunStar(ctx, "2M011", visits, RunOptions{Overwrite: true})
	assert.ErrorIs(t, err, context.Canceled)

	after, err := store.Load(context.Background(), res.Key)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusDone, after.Status)
	assert.Equal(t, before.Payload, after.Payload)
}

func TestCheckpointKey(t *testing.T) {
	lib := testLibrary()
	visits := starVisits(lib, "2M012", 0)
	k := CheckpointKey("2M012", ModeStandard, visits)
	assert.Len(t, k, 64)
	assert.Equal(t, k, CheckpointKey("2M012", ModeStandard, []spectra.VisitSpectrum{visits[1], visits[2], visits[0]}))
	assert.NotEqual(t, k, CheckpointKey("2M012", ModeTweak, visits))
	assert.NotEqual(t, k, CheckpointKey("2M013", ModeStandard, visits))

	assert.NotEqual(t, k, CheckpointKey("2M012", ModeStandard, visits[:2]))

	fill := func(n int, v float64) []float64 {
		out := make([]float64, n)
		for i := range out {
			out[i] = v
		}
		return out
	}
	tests := []struct {
		name   string
		change func(v *spectra.VisitSpectrum)
	}{
		{"bc", func(v *spectra.VisitSpectrum) { v.BC += 0.001 }},
		{"snr", func(v *spectra.VisitSpectrum) { v.SNR++ }},
		{"hmag", func(v *spectra.VisitSpectrum) { v.HMag += 0.1 }},
		{"fiber", func(v *spectra.VisitSpectrum) { v.Fiber++ }},
		{"mjd", func(v *spectra.VisitSpectrum) { v.MJD++ }},
		{"jd", func(v *spectra.VisitSpectrum) { v.JD += 0.5 }},
		{"telescope", func(v *spectra.VisitSpectrum) { v.Telescope = "lco25m" }},
		{"field", func(v *spectra.VisitSpectrum) { v.Field = "M67" }},
		{"plate", func(v *spectra.VisitSpectrum) { v.Plate = "9999" }},
		{"date", func(v *spectra.VisitSpectrum) { v.DateObs = "2019-01-01T00:00:00" }},
		{"survey", func(v *spectra.VisitSpectrum) { v.Survey = "apogee2s" }},
		{"star flag", func(v *spectra.VisitSpectrum) { v.StarFlag |= spectra.StarBrightNeighbor }},
		{"targets", func(v *spectra.VisitSpectrum) { v.Targets[2] |= 1 << 9 }},
		{"prior vhelio", func(v *spectra.VisitSpectrum) { v.Prior.VHelio = 123 }},
		{"prior teff", func(v *spectra.VisitSpectrum) { v.Prior.Teff = 4100 }},
		{"prior vtype", func(v *spectra.VisitSpectrum) { v.Prior.VType = 2 }},
		{"flux", func(v *spectra.VisitSpectrum) { v.Segments[0].Flux[10] *= 1.01 }},
		{"err", func(v *spectra.VisitSpectrum) { v.Segments[0].Err[10] *= 2 }},
		{"mask", func(v *spectra.VisitSpectrum) { v.Segments[0].Mask[10] |= spectra.PixBadPix }},
		{"sky", func(v *spectra.VisitSpectrum) { v.Segments[0].Sky = fill(v.Segments[0].Len(), 42) }},
		{"sky err", func(v *spectra.VisitSpectrum) { v.Segments[0].SkyErr = fill(v.Segments[0].Len(), 1) }},
		{"telluric", func(v *spectra.VisitSpectrum) { v.Segments[0].Telluric = fill(v.Segments[0].Len(), 0.9) }},
		{"telluric err", func(v *spectra.VisitSpectrum) { v.Segments[0].TelluricErr = fill(v.Segments[0].Len(), 0.01) }},
		{"empty sky", func(v *spectra.VisitSpectrum) { v.Segments[0].Sky = []float64{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changed := cloneVisits(visits)
			tt.change(&changed[0])
			assert.NotEqual(t, k, CheckpointKey("2M012", ModeStandard, changed))
			assert.Equal(t, k, CheckpointKey("2M012", ModeStandard, visits), "input must not be modified")
		})
	}
}

// cloneVisits deep-copies the visit slices so a test can edit them freely.
func cloneVisits(visits []spectra.VisitSpectrum) []spectra.VisitSpectrum {
	dup := func(x []float64) []float64 {
		if x == nil {
			return nil
		}
		return append([]float64{}, x...)
	}
	out := make([]spectra.VisitSpectrum, len(visits))
	for i, v := range visits {
		segs := make([]spectra.Segment, len(v.Segments))
		for j, s := range v.Segments {
			segs[j] = spectra.Segment{
				Wave: dup(s.Wave), Flux: dup(s.Flux), Err: dup(s.Err),
				Sky: dup(s.Sky), SkyErr: dup(s.SkyErr), Telluric: dup(s.Telluric), TelluricErr: dup(s.TelluricErr),
			}
			if s.Mask != nil {
				segs[j].Mask = append([]spectra.PixelMask{}, s.Mask...)
			}
		}
		v.Segments = segs
		out[i] = v
	}
	return out
}

func TestRunStar_ChangedInputsMissCheckpoint(t *testing.T) {
	lib := testLibrary()
	r := newRunner(t, lib, checkpoint.NewMemoryStore(), testConfig())
	visits := starVisits(lib, "2M014", -40)
	ctx := context.Background()

	first, err := r.RunStar(ctx, "2M014", visits, RunOptions{})
	require.NoError(t, err)
	assert.False(t, first.Cached())

	changed := cloneVisits(visits)
	changed[0].Prior.VHelio = 123
	n := changed[0].Segments[0].Len()
	changed[0].Segments[0].Sky = make([]float64, n)
	for i := range changed[0].Segments[0].Sky {
		changed[0].Segments[0].Sky[i] = 42
	}

	second, err := r.RunStar(ctx, "2M014", changed, RunOptions{})
	require.NoError(t, err)
	assert.False(t, second.Cached())
	assert.NotEqual(t, first.Key, second.Key)
	require.Len(t, second.Visits, 3)
	assert.Equal(t, 123.0, second.Visits[0].EstVHelio)

	require.NotNil(t, second.Combined)
	var sawSky bool
	for _, row := range second.Combined.Visits {
		if row.VisitID != changed[0].VisitID {
			continue
		}
		for j, d := range row.Defined {
			if d && row.Sky[j] != 0 {
				sawSky = true
				break
			}
		}
	}
	assert.True(t, sawSky, "stacked row must carry the new sky")
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": ModeStandard, "out": ModeStandard, "tweak": ModeTweak} {
		got, err := ParseMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseMode("apStar")
	assert.Error(t, err)
}

func TestNewRunner_Validation(t *testing.T) {
	lib := testLibrary()
	_, err := NewRunner(lib, nil, testConfig())
	assert.Error(t, err)

	cfg := testConfig()
	cfg.Workers = 0
	_, err = NewRunner(lib, checkpoint.NewMemoryStore(), cfg)
	assert.Error(t, err)

	_, err = NewRunner(nil, checkpoint.NewMemoryStore(), testConfig())
	assert.True(t, spectra.IsKind(err, spectra.KindMissingCalibration))
}
