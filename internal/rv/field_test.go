package rv

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rvcomb/internal/checkpoint"
	"github.com/banshee-data/rvcomb/internal/spectra"
)

func TestRunField(t *testing.T) {
	lib := testLibrary()
	store := sqliteStore(t)
	r := newRunner(t, lib, store, testConfig())
	ctx := context.Background()

	stars := []StarInput{
		{StarID: "2M101", Visits: starVisits(lib, "2M101", 15)},
		{StarID: "2M102", Visits: starVisits(lib, "2M102", 0, 1, 2)},
		{StarID: "2M103", Visits: starVisits(lib, "2M103", -30, 70, 80)},
	}
	rep, err := r.RunField(ctx, stars, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Done)
	assert.Equal(t, 0, rep.Cached)
	assert.Equal(t, 1, rep.Failed)
	require.Len(t, rep.Outcomes, 3)
	for i, o := range rep.Outcomes {
		assert.Equal(t, stars[i].StarID, o.StarID)
	}
	assert.True(t, spectra.IsKind(rep.Outcomes[1].Err, spectra.KindNoVisits))
	assert.Nil(t, rep.Outcomes[1].Result)
	require.Len(t, rep.Rows, 2)
	assert.Equal(t, "2M101", rep.Rows[0].StarID)
	assert.Equal(t, "2M103", rep.Rows[1].StarID)
	assert.InDelta(t, -30, rep.Rows[1].VHelio, 0.3)

	calls := lib.Calls()
	again, err := r.RunField(ctx, stars, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, again.Done)
	assert.Equal(t, 2, again.Cached)
	assert.Equal(t, 1, again.Failed)
	assert.Equal(t, calls, lib.Calls())
}

func TestRunField_InvalidBatch(t *testing.T) {
	lib := testLibrary()
	r := newRunner(t, lib, checkpoint.NewMemoryStore(), testConfig())
	ctx := context.Background()

	tests := []struct {
		name  string
		stars []StarInput
		opts  RunOptions
	}{
		{"duplicate star", []StarInput{{StarID: "2M1"}, {StarID: "2M1"}}, RunOptions{}},
		{"empty id", []StarInput{{StarID: ""}}, RunOptions{}},
		{"bad mode", []StarInput{{StarID: "2M1"}}, RunOptions{Mode: "visit"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep, err := r.RunField(ctx, tt.stars, tt.opts)
			assert.Error(t, err)
			assert.Nil(t, rep)
		})
	}
}

func TestRunField_Cancelled(t *testing.T) {
	lib := testLibrary()
	r := newRunner(t, lib, checkpoint.NewMemoryStore(), testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := r.RunField(ctx, []StarInput{{StarID: "2M201", Visits: starVisits(lib, "2M201", 0)}}, RunOptions{})
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, rep)
	assert.Equal(t, 1, rep.Failed)
	assert.Zero(t, lib.Calls())
}

type mapSource map[string][]spectra.VisitSpectrum

func (m mapSource) Visits(_ context.Context, starID string) ([]spectra.VisitSpectrum, error) {
	v, ok := m[starID]
	if !ok {
		return nil, fmt.Errorf("star %s not in visit table", starID)
	}
	return v, nil
}

type panicSource struct{}

func (panicSource) Visits(context.Context, string) ([]spectra.VisitSpectrum, error) {
	panic("corrupt visit table")
}

func TestRunSource(t *testing.T) {
	lib := testLibrary()
	r := newRunner(t, lib, checkpoint.NewMemoryStore(), testConfig())
	ctx := context.Background()
	src := mapSource{"2M301": starVisits(lib, "2M301", 8)}

	rep, err := r.RunSource(ctx, src, []string{"2M301", "2M302"}, RunOptions{Mode: ModeTweak})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Done)
	assert.Equal(t, 1, rep.Failed)
	assert.Contains(t, rep.Outcomes[1].Err.Error(), "not in visit table")
	assert.Equal(t, ModeTweak, rep.Rows[0].Mode)

	rep, err = r.RunSource(ctx, panicSource{}, []string{"2M303"}, RunOptions{})
	require.NoError(t, err)
	var serr *spectra.Error
	require.True(t, errors.As(rep.Outcomes[0].Err, &serr))
	assert.Equal(t, spectra.KindNumericalFit, serr.Kind)

	_, err = r.RunSource(ctx, nil, []string{"2M301"}, RunOptions{})
	assert.Error(t, err)
}
