package rv

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/rvcomb/internal/monitoring"
	"github.com/banshee-data/rvcomb/internal/spectra"
)

// StarInput is one star of a field batch.
type StarInput struct {
	StarID string
	Visits []spectra.VisitSpectrum
}

// VisitSource supplies the visits of a star, for example from a visit
// summary table.
type VisitSource interface {
	Visits(ctx context.Context, starID string) ([]spectra.VisitSpectrum, error)
}

// Outcome is the result of one star in a batch: exactly one of Result and
// Err is set.
type Outcome struct {
	StarID string
	Result *StarResult
	Err    error
}

// FieldReport collects the outcomes of a batch in input order.
type FieldReport struct {
	Outcomes []Outcome
	Done     int
	Cached   int
	Failed   int
	// Rows holds the star summaries of successful stars, in input order.
	Rows []Summary
}

// RunField processes the stars on a pool of cfg.Workers goroutines. A star
// that fails or panics is recorded in its Outcome and never stops the
// others. Star IDs must be unique. The returned error is non-nil only for
// invalid input or a cancelled context.
func (r *Runner) RunField(ctx context.Context, stars []StarInput, opts RunOptions) (*FieldReport, error) {
	ids := make([]string, len(stars))
	for i, s := range stars {
		ids[i] = s.StarID
	}
	return r.run(ctx, ids, func(_ context.Context, i int) ([]spectra.VisitSpectrum, error) {
		return stars[i].Visits, nil
	}, opts)
}

// RunSource loads each star's visits from src inside the worker and runs it.
func (r *Runner) RunSource(ctx context.Context, src VisitSource, starIDs []string, opts RunOptions) (*FieldReport, error) {
	if src == nil {
		return nil, errors.New("rv: nil visit source")
	}
	return r.run(ctx, starIDs, func(ctx context.Context, i int) ([]spectra.VisitSpectrum, error) {
		return src.Visits(ctx, starIDs[i])
	}, opts)
}

func (r *Runner) run(ctx context.Context, ids []string, load func(context.Context, int) ([]spectra.VisitSpectrum, error), opts RunOptions) (*FieldReport, error) {
	if _, err := ParseMode(string(opts.Mode)); err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" {
			return nil, errors.New("rv: empty star id in batch")
		}
		if seen[id] {
			return nil, fmt.Errorf("rv: star %s appears more than once in batch", id)
		}
		seen[id] = true
	}

	outcomes := make([]Outcome, len(ids))
	var g errgroup.Group
	g.SetLimit(r.cfg.Workers)
	for i, id := range ids {
		if ctx.Err() != nil {
			outcomes[i] = Outcome{StarID: id, Err: ctx.Err()}
			continue
		}
		i, id := i, id
		g.Go(func() error {
			outcomes[i] = r.runOne(ctx, i, id, load, opts)
			return nil
		})
	}
	_ = g.Wait()

	rep := &FieldReport{Outcomes: outcomes}
	for _, o := range outcomes {
		switch {
		case o.Err != nil:
			rep.Failed++
		case o.Result.Cached():
			rep.Cached++
			rep.Rows = append(rep.Rows, o.Result.Summary)
		default:
			rep.Done++
			rep.Rows = append(rep.Rows, o.Result.Summary)
		}
	}
	monitoring.Logf("[rv] field batch: %d done, %d cached, %d failed", rep.Done, rep.Cached, rep.Failed)
	if err := ctx.Err(); err != nil {
		return rep, err
	}
	return rep, nil
}

func (r *Runner) runOne(ctx context.Context, i int, id string, load func(context.Context, int) ([]spectra.VisitSpectrum, error), opts RunOptions) (out Outcome) {
	out.StarID = id
	defer func() {
		if p := recover(); p != nil {
			monitoring.Logf("[rv] panic processing %s: %v\n%s", id, p, debug.Stack())
			out = Outcome{StarID: id, Err: spectra.Errorf(spectra.KindNumericalFit, "rv.RunField", "panic: %v", p)}
		}
	}()
	visits, err := load(ctx, i)
	if err != nil {
		out.Err = fmt.Errorf("load visits for %s: %w", id, err)
		return out
	}
	out.Result, out.Err = r.RunStar(ctx, id, visits, opts)
	if out.Err != nil {
		out.Result = nil
	}
	return out
}
