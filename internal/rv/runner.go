package rv

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/google/uuid"

	"github.com/banshee-data/rvcomb/internal/checkpoint"
	"github.com/banshee-data/rvcomb/internal/decomp"
	"github.com/banshee-data/rvcomb/internal/doppler"
	"github.com/banshee-data/rvcomb/internal/monitoring"
	"github.com/banshee-data/rvcomb/internal/spectra"
	"github.com/banshee-data/rvcomb/internal/stack"
	"github.com/banshee-data/rvcomb/internal/version"
)

// Config bundles the settings of every pipeline stage.
type Config struct {
	Doppler doppler.Config
	Stack   stack.Config
	Decomp  decomp.Config
	// MinSNR is the quality-gate threshold; visits need SNR strictly above it.
	MinSNR float64
	// Workers is the size of the star pool used by RunField.
	Workers int
}

// DefaultConfig returns the standard pipeline settings.
func DefaultConfig() Config {
	return Config{
		Doppler: doppler.DefaultConfig(),
		Stack:   stack.DefaultConfig(),
		Decomp:  decomp.DefaultConfig(),
		MinSNR:  3,
		Workers: 4,
	}
}

// Runner executes the per-star pipeline. One Runner may process many stars
// concurrently as long as each star is handled by a single goroutine.
type Runner struct {
	cfg     Config
	store   checkpoint.Store
	engines map[Mode]*doppler.Engine
	runID   string
}

// NewRunner builds a runner over the template library lib, persisting
// checkpoints in store.
func NewRunner(lib doppler.TemplateLibrary, store checkpoint.Store, cfg Config) (*Runner, error) {
	if store == nil {
		return nil, errors.New("rv: nil checkpoint store")
	}
	if err := cfg.Decomp.Validate(); err != nil {
		return nil, fmt.Errorf("invalid decomposition config: %w", err)
	}
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("workers must be at least 1, got %d", cfg.Workers)
	}
	cfg.Doppler.Stack = cfg.Stack
	standard, err := doppler.NewEngine(lib, cfg.Doppler)
	if err != nil {
		return nil, err
	}
	tweakCfg := cfg.Doppler
	tweakCfg.Tweak = true
	tweak, err := doppler.NewEngine(lib, tweakCfg)
	if err != nil {
		return nil, err
	}
	return &Runner{
		cfg:     cfg,
		store:   store,
		engines: map[Mode]*doppler.Engine{ModeStandard: standard, ModeTweak: tweak},
		runID:   uuid.NewString(),
	}, nil
}

// RunID identifies this runner's checkpoint writes.
func (r *Runner) RunID() string { return r.runID }

// RunStar processes one star. Without opts.Overwrite an existing checkpoint
// short-circuits the run: a completed result is returned as cached and a
// recorded failure is returned again; a pending marker left by an
// interrupted run is recomputed. Terminal failures are returned as
// *FailureRecord. A cancelled context returns ctx.Err() and leaves any
// completed checkpoint untouched.
func (r *Runner) RunStar(ctx context.Context, starID string, visits []spectra.VisitSpectrum, opts RunOptions) (*StarResult, error) {
	mode, err := ParseMode(string(opts.Mode))
	if err != nil {
		return nil, err
	}
	if starID == "" {
		return nil, errors.New("rv: empty star id")
	}
	logf := monitoring.StarLogger(starID)
	key := CheckpointKey(starID, mode, visits)

	if !opts.Overwrite {
		rec, err := r.store.Load(ctx, key)
		switch {
		case err == nil && rec.Status == checkpoint.StatusDone:
			var res StarResult
			if err := checkpoint.Decode(rec.Payload, &res); err != nil {
				return nil, fmt.Errorf("decode checkpoint for %s: %w", starID, err)
			}
			res.cached = true
			logf("using checkpoint from run %s", rec.RunID)
			return &res, nil
		case err == nil && rec.Status == checkpoint.StatusFailed:
			logf("previous run failed in %s: %s", rec.State, rec.Reason)
			return nil, failureFromRecord(rec)
		case err == nil:
			logf("found interrupted run %s, recomputing", rec.RunID)
		case !errors.Is(err, checkpoint.ErrNotFound):
			return nil, fmt.Errorf("load checkpoint for %s: %w", starID, err)
		}
	}

	if _, err := r.store.Placeholder(ctx, r.record(key, starID, mode, checkpoint.StatusPending, StatePending)); err != nil {
		return nil, fmt.Errorf("write placeholder for %s: %w", starID, err)
	}

	res, fail, err := r.process(ctx, starID, key, mode, visits, logf)
	if err != nil {
		return nil, err
	}
	if fail != nil {
		rec := r.record(key, starID, mode, checkpoint.StatusFailed, fail.State)
		rec.Kind = fail.Kind.String()
		rec.Reason = fail.Reason
		if err := r.store.Store(ctx, rec); err != nil {
			return nil, fmt.Errorf("store failure for %s: %w", starID, err)
		}
		return nil, fail
	}

	payload, err := checkpoint.Encode(res)
	if err != nil {
		return nil, err
	}
	rec := r.record(key, starID, mode, checkpoint.StatusDone, StateDone)
	rec.Payload = payload
	if err := r.store.Store(ctx, rec); err != nil {
		return nil, fmt.Errorf("store result for %s: %w", starID, err)
	}
	return res, nil
}

// Failures lists the persisted failure records of all runs.
func (r *Runner) Failures(ctx context.Context) ([]FailureRecord, error) {
	recs, err := r.store.ListFailures(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]FailureRecord, 0, len(recs))
	for i := range recs {
		out = append(out, *failureFromRecord(&recs[i]))
	}
	return out, nil
}

func (r *Runner) record(key, starID string, mode Mode, status checkpoint.Status, state State) *checkpoint.Record {
	return &checkpoint.Record{
		Key:     key,
		StarID:  starID,
		Mode:    string(mode),
		Status:  status,
		RunID:   r.runID,
		Version: version.Stamp(),
		State:   string(state),
	}
}

func failureFromRecord(rec *checkpoint.Record) *FailureRecord {
	return &FailureRecord{
		StarID: rec.StarID,
		Key:    rec.Key,
		RunID:  rec.RunID,
		State:  State(rec.State),
		Kind:   spectra.ParseKind(rec.Kind),
		Reason: rec.Reason,
	}
}

// process runs the state machine. It returns exactly one of a result, a
// terminal failure, or a context error.
func (r *Runner) process(ctx context.Context, starID, key string, mode Mode, visits []spectra.VisitSpectrum, logf func(string, ...interface{})) (res *StarResult, fail *FailureRecord, err error) {
	res = &StarResult{StarID: starID, Key: key, Mode: mode, States: []State{StatePending}}
	state := StatePending
	to := func(next State) {
		logf("state %s -> %s", state, next)
		state = next
		res.States = append(res.States, next)
	}
	failed := func(kind spectra.Kind, reason string) (*StarResult, *FailureRecord, error) {
		logf("state %s -> %s: %s", state, StateFailed, reason)
		return nil, &FailureRecord{StarID: starID, Key: key, RunID: r.runID, State: state, Kind: kind, Reason: reason}, nil
	}
	defer func() {
		if p := recover(); p != nil {
			logf("panic in %s: %v\n%s", state, p, debug.Stack())
			res, err = nil, nil
			fail = &FailureRecord{StarID: starID, Key: key, RunID: r.runID, State: state, Kind: spectra.KindNumericalFit, Reason: fmt.Sprintf("panic: %v", p)}
		}
	}()

	to(StateLoaded)
	good, rejected := gate(visits, r.cfg.MinSNR)
	res.Rejections = rejected
	for _, rj := range rejected {
		logf("visit %s rejected: %s", rj.VisitID, rj.Reason)
	}
	if len(good) == 0 {
		return failed(spectra.KindNoVisits, fmt.Sprintf("none of %d visits passed the quality gate", len(visits)))
	}

	engine := r.engines[mode]
	ecfg := engine.Config()
	sel, err := engine.SelectVelocityRange(ctx, good)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return failed(spectra.KindOf(err), err.Error())
	}
	if sel.BarycentricOnly {
		to(StateBCPrefit)
	}
	logf("velocity window %s (%s)", sel.Range, sel.Policy)

	to(StateJointFit)
	sum, fits, err := engine.JointFit(ctx, good, sel.Range)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		kind := spectra.KindOf(err)
		if kind == spectra.KindUnknown {
			kind = spectra.KindNumericalFit
		}
		return failed(kind, err.Error())
	}

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	to(StateDecomposed)
	records := make([]VisitRecord, len(good))
	maxComp := 0
	for i, v := range good {
		records[i] = newVisitRecord(v)
		if !fits[i].OK() {
			records[i].RV.BC = v.BC
			records[i].RV.Quality = spectra.QualityReject
			records[i].StarFlag |= spectra.StarRVReject
			logf("visit %s has no velocity", v.VisitID)
			continue
		}
		fillRecord(&records[i], fits[i], sum.Template, r.cfg.Decomp, ecfg, logf)
		maxComp = max(maxComp, records[i].RV.NComponents)
	}
	res.Visits = records

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	to(StateCombined)
	keep, vels, rvRejected := keepByQuality(good, records)
	for _, rj := range rvRejected {
		logf("visit %s dropped from the combination: %s", rj.VisitID, rj.Reason)
	}
	res.Rejections = append(res.Rejections, rvRejected...)
	if len(keep) == 0 {
		return failed(spectra.KindNoVisits, "every visit was rejected by the rv quality check")
	}
	scfg := r.cfg.Stack
	scfg.Grid = ecfg.Grid
	scfg.BarycentricOnly = false
	scfg.Diagnostics = engine
	comb, err := stack.Combine(keep, vels, scfg)
	if err != nil {
		kind := spectra.KindOf(err)
		if kind == spectra.KindUnknown {
			kind = spectra.KindNumericalFit
		}
		return failed(kind, err.Error())
	}
	res.Combined = comb

	res.Summary = Summary{
		StarID:        starID,
		Mode:          mode,
		NVisits:       len(good),
		NRejected:     len(rejected),
		Policy:        sel.Policy.String(),
		Range:         sel.Range,
		Estimate:      sel.Estimate,
		Template:      sum.Template,
		Chi2:          sum.Chi2,
		VHelio:        sum.VHelio,
		VScatter:      sum.VScatter,
		VErr:          sum.VErr,
		MaxComponents: maxComp,
		StarFlag:      comb.Header.StarFlag,
		AndFlag:       comb.Header.AndFlag,
		SNR:           comb.Header.SNR,
		MeanFiber:     comb.Header.MeanFiber,
		SigFiber:      comb.Header.SigFiber,
	}
	to(StateDone)
	logf("vhelio %.3f ± %.3f km/s from %d visits", sum.VHelio, sum.VErr, len(keep))
	return res, nil, nil
}
