package batch

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"go.viam.com/pcregistration/logging"
	"go.viam.com/pcregistration/registration"
)

// Outcome classifies a PairResult.
type Outcome int

// The possible outcomes of a pair.
const (
	OutcomeSuccess Outcome = iota
	OutcomeDegenerate
	OutcomeLoadFailure
	OutcomeRegistrationFailure
	OutcomeCanceled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeDegenerate:
		return "degenerate"
	case OutcomeLoadFailure:
		return "load_failure"
	case OutcomeRegistrationFailure:
		return "registration_failure"
	case OutcomeCanceled:
		return "canceled"
	}
	return "unknown"
}

// PairResult is the outcome of registering one pair. Result is only meaningful when Err is nil.
type PairResult struct {
	Target GroupID
	Source GroupID
	Result registration.Result
	Err    error
}

// Kind classifies the result.
func (r PairResult) Kind() Outcome {
	if r.Err != nil {
		var loadErr *LoadError
		switch {
		case errors.Is(r.Err, context.Canceled), errors.Is(r.Err, context.DeadlineExceeded):
			return OutcomeCanceled
		case errors.As(r.Err, &loadErr):
			return OutcomeLoadFailure
		default:
			return OutcomeRegistrationFailure
		}
	}
	if r.Result.Degenerate() {
		return OutcomeDegenerate
	}
	return OutcomeSuccess
}

// Callback observes every pair that produced a result. Errors it returns are logged.
type Callback func(target, source GroupID, result registration.Result) error

type registerOptions struct {
	workers         int
	callback        Callback
	preprocessCache bool
	releaseDone     bool
	logger          logging.Logger
}

// RegisterOption configures Register.
type RegisterOption func(*registerOptions)

// WithWorkers sets how many pairs are registered at once. Each in flight pair may hold two full clouds
// in memory.
func WithWorkers(n int) RegisterOption {
	return func(o *registerOptions) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithCallback calls cb after every pair that produced a result. Calls never overlap.
func WithCallback(cb Callback) RegisterOption {
	return func(o *registerOptions) {
		o.callback = cb
	}
}

// WithPreprocessCache shares preprocessed clouds between pairs that preprocess the same group the same
// way, until the group is released.
func WithPreprocessCache() RegisterOption {
	return func(o *registerOptions) {
		o.preprocessCache = true
	}
}

// WithReleaseCompleted releases each group's clouds from the batch once every pair that uses it has
// finished, whatever its outcome. Groups left pending by cancellation are released when Register returns.
func WithReleaseCompleted() RegisterOption {
	return func(o *registerOptions) {
		o.releaseDone = true
	}
}

// WithLogger replaces the batch's logger for one Register call.
func WithLogger(logger logging.Logger) RegisterOption {
	return func(o *registerOptions) {
		o.logger = logger
	}
}

// Register runs pipeline on every pair and returns one result per index, in index order. Failures of
// individual pairs are recorded in their results. Once ctx is done no new pair starts and the remaining
// ones are recorded as canceled; pairs already running finish.
func Register(
	ctx context.Context,
	b *Batch,
	pipeline *registration.Pipeline,
	indices []Index,
	opts ...RegisterOption,
) []PairResult {
	o := registerOptions{workers: 1, logger: b.logger}
	for _, opt := range opts {
		opt(&o)
	}
	runID := uuid.New().String()
	logger := o.logger.Sublogger("register")
	logger.Infow("registering batch", "run", runID, "pairs", len(indices), "workers", o.workers)

	results := make([]PairResult, len(indices))
	for i, idx := range indices {
		results[i] = PairResult{Target: idx.Target, Source: idx.Source}
	}

	// running pairs are not interrupted by ctx
	work := context.WithoutCancel(ctx)
	completed := atomic.NewInt64(0)
	var callbackMu sync.Mutex
	var tracker *releaseTracker
	if o.releaseDone {
		tracker = newReleaseTracker(b, indices)
	}

	g := new(errgroup.Group)
	g.SetLimit(o.workers)
	for i := range indices {
		if err := ctx.Err(); err != nil {
			markCanceled(results[i:], err)
			break
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				markCanceled(results[i:i+1], err)
				return nil
			}
			results[i] = registerPair(work, b, pipeline, indices[i], o.preprocessCache)
			if tracker != nil {
				tracker.done(indices[i])
			}

			done := completed.Inc()
			logger.Debugw("pair registered",
				"run", runID,
				"completed", done,
				"total", len(indices),
				"target", indices[i].Target.String(),
				"source", indices[i].Source.String(),
				"outcome", results[i].Kind().String(),
			)
			if results[i].Err != nil {
				logger.Warnw("pair failed", "run", runID, "pair", indices[i].String(), "error", results[i].Err)
				return nil
			}
			registration.LogResult(logger, indices[i].String(), results[i].Result)
			if o.callback != nil {
				callbackMu.Lock()
				defer callbackMu.Unlock()
				invokeCallback(logger, o.callback, results[i])
			}
			return nil
		})
	}
	// workers never return errors
	_ = g.Wait()
	if tracker != nil {
		tracker.releaseAll()
	}

	summary := Summarize(results)
	logger.Infow("batch registered",
		"run", runID,
		"completed", completed.Load(),
		"succeeded", summary.Counts[OutcomeSuccess],
		"degenerate", summary.Counts[OutcomeDegenerate],
		"load_failures", summary.Counts[OutcomeLoadFailure],
		"registration_failures", summary.Counts[OutcomeRegistrationFailure],
		"canceled", summary.Counts[OutcomeCanceled],
	)
	return results
}

func markCanceled(results []PairResult, err error) {
	for i := range results {
		results[i].Err = errors.Wrap(err, "pair not started")
	}
}

func registerPair(
	ctx context.Context,
	b *Batch,
	pipeline *registration.Pipeline,
	idx Index,
	preprocessCache bool,
) (res PairResult) {
	res = PairResult{Target: idx.Target, Source: idx.Source}
	defer func() {
		if r := recover(); r != nil {
			res.Result = registration.Result{}
			res.Err = errors.Errorf("registering %v: panic: %v", idx, r)
		}
	}()

	target, err := b.Load(ctx, idx.Target)
	if err != nil {
		res.Err = err
		return res
	}
	source, err := b.Load(ctx, idx.Source)
	if err != nil {
		res.Err = err
		return res
	}

	var opts []registration.ApplyOption
	if preprocessCache {
		opts = append(opts, registration.WithPreprocessFunc(b.preprocessFunc(idx)))
	}
	result, err := pipeline.Apply(ctx, target, source, opts...)
	if err != nil {
		res.Err = errors.Wrapf(err, "registering %v", idx)
		return res
	}
	res.Result = result
	return res
}

func invokeCallback(logger logging.Logger, cb Callback, result PairResult) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorw("progress callback panicked",
				"target", result.Target.String(), "source", result.Source.String(), "panic", r)
		}
	}()
	if err := cb(result.Target, result.Source, result.Result); err != nil {
		logger.Errorw("progress callback failed",
			"target", result.Target.String(), "source", result.Source.String(), "error", err)
	}
}

// releaseTracker counts the unfinished pairs of every group.
type releaseTracker struct {
	b         *Batch
	mu        sync.Mutex
	remaining map[int]int
	ids       map[int]GroupID
}

func newReleaseTracker(b *Batch, indices []Index) *releaseTracker {
	tr := &releaseTracker{b: b, remaining: map[int]int{}, ids: map[int]GroupID{}}
	for _, idx := range indices {
		for _, id := range []GroupID{idx.Target, idx.Source} {
			tr.remaining[id.Key]++
			tr.ids[id.Key] = id
		}
	}
	return tr
}

func (tr *releaseTracker) done(idx Index) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for _, id := range []GroupID{idx.Target, idx.Source} {
		tr.remaining[id.Key]--
		if tr.remaining[id.Key] == 0 {
			delete(tr.remaining, id.Key)
			tr.b.Release(id)
		}
	}
}

func (tr *releaseTracker) releaseAll() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for key := range tr.remaining {
		tr.b.Release(tr.ids[key])
	}
	tr.remaining = map[int]int{}
}
