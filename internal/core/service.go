package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/csvrouter/internal/classify"
	"github.com/JonMunkholm/csvrouter/internal/logging"
	"github.com/JonMunkholm/csvrouter/internal/route"
	"github.com/JonMunkholm/csvrouter/internal/storage"
)

// DefaultRunTimeout bounds a run when Options.Timeout is zero.
const DefaultRunTimeout = 30 * time.Minute

// recordTimeout bounds each ledger write.
const recordTimeout = 10 * time.Second

// Options configures a Service.
type Options struct {
	Store  storage.Store
	Policy route.Policy
	// Prefix is prepended to every output path and partition prefix.
	Prefix     string
	Delimiter  rune
	LazyQuotes bool

	MaxConcurrent int
	MaxWait       time.Duration
	Timeout       time.Duration
	// Retention is how long finished runs stay queryable by id.
	Retention time.Duration

	Recorder Recorder
	Observer route.Observer
}

// Service runs routing jobs. Runs may be synchronous (Run) or started in
// the background (StartRun) and polled by id.
type Service struct {
	opts     Options
	limiter  *RunLimiter
	recorder Recorder

	mu   sync.RWMutex
	runs map[string]*activeRun
}

type activeRun struct {
	id      string
	source  string
	origin  string
	started time.Time
	cancel  context.CancelFunc
	done    chan struct{}
	next    route.Observer

	mu     sync.Mutex
	phase  RunPhase
	result *RunResult
	bytes   func() int64
	percent func() int

	rows      atomic.Int64
	groups    atomic.Int64
	committed atomic.Int64
}

// NewService returns a Service. Store and Policy are required.
func NewService(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("core: Store is required")
	}
	if opts.Policy.PartitionOf == nil || opts.Policy.GroupOf == nil {
		return nil, errors.New("core: Policy is required")
	}
	if opts.Delimiter == 0 {
		opts.Delimiter = ','
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultRunTimeout
	}
	rec := opts.Recorder
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Service{
		opts:     opts,
		limiter:  NewRunLimiter(opts.MaxConcurrent, opts.MaxWait),
		recorder: rec,
		runs:     make(map[string]*activeRun),
	}, nil
}

// Run routes the source named by locator and returns when every output is
// committed or the run failed. The returned error is the run's fatal
// error; the result is non-nil whenever a slot was acquired.
func (s *Service) Run(ctx context.Context, locator string) (*RunResult, error) {
	if err := s.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	defer s.limiter.Release()

	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	run := s.register(ctx, locator, cancel)

	result := s.execute(ctx, run)
	return result, result.Err
}

// StartRun begins a run in the background and returns its id. It waits
// for a run slot up to the limiter's wait time; ctx only bounds that wait.
func (s *Service) StartRun(ctx context.Context, locator string) (string, error) {
	if err := s.limiter.Acquire(ctx); err != nil {
		return "", err
	}

	runCtx, cancel := context.WithTimeout(context.Background(), s.opts.Timeout)
	run := s.register(ctx, locator, cancel)

	go func() {
		defer s.limiter.Release()
		defer cancel()
		s.execute(runCtx, run)
	}()

	return run.id, nil
}

// GetRunProgress returns the current progress without blocking.
func (s *Service) GetRunProgress(runID string) (RunProgress, error) {
	run, err := s.lookup(runID)
	if err != nil {
		return RunProgress{}, err
	}
	return run.progress(), nil
}

// GetRunResult blocks until the run finishes or ctx ends.
func (s *Service) GetRunResult(ctx context.Context, runID string) (*RunResult, error) {
	run, err := s.lookup(runID)
	if err != nil {
		return nil, err
	}

	select {
	case <-run.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	run.mu.Lock()
	defer run.mu.Unlock()
	return run.result, nil
}

// CancelRun cancels an in-flight run. Outputs not yet committed are
// discarded. Cancelling a finished run is a no-op.
func (s *Service) CancelRun(runID string) error {
	run, err := s.lookup(runID)
	if err != nil {
		return err
	}
	run.cancel()
	return nil
}

// CancelAll cancels every in-flight run.
func (s *Service) CancelAll() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, run := range s.runs {
		run.cancel()
	}
}

// ListRuns returns the progress of every run still held in memory, newest
// first.
func (s *Service) ListRuns() []RunProgress {
	s.mu.RLock()
	out := make([]RunProgress, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, run.progress())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// WaitForRuns blocks until every run has finished or ctx ends. A run holds
// its limiter slot until its result is recorded, so a drained limiter
// means no run is in flight, even with runs starting concurrently.
func (s *Service) WaitForRuns(ctx context.Context) error {
	return s.limiter.WaitForDrain(ctx)
}

// LimiterStatus returns the run limiter's state.
func (s *Service) LimiterStatus() RunLimiterStatus {
	return s.limiter.Status()
}

// PolicyName returns the configured policy's name.
func (s *Service) PolicyName() string {
	return s.opts.Policy.Name
}

func (s *Service) register(ctx context.Context, locator string, cancel context.CancelFunc) *activeRun {
	run := &activeRun{
		id:      uuid.New().String(),
		source:  locator,
		origin:  OriginFromContext(ctx).String(),
		started: time.Now().UTC(),
		cancel:  cancel,
		done:    make(chan struct{}),
		phase:   PhaseQueued,
		next:    s.opts.Observer,
	}

	s.mu.Lock()
	s.runs[run.id] = run
	s.mu.Unlock()
	return run
}

func (s *Service) lookup(runID string) (*activeRun, error) {
	s.mu.RLock()
	run, ok := s.runs[runID]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run, nil
}

// forget drops a finished run after the retention period.
func (s *Service) forget(runID string) {
	remove := func() {
		s.mu.Lock()
		delete(s.runs, runID)
		s.mu.Unlock()
	}
	if s.opts.Retention <= 0 {
		remove()
		return
	}
	time.AfterFunc(s.opts.Retention, remove)
}

// execute performs one run: open the source, stream it through a Router,
// and record the outcome.
func (s *Service) execute(ctx context.Context, run *activeRun) *RunResult {
	ctx = logging.WithRunID(ctx, run.id)
	log := logging.WithFields(ctx, "source", run.source, "policy", s.opts.Policy.Name)

	result := &RunResult{
		RunID:     run.id,
		Source:    run.source,
		Policy:    s.opts.Policy.Name,
		Origin:    run.origin,
		StartedAt: run.started,
	}
	defer s.finish(ctx, run, result)

	s.recordStart(ctx, run)
	log.Info("run started", "origin", run.origin)

	run.setPhase(PhaseOpening)
	src, err := s.opts.Store.OpenSource(ctx, run.source)
	if err != nil {
		result.Err = err
		return result
	}
	defer src.Close()

	size := storage.SizeOf(src)
	c := classify.New(src,
		classify.WithDelimiter(s.opts.Delimiter),
		classify.WithLazyQuotes(s.opts.LazyQuotes),
		classify.WithTotalSize(size),
	)
	run.mu.Lock()
	run.bytes = c.BytesRead
	if size > 0 {
		run.percent = c.Progress
	}
	run.mu.Unlock()
	result.SourceSize = size

	r, err := route.New(ctx, route.Config{
		Policy:    s.opts.Policy,
		Sink:      s.opts.Store,
		Cleaner:   s.opts.Store,
		Prefix:    s.opts.Prefix,
		Delimiter: s.opts.Delimiter,
		Logger:    log,
		Observer:  run,
	})
	if err != nil {
		result.Err = err
		return result
	}

	run.setPhase(PhaseRouting)
	sum, err := r.Drain(c)

	result.Rows = sum.Rows
	result.Skipped = c.Skipped()
	result.BytesRead = c.BytesRead()
	result.Groups, result.Partitions = fromSummary(sum)
	result.Err = err
	return result
}

func (s *Service) finish(ctx context.Context, run *activeRun, result *RunResult) {
	result.FinishedAt = time.Now().UTC()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)

	switch {
	case result.Err == nil:
		result.Phase = PhaseComplete
	case errors.Is(result.Err, context.Canceled) || errors.Is(result.Err, route.ErrAborted):
		result.Phase = PhaseCancelled
	default:
		result.Phase = PhaseFailed
	}
	if result.Err != nil {
		msg := MapError(result.Err)
		result.Error = result.Err.Error()
		result.ErrorCode = msg.Code
	}

	log := logging.WithFields(ctx,
		"source", run.source,
		"rows", result.Rows,
		"groups", len(result.Groups),
		"cleanup_failures", result.CleanupFailures(),
		"duration", result.Duration,
	)
	if result.Err != nil {
		log.Error("run failed", "phase", result.Phase, "code", result.ErrorCode, "error", result.Err)
	} else {
		log.Info("run complete", "committed", result.Committed())
	}

	// The run context may already be cancelled; history is still written.
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := s.recorder.RecordFinish(recCtx, result); err != nil {
		log.Warn("recording run result failed", "error", err)
	}

	run.mu.Lock()
	run.phase = result.Phase
	run.result = result
	run.mu.Unlock()
	close(run.done)

	s.forget(run.id)
}

func (s *Service) recordStart(ctx context.Context, run *activeRun) {
	recCtx, cancel := context.WithTimeout(ctx, recordTimeout)
	defer cancel()
	err := s.recorder.RecordStart(recCtx, RunInfo{
		RunID:     run.id,
		Source:    run.source,
		Policy:    s.opts.Policy.Name,
		Origin:    run.origin,
		StartedAt: run.started,
	})
	if err != nil {
		logging.FromContext(ctx).Warn("recording run start failed", "error", err)
	}
}

func (r *activeRun) setPhase(p RunPhase) {
	r.mu.Lock()
	r.phase = p
	r.mu.Unlock()
}

func (r *activeRun) progress() RunProgress {
	r.mu.Lock()
	p := RunProgress{
		RunID:     r.id,
		Source:    r.source,
		Origin:    r.origin,
		Phase:     r.phase,
		StartedAt: r.started,
	}
	bytes, percent := r.bytes, r.percent
	if r.result != nil {
		p.Error = r.result.Error
		p.BytesRead = r.result.BytesRead
	}
	r.mu.Unlock()

	if bytes != nil && p.BytesRead == 0 {
		p.BytesRead = bytes()
	}
	if percent != nil {
		p.Percent = percent()
	}
	p.Rows = r.rows.Load()
	p.Groups = r.groups.Load()
	p.Committed = r.committed.Load()
	return p
}

// activeRun observes its own router to feed progress, then forwards to the
// service-wide observer.

func (r *activeRun) RecordRouted() {
	r.rows.Add(1)
	if r.next != nil {
		r.next.RecordRouted()
	}
}

func (r *activeRun) GroupOpened() {
	r.groups.Add(1)
	if r.next != nil {
		r.next.GroupOpened()
	}
}

func (r *activeRun) GroupFinished(state route.GroupState, rows int, elapsed time.Duration) {
	if state == route.StateDone {
		r.committed.Add(1)
	}
	if r.next != nil {
		r.next.GroupFinished(state, rows, elapsed)
	}
}

func (r *activeRun) PartitionCleaned(deleted int, err error, elapsed time.Duration) {
	if r.next != nil {
		r.next.PartitionCleaned(deleted, err, elapsed)
	}
}
