package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/csvrouter/internal/classify"
	"github.com/JonMunkholm/csvrouter/internal/route"
	"github.com/JonMunkholm/csvrouter/internal/storage"
	"github.com/JonMunkholm/csvrouter/internal/storage/memstore"
)

const schoolCSV = "School,Semester,Grade,Subject,Class,Student Name,Score\n" +
	"Lincoln,Fall,3,Math,A,Ada,91\n" +
	"Lincoln,Fall,3,Math,A,Grace,88\n" +
	"Lincoln,Fall,4,Art,B,Alan,75\n" +
	"Roosevelt,Spring,3,Math,A,Edsger,80\n"

type fakeRecorder struct {
	mu       sync.Mutex
	started  []RunInfo
	finished []*RunResult
	err      error
}

func (f *fakeRecorder) RecordStart(_ context.Context, info RunInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, info)
	return f.err
}

func (f *fakeRecorder) RecordFinish(_ context.Context, r *RunResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, r)
	return f.err
}

func newTestService(t *testing.T, store *memstore.Store, mutate func(*Options)) *Service {
	t.Helper()
	opts := Options{
		Store:         store,
		Policy:        route.SchoolPolicy(),
		Prefix:        "out",
		MaxConcurrent: 2,
		MaxWait:       50 * time.Millisecond,
		Timeout:       5 * time.Second,
		Retention:     time.Minute,
	}
	if mutate != nil {
		mutate(&opts)
	}
	svc, err := NewService(opts)
	require.NoError(t, err)
	return svc
}

func TestService_Run(t *testing.T) {
	store := memstore.New()
	store.AddSource("school.csv", schoolCSV)
	store.Put("out/Fall/Lincoln/9/Old-Z.csv", "stale")
	rec := &fakeRecorder{}
	svc := newTestService(t, store, func(o *Options) { o.Recorder = rec })

	result, err := svc.Run(context.Background(), "school.csv")
	require.NoError(t, err)

	assert.Equal(t, PhaseComplete, result.Phase)
	assert.Equal(t, "school", result.Policy)
	assert.Equal(t, 4, result.Rows)
	assert.Equal(t, int64(len(schoolCSV)), result.BytesRead)
	assert.Equal(t, 3, result.Committed())
	assert.Len(t, result.Partitions, 2)
	assert.Zero(t, result.CleanupFailures())
	assert.True(t, result.Succeeded())

	assert.Equal(t, []string{
		"out/Fall/Lincoln/3/Math-A.csv",
		"out/Fall/Lincoln/4/Art-B.csv",
		"out/Spring/Roosevelt/3/Math-A.csv",
	}, store.Keys())

	body, _ := store.Get("out/Fall/Lincoln/3/Math-A.csv")
	assert.Equal(t, "School,Semester,Grade,Subject,Class,Student Name,Score\n"+
		"Lincoln,Fall,3,Math,A,Ada,91\n"+
		"Lincoln,Fall,3,Math,A,Grace,88\n", body)

	require.Len(t, rec.started, 1)
	require.Len(t, rec.finished, 1)
	assert.Equal(t, result.RunID, rec.started[0].RunID)
	assert.Same(t, result, rec.finished[0])
}

func TestService_RunErrors(t *testing.T) {
	tests := []struct {
		name      string
		source    string
		body      string
		setup     func(*memstore.Store)
		wantCode  string
		wantPhase RunPhase
		check     func(t *testing.T, err error)
	}{
		{
			name:      "missing source",
			source:    "missing.csv",
			wantCode:  "SRC001",
			wantPhase: PhaseFailed,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, storage.ErrSourceUnavailable)
			},
		},
		{
			name:      "malformed csv",
			source:    "bad.csv",
			body:      "School,Semester\nLincoln,Fall,extra\n",
			wantCode:  "FMT001",
			wantPhase: PhaseFailed,
			check: func(t *testing.T, err error) {
				var pe *classify.ParseError
				assert.True(t, errors.As(err, &pe))
			},
		},
		{
			name:   "commit failure",
			source: "school.csv",
			body:   schoolCSV,
			setup: func(s *memstore.Store) {
				s.FailCommit("out/Spring/Roosevelt/3/Math-A.csv", errors.New("quota exceeded"))
			},
			wantCode:  "SNK001",
			wantPhase: PhaseFailed,
			check: func(t *testing.T, err error) {
				var se *route.SinkCommitError
				assert.True(t, errors.As(err, &se))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memstore.New()
			if tt.body != "" {
				store.AddSource(tt.source, tt.body)
			}
			if tt.setup != nil {
				tt.setup(store)
			}
			svc := newTestService(t, store, nil)

			result, err := svc.Run(context.Background(), tt.source)
			require.Error(t, err)
			require.NotNil(t, result)
			assert.Equal(t, tt.wantPhase, result.Phase)
			assert.Equal(t, tt.wantCode, result.ErrorCode)
			assert.NotEmpty(t, result.Error)
			tt.check(t, err)
		})
	}
}

func TestService_CleanupFailureStillCompletes(t *testing.T) {
	store := memstore.New()
	store.AddSource("school.csv", schoolCSV)
	store.FailDelete("out/Fall/", errors.New("AccessDenied"))
	svc := newTestService(t, store, nil)

	result, err := svc.Run(context.Background(), "school.csv")
	require.NoError(t, err)
	assert.Equal(t, PhaseComplete, result.Phase)
	assert.Equal(t, 1, result.CleanupFailures())
	assert.Equal(t, 3, result.Committed())
}

func TestService_StartRunAndWait(t *testing.T) {
	store := memstore.New()
	store.AddSource("school.csv", schoolCSV)
	svc := newTestService(t, store, nil)

	id, err := svc.StartRun(context.Background(), "school.csv")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := svc.GetRunResult(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, PhaseComplete, result.Phase)
	assert.Equal(t, id, result.RunID)

	progress, err := svc.GetRunProgress(id)
	require.NoError(t, err)
	assert.Equal(t, PhaseComplete, progress.Phase)
	assert.Equal(t, int64(4), progress.Rows)
	assert.Equal(t, int64(3), progress.Committed)
	assert.Equal(t, 100, progress.Percent)
	assert.Equal(t, int64(len(schoolCSV)), progress.BytesRead)
	assert.Equal(t, int64(len(schoolCSV)), result.SourceSize)

	runs := svc.ListRuns()
	require.Len(t, runs, 1)
	assert.Equal(t, id, runs[0].RunID)

	require.NoError(t, svc.WaitForRuns(ctx))
	assert.Equal(t, 0, svc.LimiterStatus().Active)
}

func TestService_RecordsOrigin(t *testing.T) {
	store := memstore.New()
	store.AddSource("school.csv", schoolCSV)
	rec := &fakeRecorder{}
	svc := newTestService(t, store, func(o *Options) { o.Recorder = rec })

	ctx := ContextWithOrigin(context.Background(), Origin{Kind: OriginHTTP, Client: "10.0.0.7"})
	id, err := svc.StartRun(ctx, "school.csv")
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := svc.GetRunResult(waitCtx, id)
	require.NoError(t, err)
	assert.Equal(t, "http 10.0.0.7", result.Origin)

	progress, err := svc.GetRunProgress(id)
	require.NoError(t, err)
	assert.Equal(t, "http 10.0.0.7", progress.Origin)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.started, 1)
	assert.Equal(t, "http 10.0.0.7", rec.started[0].Origin)
}

func TestOrigin_String(t *testing.T) {
	assert.Equal(t, "", Origin{}.String())
	assert.Equal(t, "cli", Origin{Kind: OriginCLI}.String())
	assert.Equal(t, "amqp events", Origin{Kind: OriginQueue, Client: "events"}.String())
	assert.Equal(t, Origin{}, OriginFromContext(context.Background()))
}

func TestService_CancelRun(t *testing.T) {
	store := memstore.New()
	store.AddSource("school.csv", schoolCSV)
	release := make(chan struct{})
	store.BeforeDelete = func(string) { <-release }
	svc := newTestService(t, store, nil)

	id, err := svc.StartRun(context.Background(), "school.csv")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		p, err := svc.GetRunProgress(id)
		return err == nil && p.Rows == 4
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, svc.CancelRun(id))
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := svc.GetRunResult(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, PhaseCancelled, result.Phase)
	assert.Equal(t, "RUN003", result.ErrorCode)
	assert.Empty(t, store.Keys(), "cancelled run must not commit")
}

func TestService_Busy(t *testing.T) {
	store := memstore.New()
	store.AddSource("school.csv", schoolCSV)
	release := make(chan struct{})
	store.BeforeDelete = func(string) { <-release }
	svc := newTestService(t, store, func(o *Options) { o.MaxConcurrent = 1 })

	id, err := svc.StartRun(context.Background(), "school.csv")
	require.NoError(t, err)

	_, err = svc.StartRun(context.Background(), "school.csv")
	assert.ErrorIs(t, err, ErrTooManyRuns)

	_, err = svc.Run(context.Background(), "school.csv")
	assert.ErrorIs(t, err, ErrTooManyRuns)

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = svc.GetRunResult(ctx, id)
	require.NoError(t, err)
}

func TestService_RunNotFound(t *testing.T) {
	svc := newTestService(t, memstore.New(), nil)

	_, err := svc.GetRunProgress("nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
	_, err = svc.GetRunResult(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.ErrorIs(t, svc.CancelRun("nope"), ErrRunNotFound)
}

func TestService_ForgetsWithoutRetention(t *testing.T) {
	store := memstore.New()
	store.AddSource("school.csv", schoolCSV)
	svc := newTestService(t, store, func(o *Options) { o.Retention = 0 })

	result, err := svc.Run(context.Background(), "school.csv")
	require.NoError(t, err)

	_, err = svc.GetRunProgress(result.RunID)
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestService_RecorderFailureIsNotFatal(t *testing.T) {
	store := memstore.New()
	store.AddSource("school.csv", schoolCSV)
	svc := newTestService(t, store, func(o *Options) {
		o.Recorder = &fakeRecorder{err: errors.New("ledger down")}
	})

	_, err := svc.Run(context.Background(), "school.csv")
	assert.NoError(t, err)
}

func TestService_Timeout(t *testing.T) {
	store := memstore.New()
	store.AddSource("school.csv", schoolCSV)
	release := make(chan struct{})
	defer close(release)
	store.BeforeDelete = func(string) {
		select {
		case <-release:
		case <-time.After(200 * time.Millisecond):
		}
	}
	svc := newTestService(t, store, func(o *Options) { o.Timeout = 20 * time.Millisecond })

	result, err := svc.Run(context.Background(), "school.csv")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "RUN004", result.ErrorCode)
	assert.Equal(t, PhaseFailed, result.Phase)
}

func TestNewService_Validation(t *testing.T) {
	_, err := NewService(Options{Policy: route.SchoolPolicy()})
	assert.Error(t, err)

	_, err = NewService(Options{Store: memstore.New()})
	assert.Error(t, err)
}

func TestMultiRecorder(t *testing.T) {
	a := &fakeRecorder{}
	b := &fakeRecorder{err: errors.New("down")}
	rec := MultiRecorder(a, nil, b)

	err := rec.RecordStart(context.Background(), RunInfo{RunID: "r1"})
	assert.EqualError(t, err, "down")
	require.NoError(t, MultiRecorder(a).RecordFinish(context.Background(), &RunResult{RunID: "r1"}))

	assert.Len(t, a.started, 1)
	assert.Len(t, b.started, 1)
	assert.Len(t, a.finished, 1)
}

// Runs may start while a shutdown is already waiting; the wait must cover
// them without racing their registration.
func TestService_WaitForRunsWhileStarting(t *testing.T) {
	store := memstore.New()
	store.AddSource("school.csv", schoolCSV)
	svc := newTestService(t, store, func(o *Options) { o.MaxWait = time.Second })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			_, _ = svc.StartRun(ctx, "school.csv")
		}
	}()
	for i := 0; i < 20; i++ {
		require.NoError(t, svc.WaitForRuns(ctx))
	}
	wg.Wait()

	require.NoError(t, svc.WaitForRuns(ctx))
	assert.Equal(t, 0, svc.LimiterStatus().Active)
	for _, p := range svc.ListRuns() {
		assert.True(t, p.Phase.Terminal(), "run %s still %s", p.RunID, p.Phase)
	}
}
