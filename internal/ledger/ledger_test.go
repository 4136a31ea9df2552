package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/csvrouter/internal/core"
)

var t0 = time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)

func result(id string, started time.Time) *core.RunResult {
	return &core.RunResult{
		RunID:     id,
		Source:    "school.csv",
		Policy:    "school",
		Phase:     core.PhaseComplete,
		Rows:      3,
		BytesRead: 120,
		Groups: []core.GroupOutput{
			{Key: "Fall/A.csv", Partition: "Fall", Path: "out/Fall/A.csv", Rows: 2, State: "done"},
			{Key: "Spring/B.csv", Partition: "Spring", Path: "out/Spring/B.csv", Rows: 1, State: "done"},
		},
		Partitions: []core.PartitionCleanup{
			{Key: "Fall", Prefix: "out/Fall/"},
			{Key: "Spring", Prefix: "out/Spring/", Error: "AccessDenied"},
		},
		StartedAt:  started,
		FinishedAt: started.Add(time.Second),
	}
}

// ============================================================================
// Memory
// ============================================================================

func TestMemory_StartThenFinish(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.RecordStart(ctx, core.RunInfo{RunID: "r1", Source: "school.csv", Policy: "school", StartedAt: t0}))

	run, err := m.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, string(core.PhaseRouting), run.Phase)
	assert.Nil(t, run.FinishedAt)

	require.NoError(t, m.RecordFinish(ctx, result("r1", t0)))

	run, err = m.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "complete", run.Phase)
	assert.Equal(t, 3, run.Rows)
	assert.Equal(t, 2, run.Groups)
	assert.Equal(t, 2, run.Committed)
	assert.Equal(t, 1, run.CleanupFailures)
	require.NotNil(t, run.FinishedAt)
	assert.Equal(t, t0.Add(time.Second), *run.FinishedAt)
	require.Len(t, run.Outputs, 2)
	assert.Equal(t, Output{Path: "out/Fall/A.csv", Partition: "Fall", Rows: 2, State: "done"}, run.Outputs[0])
}

func TestMemory_StartDoesNotOverwriteFinish(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.RecordFinish(ctx, result("r1", t0)))
	require.NoError(t, m.RecordStart(ctx, core.RunInfo{RunID: "r1", StartedAt: t0}))

	run, err := m.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "complete", run.Phase)
}

func TestMemory_ListRuns(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, m.RecordFinish(ctx, result(id, t0.Add(time.Duration(i)*time.Hour))))
	}

	runs, err := m.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "c", runs[0].RunID)
	assert.Equal(t, "a", runs[2].RunID)
	assert.Nil(t, runs[0].Outputs)

	runs, err = m.ListRuns(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestMemory_GetRunNotFound(t *testing.T) {
	_, err := NewMemory().GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_GetRunReturnsCopy(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.RecordFinish(ctx, result("r1", t0)))

	run, err := m.GetRun(ctx, "r1")
	require.NoError(t, err)
	run.Outputs[0].Rows = 99

	again, err := m.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 2, again.Outputs[0].Rows)
}

func TestMemory_Prune(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.RecordFinish(ctx, result("old", t0)))
	require.NoError(t, m.RecordFinish(ctx, result("new", t0.Add(48*time.Hour))))

	n, err := m.Prune(ctx, t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = m.GetRun(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.GetRun(ctx, "new")
	assert.NoError(t, err)
}

func TestMemory_RecordFinishNil(t *testing.T) {
	assert.Error(t, NewMemory().RecordFinish(context.Background(), nil))
}

// ============================================================================
// Prune scheduler
// ============================================================================

type fakePruner struct {
	cutoffs []time.Time
	n       int64
	err     error
}

func (f *fakePruner) Prune(_ context.Context, before time.Time) (int64, error) {
	f.cutoffs = append(f.cutoffs, before)
	return f.n, f.err
}

func TestRunPruneJob(t *testing.T) {
	now := func() time.Time { return t0 }

	p := &fakePruner{n: 4}
	assert.Equal(t, int64(4), runPruneJob(context.Background(), p, 24*time.Hour, now))
	require.Len(t, p.cutoffs, 1)
	assert.Equal(t, t0.Add(-24*time.Hour), p.cutoffs[0])

	failing := &fakePruner{n: 4, err: errors.New("connection refused")}
	assert.Zero(t, runPruneJob(context.Background(), failing, time.Hour, now))
}

func TestStartPruneScheduler_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &fakePruner{}

	done := make(chan struct{})
	go func() {
		StartPruneScheduler(ctx, p, PruneConfig{Retention: time.Hour, CheckInterval: time.Hour})
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Len(t, p.cutoffs, 1, "runs once immediately")
}

func TestStartPruneScheduler_Disabled(t *testing.T) {
	p := &fakePruner{}
	StartPruneScheduler(context.Background(), p, PruneConfig{})
	assert.Empty(t, p.cutoffs)
}
