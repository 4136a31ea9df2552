// Package ledger keeps the history of routing runs: one row per run and
// one row per output written by it. Ledger failures are logged by the
// caller and never fail a run.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/JonMunkholm/csvrouter/internal/core"
)

// DefaultListLimit caps ListRuns when the caller passes limit <= 0.
const DefaultListLimit = 50

// ErrNotFound is returned by GetRun for unknown run ids.
var ErrNotFound = errors.New("ledger: run not found")

// Run is one recorded run. FinishedAt is nil while the run is in flight
// (or if the process died before recording the finish).
type Run struct {
	RunID           string     `json:"run_id"`
	Source          string     `json:"source"`
	Policy          string     `json:"policy"`
	Origin          string     `json:"origin,omitempty"`
	Phase           string     `json:"phase"`
	Rows            int        `json:"rows"`
	Skipped         int        `json:"skipped"`
	BytesRead       int64      `json:"bytes_read"`
	Groups          int        `json:"groups"`
	Committed       int        `json:"committed"`
	CleanupFailures int        `json:"cleanup_failures"`
	ErrorCode       string     `json:"error_code,omitempty"`
	Error           string     `json:"error,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	Outputs         []Output   `json:"outputs,omitempty"`
}

// Output is one group output of a run.
type Output struct {
	Path      string `json:"path"`
	Partition string `json:"partition"`
	Rows      int    `json:"rows"`
	State     string `json:"state"`
	Error     string `json:"error,omitempty"`
}

// Store is a run ledger.
type Store interface {
	core.Recorder
	// ListRuns returns the most recent runs first, without outputs.
	ListRuns(ctx context.Context, limit int) ([]Run, error)
	// GetRun returns one run with its outputs.
	GetRun(ctx context.Context, runID string) (*Run, error)
	Pruner
}

// Pruner deletes history older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

func startedRun(info core.RunInfo) Run {
	return Run{
		RunID:     info.RunID,
		Source:    info.Source,
		Policy:    info.Policy,
		Origin:    info.Origin,
		Phase:     string(core.PhaseRouting),
		StartedAt: info.StartedAt,
	}
}

// finishedRun flattens a result into a ledger row plus outputs.
func finishedRun(r *core.RunResult) Run {
	finished := r.FinishedAt
	run := Run{
		RunID:           r.RunID,
		Source:          r.Source,
		Policy:          r.Policy,
		Origin:          r.Origin,
		Phase:           string(r.Phase),
		Rows:            r.Rows,
		Skipped:         r.Skipped,
		BytesRead:       r.BytesRead,
		Groups:          len(r.Groups),
		Committed:       r.Committed(),
		CleanupFailures: r.CleanupFailures(),
		ErrorCode:       r.ErrorCode,
		Error:           r.Error,
		StartedAt:       r.StartedAt,
		FinishedAt:      &finished,
		Outputs:         make([]Output, 0, len(r.Groups)),
	}
	for _, g := range r.Groups {
		run.Outputs = append(run.Outputs, Output{
			Path:      g.Path,
			Partition: g.Partition,
			Rows:      g.Rows,
			State:     g.State,
			Error:     g.Error,
		})
	}
	return run
}

func listLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}
