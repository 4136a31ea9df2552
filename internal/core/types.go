package core

import (
	"errors"
	"time"

	"github.com/JonMunkholm/csvrouter/internal/route"
)

// ErrRunNotFound is returned for unknown or expired run ids.
var ErrRunNotFound = errors.New("run not found")

// RunPhase is the coarse stage of a run.
type RunPhase string

const (
	PhaseQueued    RunPhase = "queued"
	PhaseOpening   RunPhase = "opening"
	PhaseRouting   RunPhase = "routing"
	PhaseComplete  RunPhase = "complete"
	PhaseFailed    RunPhase = "failed"
	PhaseCancelled RunPhase = "cancelled"
)

// Terminal reports whether the run has finished.
func (p RunPhase) Terminal() bool {
	return p == PhaseComplete || p == PhaseFailed || p == PhaseCancelled
}

// RunProgress is a point-in-time view of a run.
type RunProgress struct {
	RunID     string    `json:"run_id"`
	Source    string    `json:"source"`
	Origin    string    `json:"origin,omitempty"`
	Phase     RunPhase  `json:"phase"`
	Rows      int64     `json:"rows"`
	Groups    int64     `json:"groups"`
	Committed int64     `json:"committed"`
	BytesRead int64     `json:"bytes_read"`
	// Percent is read progress, 0-100; it stays 0 when the source size is unknown.
	Percent   int       `json:"percent"`
	StartedAt time.Time `json:"started_at"`
	Error     string    `json:"error,omitempty"`
}

// GroupOutput is one group's outcome.
type GroupOutput struct {
	Key       string `json:"key"`
	Partition string `json:"partition"`
	Path      string `json:"path"`
	Rows      int    `json:"rows"`
	State     string `json:"state"`
	Error     string `json:"error,omitempty"`
}

// PartitionCleanup is one partition cleanup's outcome. A non-empty Error
// did not fail the run.
type PartitionCleanup struct {
	Key     string `json:"key"`
	Prefix  string `json:"prefix"`
	Deleted int    `json:"deleted"`
	Error   string `json:"error,omitempty"`
}

// RunResult is the final record of a run.
type RunResult struct {
	RunID      string             `json:"run_id"`
	Source     string             `json:"source"`
	Policy     string             `json:"policy"`
	Origin     string             `json:"origin,omitempty"`
	Phase      RunPhase           `json:"phase"`
	Rows       int                `json:"rows"`
	Skipped    int                `json:"skipped"`
	BytesRead  int64              `json:"bytes_read"`
	SourceSize int64              `json:"source_size,omitempty"`
	Groups     []GroupOutput      `json:"groups"`
	Partitions []PartitionCleanup `json:"partitions"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
	Duration   time.Duration      `json:"duration_ns"`

	Err       error  `json:"-"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

// Succeeded reports whether every group was committed.
func (r *RunResult) Succeeded() bool { return r.Err == nil }

// Committed returns the number of committed groups.
func (r *RunResult) Committed() int {
	n := 0
	for _, g := range r.Groups {
		if g.State == route.StateDone.String() {
			n++
		}
	}
	return n
}

// CleanupFailures returns the number of partitions whose cleanup failed.
func (r *RunResult) CleanupFailures() int {
	n := 0
	for _, p := range r.Partitions {
		if p.Error != "" {
			n++
		}
	}
	return n
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func fromSummary(sum route.Summary) ([]GroupOutput, []PartitionCleanup) {
	groups := make([]GroupOutput, 0, len(sum.Groups))
	for _, g := range sum.Groups {
		groups = append(groups, GroupOutput{
			Key:       g.Key,
			Partition: g.Partition,
			Path:      g.Path,
			Rows:      g.Rows,
			State:     g.State.String(),
			Error:     errString(g.Err),
		})
	}
	parts := make([]PartitionCleanup, 0, len(sum.Partitions))
	for _, p := range sum.Partitions {
		parts = append(parts, PartitionCleanup{
			Key:     p.Key,
			Prefix:  p.Prefix,
			Deleted: p.Deleted,
			Error:   errString(p.Err),
		})
	}
	return groups, parts
}
