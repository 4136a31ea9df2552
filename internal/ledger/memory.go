package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JonMunkholm/csvrouter/internal/core"
)

// Memory is a Store held in process memory. It is used when no database is
// configured; history is lost on restart.
type Memory struct {
	mu   sync.RWMutex
	runs map[string]*Run
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty Memory ledger.
func NewMemory() *Memory {
	return &Memory{runs: make(map[string]*Run)}
}

func (m *Memory) RecordStart(_ context.Context, info core.RunInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[info.RunID]; ok {
		return nil
	}
	run := startedRun(info)
	m.runs[info.RunID] = &run
	return nil
}

func (m *Memory) RecordFinish(_ context.Context, result *core.RunResult) error {
	if result == nil {
		return fmt.Errorf("ledger: nil result")
	}
	run := finishedRun(result)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.RunID] = &run
	return nil
}

func (m *Memory) ListRuns(_ context.Context, limit int) ([]Run, error) {
	m.mu.RLock()
	out := make([]Run, 0, len(m.runs))
	for _, r := range m.runs {
		run := *r
		run.Outputs = nil
		out = append(out, run)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if n := listLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (m *Memory) GetRun(_ context.Context, runID string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	run := *r
	run.Outputs = append([]Output(nil), r.Outputs...)
	return &run, nil
}

func (m *Memory) Prune(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, r := range m.runs {
		if r.StartedAt.Before(before) {
			delete(m.runs, id)
			n++
		}
	}
	return n, nil
}
