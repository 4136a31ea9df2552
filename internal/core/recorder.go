package core

import (
	"context"
	"errors"
	"time"
)

// RunInfo describes a run when it starts.
type RunInfo struct {
	RunID     string
	Source    string
	Policy    string
	Origin    string
	StartedAt time.Time
}

// Recorder persists run history. Failures are logged and never fail a run.
type Recorder interface {
	RecordStart(ctx context.Context, info RunInfo) error
	RecordFinish(ctx context.Context, result *RunResult) error
}

type nopRecorder struct{}

func (nopRecorder) RecordStart(context.Context, RunInfo) error      { return nil }
func (nopRecorder) RecordFinish(context.Context, *RunResult) error { return nil }

// MultiRecorder fans out to every non-nil recorder. Each recorder is
// called even if an earlier one fails; the errors are joined.
func MultiRecorder(recs ...Recorder) Recorder {
	out := make(multiRecorder, 0, len(recs))
	for _, r := range recs {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

type multiRecorder []Recorder

func (m multiRecorder) RecordStart(ctx context.Context, info RunInfo) error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.RecordStart(ctx, info))
	}
	return errors.Join(errs...)
}

func (m multiRecorder) RecordFinish(ctx context.Context, result *RunResult) error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.RecordFinish(ctx, result))
	}
	return errors.Join(errs...)
}
