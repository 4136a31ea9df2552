package core

// run_limiter.go bounds the number of runs in flight. Each run holds a slot
// from before its source is opened until its last output is committed, so
// the limit also bounds open sinks and S3 multipart uploads. A caller that
// cannot get a slot within maxWait receives ErrTooManyRuns.

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTooManyRuns is returned when every run slot stays occupied for the
// whole wait. Callers should retry later.
var ErrTooManyRuns = errors.New("too many concurrent runs, please try again later")

const (
	// DefaultMaxConcurrentRuns is used when a limiter is built with a
	// non-positive limit.
	DefaultMaxConcurrentRuns = 4

	// DefaultMaxWaitTime is how long to wait for a slot before rejecting.
	DefaultMaxWaitTime = 30 * time.Second
)

// RunLimiter is a counting semaphore with drain support.
type RunLimiter struct {
	slots   chan struct{}
	maxWait time.Duration

	mu      sync.Mutex
	active  int
	drained chan struct{} // closed while active == 0
}

// NewRunLimiter allows at most maxConcurrent runs at once.
func NewRunLimiter(maxConcurrent int, maxWait time.Duration) *RunLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentRuns
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWaitTime
	}

	drained := make(chan struct{})
	close(drained)
	return &RunLimiter{
		slots:   make(chan struct{}, maxConcurrent),
		maxWait: maxWait,
		drained: drained,
	}
}

// Acquire waits up to maxWait for a slot. It returns ErrTooManyRuns on
// timeout, or ctx's error if ctx ends first. On success the caller must
// call Release exactly once.
func (l *RunLimiter) Acquire(ctx context.Context) error {
	if l.TryAcquire() {
		return nil
	}

	timer := time.NewTimer(l.maxWait)
	defer timer.Stop()

	select {
	case l.slots <- struct{}{}:
		l.inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrTooManyRuns
	}
}

// TryAcquire takes a slot only if one is free right now.
func (l *RunLimiter) TryAcquire() bool {
	select {
	case l.slots <- struct{}{}:
		l.inc()
		return true
	default:
		return false
	}
}

// Release returns a slot taken by Acquire or TryAcquire.
func (l *RunLimiter) Release() {
	l.mu.Lock()
	l.active--
	if l.active == 0 {
		close(l.drained)
	}
	l.mu.Unlock()

	<-l.slots
}

func (l *RunLimiter) inc() {
	l.mu.Lock()
	if l.active == 0 {
		l.drained = make(chan struct{})
	}
	l.active++
	l.mu.Unlock()
}

// ActiveCount returns the number of runs holding a slot.
func (l *RunLimiter) ActiveCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// MaxConcurrent returns the slot count.
func (l *RunLimiter) MaxConcurrent() int {
	return cap(l.slots)
}

// Available returns the number of free slots.
func (l *RunLimiter) Available() int {
	return cap(l.slots) - len(l.slots)
}

// WaitForDrain blocks until no run holds a slot or ctx ends. Used on
// shutdown so in-flight runs can commit.
func (l *RunLimiter) WaitForDrain(ctx context.Context) error {
	for {
		l.mu.Lock()
		ch := l.drained
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
			// A new run may have started between the close and this wakeup.
			if l.ActiveCount() == 0 {
				return nil
			}
		}
	}
}

// RunLimiterStatus is a snapshot of the limiter.
type RunLimiterStatus struct {
	Active        int `json:"active"`
	Available     int `json:"available"`
	MaxConcurrent int `json:"max_concurrent"`
}

// Status returns the current limiter state for monitoring.
func (l *RunLimiter) Status() RunLimiterStatus {
	return RunLimiterStatus{
		Active:        l.ActiveCount(),
		Available:     l.Available(),
		MaxConcurrent: cap(l.slots),
	}
}
