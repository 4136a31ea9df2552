package route

import (
	"context"
	"encoding/csv"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// GroupState is the lifecycle of one group's output.
type GroupState int32

const (
	StatePendingCleanup GroupState = iota
	StateWriting
	StateCommitting
	StateDone
	StateFailed
)

var stateNames = [...]string{
	StatePendingCleanup: "pending_cleanup",
	StateWriting:        "writing",
	StateCommitting:     "committing",
	StateDone:           "done",
	StateFailed:         "failed",
}

func (s GroupState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("GroupState(%d)", int32(s))
	}
	return stateNames[s]
}

// MarshalText renders the state name in JSON.
func (s GroupState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// group owns one output. Route appends rows under mu; the group goroutine
// drains them in order.
type group struct {
	key       string
	path      string
	header    []string
	partition *partition

	mu      sync.Mutex
	pending [][]string
	closed  bool
	notify  chan struct{}

	state atomic.Int32
	rows  atomic.Int64
	err   error // written by the group goroutine before it returns
}

func newGroup(key, path string, header []string, p *partition) *group {
	return &group{
		key:       key,
		path:      path,
		header:    header,
		partition: p,
		notify:    make(chan struct{}, 1),
	}
}

// push queues one row. It never blocks on I/O.
func (g *group) push(row []string) {
	g.mu.Lock()
	g.pending = append(g.pending, row)
	g.mu.Unlock()
	g.wake()
}

// finish marks the queue complete; the goroutine commits once drained.
func (g *group) finish() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.wake()
}

func (g *group) wake() {
	select {
	case g.notify <- struct{}{}:
	default:
	}
}

// take returns every queued row and whether the queue is complete.
func (g *group) take() ([][]string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rows := g.pending
	g.pending = nil
	return rows, g.closed
}

func (g *group) setState(s GroupState) { g.state.Store(int32(s)) }

func (g *group) State() GroupState { return GroupState(g.state.Load()) }

// run is the group goroutine: wait for the partition cleanup, open the
// sink, stream the queue, commit. A non-nil return is a *SinkCommitError.
func (r *Router) run(ctx context.Context, g *group) error {
	start := time.Now()
	defer func() {
		r.obs.GroupFinished(g.State(), int(g.rows.Load()), time.Since(start))
	}()

	select {
	case <-g.partition.done:
	case <-ctx.Done():
		g.setState(StateFailed)
		r.fail(context.Cause(ctx))
		return nil
	}

	g.setState(StateWriting)
	obj, err := r.cfg.Sink.OpenSink(ctx, g.path)
	if err != nil {
		return r.sinkFailed(g, fmt.Errorf("open: %w", err))
	}
	r.obs.GroupOpened()

	w := csv.NewWriter(obj)
	w.Comma = r.cfg.Delimiter
	if err := w.Write(g.header); err != nil {
		obj.Abort(err)
		return r.sinkFailed(g, fmt.Errorf("write header: %w", err))
	}

	for {
		rows, final := g.take()
		if err := w.WriteAll(rows); err != nil {
			obj.Abort(err)
			return r.sinkFailed(g, fmt.Errorf("write: %w", err))
		}
		g.rows.Add(int64(len(rows)))
		if final {
			break
		}

		select {
		case <-g.notify:
		case <-ctx.Done():
			cause := context.Cause(ctx)
			obj.Abort(cause)
			g.setState(StateFailed)
			r.fail(cause)
			return nil
		}
	}

	// Cancellation that raced with the final batch still wins: a run that
	// failed elsewhere must not commit.
	if err := ctx.Err(); err != nil {
		cause := context.Cause(ctx)
		obj.Abort(cause)
		g.setState(StateFailed)
		r.fail(cause)
		return nil
	}

	g.setState(StateCommitting)
	if err := obj.Commit(); err != nil {
		return r.sinkFailed(g, err)
	}
	g.setState(StateDone)
	r.log.Info("group committed", "group", g.key, "path", g.path, "rows", g.rows.Load(), "duration", time.Since(start))
	return nil
}

func (r *Router) sinkFailed(g *group, err error) error {
	g.setState(StateFailed)
	g.err = &SinkCommitError{Group: g.key, Path: g.path, Err: err}
	r.log.Error("group failed", "group", g.key, "path", g.path, "error", err)
	r.fail(g.err)
	return g.err
}
