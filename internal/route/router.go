// Package route fans a stream of records out to one output per group key.
//
// A Router is driven by a single goroutine calling Route for every record
// and then Close (or Abort on failure). Each group gets its own goroutine
// and row queue, so Route never waits on storage. Before a group's output
// is opened, the previous contents of its partition are deleted exactly
// once per run; cleanup failures are logged and reported in the Summary but
// do not stop the run. The first fatal error cancels every in-flight group.
package route

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/csvrouter/internal/classify"
	"github.com/JonMunkholm/csvrouter/internal/storage"
)

// Config configures a Router. Policy, Sink and Cleaner are required.
type Config struct {
	Policy  Policy
	Sink    storage.Sink
	Cleaner storage.Cleaner

	// Prefix is prepended to every group key and partition prefix.
	Prefix string
	// Delimiter for outputs; zero means ','.
	Delimiter rune

	Logger   *slog.Logger
	Observer Observer
}

// Router routes records to groups. Route, Close and Abort must be called
// from one goroutine.
type Router struct {
	cfg Config
	log *slog.Logger
	obs Observer

	ctx    context.Context
	cancel context.CancelCauseFunc
	eg     *errgroup.Group
	egCtx  context.Context

	partitions     map[string]*partition
	partitionOrder []*partition
	groups         map[string]*group
	groupOrder     []*group
	cleanups       sync.WaitGroup

	rows     int
	closed   bool
	finished bool
	summary  Summary

	errMu    sync.Mutex
	firstErr error
}

// New returns a Router whose goroutines run under ctx. Cancelling ctx
// aborts the run.
func New(ctx context.Context, cfg Config) (*Router, error) {
	if err := cfg.Policy.validate(); err != nil {
		return nil, err
	}
	if cfg.Sink == nil || cfg.Cleaner == nil {
		return nil, errors.New("route: Sink and Cleaner are required")
	}
	if cfg.Delimiter == 0 {
		cfg.Delimiter = ','
	}

	r := &Router{
		cfg:        cfg,
		log:        cfg.Logger,
		obs:        cfg.Observer,
		partitions: make(map[string]*partition),
		groups:     make(map[string]*group),
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.obs == nil {
		r.obs = nopObserver{}
	}
	r.ctx, r.cancel = context.WithCancelCause(ctx)
	r.eg, r.egCtx = errgroup.WithContext(r.ctx)
	return r, nil
}

// Route assigns rec to its group, creating the group and starting its
// partition cleanup on first sight. It returns the run's fatal error once
// one has been recorded, and ErrRouterClosed after Close or Abort.
func (r *Router) Route(rec classify.Record) error {
	if r.closed {
		return ErrRouterClosed
	}
	if err := r.Err(); err != nil {
		return err
	}
	if r.ctx.Err() != nil {
		r.fail(context.Cause(r.ctx))
		return r.Err()
	}

	pk := r.cfg.Policy.PartitionOf(rec)
	gk := r.cfg.Policy.GroupOf(rec)

	p, ok := r.partitions[pk]
	if !ok {
		p = r.startCleanup(pk)
	}

	g, ok := r.groups[gk]
	if !ok {
		g = newGroup(gk, path.Join(r.cfg.Prefix, gk), rec.Fields(), p)
		r.groups[gk] = g
		r.groupOrder = append(r.groupOrder, g)
		r.eg.Go(func() error { return r.run(r.egCtx, g) })
		r.log.Debug("group created", "group", gk, "partition", pk)
	}

	g.push(rec.Values())
	r.rows++
	r.obs.RecordRouted()
	return nil
}

// Drain routes every record of c, then closes the router. A read or parse
// error from c aborts the run with that error.
func (r *Router) Drain(c *classify.Classifier) (Summary, error) {
	for {
		rec, err := c.Next()
		if err == io.EOF {
			return r.Close()
		}
		if err != nil {
			return r.Abort(err)
		}
		if err := r.Route(rec); err != nil {
			return r.Abort(err)
		}
	}
}

// Close marks the source exhausted, lets every group commit, and waits for
// all group and cleanup goroutines. It returns the first fatal error, if
// any. Calling Close again returns the same result.
func (r *Router) Close() (Summary, error) {
	if r.finished {
		return r.summary, r.Err()
	}
	r.closed = true
	if r.ctx.Err() != nil {
		r.fail(context.Cause(r.ctx))
	}
	for _, g := range r.groupOrder {
		g.finish()
	}
	return r.wait()
}

// Abort stops the run with err (ErrAborted if nil) unless a fatal error was
// already recorded. In-flight groups are aborted, never committed.
func (r *Router) Abort(err error) (Summary, error) {
	if r.finished {
		return r.summary, r.Err()
	}
	if err == nil {
		err = ErrAborted
	}
	r.closed = true
	r.fail(err)
	for _, g := range r.groupOrder {
		g.finish()
	}
	return r.wait()
}

// Err returns the first fatal error recorded so far.
func (r *Router) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.firstErr
}

func (r *Router) wait() (Summary, error) {
	_ = r.eg.Wait() // group errors are already recorded by fail
	r.cleanups.Wait()
	r.cancel(context.Canceled)

	r.finished = true
	r.summary = r.buildSummary()
	return r.summary, r.Err()
}

// fail records err as the run's fatal error if none is set yet and
// cancels everything still running.
func (r *Router) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	first := r.firstErr == nil
	if first {
		r.firstErr = err
	}
	r.errMu.Unlock()
	if first {
		r.cancel(err)
	}
}
