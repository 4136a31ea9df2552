// Package memstore is an in-memory storage.Store for tests. It records
// every operation in order and can be told to fail specific calls.
package memstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/JonMunkholm/csvrouter/internal/storage"
)

// Event is one recorded operation.
type Event struct {
	Op   string // "delete", "open", "commit", "abort"
	Path string
}

// Store keeps committed objects in a map.
type Store struct {
	mu      sync.Mutex
	sources map[string]string
	objects map[string]string
	events  []Event

	failDelete map[string]error
	failOpen   map[string]error
	failCommit map[string]error
	failWrite  map[string]error

	// BeforeDelete, if set, runs at the start of every DeletePartition
	// call outside the lock. Tests use it to hold a cleanup open.
	BeforeDelete func(prefix string)
}

var _ storage.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		sources:    map[string]string{},
		objects:    map[string]string{},
		failDelete: map[string]error{},
		failOpen:   map[string]error{},
		failCommit: map[string]error{},
		failWrite:  map[string]error{},
	}
}

// AddSource makes locator readable through OpenSource.
func (s *Store) AddSource(locator, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[locator] = body
}

// Put stores an object as if committed by an earlier run.
func (s *Store) Put(path, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = body
}

// Get returns a committed object.
func (s *Store) Get(path string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.objects[path]
	return v, ok
}

// Keys returns the committed object paths, sorted.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Events returns a copy of the operation log.
func (s *Store) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// Count returns how many events match op and path.
func (s *Store) Count(op, path string) int {
	n := 0
	for _, e := range s.Events() {
		if e.Op == op && e.Path == path {
			n++
		}
	}
	return n
}

// FailDelete makes DeletePartition(prefix) return err.
func (s *Store) FailDelete(prefix string, err error) { s.setFail(s.failDelete, prefix, err) }

// FailOpen makes OpenSink(path) return err.
func (s *Store) FailOpen(path string, err error) { s.setFail(s.failOpen, path, err) }

// FailCommit makes Commit of path return err.
func (s *Store) FailCommit(path string, err error) { s.setFail(s.failCommit, path, err) }

// FailWrite makes every Write to path return err.
func (s *Store) FailWrite(path string, err error) { s.setFail(s.failWrite, path, err) }

func (s *Store) setFail(m map[string]error, key string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m[key] = err
}

func (s *Store) record(op, path string) {
	s.events = append(s.events, Event{Op: op, Path: path})
}

func (s *Store) OpenSource(ctx context.Context, locator string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.sources[locator]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrSourceUnavailable, locator)
	}
	return storage.WithSize(io.NopCloser(strings.NewReader(body)), int64(len(body))), nil
}

func (s *Store) OpenSink(ctx context.Context, path string) (storage.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("open", path)
	if err := s.failOpen[path]; err != nil {
		return nil, err
	}
	return &object{s: s, path: path, failWrite: s.failWrite[path]}, nil
}

func (s *Store) DeletePartition(ctx context.Context, prefix string) (int, error) {
	if s.BeforeDelete != nil {
		s.BeforeDelete(prefix)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("delete", prefix)
	if err := s.failDelete[prefix]; err != nil {
		return 0, err
	}
	n := 0
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			delete(s.objects, k)
			n++
		}
	}
	return n, nil
}

var errFinished = errors.New("object already committed or aborted")

type object struct {
	s         *Store
	path      string
	buf       bytes.Buffer
	failWrite error
	done      bool
}

func (o *object) Write(p []byte) (int, error) {
	if o.done {
		return 0, errFinished
	}
	if o.failWrite != nil {
		return 0, o.failWrite
	}
	return o.buf.Write(p)
}

func (o *object) Commit() error {
	if o.done {
		return errFinished
	}
	o.done = true
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	o.s.record("commit", o.path)
	if err := o.s.failCommit[o.path]; err != nil {
		return err
	}
	o.s.objects[o.path] = o.buf.String()
	return nil
}

func (o *object) Abort(error) {
	if o.done {
		return
	}
	o.done = true
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	o.s.record("abort", o.path)
}
