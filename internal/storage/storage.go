// Package storage defines the byte-level contracts the router reads from and
// writes to. Backends live in subpackages (localfs, s3store).
package storage

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
)

var (
	// ErrSourceUnavailable is wrapped by OpenSource when the source object
	// does not exist or cannot be opened.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrPathInvalid is returned for output paths or prefixes that are
	// empty, absolute, or escape the store root.
	ErrPathInvalid = errors.New("invalid path")
)

// Source opens the input stream named by locator.
type Source interface {
	OpenSource(ctx context.Context, locator string) (io.ReadCloser, error)
}

// Sized is implemented by source readers that know the source length in
// bytes. It feeds read progress.
type Sized interface {
	Size() int64
}

// WithSize attaches a known length to rc. A size <= 0 means unknown and
// returns rc unchanged.
func WithSize(rc io.ReadCloser, size int64) io.ReadCloser {
	if size <= 0 {
		return rc
	}
	return sizedReadCloser{ReadCloser: rc, size: size}
}

type sizedReadCloser struct {
	io.ReadCloser
	size int64
}

func (s sizedReadCloser) Size() int64 { return s.size }

// SizeOf returns the length reported by r, or 0 when r does not know it.
func SizeOf(r io.Reader) int64 {
	if s, ok := r.(Sized); ok {
		return s.Size()
	}
	return 0
}

// Object is one output being written. Exactly one of Commit or Abort must
// be called. Commit returns only after the bytes are durable; Abort discards
// everything written so far.
type Object interface {
	io.Writer
	Commit() error
	Abort(err error)
}

// Sink creates output objects.
type Sink interface {
	OpenSink(ctx context.Context, path string) (Object, error)
}

// Cleaner removes every object under a prefix. Removing nothing is not an
// error. It returns the number of objects removed.
type Cleaner interface {
	DeletePartition(ctx context.Context, prefix string) (int, error)
}

// Store is a backend that can serve a whole run.
type Store interface {
	Source
	Sink
	Cleaner
}

// CleanKey normalizes a slash-separated object key and rejects keys that
// are empty, absolute, or climb above the root. A trailing slash survives
// so prefixes keep their directory meaning.
func CleanKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") {
		return "", ErrPathInvalid
	}
	dir := strings.HasSuffix(key, "/")
	c := path.Clean(key)
	if c == "." || c == ".." || strings.HasPrefix(c, "../") {
		return "", ErrPathInvalid
	}
	if dir {
		c += "/"
	}
	return c, nil
}
