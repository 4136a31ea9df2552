// Package localfs is a storage backend rooted in two local directories.
// Outputs are written to a temp file next to the destination and renamed
// into place on Commit.
package localfs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/JonMunkholm/csvrouter/internal/storage"
)

// DefaultOutputDir matches the scratch directory used by local runs.
const DefaultOutputDir = "/tmp/output"

// Options configures a Store.
type Options struct {
	// SourceDir resolves relative locators. Absolute locators are opened
	// as given.
	SourceDir string
	// OutputDir is the root for sink paths and partition prefixes.
	OutputDir string
	// BufSize is the write buffer per object; <= 0 uses 64 KiB.
	BufSize  int
	PermFile os.FileMode
	PermDir  os.FileMode
}

// Store implements storage.Store on the local filesystem.
type Store struct {
	sourceDir string
	root      string
	bufSize   int
	permF     os.FileMode
	permD     os.FileMode
}

var _ storage.Store = (*Store)(nil)

// New returns a Store. Zero options fall back to defaults.
func New(opts Options) *Store {
	s := &Store{
		sourceDir: opts.SourceDir,
		root:      opts.OutputDir,
		bufSize:   opts.BufSize,
		permF:     opts.PermFile,
		permD:     opts.PermDir,
	}
	if strings.TrimSpace(s.root) == "" {
		s.root = DefaultOutputDir
	}
	if s.bufSize <= 0 {
		s.bufSize = 64 * 1024
	}
	if s.permF == 0 {
		s.permF = 0o644
	}
	if s.permD == 0 {
		s.permD = 0o755
	}
	return s
}

// Root returns the output directory.
func (s *Store) Root() string { return s.root }

// OpenSource opens a local file. Missing files wrap storage.ErrSourceUnavailable.
func (s *Store) OpenSource(ctx context.Context, locator string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := strings.TrimPrefix(locator, "file://")
	if !filepath.IsAbs(name) && s.sourceDir != "" {
		name = filepath.Join(s.sourceDir, name)
	}

	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", storage.ErrSourceUnavailable, locator, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s: %v", storage.ErrSourceUnavailable, locator, err)
	}
	if fi.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%w: %s is a directory", storage.ErrSourceUnavailable, locator)
	}
	return storage.WithSize(f, fi.Size()), nil
}

// OpenSink creates a temp file in the destination directory. Nothing is
// visible at the destination until Commit.
func (s *Store) OpenSink(ctx context.Context, p string) (storage.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dest, err := s.mapPath(p)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, s.permD); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	_ = os.Chmod(tmp.Name(), s.permF)

	return &object{
		ctx:  ctx,
		tmp:  tmp,
		bw:   bufio.NewWriterSize(tmp, s.bufSize),
		dest: dest,
	}, nil
}

// DeletePartition removes the prefix directory and returns how many regular
// files it held. A missing directory removes nothing.
func (s *Store) DeletePartition(ctx context.Context, prefix string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	dir, err := s.mapPath(prefix)
	if err != nil {
		return 0, err
	}

	n := 0
	err = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			n++
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("scan %s: %w", prefix, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return 0, fmt.Errorf("remove %s: %w", prefix, err)
	}
	return n, nil
}

// mapPath joins a slash-separated key onto the root, rejecting escapes.
func (s *Store) mapPath(key string) (string, error) {
	clean, err := storage.CleanKey(key)
	if err != nil {
		return "", fmt.Errorf("%w: %q", err, key)
	}
	rel := filepath.FromSlash(strings.TrimSuffix(clean, "/"))
	if vol := filepath.VolumeName(rel); vol != "" {
		return "", fmt.Errorf("%w: %q", storage.ErrPathInvalid, key)
	}
	return filepath.Join(s.root, rel), nil
}

type object struct {
	ctx  context.Context
	tmp  *os.File
	bw   *bufio.Writer
	dest string
	done bool
}

func (o *object) Write(p []byte) (int, error) {
	if o.done {
		return 0, os.ErrClosed
	}
	if err := o.ctx.Err(); err != nil {
		return 0, err
	}
	return o.bw.Write(p)
}

func (o *object) Commit() error {
	if o.done {
		return os.ErrClosed
	}
	o.done = true

	tmpPath := o.tmp.Name()
	if err := o.bw.Flush(); err != nil {
		_ = o.tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := o.tmp.Sync(); err != nil {
		_ = o.tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := o.tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, o.dest); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	syncDir(filepath.Dir(o.dest))
	return nil
}

func (o *object) Abort(error) {
	if o.done {
		return
	}
	o.done = true
	_ = o.tmp.Close()
	_ = os.Remove(o.tmp.Name())
}

// syncDir makes the rename durable where the platform allows it.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
