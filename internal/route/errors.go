package route

import (
	"errors"
	"fmt"
)

var (
	// ErrRouterClosed is returned by Route after Close or Abort.
	ErrRouterClosed = errors.New("router closed")

	// ErrAborted is the fatal error recorded by Abort(nil).
	ErrAborted = errors.New("run aborted")

	errEmptyPartition = errors.New("empty partition key")
)

// CleanupError reports a failed partition cleanup. It is never fatal: the
// partition's groups are still written and committed.
type CleanupError struct {
	Partition string
	Prefix    string
	Err       error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("cleanup partition %q (prefix %s): %v", e.Partition, e.Prefix, e.Err)
}

func (e *CleanupError) Unwrap() error { return e.Err }

// SinkCommitError reports a group whose output could not be opened,
// written, or committed. It is fatal for the run.
type SinkCommitError struct {
	Group string
	Path  string
	Err   error
}

func (e *SinkCommitError) Error() string {
	return fmt.Sprintf("commit group %q to %s: %v", e.Group, e.Path, e.Err)
}

func (e *SinkCommitError) Unwrap() error { return e.Err }
