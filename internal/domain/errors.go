package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("article not found")
	ErrRemoteNotFound = errors.New("article not found on remote")
	ErrDuplicateID    = errors.New("duplicate article id")
	ErrStaleWrite     = errors.New("article changed since it was read")
	ErrUnreachable    = errors.New("remote unreachable")
	ErrSyncInProgress = errors.New("sync already in progress")
	ErrNoSuchConflict = errors.New("no pending conflict for article")
)

// RemoteError is returned by the remote client for a failed call.
type RemoteError struct {
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *RemoteError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("remote: %v", e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// InternalStateError is an invariant violation. It always fails the pass.
type InternalStateError struct {
	ArticleID string
	Err       error
}

func (e *InternalStateError) Error() string {
	return fmt.Sprintf("internal state violation for %s: %v", e.ArticleID, e.Err)
}

func (e *InternalStateError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether repeating the failed operation may succeed.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnreachable) {
		return true
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Retryable
	}
	var ie *InternalStateError
	if errors.As(err, &ie) {
		return false
	}
	switch {
	case errors.Is(err, ErrStaleWrite),
		errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, ErrRemoteNotFound),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrDuplicateID),
		errors.Is(err, context.Canceled):
		return false
	}
	// Local store failures are usually transient (locks, I/O).
	return true
}
