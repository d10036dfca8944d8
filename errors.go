package otpfetch

import (
	"context"
	"errors"
	"fmt"

	"github.com/javi11/otpfetch/internal/queue"
	"github.com/javi11/otpfetch/pkg/mailstore"
)

// Sentinel errors for the fetcher.
var (
	// ErrPoolExhausted indicates no session became available before the acquire timeout.
	ErrPoolExhausted = errors.New("session pool exhausted")

	// ErrPoolClosed indicates the pool has been closed.
	ErrPoolClosed = errors.New("session pool is closed")

	// ErrSessionFault indicates the message store reported the session broken.
	ErrSessionFault = errors.New("session fault")

	// ErrQueueFull indicates the request queue already holds its maximum of waiting tasks.
	ErrQueueFull = queue.ErrFull

	// ErrQueueTimeout indicates a request waited in the queue past its deadline.
	ErrQueueTimeout = queue.ErrTimeout

	// ErrSearchFault indicates a partition search failed at the protocol layer.
	ErrSearchFault = errors.New("search fault")

	// ErrAuthFault indicates the message store rejected the credentials.
	ErrAuthFault = errors.New("authentication rejected")

	// ErrUnknownKind indicates the request kind is not in the kind table.
	ErrUnknownKind = errors.New("unknown request kind")

	// ErrInvalidConfig indicates the fetcher configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrFetcherClosed indicates Shutdown was called.
	ErrFetcherClosed = errors.New("fetcher is closed")
)

// errNoArtifact is the empty outcome of one attempt. It never crosses the
// public boundary; exhausting retries on it yields a nil result.
var errNoArtifact = errors.New("no artifact found")

// FetchError wraps an infrastructure failure for one request.
type FetchError struct {
	Target   string
	Kind     string
	Attempts uint
	Err      error
}

func (e *FetchError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("fetch %s for %s after %d attempt(s): %v", e.Kind, e.Target, e.Attempts, e.Err)
	}

	return fmt.Sprintf("fetch %s for %s: %v", e.Kind, e.Target, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsRetryable checks if a failed attempt may be retried on a fresh session.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ErrPoolClosed), errors.Is(err, ErrFetcherClosed):
		return false
	// Pool exhaustion already waited its full timeout.
	case errors.Is(err, ErrPoolExhausted):
		return false
	case IsAuthFault(err):
		return false
	}

	return errors.Is(err, errNoArtifact) ||
		errors.Is(err, ErrSessionFault) ||
		errors.Is(err, ErrSearchFault)
}

// IsAuthFault checks if the error means the credentials were rejected.
func IsAuthFault(err error) bool {
	return err != nil && errors.Is(err, ErrAuthFault)
}

// storeError maps a message store error onto the fetcher's own sentinels so
// that collaborator error types never reach callers.
func storeError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrAuthFault), errors.Is(err, ErrSessionFault), errors.Is(err, ErrSearchFault):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, mailstore.ErrAuthRejected):
		return fmt.Errorf("%w: %v", ErrAuthFault, err)
	case errors.Is(err, mailstore.ErrSessionBroken):
		return fmt.Errorf("%w: %v", ErrSessionFault, err)
	default:
		return fmt.Errorf("%w: %v", ErrSearchFault, err)
	}
}
