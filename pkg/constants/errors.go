package constants

import "errors"

// Failure taxonomy shared by every component. Network-class errors
// (including timeouts) are retried with backoff up to a bounded count;
// backend rejections are surfaced immediately and roll back any
// optimistic prediction.
var (
	// ErrNetwork marks transient transport failures.
	ErrNetwork = errors.New("network failure")

	// ErrTimeout is returned when a backend round-trip exceeds its bound.
	// It is treated as a network-class failure for retry purposes.
	ErrTimeout = errors.New("timeout")

	// ErrRejected marks a backend rejection, e.g. a constraint violation.
	// Never retried.
	ErrRejected = errors.New("rejected by backend")

	// ErrStaleRead is surfaced alongside data that is past its hard TTL
	// with no successful revalidation. A degraded-data warning, not a
	// hard failure.
	ErrStaleRead = errors.New("stale read")
)

var (
	ErrClosed       = errors.New("client is closed")
	ErrIDInUse      = errors.New("id already in use")
	ErrNoBaseURL    = errors.New("base url not set")
	ErrNotConnected = errors.New("not connected")
)

// IsRetryable reports whether err is a transient failure worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrTimeout)
}
