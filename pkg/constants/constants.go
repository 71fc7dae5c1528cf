package constants

import "time"

const (
	// DefaultTimeout bounds the wait for a single backend round-trip.
	// A timeout is classified as a retryable network failure.
	DefaultTimeout = 10 * time.Second

	// DefaultCacheCapacity is the maximum number of cached query results
	// before LRU eviction starts.
	DefaultCacheCapacity = 512

	// DefaultTTL is the hard expiry applied to cache entries when the
	// caller does not specify one.
	DefaultTTL = 5 * time.Minute

	// DefaultStaleAfter is the soft expiry after which a cached entry is
	// still served but flagged stale, triggering background revalidation.
	DefaultStaleAfter = 30 * time.Second

	// DefaultMaxAttempts is the total number of tries for a
	// network-class failure: the initial call plus up to two retries.
	DefaultMaxAttempts = 3

	RequestIDLength = 16

	CloseMessageCode = 1000
)
