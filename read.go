package dashsync

import (
	"context"
	"fmt"
	"time"

	"github.com/dashsync/dashsync.go/pkg/backend"
	"github.com/dashsync/dashsync.go/pkg/cache"
	"github.com/dashsync/dashsync.go/pkg/constants"
	"github.com/dashsync/dashsync.go/pkg/retry"
)

// ReadResult is what a UI consumer renders from. Pending optimistic
// mutations are already merged into Data. A non-nil Err alongside
// non-nil Data means a degraded read: stale data was served because
// revalidation failed (errors.Is(Err, constants.ErrStaleRead)).
type ReadResult struct {
	Data    []backend.Row
	IsStale bool
	Err     error

	// Refetch forces a fresh backend query, bypassing
	// cached freshness.
	Refetch func(ctx context.Context) ReadResult
}

type readOptions struct {
	allowStale bool
	ttl        time.Duration
	staleAfter time.Duration
}

// ReadOption customizes one Read.
type ReadOption func(*readOptions)

// WithBlockOnStale makes a soft-expired entry a miss, so the caller
// waits for fresh data instead of getting a stale value with background
// revalidation.
func WithBlockOnStale() ReadOption {
	return func(o *readOptions) { o.allowStale = false }
}

// WithTTL overrides the hard expiry for the entry this Read stores.
func WithTTL(d time.Duration) ReadOption {
	return func(o *readOptions) { o.ttl = d }
}

// WithStaleAfter overrides the soft expiry for the entry this Read
// stores.
func WithStaleAfter(d time.Duration) ReadOption {
	return func(o *readOptions) { o.staleAfter = d }
}

// Read returns rows for q, serving from cache when fresh, revalidating
// in the background when stale, and fetching through the deduplicator
// otherwise. Reads degrade to stale-but-present data rather than blank
// states: when a fetch fails and an expired entry still exists, the old
// rows are returned with an ErrStaleRead-wrapped error.
func (c *Client) Read(ctx context.Context, q backend.QuerySpec, opts ...ReadOption) ReadResult {
	if c.closed.Load() {
		return ReadResult{Err: constants.ErrClosed}
	}

	o := readOptions{allowStale: true, ttl: c.ttl, staleAfter: c.staleAfter}
	for _, opt := range opts {
		opt(&o)
	}

	key := q.Key()

	refetch := func(ctx context.Context) ReadResult {
		return c.readFresh(ctx, q, key, o)
	}

	value, stale, ok := c.cache.Get(key, cache.GetOptions{
		AllowStale: o.allowStale,
		Revalidate: func() {
			// Background revalidation for a stale hit. The consumer that
			// triggered it may be gone by the time this runs; the fetch
			// writes into the cache, never back into the caller.
			if c.closed.Load() {
				return
			}
			if _, err := c.fetch(context.Background(), q, key, o); err != nil {
				c.logger.Warn("background revalidation failed", "key", key, "error", err)
			}
		},
	})
	if ok {
		return ReadResult{
			Data:    c.mutations.MergeInto(q.Table, value.([]backend.Row)),
			IsStale: stale,
			Refetch: refetch,
		}
	}

	return c.readFresh(ctx, q, key, o)
}

// readFresh fetches q from the backend and builds the result, falling
// back to expired cache data when the fetch fails.
func (c *Client) readFresh(ctx context.Context, q backend.QuerySpec, key string, o readOptions) ReadResult {
	refetch := func(ctx context.Context) ReadResult {
		return c.readFresh(ctx, q, key, o)
	}

	rows, err := c.fetch(ctx, q, key, o)
	if err != nil {
		if old, exists := c.cache.Peek(key); exists {
			return ReadResult{
				Data:    c.mutations.MergeInto(q.Table, old.([]backend.Row)),
				IsStale: true,
				Err:     fmt.Errorf("%w: %w", constants.ErrStaleRead, err),
				Refetch: refetch,
			}
		}
		return ReadResult{Err: err, Refetch: refetch}
	}

	return ReadResult{
		Data:    c.mutations.MergeInto(q.Table, rows),
		Refetch: refetch,
	}
}

// fetch runs the deduplicated, retried, timeout-bounded backend query
// and stores the result in the cache tagged with the source table.
// Concurrent fetches for the same key share one backend call; the
// caller's ctx only bounds its own wait, never the shared call.
func (c *Client) fetch(ctx context.Context, q backend.QuerySpec, key string, o readOptions) ([]backend.Row, error) {
	value, err := c.dedup.Do(ctx, key, func(ctx context.Context) (any, error) {
		var rows []backend.Row

		err := retry.Do(ctx, c.newRetryer(), func(ctx context.Context) error {
			return c.attempt(ctx, func(ctx context.Context) error {
				fetched, err := c.backend.Query(ctx, q)
				if err != nil {
					return err
				}
				rows = fetched
				return nil
			})
		})
		if err != nil {
			return nil, err
		}

		c.cache.Set(key, rows, cache.SetOptions{
			TTL:        o.ttl,
			StaleAfter: o.staleAfter,
			Tags:       []string{q.Table},
		})
		return rows, nil
	})
	if err != nil {
		return nil, err
	}
	return value.([]backend.Row), nil
}
