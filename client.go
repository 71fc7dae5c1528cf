package dashsync

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dashsync/dashsync.go/pkg/backend"
	"github.com/dashsync/dashsync.go/pkg/cache"
	"github.com/dashsync/dashsync.go/pkg/constants"
	"github.com/dashsync/dashsync.go/pkg/dedup"
	"github.com/dashsync/dashsync.go/pkg/logger"
	"github.com/dashsync/dashsync.go/pkg/mutation"
	"github.com/dashsync/dashsync.go/pkg/realtime"
	"github.com/dashsync/dashsync.go/pkg/retry"
)

// NewClientParams configures a Client. Backend is required; everything
// else defaults.
type NewClientParams struct {
	Backend backend.Backend
	Logger  logger.Logger

	// CacheCapacity bounds the query cache before LRU eviction.
	CacheCapacity int

	// DefaultTTL and DefaultStaleAfter govern entry freshness when a
	// Read does not override them.
	DefaultTTL        time.Duration
	DefaultStaleAfter time.Duration

	// Timeout bounds each backend round-trip. A timed-out attempt is
	// retried as a network failure, up to the retry policy's bound.
	Timeout time.Duration

	// NewRetryer builds the backoff policy for one fetch or mutation
	// send. Nil defaults to bounded exponential backoff with jitter.
	NewRetryer func() retry.Retryer

	// NewReconnectRetryer builds the backoff policy for realtime
	// reconnection. Nil defaults to unbounded exponential backoff.
	NewReconnectRetryer func() retry.Retryer
}

// Client composes the query cache, request deduplicator, optimistic
// mutation tracker and realtime subscription manager behind the UI
// consumer API. One Client per process; construct it at startup and
// inject it.
type Client struct {
	backend backend.Backend
	logger  logger.Logger

	cache     *cache.Cache
	dedup     *dedup.Deduplicator
	mutations *mutation.Tracker
	realtime  *realtime.Manager

	timeout    time.Duration
	ttl        time.Duration
	staleAfter time.Duration
	newRetryer func() retry.Retryer

	closed atomic.Bool
}

func New(p NewClientParams) *Client {
	log := logger.OrNop(p.Logger)

	timeout := p.Timeout
	if timeout == 0 {
		timeout = constants.DefaultTimeout
	}
	ttl := p.DefaultTTL
	if ttl == 0 {
		ttl = constants.DefaultTTL
	}
	staleAfter := p.DefaultStaleAfter
	if staleAfter == 0 {
		staleAfter = constants.DefaultStaleAfter
	}
	newRetryer := p.NewRetryer
	if newRetryer == nil {
		newRetryer = func() retry.Retryer { return retry.NewExponentialBackoff() }
	}

	// The cache pins entries for tables with outstanding optimistic
	// mutations, and the tracker invalidates the cache on confirmation;
	// the closure breaks the construction cycle.
	var mutations *mutation.Tracker

	queryCache := cache.New(cache.Config{
		Capacity: p.CacheCapacity,
		Logger:   log,
		Pinned: func(tags []string) bool {
			for _, tag := range tags {
				if mutations.PendingFor(tag) > 0 {
					return true
				}
			}
			return false
		},
	})

	mutations = mutation.NewTracker(mutation.NewTrackerParams{
		Invalidator: queryCache,
		Logger:      log,
	})

	rt := realtime.NewManager(realtime.NewManagerParams{
		Backend:     p.Backend,
		Invalidator: queryCache,
		Logger:      log,
		NewRetryer:  p.NewReconnectRetryer,
	})

	return &Client{
		backend:    p.Backend,
		logger:     log,
		cache:      queryCache,
		dedup:      dedup.New(),
		mutations:  mutations,
		realtime:   rt,
		timeout:    timeout,
		ttl:        ttl,
		staleAfter: staleAfter,
		newRetryer: newRetryer,
	}
}

// Subscribe registers onChange for realtime changes to (table, filter).
// Consumers sharing a pair share one transport channel; the returned
// function unsubscribes and is idempotent. Change notifications also
// invalidate cached queries for the table before onChange runs.
func (c *Client) Subscribe(table, filter string, onChange func(backend.Change)) (func(), error) {
	if c.closed.Load() {
		return nil, constants.ErrClosed
	}
	return c.realtime.Subscribe(table, filter, onChange)
}

// Reset clears the cache, in-flight request table, pending mutations
// and statistics. Intended for test isolation and logout.
func (c *Client) Reset() {
	c.cache.Clear()
	c.cache.ResetStats()
	c.dedup.Clear()
	c.mutations.Clear()
}

// Close tears down every realtime channel and marks the client closed;
// subsequent operations return ErrClosed. The backend itself is owned
// by the caller and closed separately.
func (c *Client) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.realtime.Close()
}

// attempt runs fn bounded by the client-side timeout, classifying a
// deadline hit as a retryable timeout failure.
func (c *Client) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := fn(attemptCtx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w: %w", constants.ErrTimeout, err)
	}
	return err
}
