// Package realtime owns the backend change-stream subscriptions. Each
// (table, filter) pair maps to at most one transport channel shared by
// every interested consumer via reference counting; incoming changes
// invalidate the query cache by table tag, so other users' writes
// propagate without a manual refetch. Transport failures are absorbed
// into backoff-driven reconnection and exposed only as status.
package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dashsync/dashsync.go/pkg/backend"
	"github.com/dashsync/dashsync.go/pkg/constants"
	"github.com/dashsync/dashsync.go/pkg/logger"
	"github.com/dashsync/dashsync.go/pkg/retry"
)

// Invalidator receives the coarse per-table invalidation on every
// change notification. Duplicate invalidations are harmless no-ops, so
// at-least-once delivery from the backend is fine.
type Invalidator interface {
	InvalidateByTag(tag string) int
}

// SubscriptionInfo is a read-only view for the debug surface.
type SubscriptionInfo struct {
	ID              string    `json:"id"`
	Table           string    `json:"table"`
	Filter          string    `json:"filter,omitempty"`
	Status          string    `json:"status"`
	SubscriberCount int       `json:"subscriber_count"`
	LastUpdated     time.Time `json:"last_updated"`
	Changes         int64     `json:"changes"`
}

// NewManagerParams configures a Manager.
type NewManagerParams struct {
	Backend     backend.Backend
	Invalidator Invalidator
	Logger      logger.Logger

	// NewRetryer builds the backoff policy for one subscription's
	// reconnection sequence. Nil defaults to unbounded exponential
	// backoff with jitter.
	NewRetryer func() retry.Retryer
}

// Manager tracks every active subscription. Safe for concurrent use.
type Manager struct {
	backend     backend.Backend
	invalidator Invalidator
	logger      logger.Logger
	newRetryer  func() retry.Retryer

	mu            sync.Mutex
	subscriptions map[string]*subscription
	closed        bool

	ctx       context.Context
	ctxCancel context.CancelFunc
}

func NewManager(p NewManagerParams) *Manager {
	newRetryer := p.NewRetryer
	if newRetryer == nil {
		newRetryer = func() retry.Retryer {
			r := retry.NewExponentialBackoff()
			r.MaxAttempts = 0 // reconnect until torn down
			return r
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		backend:       p.Backend,
		invalidator:   p.Invalidator,
		logger:        logger.OrNop(p.Logger),
		newRetryer:    newRetryer,
		subscriptions: make(map[string]*subscription),
		ctx:           ctx,
		ctxCancel:     cancel,
	}
}

// Subscribe registers onChange for changes to (table, filter). The
// first consumer for a pair opens the transport channel; later
// consumers share it. The returned function unsubscribes and is
// idempotent; when the last consumer unsubscribes the channel is closed
// and the subscription removed.
func (m *Manager) Subscribe(table, filter string, onChange func(backend.Change)) (func(), error) {
	key := subscriptionKey(table, filter)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, constants.ErrClosed
	}

	sub, ok := m.subscriptions[key]
	if !ok {
		sub = newSubscription(table, filter)
		m.subscriptions[key] = sub
		go m.run(sub)
	}

	consumerID := sub.addSubscriber(onChange)
	m.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			m.release(key, sub, consumerID)
		})
	}

	return unsubscribe, nil
}

// release drops one consumer and tears the subscription down when the
// last one leaves. Teardown must be deterministic: leaked channels
// across hot-reloads or logout are the classic failure here.
func (m *Manager) release(key string, sub *subscription, consumerID int) {
	m.mu.Lock()
	remaining := sub.removeSubscriber(consumerID)
	if remaining > 0 {
		m.mu.Unlock()
		return
	}

	// Only remove the map entry if it still refers to this instance; a
	// fresh subscription for the same pair may already have replaced it.
	if current, ok := m.subscriptions[key]; ok && current == sub {
		delete(m.subscriptions, key)
	}
	m.mu.Unlock()

	sub.teardown(m.logger)
}

// run is the per-subscription lifecycle loop: connect, consume changes,
// reconnect with backoff on transport failure, exit on teardown.
func (m *Manager) run(sub *subscription) {
	retryer := m.newRetryer()
	attempt := 0

	for {
		if sub.stopped() {
			return
		}

		if err := sub.transitionTo(StatusConnecting); err != nil {
			// Torn down between iterations.
			return
		}

		ch, cancel, err := m.backend.SubscribeChanges(m.ctx, sub.table, sub.filter)
		if err != nil {
			if stateErr := sub.transitionTo(StatusError); stateErr != nil {
				return
			}

			delay, ok := retryer.NextDelay(attempt, err)
			if !ok {
				m.logger.Error("giving up on subscription reconnect",
					"table", sub.table, "filter", sub.filter, "error", err)
				return
			}
			attempt++
			m.logger.Warn("subscription connect failed, retrying",
				"table", sub.table, "filter", sub.filter, "delay", delay, "error", err)

			select {
			case <-sub.stopCh:
				return
			case <-time.After(delay):
			}
			continue
		}

		retryer.Reset()
		attempt = 0

		if err := sub.transitionTo(StatusConnected); err != nil {
			cancel()
			return
		}
		m.logger.Debug("subscription connected", "table", sub.table, "filter", sub.filter)

		if !m.consume(sub, ch, cancel) {
			return
		}

		// Transport failed; fall through to reconnect.
		if err := sub.transitionTo(StatusError); err != nil {
			return
		}
		m.logger.Warn("subscription channel lost, reconnecting", "table", sub.table, "filter", sub.filter)
	}
}

// consume pumps changes until teardown (returns false) or transport
// failure (returns true, caller reconnects).
func (m *Manager) consume(sub *subscription, ch <-chan backend.Change, cancel backend.CancelFunc) bool {
	for {
		select {
		case <-sub.stopCh:
			cancel()
			return false
		case change, open := <-ch:
			if !open {
				return true
			}
			m.handleChange(sub, change)
		}
	}
}

// handleChange applies the coarse invalidation first, then fans out to
// subscriber callbacks. Invalidation before fan-out means a callback
// that immediately re-reads observes post-invalidation cache state.
func (m *Manager) handleChange(sub *subscription, change backend.Change) {
	if m.invalidator != nil {
		m.invalidator.InvalidateByTag(change.Table)
	}

	for _, onChange := range sub.subscriberSnapshot() {
		onChange(change)
	}

	sub.recordChange()
}

// Subscriptions lists every live subscription for the debug surface.
func (m *Manager) Subscriptions() []SubscriptionInfo {
	m.mu.Lock()
	subs := make([]*subscription, 0, len(m.subscriptions))
	for _, sub := range m.subscriptions {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	out := make([]SubscriptionInfo, 0, len(subs))
	for _, sub := range subs {
		out = append(out, sub.info())
	}
	return out
}

// Close tears down every subscription and rejects further subscribes.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	subs := make([]*subscription, 0, len(m.subscriptions))
	for _, sub := range m.subscriptions {
		subs = append(subs, sub)
	}
	m.subscriptions = make(map[string]*subscription)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.teardown(m.logger)
	}
	m.ctxCancel()
}

func subscriptionKey(table, filter string) string {
	return table + "\x00" + filter
}

func newSubscriptionID() string {
	return uuid.NewString()
}
