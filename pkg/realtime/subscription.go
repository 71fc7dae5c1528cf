package realtime

import (
	"sync"
	"time"

	"github.com/dashsync/dashsync.go/pkg/backend"
	"github.com/dashsync/dashsync.go/pkg/logger"
)

// subscription is one reference-counted (table, filter) channel. The
// manager map only caches live instances; lifetime is governed by the
// subscriber count and the teardown path.
type subscription struct {
	id     string
	table  string
	filter string

	mu          sync.Mutex
	status      Status
	lastUpdated time.Time
	changes     int64
	subscribers map[int]func(backend.Change)
	nextSubID   int

	// stopCh is closed exactly once, by teardown. The run loop exits
	// when it observes the close.
	stopCh   chan struct{}
	stopOnce sync.Once
}

func newSubscription(table, filter string) *subscription {
	return &subscription{
		id:          newSubscriptionID(),
		table:       table,
		filter:      filter,
		status:      StatusInactive,
		lastUpdated: time.Now(),
		subscribers: make(map[int]func(backend.Change)),
		stopCh:      make(chan struct{}),
	}
}

func (s *subscription) transitionTo(newStatus Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.status.validateTransitionTo(newStatus); err != nil {
		return err
	}

	s.status = newStatus
	s.lastUpdated = time.Now()
	return nil
}

func (s *subscription) addSubscriber(onChange func(backend.Change)) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSubID++
	s.subscribers[s.nextSubID] = onChange
	return s.nextSubID
}

// removeSubscriber drops one consumer and returns how many remain.
func (s *subscription) removeSubscriber(id int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.subscribers, id)
	return len(s.subscribers)
}

func (s *subscription) subscriberSnapshot() []func(backend.Change) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]func(backend.Change), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		out = append(out, fn)
	}
	return out
}

func (s *subscription) recordChange() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.changes++
	s.lastUpdated = time.Now()
}

func (s *subscription) stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// teardown moves the subscription to its terminal state and signals the
// run loop to cancel the transport channel.
func (s *subscription) teardown(log logger.Logger) {
	s.mu.Lock()
	alreadyClosed := s.status == StatusClosed
	if !alreadyClosed {
		s.status = StatusClosed
		s.lastUpdated = time.Now()
	}
	s.mu.Unlock()

	if alreadyClosed {
		return
	}

	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	log.Debug("subscription closed", "table", s.table, "filter", s.filter)
}

func (s *subscription) info() SubscriptionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SubscriptionInfo{
		ID:              s.id,
		Table:           s.table,
		Filter:          s.filter,
		Status:          s.status.String(),
		SubscriberCount: len(s.subscribers),
		LastUpdated:     s.lastUpdated,
		Changes:         s.changes,
	}
}
