package realtime

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dashsync/dashsync.go/internal/mock"
	"github.com/dashsync/dashsync.go/pkg/backend"
	"github.com/dashsync/dashsync.go/pkg/constants"
	"github.com/dashsync/dashsync.go/pkg/retry"
)

type tagRecorder struct {
	mu   sync.Mutex
	tags []string
}

func (r *tagRecorder) InvalidateByTag(tag string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tags = append(r.tags, tag)
	return 1
}

func (r *tagRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.tags...)
}

func newTestManager(b *mock.Backend, inv Invalidator) *Manager {
	return NewManager(NewManagerParams{
		Backend:     b,
		Invalidator: inv,
		NewRetryer: func() retry.Retryer {
			return retry.NewFixedDelay(time.Millisecond, 0)
		},
	})
}

func TestSubscriptionReferenceCounting(t *testing.T) {
	be := mock.NewBackend()
	m := newTestManager(be, nil)
	defer m.Close()

	var unsubs []func()
	for i := 0; i < 3; i++ {
		unsub, err := m.Subscribe("entries", "", func(backend.Change) {})
		require.NoError(t, err)
		unsubs = append(unsubs, unsub)
	}

	// Three consumers share one transport channel.
	require.Eventually(t, func() bool { return be.OpenSubscriptions() == 1 }, time.Second, time.Millisecond)

	infos := m.Subscriptions()
	require.Len(t, infos, 1)
	assert.Equal(t, 3, infos[0].SubscriberCount)

	unsubs[0]()
	unsubs[1]()

	assert.Equal(t, 1, be.OpenSubscriptions(), "channel stays open while consumers remain")
	require.Len(t, m.Subscriptions(), 1)

	unsubs[2]()

	require.Eventually(t, func() bool { return be.OpenSubscriptions() == 0 }, time.Second, time.Millisecond)
	assert.Empty(t, m.Subscriptions(), "last unsubscribe removes the subscription")
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	be := mock.NewBackend()
	m := newTestManager(be, nil)
	defer m.Close()

	first, err := m.Subscribe("entries", "", func(backend.Change) {})
	require.NoError(t, err)
	second, err := m.Subscribe("entries", "", func(backend.Change) {})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return be.OpenSubscriptions() == 1 }, time.Second, time.Millisecond)

	first()
	first() // repeat must not release the second consumer's reference

	assert.Equal(t, 1, be.OpenSubscriptions())

	second()
	require.Eventually(t, func() bool { return be.OpenSubscriptions() == 0 }, time.Second, time.Millisecond)
}

func TestChangeInvalidatesAndFansOut(t *testing.T) {
	be := mock.NewBackend()
	inv := &tagRecorder{}
	m := newTestManager(be, inv)
	defer m.Close()

	received := make(chan backend.Change, 2)
	_, err := m.Subscribe("entries", "", func(c backend.Change) { received <- c })
	require.NoError(t, err)
	_, err = m.Subscribe("entries", "", func(c backend.Change) { received <- c })
	require.NoError(t, err)

	require.Eventually(t, func() bool { return be.OpenSubscriptions() == 1 }, time.Second, time.Millisecond)

	be.Push(backend.Change{Table: "entries", Action: backend.UpdateAction, Row: backend.Row{"id": "row_1"}})

	for i := 0; i < 2; i++ {
		select {
		case c := <-received:
			assert.Equal(t, "entries", c.Table)
			assert.Equal(t, backend.UpdateAction, c.Action)
		case <-time.After(time.Second):
			t.Fatal("change not fanned out to every subscriber")
		}
	}

	assert.Equal(t, []string{"entries"}, inv.snapshot())
}

func TestReconnectAfterTransportFailure(t *testing.T) {
	be := mock.NewBackend()
	m := newTestManager(be, nil)
	defer m.Close()

	received := make(chan backend.Change, 1)
	_, err := m.Subscribe("entries", "", func(c backend.Change) { received <- c })
	require.NoError(t, err)

	require.Eventually(t, func() bool { return be.OpenSubscriptions() == 1 }, time.Second, time.Millisecond)

	be.DropSubscriptions()

	// The manager reconnects with backoff and the subscription keeps
	// delivering changes.
	require.Eventually(t, func() bool { return be.OpenSubscriptions() == 1 }, time.Second, time.Millisecond)

	be.Push(backend.Change{Table: "entries", Action: backend.CreateAction})
	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("no change delivered after reconnect")
	}
}

func TestConnectFailureRetries(t *testing.T) {
	be := mock.NewBackend()
	be.SetSubscribeErr(errors.New("down"))
	m := newTestManager(be, nil)
	defer m.Close()

	_, err := m.Subscribe("entries", "", func(backend.Change) {})
	require.NoError(t, err, "subscribe does not block on the initial connect")

	require.Eventually(t, func() bool {
		infos := m.Subscriptions()
		return len(infos) == 1 && infos[0].Status == StatusError.String()
	}, time.Second, time.Millisecond)

	be.SetSubscribeErr(nil)

	require.Eventually(t, func() bool {
		infos := m.Subscriptions()
		return len(infos) == 1 && infos[0].Status == StatusConnected.String()
	}, time.Second, time.Millisecond)
}

func TestResubscribeAfterClosedCreatesFreshSubscription(t *testing.T) {
	be := mock.NewBackend()
	m := newTestManager(be, nil)
	defer m.Close()

	unsub, err := m.Subscribe("entries", "", func(backend.Change) {})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return be.OpenSubscriptions() == 1 }, time.Second, time.Millisecond)

	firstID := m.Subscriptions()[0].ID
	unsub()
	require.Eventually(t, func() bool { return be.OpenSubscriptions() == 0 }, time.Second, time.Millisecond)

	_, err = m.Subscribe("entries", "", func(backend.Change) {})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return be.OpenSubscriptions() == 1 }, time.Second, time.Millisecond)

	assert.NotEqual(t, firstID, m.Subscriptions()[0].ID)
}

func TestClose(t *testing.T) {
	be := mock.NewBackend()
	m := newTestManager(be, nil)

	_, err := m.Subscribe("entries", "", func(backend.Change) {})
	require.NoError(t, err)
	_, err = m.Subscribe("categories", "", func(backend.Change) {})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return be.OpenSubscriptions() == 2 }, time.Second, time.Millisecond)

	m.Close()

	require.Eventually(t, func() bool { return be.OpenSubscriptions() == 0 }, time.Second, time.Millisecond)
	assert.Empty(t, m.Subscriptions())

	_, err = m.Subscribe("entries", "", func(backend.Change) {})
	assert.ErrorIs(t, err, constants.ErrClosed)
}

func TestStatusTransitions(t *testing.T) {
	valid := []struct{ from, to Status }{
		{StatusInactive, StatusConnecting},
		{StatusConnecting, StatusConnected},
		{StatusConnecting, StatusError},
		{StatusConnected, StatusError},
		{StatusError, StatusConnecting},
		{StatusInactive, StatusClosed},
		{StatusConnecting, StatusClosed},
		{StatusConnected, StatusClosed},
		{StatusError, StatusClosed},
	}
	for _, tc := range valid {
		assert.NoError(t, tc.from.validateTransitionTo(tc.to), "%v -> %v", tc.from, tc.to)
	}

	invalid := []struct{ from, to Status }{
		{StatusInactive, StatusConnected},
		{StatusConnected, StatusConnecting},
		{StatusError, StatusConnected},
		{StatusClosed, StatusConnecting},
		{StatusClosed, StatusClosed},
	}
	for _, tc := range invalid {
		assert.Error(t, tc.from.validateTransitionTo(tc.to), "%v -> %v", tc.from, tc.to)
	}
}
