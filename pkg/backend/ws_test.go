package backend_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dashsync/dashsync.go/internal/fakedb"
	"github.com/dashsync/dashsync.go/pkg/backend"
	"github.com/dashsync/dashsync.go/pkg/constants"
)

func startBackend(t *testing.T, timeout time.Duration) (*fakedb.Server, *backend.WebSocketBackend) {
	t.Helper()

	srv := fakedb.NewServer()
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)

	ws := backend.NewWebSocketBackend(backend.NewWebSocketBackendParams{
		BaseURL: srv.URL(),
		Timeout: timeout,
	})
	require.NoError(t, ws.Connect(context.Background()))
	t.Cleanup(func() {
		_ = ws.Close(context.Background())
	})

	return srv, ws
}

func TestWebSocketBackendQuery(t *testing.T) {
	srv, ws := startBackend(t, 0)
	srv.Seed("orders", []backend.Row{
		{"id": "orders:1", "status": "open"},
		{"id": "orders:2", "status": "closed"},
	})

	rows, err := ws.Query(context.Background(), backend.QuerySpec{Table: "orders"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "orders:1", backend.RowID(rows[0]))
	assert.Equal(t, "open", rows[0]["status"])
}

func TestWebSocketBackendMutate(t *testing.T) {
	t.Run("insert returns authoritative row", func(t *testing.T) {
		_, ws := startBackend(t, 0)

		row, err := ws.Mutate(context.Background(), backend.MutationSpec{
			Table:     "orders",
			Operation: backend.OpInsert,
			Payload:   backend.Row{"status": "open"},
		})
		require.NoError(t, err)
		assert.NotEmpty(t, backend.RowID(row))
		assert.Equal(t, "open", row["status"])
	})

	t.Run("update round trips through the fixture", func(t *testing.T) {
		srv, ws := startBackend(t, 0)
		srv.Seed("orders", []backend.Row{{"id": "orders:1", "status": "open"}})

		row, err := ws.Mutate(context.Background(), backend.MutationSpec{
			Table:     "orders",
			Operation: backend.OpUpdate,
			Payload:   backend.Row{"id": "orders:1", "status": "closed"},
		})
		require.NoError(t, err)
		assert.Equal(t, "closed", row["status"])

		rows, err := ws.Query(context.Background(), backend.QuerySpec{Table: "orders"})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "closed", rows[0]["status"])
	})

	t.Run("rejection maps to ErrRejected", func(t *testing.T) {
		srv, ws := startBackend(t, 0)
		srv.RejectMutations("orders", "status constraint violated")

		_, err := ws.Mutate(context.Background(), backend.MutationSpec{
			Table:     "orders",
			Operation: backend.OpInsert,
			Payload:   backend.Row{"status": "bogus"},
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, constants.ErrRejected)
		assert.ErrorContains(t, err, "status constraint violated")
	})
}

func TestWebSocketBackendTimeout(t *testing.T) {
	srv, ws := startBackend(t, 50*time.Millisecond)
	srv.GoSilent()

	_, err := ws.Query(context.Background(), backend.QuerySpec{Table: "orders"})
	require.Error(t, err)
	assert.ErrorIs(t, err, constants.ErrTimeout)
}

func TestWebSocketBackendSubscribeChanges(t *testing.T) {
	t.Run("delivers pushed changes", func(t *testing.T) {
		srv, ws := startBackend(t, 0)

		ch, cancel, err := ws.SubscribeChanges(context.Background(), "orders", "")
		require.NoError(t, err)
		defer cancel()

		srv.Push(backend.Change{
			Table:  "orders",
			Action: backend.UpdateAction,
			Row:    backend.Row{"id": "orders:1", "status": "closed"},
		})

		select {
		case change := <-ch:
			assert.Equal(t, "orders", change.Table)
			assert.Equal(t, backend.UpdateAction, change.Action)
			assert.Equal(t, "orders:1", backend.RowID(change.Row))
		case <-time.After(2 * time.Second):
			t.Fatal("change was not delivered")
		}
	})

	t.Run("cancel kills the live subscription", func(t *testing.T) {
		srv, ws := startBackend(t, 0)

		ch, cancel, err := ws.SubscribeChanges(context.Background(), "orders", "")
		require.NoError(t, err)
		require.Equal(t, 1, srv.LiveSubscriptions())

		cancel()
		cancel() // safe to repeat

		require.Eventually(t, func() bool {
			return srv.LiveSubscriptions() == 0
		}, 2*time.Second, 10*time.Millisecond)

		_, open := <-ch
		assert.False(t, open)
	})

	t.Run("transport failure closes the channel", func(t *testing.T) {
		srv, ws := startBackend(t, 0)

		ch, cancel, err := ws.SubscribeChanges(context.Background(), "orders", "")
		require.NoError(t, err)
		defer cancel()

		srv.DropConnections()

		select {
		case _, open := <-ch:
			assert.False(t, open)
		case <-time.After(2 * time.Second):
			t.Fatal("channel was not closed after transport failure")
		}
	})
}

func TestWebSocketBackendLifecycle(t *testing.T) {
	t.Run("send before connect", func(t *testing.T) {
		ws := backend.NewWebSocketBackend(backend.NewWebSocketBackendParams{BaseURL: "ws://127.0.0.1:1"})
		_, err := ws.Query(context.Background(), backend.QuerySpec{Table: "orders"})
		assert.ErrorIs(t, err, constants.ErrNotConnected)
	})

	t.Run("connect without base url", func(t *testing.T) {
		ws := backend.NewWebSocketBackend(backend.NewWebSocketBackendParams{})
		assert.ErrorIs(t, ws.Connect(context.Background()), constants.ErrNoBaseURL)
	})

	t.Run("send after close", func(t *testing.T) {
		_, ws := startBackend(t, 0)
		require.NoError(t, ws.Close(context.Background()))

		_, err := ws.Query(context.Background(), backend.QuerySpec{Table: "orders"})
		assert.ErrorIs(t, err, constants.ErrNotConnected)
	})

	t.Run("send after transport failure surfaces the read error", func(t *testing.T) {
		srv, ws := startBackend(t, 0)

		ch, cancel, err := ws.SubscribeChanges(context.Background(), "orders", "")
		require.NoError(t, err)
		defer cancel()

		srv.DropConnections()

		// The closed change channel proves the read loop has recorded
		// the failure.
		select {
		case _, open := <-ch:
			require.False(t, open)
		case <-time.After(2 * time.Second):
			t.Fatal("channel was not closed after transport failure")
		}

		require.NoError(t, ws.Close(context.Background()))

		_, err = ws.Query(context.Background(), backend.QuerySpec{Table: "orders"})
		require.Error(t, err)
		assert.ErrorIs(t, err, constants.ErrNetwork)
	})
}
