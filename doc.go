// Package dashsync is a client-side data synchronization layer for
// dashboards over a hosted relational backend. It keeps UI consumers
// consistent with a remote store the client does not fully control:
// query results are cached with a stale-while-revalidate freshness
// model, identical concurrent fetches are collapsed into one backend
// call, writes are applied optimistically ahead of server confirmation,
// and realtime change notifications invalidate affected cache entries
// so other users' writes propagate without manual refetches.
//
// A Client is an explicit context object constructed once at
// application start and injected into consumers; there is no hidden
// package-level state. The backend is abstract (see package backend);
// a CBOR-RPC WebSocket implementation is included.
//
//	be := backend.NewWebSocketBackend(backend.NewWebSocketBackendParams{BaseURL: "wss://db.example.com"})
//	if err := be.Connect(ctx); err != nil {
//		// handle
//	}
//	client := dashsync.New(dashsync.NewClientParams{Backend: be})
//	defer client.Close()
//
//	res := client.Read(ctx, backend.QuerySpec{Table: "entries"})
//	mut := client.Mutate(ctx, backend.MutationSpec{
//		Table:     "entries",
//		Operation: backend.OpInsert,
//		Payload:   backend.Row{"title": "hello"},
//	})
//	_ = res
//	_ = mut
package dashsync
