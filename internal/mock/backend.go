// Package mock provides a controllable in-memory Backend for tests.
package mock

import (
	"context"
	"strconv"
	"sync"

	"github.com/dashsync/dashsync.go/pkg/backend"
)

// Backend is a scriptable Data Backend. Query results are served from
// per-table fixtures, mutations are applied to them, and changes can be
// injected into open subscriptions to simulate other users' writes.
type Backend struct {
	mu sync.Mutex

	tables map[string][]backend.Row
	nextID int

	// QueryErr and MutateErr, when set, fail the corresponding calls.
	QueryErr     error
	MutateErr    error
	SubscribeErr error

	// QueryDelay and MutateDelay let tests hold calls open to exercise
	// concurrency and in-flight states.
	QueryDelay  chan struct{}
	MutateDelay chan struct{}

	queryCalls  int
	mutateCalls int

	subs   map[int]*subscriberChan
	nextCh int
}

type subscriberChan struct {
	table string
	ch    chan backend.Change
}

func NewBackend() *Backend {
	return &Backend{
		tables: make(map[string][]backend.Row),
		subs:   make(map[int]*subscriberChan),
	}
}

// Seed replaces the fixture rows for table.
func (b *Backend) Seed(table string, rows []backend.Row) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tables[table] = rows
}

func (b *Backend) SetQueryErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.QueryErr = err
}

func (b *Backend) SetMutateErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.MutateErr = err
}

func (b *Backend) SetSubscribeErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.SubscribeErr = err
}

func (b *Backend) QueryCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queryCalls
}

func (b *Backend) MutateCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mutateCalls
}

// Query implements backend.Backend. Filters, ordering and pagination
// are ignored; tests seed exactly what they expect back.
func (b *Backend) Query(ctx context.Context, q backend.QuerySpec) ([]backend.Row, error) {
	b.mu.Lock()
	b.queryCalls++
	err := b.QueryErr
	delay := b.QueryDelay
	rows := make([]backend.Row, len(b.tables[q.Table]))
	copy(rows, b.tables[q.Table])
	b.mu.Unlock()

	if delay != nil {
		select {
		case <-delay:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Mutate implements backend.Backend. Inserts get a server-assigned id
// regardless of any client placeholder.
func (b *Backend) Mutate(ctx context.Context, m backend.MutationSpec) (backend.Row, error) {
	b.mu.Lock()
	b.mutateCalls++
	err := b.MutateErr
	delay := b.MutateDelay
	b.mu.Unlock()

	if delay != nil {
		select {
		case <-delay:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch m.Operation {
	case backend.OpInsert:
		b.nextID++
		row := make(backend.Row, len(m.Payload)+1)
		for k, v := range m.Payload {
			row[k] = v
		}
		row["id"] = serverID(b.nextID)
		b.tables[m.Table] = append(b.tables[m.Table], row)
		return row, nil

	case backend.OpUpdate:
		target := backend.RowID(m.Payload)
		for i, row := range b.tables[m.Table] {
			if backend.RowID(row) != target {
				continue
			}
			updated := make(backend.Row, len(row))
			for k, v := range row {
				updated[k] = v
			}
			for k, v := range m.Payload {
				updated[k] = v
			}
			b.tables[m.Table][i] = updated
			return updated, nil
		}
		return nil, nil

	case backend.OpDelete:
		target := backend.RowID(m.Payload)
		rows := b.tables[m.Table]
		for i, row := range rows {
			if backend.RowID(row) == target {
				b.tables[m.Table] = append(rows[:i:i], rows[i+1:]...)
				return row, nil
			}
		}
		return nil, nil
	}

	return nil, nil
}

// SubscribeChanges implements backend.Backend.
func (b *Backend) SubscribeChanges(ctx context.Context, table, filter string) (<-chan backend.Change, backend.CancelFunc, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.SubscribeErr != nil {
		return nil, nil, b.SubscribeErr
	}

	b.nextCh++
	id := b.nextCh
	sc := &subscriberChan{table: table, ch: make(chan backend.Change, 16)}
	b.subs[id] = sc

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if cur, ok := b.subs[id]; ok && cur == sc {
				delete(b.subs, id)
				close(sc.ch)
			}
		})
	}

	return sc.ch, cancel, nil
}

// OpenSubscriptions reports how many change channels are currently
// open, for reference-counting assertions.
func (b *Backend) OpenSubscriptions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Push injects a change into every open subscription for its table,
// simulating a change notification from another client.
func (b *Backend) Push(change backend.Change) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sc := range b.subs {
		if sc.table == change.Table {
			sc.ch <- change
		}
	}
}

// DropSubscriptions closes every open change channel without removing
// them through cancel, simulating a transport failure.
func (b *Backend) DropSubscriptions() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sc := range b.subs {
		delete(b.subs, id)
		close(sc.ch)
	}
}

func serverID(n int) string {
	return "row_" + strconv.Itoa(n)
}
