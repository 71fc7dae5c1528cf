// Package mutation tracks client-issued writes that the backend has not
// yet confirmed, and overlays their predicted results onto cache reads.
// The overlay is what makes the UI optimistic: a prediction is visible
// the instant the mutation is applied, before any network round-trip.
package mutation

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dashsync/dashsync.go/pkg/backend"
	"github.com/dashsync/dashsync.go/pkg/logger"
)

// PendingField marks merged insert rows so the UI can render them
// distinctly (e.g. "saving…") until the backend confirms.
const PendingField = "_pending"

// clientIDPrefix distinguishes client-generated placeholder ids from
// server-assigned ones.
const clientIDPrefix = "client:"

// Status of a tracked mutation. Confirmed and failed mutations are
// removed from the tracker; the status appears only in snapshots taken
// before removal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// PendingMutation is one client-issued write awaiting confirmation.
type PendingMutation struct {
	ID        string            `json:"id"`
	Table     string            `json:"table"`
	Operation backend.Operation `json:"operation"`
	Payload   backend.Row       `json:"payload"`
	Status    Status            `json:"status"`
	IssuedAt  time.Time         `json:"issued_at"`

	// seq orders mutations issued within the same clock tick.
	seq uint64
}

// Invalidator receives targeted cache invalidations when a mutation is
// confirmed, so the next read reflects authoritative server state.
type Invalidator interface {
	InvalidateByTag(tag string) int
}

// Tracker owns the set of pending mutations. Safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]*PendingMutation
	nextSeq uint64

	invalidator Invalidator
	logger      logger.Logger
}

// NewTrackerParams configures a Tracker. Invalidator may be nil, in
// which case confirms skip cache invalidation (useful in tests).
type NewTrackerParams struct {
	Invalidator Invalidator
	Logger      logger.Logger
}

func NewTracker(p NewTrackerParams) *Tracker {
	return &Tracker{
		pending:     make(map[string]*PendingMutation),
		invalidator: p.Invalidator,
		logger:      logger.OrNop(p.Logger),
	}
}

// Apply records a pending mutation and returns its client-generated id.
// It is synchronous and does no I/O: the caller's optimistic UI update
// happens before the network call resolves. Insert payloads without an
// id get the mutation id as a placeholder, to be replaced by the
// server-assigned id on confirmation.
func (t *Tracker) Apply(table string, op backend.Operation, payload backend.Row) string {
	id := clientIDPrefix + uuid.NewString()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextSeq++
	t.pending[id] = &PendingMutation{
		ID:        id,
		Table:     table,
		Operation: op,
		Payload:   payload,
		Status:    StatusPending,
		IssuedAt:  time.Now(),
		seq:       t.nextSeq,
	}

	return id
}

// Confirm retires the mutation and invalidates cache entries for its
// table so the next read fetches the authoritative row. Calling Confirm
// again for the same id, or after Fail, is a no-op.
func (t *Tracker) Confirm(id string) {
	t.mu.Lock()
	m, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()

	if !ok {
		return
	}

	if t.invalidator != nil {
		t.invalidator.InvalidateByTag(m.Table)
	}
	t.logger.Debug("mutation confirmed", "id", id, "table", m.Table)
}

// Fail retires the mutation without touching the cache: the optimistic
// value was only ever an overlay, so removing the mutation is the whole
// rollback. Idempotent like Confirm.
func (t *Tracker) Fail(id string, err error) {
	t.mu.Lock()
	m, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()

	if !ok {
		return
	}

	t.logger.Warn("mutation failed, rolling back optimistic state",
		"id", id, "table", m.Table, "operation", m.Operation, "error", err)
}

// MergeInto overlays every pending mutation for table onto rows, in
// issuance order, so later mutations override earlier ones touching the
// same identity. Inserts are appended carrying PendingField; updates
// overwrite matching-id fields; deletes filter the row out. The input
// slice is not modified. The result is deterministic for a given
// pending set regardless of when or how often it is called.
func (t *Tracker) MergeInto(table string, rows []backend.Row) []backend.Row {
	pending := t.pendingForTable(table)
	if len(pending) == 0 {
		return rows
	}

	merged := make([]backend.Row, len(rows))
	copy(merged, rows)

	for _, m := range pending {
		switch m.Operation {
		case backend.OpInsert:
			row := cloneRow(m.Payload)
			if backend.RowID(row) == "" {
				row["id"] = m.ID
			}
			row[PendingField] = true
			merged = append(merged, row)

		case backend.OpUpdate:
			target := backend.RowID(m.Payload)
			for i, row := range merged {
				if backend.RowID(row) != target {
					continue
				}
				updated := cloneRow(row)
				for k, v := range m.Payload {
					updated[k] = v
				}
				merged[i] = updated
			}

		case backend.OpDelete:
			target := backend.RowID(m.Payload)
			kept := merged[:0]
			for _, row := range merged {
				if backend.RowID(row) != target {
					kept = append(kept, row)
				}
			}
			merged = kept
		}
	}

	return merged
}

// PendingFor returns the number of pending mutations against table.
// The cache's eviction pinning hook is built on this.
func (t *Tracker) PendingFor(table string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, m := range t.pending {
		if m.Table == table {
			n++
		}
	}
	return n
}

// Pending returns a snapshot of all pending mutations in issuance
// order, for the debug surface.
func (t *Tracker) Pending() []PendingMutation {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]PendingMutation, 0, len(t.pending))
	for _, m := range t.pending {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Clear drops every pending mutation. Intended for test isolation.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = make(map[string]*PendingMutation)
}

// pendingForTable snapshots the pending mutations for table, ordered by
// issuance.
func (t *Tracker) pendingForTable(table string) []*PendingMutation {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []*PendingMutation
	for _, m := range t.pending {
		if m.Table == table {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func cloneRow(r backend.Row) backend.Row {
	out := make(backend.Row, len(r)+1)
	for k, v := range r {
		out[k] = v
	}
	return out
}
