// Package backend defines the Data Backend consumed by the sync layer:
// point queries, mutations, and change-notification subscriptions. A
// concrete implementation speaking CBOR-RPC over WebSocket is provided;
// tests substitute their own.
package backend

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Row is a decoded record. The "id" field is the identity column; the
// backend assigns it on insert, the client uses placeholder ids until
// then.
type Row = map[string]any

// RowID returns the identity of a row, or "" when unset.
func RowID(r Row) string {
	id, _ := r["id"].(string)
	return id
}

// QuerySpec describes a point query. The zero values of OrderBy, Limit
// and Offset mean unordered and unbounded.
type QuerySpec struct {
	Table      string         `json:"table" cbor:"table"`
	Filter     map[string]any `json:"filter,omitempty" cbor:"filter,omitempty"`
	OrderBy    string         `json:"order_by,omitempty" cbor:"order_by,omitempty"`
	Descending bool           `json:"descending,omitempty" cbor:"descending,omitempty"`
	Limit      int            `json:"limit,omitempty" cbor:"limit,omitempty"`
	Offset     int            `json:"offset,omitempty" cbor:"offset,omitempty"`
}

// Key returns the canonical cache key for the query. It is stable and
// order-independent for the filter map: two specs that differ only in
// filter insertion order produce the same key.
func (q QuerySpec) Key() string {
	var b strings.Builder
	b.WriteString(q.Table)

	if len(q.Filter) > 0 {
		keys := make([]string, 0, len(q.Filter))
		for k := range q.Filter {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteString("?")
		for i, k := range keys {
			if i > 0 {
				b.WriteString("&")
			}
			fmt.Fprintf(&b, "%s=%v", k, q.Filter[k])
		}
	}

	if q.OrderBy != "" {
		dir := "asc"
		if q.Descending {
			dir = "desc"
		}
		fmt.Fprintf(&b, "|order=%s.%s", q.OrderBy, dir)
	}
	if q.Limit > 0 || q.Offset > 0 {
		fmt.Fprintf(&b, "|range=%d+%d", q.Offset, q.Limit)
	}

	return b.String()
}

// Operation is a mutation kind.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// MutationSpec describes one write. For updates and deletes Payload
// must carry the target row id.
type MutationSpec struct {
	Table     string    `json:"table" cbor:"table"`
	Operation Operation `json:"operation" cbor:"operation"`
	Payload   Row       `json:"payload" cbor:"payload"`
}

// Action is the kind of change reported by the backend's change stream.
type Action string

const (
	CreateAction Action = "CREATE"
	UpdateAction Action = "UPDATE"
	DeleteAction Action = "DELETE"
)

// Change is one change notification. Delivery is at least once;
// consumers must treat duplicates as no-ops.
type Change struct {
	Table  string `json:"table" cbor:"table"`
	Action Action `json:"action" cbor:"action"`
	Row    Row    `json:"row,omitempty" cbor:"row,omitempty"`
}

// CancelFunc tears down a change subscription. Safe to call more than
// once.
type CancelFunc func()

// Backend is the abstract Data Backend. Queries are assumed idempotent;
// change notifications are at-least-once.
type Backend interface {
	// Query runs a point query and returns the matching rows.
	Query(ctx context.Context, q QuerySpec) ([]Row, error)

	// Mutate applies one write and returns the authoritative row. For
	// deletes the returned row is the removed row (possibly nil).
	Mutate(ctx context.Context, m MutationSpec) (Row, error)

	// SubscribeChanges opens a change stream for (table, filter). The
	// returned channel is closed when the subscription ends, whether by
	// cancel or transport failure; the consumer distinguishes the two by
	// whether it called cancel.
	SubscribeChanges(ctx context.Context, table, filter string) (<-chan Change, CancelFunc, error)
}
