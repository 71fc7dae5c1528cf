package dashsync

import (
	"github.com/dashsync/dashsync.go/pkg/cache"
	"github.com/dashsync/dashsync.go/pkg/mutation"
	"github.com/dashsync/dashsync.go/pkg/realtime"
)

// StatsSnapshot is the operational debug surface: cache counters,
// in-flight request count, pending mutations and active subscriptions.
// Read-only; no effect on correctness.
type StatsSnapshot struct {
	Cache            cache.Snapshot              `json:"cache"`
	InFlight         int                         `json:"in_flight"`
	PendingMutations []mutation.PendingMutation  `json:"pending_mutations"`
	Subscriptions    []realtime.SubscriptionInfo `json:"subscriptions"`
}

// Stats returns a point-in-time snapshot for debug and ops tooling.
func (c *Client) Stats() StatsSnapshot {
	return StatsSnapshot{
		Cache:            c.cache.Stats(),
		InFlight:         c.dedup.InFlight(),
		PendingMutations: c.mutations.Pending(),
		Subscriptions:    c.realtime.Subscriptions(),
	}
}
