package dashsync

import (
	"context"

	"github.com/dashsync/dashsync.go/pkg/backend"
	"github.com/dashsync/dashsync.go/pkg/constants"
	"github.com/dashsync/dashsync.go/pkg/retry"
)

// MutateResult reports the outcome of one write. On success Data is the
// authoritative server row (its id may differ from any client
// placeholder). On failure the optimistic prediction has already been
// rolled back; Err is never silently dropped.
type MutateResult struct {
	OK   bool
	Data backend.Row
	Err  error
}

// Mutate applies m optimistically and sends it to the backend. The
// predicted result is visible to Read the instant this call starts;
// confirmation retires the prediction and invalidates cached queries
// for the table so the next read reflects server truth. Network-class
// failures are retried per the client's policy; rejections are not.
func (c *Client) Mutate(ctx context.Context, m backend.MutationSpec) MutateResult {
	if c.closed.Load() {
		return MutateResult{Err: constants.ErrClosed}
	}

	id := c.mutations.Apply(m.Table, m.Operation, m.Payload)

	var row backend.Row
	err := retry.Do(ctx, c.newRetryer(), func(ctx context.Context) error {
		return c.attempt(ctx, func(ctx context.Context) error {
			result, err := c.backend.Mutate(ctx, m)
			if err != nil {
				return err
			}
			row = result
			return nil
		})
	})
	if err != nil {
		c.mutations.Fail(id, err)
		return MutateResult{Err: err}
	}

	c.mutations.Confirm(id)
	return MutateResult{OK: true, Data: row}
}
