// Package dedup collapses concurrent identical requests: at most one
// underlying call per key is in flight, and every concurrent caller
// shares its outcome. Results are never cached here; once a call
// settles the next request for the key starts fresh.
package dedup

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Deduplicator wraps singleflight with in-flight introspection and
// context-aware waiting.
type Deduplicator struct {
	group singleflight.Group

	// inFlight counts executing calls per key. More than one execution
	// can briefly coexist for a key when a forgotten call is still
	// settling while a fresh one starts.
	mu       sync.Mutex
	inFlight map[string]int
}

func New() *Deduplicator {
	return &Deduplicator{
		inFlight: make(map[string]int),
	}
}

// Do executes fn for key, ensuring only one execution is in flight per
// key at a time; duplicate callers wait for the original and receive
// the same value or the same error. No retries happen at this layer.
//
// A caller whose ctx is canceled stops waiting and gets ctx.Err(), but
// the shared call keeps running for the remaining waiters; its result
// is simply discarded for the canceled caller. The executing fn
// receives a context detached from any single caller's cancellation so
// one consumer unmounting cannot fail the others.
func (d *Deduplicator) Do(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (any, error) {
	execCtx := context.WithoutCancel(ctx)

	ch := d.group.DoChan(key, func() (any, error) {
		d.track(key)
		defer d.untrack(key)
		return fn(execCtx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}

// Forget detaches the in-flight call for key so the next Do starts
// fresh. Waiters on the forgotten call still receive its eventual
// result, and the call stays counted in InFlight until it settles.
func (d *Deduplicator) Forget(key string) {
	d.group.Forget(key)
}

// InFlight returns the number of keys with an executing call.
func (d *Deduplicator) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inFlight)
}

// Clear forgets every in-flight call. Intended for test isolation.
func (d *Deduplicator) Clear() {
	d.mu.Lock()
	keys := make([]string, 0, len(d.inFlight))
	for key := range d.inFlight {
		keys = append(keys, key)
	}
	d.mu.Unlock()

	for _, key := range keys {
		d.Forget(key)
	}
}

func (d *Deduplicator) track(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inFlight[key]++
}

func (d *Deduplicator) untrack(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if n := d.inFlight[key]; n > 1 {
		d.inFlight[key] = n - 1
	} else {
		delete(d.inFlight, key)
	}
}
