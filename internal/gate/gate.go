// Package gate bounds the number of inference requests forwarded to the
// backend at once. Every backend call acquires a permit first and returns
// it when the call finishes, fails, or the client goes away.
package gate

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Gate is a counted pool of admission permits with a fixed capacity.
// The zero value is not usable; construct with New.
type Gate struct {
	sem       *semaphore.Weighted
	capacity  int
	available atomic.Int64
}

// New returns a Gate admitting at most capacity concurrent holders.
// Capacities below one are raised to one.
func New(capacity int) *Gate {
	if capacity < 1 {
		capacity = 1
	}
	g := &Gate{sem: semaphore.NewWeighted(int64(capacity)), capacity: capacity}
	g.available.Store(int64(capacity))
	return g
}

// Acquire blocks until a permit is free or ctx is cancelled. There is no
// queueing timeout of its own; a queued caller waits as long as its context
// allows, so a stuck stream upstream can hold callers indefinitely unless
// they carry a deadline. On success it returns a release function that must
// be called exactly once; calling it more than once is a no-op.
func (g *Gate) Acquire(ctx context.Context) (func(), error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	g.available.Add(-1)
	var once sync.Once
	return func() {
		once.Do(func() {
			g.available.Add(1)
			g.sem.Release(1)
		})
	}, nil
}

// Inspect reports the advisory available-permit count and the capacity.
// The count may race with concurrent acquires and releases.
func (g *Gate) Inspect() (available, capacity int) {
	return int(g.available.Load()), g.capacity
}
