package cache

import (
	"context"
	"encoding/json"
	"sync"

	"golang.org/x/sync/singleflight"
)

// flight tracks the callers waiting on one shared call.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// Group coalesces concurrent calls with the same key into one execution.
// Each caller waits on its own context; the shared call runs on a context detached
// from any single caller and is cancelled once every waiter has left.
type Group struct {
	calls singleflight.Group

	mu      sync.Mutex
	flights map[string]*flight
}

// NewGroup creates an empty coalescing group.
func NewGroup() *Group {
	return &Group{flights: make(map[string]*flight)}
}

// Do runs fn once for all concurrent callers of key. shared reports whether the
// result was delivered to more than one caller.
func (group *Group) Do(ctx context.Context, key string, fn func(ctx context.Context) (json.RawMessage, error)) (json.RawMessage, bool, error) {
	current := group.join(ctx, key)

	resultChannel := group.calls.DoChan(key, func() (interface{}, error) {
		defer group.finish(key, current)
		return fn(current.ctx)
	})

	select {
	case result := <-resultChannel:
		group.leave(key, current, false)
		if result.Err != nil {
			return nil, result.Shared, result.Err
		}
		return result.Val.(json.RawMessage), result.Shared, nil
	case <-ctx.Done():
		group.leave(key, current, true)
		return nil, false, ctx.Err()
	}
}

func (group *Group) join(ctx context.Context, key string) *flight {
	group.mu.Lock()
	defer group.mu.Unlock()

	current, exists := group.flights[key]
	if !exists {
		flightContext, cancel := context.WithCancel(context.WithoutCancel(ctx))
		current = &flight{ctx: flightContext, cancel: cancel}
		group.flights[key] = current
	}
	current.waiters++
	return current
}

// leave drops one waiter. The last waiter to abandon a running call cancels it,
// so a new caller starts a fresh execution instead of joining a dying one.
func (group *Group) leave(key string, current *flight, abandoned bool) {
	group.mu.Lock()
	defer group.mu.Unlock()

	current.waiters--
	if current.waiters > 0 {
		return
	}
	if group.flights[key] != current {
		return
	}
	if abandoned {
		current.cancel()
		group.calls.Forget(key)
	}
	delete(group.flights, key)
}

func (group *Group) finish(key string, current *flight) {
	group.mu.Lock()
	defer group.mu.Unlock()

	current.cancel()
	if group.flights[key] == current {
		delete(group.flights, key)
	}
}

// InFlight reports the number of keys with a running call.
func (group *Group) InFlight() int {
	group.mu.Lock()
	defer group.mu.Unlock()
	return len(group.flights)
}
