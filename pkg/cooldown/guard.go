package cooldown

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Outcome says where a Guard result came from.
type Outcome string

const (
	Computed Outcome = "computed" // computed under the lock
	Stale    Outcome = "stale"    // lock held elsewhere, last-known-good returned
)

// Guard serializes an expensive per-entity computation through an advisory lock.
// When the lock is held by someone else the caller gets the last value this guard saw for
// the entity instead of waiting or computing a duplicate.
type Guard[T any] struct {
	store Store
	name  string
	ttl   time.Duration

	mu       sync.RWMutex
	lastGood map[string]T
}

// NewGuard creates a guard whose locks use LockKey(name, entityID) with the given ttl.
// The ttl bounds how long a crashed holder can block others.
func NewGuard[T any](store Store, name string, ttl time.Duration) *Guard[T] {
	return &Guard[T]{
		store:    store,
		name:     name,
		ttl:      ttl,
		lastGood: make(map[string]T),
	}
}

// Seed records a known value, for example one loaded from persistent storage at startup.
func (g *Guard[T]) Seed(entityID string, value T) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.lastGood[entityID] = value
}

// Last returns the last-known-good value for the entity.
func (g *Guard[T]) Last(entityID string) (T, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	value, ok := g.lastGood[entityID]

	return value, ok
}

// Do runs compute under the entity lock. On contention, or when the lock store is
// unreachable, it returns the last-known-good value with Stale, or ErrLockHeld when there
// is none. A failed compute keeps the previous value.
func (g *Guard[T]) Do(ctx context.Context, entityID string, compute func(ctx context.Context) (T, error)) (T, Outcome, error) {
	key := LockKey(g.name, entityID)

	token, err := g.store.Lock(ctx, key, g.ttl)
	if err != nil || token == "" {
		if value, ok := g.Last(entityID); ok {
			return value, Stale, nil
		}

		var zero T
		if err != nil {
			return zero, Stale, fmt.Errorf("failed to acquire %s: %w", key, err)
		}

		return zero, Stale, fmt.Errorf("%w: %s", ErrLockHeld, key)
	}

	defer func() {
		_ = g.store.Release(context.WithoutCancel(ctx), key, token)
	}()

	value, err := compute(ctx)
	if err != nil {
		var zero T

		return zero, Computed, err
	}

	g.Seed(entityID, value)

	return value, Computed, nil
}
