package cooldown_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dukex/sellerops/pkg/cooldown"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuard_ComputesAndRemembers(t *testing.T) {
	ctx := context.Background()
	store := cooldown.NewMemoryStore(time.Minute)
	guard := cooldown.NewGuard[int](store, "features", time.Minute)

	value, outcome, err := guard.Do(ctx, "L1", func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, value)
	assert.Equal(t, cooldown.Computed, outcome)

	last, ok := guard.Last("L1")
	require.True(t, ok)
	assert.Equal(t, 42, last)

	active, err := store.Active(ctx, cooldown.LockKey("features", "L1"))
	require.NoError(t, err)
	assert.False(t, active, "lock is released after compute")
}

func TestGuard_ReturnsLastKnownGoodOnContention(t *testing.T) {
	ctx := context.Background()
	store := cooldown.NewMemoryStore(time.Minute)
	guard := cooldown.NewGuard[int](store, "features", time.Minute)
	guard.Seed("L1", 7)

	ok, err := store.TryAcquire(ctx, cooldown.LockKey("features", "L1"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	called := false
	value, outcome, err := guard.Do(ctx, "L1", func(context.Context) (int, error) {
		called = true

		return 99, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, value)
	assert.Equal(t, cooldown.Stale, outcome)
	assert.False(t, called, "contended compute must not run")
}

func TestGuard_ContentionWithoutHistory(t *testing.T) {
	ctx := context.Background()
	store := cooldown.NewMemoryStore(time.Minute)
	guard := cooldown.NewGuard[string](store, "features", time.Minute)

	_, _ = store.TryAcquire(ctx, cooldown.LockKey("features", "L2"), time.Minute)

	_, _, err := guard.Do(ctx, "L2", func(context.Context) (string, error) { return "x", nil })
	assert.ErrorIs(t, err, cooldown.ErrLockHeld)
}

func TestGuard_FailedComputeKeepsPreviousValue(t *testing.T) {
	ctx := context.Background()
	store := cooldown.NewMemoryStore(time.Minute)
	guard := cooldown.NewGuard[int](store, "features", time.Minute)
	guard.Seed("L1", 5)

	boom := errors.New("upstream down")
	_, outcome, err := guard.Do(ctx, "L1", func(context.Context) (int, error) { return 0, boom })
	require.ErrorIs(t, err, boom)
	assert.Equal(t, cooldown.Computed, outcome)

	last, _ := guard.Last("L1")
	assert.Equal(t, 5, last)

	value, _, err := guard.Do(ctx, "L1", func(context.Context) (int, error) { return 6, nil })
	require.NoError(t, err, "lock was released after the failed compute")
	assert.Equal(t, 6, value)
}

func TestGuard_SlowComputeKeepsLockTakenAfterExpiry(t *testing.T) {
	ctx := context.Background()
	store := cooldown.NewMemoryStore(time.Minute)
	guard := cooldown.NewGuard[int](store, "features", 30*time.Millisecond)
	key := cooldown.LockKey("features", "L1")

	var taken string

	_, _, err := guard.Do(ctx, "L1", func(ctx context.Context) (int, error) {
		time.Sleep(50 * time.Millisecond)

		token, err := store.Lock(ctx, key, time.Minute)
		taken = token

		return 1, err
	})
	require.NoError(t, err)
	require.NotEmpty(t, taken)

	active, err := store.Active(ctx, key)
	require.NoError(t, err)
	assert.True(t, active, "the guard releases only its own acquisition")
}
