package cooldown_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/sellerops/pkg/cooldown"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping redis container test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Ping(ctx).Err())

	return client
}

func TestRedisStore(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	first := cooldown.NewRedisStore(client, cooldown.WithPrefix("test:"))
	second := cooldown.NewRedisStore(client, cooldown.WithPrefix("test:"))

	t.Run("acquire is exclusive across instances", func(t *testing.T) {
		ok, err := first.TryAcquire(ctx, "rule:r1:L1", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = second.TryAcquire(ctx, "rule:r1:L1", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		active, err := second.Active(ctx, "rule:r1:L1")
		require.NoError(t, err)
		assert.True(t, active)

		ttl, err := client.PTTL(ctx, "test:rule:r1:L1").Result()
		require.NoError(t, err)
		assert.Greater(t, ttl, 50*time.Second)
	})

	t.Run("release only drops own keys", func(t *testing.T) {
		token, err := first.Lock(ctx, "lock:features:L1", time.Minute)
		require.NoError(t, err)
		require.NotEmpty(t, token)

		require.NoError(t, second.Release(ctx, "lock:features:L1", "foreign-token"))

		active, err := first.Active(ctx, "lock:features:L1")
		require.NoError(t, err)
		assert.True(t, active, "another owner cannot release our key")

		require.NoError(t, first.Release(ctx, "lock:features:L1", token))

		active, err = first.Active(ctx, "lock:features:L1")
		require.NoError(t, err)
		assert.False(t, active)
	})

	t.Run("expired key can be acquired again", func(t *testing.T) {
		ok, err := first.TryAcquire(ctx, "job:dedup:", 100*time.Millisecond)
		require.NoError(t, err)
		require.True(t, ok)

		time.Sleep(200 * time.Millisecond)

		ok, err = second.TryAcquire(ctx, "job:dedup:", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("concurrent acquire has one winner", func(t *testing.T) {
		var (
			wg      sync.WaitGroup
			winners atomic.Int32
		)

		for range 20 {
			wg.Add(1)

			go func() {
				defer wg.Done()

				store := cooldown.NewRedisStore(client, cooldown.WithPrefix("test:"))
				if ok, err := store.TryAcquire(ctx, "lock:race:L1", time.Minute); err == nil && ok {
					winners.Add(1)
				}
			}()
		}

		wg.Wait()
		assert.Equal(t, int32(1), winners.Load())
	})
}
