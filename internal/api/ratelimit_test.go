package api

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err, "failed to start redis container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestRedisRateLimiter_SlidingWindow(t *testing.T) {
	rdb := setupRedis(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRedisRateLimiter(rdb)
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "user:u1", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, err := rl.Allow(ctx, "user:u1", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// Other keys are independent.
	ok, err = rl.Allow(ctx, "user:u2", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// Once the window slides past the first requests they stop counting.
	now = now.Add(61 * time.Second)
	ok, err = rl.Allow(ctx, "user:u1", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ttl, err := rdb.PTTL(ctx, "ratelimit:user:u1").Result()
	require.NoError(t, err)
	assert.Positive(t, ttl)
}
