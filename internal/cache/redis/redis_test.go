package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/alanyoungcy/fusionrelay/internal/domain"
)

// startRedis runs a throwaway Redis container. Skipped with -short.
func startRedis(t *testing.T) *Client {
	t.Helper()
	if testing.Short() {
		t.Skip("redis container test skipped in short mode")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	c, err := New(ctx, ClientConfig{Addr: endpoint})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRedisComponents(t *testing.T) {
	c := startRedis(t)
	ctx := context.Background()

	t.Run("lock", func(t *testing.T) {
		lm := NewLockManager(c)
		unlock, err := lm.Acquire(ctx, "order:o1", time.Minute)
		require.NoError(t, err)

		_, err = lm.Acquire(ctx, "order:o1", time.Minute)
		assert.ErrorIs(t, err, domain.ErrLockHeld)

		unlock()
		unlock()
		unlock2, err := lm.Acquire(ctx, "order:o1", time.Minute)
		require.NoError(t, err)
		unlock2()
	})

	t.Run("idempotency", func(t *testing.T) {
		s := NewIdempotencyStore(c)
		ok, err := s.Claim(ctx, "o1:source:lock", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.Claim(ctx, "o1:source:lock", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.Release(ctx, "o1:source:lock"))
		ok, err = s.Claim(ctx, "o1:source:lock", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("namespaces isolate relayers", func(t *testing.T) {
		other, err := New(ctx, ClientConfig{Addr: c.rdb.Options().Addr, Namespace: "staging"})
		require.NoError(t, err)
		defer other.Close()

		unlock, err := NewLockManager(c).Acquire(ctx, "order:shared", time.Minute)
		require.NoError(t, err)
		defer unlock()

		unlockOther, err := NewLockManager(other).Acquire(ctx, "order:shared", time.Minute)
		require.NoError(t, err)
		unlockOther()
	})

	t.Run("rate limiter", func(t *testing.T) {
		rl := NewRateLimiter(c)
		for i := 0; i < 3; i++ {
			ok, err := rl.Allow(ctx, "bid:resolver-a", 3, time.Minute)
			require.NoError(t, err)
			assert.True(t, ok, "request %d", i)
		}
		ok, err := rl.Allow(ctx, "bid:resolver-a", 3, time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = rl.Allow(ctx, "bid:resolver-b", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("signal bus", func(t *testing.T) {
		bus := NewSignalBus(c, 100)
		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		ch, err := bus.Subscribe(subCtx, "fusionrelay:state")
		require.NoError(t, err)
		require.NoError(t, bus.Publish(ctx, "fusionrelay:state", []byte(`{"order_id":"o1"}`)))
		select {
		case got := <-ch:
			assert.JSONEq(t, `{"order_id":"o1"}`, string(got))
		case <-time.After(5 * time.Second):
			t.Fatal("no message")
		}

		require.NoError(t, bus.StreamAppend(ctx, "fusionrelay:transitions", []byte("a")))
		require.NoError(t, bus.StreamAppend(ctx, "fusionrelay:transitions", []byte("b")))
		msgs, err := bus.StreamRead(ctx, "fusionrelay:transitions", "0", 10)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "b", string(msgs[1].Payload))

		empty, err := bus.StreamRead(ctx, "fusionrelay:none", "0", 10)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}

func TestClientKey(t *testing.T) {
	c := &Client{ns: "fusionrelay"}
	assert.Equal(t, "fusionrelay:lock:order:o1", c.key("lock", "order:o1"))
}
