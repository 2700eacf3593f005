package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	locker, err := NewRedis("redis://"+s.Addr(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = locker.Close() })
	return locker, s
}

func TestNewRedisRejectsBadURL(t *testing.T) {
	_, err := NewRedis("not a url", time.Second)
	assert.Error(t, err)
}

func TestRedisAcquireAndRelease(t *testing.T) {
	locker, s := setupTestRedis(t)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "s1:comp-1")
	require.NoError(t, err)
	assert.True(t, s.Exists("canvaslock:s1:comp-1"))

	require.NoError(t, release(ctx))
	assert.False(t, s.Exists("canvaslock:s1:comp-1"))
}

func TestRedisAcquireBlocksUntilContextDone(t *testing.T) {
	locker, _ := setupTestRedis(t)
	release, err := locker.Acquire(context.Background(), "held")
	require.NoError(t, err)
	defer release(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(ctx, "held")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedisAcquireAfterRelease(t *testing.T) {
	locker, _ := setupTestRedis(t)
	ctx := context.Background()

	first, err := locker.Acquire(ctx, "k")
	require.NoError(t, err)

	acquired := make(chan Release, 1)
	go func() {
		next, err := locker.Acquire(ctx, "k")
		if err == nil {
			acquired <- next
		}
	}()

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, first(ctx))

	select {
	case next := <-acquired:
		require.NoError(t, next(ctx))
	case <-time.After(2 * time.Second):
		t.Fatal("second holder never acquired the lock")
	}
}

func TestRedisReleaseAfterExpiry(t *testing.T) {
	locker, s := setupTestRedis(t)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "expiring")
	require.NoError(t, err)

	s.FastForward(2 * time.Second)
	other, err := locker.Acquire(ctx, "expiring")
	require.NoError(t, err)

	assert.ErrorIs(t, release(ctx), ErrNotHeld)
	require.NoError(t, other(ctx))
}

func TestNewRedisWithClientDefaultsTTL(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	locker := NewRedisWithClient(client, 0)
	assert.Equal(t, defaultRedisTTL, locker.ttl)
	require.NoError(t, locker.Ping(context.Background()))
}
