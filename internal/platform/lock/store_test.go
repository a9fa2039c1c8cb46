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

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, DefaultTTL, nil), mr
}

func TestRedisStore_AcquireRelease(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	assert.True(t, s.Acquire(ctx, "k"))
	assert.False(t, s.Acquire(ctx, "k"), "second acquire must see the key as held")
	assert.Equal(t, DefaultTTL, mr.TTL("k"))

	assert.True(t, s.Release(ctx, "k"))
	assert.False(t, mr.Exists("k"))
	assert.True(t, s.Acquire(ctx, "k"))
}

func TestRedisStore_ReleaseMissingKey(t *testing.T) {
	s, _ := newTestStore(t)
	assert.True(t, s.Release(context.Background(), "never-acquired"))
}

func TestRedisStore_TransportErrorIsFalse(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr:        mr.Addr(),
		MaxRetries:  -1,
		DialTimeout: 200 * time.Millisecond,
	})
	t.Cleanup(func() { client.Close() })
	s := NewRedisStore(client, DefaultTTL, nil)
	mr.Close()

	ctx := context.Background()
	require.NotPanics(t, func() {
		assert.False(t, s.Acquire(ctx, "k"))
		assert.False(t, s.Release(ctx, "k"))
	})
}
