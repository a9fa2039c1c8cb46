package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisFlag(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	f := NewRedisFlag(client, "receipt:processing", time.Minute)
	ctx := context.Background()

	_, held, err := f.Active(ctx)
	require.NoError(t, err)
	assert.False(t, held)

	ok, err := f.Claim(ctx, "j-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.Claim(ctx, "j-2")
	require.NoError(t, err)
	assert.False(t, ok)

	id, held, err := f.Active(ctx)
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, "j-1", id)

	mr.FastForward(time.Minute + time.Second)
	_, held, err = f.Active(ctx)
	require.NoError(t, err)
	assert.False(t, held, "flag must expire on its own")

	_, err = f.Claim(ctx, "j-3")
	require.NoError(t, err)
	require.NoError(t, f.Clear(ctx, "j-3"))
	assert.False(t, mr.Exists("receipt:processing"))
}

func TestRedisFlag_ClearLeavesOtherHolder(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	f := NewRedisFlag(client, "receipt:processing", time.Minute)
	ctx := context.Background()

	ok, err := f.Claim(ctx, "job-A")
	require.NoError(t, err)
	require.True(t, ok)

	// job-A outlives its TTL and job-B takes over.
	mr.FastForward(time.Minute + time.Second)
	ok, err = f.Claim(ctx, "job-B")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.Clear(ctx, "job-A"))

	id, held, err := f.Active(ctx)
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, "job-B", id)

	// Clearing an absent flag is a no-op.
	require.NoError(t, f.Clear(ctx, "job-B"))
	require.NoError(t, f.Clear(ctx, "job-B"))
	assert.False(t, mr.Exists("receipt:processing"))
}
