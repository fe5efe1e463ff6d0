package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	bucket := NewTokenBucket(client, "plans:", 2, 1, time.Minute).WithClock(func() time.Time { return now })

	d, err := bucket.Allow(ctx, "owner-1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)

	d, err = bucket.Allow(ctx, "owner-1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = bucket.Allow(ctx, "owner-1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)

	// Other owners have their own bucket.
	d, err = bucket.Allow(ctx, "owner-2")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	now = now.Add(1500 * time.Millisecond)
	d, err = bucket.Allow(ctx, "owner-1")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "refilled after the clock advanced")

	assert.True(t, mr.Exists("plans:owner-1"))
}

func TestTokenBucketDisabled(t *testing.T) {
	bucket := NewTokenBucket(nil, "plans:", 0, 0, 0)
	d, err := bucket.Allow(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestTokenBucketRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	_, err := NewTokenBucket(client, "plans:", 1, 1, time.Minute).Allow(context.Background(), "owner-1")
	assert.Error(t, err)
}
