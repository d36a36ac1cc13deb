package redisblacklist_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-auth-tenancy/cache/redisblacklist"
)

func setupCache(t *testing.T) (*redisblacklist.Cache, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := redisblacklist.New(client, redisblacklist.WithPrefix("test:revoked:"))

	t.Cleanup(func() {
		cache.Close()
		mr.Close()
	})

	return cache, mr
}

func TestCacheMarkAndCheck(t *testing.T) {
	cache, mr := setupCache(t)
	ctx := context.Background()

	hit, err := cache.IsRevoked(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, cache.MarkRevoked(ctx, "abc", time.Minute))

	hit, err = cache.IsRevoked(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, hit)

	assert.True(t, mr.Exists("test:revoked:abc"))
	assert.Equal(t, time.Minute, mr.TTL("test:revoked:abc"))
}

func TestCacheEntryExpires(t *testing.T) {
	cache, mr := setupCache(t)
	ctx := context.Background()

	require.NoError(t, cache.MarkRevoked(ctx, "abc", 30*time.Second))
	mr.FastForward(31 * time.Second)

	hit, err := cache.IsRevoked(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestCacheIgnoresExpiredTTL(t *testing.T) {
	cache, mr := setupCache(t)

	require.NoError(t, cache.MarkRevoked(context.Background(), "gone", 0))
	assert.False(t, mr.Exists("test:revoked:gone"))
}

func TestCacheReportsConnectionErrors(t *testing.T) {
	cache, mr := setupCache(t)
	mr.Close()

	_, err := cache.IsRevoked(context.Background(), "abc")
	assert.Error(t, err)
}

func TestDial(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	cache, err := redisblacklist.Dial(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	defer cache.Close()

	require.NoError(t, cache.MarkRevoked(context.Background(), "h", time.Minute))
	assert.True(t, mr.Exists("auth:revoked:h"))

	_, err = redisblacklist.Dial(context.Background(), "not a url")
	assert.Error(t, err)
}
