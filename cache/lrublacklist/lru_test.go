package lrublacklist_test

import (
	"context"
	"testing"
	"time"

	"github.com/goliatone/go-auth-tenancy/cache/lrublacklist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheRemembersUntilTTL(t *testing.T) {
	now := time.Date(2026, time.March, 15, 10, 0, 0, 0, time.UTC)
	cache := lrublacklist.New(10, time.Hour, lrublacklist.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	require.NoError(t, cache.MarkRevoked(ctx, "hash-a", 5*time.Minute))

	hit, err := cache.IsRevoked(ctx, "hash-a")
	require.NoError(t, err)
	assert.True(t, hit)

	hit, err = cache.IsRevoked(ctx, "hash-b")
	require.NoError(t, err)
	assert.False(t, hit)

	now = now.Add(5 * time.Minute)
	hit, err = cache.IsRevoked(ctx, "hash-a")
	require.NoError(t, err)
	assert.False(t, hit, "entry expires with the token")
	assert.Zero(t, cache.Len())
}

func TestCacheIgnoresExpiredTokens(t *testing.T) {
	cache := lrublacklist.New(10, time.Hour)

	require.NoError(t, cache.MarkRevoked(context.Background(), "hash-a", 0))
	assert.Zero(t, cache.Len())
}

func TestCacheEvictsOldest(t *testing.T) {
	cache := lrublacklist.New(2, time.Hour)
	ctx := context.Background()

	for _, h := range []string{"a", "b", "c"} {
		require.NoError(t, cache.MarkRevoked(ctx, h, time.Minute))
	}

	assert.Equal(t, 2, cache.Len())
	hit, _ := cache.IsRevoked(ctx, "a")
	assert.False(t, hit)
	hit, _ = cache.IsRevoked(ctx, "c")
	assert.True(t, hit)
}
