package lrublacklist

import (
	"context"
	"time"

	auth "github.com/goliatone/go-auth-tenancy"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

const defaultSize = 10_000

// Cache keeps revoked token hashes in process memory. Entries are evicted
// after maxTTL or when the cache is full; each entry also remembers its
// own expiry so a token revoked near the end of its life is not reported
// revoked longer than necessary.
type Cache struct {
	entries *lru.LRU[string, time.Time]
	now     func() time.Time
}

var _ auth.RevocationCache = (*Cache)(nil)

// Option customizes the cache
type Option func(*Cache)

// WithClock overrides time.Now, mostly for tests
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// New builds a cache holding at most size entries. maxTTL should be the
// access token TTL; nothing needs to be remembered for longer.
func New(size int, maxTTL time.Duration, opts ...Option) *Cache {
	if size <= 0 {
		size = defaultSize
	}
	c := &Cache{
		entries: lru.NewLRU[string, time.Time](size, nil, maxTTL),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// MarkRevoked remembers the hash until ttl elapses
func (c *Cache) MarkRevoked(_ context.Context, tokenHash string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.entries.Add(tokenHash, c.now().Add(ttl))
	return nil
}

// IsRevoked reports a cache hit. A miss is not authoritative.
func (c *Cache) IsRevoked(_ context.Context, tokenHash string) (bool, error) {
	until, ok := c.entries.Get(tokenHash)
	if !ok {
		return false, nil
	}
	if !c.now().Before(until) {
		c.entries.Remove(tokenHash)
		return false, nil
	}
	return true, nil
}

// Len returns the number of cached entries
func (c *Cache) Len() int {
	return c.entries.Len()
}
