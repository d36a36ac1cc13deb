package redisblacklist

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	auth "github.com/goliatone/go-auth-tenancy"
	goerrors "github.com/goliatone/go-errors"
)

const defaultPrefix = "auth:revoked:"

// Cache keeps revoked token hashes in Redis with the token's remaining
// lifetime as TTL.
type Cache struct {
	client redis.UniversalClient
	prefix string
}

var _ auth.RevocationCache = (*Cache)(nil)

// Option customizes the cache
type Option func(*Cache)

// WithPrefix overrides the key prefix
func WithPrefix(prefix string) Option {
	return func(c *Cache) {
		if prefix != "" {
			c.prefix = prefix
		}
	}
}

// New wraps an existing client
func New(client redis.UniversalClient, opts ...Option) *Cache {
	c := &Cache{client: client, prefix: defaultPrefix}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Dial parses a redis:// URL, connects and pings
func Dial(ctx context.Context, url string, opts ...Option) (*Cache, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryValidation, "invalid redis url")
	}

	options.DialTimeout = 5 * time.Second
	options.ReadTimeout = 3 * time.Second
	options.WriteTimeout = 3 * time.Second

	client := redis.NewClient(options)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to connect to redis")
	}

	return New(client, opts...), nil
}

// MarkRevoked stores the hash until ttl elapses. A non positive ttl is
// ignored since the token is already expired.
func (c *Cache) MarkRevoked(ctx context.Context, tokenHash string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return c.client.Set(ctx, c.prefix+tokenHash, "1", ttl).Err()
}

// IsRevoked reports a cache hit. A miss is not authoritative.
func (c *Cache) IsRevoked(ctx context.Context, tokenHash string) (bool, error) {
	n, err := c.client.Exists(ctx, c.prefix+tokenHash).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *Cache) Close() error {
	return c.client.Close()
}
