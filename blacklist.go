package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// RevocationCache fronts the blacklist table. Only positive entries are
// cached; a miss always falls through to the database.
type RevocationCache interface {
	MarkRevoked(ctx context.Context, tokenHash string, ttl time.Duration) error
	IsRevoked(ctx context.Context, tokenHash string) (bool, error)
}

type noopRevocationCache struct{}

func (noopRevocationCache) MarkRevoked(context.Context, string, time.Duration) error { return nil }
func (noopRevocationCache) IsRevoked(context.Context, string) (bool, error)          { return false, nil }

// Blacklist revokes access tokens before their natural expiry
type Blacklist struct {
	repo   RepositoryManager
	tokens TokenService
	cache  RevocationCache
	serviceDeps
}

// BlacklistOption customizes the blacklist
type BlacklistOption func(*Blacklist)

// WithRevocationCache puts a cache in front of the blacklist table
func WithRevocationCache(cache RevocationCache) BlacklistOption {
	return func(b *Blacklist) {
		if cache != nil {
			b.cache = cache
		}
	}
}

// WithBlacklistServiceOptions applies the shared service options
func WithBlacklistServiceOptions(opts ...ServiceOption) BlacklistOption {
	return func(b *Blacklist) {
		b.serviceDeps = buildServiceDeps(opts)
	}
}

// NewBlacklist wires the blacklist
func NewBlacklist(repo RepositoryManager, tokens TokenService, opts ...BlacklistOption) *Blacklist {
	b := &Blacklist{
		repo:        repo,
		tokens:      tokens,
		cache:       noopRevocationCache{},
		serviceDeps: buildServiceDeps(nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Add blacklists an access token until its own exp. Adding the same token
// twice is a no-op and an already expired token is ignored.
func (b *Blacklist) Add(ctx context.Context, accessToken, reason string) error {
	rec, err := b.AddTx(ctx, b.repo.DB(), accessToken, reason)
	if err != nil {
		return err
	}
	b.MarkCached(ctx, rec)
	return nil
}

// AddTx writes the blacklist row inside the caller's transaction and
// leaves the cache alone. Hand the returned record to MarkCached once the
// transaction commits. The record is nil for an expired token.
func (b *Blacklist) AddTx(ctx context.Context, tx bun.IDB, accessToken, reason string) (*BlacklistedToken, error) {
	claims, err := b.tokens.DecodeType(accessToken, TokenTypeAccess)
	if err != nil {
		if IsTokenExpiredError(err) {
			return nil, nil
		}
		return nil, err
	}

	rec := &BlacklistedToken{
		TokenHash: HashToken(accessToken),
		ExpiresAt: claims.Expires().UTC(),
		Reason:    reason,
		CreatedAt: b.now(),
	}
	if id, err := uuid.Parse(claims.Subject()); err == nil {
		rec.UserID = &id
	}

	if _, err := b.repo.Blacklist().InsertTx(ctx, tx, rec); err != nil {
		return nil, internalError(err, "failed to blacklist token")
	}
	return rec, nil
}

// MarkCached records a committed blacklist row in the revocation cache
func (b *Blacklist) MarkCached(ctx context.Context, rec *BlacklistedToken) {
	if rec == nil {
		return
	}
	ttl := rec.ExpiresAt.Sub(b.now())
	if ttl <= 0 {
		return
	}
	if err := b.cache.MarkRevoked(ctx, rec.TokenHash, ttl); err != nil {
		b.logger.Warn("revocation cache write failed: %v", err)
	}
}

// IsBlacklisted reports whether the token was revoked
func (b *Blacklist) IsBlacklisted(ctx context.Context, token string) (bool, error) {
	hash := HashToken(token)

	hit, err := b.cache.IsRevoked(ctx, hash)
	if err != nil {
		b.logger.Warn("revocation cache read failed: %v", err)
	} else if hit {
		return true, nil
	}

	rec, err := b.repo.Blacklist().FindByHashTx(ctx, b.repo.DB(), hash)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, internalError(err, "failed to check blacklist")
	}

	b.MarkCached(ctx, rec)
	return true, nil
}

// Cleanup deletes rows whose token has expired anyway
func (b *Blacklist) Cleanup(ctx context.Context) (int, error) {
	n, err := b.repo.Blacklist().DeleteExpiredTx(ctx, b.repo.DB(), b.now())
	if err != nil {
		return 0, internalError(err, "failed to clean up blacklist")
	}
	return n, nil
}
