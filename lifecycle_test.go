package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	auth "github.com/goliatone/go-auth-tenancy"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
)

func issueRefresh(t *testing.T, env *testEnv, lc *auth.TokenLifecycle, userID uuid.UUID) string {
	t.Helper()
	token, err := lc.RefreshTokens.Issue(env.ctx, env.repo.DB(), userID)
	require.NoError(t, err)
	return token
}

func TestRefreshTokenRotation(t *testing.T) {
	env := newTestEnv(t)
	lc := env.lifecycle()
	user := env.createUser("rotate@example.com", auth.RoleMember)

	first := issueRefresh(t, env, lc, user.ID)

	second, userID, err := lc.RefreshTokens.Rotate(env.ctx, first)
	require.NoError(t, err)
	assert.Equal(t, user.ID, userID)
	assert.NotEqual(t, first, second)

	old, err := lc.RefreshTokens.Lookup(env.ctx, first)
	require.NoError(t, err)
	assert.NotNil(t, old.RevokedAt)

	_, _, err = lc.RefreshTokens.Rotate(env.ctx, first)
	assert.True(t, auth.MatchError(err, auth.ErrRefreshTokenRevoked))

	third, _, err := lc.RefreshTokens.Rotate(env.ctx, second)
	require.NoError(t, err)
	assert.NotEmpty(t, third)
}

func TestRefreshTokenRejectsAccessToken(t *testing.T) {
	env := newTestEnv(t)
	lc := env.lifecycle()
	user := env.createUser("wrongtype@example.com", auth.RoleMember)

	access, err := env.tokens.Encode(auth.NewAccessClaims(user, 0), time.Minute)
	require.NoError(t, err)

	_, _, err = lc.RefreshTokens.Rotate(env.ctx, access)
	assert.True(t, auth.MatchError(err, auth.ErrInvalidTokenType))
}

func TestRefreshTokenUnknownAndExpired(t *testing.T) {
	env := newTestEnv(t)
	lc := env.lifecycle()
	user := env.createUser("expired@example.com", auth.RoleMember)

	_, err := lc.RefreshTokens.Lookup(env.ctx, "not-a-token")
	assert.True(t, auth.MatchError(err, auth.ErrRefreshTokenInvalid))

	token := issueRefresh(t, env, lc, user.ID)
	env.clock.Advance(env.cfg.RefreshTokenTTL + time.Second)

	_, _, err = lc.RefreshTokens.Rotate(env.ctx, token)
	assert.True(t, auth.MatchError(err, auth.ErrTokenExpired))
}

func TestRevokeAllForUser(t *testing.T) {
	env := newTestEnv(t)
	lc := env.lifecycle()
	user := env.createUser("all@example.com", auth.RoleMember)
	other := env.createUser("other@example.com", auth.RoleMember)

	issueRefresh(t, env, lc, user.ID)
	issueRefresh(t, env, lc, user.ID)
	keep := issueRefresh(t, env, lc, other.ID)

	n, err := lc.RefreshTokens.RevokeAllForUser(env.ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = lc.RefreshTokens.RevokeAllForUser(env.ctx, user.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	rec, err := lc.RefreshTokens.Lookup(env.ctx, keep)
	require.NoError(t, err)
	assert.Nil(t, rec.RevokedAt)
}

func TestRefreshTokenCleanup(t *testing.T) {
	env := newTestEnv(t)
	lc := env.lifecycle()
	user := env.createUser("cleanup@example.com", auth.RoleMember)

	revoked := issueRefresh(t, env, lc, user.ID)
	live := issueRefresh(t, env, lc, user.ID)
	require.NoError(t, lc.RefreshTokens.Revoke(env.ctx, revoked))

	env.clock.Advance(time.Minute)
	n, err := lc.RefreshTokens.Cleanup(env.ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = lc.RefreshTokens.Lookup(env.ctx, live)
	assert.NoError(t, err)
}

type memoryCache struct {
	entries map[string]time.Duration
	reads   int
}

func (m *memoryCache) MarkRevoked(_ context.Context, hash string, ttl time.Duration) error {
	if m.entries == nil {
		m.entries = map[string]time.Duration{}
	}
	m.entries[hash] = ttl
	return nil
}

func (m *memoryCache) IsRevoked(_ context.Context, hash string) (bool, error) {
	m.reads++
	_, ok := m.entries[hash]
	return ok, nil
}

func TestBlacklist(t *testing.T) {
	env := newTestEnv(t)
	cache := &memoryCache{}
	lc, err := auth.NewTokenLifecycle(env.repo, env.tokens, env.cfg, cache, env.opts()...)
	require.NoError(t, err)

	user := env.createUser("blacklist@example.com", auth.RoleMember)
	access, err := env.tokens.Encode(auth.NewAccessClaims(user, 0), 10*time.Minute)
	require.NoError(t, err)

	hit, err := lc.Blacklist.IsBlacklisted(env.ctx, access)
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, lc.Blacklist.Add(env.ctx, access, "logout"))
	require.NoError(t, lc.Blacklist.Add(env.ctx, access, "logout"), "adding twice is a no-op")

	assert.Equal(t, 10*time.Minute, cache.entries[auth.HashToken(access)])

	hit, err = lc.Blacklist.IsBlacklisted(env.ctx, access)
	require.NoError(t, err)
	assert.True(t, hit)

	// a cold cache falls through to the table and is warmed
	cache.entries = nil
	hit, err = lc.Blacklist.IsBlacklisted(env.ctx, access)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Contains(t, cache.entries, auth.HashToken(access))

	env.clock.Advance(11 * time.Minute)
	n, err := lc.Blacklist.Cleanup(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestBlacklistCachesAfterCommit(t *testing.T) {
	env := newTestEnv(t)
	cache := &memoryCache{}
	lc, err := auth.NewTokenLifecycle(env.repo, env.tokens, env.cfg, cache, env.opts()...)
	require.NoError(t, err)

	user := env.createUser("rollback@example.com", auth.RoleMember)
	access, err := env.tokens.Encode(auth.NewAccessClaims(user, 0), 10*time.Minute)
	require.NoError(t, err)

	errAbort := errors.New("abort")
	err = env.repo.RunInTx(env.ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		rec, err := lc.Blacklist.AddTx(ctx, tx, access, "logout")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Empty(t, cache.entries, "the cache is not touched inside the transaction")
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	hit, err := lc.Blacklist.IsBlacklisted(env.ctx, access)
	require.NoError(t, err)
	assert.False(t, hit, "a rolled back revocation is not reported")
	assert.Empty(t, cache.entries)

	auther := auth.NewAuthenticator(env.repo, lc, env.cfg, env.opts()...)
	require.NoError(t, auther.Logout(env.ctx, access, ""))
	assert.Equal(t, 10*time.Minute, cache.entries[auth.HashToken(access)], "committed logout warms the cache")
}

func TestBlacklistIgnoresExpiredToken(t *testing.T) {
	env := newTestEnv(t)
	lc := env.lifecycle()
	user := env.createUser("stale@example.com", auth.RoleMember)

	access, err := env.tokens.Encode(auth.NewAccessClaims(user, 0), time.Minute)
	require.NoError(t, err)

	env.clock.Advance(2 * time.Minute)
	require.NoError(t, lc.Blacklist.Add(env.ctx, access, "logout"))

	n, err := env.db.NewSelect().Model((*auth.BlacklistedToken)(nil)).Count(env.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPasswordResetLifecycle(t *testing.T) {
	env := newTestEnv(t)
	lc := env.lifecycle()
	user := env.createUser("reset@example.com", auth.RoleMember)

	first, _, err := lc.PasswordResets.Create(env.ctx, user.ID, "10.0.0.1")
	require.NoError(t, err)

	second, rec, err := lc.PasswordResets.Create(env.ctx, user.ID, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", rec.IPAddress)

	_, err = lc.PasswordResets.Validate(env.ctx, first)
	assert.True(t, auth.MatchError(err, auth.ErrResetTokenUsed), "a new request invalidates older tokens")

	valid, err := lc.PasswordResets.Validate(env.ctx, second)
	require.NoError(t, err)

	err = env.repo.RunInTx(env.ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return lc.PasswordResets.MarkUsedTx(ctx, tx, valid)
	})
	require.NoError(t, err)

	_, err = lc.PasswordResets.Validate(env.ctx, second)
	assert.True(t, auth.MatchError(err, auth.ErrResetTokenUsed))

	_, err = lc.PasswordResets.Validate(env.ctx, "unknown")
	assert.True(t, auth.MatchError(err, auth.ErrResetTokenInvalid))
}

func TestPasswordResetExpiry(t *testing.T) {
	env := newTestEnv(t)
	lc := env.lifecycle()
	user := env.createUser("resetexp@example.com", auth.RoleMember)

	token, _, err := lc.PasswordResets.Create(env.ctx, user.ID, "")
	require.NoError(t, err)

	env.clock.Advance(env.cfg.PasswordReset.TTL)
	_, err = lc.PasswordResets.Validate(env.ctx, token)
	assert.True(t, auth.MatchError(err, auth.ErrResetTokenExpired))
}

func TestPasswordResetRateLimit(t *testing.T) {
	env := newTestEnv(t)
	lc := env.lifecycle()
	user := env.createUser("ratelimit@example.com", auth.RoleMember)

	for i := 0; i < env.cfg.PasswordReset.RateLimit; i++ {
		_, _, err := lc.PasswordResets.Create(env.ctx, user.ID, "")
		require.NoError(t, err)
	}

	status, err := lc.PasswordResets.CheckRateLimit(env.ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, status.Allowed)
	assert.Zero(t, status.Remaining)

	_, _, err = lc.PasswordResets.Create(env.ctx, user.ID, "")
	assert.True(t, auth.MatchError(err, auth.ErrResetRateLimited))

	env.clock.Advance(env.cfg.PasswordReset.RateWindow + time.Second)
	_, _, err = lc.PasswordResets.Create(env.ctx, user.ID, "")
	assert.NoError(t, err)
}

func TestEmailVerification(t *testing.T) {
	env := newTestEnv(t)
	lc := env.lifecycle()
	user := env.createUser("verify@example.com", auth.RoleMember)

	rec, err := lc.EmailVerifications.Issue(env.ctx, "Verify@Example.com")
	require.NoError(t, err)
	assert.Len(t, rec.Code, env.cfg.EmailVerification.CodeLength)
	assert.Equal(t, "verify@example.com", rec.Email)

	_, err = lc.EmailVerifications.Issue(env.ctx, user.Email)
	assert.True(t, auth.MatchError(err, auth.ErrVerificationResendCooldown))

	err = lc.EmailVerifications.Verify(env.ctx, user.Email, wrongCode(rec.Code))
	assert.True(t, auth.MatchError(err, auth.ErrVerificationCodeInvalid))

	require.NoError(t, lc.EmailVerifications.Verify(env.ctx, user.Email, rec.Code))
	assert.True(t, env.reloadUser(user.ID).IsVerified)
	assert.Len(t, env.events.ofType(auth.ActivityEventEmailVerified), 1)

	err = lc.EmailVerifications.Verify(env.ctx, user.Email, rec.Code)
	assert.True(t, auth.MatchError(err, auth.ErrVerificationCodeUsed))
}

func TestEmailVerificationAttemptCap(t *testing.T) {
	env := newTestEnv(t)
	lc := env.lifecycle()
	env.createUser("cap@example.com", auth.RoleMember)

	rec, err := lc.EmailVerifications.Issue(env.ctx, "cap@example.com")
	require.NoError(t, err)

	for i := 0; i < env.cfg.EmailVerification.MaxAttempts; i++ {
		err := lc.EmailVerifications.Verify(env.ctx, "cap@example.com", wrongCode(rec.Code))
		require.True(t, auth.MatchError(err, auth.ErrVerificationCodeInvalid))
	}

	err = lc.EmailVerifications.Verify(env.ctx, "cap@example.com", rec.Code)
	assert.True(t, auth.MatchError(err, auth.ErrVerificationMaxAttempts))
}

func TestEmailVerificationExpiry(t *testing.T) {
	env := newTestEnv(t)
	lc := env.lifecycle()

	rec, err := lc.EmailVerifications.Issue(env.ctx, "late@example.com")
	require.NoError(t, err)

	env.clock.Advance(env.cfg.EmailVerification.TTL + time.Second)
	err = lc.EmailVerifications.Verify(env.ctx, "late@example.com", rec.Code)
	assert.True(t, auth.MatchError(err, auth.ErrVerificationCodeExpired))

	_, err = lc.EmailVerifications.Issue(env.ctx, "late@example.com")
	assert.NoError(t, err, "cooldown has passed")
}

func wrongCode(code string) string {
	if code[0] == '9' {
		return "0" + code[1:]
	}
	return string(code[0]+1) + code[1:]
}

func TestActivityWatchToken(t *testing.T) {
	env := newTestEnv(t)
	lc := env.lifecycle()
	require.NotNil(t, lc.ActivityWatch)
	user := env.createUser("device@example.com", auth.RoleMember)

	first, err := lc.ActivityWatch.IssueOrGet(env.ctx, user.ID)
	require.NoError(t, err)

	again, err := lc.ActivityWatch.IssueOrGet(env.ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, first, again, "the same plaintext is returned on later logins")

	env.clock.Advance(time.Hour)
	owner, err := lc.ActivityWatch.Verify(env.ctx, first)
	require.NoError(t, err)
	assert.Equal(t, user.ID, owner)

	stored, err := env.repo.ActivityWatchTokens().FindByUserTx(env.ctx, env.repo.DB(), user.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastUsedAt)
	assert.True(t, stored.LastUsedAt.Equal(env.clock.Now()), "verification records the last use")

	_, err = lc.ActivityWatch.Verify(env.ctx, "forged")
	assert.True(t, auth.MatchError(err, auth.ErrActivityWatchTokenInvalid))

	require.NoError(t, lc.ActivityWatch.Revoke(env.ctx, user.ID))
	_, err = lc.ActivityWatch.Verify(env.ctx, first)
	assert.True(t, auth.MatchError(err, auth.ErrActivityWatchTokenInvalid))

	fresh, err := lc.ActivityWatch.IssueOrGet(env.ctx, user.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first, fresh)
}

func TestActivityWatchDisabled(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.ActivityWatch.Enabled = false

	lc, err := auth.NewTokenLifecycle(env.repo, env.tokens, env.cfg, nil)
	require.NoError(t, err)
	assert.Nil(t, lc.ActivityWatch)
}
