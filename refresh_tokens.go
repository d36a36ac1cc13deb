package auth

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// RefreshTokens issues, rotates and revokes refresh tokens. Only the
// SHA-256 of a token is stored.
type RefreshTokens struct {
	repo   RepositoryManager
	tokens TokenService
	ttl    time.Duration
	serviceDeps
}

// NewRefreshTokens wires the refresh token service
func NewRefreshTokens(repo RepositoryManager, tokens TokenService, cfg Config, opts ...ServiceOption) *RefreshTokens {
	return &RefreshTokens{
		repo:        repo,
		tokens:      tokens,
		ttl:         cfg.RefreshTokenTTL,
		serviceDeps: buildServiceDeps(opts),
	}
}

// Issue signs a refresh token for the user and stores its hash using tx
func (s *RefreshTokens) Issue(ctx context.Context, tx bun.IDB, userID uuid.UUID) (string, error) {
	claims := &JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: userID.String()},
		Type:             TokenTypeRefresh,
	}

	token, err := s.tokens.Encode(claims, s.ttl)
	if err != nil {
		return "", err
	}

	now := s.now()
	rec := &RefreshToken{
		UserID:    userID,
		TokenHash: HashToken(token),
		ExpiresAt: now.Add(s.ttl),
		CreatedAt: now,
	}
	if err := s.repo.RefreshTokens().InsertTx(ctx, tx, rec); err != nil {
		return "", internalError(err, "failed to store refresh token")
	}

	return token, nil
}

// Lookup finds the stored row for a presented token
func (s *RefreshTokens) Lookup(ctx context.Context, token string) (*RefreshToken, error) {
	return s.lookupTx(ctx, s.repo.DB(), token)
}

func (s *RefreshTokens) lookupTx(ctx context.Context, tx bun.IDB, token string) (*RefreshToken, error) {
	rec, err := s.repo.RefreshTokens().FindByHashTx(ctx, tx, HashToken(token))
	if err != nil {
		if isNotFound(err) {
			return nil, ErrRefreshTokenInvalid
		}
		return nil, internalError(err, "failed to look up refresh token")
	}
	return rec, nil
}

// Revoke marks the token revoked. Revoking twice is a no-op.
func (s *RefreshTokens) Revoke(ctx context.Context, token string) error {
	return s.RevokeTx(ctx, s.repo.DB(), token)
}

// RevokeTx is Revoke inside the caller's transaction
func (s *RefreshTokens) RevokeTx(ctx context.Context, tx bun.IDB, token string) error {
	if _, err := s.lookupTx(ctx, tx, token); err != nil {
		return err
	}
	if _, err := s.repo.RefreshTokens().RevokeTx(ctx, tx, HashToken(token), s.now()); err != nil {
		return internalError(err, "failed to revoke refresh token")
	}
	return nil
}

// RevokeAllForUser revokes every live refresh token of the user
func (s *RefreshTokens) RevokeAllForUser(ctx context.Context, userID uuid.UUID) (int, error) {
	return s.RevokeAllForUserTx(ctx, s.repo.DB(), userID)
}

// RevokeAllForUserTx is RevokeAllForUser inside the caller's transaction
func (s *RefreshTokens) RevokeAllForUserTx(ctx context.Context, tx bun.IDB, userID uuid.UUID) (int, error) {
	n, err := s.repo.RefreshTokens().RevokeAllForUserTx(ctx, tx, userID, s.now())
	if err != nil {
		return 0, internalError(err, "failed to revoke refresh tokens")
	}
	return n, nil
}

// Rotate exchanges a valid refresh token for a new one. The new token is
// stored before the old one is revoked, in a single transaction.
func (s *RefreshTokens) Rotate(ctx context.Context, token string) (string, uuid.UUID, error) {
	var (
		newToken string
		userID   uuid.UUID
	)

	err := s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		newToken, userID, err = s.RotateTx(ctx, tx, token)
		return err
	})
	if err != nil {
		return "", uuid.Nil, err
	}

	return newToken, userID, nil
}

// RotateTx is Rotate inside the caller's transaction
func (s *RefreshTokens) RotateTx(ctx context.Context, tx bun.IDB, token string) (string, uuid.UUID, error) {
	claims, err := s.tokens.DecodeType(token, TokenTypeRefresh)
	if err != nil {
		return "", uuid.Nil, err
	}

	userID, err := uuid.Parse(claims.Subject())
	if err != nil {
		return "", uuid.Nil, withMetadata(ErrTokenMalformed, map[string]any{"reason": "subject is not a uuid"})
	}

	rec, err := s.lookupTx(ctx, tx, token)
	if err != nil {
		return "", uuid.Nil, err
	}

	if rec.UserID != userID {
		return "", uuid.Nil, ErrRefreshTokenInvalid
	}

	if !rec.IsValid(s.now()) {
		return "", uuid.Nil, ErrRefreshTokenRevoked
	}

	newToken, err := s.Issue(ctx, tx, userID)
	if err != nil {
		return "", uuid.Nil, err
	}

	revoked, err := s.repo.RefreshTokens().RevokeTx(ctx, tx, rec.TokenHash, s.now())
	if err != nil {
		return "", uuid.Nil, internalError(err, "failed to revoke refresh token")
	}
	if !revoked {
		// lost a race with a concurrent rotation
		return "", uuid.Nil, ErrRefreshTokenRevoked
	}

	return newToken, userID, nil
}

// Cleanup deletes rows that expired or were revoked before olderThan ago
func (s *RefreshTokens) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	n, err := s.repo.RefreshTokens().DeleteStaleTx(ctx, s.repo.DB(), s.now().Add(-olderThan))
	if err != nil {
		return 0, internalError(err, "failed to clean up refresh tokens")
	}
	return n, nil
}
