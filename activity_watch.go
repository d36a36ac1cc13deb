package auth

import (
	"context"
	"crypto/subtle"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// ActivityWatch manages the long lived per user device token. The same
// plaintext is handed back on every login until it is revoked.
type ActivityWatch struct {
	repo   RepositoryManager
	cipher TokenCipher
	serviceDeps
}

// NewActivityWatch wires the device token service
func NewActivityWatch(repo RepositoryManager, cipher TokenCipher, opts ...ServiceOption) *ActivityWatch {
	return &ActivityWatch{
		repo:        repo,
		cipher:      cipher,
		serviceDeps: buildServiceDeps(opts),
	}
}

// NewActivityWatchFromConfig builds the cipher from the configured key
func NewActivityWatchFromConfig(repo RepositoryManager, cfg Config, opts ...ServiceOption) (*ActivityWatch, error) {
	cipher, err := NewTokenCipher(cfg.ActivityWatch.EncryptionKey)
	if err != nil {
		return nil, err
	}
	return NewActivityWatch(repo, cipher, opts...), nil
}

// IssueOrGet returns the user's existing token or mints a new one
func (s *ActivityWatch) IssueOrGet(ctx context.Context, userID uuid.UUID) (string, error) {
	var token string
	err := s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		token, err = s.IssueOrGetTx(ctx, tx, userID)
		return err
	})
	return token, err
}

// IssueOrGetTx is IssueOrGet inside the caller's transaction
func (s *ActivityWatch) IssueOrGetTx(ctx context.Context, tx bun.IDB, userID uuid.UUID) (string, error) {
	store := s.repo.ActivityWatchTokens()
	now := s.now()

	existing, err := store.FindByUserTx(ctx, tx, userID)
	if err == nil {
		plain, err := s.cipher.Decrypt(existing.EncryptedToken)
		if err != nil {
			return "", internalError(err, "failed to decrypt activity watch token")
		}
		if _, err := store.TouchTx(ctx, tx, userID, now); err != nil {
			return "", internalError(err, "failed to touch activity watch token")
		}
		return plain, nil
	}
	if !isNotFound(err) {
		return "", internalError(err, "failed to look up activity watch token")
	}

	plain, err := GenerateURLSafeToken(tokenURLSafeBytes)
	if err != nil {
		return "", err
	}

	sealed, err := s.cipher.Encrypt(plain)
	if err != nil {
		return "", err
	}

	tag, err := s.cipher.LookupTag(plain)
	if err != nil {
		return "", err
	}

	rec := &ActivityWatchToken{
		UserID:         userID,
		EncryptedToken: sealed,
		LookupTag:      tag,
		CreatedAt:      now,
		LastUsedAt:     &now,
	}
	if err := store.InsertTx(ctx, tx, rec); err != nil {
		return "", internalError(err, "failed to store activity watch token")
	}

	return plain, nil
}

// Verify resolves a presented token to its user and records the use
func (s *ActivityWatch) Verify(ctx context.Context, token string) (uuid.UUID, error) {
	if token == "" {
		return uuid.Nil, ErrActivityWatchTokenInvalid
	}

	tag, err := s.cipher.LookupTag(token)
	if err != nil {
		return uuid.Nil, err
	}

	rec, err := s.repo.ActivityWatchTokens().FindByLookupTagTx(ctx, s.repo.DB(), tag)
	if err != nil {
		if isNotFound(err) {
			return uuid.Nil, ErrActivityWatchTokenInvalid
		}
		return uuid.Nil, internalError(err, "failed to look up activity watch token")
	}

	plain, err := s.cipher.Decrypt(rec.EncryptedToken)
	if err != nil {
		s.logger.Warn("activity watch token for user %s failed to decrypt: %v", rec.UserID, err)
		return uuid.Nil, ErrActivityWatchTokenInvalid
	}

	if subtle.ConstantTimeCompare([]byte(plain), []byte(token)) != 1 {
		return uuid.Nil, ErrActivityWatchTokenInvalid
	}

	if err := s.Touch(ctx, rec.UserID); err != nil {
		s.logger.Warn("activity watch token for user %s not touched: %v", rec.UserID, err)
	}

	return rec.UserID, nil
}

// Revoke deletes the user's token; the next IssueOrGet mints a new one
func (s *ActivityWatch) Revoke(ctx context.Context, userID uuid.UUID) error {
	deleted, err := s.repo.ActivityWatchTokens().DeleteByUserTx(ctx, s.repo.DB(), userID)
	if err != nil {
		return internalError(err, "failed to revoke activity watch token")
	}
	if !deleted {
		return goerrors.New("no activity watch token for user", goerrors.CategoryNotFound).
			WithCode(goerrors.CodeNotFound).
			WithMetadata(map[string]any{"user_id": userID.String()})
	}
	return nil
}

// Touch records usage of the token
func (s *ActivityWatch) Touch(ctx context.Context, userID uuid.UUID) error {
	if _, err := s.repo.ActivityWatchTokens().TouchTx(ctx, s.repo.DB(), userID, s.now()); err != nil {
		return internalError(err, "failed to touch activity watch token")
	}
	return nil
}
