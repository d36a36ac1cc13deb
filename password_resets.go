package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// tokenURLSafeBytes is the entropy of reset and device tokens
const tokenURLSafeBytes = 32

// RateLimitStatus is the outcome of a reset rate limit check
type RateLimitStatus struct {
	Allowed   bool
	Count     int
	Remaining int
}

// PasswordResets manages single use password reset tokens
type PasswordResets struct {
	repo RepositoryManager
	cfg  PasswordResetConfig
	serviceDeps
}

// NewPasswordResets wires the password reset service
func NewPasswordResets(repo RepositoryManager, cfg Config, opts ...ServiceOption) *PasswordResets {
	return &PasswordResets{
		repo:        repo,
		cfg:         cfg.PasswordReset,
		serviceDeps: buildServiceDeps(opts),
	}
}

// CheckRateLimit counts the requests made inside the rate window
func (s *PasswordResets) CheckRateLimit(ctx context.Context, userID uuid.UUID) (RateLimitStatus, error) {
	return s.checkRateLimitTx(ctx, s.repo.DB(), userID)
}

func (s *PasswordResets) checkRateLimitTx(ctx context.Context, tx bun.IDB, userID uuid.UUID) (RateLimitStatus, error) {
	count, err := s.repo.PasswordResets().CountSinceTx(ctx, tx, userID, s.now().Add(-s.cfg.RateWindow))
	if err != nil {
		return RateLimitStatus{}, internalError(err, "failed to count password reset requests")
	}

	remaining := s.cfg.RateLimit - count
	if remaining < 0 {
		remaining = 0
	}

	return RateLimitStatus{
		Allowed:   count < s.cfg.RateLimit,
		Count:     count,
		Remaining: remaining,
	}, nil
}

// Create issues a new reset token for the user. Outstanding tokens are
// invalidated first. The plaintext is returned once and never stored.
func (s *PasswordResets) Create(ctx context.Context, userID uuid.UUID, ip string) (string, *PasswordResetToken, error) {
	var (
		token string
		rec   *PasswordResetToken
	)

	err := s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		token, rec, err = s.CreateTx(ctx, tx, userID, ip)
		return err
	})
	if err != nil {
		return "", nil, err
	}

	return token, rec, nil
}

// CreateTx is Create inside the caller's transaction
func (s *PasswordResets) CreateTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, ip string) (string, *PasswordResetToken, error) {
	status, err := s.checkRateLimitTx(ctx, tx, userID)
	if err != nil {
		return "", nil, err
	}

	if !status.Allowed {
		return "", nil, withMetadata(ErrResetRateLimited, map[string]any{
			"count":       status.Count,
			"remaining":   status.Remaining,
			"limit":       s.cfg.RateLimit,
			"window_secs": int(s.cfg.RateWindow.Seconds()),
		})
	}

	now := s.now()
	if _, err := s.repo.PasswordResets().InvalidateUserTx(ctx, tx, userID, now); err != nil {
		return "", nil, internalError(err, "failed to invalidate password reset tokens")
	}

	token, err := GenerateURLSafeToken(tokenURLSafeBytes)
	if err != nil {
		return "", nil, err
	}

	rec := &PasswordResetToken{
		UserID:    userID,
		TokenHash: HashToken(token),
		ExpiresAt: now.Add(s.cfg.TTL),
		IPAddress: ip,
		CreatedAt: now,
	}
	if err := s.repo.PasswordResets().InsertTx(ctx, tx, rec); err != nil {
		return "", nil, internalError(err, "failed to store password reset token")
	}

	return token, rec, nil
}

// Validate returns the stored row when the token is usable
func (s *PasswordResets) Validate(ctx context.Context, token string) (*PasswordResetToken, error) {
	return s.ValidateTx(ctx, s.repo.DB(), token)
}

// ValidateTx is Validate inside the caller's transaction
func (s *PasswordResets) ValidateTx(ctx context.Context, tx bun.IDB, token string) (*PasswordResetToken, error) {
	rec, err := s.repo.PasswordResets().FindLatestByHashTx(ctx, tx, HashToken(token))
	if err != nil {
		if isNotFound(err) {
			return nil, ErrResetTokenInvalid
		}
		return nil, internalError(err, "failed to look up password reset token")
	}

	if rec.IsUsed {
		return nil, ErrResetTokenUsed
	}

	if !s.now().Before(rec.ExpiresAt) {
		return nil, ErrResetTokenExpired
	}

	return rec, nil
}

// MarkUsedTx consumes the token. It fails if the token was consumed concurrently.
func (s *PasswordResets) MarkUsedTx(ctx context.Context, tx bun.IDB, rec *PasswordResetToken) error {
	at := s.now()
	ok, err := s.repo.PasswordResets().MarkUsedTx(ctx, tx, rec.ID, at)
	if err != nil {
		return internalError(err, "failed to mark password reset token used")
	}
	if !ok {
		return ErrResetTokenUsed
	}
	rec.IsUsed = true
	rec.UsedAt = &at
	return nil
}

// InvalidateUserTokens marks every outstanding token of the user used
func (s *PasswordResets) InvalidateUserTokens(ctx context.Context, tx bun.IDB, userID uuid.UUID) (int, error) {
	n, err := s.repo.PasswordResets().InvalidateUserTx(ctx, tx, userID, s.now())
	if err != nil {
		return 0, internalError(err, "failed to invalidate password reset tokens")
	}
	return n, nil
}

// Cleanup deletes used tokens and tokens that expired more than days ago
func (s *PasswordResets) Cleanup(ctx context.Context, days int) (int, error) {
	cutoff := s.now().Add(-time.Duration(days) * 24 * time.Hour)
	n, err := s.repo.PasswordResets().DeleteStaleTx(ctx, s.repo.DB(), cutoff)
	if err != nil {
		return 0, internalError(err, "failed to clean up password reset tokens")
	}
	return n, nil
}
