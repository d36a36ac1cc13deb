package auth

import (
	"context"
	"crypto/subtle"
	"math"

	"github.com/uptrace/bun"
)

// EmailVerifications issues and checks numeric email codes
type EmailVerifications struct {
	repo RepositoryManager
	cfg  EmailVerificationConfig
	serviceDeps
}

// NewEmailVerifications wires the email verification service
func NewEmailVerifications(repo RepositoryManager, cfg Config, opts ...ServiceOption) *EmailVerifications {
	return &EmailVerifications{
		repo:        repo,
		cfg:         cfg.EmailVerification,
		serviceDeps: buildServiceDeps(opts),
	}
}

// Issue creates a new code for the email after the resend cooldown has
// passed. Older unused codes are invalidated.
func (s *EmailVerifications) Issue(ctx context.Context, email string) (*EmailVerification, error) {
	var rec *EmailVerification
	err := s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		rec, err = s.IssueTx(ctx, tx, email)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// IssueTx is Issue inside the caller's transaction
func (s *EmailVerifications) IssueTx(ctx context.Context, tx bun.IDB, email string) (*EmailVerification, error) {
	email = normalizeEmail(email)
	now := s.now()

	latest, err := s.repo.EmailVerifications().FindLatestTx(ctx, tx, email)
	switch {
	case err == nil:
		if elapsed := now.Sub(latest.CreatedAt); elapsed < s.cfg.ResendCooldown {
			remaining := int(math.Ceil((s.cfg.ResendCooldown - elapsed).Seconds()))
			return nil, withMetadata(ErrVerificationResendCooldown, map[string]any{
				"seconds_remaining": remaining,
			})
		}
	case !isNotFound(err):
		return nil, internalError(err, "failed to look up verification code")
	}

	if _, err := s.repo.EmailVerifications().InvalidateOutstandingTx(ctx, tx, email); err != nil {
		return nil, internalError(err, "failed to invalidate verification codes")
	}

	code, err := GenerateNumericCode(s.cfg.CodeLength)
	if err != nil {
		return nil, err
	}

	rec := &EmailVerification{
		Email:     email,
		Code:      code,
		ExpiresAt: now.Add(s.cfg.TTL),
		CreatedAt: now,
	}
	if err := s.repo.EmailVerifications().InsertTx(ctx, tx, rec); err != nil {
		return nil, internalError(err, "failed to store verification code")
	}

	return rec, nil
}

// Verify checks the code against the latest record for the email and
// marks the user verified on success. A wrong code burns an attempt even
// after the cap is reached; the cap applies to a correct code as well.
func (s *EmailVerifications) Verify(ctx context.Context, email, code string) error {
	email = normalizeEmail(email)

	var wrongCode bool
	err := s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		rec, err := s.repo.EmailVerifications().FindLatestTx(ctx, tx, email)
		if err != nil {
			if isNotFound(err) {
				return ErrVerificationCodeInvalid
			}
			return internalError(err, "failed to look up verification code")
		}

		if subtle.ConstantTimeCompare([]byte(rec.Code), []byte(code)) != 1 {
			if err := s.repo.EmailVerifications().IncrementAttemptsTx(ctx, tx, rec.ID); err != nil {
				return internalError(err, "failed to record verification attempt")
			}
			wrongCode = true
			return nil
		}

		switch {
		case rec.IsUsed:
			return ErrVerificationCodeUsed
		case !s.now().Before(rec.ExpiresAt):
			return ErrVerificationCodeExpired
		case rec.Attempts >= s.cfg.MaxAttempts:
			return ErrVerificationMaxAttempts
		}

		if err := s.repo.EmailVerifications().MarkUsedTx(ctx, tx, rec.ID); err != nil {
			return internalError(err, "failed to mark verification code used")
		}

		if err := s.repo.Users().SetVerifiedByEmailTx(ctx, tx, email); err != nil {
			return internalError(err, "failed to mark user verified")
		}

		return nil
	})
	if err != nil {
		return err
	}

	// the attempt counter must survive, so the failure is returned after commit
	if wrongCode {
		return ErrVerificationCodeInvalid
	}

	s.recorder().record(ctx, ActivityEvent{
		EventType: ActivityEventEmailVerified,
		Metadata:  map[string]any{"email": email},
	})

	return nil
}
