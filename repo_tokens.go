package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// RefreshTokenStore persists refresh token hashes
type RefreshTokenStore struct{}

func (RefreshTokenStore) InsertTx(ctx context.Context, tx bun.IDB, rec *RefreshToken) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	_, err := tx.NewInsert().Model(rec).Exec(ctx)
	return err
}

func (RefreshTokenStore) FindByHashTx(ctx context.Context, tx bun.IDB, hash string) (*RefreshToken, error) {
	record := &RefreshToken{}
	err := tx.NewSelect().
		Model(record).
		Where("token_hash = ?", hash).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, map[string]any{"token": "redacted"})
	}
	return record, nil
}

// RevokeTx reports false when no live row matched the hash
func (RefreshTokenStore) RevokeTx(ctx context.Context, tx bun.IDB, hash string, at time.Time) (bool, error) {
	res, err := tx.NewUpdate().
		Model((*RefreshToken)(nil)).
		Set("revoked_at = ?", at).
		Where("token_hash = ?", hash).
		Where("revoked_at IS NULL").
		Exec(ctx)
	if err != nil {
		return false, err
	}
	return rowsAffected(res) > 0, nil
}

func (RefreshTokenStore) RevokeAllForUserTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, at time.Time) (int, error) {
	res, err := tx.NewUpdate().
		Model((*RefreshToken)(nil)).
		Set("revoked_at = ?", at).
		Where("user_id = ?", userID).
		Where("revoked_at IS NULL").
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res), nil
}

// DeleteStaleTx removes rows that expired, or were revoked, before cutoff
func (RefreshTokenStore) DeleteStaleTx(ctx context.Context, tx bun.IDB, cutoff time.Time) (int, error) {
	res, err := tx.NewDelete().
		Model((*RefreshToken)(nil)).
		WhereOr("expires_at < ?", cutoff).
		WhereOr("revoked_at IS NOT NULL AND revoked_at < ?", cutoff).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res), nil
}

// BlacklistStore persists revoked access token hashes
type BlacklistStore struct{}

// InsertTx reports false when the hash was already present
func (BlacklistStore) InsertTx(ctx context.Context, tx bun.IDB, rec *BlacklistedToken) (bool, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	res, err := tx.NewInsert().
		Model(rec).
		On("CONFLICT DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, err
	}
	return rowsAffected(res) > 0, nil
}

func (BlacklistStore) FindByHashTx(ctx context.Context, tx bun.IDB, hash string) (*BlacklistedToken, error) {
	record := &BlacklistedToken{}
	err := tx.NewSelect().
		Model(record).
		Where("token_hash = ?", hash).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, map[string]any{"token": "redacted"})
	}
	return record, nil
}

func (BlacklistStore) DeleteExpiredTx(ctx context.Context, tx bun.IDB, now time.Time) (int, error) {
	res, err := tx.NewDelete().
		Model((*BlacklistedToken)(nil)).
		Where("expires_at < ?", now).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res), nil
}

// PasswordResetStore persists password reset token hashes
type PasswordResetStore struct{}

func (PasswordResetStore) InsertTx(ctx context.Context, tx bun.IDB, rec *PasswordResetToken) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	_, err := tx.NewInsert().Model(rec).Exec(ctx)
	return err
}

// FindLatestByHashTx returns the newest row for the hash
func (PasswordResetStore) FindLatestByHashTx(ctx context.Context, tx bun.IDB, hash string) (*PasswordResetToken, error) {
	record := &PasswordResetToken{}
	err := tx.NewSelect().
		Model(record).
		Where("token_hash = ?", hash).
		OrderExpr("created_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, map[string]any{"token": "redacted"})
	}
	return record, nil
}

func (PasswordResetStore) CountSinceTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, since time.Time) (int, error) {
	return tx.NewSelect().
		Model((*PasswordResetToken)(nil)).
		Where("user_id = ?", userID).
		Where("created_at >= ?", since).
		Count(ctx)
}

func (PasswordResetStore) MarkUsedTx(ctx context.Context, tx bun.IDB, id uuid.UUID, at time.Time) (bool, error) {
	res, err := tx.NewUpdate().
		Model((*PasswordResetToken)(nil)).
		Set("is_used = ?", true).
		Set("used_at = ?", at).
		Where("id = ?", id).
		Where("is_used = ?", false).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	return rowsAffected(res) > 0, nil
}

// InvalidateUserTx marks every outstanding token for the user used
func (PasswordResetStore) InvalidateUserTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, at time.Time) (int, error) {
	res, err := tx.NewUpdate().
		Model((*PasswordResetToken)(nil)).
		Set("is_used = ?", true).
		Set("used_at = ?", at).
		Where("user_id = ?", userID).
		Where("is_used = ?", false).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res), nil
}

// DeleteStaleTx removes used tokens and tokens that expired before cutoff
func (PasswordResetStore) DeleteStaleTx(ctx context.Context, tx bun.IDB, cutoff time.Time) (int, error) {
	res, err := tx.NewDelete().
		Model((*PasswordResetToken)(nil)).
		WhereOr("is_used = ?", true).
		WhereOr("expires_at < ?", cutoff).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res), nil
}

// EmailVerificationStore persists verification codes
type EmailVerificationStore struct{}

func (EmailVerificationStore) InsertTx(ctx context.Context, tx bun.IDB, rec *EmailVerification) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	_, err := tx.NewInsert().Model(rec).Exec(ctx)
	return err
}

// FindLatestTx returns the newest code issued for the email
func (EmailVerificationStore) FindLatestTx(ctx context.Context, tx bun.IDB, email string) (*EmailVerification, error) {
	record := &EmailVerification{}
	err := tx.NewSelect().
		Model(record).
		Where("email = ?", normalizeEmail(email)).
		OrderExpr("created_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, map[string]any{"email": email})
	}
	return record, nil
}

func (EmailVerificationStore) InvalidateOutstandingTx(ctx context.Context, tx bun.IDB, email string) (int, error) {
	res, err := tx.NewUpdate().
		Model((*EmailVerification)(nil)).
		Set("is_used = ?", true).
		Where("email = ?", normalizeEmail(email)).
		Where("is_used = ?", false).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res), nil
}

func (EmailVerificationStore) IncrementAttemptsTx(ctx context.Context, tx bun.IDB, id uuid.UUID) error {
	_, err := tx.NewUpdate().
		Model((*EmailVerification)(nil)).
		Set("attempts = attempts + 1").
		Where("id = ?", id).
		Exec(ctx)
	return err
}

func (EmailVerificationStore) MarkUsedTx(ctx context.Context, tx bun.IDB, id uuid.UUID) error {
	_, err := tx.NewUpdate().
		Model((*EmailVerification)(nil)).
		Set("is_used = ?", true).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

// ActivityWatchStore persists encrypted device tokens, one per user
type ActivityWatchStore struct{}

func (ActivityWatchStore) InsertTx(ctx context.Context, tx bun.IDB, rec *ActivityWatchToken) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	_, err := tx.NewInsert().Model(rec).Exec(ctx)
	return err
}

func (ActivityWatchStore) FindByUserTx(ctx context.Context, tx bun.IDB, userID uuid.UUID) (*ActivityWatchToken, error) {
	record := &ActivityWatchToken{}
	err := tx.NewSelect().
		Model(record).
		Where("user_id = ?", userID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, map[string]any{"user_id": userID.String()})
	}
	return record, nil
}

func (ActivityWatchStore) FindByLookupTagTx(ctx context.Context, tx bun.IDB, tag string) (*ActivityWatchToken, error) {
	record := &ActivityWatchToken{}
	err := tx.NewSelect().
		Model(record).
		Where("lookup_tag = ?", tag).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, map[string]any{"lookup_tag": tag})
	}
	return record, nil
}

func (ActivityWatchStore) TouchTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, at time.Time) (bool, error) {
	res, err := tx.NewUpdate().
		Model((*ActivityWatchToken)(nil)).
		Set("last_used_at = ?", at).
		Where("user_id = ?", userID).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	return rowsAffected(res) > 0, nil
}

func (ActivityWatchStore) DeleteByUserTx(ctx context.Context, tx bun.IDB, userID uuid.UUID) (bool, error) {
	res, err := tx.NewDelete().
		Model((*ActivityWatchToken)(nil)).
		Where("user_id = ?", userID).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	return rowsAffected(res) > 0, nil
}
