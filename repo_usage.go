package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// UsageLogStore persists usage records
type UsageLogStore struct{}

// InsertIdempotentTx inserts the row unless (user_id, service_type,
// created_at) already exists. It reports whether a row was written.
func (UsageLogStore) InsertIdempotentTx(ctx context.Context, tx bun.IDB, rec *UsageLog) (bool, error) {
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

// CountSinceTx counts the user's logs with created_at >= since
func (UsageLogStore) CountSinceTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, since time.Time) (int, error) {
	return tx.NewSelect().
		Model((*UsageLog)(nil)).
		Where("user_id = ?", userID).
		Where("created_at >= ?", since).
		Count(ctx)
}

func (UsageLogStore) SumTokensTx(ctx context.Context, tx bun.IDB, userID uuid.UUID) (int, error) {
	var total int
	err := tx.NewSelect().
		Model((*UsageLog)(nil)).
		ColumnExpr("COALESCE(SUM(tokens_used), 0)").
		Where("user_id = ?", userID).
		Scan(ctx, &total)
	return total, err
}

// ListTx returns one page ordered newest first, plus the total row count
func (UsageLogStore) ListTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, limit, offset int) ([]*UsageLog, int, error) {
	var records []*UsageLog
	total, err := tx.NewSelect().
		Model(&records).
		Where("user_id = ?", userID).
		OrderExpr("created_at DESC").
		Limit(limit).
		Offset(offset).
		ScanAndCount(ctx)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}
