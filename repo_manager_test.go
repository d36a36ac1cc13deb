package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	auth "github.com/goliatone/go-auth-tenancy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
)

func newMockManager(t *testing.T) (auth.RepositoryManager, sqlmock.Sqlmock) {
	t.Helper()

	sqldb, mock, err := sqlmock.New()
	require.NoError(t, err)

	db := bun.NewDB(sqldb, pgdialect.New())
	t.Cleanup(func() { db.Close() })

	return auth.NewRepositoryManager(db), mock
}

func TestRepositoryManagerValidate(t *testing.T) {
	repo, _ := newMockManager(t)
	assert.NoError(t, repo.Validate())
	assert.NotPanics(t, repo.MustValidate)
	assert.NotNil(t, repo.DB())
}

func TestRunInTxCommits(t *testing.T) {
	repo, mock := newMockManager(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "invitations"`).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	var expired int
	err := repo.RunInTx(context.Background(), nil, func(ctx context.Context, tx bun.Tx) error {
		n, err := repo.Invitations().ExpirePendingTx(ctx, tx, time.Now())
		expired = n
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 2, expired)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunInTxRollsBack(t *testing.T) {
	repo, mock := newMockManager(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM "refresh_tokens"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	err := repo.RunInTx(context.Background(), nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := repo.RefreshTokens().DeleteStaleTx(ctx, tx, time.Now()); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunInTxCancelledContext(t *testing.T) {
	repo, mock := newMockManager(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := repo.RunInTx(ctx, nil, func(context.Context, bun.Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
	assert.NoError(t, mock.ExpectationsWereMet(), "no transaction is opened")
}

func TestStoreSurfacesDriverErrors(t *testing.T) {
	repo, mock := newMockManager(t)
	driverErr := errors.New("connection reset")

	mock.ExpectExec(`DELETE FROM "blacklisted_tokens"`).WillReturnError(driverErr)

	_, err := repo.Blacklist().DeleteExpiredTx(context.Background(), repo.DB(), time.Now())
	assert.ErrorIs(t, err, driverErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}
