package auth

import (
	"context"
	"database/sql"
	"errors"
	"log"

	"github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

// RepositoryManager exposes all repositories
type RepositoryManager interface {
	repository.Validator
	repository.TransactionManager
	DB() bun.IDB
	Users() Users
	Roles() Roles
	Organizations() Organizations
	Members() *MemberStore
	Invitations() *InvitationStore
	RefreshTokens() *RefreshTokenStore
	Blacklist() *BlacklistStore
	PasswordResets() *PasswordResetStore
	EmailVerifications() *EmailVerificationStore
	ActivityWatchTokens() *ActivityWatchStore
	UsageLogs() *UsageLogStore
	UetsAccounts() *UetsAccountStore
}

type mngr struct {
	db                  *bun.DB
	users               Users
	roles               Roles
	organizations       Organizations
	members             *MemberStore
	invitations         *InvitationStore
	refreshTokens       *RefreshTokenStore
	blacklist           *BlacklistStore
	passwordResets      *PasswordResetStore
	emailVerifications  *EmailVerificationStore
	activityWatchTokens *ActivityWatchStore
	usageLogs           *UsageLogStore
	uetsAccounts        *UetsAccountStore
}

// NewRepositoryManager wires every store against the same database handle
func NewRepositoryManager(db *bun.DB) RepositoryManager {
	return &mngr{
		db:                  db,
		users:               NewUsersRepository(db),
		roles:               NewRolesRepository(db),
		organizations:       NewOrganizationsRepository(db),
		members:             &MemberStore{},
		invitations:         &InvitationStore{},
		refreshTokens:       &RefreshTokenStore{},
		blacklist:           &BlacklistStore{},
		passwordResets:      &PasswordResetStore{},
		emailVerifications:  &EmailVerificationStore{},
		activityWatchTokens: &ActivityWatchStore{},
		usageLogs:           &UsageLogStore{},
		uetsAccounts:        &UetsAccountStore{},
	}
}

func (m mngr) Validate() error {
	if m.db == nil {
		return errors.New("repository manager requires a database")
	}

	if m.users == nil {
		return errors.New("repository users should be initialized")
	}

	if m.roles == nil {
		return errors.New("repository roles should be initialized")
	}

	if m.organizations == nil {
		return errors.New("repository organizations should be initialized")
	}

	return nil
}

func (m mngr) MustValidate() {
	if err := m.Validate(); err != nil {
		log.Panic(err)
	}
}

func (m mngr) RunInTx(ctx context.Context, opts *sql.TxOptions, f func(ctx context.Context, tx bun.Tx) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return m.db.RunInTx(ctx, opts, f)
	}
}

func (m mngr) DB() bun.IDB { return m.db }
func (m mngr) Users() Users { return m.users }
func (m mngr) Roles() Roles { return m.roles }
func (m mngr) Organizations() Organizations { return m.organizations }
func (m mngr) Members() *MemberStore { return m.members }
func (m mngr) Invitations() *InvitationStore { return m.invitations }
func (m mngr) RefreshTokens() *RefreshTokenStore { return m.refreshTokens }
func (m mngr) Blacklist() *BlacklistStore { return m.blacklist }
func (m mngr) PasswordResets() *PasswordResetStore { return m.passwordResets }
func (m mngr) EmailVerifications() *EmailVerificationStore { return m.emailVerifications }
func (m mngr) ActivityWatchTokens() *ActivityWatchStore { return m.activityWatchTokens }
func (m mngr) UsageLogs() *UsageLogStore { return m.usageLogs }
func (m mngr) UetsAccounts() *UetsAccountStore { return m.uetsAccounts }

func notFound(err error, meta map[string]any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return repository.NewRecordNotFound().WithMetadata(meta)
	}
	return err
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, sql.ErrNoRows) || repository.IsRecordNotFound(err)
}

func rowsAffected(res sql.Result) int {
	if res == nil {
		return 0
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return int(n)
}
