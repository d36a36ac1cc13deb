package auth

import (
	"context"
	"strings"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Users is the user repository
type Users interface {
	repository.Repository[*User]

	FindByEmailTx(ctx context.Context, tx bun.IDB, email string) (*User, error)
	FindByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*User, error)
	EmailExistsTx(ctx context.Context, tx bun.IDB, email string) (bool, error)
	InsertTx(ctx context.Context, tx bun.IDB, user *User) (*User, error)
	LoadRolesTx(ctx context.Context, tx bun.IDB, user *User) error

	TrackSuccessfulLoginTx(ctx context.Context, tx bun.IDB, id uuid.UUID, at time.Time) error
	IncrementUsageTx(ctx context.Context, tx bun.IDB, id uuid.UUID, queries, documents int) error
	SetOrganizationTx(ctx context.Context, tx bun.IDB, id uuid.UUID, organizationID *uuid.UUID) error
	SetVerifiedByEmailTx(ctx context.Context, tx bun.IDB, email string) error
	ResetPasswordTx(ctx context.Context, tx bun.IDB, id uuid.UUID, passwordHash string) error
	UpdateQuotasTx(ctx context.Context, tx bun.IDB, user *User) error
	UpdateProfileTx(ctx context.Context, tx bun.IDB, user *User) error
	UsageTotalsForOrganizationTx(ctx context.Context, tx bun.IDB, orgID uuid.UUID) (queries, documents int, err error)
	PurgeTx(ctx context.Context, tx bun.IDB, id uuid.UUID) error
}

type users struct {
	repository.Repository[*User]
	db    *bun.DB
	roles Roles
	now   func() time.Time
}

var (
	_ Users                        = (*users)(nil)
	_ repository.Repository[*User] = (*users)(nil)
)

// UsersOption customizes the users repository
type UsersOption func(*users)

// WithUsersClock injects a custom clock (useful for tests).
func WithUsersClock(now func() time.Time) UsersOption {
	return func(u *users) {
		if now != nil {
			u.now = normalizeClock(now)
		}
	}
}

func NewUsersRepository(db *bun.DB, opts ...UsersOption) Users {
	repo := repository.NewRepository[*User](db, repository.ModelHandlers[*User]{
		NewRecord: func() *User { return &User{} },
		GetID: func(u *User) uuid.UUID {
			if u == nil {
				return uuid.Nil
			}
			return u.ID
		},
		SetID: func(u *User, id uuid.UUID) {
			if u != nil {
				u.ID = id
			}
		},
		GetIdentifier: func() string {
			return "email"
		},
	})

	repoUsers := &users{
		Repository: repo,
		db:         db,
		roles:      NewRolesRepository(db),
		now:        utcNow,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(repoUsers)
		}
	}

	return repoUsers
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (a *users) FindByEmailTx(ctx context.Context, tx bun.IDB, email string) (*User, error) {
	record := &User{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.email = ?", normalizeEmail(email)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, map[string]any{"email": email})
	}
	return record, nil
}

func (a *users) FindByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*User, error) {
	record := &User{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, map[string]any{"id": id.String()})
	}
	return record, nil
}

func (a *users) EmailExistsTx(ctx context.Context, tx bun.IDB, email string) (bool, error) {
	return tx.NewSelect().
		Model((*User)(nil)).
		Where("?TableAlias.email = ?", normalizeEmail(email)).
		Exists(ctx)
}

func (a *users) InsertTx(ctx context.Context, tx bun.IDB, user *User) (*User, error) {
	a.prepareUserDefaults(user)
	return a.Repository.CreateTx(ctx, tx, user)
}

// LoadRolesTx fills user.Roles, including each role's permissions
func (a *users) LoadRolesTx(ctx context.Context, tx bun.IDB, user *User) error {
	roles, err := a.roles.ForUserTx(ctx, tx, user.ID)
	if err != nil {
		return err
	}
	user.Roles = roles
	return nil
}

func (a *users) TrackSuccessfulLoginTx(ctx context.Context, tx bun.IDB, id uuid.UUID, at time.Time) error {
	_, err := tx.NewUpdate().
		Model((*User)(nil)).
		Set("last_login_at = ?", at).
		Set("updated_at = ?", at).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

func (a *users) IncrementUsageTx(ctx context.Context, tx bun.IDB, id uuid.UUID, queries, documents int) error {
	_, err := tx.NewUpdate().
		Model((*User)(nil)).
		Set("total_queries_used = total_queries_used + ?", queries).
		Set("total_documents_uploaded = total_documents_uploaded + ?", documents).
		Set("updated_at = ?", a.now()).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

func (a *users) SetOrganizationTx(ctx context.Context, tx bun.IDB, id uuid.UUID, organizationID *uuid.UUID) error {
	res, err := tx.NewUpdate().
		Model((*User)(nil)).
		Set("organization_id = ?", organizationID).
		Set("updated_at = ?", a.now()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return err
	}
	if rowsAffected(res) == 0 {
		return repository.NewRecordNotFound().WithMetadata(map[string]any{"id": id.String()})
	}
	return nil
}

func (a *users) SetVerifiedByEmailTx(ctx context.Context, tx bun.IDB, email string) error {
	_, err := tx.NewUpdate().
		Model((*User)(nil)).
		Set("is_verified = ?", true).
		Set("updated_at = ?", a.now()).
		Where("email = ?", normalizeEmail(email)).
		Exec(ctx)
	return err
}

func (a *users) ResetPasswordTx(ctx context.Context, tx bun.IDB, id uuid.UUID, passwordHash string) error {
	res, err := tx.NewUpdate().
		Model((*User)(nil)).
		Set("password_hash = ?", passwordHash).
		Set("updated_at = ?", a.now()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return err
	}
	if rowsAffected(res) == 0 {
		return repository.NewRecordNotFound().WithMetadata(map[string]any{"id": id.String()})
	}
	return nil
}

// UpdateQuotasTx persists the four quota columns as they are on the record,
// including nil values which mean unlimited.
func (a *users) UpdateQuotasTx(ctx context.Context, tx bun.IDB, user *User) error {
	user.UpdatedAt = a.now()
	_, err := tx.NewUpdate().
		Model(user).
		Column("daily_query_limit", "monthly_query_limit", "daily_document_upload_limit", "max_document_size_mb", "updated_at").
		WherePK().
		Exec(ctx)
	return err
}

// UpdateProfileTx writes the name and email columns
func (a *users) UpdateProfileTx(ctx context.Context, tx bun.IDB, user *User) error {
	user.Email = normalizeEmail(user.Email)
	user.UpdatedAt = a.now()
	_, err := tx.NewUpdate().
		Model(user).
		Column("first_name", "last_name", "email", "updated_at").
		WherePK().
		Exec(ctx)
	return err
}

// UsageTotalsForOrganizationTx sums the lifetime counters of every user
// whose primary organization is orgID.
func (a *users) UsageTotalsForOrganizationTx(ctx context.Context, tx bun.IDB, orgID uuid.UUID) (int, int, error) {
	var totals struct {
		Queries   int `bun:"queries"`
		Documents int `bun:"documents"`
	}
	err := tx.NewSelect().
		Model((*User)(nil)).
		ColumnExpr("COALESCE(SUM(total_queries_used), 0) AS queries").
		ColumnExpr("COALESCE(SUM(total_documents_uploaded), 0) AS documents").
		Where("organization_id = ?", orgID).
		Scan(ctx, &totals)
	if err != nil {
		return 0, 0, err
	}
	return totals.Queries, totals.Documents, nil
}

// userOwnedModels hold rows keyed by user_id that go away with the user
var userOwnedModels = []any{
	(*UserRole)(nil),
	(*OrganizationMember)(nil),
	(*RefreshToken)(nil),
	(*PasswordResetToken)(nil),
	(*ActivityWatchToken)(nil),
	(*UsageLog)(nil),
	(*UetsAccount)(nil),
}

// PurgeTx deletes the user and every row owned by it. Organizations the
// user owns and invitations it sent are kept, with the reference cleared.
func (a *users) PurgeTx(ctx context.Context, tx bun.IDB, id uuid.UUID) error {
	for _, model := range userOwnedModels {
		if _, err := tx.NewDelete().Model(model).Where("user_id = ?", id).Exec(ctx); err != nil {
			return err
		}
	}

	if _, err := tx.NewUpdate().
		Model((*Organization)(nil)).
		Set("owner_id = NULL").
		Where("owner_id = ?", id).
		Exec(ctx); err != nil {
		return err
	}

	if _, err := tx.NewUpdate().
		Model((*Invitation)(nil)).
		Set("invited_by_id = NULL").
		Where("invited_by_id = ?", id).
		Exec(ctx); err != nil {
		return err
	}

	res, err := tx.NewDelete().Model((*User)(nil)).Where("id = ?", id).Exec(ctx)
	if err != nil {
		return err
	}
	if rowsAffected(res) == 0 {
		return repository.NewRecordNotFound().WithMetadata(map[string]any{"id": id.String()})
	}
	return nil
}

func (a *users) prepareUserDefaults(user *User) {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	user.Email = normalizeEmail(user.Email)
	now := a.now()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	if user.UpdatedAt.IsZero() {
		user.UpdatedAt = now
	}
	if user.MaxDocumentSizeMB == 0 {
		user.MaxDocumentSizeMB = defaultMaxDocumentSizeMB
	}
}

const defaultMaxDocumentSizeMB = 10
