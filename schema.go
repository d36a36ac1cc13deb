package auth

import (
	"context"
	"fmt"

	goerrors "github.com/goliatone/go-errors"
	"github.com/uptrace/bun"
)

// schemaModels is ordered so that referenced tables come first
var schemaModels = []any{
	(*Role)(nil),
	(*Permission)(nil),
	(*RolePermission)(nil),
	(*Organization)(nil),
	(*User)(nil),
	(*UserRole)(nil),
	(*OrganizationMember)(nil),
	(*Invitation)(nil),
	(*RefreshToken)(nil),
	(*BlacklistedToken)(nil),
	(*PasswordResetToken)(nil),
	(*EmailVerification)(nil),
	(*ActivityWatchToken)(nil),
	(*UsageLog)(nil),
	(*UetsAccount)(nil),
}

type schemaIndex struct {
	model   any
	name    string
	columns []string
}

var schemaIndexes = []schemaIndex{
	{(*OrganizationMember)(nil), "idx_org_members_user_primary", []string{"user_id", "is_primary"}},
	{(*Invitation)(nil), "idx_invitations_org_status", []string{"organization_id", "status"}},
	{(*Invitation)(nil), "idx_invitations_email", []string{"email"}},
	{(*RefreshToken)(nil), "idx_refresh_tokens_user", []string{"user_id"}},
	{(*BlacklistedToken)(nil), "idx_blacklisted_tokens_expires", []string{"expires_at"}},
	{(*PasswordResetToken)(nil), "idx_password_reset_tokens_user", []string{"user_id", "created_at"}},
	{(*EmailVerification)(nil), "idx_email_verifications_email", []string{"email", "created_at"}},
	{(*UsageLog)(nil), "idx_usage_logs_user_created", []string{"user_id", "created_at"}},
}

// CreateSchema creates every table and index if missing. It is meant for
// tests and local development; production schemas are managed elsewhere.
func CreateSchema(ctx context.Context, db bun.IDB) error {
	for _, model := range schemaModels {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to create table").
				WithMetadata(map[string]any{"model": fmt.Sprintf("%T", model)})
		}
	}

	for _, idx := range schemaIndexes {
		if _, err := db.NewCreateIndex().
			Model(idx.model).
			Index(idx.name).
			Column(idx.columns...).
			IfNotExists().
			Exec(ctx); err != nil {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to create index").
				WithMetadata(map[string]any{"index": idx.name})
		}
	}
	return nil
}

// RoleSeed describes a role and the permissions it grants, as
// "resource:action" strings.
type RoleSeed struct {
	Role        Role
	Permissions []string
}

// DefaultRoleCatalog is the stock role set. Quota defaults mirror the
// values operators start from; nil means unlimited.
func DefaultRoleCatalog() []RoleSeed {
	return []RoleSeed{
		{
			Role:        Role{Name: RoleSuperuser, Description: "Platform operator"},
			Permissions: []string{"*:*"},
		},
		{
			Role:        Role{Name: RoleAdmin, Description: "Unlimited access", DefaultMaxDocumentSizeMB: intPtr(100)},
			Permissions: []string{"admin:*", "auth:*", "users:*", "documents:*", "research:*", "usage:*", "workspaces:*"},
		},
		{
			Role: Role{
				Name:                      RoleOwner,
				Description:               "Organization owner",
				DefaultDailyQueryLimit:    intPtr(500),
				DefaultMonthlyQueryLimit:  intPtr(15000),
				DefaultDailyDocumentLimit: intPtr(200),
				DefaultMaxDocumentSizeMB:  intPtr(50),
			},
			Permissions: []string{"auth:*", "users:read", "users:update", "documents:*", "research:*", "usage:*", "workspaces:*"},
		},
		{
			Role: Role{
				Name:                      RoleOrgAdmin,
				Description:               "Organization administrator",
				DefaultDailyQueryLimit:    intPtr(300),
				DefaultMonthlyQueryLimit:  intPtr(9000),
				DefaultDailyDocumentLimit: intPtr(100),
				DefaultMaxDocumentSizeMB:  intPtr(25),
			},
			Permissions: []string{"auth:*", "users:read", "users:update", "documents:*", "research:*", "usage:*"},
		},
		{
			Role: Role{
				Name:                      RoleLawyer,
				Description:               "Legal professional",
				DefaultDailyQueryLimit:    intPtr(200),
				DefaultMonthlyQueryLimit:  intPtr(6000),
				DefaultDailyDocumentLimit: intPtr(100),
				DefaultMaxDocumentSizeMB:  intPtr(25),
			},
			Permissions: []string{"auth:login", "auth:logout", "users:read", "users:update", "documents:*", "research:*", "usage:view_own"},
		},
		{
			Role: Role{
				Name:                      RoleMember,
				Description:               "Organization member",
				DefaultDailyQueryLimit:    intPtr(100),
				DefaultMonthlyQueryLimit:  intPtr(3000),
				DefaultDailyDocumentLimit: intPtr(50),
				DefaultMaxDocumentSizeMB:  intPtr(10),
			},
			Permissions: []string{"auth:login", "auth:logout", "users:read", "users:update", "documents:upload", "documents:read", "research:query", "usage:view_own"},
		},
		{
			Role: Role{
				Name:                      RoleUser,
				Description:               "Standard user",
				DefaultDailyQueryLimit:    intPtr(100),
				DefaultMonthlyQueryLimit:  intPtr(3000),
				DefaultDailyDocumentLimit: intPtr(50),
				DefaultMaxDocumentSizeMB:  intPtr(10),
			},
			Permissions: []string{"auth:login", "auth:logout", "users:read", "users:update", "documents:upload", "documents:read", "research:query", "usage:view_own"},
		},
		{
			Role:        Role{Name: RoleViewer, Description: "Read only"},
			Permissions: []string{"auth:login", "auth:logout", "users:read", "documents:read"},
		},
		{
			Role: Role{
				Name:                      RoleDemo,
				Description:               "Demo account",
				DefaultDailyQueryLimit:    intPtr(10),
				DefaultMonthlyQueryLimit:  intPtr(200),
				DefaultDailyDocumentLimit: intPtr(5),
				DefaultMaxDocumentSizeMB:  intPtr(5),
			},
			Permissions: []string{"auth:login", "auth:logout", "users:read", "documents:upload", "documents:read", "research:query", "usage:view_own"},
		},
		{
			Role: Role{
				Name:                      RoleGuest,
				Description:               "Pending approval",
				DefaultDailyQueryLimit:    intPtr(3),
				DefaultMonthlyQueryLimit:  intPtr(30),
				DefaultDailyDocumentLimit: intPtr(0),
			},
			Permissions: []string{"auth:login", "auth:logout", "users:read", "research:query", "usage:view_own"},
		},
	}
}

// SeedRoles creates missing roles and permissions and grants them.
// Existing roles are left as they are, grants are added idempotently.
func SeedRoles(ctx context.Context, repo RepositoryManager, seeds []RoleSeed) error {
	return repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		now := utcNow()
		for _, seed := range seeds {
			role := seed.Role
			record, err := repo.Roles().EnsureRoleTx(ctx, tx, &role)
			if err != nil {
				return internalError(err, "failed to seed role")
			}

			for _, raw := range seed.Permissions {
				ref := ParsePermissionRef(raw)
				perm, err := repo.Roles().EnsurePermissionTx(ctx, tx, ref.Resource, ref.Action)
				if err != nil {
					return internalError(err, "failed to seed permission")
				}
				if err := repo.Roles().GrantTx(ctx, tx, record.ID, perm.ID, now); err != nil {
					return internalError(err, "failed to grant permission")
				}
			}
		}
		return nil
	})
}
