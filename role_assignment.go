package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// applyRoleQuotas copies the role's default quotas onto the user. A nil
// default means unlimited, except for the document size which falls back
// to defaultMaxMB.
func applyRoleQuotas(user *User, role *Role, defaultMaxMB int) {
	user.DailyQueryLimit = copyIntPtr(role.DefaultDailyQueryLimit)
	user.MonthlyQueryLimit = copyIntPtr(role.DefaultMonthlyQueryLimit)
	user.DailyDocumentUploadLimit = copyIntPtr(role.DefaultDailyDocumentLimit)

	user.MaxDocumentSizeMB = defaultMaxMB
	if role.DefaultMaxDocumentSizeMB != nil {
		user.MaxDocumentSizeMB = *role.DefaultMaxDocumentSizeMB
	}
	if user.MaxDocumentSizeMB <= 0 {
		user.MaxDocumentSizeMB = defaultMaxDocumentSizeMB
	}
}

// replaceRolesTx leaves the user holding exactly one role and copies its
// quota defaults. user.Roles is refreshed in memory.
func replaceRolesTx(ctx context.Context, tx bun.IDB, repo RepositoryManager, user *User, role *Role, orgID *uuid.UUID, now time.Time, defaultMaxMB int) error {
	if _, err := repo.Roles().RevokeAllTx(ctx, tx, user.ID); err != nil {
		return internalError(err, "failed to remove existing roles")
	}

	link := &UserRole{
		UserID:         user.ID,
		RoleID:         role.ID,
		OrganizationID: orgID,
		AssignedAt:     now,
	}
	if err := repo.Roles().AssignTx(ctx, tx, link); err != nil {
		return internalError(err, "failed to assign role")
	}

	applyRoleQuotas(user, role, defaultMaxMB)
	if err := repo.Users().UpdateQuotasTx(ctx, tx, user); err != nil {
		return internalError(err, "failed to update user quotas")
	}

	if err := repo.Roles().LoadPermissionsTx(ctx, tx, []*Role{role}); err != nil {
		return internalError(err, "failed to load role permissions")
	}
	user.Roles = []*Role{role}

	return nil
}

func findRoleTx(ctx context.Context, tx bun.IDB, repo RepositoryManager, name string) (*Role, error) {
	role, err := repo.Roles().FindByNameTx(ctx, tx, name)
	if err != nil {
		if isNotFound(err) {
			return nil, withMetadata(ErrRoleNotFound, map[string]any{"role": name})
		}
		return nil, internalError(err, "failed to look up role")
	}
	return role, nil
}

func findUserTx(ctx context.Context, tx bun.IDB, repo RepositoryManager, id uuid.UUID) (*User, error) {
	user, err := repo.Users().FindByIDTx(ctx, tx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, withMetadata(ErrUserNotFound, map[string]any{"user_id": id.String()})
		}
		return nil, internalError(err, "failed to look up user")
	}
	return user, nil
}

func findOrganizationTx(ctx context.Context, tx bun.IDB, repo RepositoryManager, id uuid.UUID) (*Organization, error) {
	org, err := repo.Organizations().FindByIDTx(ctx, tx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, withMetadata(ErrOrganizationNotFound, map[string]any{"organization_id": id.String()})
		}
		return nil, internalError(err, "failed to look up organization")
	}
	return org, nil
}
