package auth

import (
	"context"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Roles is the role and permission repository
type Roles interface {
	repository.Repository[*Role]

	FindByNameTx(ctx context.Context, tx bun.IDB, name string) (*Role, error)
	FindByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*Role, error)
	ForUserTx(ctx context.Context, tx bun.IDB, userID uuid.UUID) ([]*Role, error)
	LoadPermissionsTx(ctx context.Context, tx bun.IDB, roles []*Role) error
	UserHasRoleTx(ctx context.Context, tx bun.IDB, userID, roleID uuid.UUID) (bool, error)
	AssignTx(ctx context.Context, tx bun.IDB, link *UserRole) error
	RevokeTx(ctx context.Context, tx bun.IDB, userID, roleID uuid.UUID) (bool, error)
	RevokeAllTx(ctx context.Context, tx bun.IDB, userID uuid.UUID) (int, error)
	EnsureRoleTx(ctx context.Context, tx bun.IDB, role *Role) (*Role, error)
	EnsurePermissionTx(ctx context.Context, tx bun.IDB, resource, action string) (*Permission, error)
	GrantTx(ctx context.Context, tx bun.IDB, roleID, permissionID uuid.UUID, at time.Time) error
}

type roles struct {
	repository.Repository[*Role]
}

var _ Roles = (*roles)(nil)

func NewRolesRepository(db *bun.DB) Roles {
	repo := repository.NewRepository[*Role](db, repository.ModelHandlers[*Role]{
		NewRecord: func() *Role { return &Role{} },
		GetID: func(r *Role) uuid.UUID {
			if r == nil {
				return uuid.Nil
			}
			return r.ID
		},
		SetID: func(r *Role, id uuid.UUID) {
			if r != nil {
				r.ID = id
			}
		},
		GetIdentifier: func() string {
			return "name"
		},
	})
	return &roles{Repository: repo}
}

// FindByNameTx matches the name case-insensitively
func (r *roles) FindByNameTx(ctx context.Context, tx bun.IDB, name string) (*Role, error) {
	record := &Role{}
	err := tx.NewSelect().
		Model(record).
		Where("LOWER(?TableAlias.name) = LOWER(?)", name).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, map[string]any{"name": name})
	}
	return record, nil
}

func (r *roles) FindByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*Role, error) {
	record := &Role{}
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

func (r *roles) ForUserTx(ctx context.Context, tx bun.IDB, userID uuid.UUID) ([]*Role, error) {
	var records []*Role
	err := tx.NewSelect().
		Model(&records).
		Join("JOIN user_roles AS ur ON ur.role_id = ?TableAlias.id").
		Where("ur.user_id = ?", userID).
		OrderExpr("?TableAlias.name ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}

	if err := r.LoadPermissionsTx(ctx, tx, records); err != nil {
		return nil, err
	}
	return records, nil
}

func (r *roles) LoadPermissionsTx(ctx context.Context, tx bun.IDB, records []*Role) error {
	if len(records) == 0 {
		return nil
	}

	roleIDs := make([]string, 0, len(records))
	byID := make(map[uuid.UUID]*Role, len(records))
	for _, role := range records {
		roleIDs = append(roleIDs, role.ID.String())
		byID[role.ID] = role
		role.Permissions = nil
	}

	var links []*RolePermission
	if err := tx.NewSelect().
		Model(&links).
		Where("role_id IN (?)", bun.In(roleIDs)).
		Scan(ctx); err != nil {
		return err
	}

	if len(links) == 0 {
		return nil
	}

	permIDs := make([]string, 0, len(links))
	for _, l := range links {
		permIDs = append(permIDs, l.PermissionID.String())
	}

	var perms []*Permission
	if err := tx.NewSelect().
		Model(&perms).
		Where("id IN (?)", bun.In(permIDs)).
		Scan(ctx); err != nil {
		return err
	}

	permByID := make(map[uuid.UUID]*Permission, len(perms))
	for _, p := range perms {
		permByID[p.ID] = p
	}

	for _, l := range links {
		role, ok := byID[l.RoleID]
		if !ok {
			continue
		}
		if p, ok := permByID[l.PermissionID]; ok {
			role.Permissions = append(role.Permissions, p)
		}
	}
	return nil
}

func (r *roles) UserHasRoleTx(ctx context.Context, tx bun.IDB, userID, roleID uuid.UUID) (bool, error) {
	return tx.NewSelect().
		Model((*UserRole)(nil)).
		Where("user_id = ?", userID).
		Where("role_id = ?", roleID).
		Exists(ctx)
}

// AssignTx is a no-op when the link already exists
func (r *roles) AssignTx(ctx context.Context, tx bun.IDB, link *UserRole) error {
	_, err := tx.NewInsert().
		Model(link).
		On("CONFLICT DO NOTHING").
		Exec(ctx)
	return err
}

func (r *roles) RevokeTx(ctx context.Context, tx bun.IDB, userID, roleID uuid.UUID) (bool, error) {
	res, err := tx.NewDelete().
		Model((*UserRole)(nil)).
		Where("user_id = ?", userID).
		Where("role_id = ?", roleID).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	return rowsAffected(res) > 0, nil
}

func (r *roles) RevokeAllTx(ctx context.Context, tx bun.IDB, userID uuid.UUID) (int, error) {
	res, err := tx.NewDelete().
		Model((*UserRole)(nil)).
		Where("user_id = ?", userID).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res), nil
}

// EnsureRoleTx returns the role with the same name or creates it
func (r *roles) EnsureRoleTx(ctx context.Context, tx bun.IDB, role *Role) (*Role, error) {
	existing, err := r.FindByNameTx(ctx, tx, role.Name)
	if err == nil {
		return existing, nil
	}
	if !isNotFound(err) {
		return nil, err
	}

	if role.ID == uuid.Nil {
		role.ID = uuid.New()
	}
	if role.CreatedAt.IsZero() {
		role.CreatedAt = utcNow()
	}
	return r.Repository.CreateTx(ctx, tx, role)
}

func (r *roles) EnsurePermissionTx(ctx context.Context, tx bun.IDB, resource, action string) (*Permission, error) {
	record := &Permission{}
	err := tx.NewSelect().
		Model(record).
		Where("resource = ?", resource).
		Where("action = ?", action).
		Limit(1).
		Scan(ctx)
	if err == nil {
		return record, nil
	}
	if !isNotFound(err) {
		return nil, err
	}

	record = &Permission{ID: uuid.New(), Resource: resource, Action: action}
	if _, err := tx.NewInsert().Model(record).Exec(ctx); err != nil {
		return nil, err
	}
	return record, nil
}

func (r *roles) GrantTx(ctx context.Context, tx bun.IDB, roleID, permissionID uuid.UUID, at time.Time) error {
	_, err := tx.NewInsert().
		Model(&RolePermission{RoleID: roleID, PermissionID: permissionID, GrantedAt: at}).
		On("CONFLICT DO NOTHING").
		Exec(ctx)
	return err
}
