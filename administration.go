package auth

import (
	"context"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// QuotaUpdate is a partial quota change. Nil fields are left alone and
// a negative limit clears it back to unlimited.
type QuotaUpdate struct {
	DailyQueryLimit          *int
	MonthlyQueryLimit        *int
	DailyDocumentUploadLimit *int
	MaxDocumentSizeMB        *int
}

// IsEmpty reports whether no field was provided
func (q QuotaUpdate) IsEmpty() bool {
	return q.DailyQueryLimit == nil &&
		q.MonthlyQueryLimit == nil &&
		q.DailyDocumentUploadLimit == nil &&
		q.MaxDocumentSizeMB == nil
}

func (q QuotaUpdate) apply(u *User) {
	set := func(dst **int, v *int) {
		if v == nil {
			return
		}
		if *v < 0 {
			*dst = nil
			return
		}
		*dst = intPtr(*v)
	}
	set(&u.DailyQueryLimit, q.DailyQueryLimit)
	set(&u.MonthlyQueryLimit, q.MonthlyQueryLimit)
	set(&u.DailyDocumentUploadLimit, q.DailyDocumentUploadLimit)
	if q.MaxDocumentSizeMB != nil {
		u.MaxDocumentSizeMB = *q.MaxDocumentSizeMB
	}
}

// OrganizationRequest describes a new organization
type OrganizationRequest struct {
	OwnerEmail string
	Name       string
	Type       string
	Size       string
}

func (r OrganizationRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.OwnerEmail, validation.Required),
		validation.Field(&r.Name, validation.Required, validation.Length(1, 255)),
		validation.Field(&r.Type, validation.Length(0, 50)),
		validation.Field(&r.Size, validation.Length(0, 50)),
	)
}

// RoleRequest describes a new role. Nil limits mean unlimited.
type RoleRequest struct {
	Name                      string
	Description               string
	DefaultDailyQueryLimit    *int
	DefaultMonthlyQueryLimit  *int
	DefaultDailyDocumentLimit *int
	DefaultMaxDocumentSizeMB  *int
}

func (r RoleRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Name, validation.Required, validation.Length(1, 50)),
		validation.Field(&r.Description, validation.Length(0, 255)),
		validation.Field(&r.DefaultDailyQueryLimit, validation.Min(0)),
		validation.Field(&r.DefaultMonthlyQueryLimit, validation.Min(0)),
		validation.Field(&r.DefaultDailyDocumentLimit, validation.Min(0)),
		validation.Field(&r.DefaultMaxDocumentSizeMB, validation.NilOrNotEmpty, validation.Min(1)),
	)
}

// OrganizationUpdate is a partial organization change
type OrganizationUpdate struct {
	Name     *string
	IsActive *bool
}

// OrganizationStats aggregates the members of an organization and the
// lifetime usage of users whose primary organization it is.
type OrganizationStats struct {
	OrganizationID         uuid.UUID `json:"organization_id"`
	TotalMembers           int       `json:"total_members"`
	TotalQueriesUsed       int       `json:"total_queries_used"`
	TotalDocumentsUploaded int       `json:"total_documents_uploaded"`
}

// ProfileUpdate is a partial change to the user's own profile
type ProfileUpdate struct {
	FirstName *string
	LastName  *string
	Email     *string
}

func (p ProfileUpdate) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.FirstName, validation.Length(0, 100)),
		validation.Field(&p.LastName, validation.Length(0, 100)),
		validation.Field(&p.Email, validation.NilOrNotEmpty, is.Email),
	)
}

const defaultRolePageSize = 100

// Administration groups the operator facing operations: role and quota
// management, organizations, user profiles and UETS account links.
type Administration struct {
	repo RepositoryManager
	cfg  Config
	serviceDeps
}

func NewAdministration(repo RepositoryManager, cfg Config, opts ...ServiceOption) *Administration {
	return &Administration{
		repo:        repo,
		cfg:         cfg,
		serviceDeps: buildServiceDeps(opts),
	}
}

// AssignRole makes roleName the user's only role and copies its quota
// defaults onto the user.
func (s *Administration) AssignRole(ctx context.Context, userID uuid.UUID, roleName string) (*User, error) {
	var user *User
	err := s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		user, err = s.AssignRoleTx(ctx, tx, userID, roleName)
		return err
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// AssignRoleTx is AssignRole inside the caller's transaction
func (s *Administration) AssignRoleTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, roleName string) (*User, error) {
	user, err := findUserTx(ctx, tx, s.repo, userID)
	if err != nil {
		return nil, err
	}

	role, err := findRoleTx(ctx, tx, s.repo, roleName)
	if err != nil {
		return nil, err
	}

	has, err := s.repo.Roles().UserHasRoleTx(ctx, tx, user.ID, role.ID)
	if err != nil {
		return nil, internalError(err, "failed to check role assignment")
	}
	if has {
		return nil, withMetadata(ErrRoleAlreadyAssigned, map[string]any{
			"user_id": user.ID.String(),
			"role":    role.Name,
		})
	}

	if err := replaceRolesTx(ctx, tx, s.repo, user, role, nil, s.now(), s.cfg.Quotas.DefaultMaxDocumentSizeMB); err != nil {
		return nil, err
	}

	s.recorder().record(ctx, ActivityEvent{
		EventType: ActivityEventRoleAssigned,
		UserID:    user.ID.String(),
		ToStatus:  role.Name,
	})

	return user, nil
}

// RemoveRole takes the role away from the user. Quotas are left as they are.
func (s *Administration) RemoveRole(ctx context.Context, userID uuid.UUID, roleName string) error {
	return s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		user, err := findUserTx(ctx, tx, s.repo, userID)
		if err != nil {
			return err
		}

		role, err := findRoleTx(ctx, tx, s.repo, roleName)
		if err != nil {
			return err
		}

		removed, err := s.repo.Roles().RevokeTx(ctx, tx, user.ID, role.ID)
		if err != nil {
			return internalError(err, "failed to remove role")
		}
		if !removed {
			return withMetadata(ErrRoleNotAssigned, map[string]any{
				"user_id": user.ID.String(),
				"role":    role.Name,
			})
		}

		s.recorder().record(ctx, ActivityEvent{
			EventType:  ActivityEventRoleRemoved,
			UserID:     user.ID.String(),
			FromStatus: role.Name,
		})
		return nil
	})
}

// UpdateUserQuotas applies a partial quota override
func (s *Administration) UpdateUserQuotas(ctx context.Context, userID uuid.UUID, update QuotaUpdate) (*User, error) {
	if update.IsEmpty() {
		return nil, ErrNoQuotaValues
	}

	if update.MaxDocumentSizeMB != nil {
		if err := validation.Validate(*update.MaxDocumentSizeMB, validation.Required, validation.Min(1)); err != nil {
			return nil, goerrors.Wrap(err, goerrors.CategoryValidation, "invalid max document size")
		}
	}

	var user *User
	err := s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		user, err = findUserTx(ctx, tx, s.repo, userID)
		if err != nil {
			return err
		}

		update.apply(user)
		if err := s.repo.Users().UpdateQuotasTx(ctx, tx, user); err != nil {
			return internalError(err, "failed to update user quotas")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// CreateRole adds a role to the catalog. The max document size defaults
// to 10MB when not set.
func (s *Administration) CreateRole(ctx context.Context, req RoleRequest) (*Role, error) {
	req.Name = strings.TrimSpace(req.Name)
	if err := req.Validate(); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryValidation, "invalid role request")
	}

	size := req.DefaultMaxDocumentSizeMB
	if size == nil {
		size = intPtr(defaultMaxDocumentSizeMB)
	}

	var role *Role
	err := s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := s.repo.Roles().FindByNameTx(ctx, tx, req.Name); err == nil {
			return withMetadata(ErrRoleAlreadyExists, map[string]any{"role": req.Name})
		} else if !isNotFound(err) {
			return internalError(err, "failed to look up role")
		}

		var err error
		role, err = s.repo.Roles().CreateTx(ctx, tx, &Role{
			ID:                        uuid.New(),
			Name:                      req.Name,
			Description:               req.Description,
			DefaultDailyQueryLimit:    req.DefaultDailyQueryLimit,
			DefaultMonthlyQueryLimit:  req.DefaultMonthlyQueryLimit,
			DefaultDailyDocumentLimit: req.DefaultDailyDocumentLimit,
			DefaultMaxDocumentSizeMB:  size,
			CreatedAt:                 s.now(),
		})
		if err != nil {
			return internalError(err, "failed to create role")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return role, nil
}

// ListRoles pages through the catalog ordered by name. A limit of zero
// or less uses the default page size.
func (s *Administration) ListRoles(ctx context.Context, offset, limit int) ([]*Role, int, error) {
	if limit <= 0 {
		limit = defaultRolePageSize
	}
	if offset < 0 {
		offset = 0
	}

	records, total, err := s.repo.Roles().ListTx(ctx, s.repo.DB(),
		repository.SelectOrderAsc("name"),
		repository.SelectPaginate(limit, offset),
	)
	if err != nil {
		return nil, 0, internalError(err, "failed to list roles")
	}
	return records, total, nil
}

// GetOrganization returns the organization when the requester belongs to
// it or holds a privileged role.
func (s *Administration) GetOrganization(ctx context.Context, requesterID, orgID uuid.UUID) (*Organization, error) {
	var org *Organization
	err := s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		requester, err := s.requesterTx(ctx, tx, requesterID)
		if err != nil {
			return err
		}

		org, err = findOrganizationTx(ctx, tx, s.repo, orgID)
		if err != nil {
			return err
		}

		if requester.IsPrivileged() {
			return nil
		}
		if requester.OrganizationID != nil && *requester.OrganizationID == org.ID {
			return nil
		}
		if _, err := s.repo.Members().FindTx(ctx, tx, requester.ID, org.ID); err == nil {
			return nil
		} else if !isNotFound(err) {
			return internalError(err, "failed to look up membership")
		}
		return organizationAccessDenied(requester.ID, org.ID)
	})
	if err != nil {
		return nil, err
	}
	return org, nil
}

// UpdateOrganization applies a partial change. Only the owner or a
// privileged user may update an organization.
func (s *Administration) UpdateOrganization(ctx context.Context, requesterID, orgID uuid.UUID, update OrganizationUpdate) (*Organization, error) {
	if update.Name != nil {
		name := strings.TrimSpace(*update.Name)
		if err := validation.Validate(name, validation.Required, validation.Length(1, 255)); err != nil {
			return nil, goerrors.Wrap(err, goerrors.CategoryValidation, "invalid organization name")
		}
		update.Name = &name
	}

	var org *Organization
	err := s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		requester, err := s.requesterTx(ctx, tx, requesterID)
		if err != nil {
			return err
		}

		org, err = findOrganizationTx(ctx, tx, s.repo, orgID)
		if err != nil {
			return err
		}

		isOwner := org.OwnerID != nil && *org.OwnerID == requester.ID
		if !isOwner && !requester.IsPrivileged() {
			return organizationAccessDenied(requester.ID, org.ID)
		}

		if update.Name != nil {
			org.Name = *update.Name
		}
		if update.IsActive != nil {
			org.IsActive = *update.IsActive
		}
		if err := s.repo.Organizations().SaveDetailsTx(ctx, tx, org); err != nil {
			return internalError(err, "failed to update organization")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return org, nil
}

// OrganizationStats reports member count and usage totals
func (s *Administration) OrganizationStats(ctx context.Context, orgID uuid.UUID) (*OrganizationStats, error) {
	db := s.repo.DB()
	if _, err := findOrganizationTx(ctx, db, s.repo, orgID); err != nil {
		return nil, err
	}

	members, err := s.repo.Members().CountByOrganizationTx(ctx, db, orgID)
	if err != nil {
		return nil, internalError(err, "failed to count members")
	}

	queries, documents, err := s.repo.Users().UsageTotalsForOrganizationTx(ctx, db, orgID)
	if err != nil {
		return nil, internalError(err, "failed to sum organization usage")
	}

	return &OrganizationStats{
		OrganizationID:         orgID,
		TotalMembers:           members,
		TotalQueriesUsed:       queries,
		TotalDocumentsUploaded: documents,
	}, nil
}

// UpdateProfile changes the user's names and email. An email already used
// by another account is rejected.
func (s *Administration) UpdateProfile(ctx context.Context, userID uuid.UUID, update ProfileUpdate) (*User, error) {
	if update.Email != nil {
		email := normalizeEmail(*update.Email)
		update.Email = &email
	}
	if err := update.Validate(); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryValidation, "invalid profile update")
	}

	var user *User
	err := s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		user, err = findUserTx(ctx, tx, s.repo, userID)
		if err != nil {
			return err
		}

		if update.Email != nil && *update.Email != user.Email {
			if _, err := s.repo.Users().FindByEmailTx(ctx, tx, *update.Email); err == nil {
				return withMetadata(ErrEmailAlreadyRegistered, map[string]any{"email": *update.Email})
			} else if !isNotFound(err) {
				return internalError(err, "failed to look up email")
			}
			user.Email = *update.Email
		}
		if update.FirstName != nil {
			user.FirstName = strings.TrimSpace(*update.FirstName)
		}
		if update.LastName != nil {
			user.LastName = strings.TrimSpace(*update.LastName)
		}

		if err := s.repo.Users().UpdateProfileTx(ctx, tx, user); err != nil {
			return internalError(err, "failed to update profile")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// DeleteUser removes the account together with its roles, memberships,
// tokens, usage history and UETS links.
func (s *Administration) DeleteUser(ctx context.Context, userID uuid.UUID) error {
	err := s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := s.repo.Users().PurgeTx(ctx, tx, userID); err != nil {
			if isNotFound(err) {
				return withMetadata(ErrUserNotFound, map[string]any{"user_id": userID.String()})
			}
			return internalError(err, "failed to delete user")
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("deleted user %s", userID)
	s.recorder().record(ctx, ActivityEvent{
		EventType: ActivityEventUserDeleted,
		UserID:    userID.String(),
	})
	return nil
}

func (s *Administration) requesterTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*User, error) {
	user, err := findUserTx(ctx, tx, s.repo, id)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Users().LoadRolesTx(ctx, tx, user); err != nil {
		return nil, internalError(err, "failed to load user roles")
	}
	return user, nil
}

func organizationAccessDenied(userID, orgID uuid.UUID) error {
	return withMetadata(ErrOrganizationAccessDenied, map[string]any{
		"user_id":         userID.String(),
		"organization_id": orgID.String(),
	})
}

// CreateOrganization creates an organization owned by the user registered
// under OwnerEmail. The owner gets a primary membership and the owner role.
func (s *Administration) CreateOrganization(ctx context.Context, req OrganizationRequest) (*Organization, error) {
	if err := req.Validate(); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryValidation, "invalid organization request")
	}

	var org *Organization
	err := s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		owner, err := s.repo.Users().FindByEmailTx(ctx, tx, req.OwnerEmail)
		if err != nil {
			if isNotFound(err) {
				return withMetadata(ErrUserNotFound, map[string]any{"email": normalizeEmail(req.OwnerEmail)})
			}
			return internalError(err, "failed to look up owner")
		}

		if _, err := s.repo.Organizations().FindByOwnerTx(ctx, tx, owner.ID); err == nil {
			return withMetadata(ErrAlreadyOwnsOrganization, map[string]any{"user_id": owner.ID.String()})
		} else if !isNotFound(err) {
			return internalError(err, "failed to look up owned organization")
		}

		role, err := findRoleTx(ctx, tx, s.repo, RoleOwner)
		if err != nil {
			return err
		}

		now := s.now()
		org, err = s.repo.Organizations().InsertTx(ctx, tx, &Organization{
			Name:      strings.TrimSpace(req.Name),
			OwnerID:   &owner.ID,
			Type:      req.Type,
			Size:      req.Size,
			IsActive:  true,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return internalError(err, "failed to create organization")
		}

		if err := s.repo.Members().ClearPrimaryTx(ctx, tx, owner.ID); err != nil {
			return internalError(err, "failed to clear primary membership")
		}

		member := &OrganizationMember{
			UserID:         owner.ID,
			OrganizationID: org.ID,
			Role:           RoleOwner,
			IsPrimary:      true,
			JoinedAt:       now,
		}
		if err := s.repo.Members().InsertTx(ctx, tx, member); err != nil {
			return internalError(err, "failed to add organization owner")
		}

		if err := s.repo.Users().SetOrganizationTx(ctx, tx, owner.ID, &org.ID); err != nil {
			return internalError(err, "failed to set user organization")
		}
		owner.OrganizationID = &org.ID

		if err := replaceRolesTx(ctx, tx, s.repo, owner, role, &org.ID, now, s.cfg.Quotas.DefaultMaxDocumentSizeMB); err != nil {
			return err
		}

		s.recorder().record(ctx, ActivityEvent{
			EventType:      ActivityEventOrganizationCreated,
			UserID:         owner.ID.String(),
			OrganizationID: org.ID.String(),
			Metadata:       map[string]any{"name": org.Name},
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return org, nil
}

// LinkUetsAccount links an external account name to a member. Linking
// the same name twice returns created=false.
func (s *Administration) LinkUetsAccount(ctx context.Context, orgID, userID uuid.UUID, name string) (*UetsAccount, bool, error) {
	name = strings.TrimSpace(name)
	if err := validation.Validate(name, validation.Required, validation.Length(1, 255)); err != nil {
		return nil, false, goerrors.Wrap(err, goerrors.CategoryValidation, "invalid uets account name")
	}

	acc := &UetsAccount{
		OrganizationID:  orgID,
		UserID:          userID,
		UetsAccountName: name,
		CreatedAt:       s.now(),
	}

	var created bool
	err := s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := s.repo.Members().FindTx(ctx, tx, userID, orgID); err != nil {
			if isNotFound(err) {
				return withMetadata(ErrMembershipNotFound, map[string]any{
					"user_id":         userID.String(),
					"organization_id": orgID.String(),
				})
			}
			return internalError(err, "failed to look up membership")
		}

		var err error
		created, err = s.repo.UetsAccounts().InsertTx(ctx, tx, acc)
		if err != nil {
			return internalError(err, "failed to link uets account")
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return acc, created, nil
}

// UnlinkUetsAccount removes a link, reporting whether one existed
func (s *Administration) UnlinkUetsAccount(ctx context.Context, orgID, userID uuid.UUID, name string) (bool, error) {
	deleted, err := s.repo.UetsAccounts().DeleteTx(ctx, s.repo.DB(), orgID, userID, strings.TrimSpace(name))
	if err != nil {
		return false, internalError(err, "failed to unlink uets account")
	}
	return deleted, nil
}

func (s *Administration) ListUetsAccounts(ctx context.Context, userID uuid.UUID) ([]*UetsAccount, error) {
	accounts, err := s.repo.UetsAccounts().ListByUserTx(ctx, s.repo.DB(), userID)
	if err != nil {
		return nil, internalError(err, "failed to list uets accounts")
	}
	return accounts, nil
}
