package auth

import (
	"context"
	"errors"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// AcceptResult is the outcome of accepting an invitation
type AcceptResult struct {
	Invitation *Invitation
	Membership *OrganizationMember
	User       *User
	// PendingRegistration is set when no account exists for the invited
	// email yet. The invitation stays pending.
	PendingRegistration bool
}

// InvitationRequest describes a single invitation
type InvitationRequest struct {
	Email          string
	OrganizationID uuid.UUID
	InvitedByID    *uuid.UUID
	Role           string
	TTL            time.Duration
}

// Validate checks the request before anything is written
func (r InvitationRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
		validation.Field(&r.OrganizationID, validation.By(requireUUID)),
		validation.Field(&r.TTL, validation.Min(time.Duration(0))),
	)
}

func requireUUID(value any) error {
	if id, ok := value.(uuid.UUID); ok && id == uuid.Nil {
		return errors.New("cannot be blank")
	}
	return nil
}

// Memberships manages organization membership, the primary organization
// and invitations.
type Memberships struct {
	repo    RepositoryManager
	cfg     Config
	machine InvitationStateMachine
	mailer  *EmailDispatcher
	serviceDeps
}

// NewMemberships wires the membership service. mailer may be nil.
func NewMemberships(repo RepositoryManager, cfg Config, mailer *EmailDispatcher, opts ...ServiceOption) *Memberships {
	deps := buildServiceDeps(opts)
	return &Memberships{
		repo: repo,
		cfg:  cfg,
		machine: NewInvitationStateMachine(repo.Invitations(),
			WithStateMachineClock(deps.now),
			WithStateMachineActivitySink(deps.activity),
			WithStateMachineLogger(deps.logger),
		),
		mailer:      mailer,
		serviceDeps: deps,
	}
}

// StateMachine exposes the invitation state machine
func (s *Memberships) StateMachine() InvitationStateMachine {
	return s.machine
}

// checkInvitationUsable maps a non acceptable invitation to its error
func checkInvitationUsable(inv *Invitation, now time.Time) error {
	meta := map[string]any{"invitation_id": inv.ID.String()}
	switch inv.Status {
	case InvitationAccepted:
		return withMetadata(ErrInvitationAccepted, meta)
	case InvitationRevoked:
		return withMetadata(ErrInvitationRevoked, meta)
	case InvitationExpired:
		return withMetadata(ErrInvitationExpired, meta)
	}
	if inv.IsExpired(now) {
		return withMetadata(ErrInvitationExpired, meta)
	}
	return nil
}

func (s *Memberships) findInvitationByTokenTx(ctx context.Context, tx bun.IDB, token string) (*Invitation, error) {
	inv, err := s.repo.Invitations().FindByTokenTx(ctx, tx, token)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrInvitationNotFound
		}
		return nil, internalError(err, "failed to look up invitation")
	}
	return inv, nil
}

// AcceptInvitation accepts the invitation for the account registered
// under the invited email.
func (s *Memberships) AcceptInvitation(ctx context.Context, token string) (*AcceptResult, error) {
	result := &AcceptResult{}

	err := s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		inv, err := s.findInvitationByTokenTx(ctx, tx, token)
		if err != nil {
			return err
		}
		result.Invitation = inv

		if err := checkInvitationUsable(inv, s.now()); err != nil {
			return err
		}

		user, err := s.repo.Users().FindByEmailTx(ctx, tx, inv.Email)
		if err != nil {
			if isNotFound(err) {
				result.PendingRegistration = true
				return nil
			}
			return internalError(err, "failed to look up invited user")
		}

		member, err := s.acceptTx(ctx, tx, user, inv)
		if err != nil {
			return err
		}

		result.User = user
		result.Membership = member
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// AcceptPendingForUser accepts an invitation for a user created in the
// same transaction, typically right after registration.
func (s *Memberships) AcceptPendingForUser(ctx context.Context, tx bun.IDB, user *User, token string) (*Invitation, error) {
	inv, err := s.findInvitationByTokenTx(ctx, tx, token)
	if err != nil {
		return nil, err
	}

	if err := checkInvitationUsable(inv, s.now()); err != nil {
		return nil, err
	}

	if normalizeEmail(inv.Email) != normalizeEmail(user.Email) {
		return nil, withMetadata(ErrInvitationNotFound, map[string]any{
			"reason": "invitation was issued for a different email",
		})
	}

	if _, err := s.acceptTx(ctx, tx, user, inv); err != nil {
		return nil, err
	}

	return inv, nil
}

func (s *Memberships) acceptTx(ctx context.Context, tx bun.IDB, user *User, inv *Invitation) (*OrganizationMember, error) {
	now := s.now()

	member, err := s.repo.Members().FindTx(ctx, tx, user.ID, inv.OrganizationID)
	switch {
	case err == nil:
	case isNotFound(err):
		member, err = s.addMemberTx(ctx, tx, user, inv.OrganizationID, inv.Role)
		if err != nil {
			return nil, err
		}
	default:
		return nil, internalError(err, "failed to look up membership")
	}

	// A role deleted after the invitation was sent leaves the user's roles
	// untouched. The membership is still granted.
	role, err := findRoleTx(ctx, tx, s.repo, inv.Role)
	switch {
	case err == nil:
		orgID := inv.OrganizationID
		if err := replaceRolesTx(ctx, tx, s.repo, user, role, &orgID, now, s.cfg.Quotas.DefaultMaxDocumentSizeMB); err != nil {
			return nil, err
		}
	case MatchError(err, ErrRoleNotFound):
		s.logger.Warn("invitation %s references unknown role %q, roles left unchanged", inv.ID, inv.Role)
	default:
		return nil, err
	}

	if _, err := s.machine.Transition(ctx, tx, ActorRef{ID: user.ID.String(), Type: ActorTypeUser}, inv, InvitationAccepted,
		WithTransitionReason("invitation accepted"),
	); err != nil {
		return nil, err
	}

	return member, nil
}

// addMemberTx inserts the membership. It becomes primary when the user
// has no primary membership yet, and is then mirrored onto the user.
func (s *Memberships) addMemberTx(ctx context.Context, tx bun.IDB, user *User, orgID uuid.UUID, role string) (*OrganizationMember, error) {
	primaries, err := s.repo.Members().CountPrimaryTx(ctx, tx, user.ID)
	if err != nil {
		return nil, internalError(err, "failed to count primary memberships")
	}

	if role == "" {
		role = s.cfg.Invitations.DefaultRole
	}

	member := &OrganizationMember{
		UserID:         user.ID,
		OrganizationID: orgID,
		Role:           role,
		IsPrimary:      primaries == 0,
		JoinedAt:       s.now(),
	}
	if err := s.repo.Members().InsertTx(ctx, tx, member); err != nil {
		return nil, internalError(err, "failed to add organization member")
	}

	if member.IsPrimary {
		if err := s.repo.Users().SetOrganizationTx(ctx, tx, user.ID, &orgID); err != nil {
			return nil, internalError(err, "failed to set user organization")
		}
		user.OrganizationID = &orgID
	}

	s.recorder().record(ctx, ActivityEvent{
		EventType:      ActivityEventMembershipChanged,
		UserID:         user.ID.String(),
		OrganizationID: orgID.String(),
		ToStatus:       "member",
		Metadata:       map[string]any{"role": role, "is_primary": member.IsPrimary},
	})

	return member, nil
}

// SetPrimaryOrganization makes orgID the user's only primary membership
func (s *Memberships) SetPrimaryOrganization(ctx context.Context, userID, orgID uuid.UUID) error {
	return s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := s.repo.Members().FindTx(ctx, tx, userID, orgID); err != nil {
			if isNotFound(err) {
				return withMetadata(ErrMembershipNotFound, map[string]any{
					"user_id":         userID.String(),
					"organization_id": orgID.String(),
				})
			}
			return internalError(err, "failed to look up membership")
		}

		if err := s.repo.Members().ClearPrimaryTx(ctx, tx, userID); err != nil {
			return internalError(err, "failed to clear primary membership")
		}

		if _, err := s.repo.Members().SetPrimaryTx(ctx, tx, userID, orgID); err != nil {
			return internalError(err, "failed to set primary membership")
		}

		if err := s.repo.Users().SetOrganizationTx(ctx, tx, userID, &orgID); err != nil {
			return internalError(err, "failed to set user organization")
		}
		return nil
	})
}

// ClearPrimary removes the primary flag from every membership of the user
func (s *Memberships) ClearPrimary(ctx context.Context, userID uuid.UUID) error {
	return s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := s.repo.Members().ClearPrimaryTx(ctx, tx, userID); err != nil {
			return internalError(err, "failed to clear primary membership")
		}
		if err := s.repo.Users().SetOrganizationTx(ctx, tx, userID, nil); err != nil {
			if isNotFound(err) {
				return withMetadata(ErrUserNotFound, map[string]any{"user_id": userID.String()})
			}
			return internalError(err, "failed to clear user organization")
		}
		return nil
	})
}

// AddMember adds an existing user to an organization
func (s *Memberships) AddMember(ctx context.Context, orgID, userID uuid.UUID, role string) (*OrganizationMember, error) {
	var member *OrganizationMember
	err := s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := findOrganizationTx(ctx, tx, s.repo, orgID); err != nil {
			return err
		}

		user, err := findUserTx(ctx, tx, s.repo, userID)
		if err != nil {
			return err
		}

		if _, err := s.repo.Members().FindTx(ctx, tx, userID, orgID); err == nil {
			return withMetadata(ErrAlreadyMember, map[string]any{
				"user_id":         userID.String(),
				"organization_id": orgID.String(),
			})
		} else if !isNotFound(err) {
			return internalError(err, "failed to look up membership")
		}

		member, err = s.addMemberTx(ctx, tx, user, orgID, role)
		return err
	})
	if err != nil {
		return nil, err
	}
	return member, nil
}

// RemoveMember deletes the membership. Removing the primary membership
// also clears the user's organization.
func (s *Memberships) RemoveMember(ctx context.Context, orgID, userID uuid.UUID) error {
	return s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		member, err := s.repo.Members().FindTx(ctx, tx, userID, orgID)
		if err != nil {
			if isNotFound(err) {
				return withMetadata(ErrMembershipNotFound, map[string]any{
					"user_id":         userID.String(),
					"organization_id": orgID.String(),
				})
			}
			return internalError(err, "failed to look up membership")
		}

		if _, err := s.repo.Members().DeleteTx(ctx, tx, userID, orgID); err != nil {
			return internalError(err, "failed to remove organization member")
		}

		if member.IsPrimary {
			if err := s.repo.Users().SetOrganizationTx(ctx, tx, userID, nil); err != nil && !isNotFound(err) {
				return internalError(err, "failed to clear user organization")
			}
		}

		s.recorder().record(ctx, ActivityEvent{
			EventType:      ActivityEventMembershipChanged,
			UserID:         userID.String(),
			OrganizationID: orgID.String(),
			FromStatus:     "member",
			Metadata:       map[string]any{"was_primary": member.IsPrimary},
		})
		return nil
	})
}

// UpdateMemberRole changes the organization scoped role label
func (s *Memberships) UpdateMemberRole(ctx context.Context, orgID, userID uuid.UUID, role string) error {
	if err := validation.Validate(role, validation.Required, validation.Length(1, 50)); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryValidation, "invalid member role")
	}

	ok, err := s.repo.Members().UpdateRoleTx(ctx, s.repo.DB(), userID, orgID, role)
	if err != nil {
		return internalError(err, "failed to update member role")
	}
	if !ok {
		return withMetadata(ErrMembershipNotFound, map[string]any{
			"user_id":         userID.String(),
			"organization_id": orgID.String(),
		})
	}
	return nil
}

// ListMembers lists the memberships of an organization
func (s *Memberships) ListMembers(ctx context.Context, orgID uuid.UUID) ([]*OrganizationMember, error) {
	members, err := s.repo.Members().ListByOrganizationTx(ctx, s.repo.DB(), orgID)
	if err != nil {
		return nil, internalError(err, "failed to list members")
	}
	return members, nil
}

// ListUserMemberships lists the memberships of a user, primary first
func (s *Memberships) ListUserMemberships(ctx context.Context, userID uuid.UUID) ([]*OrganizationMember, error) {
	members, err := s.repo.Members().ListByUserTx(ctx, s.repo.DB(), userID)
	if err != nil {
		return nil, internalError(err, "failed to list memberships")
	}
	return members, nil
}

// CreateInvitation creates a pending invitation. When one is already
// pending for (email, organization) it is returned with created=false.
func (s *Memberships) CreateInvitation(ctx context.Context, req InvitationRequest) (*Invitation, bool, error) {
	if err := req.Validate(); err != nil {
		return nil, false, goerrors.Wrap(err, goerrors.CategoryValidation, "invalid invitation request")
	}

	var (
		inv     *Invitation
		created bool
		org     *Organization
	)

	err := s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		org, err = findOrganizationTx(ctx, tx, s.repo, req.OrganizationID)
		if err != nil {
			return err
		}
		inv, created, err = s.createInvitationTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, false, err
	}

	if created {
		s.mailer.SendInvitation(inv, org.Name)
	}

	return inv, created, nil
}

func (s *Memberships) createInvitationTx(ctx context.Context, tx bun.IDB, req InvitationRequest) (*Invitation, bool, error) {
	email := normalizeEmail(req.Email)
	now := s.now()

	role := req.Role
	if role == "" {
		role = s.cfg.Invitations.DefaultRole
	}
	if _, err := findRoleTx(ctx, tx, s.repo, role); err != nil {
		return nil, false, err
	}

	existing, err := s.repo.Invitations().FindPendingTx(ctx, tx, email, req.OrganizationID)
	switch {
	case err == nil:
		if !existing.IsExpired(now) {
			return existing, false, nil
		}
		if _, err := s.machine.Transition(ctx, tx, ActorRef{Type: ActorTypeSystem}, existing, InvitationExpired,
			WithTransitionReason("superseded by a new invitation"),
		); err != nil {
			return nil, false, err
		}
	case !isNotFound(err):
		return nil, false, internalError(err, "failed to look up pending invitation")
	}

	ttl := req.TTL
	if ttl == 0 {
		ttl = s.cfg.Invitations.TTL
	}

	inv := &Invitation{
		Email:          email,
		OrganizationID: req.OrganizationID,
		InvitedByID:    req.InvitedByID,
		Role:           role,
		Token:          uuid.NewString(),
		Status:         InvitationPending,
		ExpiresAt:      now.Add(ttl),
		CreatedAt:      now,
	}
	if err := s.repo.Invitations().InsertTx(ctx, tx, inv); err != nil {
		return nil, false, internalError(err, "failed to create invitation")
	}

	actor := ActorRef{Type: ActorTypeSystem}
	if req.InvitedByID != nil {
		actor = ActorRef{ID: req.InvitedByID.String(), Type: ActorTypeUser}
	}
	s.recorder().record(ctx, ActivityEvent{
		EventType:      ActivityEventInvitationCreated,
		Actor:          actor,
		OrganizationID: req.OrganizationID.String(),
		ToStatus:       string(InvitationPending),
		Metadata:       map[string]any{"invitation_id": inv.ID.String(), "email": email, "role": role},
	})

	return inv, true, nil
}

// InviteMany invites several emails at once. Only the organization owner
// or a privileged user may invite. Emails with a pending invitation are
// skipped, and skipping all of them is an error.
func (s *Memberships) InviteMany(ctx context.Context, inviterID, orgID uuid.UUID, emails []string, role string) ([]*Invitation, error) {
	if err := validation.Validate(emails, validation.Required, validation.Each(validation.Required, is.Email)); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryValidation, "invalid invitation emails")
	}

	var (
		created []*Invitation
		org     *Organization
	)

	err := s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		org, err = findOrganizationTx(ctx, tx, s.repo, orgID)
		if err != nil {
			return err
		}

		inviter, err := findUserTx(ctx, tx, s.repo, inviterID)
		if err != nil {
			return err
		}
		if err := s.repo.Users().LoadRolesTx(ctx, tx, inviter); err != nil {
			return internalError(err, "failed to load inviter roles")
		}

		isOwner := org.OwnerID != nil && *org.OwnerID == inviter.ID
		if !isOwner && !inviter.IsPrivileged() {
			return withMetadata(ErrInviteNotAllowed, map[string]any{
				"user_id":         inviterID.String(),
				"organization_id": orgID.String(),
			})
		}

		seen := make(map[string]struct{}, len(emails))
		var skipped []string
		for _, email := range emails {
			email = normalizeEmail(email)
			if _, dup := seen[email]; dup {
				continue
			}
			seen[email] = struct{}{}

			inv, ok, err := s.createInvitationTx(ctx, tx, InvitationRequest{
				Email:          email,
				OrganizationID: orgID,
				InvitedByID:    &inviterID,
				Role:           role,
			})
			if err != nil {
				return err
			}
			if !ok {
				skipped = append(skipped, email)
				continue
			}
			created = append(created, inv)
		}

		if len(created) == 0 {
			return withMetadata(ErrInvitationsAlreadyPending, map[string]any{"skipped": skipped})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, inv := range created {
		s.mailer.SendInvitation(inv, org.Name)
	}

	return created, nil
}

// RevokeInvitation moves a pending invitation to revoked
func (s *Memberships) RevokeInvitation(ctx context.Context, id uuid.UUID) (*Invitation, error) {
	var inv *Invitation
	err := s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		inv, err = s.repo.Invitations().FindByIDTx(ctx, tx, id)
		if err != nil {
			if isNotFound(err) {
				return ErrInvitationNotFound
			}
			return internalError(err, "failed to look up invitation")
		}

		_, err = s.machine.Transition(ctx, tx, ActorFromContext(ctx), inv, InvitationRevoked,
			WithTransitionReason("revoked"),
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// ListInvitations lists the organization's invitations, optionally by status
func (s *Memberships) ListInvitations(ctx context.Context, orgID uuid.UUID, status InvitationStatus) ([]*Invitation, error) {
	invs, err := s.repo.Invitations().ListByOrganizationTx(ctx, s.repo.DB(), orgID, status)
	if err != nil {
		return nil, internalError(err, "failed to list invitations")
	}
	return invs, nil
}

// CleanupExpired moves every pending invitation past its expiry to expired
func (s *Memberships) CleanupExpired(ctx context.Context) (int, error) {
	n, err := s.repo.Invitations().ExpirePendingTx(ctx, s.repo.DB(), s.now())
	if err != nil {
		return 0, internalError(err, "failed to expire invitations")
	}

	if n > 0 {
		s.recorder().record(ctx, ActivityEvent{
			EventType:  ActivityEventInvitationTransition,
			Actor:      ActorRef{Type: ActorTypeSystem},
			FromStatus: string(InvitationPending),
			ToStatus:   string(InvitationExpired),
			Metadata:   map[string]any{"count": n},
		})
	}

	return n, nil
}
