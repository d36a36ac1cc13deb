package auth

import (
	"context"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Organizations is the tenant repository
type Organizations interface {
	repository.Repository[*Organization]

	FindByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*Organization, error)
	FindByOwnerTx(ctx context.Context, tx bun.IDB, ownerID uuid.UUID) (*Organization, error)
	InsertTx(ctx context.Context, tx bun.IDB, org *Organization) (*Organization, error)
	SaveDetailsTx(ctx context.Context, tx bun.IDB, org *Organization) error
}

type organizations struct {
	repository.Repository[*Organization]
}

var _ Organizations = (*organizations)(nil)

func NewOrganizationsRepository(db *bun.DB) Organizations {
	repo := repository.NewRepository[*Organization](db, repository.ModelHandlers[*Organization]{
		NewRecord: func() *Organization { return &Organization{} },
		GetID: func(o *Organization) uuid.UUID {
			if o == nil {
				return uuid.Nil
			}
			return o.ID
		},
		SetID: func(o *Organization, id uuid.UUID) {
			if o != nil {
				o.ID = id
			}
		},
		GetIdentifier: func() string {
			return "name"
		},
	})
	return &organizations{Repository: repo}
}

func (o *organizations) FindByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*Organization, error) {
	record := &Organization{}
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

func (o *organizations) FindByOwnerTx(ctx context.Context, tx bun.IDB, ownerID uuid.UUID) (*Organization, error) {
	record := &Organization{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.owner_id = ?", ownerID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, map[string]any{"owner_id": ownerID.String()})
	}
	return record, nil
}

func (o *organizations) InsertTx(ctx context.Context, tx bun.IDB, org *Organization) (*Organization, error) {
	if org.ID == uuid.Nil {
		org.ID = uuid.New()
	}
	now := utcNow()
	if org.CreatedAt.IsZero() {
		org.CreatedAt = now
	}
	if org.UpdatedAt.IsZero() {
		org.UpdatedAt = now
	}
	return o.Repository.CreateTx(ctx, tx, org)
}

// SaveDetailsTx writes the editable columns, false values included
func (o *organizations) SaveDetailsTx(ctx context.Context, tx bun.IDB, org *Organization) error {
	org.UpdatedAt = utcNow()
	res, err := tx.NewUpdate().
		Model(org).
		Column("name", "is_active", "updated_at").
		WherePK().
		Exec(ctx)
	if err != nil {
		return err
	}
	if rowsAffected(res) == 0 {
		return repository.NewRecordNotFound().WithMetadata(map[string]any{"id": org.ID.String()})
	}
	return nil
}

// MemberStore persists organization memberships
type MemberStore struct{}

func (MemberStore) InsertTx(ctx context.Context, tx bun.IDB, m *OrganizationMember) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	_, err := tx.NewInsert().Model(m).Exec(ctx)
	return err
}

func (MemberStore) FindTx(ctx context.Context, tx bun.IDB, userID, orgID uuid.UUID) (*OrganizationMember, error) {
	record := &OrganizationMember{}
	err := tx.NewSelect().
		Model(record).
		Where("user_id = ?", userID).
		Where("organization_id = ?", orgID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, map[string]any{"user_id": userID.String(), "organization_id": orgID.String()})
	}
	return record, nil
}

func (MemberStore) FindPrimaryTx(ctx context.Context, tx bun.IDB, userID uuid.UUID) (*OrganizationMember, error) {
	record := &OrganizationMember{}
	err := tx.NewSelect().
		Model(record).
		Where("user_id = ?", userID).
		Where("is_primary = ?", true).
		OrderExpr("joined_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, map[string]any{"user_id": userID.String()})
	}
	return record, nil
}

func (MemberStore) ListByUserTx(ctx context.Context, tx bun.IDB, userID uuid.UUID) ([]*OrganizationMember, error) {
	var records []*OrganizationMember
	err := tx.NewSelect().
		Model(&records).
		Where("user_id = ?", userID).
		OrderExpr("is_primary DESC, joined_at ASC").
		Scan(ctx)
	return records, err
}

func (MemberStore) ListByOrganizationTx(ctx context.Context, tx bun.IDB, orgID uuid.UUID) ([]*OrganizationMember, error) {
	var records []*OrganizationMember
	err := tx.NewSelect().
		Model(&records).
		Where("organization_id = ?", orgID).
		OrderExpr("joined_at ASC").
		Scan(ctx)
	return records, err
}

func (MemberStore) CountByOrganizationTx(ctx context.Context, tx bun.IDB, orgID uuid.UUID) (int, error) {
	return tx.NewSelect().
		Model((*OrganizationMember)(nil)).
		Where("organization_id = ?", orgID).
		Count(ctx)
}

func (MemberStore) CountPrimaryTx(ctx context.Context, tx bun.IDB, userID uuid.UUID) (int, error) {
	return tx.NewSelect().
		Model((*OrganizationMember)(nil)).
		Where("user_id = ?", userID).
		Where("is_primary = ?", true).
		Count(ctx)
}

func (MemberStore) ClearPrimaryTx(ctx context.Context, tx bun.IDB, userID uuid.UUID) error {
	_, err := tx.NewUpdate().
		Model((*OrganizationMember)(nil)).
		Set("is_primary = ?", false).
		Where("user_id = ?", userID).
		Exec(ctx)
	return err
}

func (MemberStore) SetPrimaryTx(ctx context.Context, tx bun.IDB, userID, orgID uuid.UUID) (bool, error) {
	res, err := tx.NewUpdate().
		Model((*OrganizationMember)(nil)).
		Set("is_primary = ?", true).
		Where("user_id = ?", userID).
		Where("organization_id = ?", orgID).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	return rowsAffected(res) > 0, nil
}

func (MemberStore) UpdateRoleTx(ctx context.Context, tx bun.IDB, userID, orgID uuid.UUID, role string) (bool, error) {
	res, err := tx.NewUpdate().
		Model((*OrganizationMember)(nil)).
		Set("role = ?", role).
		Where("user_id = ?", userID).
		Where("organization_id = ?", orgID).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	return rowsAffected(res) > 0, nil
}

func (MemberStore) DeleteTx(ctx context.Context, tx bun.IDB, userID, orgID uuid.UUID) (bool, error) {
	res, err := tx.NewDelete().
		Model((*OrganizationMember)(nil)).
		Where("user_id = ?", userID).
		Where("organization_id = ?", orgID).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	return rowsAffected(res) > 0, nil
}

// InvitationStore persists invitations
type InvitationStore struct{}

func (InvitationStore) InsertTx(ctx context.Context, tx bun.IDB, inv *Invitation) error {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	_, err := tx.NewInsert().Model(inv).Exec(ctx)
	return err
}

func (InvitationStore) FindByTokenTx(ctx context.Context, tx bun.IDB, token string) (*Invitation, error) {
	record := &Invitation{}
	err := tx.NewSelect().
		Model(record).
		Where("token = ?", token).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, map[string]any{"token": "redacted"})
	}
	return record, nil
}

func (InvitationStore) FindByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*Invitation, error) {
	record := &Invitation{}
	err := tx.NewSelect().
		Model(record).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, map[string]any{"id": id.String()})
	}
	return record, nil
}

// FindPendingTx returns the pending invitation for (email, org), if any
func (InvitationStore) FindPendingTx(ctx context.Context, tx bun.IDB, email string, orgID uuid.UUID) (*Invitation, error) {
	record := &Invitation{}
	err := tx.NewSelect().
		Model(record).
		Where("email = ?", normalizeEmail(email)).
		Where("organization_id = ?", orgID).
		Where("status = ?", InvitationPending).
		OrderExpr("created_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, map[string]any{"email": email, "organization_id": orgID.String()})
	}
	return record, nil
}

func (InvitationStore) ListByOrganizationTx(ctx context.Context, tx bun.IDB, orgID uuid.UUID, status InvitationStatus) ([]*Invitation, error) {
	var records []*Invitation
	q := tx.NewSelect().
		Model(&records).
		Where("organization_id = ?", orgID).
		OrderExpr("created_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	err := q.Scan(ctx)
	return records, err
}

// TransitionTx moves a pending invitation to a new status. It reports
// false when the row was no longer pending.
func (InvitationStore) TransitionTx(ctx context.Context, tx bun.IDB, inv *Invitation) (bool, error) {
	res, err := tx.NewUpdate().
		Model((*Invitation)(nil)).
		Set("status = ?", inv.Status).
		Set("accepted_at = ?", inv.AcceptedAt).
		Where("id = ?", inv.ID).
		Where("status = ?", InvitationPending).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	return rowsAffected(res) > 0, nil
}

// ExpirePendingTx moves every pending invitation past its expiry to expired
func (InvitationStore) ExpirePendingTx(ctx context.Context, tx bun.IDB, now time.Time) (int, error) {
	res, err := tx.NewUpdate().
		Model((*Invitation)(nil)).
		Set("status = ?", InvitationExpired).
		Where("status = ?", InvitationPending).
		Where("expires_at <= ?", now).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res), nil
}

// UetsAccountStore persists UETS account links
type UetsAccountStore struct{}

// InsertTx reports false when the link already existed
func (UetsAccountStore) InsertTx(ctx context.Context, tx bun.IDB, acc *UetsAccount) (bool, error) {
	res, err := tx.NewInsert().
		Model(acc).
		On("CONFLICT DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, err
	}
	return rowsAffected(res) > 0, nil
}

func (UetsAccountStore) ListByUserTx(ctx context.Context, tx bun.IDB, userID uuid.UUID) ([]*UetsAccount, error) {
	var records []*UetsAccount
	err := tx.NewSelect().
		Model(&records).
		Where("user_id = ?", userID).
		OrderExpr("uets_account_name ASC").
		Scan(ctx)
	return records, err
}

func (UetsAccountStore) DeleteTx(ctx context.Context, tx bun.IDB, orgID, userID uuid.UUID, name string) (bool, error) {
	res, err := tx.NewDelete().
		Model((*UetsAccount)(nil)).
		Where("organization_id = ?", orgID).
		Where("user_id = ?", userID).
		Where("uets_account_name = ?", name).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	return rowsAffected(res) > 0, nil
}
