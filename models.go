package auth

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// User is the user model
type User struct {
	bun.BaseModel            `bun:"table:users,alias:usr"`
	ID                       uuid.UUID      `bun:"id,pk,type:uuid" json:"id"`
	Email                    string         `bun:"email,notnull,unique" json:"email"`
	PasswordHash             string         `bun:"password_hash,notnull" json:"-"`
	FirstName                string         `bun:"first_name" json:"first_name,omitempty"`
	LastName                 string         `bun:"last_name" json:"last_name,omitempty"`
	Phone                    string         `bun:"phone_number" json:"phone_number,omitempty"`
	CouponCode               string         `bun:"coupon_code" json:"coupon_code,omitempty"`
	IsActive                 bool           `bun:"is_active,notnull" json:"is_active"`
	IsVerified               bool           `bun:"is_verified,notnull" json:"is_verified"`
	OrganizationID           *uuid.UUID     `bun:"organization_id,type:uuid" json:"organization_id"`
	LastLoginAt              *time.Time     `bun:"last_login_at,nullzero" json:"last_login_at,omitempty"`
	DailyQueryLimit          *int           `bun:"daily_query_limit" json:"daily_query_limit"`
	MonthlyQueryLimit        *int           `bun:"monthly_query_limit" json:"monthly_query_limit"`
	DailyDocumentUploadLimit *int           `bun:"daily_document_upload_limit" json:"daily_document_upload_limit"`
	MaxDocumentSizeMB        int            `bun:"max_document_size_mb,notnull" json:"max_document_size_mb"`
	TotalQueriesUsed         int            `bun:"total_queries_used,notnull" json:"total_queries_used"`
	TotalDocumentsUploaded   int            `bun:"total_documents_uploaded,notnull" json:"total_documents_uploaded"`
	TermsAcceptedAt          *time.Time     `bun:"terms_accepted_at,nullzero" json:"terms_accepted_at,omitempty"`
	PrivacyAcceptedAt        *time.Time     `bun:"privacy_accepted_at,nullzero" json:"privacy_accepted_at,omitempty"`
	Metadata                 map[string]any `bun:"metadata" json:"metadata,omitempty"`
	CreatedAt                time.Time      `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt                time.Time      `bun:"updated_at,notnull" json:"updated_at"`

	Roles []*Role `bun:"-" json:"roles,omitempty"`
}

// RoleNames returns the names of the loaded roles
func (u *User) RoleNames() []string {
	if u == nil {
		return nil
	}
	names := make([]string, 0, len(u.Roles))
	for _, r := range u.Roles {
		if r != nil {
			names = append(names, r.Name)
		}
	}
	return names
}

// HasRole performs a case-insensitive check against loaded roles
func (u *User) HasRole(name string) bool {
	for _, n := range u.RoleNames() {
		if strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}

// FullName joins first and last name
func (u *User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// AddMetadata will append information to a metadata attribute
func (u *User) AddMetadata(key string, val any) *User {
	if u.Metadata == nil {
		u.Metadata = make(map[string]any)
	}
	u.Metadata[key] = val
	return u
}

// Role is a named policy bundle. Default quota values are copied onto a
// user whenever the role is assigned; nil means unlimited.
type Role struct {
	bun.BaseModel             `bun:"table:roles,alias:rl"`
	ID                        uuid.UUID `bun:"id,pk,type:uuid" json:"id"`
	Name                      string    `bun:"name,notnull,unique" json:"name"`
	Description               string    `bun:"description" json:"description,omitempty"`
	DefaultDailyQueryLimit    *int      `bun:"default_daily_query_limit" json:"default_daily_query_limit"`
	DefaultMonthlyQueryLimit  *int      `bun:"default_monthly_query_limit" json:"default_monthly_query_limit"`
	DefaultDailyDocumentLimit *int      `bun:"default_daily_document_limit" json:"default_daily_document_limit"`
	DefaultMaxDocumentSizeMB  *int      `bun:"default_max_document_size_mb" json:"default_max_document_size_mb"`
	CreatedAt                 time.Time `bun:"created_at,notnull" json:"created_at"`

	Permissions []*Permission `bun:"-" json:"permissions,omitempty"`
}

// Permission is a (resource, action) pair, "*" is a wildcard on either side
type Permission struct {
	bun.BaseModel `bun:"table:permissions,alias:perm"`
	ID            uuid.UUID `bun:"id,pk,type:uuid" json:"id"`
	Resource      string    `bun:"resource,notnull,unique:uq_permissions_resource_action" json:"resource"`
	Action        string    `bun:"action,notnull,unique:uq_permissions_resource_action" json:"action"`
	Description   string    `bun:"description" json:"description,omitempty"`
}

// Ref returns the permission key
func (p *Permission) Ref() PermissionRef {
	return PermissionRef{Resource: p.Resource, Action: p.Action}
}

// UserRole associates a user with a global role, optionally scoped to an organization
type UserRole struct {
	bun.BaseModel  `bun:"table:user_roles,alias:ur"`
	UserID         uuid.UUID  `bun:"user_id,pk,type:uuid" json:"user_id"`
	RoleID         uuid.UUID  `bun:"role_id,pk,type:uuid" json:"role_id"`
	OrganizationID *uuid.UUID `bun:"organization_id,type:uuid" json:"organization_id,omitempty"`
	AssignedAt     time.Time  `bun:"assigned_at,notnull" json:"assigned_at"`
}

// RolePermission grants a permission to a role
type RolePermission struct {
	bun.BaseModel `bun:"table:role_permissions,alias:rp"`
	RoleID        uuid.UUID `bun:"role_id,pk,type:uuid" json:"role_id"`
	PermissionID  uuid.UUID `bun:"permission_id,pk,type:uuid" json:"permission_id"`
	GrantedAt     time.Time `bun:"granted_at,notnull" json:"granted_at"`
}

// Organization is the tenant boundary
type Organization struct {
	bun.BaseModel `bun:"table:organizations,alias:org"`
	ID            uuid.UUID  `bun:"id,pk,type:uuid" json:"id"`
	Name          string     `bun:"name,notnull" json:"name"`
	OwnerID       *uuid.UUID `bun:"owner_id,type:uuid" json:"owner_id"`
	Type          string     `bun:"type" json:"type,omitempty"`
	Size          string     `bun:"size" json:"size,omitempty"`
	IsActive      bool       `bun:"is_active,notnull" json:"is_active"`
	CreatedAt     time.Time  `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt     time.Time  `bun:"updated_at,notnull" json:"updated_at"`
}

// OrganizationMember links a user to an organization. Role here is an
// informal, organization scoped label and not a Role row.
type OrganizationMember struct {
	bun.BaseModel  `bun:"table:organization_members,alias:om"`
	ID             uuid.UUID `bun:"id,pk,type:uuid" json:"id"`
	UserID         uuid.UUID `bun:"user_id,notnull,type:uuid,unique:uq_org_members_user_org" json:"user_id"`
	OrganizationID uuid.UUID `bun:"organization_id,notnull,type:uuid,unique:uq_org_members_user_org" json:"organization_id"`
	Role           string    `bun:"role,notnull" json:"role"`
	IsPrimary      bool      `bun:"is_primary,notnull" json:"is_primary"`
	JoinedAt       time.Time `bun:"joined_at,notnull" json:"joined_at"`
}

// InvitationStatus is the invitation lifecycle state
type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
	InvitationExpired  InvitationStatus = "expired"
	InvitationRevoked  InvitationStatus = "revoked"
)

// IsTerminal reports whether no further transition is allowed
func (s InvitationStatus) IsTerminal() bool {
	switch s {
	case InvitationAccepted, InvitationExpired, InvitationRevoked:
		return true
	default:
		return false
	}
}

// Invitation is an offer to join an organization with a given role
type Invitation struct {
	bun.BaseModel  `bun:"table:invitations,alias:inv"`
	ID             uuid.UUID        `bun:"id,pk,type:uuid" json:"id"`
	Email          string           `bun:"email,notnull" json:"email"`
	OrganizationID uuid.UUID        `bun:"organization_id,notnull,type:uuid" json:"organization_id"`
	InvitedByID    *uuid.UUID       `bun:"invited_by_id,type:uuid" json:"invited_by_id,omitempty"`
	Role           string           `bun:"role,notnull" json:"role"`
	Token          string           `bun:"token,notnull,unique" json:"-"`
	Status         InvitationStatus `bun:"status,notnull" json:"status"`
	ExpiresAt      time.Time        `bun:"expires_at,notnull" json:"expires_at"`
	AcceptedAt     *time.Time       `bun:"accepted_at,nullzero" json:"accepted_at,omitempty"`
	CreatedAt      time.Time        `bun:"created_at,notnull" json:"created_at"`
}

// IsExpired reports whether the expiry time has passed
func (i *Invitation) IsExpired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}

// IsValid is true only for pending, unexpired invitations
func (i *Invitation) IsValid(now time.Time) bool {
	return i.Status == InvitationPending && !i.IsExpired(now)
}

// RefreshToken stores the SHA-256 of an issued refresh JWT
type RefreshToken struct {
	bun.BaseModel `bun:"table:refresh_tokens,alias:rt"`
	ID            uuid.UUID  `bun:"id,pk,type:uuid" json:"id"`
	UserID        uuid.UUID  `bun:"user_id,notnull,type:uuid" json:"user_id"`
	TokenHash     string     `bun:"token_hash,notnull,unique" json:"-"`
	ExpiresAt     time.Time  `bun:"expires_at,notnull" json:"expires_at"`
	RevokedAt     *time.Time `bun:"revoked_at,nullzero" json:"revoked_at,omitempty"`
	CreatedAt     time.Time  `bun:"created_at,notnull" json:"created_at"`
}

// IsValid is true when the token is neither expired nor revoked
func (t *RefreshToken) IsValid(now time.Time) bool {
	return t.RevokedAt == nil && now.Before(t.ExpiresAt)
}

// BlacklistedToken records a revoked access token until its own exp
type BlacklistedToken struct {
	bun.BaseModel `bun:"table:blacklisted_tokens,alias:bt"`
	ID            uuid.UUID  `bun:"id,pk,type:uuid" json:"id"`
	TokenHash     string     `bun:"token_hash,notnull,unique" json:"-"`
	UserID        *uuid.UUID `bun:"user_id,type:uuid" json:"user_id,omitempty"`
	ExpiresAt     time.Time  `bun:"expires_at,notnull" json:"expires_at"`
	Reason        string     `bun:"reason" json:"reason,omitempty"`
	CreatedAt     time.Time  `bun:"created_at,notnull" json:"created_at"`
}

// PasswordResetToken stores the SHA-256 of a single use reset token
type PasswordResetToken struct {
	bun.BaseModel `bun:"table:password_reset_tokens,alias:prt"`
	ID            uuid.UUID  `bun:"id,pk,type:uuid" json:"id"`
	UserID        uuid.UUID  `bun:"user_id,notnull,type:uuid" json:"user_id"`
	TokenHash     string     `bun:"token_hash,notnull" json:"-"`
	ExpiresAt     time.Time  `bun:"expires_at,notnull" json:"expires_at"`
	IsUsed        bool       `bun:"is_used,notnull" json:"is_used"`
	UsedAt        *time.Time `bun:"used_at,nullzero" json:"used_at,omitempty"`
	IPAddress     string     `bun:"ip_address" json:"ip_address,omitempty"`
	CreatedAt     time.Time  `bun:"created_at,notnull" json:"created_at"`
}

// IsValid is true for unused, unexpired tokens
func (t *PasswordResetToken) IsValid(now time.Time) bool {
	return !t.IsUsed && now.Before(t.ExpiresAt)
}

// EmailVerification holds a numeric code scoped to an email
type EmailVerification struct {
	bun.BaseModel `bun:"table:email_verifications,alias:ev"`
	ID            uuid.UUID `bun:"id,pk,type:uuid" json:"id"`
	Email         string    `bun:"email,notnull" json:"email"`
	Code          string    `bun:"code,notnull" json:"-"`
	ExpiresAt     time.Time `bun:"expires_at,notnull" json:"expires_at"`
	IsUsed        bool      `bun:"is_used,notnull" json:"is_used"`
	Attempts      int       `bun:"attempts,notnull" json:"attempts"`
	CreatedAt     time.Time `bun:"created_at,notnull" json:"created_at"`
}

// ActivityWatchToken is the long lived device token. It is stored
// encrypted because the plaintext must be returned again on later logins.
type ActivityWatchToken struct {
	bun.BaseModel  `bun:"table:activity_watch_tokens,alias:awt"`
	ID             uuid.UUID  `bun:"id,pk,type:uuid" json:"id"`
	UserID         uuid.UUID  `bun:"user_id,notnull,unique,type:uuid" json:"user_id"`
	EncryptedToken string     `bun:"encrypted_token,notnull" json:"-"`
	LookupTag      string     `bun:"lookup_tag,notnull,unique" json:"-"`
	CreatedAt      time.Time  `bun:"created_at,notnull" json:"created_at"`
	LastUsedAt     *time.Time `bun:"last_used_at,nullzero" json:"last_used_at,omitempty"`
}

// UsageLog is one unit of consumption. The (user_id, created_at,
// service_type) triple is unique so retries are absorbed.
type UsageLog struct {
	bun.BaseModel  `bun:"table:usage_logs,alias:ul"`
	ID             uuid.UUID      `bun:"id,pk,type:uuid" json:"id"`
	UserID         uuid.UUID      `bun:"user_id,notnull,type:uuid,unique:uq_usage_logs_idempotency" json:"user_id"`
	ServiceType    string         `bun:"service_type,notnull,unique:uq_usage_logs_idempotency" json:"service_type"`
	TokensUsed     int            `bun:"tokens_used,notnull" json:"tokens_used"`
	ProcessingTime float64        `bun:"processing_time,notnull" json:"processing_time"`
	Metadata       map[string]any `bun:"metadata" json:"metadata,omitempty"`
	CreatedAt      time.Time      `bun:"created_at,notnull,unique:uq_usage_logs_idempotency" json:"created_at"`
}

// UetsAccount links an external UETS account name to a member of an organization
type UetsAccount struct {
	bun.BaseModel   `bun:"table:uets_accounts,alias:uets"`
	OrganizationID  uuid.UUID `bun:"organization_id,pk,type:uuid" json:"organization_id"`
	UserID          uuid.UUID `bun:"user_id,pk,type:uuid" json:"user_id"`
	UetsAccountName string    `bun:"uets_account_name,pk" json:"uets_account_name"`
	CreatedAt       time.Time `bun:"created_at,notnull" json:"created_at"`
}
