package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenType is the type claim carried by every token we sign
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// IsValid checks the type is one we issue
func (t TokenType) IsValid() bool {
	return t == TokenTypeAccess || t == TokenTypeRefresh
}

// AuthClaims represents structured JWT claims with permission checking
type AuthClaims interface {
	Subject() string
	UserID() string
	OrganizationID() string
	Role() string
	RoleNames() []string
	HasRole(role string) bool
	Can(resource, action string) bool
	IsAtLeast(min RoleBucket) bool
	TokenType() TokenType
	Expires() time.Time
	IssuedAt() time.Time
}

// AccessClaims is the access token payload. It is flattened into the JWT
// body and is nil on refresh tokens.
type AccessClaims struct {
	OrganizationID   *string         `json:"organization_id"`
	Email            string          `json:"email"`
	Role             RoleBucket      `json:"role"`
	Roles            []string        `json:"roles"`
	Permissions      []PermissionRef `json:"permissions"`
	DataAccess       DataAccess      `json:"data_access"`
	RemainingCredits *int            `json:"remaining_credits"`
	Quotas           Quotas          `json:"quotas"`
	Metadata         map[string]any  `json:"metadata,omitempty"`
}

// JWTClaims is the concrete implementation of AuthClaims
type JWTClaims struct {
	jwt.RegisteredClaims
	Type TokenType `json:"type"`
	*AccessClaims
}

// Verify interface compliance
var _ AuthClaims = (*JWTClaims)(nil)

// Subject returns the subject claim
func (c *JWTClaims) Subject() string {
	return c.RegisteredClaims.Subject
}

// UserID returns the user ID
func (c *JWTClaims) UserID() string {
	return c.Subject()
}

// OrganizationID returns the primary organization or an empty string
func (c *JWTClaims) OrganizationID() string {
	if c.AccessClaims == nil || c.AccessClaims.OrganizationID == nil {
		return ""
	}
	return *c.AccessClaims.OrganizationID
}

// Email returns the email claim
func (c *JWTClaims) Email() string {
	if c.AccessClaims == nil {
		return ""
	}
	return c.AccessClaims.Email
}

// Role returns the coarse primary role bucket. This is not necessarily
// the name of any assigned role; see RoleNames for those.
func (c *JWTClaims) Role() string {
	if c.AccessClaims == nil {
		return ""
	}
	return string(c.AccessClaims.Role)
}

// RoleNames returns every assigned role name
func (c *JWTClaims) RoleNames() []string {
	if c.AccessClaims == nil {
		return nil
	}
	return c.AccessClaims.Roles
}

// HasRole checks the bucket and the assigned role names
func (c *JWTClaims) HasRole(role string) bool {
	if c.Role() == role {
		return true
	}
	for _, r := range c.RoleNames() {
		if r == role {
			return true
		}
	}
	return false
}

// Can runs the same authorization as User.Can using the embedded permissions
func (c *JWTClaims) Can(resource, action string) bool {
	if c.AccessClaims == nil {
		return false
	}
	return Authorize(c.AccessClaims.Roles, NewPermissionSet(c.AccessClaims.Permissions...), resource, action)
}

// IsAtLeast compares the primary role bucket
func (c *JWTClaims) IsAtLeast(min RoleBucket) bool {
	if c.AccessClaims == nil {
		return false
	}
	return c.AccessClaims.Role.IsAtLeast(min)
}

// TokenType returns the type claim
func (c *JWTClaims) TokenType() TokenType {
	return c.Type
}

// ClaimsMetadata exposes metadata extensions for optional context enrichment.
func (c *JWTClaims) ClaimsMetadata() map[string]any {
	if c.AccessClaims == nil {
		return nil
	}
	return c.AccessClaims.Metadata
}

// Expires returns the expiration time
func (c *JWTClaims) Expires() time.Time {
	if c.RegisteredClaims.ExpiresAt != nil {
		return c.RegisteredClaims.ExpiresAt.Time
	}
	return time.Time{}
}

// IssuedAt returns the issued at time
func (c *JWTClaims) IssuedAt() time.Time {
	if c.RegisteredClaims.IssuedAt != nil {
		return c.RegisteredClaims.IssuedAt.Time
	}
	return time.Time{}
}
