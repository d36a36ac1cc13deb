package auth

import (
	"context"
	"fmt"
	"slices"
)

// ClaimsDecorator can add metadata to access claims before they are signed.
// Identity, role and permission claims must stay untouched.
type ClaimsDecorator interface {
	Decorate(ctx context.Context, user *User, claims *JWTClaims) error
}

// ClaimsDecoratorFunc adapts a function into a ClaimsDecorator.
type ClaimsDecoratorFunc func(ctx context.Context, user *User, claims *JWTClaims) error

// Decorate satisfies the ClaimsDecorator interface.
func (f ClaimsDecoratorFunc) Decorate(ctx context.Context, user *User, claims *JWTClaims) error {
	if f == nil {
		return nil
	}
	return f(ctx, user, claims)
}

type noopClaimsDecorator struct{}

func (noopClaimsDecorator) Decorate(context.Context, *User, *JWTClaims) error {
	return nil
}

func normalizeClaimsDecorator(d ClaimsDecorator) ClaimsDecorator {
	if d == nil {
		return noopClaimsDecorator{}
	}
	return d
}

type immutableClaimsSnapshot struct {
	subject        string
	tokenType      TokenType
	organizationID string
	email          string
	role           string
	roles          []string
	permissions    []PermissionRef
	dataAccess     DataAccess
}

func captureImmutableClaims(claims *JWTClaims) immutableClaimsSnapshot {
	snap := immutableClaimsSnapshot{
		subject:        claims.Subject(),
		tokenType:      claims.Type,
		organizationID: claims.OrganizationID(),
		email:          claims.Email(),
		role:           claims.Role(),
	}
	if claims.AccessClaims != nil {
		snap.roles = slices.Clone(claims.AccessClaims.Roles)
		snap.permissions = slices.Clone(claims.AccessClaims.Permissions)
		snap.dataAccess = claims.AccessClaims.DataAccess
	}
	return snap
}

func (snap immutableClaimsSnapshot) validate(claims *JWTClaims) error {
	switch {
	case claims.Subject() != snap.subject:
		return immutableClaimViolation("sub")
	case claims.Type != snap.tokenType:
		return immutableClaimViolation("type")
	case claims.OrganizationID() != snap.organizationID:
		return immutableClaimViolation("organization_id")
	case claims.Email() != snap.email:
		return immutableClaimViolation("email")
	case claims.Role() != snap.role:
		return immutableClaimViolation("role")
	}

	if claims.AccessClaims == nil {
		if len(snap.roles) > 0 || len(snap.permissions) > 0 {
			return immutableClaimViolation("roles")
		}
		return nil
	}

	if !slices.Equal(claims.AccessClaims.Roles, snap.roles) {
		return immutableClaimViolation("roles")
	}
	if !slices.Equal(claims.AccessClaims.Permissions, snap.permissions) {
		return immutableClaimViolation("permissions")
	}
	if claims.AccessClaims.DataAccess != snap.dataAccess {
		return immutableClaimViolation("data_access")
	}
	return nil
}

// decorateClaims runs the decorator and rejects any change to guarded claims
func decorateClaims(ctx context.Context, d ClaimsDecorator, user *User, claims *JWTClaims) error {
	snap := captureImmutableClaims(claims)
	if err := normalizeClaimsDecorator(d).Decorate(ctx, user, claims); err != nil {
		return internalError(err, "claims decorator failed")
	}
	return snap.validate(claims)
}

func immutableClaimViolation(field string) error {
	clone := ErrImmutableClaimMutation.Clone()
	if clone == nil {
		return ErrImmutableClaimMutation
	}
	clone.Message = fmt.Sprintf("immutable claim mutated: %s", field)
	return clone.WithMetadata(map[string]any{"claim": field})
}
