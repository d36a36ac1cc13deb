package auth

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
)

// NewAccessClaims builds the access token payload for a user whose roles
// (and their permissions) are loaded. usageToday feeds remaining_credits.
func NewAccessClaims(user *User, usageToday int) *JWTClaims {
	names := user.RoleNames()
	bucket := ResolvePrimaryRole(names)

	var orgID *string
	if user.OrganizationID != nil {
		s := user.OrganizationID.String()
		orgID = &s
	}

	return &JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: user.ID.String()},
		Type:             TokenTypeAccess,
		AccessClaims: &AccessClaims{
			OrganizationID:   orgID,
			Email:            user.Email,
			Role:             bucket,
			Roles:            names,
			Permissions:      FlattenPermissions(user.Roles).List(),
			DataAccess:       bucket.DataAccess(),
			RemainingCredits: RemainingCredits(user.DailyQueryLimit, usageToday),
			Quotas:           QuotasFor(user),
		},
	}
}

// issueAccessToken builds, decorates and signs the access token
func issueAccessToken(ctx context.Context, tokens TokenService, decorator ClaimsDecorator, cfg Config, user *User, usageToday int) (string, *JWTClaims, error) {
	claims := NewAccessClaims(user, usageToday)
	if err := decorateClaims(ctx, decorator, user, claims); err != nil {
		return "", nil, err
	}

	token, err := tokens.Encode(claims, cfg.AccessTokenTTL)
	if err != nil {
		return "", nil, err
	}
	return token, claims, nil
}
