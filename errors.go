package auth

import (
	"net/http"

	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeTokenExpired               = "TOKEN_EXPIRED"
	TextCodeTokenMalformed             = "TOKEN_MALFORMED"
	TextCodeInvalidTokenType           = "INVALID_TOKEN_TYPE"
	TextCodeTokenBlacklisted           = "TOKEN_BLACKLISTED"
	TextCodeIncorrectCredentials       = "INCORRECT_CREDENTIALS"
	TextCodeUserInactive               = "USER_INACTIVE"
	TextCodePendingOrganization        = "PENDING_ORGANIZATION_ASSIGNMENT"
	TextCodePendingRole                = "PENDING_ROLE_ASSIGNMENT"
	TextCodeForbidden                  = "FORBIDDEN"
	TextCodeRefreshTokenInvalid        = "REFRESH_TOKEN_INVALID"
	TextCodeRefreshTokenRevoked        = "REFRESH_TOKEN_REVOKED"
	TextCodeResetTokenInvalid          = "RESET_TOKEN_INVALID"
	TextCodeResetTokenUsed             = "RESET_TOKEN_USED"
	TextCodeResetTokenExpired          = "RESET_TOKEN_EXPIRED"
	TextCodeResetRateLimited           = "RESET_RATE_LIMITED"
	TextCodeVerificationCodeInvalid    = "VERIFICATION_CODE_INVALID"
	TextCodeVerificationCodeUsed       = "VERIFICATION_CODE_USED"
	TextCodeVerificationCodeExpired    = "VERIFICATION_CODE_EXPIRED"
	TextCodeVerificationMaxAttempts    = "VERIFICATION_MAX_ATTEMPTS"
	TextCodeVerificationResendCooldown = "VERIFICATION_RESEND_COOLDOWN"
	TextCodeActivityWatchTokenInvalid  = "ACTIVITY_WATCH_TOKEN_INVALID"
	TextCodeInvitationNotFound         = "INVITATION_NOT_FOUND"
	TextCodeInvitationAccepted         = "INVITATION_ALREADY_ACCEPTED"
	TextCodeInvitationExpired          = "INVITATION_EXPIRED"
	TextCodeInvitationRevoked          = "INVITATION_REVOKED"
	TextCodeInvitationsPending         = "INVITATIONS_ALREADY_PENDING"
	TextCodeInviteNotAllowed           = "INVITE_NOT_ALLOWED"
	TextCodeEmailAlreadyRegistered     = "EMAIL_ALREADY_REGISTERED"
	TextCodePasswordMismatch           = "PASSWORD_MISMATCH"
	TextCodeAlreadyOwnsOrganization    = "ALREADY_OWNS_ORGANIZATION"
	TextCodeRoleAlreadyAssigned        = "ROLE_ALREADY_ASSIGNED"
	TextCodeRoleNotAssigned            = "ROLE_NOT_ASSIGNED"
	TextCodeAlreadyMember              = "ALREADY_MEMBER"
	TextCodeMembershipNotFound         = "MEMBERSHIP_NOT_FOUND"
	TextCodeUserNotFound               = "USER_NOT_FOUND"
	TextCodeRoleNotFound               = "ROLE_NOT_FOUND"
	TextCodeOrganizationNotFound       = "ORGANIZATION_NOT_FOUND"
	TextCodeNoQuotaValues              = "NO_QUOTA_VALUES"
	TextCodeDailyLimitExceeded         = "DAILY_LIMIT_EXCEEDED"
	TextCodeMonthlyLimitExceeded       = "MONTHLY_LIMIT_EXCEEDED"
	TextCodeImmutableClaimMutation     = "IMMUTABLE_CLAIM_MUTATION"
	TextCodeEmptyPassword              = "EMPTY_PASSWORD"
	TextCodeRoleAlreadyExists          = "ROLE_ALREADY_EXISTS"
	TextCodeOrganizationAccessDenied   = "ORGANIZATION_ACCESS_DENIED"
	TextCodeInvalidSchedule            = "INVALID_SCHEDULE"
)

// Authentication failures.
var (
	ErrTokenExpired = goerrors.New("token is expired", goerrors.CategoryAuth).
			WithTextCode(TextCodeTokenExpired).
			WithCode(goerrors.CodeUnauthorized)

	ErrTokenMalformed = goerrors.New("token is malformed", goerrors.CategoryAuth).
				WithTextCode(TextCodeTokenMalformed).
				WithCode(goerrors.CodeUnauthorized)

	ErrInvalidTokenType = goerrors.New("invalid token type", goerrors.CategoryAuth).
				WithTextCode(TextCodeInvalidTokenType).
				WithCode(goerrors.CodeUnauthorized)

	ErrTokenBlacklisted = goerrors.New("token has been revoked", goerrors.CategoryAuth).
				WithTextCode(TextCodeTokenBlacklisted).
				WithCode(goerrors.CodeUnauthorized)

	ErrIncorrectCredentials = goerrors.New("incorrect email or password", goerrors.CategoryAuth).
				WithTextCode(TextCodeIncorrectCredentials).
				WithCode(goerrors.CodeUnauthorized)

	ErrUserInactive = goerrors.New("inactive user", goerrors.CategoryAuth).
			WithTextCode(TextCodeUserInactive).
			WithCode(goerrors.CodeForbidden)

	ErrPendingOrganization = goerrors.New("account is pending organization assignment", goerrors.CategoryAuth).
				WithTextCode(TextCodePendingOrganization).
				WithCode(goerrors.CodeForbidden)

	ErrPendingRole = goerrors.New("account is pending role assignment", goerrors.CategoryAuth).
			WithTextCode(TextCodePendingRole).
			WithCode(goerrors.CodeForbidden)

	// ErrEmptyPassword is returned when hashing an empty string
	ErrEmptyPassword = goerrors.New("password must not be empty", goerrors.CategoryValidation).
				WithTextCode(TextCodeEmptyPassword).
				WithCode(goerrors.CodeBadRequest)

	// ErrMismatchedHashAndPassword wraps the bcrypt mismatch
	ErrMismatchedHashAndPassword = ErrIncorrectCredentials

	// ErrImmutableClaimMutation is returned when a decorator touches a registered claim
	ErrImmutableClaimMutation = goerrors.New("immutable claim mutated", goerrors.CategoryInternal).
					WithTextCode(TextCodeImmutableClaimMutation).
					WithCode(goerrors.CodeInternal)
)

// Authorization failures.
var (
	ErrForbidden = goerrors.New("insufficient permissions", goerrors.CategoryAuthz).
			WithTextCode(TextCodeForbidden).
			WithCode(goerrors.CodeForbidden)

	ErrInviteNotAllowed = goerrors.New("only the organization owner or an admin can send invitations", goerrors.CategoryAuthz).
				WithTextCode(TextCodeInviteNotAllowed).
				WithCode(goerrors.CodeForbidden)

	ErrOrganizationAccessDenied = goerrors.New("access to this organization is denied", goerrors.CategoryAuthz).
					WithTextCode(TextCodeOrganizationAccessDenied).
					WithCode(goerrors.CodeForbidden)
)

// Token state failures.
var (
	ErrRefreshTokenInvalid = goerrors.New("invalid refresh token", goerrors.CategoryAuth).
				WithTextCode(TextCodeRefreshTokenInvalid).
				WithCode(goerrors.CodeUnauthorized)

	ErrRefreshTokenRevoked = goerrors.New("refresh token expired or revoked", goerrors.CategoryAuth).
				WithTextCode(TextCodeRefreshTokenRevoked).
				WithCode(goerrors.CodeUnauthorized)

	ErrResetTokenInvalid = goerrors.New("invalid reset token", goerrors.CategoryBadInput).
				WithTextCode(TextCodeResetTokenInvalid).
				WithCode(goerrors.CodeBadRequest)

	ErrResetTokenUsed = goerrors.New("reset token has already been used", goerrors.CategoryBadInput).
				WithTextCode(TextCodeResetTokenUsed).
				WithCode(goerrors.CodeBadRequest)

	ErrResetTokenExpired = goerrors.New("reset token has expired", goerrors.CategoryBadInput).
				WithTextCode(TextCodeResetTokenExpired).
				WithCode(goerrors.CodeBadRequest)

	ErrResetRateLimited = goerrors.New("too many password reset requests", goerrors.CategoryRateLimit).
				WithTextCode(TextCodeResetRateLimited).
				WithCode(http.StatusTooManyRequests)

	ErrVerificationCodeInvalid = goerrors.New("invalid verification code", goerrors.CategoryBadInput).
					WithTextCode(TextCodeVerificationCodeInvalid).
					WithCode(goerrors.CodeBadRequest)

	ErrVerificationCodeUsed = goerrors.New("verification code has already been used", goerrors.CategoryBadInput).
				WithTextCode(TextCodeVerificationCodeUsed).
				WithCode(goerrors.CodeBadRequest)

	ErrVerificationCodeExpired = goerrors.New("verification code has expired", goerrors.CategoryBadInput).
					WithTextCode(TextCodeVerificationCodeExpired).
					WithCode(goerrors.CodeBadRequest)

	ErrVerificationMaxAttempts = goerrors.New("max verification attempts reached", goerrors.CategoryBadInput).
					WithTextCode(TextCodeVerificationMaxAttempts).
					WithCode(goerrors.CodeBadRequest)

	ErrVerificationResendCooldown = goerrors.New("verification code was sent recently", goerrors.CategoryRateLimit).
					WithTextCode(TextCodeVerificationResendCooldown).
					WithCode(http.StatusTooManyRequests)

	ErrActivityWatchTokenInvalid = goerrors.New("invalid activity watch token", goerrors.CategoryAuth).
					WithTextCode(TextCodeActivityWatchTokenInvalid).
					WithCode(goerrors.CodeUnauthorized)

	ErrInvitationNotFound = goerrors.New("invitation not found", goerrors.CategoryNotFound).
				WithTextCode(TextCodeInvitationNotFound).
				WithCode(goerrors.CodeNotFound)

	ErrInvitationAccepted = goerrors.New("invitation has already been accepted", goerrors.CategoryBadInput).
				WithTextCode(TextCodeInvitationAccepted).
				WithCode(goerrors.CodeBadRequest)

	ErrInvitationExpired = goerrors.New("invitation has expired", goerrors.CategoryBadInput).
				WithTextCode(TextCodeInvitationExpired).
				WithCode(goerrors.CodeBadRequest)

	ErrInvitationRevoked = goerrors.New("invitation has been revoked", goerrors.CategoryBadInput).
				WithTextCode(TextCodeInvitationRevoked).
				WithCode(goerrors.CodeBadRequest)
)

// Conflict and lookup failures.
var (
	ErrInvitationsAlreadyPending = goerrors.New("all emails already have pending invitations", goerrors.CategoryConflict).
					WithTextCode(TextCodeInvitationsPending).
					WithCode(goerrors.CodeConflict)

	ErrEmailAlreadyRegistered = goerrors.New("email already registered", goerrors.CategoryConflict).
					WithTextCode(TextCodeEmailAlreadyRegistered).
					WithCode(goerrors.CodeConflict)

	ErrPasswordMismatch = goerrors.New("passwords do not match", goerrors.CategoryValidation).
				WithTextCode(TextCodePasswordMismatch).
				WithCode(goerrors.CodeBadRequest)

	ErrAlreadyOwnsOrganization = goerrors.New("user already owns an organization", goerrors.CategoryConflict).
					WithTextCode(TextCodeAlreadyOwnsOrganization).
					WithCode(goerrors.CodeConflict)

	ErrRoleAlreadyAssigned = goerrors.New("user already has this role", goerrors.CategoryConflict).
				WithTextCode(TextCodeRoleAlreadyAssigned).
				WithCode(goerrors.CodeConflict)

	ErrRoleAlreadyExists = goerrors.New("role with this name already exists", goerrors.CategoryConflict).
				WithTextCode(TextCodeRoleAlreadyExists).
				WithCode(goerrors.CodeConflict)

	ErrRoleNotAssigned = goerrors.New("user does not have this role", goerrors.CategoryBadInput).
				WithTextCode(TextCodeRoleNotAssigned).
				WithCode(goerrors.CodeBadRequest)

	ErrAlreadyMember = goerrors.New("user is already a member of this organization", goerrors.CategoryConflict).
				WithTextCode(TextCodeAlreadyMember).
				WithCode(goerrors.CodeConflict)

	ErrMembershipNotFound = goerrors.New("user is not a member of this organization", goerrors.CategoryNotFound).
				WithTextCode(TextCodeMembershipNotFound).
				WithCode(goerrors.CodeNotFound)

	ErrUserNotFound = goerrors.New("user not found", goerrors.CategoryNotFound).
			WithTextCode(TextCodeUserNotFound).
			WithCode(goerrors.CodeNotFound)

	ErrRoleNotFound = goerrors.New("role not found", goerrors.CategoryNotFound).
			WithTextCode(TextCodeRoleNotFound).
			WithCode(goerrors.CodeNotFound)

	ErrOrganizationNotFound = goerrors.New("organization not found", goerrors.CategoryNotFound).
				WithTextCode(TextCodeOrganizationNotFound).
				WithCode(goerrors.CodeNotFound)

	ErrNoQuotaValues = goerrors.New("no quota values provided", goerrors.CategoryBadInput).
				WithTextCode(TextCodeNoQuotaValues).
				WithCode(goerrors.CodeBadRequest)
)

// Quota failures. Callers usually receive a *QuotaExceededError that unwraps to one of these.
var (
	ErrDailyLimitExceeded = goerrors.New("daily query limit exceeded", goerrors.CategoryRateLimit).
				WithTextCode(TextCodeDailyLimitExceeded).
				WithCode(http.StatusTooManyRequests)

	ErrMonthlyLimitExceeded = goerrors.New("monthly query limit exceeded", goerrors.CategoryRateLimit).
				WithTextCode(TextCodeMonthlyLimitExceeded).
				WithCode(http.StatusTooManyRequests)
)

// MatchError reports whether err carries the same text code as target.
// Sentinels are cloned before metadata is attached, so pointer equality
// is not enough.
func MatchError(err error, target *goerrors.Error) bool {
	if err == nil || target == nil {
		return false
	}

	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return false
	}

	return richErr.TextCode == target.TextCode && richErr.Category == target.Category
}

// IsTokenExpiredError will check for expired tokens
func IsTokenExpiredError(err error) bool {
	return MatchError(err, ErrTokenExpired)
}

// IsMalformedError will check for malformed tokens
func IsMalformedError(err error) bool {
	return MatchError(err, ErrTokenMalformed)
}

// IsAuthorizationError distinguishes "you can't do that" from "who are you"
func IsAuthorizationError(err error) bool {
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return false
	}
	return richErr.Category == goerrors.CategoryAuthz
}

// IsAuthenticationError reports failures in the auth category
func IsAuthenticationError(err error) bool {
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return false
	}
	return richErr.Category == goerrors.CategoryAuth
}

func withMetadata(base *goerrors.Error, meta map[string]any) *goerrors.Error {
	clone := base.Clone()
	if clone == nil {
		return base
	}
	return clone.WithMetadata(meta)
}

func internalError(err error, msg string) error {
	if err == nil {
		return nil
	}
	var quotaErr *QuotaExceededError
	if goerrors.As(err, &quotaErr) {
		return quotaErr
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return richErr
	}
	return goerrors.Wrap(err, goerrors.CategoryInternal, msg)
}
