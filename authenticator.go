package auth

import (
	"context"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// TokenPair is what Login and Refresh hand back
type TokenPair struct {
	AccessToken        string `json:"access_token"`
	RefreshToken       string `json:"refresh_token"`
	TokenType          string `json:"token_type"`
	ExpiresIn          int    `json:"expires_in"`
	ActivityWatchToken string `json:"activity_watch_token,omitempty"`
	User               *User  `json:"user,omitempty"`
}

// VerifyResult describes the holder of a valid access token
type VerifyResult struct {
	UserID                 string          `json:"user_id"`
	Email                  string          `json:"email"`
	FirstName              string          `json:"first_name"`
	LastName               string          `json:"last_name"`
	OrganizationID         *uuid.UUID      `json:"organization_id"`
	IsVerified             bool            `json:"is_verified"`
	Role                   RoleBucket      `json:"role"`
	Roles                  []string        `json:"roles"`
	Permissions            []PermissionRef `json:"permissions"`
	DataAccess             DataAccess      `json:"data_access"`
	RemainingCredits       *int            `json:"remaining_credits"`
	Quotas                 Quotas          `json:"quotas"`
	DailyUsage             int             `json:"daily_usage"`
	MonthlyUsage           int             `json:"monthly_usage"`
	TotalQueriesUsed       int             `json:"total_queries_used"`
	TotalDocumentsUploaded int             `json:"total_documents_uploaded"`
}

// Auther is the login service. It composes the token lifecycle with the
// user store to issue, refresh, verify and revoke sessions.
type Auther struct {
	repo            RepositoryManager
	cfg             Config
	passwords       PasswordAuthenticator
	tokens          TokenService
	tokenValidator  TokenValidator
	claimsDecorator ClaimsDecorator
	lifecycle       *TokenLifecycle
	usage           *UsageRecorder
	serviceDeps
}

// NewAuthenticator returns a new Auther. The token lifecycle services are
// taken from lifecycle so the blacklist cache is shared.
func NewAuthenticator(repo RepositoryManager, lifecycle *TokenLifecycle, cfg Config, opts ...ServiceOption) *Auther {
	return &Auther{
		repo:            repo,
		cfg:             cfg,
		passwords:       NewBcryptAuthenticator(cfg.BcryptCost),
		tokens:          lifecycle.Tokens,
		claimsDecorator: noopClaimsDecorator{},
		lifecycle:       lifecycle,
		usage:           NewUsageRecorder(repo, cfg, opts...),
		serviceDeps:     buildServiceDeps(opts),
	}
}

// WithPasswordAuthenticator swaps the password hasher
func (s *Auther) WithPasswordAuthenticator(p PasswordAuthenticator) *Auther {
	if p != nil {
		s.passwords = p
	}
	return s
}

// WithClaimsDecorator configures a ClaimsDecorator for enriching JWTs.
func (s *Auther) WithClaimsDecorator(decorator ClaimsDecorator) *Auther {
	s.claimsDecorator = normalizeClaimsDecorator(decorator)
	return s
}

// WithTokenValidator sets a custom token validator for externally issued tokens.
func (s *Auther) WithTokenValidator(validator TokenValidator) *Auther {
	s.tokenValidator = validator
	return s
}

// TokenService returns the TokenService instance used by this Auther
func (s *Auther) TokenService() TokenService {
	return s.tokens
}

// Login checks the credentials and onboarding state, then issues an access
// and refresh token pair.
func (s *Auther) Login(ctx context.Context, email, password string) (*TokenPair, error) {
	var (
		user *User
		pair *TokenPair
	)

	err := s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		user, err = s.authenticateTx(ctx, tx, email, password)
		if err != nil {
			return err
		}

		if err := s.repo.Users().TrackSuccessfulLoginTx(ctx, tx, user.ID, s.now()); err != nil {
			return internalError(err, "failed to track login")
		}
		now := s.now()
		user.LastLoginAt = &now

		pair, err = s.issuePairTx(ctx, tx, user, "")
		if err != nil {
			return err
		}

		if s.cfg.ActivityWatch.Enabled && s.lifecycle.ActivityWatch != nil {
			pair.ActivityWatchToken, err = s.lifecycle.ActivityWatch.IssueOrGetTx(ctx, tx, user.ID)
			if err != nil {
				return err
			}
		}
		return nil
	})

	if err != nil {
		actor := ActorRef{Type: ActorTypeSystem}
		userID := ""
		if user != nil {
			actor = ActorRef{ID: user.ID.String(), Type: ActorTypeUser}
			userID = user.ID.String()
		}
		s.logger.Warn("login failed for %s: %v", normalizeEmail(email), err)
		s.emitAuthEvent(ctx, ActivityEventLoginFailure, actor, userID, map[string]any{
			"email": normalizeEmail(email),
			"error": err.Error(),
		})
		return nil, err
	}

	s.emitAuthEvent(ctx, ActivityEventLoginSuccess, ActorRef{ID: user.ID.String(), Type: ActorTypeUser}, user.ID.String(), map[string]any{
		"email": user.Email,
	})

	return pair, nil
}

// authenticateTx runs the ordered login gates: credentials, active,
// has a role, has an organization unless exempt.
func (s *Auther) authenticateTx(ctx context.Context, tx bun.IDB, email, password string) (*User, error) {
	user, err := s.repo.Users().FindByEmailTx(ctx, tx, email)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrIncorrectCredentials
		}
		return nil, internalError(err, "failed to look up user")
	}

	if err := s.passwords.ComparePasswordAndHash(password, user.PasswordHash); err != nil {
		return user, ErrIncorrectCredentials
	}

	if !user.IsActive {
		return user, ErrUserInactive
	}

	if err := s.repo.Users().LoadRolesTx(ctx, tx, user); err != nil {
		return user, internalError(err, "failed to load user roles")
	}

	if len(user.Roles) == 0 {
		return user, ErrPendingRole
	}

	if user.OrganizationID == nil && !IsOnboardingExempt(user.RoleNames()) {
		return user, ErrPendingOrganization
	}

	return user, nil
}

// issuePairTx signs a fresh access token and pairs it with refreshToken,
// issuing a new refresh token when it is empty.
func (s *Auther) issuePairTx(ctx context.Context, tx bun.IDB, user *User, refreshToken string) (*TokenPair, error) {
	counts, err := s.usage.CountsTx(ctx, tx, user.ID)
	if err != nil {
		return nil, err
	}

	access, _, err := issueAccessToken(ctx, s.tokens, s.claimsDecorator, s.cfg, user, counts.Today)
	if err != nil {
		s.logger.Error("failed to issue access token for %s: %v", user.ID, err)
		return nil, err
	}

	if refreshToken == "" {
		refreshToken, err = s.lifecycle.RefreshTokens.Issue(ctx, tx, user.ID)
		if err != nil {
			return nil, err
		}
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refreshToken,
		TokenType:    "bearer",
		ExpiresIn:    int(s.cfg.AccessTokenTTL.Seconds()),
		User:         user,
	}, nil
}

// Refresh rotates the refresh token and signs a new access token
func (s *Auther) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	var pair *TokenPair

	err := s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		next, userID, err := s.lifecycle.RefreshTokens.RotateTx(ctx, tx, refreshToken)
		if err != nil {
			return err
		}

		user, err := findUserTx(ctx, tx, s.repo, userID)
		if err != nil {
			return err
		}

		if !user.IsActive {
			return ErrUserInactive
		}

		if err := s.repo.Users().LoadRolesTx(ctx, tx, user); err != nil {
			return internalError(err, "failed to load user roles")
		}

		pair, err = s.issuePairTx(ctx, tx, user, next)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.emitAuthEvent(ctx, ActivityEventTokenRefreshed, ActorRef{ID: pair.User.ID.String(), Type: ActorTypeUser}, pair.User.ID.String(), nil)

	return pair, nil
}

// Logout revokes the refresh token and blacklists the access token until
// its own expiry. Either may be empty.
func (s *Auther) Logout(ctx context.Context, accessToken, refreshToken string) error {
	var (
		userID      string
		blacklisted *BlacklistedToken
	)

	err := s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if refreshToken != "" {
			if err := s.lifecycle.RefreshTokens.RevokeTx(ctx, tx, refreshToken); err != nil {
				if !MatchError(err, ErrRefreshTokenInvalid) {
					return err
				}
				s.logger.Debug("logout with unknown refresh token")
			}
		}

		if accessToken != "" {
			if claims, err := s.tokens.DecodeType(accessToken, TokenTypeAccess); err == nil {
				userID = claims.UserID()
			}
			var err error
			if blacklisted, err = s.lifecycle.Blacklist.AddTx(ctx, tx, accessToken, "logout"); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.lifecycle.Blacklist.MarkCached(ctx, blacklisted)

	s.emitAuthEvent(ctx, ActivityEventLogout, ActorRef{ID: userID, Type: ActorTypeUser}, userID, nil)
	return nil
}

// LogoutAll revokes every refresh token of the access token holder and
// blacklists the access token itself.
func (s *Auther) LogoutAll(ctx context.Context, accessToken string) (int, error) {
	claims, err := s.ValidateAccessToken(ctx, accessToken)
	if err != nil {
		return 0, err
	}

	userID, err := uuid.Parse(claims.UserID())
	if err != nil {
		return 0, withMetadata(ErrTokenMalformed, map[string]any{"reason": "subject is not a uuid"})
	}

	var (
		revoked     int
		blacklisted *BlacklistedToken
	)
	err = s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		revoked, err = s.lifecycle.RefreshTokens.RevokeAllForUserTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		blacklisted, err = s.lifecycle.Blacklist.AddTx(ctx, tx, accessToken, "logout_all")
		return err
	})
	if err != nil {
		return 0, err
	}
	s.lifecycle.Blacklist.MarkCached(ctx, blacklisted)

	s.emitAuthEvent(ctx, ActivityEventLogout, ActorRef{ID: userID.String(), Type: ActorTypeUser}, userID.String(), map[string]any{
		"all_sessions": true,
		"revoked":      revoked,
	})

	return revoked, nil
}

// ValidateAccessToken decodes an access token and rejects blacklisted ones
func (s *Auther) ValidateAccessToken(ctx context.Context, token string) (AuthClaims, error) {
	validator := s.tokenValidator
	if validator == nil {
		validator = s.tokens
	}

	claims, err := validator.Validate(token)
	if err != nil {
		return nil, err
	}

	if claims.TokenType() != TokenTypeAccess {
		return nil, withMetadata(ErrInvalidTokenType, map[string]any{
			"expected": string(TokenTypeAccess),
			"actual":   string(claims.TokenType()),
		})
	}

	revoked, err := s.lifecycle.Blacklist.IsBlacklisted(ctx, token)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, ErrTokenBlacklisted
	}

	return claims, nil
}

// Verify validates the access token and reports the holder's current
// roles, permissions and usage, read fresh from the database.
func (s *Auther) Verify(ctx context.Context, accessToken string) (*VerifyResult, error) {
	claims, err := s.ValidateAccessToken(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	user, err := s.UserForClaims(ctx, claims)
	if err != nil {
		return nil, err
	}

	counts, err := s.usage.CountsTx(ctx, s.repo.DB(), user.ID)
	if err != nil {
		return nil, err
	}

	names := user.RoleNames()
	bucket := ResolvePrimaryRole(names)

	return &VerifyResult{
		UserID:                 user.ID.String(),
		Email:                  user.Email,
		FirstName:              user.FirstName,
		LastName:               user.LastName,
		OrganizationID:         user.OrganizationID,
		IsVerified:             user.IsVerified,
		Role:                   bucket,
		Roles:                  names,
		Permissions:            FlattenPermissions(user.Roles).List(),
		DataAccess:             bucket.DataAccess(),
		RemainingCredits:       RemainingCredits(user.DailyQueryLimit, counts.Today),
		Quotas:                 QuotasFor(user),
		DailyUsage:             counts.Today,
		MonthlyUsage:           counts.ThisMonth,
		TotalQueriesUsed:       user.TotalQueriesUsed,
		TotalDocumentsUploaded: user.TotalDocumentsUploaded,
	}, nil
}

// UserForClaims loads the active user named by the token subject, with
// roles and permissions.
func (s *Auther) UserForClaims(ctx context.Context, claims AuthClaims) (*User, error) {
	userID, err := uuid.Parse(claims.UserID())
	if err != nil {
		return nil, withMetadata(ErrTokenMalformed, map[string]any{"reason": "subject is not a uuid"})
	}

	db := s.repo.DB()
	user, err := s.repo.Users().FindByIDTx(ctx, db, userID)
	if err != nil {
		if isNotFound(err) {
			return nil, goerrors.Wrap(err, goerrors.CategoryAuth, "token subject no longer exists").
				WithTextCode(TextCodeIncorrectCredentials).
				WithCode(goerrors.CodeUnauthorized)
		}
		return nil, internalError(err, "failed to look up user")
	}

	if !user.IsActive {
		return nil, ErrUserInactive
	}

	if err := s.repo.Users().LoadRolesTx(ctx, db, user); err != nil {
		return nil, internalError(err, "failed to load user roles")
	}
	return user, nil
}

func (s *Auther) emitAuthEvent(ctx context.Context, eventType ActivityEventType, actor ActorRef, userID string, metadata map[string]any) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	s.recorder().record(ctx, ActivityEvent{
		EventType: eventType,
		Actor:     actor,
		UserID:    userID,
		Metadata:  metadata,
	})
}
