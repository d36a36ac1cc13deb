package auth_test

import (
	"context"
	"testing"
	"time"

	auth "github.com/goliatone/go-auth-tenancy"
	goerrors "github.com/goliatone/go-errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockPasswords struct {
	mock.Mock
}

func (m *mockPasswords) HashPassword(password string) (string, error) {
	args := m.Called(password)
	return args.String(0), args.Error(1)
}

func (m *mockPasswords) ComparePasswordAndHash(password, hash string) error {
	args := m.Called(password, hash)
	return args.Error(0)
}

// onboardedUser creates a lawyer with a primary organization
func onboardedUser(env *testEnv, email string) (*auth.User, *auth.Organization) {
	env.t.Helper()

	owner := env.createUser("owner-of-"+email, "")
	org := env.createOrganization(owner, "Firm of "+email)

	user := env.createUser(email, auth.RoleLawyer)
	_, err := env.memberships().AddMember(env.ctx, org.ID, user.ID, auth.RoleLawyer)
	require.NoError(env.t, err)
	return user, org
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)
	auther := env.auther()
	user, org := onboardedUser(env, "counsel@example.com")

	pair, err := auther.Login(env.ctx, "Counsel@Example.com", testPassword)
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.NotEmpty(t, pair.ActivityWatchToken)
	assert.Equal(t, "bearer", pair.TokenType)
	assert.Equal(t, int(env.cfg.AccessTokenTTL.Seconds()), pair.ExpiresIn)
	require.NotNil(t, pair.User)
	require.NotNil(t, pair.User.LastLoginAt)
	assert.Equal(t, env.clock.Now(), *pair.User.LastLoginAt)

	claims, err := env.tokens.DecodeType(pair.AccessToken, auth.TokenTypeAccess)
	require.NoError(t, err)
	assert.Equal(t, user.ID.String(), claims.UserID())
	assert.Equal(t, org.ID.String(), claims.OrganizationID())
	assert.Equal(t, "counsel@example.com", claims.Email())
	assert.Equal(t, []string{auth.RoleLawyer}, claims.RoleNames())
	assert.Equal(t, string(auth.BucketMember), claims.Role())
	assert.True(t, claims.Can("documents", "upload"))
	assert.False(t, claims.Can("admin", "delete"))
	require.NotNil(t, claims.RemainingCredits)
	assert.Equal(t, 200, *claims.RemainingCredits)
	assert.True(t, env.clock.Now().Add(env.cfg.AccessTokenTTL).Equal(claims.Expires()))

	refresh, err := env.tokens.DecodeType(pair.RefreshToken, auth.TokenTypeRefresh)
	require.NoError(t, err)
	assert.Nil(t, refresh.AccessClaims)

	success := env.events.ofType(auth.ActivityEventLoginSuccess)
	require.Len(t, success, 1)
	assert.Equal(t, user.ID.String(), success[0].UserID)

	stored := env.reloadUser(user.ID)
	require.NotNil(t, stored.LastLoginAt)
}

func TestLoginGates(t *testing.T) {
	env := newTestEnv(t)
	auther := env.auther()

	onboardedUser(env, "ready@example.com")
	env.createUser("norole@example.com", "")
	env.createUser("noorg@example.com", auth.RoleMember)
	env.createUser("guest@example.com", auth.RoleGuest)
	env.createUser("demo@example.com", auth.RoleDemo)

	inactive, _ := onboardedUser(env, "inactive@example.com")
	_, err := env.db.NewUpdate().
		Model((*auth.User)(nil)).
		Set("is_active = ?", false).
		Where("id = ?", inactive.ID).
		Exec(env.ctx)
	require.NoError(t, err)

	tests := []struct {
		name     string
		email    string
		password string
		want     *goerrors.Error
	}{
		{name: "unknown email", email: "ghost@example.com", password: testPassword, want: auth.ErrIncorrectCredentials},
		{name: "wrong password", email: "ready@example.com", password: "nope", want: auth.ErrIncorrectCredentials},
		{name: "credentials before active", email: "inactive@example.com", password: "nope", want: auth.ErrIncorrectCredentials},
		{name: "inactive", email: "inactive@example.com", password: testPassword, want: auth.ErrUserInactive},
		{name: "no role", email: "norole@example.com", password: testPassword, want: auth.ErrPendingRole},
		{name: "no organization", email: "noorg@example.com", password: testPassword, want: auth.ErrPendingOrganization},
		{name: "guest is exempt", email: "guest@example.com", password: testPassword},
		{name: "demo is exempt", email: "demo@example.com", password: testPassword},
		{name: "onboarded", email: "ready@example.com", password: testPassword},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pair, err := auther.Login(env.ctx, tt.email, tt.password)
			if tt.want == nil {
				require.NoError(t, err)
				assert.NotEmpty(t, pair.AccessToken)
				return
			}
			assert.Nil(t, pair)
			assert.True(t, auth.MatchError(err, tt.want), "got %v", err)
		})
	}

	failures := env.events.ofType(auth.ActivityEventLoginFailure)
	assert.Len(t, failures, 6)
}

func TestRefresh(t *testing.T) {
	env := newTestEnv(t)
	auther := env.auther()
	user, _ := onboardedUser(env, "refresh@example.com")

	pair, err := auther.Login(env.ctx, user.Email, testPassword)
	require.NoError(t, err)

	env.clock.Advance(time.Minute)

	next, err := auther.Refresh(env.ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, next.RefreshToken)
	assert.NotEqual(t, pair.AccessToken, next.AccessToken)
	assert.Empty(t, next.ActivityWatchToken)

	_, err = auther.Refresh(env.ctx, pair.RefreshToken)
	assert.True(t, auth.MatchError(err, auth.ErrRefreshTokenRevoked), "a rotated token cannot be reused")

	_, err = auther.Refresh(env.ctx, pair.AccessToken)
	assert.True(t, auth.MatchError(err, auth.ErrInvalidTokenType))

	assert.Len(t, env.events.ofType(auth.ActivityEventTokenRefreshed), 1)
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t)
	auther := env.auther()
	user, _ := onboardedUser(env, "logout@example.com")

	pair, err := auther.Login(env.ctx, user.Email, testPassword)
	require.NoError(t, err)

	_, err = auther.ValidateAccessToken(env.ctx, pair.AccessToken)
	require.NoError(t, err)

	require.NoError(t, auther.Logout(env.ctx, pair.AccessToken, pair.RefreshToken))

	_, err = auther.ValidateAccessToken(env.ctx, pair.AccessToken)
	assert.True(t, auth.MatchError(err, auth.ErrTokenBlacklisted))

	_, err = auther.Refresh(env.ctx, pair.RefreshToken)
	assert.True(t, auth.MatchError(err, auth.ErrRefreshTokenRevoked))

	assert.NoError(t, auther.Logout(env.ctx, "", "unknown-refresh-token"), "unknown refresh tokens are ignored")

	logouts := env.events.ofType(auth.ActivityEventLogout)
	require.NotEmpty(t, logouts)
	assert.Equal(t, user.ID.String(), logouts[0].UserID)
}

func TestLogoutAll(t *testing.T) {
	env := newTestEnv(t)
	auther := env.auther()
	user, _ := onboardedUser(env, "everywhere@example.com")

	first, err := auther.Login(env.ctx, user.Email, testPassword)
	require.NoError(t, err)
	env.clock.Advance(time.Second)
	second, err := auther.Login(env.ctx, user.Email, testPassword)
	require.NoError(t, err)

	revoked, err := auther.LogoutAll(env.ctx, first.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, 2, revoked)

	for _, pair := range []*auth.TokenPair{first, second} {
		_, err := auther.Refresh(env.ctx, pair.RefreshToken)
		assert.True(t, auth.MatchError(err, auth.ErrRefreshTokenRevoked))
	}

	_, err = auther.LogoutAll(env.ctx, first.AccessToken)
	assert.True(t, auth.MatchError(err, auth.ErrTokenBlacklisted))
}

func TestValidateAccessToken(t *testing.T) {
	env := newTestEnv(t)
	auther := env.auther()
	user, _ := onboardedUser(env, "validate@example.com")

	pair, err := auther.Login(env.ctx, user.Email, testPassword)
	require.NoError(t, err)

	claims, err := auther.ValidateAccessToken(env.ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, auth.TokenTypeAccess, claims.TokenType())
	assert.True(t, claims.IsAtLeast(auth.BucketViewer))

	_, err = auther.ValidateAccessToken(env.ctx, pair.RefreshToken)
	assert.True(t, auth.MatchError(err, auth.ErrInvalidTokenType))

	_, err = auther.ValidateAccessToken(env.ctx, "garbage")
	assert.True(t, auth.IsMalformedError(err))

	env.clock.Advance(env.cfg.AccessTokenTTL + time.Second)
	_, err = auther.ValidateAccessToken(env.ctx, pair.AccessToken)
	assert.True(t, auth.IsTokenExpiredError(err))
}

func TestValidateWithCustomValidator(t *testing.T) {
	env := newTestEnv(t)
	external := &auth.JWTClaims{Type: auth.TokenTypeRefresh}

	auther := env.auther().WithTokenValidator(auth.TokenValidatorFunc(func(string) (auth.AuthClaims, error) {
		return external, nil
	}))

	_, err := auther.ValidateAccessToken(env.ctx, "external-token")
	assert.True(t, auth.MatchError(err, auth.ErrInvalidTokenType))

	external.Type = auth.TokenTypeAccess
	claims, err := auther.ValidateAccessToken(env.ctx, "external-token")
	require.NoError(t, err)
	assert.Same(t, external, claims)
}

func TestVerify(t *testing.T) {
	env := newTestEnv(t)
	auther := env.auther()
	user, org := onboardedUser(env, "verify@example.com")

	pair, err := auther.Login(env.ctx, user.Email, testPassword)
	require.NoError(t, err)

	_, err = env.usage().Consume(env.ctx, auth.UsageRequest{UserID: user.ID, ServiceType: "research_query", TokensUsed: 10})
	require.NoError(t, err)

	res, err := auther.Verify(env.ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID.String(), res.UserID)
	assert.Equal(t, "verify@example.com", res.Email)
	require.NotNil(t, res.OrganizationID)
	assert.Equal(t, org.ID, *res.OrganizationID)
	assert.Equal(t, auth.BucketMember, res.Role)
	assert.Equal(t, []string{auth.RoleLawyer}, res.Roles)
	assert.Contains(t, res.Permissions, auth.PermissionRef{Resource: "documents", Action: "*"})
	assert.Equal(t, auth.DataAccess{OwnData: true, SharedData: true}, res.DataAccess)
	assert.Equal(t, 1, res.DailyUsage)
	assert.Equal(t, 1, res.TotalQueriesUsed)
	require.NotNil(t, res.RemainingCredits)
	assert.Equal(t, 199, *res.RemainingCredits)

	t.Run("reads roles fresh", func(t *testing.T) {
		_, err := env.admin().AssignRole(env.ctx, user.ID, auth.RoleViewer)
		require.NoError(t, err)

		res, err := auther.Verify(env.ctx, pair.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, auth.BucketViewer, res.Role)
		assert.Nil(t, res.RemainingCredits)
	})

	t.Run("deleted subject", func(t *testing.T) {
		_, err := env.db.NewDelete().Model((*auth.User)(nil)).Where("id = ?", user.ID).Exec(env.ctx)
		require.NoError(t, err)

		_, err = auther.Verify(env.ctx, pair.AccessToken)
		assert.True(t, auth.IsAuthenticationError(err))
	})
}

func TestUserForClaims(t *testing.T) {
	env := newTestEnv(t)
	auther := env.auther()
	user, _ := onboardedUser(env, "loader@example.com")

	pair, err := auther.Login(env.ctx, user.Email, testPassword)
	require.NoError(t, err)
	claims, err := auther.ValidateAccessToken(env.ctx, pair.AccessToken)
	require.NoError(t, err)

	loaded, err := auther.UserForClaims(env.ctx, claims)
	require.NoError(t, err)
	assert.Equal(t, user.ID, loaded.ID)
	assert.Equal(t, []string{auth.RoleLawyer}, loaded.RoleNames())

	_, err = env.db.NewUpdate().
		Model((*auth.User)(nil)).
		Set("is_active = ?", false).
		Where("id = ?", user.ID).
		Exec(env.ctx)
	require.NoError(t, err)

	_, err = auther.UserForClaims(env.ctx, claims)
	assert.True(t, auth.MatchError(err, auth.ErrUserInactive))
}

func TestLoginWithActivityWatchDisabled(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.ActivityWatch = auth.ActivityWatchConfig{}
	user, _ := onboardedUser(env, "nodevice@example.com")

	pair, err := env.auther().Login(env.ctx, user.Email, testPassword)
	require.NoError(t, err)
	assert.Empty(t, pair.ActivityWatchToken)
}

func TestLoginUsesPasswordAuthenticator(t *testing.T) {
	env := newTestEnv(t)
	user, _ := onboardedUser(env, "mocked@example.com")

	passwords := new(mockPasswords)
	passwords.On("ComparePasswordAndHash", "any-password", user.PasswordHash).Return(nil).Once()

	auther := env.auther().WithPasswordAuthenticator(passwords)

	_, err := auther.Login(env.ctx, user.Email, "any-password")
	require.NoError(t, err)
	passwords.AssertExpectations(t)
}

func TestLoginClaimsDecorator(t *testing.T) {
	env := newTestEnv(t)
	user, _ := onboardedUser(env, "decorated@example.com")

	t.Run("adds metadata", func(t *testing.T) {
		auther := env.auther().WithClaimsDecorator(auth.ClaimsDecoratorFunc(func(_ context.Context, u *auth.User, c *auth.JWTClaims) error {
			c.Metadata = map[string]any{"plan": "pro", "uid": u.ID.String()}
			return nil
		}))

		pair, err := auther.Login(env.ctx, user.Email, testPassword)
		require.NoError(t, err)

		claims, err := env.tokens.DecodeType(pair.AccessToken, auth.TokenTypeAccess)
		require.NoError(t, err)
		assert.Equal(t, "pro", claims.ClaimsMetadata()["plan"])
	})

	t.Run("cannot change identity claims", func(t *testing.T) {
		auther := env.auther().WithClaimsDecorator(auth.ClaimsDecoratorFunc(func(_ context.Context, _ *auth.User, c *auth.JWTClaims) error {
			c.AccessClaims.Role = auth.BucketAdmin
			return nil
		}))

		_, err := auther.Login(env.ctx, user.Email, testPassword)
		assert.True(t, auth.MatchError(err, auth.ErrImmutableClaimMutation))
	})
}
