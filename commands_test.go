package auth_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	auth "github.com/goliatone/go-auth-tenancy"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentEmail struct {
	to      string
	subject string
	body    string
}

// outbox is an EmailSender that keeps every message
type outbox struct {
	mu   sync.Mutex
	sent []sentEmail
}

func (o *outbox) Send(_ context.Context, to, subject, body string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, sentEmail{to: to, subject: subject, body: body})
	return nil
}

func (o *outbox) messages() []sentEmail {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]sentEmail(nil), o.sent...)
}

func newOutbox() (*outbox, *auth.EmailDispatcher) {
	box := &outbox{}
	return box, auth.NewEmailDispatcher(box, auth.EmailConfig{BaseURL: "https://app.example.com/"}, nopLogger{})
}

func (e *testEnv) registerHandler(mailer *auth.EmailDispatcher) *auth.RegisterUserHandler {
	return auth.NewRegisterUserHandler(e.repo, e.cfg, e.memberships(), e.lifecycle().EmailVerifications, mailer, e.opts()...)
}

func registration(email string) auth.RegisterUserMessage {
	return auth.RegisterUserMessage{
		FullName:        "Ada King Lovelace",
		Email:           email,
		Password:        testPassword,
		PasswordConfirm: testPassword,
		AcceptTerms:     true,
	}
}

func TestRegisterUser(t *testing.T) {
	env := newTestEnv(t)
	box, mailer := newOutbox()
	handler := env.registerHandler(mailer)

	var resp *auth.RegisterUserResponse
	msg := registration("Ada@Example.com")
	msg.Phone = "(650) 253-0000"
	msg.CouponCode = " LAUNCH "
	msg.OnResponse = func(r *auth.RegisterUserResponse) { resp = r }

	require.NoError(t, handler.Execute(env.ctx, msg))
	require.NotNil(t, resp)
	mailer.Wait()

	user := resp.User
	assert.Equal(t, "ada@example.com", user.Email)
	assert.Equal(t, "Ada", user.FirstName)
	assert.Equal(t, "King Lovelace", user.LastName)
	assert.Equal(t, "+16502530000", user.Phone)
	assert.Equal(t, "LAUNCH", user.CouponCode)
	assert.True(t, user.IsActive)
	assert.False(t, user.IsVerified)
	require.NotNil(t, user.TermsAcceptedAt)
	require.NotNil(t, user.PrivacyAcceptedAt)
	assert.Nil(t, resp.Invitation)

	stored := env.reloadUser(user.ID)
	assert.Equal(t, []string{auth.RoleGuest}, stored.RoleNames())
	require.NotNil(t, stored.DailyQueryLimit)
	assert.Equal(t, 3, *stored.DailyQueryLimit)
	assert.Nil(t, stored.OrganizationID)

	require.NotNil(t, resp.Verification)
	assert.Len(t, resp.Verification.Code, env.cfg.EmailVerification.CodeLength)

	sent := box.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "ada@example.com", sent[0].to)
	assert.Contains(t, sent[0].body, resp.Verification.Code)

	require.Len(t, env.events.ofType(auth.ActivityEventUserRegistered), 1)

	t.Run("guest can log in before joining an organization", func(t *testing.T) {
		_, err := env.auther().Login(env.ctx, "ada@example.com", testPassword)
		require.NoError(t, err)
	})

	t.Run("duplicate email", func(t *testing.T) {
		err := handler.Execute(env.ctx, registration("ADA@example.com"))
		assert.True(t, auth.MatchError(err, auth.ErrEmailAlreadyRegistered))
	})
}

func TestRegisterUserRejections(t *testing.T) {
	env := newTestEnv(t)
	handler := env.registerHandler(nil)

	t.Run("password mismatch", func(t *testing.T) {
		msg := registration("mismatch@example.com")
		msg.PasswordConfirm = "something else"
		assert.True(t, auth.MatchError(handler.Execute(env.ctx, msg), auth.ErrPasswordMismatch))
	})

	t.Run("invalid phone", func(t *testing.T) {
		msg := registration("phone@example.com")
		msg.Phone = "12"
		err := handler.Execute(env.ctx, msg)

		var rich *goerrors.Error
		require.True(t, goerrors.As(err, &rich))
		assert.Equal(t, "INVALID_PHONE", rich.TextCode)
		assert.Equal(t, goerrors.CategoryValidation, rich.Category)
	})

	t.Run("short password", func(t *testing.T) {
		msg := registration("short@example.com")
		msg.Password, msg.PasswordConfirm = "short", "short"
		err := handler.Execute(env.ctx, msg)

		var rich *goerrors.Error
		require.True(t, goerrors.As(err, &rich))
		assert.Equal(t, goerrors.CategoryValidation, rich.Category)
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(env.ctx)
		cancel()

		err := handler.Execute(ctx, registration("late@example.com"))
		var rich *goerrors.Error
		require.True(t, goerrors.As(err, &rich))
		assert.Equal(t, goerrors.CategoryOperation, rich.Category)
	})

	exists, err := env.repo.Users().EmailExistsTx(env.ctx, env.repo.DB(), "phone@example.com")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRegisterUserWithHashid(t *testing.T) {
	env := newTestEnv(t)

	var resp *auth.RegisterUserResponse
	msg := registration("Stable@Example.com")
	msg.UseHashid = true
	msg.OnResponse = func(r *auth.RegisterUserResponse) { resp = r }

	require.NoError(t, env.registerHandler(nil).Execute(env.ctx, msg))

	want, err := hashid.NewUUID("stable@example.com")
	require.NoError(t, err)
	assert.Equal(t, want, resp.User.ID)
}

func TestRegisterUserWithInvitation(t *testing.T) {
	env := newTestEnv(t)
	handler := env.registerHandler(nil)

	owner := env.createUser("owner@example.com", "")
	org := env.createOrganization(owner, "Acme")

	inv, _, err := env.memberships().CreateInvitation(env.ctx, auth.InvitationRequest{
		Email:          "invited@example.com",
		OrganizationID: org.ID,
		Role:           auth.RoleLawyer,
	})
	require.NoError(t, err)

	t.Run("email must match the invitation", func(t *testing.T) {
		msg := registration("someone-else@example.com")
		msg.InvitationToken = inv.Token
		err := handler.Execute(env.ctx, msg)
		assert.True(t, auth.MatchError(err, auth.ErrInvitationNotFound))

		exists, err := env.repo.Users().EmailExistsTx(env.ctx, env.repo.DB(), "someone-else@example.com")
		require.NoError(t, err)
		assert.False(t, exists, "the user insert is rolled back")
	})

	var resp *auth.RegisterUserResponse
	msg := registration("invited@example.com")
	msg.InvitationToken = inv.Token
	msg.OnResponse = func(r *auth.RegisterUserResponse) { resp = r }

	require.NoError(t, handler.Execute(env.ctx, msg))
	require.NotNil(t, resp.Invitation)
	assert.Equal(t, auth.InvitationAccepted, resp.Invitation.Status)

	stored := env.reloadUser(resp.User.ID)
	assert.Equal(t, []string{auth.RoleLawyer}, stored.RoleNames(), "the invitation role replaces guest")
	require.NotNil(t, stored.OrganizationID)
	assert.Equal(t, org.ID, *stored.OrganizationID)
	assert.Equal(t, 1, env.primaryCount(stored.ID))

	registered := env.events.ofType(auth.ActivityEventUserRegistered)
	require.Len(t, registered, 1)
	assert.Equal(t, true, registered[0].Metadata["invited"])
}

func TestInitializePasswordReset(t *testing.T) {
	env := newTestEnv(t)
	box, mailer := newOutbox()
	lc := env.lifecycle()
	handler := auth.NewInitializePasswordResetHandler(env.repo, lc.PasswordResets, mailer, env.opts()...)

	user := env.createUser("forgetful@example.com", auth.RoleMember)

	t.Run("unknown email looks the same", func(t *testing.T) {
		var resp *auth.InitializePasswordResetResponse
		err := handler.Execute(env.ctx, auth.InitializePasswordResetMessage{
			Email:      "nobody@example.com",
			OnResponse: func(r *auth.InitializePasswordResetResponse) { resp = r },
		})
		require.NoError(t, err)
		assert.True(t, resp.Success)
		assert.Nil(t, resp.Reset)
	})

	var resp *auth.InitializePasswordResetResponse
	err := handler.Execute(env.ctx, auth.InitializePasswordResetMessage{
		Email:      "Forgetful@Example.com",
		IPAddress:  "203.0.113.7",
		OnResponse: func(r *auth.InitializePasswordResetResponse) { resp = r },
	})
	require.NoError(t, err)
	mailer.Wait()

	assert.True(t, resp.Success)
	require.NotNil(t, resp.Reset)
	assert.Equal(t, user.ID, resp.Reset.UserID)
	assert.Equal(t, "203.0.113.7", resp.Reset.IPAddress)

	sent := box.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "forgetful@example.com", sent[0].to)
	assert.True(t, strings.Contains(sent[0].body, "https://app.example.com/password-reset?token="))

	requests := env.events.ofType(auth.ActivityEventPasswordResetRequest)
	require.Len(t, requests, 1)
	assert.Equal(t, user.ID.String(), requests[0].UserID)

	t.Run("rate limited", func(t *testing.T) {
		for i := 1; i < env.cfg.PasswordReset.RateLimit; i++ {
			require.NoError(t, handler.Execute(env.ctx, auth.InitializePasswordResetMessage{Email: user.Email}))
		}
		err := handler.Execute(env.ctx, auth.InitializePasswordResetMessage{Email: user.Email})
		assert.True(t, auth.MatchError(err, auth.ErrResetRateLimited))
	})

	assert.Error(t, handler.Execute(env.ctx, auth.InitializePasswordResetMessage{Email: "not-an-email"}))
}

func TestFinalizePasswordReset(t *testing.T) {
	env := newTestEnv(t)
	lc := env.lifecycle()
	handler := auth.NewFinalizePasswordResetHandler(env.repo, lc, env.cfg, env.opts()...)

	user := env.createUser("reset@example.com", auth.RoleGuest)
	refresh, err := lc.RefreshTokens.Issue(env.ctx, env.repo.DB(), user.ID)
	require.NoError(t, err)

	token, _, err := lc.PasswordResets.Create(env.ctx, user.ID, "")
	require.NoError(t, err)

	err = handler.Execute(env.ctx, auth.FinalizePasswordResetMessage{
		Token:           token,
		Password:        "a brand new passphrase",
		PasswordConfirm: "does not match",
	})
	assert.True(t, auth.MatchError(err, auth.ErrPasswordMismatch))

	require.NoError(t, handler.Execute(env.ctx, auth.FinalizePasswordResetMessage{
		Token:           token,
		Password:        "a brand new passphrase",
		PasswordConfirm: "a brand new passphrase",
	}))

	auther := env.auther()
	_, err = auther.Login(env.ctx, user.Email, testPassword)
	assert.True(t, auth.MatchError(err, auth.ErrIncorrectCredentials))
	_, err = auther.Login(env.ctx, user.Email, "a brand new passphrase")
	require.NoError(t, err)

	_, err = auther.Refresh(env.ctx, refresh)
	assert.True(t, auth.MatchError(err, auth.ErrRefreshTokenRevoked), "sessions are revoked on reset")

	err = handler.Execute(env.ctx, auth.FinalizePasswordResetMessage{Token: token, Password: "another passphrase"})
	assert.True(t, auth.MatchError(err, auth.ErrResetTokenUsed))

	err = handler.Execute(env.ctx, auth.FinalizePasswordResetMessage{Token: "unknown", Password: "another passphrase"})
	assert.True(t, auth.MatchError(err, auth.ErrResetTokenInvalid))

	assert.Len(t, env.events.ofType(auth.ActivityEventPasswordResetSuccess), 1)
}

func TestAccountVerificationFlow(t *testing.T) {
	env := newTestEnv(t)
	box, mailer := newOutbox()
	lc := env.lifecycle()

	user := env.createUser("verify-me@example.com", auth.RoleGuest)
	request := auth.NewAccountVerificationHandler(lc.EmailVerifications, mailer)
	confirm := auth.NewConfirmEmailHandler(lc.EmailVerifications)

	var resp *auth.AccountVerificationResponse
	require.NoError(t, request.Execute(env.ctx, auth.AccountVerificationMessage{
		Email:      user.Email,
		OnResponse: func(r *auth.AccountVerificationResponse) { resp = r },
	}))
	mailer.Wait()

	require.NotNil(t, resp)
	assert.Equal(t, user.Email, resp.Email)
	assert.Equal(t, env.clock.Now().Add(env.cfg.EmailVerification.TTL), resp.ExpiresAt)
	require.Len(t, box.messages(), 1)

	err := request.Execute(env.ctx, auth.AccountVerificationMessage{Email: user.Email})
	assert.True(t, auth.MatchError(err, auth.ErrVerificationResendCooldown))

	rec, err := env.repo.EmailVerifications().FindLatestTx(env.ctx, env.repo.DB(), user.Email)
	require.NoError(t, err)

	err = confirm.Execute(env.ctx, auth.ConfirmEmailMessage{Email: user.Email, Code: "abc"})
	assert.Error(t, err, "codes are numeric")

	require.NoError(t, confirm.Execute(env.ctx, auth.ConfirmEmailMessage{Email: user.Email, Code: rec.Code}))
	assert.True(t, env.reloadUser(user.ID).IsVerified)

	err = confirm.Execute(env.ctx, auth.ConfirmEmailMessage{Email: user.Email, Code: rec.Code})
	assert.True(t, auth.MatchError(err, auth.ErrVerificationCodeUsed))

	env.clock.Advance(time.Minute + time.Second)
	require.NoError(t, request.Execute(env.ctx, auth.AccountVerificationMessage{Email: user.Email}))
}
