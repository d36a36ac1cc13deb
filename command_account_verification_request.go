package auth

import (
	"context"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	goerrors "github.com/goliatone/go-errors"
)

// AccountVerificationMessage asks for a new email verification code
type AccountVerificationMessage struct {
	Email      string `json:"email" example:"pepe.rone@example.com" doc:"Email to verify."`
	OnResponse func(a *AccountVerificationResponse)
}

func (m AccountVerificationMessage) Type() string { return "user.email_verification.request" }

type AccountVerificationResponse struct {
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ConfirmEmailMessage submits a verification code
type ConfirmEmailMessage struct {
	Email string `json:"email" example:"pepe.rone@example.com" doc:"Email being verified."`
	Code  string `json:"code" example:"123456" doc:"Numeric verification code."`
}

func (m ConfirmEmailMessage) Type() string { return "user.email_verification.confirm" }

type AccountVerificationHandler struct {
	verifications *EmailVerifications
	mailer        *EmailDispatcher
}

func NewAccountVerificationHandler(verifications *EmailVerifications, mailer *EmailDispatcher) *AccountVerificationHandler {
	return &AccountVerificationHandler{verifications: verifications, mailer: mailer}
}

func (h *AccountVerificationHandler) Execute(ctx context.Context, event AccountVerificationMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(ctx.Err(), goerrors.CategoryOperation, "context cancelled during account verification")
	default:
		return h.execute(ctx, event)
	}
}

func (h *AccountVerificationHandler) execute(ctx context.Context, event AccountVerificationMessage) error {
	if err := validation.Validate(event.Email, validation.Required, is.Email); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryValidation, "invalid email")
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	rec, err := h.verifications.Issue(ctx, event.Email)
	if err != nil {
		var richErr *goerrors.Error
		if goerrors.As(err, &richErr) {
			return richErr
		}
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to execute account verification")
	}

	h.mailer.SendVerificationCode(rec)

	if event.OnResponse != nil {
		event.OnResponse(&AccountVerificationResponse{Email: rec.Email, ExpiresAt: rec.ExpiresAt})
	}

	return nil
}

type ConfirmEmailHandler struct {
	verifications *EmailVerifications
}

func NewConfirmEmailHandler(verifications *EmailVerifications) *ConfirmEmailHandler {
	return &ConfirmEmailHandler{verifications: verifications}
}

func (h *ConfirmEmailHandler) Execute(ctx context.Context, event ConfirmEmailMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(ctx.Err(), goerrors.CategoryOperation, "context cancelled during email confirmation")
	default:
	}

	if err := validation.ValidateStruct(&event,
		validation.Field(&event.Email, validation.Required, is.Email),
		validation.Field(&event.Code, validation.Required, is.Digit),
	); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryValidation, "invalid email confirmation")
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	return h.verifications.Verify(ctx, event.Email, event.Code)
}
