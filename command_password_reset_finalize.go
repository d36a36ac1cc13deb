package auth

import (
	"context"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	goerrors "github.com/goliatone/go-errors"
	"github.com/uptrace/bun"
)

type FinalizePasswordResetMessage struct {
	Token           string `json:"token" doc:"Reset password token"`
	Password        string `json:"password" example:"some_secret_word" doc:"Password"`
	PasswordConfirm string `json:"password_confirm" doc:"Password confirmation"`
}

func (m FinalizePasswordResetMessage) Type() string { return "user.password_reset.finalize" }

func (m FinalizePasswordResetMessage) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Token, validation.Required),
		validation.Field(&m.Password, validation.Required, validation.Length(8, 128)),
	)
}

type FinalizePasswordResetHandler struct {
	repo      RepositoryManager
	passwords PasswordAuthenticator
	lifecycle *TokenLifecycle
	serviceDeps
}

// NewFinalizePasswordResetHandler creates a handler with sane defaults.
func NewFinalizePasswordResetHandler(repo RepositoryManager, lifecycle *TokenLifecycle, cfg Config, opts ...ServiceOption) *FinalizePasswordResetHandler {
	return &FinalizePasswordResetHandler{
		repo:        repo,
		passwords:   NewBcryptAuthenticator(cfg.BcryptCost),
		lifecycle:   lifecycle,
		serviceDeps: buildServiceDeps(opts),
	}
}

// WithPasswordAuthenticator overrides the password hasher
func (h *FinalizePasswordResetHandler) WithPasswordAuthenticator(p PasswordAuthenticator) *FinalizePasswordResetHandler {
	if p != nil {
		h.passwords = p
	}
	return h
}

func (h *FinalizePasswordResetHandler) Execute(ctx context.Context, event FinalizePasswordResetMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during password reset finalization",
		)
	default:
		return h.execute(ctx, event)
	}
}

func (h *FinalizePasswordResetHandler) execute(ctx context.Context, event FinalizePasswordResetMessage) error {
	if err := event.Validate(); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryValidation, "invalid password reset")
	}

	if event.PasswordConfirm != "" && event.PasswordConfirm != event.Password {
		return ErrPasswordMismatch
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	var reset *PasswordResetToken

	err := h.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		reset, err = h.lifecycle.PasswordResets.ValidateTx(ctx, tx, event.Token)
		if err != nil {
			return err
		}

		passwordHash, err := h.passwords.HashPassword(event.Password)
		if err != nil {
			return goerrors.Wrap(err, goerrors.CategoryValidation, "invalid new password provided")
		}

		if err := h.repo.Users().ResetPasswordTx(ctx, tx, reset.UserID, passwordHash); err != nil {
			if isNotFound(err) {
				return withMetadata(ErrUserNotFound, map[string]any{"user_id": reset.UserID.String()})
			}
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to update user password in database")
		}

		if err := h.lifecycle.PasswordResets.MarkUsedTx(ctx, tx, reset); err != nil {
			return err
		}

		if _, err := h.lifecycle.PasswordResets.InvalidateUserTokens(ctx, tx, reset.UserID); err != nil {
			return err
		}

		if _, err := h.lifecycle.RefreshTokens.RevokeAllForUserTx(ctx, tx, reset.UserID); err != nil {
			return err
		}

		return nil
	})

	if err != nil {
		var richErr *goerrors.Error
		if goerrors.As(err, &richErr) {
			return richErr
		}
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to finalize password reset")
	}

	h.recordActivity(ctx, reset)

	return nil
}

func (h *FinalizePasswordResetHandler) recordActivity(ctx context.Context, reset *PasswordResetToken) {
	if reset == nil {
		return
	}

	h.recorder().record(ctx, ActivityEvent{
		EventType: ActivityEventPasswordResetSuccess,
		Actor: ActorRef{
			ID:   reset.UserID.String(),
			Type: ActorTypeUser,
		},
		UserID: reset.UserID.String(),
		Metadata: map[string]any{
			"password_reset_id": reset.ID.String(),
		},
	})
}
