package auth

import (
	"context"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	goerrors "github.com/goliatone/go-errors"
	"github.com/uptrace/bun"
)

type InitializePasswordResetMessage struct {
	Email      string `json:"email" example:"pepe.rone@example.com" doc:"Account email."`
	IPAddress  string `json:"-"`
	OnResponse func(resp *InitializePasswordResetResponse)
}

func (p InitializePasswordResetMessage) Type() string { return "user.password_reset" }

func (p InitializePasswordResetMessage) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Email, validation.Required, is.Email),
	)
}

// InitializePasswordResetResponse never reveals whether the email exists.
// Reset is only set for known accounts and is meant for server side use.
type InitializePasswordResetResponse struct {
	Reset   *PasswordResetToken
	Success bool
}

type InitializePasswordResetHandler struct {
	repo   RepositoryManager
	resets *PasswordResets
	mailer *EmailDispatcher
	serviceDeps
}

func NewInitializePasswordResetHandler(repo RepositoryManager, resets *PasswordResets, mailer *EmailDispatcher, opts ...ServiceOption) *InitializePasswordResetHandler {
	return &InitializePasswordResetHandler{
		repo:        repo,
		resets:      resets,
		mailer:      mailer,
		serviceDeps: buildServiceDeps(opts),
	}
}

func (h *InitializePasswordResetHandler) Execute(ctx context.Context, event InitializePasswordResetMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during password reset initialization",
		)
	default:
		return h.execute(ctx, event)
	}
}

func (h *InitializePasswordResetHandler) execute(ctx context.Context, event InitializePasswordResetMessage) error {
	if err := event.Validate(); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryValidation, "invalid password reset request")
	}

	resp := &InitializePasswordResetResponse{}

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	var (
		user  *User
		token string
	)

	err := h.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		user, err = h.repo.Users().FindByEmailTx(ctx, tx, event.Email)
		if err != nil {
			if isNotFound(err) {
				user = nil
				return nil
			}
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to retrieve user for password reset")
		}

		if !user.IsActive {
			h.logger.Info("password reset requested for inactive user %s", user.ID)
			user = nil
			return nil
		}

		token, resp.Reset, err = h.resets.CreateTx(ctx, tx, user.ID, event.IPAddress)
		return err
	})

	if err != nil {
		var richErr *goerrors.Error
		if goerrors.As(err, &richErr) {
			return richErr
		}
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to initialize password reset")
	}

	if user != nil {
		h.mailer.SendPasswordReset(user.Email, token, resp.Reset.ExpiresAt)
		h.recorder().record(ctx, ActivityEvent{
			EventType: ActivityEventPasswordResetRequest,
			Actor:     ActorRef{ID: user.ID.String(), Type: ActorTypeUser},
			UserID:    user.ID.String(),
			Metadata:  map[string]any{"ip_address": event.IPAddress},
		})
	}

	resp.Success = true
	if event.OnResponse != nil {
		event.OnResponse(resp)
	}

	return nil
}
