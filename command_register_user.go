package auth

import (
	"context"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/nyaruka/phonenumbers"
	"github.com/uptrace/bun"
)

const defaultPhoneRegion = "US"

type RegisterUserMessage struct {
	FullName        string `json:"full_name"`
	Email           string `json:"email"`
	Phone           string `json:"phone"`
	PhoneRegion     string `json:"phone_region"`
	CouponCode      string `json:"coupon_code"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"password_confirm"`
	AcceptTerms     bool   `json:"accept_terms"`
	InvitationToken string `json:"invitation_token"`
	// UseHashid derives the user id from the email
	UseHashid  bool
	OnResponse func(resp *RegisterUserResponse)
}

func (e RegisterUserMessage) Type() string { return "user.register" }

func (e RegisterUserMessage) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.FullName, validation.Required, validation.Length(1, 200)),
		validation.Field(&e.Email, validation.Required, is.Email),
		validation.Field(&e.Password, validation.Required, validation.Length(8, 128)),
		validation.Field(&e.PasswordConfirm, validation.Required),
		validation.Field(&e.CouponCode, validation.Length(0, 50)),
	)
}

type RegisterUserResponse struct {
	User       *User
	Invitation *Invitation
	// Verification is nil when the code could not be issued; the user can
	// request a new one later.
	Verification *EmailVerification
}

type RegisterUserHandler struct {
	repo          RepositoryManager
	cfg           Config
	passwords     PasswordAuthenticator
	memberships   *Memberships
	verifications *EmailVerifications
	mailer        *EmailDispatcher
	serviceDeps
}

// NewRegisterUserHandler wires registration. memberships is used only for
// messages that carry an invitation token.
func NewRegisterUserHandler(repo RepositoryManager, cfg Config, memberships *Memberships, verifications *EmailVerifications, mailer *EmailDispatcher, opts ...ServiceOption) *RegisterUserHandler {
	return &RegisterUserHandler{
		repo:          repo,
		cfg:           cfg,
		passwords:     NewBcryptAuthenticator(cfg.BcryptCost),
		memberships:   memberships,
		verifications: verifications,
		mailer:        mailer,
		serviceDeps:   buildServiceDeps(opts),
	}
}

// WithPasswordAuthenticator overrides the password hasher
func (h *RegisterUserHandler) WithPasswordAuthenticator(p PasswordAuthenticator) *RegisterUserHandler {
	if p != nil {
		h.passwords = p
	}
	return h
}

func (h *RegisterUserHandler) Execute(ctx context.Context, event RegisterUserMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during user registration",
		)
	default:
		return h.execute(ctx, event)
	}
}

func (h *RegisterUserHandler) execute(ctx context.Context, event RegisterUserMessage) error {
	if err := event.Validate(); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryValidation, "invalid registration")
	}

	if event.Password != event.PasswordConfirm {
		return ErrPasswordMismatch
	}

	phone, err := normalizePhone(event.Phone, event.PhoneRegion)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	resp := &RegisterUserResponse{}
	now := h.now()

	err = h.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		exists, err := h.repo.Users().EmailExistsTx(ctx, tx, event.Email)
		if err != nil {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to check email")
		}
		if exists {
			return withMetadata(ErrEmailAlreadyRegistered, map[string]any{"email": normalizeEmail(event.Email)})
		}

		hash, err := h.passwords.HashPassword(event.Password)
		if err != nil {
			var richErr *goerrors.Error
			if goerrors.As(err, &richErr) {
				return goerrors.Wrap(richErr, goerrors.CategoryValidation, "invalid password provided")
			}
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to hash password")
		}

		first, last := splitFullName(event.FullName)
		user := &User{
			Email:        event.Email,
			PasswordHash: hash,
			FirstName:    first,
			LastName:     last,
			Phone:        phone,
			CouponCode:   strings.TrimSpace(event.CouponCode),
			IsActive:     true,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if event.AcceptTerms {
			user.TermsAcceptedAt = &now
			user.PrivacyAcceptedAt = &now
		}
		if event.UseHashid {
			if id, err := hashid.NewUUID(normalizeEmail(event.Email)); err == nil {
				user.ID = id
			}
		}

		if user, err = h.repo.Users().InsertTx(ctx, tx, user); err != nil {
			return goerrors.Wrap(err, goerrors.CategoryConflict, "could not create user")
		}

		guest, err := h.repo.Roles().FindByNameTx(ctx, tx, RoleGuest)
		switch {
		case err == nil:
			if err := replaceRolesTx(ctx, tx, h.repo, user, guest, nil, now, h.cfg.Quotas.DefaultMaxDocumentSizeMB); err != nil {
				return err
			}
		case isNotFound(err):
			h.logger.Warn("guest role is not seeded, %s registered without a role", user.Email)
		default:
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to look up guest role")
		}

		if event.InvitationToken != "" && h.memberships != nil {
			inv, err := h.memberships.AcceptPendingForUser(ctx, tx, user, event.InvitationToken)
			if err != nil {
				return err
			}
			resp.Invitation = inv
		}

		resp.User = user
		return nil
	})

	if err != nil {
		var richErr *goerrors.Error
		if goerrors.As(err, &richErr) {
			return richErr
		}

		return goerrors.Wrap(err, goerrors.CategoryInternal, "user registration transaction failed")
	}

	h.recorder().record(ctx, ActivityEvent{
		EventType: ActivityEventUserRegistered,
		Actor:     ActorRef{ID: resp.User.ID.String(), Type: ActorTypeUser},
		UserID:    resp.User.ID.String(),
		Metadata:  map[string]any{"email": resp.User.Email, "invited": resp.Invitation != nil},
	})

	if h.verifications != nil {
		rec, err := h.verifications.Issue(ctx, resp.User.Email)
		if err != nil {
			h.logger.Warn("failed to issue verification code for %s: %v", resp.User.Email, err)
		} else {
			resp.Verification = rec
			h.mailer.SendVerificationCode(rec)
		}
	}

	if event.OnResponse != nil {
		event.OnResponse(resp)
	}

	return nil
}

// splitFullName puts the first word in first and the rest in last
func splitFullName(full string) (string, string) {
	parts := strings.Fields(full)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	default:
		return parts[0], strings.Join(parts[1:], " ")
	}
}

// normalizePhone returns the E.164 form, or "" for an empty input
func normalizePhone(raw, region string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	if region == "" {
		region = defaultPhoneRegion
	}

	num, err := phonenumbers.Parse(raw, strings.ToUpper(region))
	if err != nil || !phonenumbers.IsValidNumber(num) {
		return "", goerrors.New("invalid phone number", goerrors.CategoryValidation).
			WithCode(goerrors.CodeBadRequest).
			WithTextCode("INVALID_PHONE").
			WithMetadata(map[string]any{"phone": raw})
	}

	return phonenumbers.Format(num, phonenumbers.E164), nil
}
