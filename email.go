package auth

import (
	"context"
	"fmt"
	"html"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// EmailDispatcher sends transactional email in the background. Sends are
// throttled and failures are only logged.
type EmailDispatcher struct {
	sender  EmailSender
	limiter *rate.Limiter
	baseURL string
	logger  Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewEmailDispatcher wraps sender. A nil sender turns every send into a no-op.
func NewEmailDispatcher(sender EmailSender, cfg EmailConfig, logger Logger) *EmailDispatcher {
	limit := rate.Limit(cfg.RatePerSecond)
	if cfg.RatePerSecond <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &EmailDispatcher{
		sender:  sender,
		limiter: rate.NewLimiter(limit, burst),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		logger:  normalizeLogger(logger),
		timeout: 30 * time.Second,
	}
}

// Dispatch queues a message. The request context is not used for the
// send itself, so the email survives the request.
func (d *EmailDispatcher) Dispatch(to, subject, body string) {
	if d == nil || d.sender == nil {
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		if err := d.limiter.Wait(ctx); err != nil {
			d.logger.Warn("email to %s dropped by rate limiter: %v", to, err)
			return
		}

		if err := d.sender.Send(ctx, to, subject, body); err != nil {
			d.logger.Error("failed to send email %q to %s: %v", subject, to, err)
		}
	}()
}

// Wait blocks until every queued send finished
func (d *EmailDispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}

func (d *EmailDispatcher) link(path string, query url.Values) string {
	if d == nil {
		return path
	}
	return d.baseURL + path + "?" + query.Encode()
}

// SendInvitation emails the invitation link
func (d *EmailDispatcher) SendInvitation(inv *Invitation, orgName string) {
	link := d.link("/invitations/accept", url.Values{"token": {inv.Token}})
	body := fmt.Sprintf(
		`<p>You have been invited to join <strong>%s</strong> as %s.</p><p><a href="%s">Accept invitation</a></p><p>This link expires on %s.</p>`,
		html.EscapeString(orgName),
		html.EscapeString(inv.Role),
		html.EscapeString(link),
		inv.ExpiresAt.Format(time.RFC1123),
	)
	d.Dispatch(inv.Email, "You have been invited to "+orgName, body)
}

// SendVerificationCode emails a numeric verification code
func (d *EmailDispatcher) SendVerificationCode(rec *EmailVerification) {
	body := fmt.Sprintf(
		`<p>Your verification code is <strong>%s</strong>.</p><p>It expires on %s.</p>`,
		html.EscapeString(rec.Code),
		rec.ExpiresAt.Format(time.RFC1123),
	)
	d.Dispatch(rec.Email, "Verify your email", body)
}

// SendPasswordReset emails the reset link
func (d *EmailDispatcher) SendPasswordReset(email, token string, expiresAt time.Time) {
	link := d.link("/password-reset", url.Values{"token": {token}})
	body := fmt.Sprintf(
		`<p>Use the link below to reset your password.</p><p><a href="%s">Reset password</a></p><p>This link expires on %s.</p>`,
		html.EscapeString(link),
		expiresAt.Format(time.RFC1123),
	)
	d.Dispatch(email, "Reset your password", body)
}
