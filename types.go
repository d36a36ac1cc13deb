package auth

import (
	"context"
	"fmt"
	"time"
)

// Logger is the logging contract used across the package.
// logging.Logrus provides a production implementation.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// PasswordAuthenticator authenticates passwords
type PasswordAuthenticator interface {
	HashPassword(password string) (string, error)
	ComparePasswordAndHash(password, hash string) error
}

// EmailSender delivers transactional email. Failures are logged by callers
// and never fail the operation that triggered the email.
type EmailSender interface {
	Send(ctx context.Context, to, subject, html string) error
}

type defLogger struct{}

func (d defLogger) Error(format string, args ...any) {
	fmt.Printf("[ERR] AUTH "+newline(format), args...)
}

func (d defLogger) Warn(format string, args ...any) {
	fmt.Printf("[WRN] AUTH "+newline(format), args...)
}

func (d defLogger) Info(format string, args ...any) {
	fmt.Printf("[INF] AUTH "+newline(format), args...)
}

func (d defLogger) Debug(format string, args ...any) {
	fmt.Printf("[DBG] AUTH "+newline(format), args...)
}

func newline(s string) string {
	if len(s) > 0 && s[len(s)-1] != '\n' {
		s += "\n"
	}
	return s
}

func normalizeLogger(l Logger) Logger {
	if l == nil {
		return defLogger{}
	}
	return l
}

func utcNow() time.Time {
	return time.Now().UTC()
}

func normalizeClock(now func() time.Time) func() time.Time {
	if now == nil {
		return utcNow
	}
	return func() time.Time { return now().UTC() }
}
