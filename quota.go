package auth

import (
	"fmt"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

// QuotaScope identifies which window was exceeded
type QuotaScope string

const (
	QuotaScopeDaily   QuotaScope = "daily"
	QuotaScopeMonthly QuotaScope = "monthly"
)

// Quotas is the quota block embedded in access claims
type Quotas struct {
	DailyQueryLimit    *int `json:"daily_query_limit"`
	MonthlyQueryLimit  *int `json:"monthly_query_limit"`
	DailyDocumentLimit *int `json:"daily_document_limit"`
	MaxDocumentSizeMB  int  `json:"max_document_size_mb"`
}

// QuotasFor builds the quota block for a user
func QuotasFor(u *User) Quotas {
	return Quotas{
		DailyQueryLimit:    copyIntPtr(u.DailyQueryLimit),
		MonthlyQueryLimit:  copyIntPtr(u.MonthlyQueryLimit),
		DailyDocumentLimit: copyIntPtr(u.DailyDocumentUploadLimit),
		MaxDocumentSizeMB:  u.MaxDocumentSizeMB,
	}
}

// UsageCounts are the windowed counts used for quota checks
type UsageCounts struct {
	Today     int
	ThisMonth int
}

// QuotaExceededError carries what a caller needs to back off
type QuotaExceededError struct {
	Scope   QuotaScope `json:"scope"`
	Limit   int        `json:"limit"`
	Used    int        `json:"used"`
	ResetAt time.Time  `json:"reset_time"`
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s query limit exceeded: used %d of %d, resets at %s",
		e.Scope, e.Used, e.Limit, e.ResetAt.Format(time.RFC3339))
}

// Unwrap exposes the rich error so MatchError and goerrors.As work
func (e *QuotaExceededError) Unwrap() error {
	return e.RichError()
}

// RichError converts the failure into a go-errors value with metadata
func (e *QuotaExceededError) RichError() *goerrors.Error {
	base := ErrDailyLimitExceeded
	if e.Scope == QuotaScopeMonthly {
		base = ErrMonthlyLimitExceeded
	}
	return withMetadata(base, map[string]any{
		"limit":      e.Limit,
		"used":       e.Used,
		"reset_time": e.ResetAt.Format(time.RFC3339),
	})
}

// RetryAfter returns the wait until the window resets, never negative
func (e *QuotaExceededError) RetryAfter(now time.Time) time.Duration {
	d := e.ResetAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// RemainingCredits returns nil for unlimited, else max(0, limit-usage)
func RemainingCredits(limit *int, usageToday int) *int {
	if limit == nil {
		return nil
	}
	remaining := *limit - usageToday
	if remaining < 0 {
		remaining = 0
	}
	return &remaining
}

// StartOfDay returns UTC midnight of t's day
func StartOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// StartOfMonth returns the first instant of t's month in UTC
func StartOfMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// NextDailyReset is the next UTC midnight
func NextDailyReset(now time.Time) time.Time {
	return StartOfDay(now).AddDate(0, 0, 1)
}

// NextMonthlyReset is the first day of next month, UTC
func NextMonthlyReset(now time.Time) time.Time {
	return StartOfMonth(now).AddDate(0, 1, 0)
}

// QuotaEngine evaluates limits. It holds no state.
type QuotaEngine struct{}

// Check runs the ordered checks: active, daily, monthly. The first
// failure wins and nothing is mutated.
func (QuotaEngine) Check(u *User, counts UsageCounts, now time.Time) error {
	if !u.IsActive {
		return ErrUserInactive
	}

	if u.DailyQueryLimit != nil && counts.Today >= *u.DailyQueryLimit {
		return &QuotaExceededError{
			Scope:   QuotaScopeDaily,
			Limit:   *u.DailyQueryLimit,
			Used:    counts.Today,
			ResetAt: NextDailyReset(now),
		}
	}

	if u.MonthlyQueryLimit != nil && counts.ThisMonth >= *u.MonthlyQueryLimit {
		return &QuotaExceededError{
			Scope:   QuotaScopeMonthly,
			Limit:   *u.MonthlyQueryLimit,
			Used:    counts.ThisMonth,
			ResetAt: NextMonthlyReset(now),
		}
	}

	return nil
}

func copyIntPtr(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func intPtr(v int) *int {
	return &v
}
