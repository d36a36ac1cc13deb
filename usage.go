package auth

import (
	"context"
	"errors"

	validation "github.com/go-ozzo/ozzo-validation"
	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// UsageRequest describes one unit of consumption
type UsageRequest struct {
	UserID         uuid.UUID
	ServiceType    string
	TokensUsed     int
	ProcessingTime float64
	Metadata       map[string]any
}

// Validate checks the request before the quota check runs
func (r UsageRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.UserID, validation.By(requireUUID)),
		validation.Field(&r.ServiceType, validation.Required, validation.Length(1, 50)),
		validation.Field(&r.TokensUsed, validation.Min(0)),
		validation.Field(&r.ProcessingTime, validation.Min(float64(0))),
	)
}

// ConsumeResult reports what Consume did. Recorded is false when the
// request was a duplicate and nothing was counted.
type ConsumeResult struct {
	Recorded         bool `json:"recorded"`
	RemainingCredits *int `json:"remaining_credits"`
	DailyUsage       int  `json:"daily_usage"`
	MonthlyUsage     int  `json:"monthly_usage"`
}

// UsageStats is the usage summary for a user
type UsageStats struct {
	DailyUsage             int    `json:"daily_usage"`
	MonthlyUsage           int    `json:"monthly_usage"`
	TotalTokensUsed        int    `json:"total_tokens_used"`
	TotalQueriesUsed       int    `json:"total_queries_used"`
	TotalDocumentsUploaded int    `json:"total_documents_uploaded"`
	RemainingCredits       *int   `json:"remaining_credits"`
	Quotas                 Quotas `json:"quotas"`
}

// UsageLogPage is one page of usage logs
type UsageLogPage struct {
	Logs  []*UsageLog `json:"logs"`
	Total int         `json:"total"`
	Page  int         `json:"page"`
	Size  int         `json:"size"`
}

const (
	defaultUsagePageSize = 20
	maxUsagePageSize     = 100
)

// UsageRecorder meters consumption against the user's quotas
type UsageRecorder struct {
	repo   RepositoryManager
	cfg    Config
	engine QuotaEngine
	serviceDeps
}

// NewUsageRecorder wires the usage recorder
func NewUsageRecorder(repo RepositoryManager, cfg Config, opts ...ServiceOption) *UsageRecorder {
	return &UsageRecorder{
		repo:        repo,
		cfg:         cfg,
		serviceDeps: buildServiceDeps(opts),
	}
}

// CountsTx returns the user's usage for the current day and month
func (s *UsageRecorder) CountsTx(ctx context.Context, tx bun.IDB, userID uuid.UUID) (UsageCounts, error) {
	now := s.now()
	store := s.repo.UsageLogs()

	today, err := store.CountSinceTx(ctx, tx, userID, StartOfDay(now))
	if err != nil {
		return UsageCounts{}, internalError(err, "failed to count daily usage")
	}

	month, err := store.CountSinceTx(ctx, tx, userID, StartOfMonth(now))
	if err != nil {
		return UsageCounts{}, internalError(err, "failed to count monthly usage")
	}

	return UsageCounts{Today: today, ThisMonth: month}, nil
}

// Consume checks the quota and records the usage. Retried requests that
// land on the same (user, service, timestamp) are absorbed.
func (s *UsageRecorder) Consume(ctx context.Context, req UsageRequest) (*ConsumeResult, error) {
	if err := req.Validate(); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryValidation, "invalid usage request")
	}

	var result *ConsumeResult
	err := s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		result, err = s.ConsumeTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ConsumeTx is Consume inside the caller's transaction
func (s *UsageRecorder) ConsumeTx(ctx context.Context, tx bun.IDB, req UsageRequest) (*ConsumeResult, error) {
	now := s.now()

	user, err := findUserTx(ctx, tx, s.repo, req.UserID)
	if err != nil {
		return nil, err
	}

	counts, err := s.CountsTx(ctx, tx, user.ID)
	if err != nil {
		return nil, err
	}

	if err := s.engine.Check(user, counts, now); err != nil {
		s.recordRejection(ctx, user, req, err)
		return nil, err
	}

	rec := &UsageLog{
		UserID:         user.ID,
		ServiceType:    req.ServiceType,
		TokensUsed:     req.TokensUsed,
		ProcessingTime: req.ProcessingTime,
		Metadata:       req.Metadata,
		CreatedAt:      now,
	}

	inserted, err := s.repo.UsageLogs().InsertIdempotentTx(ctx, tx, rec)
	if err != nil {
		return nil, internalError(err, "failed to record usage")
	}

	if inserted {
		documents := 0
		if s.cfg.isDocumentService(req.ServiceType) {
			documents = 1
		}
		if err := s.repo.Users().IncrementUsageTx(ctx, tx, user.ID, 1, documents); err != nil {
			return nil, internalError(err, "failed to increment usage counters")
		}
		counts.Today++
		counts.ThisMonth++

		s.recorder().record(ctx, ActivityEvent{
			EventType: ActivityEventUsageRecorded,
			UserID:    user.ID.String(),
			Metadata: map[string]any{
				"service_type": req.ServiceType,
				"tokens_used":  req.TokensUsed,
			},
		})
	} else {
		s.logger.Debug("duplicate usage for user %s on %s ignored", user.ID, req.ServiceType)
	}

	return &ConsumeResult{
		Recorded:         inserted,
		RemainingCredits: RemainingCredits(user.DailyQueryLimit, counts.Today),
		DailyUsage:       counts.Today,
		MonthlyUsage:     counts.ThisMonth,
	}, nil
}

func (s *UsageRecorder) recordRejection(ctx context.Context, user *User, req UsageRequest, cause error) {
	meta := map[string]any{"service_type": req.ServiceType}

	var quotaErr *QuotaExceededError
	if errors.As(cause, &quotaErr) {
		meta["scope"] = string(quotaErr.Scope)
		meta["limit"] = quotaErr.Limit
		meta["used"] = quotaErr.Used
	} else {
		meta["reason"] = cause.Error()
	}

	s.recorder().record(ctx, ActivityEvent{
		EventType: ActivityEventQuotaRejected,
		UserID:    user.ID.String(),
		Metadata:  meta,
	})
}

// Stats summarizes the user's usage and limits
func (s *UsageRecorder) Stats(ctx context.Context, userID uuid.UUID) (*UsageStats, error) {
	db := s.repo.DB()

	user, err := findUserTx(ctx, db, s.repo, userID)
	if err != nil {
		return nil, err
	}

	counts, err := s.CountsTx(ctx, db, userID)
	if err != nil {
		return nil, err
	}

	tokens, err := s.repo.UsageLogs().SumTokensTx(ctx, db, userID)
	if err != nil {
		return nil, internalError(err, "failed to sum token usage")
	}

	return &UsageStats{
		DailyUsage:             counts.Today,
		MonthlyUsage:           counts.ThisMonth,
		TotalTokensUsed:        tokens,
		TotalQueriesUsed:       user.TotalQueriesUsed,
		TotalDocumentsUploaded: user.TotalDocumentsUploaded,
		RemainingCredits:       RemainingCredits(user.DailyQueryLimit, counts.Today),
		Quotas:                 QuotasFor(user),
	}, nil
}

// ListLogs returns the user's logs newest first. page starts at 1.
func (s *UsageRecorder) ListLogs(ctx context.Context, userID uuid.UUID, page, size int) (*UsageLogPage, error) {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = defaultUsagePageSize
	}
	if size > maxUsagePageSize {
		size = maxUsagePageSize
	}

	logs, total, err := s.repo.UsageLogs().ListTx(ctx, s.repo.DB(), userID, size, (page-1)*size)
	if err != nil {
		return nil, internalError(err, "failed to list usage logs")
	}

	return &UsageLogPage{
		Logs:  logs,
		Total: total,
		Page:  page,
		Size:  size,
	}, nil
}
