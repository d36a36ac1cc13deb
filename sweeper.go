package auth

import (
	"context"
	"errors"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/robfig/cron/v3"
)

// Sweep job names
const (
	SweepInvitations    = "invitations"
	SweepBlacklist      = "blacklist"
	SweepPasswordResets = "password_resets"
	SweepRefreshTokens  = "refresh_tokens"
)

// SweepObserver is told about every finished job run
type SweepObserver func(job string, removed int, took time.Duration, err error)

type sweepJob struct {
	name string
	spec string
	run  func(ctx context.Context) (int, error)
}

// Sweeper runs the periodic cleanup jobs on a cron schedule
type Sweeper struct {
	jobs     []sweepJob
	cron     *cron.Cron
	logger   Logger
	timeout  time.Duration
	observer SweepObserver
}

// NewSweeper builds the job list from cfg.Maintenance. A job with an
// empty spec still runs in RunOnce but is never scheduled.
func NewSweeper(memberships *Memberships, lifecycle *TokenLifecycle, cfg Config, logger Logger) *Sweeper {
	days := cfg.PasswordReset.CleanupAfterDays
	return &Sweeper{
		jobs: []sweepJob{
			{name: SweepInvitations, spec: cfg.Maintenance.InvitationSweep, run: memberships.CleanupExpired},
			{name: SweepBlacklist, spec: cfg.Maintenance.BlacklistSweep, run: lifecycle.Blacklist.Cleanup},
			{name: SweepPasswordResets, spec: cfg.Maintenance.PasswordResetSweep, run: func(ctx context.Context) (int, error) {
				return lifecycle.PasswordResets.Cleanup(ctx, days)
			}},
			{name: SweepRefreshTokens, spec: cfg.Maintenance.RefreshTokenSweep, run: func(ctx context.Context) (int, error) {
				return lifecycle.RefreshTokens.Cleanup(ctx, 0)
			}},
		},
		cron:    cron.New(cron.WithLocation(time.UTC)),
		logger:  normalizeLogger(logger),
		timeout: time.Minute,
	}
}

// WithObserver registers a callback for job results
func (s *Sweeper) WithObserver(o SweepObserver) *Sweeper {
	s.observer = o
	return s
}

// Schedule registers every job that has a spec. It fails on the first
// spec cron cannot parse.
func (s *Sweeper) Schedule() error {
	for _, job := range s.jobs {
		if job.spec == "" {
			s.logger.Info("sweep job %s has no schedule", job.name)
			continue
		}

		job := job
		if _, err := s.cron.AddFunc(job.spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			defer cancel()
			s.runJob(ctx, job)
		}); err != nil {
			return goerrors.Wrap(err, goerrors.CategoryValidation, "invalid sweep schedule").
				WithTextCode(TextCodeInvalidSchedule).
				WithMetadata(map[string]any{"job": job.name, "spec": job.spec})
		}
	}
	return nil
}

// Start starts the scheduler in its own goroutine
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop stops the scheduler. The returned context is done once running
// jobs have finished.
func (s *Sweeper) Stop() context.Context {
	return s.cron.Stop()
}

// RunOnce runs every job once, in order, and joins their errors
func (s *Sweeper) RunOnce(ctx context.Context) (map[string]int, error) {
	removed := make(map[string]int, len(s.jobs))
	var errs []error
	for _, job := range s.jobs {
		n, err := s.runJob(ctx, job)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		removed[job.name] = n
	}
	return removed, errors.Join(errs...)
}

func (s *Sweeper) runJob(ctx context.Context, job sweepJob) (int, error) {
	start := time.Now()
	n, err := job.run(ctx)
	took := time.Since(start)

	if err != nil {
		s.logger.Error("sweep job %s failed: %v", job.name, err)
	} else if n > 0 {
		s.logger.Info("sweep job %s removed %d rows in %s", job.name, n, took)
	}

	if s.observer != nil {
		s.observer(job.name, n, took, err)
	}
	return n, err
}
