package auth

import (
	"context"
	"time"
)

// ActivityEventType enumerates supported activity categories.
type ActivityEventType string

const (
	ActivityEventLoginSuccess         ActivityEventType = "auth.login.success"
	ActivityEventLoginFailure         ActivityEventType = "auth.login.failure"
	ActivityEventLogout               ActivityEventType = "auth.logout"
	ActivityEventTokenRefreshed       ActivityEventType = "auth.token.refreshed"
	ActivityEventUserRegistered       ActivityEventType = "auth.user.registered"
	ActivityEventUserDeleted          ActivityEventType = "auth.user.deleted"
	ActivityEventPasswordResetRequest ActivityEventType = "auth.password.reset_requested"
	ActivityEventPasswordResetSuccess ActivityEventType = "auth.password.reset"
	ActivityEventEmailVerified        ActivityEventType = "auth.email.verified"
	ActivityEventInvitationCreated    ActivityEventType = "org.invitation.created"
	ActivityEventInvitationTransition ActivityEventType = "org.invitation.status.changed"
	ActivityEventMembershipChanged    ActivityEventType = "org.membership.changed"
	ActivityEventRoleAssigned         ActivityEventType = "rbac.role.assigned"
	ActivityEventRoleRemoved          ActivityEventType = "rbac.role.removed"
	ActivityEventQuotaRejected        ActivityEventType = "usage.quota.rejected"
	ActivityEventUsageRecorded        ActivityEventType = "usage.recorded"
	ActivityEventOrganizationCreated  ActivityEventType = "org.created"
)

// Actor types.
const (
	ActorTypeUser   = "user"
	ActorTypeSystem = "system"
)

// ActorRef identifies who/what triggered an action.
type ActorRef struct {
	ID   string
	Type string
}

// ActivityEvent captures audit-friendly information about an action.
type ActivityEvent struct {
	EventType      ActivityEventType
	Actor          ActorRef
	UserID         string
	OrganizationID string
	FromStatus     string
	ToStatus       string
	Metadata       map[string]any
	OccurredAt     time.Time
}

// ActivitySink consumes activity events for auditing/telemetry purposes.
type ActivitySink interface {
	Record(ctx context.Context, event ActivityEvent) error
}

// ActivitySinkFunc adapts a function to the ActivitySink interface.
type ActivitySinkFunc func(ctx context.Context, event ActivityEvent) error

// Record implements ActivitySink.
func (f ActivitySinkFunc) Record(ctx context.Context, event ActivityEvent) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

type noopActivitySink struct{}

func (noopActivitySink) Record(context.Context, ActivityEvent) error {
	return nil
}

func normalizeActivitySink(s ActivitySink) ActivitySink {
	if s == nil {
		return noopActivitySink{}
	}
	return s
}

// MultiActivitySink fans an event out to several sinks. The first error is
// returned after every sink has been called.
type MultiActivitySink []ActivitySink

// Record implements ActivitySink.
func (m MultiActivitySink) Record(ctx context.Context, event ActivityEvent) error {
	var first error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// activityRecorder fills defaults and logs sink failures
type activityRecorder struct {
	sink   ActivitySink
	logger Logger
	now    func() time.Time
}

func (r activityRecorder) record(ctx context.Context, event ActivityEvent) {
	if event.Actor == (ActorRef{}) {
		event.Actor = ActorFromContext(ctx)
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = normalizeClock(r.now)()
	}
	if err := normalizeActivitySink(r.sink).Record(ctx, event); err != nil {
		normalizeLogger(r.logger).Warn("activity sink error: %v", err)
	}
}
