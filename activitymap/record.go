// Package activitymap turns tenancy activity events into flat audit records
// that log pipelines and warehouses can ingest without knowing the auth types.
package activitymap

import (
	"context"
	"strings"
	"time"

	auth "github.com/goliatone/go-auth-tenancy"
)

// SystemActor is reported when an event has no acting principal.
const SystemActor = "system"

// Subject kinds reported in Record.Subject.Kind.
const (
	SubjectUser          = "user"
	SubjectOrganization  = "organization"
	SubjectInvitation    = "invitation"
	SubjectMembership    = "membership"
	SubjectPasswordReset = "password_reset"
)

// Record is the audit shape emitted for a single activity event.
type Record struct {
	Tenant     string         `json:"tenant,omitempty"`
	Actor      string         `json:"actor"`
	ActorKind  string         `json:"actor_kind,omitempty"`
	Domain     string         `json:"domain"`
	Action     string         `json:"action"`
	Subject    Subject        `json:"subject"`
	Transition *Transition    `json:"transition,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	At         time.Time      `json:"at"`
}

// Subject identifies what the event acted on.
type Subject struct {
	Kind string `json:"kind"`
	ID   string `json:"id,omitempty"`
}

// Transition is set for events that move something between states or roles.
type Transition struct {
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

// subjectRule says where to find the subject id for an event type. An empty
// key means the event's user id.
type subjectRule struct {
	kind string
	key  string
}

var defaultSubjects = map[auth.ActivityEventType]subjectRule{
	auth.ActivityEventInvitationCreated:    {kind: SubjectInvitation, key: "invitation_id"},
	auth.ActivityEventInvitationTransition: {kind: SubjectInvitation, key: "invitation_id"},
	auth.ActivityEventMembershipChanged:    {kind: SubjectMembership},
	auth.ActivityEventOrganizationCreated:  {kind: SubjectOrganization, key: "organization_id"},
	auth.ActivityEventPasswordResetSuccess: {kind: SubjectPasswordReset, key: "password_reset_id"},
}

// Option customizes how events are mapped.
type Option func(*mapper)

type mapper struct {
	subjects map[auth.ActivityEventType]subjectRule
	redact   map[string]struct{}
	now      func() time.Time
}

// WithSubject overrides the subject kind and id key for one event type.
func WithSubject(eventType auth.ActivityEventType, kind, idKey string) Option {
	return func(m *mapper) {
		m.subjects[eventType] = subjectRule{kind: kind, key: idKey}
	}
}

// WithRedactedAttributes drops the given metadata keys from every record.
func WithRedactedAttributes(keys ...string) Option {
	return func(m *mapper) {
		for _, k := range keys {
			m.redact[k] = struct{}{}
		}
	}
}

// WithClock sets the timestamp source for events that carry none.
func WithClock(now func() time.Time) Option {
	return func(m *mapper) {
		if now != nil {
			m.now = now
		}
	}
}

func newMapper(opts []Option) *mapper {
	m := &mapper{
		subjects: make(map[auth.ActivityEventType]subjectRule, len(defaultSubjects)),
		redact:   map[string]struct{}{},
		now:      time.Now,
	}
	for k, v := range defaultSubjects {
		m.subjects[k] = v
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Map converts one event into a Record.
func Map(event auth.ActivityEvent, opts ...Option) Record {
	return newMapper(opts).mapEvent(event)
}

// Sink forwards mapped records to emit. The options are resolved once.
func Sink(emit func(ctx context.Context, rec Record) error, opts ...Option) auth.ActivitySink {
	m := newMapper(opts)
	return auth.ActivitySinkFunc(func(ctx context.Context, event auth.ActivityEvent) error {
		if emit == nil {
			return nil
		}
		return emit(ctx, m.mapEvent(event))
	})
}

func (m *mapper) mapEvent(event auth.ActivityEvent) Record {
	action := string(event.EventType)
	domain, _, _ := strings.Cut(action, ".")

	at := event.OccurredAt
	if at.IsZero() {
		at = m.now()
	}

	rec := Record{
		Tenant:     strings.TrimSpace(event.OrganizationID),
		Actor:      m.actor(event, domain),
		ActorKind:  strings.TrimSpace(event.Actor.Type),
		Domain:     domain,
		Action:     action,
		Subject:    m.subject(event),
		Attributes: m.attributes(event.Metadata),
		At:         at.UTC(),
	}
	if event.FromStatus != "" || event.ToStatus != "" {
		rec.Transition = &Transition{From: event.FromStatus, To: event.ToStatus}
	}
	return rec
}

// Self-service auth events are attributed to the user when no actor is set.
func (m *mapper) actor(event auth.ActivityEvent, domain string) string {
	if id := strings.TrimSpace(event.Actor.ID); id != "" {
		return id
	}
	if domain == "auth" {
		if id := strings.TrimSpace(event.UserID); id != "" {
			return id
		}
	}
	return SystemActor
}

func (m *mapper) subject(event auth.ActivityEvent) Subject {
	rule, ok := m.subjects[event.EventType]
	if !ok {
		rule = subjectRule{kind: SubjectUser}
	}

	id := ""
	switch rule.key {
	case "":
		id = event.UserID
	case "organization_id":
		id = event.OrganizationID
	default:
		if v, ok := event.Metadata[rule.key].(string); ok {
			id = v
		}
	}
	return Subject{Kind: rule.kind, ID: strings.TrimSpace(id)}
}

func (m *mapper) attributes(meta map[string]any) map[string]any {
	var out map[string]any
	for k, v := range meta {
		if _, hidden := m.redact[k]; hidden {
			continue
		}
		if out == nil {
			out = make(map[string]any, len(meta))
		}
		out[k] = v
	}
	return out
}
