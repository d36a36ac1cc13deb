package activitymap_test

import (
	"context"
	"testing"
	"time"

	auth "github.com/goliatone/go-auth-tenancy"
	"github.com/goliatone/go-auth-tenancy/activitymap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapRoleAssignment(t *testing.T) {
	at := time.Date(2026, 3, 2, 14, 0, 0, 0, time.FixedZone("TRT", 3*3600))
	rec := activitymap.Map(auth.ActivityEvent{
		EventType:      auth.ActivityEventRoleAssigned,
		Actor:          auth.ActorRef{ID: "admin-1", Type: "user"},
		UserID:         "user-7",
		OrganizationID: "org-3",
		FromStatus:     auth.RoleGuest,
		ToStatus:       auth.RoleLawyer,
		Metadata:       map[string]any{"ticket": "OPS-12"},
		OccurredAt:     at,
	})

	assert.Equal(t, "org-3", rec.Tenant)
	assert.Equal(t, "admin-1", rec.Actor)
	assert.Equal(t, "user", rec.ActorKind)
	assert.Equal(t, "rbac", rec.Domain)
	assert.Equal(t, string(auth.ActivityEventRoleAssigned), rec.Action)
	assert.Equal(t, activitymap.Subject{Kind: activitymap.SubjectUser, ID: "user-7"}, rec.Subject)
	require.NotNil(t, rec.Transition)
	assert.Equal(t, auth.RoleGuest, rec.Transition.From)
	assert.Equal(t, auth.RoleLawyer, rec.Transition.To)
	assert.Equal(t, "OPS-12", rec.Attributes["ticket"])
	assert.Equal(t, time.UTC, rec.At.Location())
	assert.True(t, rec.At.Equal(at))
}

func TestMapSubjects(t *testing.T) {
	cases := []struct {
		name  string
		event auth.ActivityEvent
		want  activitymap.Subject
	}{
		{
			name: "invitation id from metadata",
			event: auth.ActivityEvent{
				EventType:      auth.ActivityEventInvitationTransition,
				OrganizationID: "org-1",
				Metadata:       map[string]any{"invitation_id": "inv-9"},
			},
			want: activitymap.Subject{Kind: activitymap.SubjectInvitation, ID: "inv-9"},
		},
		{
			name:  "organization uses tenant id",
			event: auth.ActivityEvent{EventType: auth.ActivityEventOrganizationCreated, OrganizationID: "org-2"},
			want:  activitymap.Subject{Kind: activitymap.SubjectOrganization, ID: "org-2"},
		},
		{
			name:  "membership keyed by user",
			event: auth.ActivityEvent{EventType: auth.ActivityEventMembershipChanged, UserID: "u-1", OrganizationID: "org-2"},
			want:  activitymap.Subject{Kind: activitymap.SubjectMembership, ID: "u-1"},
		},
		{
			name: "password reset",
			event: auth.ActivityEvent{
				EventType: auth.ActivityEventPasswordResetSuccess,
				UserID:    "u-2",
				Metadata:  map[string]any{"password_reset_id": "pr-5"},
			},
			want: activitymap.Subject{Kind: activitymap.SubjectPasswordReset, ID: "pr-5"},
		},
		{
			name:  "unknown event falls back to user",
			event: auth.ActivityEvent{EventType: "billing.invoice.paid", UserID: "u-3"},
			want:  activitymap.Subject{Kind: activitymap.SubjectUser, ID: "u-3"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, activitymap.Map(tc.event).Subject)
		})
	}
}

func TestMapActorFallback(t *testing.T) {
	login := activitymap.Map(auth.ActivityEvent{EventType: auth.ActivityEventLoginSuccess, UserID: "u-1"})
	assert.Equal(t, "u-1", login.Actor, "auth events are self-service")

	usage := activitymap.Map(auth.ActivityEvent{EventType: auth.ActivityEventUsageRecorded, UserID: "u-1"})
	assert.Equal(t, activitymap.SystemActor, usage.Actor)
	assert.Equal(t, "usage", usage.Domain)
	assert.Nil(t, usage.Transition)
	assert.Nil(t, usage.Attributes)
}

func TestMapOptions(t *testing.T) {
	fixed := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	event := auth.ActivityEvent{
		EventType: auth.ActivityEventUsageRecorded,
		UserID:    "u-1",
		Metadata:  map[string]any{"usage_log_id": "log-4", "email": "a@example.com", "tokens": 12},
	}

	rec := activitymap.Map(event,
		activitymap.WithSubject(auth.ActivityEventUsageRecorded, "usage_log", "usage_log_id"),
		activitymap.WithRedactedAttributes("email"),
		activitymap.WithClock(func() time.Time { return fixed }),
	)

	assert.Equal(t, activitymap.Subject{Kind: "usage_log", ID: "log-4"}, rec.Subject)
	assert.NotContains(t, rec.Attributes, "email")
	assert.Equal(t, 12, rec.Attributes["tokens"])
	assert.Equal(t, fixed, rec.At)
	assert.Equal(t, "a@example.com", event.Metadata["email"], "source metadata is untouched")
}

func TestSink(t *testing.T) {
	var got []activitymap.Record
	sink := activitymap.Sink(func(_ context.Context, rec activitymap.Record) error {
		got = append(got, rec)
		return nil
	}, activitymap.WithRedactedAttributes("ip_address"))

	err := sink.Record(context.Background(), auth.ActivityEvent{
		EventType: auth.ActivityEventPasswordResetRequest,
		UserID:    "u-1",
		Metadata:  map[string]any{"ip_address": "10.0.0.1"},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Empty(t, got[0].Attributes)

	assert.NoError(t, activitymap.Sink(nil).Record(context.Background(), auth.ActivityEvent{}))
}
