package auth_test

import (
	"context"
	"testing"

	auth "github.com/goliatone/go-auth-tenancy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaimsContext(t *testing.T) {
	ctx := context.Background()

	_, ok := auth.GetClaims(ctx)
	assert.False(t, ok)
	assert.False(t, auth.Can(ctx, "documents", "read"))
	assert.Equal(t, auth.ActorRef{Type: auth.ActorTypeSystem}, auth.ActorFromContext(ctx))

	claims := &auth.JWTClaims{
		Type: auth.TokenTypeAccess,
		AccessClaims: &auth.AccessClaims{
			Role:        auth.BucketViewer,
			Roles:       []string{auth.RoleViewer},
			Permissions: []auth.PermissionRef{{Resource: "documents", Action: "read"}},
		},
	}
	claims.RegisteredClaims.Subject = "user-3"

	ctx = auth.WithClaimsContext(ctx, claims)

	got, ok := auth.GetClaims(ctx)
	require.True(t, ok)
	assert.Equal(t, "user-3", got.UserID())
	assert.True(t, auth.Can(ctx, "documents", "read"))
	assert.False(t, auth.Can(ctx, "documents", "delete"))
	assert.Equal(t, auth.ActorRef{ID: "user-3", Type: auth.ActorTypeUser}, auth.ActorFromContext(ctx))
}

func TestUserContext(t *testing.T) {
	ctx := context.Background()

	_, ok := auth.FromContext(ctx)
	assert.False(t, ok)

	user := &auth.User{Email: "ctx@example.com"}
	got, ok := auth.FromContext(auth.WithContext(ctx, user))
	require.True(t, ok)
	assert.Same(t, user, got)
}

func TestActivitySinks(t *testing.T) {
	var seen []string
	first := auth.ActivitySinkFunc(func(_ context.Context, e auth.ActivityEvent) error {
		seen = append(seen, "first:"+string(e.EventType))
		return assert.AnError
	})
	second := &eventLog{}

	sink := auth.MultiActivitySink{first, nil, second}
	err := sink.Record(context.Background(), auth.ActivityEvent{EventType: auth.ActivityEventLoginSuccess})

	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, []string{"first:" + string(auth.ActivityEventLoginSuccess)}, seen)
	assert.Len(t, second.ofType(auth.ActivityEventLoginSuccess), 1, "later sinks still run")

	var nilFunc auth.ActivitySinkFunc
	assert.NoError(t, nilFunc.Record(context.Background(), auth.ActivityEvent{}))
}
