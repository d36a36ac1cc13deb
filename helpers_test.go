package auth_test

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	auth "github.com/goliatone/go-auth-tenancy"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

const testPassword = "correct horse battery"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, time.March, 15, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// eventLog is an ActivitySink that keeps every event
type eventLog struct {
	mu     sync.Mutex
	events []auth.ActivityEvent
}

func (l *eventLog) Record(_ context.Context, event auth.ActivityEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	return nil
}

func (l *eventLog) ofType(t auth.ActivityEventType) []auth.ActivityEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []auth.ActivityEvent
	for _, e := range l.events {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

func testConfig() auth.Config {
	cfg := auth.DefaultConfig()
	cfg.SigningKey = "test-signing-key-0123456789"
	cfg.BcryptCost = 4
	cfg.ActivityWatch = auth.ActivityWatchConfig{Enabled: true, EncryptionKey: "activity-watch-secret-key"}
	return cfg
}

type testEnv struct {
	t      *testing.T
	ctx    context.Context
	db     *bun.DB
	repo   auth.RepositoryManager
	cfg    auth.Config
	clock  *testClock
	events *eventLog
	tokens *auth.TokenServiceImpl
}

func newTestDB(t *testing.T) *bun.DB {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { db.Close() })

	require.NoError(t, auth.CreateSchema(context.Background(), db))
	return db
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := newTestDB(t)
	repo := auth.NewRepositoryManager(db)
	require.NoError(t, auth.SeedRoles(context.Background(), repo, auth.DefaultRoleCatalog()))

	clock := newTestClock()
	cfg := testConfig()

	return &testEnv{
		t:      t,
		ctx:    context.Background(),
		db:     db,
		repo:   repo,
		cfg:    cfg,
		clock:  clock,
		events: &eventLog{},
		tokens: auth.NewTokenServiceFromConfig(cfg, auth.WithTokenClock(clock.Now)),
	}
}

func (e *testEnv) opts() []auth.ServiceOption {
	return []auth.ServiceOption{
		auth.WithClock(e.clock.Now),
		auth.WithLogger(nopLogger{}),
		auth.WithActivitySink(e.events),
	}
}

func (e *testEnv) lifecycle() *auth.TokenLifecycle {
	e.t.Helper()
	lc, err := auth.NewTokenLifecycle(e.repo, e.tokens, e.cfg, nil, e.opts()...)
	require.NoError(e.t, err)
	return lc
}

func (e *testEnv) memberships() *auth.Memberships {
	return auth.NewMemberships(e.repo, e.cfg, nil, e.opts()...)
}

func (e *testEnv) admin() *auth.Administration {
	return auth.NewAdministration(e.repo, e.cfg, e.opts()...)
}

func (e *testEnv) usage() *auth.UsageRecorder {
	return auth.NewUsageRecorder(e.repo, e.cfg, e.opts()...)
}

func (e *testEnv) auther() *auth.Auther {
	return auth.NewAuthenticator(e.repo, e.lifecycle(), e.cfg, e.opts()...)
}

// createUser stores an active user holding role. An empty role leaves the
// user without roles.
func (e *testEnv) createUser(email, role string) *auth.User {
	e.t.Helper()

	hash, err := auth.NewBcryptAuthenticator(e.cfg.BcryptCost).HashPassword(testPassword)
	require.NoError(e.t, err)

	user := &auth.User{
		Email:        email,
		PasswordHash: hash,
		FirstName:    "Test",
		LastName:     "User",
		IsActive:     true,
	}
	user, err = e.repo.Users().InsertTx(e.ctx, e.repo.DB(), user)
	require.NoError(e.t, err)

	if role != "" {
		user, err = e.admin().AssignRole(e.ctx, user.ID, role)
		require.NoError(e.t, err)
	}
	return user
}

// createOrganization makes owner the owner of a new organization
func (e *testEnv) createOrganization(owner *auth.User, name string) *auth.Organization {
	e.t.Helper()
	org, err := e.admin().CreateOrganization(e.ctx, auth.OrganizationRequest{
		OwnerEmail: owner.Email,
		Name:       name,
	})
	require.NoError(e.t, err)
	return org
}

func (e *testEnv) reloadUser(id uuid.UUID) *auth.User {
	e.t.Helper()
	user, err := e.repo.Users().FindByIDTx(e.ctx, e.repo.DB(), id)
	require.NoError(e.t, err)
	require.NoError(e.t, e.repo.Users().LoadRolesTx(e.ctx, e.repo.DB(), user))
	return user
}

func (e *testEnv) primaryCount(userID uuid.UUID) int {
	e.t.Helper()
	n, err := e.db.NewSelect().
		Model((*auth.OrganizationMember)(nil)).
		Where("user_id = ?", userID).
		Where("is_primary = ?", true).
		Count(e.ctx)
	require.NoError(e.t, err)
	return n
}
