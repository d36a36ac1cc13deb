package observability

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	auth "github.com/goliatone/go-auth-tenancy"
)

func TestActivitySinkCountsEvents(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	sink := m.ActivitySink()
	ctx := context.Background()

	require.NoError(t, sink.Record(ctx, auth.ActivityEvent{EventType: auth.ActivityEventLoginSuccess}))
	require.NoError(t, sink.Record(ctx, auth.ActivityEvent{EventType: auth.ActivityEventLoginFailure}))
	require.NoError(t, sink.Record(ctx, auth.ActivityEvent{EventType: auth.ActivityEventLoginFailure}))
	require.NoError(t, sink.Record(ctx, auth.ActivityEvent{
		EventType: auth.ActivityEventQuotaRejected,
		Metadata:  map[string]any{"scope": "daily"},
	}))
	require.NoError(t, sink.Record(ctx, auth.ActivityEvent{
		EventType: auth.ActivityEventUsageRecorded,
		Metadata:  map[string]any{"service_type": "chat", "tokens_used": 40},
	}))

	assert.Equal(t, float64(1), testutil.ToFloat64(m.LoginsTotal.WithLabelValues("success")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.LoginsTotal.WithLabelValues("failure")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.QuotaRejections.WithLabelValues("daily")))
	assert.Equal(t, float64(40), testutil.ToFloat64(m.UsageTokens.WithLabelValues("chat")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.EventsTotal.WithLabelValues(string(auth.ActivityEventLoginFailure))))
}

func TestSweepObserver(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	observe := m.SweepObserver()

	observe(auth.SweepInvitations, 3, time.Millisecond, nil)
	observe(auth.SweepInvitations, 2, time.Millisecond, nil)
	observe(auth.SweepBlacklist, 0, time.Millisecond, errors.New("boom"))

	assert.Equal(t, float64(5), testutil.ToFloat64(m.SweepRemovedTotal.WithLabelValues(auth.SweepInvitations)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SweepErrorsTotal.WithLabelValues(auth.SweepBlacklist)))
}

func TestHandlerExposesMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	m.LoginsTotal.WithLabelValues("success").Inc()

	srv := httptest.NewServer(Handler(registry))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `tenant_auth_logins_total{outcome="success"} 1`))
}
