package observability

import (
	"context"
	"net/http"
	"time"

	auth "github.com/goliatone/go-auth-tenancy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the auth backend
type Metrics struct {
	// Activity
	EventsTotal     *prometheus.CounterVec
	LoginsTotal     *prometheus.CounterVec
	QuotaRejections *prometheus.CounterVec
	UsageTokens     *prometheus.CounterVec

	// Maintenance
	SweepRemovedTotal *prometheus.CounterVec
	SweepErrorsTotal  *prometheus.CounterVec
	SweepDuration     *prometheus.HistogramVec
}

// NewMetrics creates and registers the collectors on registry
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenant_auth_events_total",
				Help: "Total number of activity events by type",
			},
			[]string{"event"},
		),
		LoginsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenant_auth_logins_total",
				Help: "Total number of login attempts by outcome",
			},
			[]string{"outcome"},
		),
		QuotaRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenant_auth_quota_rejections_total",
				Help: "Total number of usage requests rejected by the quota engine",
			},
			[]string{"scope"},
		),
		UsageTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenant_auth_usage_tokens_total",
				Help: "Total number of tokens consumed by service type",
			},
			[]string{"service_type"},
		),
		SweepRemovedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenant_auth_sweep_removed_total",
				Help: "Total number of rows removed or expired by maintenance jobs",
			},
			[]string{"job"},
		),
		SweepErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenant_auth_sweep_errors_total",
				Help: "Total number of failed maintenance job runs",
			},
			[]string{"job"},
		),
		SweepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tenant_auth_sweep_duration_seconds",
				Help:    "Maintenance job duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"job"},
		),
	}

	registry.MustRegister(
		m.EventsTotal,
		m.LoginsTotal,
		m.QuotaRejections,
		m.UsageTokens,
		m.SweepRemovedTotal,
		m.SweepErrorsTotal,
		m.SweepDuration,
	)

	return m
}

// ActivitySink counts activity events. It never fails.
func (m *Metrics) ActivitySink() auth.ActivitySink {
	return auth.ActivitySinkFunc(func(_ context.Context, event auth.ActivityEvent) error {
		m.EventsTotal.WithLabelValues(string(event.EventType)).Inc()

		switch event.EventType {
		case auth.ActivityEventLoginSuccess:
			m.LoginsTotal.WithLabelValues("success").Inc()
		case auth.ActivityEventLoginFailure:
			m.LoginsTotal.WithLabelValues("failure").Inc()
		case auth.ActivityEventQuotaRejected:
			scope, _ := event.Metadata["scope"].(string)
			if scope == "" {
				scope = "other"
			}
			m.QuotaRejections.WithLabelValues(scope).Inc()
		case auth.ActivityEventUsageRecorded:
			service, _ := event.Metadata["service_type"].(string)
			if tokens, ok := event.Metadata["tokens_used"].(int); ok && tokens > 0 {
				m.UsageTokens.WithLabelValues(service).Add(float64(tokens))
			}
		}
		return nil
	})
}

// SweepObserver records maintenance job results
func (m *Metrics) SweepObserver() auth.SweepObserver {
	return func(job string, removed int, took time.Duration, err error) {
		m.SweepDuration.WithLabelValues(job).Observe(took.Seconds())
		if err != nil {
			m.SweepErrorsTotal.WithLabelValues(job).Inc()
			return
		}
		m.SweepRemovedTotal.WithLabelValues(job).Add(float64(removed))
	}
}

// Handler exposes the registry in the Prometheus text format
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
