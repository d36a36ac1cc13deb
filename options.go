package auth

import "time"

// ServiceOption customizes the services in this package
type ServiceOption func(*serviceDeps)

type serviceDeps struct {
	now      func() time.Time
	logger   Logger
	activity ActivitySink
}

// WithClock injects a custom clock (useful for tests).
func WithClock(now func() time.Time) ServiceOption {
	return func(d *serviceDeps) {
		if now != nil {
			d.now = normalizeClock(now)
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger Logger) ServiceOption {
	return func(d *serviceDeps) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithActivitySink sets the sink that receives audit events
func WithActivitySink(sink ActivitySink) ServiceOption {
	return func(d *serviceDeps) {
		d.activity = normalizeActivitySink(sink)
	}
}

func buildServiceDeps(opts []ServiceOption) serviceDeps {
	deps := serviceDeps{
		now:      utcNow,
		logger:   defLogger{},
		activity: noopActivitySink{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&deps)
		}
	}
	return deps
}

func (d serviceDeps) recorder() activityRecorder {
	return activityRecorder{sink: d.activity, logger: d.logger, now: d.now}
}
