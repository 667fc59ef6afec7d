package telemetry

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
)

// Reporter forwards errors to a crash-tracking backend. Implementations must
// not block the caller for long and must never panic.
type Reporter interface {
	Report(ctx context.Context, err error, extras map[string]any)
}

// NopReporter drops every report.
type NopReporter struct{}

func (NopReporter) Report(context.Context, error, map[string]any) {}

// SentryReporter sends reports to Sentry through a dedicated hub.
type SentryReporter struct {
	hub *sentry.Hub
}

// NewSentryReporter creates a reporter for dsn. Options other than the DSN
// and environment may be adjusted through opts.
func NewSentryReporter(dsn, environment string, opts ...func(*sentry.ClientOptions)) (*SentryReporter, error) {
	options := sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
	}
	for _, opt := range opts {
		opt(&options)
	}
	client, err := sentry.NewClient(options)
	if err != nil {
		return nil, err
	}
	return &SentryReporter{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

func (r *SentryReporter) Report(ctx context.Context, err error, extras map[string]any) {
	if r == nil || err == nil {
		return
	}
	hub := r.hub
	if ctxHub := sentry.GetHubFromContext(ctx); ctxHub != nil {
		hub = ctxHub
	}
	hub.WithScope(func(scope *sentry.Scope) {
		for key, value := range extras {
			scope.SetExtra(key, value)
		}
		hub.CaptureException(err)
	})
}

// Flush waits for queued reports to be delivered.
func (r *SentryReporter) Flush(timeout time.Duration) bool {
	if r == nil {
		return true
	}
	return r.hub.Flush(timeout)
}
