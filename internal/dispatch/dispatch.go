// Package dispatch routes classified events onto the build and sync queues.
//
// A call to Dispatch produces at most one job. Routing depends only on the
// event type; the payload is decoded solely to enrich the log line, and a
// payload that fails to decode never prevents the job from being enqueued.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kehao95/gh-listener/internal/event"
	"github.com/kehao95/gh-listener/internal/job"
	"github.com/kehao95/gh-listener/internal/payload"
	"github.com/kehao95/gh-listener/internal/summary"
	"github.com/kehao95/gh-listener/internal/telemetry"
)

// ErrEnqueue wraps failures returned by the Enqueuer.
var ErrEnqueue = errors.New("enqueue job")

// Outcome is the terminal state of an accepted request.
type Outcome string

const (
	OutcomeDispatched Outcome = telemetry.OutcomeDispatched
	OutcomeSkipped    Outcome = telemetry.OutcomeSkipped
)

// Enqueuer submits a job to a named queue. It is called once per dispatched
// request and its error is returned unchanged apart from wrapping.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, j job.DispatchJob) error
}

// Source is the request-local payload: the raw string and its lazily
// decoded tree.
type Source interface {
	Payload() (string, bool)
	Tree() (payload.Tree, error)
}

// OnEnqueuedFunc is called after a job has been accepted by the Enqueuer.
type OnEnqueuedFunc func(ctx context.Context, queue string, j job.DispatchJob)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithSink sets where recovered summary failures are sent.
func WithSink(s *telemetry.Sink) Option {
	return func(d *Dispatcher) {
		if s != nil {
			d.sink = s
		}
	}
}

// WithOnEnqueued adds a hook called after each successful enqueue. Multiple
// hooks are called in order.
func WithOnEnqueued(fn OnEnqueuedFunc) Option {
	return func(d *Dispatcher) {
		d.onEnqueued = append(d.onEnqueued, fn)
	}
}

// Dispatcher maps classified events to jobs. It holds no per-request state
// and is safe for concurrent use.
type Dispatcher struct {
	queues     job.Queues
	enqueuer   Enqueuer
	logger     *zap.Logger
	metrics    *telemetry.Metrics
	sink       *telemetry.Sink
	onEnqueued []OnEnqueuedFunc
}

func New(queues job.Queues, enqueuer Enqueuer, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queues:   queues,
		enqueuer: enqueuer,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.sink == nil {
		d.sink = telemetry.NewSink(d.logger, d.metrics, nil)
	}
	return d
}

// Route returns the queue target and job type for eventType. ok is false for
// types that produce no job.
func Route(eventType string) (target job.Target, jobType string, ok bool) {
	switch event.CategoryOf(eventType) {
	case event.CategoryWebhook:
		return job.TargetBuild, eventType, true
	case event.CategoryApp:
		switch eventType {
		case event.TypeInstallation:
			return job.TargetSync, job.TypeInstall, true
		case event.TypeInstallationRepositories:
			return job.TargetSync, job.TypeReposSync, true
		}
	}
	return "", "", false
}

// Dispatch logs the event, counts it and enqueues its job. Unhandled event
// types are skipped without error. Enqueue failures are returned wrapped in
// ErrEnqueue and are not retried.
func (d *Dispatcher) Dispatch(ctx context.Context, ev event.Classified, src Source) (Outcome, error) {
	if !event.Handled(ev.Type) {
		d.logger.Debug("ignoring unhandled event", zap.String("event_type", ev.Type), zap.String("uuid", ev.UUID))
		return OutcomeSkipped, nil
	}

	raw, _ := src.Payload()
	fields := []zap.Field{
		zap.String("event_type", ev.Type),
		zap.Stringer("category", ev.Category()),
		zap.String("uuid", ev.UUID),
		zap.Stringp("delivery_guid", ev.GUID()),
	}

	res := summary.Result{Summary: summary.Summary{}}
	if ev.Category() == event.CategoryWebhook {
		res = summary.Extract(ev.Type, src)
		if res.Recovered() {
			d.sink.Recovered(ctx, res.Kind(), res.Err, raw,
				zap.String("event_type", ev.Type),
				zap.String("uuid", ev.UUID),
			)
		}
		fields = append(fields, zap.String("repository", RepositorySlug(src)))
	}
	fields = append(fields, zap.Any("summary", map[string]any(res.Summary)))

	d.logger.Info("handling event", fields...)
	d.metrics.EventReceived(ev.Type)

	target, jobType, ok := Route(ev.Type)
	if !ok {
		d.logger.Warn("no job for app event", zap.String("event_type", ev.Type), zap.String("uuid", ev.UUID))
		return OutcomeSkipped, nil
	}

	j := job.DispatchJob{
		Type:        jobType,
		Payload:     raw,
		UUID:        ev.UUID,
		GithubGUID:  ev.GUID(),
		GithubEvent: ev.Type,
	}
	queue := d.queues.Name(target)
	if err := d.enqueuer.Enqueue(ctx, queue, j); err != nil {
		return "", fmt.Errorf("%w to %s: %w", ErrEnqueue, queue, err)
	}

	d.logger.Debug("job enqueued",
		zap.String("queue", queue),
		zap.String("type", j.Type),
		zap.String("uuid", j.UUID),
	)
	for _, fn := range d.onEnqueued {
		fn(ctx, queue, j)
	}
	return OutcomeDispatched, nil
}

// RepositorySlug returns "owner/name" for the payload repository. The owner
// is the login, falling back to the owner name. Missing pieces are empty.
func RepositorySlug(src Source) string {
	tree, _ := src.Tree()
	repo := tree.Get("repository")
	owner := repo.Get("owner")

	login := owner.Get("login")
	if !login.Present() {
		login = owner.Get("name")
	}
	return login.String() + "/" + repo.Get("name").String()
}
