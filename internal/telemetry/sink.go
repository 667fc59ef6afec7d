package telemetry

import (
	"context"

	"go.uber.org/zap"
)

// Sink is the single place where recovered payload failures are logged,
// counted and reported. Callers hand it the failure and carry on.
type Sink struct {
	logger   *zap.Logger
	metrics  *Metrics
	reporter Reporter
}

func NewSink(logger *zap.Logger, metrics *Metrics, reporter Reporter) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reporter == nil {
		reporter = NopReporter{}
	}
	return &Sink{logger: logger, metrics: metrics, reporter: reporter}
}

// Recovered records a swallowed failure. raw is the undecoded payload and is
// attached to both the log line and the crash report.
func (s *Sink) Recovered(ctx context.Context, kind string, err error, raw string, fields ...zap.Field) {
	if s == nil || err == nil {
		return
	}
	logFields := make([]zap.Field, 0, len(fields)+3)
	logFields = append(logFields, zap.String("kind", kind), zap.Error(err))
	logFields = append(logFields, fields...)
	logFields = append(logFields, zap.String("payload", raw))
	s.logger.Error("payload summary failed", logFields...)

	s.metrics.Recovered(kind)

	s.reporter.Report(ctx, err, map[string]any{
		"kind":    kind,
		"payload": raw,
	})
}
