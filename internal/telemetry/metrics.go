package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gh_listener"

// Request outcomes recorded by RequestHandled.
const (
	OutcomeDispatched     = "dispatched"
	OutcomeSkipped        = "skipped"
	OutcomeRejectedSource = "rejected_source"
	OutcomeMissingPayload = "missing_payload"
	OutcomeEnqueueFailed  = "enqueue_failed"
	OutcomeBadRequest     = "bad_request"
)

// Metrics holds the listener counters. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	ipChecks  *prometheus.CounterVec
	events    *prometheus.CounterVec
	requests  *prometheus.CounterVec
	recovered *prometheus.CounterVec
}

// NewMetrics creates the counters and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ipChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ip_checks_total",
			Help:      "Source address checks by result.",
		}, []string{"result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Handled events by event type.",
		}, []string{"event_type"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Ingress requests by outcome.",
		}, []string{"outcome"}),
		recovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovered_failures_total",
			Help:      "Payload failures swallowed during summary extraction.",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.ipChecks, m.events, m.requests, m.recovered)
	}
	return m
}

func (m *Metrics) IPChecked(valid bool) {
	if m == nil {
		return
	}
	result := "invalid"
	if valid {
		result = "valid"
	}
	m.ipChecks.WithLabelValues(result).Inc()
}

func (m *Metrics) EventReceived(eventType string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType).Inc()
}

func (m *Metrics) RequestHandled(outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Recovered(kind string) {
	if m == nil {
		return
	}
	m.recovered.WithLabelValues(kind).Inc()
}
