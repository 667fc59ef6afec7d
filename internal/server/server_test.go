package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kehao95/gh-listener/internal/allowlist"
	"github.com/kehao95/gh-listener/internal/dispatch"
	"github.com/kehao95/gh-listener/internal/event"
	"github.com/kehao95/gh-listener/internal/job"
	"github.com/kehao95/gh-listener/internal/telemetry"
)

type enqueued struct {
	queue string
	job   job.DispatchJob
}

type stubEnqueuer struct {
	calls []enqueued
	err   error
}

func (e *stubEnqueuer) Enqueue(_ context.Context, queue string, j job.DispatchJob) error {
	e.calls = append(e.calls, enqueued{queue: queue, job: j})
	return e.err
}

type stubReporter struct {
	errs []error
}

func (r *stubReporter) Report(_ context.Context, err error, _ map[string]any) {
	r.errs = append(r.errs, err)
}

type harness struct {
	handler  http.Handler
	enqueuer *stubEnqueuer
	reporter *stubReporter
	reg      *prometheus.Registry
}

func newHarness(t *testing.T, cidrs []string, cfg Config) *harness {
	t.Helper()
	list, err := allowlist.Parse(cidrs)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)
	reporter := &stubReporter{}
	enqueuer := &stubEnqueuer{}
	logger := zap.NewNop()

	dispatcher := dispatch.New(job.Queues{Build: "builds", Sync: "sync"}, enqueuer,
		dispatch.WithLogger(logger),
		dispatch.WithMetrics(metrics),
		dispatch.WithSink(telemetry.NewSink(logger, metrics, reporter)),
	)
	if cfg.HomeURL == "" {
		cfg.HomeURL = "https://travis-ci.com"
	}
	srv := New(cfg, Deps{
		Validator:  allowlist.NewValidator(list, metrics, logger),
		Dispatcher: dispatcher,
		Metrics:    metrics,
		Gatherer:   reg,
		Reporter:   reporter,
		Logger:     logger,
	})
	return &harness{handler: srv.Handler(), enqueuer: enqueuer, reporter: reporter, reg: reg}
}

func (h *harness) post(remote, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.RemoteAddr = remote
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func TestHomeRedirects(t *testing.T) {
	h := newHarness(t, nil, Config{HomeURL: "https://example.com"})

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://example.com", rec.Header().Get("Location"))
}

func TestUptime(t *testing.T) {
	h := newHarness(t, []string{"10.0.0.0/8"}, Config{})

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/uptime", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, nil, Config{})
	h.post("10.1.2.3:1234", `{}`, nil)

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `gh_listener_requests_total{outcome="dispatched"} 1`)
}

func TestTapNotServedWithoutHub(t *testing.T) {
	h := newHarness(t, nil, Config{})

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tap", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIngressRejectsUnknownSource(t *testing.T) {
	h := newHarness(t, []string{"10.0.0.0/8"}, Config{})

	rec := h.post("192.168.1.1:5000", `{"ref":"x"}`, nil)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, h.enqueuer.calls)

	expected := `
# HELP gh_listener_requests_total Ingress requests by outcome.
# TYPE gh_listener_requests_total counter
gh_listener_requests_total{outcome="rejected_source"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(h.reg, strings.NewReader(expected), "gh_listener_requests_total"))
}

func TestIngressDefaultsToPush(t *testing.T) {
	h := newHarness(t, []string{"10.0.0.0/8"}, Config{})

	rec := h.post("10.1.2.3:5000", `{"ref":"refs/heads/main"}`, nil)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, h.enqueuer.calls, 1)
	assert.Equal(t, "builds", h.enqueuer.calls[0].queue)
	assert.Equal(t, "push", h.enqueuer.calls[0].job.Type)
	assert.NotEmpty(t, h.enqueuer.calls[0].job.UUID)
	assert.Nil(t, h.enqueuer.calls[0].job.GithubGUID)
}

func TestIngressInstallationGoesToSync(t *testing.T) {
	h := newHarness(t, nil, Config{})

	rec := h.post("10.1.2.3:5000", `{"action":"created"}`, map[string]string{
		event.HeaderEvent:     "installation",
		event.HeaderRequestID: "abc",
		event.HeaderGUID:      "guid-1",
	})

	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, h.enqueuer.calls, 1)
	j := h.enqueuer.calls[0].job
	assert.Equal(t, "sync", h.enqueuer.calls[0].queue)
	assert.Equal(t, job.TypeInstall, j.Type)
	assert.Equal(t, `{"action":"created"}`, j.Payload)
	assert.Equal(t, "abc", j.UUID)
	require.NotNil(t, j.GithubGUID)
	assert.Equal(t, "guid-1", *j.GithubGUID)
	assert.Equal(t, "installation", j.GithubEvent)
}

func TestIngressUnhandledTypeIsAccepted(t *testing.T) {
	h := newHarness(t, nil, Config{})

	rec := h.post("10.1.2.3:5000", `{}`, map[string]string{event.HeaderEvent: "issue_comment"})

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, h.enqueuer.calls)
}

func TestIngressInvalidJSONStillDispatched(t *testing.T) {
	h := newHarness(t, nil, Config{})

	rec := h.post("10.1.2.3:5000", "not-json", map[string]string{event.HeaderEvent: "push"})

	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, h.enqueuer.calls, 1)
	assert.Equal(t, "not-json", h.enqueuer.calls[0].job.Payload)
	assert.Len(t, h.reporter.errs, 1)
}

func TestIngressMissingPayload(t *testing.T) {
	h := newHarness(t, []string{"10.0.0.0/8"}, Config{})

	rec := h.post("10.1.2.3:5000", "", nil)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Empty(t, h.enqueuer.calls)
}

func TestIngressFormFieldWins(t *testing.T) {
	h := newHarness(t, nil, Config{})

	form := url.Values{"payload": {`{"zen":"form"}`}}.Encode()
	rec := h.post("10.1.2.3:5000", form, map[string]string{"Content-Type": "application/x-www-form-urlencoded"})

	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, h.enqueuer.calls, 1)
	assert.Equal(t, `{"zen":"form"}`, h.enqueuer.calls[0].job.Payload)
}

func TestIngressEnqueueFailure(t *testing.T) {
	h := newHarness(t, nil, Config{})
	h.enqueuer.err = errors.New("broker down")

	rec := h.post("10.1.2.3:5000", `{}`, nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Len(t, h.enqueuer.calls, 1)
	require.Len(t, h.reporter.errs, 1)
	assert.ErrorIs(t, h.reporter.errs[0], dispatch.ErrEnqueue)
}

func TestIngressBodyTooLarge(t *testing.T) {
	h := newHarness(t, nil, Config{MaxBodyBytes: 4})

	rec := h.post("10.1.2.3:5000", `{"ref":"x"}`, nil)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, h.enqueuer.calls)
}

func TestIngressForwardedFor(t *testing.T) {
	headers := map[string]string{headerForwardedFor: "192.168.1.1, 10.1.2.3"}

	trusted := newHarness(t, []string{"10.0.0.0/8"}, Config{TrustForwardedFor: true})
	assert.Equal(t, http.StatusNoContent, trusted.post("172.16.0.1:5000", `{}`, headers).Code)

	untrusted := newHarness(t, []string{"10.0.0.0/8"}, Config{})
	assert.Equal(t, http.StatusForbidden, untrusted.post("172.16.0.1:5000", `{}`, headers).Code)
}

func TestClientAddr(t *testing.T) {
	tests := map[string]struct {
		remote    string
		forwarded []string
		trust     bool
		want      string
	}{
		"host port":            {remote: "10.1.2.3:5000", want: "10.1.2.3"},
		"ipv6 host port":       {remote: "[::1]:5000", want: "::1"},
		"bare remote":          {remote: "10.1.2.3", want: "10.1.2.3"},
		"forwarded ignored":    {remote: "10.1.2.3:5000", forwarded: []string{"1.1.1.1"}, want: "10.1.2.3"},
		"forwarded right-most": {remote: "10.1.2.3:5000", forwarded: []string{"1.1.1.1, 2.2.2.2"}, trust: true, want: "2.2.2.2"},
		"last header wins":     {remote: "10.1.2.3:5000", forwarded: []string{"1.1.1.1", "3.3.3.3"}, trust: true, want: "3.3.3.3"},
		"empty forwarded":      {remote: "10.1.2.3:5000", forwarded: []string{" "}, trust: true, want: "10.1.2.3"},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", nil)
			r.RemoteAddr = tc.remote
			for _, v := range tc.forwarded {
				r.Header.Add(headerForwardedFor, v)
			}
			assert.Equal(t, tc.want, clientAddr(r, tc.trust))
		})
	}
}

func TestRecovererReportsPanics(t *testing.T) {
	reporter := &stubReporter{}
	srv := New(Config{}, Deps{Reporter: reporter})

	handler := srv.recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Len(t, reporter.errs, 1)
	assert.Contains(t, reporter.errs[0].Error(), "boom")
}
