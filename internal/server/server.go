// Package server exposes the webhook ingress over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kehao95/gh-listener/internal/dispatch"
	"github.com/kehao95/gh-listener/internal/event"
	"github.com/kehao95/gh-listener/internal/payload"
	"github.com/kehao95/gh-listener/internal/telemetry"
)

const headerForwardedFor = "X-Forwarded-For"

type Config struct {
	Port              int
	HomeURL           string
	TrustForwardedFor bool
	MaxBodyBytes      int64
}

// Validator decides whether a caller address may post events.
type Validator interface {
	Valid(addr string) bool
}

// Dispatcher turns an accepted request into at most one job.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev event.Classified, src dispatch.Source) (dispatch.Outcome, error)
}

// Deps are the collaborators of a Server. Validator and Dispatcher are
// required. Hub is optional; without it /tap is not served.
type Deps struct {
	Validator  Validator
	Dispatcher Dispatcher
	Metrics    *telemetry.Metrics
	Gatherer   prometheus.Gatherer
	Reporter   telemetry.Reporter
	Logger     *zap.Logger
	Hub        *Hub
}

type Server struct {
	cfg  Config
	deps Deps
}

func New(cfg Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Reporter == nil {
		deps.Reporter = telemetry.NopReporter{}
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{cfg: cfg, deps: deps}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleHome)
	mux.HandleFunc("GET /uptime", s.handleUptime)
	mux.HandleFunc("POST /{$}", s.handleIngress)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	if s.deps.Hub != nil {
		mux.Handle("GET /tap", s.deps.Hub)
	}
	return s.recoverer(mux)
}

// Run listens on the configured port until ctx is cancelled, then shuts
// down gracefully. The tap hub, if any, runs for the same lifetime.
func (s *Server) Run(ctx context.Context) error {
	logger := s.deps.Logger

	if s.deps.Hub != nil {
		go s.deps.Hub.Run(ctx)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", zap.Int("port", s.cfg.Port))
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, s.cfg.HomeURL, http.StatusFound)
}

func (s *Server) handleUptime(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleIngress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := s.deps.Logger
	metrics := s.deps.Metrics

	addr := clientAddr(r, s.cfg.TrustForwardedFor)
	if !s.deps.Validator.Valid(addr) {
		metrics.RequestHandled(telemetry.OutcomeRejectedSource)
		w.WriteHeader(http.StatusForbidden)
		return
	}

	req, err := payload.FromHTTP(r, s.cfg.MaxBodyBytes)
	if err != nil {
		metrics.RequestHandled(telemetry.OutcomeBadRequest)
		status := http.StatusBadRequest
		if errors.Is(err, payload.ErrTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		logger.Warn("unreadable request body", zap.String("ip", addr), zap.Error(err))
		w.WriteHeader(status)
		return
	}

	if _, ok := req.Payload(); !ok {
		metrics.RequestHandled(telemetry.OutcomeMissingPayload)
		w.WriteHeader(http.StatusUnprocessableEntity)
		return
	}

	ev := event.Classify(r.Header)
	outcome, err := s.deps.Dispatcher.Dispatch(ctx, ev, req)
	if err != nil {
		metrics.RequestHandled(telemetry.OutcomeEnqueueFailed)
		logger.Error("dispatch failed",
			zap.String("event_type", ev.Type),
			zap.String("uuid", ev.UUID),
			zap.Stringp("delivery_guid", ev.GUID()),
			zap.Error(err),
		)
		s.deps.Reporter.Report(ctx, err, map[string]any{
			"event_type": ev.Type,
			"uuid":       ev.UUID,
		})
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	metrics.RequestHandled(string(outcome))
	w.WriteHeader(http.StatusNoContent)
}

// recoverer turns a handler panic into a 500 and a crash report.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			err := fmt.Errorf("handler panic: %v", rec)
			s.deps.Logger.Error("handler panic", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err), zap.Stack("stack"))
			s.deps.Reporter.Report(r.Context(), err, map[string]any{
				"method": r.Method,
				"path":   r.URL.Path,
			})
			w.WriteHeader(http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

// clientAddr returns the caller address used for allow-listing. With
// trustForwarded the right-most X-Forwarded-For entry, the one appended by
// the nearest proxy, takes precedence over the socket peer.
func clientAddr(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if values := r.Header.Values(headerForwardedFor); len(values) > 0 {
			hops := strings.Split(values[len(values)-1], ",")
			if last := strings.TrimSpace(hops[len(hops)-1]); last != "" {
				return last
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
