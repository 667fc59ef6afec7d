package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kehao95/gh-listener/internal/allowlist"
	"github.com/kehao95/gh-listener/internal/config"
	"github.com/kehao95/gh-listener/internal/dispatch"
	"github.com/kehao95/gh-listener/internal/event"
	"github.com/kehao95/gh-listener/internal/job"
	"github.com/kehao95/gh-listener/internal/logger"
	"github.com/kehao95/gh-listener/internal/queue"
	"github.com/kehao95/gh-listener/internal/server"
	"github.com/kehao95/gh-listener/internal/tap"
	"github.com/kehao95/gh-listener/internal/telemetry"
)

type exitError struct {
	code int
}

func (e exitError) Error() string {
	return fmt.Sprintf("exit with code %d", e.code)
}

func (e exitError) ExitCode() int {
	return e.code
}

func runWithSignals(run func(context.Context) error) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx)
	}()

	select {
	case sig := <-sigCh:
		cancel()
		_ = <-errCh
		if sig == os.Interrupt {
			return exitError{code: 130}
		}
		return exitError{code: 143}
	case err := <-errCh:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	var reporter telemetry.Reporter = telemetry.NopReporter{}
	if cfg.SentryDSN != "" {
		sentryReporter, err := telemetry.NewSentryReporter(cfg.SentryDSN, cfg.Environment)
		if err != nil {
			return fmt.Errorf("init sentry: %w", err)
		}
		defer sentryReporter.Flush(2 * time.Second)
		reporter = sentryReporter
	}

	list, err := allowlist.Parse(cfg.AllowList)
	if err != nil {
		return err
	}
	if list.Empty() {
		log.Warn("source ip validation disabled")
	}

	publisher, err := queue.Dial(cfg.AMQPURL, log.Named("queue"))
	if err != nil {
		return err
	}
	defer publisher.Close()
	if err := publisher.DeclareQueues(cfg.BuildQueue, cfg.SyncQueue); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "gh_listener",
			Name:      "amqp_connected",
			Help:      "Whether the queue channel is open.",
		}, func() float64 {
			if publisher.Healthy() {
				return 1
			}
			return 0
		}),
	)
	metrics := telemetry.NewMetrics(reg)

	opts := []dispatch.Option{
		dispatch.WithLogger(log),
		dispatch.WithMetrics(metrics),
		dispatch.WithSink(telemetry.NewSink(log, metrics, reporter)),
	}
	var hub *server.Hub
	if cfg.TapEnabled {
		hub = server.NewHub(log.Named("tap"))
		opts = append(opts, dispatch.WithOnEnqueued(hub.Publish))
	}
	dispatcher := dispatch.New(job.Queues{Build: cfg.BuildQueue, Sync: cfg.SyncQueue}, publisher, opts...)

	srv := server.New(server.Config{
		Port:              cfg.Port,
		HomeURL:           cfg.HomeURL,
		TrustForwardedFor: cfg.TrustForwardedFor,
	}, server.Deps{
		Validator:  allowlist.NewValidator(list, metrics, log),
		Dispatcher: dispatcher,
		Metrics:    metrics,
		Gatherer:   reg,
		Reporter:   reporter,
		Logger:     log,
		Hub:        hub,
	})

	log.Info("starting",
		zap.Int("allow_list_entries", list.Len()),
		zap.String("build_queue", cfg.BuildQueue),
		zap.String("sync_queue", cfg.SyncQueue),
		zap.Bool("tap", cfg.TapEnabled),
		zap.Strings("handled_events", event.HandledTypes()),
	)
	return srv.Run(ctx)
}

func main() {
	rootCmd := &cobra.Command{
		Use:          "gh-listener",
		Short:        "Accept GitHub webhooks and enqueue build and sync jobs",
		SilenceUsage: true,
	}

	var port int
	var logLevel string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}

			return runWithSignals(func(ctx context.Context) error {
				return serve(ctx, cfg)
			})
		},
	}
	serveCmd.Flags().IntVar(&port, "port", 8080, "Port to listen on (overrides PORT)")
	serveCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (overrides LOG_LEVEL)")

	var serverURL string
	var events []string
	var successOn []string
	var failureOn []string
	var timeout time.Duration
	var tapLogLevel string
	tapCmd := &cobra.Command{
		Use:   "tap",
		Short: "Follow dispatched jobs from a running listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			successRules, err := tap.ParseRules(successOn)
			if err != nil {
				return err
			}
			failureRules, err := tap.ParseRules(failureOn)
			if err != nil {
				return err
			}
			log, err := logger.New(tapLogLevel)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			err = runWithSignals(func(ctx context.Context) error {
				return tap.Run(ctx, tap.Config{
					ServerURL: serverURL,
					Events:    events,
					SuccessOn: successRules,
					FailureOn: failureRules,
					Timeout:   timeout,
				}, os.Stdout, log)
			})
			var tapExit tap.ExitError
			if errors.As(err, &tapExit) && tapExit.Code == tap.ExitSuccess {
				return nil
			}
			return err
		},
	}
	tapCmd.Flags().StringVar(&serverURL, "server", "ws://localhost:8080/tap", "Tap websocket URL")
	tapCmd.Flags().StringArrayVar(&events, "event", nil, "Only follow these GitHub event types")
	tapCmd.Flags().StringArrayVar(&successOn, "success-on", nil, "Exit 0 when a rule matches")
	tapCmd.Flags().StringArrayVar(&failureOn, "failure-on", nil, "Exit 1 when a rule matches")
	tapCmd.Flags().DurationVar(&timeout, "timeout", 0, "Exit 124 if no rule matches in time")
	tapCmd.Flags().StringVar(&tapLogLevel, "log-level", "warn", "Log level")

	rootCmd.AddCommand(serveCmd, tapCmd)

	if err := rootCmd.Execute(); err != nil {
		var exitErr interface{ ExitCode() int }
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.ExitCode())
		}
		os.Exit(1)
	}
}
