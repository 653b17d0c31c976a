package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/SaritraGmbH/pipeweave-sub001/internal/handlers"
	"github.com/SaritraGmbH/pipeweave-sub001/pkg/telemetry"
	"github.com/SaritraGmbH/pipeweave-sub001/services/worker"
	"github.com/SaritraGmbH/pipeweave-sub001/services/worker/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the worker poll loop",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("worker-id", "", "stable worker identity; empty generates one")
	serveCmd.Flags().String("orchestrator-url", "http://localhost:8080", "base URL of the orchestrator API")
	serveCmd.Flags().Int("concurrency", 4, "max tasks executed in parallel")
	serveCmd.Flags().Duration("lease-ttl", 30*time.Second, "lease TTL used to pace heartbeats; must match the orchestrator")
	serveCmd.Flags().Duration("poll-interval", time.Second, "sleep between polls when the queue is empty")
	serveCmd.Flags().Duration("task-timeout", 5*time.Minute, "per-task execution deadline")
	serveCmd.Flags().String("metrics-addr", ":9096", "Prometheus metrics server address")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("worker_id", serveCmd.Flags(), "worker-id")
	bindFlag("orchestrator_url", serveCmd.Flags(), "orchestrator-url")
	bindFlag("concurrency", serveCmd.Flags(), "concurrency")
	bindFlag("lease_ttl", serveCmd.Flags(), "lease-ttl")
	bindFlag("poll_interval", serveCmd.Flags(), "poll-interval")
	bindFlag("task_timeout", serveCmd.Flags(), "task-timeout")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
	_ = viper.BindEnv("worker_id", "WORKER_ID")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	if cfg.WorkerID == "" {
		host, _ := os.Hostname()
		cfg.WorkerID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	logger := buildLogger(cfg.LogLevel, "worker").With(slog.String("worker_id", cfg.WorkerID))

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "worker", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	registry := handlers.NewRegistry()
	registry.Register(handlers.NewWebhookHandler())
	registry.Register(handlers.NewHTTPFetchHandler())
	if cfg.SMTPHost != "" {
		registry.Register(handlers.NewEmailHandler(handlers.EmailConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			From:     cfg.SMTPFrom,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
		}))
	}

	w := worker.New(cfg.WorkerID, worker.NewClient(cfg.OrchestratorURL), registry,
		worker.WithConcurrency(cfg.Concurrency),
		worker.WithLeaseTTL(cfg.LeaseTTL),
		worker.WithPollInterval(cfg.PollInterval),
		worker.WithTaskTimeout(cfg.TaskTimeout),
		worker.WithLogger(logger),
	)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		logger.Info("worker starting",
			slog.String("orchestrator_url", cfg.OrchestratorURL),
			slog.Int("concurrency", cfg.Concurrency))
		w.Run(runCtx)
	}()

	<-quit
	logger.Info("shutting down, draining in-flight tasks...")
	runCancel()
	w.Wait()
	logger.Info("stopped")
	return nil
}
