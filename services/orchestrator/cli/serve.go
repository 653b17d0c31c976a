package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/SaritraGmbH/pipeweave-sub001/internal/coordinator"
	"github.com/SaritraGmbH/pipeweave-sub001/internal/dlq"
	"github.com/SaritraGmbH/pipeweave-sub001/internal/events"
	"github.com/SaritraGmbH/pipeweave-sub001/internal/kafka"
	"github.com/SaritraGmbH/pipeweave-sub001/internal/pipeline"
	"github.com/SaritraGmbH/pipeweave-sub001/internal/queue"
	redisstore "github.com/SaritraGmbH/pipeweave-sub001/internal/redis"
	"github.com/SaritraGmbH/pipeweave-sub001/internal/store"
	"github.com/SaritraGmbH/pipeweave-sub001/pkg/telemetry"
	"github.com/SaritraGmbH/pipeweave-sub001/services/orchestrator/config"
	"github.com/SaritraGmbH/pipeweave-sub001/services/orchestrator/handler"
	"github.com/SaritraGmbH/pipeweave-sub001/services/orchestrator/middleware"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestrator HTTP server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("http-port", "8080", "HTTP server port")
	serveCmd.Flags().String("metrics-addr", ":9095", "Prometheus metrics server address")
	serveCmd.Flags().String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses; empty disables the event stream")
	serveCmd.Flags().String("redis-addr", "localhost:6379", "Redis address (host:port)")
	serveCmd.Flags().String("pipelines-file", "", "JSON file of pipeline definitions to register at startup")
	serveCmd.Flags().Duration("lease-ttl", 30*time.Second, "task lease duration")
	serveCmd.Flags().Int("trigger-rate-limit", 0, "max triggers per pipeline per window; 0 disables rate limiting")
	serveCmd.Flags().Duration("trigger-rate-window", time.Minute, "trigger rate limit window")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("http_port", serveCmd.Flags(), "http-port")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("pipelines_file", serveCmd.Flags(), "pipelines-file")
	bindFlag("lease_ttl", serveCmd.Flags(), "lease-ttl")
	bindFlag("trigger_rate_limit", serveCmd.Flags(), "trigger-rate-limit")
	bindFlag("trigger_rate_window", serveCmd.Flags(), "trigger-rate-window")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, "orchestrator")

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "orchestrator", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	var publisher events.Publisher = events.Nop{}
	if cfg.KafkaBrokers != "" {
		producer := kafka.NewProducer(strings.Split(cfg.KafkaBrokers, ","))
		defer func() { _ = producer.Close() }()
		publisher = events.NewPublisher(producer)
	}

	redisClient := redisstore.NewClient(cfg.RedisAddr)
	defer func() { _ = redisClient.Close() }()
	cache := redisstore.NewStatusCache(redisClient)
	// Lifecycle events double as cache invalidation, so a cancelled or
	// dead-lettered task is never served from a stale cache entry.
	publisher = redisstore.NewEventMirror(cache, publisher, logger)

	var limiter redisstore.TriggerLimiter = redisstore.NopLimiter{}
	if cfg.TriggerRateLimit > 0 {
		limiter = redisstore.NewTriggerLimiter(redisClient, cfg.TriggerRateLimit, cfg.TriggerRateWindow)
	}

	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := store.NewPool(initCtx, cfg.PostgresDSN)
	cancel()
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()

	tasks := store.NewTaskStore(pool)
	runs := store.NewRunStore(pool)
	dlqItems := store.NewDLQStore(pool)

	registry := pipeline.NewRegistry()
	if cfg.PipelinesFile != "" {
		if err := pipeline.LoadFile(cfg.PipelinesFile, registry); err != nil {
			return fmt.Errorf("pipelines: %w", err)
		}
		logger.Info("pipelines registered", slog.Any("names", registry.Names()))
	}

	machine := pipeline.New(registry, tasks, runs,
		pipeline.WithEvents(publisher),
		pipeline.WithLogger(logger),
	)
	dlqMgr := dlq.NewManager(dlqItems, tasks,
		dlq.WithEvents(publisher),
		dlq.WithLogger(logger),
	)
	coord := coordinator.New(tasks, dlqMgr,
		coordinator.WithEvents(publisher),
		coordinator.WithLogger(logger),
	)
	dispatch := queue.New(tasks, coord,
		queue.WithLeaseTTL(cfg.LeaseTTL),
		queue.WithEvents(publisher),
		queue.WithLogger(logger),
		queue.WithTerminalHook(machine.OnTaskTerminal),
	)

	restHandler := handler.NewREST(machine, dispatch, dlqMgr, tasks, runs, cache, limiter, logger)

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.MaxBodySize(1 << 20)) // 1MB limit
	r.Get("/healthz", restHandler.Healthz)
	r.Get("/readyz", restHandler.Readyz)
	r.Route("/api/v1", restHandler.Routes)

	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger)

	go func() {
		logger.Info("orchestrator HTTP starting", slog.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	<-quit
	logger.Info("shutting down...")
	runCancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("stopped")
	return nil
}
