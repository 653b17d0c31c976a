package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/SaritraGmbH/pipeweave-sub001/internal/dlq"
	"github.com/SaritraGmbH/pipeweave-sub001/internal/events"
	"github.com/SaritraGmbH/pipeweave-sub001/internal/kafka"
	"github.com/SaritraGmbH/pipeweave-sub001/internal/pipeline"
	redisstore "github.com/SaritraGmbH/pipeweave-sub001/internal/redis"
	"github.com/SaritraGmbH/pipeweave-sub001/internal/store"
	"github.com/SaritraGmbH/pipeweave-sub001/pkg/telemetry"
	"github.com/SaritraGmbH/pipeweave-sub001/services/janitor"
	"github.com/SaritraGmbH/pipeweave-sub001/services/janitor/config"
)

const leaderKey = "pipeweave:janitor:leader"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the janitor sweep loop",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("metrics-addr", ":9097", "Prometheus metrics server address")
	serveCmd.Flags().String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses; empty disables the event stream")
	serveCmd.Flags().String("redis-addr", "localhost:6379", "Redis address (host:port)")
	serveCmd.Flags().Duration("sweep-interval", 15*time.Second, "time between maintenance sweeps")
	serveCmd.Flags().Duration("dlq-retention", 30*24*time.Hour, "DLQ items older than this are purged")
	serveCmd.Flags().String("purge-schedule", "0 3 * * *", "cron expression for the DLQ purge")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("sweep_interval", serveCmd.Flags(), "sweep-interval")
	bindFlag("dlq_retention", serveCmd.Flags(), "dlq-retention")
	bindFlag("purge_schedule", serveCmd.Flags(), "purge-schedule")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, "janitor")
	instanceID := "janitor-" + uuid.NewString()[:8]

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "janitor", cfg.OTelEndpoint)
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
	elector := redisstore.NewElector(redisClient, leaderKey, instanceID, 30*time.Second, logger)
	// Sweep-driven cancels and finalizations must reach the status cache the
	// same way the orchestrator's do.
	cache := redisstore.NewStatusCache(redisClient)
	publisher = redisstore.NewEventMirror(cache, publisher, logger)

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

	// The janitor never triggers pipelines, so the registry stays empty;
	// Reconcile works from the stored task graph alone.
	machine := pipeline.New(pipeline.NewRegistry(), tasks, runs,
		pipeline.WithEvents(publisher),
		pipeline.WithLogger(logger),
	)
	dlqMgr := dlq.NewManager(dlqItems, tasks,
		dlq.WithEvents(publisher),
		dlq.WithLogger(logger),
	)

	purgeOpt, err := janitor.WithPurgeSchedule(cfg.PurgeSchedule)
	if err != nil {
		return fmt.Errorf("purge schedule %q: %w", cfg.PurgeSchedule, err)
	}
	j := janitor.New(machine, dlqMgr, runs, elector,
		janitor.WithSweepInterval(cfg.SweepInterval),
		janitor.WithDLQRetention(cfg.DLQRetention),
		janitor.WithLogger(logger),
		purgeOpt,
	)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-quit
		logger.Info("shutting down...")
		runCancel()
	}()

	logger.Info("janitor starting",
		slog.String("instance_id", instanceID),
		slog.Duration("sweep_interval", cfg.SweepInterval),
		slog.String("purge_schedule", cfg.PurgeSchedule),
	)
	j.Run(runCtx)

	resignCtx, resignCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer resignCancel()
	elector.Resign(resignCtx)
	logger.Info("stopped")
	return nil
}
