// Package worker implements the pull-based worker runtime: it leases tasks
// from the orchestrator, runs the registered handler for each, heartbeats the
// lease while the handler runs, and reports the outcome.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/SaritraGmbH/pipeweave-sub001/internal/domain"
	"github.com/SaritraGmbH/pipeweave-sub001/internal/handlers"
	"github.com/SaritraGmbH/pipeweave-sub001/pkg/telemetry"
)

// Worker polls the orchestrator for leased tasks and executes them with
// bounded concurrency. Losing a lease (heartbeat failure) cancels the
// handler; the orchestrator will hand the task to someone else.
type Worker struct {
	client       Client
	registry     *handlers.Registry
	workerID     string
	concurrency  int
	leaseTTL     time.Duration
	pollInterval time.Duration
	taskTimeout  time.Duration
	logger       *slog.Logger

	slots chan struct{}
	wg    sync.WaitGroup
}

// Option configures a Worker.
type Option func(*Worker)

func WithConcurrency(n int) Option            { return func(w *Worker) { w.concurrency = n } }
func WithLeaseTTL(d time.Duration) Option     { return func(w *Worker) { w.leaseTTL = d } }
func WithPollInterval(d time.Duration) Option { return func(w *Worker) { w.pollInterval = d } }
func WithTaskTimeout(d time.Duration) Option  { return func(w *Worker) { w.taskTimeout = d } }
func WithLogger(l *slog.Logger) Option        { return func(w *Worker) { w.logger = l } }

// New constructs a Worker.
func New(workerID string, client Client, registry *handlers.Registry, opts ...Option) *Worker {
	w := &Worker{
		client:       client,
		registry:     registry,
		workerID:     workerID,
		concurrency:  4,
		leaseTTL:     30 * time.Second,
		pollInterval: time.Second,
		taskTimeout:  5 * time.Minute,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.slots = make(chan struct{}, w.concurrency)
	return w
}

// Run polls for tasks until ctx is cancelled. Each leased task runs in its
// own goroutine; the slots channel bounds concurrency.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case w.slots <- struct{}{}:
		}

		// One slot is held; lease for it plus any other free slots.
		free := 1 + (w.concurrency - len(w.slots))
		tasks, err := w.client.Lease(ctx, w.workerID, free)
		if err != nil {
			if ctx.Err() != nil {
				<-w.slots
				return
			}
			w.logger.Error("lease failed", slog.String("error", err.Error()))
			<-w.slots
			w.sleep(ctx, w.pollInterval)
			continue
		}
		if len(tasks) == 0 {
			<-w.slots
			w.sleep(ctx, w.pollInterval)
			continue
		}

		for i, task := range tasks {
			if i > 0 {
				// The first task reuses the slot acquired above.
				select {
				case w.slots <- struct{}{}:
				case <-ctx.Done():
					// Shutting down; unstarted leases time out and get
					// reclaimed.
					return
				}
			}
			w.wg.Add(1)
			go func(t *domain.Task) {
				defer w.wg.Done()
				defer func() { <-w.slots }()
				w.execute(ctx, t)
			}(task)
		}
	}
}

// Wait blocks until all in-flight tasks finish. Call after Run returns.
func (w *Worker) Wait() { w.wg.Wait() }

func (w *Worker) execute(ctx context.Context, task *domain.Task) {
	_, span := otel.Tracer("worker").Start(ctx, "worker.execute_task")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.type", task.Type),
		attribute.String("worker.id", w.workerID),
		attribute.Int("task.attempt", task.Attempt),
	)

	log := w.logger.With(
		slog.String("task_id", task.ID),
		slog.String("task_type", task.Type),
		slog.Int("attempt", task.Attempt),
	)

	telemetry.WorkerTasksInFlight.Inc()
	defer telemetry.WorkerTasksInFlight.Dec()

	// The handler runs on a fresh context so shutdown drains instead of
	// aborting; the heartbeat cancels it when the lease is lost.
	execCtx, cancel := context.WithTimeout(
		trace.ContextWithSpan(context.Background(), span),
		w.taskTimeout,
	)
	defer cancel()

	heartbeatDone := make(chan struct{})
	go w.heartbeat(execCtx, task.ID, cancel, heartbeatDone, log)

	started := time.Now().UTC()
	output, execErr := w.run(execCtx, task)
	finished := time.Now().UTC()

	cancel()
	<-heartbeatDone

	telemetry.WorkerTaskDurationSeconds.WithLabelValues(task.Type).Observe(finished.Sub(started).Seconds())

	att := domain.TaskAttempt{
		Number:     task.Attempt,
		WorkerID:   w.workerID,
		StartedAt:  started,
		FinishedAt: finished,
	}
	result := domain.TaskResult{Success: execErr == nil, Output: output}
	outcome := "succeeded"
	if execErr != nil {
		att.Error = execErr.Error()
		result.Error = execErr.Error()
		result.FailureMode = handlers.FailureModeOf(execErr)
		outcome = "failed"
		span.RecordError(execErr)
		span.SetStatus(codes.Error, "handler failed")
		log.Warn("task attempt failed",
			slog.String("error", execErr.Error()),
			slog.String("failure_mode", string(result.FailureMode)),
		)
	} else {
		log.Info("task attempt succeeded",
			slog.Int64("duration_ms", finished.Sub(started).Milliseconds()),
		)
	}
	telemetry.WorkerTasksProcessed.WithLabelValues(task.Type, outcome).Inc()

	// Report on the polling context: shutdown still waits for the report,
	// but a dead orchestrator eventually ends the drain.
	reportCtx, reportCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer reportCancel()
	if err := w.client.Report(reportCtx, task.ID, w.workerID, result, att); err != nil {
		var lost *domain.LeaseLostError
		if errors.As(err, &lost) {
			// Someone else owns the task now; its attempt supersedes ours.
			log.Warn("report rejected, lease was reclaimed")
			return
		}
		log.Error("report failed", slog.String("error", err.Error()))
	}
}

// run resolves the handler and executes it. A missing handler is a
// non-retryable failure: no amount of retrying grows a handler.
func (w *Worker) run(ctx context.Context, task *domain.Task) ([]byte, error) {
	h, err := w.registry.Get(task.Type)
	if err != nil {
		return nil, handlers.NonRetryable(err)
	}
	return h.Handle(ctx, task)
}

// heartbeat renews the lease at a third of its TTL until ctx is cancelled.
// A lost lease cancels the handler via the provided cancel func.
func (w *Worker) heartbeat(ctx context.Context, taskID string, cancel context.CancelFunc, done chan<- struct{}, log *slog.Logger) {
	defer close(done)
	interval := w.leaseTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.client.Renew(ctx, taskID, w.workerID); err != nil {
				if ctx.Err() != nil {
					return
				}
				var lost *domain.LeaseLostError
				if errors.As(err, &lost) {
					telemetry.WorkerLeaseRenewals.WithLabelValues("lost").Inc()
					log.Warn("lease lost, abandoning execution")
					cancel()
					return
				}
				// Transient renew failure; the lease may still be valid.
				telemetry.WorkerLeaseRenewals.WithLabelValues("error").Inc()
				log.Warn("lease renewal failed", slog.String("error", err.Error()))
				continue
			}
			telemetry.WorkerLeaseRenewals.WithLabelValues("ok").Inc()
		}
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
