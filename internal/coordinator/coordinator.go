// Package coordinator decides the fate of every failed attempt: requeue with
// a backoff delay, or hand the task to the DLQ manager.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/SaritraGmbH/pipeweave-sub001/internal/dlq"
	"github.com/SaritraGmbH/pipeweave-sub001/internal/domain"
	"github.com/SaritraGmbH/pipeweave-sub001/internal/events"
	"github.com/SaritraGmbH/pipeweave-sub001/internal/store"
	"github.com/SaritraGmbH/pipeweave-sub001/pkg/backoff"
	"github.com/SaritraGmbH/pipeweave-sub001/pkg/telemetry"
)

const (
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonNonRetryable     = "non_retryable"
)

// Coordinator owns the FAILED → QUEUED / DEAD_LETTERED resolution. It is
// invoked synchronously from the dispatch queue's report path, so a task is
// never left in FAILED across a request boundary.
type Coordinator struct {
	tasks  store.TaskStore
	dlq    *dlq.Manager
	events events.Publisher
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithLogger(l *slog.Logger) Option      { return func(c *Coordinator) { c.logger = l } }
func WithEvents(p events.Publisher) Option  { return func(c *Coordinator) { c.events = p } }
func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

// New constructs a Coordinator.
func New(tasks store.TaskStore, dlqMgr *dlq.Manager, opts ...Option) *Coordinator {
	c := &Coordinator{
		tasks:  tasks,
		dlq:    dlqMgr,
		events: events.Nop{},
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HandleFailure resolves a task in FAILED status. A non-retryable failure
// mode or an exhausted attempt budget dead-letters the task; otherwise it is
// requeued with the backoff delay for its attempt count. The transition goes
// through the store's compare-and-set, so a concurrent cancel wins cleanly.
func (c *Coordinator) HandleFailure(ctx context.Context, task *domain.Task) (*domain.Task, error) {
	if task.Status != domain.StatusFailed {
		return nil, fmt.Errorf("task %s: cannot resolve status %s", task.ID, task.Status)
	}

	nonRetryable := task.LastError != nil && task.LastError.Mode == domain.FailureModeNonRetryable
	decision := backoff.Evaluate(task.Attempt, task.MaxAttempts, nonRetryable, task.Backoff)

	log := c.logger.With(
		slog.String("task_id", task.ID),
		slog.Int("attempt", task.Attempt),
		slog.Int("max_attempts", task.MaxAttempts),
	)

	if decision.DeadLetter {
		reason := ReasonRetriesExhausted
		if nonRetryable {
			reason = ReasonNonRetryable
		}
		return c.deadLetter(ctx, task, reason, log)
	}

	eligible := c.now().Add(decision.Delay)
	requeued, err := c.tasks.CompareAndSetStatus(ctx, task.ID, domain.StatusFailed, domain.StatusQueued, func(t *domain.Task) {
		t.NextEligibleAt = &eligible
	})
	if err != nil {
		return nil, err
	}
	telemetry.RetriesScheduledTotal.Inc()
	log.Info("attempt failed, retry scheduled",
		slog.Duration("delay", decision.Delay),
		slog.Time("next_eligible_at", eligible),
	)
	c.publish(ctx, events.Event{
		Type:    events.TaskRetryScheduled,
		TaskID:  requeued.ID,
		RunID:   requeued.PipelineRunID,
		Attempt: requeued.Attempt,
		Detail:  decision.Delay.String(),
	})
	return requeued, nil
}

func (c *Coordinator) deadLetter(ctx context.Context, task *domain.Task, reason string, log *slog.Logger) (*domain.Task, error) {
	dead, err := c.tasks.CompareAndSetStatus(ctx, task.ID, domain.StatusFailed, domain.StatusDeadLettered, nil)
	if err != nil {
		return nil, err
	}

	attempts, err := c.tasks.ListAttempts(ctx, task.ID)
	if err != nil {
		log.Error("failed to load attempt history for DLQ record", slog.String("error", err.Error()))
	}
	if err := c.dlq.Record(ctx, dead, attempts, reason); err != nil {
		// The task is already DEAD_LETTERED; a failed DLQ write must surface
		// so the caller's report fails and the record is retried.
		return nil, fmt.Errorf("record dlq item for task %s: %w", task.ID, err)
	}

	telemetry.DeadLettersTotal.WithLabelValues(reason).Inc()
	log.Warn("task dead-lettered", slog.String("reason", reason))
	c.publish(ctx, events.Event{
		Type:    events.TaskDeadLettered,
		TaskID:  dead.ID,
		RunID:   dead.PipelineRunID,
		Attempt: dead.Attempt,
		Detail:  reason,
	})
	return dead, nil
}

func (c *Coordinator) publish(ctx context.Context, ev events.Event) {
	if err := c.events.Publish(ctx, ev); err != nil {
		c.logger.Error("failed to publish lifecycle event",
			slog.String("event", string(ev.Type)),
			slog.String("task_id", ev.TaskID),
			slog.String("error", err.Error()),
		)
	}
}
