// Package dlq manages the dead-letter queue: terminally-failed tasks are
// preserved with their full attempt history for operator inspection, manual
// replay, and retention purge.
package dlq

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/SaritraGmbH/pipeweave-sub001/internal/domain"
	"github.com/SaritraGmbH/pipeweave-sub001/internal/events"
	"github.com/SaritraGmbH/pipeweave-sub001/internal/store"
	"github.com/SaritraGmbH/pipeweave-sub001/pkg/telemetry"
)

// Manager owns DLQ items. Recording is idempotent per task: dead-lettering
// happens exactly once per task by construction of the retry coordinator, so
// a duplicate record overwrites rather than duplicates.
type Manager struct {
	items  store.DLQStore
	tasks  store.TaskStore
	events events.Publisher
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *slog.Logger) Option      { return func(m *Manager) { m.logger = l } }
func WithEvents(p events.Publisher) Option  { return func(m *Manager) { m.events = p } }
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// NewManager constructs a Manager.
func NewManager(items store.DLQStore, tasks store.TaskStore, opts ...Option) *Manager {
	m := &Manager{
		items:  items,
		tasks:  tasks,
		events: events.Nop{},
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Record preserves a dead-lettered task. Non-retryable failures are marked
// not replayable: re-running a payload the worker declared malformed would
// dead-letter again identically.
func (m *Manager) Record(ctx context.Context, task *domain.Task, attempts []domain.TaskAttempt, reason string) error {
	item := &domain.DLQItem{
		ID:             uuid.New().String(),
		TaskID:         task.ID,
		PipelineRunID:  task.PipelineRunID,
		TaskName:       task.Name,
		TaskType:       task.Type,
		Payload:        task.Payload,
		Attempts:       attempts,
		Reason:         reason,
		Replayable:     task.LastError == nil || task.LastError.Mode != domain.FailureModeNonRetryable,
		DeadLetteredAt: m.now(),
	}
	if err := m.items.Upsert(ctx, item); err != nil {
		return err
	}
	m.publish(ctx, events.Event{Type: events.DLQRecorded, TaskID: task.ID, RunID: task.PipelineRunID, Detail: reason})
	return nil
}

// Get returns a single DLQ item by ID.
func (m *Manager) Get(ctx context.Context, id string) (*domain.DLQItem, error) {
	return m.items.Get(ctx, id)
}

// List returns DLQ items ordered by dead-letter timestamp descending.
func (m *Manager) List(ctx context.Context, filter store.DLQFilter, limit, offset int) ([]*domain.DLQItem, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return m.items.List(ctx, filter, limit, offset)
}

// Replay creates a brand-new standalone task cloned from the item's original
// payload, with the attempt counter reset. The DLQ item itself is never
// mutated; the audit trail stays intact. Fails with *domain.NotReplayableError
// when the item is not eligible.
func (m *Manager) Replay(ctx context.Context, itemID string) (*domain.Task, error) {
	item, err := m.items.Get(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if !item.Replayable {
		return nil, &domain.NotReplayableError{ItemID: itemID}
	}

	now := m.now()
	clone := &domain.Task{
		ID:          uuid.New().String(),
		Name:        item.TaskName,
		Type:        item.TaskType,
		Payload:     item.Payload,
		Status:      domain.StatusQueued,
		Attempt:     0,
		MaxAttempts: 3,
		Backoff:     domain.DefaultBackoff(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	// Carry over the original task's retry settings when its record still
	// exists; the clone is standalone either way (the original run, if any,
	// has long since aggregated this task as dead-lettered).
	if orig, err := m.tasks.Get(ctx, item.TaskID); err == nil {
		clone.MaxAttempts = orig.MaxAttempts
		clone.Backoff = orig.Backoff
	} else {
		var notFound *domain.TaskNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	if err := m.tasks.Insert(ctx, clone); err != nil {
		return nil, err
	}
	telemetry.DLQReplaysTotal.Inc()
	m.logger.Info("dlq item replayed",
		slog.String("dlq_item_id", itemID),
		slog.String("original_task_id", item.TaskID),
		slog.String("new_task_id", clone.ID),
	)
	m.publish(ctx, events.Event{Type: events.DLQReplayed, TaskID: clone.ID, Detail: itemID})
	return clone, nil
}

// Purge deletes items dead-lettered before the cutoff. Irreversible; every
// purge is logged with its count.
func (m *Manager) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	deleted, err := m.items.DeleteOlderThan(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		telemetry.DLQPurgedTotal.Add(float64(deleted))
		m.logger.Info("dlq purged",
			slog.Int("deleted", deleted),
			slog.Time("older_than", olderThan),
		)
		m.publish(ctx, events.Event{Type: events.DLQPurged, Detail: olderThan.Format(time.RFC3339)})
	}
	return deleted, nil
}

func (m *Manager) publish(ctx context.Context, ev events.Event) {
	if err := m.events.Publish(ctx, ev); err != nil {
		m.logger.Error("failed to publish lifecycle event",
			slog.String("event", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
}
