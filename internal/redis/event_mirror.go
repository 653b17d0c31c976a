package redis

import (
	"context"
	"log/slog"

	"github.com/SaritraGmbH/pipeweave-sub001/internal/domain"
	"github.com/SaritraGmbH/pipeweave-sub001/internal/events"
)

// EventMirror writes lifecycle transitions into the status cache before
// forwarding them to the wrapped publisher. The state machine, coordinator,
// and queue all move tasks without going through the HTTP read path; without
// the mirror a poller could see a cached LEASED for a task that was already
// cancelled or dead-lettered. Cache writes are best-effort: a redis error is
// logged and never blocks the event.
type EventMirror struct {
	cache  StatusCache
	next   events.Publisher
	logger *slog.Logger
}

// NewEventMirror wraps a publisher with status-cache mirroring.
func NewEventMirror(cache StatusCache, next events.Publisher, logger *slog.Logger) *EventMirror {
	return &EventMirror{cache: cache, next: next, logger: logger}
}

func (m *EventMirror) Publish(ctx context.Context, ev events.Event) error {
	if status, ok := taskStatusFor(ev.Type); ok && ev.TaskID != "" {
		if err := m.cache.SetTaskStatus(ctx, ev.TaskID, status); err != nil {
			m.logger.Warn("status cache update failed",
				slog.String("task_id", ev.TaskID),
				slog.String("error", err.Error()),
			)
		}
	}
	if ev.Type == events.RunFinished && ev.RunID != "" && ev.Detail != "" {
		if err := m.cache.SetRunStatus(ctx, ev.RunID, domain.RunStatus(ev.Detail)); err != nil {
			m.logger.Warn("status cache update failed",
				slog.String("run_id", ev.RunID),
				slog.String("error", err.Error()),
			)
		}
	}
	return m.next.Publish(ctx, ev)
}

// taskStatusFor maps a lifecycle event to the task status it implies.
func taskStatusFor(t events.Type) (domain.Status, bool) {
	switch t {
	case events.TaskSucceeded:
		return domain.StatusSucceeded, true
	case events.TaskRetryScheduled:
		return domain.StatusQueued, true
	case events.TaskDeadLettered:
		return domain.StatusDeadLettered, true
	case events.TaskCancelled:
		return domain.StatusCancelled, true
	default:
		return "", false
	}
}
