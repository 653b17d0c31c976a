// Package queue implements the dispatch queue: it hands ready tasks to
// workers under time-bounded exclusive leases, reclaims abandoned leases, and
// routes worker reports into the retry coordinator.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/SaritraGmbH/pipeweave-sub001/internal/domain"
	"github.com/SaritraGmbH/pipeweave-sub001/internal/events"
	"github.com/SaritraGmbH/pipeweave-sub001/internal/store"
	"github.com/SaritraGmbH/pipeweave-sub001/pkg/telemetry"
)

// casRetries bounds the local read-decide-write retry cycle after a lost
// compare-and-set race.
const casRetries = 3

// Coordinator resolves a failed attempt to either a delayed requeue or a
// dead-letter. Implemented by the retry coordinator; an interface here keeps
// the dependency one-directional.
type Coordinator interface {
	HandleFailure(ctx context.Context, task *domain.Task) (*domain.Task, error)
}

// TerminalHook observes every task that reaches a terminal status through
// the queue (success or dead-letter). The pipeline state machine registers
// itself here to drive run aggregation.
type TerminalHook func(ctx context.Context, task *domain.Task)

// DispatchQueue coordinates task leasing between the record store and
// workers. It holds no task state of its own; every transition is a
// compare-and-set against the store.
type DispatchQueue struct {
	tasks      store.TaskStore
	coord      Coordinator
	leaseTTL   time.Duration
	onTerminal TerminalHook
	events     events.Publisher
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a DispatchQueue.
type Option func(*DispatchQueue)

func WithLeaseTTL(d time.Duration) Option     { return func(q *DispatchQueue) { q.leaseTTL = d } }
func WithLogger(l *slog.Logger) Option        { return func(q *DispatchQueue) { q.logger = l } }
func WithTerminalHook(h TerminalHook) Option  { return func(q *DispatchQueue) { q.onTerminal = h } }
func WithEvents(p events.Publisher) Option    { return func(q *DispatchQueue) { q.events = p } }
func WithClock(now func() time.Time) Option   { return func(q *DispatchQueue) { q.now = now } }

// New constructs a DispatchQueue.
func New(tasks store.TaskStore, coord Coordinator, opts ...Option) *DispatchQueue {
	q := &DispatchQueue{
		tasks:    tasks,
		coord:    coord,
		leaseTTL: 30 * time.Second,
		events:   events.Nop{},
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Lease hands up to count ready tasks to the calling worker, each under a
// fresh lease of leaseTTL. Expired leases are reclaimed ahead of queued
// tasks; reclaiming increments the attempt counter just like a fresh lease,
// since the abandoned execution consumed an attempt slot. A reclaim
// candidate whose attempt budget is already spent is not re-leased: it is
// failed with a lease-expiry error and resolved by the retry coordinator,
// so a crash-looping worker cannot push the counter past the budget.
// Returns *domain.EmptyQueueError when nothing is ready.
func (q *DispatchQueue) Lease(ctx context.Context, workerID string, count int) ([]*domain.Task, error) {
	if count <= 0 {
		count = 1
	}
	candidates, err := q.tasks.FindReady(ctx, count)
	if err != nil {
		return nil, err
	}

	now := q.now()
	expiry := now.Add(q.leaseTTL)
	var leased []*domain.Task
	for _, c := range candidates {
		reclaim := c.LeaseExpired(now)
		if reclaim && c.Attempt >= c.MaxAttempts {
			if err := q.failExpiredLease(ctx, c, now); err != nil {
				return nil, err
			}
			continue
		}
		task, err := q.tasks.CompareAndSet(ctx, c.ID, readyCheck(c.ID, now), domain.StatusLeased, func(t *domain.Task) {
			t.Attempt++
			t.LeaseOwner = workerID
			t.LeaseExpiry = &expiry
			t.NextEligibleAt = nil
			started := now
			t.LastAttemptAt = &started
		})
		if err != nil {
			// Lost the race to another worker; skip the candidate.
			var conflict *domain.ConflictError
			if errors.As(err, &conflict) {
				telemetry.QueueCASConflicts.Inc()
				continue
			}
			return nil, err
		}
		if reclaim {
			telemetry.QueueLeaseReclaims.Inc()
			q.logger.Warn("lease reclaimed from stalled worker",
				slog.String("task_id", task.ID),
				slog.String("new_owner", workerID),
				slog.Int("attempt", task.Attempt),
			)
		}
		telemetry.QueueLeasesGranted.Inc()
		leased = append(leased, task)
	}

	if len(leased) == 0 {
		return nil, &domain.EmptyQueueError{}
	}
	return leased, nil
}

// failExpiredLease fails a task whose lease expired with no attempts left and
// hands it to the retry coordinator, which dead-letters it. The stale owner is
// recorded as the error's worker so the DLQ entry names the crashed holder.
func (q *DispatchQueue) failExpiredLease(ctx context.Context, c *domain.Task, now time.Time) error {
	task, err := q.tasks.CompareAndSet(ctx, c.ID, readyCheck(c.ID, now), domain.StatusFailed, func(t *domain.Task) {
		t.LastError = &domain.TaskError{
			Message:  "lease expired with attempt budget exhausted",
			Mode:     domain.FailureModeTransient,
			WorkerID: t.LeaseOwner,
		}
		clearLease(t)
	})
	if err != nil {
		var conflict *domain.ConflictError
		if errors.As(err, &conflict) {
			telemetry.QueueCASConflicts.Inc()
			return nil
		}
		return err
	}
	telemetry.QueueLeaseReclaims.Inc()
	q.logger.Warn("expired lease had no attempts left, resolving",
		slog.String("task_id", task.ID),
		slog.Int("attempt", task.Attempt),
	)
	resolved, err := q.coord.HandleFailure(ctx, task)
	if err != nil {
		return err
	}
	if resolved.Status.IsTerminal() {
		q.fireTerminal(ctx, resolved)
	}
	return nil
}

// Renew extends the caller's lease by one TTL and marks the task RUNNING.
// Fails with *domain.LeaseLostError if the lease was reclaimed or the task
// was cancelled; the caller must abandon its local execution.
func (q *DispatchQueue) Renew(ctx context.Context, taskID, workerID string) (*domain.Task, error) {
	now := q.now()
	expiry := now.Add(q.leaseTTL)
	task, err := q.tasks.CompareAndSet(ctx, taskID, ownerCheck(taskID, workerID), domain.StatusRunning, func(t *domain.Task) {
		t.LeaseExpiry = &expiry
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// Report records the outcome of a leased execution. On success the task goes
// terminal immediately; on failure the retry coordinator decides between a
// delayed requeue and the DLQ before Report returns.
func (q *DispatchQueue) Report(ctx context.Context, taskID, workerID string, result domain.TaskResult, att domain.TaskAttempt) (*domain.Task, error) {
	att.WorkerID = workerID
	if err := q.tasks.RecordAttempt(ctx, taskID, att); err != nil {
		q.logger.Error("failed to record attempt",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
	}

	if result.Success {
		task, err := q.casWithRetry(ctx, taskID, ownerCheck(taskID, workerID), domain.StatusSucceeded, func(t *domain.Task) {
			t.Result = result.Output
			t.LastError = nil
			clearLease(t)
		})
		if err != nil {
			return nil, err
		}
		telemetry.QueueReportsTotal.WithLabelValues("succeeded").Inc()
		q.publish(ctx, events.Event{Type: events.TaskSucceeded, TaskID: task.ID, RunID: task.PipelineRunID, Attempt: task.Attempt})
		q.fireTerminal(ctx, task)
		return task, nil
	}

	mode := result.FailureMode
	if mode == "" {
		mode = domain.FailureModeTransient
	}
	task, err := q.casWithRetry(ctx, taskID, ownerCheck(taskID, workerID), domain.StatusFailed, func(t *domain.Task) {
		t.LastError = &domain.TaskError{Message: result.Error, Mode: mode, WorkerID: workerID}
		clearLease(t)
	})
	if err != nil {
		return nil, err
	}
	telemetry.QueueReportsTotal.WithLabelValues("failed").Inc()

	resolved, err := q.coord.HandleFailure(ctx, task)
	if err != nil {
		return nil, err
	}
	if resolved.Status.IsTerminal() {
		q.fireTerminal(ctx, resolved)
	}
	return resolved, nil
}

// casWithRetry re-reads and retries a transition a bounded number of times
// after a lost compare-and-set race. Ownership races are not retried: a
// LeaseLostError or NotOwnerError is final for the caller.
func (q *DispatchQueue) casWithRetry(ctx context.Context, taskID string, check store.Check, next domain.Status, mutate store.Mutate) (*domain.Task, error) {
	var lastErr error
	for i := 0; i < casRetries; i++ {
		task, err := q.tasks.CompareAndSet(ctx, taskID, check, next, mutate)
		if err == nil {
			return task, nil
		}
		var conflict *domain.ConflictError
		if !errors.As(err, &conflict) {
			return nil, err
		}
		telemetry.QueueCASConflicts.Inc()
		lastErr = err
	}
	return nil, lastErr
}

func (q *DispatchQueue) fireTerminal(ctx context.Context, task *domain.Task) {
	if q.onTerminal != nil {
		q.onTerminal(ctx, task)
	}
}

func (q *DispatchQueue) publish(ctx context.Context, ev events.Event) {
	if err := q.events.Publish(ctx, ev); err != nil {
		q.logger.Error("failed to publish lifecycle event",
			slog.String("event", string(ev.Type)),
			slog.String("task_id", ev.TaskID),
			slog.String("error", err.Error()),
		)
	}
}

// readyCheck accepts a task that is still dispatchable at the given instant:
// queued and eligible, or holding an expired lease.
func readyCheck(id string, now time.Time) store.Check {
	return func(t *domain.Task) error {
		if !t.Ready(now) {
			return &domain.ConflictError{TaskID: id, Expected: domain.StatusQueued, Actual: t.Status}
		}
		return nil
	}
}

// ownerCheck accepts a task that is still actively leased by workerID.
// A reclaimed or cancelled task fails with LeaseLostError; a lease held by a
// different worker fails with NotOwnerError.
func ownerCheck(id, workerID string) store.Check {
	return func(t *domain.Task) error {
		if !t.Status.IsActive() {
			return &domain.LeaseLostError{TaskID: id, WorkerID: workerID}
		}
		if t.LeaseOwner != workerID {
			return &domain.NotOwnerError{TaskID: id, WorkerID: workerID, Owner: t.LeaseOwner}
		}
		return nil
	}
}

func clearLease(t *domain.Task) {
	t.LeaseOwner = ""
	t.LeaseExpiry = nil
}
