package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/SaritraGmbH/pipeweave-sub001/internal/domain"
	"github.com/SaritraGmbH/pipeweave-sub001/internal/events"
	"github.com/SaritraGmbH/pipeweave-sub001/internal/store"
	"github.com/SaritraGmbH/pipeweave-sub001/pkg/backoff"
	"github.com/SaritraGmbH/pipeweave-sub001/pkg/telemetry"
)

// StateMachine expands pipeline triggers into task graphs and folds task
// outcomes back into run status. It owns every PipelineRun mutation; tasks
// themselves are only ever moved through the store's compare-and-set.
type StateMachine struct {
	registry *Registry
	tasks    store.TaskStore
	runs     store.RunStore
	events   events.Publisher
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a StateMachine.
type Option func(*StateMachine)

func WithEvents(p events.Publisher) Option  { return func(m *StateMachine) { m.events = p } }
func WithLogger(l *slog.Logger) Option      { return func(m *StateMachine) { m.logger = l } }
func WithClock(now func() time.Time) Option { return func(m *StateMachine) { m.now = now } }

// New constructs a StateMachine over the given registry and stores.
func New(registry *Registry, tasks store.TaskStore, runs store.RunStore, opts ...Option) *StateMachine {
	m := &StateMachine{
		registry: registry,
		tasks:    tasks,
		runs:     runs,
		events:   events.Nop{},
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Trigger starts a new run of the named pipeline. Tasks without dependencies
// are queued immediately; the rest start blocked and are released as their
// dependencies succeed. Params become the payload of every task that does not
// declare a static one.
func (m *StateMachine) Trigger(ctx context.Context, name string, params []byte) (*domain.PipelineRun, error) {
	def, err := m.registry.Get(name)
	if err != nil {
		telemetry.PipelineTriggersTotal.WithLabelValues(name, "rejected").Inc()
		return nil, err
	}

	now := m.now()
	run := &domain.PipelineRun{
		ID:           uuid.NewString(),
		PipelineName: def.Name,
		Status:       domain.RunRunning,
		Params:       params,
		StartedAt:    now,
		CreatedAt:    now,
	}

	tasks := make([]*domain.Task, 0, len(def.Tasks))
	for _, td := range def.Tasks {
		status := domain.StatusQueued
		if len(td.DependsOn) > 0 {
			status = domain.StatusBlocked
		}
		payload := []byte(td.Payload)
		if len(payload) == 0 {
			payload = params
		}
		task := &domain.Task{
			ID:            uuid.NewString(),
			PipelineRunID: run.ID,
			Name:          td.Name,
			Type:          td.Type,
			Payload:       payload,
			Status:        status,
			Optional:      td.Optional,
			DependsOn:     td.DependsOn,
			MaxAttempts:   def.maxAttemptsFor(td),
			Backoff:       backoffFor(td),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		tasks = append(tasks, task)
		run.TaskIDs = append(run.TaskIDs, task.ID)
	}

	// One transaction for the run and its whole task graph: a storage failure
	// mid-trigger must not leave queued members of a half-written run behind.
	if err := m.runs.InsertWithTasks(ctx, run, tasks); err != nil {
		telemetry.PipelineTriggersTotal.WithLabelValues(name, "error").Inc()
		return nil, fmt.Errorf("insert run for pipeline %s: %w", name, err)
	}
	for _, task := range tasks {
		telemetry.TasksEnqueuedTotal.WithLabelValues(task.Type).Inc()
	}

	telemetry.PipelineTriggersTotal.WithLabelValues(name, "accepted").Inc()
	m.logger.Info("pipeline run triggered",
		slog.String("pipeline", name),
		slog.String("run_id", run.ID),
		slog.Int("tasks", len(tasks)),
	)
	return run, nil
}

// Enqueue inserts a standalone task outside any pipeline run. Zero-valued
// retry settings fall back to the defaults.
func (m *StateMachine) Enqueue(ctx context.Context, name, taskType string, payload []byte, maxAttempts int, spec backoff.Spec) (*domain.Task, error) {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if spec.Kind == "" {
		spec = domain.DefaultBackoff()
	}
	now := m.now()
	task := &domain.Task{
		ID:          uuid.NewString(),
		Name:        name,
		Type:        taskType,
		Payload:     payload,
		Status:      domain.StatusQueued,
		MaxAttempts: maxAttempts,
		Backoff:     spec,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.tasks.Insert(ctx, task); err != nil {
		return nil, fmt.Errorf("insert task %s: %w", name, err)
	}
	telemetry.TasksEnqueuedTotal.WithLabelValues(taskType).Inc()
	return task, nil
}

// OnTaskTerminal is the queue's terminal hook: whenever a run member settles
// it releases now-unblocked dependents, cancels dependents whose dependencies
// can no longer succeed, and finalizes the run once every member is terminal.
// Standalone tasks are ignored.
func (m *StateMachine) OnTaskTerminal(ctx context.Context, task *domain.Task) {
	if task.PipelineRunID == "" {
		return
	}
	if err := m.Reconcile(ctx, task.PipelineRunID); err != nil {
		m.logger.Error("run reconciliation failed",
			slog.String("run_id", task.PipelineRunID),
			slog.String("error", err.Error()),
		)
	}
}

// Reconcile recomputes one run's derived state from its member tasks. It is
// idempotent and safe to call at any time, so the janitor also uses it to
// finalize runs whose terminal hook was lost to a crash.
func (m *StateMachine) Reconcile(ctx context.Context, runID string) error {
	run, err := m.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return nil
	}

	tasks, err := m.tasks.ListByRun(ctx, runID)
	if err != nil {
		return err
	}

	byName := make(map[string]*domain.Task, len(tasks))
	for _, t := range tasks {
		byName[t.Name] = t
	}

	// Release and cancel until a fixpoint: cancelling a blocked task can make
	// its own dependents cancellable in the same pass.
	for changed := true; changed; {
		changed = false
		for _, t := range tasks {
			if t.Status != domain.StatusBlocked {
				continue
			}
			switch depsVerdict(t, byName) {
			case depsSucceeded:
				updated, err := m.tasks.CompareAndSetStatus(ctx, t.ID, domain.StatusBlocked, domain.StatusQueued, nil)
				if err != nil {
					if isConflict(err) {
						continue
					}
					return err
				}
				byName[t.Name] = updated
				*t = *updated
				changed = true
				m.logger.Info("task unblocked",
					slog.String("task_id", t.ID),
					slog.String("run_id", runID),
				)
			case depsDoomed:
				updated, err := m.tasks.CompareAndSetStatus(ctx, t.ID, domain.StatusBlocked, domain.StatusCancelled, nil)
				if err != nil {
					if isConflict(err) {
						continue
					}
					return err
				}
				byName[t.Name] = updated
				*t = *updated
				changed = true
				m.publish(ctx, events.Event{
					Type:   events.TaskCancelled,
					TaskID: t.ID,
					RunID:  runID,
					Detail: "dependency will never succeed",
				})
			}
		}
	}

	return m.finalize(ctx, run, tasks)
}

// Cancel stops a run: every non-terminal member task is cancelled and the run
// is marked cancelled. Cancelling an already-terminal run is a no-op and
// returns the run unchanged.
func (m *StateMachine) Cancel(ctx context.Context, runID string) (*domain.PipelineRun, error) {
	run, err := m.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return run, nil
	}

	tasks, err := m.tasks.ListByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.Status.IsTerminal() {
			continue
		}
		_, err := m.tasks.CompareAndSet(ctx, t.ID, nonTerminalCheck(t.ID), domain.StatusCancelled, func(task *domain.Task) {
			task.LeaseOwner = ""
			task.LeaseExpiry = nil
			task.NextEligibleAt = nil
		})
		if err != nil {
			// A worker report finished the task first; the aggregation below
			// accounts for whatever status it reached.
			if isConflict(err) {
				continue
			}
			return nil, err
		}
		m.publish(ctx, events.Event{
			Type:   events.TaskCancelled,
			TaskID: t.ID,
			RunID:  runID,
			Detail: "run cancelled",
		})
	}

	now := m.now()
	run.Status = domain.RunCancelled
	run.FinishedAt = &now
	if err := m.runs.UpdateStatus(ctx, runID, domain.RunCancelled, &now); err != nil {
		return nil, err
	}
	m.publish(ctx, events.Event{
		Type:     events.RunFinished,
		RunID:    runID,
		Pipeline: run.PipelineName,
		Detail:   string(domain.RunCancelled),
	})
	m.logger.Info("pipeline run cancelled", slog.String("run_id", runID))
	return run, nil
}

// finalize sets the run's terminal status once every member task is terminal.
// Required dead-letters fail the run, and a cancellation anywhere that is not
// explained by an optional dead-letter cancels it; optional dead-letters
// alone degrade the run to partially failed.
func (m *StateMachine) finalize(ctx context.Context, run *domain.PipelineRun, tasks []*domain.Task) error {
	var requiredDead, requiredCancelled, optionalDead bool
	for _, t := range tasks {
		if !t.Status.IsTerminal() {
			return nil
		}
		switch t.Status {
		case domain.StatusDeadLettered:
			if t.Optional {
				optionalDead = true
			} else {
				requiredDead = true
			}
		case domain.StatusCancelled:
			if !t.Optional {
				requiredCancelled = true
			}
		}
	}

	status := domain.RunSucceeded
	switch {
	case requiredDead:
		status = domain.RunFailed
	case requiredCancelled:
		status = domain.RunCancelled
	case optionalDead:
		status = domain.RunPartiallyFailed
	}

	now := m.now()
	if err := m.runs.UpdateStatus(ctx, run.ID, status, &now); err != nil {
		return err
	}
	run.Status = status
	run.FinishedAt = &now
	m.publish(ctx, events.Event{
		Type:     events.RunFinished,
		RunID:    run.ID,
		Pipeline: run.PipelineName,
		Detail:   string(status),
	})
	m.logger.Info("pipeline run finished",
		slog.String("run_id", run.ID),
		slog.String("pipeline", run.PipelineName),
		slog.String("status", string(status)),
	)
	return nil
}

type verdict int

const (
	depsPending verdict = iota
	depsSucceeded
	depsDoomed
)

// depsVerdict classifies a blocked task's dependencies: all succeeded, some
// can never succeed, or still in flight.
func depsVerdict(t *domain.Task, byName map[string]*domain.Task) verdict {
	v := depsSucceeded
	for _, name := range t.DependsOn {
		dep, ok := byName[name]
		if !ok {
			return depsDoomed
		}
		switch dep.Status {
		case domain.StatusSucceeded:
		case domain.StatusDeadLettered, domain.StatusCancelled:
			return depsDoomed
		default:
			v = depsPending
		}
	}
	return v
}

func nonTerminalCheck(id string) store.Check {
	return func(t *domain.Task) error {
		if t.Status.IsTerminal() {
			return &domain.ConflictError{TaskID: id, Actual: t.Status}
		}
		return nil
	}
}

func isConflict(err error) bool {
	var conflict *domain.ConflictError
	return errors.As(err, &conflict)
}

func (m *StateMachine) publish(ctx context.Context, ev events.Event) {
	if err := m.events.Publish(ctx, ev); err != nil {
		m.logger.Warn("event publish failed",
			slog.String("event", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
}
