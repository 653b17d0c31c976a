//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SaritraGmbH/pipeweave-sub001/internal/coordinator"
	"github.com/SaritraGmbH/pipeweave-sub001/internal/dlq"
	"github.com/SaritraGmbH/pipeweave-sub001/internal/domain"
	"github.com/SaritraGmbH/pipeweave-sub001/internal/pipeline"
	"github.com/SaritraGmbH/pipeweave-sub001/internal/queue"
	"github.com/SaritraGmbH/pipeweave-sub001/internal/store"
)

// engine wires the full orchestration core against the test Postgres
// container: pipeline state machine, dispatch queue, retry coordinator,
// and DLQ manager, exactly as the orchestrator serve command does.
type engine struct {
	machine  *pipeline.StateMachine
	dispatch *queue.DispatchQueue
	dlqMgr   *dlq.Manager
	tasks    store.TaskStore
	runs     store.RunStore
}

func newEngine(t *testing.T, maxAttempts int) *engine {
	t.Helper()
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, testPostgresDSN)
	require.NoError(t, err)
	t.Cleanup(func() {
		pool.Exec(ctx, "TRUNCATE task_attempts, dlq_items, tasks, pipeline_runs CASCADE") //nolint:errcheck
		pool.Close()
	})

	tasks := store.NewTaskStore(pool)
	runs := store.NewRunStore(pool)
	items := store.NewDLQStore(pool)

	registry := pipeline.NewRegistry()
	require.NoError(t, registry.Register(&pipeline.Definition{
		Name:        "etl",
		MaxAttempts: maxAttempts,
		Tasks: []pipeline.TaskDef{
			{Name: "extract", Type: "http_fetch"},
			{Name: "transform", Type: "webhook", DependsOn: []string{"extract"}},
			{Name: "load", Type: "webhook", DependsOn: []string{"transform"}},
			{Name: "notify", Type: "email", DependsOn: []string{"load"}, Optional: true},
		},
	}))

	machine := pipeline.New(registry, tasks, runs)
	dlqMgr := dlq.NewManager(items, tasks)
	coord := coordinator.New(tasks, dlqMgr)
	dispatch := queue.New(tasks, coord,
		queue.WithLeaseTTL(30*time.Second),
		queue.WithTerminalHook(machine.OnTaskTerminal),
	)
	return &engine{machine: machine, dispatch: dispatch, dlqMgr: dlqMgr, tasks: tasks, runs: runs}
}

// drive leases one ready task and reports the given result, the way a worker
// would over the lease protocol.
func (e *engine) drive(t *testing.T, workerID string, result domain.TaskResult) *domain.Task {
	t.Helper()
	ctx := context.Background()
	leased, err := e.dispatch.Lease(ctx, workerID, 1)
	require.NoError(t, err)
	require.Len(t, leased, 1, "expected a ready task")
	task := leased[0]

	now := time.Now().UTC()
	_, err = e.dispatch.Report(ctx, task.ID, workerID, result, domain.TaskAttempt{
		Number:     task.Attempt,
		StartedAt:  now,
		FinishedAt: now,
		Error:      result.Error,
	})
	require.NoError(t, err)
	return task
}

func TestE2E_PipelineRunsToCompletion(t *testing.T) {
	e := newEngine(t, 3)
	ctx := context.Background()

	run, err := e.machine.Trigger(ctx, "etl", []byte(`{"source":"s3://bucket"}`))
	require.NoError(t, err)
	require.Len(t, run.TaskIDs, 4)

	// Dependency order: only extract is leasable at first.
	first := e.drive(t, "w-1", domain.TaskResult{Success: true, Output: []byte(`{"rows":10}`)})
	assert.Equal(t, "extract", first.Name)

	second := e.drive(t, "w-1", domain.TaskResult{Success: true})
	assert.Equal(t, "transform", second.Name)

	third := e.drive(t, "w-2", domain.TaskResult{Success: true})
	assert.Equal(t, "load", third.Name)

	fourth := e.drive(t, "w-2", domain.TaskResult{Success: true})
	assert.Equal(t, "notify", fourth.Name)

	got, err := e.runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, got.Status)
	require.NotNil(t, got.FinishedAt)

	extract, err := e.tasks.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, extract.Status)
	assert.JSONEq(t, `{"rows":10}`, string(extract.Result))
}

func TestE2E_TransientFailureRetriesThenSucceeds(t *testing.T) {
	e := newEngine(t, 3)
	ctx := context.Background()

	_, err := e.machine.Trigger(ctx, "etl", nil)
	require.NoError(t, err)

	failed := e.drive(t, "w-1", domain.TaskResult{
		Success:     false,
		Error:       "connection refused",
		FailureMode: domain.FailureModeTransient,
	})
	assert.Equal(t, "extract", failed.Name)

	// The coordinator requeued the task with backoff; nothing is leasable
	// until next_eligible_at passes.
	after, err := e.tasks.Get(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, after.Status)
	require.NotNil(t, after.NextEligibleAt)

	_, err = e.dispatch.Lease(ctx, "w-1", 1)
	var empty *domain.EmptyQueueError
	require.ErrorAs(t, err, &empty)

	// First retry backoff is ~1s with jitter; wait it out.
	time.Sleep(1100 * time.Millisecond)

	retried := e.drive(t, "w-1", domain.TaskResult{Success: true})
	assert.Equal(t, failed.ID, retried.ID)
	assert.Equal(t, 2, retried.Attempt, "attempt increments on every lease grant")

	final, err := e.tasks.Get(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, final.Status)
}

func TestE2E_ExhaustedRetriesDeadLetterAndCancelDependents(t *testing.T) {
	e := newEngine(t, 1)
	ctx := context.Background()

	run, err := e.machine.Trigger(ctx, "etl", nil)
	require.NoError(t, err)

	failed := e.drive(t, "w-1", domain.TaskResult{
		Success:     false,
		Error:       "boom",
		FailureMode: domain.FailureModeTransient,
	})
	assert.Equal(t, "extract", failed.Name)

	// Single attempt budget: the failure dead-letters immediately and the
	// run fails, cancelling every blocked dependent.
	task, err := e.tasks.Get(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeadLettered, task.Status)

	got, err := e.runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, got.Status)

	members, err := e.tasks.ListByRun(ctx, run.ID)
	require.NoError(t, err)
	for _, m := range members {
		if m.ID == failed.ID {
			continue
		}
		assert.Equal(t, domain.StatusCancelled, m.Status, "dependent %s", m.Name)
	}

	items, err := e.dlqMgr.List(ctx, store.DLQFilter{PipelineRunID: run.ID}, 10, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.True(t, items[0].Replayable)
}

func TestE2E_DLQReplayCreatesFreshTask(t *testing.T) {
	e := newEngine(t, 1)
	ctx := context.Background()

	run, err := e.machine.Trigger(ctx, "etl", nil)
	require.NoError(t, err)

	dead := e.drive(t, "w-1", domain.TaskResult{
		Success:     false,
		Error:       "boom",
		FailureMode: domain.FailureModeTransient,
	})

	items, err := e.dlqMgr.List(ctx, store.DLQFilter{PipelineRunID: run.ID}, 10, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)

	clone, err := e.dlqMgr.Replay(ctx, items[0].ID)
	require.NoError(t, err)
	assert.NotEqual(t, dead.ID, clone.ID)
	assert.Equal(t, domain.StatusQueued, clone.Status)
	assert.Empty(t, clone.PipelineRunID, "replayed task is standalone")
	assert.Equal(t, 0, clone.Attempt)

	// The clone is immediately leasable and can succeed on its own.
	leased, err := e.dispatch.Lease(ctx, "w-2", 1)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	assert.Equal(t, clone.ID, leased[0].ID)
}
