package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SaritraGmbH/pipeweave-sub001/internal/domain"
	"github.com/SaritraGmbH/pipeweave-sub001/internal/store"
)

// testPipeline is a diamond with one optional leaf:
//
//	extract -> transform -> load
//	        \-> notify (optional, depends on transform)
func testPipeline() *Definition {
	return &Definition{
		Name: "etl",
		Tasks: []TaskDef{
			{Name: "extract", Type: "http_fetch"},
			{Name: "transform", Type: "transform", DependsOn: []string{"extract"}},
			{Name: "load", Type: "db_write", DependsOn: []string{"transform"}},
			{Name: "notify", Type: "webhook", DependsOn: []string{"transform"}, Optional: true},
		},
	}
}

func newTestMachine(t *testing.T) (*StateMachine, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	reg := NewRegistry()
	require.NoError(t, reg.Register(testPipeline()))
	return New(reg, mem, mem.Runs()), mem
}

// settle forces a task to the given terminal status and reconciles the run,
// standing in for the dispatch path.
func settle(t *testing.T, m *StateMachine, mem *store.Memory, taskID string, status domain.Status) {
	t.Helper()
	ctx := context.Background()
	_, err := mem.CompareAndSet(ctx, taskID, func(*domain.Task) error { return nil }, status, func(task *domain.Task) {
		task.LeaseOwner = ""
		task.LeaseExpiry = nil
	})
	require.NoError(t, err)
	task, err := mem.Get(ctx, taskID)
	require.NoError(t, err)
	m.OnTaskTerminal(ctx, task)
}

func runTasks(t *testing.T, mem *store.Memory, runID string) map[string]*domain.Task {
	t.Helper()
	tasks, err := mem.ListByRun(context.Background(), runID)
	require.NoError(t, err)
	byName := make(map[string]*domain.Task, len(tasks))
	for _, task := range tasks {
		byName[task.Name] = task
	}
	return byName
}

func TestTriggerExpandsGraph(t *testing.T) {
	m, mem := newTestMachine(t)

	run, err := m.Trigger(context.Background(), "etl", []byte(`{"source":"s3://bucket"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.RunRunning, run.Status)
	assert.Len(t, run.TaskIDs, 4)

	tasks := runTasks(t, mem, run.ID)
	assert.Equal(t, domain.StatusQueued, tasks["extract"].Status, "root task queues immediately")
	assert.Equal(t, domain.StatusBlocked, tasks["transform"].Status)
	assert.Equal(t, domain.StatusBlocked, tasks["load"].Status)
	assert.Equal(t, domain.StatusBlocked, tasks["notify"].Status)
	assert.True(t, tasks["notify"].Optional)
	assert.JSONEq(t, `{"source":"s3://bucket"}`, string(tasks["extract"].Payload), "params become the payload")
	assert.Equal(t, 3, tasks["extract"].MaxAttempts)
}

// brokenRunStore fails every run insert, standing in for a storage outage.
type brokenRunStore struct {
	store.RunStore
}

func (s *brokenRunStore) InsertWithTasks(context.Context, *domain.PipelineRun, []*domain.Task) error {
	return errors.New("connection reset by peer")
}

func TestTriggerStorageFailureLeavesNoTasks(t *testing.T) {
	mem := store.NewMemory()
	reg := NewRegistry()
	require.NoError(t, reg.Register(testPipeline()))
	m := New(reg, mem, &brokenRunStore{RunStore: mem.Runs()})

	_, err := m.Trigger(context.Background(), "etl", nil)
	require.Error(t, err)

	// Nothing from the half-triggered run may become dispatchable.
	ready, err := mem.FindReady(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, ready)
	counts, err := mem.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestTriggerUnknownPipeline(t *testing.T) {
	m, _ := newTestMachine(t)
	_, err := m.Trigger(context.Background(), "missing", nil)
	var unknown *domain.UnknownPipelineError
	assert.ErrorAs(t, err, &unknown)
}

func TestSuccessReleasesDependents(t *testing.T) {
	m, mem := newTestMachine(t)
	run, err := m.Trigger(context.Background(), "etl", nil)
	require.NoError(t, err)

	settle(t, m, mem, runTasks(t, mem, run.ID)["extract"].ID, domain.StatusSucceeded)

	tasks := runTasks(t, mem, run.ID)
	assert.Equal(t, domain.StatusQueued, tasks["transform"].Status, "dependency satisfied")
	assert.Equal(t, domain.StatusBlocked, tasks["load"].Status, "transitive dependent stays blocked")
}

func TestRunSucceeds(t *testing.T) {
	m, mem := newTestMachine(t)
	run, err := m.Trigger(context.Background(), "etl", nil)
	require.NoError(t, err)

	for _, name := range []string{"extract", "transform", "load", "notify"} {
		settle(t, m, mem, runTasks(t, mem, run.ID)[name].ID, domain.StatusSucceeded)
	}

	got, err := mem.Runs().Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, got.Status)
	require.NotNil(t, got.FinishedAt)
}

func TestRequiredDeadLetterFailsRunAndCancelsDependents(t *testing.T) {
	m, mem := newTestMachine(t)
	run, err := m.Trigger(context.Background(), "etl", nil)
	require.NoError(t, err)

	settle(t, m, mem, runTasks(t, mem, run.ID)["extract"].ID, domain.StatusDeadLettered)

	tasks := runTasks(t, mem, run.ID)
	assert.Equal(t, domain.StatusCancelled, tasks["transform"].Status)
	assert.Equal(t, domain.StatusCancelled, tasks["load"].Status, "cancellation cascades")
	assert.Equal(t, domain.StatusCancelled, tasks["notify"].Status)

	got, err := mem.Runs().Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, got.Status, "required dead-letter outweighs cascaded cancellations")
}

func TestOptionalDeadLetterDegradesRun(t *testing.T) {
	m, mem := newTestMachine(t)
	run, err := m.Trigger(context.Background(), "etl", nil)
	require.NoError(t, err)

	settle(t, m, mem, runTasks(t, mem, run.ID)["extract"].ID, domain.StatusSucceeded)
	settle(t, m, mem, runTasks(t, mem, run.ID)["transform"].ID, domain.StatusSucceeded)
	settle(t, m, mem, runTasks(t, mem, run.ID)["notify"].ID, domain.StatusDeadLettered)
	settle(t, m, mem, runTasks(t, mem, run.ID)["load"].ID, domain.StatusSucceeded)

	got, err := mem.Runs().Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunPartiallyFailed, got.Status)
}

func TestCancelRun(t *testing.T) {
	m, mem := newTestMachine(t)
	run, err := m.Trigger(context.Background(), "etl", nil)
	require.NoError(t, err)

	settle(t, m, mem, runTasks(t, mem, run.ID)["extract"].ID, domain.StatusSucceeded)

	cancelled, err := m.Cancel(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCancelled, cancelled.Status)

	tasks := runTasks(t, mem, run.ID)
	assert.Equal(t, domain.StatusSucceeded, tasks["extract"].Status, "finished work is untouched")
	assert.Equal(t, domain.StatusCancelled, tasks["transform"].Status)
	assert.Equal(t, domain.StatusCancelled, tasks["load"].Status)

	// Cancelling again is a no-op.
	again, err := m.Cancel(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCancelled, again.Status)
}

func TestCancelClearsLease(t *testing.T) {
	m, mem := newTestMachine(t)
	run, err := m.Trigger(context.Background(), "etl", nil)
	require.NoError(t, err)

	extract := runTasks(t, mem, run.ID)["extract"]
	expiry := time.Now().Add(time.Minute)
	_, err = mem.CompareAndSetStatus(context.Background(), extract.ID, domain.StatusQueued, domain.StatusLeased, func(task *domain.Task) {
		task.LeaseOwner = "worker-1"
		task.LeaseExpiry = &expiry
	})
	require.NoError(t, err)

	_, err = m.Cancel(context.Background(), run.ID)
	require.NoError(t, err)

	got, err := mem.Get(context.Background(), extract.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Empty(t, got.LeaseOwner)
	assert.Nil(t, got.LeaseExpiry)
}

func TestEnqueueStandaloneTask(t *testing.T) {
	m, mem := newTestMachine(t)

	task, err := m.Enqueue(context.Background(), "reindex", "db_write", []byte(`{}`), 0, domain.DefaultBackoff())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, task.Status)
	assert.Empty(t, task.PipelineRunID)
	assert.Equal(t, 3, task.MaxAttempts, "zero max attempts falls back to the default")

	got, err := mem.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
}

func TestReconcileIsIdempotent(t *testing.T) {
	m, mem := newTestMachine(t)
	run, err := m.Trigger(context.Background(), "etl", nil)
	require.NoError(t, err)

	for _, name := range []string{"extract", "transform", "load", "notify"} {
		settle(t, m, mem, runTasks(t, mem, run.ID)[name].ID, domain.StatusSucceeded)
	}
	require.NoError(t, m.Reconcile(context.Background(), run.ID))
	require.NoError(t, m.Reconcile(context.Background(), run.ID))

	got, err := mem.Runs().Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, got.Status)
}
