package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SaritraGmbH/pipeweave-sub001/internal/coordinator"
	"github.com/SaritraGmbH/pipeweave-sub001/internal/dlq"
	"github.com/SaritraGmbH/pipeweave-sub001/internal/domain"
	"github.com/SaritraGmbH/pipeweave-sub001/internal/store"
)

// passCoordinator resolves every failure by requeueing immediately, which
// keeps queue tests independent of the retry policy.
type passCoordinator struct {
	mem *store.Memory
}

func (c *passCoordinator) HandleFailure(ctx context.Context, task *domain.Task) (*domain.Task, error) {
	return c.mem.CompareAndSetStatus(ctx, task.ID, domain.StatusFailed, domain.StatusQueued, nil)
}

func newQueuedTask(t *testing.T, mem *store.Memory) *domain.Task {
	t.Helper()
	task := &domain.Task{
		ID:          uuid.NewString(),
		Name:        "resize-image",
		Type:        "transform",
		Payload:     []byte(`{}`),
		Status:      domain.StatusQueued,
		MaxAttempts: 3,
		Backoff:     domain.DefaultBackoff(),
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, mem.Insert(context.Background(), task))
	return task
}

func TestLeaseGrantsExclusive(t *testing.T) {
	mem := store.NewMemory()
	q := New(mem, &passCoordinator{mem: mem}, WithLeaseTTL(30*time.Second))
	task := newQueuedTask(t, mem)

	leased, err := q.Lease(context.Background(), "worker-1", 1)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	got := leased[0]
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, domain.StatusLeased, got.Status)
	assert.Equal(t, "worker-1", got.LeaseOwner)
	assert.Equal(t, 1, got.Attempt)
	require.NotNil(t, got.LeaseExpiry)

	// Nothing else is ready for a second caller.
	_, err = q.Lease(context.Background(), "worker-2", 1)
	var empty *domain.EmptyQueueError
	assert.ErrorAs(t, err, &empty)
}

func TestLeaseConcurrentSingleWinner(t *testing.T) {
	mem := store.NewMemory()
	q := New(mem, &passCoordinator{mem: mem})
	newQueuedTask(t, mem)

	const workers = 16
	var wg sync.WaitGroup
	winners := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			leased, err := q.Lease(context.Background(), uuid.NewString(), 1)
			if err == nil && len(leased) == 1 {
				winners <- leased[0].LeaseOwner
			}
		}(i)
	}
	wg.Wait()
	close(winners)

	count := 0
	for range winners {
		count++
	}
	assert.Equal(t, 1, count, "exactly one worker may hold the lease")
}

func TestLeaseReclaimExpired(t *testing.T) {
	mem := store.NewMemory()
	now := time.Now().UTC()
	clock := now
	mem.SetClock(func() time.Time { return clock })
	q := New(mem, &passCoordinator{mem: mem},
		WithLeaseTTL(30*time.Second),
		WithClock(func() time.Time { return clock }),
	)
	newQueuedTask(t, mem)

	leased, err := q.Lease(context.Background(), "worker-1", 1)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	assert.Equal(t, 1, leased[0].Attempt)

	// Still held: not reclaimable.
	clock = now.Add(10 * time.Second)
	_, err = q.Lease(context.Background(), "worker-2", 1)
	var empty *domain.EmptyQueueError
	require.ErrorAs(t, err, &empty)

	// Past expiry: reclaimed by a new worker with a bumped attempt counter.
	clock = now.Add(31 * time.Second)
	reclaimed, err := q.Lease(context.Background(), "worker-2", 1)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, "worker-2", reclaimed[0].LeaseOwner)
	assert.Equal(t, 2, reclaimed[0].Attempt, "an abandoned execution consumes an attempt")
	assert.Equal(t, clock.Add(30*time.Second), reclaimed[0].LeaseExpiry.UTC())
}

func TestLeaseCrashLoopDeadLettersAtBudget(t *testing.T) {
	mem := store.NewMemory()
	now := time.Now().UTC()
	clock := now
	mem.SetClock(func() time.Time { return clock })
	dlqMgr := dlq.NewManager(mem.DLQ(), mem)
	coord := coordinator.New(mem, dlqMgr, coordinator.WithClock(func() time.Time { return clock }))
	var terminal []*domain.Task
	q := New(mem, coord,
		WithLeaseTTL(30*time.Second),
		WithClock(func() time.Time { return clock }),
		WithTerminalHook(func(_ context.Context, task *domain.Task) {
			terminal = append(terminal, task)
		}),
	)
	task := newQueuedTask(t, mem)
	_, err := mem.CompareAndSetStatus(context.Background(), task.ID, domain.StatusQueued, domain.StatusQueued, func(t *domain.Task) {
		t.MaxAttempts = 2
	})
	require.NoError(t, err)

	// Two leases to workers that never report back.
	for i := 1; i <= 2; i++ {
		clock = clock.Add(31 * time.Second)
		leased, err := q.Lease(context.Background(), "crashy", 1)
		require.NoError(t, err)
		require.Len(t, leased, 1)
		assert.Equal(t, i, leased[0].Attempt)
	}

	// The third expiry has no attempts left: the task must resolve instead
	// of being re-leased with a counter past its budget.
	clock = clock.Add(31 * time.Second)
	_, err = q.Lease(context.Background(), "worker-3", 1)
	var empty *domain.EmptyQueueError
	require.ErrorAs(t, err, &empty)

	dead, err := mem.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeadLettered, dead.Status)
	assert.Equal(t, 2, dead.Attempt, "the counter never exceeds the budget")
	require.NotNil(t, dead.LastError)
	assert.Contains(t, dead.LastError.Message, "lease expired")
	assert.Equal(t, "crashy", dead.LastError.WorkerID)

	items, err := dlqMgr.List(context.Background(), store.DLQFilter{}, 10, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, task.ID, items[0].TaskID)
	assert.Equal(t, coordinator.ReasonRetriesExhausted, items[0].Reason)

	require.Len(t, terminal, 1)
	assert.Equal(t, task.ID, terminal[0].ID)
}

func TestRenewExtendsLease(t *testing.T) {
	mem := store.NewMemory()
	now := time.Now().UTC()
	clock := now
	q := New(mem, &passCoordinator{mem: mem},
		WithLeaseTTL(30*time.Second),
		WithClock(func() time.Time { return clock }),
	)
	task := newQueuedTask(t, mem)

	_, err := q.Lease(context.Background(), "worker-1", 1)
	require.NoError(t, err)

	clock = now.Add(20 * time.Second)
	renewed, err := q.Renew(context.Background(), task.ID, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, renewed.Status)
	assert.Equal(t, clock.Add(30*time.Second), renewed.LeaseExpiry.UTC())
}

func TestRenewAfterReclaimFails(t *testing.T) {
	mem := store.NewMemory()
	now := time.Now().UTC()
	clock := now
	mem.SetClock(func() time.Time { return clock })
	q := New(mem, &passCoordinator{mem: mem},
		WithLeaseTTL(30*time.Second),
		WithClock(func() time.Time { return clock }),
	)
	task := newQueuedTask(t, mem)

	_, err := q.Lease(context.Background(), "worker-1", 1)
	require.NoError(t, err)

	clock = now.Add(31 * time.Second)
	_, err = q.Lease(context.Background(), "worker-2", 1)
	require.NoError(t, err)

	_, err = q.Renew(context.Background(), task.ID, "worker-1")
	var notOwner *domain.NotOwnerError
	assert.ErrorAs(t, err, &notOwner, "the original worker lost the lease")
}

func TestReportSuccess(t *testing.T) {
	mem := store.NewMemory()
	var terminal []*domain.Task
	q := New(mem, &passCoordinator{mem: mem},
		WithTerminalHook(func(_ context.Context, task *domain.Task) {
			terminal = append(terminal, task)
		}),
	)
	task := newQueuedTask(t, mem)

	_, err := q.Lease(context.Background(), "worker-1", 1)
	require.NoError(t, err)

	started := time.Now().UTC()
	done, err := q.Report(context.Background(), task.ID, "worker-1",
		domain.TaskResult{Success: true, Output: []byte(`{"rows":42}`)},
		domain.TaskAttempt{Number: 1, StartedAt: started, FinishedAt: started.Add(time.Second)},
	)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, done.Status)
	assert.Equal(t, []byte(`{"rows":42}`), done.Result)
	assert.Empty(t, done.LeaseOwner)
	require.Len(t, terminal, 1)
	assert.Equal(t, task.ID, terminal[0].ID)

	attempts, err := mem.ListAttempts(context.Background(), task.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, "worker-1", attempts[0].WorkerID)
}

func TestReportFailureRoutesToCoordinator(t *testing.T) {
	mem := store.NewMemory()
	q := New(mem, &passCoordinator{mem: mem})
	task := newQueuedTask(t, mem)

	_, err := q.Lease(context.Background(), "worker-1", 1)
	require.NoError(t, err)

	resolved, err := q.Report(context.Background(), task.ID, "worker-1",
		domain.TaskResult{Error: "connection refused"},
		domain.TaskAttempt{Number: 1},
	)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, resolved.Status, "the coordinator requeued the failure")
	require.NotNil(t, resolved.LastError)
	assert.Equal(t, "connection refused", resolved.LastError.Message)
	assert.Equal(t, domain.FailureModeTransient, resolved.LastError.Mode, "unclassified failures default to transient")
}

func TestReportByNonOwnerRejected(t *testing.T) {
	mem := store.NewMemory()
	q := New(mem, &passCoordinator{mem: mem})
	task := newQueuedTask(t, mem)

	_, err := q.Lease(context.Background(), "worker-1", 1)
	require.NoError(t, err)

	_, err = q.Report(context.Background(), task.ID, "worker-2",
		domain.TaskResult{Success: true}, domain.TaskAttempt{Number: 1})
	var notOwner *domain.NotOwnerError
	assert.ErrorAs(t, err, &notOwner)

	got, err := mem.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusLeased, got.Status, "the real owner's lease is untouched")
}

func TestLeaseRespectsNextEligibleAt(t *testing.T) {
	mem := store.NewMemory()
	now := time.Now().UTC()
	clock := now
	mem.SetClock(func() time.Time { return clock })
	q := New(mem, &passCoordinator{mem: mem}, WithClock(func() time.Time { return clock }))

	task := newQueuedTask(t, mem)
	eligible := now.Add(time.Minute)
	_, err := mem.CompareAndSetStatus(context.Background(), task.ID, domain.StatusQueued, domain.StatusQueued, func(t *domain.Task) {
		t.NextEligibleAt = &eligible
	})
	require.NoError(t, err)

	_, err = q.Lease(context.Background(), "worker-1", 1)
	var empty *domain.EmptyQueueError
	require.ErrorAs(t, err, &empty, "delayed retry is invisible until eligible")

	clock = now.Add(61 * time.Second)
	leased, err := q.Lease(context.Background(), "worker-1", 1)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	assert.Nil(t, leased[0].NextEligibleAt, "eligibility marker clears on lease")
}
