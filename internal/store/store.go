// Package store owns all durable task, run, and DLQ state. Every status
// transition goes through a compare-and-set so that read-decide-write cycles
// are atomic; this is the primitive the single-active-lease invariant rests on.
package store

import (
	"context"
	"time"

	"github.com/SaritraGmbH/pipeweave-sub001/internal/domain"
)

// Check is evaluated against the current task row under the store's
// transaction/lock before a transition is applied. Returning an error aborts
// the transition and surfaces that error to the caller unchanged.
type Check func(*domain.Task) error

// Mutate applies field changes to the task as part of a successful
// transition. The store persists the whole mutated row.
type Mutate func(*domain.Task)

// TaskStore is the task record store: the single source of truth for task
// lifecycle state.
type TaskStore interface {
	Insert(ctx context.Context, task *domain.Task) error
	Get(ctx context.Context, id string) (*domain.Task, error)

	// CompareAndSet atomically reads the task, runs check, and if it passes
	// sets the status and applies mutate (may be nil). Returns the stored
	// task after the transition.
	CompareAndSet(ctx context.Context, id string, check Check, next domain.Status, mutate Mutate) (*domain.Task, error)

	// CompareAndSetStatus is CompareAndSet with a plain expected-status
	// check; a mismatch fails with *domain.ConflictError.
	CompareAndSetStatus(ctx context.Context, id string, expected, next domain.Status, mutate Mutate) (*domain.Task, error)

	// FindReady returns dispatchable tasks: QUEUED tasks whose
	// next_eligible_at has passed, plus LEASED/RUNNING tasks whose lease has
	// expired. Expired-lease reclaims come first, then created_at ascending.
	FindReady(ctx context.Context, limit int) ([]*domain.Task, error)

	ListByRun(ctx context.Context, runID string) ([]*domain.Task, error)
	CountByStatus(ctx context.Context) (map[domain.Status]int, error)
	OldestQueuedAge(ctx context.Context, now time.Time) (time.Duration, error)

	RecordAttempt(ctx context.Context, taskID string, att domain.TaskAttempt) error
	ListAttempts(ctx context.Context, taskID string) ([]domain.TaskAttempt, error)
}

// RunStore persists pipeline runs. Runs are mutated only by the pipeline
// state machine.
type RunStore interface {
	Insert(ctx context.Context, run *domain.PipelineRun) error
	// InsertWithTasks atomically writes a run together with its member tasks.
	// Either everything is persisted or nothing is, so a failed trigger never
	// leaves a partial task graph behind.
	InsertWithTasks(ctx context.Context, run *domain.PipelineRun, tasks []*domain.Task) error
	Get(ctx context.Context, id string) (*domain.PipelineRun, error)
	UpdateStatus(ctx context.Context, id string, status domain.RunStatus, finishedAt *time.Time) error
	List(ctx context.Context, limit int) ([]*domain.PipelineRun, error)
	// ListUnfinished returns runs that have not reached a terminal status,
	// oldest first. The janitor sweeps these to finalize runs orphaned by a
	// coordinator crash.
	ListUnfinished(ctx context.Context, limit int) ([]*domain.PipelineRun, error)
}

// DLQFilter narrows a DLQ listing. Zero values match everything.
type DLQFilter struct {
	PipelineRunID string
	TaskType      string
}

// DLQStore persists dead-lettered tasks.
type DLQStore interface {
	// Upsert writes the item keyed by task ID: recording the same task twice
	// overwrites rather than duplicates.
	Upsert(ctx context.Context, item *domain.DLQItem) error
	Get(ctx context.Context, id string) (*domain.DLQItem, error)
	// List returns items ordered by dead-letter timestamp descending.
	List(ctx context.Context, filter DLQFilter, limit, offset int) ([]*domain.DLQItem, error)
	// DeleteOlderThan removes items dead-lettered before the cutoff and
	// returns how many were removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}
