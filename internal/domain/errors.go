package domain

import "fmt"

// TaskNotFoundError is returned when a task ID does not exist.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// RunNotFoundError is returned when a pipeline run ID does not exist.
type RunNotFoundError struct {
	RunID string
}

func (e *RunNotFoundError) Error() string {
	return fmt.Sprintf("pipeline run not found: %s", e.RunID)
}

// ConflictError is returned when a compare-and-set transition loses the race:
// the task's current status no longer matches the expected one. Callers
// re-read and retry the read-decide-write cycle a bounded number of times.
type ConflictError struct {
	TaskID   string
	Expected Status
	Actual   Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("task %s: expected status %s, found %s", e.TaskID, e.Expected, e.Actual)
}

// LeaseLostError means the caller's lease was reclaimed by another worker.
// The caller must abandon its local execution; the task is no longer its.
type LeaseLostError struct {
	TaskID   string
	WorkerID string
}

func (e *LeaseLostError) Error() string {
	return fmt.Sprintf("worker %s lost its lease on task %s", e.WorkerID, e.TaskID)
}

// NotOwnerError means the reporting worker does not hold the task's lease.
type NotOwnerError struct {
	TaskID   string
	WorkerID string
	Owner    string
}

func (e *NotOwnerError) Error() string {
	return fmt.Sprintf("worker %s does not own task %s (owner: %s)", e.WorkerID, e.TaskID, e.Owner)
}

// EmptyQueueError is returned by a lease request when no task is ready.
// Non-fatal: the caller should back off and poll again.
type EmptyQueueError struct{}

func (e *EmptyQueueError) Error() string {
	return "no tasks ready for dispatch"
}

// NotReplayableError is returned when a DLQ item is not eligible for replay.
type NotReplayableError struct {
	ItemID string
}

func (e *NotReplayableError) Error() string {
	return fmt.Sprintf("dlq item %s is not replayable", e.ItemID)
}

// UnknownPipelineError is returned when no pipeline definition is registered
// under the requested name.
type UnknownPipelineError struct {
	Name string
}

func (e *UnknownPipelineError) Error() string {
	return fmt.Sprintf("no pipeline registered under name %q", e.Name)
}

// RateLimitExceededError is returned when a pipeline exceeds its trigger rate.
type RateLimitExceededError struct {
	Pipeline string
	Limit    int
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("trigger rate limit exceeded for pipeline %q: limit is %d", e.Pipeline, e.Limit)
}

// InvalidTaskTypeError is returned when no handler is registered for a task type.
type InvalidTaskTypeError struct {
	TaskType string
}

func (e *InvalidTaskTypeError) Error() string {
	return fmt.Sprintf("no handler registered for task type %q", e.TaskType)
}
