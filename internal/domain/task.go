package domain

import (
	"time"

	"github.com/SaritraGmbH/pipeweave-sub001/pkg/backoff"
)

// Status represents the states a task can be in.
type Status string

const (
	// StatusBlocked means the task exists but has unresolved dependencies
	// and is not yet eligible for dispatch.
	StatusBlocked      Status = "BLOCKED"
	StatusQueued       Status = "QUEUED"
	StatusLeased       Status = "LEASED"
	StatusRunning      Status = "RUNNING"
	StatusSucceeded    Status = "SUCCEEDED"
	StatusFailed       Status = "FAILED"
	StatusDeadLettered Status = "DEAD_LETTERED"
	StatusCancelled    Status = "CANCELLED"
)

// IsTerminal returns true if no further state transitions are possible.
// FAILED is not terminal: the retry coordinator resolves it to QUEUED or
// DEAD_LETTERED synchronously with the failure report.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusDeadLettered || s == StatusCancelled
}

// IsActive returns true while a worker holds a lease on the task.
func (s Status) IsActive() bool {
	return s == StatusLeased || s == StatusRunning
}

// FailureMode classifies a task failure for retry purposes.
type FailureMode string

const (
	// FailureModeTransient failures are retried subject to the backoff policy.
	FailureModeTransient FailureMode = "TRANSIENT"
	// FailureModeNonRetryable failures dead-letter immediately regardless of
	// remaining attempts (e.g. malformed payload).
	FailureModeNonRetryable FailureMode = "NON_RETRYABLE"
)

// DefaultBackoff is applied to tasks that do not specify a strategy.
func DefaultBackoff() backoff.Spec {
	return backoff.Spec{
		Kind:      backoff.Exponential,
		BaseDelay: time.Second,
		MaxDelay:  time.Minute,
	}
}

// TaskError is the structured failure recorded on the last failed attempt.
type TaskError struct {
	Message  string      `json:"message"`
	Mode     FailureMode `json:"mode"`
	WorkerID string      `json:"worker_id,omitempty"`
}

// Task is the core domain entity representing a unit of work owned by the
// queue. All lifecycle state lives in the task record store; nothing here is
// mutated outside a compare-and-set transition.
type Task struct {
	ID             string       `json:"id"`
	PipelineRunID  string       `json:"pipeline_run_id,omitempty"` // empty for standalone tasks
	Name           string       `json:"name"`
	Type           string       `json:"type"`
	Payload        []byte       `json:"payload"`
	Status         Status       `json:"status"`
	Optional       bool         `json:"optional"`
	DependsOn      []string     `json:"depends_on,omitempty"` // task names within the same run
	Attempt        int          `json:"attempt"`
	MaxAttempts    int          `json:"max_attempts"`
	Backoff        backoff.Spec `json:"backoff"`
	LeaseOwner     string       `json:"lease_owner,omitempty"`
	LeaseExpiry    *time.Time   `json:"lease_expiry,omitempty"`
	NextEligibleAt *time.Time   `json:"next_eligible_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	LastAttemptAt  *time.Time   `json:"last_attempt_at,omitempty"`
	Result         []byte       `json:"result,omitempty"`
	LastError      *TaskError   `json:"last_error,omitempty"`
}

// LeaseExpired reports whether the task's lease has lapsed at the given time.
// A task with an active status and an expired lease is abandoned and eligible
// for reclaim.
func (t *Task) LeaseExpired(now time.Time) bool {
	return t.Status.IsActive() && t.LeaseExpiry != nil && !t.LeaseExpiry.After(now)
}

// Ready reports whether the task can be handed to a worker at the given time.
func (t *Task) Ready(now time.Time) bool {
	if t.Status == StatusQueued {
		return t.NextEligibleAt == nil || !t.NextEligibleAt.After(now)
	}
	return t.LeaseExpired(now)
}

// TaskAttempt records one execution attempt, reported by the worker runtime.
type TaskAttempt struct {
	Number     int       `json:"number"`
	WorkerID   string    `json:"worker_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Error      string    `json:"error,omitempty"`
}

// TaskResult is the outcome a worker reports for a leased task.
type TaskResult struct {
	Success     bool        `json:"success"`
	Output      []byte      `json:"output,omitempty"`
	Error       string      `json:"error,omitempty"`
	FailureMode FailureMode `json:"failure_mode,omitempty"`
}
