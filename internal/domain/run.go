package domain

import "time"

// RunStatus represents the aggregate state of a pipeline run.
type RunStatus string

const (
	RunPending         RunStatus = "PENDING"
	RunRunning         RunStatus = "RUNNING"
	RunSucceeded       RunStatus = "SUCCEEDED"
	RunFailed          RunStatus = "FAILED"
	RunPartiallyFailed RunStatus = "PARTIALLY_FAILED"
	RunCancelled       RunStatus = "CANCELLED"
)

// IsTerminal returns true once the run can no longer change state.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunPartiallyFailed, RunCancelled:
		return true
	}
	return false
}

// PipelineRun is one triggered execution of a named pipeline. Task IDs are
// kept in dependency-resolution order.
type PipelineRun struct {
	ID           string     `json:"id"`
	PipelineName string     `json:"pipeline_name"`
	Status       RunStatus  `json:"status"`
	TaskIDs      []string   `json:"task_ids"`
	Params       []byte     `json:"params,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// DLQItem preserves a terminally-failed task for operator inspection and
// replay. It back-references the original task by ID; replay clones a new
// task and never mutates the item.
type DLQItem struct {
	ID             string        `json:"id"`
	TaskID         string        `json:"task_id"`
	PipelineRunID  string        `json:"pipeline_run_id,omitempty"`
	TaskName       string        `json:"task_name"`
	TaskType       string        `json:"task_type"`
	Payload        []byte        `json:"payload"`
	Attempts       []TaskAttempt `json:"attempts"`
	Reason         string        `json:"reason"`
	Replayable     bool          `json:"replayable"`
	DeadLetteredAt time.Time     `json:"dead_lettered_at"`
}
