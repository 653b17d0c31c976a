// Package events publishes task and run lifecycle events to the Kafka event
// stream. The stream is an audit/notification surface only; the task record
// store remains the single source of truth.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/SaritraGmbH/pipeweave-sub001/internal/kafka"
)

const (
	TopicTasks = "pipeweave.tasks"
	TopicRuns  = "pipeweave.runs"
	TopicDLQ   = "pipeweave.dlq"
)

// Type identifies a lifecycle event.
type Type string

const (
	TaskSucceeded      Type = "task.succeeded"
	TaskRetryScheduled Type = "task.retry_scheduled"
	TaskDeadLettered   Type = "task.dead_lettered"
	TaskCancelled      Type = "task.cancelled"
	RunFinished        Type = "run.finished"
	DLQRecorded        Type = "dlq.recorded"
	DLQReplayed        Type = "dlq.replayed"
	DLQPurged          Type = "dlq.purged"
)

// Event is the wire format of one lifecycle event.
type Event struct {
	Type     Type      `json:"type"`
	TaskID   string    `json:"task_id,omitempty"`
	RunID    string    `json:"run_id,omitempty"`
	Pipeline string    `json:"pipeline,omitempty"`
	Attempt  int       `json:"attempt,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

// Publisher emits lifecycle events. Emission is best-effort at call sites:
// a failed publish is logged by the caller, never allowed to fail the
// transition that triggered it.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type kafkaPublisher struct {
	producer kafka.Producer
}

// NewPublisher wraps a Kafka producer with the Publisher interface.
func NewPublisher(producer kafka.Producer) Publisher {
	return &kafkaPublisher{producer: producer}
}

func (p *kafkaPublisher) Publish(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.Type, err)
	}
	// Key by task (falling back to run) so per-entity events stay ordered
	// within a partition.
	key := ev.TaskID
	if key == "" {
		key = ev.RunID
	}
	if err := p.producer.Publish(ctx, topicFor(ev.Type), key, value); err != nil {
		return fmt.Errorf("publish event %s: %w", ev.Type, err)
	}
	return nil
}

func topicFor(t Type) string {
	switch t {
	case RunFinished:
		return TopicRuns
	case DLQRecorded, DLQReplayed, DLQPurged:
		return TopicDLQ
	default:
		return TopicTasks
	}
}

// Nop discards all events. Used in tests and when the event stream is
// disabled by configuration.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
