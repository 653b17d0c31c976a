// Package handlers holds the worker-side handler registry and the built-in
// task handlers.
package handlers

import (
	"context"
	"errors"
	"sync"

	"github.com/SaritraGmbH/pipeweave-sub001/internal/domain"
)

// Handler processes a task of a specific type and returns its output.
type Handler interface {
	Handle(ctx context.Context, task *domain.Task) ([]byte, error)
	TaskType() string
}

// nonRetryableError marks a failure no retry can fix, typically a malformed
// payload. The worker reports it with the non-retryable failure mode so the
// task dead-letters immediately.
type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable wraps err so FailureModeOf classifies it as non-retryable.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

// FailureModeOf classifies a handler error for the worker's report.
func FailureModeOf(err error) domain.FailureMode {
	var nr *nonRetryableError
	if errors.As(err, &nr) {
		return domain.FailureModeNonRetryable
	}
	return domain.FailureModeTransient
}

// Registry maps task types to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Safe to call concurrently.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.TaskType()] = h
}

// Get returns the handler for the given task type.
// Returns InvalidTaskTypeError if not registered.
func (r *Registry) Get(taskType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	if !ok {
		return nil, &domain.InvalidTaskTypeError{TaskType: taskType}
	}
	return h, nil
}
