package domain_test

import (
	"strings"
	"testing"

	"github.com/SaritraGmbH/pipeweave-sub001/internal/domain"
)

func TestTaskNotFoundError(t *testing.T) {
	err := &domain.TaskNotFoundError{TaskID: "abc-123"}
	if !strings.Contains(err.Error(), "abc-123") {
		t.Errorf("error message should contain task ID, got: %q", err.Error())
	}
}

func TestConflictError(t *testing.T) {
	err := &domain.ConflictError{TaskID: "abc-123", Expected: domain.StatusQueued, Actual: domain.StatusLeased}
	msg := err.Error()
	for _, part := range []string{"abc-123", "QUEUED", "LEASED"} {
		if !strings.Contains(msg, part) {
			t.Errorf("error message should contain %q, got: %q", part, msg)
		}
	}
}

func TestNotOwnerError(t *testing.T) {
	err := &domain.NotOwnerError{TaskID: "t1", WorkerID: "w2", Owner: "w1"}
	msg := err.Error()
	for _, part := range []string{"t1", "w1", "w2"} {
		if !strings.Contains(msg, part) {
			t.Errorf("error message should contain %q, got: %q", part, msg)
		}
	}
}

func TestRateLimitExceededError(t *testing.T) {
	err := &domain.RateLimitExceededError{Pipeline: "nightly-etl", Limit: 100}
	msg := err.Error()
	if !strings.Contains(msg, "nightly-etl") {
		t.Errorf("error message should contain pipeline name, got: %q", msg)
	}
	if !strings.Contains(msg, "100") {
		t.Errorf("error message should contain limit, got: %q", msg)
	}
}

func TestAllErrorTypesImplementError(t *testing.T) {
	// Compile-time interface checks via assignment to error variables.
	var _ error = &domain.TaskNotFoundError{}
	var _ error = &domain.RunNotFoundError{}
	var _ error = &domain.ConflictError{}
	var _ error = &domain.LeaseLostError{}
	var _ error = &domain.NotOwnerError{}
	var _ error = &domain.EmptyQueueError{}
	var _ error = &domain.NotReplayableError{}
	var _ error = &domain.UnknownPipelineError{}
	var _ error = &domain.RateLimitExceededError{}
	var _ error = &domain.InvalidTaskTypeError{}
}
