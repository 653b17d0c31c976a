package handlers

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SaritraGmbH/pipeweave-sub001/internal/domain"
)

type stubHandler struct {
	taskType string
}

func (s *stubHandler) TaskType() string { return s.taskType }
func (s *stubHandler) Handle(context.Context, *domain.Task) ([]byte, error) {
	return nil, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubHandler{taskType: "webhook"})

	h, err := r.Get("webhook")
	require.NoError(t, err)
	assert.Equal(t, "webhook", h.TaskType())

	_, err = r.Get("nope")
	var invalid *domain.InvalidTaskTypeError
	assert.ErrorAs(t, err, &invalid)
}

func TestFailureModeOf(t *testing.T) {
	plain := errors.New("connection refused")
	assert.Equal(t, domain.FailureModeTransient, FailureModeOf(plain))
	assert.Equal(t, domain.FailureModeNonRetryable, FailureModeOf(NonRetryable(plain)))

	wrapped := NonRetryable(plain)
	assert.EqualError(t, wrapped, "connection refused")
	assert.ErrorIs(t, wrapped, plain, "wrapping must preserve the cause chain")
	assert.Nil(t, NonRetryable(nil))
}
