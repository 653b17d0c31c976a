package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SaritraGmbH/pipeweave-sub001/internal/domain"
)

func webhookTask(payload string) *domain.Task {
	return &domain.Task{ID: "t-1", Type: "webhook", Payload: []byte(payload)}
}

func TestWebhookHandlerSuccess(t *testing.T) {
	var gotMethod, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotHeader = r.Header.Get("X-Token")
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer srv.Close()

	h := NewWebhookHandler()
	out, err := h.Handle(context.Background(), webhookTask(fmt.Sprintf(
		`{"url":%q,"method":"PUT","headers":{"X-Token":"secret"},"body":"hello"}`, srv.URL,
	)))
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "secret", gotHeader)
	assert.JSONEq(t, `{"ok":true}`, string(out))
}

func TestWebhookHandlerStatusClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantMode domain.FailureMode
	}{
		{"client error is non-retryable", http.StatusUnprocessableEntity, domain.FailureModeNonRetryable},
		{"server error is transient", http.StatusBadGateway, domain.FailureModeTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			h := NewWebhookHandler()
			_, err := h.Handle(context.Background(), webhookTask(fmt.Sprintf(`{"url":%q}`, srv.URL)))
			require.Error(t, err)
			assert.Equal(t, tt.wantMode, FailureModeOf(err))
		})
	}
}

func TestWebhookHandlerBadPayload(t *testing.T) {
	h := NewWebhookHandler()

	_, err := h.Handle(context.Background(), webhookTask(`{not json`))
	require.Error(t, err)
	assert.Equal(t, domain.FailureModeNonRetryable, FailureModeOf(err))

	_, err = h.Handle(context.Background(), webhookTask(`{"method":"POST"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required field 'url'")
	assert.Equal(t, domain.FailureModeNonRetryable, FailureModeOf(err))
}

func TestHTTPFetchHandler(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		fmt.Fprint(w, "payload-bytes")
	}))
	defer srv.Close()

	h := NewHTTPFetchHandler()
	out, err := h.Handle(context.Background(), &domain.Task{
		ID: "t-2", Type: "http_fetch",
		Payload: []byte(fmt.Sprintf(`{"url":%q}`, srv.URL)),
	})
	require.NoError(t, err)
	assert.Equal(t, "payload-bytes", string(out))
}

func TestHTTPFetchHandlerTruncatesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "0123456789")
	}))
	defer srv.Close()

	h := NewHTTPFetchHandler()
	out, err := h.Handle(context.Background(), &domain.Task{
		ID: "t-3", Type: "http_fetch",
		Payload: []byte(fmt.Sprintf(`{"url":%q,"max_bytes":4}`, srv.URL)),
	})
	require.NoError(t, err)
	assert.Equal(t, "0123", string(out))
}
