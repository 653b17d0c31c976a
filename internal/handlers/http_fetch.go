package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/SaritraGmbH/pipeweave-sub001/internal/domain"
)

// fetchPayload is the expected JSON structure in task.Payload.
type fetchPayload struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	// MaxBytes caps the fetched body size; defaults to 4 MiB.
	MaxBytes int64 `json:"max_bytes"`
}

// HTTPFetchHandler GETs a URL and returns the body as the task output, for
// extract-style pipeline steps.
type HTTPFetchHandler struct {
	client *http.Client
}

// NewHTTPFetchHandler creates an HTTPFetchHandler.
func NewHTTPFetchHandler() *HTTPFetchHandler {
	return &HTTPFetchHandler{
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (h *HTTPFetchHandler) TaskType() string { return "http_fetch" }

func (h *HTTPFetchHandler) Handle(ctx context.Context, task *domain.Task) ([]byte, error) {
	ctx, span := otel.Tracer("worker").Start(ctx, "handler.http_fetch")
	defer span.End()

	var p fetchPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid payload")
		return nil, NonRetryable(fmt.Errorf("invalid http_fetch payload: %w", err))
	}
	if p.URL == "" {
		err := errors.New("http_fetch payload missing required field 'url'")
		span.RecordError(err)
		span.SetStatus(codes.Error, "missing 'url' field")
		return nil, NonRetryable(err)
	}
	if p.MaxBytes <= 0 {
		p.MaxBytes = 4 << 20
	}

	span.SetAttributes(attribute.String("fetch.url", p.URL))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build request failed")
		return nil, NonRetryable(fmt.Errorf("build fetch request: %w", err))
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "http call failed")
		return nil, fmt.Errorf("fetch %s: %w", p.URL, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusBadRequest {
		err := fmt.Errorf("fetch %s returned status %d", p.URL, resp.StatusCode)
		span.RecordError(err)
		span.SetStatus(codes.Error, "bad status code")
		if resp.StatusCode < http.StatusInternalServerError {
			return nil, NonRetryable(err)
		}
		return nil, err
	}

	out, err := io.ReadAll(io.LimitReader(resp.Body, p.MaxBytes))
	if err != nil {
		return nil, fmt.Errorf("read fetch response from %s: %w", p.URL, err)
	}
	return out, nil
}
