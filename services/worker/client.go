package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/SaritraGmbH/pipeweave-sub001/internal/domain"
)

// Client is the worker's view of the orchestrator lease protocol.
type Client interface {
	// Lease requests up to count tasks. A nil slice means the queue was empty.
	Lease(ctx context.Context, workerID string, count int) ([]*domain.Task, error)
	// Renew extends the lease on a task this worker holds.
	Renew(ctx context.Context, taskID, workerID string) error
	// Report sends the execution outcome.
	Report(ctx context.Context, taskID, workerID string, result domain.TaskResult, att domain.TaskAttempt) error
}

type httpClient struct {
	base   string
	client *http.Client
}

// NewClient creates an HTTP Client for the orchestrator at baseURL
// (e.g. http://orchestrator:8080).
func NewClient(baseURL string) Client {
	return &httpClient{
		base:   baseURL + "/api/v1/worker",
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type leaseRequest struct {
	WorkerID string `json:"worker_id"`
	Count    int    `json:"count"`
}

type leaseResponse struct {
	Tasks []*domain.Task `json:"tasks"`
}

func (c *httpClient) Lease(ctx context.Context, workerID string, count int) ([]*domain.Task, error) {
	resp, err := c.post(ctx, c.base+"/lease", leaseRequest{WorkerID: workerID, Count: count})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
		var lr leaseResponse
		if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
			return nil, fmt.Errorf("decode lease response: %w", err)
		}
		return lr.Tasks, nil
	default:
		return nil, apiError("lease", resp)
	}
}

type workerRequest struct {
	WorkerID string             `json:"worker_id"`
	Result   *domain.TaskResult `json:"result,omitempty"`
	Attempt  domain.TaskAttempt `json:"attempt,omitempty"`
}

func (c *httpClient) Renew(ctx context.Context, taskID, workerID string) error {
	resp, err := c.post(ctx, fmt.Sprintf("%s/tasks/%s/renew", c.base, taskID), workerRequest{WorkerID: workerID})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusConflict {
		return &domain.LeaseLostError{TaskID: taskID, WorkerID: workerID}
	}
	if resp.StatusCode != http.StatusOK {
		return apiError("renew", resp)
	}
	return nil
}

func (c *httpClient) Report(ctx context.Context, taskID, workerID string, result domain.TaskResult, att domain.TaskAttempt) error {
	resp, err := c.post(ctx, fmt.Sprintf("%s/tasks/%s/report", c.base, taskID), workerRequest{
		WorkerID: workerID,
		Result:   &result,
		Attempt:  att,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusConflict {
		return &domain.LeaseLostError{TaskID: taskID, WorkerID: workerID}
	}
	if resp.StatusCode != http.StatusOK {
		return apiError("report", resp)
	}
	return nil
}

func (c *httpClient) post(ctx context.Context, url string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call orchestrator: %w", err)
	}
	return resp, nil
}

func apiError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%s: orchestrator returned %d: %s", op, resp.StatusCode, bytes.TrimSpace(body))
}
