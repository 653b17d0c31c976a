// Package handler implements the orchestrator's HTTP API: the operator
// surface (triggers, runs, DLQ) and the worker lease protocol.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/SaritraGmbH/pipeweave-sub001/internal/dlq"
	"github.com/SaritraGmbH/pipeweave-sub001/internal/domain"
	"github.com/SaritraGmbH/pipeweave-sub001/internal/pipeline"
	"github.com/SaritraGmbH/pipeweave-sub001/internal/queue"
	redisstore "github.com/SaritraGmbH/pipeweave-sub001/internal/redis"
	"github.com/SaritraGmbH/pipeweave-sub001/internal/store"
	"github.com/SaritraGmbH/pipeweave-sub001/pkg/backoff"
)

// REST handles HTTP requests for the orchestrator.
type REST struct {
	machine *pipeline.StateMachine
	queue   *queue.DispatchQueue
	dlq     *dlq.Manager
	tasks   store.TaskStore
	runs    store.RunStore
	cache   redisstore.StatusCache
	limiter redisstore.TriggerLimiter
	logger  *slog.Logger
}

// NewREST creates a new REST handler.
func NewREST(
	machine *pipeline.StateMachine,
	q *queue.DispatchQueue,
	dlqMgr *dlq.Manager,
	tasks store.TaskStore,
	runs store.RunStore,
	cache redisstore.StatusCache,
	limiter redisstore.TriggerLimiter,
	logger *slog.Logger,
) *REST {
	return &REST{
		machine: machine,
		queue:   q,
		dlq:     dlqMgr,
		tasks:   tasks,
		runs:    runs,
		cache:   cache,
		limiter: limiter,
		logger:  logger,
	}
}

// Routes mounts every endpoint on the given router.
func (h *REST) Routes(r chi.Router) {
	r.Post("/pipelines/{name}/trigger", h.TriggerPipeline)
	r.Get("/runs/{id}", h.GetRun)
	r.Post("/runs/{id}/cancel", h.CancelRun)
	r.Post("/tasks", h.EnqueueTask)
	r.Get("/tasks/{id}", h.GetTask)
	r.Get("/queue/status", h.QueueStatus)
	r.Get("/dlq", h.ListDLQ)
	r.Get("/dlq/{id}", h.GetDLQItem)
	r.Post("/dlq/{id}/replay", h.ReplayDLQItem)
	r.Route("/worker", func(r chi.Router) {
		r.Post("/lease", h.LeaseTasks)
		r.Post("/tasks/{id}/renew", h.RenewLease)
		r.Post("/tasks/{id}/report", h.ReportResult)
	})
}

// TriggerRequest is the JSON body for POST /api/v1/pipelines/{name}/trigger.
type TriggerRequest struct {
	Params json.RawMessage `json:"params,omitempty"`
}

// TriggerResponse is the 202 response body.
type TriggerResponse struct {
	RunID     string    `json:"run_id"`
	Pipeline  string    `json:"pipeline"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

// TriggerPipeline handles POST /api/v1/pipelines/{name}/trigger.
func (h *REST) TriggerPipeline(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("orchestrator").Start(r.Context(), "orchestrator.trigger_pipeline")
	defer span.End()

	name := chi.URLParam(r, "name")
	span.SetAttributes(attribute.String("pipeline", name))

	var req TriggerRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	if err := h.limiter.Allow(ctx, name); err != nil {
		var limited *domain.RateLimitExceededError
		if errors.As(err, &limited) {
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		// Redis trouble must not block triggers.
		h.logger.Warn("rate limiter unavailable", slog.String("error", err.Error()))
	}

	run, err := h.machine.Trigger(ctx, name, req.Params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "trigger failed")
		h.writeDomainError(w, err, "failed to trigger pipeline")
		return
	}

	h.cacheRunStatus(ctx, run)

	writeJSON(w, http.StatusAccepted, TriggerResponse{
		RunID:     run.ID,
		Pipeline:  run.PipelineName,
		Status:    string(run.Status),
		StartedAt: run.StartedAt,
	})
}

// TaskSummary is the per-task view embedded in a run response.
type TaskSummary struct {
	TaskID  string `json:"task_id"`
	Name    string `json:"name"`
	Type    string `json:"type"`
	Status  string `json:"status"`
	Attempt int    `json:"attempt"`
}

// RunResponse is the GET /runs/{id} response body.
type RunResponse struct {
	RunID      string        `json:"run_id"`
	Pipeline   string        `json:"pipeline"`
	Status     string        `json:"status"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	Tasks      []TaskSummary `json:"tasks"`
}

// GetRun handles GET /api/v1/runs/{id}.
func (h *REST) GetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := chi.URLParam(r, "id")

	run, err := h.runs.Get(ctx, runID)
	if err != nil {
		h.writeDomainError(w, err, "failed to retrieve run")
		return
	}
	tasks, err := h.tasks.ListByRun(ctx, runID)
	if err != nil {
		h.logger.Error("list run tasks", slog.String("run_id", runID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to retrieve run")
		return
	}

	resp := RunResponse{
		RunID:      run.ID,
		Pipeline:   run.PipelineName,
		Status:     string(run.Status),
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Tasks:      make([]TaskSummary, 0, len(tasks)),
	}
	for _, t := range tasks {
		resp.Tasks = append(resp.Tasks, TaskSummary{
			TaskID:  t.ID,
			Name:    t.Name,
			Type:    t.Type,
			Status:  string(t.Status),
			Attempt: t.Attempt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// CancelRun handles POST /api/v1/runs/{id}/cancel.
func (h *REST) CancelRun(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("orchestrator").Start(r.Context(), "orchestrator.cancel_run")
	defer span.End()

	runID := chi.URLParam(r, "id")
	run, err := h.machine.Cancel(ctx, runID)
	if err != nil {
		span.RecordError(err)
		h.writeDomainError(w, err, "failed to cancel run")
		return
	}
	h.cacheRunStatus(ctx, run)
	writeJSON(w, http.StatusOK, map[string]string{
		"run_id": run.ID,
		"status": string(run.Status),
	})
}

// EnqueueTaskRequest is the JSON body for POST /api/v1/tasks.
type EnqueueTaskRequest struct {
	Name        string          `json:"name"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
	Backoff     *backoff.Spec   `json:"backoff,omitempty"`
}

// EnqueueTaskResponse is the 202 response body.
type EnqueueTaskResponse struct {
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// EnqueueTask handles POST /api/v1/tasks: standalone work outside any
// pipeline run.
func (h *REST) EnqueueTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("orchestrator").Start(r.Context(), "orchestrator.enqueue_task")
	defer span.End()

	var req EnqueueTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Type) == "" {
		writeError(w, http.StatusBadRequest, "field 'type' is required")
		return
	}
	if len(req.Payload) == 0 || string(req.Payload) == "null" {
		writeError(w, http.StatusBadRequest, "field 'payload' is required")
		return
	}
	if req.Name == "" {
		req.Name = req.Type
	}

	var spec backoff.Spec
	if req.Backoff != nil {
		spec = *req.Backoff
	}
	task, err := h.machine.Enqueue(ctx, req.Name, req.Type, req.Payload, req.MaxAttempts, spec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "enqueue failed")
		h.logger.Error("enqueue task", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to enqueue task")
		return
	}

	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.type", task.Type),
	)
	h.cacheTaskStatus(ctx, task)

	writeJSON(w, http.StatusAccepted, EnqueueTaskResponse{
		TaskID:    task.ID,
		Status:    string(task.Status),
		CreatedAt: task.CreatedAt,
	})
}

// TaskStatusResponse is the GET /tasks/{id} response body. Attempt and
// timestamps are filled only when the record store was consulted; the Redis
// fast path carries status and output alone.
type TaskStatusResponse struct {
	TaskID    string            `json:"task_id"`
	Status    string            `json:"status"`
	Name      string            `json:"name,omitempty"`
	Type      string            `json:"type,omitempty"`
	Attempt   int               `json:"attempt,omitempty"`
	Output    json.RawMessage   `json:"output,omitempty"`
	LastError *domain.TaskError `json:"last_error,omitempty"`
	CreatedAt *time.Time        `json:"created_at,omitempty"`
}

// GetTask handles GET /api/v1/tasks/{id}. Status polling is the hottest read
// path, so a cached status short-circuits the record store.
func (h *REST) GetTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := chi.URLParam(r, "id")

	if status, err := h.cache.GetTaskStatus(ctx, taskID); err == nil {
		resp := TaskStatusResponse{TaskID: taskID, Status: string(status)}
		if status == domain.StatusSucceeded {
			if out, err := h.cache.GetTaskResult(ctx, taskID); err == nil {
				resp.Output = out
			}
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	task, err := h.tasks.Get(ctx, taskID)
	if err != nil {
		h.writeDomainError(w, err, "failed to retrieve task")
		return
	}
	h.cacheTaskStatus(ctx, task)

	created := task.CreatedAt
	writeJSON(w, http.StatusOK, TaskStatusResponse{
		TaskID:    task.ID,
		Status:    string(task.Status),
		Name:      task.Name,
		Type:      task.Type,
		Attempt:   task.Attempt,
		Output:    task.Result,
		LastError: task.LastError,
		CreatedAt: &created,
	})
}

// QueueStatusResponse is the GET /queue/status response body.
type QueueStatusResponse struct {
	Counts            map[domain.Status]int `json:"counts"`
	OldestQueuedAgeMs int64                 `json:"oldest_queued_age_ms"`
}

// QueueStatus handles GET /api/v1/queue/status.
func (h *REST) QueueStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	counts, err := h.tasks.CountByStatus(ctx)
	if err != nil {
		h.logger.Error("count by status", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read queue status")
		return
	}
	age, err := h.tasks.OldestQueuedAge(ctx, time.Now().UTC())
	if err != nil {
		h.logger.Error("oldest queued age", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read queue status")
		return
	}

	writeJSON(w, http.StatusOK, QueueStatusResponse{
		Counts:            counts,
		OldestQueuedAgeMs: age.Milliseconds(),
	})
}

// ListDLQ handles GET /api/v1/dlq.
func (h *REST) ListDLQ(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.DLQFilter{
		PipelineRunID: q.Get("run_id"),
		TaskType:      q.Get("type"),
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	items, err := h.dlq.List(r.Context(), filter, limit, offset)
	if err != nil {
		h.logger.Error("list dlq", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

// GetDLQItem handles GET /api/v1/dlq/{id}.
func (h *REST) GetDLQItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.dlq.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err, "failed to retrieve dead letter")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// ReplayDLQItem handles POST /api/v1/dlq/{id}/replay.
func (h *REST) ReplayDLQItem(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("orchestrator").Start(r.Context(), "orchestrator.replay_dlq_item")
	defer span.End()

	itemID := chi.URLParam(r, "id")
	span.SetAttributes(attribute.String("dlq.item_id", itemID))

	task, err := h.dlq.Replay(ctx, itemID)
	if err != nil {
		span.RecordError(err)
		h.writeDomainError(w, err, "failed to replay dead letter")
		return
	}
	h.cacheTaskStatus(ctx, task)

	writeJSON(w, http.StatusCreated, EnqueueTaskResponse{
		TaskID:    task.ID,
		Status:    string(task.Status),
		CreatedAt: task.CreatedAt,
	})
}

// LeaseRequest is the JSON body for POST /api/v1/worker/lease.
type LeaseRequest struct {
	WorkerID string `json:"worker_id"`
	Count    int    `json:"count"`
}

// LeaseTasks handles POST /api/v1/worker/lease. Responds 204 when nothing is
// ready so workers can poll cheaply.
func (h *REST) LeaseTasks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req LeaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "field 'worker_id' is required")
		return
	}

	tasks, err := h.queue.Lease(ctx, req.WorkerID, req.Count)
	if err != nil {
		var empty *domain.EmptyQueueError
		if errors.As(err, &empty) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.logger.Error("lease", slog.String("worker_id", req.WorkerID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to lease tasks")
		return
	}
	for _, t := range tasks {
		h.cacheTaskStatus(ctx, t)
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// workerRequest is the shared body shape for renew and report.
type workerRequest struct {
	WorkerID string             `json:"worker_id"`
	Result   *domain.TaskResult `json:"result,omitempty"`
	Attempt  domain.TaskAttempt `json:"attempt,omitempty"`
}

// RenewLease handles POST /api/v1/worker/tasks/{id}/renew.
func (h *REST) RenewLease(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := chi.URLParam(r, "id")

	var req workerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	task, err := h.queue.Renew(ctx, taskID, req.WorkerID)
	if err != nil {
		h.writeDomainError(w, err, "failed to renew lease")
		return
	}
	h.cacheTaskStatus(ctx, task)
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id":      task.ID,
		"status":       string(task.Status),
		"lease_expiry": task.LeaseExpiry,
	})
}

// ReportResult handles POST /api/v1/worker/tasks/{id}/report. The retry
// decision is resolved before the response: the reported task comes back
// SUCCEEDED, QUEUED (retry scheduled), or DEAD_LETTERED.
func (h *REST) ReportResult(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("orchestrator").Start(r.Context(), "orchestrator.report_result")
	defer span.End()

	taskID := chi.URLParam(r, "id")
	span.SetAttributes(attribute.String("task.id", taskID))

	var req workerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Result == nil {
		writeError(w, http.StatusBadRequest, "field 'result' is required")
		return
	}

	task, err := h.queue.Report(ctx, taskID, req.WorkerID, *req.Result, req.Attempt)
	if err != nil {
		span.RecordError(err)
		h.writeDomainError(w, err, "failed to report result")
		return
	}
	h.cacheTaskStatus(ctx, task)
	if task.Status == domain.StatusSucceeded && len(task.Result) > 0 {
		if err := h.cache.SetTaskResult(ctx, task.ID, task.Result); err != nil {
			h.logger.Warn("cache task result", slog.String("task_id", task.ID), slog.String("error", err.Error()))
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"task_id":          task.ID,
		"status":           string(task.Status),
		"next_eligible_at": task.NextEligibleAt,
	})
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// Readyz handles GET /readyz. Ready means the record store answers; the
// cache being down degrades reads but does not fail readiness.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if _, err := h.tasks.CountByStatus(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "record store not ready")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

func (h *REST) cacheTaskStatus(ctx context.Context, task *domain.Task) {
	if err := h.cache.SetTaskStatus(ctx, task.ID, task.Status); err != nil {
		h.logger.Warn("cache task status", slog.String("task_id", task.ID), slog.String("error", err.Error()))
	}
}

func (h *REST) cacheRunStatus(ctx context.Context, run *domain.PipelineRun) {
	if err := h.cache.SetRunStatus(ctx, run.ID, run.Status); err != nil {
		h.logger.Warn("cache run status", slog.String("run_id", run.ID), slog.String("error", err.Error()))
	}
}

// writeDomainError maps domain errors onto HTTP status codes; anything
// unrecognized is logged and becomes a 500 with the fallback message.
func (h *REST) writeDomainError(w http.ResponseWriter, err error, fallback string) {
	var (
		taskNotFound  *domain.TaskNotFoundError
		runNotFound   *domain.RunNotFoundError
		unknown       *domain.UnknownPipelineError
		conflict      *domain.ConflictError
		leaseLost     *domain.LeaseLostError
		notOwner      *domain.NotOwnerError
		notReplayable *domain.NotReplayableError
		limited       *domain.RateLimitExceededError
	)
	switch {
	case errors.As(err, &taskNotFound), errors.As(err, &runNotFound), errors.As(err, &unknown):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &conflict), errors.As(err, &leaseLost), errors.As(err, &notOwner), errors.As(err, &notReplayable):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &limited):
		writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		h.logger.Error(fallback, slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
