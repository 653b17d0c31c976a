package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/SaritraGmbH/pipeweave-sub001/internal/domain"
	"github.com/SaritraGmbH/pipeweave-sub001/pkg/backoff"
)

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

const taskColumns = `id, pipeline_run_id, name, type, payload, status, optional, depends_on,
	attempt, max_attempts, backoff_kind, backoff_base_ms, backoff_max_ms,
	lease_owner, lease_expiry, next_eligible_at,
	created_at, updated_at, last_attempt_at, result, last_error`

type pgTaskStore struct {
	pool *pgxpool.Pool
}

// NewTaskStore wraps a pgxpool with the TaskStore interface.
func NewTaskStore(pool *pgxpool.Pool) TaskStore {
	return &pgTaskStore{pool: pool}
}

func (s *pgTaskStore) Insert(ctx context.Context, task *domain.Task) error {
	return insertTask(ctx, s.pool, task)
}

// execer is the Exec surface shared by *pgxpool.Pool and pgx.Tx, so task
// inserts can run standalone or inside the run-trigger transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertTask(ctx context.Context, db execer, task *domain.Task) error {
	lastErr, err := marshalTaskError(task.LastError)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
	`,
		task.ID, nullable(task.PipelineRunID), task.Name, task.Type, task.Payload,
		string(task.Status), task.Optional, task.DependsOn,
		task.Attempt, task.MaxAttempts,
		string(task.Backoff.Kind), task.Backoff.BaseDelay.Milliseconds(), task.Backoff.MaxDelay.Milliseconds(),
		nullable(task.LeaseOwner), task.LeaseExpiry, task.NextEligibleAt,
		task.CreatedAt, task.UpdatedAt, task.LastAttemptAt, task.Result, lastErr,
	)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", task.ID, err)
	}
	return nil
}

func (s *pgTaskStore) Get(ctx context.Context, id string) (*domain.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.TaskNotFoundError{TaskID: id}
		}
		return nil, err
	}
	return task, nil
}

// CompareAndSet runs the read-check-write cycle inside one transaction with
// the row locked, so no concurrent transition can interleave.
func (s *pgTaskStore) CompareAndSet(ctx context.Context, id string, check Check, next domain.Status, mutate Mutate) (*domain.Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.TaskNotFoundError{TaskID: id}
		}
		return nil, err
	}

	if check != nil {
		if err := check(task); err != nil {
			return nil, err
		}
	}

	task.Status = next
	if mutate != nil {
		mutate(task)
	}
	task.UpdatedAt = time.Now().UTC()

	lastErr, err := marshalTaskError(task.LastError)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx, `
		UPDATE tasks SET
			status = $2, attempt = $3,
			lease_owner = $4, lease_expiry = $5, next_eligible_at = $6,
			updated_at = $7, last_attempt_at = $8, result = $9, last_error = $10
		WHERE id = $1
	`,
		task.ID, string(task.Status), task.Attempt,
		nullable(task.LeaseOwner), task.LeaseExpiry, task.NextEligibleAt,
		task.UpdatedAt, task.LastAttemptAt, task.Result, lastErr,
	)
	if err != nil {
		return nil, fmt.Errorf("update task %s: %w", task.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit task %s: %w", task.ID, err)
	}
	return task, nil
}

func (s *pgTaskStore) CompareAndSetStatus(ctx context.Context, id string, expected, next domain.Status, mutate Mutate) (*domain.Task, error) {
	return s.CompareAndSet(ctx, id, ExpectStatus(id, expected), next, mutate)
}

func (s *pgTaskStore) FindReady(ctx context.Context, limit int) ([]*domain.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE (status = 'QUEUED' AND (next_eligible_at IS NULL OR next_eligible_at <= NOW()))
		   OR (status IN ('LEASED','RUNNING') AND lease_expiry <= NOW())
		ORDER BY (CASE WHEN status = 'QUEUED' THEN 1 ELSE 0 END), created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("find ready tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *pgTaskStore) ListByRun(ctx context.Context, runID string) ([]*domain.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE pipeline_run_id = $1 ORDER BY created_at ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list tasks for run %s: %w", runID, err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *pgTaskStore) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[domain.Status(status)] = n
	}
	return counts, rows.Err()
}

func (s *pgTaskStore) OldestQueuedAge(ctx context.Context, now time.Time) (time.Duration, error) {
	var oldest *time.Time
	err := s.pool.QueryRow(ctx, `SELECT MIN(created_at) FROM tasks WHERE status = 'QUEUED'`).Scan(&oldest)
	if err != nil {
		return 0, fmt.Errorf("oldest queued: %w", err)
	}
	if oldest == nil {
		return 0, nil
	}
	return now.Sub(*oldest), nil
}

func (s *pgTaskStore) RecordAttempt(ctx context.Context, taskID string, att domain.TaskAttempt) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_attempts (task_id, number, worker_id, started_at, finished_at, error)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, taskID, att.Number, att.WorkerID, att.StartedAt, att.FinishedAt, att.Error)
	if err != nil {
		return fmt.Errorf("record attempt %d for task %s: %w", att.Number, taskID, err)
	}
	return nil
}

func (s *pgTaskStore) ListAttempts(ctx context.Context, taskID string) ([]domain.TaskAttempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT number, worker_id, started_at, finished_at, error
		FROM task_attempts WHERE task_id = $1 ORDER BY number ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list attempts for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var atts []domain.TaskAttempt
	for rows.Next() {
		var a domain.TaskAttempt
		if err := rows.Scan(&a.Number, &a.WorkerID, &a.StartedAt, &a.FinishedAt, &a.Error); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		atts = append(atts, a)
	}
	return atts, rows.Err()
}

// ExpectStatus is the plain status check: the transition proceeds only if the
// current status equals expected, otherwise it fails with *domain.ConflictError.
func ExpectStatus(id string, expected domain.Status) Check {
	return func(t *domain.Task) error {
		if t.Status != expected {
			return &domain.ConflictError{TaskID: id, Expected: expected, Actual: t.Status}
		}
		return nil
	}
}

func scanTasks(rows pgx.Rows) ([]*domain.Task, error) {
	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// scanTask reads a task row from any pgx row type.
func scanTask(row interface {
	Scan(...any) error
}) (*domain.Task, error) {
	var (
		task      domain.Task
		runID     *string
		owner     *string
		statusStr string
		kind      string
		baseMs    int64
		maxMs     int64
		lastErr   []byte
	)
	err := row.Scan(
		&task.ID, &runID, &task.Name, &task.Type, &task.Payload, &statusStr,
		&task.Optional, &task.DependsOn,
		&task.Attempt, &task.MaxAttempts, &kind, &baseMs, &maxMs,
		&owner, &task.LeaseExpiry, &task.NextEligibleAt,
		&task.CreatedAt, &task.UpdatedAt, &task.LastAttemptAt, &task.Result, &lastErr,
	)
	if err != nil {
		return nil, err
	}
	if runID != nil {
		task.PipelineRunID = *runID
	}
	if owner != nil {
		task.LeaseOwner = *owner
	}
	task.Status = domain.Status(statusStr)
	task.Backoff = backoff.Spec{
		Kind:      backoff.Kind(kind),
		BaseDelay: time.Duration(baseMs) * time.Millisecond,
		MaxDelay:  time.Duration(maxMs) * time.Millisecond,
	}
	if len(lastErr) > 0 {
		var te domain.TaskError
		if err := json.Unmarshal(lastErr, &te); err != nil {
			return nil, fmt.Errorf("unmarshal last_error for task %s: %w", task.ID, err)
		}
		task.LastError = &te
	}
	return &task, nil
}

func marshalTaskError(te *domain.TaskError) ([]byte, error) {
	if te == nil {
		return nil, nil
	}
	data, err := json.Marshal(te)
	if err != nil {
		return nil, fmt.Errorf("marshal task error: %w", err)
	}
	return data, nil
}

// nullable maps the Go empty string to SQL NULL.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
