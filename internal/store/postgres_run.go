package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/SaritraGmbH/pipeweave-sub001/internal/domain"
)

type pgRunStore struct {
	pool *pgxpool.Pool
}

// NewRunStore wraps a pgxpool with the RunStore interface.
func NewRunStore(pool *pgxpool.Pool) RunStore {
	return &pgRunStore{pool: pool}
}

const runColumns = `id, pipeline_name, status, task_ids, params, started_at, finished_at, created_at`

func (s *pgRunStore) Insert(ctx context.Context, run *domain.PipelineRun) error {
	return insertRun(ctx, s.pool, run)
}

// InsertWithTasks writes the run row and its task rows in one transaction, so
// a failed trigger leaves nothing behind for the queue to dispatch.
func (s *pgRunStore) InsertWithTasks(ctx context.Context, run *domain.PipelineRun, tasks []*domain.Task) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := insertRun(ctx, tx, run); err != nil {
		return err
	}
	for _, task := range tasks {
		if err := insertTask(ctx, tx, task); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit run %s: %w", run.ID, err)
	}
	return nil
}

func insertRun(ctx context.Context, db execer, run *domain.PipelineRun) error {
	_, err := db.Exec(ctx, `
		INSERT INTO pipeline_runs (`+runColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`,
		run.ID, run.PipelineName, string(run.Status), run.TaskIDs, run.Params,
		run.StartedAt, run.FinishedAt, run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	return nil
}

func (s *pgRunStore) Get(ctx context.Context, id string) (*domain.PipelineRun, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM pipeline_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.RunNotFoundError{RunID: id}
		}
		return nil, err
	}
	return run, nil
}

func (s *pgRunStore) UpdateStatus(ctx context.Context, id string, status domain.RunStatus, finishedAt *time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE pipeline_runs SET status = $2, finished_at = $3 WHERE id = $1
	`, id, string(status), finishedAt)
	if err != nil {
		return fmt.Errorf("update run %s: %w", id, err)
	}
	return nil
}

func (s *pgRunStore) List(ctx context.Context, limit int) ([]*domain.PipelineRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+` FROM pipeline_runs ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*domain.PipelineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *pgRunStore) ListUnfinished(ctx context.Context, limit int) ([]*domain.PipelineRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+` FROM pipeline_runs
		WHERE status NOT IN ('SUCCEEDED','FAILED','PARTIALLY_FAILED','CANCELLED')
		ORDER BY created_at ASC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unfinished runs: %w", err)
	}
	defer rows.Close()

	var runs []*domain.PipelineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanRun(row interface {
	Scan(...any) error
}) (*domain.PipelineRun, error) {
	var run domain.PipelineRun
	var statusStr string
	err := row.Scan(
		&run.ID, &run.PipelineName, &statusStr, &run.TaskIDs, &run.Params,
		&run.StartedAt, &run.FinishedAt, &run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	run.Status = domain.RunStatus(statusStr)
	return &run, nil
}
