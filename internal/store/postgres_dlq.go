package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/SaritraGmbH/pipeweave-sub001/internal/domain"
)

type pgDLQStore struct {
	pool *pgxpool.Pool
}

// NewDLQStore wraps a pgxpool with the DLQStore interface.
func NewDLQStore(pool *pgxpool.Pool) DLQStore {
	return &pgDLQStore{pool: pool}
}

const dlqColumns = `id, task_id, pipeline_run_id, task_name, task_type, payload, attempts, reason, replayable, dead_lettered_at`

func (s *pgDLQStore) Upsert(ctx context.Context, item *domain.DLQItem) error {
	attempts, err := json.Marshal(item.Attempts)
	if err != nil {
		return fmt.Errorf("marshal attempts for dlq item %s: %w", item.ID, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO dlq_items (`+dlqColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (task_id) DO UPDATE SET
			attempts = EXCLUDED.attempts,
			reason = EXCLUDED.reason,
			replayable = EXCLUDED.replayable,
			dead_lettered_at = EXCLUDED.dead_lettered_at
	`,
		item.ID, item.TaskID, nullable(item.PipelineRunID), item.TaskName, item.TaskType,
		item.Payload, attempts, item.Reason, item.Replayable, item.DeadLetteredAt,
	)
	if err != nil {
		return fmt.Errorf("upsert dlq item for task %s: %w", item.TaskID, err)
	}
	return nil
}

func (s *pgDLQStore) Get(ctx context.Context, id string) (*domain.DLQItem, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+dlqColumns+` FROM dlq_items WHERE id = $1`, id)
	item, err := scanDLQItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.TaskNotFoundError{TaskID: id}
		}
		return nil, err
	}
	return item, nil
}

func (s *pgDLQStore) List(ctx context.Context, filter DLQFilter, limit, offset int) ([]*domain.DLQItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+dlqColumns+`
		FROM dlq_items
		WHERE ($1 = '' OR pipeline_run_id = $1)
		  AND ($2 = '' OR task_type = $2)
		ORDER BY dead_lettered_at DESC
		LIMIT $3 OFFSET $4
	`, filter.PipelineRunID, filter.TaskType, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list dlq items: %w", err)
	}
	defer rows.Close()

	var items []*domain.DLQItem
	for rows.Next() {
		item, err := scanDLQItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *pgDLQStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM dlq_items WHERE dead_lettered_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge dlq items: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanDLQItem(row interface {
	Scan(...any) error
}) (*domain.DLQItem, error) {
	var (
		item     domain.DLQItem
		runID    *string
		attempts []byte
	)
	err := row.Scan(
		&item.ID, &item.TaskID, &runID, &item.TaskName, &item.TaskType,
		&item.Payload, &attempts, &item.Reason, &item.Replayable, &item.DeadLetteredAt,
	)
	if err != nil {
		return nil, err
	}
	if runID != nil {
		item.PipelineRunID = *runID
	}
	if len(attempts) > 0 {
		if err := json.Unmarshal(attempts, &item.Attempts); err != nil {
			return nil, fmt.Errorf("unmarshal attempts for dlq item %s: %w", item.ID, err)
		}
	}
	return &item, nil
}
