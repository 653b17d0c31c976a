// Package redis holds the Redis-backed read cache, trigger rate limiter, and
// leader election. Redis is never authoritative for lifecycle state; the task
// record store is. The cache only absorbs status-polling read load.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/SaritraGmbH/pipeweave-sub001/internal/domain"
)

// Terminal statuses never change again, so they may live in the cache for a
// long time. Non-terminal statuses can be rewritten by a cancel or an expired
// lease without the read path noticing, so they expire quickly and fall back
// to the record store.
const (
	terminalStatusTTL = 24 * time.Hour
	pendingStatusTTL  = 30 * time.Second
	resultTTL         = time.Hour
)

func taskStatusKey(taskID string) string { return "pipeweave:task:status:" + taskID }
func taskResultKey(taskID string) string { return "pipeweave:task:result:" + taskID }
func runStatusKey(runID string) string   { return "pipeweave:run:status:" + runID }

// StatusCache caches task and run status for the polling read path.
type StatusCache interface {
	SetTaskStatus(ctx context.Context, taskID string, status domain.Status) error
	GetTaskStatus(ctx context.Context, taskID string) (domain.Status, error)
	SetTaskResult(ctx context.Context, taskID string, result []byte) error
	GetTaskResult(ctx context.Context, taskID string) ([]byte, error)
	SetRunStatus(ctx context.Context, runID string, status domain.RunStatus) error
	GetRunStatus(ctx context.Context, runID string) (domain.RunStatus, error)
}

type statusCache struct {
	client *redis.Client
}

// NewStatusCache creates a Redis-backed StatusCache.
func NewStatusCache(client *redis.Client) StatusCache {
	return &statusCache{client: client}
}

// NewClient creates and returns a new Redis client.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}

func (s *statusCache) SetTaskStatus(ctx context.Context, taskID string, status domain.Status) error {
	ttl := pendingStatusTTL
	if status.IsTerminal() {
		ttl = terminalStatusTTL
	}
	if err := s.client.Set(ctx, taskStatusKey(taskID), string(status), ttl).Err(); err != nil {
		return fmt.Errorf("redis set task status for %s: %w", taskID, err)
	}
	return nil
}

func (s *statusCache) GetTaskStatus(ctx context.Context, taskID string) (domain.Status, error) {
	val, err := s.client.Get(ctx, taskStatusKey(taskID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", &domain.TaskNotFoundError{TaskID: taskID}
		}
		return "", fmt.Errorf("redis get task status for %s: %w", taskID, err)
	}
	return domain.Status(val), nil
}

func (s *statusCache) SetTaskResult(ctx context.Context, taskID string, result []byte) error {
	if err := s.client.Set(ctx, taskResultKey(taskID), result, resultTTL).Err(); err != nil {
		return fmt.Errorf("redis set task result for %s: %w", taskID, err)
	}
	return nil
}

func (s *statusCache) GetTaskResult(ctx context.Context, taskID string) ([]byte, error) {
	data, err := s.client.Get(ctx, taskResultKey(taskID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &domain.TaskNotFoundError{TaskID: taskID}
		}
		return nil, fmt.Errorf("redis get task result for %s: %w", taskID, err)
	}
	return data, nil
}

func (s *statusCache) SetRunStatus(ctx context.Context, runID string, status domain.RunStatus) error {
	ttl := pendingStatusTTL
	if status.IsTerminal() {
		ttl = terminalStatusTTL
	}
	if err := s.client.Set(ctx, runStatusKey(runID), string(status), ttl).Err(); err != nil {
		return fmt.Errorf("redis set run status for %s: %w", runID, err)
	}
	return nil
}

func (s *statusCache) GetRunStatus(ctx context.Context, runID string) (domain.RunStatus, error) {
	val, err := s.client.Get(ctx, runStatusKey(runID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", &domain.RunNotFoundError{RunID: runID}
		}
		return "", fmt.Errorf("redis get run status for %s: %w", runID, err)
	}
	return domain.RunStatus(val), nil
}
