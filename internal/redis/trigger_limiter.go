package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/SaritraGmbH/pipeweave-sub001/internal/domain"
)

// TriggerLimiter bounds how often each pipeline may be triggered, using a
// sliding-window count in Redis so the limit holds across orchestrator
// replicas.
type TriggerLimiter interface {
	// Allow returns nil when the trigger is within the allowed rate and
	// *domain.RateLimitExceededError when it should be rejected.
	Allow(ctx context.Context, pipeline string) error
	Limit() int
}

type slidingWindowLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

// NewTriggerLimiter returns a Redis-backed sliding-window limiter. limit is
// the maximum number of triggers allowed per window for one pipeline.
func NewTriggerLimiter(client *redis.Client, limit int, window time.Duration) TriggerLimiter {
	return &slidingWindowLimiter{client: client, limit: limit, window: window}
}

func (r *slidingWindowLimiter) Limit() int { return r.limit }

// Allow uses a Redis sorted set as a timestamp ring buffer per pipeline.
func (r *slidingWindowLimiter) Allow(ctx context.Context, pipeline string) error {
	now := time.Now().UnixNano()
	windowStart := now - r.window.Nanoseconds()
	rkey := "pipeweave:ratelimit:trigger:" + pipeline

	pipe := r.client.TxPipeline()
	// Evict timestamps that fell outside the window.
	pipe.ZRemRangeByScore(ctx, rkey, "0", strconv.FormatInt(windowStart, 10))
	// Record this trigger with the current nanosecond timestamp as both score and member.
	pipe.ZAdd(ctx, rkey, redis.Z{Score: float64(now), Member: strconv.FormatInt(now, 10)})
	// Count triggers still in the window.
	countCmd := pipe.ZCard(ctx, rkey)
	// Keep the key alive for at least one more window.
	pipe.Expire(ctx, rkey, r.window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rate limiter pipeline for %q: %w", pipeline, err)
	}

	if countCmd.Val() > int64(r.limit) {
		return &domain.RateLimitExceededError{Pipeline: pipeline, Limit: r.limit}
	}
	return nil
}

// NopLimiter allows every trigger. Used when rate limiting is disabled.
type NopLimiter struct{}

func (NopLimiter) Allow(context.Context, string) error { return nil }
func (NopLimiter) Limit() int                          { return 0 }
