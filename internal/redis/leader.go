package redis

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// renewScript extends the lock only while this instance still owns it.
var renewScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	end
	return 0
`)

// Elector is a best-effort single-leader lock over one Redis key. Janitor
// replicas use it so only one instance runs the maintenance sweeps at a time.
type Elector struct {
	client     *redis.Client
	key        string
	instanceID string
	ttl        time.Duration
	logger     *slog.Logger
}

// NewElector creates an Elector for the given lock key.
func NewElector(client *redis.Client, key, instanceID string, ttl time.Duration, logger *slog.Logger) *Elector {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Elector{client: client, key: key, instanceID: instanceID, ttl: ttl, logger: logger}
}

// IsLeader acquires the lock if free, otherwise renews it if owned by this
// instance. Returns true while this instance holds leadership. Call it at
// most every ttl/2 to avoid losing the lock between renewals.
func (e *Elector) IsLeader(ctx context.Context) bool {
	ok, err := e.client.SetNX(ctx, e.key, e.instanceID, e.ttl).Result()
	if err != nil {
		e.logger.Error("leader election SetNX", slog.String("error", err.Error()))
		return false
	}
	if ok {
		e.logger.Info("acquired leadership",
			slog.String("key", e.key),
			slog.String("instance_id", e.instanceID),
		)
		return true
	}

	result, err := renewScript.Run(ctx, e.client, []string{e.key}, e.instanceID, e.ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		e.logger.Error("leader renewal", slog.String("error", err.Error()))
		return false
	}
	return result == 1
}

// Resign releases the lock if this instance owns it, letting another replica
// take over without waiting out the TTL.
func (e *Elector) Resign(ctx context.Context) {
	releaseScript := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		end
		return 0
	`)
	if err := releaseScript.Run(ctx, e.client, []string{e.key}, e.instanceID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		e.logger.Error("leader resign", slog.String("error", err.Error()))
	}
}
