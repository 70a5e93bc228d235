package telephony

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"feedback-calls/pkg/utils"
)

// RedisLimiter is a cluster-wide per-provider call cap backed by the Lua counters in pkg/utils.
type RedisLimiter struct {
	rdb    *redis.Client
	limit  int
	ttl    time.Duration
	prefix string
}

// NewRedisLimiter builds a limiter; ttl bounds how long a leaked slot survives a crash
// and should exceed the maximum call duration.
func NewRedisLimiter(rdb *redis.Client, limit int, ttl time.Duration) (*RedisLimiter, error) {
	if rdb == nil {
		return nil, errors.New("telephony: redis client is nil")
	}
	if limit <= 0 {
		return nil, errors.New("telephony: limit must be > 0")
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisLimiter{rdb: rdb, limit: limit, ttl: ttl, prefix: "feedback-calls:provider-cap:"}, nil
}

func (l *RedisLimiter) Acquire(ctx context.Context, provider string) (bool, error) {
	return utils.AcquireConcurrencyCap(ctx, l.rdb, l.prefix+provider, l.limit, l.ttl)
}

func (l *RedisLimiter) Release(ctx context.Context, provider string) error {
	return utils.ReleaseConcurrencyCap(ctx, l.rdb, l.prefix+provider)
}
