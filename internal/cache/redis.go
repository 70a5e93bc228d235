package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	stateKeyPrefix    = "feedback-calls:state:"
	cooldownKeyPrefix = "feedback-calls:cooldown:"
)

type RedisStateStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisStateStore(rdb *redis.Client, ttl time.Duration) *RedisStateStore {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &RedisStateStore{rdb: rdb, ttl: ttl}
}

func (s *RedisStateStore) Put(ctx context.Context, st WorkingState) error {
	if st.SessionID == "" {
		return errors.New("cache: session id is required")
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("cache: encode state: %w", err)
	}
	return s.rdb.Set(ctx, stateKeyPrefix+st.SessionID, raw, s.ttl).Err()
}

func (s *RedisStateStore) Get(ctx context.Context, sessionID string) (WorkingState, error) {
	raw, err := s.rdb.Get(ctx, stateKeyPrefix+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return WorkingState{}, ErrMiss
	}
	if err != nil {
		return WorkingState{}, err
	}
	var st WorkingState
	if err := json.Unmarshal(raw, &st); err != nil {
		return WorkingState{}, fmt.Errorf("cache: decode state: %w", err)
	}
	return st, nil
}

func (s *RedisStateStore) Delete(ctx context.Context, sessionID string) error {
	return s.rdb.Del(ctx, stateKeyPrefix+sessionID).Err()
}

// RedisCooldown uses SET NX PX so concurrent replicas agree on a single winner per window.
type RedisCooldown struct {
	rdb *redis.Client
}

func NewRedisCooldown(rdb *redis.Client) *RedisCooldown { return &RedisCooldown{rdb: rdb} }

func (c *RedisCooldown) TryAcquire(ctx context.Context, key string, window time.Duration) (bool, error) {
	if key == "" {
		return false, errors.New("cache: cooldown key is required")
	}
	if window <= 0 {
		return true, nil
	}
	return c.rdb.SetNX(ctx, cooldownKeyPrefix+key, time.Now().UTC().Format(time.RFC3339), window).Result()
}

func (c *RedisCooldown) Release(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, cooldownKeyPrefix+key).Err()
}
