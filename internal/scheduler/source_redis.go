package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisSource subscribes to a pub/sub channel carrying verification events as JSON.
type RedisSource struct {
	rdb     *redis.Client
	channel string

	mu     sync.Mutex
	pubsub *redis.PubSub
}

func NewRedisSource(rdb *redis.Client, channel string) *RedisSource {
	return &RedisSource{rdb: rdb, channel: channel}
}

func (s *RedisSource) Messages(ctx context.Context) (<-chan []byte, error) {
	ps := s.rdb.Subscribe(ctx, s.channel)
	// Receive blocks until the subscription is confirmed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", s.channel, err)
	}

	s.mu.Lock()
	s.pubsub = ps
	s.mu.Unlock()

	out := make(chan []byte)
	go func() {
		defer close(out)
		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- []byte(m.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *RedisSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pubsub == nil {
		return nil
	}
	err := s.pubsub.Close()
	s.pubsub = nil
	return err
}

// ChanSource adapts an in-process channel, used by tests and local runs.
type ChanSource struct {
	ch        chan []byte
	closeOnce sync.Once
}

func NewChanSource(buffer int) *ChanSource {
	return &ChanSource{ch: make(chan []byte, buffer)}
}

func (s *ChanSource) Publish(raw []byte) { s.ch <- raw }

func (s *ChanSource) Messages(ctx context.Context) (<-chan []byte, error) { return s.ch, nil }

func (s *ChanSource) Close() error {
	s.closeOnce.Do(func() { close(s.ch) })
	return nil
}
