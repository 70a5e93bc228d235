package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryStateStore is an in-process StateStore for tests and single-node dev.
type MemoryStateStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	clock   func() time.Time
	entries map[string]memoryEntry
}

type memoryEntry struct {
	st        WorkingState
	expiresAt time.Time
}

func NewMemoryStateStore(ttl time.Duration) *MemoryStateStore {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &MemoryStateStore{ttl: ttl, clock: time.Now, entries: map[string]memoryEntry{}}
}

func (s *MemoryStateStore) Put(ctx context.Context, st WorkingState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[st.SessionID] = memoryEntry{st: st, expiresAt: s.clock().Add(s.ttl)}
	return nil
}

func (s *MemoryStateStore) Get(ctx context.Context, sessionID string) (WorkingState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[sessionID]
	if !ok {
		return WorkingState{}, ErrMiss
	}
	if !s.clock().Before(e.expiresAt) {
		delete(s.entries, sessionID)
		return WorkingState{}, ErrMiss
	}
	return e.st, nil
}

func (s *MemoryStateStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, sessionID)
	return nil
}

type MemoryCooldown struct {
	mu    sync.Mutex
	clock func() time.Time
	until map[string]time.Time
}

func NewMemoryCooldown() *MemoryCooldown {
	return &MemoryCooldown{clock: time.Now, until: map[string]time.Time{}}
}

// SetClock is for tests that need to move time forward.
func (c *MemoryCooldown) SetClock(clock func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = clock
}

func (c *MemoryCooldown) TryAcquire(ctx context.Context, key string, window time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock()
	if until, ok := c.until[key]; ok && now.Before(until) {
		return false, nil
	}
	if window > 0 {
		c.until[key] = now.Add(window)
	}
	return true, nil
}

func (c *MemoryCooldown) Release(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.until, key)
	return nil
}
