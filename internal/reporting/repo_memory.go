package reporting

import (
	"context"
	"errors"
	"sync"
	"time"

	"feedback-calls/internal/calls"
)

// MemoryRepo is a simple in-memory reporting repository for tests.
// It enforces store isolation on reads.
type MemoryRepo struct {
	mu sync.Mutex

	Sessions      []calls.Session
	Confirmations []calls.Confirmation
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) ListSessions(ctx context.Context, storeID string, from, to time.Time) ([]calls.Session, error) {
	if storeID == "" {
		return nil, errors.New("store_id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]calls.Session, 0)
	for _, s := range r.Sessions {
		if s.StoreID == storeID && inRange(s.CreatedAt, from, to) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *MemoryRepo) ListConfirmations(ctx context.Context, storeID string, from, to time.Time) ([]calls.Confirmation, error) {
	sessions, err := r.ListSessions(ctx, storeID, from, to)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]struct{}, len(sessions))
	for _, s := range sessions {
		ids[s.ID] = struct{}{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]calls.Confirmation, 0)
	for _, c := range r.Confirmations {
		if _, ok := ids[c.SessionID]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func inRange(t, from, to time.Time) bool {
	return !t.Before(from) && t.Before(to)
}
