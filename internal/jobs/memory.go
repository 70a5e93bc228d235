package jobs

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-node dev.
type MemoryStore struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	byDedup map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: map[string]*Job{}, byDedup: map[string]string{}}
}

func (s *MemoryStore) Enqueue(ctx context.Context, j Job) (Job, bool, error) {
	if err := validate(&j); err != nil {
		return Job{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byDedup[j.DedupeKey]; ok {
		return *s.jobs[id], false, nil
	}
	j.Status = StatusPending
	j.Attempts = 0
	j.UpdatedAt = j.CreatedAt
	cp := j
	s.jobs[j.ID] = &cp
	s.byDedup[j.DedupeKey] = j.ID
	return j, true, nil
}

func (s *MemoryStore) Acquire(ctx context.Context, workerID string, now time.Time, lock time.Duration) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Job
	for _, j := range s.jobs {
		switch {
		case j.Status == StatusPending && !j.RunAt.After(now):
			due = append(due, j)
		case j.Status == StatusRunning && j.LockedUntil != nil && j.LockedUntil.Before(now):
			due = append(due, j)
		}
	}
	if len(due) == 0 {
		return nil, nil
	}
	sort.Slice(due, func(a, b int) bool {
		if due[a].Priority != due[b].Priority {
			return due[a].Priority > due[b].Priority
		}
		if !due[a].RunAt.Equal(due[b].RunAt) {
			return due[a].RunAt.Before(due[b].RunAt)
		}
		return due[a].ID < due[b].ID
	})

	j := due[0]
	until := now.Add(lock)
	j.Status = StatusRunning
	j.Attempts++
	j.LockedBy = workerID
	j.LockedUntil = &until
	j.UpdatedAt = now
	cp := *j
	return &cp, nil
}

func (s *MemoryStore) Complete(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Status = StatusDone
	j.LockedBy = ""
	j.LockedUntil = nil
	j.UpdatedAt = now
	return nil
}

func (s *MemoryStore) Fail(ctx context.Context, id string, errMsg string, nextRunAt time.Time, dead bool, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Status = StatusPending
	if dead {
		j.Status = StatusDead
	}
	j.LastError = errMsg
	j.RunAt = nextRunAt
	j.LockedBy = ""
	j.LockedUntil = nil
	j.UpdatedAt = now
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return *j, nil
}

// List returns a snapshot of all jobs, oldest run_at first.
func (s *MemoryStore) List() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].RunAt.Before(out[b].RunAt) })
	return out
}
