package calls

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is an in-memory Repository for tests and local runs.
type MemoryRepo struct {
	mu            sync.Mutex
	sessions      map[string]Session
	responses     map[string][]Response
	confirmations map[string]Confirmation
	clock         func() time.Time
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		sessions:      make(map[string]Session),
		responses:     make(map[string][]Response),
		confirmations: make(map[string]Confirmation),
		clock:         time.Now,
	}
}

func (r *MemoryRepo) Create(ctx context.Context, s Session) error {
	if s.ID == "" || s.CustomerVerificationID == "" {
		return ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; ok {
		return ErrActiveSessionExists
	}
	if !s.Status.IsTerminal() {
		for _, existing := range r.sessions {
			if existing.CustomerVerificationID == s.CustomerVerificationID && !existing.Status.IsTerminal() {
				return ErrActiveSessionExists
			}
		}
	}
	r.sessions[s.ID] = s
	return nil
}

func (r *MemoryRepo) Get(ctx context.Context, id string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (r *MemoryRepo) FindByProviderCall(ctx context.Context, providerID, providerCallID string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.ProviderID == providerID && s.ProviderCallID == providerCallID && providerCallID != "" {
			return s, nil
		}
	}
	return Session{}, ErrNotFound
}

func (r *MemoryRepo) FindActiveByVerification(ctx context.Context, verificationID string) (Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.CustomerVerificationID == verificationID && !s.Status.IsTerminal() {
			return s, true, nil
		}
	}
	return Session{}, false, nil
}

func (r *MemoryRepo) ListActive(ctx context.Context) ([]Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Session
	for _, s := range r.sessions {
		if !s.Status.IsTerminal() {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InitiatedAt.Before(out[j].InitiatedAt) })
	return out, nil
}

func (r *MemoryRepo) Transition(ctx context.Context, id string, from []Status, to Status, mutate Mutator) (Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.sessions[id]
	if !ok {
		return Session{}, false, ErrNotFound
	}
	if !statusIn(cur.Status, from) || !CanTransition(cur.Status, to) {
		return cur, false, nil
	}
	next := applyMutation(cur, to, mutate, r.clock().UTC())
	r.sessions[id] = next
	return next, true, nil
}

func (r *MemoryRepo) AddResponse(ctx context.Context, resp Response) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[resp.SessionID]
	if !ok {
		return false, ErrNotFound
	}
	if s.Status.IsTerminal() {
		return false, nil
	}
	for _, existing := range r.responses[resp.SessionID] {
		if existing.QuestionID == resp.QuestionID {
			return false, nil
		}
	}
	r.responses[resp.SessionID] = append(r.responses[resp.SessionID], resp)
	return true, nil
}

func (r *MemoryRepo) ListResponses(ctx context.Context, sessionID string) ([]Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Response, len(r.responses[sessionID]))
	copy(out, r.responses[sessionID])
	return out, nil
}

func (r *MemoryRepo) Confirm(ctx context.Context, c Confirmation) (Confirmation, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[c.SessionID]
	if !ok {
		return Confirmation{}, false, ErrNotFound
	}
	if existing, ok := r.confirmations[c.SessionID]; ok {
		return existing, false, nil
	}
	if s.Status != StatusCompleted {
		return Confirmation{}, false, ErrNotCompleted
	}
	if c.ConfirmedAt.IsZero() {
		c.ConfirmedAt = r.clock().UTC()
	}
	r.confirmations[c.SessionID] = c
	at := c.ConfirmedAt
	s.CompletionConfirmedAt = &at
	s.UpdatedAt = at
	r.sessions[c.SessionID] = s
	return c, true, nil
}

func (r *MemoryRepo) GetConfirmation(ctx context.Context, sessionID string) (Confirmation, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.confirmations[sessionID]
	return c, ok, nil
}

func (r *MemoryRepo) OutcomeStats(ctx context.Context, since time.Time) ([]OutcomeCount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	type key struct {
		provider string
		status   Status
	}
	counts := make(map[key]int)
	for _, s := range r.sessions {
		if !s.Status.IsTerminal() || s.EndedAt == nil || s.EndedAt.Before(since) {
			continue
		}
		counts[key{s.ProviderID, s.Status}]++
	}
	out := make([]OutcomeCount, 0, len(counts))
	for k, n := range counts {
		out = append(out, OutcomeCount{ProviderID: k.provider, Status: k.status, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProviderID != out[j].ProviderID {
			return out[i].ProviderID < out[j].ProviderID
		}
		return out[i].Status < out[j].Status
	})
	return out, nil
}
