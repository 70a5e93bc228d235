package cache

import (
	"context"
	"errors"
	"time"
)

// WorkingState is the ephemeral per-call context: business snapshot and AI handle.
// It is a performance cache only; the durable session status is never inferred from it.
type WorkingState struct {
	SessionID      string `json:"session_id"`
	VerificationID string `json:"verification_id"`
	StoreID        string `json:"store_id"`

	ExpectedQuestions int               `json:"expected_questions"`
	BusinessContext   map[string]string `json:"business_context,omitempty"`

	AIConversationID string `json:"ai_conversation_id,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

var ErrMiss = errors.New("cache: miss")

// StateStore keeps WorkingState for a bounded TTL.
type StateStore interface {
	Put(ctx context.Context, st WorkingState) error
	Get(ctx context.Context, sessionID string) (WorkingState, error)
	Delete(ctx context.Context, sessionID string) error
}

// Cooldown suppresses repeats of a keyed action within a window.
type Cooldown interface {
	// TryAcquire reports true when the key was not in cooldown and starts a new window.
	TryAcquire(ctx context.Context, key string, window time.Duration) (bool, error)
	// Release ends the window early so the next TryAcquire succeeds.
	Release(ctx context.Context, key string) error
}
