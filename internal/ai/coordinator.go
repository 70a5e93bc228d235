package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"feedback-calls/internal/cache"
	"feedback-calls/internal/calls"
)

// Coordinator starts and stops AI conversations for call sessions and keeps the
// conversation handle in the working-state cache.
type Coordinator struct {
	client Client
	state  cache.StateStore
	logger *slog.Logger
	clock  func() time.Time
}

func NewCoordinator(client Client, state cache.StateStore, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default().With("component", "ai-coordinator")
	}
	return &Coordinator{client: client, state: state, logger: logger, clock: time.Now}
}

// Start opens a conversation for a session that just became in_progress.
// A cache miss still starts the conversation with what the session row carries.
func (c *Coordinator) Start(ctx context.Context, s calls.Session) (Handle, error) {
	st, err := c.state.Get(ctx, s.ID)
	if err != nil && !errors.Is(err, cache.ErrMiss) {
		c.logger.Warn("working state unavailable", "session_id", s.ID, "err", err)
	}
	if err != nil {
		st = cache.WorkingState{SessionID: s.ID, VerificationID: s.CustomerVerificationID, StoreID: s.StoreID}
	}
	if st.ExpectedQuestions == 0 {
		st.ExpectedQuestions = s.ExpectedQuestions
	}

	h, err := c.client.StartConversation(ctx, StartRequest{
		SessionID:         s.ID,
		VerificationID:    s.CustomerVerificationID,
		StoreID:           s.StoreID,
		ExpectedQuestions: st.ExpectedQuestions,
		BusinessContext:   st.BusinessContext,
	})
	if err != nil {
		return Handle{}, err
	}

	st.AIConversationID = h.ConversationID
	st.UpdatedAt = c.clock().UTC()
	if err := c.state.Put(ctx, st); err != nil {
		c.logger.Warn("failed to cache ai handle", "session_id", s.ID, "err", err)
	}
	return h, nil
}

// End stops the conversation (if one is known) and drops the working state. Best effort.
func (c *Coordinator) End(ctx context.Context, s calls.Session) error {
	st, err := c.state.Get(ctx, s.ID)
	if errors.Is(err, cache.ErrMiss) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ai: load working state: %w", err)
	}

	var endErr error
	if st.AIConversationID != "" && s.Status != calls.StatusCompleted {
		endErr = c.client.EndConversation(ctx, Handle{SessionID: s.ID, ConversationID: st.AIConversationID})
	}
	if err := c.state.Delete(ctx, s.ID); err != nil {
		c.logger.Warn("failed to drop working state", "session_id", s.ID, "err", err)
	}
	return endErr
}

// OnTerminal adapts End to the orchestrator's terminal hook.
func (c *Coordinator) OnTerminal(ctx context.Context, s calls.Session) {
	if err := c.End(ctx, s); err != nil {
		c.logger.Warn("ai conversation end failed", "session_id", s.ID, "status", s.Status, "err", err)
	}
}
