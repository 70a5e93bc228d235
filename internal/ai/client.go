package ai

import (
	"context"
	"errors"
)

// StartRequest carries what the AI needs to run a feedback conversation.
type StartRequest struct {
	SessionID         string            `json:"session_id"`
	VerificationID    string            `json:"verification_id"`
	StoreID           string            `json:"store_id"`
	ExpectedQuestions int               `json:"expected_questions"`
	BusinessContext   map[string]string `json:"business_context,omitempty"`
}

// Handle identifies a running AI conversation.
type Handle struct {
	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id"`
}

// Client controls AI voice conversations. Audio flows provider → AI directly;
// this channel only starts and stops the conversation.
type Client interface {
	StartConversation(ctx context.Context, req StartRequest) (Handle, error)
	EndConversation(ctx context.Context, h Handle) error
}

var (
	ErrRejected       = errors.New("ai: conversation rejected")
	ErrUnknownSession = errors.New("ai: unknown session")
)
