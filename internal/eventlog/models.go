package eventlog

import (
	"encoding/json"
	"time"
)

// Event is an immutable, append-only call event record.
//
// Invariants:
// - Events are never updated or deleted.
// - session_id is required; events are ordered by (created_at, seq) within a session.
// - Audio payloads are never stored, only their size and format.
//
// Storage (Postgres): table call_events, INSERT-only. See Schema.
type Event struct {
	ID        string `json:"id" db:"id"`
	Seq       int64  `json:"seq,omitempty" db:"seq"`
	SessionID string `json:"session_id" db:"session_id"`

	Type EventType `json:"event_type" db:"event_type"`

	// ProviderID names the telephony provider or "ai" when applicable.
	ProviderID string `json:"provider_id,omitempty" db:"provider_id"`

	Payload json.RawMessage `json:"payload,omitempty" db:"payload"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventSessionCreated   EventType = "session_created"
	EventProviderAttempt  EventType = "provider_attempt"
	EventTransition       EventType = "status_transition"
	EventProviderWebhook  EventType = "provider_webhook"
	EventAIEvent          EventType = "ai_event"
	EventAudioChunk       EventType = "audio_chunk"
	EventResponseRecorded EventType = "response_recorded"
	EventJobScheduled     EventType = "job_scheduled"
	EventError            EventType = "error"
)
