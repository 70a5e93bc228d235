package ai

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const SignatureHeader = "X-AI-Signature"

type EventKind string

const (
	EventSessionStarted   EventKind = "session_started"
	EventQuestionAnswered EventKind = "question_answered"
	EventSessionCompleted EventKind = "session_completed"
	EventSessionFailed    EventKind = "session_failed"
	EventAudioChunk       EventKind = "audio_chunk"
)

func (k EventKind) valid() bool {
	switch k {
	case EventSessionStarted, EventQuestionAnswered, EventSessionCompleted, EventSessionFailed, EventAudioChunk:
		return true
	}
	return false
}

// Event is an AI service webhook.
type Event struct {
	SessionID string          `json:"sessionId"`
	Event     EventKind       `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

type QuestionAnswer struct {
	QuestionID   string    `json:"question_id"`
	ResponseText string    `json:"response_text"`
	Confidence   float64   `json:"confidence"`
	Sentiment    string    `json:"sentiment"`
	AskedAt      time.Time `json:"asked_at"`
	RespondedAt  time.Time `json:"responded_at"`
}

type Completion struct {
	DurationSeconds   int    `json:"duration_seconds"`
	QuestionsAnswered int    `json:"questions_answered"`
	TranscriptRef     string `json:"transcript_ref"`
}

type Failure struct {
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// AudioChunk is metadata only; audio payloads are never persisted.
type AudioChunk struct {
	SizeBytes int    `json:"size_bytes"`
	Format    string `json:"format"`
}

var ErrMalformedEvent = errors.New("ai: malformed event")

func ParseEvent(body []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(body, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if strings.TrimSpace(e.SessionID) == "" {
		return Event{}, fmt.Errorf("%w: missing sessionId", ErrMalformedEvent)
	}
	if !e.Event.valid() {
		return Event{}, fmt.Errorf("%w: unknown event %q", ErrMalformedEvent, e.Event)
	}
	return e, nil
}

func (e Event) Answer() (QuestionAnswer, error) {
	var a QuestionAnswer
	if err := e.decode(&a); err != nil {
		return a, err
	}
	if a.QuestionID == "" {
		return a, fmt.Errorf("%w: missing question_id", ErrMalformedEvent)
	}
	return a, nil
}

func (e Event) Completion() (Completion, error) {
	var c Completion
	err := e.decode(&c)
	if c.DurationSeconds < 0 {
		c.DurationSeconds = 0
	}
	return c, err
}

func (e Event) Failure() (Failure, error) {
	var f Failure
	return f, e.decode(&f)
}

func (e Event) AudioChunk() (AudioChunk, error) {
	var a AudioChunk
	return a, e.decode(&a)
}

func (e Event) decode(v any) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return nil
}

// Sign returns hex(HMAC-SHA256(secret, body)).
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func VerifySignature(secret, body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	return hmac.Equal([]byte(strings.ToLower(signature)), []byte(Sign(secret, body)))
}
