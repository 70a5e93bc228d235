package telephony

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Provider defines the provider-agnostic interface used by the orchestrator.
//
// Rules:
// - No provider REST/webhook details outside telephony adapters.
// - Request/response types stay provider-agnostic; raw payloads go to the event log if needed.
// - Adapters never decide session state; they only translate boundary events.
type Provider interface {
	Name() string

	InitiateCall(ctx context.Context, req InitiateCallRequest) (InitiateCallResult, error)
	HangupCall(ctx context.Context, callID string) error

	// VerifyWebhook authenticates an inbound webhook. body is the raw request body.
	VerifyWebhook(r *http.Request, body []byte) error
	NormalizeWebhook(r *http.Request, body []byte) (WebhookEvent, error)
}

// MediaBridge is implemented by providers that fetch call instructions on answer
// and need to be told where to stream call audio.
type MediaBridge interface {
	StreamResponse(streamURL, sessionID string) (contentType string, body []byte, err error)
}

type InitiateCallRequest struct {
	SessionID string `json:"session_id"`

	// To is the destination number in E.164.
	To string `json:"to"`

	TimeoutSeconds     int  `json:"timeout_seconds"`
	MaxDurationSeconds int  `json:"max_duration_seconds"`
	Record             bool `json:"record"`
}

type InitiateCallResult struct {
	CallID string         `json:"call_id"`
	Status InitiateStatus `json:"status"`
}

type InitiateStatus string

const (
	InitiateQueued InitiateStatus = "queued"
	InitiateFailed InitiateStatus = "failed"
)

type EventKind string

const (
	// EventVoiceStart is sent when the callee answers and the provider asks how to proceed.
	EventVoiceStart   EventKind = "voice_start"
	EventStatusUpdate EventKind = "status_update"
)

// CallStatus is the normalized provider call status.
type CallStatus string

const (
	CallQueued    CallStatus = "queued"
	CallRinging   CallStatus = "ringing"
	CallAnswered  CallStatus = "answered"
	CallCompleted CallStatus = "completed"
	CallBusy      CallStatus = "busy"
	CallNoAnswer  CallStatus = "no_answer"
	CallFailed    CallStatus = "failed"
	CallCanceled  CallStatus = "canceled"
)

// WebhookEvent is a provider webhook after verification and normalization.
type WebhookEvent struct {
	ProviderID string      `json:"provider_id"`
	Event      EventKind   `json:"event"`
	Data       WebhookData `json:"data"`
	Timestamp  time.Time   `json:"timestamp"`

	// SessionID is echoed back by providers that support callback metadata. Lookups use CallID.
	SessionID string `json:"session_id,omitempty"`
}

type WebhookData struct {
	CallID          string     `json:"call_id"`
	Status          CallStatus `json:"status"`
	DurationSeconds int        `json:"duration_seconds,omitempty"`
	ErrorCode       string     `json:"error_code,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
}

var (
	ErrInvalidSignature = errors.New("telephony: invalid webhook signature")
	ErrMalformedWebhook = errors.New("telephony: malformed webhook")
	ErrUnknownProvider  = errors.New("telephony: unknown provider")
)

// APIError is a non-2xx response from a provider REST API.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return e.Provider + ": api error (" + http.StatusText(e.StatusCode) + "): " + e.Body
}
