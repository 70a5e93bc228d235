package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for call events.
// It is append-only; there are no Update/Delete methods.
type Repository interface {
	Append(ctx context.Context, e Event) error
	List(ctx context.Context, sessionID string) ([]Event, error)
}

// Service records the per-session timeline.
//
// Callers treat logging as best-effort: a failed append is logged by the caller
// and never blocks a state transition.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("eventlog: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("eventlog: repository not configured")
	}
	if e.SessionID == "" || e.Type == "" {
		return ErrInvalidEvent
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	if len(e.Payload) == 0 {
		e.Payload = json.RawMessage(`{}`)
	}
	return s.repo.Append(ctx, e)
}

// Timeline returns a session's events in creation order.
func (s *Service) Timeline(ctx context.Context, sessionID string) ([]Event, error) {
	if s.repo == nil {
		return nil, errors.New("eventlog: repository not configured")
	}
	return s.repo.List(ctx, sessionID)
}

func (s *Service) appendPayload(ctx context.Context, sessionID string, typ EventType, providerID string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.Append(ctx, Event{
		SessionID:  sessionID,
		Type:       typ,
		ProviderID: providerID,
		Payload:    raw,
	})
}

func (s *Service) LogSessionCreated(ctx context.Context, sessionID, verificationID string, retryCount int) error {
	return s.appendPayload(ctx, sessionID, EventSessionCreated, "", map[string]any{
		"customer_verification_id": verificationID,
		"retry_count":              retryCount,
	})
}

// LogProviderAttempt records one failover attempt. err is nil on success.
func (s *Service) LogProviderAttempt(ctx context.Context, sessionID, providerID, providerCallID string, err error) error {
	p := map[string]any{"success": err == nil}
	if providerCallID != "" {
		p["provider_call_id"] = providerCallID
	}
	if err != nil {
		p["message"] = err.Error()
	}
	return s.appendPayload(ctx, sessionID, EventProviderAttempt, providerID, p)
}

func (s *Service) LogTransition(ctx context.Context, sessionID, providerID, from, to, source, reason string) error {
	p := map[string]any{"from": from, "to": to, "source": source}
	if reason != "" {
		p["reason"] = reason
	}
	return s.appendPayload(ctx, sessionID, EventTransition, providerID, p)
}

func (s *Service) LogWebhook(ctx context.Context, sessionID, providerID, event string, data any) error {
	return s.appendPayload(ctx, sessionID, EventProviderWebhook, providerID, map[string]any{
		"event": event,
		"data":  data,
	})
}

func (s *Service) LogAIEvent(ctx context.Context, sessionID, event string, data any) error {
	return s.appendPayload(ctx, sessionID, EventAIEvent, "ai", map[string]any{
		"event": event,
		"data":  data,
	})
}

// LogAudioChunk stores metadata only.
func (s *Service) LogAudioChunk(ctx context.Context, sessionID string, sizeBytes int, format string) error {
	return s.appendPayload(ctx, sessionID, EventAudioChunk, "ai", map[string]any{
		"size_bytes": sizeBytes,
		"format":     format,
	})
}

func (s *Service) LogResponse(ctx context.Context, sessionID, questionID string, inserted bool) error {
	return s.appendPayload(ctx, sessionID, EventResponseRecorded, "ai", map[string]any{
		"question_id": questionID,
		"inserted":    inserted,
	})
}

func (s *Service) LogJobScheduled(ctx context.Context, sessionID, kind string, runAt time.Time) error {
	return s.appendPayload(ctx, sessionID, EventJobScheduled, "", map[string]any{
		"kind":   kind,
		"run_at": runAt.UTC(),
	})
}

// LogError keeps raw provider codes for replay; they never leave the event log.
func (s *Service) LogError(ctx context.Context, sessionID, providerID, code, message string) error {
	return s.appendPayload(ctx, sessionID, EventError, providerID, map[string]any{
		"provider": providerID,
		"code":     code,
		"message":  message,
	})
}
