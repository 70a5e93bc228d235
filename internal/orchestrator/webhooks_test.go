package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"feedback-calls/internal/ai"
	"feedback-calls/internal/calls"
	"feedback-calls/internal/eventlog"
	"feedback-calls/internal/telephony"
)

func aiEvent(sessionID string, kind ai.EventKind, data string) ai.Event {
	return ai.Event{SessionID: sessionID, Event: kind, Data: json.RawMessage(data)}
}

func TestAnsweredStartsAIOnce(t *testing.T) {
	h := newHarness(t)
	res := h.initiate(t, "v1")

	h.providerEvent(t, "twilio", "CA1", telephony.CallAnswered, 0)
	h.providerEvent(t, "twilio", "CA1", telephony.CallAnswered, 0)

	s := h.session(t, res.SessionID)
	if s.Status != calls.StatusInProgress || s.ConnectedAt == nil {
		t.Fatalf("expected in_progress with connected_at, got %+v", s)
	}
	if len(h.ai.started) != 1 {
		t.Fatalf("expected one AI start, got %d", len(h.ai.started))
	}
	if n := len(h.eventsOfType(res.SessionID, eventlog.EventTransition)); n != 2 {
		t.Fatalf("expected 2 transitions logged, got %d", n)
	}
}

func TestAIStartFailureFailsCall(t *testing.T) {
	h := newHarness(t)
	h.ai.err = ai.ErrRejected
	res := h.initiate(t, "v1")

	h.providerEvent(t, "twilio", "CA1", telephony.CallAnswered, 0)

	s := h.session(t, res.SessionID)
	if s.Status != calls.StatusFailed || s.FailureReason != "ai_service_failure" {
		t.Fatalf("expected failed/ai_service_failure, got %+v", s)
	}
	if len(h.primary.Hangups()) != 1 {
		t.Fatalf("expected the live call to be hung up")
	}
}

func TestAICompletionWithoutTelephonyEnd(t *testing.T) {
	h := newHarness(t)
	res := h.initiate(t, "v1")
	h.providerEvent(t, "twilio", "CA1", telephony.CallAnswered, 0)

	err := h.o.HandleAIEvent(context.Background(), aiEvent(res.SessionID, ai.EventSessionCompleted,
		`{"duration_seconds":95,"questions_answered":3,"transcript_ref":"t/1"}`))
	if err != nil {
		t.Fatalf("ai event: %v", err)
	}

	s := h.session(t, res.SessionID)
	if s.Status != calls.StatusCompleted || s.TranscriptRef != "t/1" {
		t.Fatalf("expected completed, got %+v", s)
	}
	if s.QuestionsAnswered == nil || *s.QuestionsAnswered != 3 {
		t.Fatalf("expected 3 questions answered, got %v", s.QuestionsAnswered)
	}
	if s.ActualDurationSeconds == nil || *s.ActualDurationSeconds != 95 {
		t.Fatalf("expected duration 95, got %v", s.ActualDurationSeconds)
	}
	// 2 started minutes × (100 provider + 200 AI)
	if s.ActualCostMinor == nil || *s.ActualCostMinor != 600 {
		t.Fatalf("expected cost 600, got %v", s.ActualCostMinor)
	}
	if len(h.primary.Hangups()) != 1 {
		t.Fatalf("expected provider call hung up after AI completion")
	}

	// The late telephony end neither changes status nor rewrites the totals.
	h.providerEvent(t, "twilio", "CA1", telephony.CallCompleted, 140)
	s = h.session(t, res.SessionID)
	if s.Status != calls.StatusCompleted || *s.ActualDurationSeconds != 95 || *s.ActualCostMinor != 600 {
		t.Fatalf("terminal session changed: %+v", s)
	}
	if h.terminalCount() != 1 {
		t.Fatalf("expected one terminal hook run, got %d", h.terminalCount())
	}
}

func TestTelephonyCompletedFirstWins(t *testing.T) {
	h := newHarness(t)
	res := h.initiate(t, "v1")
	h.providerEvent(t, "twilio", "CA1", telephony.CallAnswered, 0)
	h.providerEvent(t, "twilio", "CA1", telephony.CallCompleted, 61)

	if err := h.o.HandleAIEvent(context.Background(), aiEvent(res.SessionID, ai.EventSessionFailed,
		`{"error_code":"late","error_message":"too late"}`)); err != nil {
		t.Fatalf("ai event: %v", err)
	}
	s := h.session(t, res.SessionID)
	if s.Status != calls.StatusCompleted || *s.ActualDurationSeconds != 61 {
		t.Fatalf("expected completed/61s, got %+v", s)
	}
	if len(h.primary.Hangups()) != 0 {
		t.Fatalf("provider-ended calls are not hung up again")
	}
}

func TestProviderEndedBeforeAnswer(t *testing.T) {
	h := newHarness(t)
	res := h.initiate(t, "v1")
	h.providerEvent(t, "twilio", "CA1", telephony.CallCompleted, 0)

	s := h.session(t, res.SessionID)
	if s.Status != calls.StatusFailed || s.FailureReason != "ended_before_answer" {
		t.Fatalf("expected failed/ended_before_answer, got %+v", s)
	}
	if *s.ActualDurationSeconds != 0 || *s.ActualCostMinor != 0 {
		t.Fatalf("unanswered calls cost nothing, got %+v", s)
	}
}

func TestProviderBusyKeepsRawCodeInternal(t *testing.T) {
	h := newHarness(t)
	res := h.initiate(t, "v1")

	if _, err := h.o.HandleProviderEvent(context.Background(), telephony.WebhookEvent{
		ProviderID: "twilio",
		Event:      telephony.EventStatusUpdate,
		Data:       telephony.WebhookData{CallID: "CA1", Status: telephony.CallBusy, ErrorCode: "31486"},
	}); err != nil {
		t.Fatalf("event: %v", err)
	}
	s := h.session(t, res.SessionID)
	if s.Status != calls.StatusFailed || s.FailureReason != "busy" {
		t.Fatalf("expected failed/busy, got %+v", s)
	}
	if errs := h.eventsOfType(res.SessionID, eventlog.EventError); len(errs) != 1 {
		t.Fatalf("expected raw code in the event log, got %d error events", len(errs))
	}
	v, err := h.o.Status(context.Background(), res.SessionID, true)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	raw, _ := json.Marshal(v)
	if strings.Contains(string(raw), "31486") {
		t.Fatalf("provider code leaked into public status: %s", raw)
	}
}

func TestProviderEvent_UnknownCall(t *testing.T) {
	h := newHarness(t)
	_, err := h.o.HandleProviderEvent(context.Background(), telephony.WebhookEvent{
		ProviderID: "twilio",
		Data:       telephony.WebhookData{CallID: "nope", Status: telephony.CallAnswered},
	})
	if !errors.Is(err, telephony.ErrUnknownCall) {
		t.Fatalf("expected ErrUnknownCall, got %v", err)
	}
}

func TestAIEvents_ResponsesAndAudio(t *testing.T) {
	h := newHarness(t)
	res := h.initiate(t, "v1")
	h.providerEvent(t, "twilio", "CA1", telephony.CallAnswered, 0)
	ctx := context.Background()

	answer := aiEvent(res.SessionID, ai.EventQuestionAnswered,
		`{"question_id":"q1","response_text":"Fast service","confidence":0.9}`)
	for i := 0; i < 2; i++ {
		if err := h.o.HandleAIEvent(ctx, answer); err != nil {
			t.Fatalf("answer: %v", err)
		}
	}
	rs, _ := h.repo.ListResponses(ctx, res.SessionID)
	if len(rs) != 1 || rs[0].ResponseText != "Fast service" {
		t.Fatalf("expected a single response, got %+v", rs)
	}

	if err := h.o.HandleAIEvent(ctx, aiEvent(res.SessionID, ai.EventAudioChunk, `{"size_bytes":3200,"format":"pcm16"}`)); err != nil {
		t.Fatalf("audio: %v", err)
	}
	if n := len(h.eventsOfType(res.SessionID, eventlog.EventAudioChunk)); n != 1 {
		t.Fatalf("expected audio metadata event, got %d", n)
	}

	err := h.o.HandleAIEvent(ctx, aiEvent(res.SessionID, ai.EventQuestionAnswered, `{"response_text":"x"}`))
	if !errors.Is(err, ai.ErrMalformedEvent) {
		t.Fatalf("expected malformed event, got %v", err)
	}
}

func TestAIEvent_UnknownSession(t *testing.T) {
	h := newHarness(t)
	err := h.o.HandleAIEvent(context.Background(), aiEvent("ghost", ai.EventSessionStarted, `{}`))
	if !errors.Is(err, ai.ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
}

func TestForceTerminate(t *testing.T) {
	h := newHarness(t)
	res := h.initiate(t, "v1")
	h.providerEvent(t, "twilio", "CA1", telephony.CallAnswered, 0)

	applied, err := h.o.ForceTerminate(context.Background(), res.SessionID, "duration_exceeded")
	if err != nil || !applied {
		t.Fatalf("expected applied, got %v %v", applied, err)
	}
	s := h.session(t, res.SessionID)
	if s.Status != calls.StatusTimeout || s.FailureReason != "duration_exceeded" {
		t.Fatalf("expected timeout, got %+v", s)
	}
	if len(h.primary.Hangups()) != 1 {
		t.Fatalf("expected hangup")
	}

	applied, err = h.o.ForceTerminate(context.Background(), res.SessionID, "duration_exceeded")
	if err != nil || applied {
		t.Fatalf("second force must be a no-op, got %v %v", applied, err)
	}
	if _, err := h.o.ForceTerminate(context.Background(), "ghost", "x"); !HasCode(err, CodeSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
