package orchestrator

import (
	"context"
	"errors"
	"testing"

	"feedback-calls/internal/calls"
	"feedback-calls/internal/eventlog"
	"feedback-calls/internal/jobs"
)

func TestInitiateCall_PrimarySucceeds(t *testing.T) {
	h := newHarness(t)

	res := h.initiate(t, "v1")
	if res.Status != calls.StatusConnecting || res.ProviderID != "twilio" || res.ProviderCallID != "CA1" {
		t.Fatalf("unexpected result %+v", res)
	}
	s := h.session(t, res.SessionID)
	if s.Priority != calls.PriorityNormal || s.ExpectedQuestions != 3 {
		t.Fatalf("unexpected defaults %+v", s)
	}

	js := h.jobs.List()
	if len(js) != 1 || js[0].Kind != jobs.KindNoAnswerCheck || js[0].DedupeKey != "no-answer:"+res.SessionID {
		t.Fatalf("expected a no-answer check job, got %+v", js)
	}
	if d := js[0].RunAt.Sub(s.InitiatedAt); d < 29e9 || d > 31e9 {
		t.Fatalf("expected check ~30s after initiation, got %s", d)
	}
}

func TestInitiateCall_FallsBackToSecondProvider(t *testing.T) {
	h := newHarness(t)
	h.primary.err = errors.New("503 from upstream")

	res := h.initiate(t, "v1")
	if res.ProviderID != "sip" || res.ProviderCallID != "sip-1" {
		t.Fatalf("expected fallback provider, got %+v", res)
	}
	attempts := h.eventsOfType(res.SessionID, eventlog.EventProviderAttempt)
	if len(attempts) != 2 || attempts[0].ProviderID != "twilio" || attempts[1].ProviderID != "sip" {
		t.Fatalf("expected both attempts logged in order, got %+v", attempts)
	}
}

func TestInitiateCall_AllProvidersFail(t *testing.T) {
	h := newHarness(t)
	h.primary.err = errors.New("down")
	h.fallback.err = errors.New("also down")

	_, err := h.o.InitiateCall(context.Background(), InitiateRequest{
		VerificationID: "v1", StoreID: "store-1", PhoneNumber: "+46701234567",
	})
	e, ok := AsError(err)
	if !ok || e.Code != CodeCallInitiationFailed || e.Kind != KindProvider {
		t.Fatalf("expected CALL_INITIATION_FAILED, got %v", err)
	}
	s := h.session(t, e.SessionID)
	if s.Status != calls.StatusFailed || s.FailureReason != "all_providers_failed" {
		t.Fatalf("expected failed session, got %+v", s)
	}
	if h.terminalCount() != 1 {
		t.Fatalf("expected terminal hook once, got %d", h.terminalCount())
	}
	if len(h.jobs.List()) != 0 {
		t.Fatalf("no no-answer check expected for a call never placed")
	}
}

func TestInitiateCall_Validation(t *testing.T) {
	h := newHarness(t)
	cases := []struct {
		name string
		req  InitiateRequest
		code string
	}{
		{"bad phone", InitiateRequest{VerificationID: "v", StoreID: "s", PhoneNumber: "0701234567"}, CodeInvalidPhoneNumber},
		{"short phone", InitiateRequest{VerificationID: "v", StoreID: "s", PhoneNumber: "+4612"}, CodeInvalidPhoneNumber},
		{"missing store", InitiateRequest{VerificationID: "v", PhoneNumber: "+46701234567"}, CodeInvalidRequest},
		{"retries exhausted", InitiateRequest{VerificationID: "v", StoreID: "s", PhoneNumber: "+46701234567", RetryCount: 4}, CodeMaxRetriesExceeded},
		{"bad priority", InitiateRequest{VerificationID: "v", StoreID: "s", PhoneNumber: "+46701234567", Priority: "urgent"}, CodeInvalidRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.o.InitiateCall(context.Background(), tc.req)
			if !HasCode(err, tc.code) {
				t.Fatalf("expected %s, got %v", tc.code, err)
			}
		})
	}
	if h.primary.dialed != 0 {
		t.Fatalf("invalid requests must not dial")
	}
}

func TestInitiateCall_RejectsSecondActiveSession(t *testing.T) {
	h := newHarness(t)
	h.initiate(t, "v1")

	_, err := h.o.InitiateCall(context.Background(), InitiateRequest{
		VerificationID: "v1", StoreID: "store-1", PhoneNumber: "+46701234567",
	})
	e, ok := AsError(err)
	if !ok || e.Code != CodeCallAlreadyExists || e.Kind != KindConflict {
		t.Fatalf("expected CALL_ALREADY_EXISTS, got %v", err)
	}
	if h.primary.dialed != 1 {
		t.Fatalf("expected a single dial, got %d", h.primary.dialed)
	}
}

func TestCheckNoAnswer(t *testing.T) {
	h := newHarness(t)
	res := h.initiate(t, "v1")

	j := h.jobs.List()[0]
	if err := h.o.HandleNoAnswerJob(context.Background(), j); err != nil {
		t.Fatalf("job: %v", err)
	}
	s := h.session(t, res.SessionID)
	if s.Status != calls.StatusFailed || s.FailureReason != "no_answer" {
		t.Fatalf("expected failed/no_answer, got %+v", s)
	}
	if got := h.primary.Hangups(); len(got) != 1 || got[0] != "CA1" {
		t.Fatalf("expected ringing call hung up, got %v", got)
	}

	// A second delivery of the job is a no-op.
	if err := h.o.HandleNoAnswerJob(context.Background(), j); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if h.terminalCount() != 1 {
		t.Fatalf("terminal hooks must fire once, got %d", h.terminalCount())
	}
}

func TestCheckNoAnswer_AnsweredCallUntouched(t *testing.T) {
	h := newHarness(t)
	res := h.initiate(t, "v1")
	h.providerEvent(t, "twilio", "CA1", "answered", 0)

	applied, err := h.o.CheckNoAnswer(context.Background(), res.SessionID)
	if err != nil || applied {
		t.Fatalf("expected no-op, got applied=%v err=%v", applied, err)
	}
	if s := h.session(t, res.SessionID); s.Status != calls.StatusInProgress {
		t.Fatalf("expected in_progress, got %s", s.Status)
	}
}

func TestHandleNoAnswerJob_UnknownSessionIsPermanent(t *testing.T) {
	h := newHarness(t)
	err := h.o.HandleNoAnswerJob(context.Background(), jobs.Job{
		Kind: jobs.KindNoAnswerCheck, Payload: []byte(`{"session_id":"nope"}`),
	})
	var perm *jobs.PermanentError
	if !errors.As(err, &perm) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestInitiateCall_CancelledCallerStillFailsSession(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.primary.err = errors.New("carrier down")
	h.primary.onDial = cancel

	_, err := h.o.InitiateCall(ctx, InitiateRequest{VerificationID: "v1", StoreID: "store-1", PhoneNumber: "+46701234567"})
	e, ok := AsError(err)
	if !ok || e.Code != CodeCallInitiationFailed {
		t.Fatalf("expected CALL_INITIATION_FAILED, got %v", err)
	}
	if s := h.session(t, e.SessionID); s.Status != calls.StatusFailed {
		t.Fatalf("expected failed session after cancellation, got %s", s.Status)
	}

	h.primary.err = nil
	h.primary.onDial = nil
	res, err := h.o.InitiateCall(context.Background(), InitiateRequest{
		VerificationID: "v1", StoreID: "store-1", PhoneNumber: "+46701234567", RetryCount: 1,
	})
	if err != nil {
		t.Fatalf("retry after cancelled attempt: %v", err)
	}
	if res.Status != calls.StatusConnecting {
		t.Fatalf("expected connecting retry, got %+v", res)
	}
}

func TestInitiateCall_CancelledCallerStillRecordsConnecting(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.primary.onDial = cancel

	res, err := h.o.InitiateCall(ctx, InitiateRequest{VerificationID: "v1", StoreID: "store-1", PhoneNumber: "+46701234567"})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	s := h.session(t, res.SessionID)
	if s.Status != calls.StatusConnecting || s.ProviderCallID != "CA1" {
		t.Fatalf("expected connecting with provider call id, got %+v", s)
	}
	if got := h.jobs.List(); len(got) != 1 || got[0].Kind != jobs.KindNoAnswerCheck {
		t.Fatalf("expected no-answer check scheduled, got %+v", got)
	}
}

func TestFailPending(t *testing.T) {
	h := newHarness(t)
	// A row left in pending by a crash before the call was placed.
	s := calls.Session{ID: "stranded", CustomerVerificationID: "v9", StoreID: "store-1", PhoneNumber: "+46701234567", Status: calls.StatusPending}
	if err := h.repo.Create(context.Background(), s); err != nil {
		t.Fatalf("create: %v", err)
	}

	applied, err := h.o.FailPending(context.Background(), "stranded", "stale_pending")
	if err != nil || !applied {
		t.Fatalf("expected pending session failed, applied=%v err=%v", applied, err)
	}
	got := h.session(t, "stranded")
	if got.Status != calls.StatusFailed || got.FailureReason != "stale_pending" {
		t.Fatalf("unexpected session %+v", got)
	}
	if h.terminalCount() != 1 {
		t.Fatalf("terminal hooks must fire for a stale pending session, got %d", h.terminalCount())
	}

	applied, err = h.o.FailPending(context.Background(), "stranded", "stale_pending")
	if err != nil || applied {
		t.Fatalf("second cleanup must be a no-op, applied=%v err=%v", applied, err)
	}
}
