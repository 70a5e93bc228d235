package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"feedback-calls/internal/ai"
	"feedback-calls/internal/cache"
	"feedback-calls/internal/calls"
	"feedback-calls/internal/eventlog"
	"feedback-calls/internal/jobs"
	"feedback-calls/internal/pricing"
	"feedback-calls/internal/telephony"
)

type stubProvider struct {
	name   string
	callID string
	err    error
	onDial func()

	mu      sync.Mutex
	dialed  int
	hangups []string
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) InitiateCall(ctx context.Context, req telephony.InitiateCallRequest) (telephony.InitiateCallResult, error) {
	p.mu.Lock()
	p.dialed++
	p.mu.Unlock()
	if p.onDial != nil {
		p.onDial()
	}
	if p.err != nil {
		return telephony.InitiateCallResult{Status: telephony.InitiateFailed}, p.err
	}
	return telephony.InitiateCallResult{CallID: p.callID, Status: telephony.InitiateQueued}, nil
}

func (p *stubProvider) HangupCall(ctx context.Context, callID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hangups = append(p.hangups, callID)
	return nil
}

func (p *stubProvider) VerifyWebhook(r *http.Request, body []byte) error { return nil }

func (p *stubProvider) NormalizeWebhook(r *http.Request, body []byte) (telephony.WebhookEvent, error) {
	return telephony.WebhookEvent{}, errors.New("not used")
}

func (p *stubProvider) Hangups() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.hangups...)
}

// ctxRepo honours cancellation the way a database-backed repository does.
type ctxRepo struct {
	*calls.MemoryRepo
}

func (r ctxRepo) Transition(ctx context.Context, id string, from []calls.Status, to calls.Status, mutate calls.Mutator) (calls.Session, bool, error) {
	if err := ctx.Err(); err != nil {
		return calls.Session{}, false, err
	}
	return r.MemoryRepo.Transition(ctx, id, from, to, mutate)
}

type stubAI struct {
	mu      sync.Mutex
	err     error
	started []string
}

func (a *stubAI) Start(ctx context.Context, s calls.Session) (ai.Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return ai.Handle{}, a.err
	}
	a.started = append(a.started, s.ID)
	return ai.Handle{SessionID: s.ID, ConversationID: "conv-" + s.ID}, nil
}

type stubRewards struct {
	mu    sync.Mutex
	calls int
}

func (r *stubRewards) Quote(ctx context.Context, s calls.Session) (calls.RewardInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	amount := int64(500)
	return calls.RewardInfo{Status: "granted", AmountMinor: &amount, Currency: "SEK"}, nil
}

type harness struct {
	o        *Orchestrator
	repo     *calls.MemoryRepo
	events   *eventlog.MemoryRepo
	jobs     *jobs.MemoryStore
	primary  *stubProvider
	fallback *stubProvider
	ai       *stubAI
	rewards  *stubRewards

	mu       sync.Mutex
	terminal []calls.Session
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		repo:     calls.NewMemoryRepo(),
		events:   eventlog.NewMemoryRepo(),
		jobs:     jobs.NewMemoryStore(),
		primary:  &stubProvider{name: "twilio", callID: "CA1"},
		fallback: &stubProvider{name: "sip", callID: "sip-1"},
		ai:       &stubAI{},
		rewards:  &stubRewards{},
	}
	fo, err := telephony.NewFailover([]telephony.Provider{h.primary, h.fallback}, nil)
	if err != nil {
		t.Fatalf("failover: %v", err)
	}
	o, err := New(Deps{
		Repo:      ctxRepo{h.repo},
		Events:    eventlog.NewService(h.events),
		Providers: fo,
		AI:        h.ai,
		Pricing: pricing.NewTracker(pricing.Rates{
			Currency:               "SEK",
			ProviderPerMinuteMinor: map[string]int64{"twilio": 100, "sip": 50},
			AIPerMinuteMinor:       200,
		}),
		Jobs:    h.jobs,
		State:   cache.NewMemoryStateStore(time.Hour),
		Rewards: h.rewards,
	}, Config{NoAnswerTimeout: 30 * time.Second, MaxDuration: 120 * time.Second})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	o.OnTerminal(func(ctx context.Context, s calls.Session) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.terminal = append(h.terminal, s)
	})
	h.o = o
	return h
}

func (h *harness) terminalCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.terminal)
}

func (h *harness) initiate(t *testing.T, verification string) InitiateResult {
	t.Helper()
	res, err := h.o.InitiateCall(context.Background(), InitiateRequest{
		VerificationID: verification,
		StoreID:        "store-1",
		PhoneNumber:    "+46701234567",
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	return res
}

func (h *harness) session(t *testing.T, id string) calls.Session {
	t.Helper()
	s, err := h.repo.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return s
}

func (h *harness) providerEvent(t *testing.T, provider, callID string, status telephony.CallStatus, duration int) {
	t.Helper()
	if _, err := h.o.HandleProviderEvent(context.Background(), telephony.WebhookEvent{
		ProviderID: provider,
		Event:      telephony.EventStatusUpdate,
		Data:       telephony.WebhookData{CallID: callID, Status: status, DurationSeconds: duration},
		Timestamp:  time.Now(),
	}); err != nil {
		t.Fatalf("provider event %s: %v", status, err)
	}
}

func (h *harness) eventsOfType(sessionID string, typ eventlog.EventType) []eventlog.Event {
	var out []eventlog.Event
	for _, e := range h.events.Events() {
		if e.SessionID == sessionID && e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}
