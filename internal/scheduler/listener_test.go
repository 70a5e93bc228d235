package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordingHandler struct {
	mu   sync.Mutex
	seen []string
	done chan struct{}
}

func (h *recordingHandler) Handle(ctx context.Context, ev VerificationEvent) (Outcome, error) {
	h.mu.Lock()
	h.seen = append(h.seen, ev.VerificationID)
	h.mu.Unlock()
	h.done <- struct{}{}
	return Outcome{Decision: DecisionInitiated}, nil
}

func TestListener_DeliversValidEvents(t *testing.T) {
	src := NewChanSource(4)
	h := &recordingHandler{done: make(chan struct{}, 4)}
	l := NewListener(src, h, ListenerConfig{MaxConcurrency: 2})

	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	src.Publish([]byte(`not json`))
	src.Publish([]byte(`{"verification_id":"v1","customer_phone":"+46701234567","store_id":"store-1","verification_score":0.9}`))

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("event not delivered")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.seen) != 1 || h.seen[0] != "v1" {
		t.Fatalf("expected only the valid event, got %v", h.seen)
	}
}

func TestListener_StopWithoutStart(t *testing.T) {
	l := NewListener(NewChanSource(0), &recordingHandler{}, ListenerConfig{})
	if err := l.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
