package ai

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

type recordingSink struct {
	events []Event
	err    error
}

func (s *recordingSink) HandleAIEvent(ctx context.Context, ev Event) error {
	s.events = append(s.events, ev)
	return s.err
}

func serveAI(h WebhookHandler, body, sig string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/webhooks/ai", h.Handle)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/ai", strings.NewReader(body))
	if sig != "" {
		req.Header.Set(SignatureHeader, sig)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestWebhookHandler_SignatureRequired(t *testing.T) {
	sink := &recordingSink{}
	h := WebhookHandler{Secret: []byte("s"), Sink: sink}
	body := `{"sessionId":"s1","event":"session_started"}`

	if w := serveAI(h, body, "deadbeef"); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if len(sink.events) != 0 {
		t.Fatalf("sink must not see unauthenticated events")
	}
	if w := serveAI(h, body, Sign([]byte("s"), []byte(body))); w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
}

func TestWebhookHandler_RejectsWhenSecretMissing(t *testing.T) {
	sink := &recordingSink{}
	body := `{"sessionId":"s1","event":"session_completed","data":{"questionsAnswered":3}}`

	if w := serveAI(WebhookHandler{Sink: sink}, body, ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a configured secret, got %d", w.Code)
	}
	if w := serveAI(WebhookHandler{Sink: sink}, body, Sign(nil, []byte(body))); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a signature over an empty key, got %d", w.Code)
	}
	if len(sink.events) != 0 {
		t.Fatalf("sink must not see events without a configured secret")
	}
}

func TestWebhookHandler_Outcomes(t *testing.T) {
	secret := []byte("s")
	body := `{"sessionId":"s1","event":"session_completed"}`
	sig := Sign(secret, []byte(body))

	if w := serveAI(WebhookHandler{Secret: secret, Sink: &recordingSink{err: ErrUnknownSession}}, body, sig); w.Code != http.StatusNoContent {
		t.Fatalf("unknown session should be acknowledged, got %d", w.Code)
	}
	if w := serveAI(WebhookHandler{Secret: secret, Sink: &recordingSink{err: errors.New("db")}}, body, sig); w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	bad := `{"event":"x"}`
	if w := serveAI(WebhookHandler{Secret: secret, Sink: &recordingSink{}}, bad, Sign(secret, []byte(bad))); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}
