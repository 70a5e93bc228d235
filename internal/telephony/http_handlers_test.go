package telephony

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
	events    []WebhookEvent
	sessionID string
	err       error
}

func (s *recordingSink) HandleProviderEvent(ctx context.Context, ev WebhookEvent) (string, error) {
	s.events = append(s.events, ev)
	return s.sessionID, s.err
}

type bridgingProvider struct{ *fakeProvider }

func (p bridgingProvider) StreamResponse(streamURL, sessionID string) (string, []byte, error) {
	xml, err := RenderStreamTwiML(streamURL, sessionID)
	return "application/xml", []byte(xml), err
}

type staticLookup map[string]Provider

func (l staticLookup) Provider(name string) (Provider, bool) {
	p, ok := l[name]
	return p, ok
}

func newWebhookRouter(h WebhookHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/webhooks/telephony/:provider", h.Handle)
	return r
}

func post(r *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader("CallSid=CA1"))
	r.ServeHTTP(w, req)
	return w
}

func TestWebhookHandler_InvalidSignatureNeverReachesSink(t *testing.T) {
	sink := &recordingSink{}
	p := &fakeProvider{name: "twilio", verifyErr: ErrInvalidSignature}
	r := newWebhookRouter(WebhookHandler{Providers: staticLookup{"twilio": p}, Sink: sink})

	w := post(r, "/webhooks/telephony/twilio")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if len(sink.events) != 0 {
		t.Fatalf("sink must not see unauthenticated events")
	}
}

func TestWebhookHandler_UnknownProvider(t *testing.T) {
	r := newWebhookRouter(WebhookHandler{Providers: staticLookup{}, Sink: &recordingSink{}})
	if w := post(r, "/webhooks/telephony/vonage"); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestWebhookHandler_VoiceStartRendersStream(t *testing.T) {
	sink := &recordingSink{sessionID: "s-1"}
	p := bridgingProvider{&fakeProvider{name: "twilio", event: WebhookEvent{
		ProviderID: "twilio", Event: EventVoiceStart, Data: WebhookData{CallID: "CA1", Status: CallAnswered},
	}}}
	r := newWebhookRouter(WebhookHandler{Providers: staticLookup{"twilio": p}, Sink: sink, StreamURL: "wss://ai.example.com/media"})

	w := post(r, "/webhooks/telephony/twilio")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `value="s-1"`) {
		t.Fatalf("expected stream twiml, got %s", w.Body.String())
	}
	if len(sink.events) != 1 || sink.events[0].Data.CallID != "CA1" {
		t.Fatalf("unexpected sink events %+v", sink.events)
	}
}

func TestWebhookHandler_StatusUpdateNoContent(t *testing.T) {
	sink := &recordingSink{sessionID: "s-1"}
	p := &fakeProvider{name: "sip", event: WebhookEvent{ProviderID: "sip", Event: EventStatusUpdate, Data: WebhookData{CallID: "fs-1", Status: CallCompleted}}}
	r := newWebhookRouter(WebhookHandler{Providers: staticLookup{"sip": p}, Sink: sink})

	if w := post(r, "/webhooks/telephony/sip"); w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
}

func TestWebhookHandler_UnknownCallAcknowledged(t *testing.T) {
	sink := &recordingSink{err: ErrUnknownCall}
	p := bridgingProvider{&fakeProvider{name: "twilio", event: WebhookEvent{Event: EventVoiceStart, Data: WebhookData{CallID: "CA404"}}}}
	r := newWebhookRouter(WebhookHandler{Providers: staticLookup{"twilio": p}, Sink: sink, StreamURL: "wss://ai"})

	w := post(r, "/webhooks/telephony/twilio")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "<Hangup>") {
		t.Fatalf("expected hangup twiml, got %d %s", w.Code, w.Body.String())
	}
}

func TestWebhookHandler_SinkErrorIs500(t *testing.T) {
	sink := &recordingSink{err: errors.New("db down")}
	p := &fakeProvider{name: "sip", event: WebhookEvent{Event: EventStatusUpdate, Data: WebhookData{CallID: "fs-1"}}}
	r := newWebhookRouter(WebhookHandler{Providers: staticLookup{"sip": p}, Sink: sink})

	if w := post(r, "/webhooks/telephony/sip"); w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}
