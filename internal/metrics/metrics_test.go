package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTransitionCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Transition("connecting", "in_progress", "provider_webhook")
	m.Transition("connecting", "in_progress", "provider_webhook")
	m.Transition("in_progress", "timeout", "monitor")

	expected := `
		# HELP feedback_calls_transitions_total Applied session status transitions
		# TYPE feedback_calls_transitions_total counter
		feedback_calls_transitions_total{from="connecting",source="provider_webhook",to="in_progress"} 2
		feedback_calls_transitions_total{from="in_progress",source="monitor",to="timeout"} 1
	`
	if err := testutil.CollectAndCompare(m.Transitions, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestProviderAttemptResult(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ProviderAttempt("twilio", errors.New("503"))
	m.ProviderAttempt("sip", nil)

	if got := testutil.ToFloat64(m.ProviderAttempts.WithLabelValues("twilio", "error")); got != 1 {
		t.Fatalf("expected 1 twilio error, got %v", got)
	}
	if got := testutil.ToFloat64(m.ProviderAttempts.WithLabelValues("sip", "success")); got != 1 {
		t.Fatalf("expected 1 sip success, got %v", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Transition("a", "b", "c")
	m.Alert("duration", "critical")
	m.SetActiveCalls(3)
	m.CallFinished("twilio", "completed", 10, 100)
}

func TestHandlerServesRegistry(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := New(prometheus.NewRegistry())
	m.Alert("cost", "warning")

	r := gin.New()
	r.Use(m.Middleware())
	r.GET("/metrics", gin.WrapH(m.Handler()))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `feedback_calls_alerts_total{severity="warning",type="cost"} 1`) {
		t.Fatalf("expected alert counter in output")
	}
}
