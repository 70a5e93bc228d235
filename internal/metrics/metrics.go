package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the service's Prometheus collectors.
//
// All recording methods are nil-safe so components can run without metrics in tests.
//
// Usage:
//
//	reg := prometheus.NewRegistry()
//	m := metrics.New(reg)
//	m.Transition("connecting", "in_progress", "provider_webhook")
type Metrics struct {
	// Initiations counts initiateCall outcomes.
	// Labels: provider (empty when every provider failed), result (connecting|failed|rejected|duplicate)
	Initiations *prometheus.CounterVec

	// ProviderAttempts counts individual provider tries inside failover.
	// Labels: provider, result (success|error)
	ProviderAttempts *prometheus.CounterVec

	// Transitions counts applied status transitions.
	// Labels: from, to, source
	Transitions *prometheus.CounterVec

	// TransitionNoops counts conditional transitions that did not apply (duplicates, late webhooks).
	// Labels: to, source
	TransitionNoops *prometheus.CounterVec

	// CallDuration observes final call durations in seconds.
	// Labels: provider, status
	CallDuration *prometheus.HistogramVec

	// CallCost observes final call cost in minor currency units.
	// Labels: provider
	CallCost *prometheus.HistogramVec

	// ActiveCalls is the number of non-terminal sessions seen by the last monitor sweep.
	ActiveCalls prometheus.Gauge

	// Alerts counts monitor alerts that passed cooldown.
	// Labels: type, severity
	Alerts *prometheus.CounterVec

	// Webhooks counts inbound webhooks.
	// Labels: source (provider name|ai), result (accepted|unauthorized|malformed|unknown_call|unknown_session|error)
	Webhooks *prometheus.CounterVec

	// Jobs counts delayed job executions.
	// Labels: kind, result (success|retry|dead)
	Jobs *prometheus.CounterVec

	// Verifications counts scheduling decisions for verification events.
	// Labels: decision (initiated|scheduled|skipped), reason
	Verifications *prometheus.CounterVec

	// HTTPRequestDuration measures API latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New registers all collectors on reg. Passing prometheus.DefaultRegisterer exposes
// them alongside the Go runtime collectors.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		Initiations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "feedback_calls_initiations_total",
			Help: "Call initiation outcomes by provider and result",
		}, []string{"provider", "result"}),

		ProviderAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "feedback_calls_provider_attempts_total",
			Help: "Telephony provider attempts by provider and result",
		}, []string{"provider", "result"}),

		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "feedback_calls_transitions_total",
			Help: "Applied session status transitions",
		}, []string{"from", "to", "source"}),

		TransitionNoops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "feedback_calls_transition_noops_total",
			Help: "Conditional transitions that were not applied",
		}, []string{"to", "source"}),

		CallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "feedback_calls_duration_seconds",
			Help:    "Final call duration in seconds",
			Buckets: []float64{5, 15, 30, 60, 90, 120, 180, 300},
		}, []string{"provider", "status"}),

		CallCost: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "feedback_calls_cost_minor",
			Help:    "Final call cost in minor currency units",
			Buckets: []float64{0, 50, 100, 200, 300, 500, 1000},
		}, []string{"provider"}),

		ActiveCalls: f.NewGauge(prometheus.GaugeOpts{
			Name: "feedback_calls_active",
			Help: "Active call sessions at the last monitor sweep",
		}),

		Alerts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "feedback_calls_alerts_total",
			Help: "Monitor alerts by type and severity",
		}, []string{"type", "severity"}),

		Webhooks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "feedback_calls_webhooks_total",
			Help: "Inbound webhooks by source and result",
		}, []string{"source", "result"}),

		Jobs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "feedback_calls_jobs_total",
			Help: "Delayed job executions by kind and result",
		}, []string{"kind", "result"}),

		Verifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "feedback_calls_verification_decisions_total",
			Help: "Scheduling decisions for verification events",
		}, []string{"decision", "reason"}),

		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "feedback_calls_http_request_duration_seconds",
			Help:    "HTTP API request latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "path", "status_code"}),
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

func (m *Metrics) Initiation(provider, result string) {
	if m == nil {
		return
	}
	m.Initiations.WithLabelValues(provider, result).Inc()
}

func (m *Metrics) ProviderAttempt(provider string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.ProviderAttempts.WithLabelValues(provider, result).Inc()
}

func (m *Metrics) Transition(from, to, source string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to, source).Inc()
}

func (m *Metrics) TransitionNoop(to, source string) {
	if m == nil {
		return
	}
	m.TransitionNoops.WithLabelValues(to, source).Inc()
}

func (m *Metrics) CallFinished(provider, status string, durationSeconds int, costMinor int64) {
	if m == nil {
		return
	}
	m.CallDuration.WithLabelValues(provider, status).Observe(float64(durationSeconds))
	m.CallCost.WithLabelValues(provider).Observe(float64(costMinor))
}

func (m *Metrics) SetActiveCalls(n int) {
	if m == nil {
		return
	}
	m.ActiveCalls.Set(float64(n))
}

func (m *Metrics) Alert(alertType, severity string) {
	if m == nil {
		return
	}
	m.Alerts.WithLabelValues(alertType, severity).Inc()
}

func (m *Metrics) Webhook(source, result string) {
	if m == nil {
		return
	}
	m.Webhooks.WithLabelValues(source, result).Inc()
}

func (m *Metrics) Job(kind, result string) {
	if m == nil {
		return
	}
	m.Jobs.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) Verification(decision, reason string) {
	if m == nil {
		return
	}
	m.Verifications.WithLabelValues(decision, reason).Inc()
}

// Middleware records request latency per route template.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if m == nil {
			return
		}
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.HTTPRequestDuration.
			WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}

// Handler serves the registry this Metrics was built on.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
