package monitor

import (
	"context"
	"log/slog"
	"time"

	"feedback-calls/internal/metrics"
)

type AlertType string

const (
	AlertDurationExceeded AlertType = "duration_exceeded"
	AlertCostExceeded     AlertType = "cost_exceeded"
	AlertErrorRate        AlertType = "error_rate"
	AlertProviderFailure  AlertType = "provider_failure"
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is raised by a sweep. Alerts are notifications only and are not persisted.
type Alert struct {
	Type      AlertType `json:"type"`
	Severity  Severity  `json:"severity"`
	SessionID string    `json:"session_id,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// Key groups repeats of the same condition for cooldown.
func (a Alert) Key() string {
	switch a.Type {
	case AlertDurationExceeded:
		return "duration-" + a.SessionID
	case AlertCostExceeded:
		return "cost-" + a.SessionID
	case AlertProviderFailure:
		return "provider-" + a.Provider
	default:
		return "error-rate"
	}
}

type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(ctx context.Context, a Alert) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelWarn
	if a.Severity == SeverityCritical {
		level = slog.LevelError
	}
	logger.Log(ctx, level, "call monitor alert",
		"alert_type", a.Type,
		"severity", a.Severity,
		"session_id", a.SessionID,
		"provider", a.Provider,
		"value", a.Value,
		"threshold", a.Threshold,
		"message", a.Message,
	)
	return nil
}

// MetricsNotifier counts alerts by type and severity.
type MetricsNotifier struct {
	Metrics *metrics.Metrics
}

func (n MetricsNotifier) Notify(ctx context.Context, a Alert) error {
	n.Metrics.Alert(string(a.Type), string(a.Severity))
	return nil
}
