package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"feedback-calls/internal/cache"
	"feedback-calls/internal/calls"
	"feedback-calls/internal/metrics"
	"feedback-calls/internal/pricing"
)

// SessionStore is the read side the monitor needs.
type SessionStore interface {
	ListActive(ctx context.Context) ([]calls.Session, error)
	OutcomeStats(ctx context.Context, since time.Time) ([]calls.OutcomeCount, error)
}

// Terminator force-ends a session through the orchestrator's conditional transition.
type Terminator interface {
	ForceTerminate(ctx context.Context, sessionID, reason string) (bool, error)
	FailPending(ctx context.Context, sessionID, reason string) (bool, error)
}

type Config struct {
	Interval    time.Duration
	MaxDuration time.Duration

	// PendingTimeout fails sessions that never left pending.
	PendingTimeout time.Duration

	// CostBudgetMinor is the per-call budget; 0 disables cost checks.
	CostBudgetMinor int64

	// WarningRatio of a limit raises a warning before the critical threshold.
	WarningRatio float64

	ErrorRateWindow          time.Duration
	ErrorRateThreshold       float64
	ProviderFailureThreshold float64
	MinSampleSize            int
	AlertCooldown            time.Duration
}

type SessionSnapshot struct {
	SessionID        string       `json:"session_id"`
	StoreID          string       `json:"store_id"`
	Status           calls.Status `json:"status"`
	ProviderID       string       `json:"provider_id,omitempty"`
	ElapsedSeconds   int          `json:"elapsed_seconds"`
	RunningCostMinor int64        `json:"running_cost_minor"`
	Currency         string       `json:"currency"`
}

type RateSnapshot struct {
	Total  int     `json:"total"`
	Failed int     `json:"failed"`
	Rate   float64 `json:"rate"`
}

type Snapshot struct {
	At        time.Time               `json:"at"`
	Active    []SessionSnapshot       `json:"active"`
	Overall   RateSnapshot            `json:"overall"`
	Providers map[string]RateSnapshot `json:"providers"`
	Alerts    []Alert                 `json:"alerts,omitempty"`
}

// Monitor sweeps active calls on a fixed schedule, independent of webhooks.
// Critical duration or cost alerts force the session to timeout.
type Monitor struct {
	store      SessionStore
	pricing    *pricing.Tracker
	terminator Terminator
	cooldown   cache.Cooldown
	notifiers  []Notifier
	metrics    *metrics.Metrics
	cfg        Config
	logger     *slog.Logger
	clock      func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
	last    Snapshot
}

func New(store SessionStore, tracker *pricing.Tracker, terminator Terminator, cooldown cache.Cooldown, m *metrics.Metrics, cfg Config, notifiers ...Notifier) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 120 * time.Second
	}
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = 2 * time.Minute
	}
	if cfg.WarningRatio <= 0 || cfg.WarningRatio >= 1 {
		cfg.WarningRatio = 0.8
	}
	if cfg.ErrorRateWindow <= 0 {
		cfg.ErrorRateWindow = 15 * time.Minute
	}
	if cfg.MinSampleSize <= 0 {
		cfg.MinSampleSize = 10
	}
	if cfg.AlertCooldown <= 0 {
		cfg.AlertCooldown = 5 * time.Minute
	}
	if cooldown == nil {
		cooldown = cache.NewMemoryCooldown()
	}
	return &Monitor{
		store:      store,
		pricing:    tracker,
		terminator: terminator,
		cooldown:   cooldown,
		notifiers:  notifiers,
		metrics:    m,
		cfg:        cfg,
		logger:     slog.Default().With("component", "call-monitor"),
		clock:      time.Now,
	}
}

func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}

	cl := cronLogger{logger: m.logger}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	spec := fmt.Sprintf("@every %s", m.cfg.Interval)
	if _, err := c.AddFunc(spec, func() {
		if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
			m.logger.Error("monitor sweep failed", "err", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule monitor sweep: %w", err)
	}
	c.Start()
	m.cron = c
	m.running = true
	m.logger.Info("call monitor started", "interval", m.cfg.Interval)
	return nil
}

// Stop halts the schedule and waits for a running sweep up to ctx's deadline.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	c := m.cron
	m.mu.Unlock()

	done := c.Stop()
	select {
	case <-done.Done():
		m.logger.Info("call monitor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LastSnapshot returns the result of the most recent sweep.
func (m *Monitor) LastSnapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Active computes live elapsed time and running cost per active session without raising alerts.
func (m *Monitor) Active(ctx context.Context) ([]SessionSnapshot, error) {
	sessions, err := m.store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	now := m.clock().UTC()
	out := make([]SessionSnapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, m.snapshotOf(s, now))
	}
	return out, nil
}

func (m *Monitor) snapshotOf(s calls.Session, now time.Time) SessionSnapshot {
	est, err := m.pricing.RunningCost(s, now)
	if err != nil && !errors.Is(err, pricing.ErrUnknownProvider) {
		m.logger.Warn("running cost unavailable", "session_id", s.ID, "err", err)
	}
	return SessionSnapshot{
		SessionID:        s.ID,
		StoreID:          s.StoreID,
		Status:           s.Status,
		ProviderID:       s.ProviderID,
		ElapsedSeconds:   elapsedSeconds(s, now),
		RunningCostMinor: est.TotalMinor,
		Currency:         m.pricing.Currency(),
	}
}

// elapsedSeconds counts from answer for live calls and from initiation otherwise,
// so a call stuck in connecting still ages out.
func elapsedSeconds(s calls.Session, now time.Time) int {
	from := s.InitiatedAt
	if s.ConnectedAt != nil {
		from = *s.ConnectedAt
	}
	return pricing.ElapsedSeconds(from, now)
}

// Sweep runs one monitoring pass. Exposed for tests and manual triggering.
func (m *Monitor) Sweep(ctx context.Context) (Snapshot, error) {
	now := m.clock().UTC()
	snap := Snapshot{At: now, Providers: map[string]RateSnapshot{}}

	sessions, err := m.store.ListActive(ctx)
	if err != nil {
		return snap, fmt.Errorf("list active sessions: %w", err)
	}
	m.metrics.SetActiveCalls(len(sessions))

	for _, s := range sessions {
		ss := m.snapshotOf(s, now)
		snap.Active = append(snap.Active, ss)
		snap.Alerts = append(snap.Alerts, m.checkSession(ctx, s, ss, now)...)
	}

	stats, err := m.store.OutcomeStats(ctx, now.Add(-m.cfg.ErrorRateWindow))
	if err != nil {
		m.logger.Error("outcome stats unavailable", "err", err)
	} else {
		snap.Overall, snap.Providers = rates(stats)
		snap.Alerts = append(snap.Alerts, m.checkRates(ctx, snap, now)...)
	}

	m.mu.Lock()
	m.last = snap
	m.mu.Unlock()
	return snap, nil
}

func (m *Monitor) checkSession(ctx context.Context, s calls.Session, ss SessionSnapshot, now time.Time) []Alert {
	var raised []Alert

	if s.Status == calls.StatusPending {
		if now.Sub(s.InitiatedAt) > m.cfg.PendingTimeout {
			m.failPending(ctx, s.ID)
		}
		return nil
	}

	limit := m.cfg.MaxDuration.Seconds()
	elapsed := float64(ss.ElapsedSeconds)
	switch {
	case elapsed > limit:
		a := Alert{Type: AlertDurationExceeded, Severity: SeverityCritical, SessionID: s.ID, Provider: s.ProviderID,
			Message: fmt.Sprintf("call running %ds, limit %ds", ss.ElapsedSeconds, int(limit)), Value: elapsed, Threshold: limit, Timestamp: now}
		m.terminate(ctx, s.ID, string(AlertDurationExceeded))
		raised = append(raised, m.raise(ctx, a)...)
	case elapsed >= limit*m.cfg.WarningRatio:
		a := Alert{Type: AlertDurationExceeded, Severity: SeverityWarning, SessionID: s.ID, Provider: s.ProviderID,
			Message: fmt.Sprintf("call approaching duration limit (%ds of %ds)", ss.ElapsedSeconds, int(limit)), Value: elapsed, Threshold: limit, Timestamp: now}
		raised = append(raised, m.raise(ctx, a)...)
	}

	if budget := m.cfg.CostBudgetMinor; budget > 0 {
		cost := ss.RunningCostMinor
		switch {
		case cost > budget:
			a := Alert{Type: AlertCostExceeded, Severity: SeverityCritical, SessionID: s.ID, Provider: s.ProviderID,
				Message: fmt.Sprintf("running cost %d exceeds budget %d %s", cost, budget, ss.Currency), Value: float64(cost), Threshold: float64(budget), Timestamp: now}
			m.terminate(ctx, s.ID, string(AlertCostExceeded))
			raised = append(raised, m.raise(ctx, a)...)
		case float64(cost) >= float64(budget)*m.cfg.WarningRatio:
			a := Alert{Type: AlertCostExceeded, Severity: SeverityWarning, SessionID: s.ID, Provider: s.ProviderID,
				Message: fmt.Sprintf("running cost %d approaching budget %d %s", cost, budget, ss.Currency), Value: float64(cost), Threshold: float64(budget), Timestamp: now}
			raised = append(raised, m.raise(ctx, a)...)
		}
	}
	return raised
}

func (m *Monitor) terminate(ctx context.Context, sessionID, reason string) {
	if m.terminator == nil {
		return
	}
	applied, err := m.terminator.ForceTerminate(ctx, sessionID, reason)
	if err != nil {
		m.logger.Error("force terminate failed", "session_id", sessionID, "reason", reason, "err", err)
		return
	}
	if applied {
		m.logger.Warn("session force terminated", "session_id", sessionID, "reason", reason)
	}
}

func (m *Monitor) failPending(ctx context.Context, sessionID string) {
	if m.terminator == nil {
		return
	}
	applied, err := m.terminator.FailPending(ctx, sessionID, "stale_pending")
	if err != nil {
		m.logger.Error("stale pending cleanup failed", "session_id", sessionID, "err", err)
		return
	}
	if applied {
		m.logger.Warn("stale pending session failed", "session_id", sessionID)
	}
}

func (m *Monitor) checkRates(ctx context.Context, snap Snapshot, now time.Time) []Alert {
	var raised []Alert
	if t := m.cfg.ErrorRateThreshold; t > 0 && snap.Overall.Total >= m.cfg.MinSampleSize && snap.Overall.Rate > t {
		raised = append(raised, m.raise(ctx, Alert{
			Type: AlertErrorRate, Severity: rateSeverity(snap.Overall.Rate, t),
			Message:   fmt.Sprintf("%d of %d calls failed in the last %s", snap.Overall.Failed, snap.Overall.Total, m.cfg.ErrorRateWindow),
			Value:     snap.Overall.Rate,
			Threshold: t,
			Timestamp: now,
		})...)
	}

	t := m.cfg.ProviderFailureThreshold
	if t <= 0 {
		return raised
	}
	names := make([]string, 0, len(snap.Providers))
	for name := range snap.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		r := snap.Providers[name]
		if r.Total < m.cfg.MinSampleSize || r.Rate <= t {
			continue
		}
		raised = append(raised, m.raise(ctx, Alert{
			Type: AlertProviderFailure, Severity: rateSeverity(r.Rate, t), Provider: name,
			Message:   fmt.Sprintf("provider %s failed %d of %d calls", name, r.Failed, r.Total),
			Value:     r.Rate,
			Threshold: t,
			Timestamp: now,
		})...)
	}
	return raised
}

func rateSeverity(rate, threshold float64) Severity {
	if rate >= 2*threshold {
		return SeverityCritical
	}
	return SeverityWarning
}

func rates(stats []calls.OutcomeCount) (RateSnapshot, map[string]RateSnapshot) {
	var overall RateSnapshot
	per := map[string]RateSnapshot{}
	for _, c := range stats {
		failed := c.Status == calls.StatusFailed || c.Status == calls.StatusTimeout
		overall.Total += c.Count
		if failed {
			overall.Failed += c.Count
		}
		if c.ProviderID == "" {
			continue
		}
		r := per[c.ProviderID]
		r.Total += c.Count
		if failed {
			r.Failed += c.Count
		}
		per[c.ProviderID] = r
	}
	overall.Rate = ratio(overall)
	for name, r := range per {
		r.Rate = ratio(r)
		per[name] = r
	}
	return overall, per
}

func ratio(r RateSnapshot) float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Failed) / float64(r.Total)
}

// raise notifies unless the alert key is cooling down. A cooldown outage still notifies.
func (m *Monitor) raise(ctx context.Context, a Alert) []Alert {
	ok, err := m.cooldown.TryAcquire(ctx, "alert:"+a.Key()+":"+string(a.Severity), m.cfg.AlertCooldown)
	if err != nil {
		m.logger.Warn("alert cooldown unavailable", "key", a.Key(), "err", err)
		ok = true
	}
	if !ok {
		return nil
	}
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, a); err != nil {
			m.logger.Error("alert notification failed", "alert_type", a.Type, "err", err)
		}
	}
	return []Alert{a}
}
