package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"feedback-calls/internal/calls"
	"feedback-calls/internal/jobs"
)

// RetryPolicy re-schedules failed and timed-out sessions with exponential backoff.
// Retries skip eligibility and cooldown checks; the first call already passed them.
type RetryPolicy struct {
	jobs     jobs.Enqueuer
	settings SettingsProvider
	base     time.Duration
	logger   *slog.Logger
	clock    func() time.Time
}

// NewRetryPolicy builds the policy. base is the first retry delay (one minute in production);
// settings may be nil and is only used to restore the store's business context.
func NewRetryPolicy(q jobs.Enqueuer, settings SettingsProvider, base time.Duration) *RetryPolicy {
	if base <= 0 {
		base = time.Minute
	}
	return &RetryPolicy{
		jobs:     q,
		settings: settings,
		base:     base,
		logger:   slog.Default().With("component", "retry-policy"),
		clock:    time.Now,
	}
}

// Delay returns base × 2^retryCount.
func (p *RetryPolicy) Delay(retryCount int) time.Duration {
	return p.base * time.Duration(1<<uint(retryCount))
}

// OnTerminal is registered as an orchestrator terminal hook.
func (p *RetryPolicy) OnTerminal(ctx context.Context, s calls.Session) {
	if s.Status != calls.StatusFailed && s.Status != calls.StatusTimeout {
		return
	}
	if s.RetryCount >= calls.MaxRetryCount {
		p.logger.Info("retry budget exhausted", "session_id", s.ID, "verification_id", s.CustomerVerificationID, "retry_count", s.RetryCount)
		return
	}

	payload := InitiatePayload{
		VerificationID:    s.CustomerVerificationID,
		StoreID:           s.StoreID,
		PhoneNumber:       s.PhoneNumber,
		RetryCount:        s.RetryCount + 1,
		Priority:          calls.PriorityHigh,
		ExpectedQuestions: s.ExpectedQuestions,
	}
	if p.settings != nil {
		st, err := p.settings.Settings(ctx, s.StoreID)
		if err != nil && !errors.Is(err, ErrStoreNotConfigured) {
			p.logger.Warn("store settings unavailable for retry", "session_id", s.ID, "err", err)
		}
		payload.BusinessContext = st.BusinessContext
	}

	runAt := p.clock().UTC().Add(p.Delay(s.RetryCount))
	j, err := enqueueInitiate(ctx, p.jobs, payload, runAt)
	if err != nil {
		p.logger.Error("retry not scheduled", "session_id", s.ID, "err", err)
		return
	}
	p.logger.Info("retry scheduled",
		"session_id", s.ID,
		"verification_id", s.CustomerVerificationID,
		"retry_count", payload.RetryCount,
		"run_at", j.RunAt,
		"job_id", j.ID,
	)
}
