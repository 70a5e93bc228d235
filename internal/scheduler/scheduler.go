package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"feedback-calls/internal/cache"
	"feedback-calls/internal/calls"
	"feedback-calls/internal/jobs"
	"feedback-calls/internal/metrics"
	"feedback-calls/internal/orchestrator"
	"feedback-calls/pkg/logger"
)

// Initiator is the orchestrator entry point the scheduler drives.
type Initiator interface {
	InitiateCall(ctx context.Context, req orchestrator.InitiateRequest) (orchestrator.InitiateResult, error)
}

type Decision string

const (
	DecisionInitiated Decision = "initiated"
	DecisionScheduled Decision = "scheduled"
	DecisionSkipped   Decision = "skipped"
)

// Skip reasons.
const (
	ReasonStoreNotConfigured = "store_not_configured"
	ReasonCallsDisabled      = "ai_calls_disabled"
	ReasonScoreTooLow        = "verification_score_too_low"
	ReasonCooldown           = "cooldown"
	ReasonAlreadyActive      = "already_active"
	ReasonInitiationFailed   = "initiation_failed"
)

// Outcome reports what Handle did with one verification event.
type Outcome struct {
	Decision  Decision     `json:"decision"`
	Reason    string       `json:"reason,omitempty"`
	SessionID string       `json:"session_id,omitempty"`
	JobID     string       `json:"job_id,omitempty"`
	RunAt     *time.Time   `json:"run_at,omitempty"`
	Status    calls.Status `json:"status,omitempty"`
}

// InitiatePayload is the payload of an initiate_call job.
type InitiatePayload struct {
	VerificationID    string            `json:"verification_id"`
	StoreID           string            `json:"store_id"`
	PhoneNumber       string            `json:"phone_number"`
	RetryCount        int               `json:"retry_count"`
	Priority          calls.Priority    `json:"priority"`
	ExpectedQuestions int               `json:"expected_questions,omitempty"`
	BusinessContext   map[string]string `json:"business_context,omitempty"`
}

func (p InitiatePayload) request() orchestrator.InitiateRequest {
	return orchestrator.InitiateRequest{
		VerificationID:    p.VerificationID,
		StoreID:           p.StoreID,
		PhoneNumber:       p.PhoneNumber,
		RetryCount:        p.RetryCount,
		Priority:          p.Priority,
		ExpectedQuestions: p.ExpectedQuestions,
		BusinessContext:   p.BusinessContext,
	}
}

func initiateDedupeKey(verificationID string, retry int) string {
	return fmt.Sprintf("initiate:%s:%d", verificationID, retry)
}

func cooldownKey(phone, storeID string) string {
	return "customer:" + phone + ":store:" + storeID
}

// Scheduler applies store eligibility rules to verification events and either
// initiates the call now or schedules it as a durable job.
type Scheduler struct {
	settings  SettingsProvider
	cooldown  cache.Cooldown
	initiator Initiator
	jobs      jobs.Enqueuer
	metrics   *metrics.Metrics
	logger    *slog.Logger
	clock     func() time.Time
}

type Config struct {
	Settings  SettingsProvider
	Cooldown  cache.Cooldown
	Initiator Initiator
	Jobs      jobs.Enqueuer
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

func New(cfg Config) (*Scheduler, error) {
	if cfg.Settings == nil || cfg.Cooldown == nil || cfg.Initiator == nil || cfg.Jobs == nil {
		return nil, errors.New("scheduler: settings, cooldown, initiator and jobs are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "scheduler")
	}
	return &Scheduler{
		settings:  cfg.Settings,
		cooldown:  cfg.Cooldown,
		initiator: cfg.Initiator,
		jobs:      cfg.Jobs,
		metrics:   cfg.Metrics,
		logger:    logger,
		clock:     time.Now,
	}, nil
}

// Handle processes one verification event. Skips are not errors.
func (s *Scheduler) Handle(ctx context.Context, ev VerificationEvent) (Outcome, error) {
	if err := ev.Validate(); err != nil {
		return Outcome{}, err
	}
	log := s.logger.With("verification_id", ev.VerificationID, "store_id", ev.StoreID)

	st, err := s.settings.Settings(ctx, ev.StoreID)
	if errors.Is(err, ErrStoreNotConfigured) {
		return s.skip(log, ReasonStoreNotConfigured), nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("load store settings: %w", err)
	}
	if !st.AICallsEnabled {
		return s.skip(log, ReasonCallsDisabled), nil
	}
	if ev.VerificationScore < st.MinVerificationScore {
		return s.skip(log, ReasonScoreTooLow), nil
	}
	key := cooldownKey(ev.CustomerPhone, ev.StoreID)
	if st.CooldownWindow > 0 {
		ok, err := s.cooldown.TryAcquire(ctx, key, st.CooldownWindow)
		if err != nil {
			return Outcome{}, fmt.Errorf("check cooldown: %w", err)
		}
		if !ok {
			return s.skip(log, ReasonCooldown), nil
		}
	}

	p := InitiatePayload{
		VerificationID:    ev.VerificationID,
		StoreID:           ev.StoreID,
		PhoneNumber:       ev.CustomerPhone,
		Priority:          calls.PriorityNormal,
		ExpectedQuestions: st.ExpectedQuestions,
		BusinessContext:   st.BusinessContext,
	}

	var out Outcome
	if st.CallDelay <= 0 {
		out, err = s.initiateNow(ctx, log, p)
	} else {
		out, err = s.schedule(ctx, log, p, s.clock().UTC().Add(st.CallDelay))
	}
	if err != nil && st.CooldownWindow > 0 {
		// Nothing was placed or queued, so a redelivery must not be held back.
		if rerr := s.cooldown.Release(context.WithoutCancel(ctx), key); rerr != nil {
			log.Warn("cooldown not released", "err", rerr)
		}
	}
	return out, err
}

func (s *Scheduler) skip(log *slog.Logger, reason string) Outcome {
	log.Info("verification skipped", "reason", reason)
	s.metrics.Verification(string(DecisionSkipped), reason)
	return Outcome{Decision: DecisionSkipped, Reason: reason}
}

func (s *Scheduler) initiateNow(ctx context.Context, log *slog.Logger, p InitiatePayload) (Outcome, error) {
	res, err := s.initiator.InitiateCall(ctx, p.request())
	if orchestrator.HasCode(err, orchestrator.CodeCallAlreadyExists) {
		return s.skip(log, ReasonAlreadyActive), nil
	}
	if e, ok := orchestrator.AsError(err); ok && e.Kind == orchestrator.KindProvider {
		// The failed session is already persisted; the retry policy owns the next attempt.
		s.metrics.Verification(string(DecisionInitiated), ReasonInitiationFailed)
		return Outcome{Decision: DecisionInitiated, Reason: ReasonInitiationFailed, SessionID: e.SessionID, Status: calls.StatusFailed}, nil
	}
	if err != nil {
		return Outcome{}, err
	}
	log.Info("call initiated", "session_id", res.SessionID, "provider", res.ProviderID)
	s.metrics.Verification(string(DecisionInitiated), "")
	return Outcome{Decision: DecisionInitiated, SessionID: res.SessionID, Status: res.Status}, nil
}

func (s *Scheduler) schedule(ctx context.Context, log *slog.Logger, p InitiatePayload, runAt time.Time) (Outcome, error) {
	j, err := enqueueInitiate(ctx, s.jobs, p, runAt)
	if err != nil {
		return Outcome{}, err
	}
	log.Info("call scheduled", "job_id", j.ID, "run_at", j.RunAt)
	s.metrics.Verification(string(DecisionScheduled), "")
	at := j.RunAt
	return Outcome{Decision: DecisionScheduled, JobID: j.ID, RunAt: &at}, nil
}

func enqueueInitiate(ctx context.Context, q jobs.Enqueuer, p InitiatePayload, runAt time.Time) (jobs.Job, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return jobs.Job{}, err
	}
	priority := jobs.PriorityNormal
	if p.Priority == calls.PriorityHigh {
		priority = jobs.PriorityHigh
	}
	j, _, err := q.Enqueue(ctx, jobs.Job{
		Kind:      jobs.KindInitiateCall,
		DedupeKey: initiateDedupeKey(p.VerificationID, p.RetryCount),
		Payload:   raw,
		RunAt:     runAt,
		Priority:  priority,
	})
	if err != nil {
		return jobs.Job{}, fmt.Errorf("enqueue initiate_call: %w", err)
	}
	return j, nil
}

// HandleInitiateJob is the jobs.Handler for KindInitiateCall. Delayed first calls
// and retries both land here, so crash recovery behaves the same for both.
func (s *Scheduler) HandleInitiateJob(ctx context.Context, j jobs.Job) error {
	var p InitiatePayload
	if err := j.Decode(&p); err != nil {
		return jobs.Permanent(err)
	}
	log := logger.From(ctx)
	res, err := s.initiator.InitiateCall(ctx, p.request())
	if err == nil {
		log.Info("scheduled call initiated", "new_session_id", res.SessionID, "retry_count", p.RetryCount)
		return nil
	}

	e, ok := orchestrator.AsError(err)
	if !ok {
		return err
	}
	switch e.Kind {
	case orchestrator.KindConflict:
		log.Info("scheduled call skipped, session already active", "verification_id", p.VerificationID)
		return nil
	case orchestrator.KindProvider:
		// Session persisted as failed; the terminal hook scheduled the next retry.
		return nil
	case orchestrator.KindValidation:
		return jobs.Permanent(err)
	}
	return err
}
