package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"feedback-calls/internal/ai"
	"feedback-calls/internal/cache"
	"feedback-calls/internal/calls"
	"feedback-calls/internal/eventlog"
	"feedback-calls/internal/jobs"
	"feedback-calls/internal/metrics"
	"feedback-calls/internal/pricing"
	"feedback-calls/internal/telephony"
)

// Transition sources, recorded in the event log and metrics.
const (
	SourceInitiate        = "initiate"
	SourceProviderWebhook = "provider_webhook"
	SourceAIWebhook       = "ai_webhook"
	SourceAIStart         = "ai_start"
	SourceNoAnswerCheck   = "no_answer_check"
	SourceMonitor         = "monitor"
)

// TerminalHook runs once per session, right after the transition into a terminal status applied.
type TerminalHook func(ctx context.Context, s calls.Session)

// AIStarter opens the AI conversation for an answered call.
type AIStarter interface {
	Start(ctx context.Context, s calls.Session) (ai.Handle, error)
}

// RewardQuoter supplies reward info at confirmation time. Payout rules live elsewhere.
type RewardQuoter interface {
	Quote(ctx context.Context, s calls.Session) (calls.RewardInfo, error)
}

type Config struct {
	NoAnswerTimeout          time.Duration
	MaxDuration              time.Duration
	RecordCalls              bool
	DefaultExpectedQuestions int
	SecondsPerQuestion       int
}

type Deps struct {
	Repo      calls.Repository
	Events    *eventlog.Service
	Providers *telephony.Failover
	AI        AIStarter
	Pricing   *pricing.Tracker
	Jobs      jobs.Enqueuer
	State     cache.StateStore
	Rewards   RewardQuoter
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Orchestrator owns the CallSession lifecycle. Every status change goes through Transition.
type Orchestrator struct {
	repo      calls.Repository
	events    *eventlog.Service
	providers *telephony.Failover
	ai        AIStarter
	pricing   *pricing.Tracker
	jobs      jobs.Enqueuer
	state     cache.StateStore
	rewards   RewardQuoter
	metrics   *metrics.Metrics
	logger    *slog.Logger
	tracer    trace.Tracer
	cfg       Config

	clock func() time.Time
	newID func() string
	hooks []TerminalHook
}

func New(d Deps, cfg Config) (*Orchestrator, error) {
	if d.Repo == nil || d.Events == nil || d.Providers == nil || d.Pricing == nil || d.Jobs == nil {
		return nil, errors.New("orchestrator: repo, events, providers, pricing and jobs are required")
	}
	if d.State == nil {
		d.State = cache.NewMemoryStateStore(0)
	}
	if cfg.NoAnswerTimeout <= 0 {
		cfg.NoAnswerTimeout = 30 * time.Second
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 120 * time.Second
	}
	if cfg.DefaultExpectedQuestions <= 0 {
		cfg.DefaultExpectedQuestions = 3
	}
	if cfg.SecondsPerQuestion <= 0 {
		cfg.SecondsPerQuestion = 20
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default().With("component", "orchestrator")
	}

	o := &Orchestrator{
		repo:      d.Repo,
		events:    d.Events,
		providers: d.Providers,
		ai:        d.AI,
		pricing:   d.Pricing,
		jobs:      d.Jobs,
		state:     d.State,
		rewards:   d.Rewards,
		metrics:   d.Metrics,
		logger:    logger,
		tracer:    otel.Tracer("feedback-calls/orchestrator"),
		cfg:       cfg,
		clock:     time.Now,
		newID:     uuid.NewString,
	}
	o.OnTerminal(o.releaseProviderSlot)
	return o, nil
}

// OnTerminal registers a hook. Register during wiring, before traffic.
func (o *Orchestrator) OnTerminal(h TerminalHook) {
	o.hooks = append(o.hooks, h)
}

// TransitionOptions describe why and how a transition happens.
type TransitionOptions struct {
	Source string
	Reason string

	// DurationSeconds is the call duration reported by the event source.
	// Zero means derive it from the wall clock since answer.
	DurationSeconds int

	Mutate calls.Mutator
}

// Transition is the only status mutator. It applies to -> only if the session's current
// status is in from (and a valid predecessor); otherwise it is a silent no-op.
// On an applied terminal transition the final duration and cost are written once,
// hooks fire, and calls ended by anyone but the provider are hung up.
func (o *Orchestrator) Transition(ctx context.Context, sessionID string, from []calls.Status, to calls.Status, opts TransitionOptions) (calls.Session, bool, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.transition", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("transition.to", string(to)),
		attribute.String("transition.source", opts.Source),
	))
	defer span.End()

	now := o.clock().UTC()
	var prev calls.Status
	mutate := func(s *calls.Session) {
		prev = s.Status
		if opts.Mutate != nil {
			opts.Mutate(s)
		}
		if opts.Reason != "" && (to == calls.StatusFailed || to == calls.StatusTimeout) {
			s.FailureReason = opts.Reason
		}
		if to.IsTerminal() && s.ActualDurationSeconds == nil {
			d := opts.DurationSeconds
			if d <= 0 && s.ConnectedAt != nil {
				d = pricing.ElapsedSeconds(*s.ConnectedAt, now)
			}
			est, err := o.pricing.Estimate(s.ProviderID, d)
			if err != nil && !errors.Is(err, pricing.ErrUnknownProvider) {
				o.logger.Warn("cost estimate failed", "session_id", s.ID, "err", err)
			}
			cost := est.TotalMinor
			s.ActualDurationSeconds = &d
			s.ActualCostMinor = &cost
		}
	}

	s, applied, err := o.repo.Transition(ctx, sessionID, from, to, mutate)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transition failed")
		if errors.Is(err, calls.ErrNotFound) {
			return calls.Session{}, false, notFoundErr(sessionID)
		}
		return calls.Session{}, false, fmt.Errorf("transition %s -> %s: %w", sessionID, to, err)
	}
	span.SetAttributes(attribute.Bool("transition.applied", applied))
	if !applied {
		o.metrics.TransitionNoop(string(to), opts.Source)
		o.logger.Debug("transition not applied", "session_id", sessionID, "current", s.Status, "to", to, "source", opts.Source)
		return s, false, nil
	}

	if err := o.events.LogTransition(ctx, s.ID, s.ProviderID, string(prev), string(to), opts.Source, opts.Reason); err != nil {
		o.logger.Error("event log append failed", "session_id", s.ID, "err", err)
	}
	o.metrics.Transition(string(prev), string(to), opts.Source)
	o.logger.Info("session transition", "session_id", s.ID, "from", prev, "to", to, "source", opts.Source, "reason", opts.Reason)

	if to.IsTerminal() {
		o.finish(ctx, s, opts.Source)
	}
	return s, true, nil
}

func (o *Orchestrator) finish(ctx context.Context, s calls.Session, source string) {
	ctx = context.WithoutCancel(ctx)

	var dur int
	var cost int64
	if s.ActualDurationSeconds != nil {
		dur = *s.ActualDurationSeconds
	}
	if s.ActualCostMinor != nil {
		cost = *s.ActualCostMinor
	}
	o.metrics.CallFinished(s.ProviderID, string(s.Status), dur, cost)

	if source != SourceProviderWebhook && source != SourceInitiate && s.ProviderCallID != "" {
		o.hangup(ctx, s)
	}
	for _, h := range o.hooks {
		o.runHook(ctx, h, s)
	}
}

func (o *Orchestrator) runHook(ctx context.Context, h TerminalHook, s calls.Session) {
	defer func() {
		if rec := recover(); rec != nil {
			o.logger.Error("terminal hook panicked", "session_id", s.ID, "panic", rec)
		}
	}()
	h(ctx, s)
}

func (o *Orchestrator) hangup(ctx context.Context, s calls.Session) {
	p, ok := o.providers.Provider(s.ProviderID)
	if !ok {
		return
	}
	if err := p.HangupCall(ctx, s.ProviderCallID); err != nil {
		o.logger.Warn("provider hangup failed", "session_id", s.ID, "provider", s.ProviderID, "err", err)
		_ = o.events.LogError(ctx, s.ID, s.ProviderID, "HANGUP_FAILED", err.Error())
	}
}

func (o *Orchestrator) releaseProviderSlot(ctx context.Context, s calls.Session) {
	if s.ProviderID != "" && s.ProviderCallID != "" {
		o.providers.Release(ctx, s.ProviderID)
	}
}

// ForceTerminate is used by the monitor: it races webhooks through the same primitive.
func (o *Orchestrator) ForceTerminate(ctx context.Context, sessionID, reason string) (bool, error) {
	_, applied, err := o.Transition(ctx, sessionID,
		[]calls.Status{calls.StatusConnecting, calls.StatusInProgress},
		calls.StatusTimeout,
		TransitionOptions{Source: SourceMonitor, Reason: reason},
	)
	return applied, err
}

// FailPending fails a session that never left pending, for example when the
// process died between creating the row and placing the call.
func (o *Orchestrator) FailPending(ctx context.Context, sessionID, reason string) (bool, error) {
	_, applied, err := o.Transition(ctx, sessionID,
		[]calls.Status{calls.StatusPending},
		calls.StatusFailed,
		TransitionOptions{Source: SourceMonitor, Reason: reason},
	)
	return applied, err
}
