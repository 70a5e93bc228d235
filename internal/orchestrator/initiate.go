package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"feedback-calls/internal/cache"
	"feedback-calls/internal/calls"
	"feedback-calls/internal/jobs"
	"feedback-calls/internal/telephony"
)

var e164 = regexp.MustCompile(`^\+[1-9]\d{7,14}$`)

// settleTimeout bounds the writes that move a session out of pending once the
// provider call has returned, independent of the caller's context.
const settleTimeout = 5 * time.Second

type InitiateRequest struct {
	VerificationID    string
	StoreID           string
	PhoneNumber       string
	RetryCount        int
	Priority          calls.Priority
	ExpectedQuestions int
	BusinessContext   map[string]string
}

type InitiateResult struct {
	SessionID      string       `json:"session_id"`
	Status         calls.Status `json:"status"`
	ProviderID     string       `json:"provider_id"`
	ProviderCallID string       `json:"provider_call_id"`
}

// NoAnswerPayload is the payload of a no_answer_check job.
type NoAnswerPayload struct {
	SessionID string `json:"session_id"`
}

func (r InitiateRequest) validate() *Error {
	if strings.TrimSpace(r.VerificationID) == "" || strings.TrimSpace(r.StoreID) == "" {
		return validationErr(CodeInvalidRequest, "verification id and store id are required")
	}
	if !e164.MatchString(r.PhoneNumber) {
		return validationErr(CodeInvalidPhoneNumber, "phone number must be E.164")
	}
	if r.RetryCount < 0 || r.ExpectedQuestions < 0 {
		return validationErr(CodeInvalidRequest, "retry count and expected questions must not be negative")
	}
	if r.RetryCount > calls.MaxRetryCount {
		return validationErr(CodeMaxRetriesExceeded, fmt.Sprintf("retry count exceeds %d", calls.MaxRetryCount))
	}
	switch r.Priority {
	case "", calls.PriorityNormal, calls.PriorityHigh:
	default:
		return validationErr(CodeInvalidRequest, "unknown priority")
	}
	return nil
}

// InitiateCall creates a pending session, walks the provider list and moves the
// session to connecting. A no-answer check is scheduled as a durable job.
func (o *Orchestrator) InitiateCall(ctx context.Context, req InitiateRequest) (InitiateResult, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.initiate_call", trace.WithAttributes(
		attribute.String("verification.id", req.VerificationID),
		attribute.Int("retry.count", req.RetryCount),
	))
	defer span.End()

	if verr := req.validate(); verr != nil {
		o.metrics.Initiation("", "rejected")
		return InitiateResult{}, verr
	}

	if _, exists, err := o.repo.FindActiveByVerification(ctx, req.VerificationID); err != nil {
		return InitiateResult{}, fmt.Errorf("check active session: %w", err)
	} else if exists {
		o.metrics.Initiation("", "duplicate")
		return InitiateResult{}, conflictErr(CodeCallAlreadyExists, "an active call already exists for this verification")
	}

	priority := req.Priority
	if priority == "" {
		priority = calls.PriorityNormal
	}
	questions := req.ExpectedQuestions
	if questions == 0 {
		questions = o.cfg.DefaultExpectedQuestions
	}

	now := o.clock().UTC()
	s := calls.Session{
		ID:                     o.newID(),
		CustomerVerificationID: req.VerificationID,
		StoreID:                req.StoreID,
		PhoneNumber:            req.PhoneNumber,
		Status:                 calls.StatusPending,
		RetryCount:             req.RetryCount,
		ExpectedQuestions:      questions,
		Priority:               priority,
		InitiatedAt:            now,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := o.repo.Create(ctx, s); err != nil {
		if errors.Is(err, calls.ErrActiveSessionExists) {
			o.metrics.Initiation("", "duplicate")
			return InitiateResult{}, conflictErr(CodeCallAlreadyExists, "an active call already exists for this verification")
		}
		return InitiateResult{}, fmt.Errorf("create session: %w", err)
	}
	span.SetAttributes(attribute.String("session.id", s.ID))

	if err := o.events.LogSessionCreated(ctx, s.ID, s.CustomerVerificationID, s.RetryCount); err != nil {
		o.logger.Error("event log append failed", "session_id", s.ID, "err", err)
	}
	if err := o.state.Put(ctx, cache.WorkingState{
		SessionID:         s.ID,
		VerificationID:    s.CustomerVerificationID,
		StoreID:           s.StoreID,
		ExpectedQuestions: questions,
		BusinessContext:   req.BusinessContext,
		UpdatedAt:         now,
	}); err != nil {
		o.logger.Warn("working state not cached", "session_id", s.ID, "err", err)
	}

	out, err := o.providers.Initiate(ctx, telephony.InitiateCallRequest{
		SessionID:          s.ID,
		To:                 s.PhoneNumber,
		TimeoutSeconds:     int(o.cfg.NoAnswerTimeout.Seconds()),
		MaxDurationSeconds: int(o.cfg.MaxDuration.Seconds()),
		Record:             o.cfg.RecordCalls,
	})
	// A cancelled caller must not strand the session in pending.
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	for _, a := range out.Attempts {
		o.metrics.ProviderAttempt(a.Provider, a.Err)
		if lerr := o.events.LogProviderAttempt(settleCtx, s.ID, a.Provider, a.CallID, a.Err); lerr != nil {
			o.logger.Error("event log append failed", "session_id", s.ID, "err", lerr)
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "initiation failed")
		o.metrics.Initiation("", "failed")
		_ = o.events.LogError(settleCtx, s.ID, "", CodeCallInitiationFailed, err.Error())
		if _, _, terr := o.Transition(settleCtx, s.ID,
			[]calls.Status{calls.StatusPending}, calls.StatusFailed,
			TransitionOptions{Source: SourceInitiate, Reason: "all_providers_failed"},
		); terr != nil {
			o.logger.Error("failed to mark session failed", "session_id", s.ID, "err", terr)
		}
		return InitiateResult{}, &Error{
			Kind:      KindProvider,
			Code:      CodeCallInitiationFailed,
			Message:   "no telephony provider could place the call",
			SessionID: s.ID,
			Err:       err,
		}
	}

	providerID := out.Provider.Name()
	callID := out.Result.CallID
	s, applied, err := o.Transition(settleCtx, s.ID,
		[]calls.Status{calls.StatusPending}, calls.StatusConnecting,
		TransitionOptions{Source: SourceInitiate, Mutate: func(cur *calls.Session) {
			cur.ProviderID = providerID
			cur.ProviderCallID = callID
		}},
	)
	if err != nil {
		return InitiateResult{}, err
	}
	if !applied {
		o.logger.Warn("session left pending before connecting", "session_id", s.ID, "status", s.Status)
	}
	o.metrics.Initiation(providerID, "connecting")

	o.scheduleNoAnswerCheck(settleCtx, s.ID)

	return InitiateResult{
		SessionID:      s.ID,
		Status:         s.Status,
		ProviderID:     providerID,
		ProviderCallID: callID,
	}, nil
}

func (o *Orchestrator) scheduleNoAnswerCheck(ctx context.Context, sessionID string) {
	runAt := o.clock().UTC().Add(o.cfg.NoAnswerTimeout)
	payload, _ := json.Marshal(NoAnswerPayload{SessionID: sessionID})
	if _, _, err := o.jobs.Enqueue(ctx, jobs.Job{
		Kind:      jobs.KindNoAnswerCheck,
		DedupeKey: "no-answer:" + sessionID,
		SessionID: sessionID,
		Payload:   payload,
		RunAt:     runAt,
	}); err != nil {
		// The monitor still times out calls stuck in connecting.
		o.logger.Error("no-answer check not scheduled", "session_id", sessionID, "err", err)
		return
	}
	if err := o.events.LogJobScheduled(ctx, sessionID, string(jobs.KindNoAnswerCheck), runAt); err != nil {
		o.logger.Error("event log append failed", "session_id", sessionID, "err", err)
	}
}

// CheckNoAnswer fails a session still connecting. A no-op for anything else.
func (o *Orchestrator) CheckNoAnswer(ctx context.Context, sessionID string) (bool, error) {
	_, applied, err := o.Transition(ctx, sessionID,
		[]calls.Status{calls.StatusConnecting}, calls.StatusFailed,
		TransitionOptions{Source: SourceNoAnswerCheck, Reason: "no_answer"},
	)
	return applied, err
}

// HandleNoAnswerJob is the jobs.Handler for KindNoAnswerCheck.
func (o *Orchestrator) HandleNoAnswerJob(ctx context.Context, j jobs.Job) error {
	var p NoAnswerPayload
	if err := j.Decode(&p); err != nil {
		return jobs.Permanent(err)
	}
	if p.SessionID == "" {
		p.SessionID = j.SessionID
	}
	_, err := o.CheckNoAnswer(ctx, p.SessionID)
	if e, ok := AsError(err); ok && e.Kind == KindNotFound {
		return jobs.Permanent(err)
	}
	return err
}
