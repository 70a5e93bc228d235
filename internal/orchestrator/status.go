package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"feedback-calls/internal/calls"
	"feedback-calls/internal/eventlog"
)

// Progress steps: initiated, connected, one per expected question, wrap-up.
const fixedSteps = 3

type Progress struct {
	CurrentStep               string `json:"current_step"`
	TotalSteps                int    `json:"total_steps"`
	CompletedSteps            int    `json:"completed_steps"`
	EstimatedRemainingSeconds int    `json:"estimated_remaining_seconds"`
}

// TimelineEntry is the public projection of an event. Payloads stay internal.
type TimelineEntry struct {
	Type   eventlog.EventType `json:"type"`
	Status calls.Status       `json:"status,omitempty"`
	At     time.Time          `json:"at"`
}

type StatusView struct {
	SessionID            string            `json:"sessionId"`
	Status               calls.Status      `json:"status"`
	Progress             Progress          `json:"progress"`
	Timeline             []TimelineEntry   `json:"timeline,omitempty"`
	CanConfirmCompletion bool              `json:"can_confirm_completion"`
	RewardInfo           *calls.RewardInfo `json:"reward_info,omitempty"`
	RetryCount           int               `json:"retry_count"`
	FailureReason        string            `json:"failure_reason,omitempty"`
}

// Status builds the customer-facing view of a session.
func (o *Orchestrator) Status(ctx context.Context, sessionID string, withTimeline bool) (StatusView, error) {
	s, err := o.repo.Get(ctx, sessionID)
	if errors.Is(err, calls.ErrNotFound) {
		return StatusView{}, notFoundErr(sessionID)
	}
	if err != nil {
		return StatusView{}, fmt.Errorf("load session: %w", err)
	}

	answered := 0
	if s.Status == calls.StatusInProgress {
		rs, err := o.repo.ListResponses(ctx, s.ID)
		if err != nil {
			return StatusView{}, fmt.Errorf("list responses: %w", err)
		}
		answered = len(rs)
	}

	v := StatusView{
		SessionID:     s.ID,
		Status:        s.Status,
		Progress:      o.progress(s, answered),
		RetryCount:    s.RetryCount,
		FailureReason: s.FailureReason,
	}

	conf, confirmed, err := o.repo.GetConfirmation(ctx, s.ID)
	if err != nil {
		return StatusView{}, fmt.Errorf("load confirmation: %w", err)
	}
	if confirmed {
		ri := conf.RewardInfo
		v.RewardInfo = &ri
	}
	v.CanConfirmCompletion = s.Status == calls.StatusCompleted && !confirmed

	if withTimeline {
		evs, err := o.events.Timeline(ctx, s.ID)
		if err != nil {
			return StatusView{}, fmt.Errorf("load timeline: %w", err)
		}
		v.Timeline = publicTimeline(evs)
	}
	return v, nil
}

func (o *Orchestrator) progress(s calls.Session, answered int) Progress {
	questions := s.ExpectedQuestions
	if questions <= 0 {
		questions = o.cfg.DefaultExpectedQuestions
	}
	p := Progress{TotalSteps: questions + fixedSteps}
	perQuestion := o.cfg.SecondsPerQuestion

	switch s.Status {
	case calls.StatusPending:
		p.CurrentStep = "initiating"
		p.EstimatedRemainingSeconds = questions * perQuestion
	case calls.StatusConnecting:
		p.CurrentStep = "dialing"
		p.CompletedSteps = 1
		p.EstimatedRemainingSeconds = questions * perQuestion
	case calls.StatusInProgress:
		if answered > questions {
			answered = questions
		}
		p.CompletedSteps = 2 + answered
		if answered < questions {
			p.CurrentStep = fmt.Sprintf("question_%d", answered+1)
		} else {
			p.CurrentStep = "wrapping_up"
		}
		p.EstimatedRemainingSeconds = (questions - answered) * perQuestion
	case calls.StatusCompleted:
		p.CurrentStep = "completed"
		p.CompletedSteps = p.TotalSteps
	default:
		p.CurrentStep = string(s.Status)
		if s.ConnectedAt != nil {
			p.CompletedSteps = 2
		} else {
			p.CompletedSteps = 1
		}
	}
	return p
}

func publicTimeline(evs []eventlog.Event) []TimelineEntry {
	out := make([]TimelineEntry, 0, len(evs))
	for _, e := range evs {
		switch e.Type {
		case eventlog.EventSessionCreated, eventlog.EventTransition, eventlog.EventResponseRecorded:
		default:
			continue
		}
		entry := TimelineEntry{Type: e.Type, At: e.CreatedAt}
		if e.Type == eventlog.EventTransition {
			var p struct {
				To calls.Status `json:"to"`
			}
			if json.Unmarshal(e.Payload, &p) == nil {
				entry.Status = p.To
			}
		}
		out = append(out, entry)
	}
	return out
}

type ConfirmRequest struct {
	CustomerConfirmed  bool   `json:"customer_confirmed"`
	SatisfactionRating *int   `json:"satisfaction_rating,omitempty"`
	QualityRating      *int   `json:"quality_rating,omitempty"`
	FeedbackText       string `json:"feedback_text,omitempty"`
}

func (r ConfirmRequest) validate() *Error {
	if r.SatisfactionRating != nil && (*r.SatisfactionRating < 1 || *r.SatisfactionRating > 5) {
		return validationErr(CodeInvalidRequest, "satisfaction_rating must be between 1 and 5")
	}
	if r.QualityRating != nil && (*r.QualityRating < 1 || *r.QualityRating > 10) {
		return validationErr(CodeInvalidRequest, "quality_rating must be between 1 and 10")
	}
	if len(r.FeedbackText) > 2000 {
		return validationErr(CodeInvalidRequest, "feedback_text is too long")
	}
	return nil
}

// ConfirmCompletion records the customer's confirmation once. A repeat returns
// ALREADY_CONFIRMED carrying the original confirmation.
func (o *Orchestrator) ConfirmCompletion(ctx context.Context, sessionID string, req ConfirmRequest) (calls.Confirmation, error) {
	if verr := req.validate(); verr != nil {
		return calls.Confirmation{}, verr
	}
	s, err := o.repo.Get(ctx, sessionID)
	if errors.Is(err, calls.ErrNotFound) {
		return calls.Confirmation{}, notFoundErr(sessionID)
	}
	if err != nil {
		return calls.Confirmation{}, fmt.Errorf("load session: %w", err)
	}

	if existing, ok, err := o.repo.GetConfirmation(ctx, s.ID); err != nil {
		return calls.Confirmation{}, fmt.Errorf("load confirmation: %w", err)
	} else if ok {
		return calls.Confirmation{}, alreadyConfirmed(existing)
	}
	if s.Status != calls.StatusCompleted {
		return calls.Confirmation{}, conflictErr(CodeCallNotCompleted, "call has not completed")
	}

	reward := calls.RewardInfo{Status: "pending"}
	if o.rewards != nil {
		r, err := o.rewards.Quote(ctx, s)
		if err != nil {
			o.logger.Warn("reward quote failed", "session_id", s.ID, "err", err)
		} else {
			reward = r
		}
	}

	stored, created, err := o.repo.Confirm(ctx, calls.Confirmation{
		SessionID:          s.ID,
		CustomerConfirmed:  req.CustomerConfirmed,
		SatisfactionRating: req.SatisfactionRating,
		QualityRating:      req.QualityRating,
		FeedbackText:       req.FeedbackText,
		RewardInfo:         reward,
		ConfirmedAt:        o.clock().UTC(),
	})
	if errors.Is(err, calls.ErrNotCompleted) {
		return calls.Confirmation{}, conflictErr(CodeCallNotCompleted, "call has not completed")
	}
	if err != nil {
		return calls.Confirmation{}, fmt.Errorf("store confirmation: %w", err)
	}
	if !created {
		return calls.Confirmation{}, alreadyConfirmed(stored)
	}
	return stored, nil
}

func alreadyConfirmed(c calls.Confirmation) *Error {
	e := conflictErr(CodeAlreadyConfirmed, "completion already confirmed")
	e.Confirmation = &c
	return e
}
