package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"feedback-calls/internal/ai"
	"feedback-calls/internal/calls"
	"feedback-calls/internal/telephony"
)

var (
	_ telephony.EventSink = (*Orchestrator)(nil)
	_ ai.EventSink        = (*Orchestrator)(nil)
)

// HandleProviderEvent applies a normalized telephony webhook. Duplicates and
// out-of-order deliveries fall out as no-op transitions.
func (o *Orchestrator) HandleProviderEvent(ctx context.Context, ev telephony.WebhookEvent) (string, error) {
	s, err := o.repo.FindByProviderCall(ctx, ev.ProviderID, ev.Data.CallID)
	if errors.Is(err, calls.ErrNotFound) {
		o.metrics.Webhook(ev.ProviderID, "unknown_call")
		return "", fmt.Errorf("%w: %s/%s", telephony.ErrUnknownCall, ev.ProviderID, ev.Data.CallID)
	}
	if err != nil {
		return "", fmt.Errorf("find session by provider call: %w", err)
	}
	o.metrics.Webhook(ev.ProviderID, "accepted")

	if err := o.events.LogWebhook(ctx, s.ID, ev.ProviderID, string(ev.Event)+":"+string(ev.Data.Status), ev.Data); err != nil {
		o.logger.Error("event log append failed", "session_id", s.ID, "err", err)
	}

	switch ev.Data.Status {
	case telephony.CallAnswered:
		return s.ID, o.onAnswered(ctx, s.ID)

	case telephony.CallCompleted:
		_, applied, err := o.Transition(ctx, s.ID,
			[]calls.Status{calls.StatusInProgress}, calls.StatusCompleted,
			TransitionOptions{Source: SourceProviderWebhook, DurationSeconds: ev.Data.DurationSeconds},
		)
		if err != nil || applied {
			return s.ID, err
		}
		_, _, err = o.Transition(ctx, s.ID,
			[]calls.Status{calls.StatusConnecting}, calls.StatusFailed,
			TransitionOptions{Source: SourceProviderWebhook, Reason: "ended_before_answer"},
		)
		return s.ID, err

	case telephony.CallBusy, telephony.CallNoAnswer, telephony.CallFailed, telephony.CallCanceled:
		if ev.Data.ErrorCode != "" || ev.Data.ErrorMessage != "" {
			_ = o.events.LogError(ctx, s.ID, ev.ProviderID, ev.Data.ErrorCode, ev.Data.ErrorMessage)
		}
		_, _, err := o.Transition(ctx, s.ID,
			[]calls.Status{calls.StatusPending, calls.StatusConnecting, calls.StatusInProgress}, calls.StatusFailed,
			TransitionOptions{Source: SourceProviderWebhook, Reason: string(ev.Data.Status)},
		)
		return s.ID, err
	}
	return s.ID, nil
}

// onAnswered moves connecting -> in_progress and starts the AI conversation once.
func (o *Orchestrator) onAnswered(ctx context.Context, sessionID string) error {
	s, applied, err := o.Transition(ctx, sessionID,
		[]calls.Status{calls.StatusConnecting}, calls.StatusInProgress,
		TransitionOptions{Source: SourceProviderWebhook},
	)
	if err != nil || !applied || o.ai == nil {
		return err
	}

	h, err := o.ai.Start(ctx, s)
	if err != nil {
		o.logger.Error("ai conversation start failed", "session_id", s.ID, "err", err)
		_ = o.events.LogError(ctx, s.ID, "ai", "AI_START_FAILED", err.Error())
		_, _, terr := o.Transition(ctx, s.ID,
			[]calls.Status{calls.StatusInProgress}, calls.StatusFailed,
			TransitionOptions{Source: SourceAIStart, Reason: "ai_service_failure"},
		)
		return terr
	}
	if err := o.events.LogAIEvent(ctx, s.ID, "conversation_started", h); err != nil {
		o.logger.Error("event log append failed", "session_id", s.ID, "err", err)
	}
	return nil
}

// HandleAIEvent applies an AI service webhook.
func (o *Orchestrator) HandleAIEvent(ctx context.Context, ev ai.Event) error {
	s, err := o.repo.Get(ctx, ev.SessionID)
	if errors.Is(err, calls.ErrNotFound) {
		o.metrics.Webhook("ai", "unknown_session")
		return fmt.Errorf("%w: %s", ai.ErrUnknownSession, ev.SessionID)
	}
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	o.metrics.Webhook("ai", "accepted")

	switch ev.Event {
	case ai.EventAudioChunk:
		chunk, err := ev.AudioChunk()
		if err != nil {
			return err
		}
		return o.events.LogAudioChunk(ctx, s.ID, chunk.SizeBytes, chunk.Format)

	case ai.EventQuestionAnswered:
		a, err := ev.Answer()
		if err != nil {
			return err
		}
		o.logAIEvent(ctx, s.ID, ev)
		inserted, err := o.repo.AddResponse(ctx, calls.Response{
			SessionID:    s.ID,
			QuestionID:   a.QuestionID,
			ResponseText: a.ResponseText,
			Confidence:   a.Confidence,
			Sentiment:    a.Sentiment,
			AskedAt:      a.AskedAt,
			RespondedAt:  a.RespondedAt,
		})
		if err != nil {
			return fmt.Errorf("record response: %w", err)
		}
		return o.events.LogResponse(ctx, s.ID, a.QuestionID, inserted)

	case ai.EventSessionCompleted:
		c, err := ev.Completion()
		if err != nil {
			return err
		}
		o.logAIEvent(ctx, s.ID, ev)
		_, _, err = o.Transition(ctx, s.ID,
			[]calls.Status{calls.StatusConnecting, calls.StatusInProgress}, calls.StatusCompleted,
			TransitionOptions{
				Source:          SourceAIWebhook,
				DurationSeconds: c.DurationSeconds,
				Mutate: func(cur *calls.Session) {
					if c.TranscriptRef != "" {
						cur.TranscriptRef = c.TranscriptRef
					}
					answered := c.QuestionsAnswered
					cur.QuestionsAnswered = &answered
				},
			},
		)
		return err

	case ai.EventSessionFailed:
		f, err := ev.Failure()
		if err != nil {
			return err
		}
		o.logAIEvent(ctx, s.ID, ev)
		_ = o.events.LogError(ctx, s.ID, "ai", f.ErrorCode, f.ErrorMessage)
		_, _, err = o.Transition(ctx, s.ID,
			[]calls.Status{calls.StatusConnecting, calls.StatusInProgress}, calls.StatusFailed,
			TransitionOptions{Source: SourceAIWebhook, Reason: "ai_service_failure"},
		)
		return err

	default:
		o.logAIEvent(ctx, s.ID, ev)
		return nil
	}
}

func (o *Orchestrator) logAIEvent(ctx context.Context, sessionID string, ev ai.Event) {
	if err := o.events.LogAIEvent(ctx, sessionID, string(ev.Event), ev.Data); err != nil {
		o.logger.Error("event log append failed", "session_id", sessionID, "err", err)
	}
}
