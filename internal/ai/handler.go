package ai

import (
	"context"
	"errors"
	"io"
	"net/http"

	"feedback-calls/internal/metrics"
	"feedback-calls/pkg/logger"

	"github.com/gin-gonic/gin"
)

const maxEventBodyBytes = 1 << 20

// EventSink applies AI events to call sessions.
type EventSink interface {
	HandleAIEvent(ctx context.Context, ev Event) error
}

// WebhookHandler serves POST /webhooks/ai.
type WebhookHandler struct {
	// Secret verifies X-AI-Signature. Without it every request is rejected.
	Secret  []byte
	Sink    EventSink
	Metrics *metrics.Metrics
}

func (h WebhookHandler) Handle(c *gin.Context) {
	log := logger.FromGin(c)

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEventBodyBytes+1))
	if err != nil || len(body) > maxEventBodyBytes {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}

	if len(h.Secret) == 0 {
		log.Error("ai webhook secret not configured", "security_event", true)
		h.Metrics.Webhook("ai", "unauthorized")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "webhook verification unavailable"})
		return
	}
	if !VerifySignature(h.Secret, body, c.GetHeader(SignatureHeader)) {
		log.Warn("ai webhook signature rejected", "security_event", true, "client_ip", c.ClientIP())
		h.Metrics.Webhook("ai", "unauthorized")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	ev, err := ParseEvent(body)
	if err != nil {
		log.Warn("ai webhook malformed", "err", err)
		h.Metrics.Webhook("ai", "malformed")
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "malformed event"})
		return
	}

	err = h.Sink.HandleAIEvent(c.Request.Context(), ev)
	switch {
	case errors.Is(err, ErrUnknownSession):
		log.Info("ai event for unknown session", "session_id", ev.SessionID, "event", ev.Event)
	case errors.Is(err, ErrMalformedEvent):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "malformed event"})
		return
	case err != nil:
		log.Error("ai event handling failed", "session_id", ev.SessionID, "event", ev.Event, "err", err)
		h.Metrics.Webhook("ai", "error")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.Status(http.StatusNoContent)
}
