package telephony

import (
	"context"
	"errors"
	"io"
	"net/http"

	"feedback-calls/internal/metrics"
	"feedback-calls/pkg/logger"

	"github.com/gin-gonic/gin"
)

const maxWebhookBodyBytes = 1 << 20

// ErrUnknownCall is returned by an EventSink when no session matches the provider call.
var ErrUnknownCall = errors.New("telephony: unknown call")

// EventSink consumes normalized webhooks. It returns the session the event applied to.
type EventSink interface {
	HandleProviderEvent(ctx context.Context, ev WebhookEvent) (sessionID string, err error)
}

// ProviderLookup resolves the :provider path segment.
type ProviderLookup interface {
	Provider(name string) (Provider, bool)
}

// WebhookHandler verifies, normalizes and forwards provider webhooks.
//
// No business logic here: state decisions belong to the sink.
type WebhookHandler struct {
	Providers ProviderLookup
	Sink      EventSink

	// StreamURL is the AI media websocket answered calls are bridged to.
	StreamURL string

	Metrics *metrics.Metrics
}

func (h WebhookHandler) Handle(c *gin.Context) {
	log := logger.FromGin(c)
	name := c.Param("provider")

	p, ok := h.Providers.Provider(name)
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyBytes+1))
	if err != nil || len(body) > maxWebhookBodyBytes {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}

	if err := p.VerifyWebhook(c.Request, body); err != nil {
		log.Warn("webhook signature rejected", "security_event", true, "provider", name, "client_ip", c.ClientIP(), "err", err)
		h.Metrics.Webhook(name, "unauthorized")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	ev, err := p.NormalizeWebhook(c.Request, body)
	if err != nil {
		log.Warn("webhook normalize failed", "provider", name, "err", err)
		h.Metrics.Webhook(name, "malformed")
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "malformed webhook"})
		return
	}

	sessionID, err := h.Sink.HandleProviderEvent(c.Request.Context(), ev)
	switch {
	case errors.Is(err, ErrUnknownCall):
		// Acknowledge so the provider stops redelivering.
		log.Info("webhook for unknown call", "provider", name, "call_id", ev.Data.CallID)
		if ev.Event == EventVoiceStart {
			h.writeHangup(c, p)
			return
		}
		c.Status(http.StatusNoContent)
		return
	case err != nil:
		log.Error("webhook handling failed", "provider", name, "call_id", ev.Data.CallID, "err", err)
		h.Metrics.Webhook(name, "error")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	if ev.Event == EventVoiceStart {
		if mb, ok := p.(MediaBridge); ok {
			ct, out, err := mb.StreamResponse(h.StreamURL, sessionID)
			if err != nil {
				log.Error("stream response render failed", "provider", name, "err", err)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "render failed"})
				return
			}
			c.Data(http.StatusOK, ct, out)
			return
		}
	}
	c.Status(http.StatusNoContent)
}

func (h WebhookHandler) writeHangup(c *gin.Context, p Provider) {
	if _, ok := p.(MediaBridge); !ok {
		c.Status(http.StatusNoContent)
		return
	}
	xml, err := RenderHangupTwiML()
	if err != nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.Data(http.StatusOK, "application/xml", []byte(xml))
}
