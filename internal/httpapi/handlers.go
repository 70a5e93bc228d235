package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"feedback-calls/internal/calls"
	"feedback-calls/internal/eventlog"
	"feedback-calls/internal/monitor"
	"feedback-calls/internal/orchestrator"
	"feedback-calls/internal/rbac"
	"feedback-calls/internal/reporting"
	"feedback-calls/internal/scheduler"
	"feedback-calls/pkg/logger"

	"github.com/gin-gonic/gin"
)

// CallService is the orchestrator surface the API uses.
type CallService interface {
	InitiateCall(ctx context.Context, req orchestrator.InitiateRequest) (orchestrator.InitiateResult, error)
	Status(ctx context.Context, sessionID string, withTimeline bool) (orchestrator.StatusView, error)
	ConfirmCompletion(ctx context.Context, sessionID string, req orchestrator.ConfirmRequest) (calls.Confirmation, error)
}

type VerificationHandler interface {
	Handle(ctx context.Context, ev scheduler.VerificationEvent) (scheduler.Outcome, error)
}

type MonitorView interface {
	Active(ctx context.Context) ([]monitor.SessionSnapshot, error)
	LastSnapshot() monitor.Snapshot
}

type SessionReader interface {
	Get(ctx context.Context, id string) (calls.Session, error)
	ListResponses(ctx context.Context, sessionID string) ([]calls.Response, error)
}

type Reporter interface {
	CallsSummary(ctx context.Context, req reporting.CallsSummaryRequest) (reporting.CallsSummary, error)
	ConfirmationMetrics(ctx context.Context, req reporting.ConfirmationMetricsRequest) (reporting.ConfirmationMetrics, error)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Calls         CallService
	Verifications VerificationHandler
	Monitor       MonitorView
	Sessions      SessionReader
	Events        *eventlog.Service
	Reports       Reporter
}

// --- Public call endpoints ---

// CallStatus serves GET /v1/calls/:session_id/status[?timeline=true].
func (h Handlers) CallStatus(c *gin.Context) {
	withTimeline, _ := strconv.ParseBool(c.Query("timeline"))
	v, err := h.Calls.Status(c.Request.Context(), c.Param("session_id"), withTimeline)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// ConfirmCompletion serves POST /v1/calls/:session_id/confirm.
func (h Handlers) ConfirmCompletion(c *gin.Context) {
	var req orchestrator.ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": orchestrator.CodeInvalidRequest, "message": "invalid json"})
		return
	}
	conf, err := h.Calls.ConfirmCompletion(c.Request.Context(), c.Param("session_id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, conf)
}

// --- Internal ingress (service role) ---

// IngestVerification serves POST /v1/internal/verifications for upstream systems
// that cannot publish to the event channel.
func (h Handlers) IngestVerification(c *gin.Context) {
	var ev scheduler.VerificationEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": orchestrator.CodeInvalidRequest, "message": "invalid json"})
		return
	}
	out, err := h.Verifications.Handle(c.Request.Context(), ev)
	if errors.Is(err, scheduler.ErrInvalidEvent) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": orchestrator.CodeInvalidRequest, "message": err.Error()})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, out)
}

type initiateRequest struct {
	VerificationID    string            `json:"verification_id"`
	StoreID           string            `json:"store_id"`
	PhoneNumber       string            `json:"phone_number"`
	RetryCount        int               `json:"retry_count"`
	Priority          calls.Priority    `json:"priority"`
	ExpectedQuestions int               `json:"expected_questions"`
	BusinessContext   map[string]string `json:"business_context,omitempty"`
}

// InitiateCall serves POST /v1/internal/calls. Eligibility rules are the caller's concern.
func (h Handlers) InitiateCall(c *gin.Context) {
	var req initiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": orchestrator.CodeInvalidRequest, "message": "invalid json"})
		return
	}
	if scope := rbac.StoreScope(c); scope != "" && scope != req.StoreID {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	res, err := h.Calls.InitiateCall(c.Request.Context(), orchestrator.InitiateRequest{
		VerificationID:    req.VerificationID,
		StoreID:           req.StoreID,
		PhoneNumber:       req.PhoneNumber,
		RetryCount:        req.RetryCount,
		Priority:          req.Priority,
		ExpectedQuestions: req.ExpectedQuestions,
		BusinessContext:   req.BusinessContext,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// --- Admin (operator) ---

// ActiveCalls serves GET /v1/admin/monitor/active: live elapsed time and running cost.
func (h Handlers) ActiveCalls(c *gin.Context) {
	active, err := h.Monitor.Active(c.Request.Context())
	if err != nil {
		logger.FromGin(c).Error("active calls lookup failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	if scope := rbac.StoreScope(c); scope != "" {
		filtered := active[:0]
		for _, s := range active {
			if s.StoreID == scope {
				filtered = append(filtered, s)
			}
		}
		active = filtered
	}
	c.JSON(http.StatusOK, gin.H{"active": active, "count": len(active)})
}

// MonitorSnapshot serves GET /v1/admin/monitor/snapshot (system-wide; unscoped operators only).
func (h Handlers) MonitorSnapshot(c *gin.Context) {
	if rbac.StoreScope(c) != "" {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.JSON(http.StatusOK, h.Monitor.LastSnapshot())
}

// SessionDetail serves GET /v1/admin/calls/:session_id with the internal event timeline.
func (h Handlers) SessionDetail(c *gin.Context) {
	ctx := c.Request.Context()
	s, err := h.Sessions.Get(ctx, c.Param("session_id"))
	if errors.Is(err, calls.ErrNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": orchestrator.CodeSessionNotFound})
		return
	}
	if err != nil {
		logger.FromGin(c).Error("session lookup failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	if scope := rbac.StoreScope(c); scope != "" && scope != s.StoreID {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": orchestrator.CodeSessionNotFound})
		return
	}
	responses, err := h.Sessions.ListResponses(ctx, s.ID)
	if err != nil {
		logger.FromGin(c).Error("responses lookup failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	events, err := h.Events.Timeline(ctx, s.ID)
	if err != nil {
		logger.FromGin(c).Error("timeline lookup failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": s, "responses": responses, "events": events})
}

// CallsReport serves GET /v1/admin/reports/calls?store_id=&from=&to= (RFC3339, default last 24h).
func (h Handlers) CallsReport(c *gin.Context) {
	storeID, rng, ok := reportScope(c)
	if !ok {
		return
	}
	out, err := h.Reports.CallsSummary(c.Request.Context(), reporting.CallsSummaryRequest{StoreID: storeID, Range: rng})
	if err != nil {
		writeReportError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// ConfirmationsReport serves GET /v1/admin/reports/confirmations.
func (h Handlers) ConfirmationsReport(c *gin.Context) {
	storeID, rng, ok := reportScope(c)
	if !ok {
		return
	}
	out, err := h.Reports.ConfirmationMetrics(c.Request.Context(), reporting.ConfirmationMetricsRequest{StoreID: storeID, Range: rng})
	if err != nil {
		writeReportError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// reportScope resolves the store and time range; store-scoped callers are pinned to their store.
func reportScope(c *gin.Context) (string, reporting.TimeRange, bool) {
	storeID := c.Query("store_id")
	if scope := rbac.StoreScope(c); scope != "" {
		if storeID != "" && storeID != scope {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return "", reporting.TimeRange{}, false
		}
		storeID = scope
	}

	rng := reporting.TimeRange{To: time.Now().UTC()}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": orchestrator.CodeInvalidRequest, "message": "to must be RFC3339"})
			return "", reporting.TimeRange{}, false
		}
		rng.To = t
	}
	rng.From = rng.To.Add(-24 * time.Hour)
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": orchestrator.CodeInvalidRequest, "message": "from must be RFC3339"})
			return "", reporting.TimeRange{}, false
		}
		rng.From = t
	}
	return storeID, rng, true
}

func writeReportError(c *gin.Context, err error) {
	if errors.Is(err, reporting.ErrInvalidRequest) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": orchestrator.CodeInvalidRequest, "message": "store_id and a valid range are required"})
		return
	}
	logger.FromGin(c).Error("report failed", "err", err)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "report failed"})
}

// writeError maps orchestrator errors to HTTP. Unknown errors are logged and hidden.
func writeError(c *gin.Context, err error) {
	e, ok := orchestrator.AsError(err)
	if !ok {
		logger.FromGin(c).Error("request failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	body := gin.H{"error": e.Code, "message": e.Message}
	if e.SessionID != "" && e.Kind != orchestrator.KindNotFound {
		body["session_id"] = e.SessionID
	}
	if e.Confirmation != nil {
		body["confirmation"] = e.Confirmation
	}

	status := http.StatusInternalServerError
	switch e.Kind {
	case orchestrator.KindValidation:
		status = http.StatusBadRequest
	case orchestrator.KindNotFound:
		status = http.StatusNotFound
	case orchestrator.KindConflict:
		status = http.StatusConflict
	case orchestrator.KindProvider, orchestrator.KindAI:
		status = http.StatusBadGateway
	case orchestrator.KindTimeout:
		status = http.StatusGatewayTimeout
	}
	if status >= 500 {
		logger.FromGin(c).Error("request failed", "code", e.Code, "err", err)
	}
	c.AbortWithStatusJSON(status, body)
}
