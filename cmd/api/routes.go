package main

import (
	"context"
	"database/sql"
	"time"

	"feedback-calls/internal/ai"
	"feedback-calls/internal/httpapi"
	"feedback-calls/internal/rbac"
	"feedback-calls/internal/telephony"
	"feedback-calls/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, a *app, authMW gin.HandlerFunc, db *sql.DB, rdb *redis.Client) {
	// public
	r.GET("/healthz", httpapi.Healthz)
	r.GET("/readyz", httpapi.Readyz(2*time.Second,
		httpapi.Check{Name: "postgres", Fn: func(ctx context.Context) error { return utils.HealthCheck(ctx, db, time.Second) }},
		httpapi.Check{Name: "redis", Fn: func(ctx context.Context) error { return utils.RedisHealthCheck(ctx, rdb, time.Second) }},
	))
	r.GET("/metrics", gin.WrapH(a.metrics.Handler()))

	// Provider and AI webhooks are authenticated by signature, not bearer tokens.
	{
		th := telephony.WebhookHandler{
			Providers: a.providers,
			Sink:      a.orchestrator,
			StreamURL: a.cfg.AI.MediaStreamURL,
			Metrics:   a.metrics,
		}
		r.POST("/webhooks/telephony/:provider", th.Handle)

		ah := ai.WebhookHandler{
			Secret:  []byte(a.cfg.AI.WebhookSecret),
			Sink:    a.orchestrator,
			Metrics: a.metrics,
		}
		r.POST("/webhooks/ai", ah.Handle)
	}

	h := httpapi.Handlers{
		Calls:         a.orchestrator,
		Verifications: a.scheduler,
		Monitor:       a.monitor,
		Sessions:      a.sessions,
		Events:        a.events,
		Reports:       a.reports,
	}

	// CALLS routes: customer-facing, addressed by the unguessable session id.
	public := r.Group("/v1/calls")
	{
		public.GET("/:session_id/status", h.CallStatus)
		public.POST("/:session_id/confirm", h.ConfirmCompletion)
	}

	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		// INTERNAL routes: upstream verification system.
		internal := v1.Group("/internal")
		internal.Use(rbac.RequireAnyRole(rbac.RoleService))
		{
			internal.POST("/verifications", h.IngestVerification)
			internal.POST("/calls", h.InitiateCall)
		}

		// ADMIN routes. Store-scoped operators only see their store.
		admin := v1.Group("/admin")
		admin.Use(rbac.RequireAnyRole(rbac.RoleOperator))
		{
			admin.GET("/monitor/active", h.ActiveCalls)
			admin.GET("/monitor/snapshot", h.MonitorSnapshot)
			admin.GET("/calls/:session_id", h.SessionDetail)
			admin.GET("/reports/calls", h.CallsReport)
			admin.GET("/reports/confirmations", h.ConfirmationsReport)
		}
	}
}
