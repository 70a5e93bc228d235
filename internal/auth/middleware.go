package auth

import (
	"net/http"
	"strings"
	"time"

	"feedback-calls/pkg/logger"

	"github.com/gin-gonic/gin"
)

const bearerPrefix = "Bearer "

// RequireAccessToken verifies an internal caller's access token and injects identity
// into the request context. RBAC checks belong to internal/rbac.
func RequireAccessToken(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims, err := m.Verify(tok, TokenTypeAccess, time.Now())
		if err != nil {
			logger.FromGin(c).Warn("access token rejected", "err", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		// Request logs carry the caller from here on.
		reqLogger := logger.FromGin(c).With("subject", claims.Subject, "role", claims.Role)
		if claims.StoreID != "" {
			reqLogger = reqLogger.With("store_scope", claims.StoreID)
		}
		c.Set("logger", reqLogger)

		ctx := WithIdentity(c.Request.Context(), claims.Subject, claims.StoreID, claims.Role)
		c.Request = c.Request.WithContext(logger.With(ctx, reqLogger))
		c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	raw := strings.TrimSpace(header)
	if len(raw) <= len(bearerPrefix) || !strings.EqualFold(raw[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	tok := strings.TrimSpace(raw[len(bearerPrefix):])
	return tok, tok != ""
}
