package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Check is a named readiness probe.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

func Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Readyz runs every check with a shared timeout and reports each result.
func Readyz(timeout time.Duration, checks ...Check) gin.HandlerFunc {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()

		status := http.StatusOK
		results := make(gin.H, len(checks))
		for _, ch := range checks {
			if err := ch.Fn(ctx); err != nil {
				status = http.StatusServiceUnavailable
				results[ch.Name] = err.Error()
				continue
			}
			results[ch.Name] = "ok"
		}
		state := "ready"
		if status != http.StatusOK {
			state = "not_ready"
		}
		c.JSON(status, gin.H{"status": state, "checks": results})
	}
}
