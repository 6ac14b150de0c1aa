package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalith-99/huddle/internal/repository"
)

const healthTimeout = 2 * time.Second

// HealthHandler is public so load balancers can check it without a token.
type HealthHandler struct {
	checks map[string]repository.Pinger
	logger *zap.Logger
}

// NewHealthHandler takes the backends to check, keyed by the name shown in
// the response ("storage", "redis").
func NewHealthHandler(checks map[string]repository.Pinger, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{checks: checks, logger: logger}
}

// Check handles GET /v1/health. Backends are pinged concurrently; any
// failure turns the answer into a 503.
func (h *HealthHandler) Check(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	var (
		mu      sync.Mutex
		results = make(map[string]string, len(h.checks))
		healthy = true
		g       errgroup.Group
	)
	for name, p := range h.checks {
		g.Go(func() error {
			status := "ok"
			if err := p.Ping(ctx); err != nil {
				h.logger.Warn("health check failed", zap.String("backend", name), zap.Error(err))
				status = "unreachable"
			}
			mu.Lock()
			defer mu.Unlock()
			results[name] = status
			if status != "ok" {
				healthy = false
			}
			return nil
		})
	}
	_ = g.Wait()

	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "checks": results})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "checks": results})
}
