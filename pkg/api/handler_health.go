package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/appforge-io/appforge/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

type healthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status        string                 `json:"status"`
	Version       string                 `json:"version"`
	Checks        map[string]healthCheck `json:"checks"`
	WSConnections int                    `json:"ws_connections"`
}

// handleHealth handles GET /api/v1/health. Only our own components are
// checked; the LLM provider is excluded so an upstream outage does not
// make the orchestrator restart us.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]healthCheck)
	status := healthStatusHealthy

	switch {
	case s.health == nil:
		status = healthStatusDegraded
		checks["database"] = healthCheck{Status: healthStatusDegraded, Message: "no database configured"}
	default:
		if _, err := s.health.Health(ctx); err != nil {
			status = healthStatusUnhealthy
			checks["database"] = healthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
		} else {
			checks["database"] = healthCheck{Status: healthStatusHealthy}
		}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, healthResponse{
		Status:        status,
		Version:       version.GitCommit,
		Checks:        checks,
		WSConnections: s.conns.ActiveConnections(),
	})
}
