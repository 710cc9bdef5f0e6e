package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/appforge-io/appforge/pkg/devserver"
	"github.com/appforge-io/appforge/pkg/faults"
)

type devServerStartRequest struct {
	ProjectName  string `json:"project_name"`
	ForceRestart bool   `json:"force_restart"`
	// SandboxID is a client hint only. The supervisor always resolves
	// the sandbox through the project context, so a stale id is ignored.
	SandboxID string `json:"sandbox_id"`
}

// handleDevServerStart handles POST /api/v1/projects/:id/devserver/start.
func (s *Server) handleDevServerStart(c *gin.Context) {
	projectID := c.Param("id")

	var req devServerStartRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, faults.Validation("invalid request body: %v", err))
			return
		}
	}

	if req.SandboxID != "" {
		if pc, err := s.contexts.Get(c.Request.Context(), projectID); err == nil && pc.SandboxID != "" && pc.SandboxID != req.SandboxID {
			s.logger.Warn("Ignoring stale sandbox id on dev server start",
				"project_id", projectID, "requested", req.SandboxID, "attached", pc.SandboxID)
		}
	}

	result, err := s.devservers.Start(c.Request.Context(), projectID, devserver.StartOptions{
		ProjectName:  req.ProjectName,
		ForceRestart: req.ForceRestart,
	})
	if err != nil {
		var notReady *devserver.NotReadyError
		if errors.As(err, &notReady) {
			c.JSON(http.StatusGatewayTimeout, gin.H{
				"error": errorBody{
					Kind:      string(faults.KindTimeout),
					Message:   notReady.Error(),
					Retryable: true,
				},
				"logs": notReady.Logs,
			})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleDevServerStop handles POST /api/v1/projects/:id/devserver/stop.
// Stopping an already stopped server succeeds.
func (s *Server) handleDevServerStop(c *gin.Context) {
	if err := s.devservers.Stop(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": true})
}

// handleDevServerStatus handles GET /api/v1/projects/:id/devserver.
func (s *Server) handleDevServerStatus(c *gin.Context) {
	status, err := s.devservers.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}
