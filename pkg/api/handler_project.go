package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/appforge-io/appforge/pkg/devserver"
	"github.com/appforge-io/appforge/pkg/faults"
)

// handleGetProject handles GET /api/v1/projects/:id. Returns the context
// snapshot plus the conversation log.
func (s *Server) handleGetProject(c *gin.Context) {
	projectID := c.Param("id")

	exists, err := s.contexts.Exists(c.Request.Context(), projectID)
	if err != nil {
		respondError(c, err)
		return
	}
	if !exists {
		respondError(c, faults.NotFound("project %s not found", projectID))
		return
	}

	pc, err := s.contexts.Get(c.Request.Context(), projectID)
	if err != nil {
		respondError(c, err)
		return
	}
	msgs, err := s.contexts.ListMessages(c.Request.Context(), projectID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"context": pc, "messages": msgs})
}

type restoreResponse struct {
	SandboxID     string `json:"sandbox_id"`
	PreviewURL    string `json:"preview_url,omitempty"`
	FilesRestored int    `json:"files_restored"`
}

// handleRestoreProject handles POST /api/v1/projects/:id/restore. Brings
// the sandbox back (reconnect or recreate with tracked files written) and
// starts the dev server for the preview URL. A dev server that fails to
// come up degrades the response instead of failing the restore.
func (s *Server) handleRestoreProject(c *gin.Context) {
	projectID := c.Param("id")
	ctx := c.Request.Context()

	exists, err := s.contexts.Exists(ctx, projectID)
	if err != nil {
		respondError(c, err)
		return
	}
	if !exists {
		respondError(c, faults.NotFound("project %s not found", projectID))
		return
	}

	inst, err := s.sandboxes.EnsureSandbox(ctx, projectID)
	if err != nil {
		respondError(c, err)
		return
	}
	pc, err := s.contexts.Get(ctx, projectID)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := restoreResponse{SandboxID: inst.ID(), FilesRestored: len(pc.Files)}
	result, err := s.devservers.Start(ctx, projectID, devserver.StartOptions{ProjectName: pc.ProjectName})
	if err != nil {
		s.logger.Warn("Restore completed but dev server did not start",
			"project_id", projectID, "error", err)
	} else {
		resp.PreviewURL = result.URL
	}
	c.JSON(http.StatusOK, resp)
}
