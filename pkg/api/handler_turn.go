package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/appforge-io/appforge/pkg/agent"
	"github.com/appforge-io/appforge/pkg/faults"
	"github.com/appforge-io/appforge/pkg/models"
)

type startTurnRequest struct {
	Message string `json:"message"`
	Model   string `json:"model"`
}

// handleStartTurn handles POST /api/v1/projects/:id/turns. The user
// message is persisted up front, then the turn streams as server-sent
// events (one event per agent.TurnEvent). Errors after the stream opens
// arrive as error events, not HTTP statuses.
func (s *Server) handleStartTurn(c *gin.Context) {
	projectID := c.Param("id")
	ctx := c.Request.Context()

	var req startTurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, faults.Validation("invalid request body: %v", err))
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		respondError(c, faults.Validation("message is required"))
		return
	}
	model := req.Model
	if model == "" {
		model = s.model
	}

	if err := s.contexts.EnsureProject(ctx, projectID, ""); err != nil {
		respondError(c, err)
		return
	}
	userMsg := models.Message{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Role:      models.RoleUser,
		Content:   req.Message,
		CreatedAt: time.Now(),
	}
	if err := s.contexts.AppendMessages(ctx, projectID, []models.Message{userMsg}); err != nil {
		respondError(c, err)
		return
	}
	history, err := s.contexts.ListMessages(ctx, projectID)
	if err != nil {
		respondError(c, err)
		return
	}

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	result, err := s.turns.Run(ctx, agent.TurnRequest{
		ProjectID: projectID,
		Model:     model,
		Messages:  history,
	}, func(ev agent.TurnEvent) {
		writeSSE(c.Writer, ev)
	})
	if err != nil {
		// The orchestrator already emitted an error event on the stream.
		s.logger.Warn("Turn ended with error", "project_id", projectID, "error", err)
		return
	}
	s.logger.Info("Turn completed",
		"project_id", projectID,
		"steps", result.Steps,
		"files_created", result.FilesCreated,
		"files_updated", result.FilesUpdated)
}

// writeSSE writes one event in text/event-stream framing and flushes it.
func writeSSE(w gin.ResponseWriter, ev agent.TurnEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	w.Flush()
}
