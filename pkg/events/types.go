// Package events provides the in-process event bus that decouples the
// context store, sandbox manager, and dev-server supervisor. Publishers
// never call subscribers directly; back-edges between components are
// messages on this bus.
package events

import (
	"time"

	"github.com/appforge-io/appforge/pkg/models"
)

// Type identifies the kind of event.
type Type string

const (
	TypeProjectUpdated        Type = "project.updated"
	TypeSandboxStateChanged   Type = "sandbox.state_changed"
	TypeDevServerStateChanged Type = "devserver.state_changed"
	TypeFilesChanged          Type = "files.changed"
	TypeContextChanged        Type = "context.changed"
	TypeToolExecuted          Type = "tool.executed"
	TypeBuildStatusChanged    Type = "build.status_changed"
)

// Event carries a typed payload scoped to one project.
type Event struct {
	Type      Type      `json:"type"`
	ProjectID string    `json:"project_id"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// ProjectChannel returns the delivery channel name for a project's events.
// Format: "project:{project_id}"
func ProjectChannel(projectID string) string {
	return "project:" + projectID
}

// SandboxStatePayload is the payload for sandbox.state_changed events.
type SandboxStatePayload struct {
	State     string `json:"state"`
	SandboxID string `json:"sandbox_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// DevServerStatePayload is the payload for devserver.state_changed events.
type DevServerStatePayload struct {
	IsRunning bool   `json:"is_running"`
	Port      int    `json:"port,omitempty"`
	URL       string `json:"url,omitempty"`
}

// FilesChangedPayload is the payload for files.changed events. One event is
// published per logical write, however many files it touched.
type FilesChangedPayload struct {
	Paths []string `json:"paths"`
}

// ToolExecutedPayload is the payload for tool.executed events.
type ToolExecutedPayload struct {
	Name       string `json:"name"`
	Success    bool   `json:"success"`
	DurationMs int64  `json:"duration_ms"`
}

// BuildStatusPayload is the payload for build.status_changed events.
type BuildStatusPayload struct {
	Status *models.BuildStatus `json:"status"`
}
