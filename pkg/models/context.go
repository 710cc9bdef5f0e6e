// Package models holds the shared domain types exchanged between the context
// store, sandbox manager, dev-server supervisor, tools, and orchestrator.
package models

import (
	"encoding/json"
	"time"
)

// DefaultProjectDir is the fixed project location inside every sandbox.
const DefaultProjectDir = "/home/user/project"

// FileStatus tracks what happened to a file since the last sync.
type FileStatus string

const (
	FileCreated FileStatus = "created"
	FileUpdated FileStatus = "updated"
	FileDeleted FileStatus = "deleted"
)

// FileRecord is a single tracked project file. Paths are stored relative to
// the project dir, normalized (no leading slash, no ".." segments).
type FileRecord struct {
	Content      string     `json:"content"`
	Language     string     `json:"language,omitempty"`
	LastModified time.Time  `json:"last_modified"`
	Status       FileStatus `json:"status"`
}

// BuildStatus is the last observed compile/lint state of the project.
type BuildStatus struct {
	HasErrors   bool      `json:"has_errors"`
	HasWarnings bool      `json:"has_warnings"`
	Errors      []string  `json:"errors,omitempty"`
	Warnings    []string  `json:"warnings,omitempty"`
	LastChecked time.Time `json:"last_checked"`
}

// ServerState describes the dev server inside the sandbox.
type ServerState struct {
	IsRunning bool       `json:"is_running"`
	Port      int        `json:"port,omitempty"`
	URL       string     `json:"url,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}

// ToolExecution is one entry in the bounded tool history ring.
type ToolExecution struct {
	Name       string          `json:"name"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     string          `json:"output,omitempty"`
	Success    bool            `json:"success"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	DurationMs int64           `json:"duration_ms"`
}

// ProjectContext is the canonical per-project state owned by the context
// store. All other components read it through the store.
type ProjectContext struct {
	ProjectID      string                `json:"project_id"`
	ProjectName    string                `json:"project_name"`
	ProjectDir     string                `json:"project_dir"`
	SandboxID      string                `json:"sandbox_id,omitempty"`
	Files          map[string]FileRecord `json:"files"`
	Dependencies   map[string]string     `json:"dependencies"`
	BuildStatus    *BuildStatus          `json:"build_status,omitempty"`
	ServerState    *ServerState          `json:"server_state,omitempty"`
	ToolHistory    []ToolExecution       `json:"tool_history"`
	ErrorHistory   []string              `json:"error_history"`
	TaskGraph      *TaskGraph            `json:"task_graph,omitempty"`
	CompletedSteps []string              `json:"completed_steps"`
	CreatedAt      time.Time             `json:"created_at"`
	LastActivity   time.Time             `json:"last_activity"`
}

// NewProjectContext creates an empty context with the conventional dir.
func NewProjectContext(projectID string) *ProjectContext {
	now := time.Now()
	return &ProjectContext{
		ProjectID:    projectID,
		ProjectName:  projectID, // placeholder until title derivation runs
		ProjectDir:   DefaultProjectDir,
		Files:        make(map[string]FileRecord),
		Dependencies: make(map[string]string),
		CreatedAt:    now,
		LastActivity: now,
	}
}

// Clone returns a deep copy safe to hand out as a snapshot.
func (c *ProjectContext) Clone() *ProjectContext {
	cp := *c
	cp.Files = make(map[string]FileRecord, len(c.Files))
	for k, v := range c.Files {
		cp.Files[k] = v
	}
	cp.Dependencies = make(map[string]string, len(c.Dependencies))
	for k, v := range c.Dependencies {
		cp.Dependencies[k] = v
	}
	cp.ToolHistory = append([]ToolExecution(nil), c.ToolHistory...)
	cp.ErrorHistory = append([]string(nil), c.ErrorHistory...)
	cp.CompletedSteps = append([]string(nil), c.CompletedSteps...)
	if c.BuildStatus != nil {
		bs := *c.BuildStatus
		bs.Errors = append([]string(nil), c.BuildStatus.Errors...)
		bs.Warnings = append([]string(nil), c.BuildStatus.Warnings...)
		cp.BuildStatus = &bs
	}
	if c.ServerState != nil {
		ss := *c.ServerState
		cp.ServerState = &ss
	}
	if c.TaskGraph != nil {
		cp.TaskGraph = c.TaskGraph.Clone()
	}
	return &cp
}

// ContextPatch is a partial update applied by ContextStore.Update. Nil fields
// are left untouched. Files and Dependencies merge by key; a FileDeleted
// record removes the entry.
type ContextPatch struct {
	ProjectName  *string               `json:"project_name,omitempty"`
	SandboxID    *string               `json:"sandbox_id,omitempty"`
	Files        map[string]FileRecord `json:"files,omitempty"`
	Dependencies map[string]string     `json:"dependencies,omitempty"`
	BuildStatus  *BuildStatus          `json:"build_status,omitempty"`
	ServerState  *ServerState          `json:"server_state,omitempty"`
}
