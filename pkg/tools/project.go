package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/appforge-io/appforge/pkg/models"
	"github.com/appforge-io/appforge/pkg/sandbox"
)

// projectSummary is the analyzeProjectState output.
type projectSummary struct {
	ProjectID      string              `json:"project_id"`
	ProjectName    string              `json:"project_name"`
	SandboxID      string              `json:"sandbox_id,omitempty"`
	FileCount      int                 `json:"file_count"`
	Files          []string            `json:"files,omitempty"`
	Dependencies   map[string]string   `json:"dependencies,omitempty"`
	BuildStatus    *models.BuildStatus `json:"build_status,omitempty"`
	ServerState    *models.ServerState `json:"server_state,omitempty"`
	Plan           *planSummary        `json:"plan,omitempty"`
	RecentErrors   []string            `json:"recent_errors,omitempty"`
	CompletedSteps []string            `json:"completed_steps,omitempty"`
	LastActivity   time.Time           `json:"last_activity"`
}

type planSummary struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Pending   int `json:"pending"`
}

// analyzeProjectState summarizes the tracked context for the model.
func (r *Registry) analyzeProjectState() *Tool {
	return &Tool{
		Name:        "analyzeProjectState",
		Description: "Summarize the current project state: files, dependencies, build status, dev server, plan progress, and recent errors.",
		Category:    CategoryProject,
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {},
			"additionalProperties": false
		}`),
		Execute: func(ctx context.Context, projectID string, _ json.RawMessage) (any, error) {
			pc, err := r.contexts.Get(ctx, projectID)
			if err != nil {
				return nil, err
			}
			summary := &projectSummary{
				ProjectID:      pc.ProjectID,
				ProjectName:    pc.ProjectName,
				SandboxID:      pc.SandboxID,
				FileCount:      len(pc.Files),
				Dependencies:   pc.Dependencies,
				BuildStatus:    pc.BuildStatus,
				ServerState:    pc.ServerState,
				CompletedSteps: pc.CompletedSteps,
				LastActivity:   pc.LastActivity,
			}
			for p := range pc.Files {
				summary.Files = append(summary.Files, p)
			}
			sort.Strings(summary.Files)
			if pc.TaskGraph != nil {
				plan := &planSummary{Total: len(pc.TaskGraph.Tasks)}
				for _, t := range pc.TaskGraph.Tasks {
					switch t.Status {
					case models.TaskCompleted:
						plan.Completed++
					case models.TaskPending:
						plan.Pending++
					}
				}
				summary.Plan = plan
			}
			// Newest errors first, capped so the summary stays small.
			for i := len(pc.ErrorHistory) - 1; i >= 0 && len(summary.RecentErrors) < 5; i-- {
				summary.RecentErrors = append(summary.RecentErrors, pc.ErrorHistory[i])
			}
			return summary, nil
		},
	}
}

// getProjectStructure lists the file tree inside the sandbox, skipping
// node_modules and VCS internals.
func (r *Registry) getProjectStructure() *Tool {
	return &Tool{
		Name:        "getProjectStructure",
		Description: "List the project's files as they exist inside the sandbox, excluding node_modules and .git.",
		Category:    CategoryProject,
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {},
			"additionalProperties": false
		}`),
		Execute: func(ctx context.Context, projectID string, _ json.RawMessage) (any, error) {
			cmd := `find . -type f -not -path '*/node_modules/*' -not -path '*/.git/*' | sed 's|^\./||' | sort`
			res, err := r.sandboxes.Exec(ctx, projectID, cmd, sandbox.ExecOptions{})
			if err != nil {
				return nil, err
			}
			if res.ExitCode != 0 {
				return nil, fmt.Errorf("file listing failed with exit code %d: %s", res.ExitCode, res.Stderr)
			}
			var files []string
			for _, line := range strings.Split(strings.TrimRight(res.Stdout, "\n"), "\n") {
				if line != "" {
					files = append(files, line)
				}
			}
			return map[string]any{"files": files, "count": len(files)}, nil
		},
	}
}
