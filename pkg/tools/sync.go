package tools

import (
	"context"
	"encoding/json"

	"github.com/appforge-io/appforge/pkg/models"
)

// syncProject forces the current context to durable storage, creating the
// project row when missing. The tracked snapshot always overwrites what is
// persisted.
func (r *Registry) syncProject() *Tool {
	return &Tool{
		Name:        "syncProject",
		Description: "Persist the current project files and dependencies to durable storage.",
		Category:    CategorySync,
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
			if err := r.contexts.EnsureProject(ctx, projectID, pc.ProjectName); err != nil {
				return nil, err
			}
			// An empty patch still runs the write-through path.
			if _, err := r.contexts.Update(ctx, projectID, models.ContextPatch{}); err != nil {
				return nil, err
			}
			return map[string]any{
				"project_name": pc.ProjectName,
				"files":        len(pc.Files),
				"dependencies": len(pc.Dependencies),
			}, nil
		},
	}
}
