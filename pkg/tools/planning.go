package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/appforge-io/appforge/pkg/models"
)

// planChanges writes the project's task graph. Steps are ordered: each
// generated task depends on the one before it.
func (r *Registry) planChanges() *Tool {
	return &Tool{
		Name:        "planChanges",
		Description: "Record an ordered plan of implementation steps before making changes. Replaces any existing plan.",
		Category:    CategoryPlanning,
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"steps": {
					"type": "array",
					"description": "Ordered step titles. Each step depends on the one before it.",
					"items": {"type": "string", "minLength": 1},
					"minItems": 1
				}
			},
			"required": ["steps"],
			"additionalProperties": false
		}`),
		Execute: func(ctx context.Context, projectID string, input json.RawMessage) (any, error) {
			var in struct {
				Steps []string `json:"steps"`
			}
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, err
			}
			graph := &models.TaskGraph{Tasks: make([]models.Task, len(in.Steps))}
			for i, title := range in.Steps {
				task := models.Task{
					ID:     fmt.Sprintf("task-%d", i+1),
					Title:  title,
					Status: models.TaskPending,
				}
				if i > 0 {
					task.DependsOn = []string{graph.Tasks[i-1].ID}
				}
				graph.Tasks[i] = task
			}
			if err := r.contexts.SetTaskGraph(ctx, projectID, graph); err != nil {
				return nil, err
			}
			return graph, nil
		},
	}
}

// markStepComplete completes one plan task and records the step in the
// completed-steps log.
func (r *Registry) markStepComplete() *Tool {
	return &Tool{
		Name:        "markStepComplete",
		Description: "Mark a planned task as completed. Tasks with incomplete dependencies cannot be completed.",
		Category:    CategoryPlanning,
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"id": {"type": "string", "description": "Task id from the current plan.", "minLength": 1}
			},
			"required": ["id"],
			"additionalProperties": false
		}`),
		Execute: func(ctx context.Context, projectID string, input json.RawMessage) (any, error) {
			var in struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, err
			}
			if err := r.contexts.UpdateTaskStatus(ctx, projectID, in.ID, models.TaskCompleted); err != nil {
				return nil, err
			}
			if err := r.contexts.MarkStepComplete(ctx, projectID, in.ID); err != nil {
				r.logger.Warn("Failed to record completed step",
					"project_id", projectID, "task_id", in.ID, "error", err)
			}
			return map[string]string{"id": in.ID, "status": string(models.TaskCompleted)}, nil
		},
	}
}
