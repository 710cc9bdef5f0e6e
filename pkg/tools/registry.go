// Package tools implements the agent's tool registry: typed descriptors
// with JSON-Schema inputs, validated dispatch, and the builtin tool set
// operating on the context store, sandbox manager, and dev-server
// supervisor.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/appforge-io/appforge/pkg/config"
	"github.com/appforge-io/appforge/pkg/devserver"
	"github.com/appforge-io/appforge/pkg/llm"
	"github.com/appforge-io/appforge/pkg/models"
	"github.com/appforge-io/appforge/pkg/sandbox"
	"github.com/appforge-io/appforge/pkg/store"
)

// Category groups tools for per-step activation.
type Category string

const (
	CategoryPlanning  Category = "planning"
	CategoryFile      Category = "file"
	CategoryBatchFile Category = "batch-file"
	CategoryBuild     Category = "build"
	CategorySync      Category = "sync"
	CategoryCode      Category = "code"
	CategoryProject   Category = "project"
	CategorySearch    Category = "search"
)

// historyOutputLimit bounds the output stored per tool-history entry.
const historyOutputLimit = 2000

// Result is what a tool execution hands back to the model.
type Result struct {
	Success bool   `json:"success"`
	Output  any    `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Tool is one registered tool. Execute receives the raw JSON input after
// schema validation has passed.
type Tool struct {
	Name        string
	Description string
	Category    Category
	Schema      json.RawMessage

	Execute func(ctx context.Context, projectID string, input json.RawMessage) (any, error)

	compiled *jsonschema.Schema
}

// Validate checks raw input against the tool's compiled schema.
func (t *Tool) Validate(input json.RawMessage) error {
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	var doc any
	if err := json.Unmarshal(input, &doc); err != nil {
		return fmt.Errorf("input is not valid JSON: %w", err)
	}
	return t.compiled.Validate(doc)
}

// Registry holds the tool set and the shared dependencies the builtin
// tools operate on.
type Registry struct {
	contexts   *store.ContextStore
	sandboxes  *sandbox.Manager
	devservers *devserver.Supervisor
	sandboxCfg config.SandboxConfig
	logger     *slog.Logger

	tools map[string]*Tool
	order []string
}

// NewRegistry wires the builtin tool set. Schema compilation failures are
// programming errors and surface at construction.
func NewRegistry(contexts *store.ContextStore, sandboxes *sandbox.Manager, devservers *devserver.Supervisor, sandboxCfg config.SandboxConfig) (*Registry, error) {
	r := &Registry{
		contexts:   contexts,
		sandboxes:  sandboxes,
		devservers: devservers,
		sandboxCfg: sandboxCfg,
		logger:     slog.Default().With("component", "tool_registry"),
		tools:      make(map[string]*Tool),
	}
	builtins := []*Tool{
		r.planChanges(),
		r.markStepComplete(),
		r.analyzeProjectState(),
		r.getProjectStructure(),
		r.readFile(),
		r.writeFile(),
		r.editFile(),
		r.batchWriteFiles(),
		r.runCommand(),
		r.installPackage(),
		r.getBuildStatus(),
		r.syncProject(),
		r.searchFiles(),
	}
	for _, t := range builtins {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a tool, compiling its input schema.
func (r *Registry) Register(t *Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if t.Execute == nil {
		return fmt.Errorf("tool %q has no executor", t.Name)
	}
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tool %q already registered", t.Name)
	}
	compiled, err := compileSchema(t.Name, t.Schema)
	if err != nil {
		return fmt.Errorf("failed to compile schema for tool %q: %w", t.Name, err)
	}
	t.compiled = compiled
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
	return nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("schema is not valid JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	url := name + ".json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns every registered tool name in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// ListByCategory returns the tools in one category, in registration order.
func (r *Registry) ListByCategory(cat Category) []*Tool {
	var out []*Tool
	for _, name := range r.order {
		if t := r.tools[name]; t.Category == cat {
			out = append(out, t)
		}
	}
	return out
}

// Definitions converts tools to the model-facing form. A nil active list
// means every registered tool.
func (r *Registry) Definitions(active []string) []llm.ToolDefinition {
	names := active
	if names == nil {
		names = r.order
	}
	defs := make([]llm.ToolDefinition, 0, len(names))
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			continue
		}
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Schema:      t.Schema,
		})
	}
	return defs
}

// Dispatch validates and runs one tool call. Unknown names and invalid
// inputs are returned as typed errors for the orchestrator's repair path;
// execution failures are caught and come back as an unsuccessful Result,
// recorded in the project's tool history either way.
func (r *Registry) Dispatch(ctx context.Context, projectID, name string, input json.RawMessage) (*Result, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, &llm.UnknownToolError{Name: name}
	}
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	if err := t.Validate(input); err != nil {
		return nil, &llm.InvalidToolInputError{Name: name, Cause: err}
	}

	started := time.Now()
	output, err := r.runSafe(ctx, t, projectID, input)
	duration := time.Since(started)

	res := &Result{Success: err == nil, Output: output}
	if err != nil {
		res.Error = err.Error()
	}

	exec := models.ToolExecution{
		Name:       name,
		Input:      input,
		Success:    res.Success,
		Error:      res.Error,
		StartedAt:  started,
		DurationMs: duration.Milliseconds(),
	}
	if output != nil {
		if encoded, marshalErr := json.Marshal(output); marshalErr == nil {
			exec.Output = truncate(string(encoded), historyOutputLimit)
		}
	}
	if histErr := r.contexts.AppendToolExecution(ctx, projectID, exec); histErr != nil {
		r.logger.Warn("Failed to record tool execution",
			"project_id", projectID, "tool", name, "error", histErr)
	}

	if err != nil {
		r.logger.Warn("Tool execution failed",
			"project_id", projectID, "tool", name, "duration_ms", duration.Milliseconds(), "error", err)
	} else {
		r.logger.Info("Tool executed",
			"project_id", projectID, "tool", name, "duration_ms", duration.Milliseconds())
	}
	return res, nil
}

// runSafe converts a panicking executor into an error instead of
// unwinding through the turn loop.
func (r *Registry) runSafe(ctx context.Context, t *Tool, projectID string, input json.RawMessage) (output any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tool %s panicked: %v", t.Name, rec)
		}
	}()
	return t.Execute(ctx, projectID, input)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
