// Package store implements the context store: the single writer for
// per-project agent state. Reads are served from an in-memory cache;
// every mutation is written through to durable storage before it becomes
// visible, then announced on the event bus.
package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/appforge-io/appforge/pkg/config"
	"github.com/appforge-io/appforge/pkg/events"
	"github.com/appforge-io/appforge/pkg/faults"
	"github.com/appforge-io/appforge/pkg/models"
)

// Durable is the persistence boundary of the context store. pkg/database
// provides the Postgres implementation; tests substitute a memory fake.
type Durable interface {
	LoadContext(ctx context.Context, projectID string) (*models.ProjectContext, error)
	SaveContext(ctx context.Context, pc *models.ProjectContext) error
	ProjectExists(ctx context.Context, projectID string) (bool, error)
	UpsertProject(ctx context.Context, projectID, name string) error
	GetProjectName(ctx context.Context, projectID string) (string, error)
	AppendMessages(ctx context.Context, projectID string, msgs []models.Message) error
	ListMessages(ctx context.Context, projectID string) ([]models.Message, error)
}

// entry guards one project's cached context. The per-project lock
// serializes mutations without blocking other projects.
type entry struct {
	mu sync.Mutex
	pc *models.ProjectContext
}

// ContextStore is the write-through cache over Durable. All components
// read and mutate project state through it; handing out snapshots (deep
// clones) keeps callers from bypassing the write path.
type ContextStore struct {
	durable Durable
	bus     *events.Bus
	hot     *HotCache // optional redis read-through layer, may be nil
	logger  *slog.Logger

	maxToolHistory  int
	maxErrorHistory int

	mu      sync.Mutex
	entries map[string]*entry
}

func NewContextStore(durable Durable, bus *events.Bus, cfg config.AgentConfig, opts ...Option) *ContextStore {
	s := &ContextStore{
		durable:         durable,
		bus:             bus,
		logger:          slog.Default().With("component", "context_store"),
		maxToolHistory:  cfg.MaxToolHistory,
		maxErrorHistory: cfg.MaxErrorHistory,
		entries:         make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Option customizes a ContextStore.
type Option func(*ContextStore)

// WithHotCache layers a redis read cache between memory and durable
// storage.
func WithHotCache(hot *HotCache) Option {
	return func(s *ContextStore) { s.hot = hot }
}

// Bus exposes the event bus for subscribers.
func (s *ContextStore) Bus() *events.Bus { return s.bus }

func (s *ContextStore) entryFor(projectID string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[projectID]
	if !ok {
		e = &entry{}
		s.entries[projectID] = e
	}
	return e
}

// load populates e.pc, trying memory, then redis, then durable storage.
// A project with no persisted context gets a fresh empty one (not yet
// persisted). Caller holds e.mu.
func (s *ContextStore) load(ctx context.Context, projectID string, e *entry) error {
	if e.pc != nil {
		return nil
	}
	if s.hot != nil {
		if pc, ok := s.hot.Get(ctx, projectID); ok {
			e.pc = pc
			return nil
		}
	}
	pc, err := s.durable.LoadContext(ctx, projectID)
	switch {
	case err == nil:
		e.pc = pc
	case faults.KindOf(err) == faults.KindNotFound:
		pc = models.NewProjectContext(projectID)
		if name, nameErr := s.durable.GetProjectName(ctx, projectID); nameErr == nil {
			pc.ProjectName = name
		}
		e.pc = pc
	default:
		return err
	}
	return nil
}

// Get returns a snapshot of the project's context, loading it on first
// access.
func (s *ContextStore) Get(ctx context.Context, projectID string) (*models.ProjectContext, error) {
	if projectID == "" {
		return nil, faults.Validation("project id is required")
	}
	e := s.entryFor(projectID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := s.load(ctx, projectID, e); err != nil {
		return nil, err
	}
	return e.pc.Clone(), nil
}

// mutate loads the context, applies fn to a working copy, persists the
// copy, and only then commits it to memory. A failed write leaves the
// cached context untouched.
func (s *ContextStore) mutate(ctx context.Context, projectID string, fn func(pc *models.ProjectContext) error) (*models.ProjectContext, error) {
	if projectID == "" {
		return nil, faults.Validation("project id is required")
	}
	e := s.entryFor(projectID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := s.load(ctx, projectID, e); err != nil {
		return nil, err
	}
	working := e.pc.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	working.LastActivity = time.Now()
	if err := s.durable.SaveContext(ctx, working); err != nil {
		return nil, err
	}
	e.pc = working
	if s.hot != nil {
		s.hot.Set(ctx, projectID, working)
	}
	return working.Clone(), nil
}

// Update applies a partial patch to the project context. Files merge by
// path (a "deleted" record removes the entry), dependencies merge by
// package name, scalar fields overwrite. Marking the dev server running
// without a sandbox attached is a state conflict.
func (s *ContextStore) Update(ctx context.Context, projectID string, patch models.ContextPatch) (*models.ProjectContext, error) {
	normalized := make(map[string]models.FileRecord, len(patch.Files))
	for p, rec := range patch.Files {
		np, err := models.NormalizePath(p)
		if err != nil {
			return nil, faults.Validation("invalid file path: %v", err)
		}
		normalized[np] = rec
	}

	snap, err := s.mutate(ctx, projectID, func(pc *models.ProjectContext) error {
		if patch.ProjectName != nil {
			pc.ProjectName = *patch.ProjectName
		}
		if patch.SandboxID != nil {
			pc.SandboxID = *patch.SandboxID
		}
		for p, rec := range normalized {
			if rec.Status == models.FileDeleted {
				delete(pc.Files, p)
				continue
			}
			if rec.LastModified.IsZero() {
				rec.LastModified = time.Now()
			}
			pc.Files[p] = rec
		}
		for name, version := range patch.Dependencies {
			pc.Dependencies[name] = version
		}
		if patch.BuildStatus != nil {
			pc.BuildStatus = patch.BuildStatus
		}
		if patch.ServerState != nil {
			if patch.ServerState.IsRunning && pc.SandboxID == "" {
				return faults.StateConflict("cannot mark dev server running: project %s has no sandbox", projectID)
			}
			pc.ServerState = patch.ServerState
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.bus.Publish(events.Event{Type: events.TypeProjectUpdated, ProjectID: projectID})
	if len(normalized) > 0 {
		paths := make([]string, 0, len(normalized))
		for p := range normalized {
			paths = append(paths, p)
		}
		s.bus.Publish(events.Event{
			Type:      events.TypeFilesChanged,
			ProjectID: projectID,
			Payload:   events.FilesChangedPayload{Paths: paths},
		})
	}
	if patch.BuildStatus != nil {
		s.bus.Publish(events.Event{
			Type:      events.TypeBuildStatusChanged,
			ProjectID: projectID,
			Payload:   events.BuildStatusPayload{Status: patch.BuildStatus},
		})
	}
	if patch.ServerState != nil {
		s.bus.Publish(events.Event{
			Type:      events.TypeDevServerStateChanged,
			ProjectID: projectID,
			Payload: events.DevServerStatePayload{
				IsRunning: patch.ServerState.IsRunning,
				Port:      patch.ServerState.Port,
				URL:       patch.ServerState.URL,
			},
		})
	}
	return snap, nil
}

// AppendToolExecution records a tool run in the bounded history ring. A
// failed execution with an error message also lands in the error ring.
func (s *ContextStore) AppendToolExecution(ctx context.Context, projectID string, exec models.ToolExecution) error {
	_, err := s.mutate(ctx, projectID, func(pc *models.ProjectContext) error {
		pc.ToolHistory = appendBounded(pc.ToolHistory, exec, s.maxToolHistory)
		if !exec.Success && exec.Error != "" {
			pc.ErrorHistory = appendBounded(pc.ErrorHistory, exec.Name+": "+exec.Error, s.maxErrorHistory)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.bus.Publish(events.Event{
		Type:      events.TypeToolExecuted,
		ProjectID: projectID,
		Payload: events.ToolExecutedPayload{
			Name:       exec.Name,
			Success:    exec.Success,
			DurationMs: exec.DurationMs,
		},
	})
	return nil
}

// AppendError records a non-tool error (build failures, sandbox faults)
// in the bounded error ring.
func (s *ContextStore) AppendError(ctx context.Context, projectID, message string) error {
	_, err := s.mutate(ctx, projectID, func(pc *models.ProjectContext) error {
		pc.ErrorHistory = appendBounded(pc.ErrorHistory, message, s.maxErrorHistory)
		return nil
	})
	return err
}

// SetTaskGraph replaces the project's plan.
func (s *ContextStore) SetTaskGraph(ctx context.Context, projectID string, graph *models.TaskGraph) error {
	if graph == nil {
		return faults.Validation("task graph is required")
	}
	seen := make(map[string]bool, len(graph.Tasks))
	for _, t := range graph.Tasks {
		if t.ID == "" {
			return faults.Validation("task id is required")
		}
		if seen[t.ID] {
			return faults.Validation("duplicate task id %q", t.ID)
		}
		seen[t.ID] = true
	}
	for _, t := range graph.Tasks {
		for _, dep := range t.DependsOn {
			if !seen[dep] {
				return faults.Validation("task %q depends on unknown task %q", t.ID, dep)
			}
		}
	}
	_, err := s.mutate(ctx, projectID, func(pc *models.ProjectContext) error {
		pc.TaskGraph = graph.Clone()
		return nil
	})
	if err != nil {
		return err
	}
	s.bus.Publish(events.Event{Type: events.TypeProjectUpdated, ProjectID: projectID})
	return nil
}

// UpdateTaskStatus advances one task in the plan. A task cannot start or
// complete while any dependency is incomplete.
func (s *ContextStore) UpdateTaskStatus(ctx context.Context, projectID, taskID string, status models.TaskStatus) error {
	_, err := s.mutate(ctx, projectID, func(pc *models.ProjectContext) error {
		if pc.TaskGraph == nil {
			return faults.NotFound("project %s has no task graph", projectID)
		}
		task := pc.TaskGraph.Find(taskID)
		if task == nil {
			return faults.NotFound("task %s not found", taskID)
		}
		if (status == models.TaskRunning || status == models.TaskCompleted) && !pc.TaskGraph.DepsCompleted(task) {
			return faults.StateConflict("task %s has incomplete dependencies", taskID)
		}
		task.Status = status
		return nil
	})
	if err != nil {
		return err
	}
	s.bus.Publish(events.Event{Type: events.TypeProjectUpdated, ProjectID: projectID})
	return nil
}

// MarkStepComplete appends a named step to the completed-steps log,
// skipping duplicates.
func (s *ContextStore) MarkStepComplete(ctx context.Context, projectID, step string) error {
	if step == "" {
		return faults.Validation("step name is required")
	}
	_, err := s.mutate(ctx, projectID, func(pc *models.ProjectContext) error {
		for _, existing := range pc.CompletedSteps {
			if existing == step {
				return nil
			}
		}
		pc.CompletedSteps = append(pc.CompletedSteps, step)
		return nil
	})
	return err
}

// Invalidate drops every cached copy of the project's context so the
// next read comes from durable storage. Subscribers are told to re-fetch.
func (s *ContextStore) Invalidate(ctx context.Context, projectID string) {
	e := s.entryFor(projectID)
	e.mu.Lock()
	e.pc = nil
	e.mu.Unlock()
	if s.hot != nil {
		s.hot.Delete(ctx, projectID)
	}
	s.logger.Info("Context invalidated", "project_id", projectID)
	s.bus.Publish(events.Event{Type: events.TypeContextChanged, ProjectID: projectID})
}

// Exists reports whether the project row is present in durable storage.
func (s *ContextStore) Exists(ctx context.Context, projectID string) (bool, error) {
	if projectID == "" {
		return false, faults.Validation("project id is required")
	}
	return s.durable.ProjectExists(ctx, projectID)
}

// EnsureProject creates the project row if it does not exist yet. An
// empty name falls back to the default title.
func (s *ContextStore) EnsureProject(ctx context.Context, projectID, name string) error {
	if projectID == "" {
		return faults.Validation("project id is required")
	}
	return s.durable.UpsertProject(ctx, projectID, name)
}

// AppendMessages persists a batch of conversation messages.
func (s *ContextStore) AppendMessages(ctx context.Context, projectID string, msgs []models.Message) error {
	return s.durable.AppendMessages(ctx, projectID, msgs)
}

// ListMessages returns the project's conversation history, oldest first.
func (s *ContextStore) ListMessages(ctx context.Context, projectID string) ([]models.Message, error) {
	return s.durable.ListMessages(ctx, projectID)
}

// appendBounded pushes onto a ring slice, evicting the oldest entries
// beyond max. max <= 0 means unbounded.
func appendBounded[T any](ring []T, v T, max int) []T {
	ring = append(ring, v)
	if max > 0 && len(ring) > max {
		ring = ring[len(ring)-max:]
	}
	return ring
}
