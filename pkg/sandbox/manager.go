package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/appforge-io/appforge/pkg/config"
	"github.com/appforge-io/appforge/pkg/events"
	"github.com/appforge-io/appforge/pkg/faults"
	"github.com/appforge-io/appforge/pkg/models"
	"github.com/appforge-io/appforge/pkg/store"
)

// restoreConcurrency bounds parallel file writes during restoration.
const restoreConcurrency = 8

// entry is the per-project machine state. Its lock serializes transitions
// and instance access for one project without blocking others.
type entry struct {
	mu         sync.Mutex
	state      State
	retryCount int
	lastError  string
	inst       Instance
	background map[string]ProcessHandle // keyed by purpose
}

// Manager owns every project's sandbox lifecycle. All transitions go
// through the legal-transition table; anything else is a state conflict.
type Manager struct {
	provider Provider
	contexts *store.ContextStore
	bus      *events.Bus
	cfg      config.SandboxConfig
	logger   *slog.Logger

	// ensure collapses concurrent EnsureSandbox calls per project so a
	// burst of tool calls never provisions duplicate VMs.
	ensure singleflight.Group

	mu      sync.Mutex
	entries map[string]*entry
}

func NewManager(provider Provider, contexts *store.ContextStore, bus *events.Bus, cfg config.SandboxConfig) *Manager {
	return &Manager{
		provider: provider,
		contexts: contexts,
		bus:      bus,
		cfg:      cfg,
		logger:   slog.Default().With("component", "sandbox_manager"),
		entries:  make(map[string]*entry),
	}
}

func (m *Manager) entryFor(projectID string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[projectID]
	if !ok {
		e = &entry{state: StateIdle, background: make(map[string]ProcessHandle)}
		m.entries[projectID] = e
	}
	return e
}

// State returns the current lifecycle state for a project.
func (m *Manager) State(projectID string) State {
	e := m.entryFor(projectID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// apply runs one transition. Caller holds e.mu. Illegal transitions are
// rejected without side effects; a RETRY past the budget is rejected too.
func (m *Manager) apply(projectID string, e *entry, event LifecycleEvent) error {
	next, ok := nextState(e.state, event)
	if !ok {
		return faults.StateConflict("sandbox for project %s cannot %s from %s", projectID, event, e.state)
	}
	if event == EventRetry {
		if e.retryCount >= m.cfg.MaxRetries {
			return faults.StateConflict("sandbox for project %s exhausted its %d retries", projectID, m.cfg.MaxRetries)
		}
		e.retryCount++
	}
	prev := e.state
	e.state = next
	switch next {
	case StateActive:
		e.retryCount = 0
		e.lastError = ""
	case StateIdle:
		e.inst = nil
		e.retryCount = 0
		e.lastError = ""
		e.background = make(map[string]ProcessHandle)
	}
	m.logger.Info("Sandbox state changed",
		"project_id", projectID, "from", prev, "event", event, "to", next)

	var sandboxID string
	if e.inst != nil {
		sandboxID = e.inst.ID()
	}
	m.bus.Publish(events.Event{
		Type:      events.TypeSandboxStateChanged,
		ProjectID: projectID,
		Payload: events.SandboxStatePayload{
			State:     string(next),
			SandboxID: sandboxID,
			Error:     e.lastError,
		},
	})
	return nil
}

// EnsureSandbox returns a live instance for the project, reusing,
// reconnecting, or creating as the state machine allows. Concurrent
// callers for the same project share one in-flight attempt.
func (m *Manager) EnsureSandbox(ctx context.Context, projectID string) (Instance, error) {
	if projectID == "" {
		return nil, faults.Validation("project id is required")
	}
	v, err, _ := m.ensure.Do(projectID, func() (any, error) {
		e := m.entryFor(projectID)
		e.mu.Lock()
		defer e.mu.Unlock()
		return m.ensureLocked(ctx, projectID, e)
	})
	if err != nil {
		return nil, err
	}
	return v.(Instance), nil
}

func (m *Manager) ensureLocked(ctx context.Context, projectID string, e *entry) (Instance, error) {
	// Fast path: a live active instance.
	if e.state == StateActive && e.inst != nil {
		probeCtx, cancel := context.WithTimeout(ctx, m.cfg.LivenessProbeTimeout())
		err := e.inst.Ping(probeCtx)
		cancel()
		if err == nil {
			return e.inst, nil
		}
		e.lastError = fmt.Sprintf("liveness probe failed: %v", err)
		m.logger.Warn("Active sandbox failed liveness probe",
			"project_id", projectID, "sandbox_id", e.inst.ID(), "error", err)
		if applyErr := m.apply(projectID, e, EventError); applyErr != nil {
			return nil, applyErr
		}
	}

	pc, err := m.contexts.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}

	// Paused instances resume in place.
	if e.state == StatePaused && e.inst != nil {
		resumeCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout())
		err := e.inst.Resume(resumeCtx)
		cancel()
		if err == nil {
			if applyErr := m.apply(projectID, e, EventResume); applyErr != nil {
				return nil, applyErr
			}
			return e.inst, nil
		}
		m.logger.Warn("Paused sandbox failed to resume, treating as expired",
			"project_id", projectID, "sandbox_id", e.inst.ID(), "error", err)
		if applyErr := m.apply(projectID, e, EventExpire); applyErr != nil {
			return nil, applyErr
		}
	}

	// A persisted sandbox id is worth one reconnect attempt.
	if pc.SandboxID != "" && (e.state == StateIdle || e.state == StateExpired) {
		connectCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout())
		inst, err := m.provider.Connect(connectCtx, pc.SandboxID)
		cancel()
		switch {
		case err == nil:
			if applyErr := m.apply(projectID, e, EventCreate); applyErr != nil {
				return nil, applyErr
			}
			e.inst = inst
			if applyErr := m.apply(projectID, e, EventCreated); applyErr != nil {
				return nil, applyErr
			}
			return inst, nil
		case errors.Is(err, ErrSandboxExpired):
			m.logger.Info("Persisted sandbox expired, creating a new one",
				"project_id", projectID, "sandbox_id", pc.SandboxID)
		default:
			m.logger.Warn("Failed to reconnect to sandbox",
				"project_id", projectID, "sandbox_id", pc.SandboxID, "error", err)
		}
	}

	return m.createLocked(ctx, projectID, e, pc)
}

// createLocked provisions a fresh VM, restoring tracked files into it.
// Provider failures consume the retry budget; exhaustion surfaces as
// ProviderUnavailable with the last cause attached.
func (m *Manager) createLocked(ctx context.Context, projectID string, e *entry, pc *models.ProjectContext) (Instance, error) {
	var lastErr error
	for attempt := 1; ; attempt++ {
		event := EventCreate
		if e.state == StateError {
			event = EventRetry
		}
		if err := m.apply(projectID, e, event); err != nil {
			return nil, err
		}

		createCtx, cancel := context.WithTimeout(ctx, m.cfg.CreateTimeout())
		inst, err := m.provider.Create(createCtx, m.cfg.VMTemplateID)
		cancel()
		if err == nil {
			err = m.restoreFiles(ctx, inst, pc)
		}
		if err != nil {
			lastErr = err
			e.lastError = err.Error()
			if applyErr := m.apply(projectID, e, EventError); applyErr != nil {
				return nil, applyErr
			}
			if ctx.Err() != nil || attempt >= m.cfg.MaxRetries {
				return nil, faults.Wrap(faults.KindProviderUnavailable,
					fmt.Sprintf("failed to create sandbox for project %s after %d attempts", projectID, attempt), lastErr)
			}
			continue
		}

		e.inst = inst
		if applyErr := m.apply(projectID, e, EventCreated); applyErr != nil {
			return nil, applyErr
		}
		sandboxID := inst.ID()
		if _, err := m.contexts.Update(ctx, projectID, models.ContextPatch{SandboxID: &sandboxID}); err != nil {
			m.logger.Warn("Failed to persist sandbox id",
				"project_id", projectID, "sandbox_id", sandboxID, "error", err)
		}
		return inst, nil
	}
}

// restoreFiles writes the tracked file snapshot into a fresh VM and
// reinstalls dependencies. Writing an identical file is a no-op, so
// restoration is idempotent.
func (m *Manager) restoreFiles(ctx context.Context, inst Instance, pc *models.ProjectContext) error {
	if len(pc.Files) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(restoreConcurrency)
	for rel, rec := range pc.Files {
		abs := path.Join(pc.ProjectDir, rel)
		content := rec.Content
		g.Go(func() error {
			if err := inst.WriteFile(gctx, abs, content); err != nil {
				return fmt.Errorf("failed to restore %s: %w", abs, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	m.logger.Info("Restored project files",
		"project_id", pc.ProjectID, "sandbox_id", inst.ID(), "files", len(pc.Files))

	pm := DetectPackageManager(pc.Files)
	res, err := inst.Exec(ctx, pm.InstallCommand(), ExecOptions{
		Cwd:     pc.ProjectDir,
		Timeout: m.cfg.InstallTimeout(),
	})
	if err != nil {
		return fmt.Errorf("failed to install dependencies: %w", err)
	}
	if res.TimedOut {
		return faults.Timeout("dependency install exceeded %s", m.cfg.InstallTimeout())
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("dependency install failed with exit code %d: %s", res.ExitCode, res.Stderr)
	}
	return nil
}

// Instance returns the live instance for a project, or a state conflict
// when none is active.
func (m *Manager) Instance(projectID string) (Instance, error) {
	e := m.entryFor(projectID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateActive || e.inst == nil {
		return nil, faults.StateConflict("project %s has no active sandbox (state %s)", projectID, e.state)
	}
	return e.inst, nil
}

// Exec runs a command inside the project's sandbox, ensuring one exists
// first. Zero-value options get the project dir and the default timeout.
// A timed-out command still returns its partial output.
func (m *Manager) Exec(ctx context.Context, projectID, command string, opts ExecOptions) (*ExecResult, error) {
	if command == "" {
		return nil, faults.Validation("command is required")
	}
	inst, err := m.EnsureSandbox(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if opts.Cwd == "" {
		pc, err := m.contexts.Get(ctx, projectID)
		if err != nil {
			return nil, err
		}
		opts.Cwd = pc.ProjectDir
	}
	if opts.Timeout <= 0 {
		opts.Timeout = m.cfg.DefaultCommandTimeout()
	}
	return inst.Exec(ctx, command, opts)
}

// StartBackground launches a long-lived process and remembers its handle
// under (projectID, purpose). A previous process with the same purpose is
// killed first.
func (m *Manager) StartBackground(ctx context.Context, projectID, purpose, command, cwd string) (ProcessHandle, error) {
	inst, err := m.EnsureSandbox(ctx, projectID)
	if err != nil {
		return ProcessHandle{}, err
	}
	e := m.entryFor(projectID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if old, ok := e.background[purpose]; ok {
		if err := inst.Kill(ctx, old); err != nil {
			m.logger.Warn("Failed to kill stale background process",
				"project_id", projectID, "purpose", purpose, "pid", old.PID, "error", err)
		}
		delete(e.background, purpose)
	}
	handle, err := inst.StartBackground(ctx, command, cwd)
	if err != nil {
		return ProcessHandle{}, fmt.Errorf("failed to start background process %q: %w", purpose, err)
	}
	e.background[purpose] = handle
	m.logger.Info("Started background process",
		"project_id", projectID, "purpose", purpose, "pid", handle.PID)
	return handle, nil
}

// KillBackground terminates the background process registered under
// (projectID, purpose). Returns whether a handle existed.
func (m *Manager) KillBackground(ctx context.Context, projectID, purpose string) (bool, error) {
	e := m.entryFor(projectID)
	e.mu.Lock()
	defer e.mu.Unlock()
	handle, ok := e.background[purpose]
	if !ok {
		return false, nil
	}
	delete(e.background, purpose)
	if e.inst == nil {
		return true, nil
	}
	if err := e.inst.Kill(ctx, handle); err != nil {
		return true, fmt.Errorf("failed to kill background process %q: %w", purpose, err)
	}
	return true, nil
}

// Pause suspends the project's VM.
func (m *Manager) Pause(ctx context.Context, projectID string) error {
	e := m.entryFor(projectID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inst == nil {
		return faults.StateConflict("project %s has no sandbox to pause", projectID)
	}
	if _, ok := nextState(e.state, EventPause); !ok {
		return faults.StateConflict("sandbox for project %s cannot PAUSE from %s", projectID, e.state)
	}
	if err := e.inst.Pause(ctx); err != nil {
		return fmt.Errorf("failed to pause sandbox: %w", err)
	}
	return m.apply(projectID, e, EventPause)
}

// Expire marks the sandbox as reclaimed by the provider.
func (m *Manager) Expire(projectID string) error {
	e := m.entryFor(projectID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return m.apply(projectID, e, EventExpire)
}

// Cleanup terminates background processes, releases the VM, and returns
// the machine to idle. The persisted sandbox id is cleared so the next
// ensure provisions from scratch.
func (m *Manager) Cleanup(ctx context.Context, projectID string) error {
	e := m.entryFor(projectID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := nextState(e.state, EventCleanup); !ok {
		return faults.StateConflict("sandbox for project %s cannot CLEANUP from %s", projectID, e.state)
	}
	if e.inst != nil {
		for purpose, handle := range e.background {
			if err := e.inst.Kill(ctx, handle); err != nil {
				m.logger.Warn("Failed to kill background process during cleanup",
					"project_id", projectID, "purpose", purpose, "error", err)
			}
		}
		if err := e.inst.Release(ctx); err != nil {
			m.logger.Warn("Failed to release sandbox",
				"project_id", projectID, "sandbox_id", e.inst.ID(), "error", err)
		}
	}
	if err := m.apply(projectID, e, EventCleanup); err != nil {
		return err
	}
	empty := ""
	if _, err := m.contexts.Update(ctx, projectID, models.ContextPatch{
		SandboxID:   &empty,
		ServerState: &models.ServerState{IsRunning: false},
	}); err != nil {
		m.logger.Warn("Failed to clear sandbox id", "project_id", projectID, "error", err)
	}
	return nil
}

// HostURL maps a sandbox port to its public preview URL.
func (m *Manager) HostURL(projectID string, port int) (string, error) {
	inst, err := m.Instance(projectID)
	if err != nil {
		return "", err
	}
	return inst.HostURL(port), nil
}
