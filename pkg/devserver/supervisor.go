// Package devserver supervises the dev server inside each project's
// sandbox: liveness probing with a short-TTL status cache, deduplicated
// start with readiness polling, and idempotent stop.
package devserver

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/appforge-io/appforge/pkg/config"
	"github.com/appforge-io/appforge/pkg/events"
	"github.com/appforge-io/appforge/pkg/faults"
	"github.com/appforge-io/appforge/pkg/models"
	"github.com/appforge-io/appforge/pkg/sandbox"
	"github.com/appforge-io/appforge/pkg/store"
)

const (
	// purposeDev is the background-process purpose key for the dev server.
	purposeDev = "dev"
	// logPath is the dev-server log file inside the sandbox.
	logPath = "/tmp/dev-server.log"

	pollInterval   = time.Second
	errorTailLines = 30
)

// errorLine matches error-shaped dev-server log output.
var errorLine = regexp.MustCompile(`(?i)(\berror\b|\bfailed\b|exception|EADDRINUSE|ENOENT|Cannot find module)`)

// localURLLine extracts the port a dev server announces in its log, e.g.
// "Local: http://localhost:3001". Used as a fallback when the port scan
// has not confirmed a listener yet.
var localURLLine = regexp.MustCompile(`Local:\s+https?://localhost:(\d+)`)

// Status is the observed dev-server state for one project.
type Status struct {
	IsRunning   bool      `json:"is_running"`
	Port        int       `json:"port,omitempty"`
	URL         string    `json:"url,omitempty"`
	Errors      []string  `json:"errors,omitempty"`
	LastChecked time.Time `json:"last_checked"`
}

// StartResult is the outcome of a successful start.
type StartResult struct {
	URL  string `json:"url"`
	Port int    `json:"port"`
}

// StartOptions controls a start request.
type StartOptions struct {
	ProjectName  string
	ForceRestart bool
}

// NotReadyError carries the captured log tail when the dev server fails
// to come up within the readiness window.
type NotReadyError struct {
	Logs []string
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("dev server did not become ready (%d log lines captured)", len(e.Logs))
}

// Supervisor manages one dev server per project. Start is deduplicated
// per project; projects are fully independent.
type Supervisor struct {
	sandboxes *sandbox.Manager
	contexts  *store.ContextStore
	bus       *events.Bus
	cfg       config.DevServerConfig
	logger    *slog.Logger

	cache  *statusCache
	starts singleflight.Group
}

func NewSupervisor(sandboxes *sandbox.Manager, contexts *store.ContextStore, bus *events.Bus, cfg config.DevServerConfig) *Supervisor {
	return &Supervisor{
		sandboxes: sandboxes,
		contexts:  contexts,
		bus:       bus,
		cfg:       cfg,
		logger:    slog.Default().With("component", "devserver_supervisor"),
		cache:     newStatusCache(cfg.StatusCacheTTL()),
	}
}

// Status reports whether the dev server responds on a candidate port.
// Results are cached briefly to absorb polling bursts; a project without
// an active sandbox is simply not running.
func (s *Supervisor) Status(ctx context.Context, projectID string) (*Status, error) {
	if projectID == "" {
		return nil, faults.Validation("project id is required")
	}
	if cached, ok := s.cache.Get(projectID); ok {
		return cached, nil
	}

	status := &Status{LastChecked: time.Now()}
	inst, err := s.sandboxes.Instance(projectID)
	if err == nil {
		if port, ok := s.probePorts(ctx, inst, s.cfg.Ports); ok {
			status.IsRunning = true
			status.Port = port
			status.URL = inst.HostURL(port)
			status.Errors = s.readErrorLines(ctx, inst)
		}
	}
	s.cache.Set(projectID, status)
	return status, nil
}

// probePorts checks every candidate port in parallel with a per-port
// deadline; the lowest-numbered responding port wins.
func (s *Supervisor) probePorts(ctx context.Context, inst sandbox.Instance, ports []int) (int, bool) {
	probeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	var responding []int
	var wg sync.WaitGroup
	for _, port := range ports {
		wg.Add(1)
		go func(port int) {
			defer wg.Done()
			if s.probePort(probeCtx, inst, port) {
				mu.Lock()
				responding = append(responding, port)
				mu.Unlock()
			}
		}(port)
	}
	wg.Wait()

	if len(responding) == 0 {
		return 0, false
	}
	sort.Ints(responding)
	return responding[0], true
}

func (s *Supervisor) probePort(ctx context.Context, inst sandbox.Instance, port int) bool {
	seconds := int(s.cfg.PortProbeTimeout().Seconds())
	if seconds < 1 {
		seconds = 1
	}
	cmd := fmt.Sprintf("curl -sf -o /dev/null --max-time %d http://localhost:%d/", seconds, port)
	res, err := inst.Exec(ctx, cmd, sandbox.ExecOptions{Timeout: s.cfg.PortProbeTimeout() + time.Second})
	return err == nil && !res.TimedOut && res.ExitCode == 0
}

// readErrorLines tails the server log and keeps error-shaped lines.
func (s *Supervisor) readErrorLines(ctx context.Context, inst sandbox.Instance) []string {
	lines := s.tailLog(ctx, inst, errorTailLines)
	var errs []string
	for _, line := range lines {
		if errorLine.MatchString(line) {
			errs = append(errs, line)
		}
	}
	return errs
}

// Logs returns the last n lines of the project's dev-server log. A
// project without an active sandbox has no log.
func (s *Supervisor) Logs(ctx context.Context, projectID string, n int) ([]string, error) {
	inst, err := s.sandboxes.Instance(projectID)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		n = errorTailLines
	}
	return s.tailLog(ctx, inst, n), nil
}

func (s *Supervisor) tailLog(ctx context.Context, inst sandbox.Instance, n int) []string {
	res, err := inst.Exec(ctx, fmt.Sprintf("tail -n %d %s 2>/dev/null", n, logPath), sandbox.ExecOptions{Timeout: 10 * time.Second})
	if err != nil || res.ExitCode != 0 {
		return nil
	}
	out := strings.TrimRight(res.Stdout, "\n")
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

// Start brings the dev server up and returns its public URL. Concurrent
// calls for the same project share one in-flight attempt. Unless
// ForceRestart is set, an already-listening port is returned as is.
func (s *Supervisor) Start(ctx context.Context, projectID string, opts StartOptions) (*StartResult, error) {
	if projectID == "" {
		return nil, faults.Validation("project id is required")
	}
	v, err, _ := s.starts.Do(projectID, func() (any, error) {
		return s.start(ctx, projectID, opts)
	})
	if err != nil {
		return nil, err
	}
	return v.(*StartResult), nil
}

func (s *Supervisor) start(ctx context.Context, projectID string, opts StartOptions) (*StartResult, error) {
	inst, err := s.sandboxes.EnsureSandbox(ctx, projectID)
	if err != nil {
		return nil, err
	}
	pc, err := s.contexts.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}

	if !opts.ForceRestart {
		if port, ok := s.probePorts(ctx, inst, s.cfg.Ports); ok {
			result := &StartResult{Port: port, URL: inst.HostURL(port)}
			s.recordRunning(ctx, projectID, result)
			return result, nil
		}
	}

	// Clear out any previous server: the tracked background process plus
	// whatever else holds the candidate ports.
	if _, err := s.sandboxes.KillBackground(ctx, projectID, purposeDev); err != nil {
		s.logger.Warn("Failed to kill previous dev process", "project_id", projectID, "error", err)
	}
	s.killPortListeners(ctx, inst)

	if _, err := inst.Exec(ctx, fmt.Sprintf("truncate -s 0 %s 2>/dev/null || : > %s", logPath, logPath),
		sandbox.ExecOptions{Timeout: 10 * time.Second}); err != nil {
		s.logger.Warn("Failed to truncate dev-server log", "project_id", projectID, "error", err)
	}

	pm := sandbox.DetectPackageManager(pc.Files)
	devCmd := fmt.Sprintf("%s > %s 2>&1", pm.DevCommand(), logPath)
	if _, err := s.sandboxes.StartBackground(ctx, projectID, purposeDev, devCmd, pc.ProjectDir); err != nil {
		return nil, err
	}
	s.logger.Info("Dev server starting", "project_id", projectID, "command", devCmd)

	result, err := s.awaitReady(ctx, projectID, inst)
	if err != nil {
		return nil, err
	}
	s.recordRunning(ctx, projectID, result)
	return result, nil
}

// awaitReady polls the candidate ports once a second until the readiness
// window closes. The port scan is authoritative; the log's announced port
// is only used to widen the scan when it falls outside the candidate set.
func (s *Supervisor) awaitReady(ctx context.Context, projectID string, inst sandbox.Instance) (*StartResult, error) {
	deadline := time.Now().Add(s.cfg.ReadyTimeout())
	for {
		if ctx.Err() != nil {
			return nil, faults.Wrap(faults.KindTimeout, "dev server start cancelled", ctx.Err())
		}
		ports := s.cfg.Ports
		if logPort, ok := s.portFromLog(ctx, inst); ok && !containsPort(ports, logPort) {
			ports = append(append([]int(nil), ports...), logPort)
		}
		if port, ok := s.probePorts(ctx, inst, ports); ok {
			return &StartResult{Port: port, URL: inst.HostURL(port)}, nil
		}
		if time.Now().After(deadline) {
			logs := s.tailLog(ctx, inst, errorTailLines)
			s.logger.Warn("Dev server not ready within window",
				"project_id", projectID, "timeout", s.cfg.ReadyTimeout(), "log_lines", len(logs))
			return nil, faults.Wrap(faults.KindTimeout,
				fmt.Sprintf("dev server for project %s not ready within %s", projectID, s.cfg.ReadyTimeout()),
				&NotReadyError{Logs: logs})
		}
		select {
		case <-ctx.Done():
		case <-time.After(pollInterval):
		}
	}
}

func (s *Supervisor) portFromLog(ctx context.Context, inst sandbox.Instance) (int, bool) {
	for _, line := range s.tailLog(ctx, inst, errorTailLines) {
		if m := localURLLine.FindStringSubmatch(line); m != nil {
			port, err := strconv.Atoi(m[1])
			if err == nil {
				return port, true
			}
		}
	}
	return 0, false
}

func containsPort(ports []int, port int) bool {
	for _, p := range ports {
		if p == port {
			return true
		}
	}
	return false
}

// recordRunning refreshes the cache and persists the server state. The
// store publishes the devserver.state_changed event on the patch.
func (s *Supervisor) recordRunning(ctx context.Context, projectID string, result *StartResult) {
	now := time.Now()
	s.cache.Set(projectID, &Status{
		IsRunning:   true,
		Port:        result.Port,
		URL:         result.URL,
		LastChecked: now,
	})
	if _, err := s.contexts.Update(ctx, projectID, models.ContextPatch{
		ServerState: &models.ServerState{
			IsRunning: true,
			Port:      result.Port,
			URL:       result.URL,
			StartedAt: &now,
		},
	}); err != nil {
		s.logger.Warn("Failed to persist server state", "project_id", projectID, "error", err)
	}
}

// killPortListeners frees the candidate ports inside the sandbox.
func (s *Supervisor) killPortListeners(ctx context.Context, inst sandbox.Instance) {
	var parts []string
	for _, port := range s.cfg.Ports {
		parts = append(parts, fmt.Sprintf("fuser -k %d/tcp 2>/dev/null", port))
	}
	cmd := strings.Join(parts, "; ") + "; true"
	if _, err := inst.Exec(ctx, cmd, sandbox.ExecOptions{Timeout: 15 * time.Second}); err != nil {
		s.logger.Warn("Failed to free candidate ports", "error", err)
	}
}

// Stop tears the dev server down. Safe to call repeatedly; stopping a
// project with no sandbox or no server is a no-op.
func (s *Supervisor) Stop(ctx context.Context, projectID string) error {
	if projectID == "" {
		return faults.Validation("project id is required")
	}
	if _, err := s.sandboxes.KillBackground(ctx, projectID, purposeDev); err != nil {
		s.logger.Warn("Failed to kill dev process", "project_id", projectID, "error", err)
	}
	if inst, err := s.sandboxes.Instance(projectID); err == nil {
		s.killPortListeners(ctx, inst)
	}
	s.cache.Invalidate(projectID)

	pc, err := s.contexts.Get(ctx, projectID)
	if err != nil {
		return err
	}
	if pc.ServerState != nil && pc.ServerState.IsRunning {
		if _, err := s.contexts.Update(ctx, projectID, models.ContextPatch{
			ServerState: &models.ServerState{IsRunning: false},
		}); err != nil {
			return err
		}
	}
	s.logger.Info("Dev server stopped", "project_id", projectID)
	return nil
}
