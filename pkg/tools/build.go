package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/appforge-io/appforge/pkg/devserver"
	"github.com/appforge-io/appforge/pkg/faults"
	"github.com/appforge-io/appforge/pkg/models"
	"github.com/appforge-io/appforge/pkg/sandbox"
)

var (
	// installCommand matches package-manager install invocations so their
	// packages can be recorded as project dependencies.
	installCommand = regexp.MustCompile(`^\s*(npm\s+(?:install|i)|bun\s+add|pnpm\s+add|yarn\s+add)\s+(.+)$`)

	buildErrorLine = regexp.MustCompile(`(?i)(\berror\b|\bfailed\b|exception|Cannot find module)`)
	buildWarnLine  = regexp.MustCompile(`(?i)\bwarn(ing)?\b`)
)

// runCommand executes an arbitrary shell command inside the sandbox.
func (r *Registry) runCommand() *Tool {
	return &Tool{
		Name:        "runCommand",
		Description: "Run a shell command inside the project sandbox and return its output.",
		Category:    CategoryBuild,
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"command": {"type": "string", "description": "Shell command to run.", "minLength": 1},
				"cwd": {"type": "string", "description": "Working directory. Defaults to the project root."},
				"timeoutMs": {"type": "integer", "description": "Command timeout in milliseconds.", "minimum": 1}
			},
			"required": ["command"],
			"additionalProperties": false
		}`),
		Execute: func(ctx context.Context, projectID string, input json.RawMessage) (any, error) {
			var in struct {
				Command   string `json:"command"`
				Cwd       string `json:"cwd"`
				TimeoutMs int    `json:"timeoutMs"`
			}
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, err
			}
			opts := sandbox.ExecOptions{Cwd: in.Cwd}
			if in.TimeoutMs > 0 {
				opts.Timeout = time.Duration(in.TimeoutMs) * time.Millisecond
			}
			res, err := r.sandboxes.Exec(ctx, projectID, in.Command, opts)
			if err != nil {
				return nil, err
			}
			if res.ExitCode == 0 && !res.TimedOut {
				r.recordInstalledPackages(ctx, projectID, in.Command)
			}
			return map[string]any{
				"stdout":      res.Stdout,
				"stderr":      res.Stderr,
				"exit_code":   res.ExitCode,
				"duration_ms": res.DurationMs,
				"timed_out":   res.TimedOut,
			}, nil
		},
	}
}

// recordInstalledPackages tracks packages added by a successful install
// command in the project's dependency map.
func (r *Registry) recordInstalledPackages(ctx context.Context, projectID, command string) {
	m := installCommand.FindStringSubmatch(command)
	if m == nil {
		return
	}
	deps := parsePackageArgs(m[2])
	if len(deps) == 0 {
		return
	}
	if _, err := r.contexts.Update(ctx, projectID, models.ContextPatch{Dependencies: deps}); err != nil {
		r.logger.Warn("Failed to record installed packages",
			"project_id", projectID, "command", command, "error", err)
	}
}

// parsePackageArgs extracts name→version pairs from install-command
// arguments, skipping flags. "react@18.2.0" pins the version; a bare name
// records "latest".
func parsePackageArgs(args string) map[string]string {
	deps := make(map[string]string)
	for _, arg := range strings.Fields(args) {
		if strings.HasPrefix(arg, "-") {
			continue
		}
		name, version := splitPackageSpec(arg)
		if name != "" {
			deps[name] = version
		}
	}
	return deps
}

// splitPackageSpec handles scoped packages: "@scope/name@1.0.0" splits on
// the last "@" past position zero.
func splitPackageSpec(spec string) (name, version string) {
	idx := strings.LastIndex(spec, "@")
	if idx > 0 {
		return spec[:idx], spec[idx+1:]
	}
	return spec, "latest"
}

// installPackage installs packages with the detected package manager,
// stopping the dev server for the duration and restarting it afterwards.
func (r *Registry) installPackage() *Tool {
	return &Tool{
		Name:        "installPackage",
		Description: "Install npm packages into the project using its package manager. Restarts the dev server if it was running.",
		Category:    CategoryBuild,
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"packages": {
					"type": "array",
					"description": "Package names, optionally with versions (name@1.2.3).",
					"items": {"type": "string", "minLength": 1},
					"minItems": 1
				},
				"dev": {"type": "boolean", "description": "Install as dev dependencies."}
			},
			"required": ["packages"],
			"additionalProperties": false
		}`),
		Execute: func(ctx context.Context, projectID string, input json.RawMessage) (any, error) {
			var in struct {
				Packages []string `json:"packages"`
				Dev      bool     `json:"dev"`
			}
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, err
			}
			pc, err := r.contexts.Get(ctx, projectID)
			if err != nil {
				return nil, err
			}

			wasRunning := pc.ServerState != nil && pc.ServerState.IsRunning
			if wasRunning {
				if err := r.devservers.Stop(ctx, projectID); err != nil {
					r.logger.Warn("Failed to stop dev server before install",
						"project_id", projectID, "error", err)
				}
			}

			pm := sandbox.DetectPackageManager(pc.Files)
			cmd := pm.AddCommand(in.Packages, in.Dev)
			res, err := r.sandboxes.Exec(ctx, projectID, cmd, sandbox.ExecOptions{
				Timeout: r.sandboxCfg.InstallTimeout(),
			})
			if err != nil {
				return nil, err
			}
			if res.TimedOut {
				return nil, faults.Timeout("package install exceeded %s", r.sandboxCfg.InstallTimeout())
			}
			if res.ExitCode != 0 {
				return nil, fmt.Errorf("package install failed with exit code %d: %s", res.ExitCode, res.Stderr)
			}

			deps := make(map[string]string, len(in.Packages))
			for _, p := range in.Packages {
				name, version := splitPackageSpec(p)
				deps[name] = version
			}
			if _, err := r.contexts.Update(ctx, projectID, models.ContextPatch{Dependencies: deps}); err != nil {
				return nil, err
			}

			restarted := false
			if wasRunning {
				if _, err := r.devservers.Start(ctx, projectID, devserver.StartOptions{}); err != nil {
					r.logger.Warn("Failed to restart dev server after install",
						"project_id", projectID, "error", err)
				} else {
					restarted = true
				}
			}
			return map[string]any{
				"installed":        in.Packages,
				"package_manager":  string(pm),
				"server_restarted": restarted,
			}, nil
		},
	}
}

// getBuildStatus classifies recent dev-server log lines and records the
// result as the project's build status.
func (r *Registry) getBuildStatus() *Tool {
	return &Tool{
		Name:        "getBuildStatus",
		Description: "Check the dev-server log for build errors and warnings and record the result.",
		Category:    CategoryBuild,
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"logLines": {"type": "integer", "description": "How many trailing log lines to inspect. Defaults to 30.", "minimum": 1}
			},
			"additionalProperties": false
		}`),
		Execute: func(ctx context.Context, projectID string, input json.RawMessage) (any, error) {
			var in struct {
				LogLines int `json:"logLines"`
			}
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, err
			}
			lines, err := r.devservers.Logs(ctx, projectID, in.LogLines)
			if err != nil {
				return nil, err
			}
			status := &models.BuildStatus{LastChecked: time.Now()}
			for _, line := range lines {
				switch {
				case buildErrorLine.MatchString(line):
					status.HasErrors = true
					status.Errors = append(status.Errors, line)
				case buildWarnLine.MatchString(line):
					status.HasWarnings = true
					status.Warnings = append(status.Warnings, line)
				}
			}
			if _, err := r.contexts.Update(ctx, projectID, models.ContextPatch{BuildStatus: status}); err != nil {
				return nil, err
			}
			return status, nil
		},
	}
}
