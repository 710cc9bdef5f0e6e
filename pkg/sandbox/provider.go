// Package sandbox manages per-project VM lifecycles: a strict state
// machine over a pluggable VM provider, with file restoration, command
// execution, and background process supervision.
package sandbox

import (
	"context"
	"errors"
	"time"
)

// ErrSandboxExpired is returned by Provider.Connect when the VM behind a
// persisted sandbox id no longer exists. Callers recover by creating a
// fresh VM, not by retrying the connect.
var ErrSandboxExpired = errors.New("sandbox expired")

// ExecOptions bounds a single command run inside the VM.
type ExecOptions struct {
	// Cwd defaults to the project dir when empty.
	Cwd     string
	Timeout time.Duration
}

// ExecResult is the outcome of one command run. On timeout the partial
// output captured so far is still populated and TimedOut is set.
type ExecResult struct {
	Stdout     string
	Stderr     string
	ExitCode   int
	DurationMs int64
	TimedOut   bool
}

// ProcessHandle identifies a background process inside the VM.
type ProcessHandle struct {
	PID     int
	Command string
}

// Instance is one live VM. Implementations wrap the provider's SDK
// session; all methods are safe for concurrent use.
type Instance interface {
	ID() string
	// Ping is the liveness probe. It must complete (or fail) within the
	// context deadline.
	Ping(ctx context.Context) error
	Exec(ctx context.Context, command string, opts ExecOptions) (*ExecResult, error)
	WriteFile(ctx context.Context, path, content string) error
	ReadFile(ctx context.Context, path string) (string, error)
	StartBackground(ctx context.Context, command, cwd string) (ProcessHandle, error)
	Kill(ctx context.Context, handle ProcessHandle) error
	// HostURL maps a VM port to its public preview URL.
	HostURL(port int) string
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Release(ctx context.Context) error
}

// Provider creates and re-attaches VM instances.
type Provider interface {
	// Create provisions a new VM, optionally from a pre-built template.
	Create(ctx context.Context, templateID string) (Instance, error)
	// Connect re-attaches to an existing VM by id. A VM that has been
	// reclaimed reports ErrSandboxExpired.
	Connect(ctx context.Context, sandboxID string) (Instance, error)
}
