package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// LocalProvider runs sandboxes as directories on the host with commands
// executed through the local shell. It backs development and test
// deployments; production swaps in a real VM provider behind the same
// interface.
type LocalProvider struct {
	root string

	mu        sync.Mutex
	instances map[string]*LocalInstance
}

// NewLocalProvider creates a provider rooted at dir (created on demand).
func NewLocalProvider(dir string) (*LocalProvider, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "appforge-sandboxes")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sandbox root %s: %w", dir, err)
	}
	return &LocalProvider{root: dir, instances: make(map[string]*LocalInstance)}, nil
}

func (p *LocalProvider) Create(_ context.Context, _ string) (Instance, error) {
	id := "local-" + uuid.NewString()[:8]
	dir := filepath.Join(p.root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sandbox dir %s: %w", dir, err)
	}
	inst := &LocalInstance{id: id, dir: dir, procs: make(map[int]*exec.Cmd)}
	p.mu.Lock()
	p.instances[id] = inst
	p.mu.Unlock()
	return inst, nil
}

func (p *LocalProvider) Connect(_ context.Context, sandboxID string) (Instance, error) {
	p.mu.Lock()
	inst, ok := p.instances[sandboxID]
	p.mu.Unlock()
	if ok && !inst.released() {
		return inst, nil
	}
	// Directories outlive the process; re-attach if one is still there.
	dir := filepath.Join(p.root, sandboxID)
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		inst := &LocalInstance{id: sandboxID, dir: dir, procs: make(map[int]*exec.Cmd)}
		p.mu.Lock()
		p.instances[sandboxID] = inst
		p.mu.Unlock()
		return inst, nil
	}
	return nil, ErrSandboxExpired
}

// LocalInstance is one sandbox directory. Absolute paths inside the
// sandbox ("/home/user/project/...") are mapped under the instance dir.
type LocalInstance struct {
	id  string
	dir string

	mu       sync.Mutex
	procs    map[int]*exec.Cmd
	isClosed bool
}

func (i *LocalInstance) ID() string { return i.id }

func (i *LocalInstance) released() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.isClosed
}

// hostPath maps a sandbox-absolute path onto the instance directory.
func (i *LocalInstance) hostPath(path string) string {
	return filepath.Join(i.dir, strings.TrimPrefix(path, "/"))
}

func (i *LocalInstance) Ping(context.Context) error {
	if _, err := os.Stat(i.dir); err != nil {
		return fmt.Errorf("sandbox dir gone: %w", err)
	}
	return nil
}

func (i *LocalInstance) Exec(ctx context.Context, command string, opts ExecOptions) (*ExecResult, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "sh", "-c", command)
	cmd.Dir = i.execDir(opts.Cwd)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	err := cmd.Run()
	result := &ExecResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: time.Since(started).Milliseconds(),
		TimedOut:   execCtx.Err() == context.DeadlineExceeded,
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else if !result.TimedOut {
			return nil, fmt.Errorf("failed to run command: %w", err)
		}
	}
	if result.TimedOut && result.ExitCode == 0 {
		result.ExitCode = -1
	}
	return result, nil
}

func (i *LocalInstance) execDir(cwd string) string {
	if cwd == "" {
		return i.dir
	}
	return i.hostPath(cwd)
}

func (i *LocalInstance) WriteFile(_ context.Context, path, content string) error {
	target := i.hostPath(path)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create parent dir for %s: %w", path, err)
	}
	return os.WriteFile(target, []byte(content), 0o644)
}

func (i *LocalInstance) ReadFile(_ context.Context, path string) (string, error) {
	data, err := os.ReadFile(i.hostPath(path))
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(data), nil
}

func (i *LocalInstance) StartBackground(_ context.Context, command, cwd string) (ProcessHandle, error) {
	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = i.execDir(cwd)
	// Own process group so Kill can take down the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return ProcessHandle{}, fmt.Errorf("failed to start background command: %w", err)
	}
	pid := cmd.Process.Pid
	i.mu.Lock()
	i.procs[pid] = cmd
	i.mu.Unlock()
	go func() {
		_ = cmd.Wait()
		i.mu.Lock()
		delete(i.procs, pid)
		i.mu.Unlock()
	}()
	return ProcessHandle{PID: pid, Command: command}, nil
}

func (i *LocalInstance) Kill(_ context.Context, handle ProcessHandle) error {
	// Negative pid targets the process group.
	if err := syscall.Kill(-handle.PID, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("failed to kill process %d: %w", handle.PID, err)
	}
	return nil
}

func (i *LocalInstance) HostURL(port int) string {
	return fmt.Sprintf("http://localhost:%d", port)
}

func (i *LocalInstance) Pause(context.Context) error  { return nil }
func (i *LocalInstance) Resume(context.Context) error { return nil }

func (i *LocalInstance) Release(ctx context.Context) error {
	i.mu.Lock()
	procs := make([]*exec.Cmd, 0, len(i.procs))
	for _, cmd := range i.procs {
		procs = append(procs, cmd)
	}
	i.isClosed = true
	i.mu.Unlock()
	for _, cmd := range procs {
		_ = i.Kill(ctx, ProcessHandle{PID: cmd.Process.Pid})
	}
	return nil
}
