// Package sandboxtest provides fake VM provider and instance
// implementations shared by tests across packages.
package sandboxtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/appforge-io/appforge/pkg/sandbox"
)

// FakeInstance is an in-memory sandbox.Instance. Exec behavior is
// scriptable through ExecFunc; everything else records into plain fields.
type FakeInstance struct {
	SandboxID string

	Mu       sync.Mutex
	Files    map[string]string
	Execs    []string
	Killed   []sandbox.ProcessHandle
	NextPID  int
	Paused   bool
	Released bool
	PingErr  error

	// ExecFunc, when set, scripts command results. Called with Mu held.
	ExecFunc func(command string) *sandbox.ExecResult
	// OnStartBackground observes background launches. Called with Mu held.
	OnStartBackground func(command, cwd string)
}

func NewFakeInstance(id string) *FakeInstance {
	return &FakeInstance{SandboxID: id, Files: make(map[string]string), NextPID: 100}
}

func (f *FakeInstance) ID() string { return f.SandboxID }

func (f *FakeInstance) Ping(context.Context) error {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	return f.PingErr
}

func (f *FakeInstance) Exec(_ context.Context, command string, _ sandbox.ExecOptions) (*sandbox.ExecResult, error) {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	f.Execs = append(f.Execs, command)
	if f.ExecFunc != nil {
		return f.ExecFunc(command), nil
	}
	return &sandbox.ExecResult{ExitCode: 0}, nil
}

func (f *FakeInstance) WriteFile(_ context.Context, path, content string) error {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	f.Files[path] = content
	return nil
}

func (f *FakeInstance) ReadFile(_ context.Context, path string) (string, error) {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	content, ok := f.Files[path]
	if !ok {
		return "", fmt.Errorf("no such file: %s", path)
	}
	return content, nil
}

func (f *FakeInstance) StartBackground(_ context.Context, command, cwd string) (sandbox.ProcessHandle, error) {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	f.NextPID++
	if f.OnStartBackground != nil {
		f.OnStartBackground(command, cwd)
	}
	return sandbox.ProcessHandle{PID: f.NextPID, Command: command}, nil
}

func (f *FakeInstance) Kill(_ context.Context, handle sandbox.ProcessHandle) error {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	f.Killed = append(f.Killed, handle)
	return nil
}

func (f *FakeInstance) HostURL(port int) string {
	return fmt.Sprintf("https://%d-%s.example.dev", port, f.SandboxID)
}

func (f *FakeInstance) Pause(context.Context) error {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	f.Paused = true
	return nil
}

func (f *FakeInstance) Resume(context.Context) error {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	f.Paused = false
	return nil
}

func (f *FakeInstance) Release(context.Context) error {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	f.Released = true
	return nil
}

// FakeProvider hands out FakeInstances. Connect succeeds only for ids it
// has already seen (or pre-registered); unknown ids report
// sandbox.ErrSandboxExpired, or ConnectErr when set.
type FakeProvider struct {
	Mu          sync.Mutex
	Creates     int
	Instances   map[string]*FakeInstance
	CreateErr   error
	ConnectErr  error
	CreateDelay time.Duration
}

func NewFakeProvider() *FakeProvider {
	return &FakeProvider{Instances: make(map[string]*FakeInstance)}
}

func (p *FakeProvider) Create(_ context.Context, _ string) (sandbox.Instance, error) {
	if p.CreateDelay > 0 {
		time.Sleep(p.CreateDelay)
	}
	p.Mu.Lock()
	defer p.Mu.Unlock()
	if p.CreateErr != nil {
		return nil, p.CreateErr
	}
	p.Creates++
	inst := NewFakeInstance(fmt.Sprintf("sbx-%d", p.Creates))
	p.Instances[inst.SandboxID] = inst
	return inst, nil
}

func (p *FakeProvider) Connect(_ context.Context, sandboxID string) (sandbox.Instance, error) {
	p.Mu.Lock()
	defer p.Mu.Unlock()
	if inst, ok := p.Instances[sandboxID]; ok {
		return inst, nil
	}
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	return nil, sandbox.ErrSandboxExpired
}
