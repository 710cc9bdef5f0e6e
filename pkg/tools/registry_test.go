package tools_test

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appforge-io/appforge/pkg/config"
	"github.com/appforge-io/appforge/pkg/devserver"
	"github.com/appforge-io/appforge/pkg/events"
	"github.com/appforge-io/appforge/pkg/llm"
	"github.com/appforge-io/appforge/pkg/models"
	"github.com/appforge-io/appforge/pkg/sandbox"
	"github.com/appforge-io/appforge/pkg/sandbox/sandboxtest"
	"github.com/appforge-io/appforge/pkg/store"
	"github.com/appforge-io/appforge/pkg/store/storetest"
	"github.com/appforge-io/appforge/pkg/tools"
)

type env struct {
	durable    *storetest.MemDurable
	bus        *events.Bus
	contexts   *store.ContextStore
	provider   *sandboxtest.FakeProvider
	sandboxes  *sandbox.Manager
	devservers *devserver.Supervisor
	reg        *tools.Registry
}

func newTestEnv(t *testing.T) *env {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	durable := storetest.NewMemDurable()
	cfg := config.DefaultConfig()
	cfg.DevServer.StatusCacheTtlMs = 50
	cfg.DevServer.ReadyTimeoutMs = 500
	cfg.DevServer.PortProbeTimeoutMs = 100

	contexts := store.NewContextStore(durable, bus, cfg.Agent)
	provider := sandboxtest.NewFakeProvider()
	sandboxes := sandbox.NewManager(provider, contexts, bus, cfg.Sandbox)
	devservers := devserver.NewSupervisor(sandboxes, contexts, bus, cfg.DevServer)

	reg, err := tools.NewRegistry(contexts, sandboxes, devservers, cfg.Sandbox)
	require.NoError(t, err)
	return &env{
		durable:    durable,
		bus:        bus,
		contexts:   contexts,
		provider:   provider,
		sandboxes:  sandboxes,
		devservers: devservers,
		reg:        reg,
	}
}

// bootSandbox provisions the project's fake VM and returns it.
func (e *env) bootSandbox(t *testing.T, projectID string) *sandboxtest.FakeInstance {
	t.Helper()
	inst, err := e.sandboxes.EnsureSandbox(context.Background(), projectID)
	require.NoError(t, err)
	e.provider.Mu.Lock()
	defer e.provider.Mu.Unlock()
	fake, ok := e.provider.Instances[inst.ID()]
	require.True(t, ok)
	return fake
}

func (e *env) dispatch(t *testing.T, projectID, tool, input string) *tools.Result {
	t.Helper()
	res, err := e.reg.Dispatch(context.Background(), projectID, tool, json.RawMessage(input))
	require.NoError(t, err)
	return res
}

func (e *env) getContext(t *testing.T, projectID string) *models.ProjectContext {
	t.Helper()
	pc, err := e.contexts.Get(context.Background(), projectID)
	require.NoError(t, err)
	return pc
}

func outputMap(t *testing.T, res *tools.Result) map[string]any {
	t.Helper()
	encoded, err := json.Marshal(res.Output)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(encoded, &m))
	return m
}

func TestRegistryBuiltins(t *testing.T) {
	e := newTestEnv(t)

	names := e.reg.Names()
	for _, want := range []string{
		"planChanges", "markStepComplete", "analyzeProjectState", "getProjectStructure",
		"readFile", "writeFile", "editFile", "batchWriteFiles",
		"runCommand", "installPackage", "getBuildStatus", "syncProject", "searchFiles",
	} {
		assert.Contains(t, names, want)
	}

	fileTools := e.reg.ListByCategory(tools.CategoryFile)
	require.Len(t, fileTools, 3)

	defs := e.reg.Definitions(nil)
	assert.Len(t, defs, len(names))

	active := e.reg.Definitions([]string{"writeFile", "readFile", "noSuchTool"})
	require.Len(t, active, 2)
	assert.Equal(t, "writeFile", active[0].Name)
	assert.Equal(t, "readFile", active[1].Name)
}

func TestDispatchUnknownTool(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.reg.Dispatch(context.Background(), "proj-1", "teleport", json.RawMessage(`{}`))
	var unknown *llm.UnknownToolError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "teleport", unknown.Name)
}

func TestDispatchInvalidInput(t *testing.T) {
	e := newTestEnv(t)
	tests := []struct {
		name  string
		input string
	}{
		{"wrong type", `{"path": 42, "content": "x"}`},
		{"missing required", `{"path": "app/page.tsx"}`},
		{"extra property", `{"path": "a.ts", "content": "x", "mode": "append"}`},
		{"absolute path", `{"path": "/app/page.tsx", "content": "x"}`},
		{"not json", `{"path": `},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.reg.Dispatch(context.Background(), "proj-1", "writeFile", json.RawMessage(tc.input))
			var invalid *llm.InvalidToolInputError
			require.ErrorAs(t, err, &invalid)
			assert.Equal(t, "writeFile", invalid.Name)
		})
	}
}

func TestWriteFileCreateThenUpdate(t *testing.T) {
	e := newTestEnv(t)
	inst := e.bootSandbox(t, "proj-1")

	res := e.dispatch(t, "proj-1", "writeFile", `{"path": "app/page.tsx", "content": "export default function Page() {}"}`)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "created", outputMap(t, res)["status"])

	inst.Mu.Lock()
	content := inst.Files["/home/user/project/app/page.tsx"]
	inst.Mu.Unlock()
	assert.Contains(t, content, "export default")

	res = e.dispatch(t, "proj-1", "writeFile", `{"path": "app/page.tsx", "content": "// v2"}`)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "updated", outputMap(t, res)["status"])

	pc := e.getContext(t, "proj-1")
	rec, ok := pc.Files["app/page.tsx"]
	require.True(t, ok)
	assert.Equal(t, "// v2", rec.Content)
	assert.Equal(t, "typescript", rec.Language)
	assert.Equal(t, models.FileUpdated, rec.Status)

	// Both dispatches landed in the tool history.
	require.Len(t, pc.ToolHistory, 2)
	assert.Equal(t, "writeFile", pc.ToolHistory[0].Name)
	assert.True(t, pc.ToolHistory[0].Success)
}

func TestWriteFileRejectsEscapingPath(t *testing.T) {
	e := newTestEnv(t)
	res := e.dispatch(t, "proj-1", "writeFile", `{"path": "../../etc/passwd", "content": "x"}`)
	require.False(t, res.Success)
	assert.Contains(t, res.Error, "invalid file path")
}

func TestReadFileRoundTrip(t *testing.T) {
	e := newTestEnv(t)
	e.bootSandbox(t, "proj-1")
	e.dispatch(t, "proj-1", "writeFile", `{"path": "lib/util.ts", "content": "export const x = 1"}`)

	res := e.dispatch(t, "proj-1", "readFile", `{"path": "/lib/util.ts"}`)
	require.True(t, res.Success, res.Error)
	out := outputMap(t, res)
	assert.Equal(t, "lib/util.ts", out["path"])
	assert.Equal(t, "export const x = 1", out["content"])

	res = e.dispatch(t, "proj-1", "readFile", `{"path": "lib/missing.ts"}`)
	require.False(t, res.Success)
	assert.Contains(t, res.Error, "missing.ts")
}

func TestEditFileAppliesPatch(t *testing.T) {
	e := newTestEnv(t)
	inst := e.bootSandbox(t, "proj-1")

	before := "const title = 'Hello'\nexport default title\n"
	after := "const title = 'Coffee Shop'\nexport default title\n"
	e.dispatch(t, "proj-1", "writeFile", fmt.Sprintf(`{"path": "app/title.ts", "content": %q}`, before))

	dmp := diffmatchpatch.New()
	patch := dmp.PatchToText(dmp.PatchMake(before, after))

	input, err := json.Marshal(map[string]string{"path": "app/title.ts", "patch": patch})
	require.NoError(t, err)
	res := e.dispatch(t, "proj-1", "editFile", string(input))
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "updated", outputMap(t, res)["status"])

	inst.Mu.Lock()
	assert.Equal(t, after, inst.Files["/home/user/project/app/title.ts"])
	inst.Mu.Unlock()

	pc := e.getContext(t, "proj-1")
	assert.Equal(t, after, pc.Files["app/title.ts"].Content)
}

func TestEditFileUntracked(t *testing.T) {
	e := newTestEnv(t)
	e.bootSandbox(t, "proj-1")
	res := e.dispatch(t, "proj-1", "editFile", `{"path": "ghost.ts", "patch": "@@ -1 +1 @@\n-a\n+b\n"}`)
	require.False(t, res.Success)
	assert.Contains(t, res.Error, "not tracked")
}

func TestBatchWriteFilesSingleEvent(t *testing.T) {
	e := newTestEnv(t)
	e.bootSandbox(t, "proj-1")
	e.dispatch(t, "proj-1", "writeFile", `{"path": "app/page.tsx", "content": "// v1"}`)

	var mu sync.Mutex
	var got []events.Event
	sub := e.bus.Subscribe(events.Filter{Types: []events.Type{events.TypeFilesChanged}, ProjectID: "proj-1"}, func(ev events.Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	defer sub.Close()

	res := e.dispatch(t, "proj-1", "batchWriteFiles", `{"files": [
		{"path": "app/page.tsx", "content": "// v2"},
		{"path": "app/layout.tsx", "content": "// layout"},
		{"path": "styles/globals.css", "content": "body {}"}
	]}`)
	require.True(t, res.Success, res.Error)
	out := outputMap(t, res)
	assert.ElementsMatch(t, []any{"app/layout.tsx", "styles/globals.css"}, out["created"])
	assert.ElementsMatch(t, []any{"app/page.tsx"}, out["updated"])

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 1
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1, "batch write must publish exactly one files-changed event")
	payload, ok := got[0].Payload.(events.FilesChangedPayload)
	require.True(t, ok)
	assert.Len(t, payload.Paths, 3)
}

func TestBatchWriteFilesPartialFailure(t *testing.T) {
	e := newTestEnv(t)
	e.bootSandbox(t, "proj-1")

	res := e.dispatch(t, "proj-1", "batchWriteFiles", `{"files": [
		{"path": "app/page.tsx", "content": "// ok"},
		{"path": "../escape.ts", "content": "// bad"}
	]}`)
	require.True(t, res.Success, res.Error)
	out := outputMap(t, res)
	assert.ElementsMatch(t, []any{"app/page.tsx"}, out["created"])
	failed, ok := out["failed"].([]any)
	require.True(t, ok)
	require.Len(t, failed, 1)

	pc := e.getContext(t, "proj-1")
	_, tracked := pc.Files["app/page.tsx"]
	assert.True(t, tracked)
	assert.Len(t, pc.Files, 1)
}

func TestPlanChangesBuildsChainedGraph(t *testing.T) {
	e := newTestEnv(t)
	res := e.dispatch(t, "proj-1", "planChanges", `{"steps": ["Scaffold layout", "Add hero section", "Wire contact form"]}`)
	require.True(t, res.Success, res.Error)

	pc := e.getContext(t, "proj-1")
	require.NotNil(t, pc.TaskGraph)
	require.Len(t, pc.TaskGraph.Tasks, 3)
	assert.Equal(t, "task-1", pc.TaskGraph.Tasks[0].ID)
	assert.Empty(t, pc.TaskGraph.Tasks[0].DependsOn)
	assert.Equal(t, []string{"task-1"}, pc.TaskGraph.Tasks[1].DependsOn)
	assert.Equal(t, []string{"task-2"}, pc.TaskGraph.Tasks[2].DependsOn)
	for _, task := range pc.TaskGraph.Tasks {
		assert.Equal(t, models.TaskPending, task.Status)
	}
}

func TestMarkStepCompleteHonorsDependencies(t *testing.T) {
	e := newTestEnv(t)
	e.dispatch(t, "proj-1", "planChanges", `{"steps": ["first", "second"]}`)

	res := e.dispatch(t, "proj-1", "markStepComplete", `{"id": "task-2"}`)
	require.False(t, res.Success)
	assert.Contains(t, res.Error, "incomplete dependencies")

	res = e.dispatch(t, "proj-1", "markStepComplete", `{"id": "task-1"}`)
	require.True(t, res.Success, res.Error)
	res = e.dispatch(t, "proj-1", "markStepComplete", `{"id": "task-2"}`)
	require.True(t, res.Success, res.Error)

	pc := e.getContext(t, "proj-1")
	assert.Equal(t, models.TaskCompleted, pc.TaskGraph.Tasks[1].Status)
	assert.Contains(t, pc.CompletedSteps, "task-1")
	assert.Contains(t, pc.CompletedSteps, "task-2")
}

func TestAnalyzeProjectState(t *testing.T) {
	e := newTestEnv(t)
	e.bootSandbox(t, "proj-1")
	e.dispatch(t, "proj-1", "writeFile", `{"path": "package.json", "content": "{}"}`)
	e.dispatch(t, "proj-1", "planChanges", `{"steps": ["only step"]}`)
	require.NoError(t, e.contexts.AppendError(context.Background(), "proj-1", "build exploded"))

	res := e.dispatch(t, "proj-1", "analyzeProjectState", `{}`)
	require.True(t, res.Success, res.Error)
	out := outputMap(t, res)
	assert.Equal(t, "proj-1", out["project_id"])
	assert.Equal(t, float64(1), out["file_count"])
	assert.Contains(t, out["files"], "package.json")
	assert.Contains(t, out["recent_errors"], "build exploded")
	plan, ok := out["plan"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), plan["total"])
}

func TestGetProjectStructure(t *testing.T) {
	e := newTestEnv(t)
	inst := e.bootSandbox(t, "proj-1")
	inst.Mu.Lock()
	inst.ExecFunc = func(command string) *sandbox.ExecResult {
		if strings.HasPrefix(command, "find ") {
			return &sandbox.ExecResult{Stdout: "app/page.tsx\npackage.json\n"}
		}
		return &sandbox.ExecResult{}
	}
	inst.Mu.Unlock()

	res := e.dispatch(t, "proj-1", "getProjectStructure", `{}`)
	require.True(t, res.Success, res.Error)
	out := outputMap(t, res)
	assert.Equal(t, []any{"app/page.tsx", "package.json"}, out["files"])
	assert.Equal(t, float64(2), out["count"])
}

func TestRunCommandRecordsInstalls(t *testing.T) {
	e := newTestEnv(t)
	e.bootSandbox(t, "proj-1")

	res := e.dispatch(t, "proj-1", "runCommand", `{"command": "npm install react@18.2.0 zustand --save"}`)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, float64(0), outputMap(t, res)["exit_code"])

	pc := e.getContext(t, "proj-1")
	assert.Equal(t, "18.2.0", pc.Dependencies["react"])
	assert.Equal(t, "latest", pc.Dependencies["zustand"])
	_, flagRecorded := pc.Dependencies["--save"]
	assert.False(t, flagRecorded)
}

func TestRunCommandFailedInstallNotRecorded(t *testing.T) {
	e := newTestEnv(t)
	inst := e.bootSandbox(t, "proj-1")
	inst.Mu.Lock()
	inst.ExecFunc = func(string) *sandbox.ExecResult {
		return &sandbox.ExecResult{ExitCode: 1, Stderr: "E404 not found"}
	}
	inst.Mu.Unlock()

	res := e.dispatch(t, "proj-1", "runCommand", `{"command": "npm install no-such-pkg"}`)
	require.True(t, res.Success, res.Error)
	out := outputMap(t, res)
	assert.Equal(t, float64(1), out["exit_code"])

	pc := e.getContext(t, "proj-1")
	assert.Empty(t, pc.Dependencies)
}

func TestInstallPackageRestartsRunningServer(t *testing.T) {
	e := newTestEnv(t)
	inst := e.bootSandbox(t, "proj-1")
	e.dispatch(t, "proj-1", "writeFile", `{"path": "bun.lock", "content": ""}`)
	_, err := e.contexts.Update(context.Background(), "proj-1", models.ContextPatch{
		ServerState: &models.ServerState{IsRunning: true, Port: 3000},
	})
	require.NoError(t, err)

	res := e.dispatch(t, "proj-1", "installPackage", `{"packages": ["zod@3.23.8"], "dev": false}`)
	require.True(t, res.Success, res.Error)
	out := outputMap(t, res)
	assert.Equal(t, "bun", out["package_manager"])
	assert.Equal(t, true, out["server_restarted"])

	inst.Mu.Lock()
	joined := strings.Join(inst.Execs, "\n")
	inst.Mu.Unlock()
	assert.Contains(t, joined, "bun add zod@3.23.8")

	pc := e.getContext(t, "proj-1")
	assert.Equal(t, "3.23.8", pc.Dependencies["zod"])
	require.NotNil(t, pc.ServerState)
	assert.True(t, pc.ServerState.IsRunning)
}

func TestInstallPackageFailure(t *testing.T) {
	e := newTestEnv(t)
	inst := e.bootSandbox(t, "proj-1")
	inst.Mu.Lock()
	inst.ExecFunc = func(command string) *sandbox.ExecResult {
		if strings.HasPrefix(command, "npm install") {
			return &sandbox.ExecResult{ExitCode: 1, Stderr: "EAI_AGAIN registry.npmjs.org"}
		}
		return &sandbox.ExecResult{}
	}
	inst.Mu.Unlock()

	res := e.dispatch(t, "proj-1", "installPackage", `{"packages": ["left-pad"]}`)
	require.False(t, res.Success)
	assert.Contains(t, res.Error, "exit code 1")

	pc := e.getContext(t, "proj-1")
	assert.Empty(t, pc.Dependencies)
}

func TestGetBuildStatusClassifiesLog(t *testing.T) {
	e := newTestEnv(t)
	inst := e.bootSandbox(t, "proj-1")
	logOutput := strings.Join([]string{
		"ready in 1.2s",
		"Error: Cannot find module './missing'",
		"warning: unused variable x",
		"compiled successfully",
	}, "\n")
	inst.Mu.Lock()
	inst.ExecFunc = func(command string) *sandbox.ExecResult {
		if strings.HasPrefix(command, "tail ") {
			return &sandbox.ExecResult{Stdout: logOutput}
		}
		return &sandbox.ExecResult{}
	}
	inst.Mu.Unlock()

	res := e.dispatch(t, "proj-1", "getBuildStatus", `{"logLines": 20}`)
	require.True(t, res.Success, res.Error)
	out := outputMap(t, res)
	assert.Equal(t, true, out["has_errors"])
	assert.Equal(t, true, out["has_warnings"])

	pc := e.getContext(t, "proj-1")
	require.NotNil(t, pc.BuildStatus)
	assert.True(t, pc.BuildStatus.HasErrors)
	require.Len(t, pc.BuildStatus.Errors, 1)
	assert.Contains(t, pc.BuildStatus.Errors[0], "Cannot find module")
	require.Len(t, pc.BuildStatus.Warnings, 1)
}

func TestGetBuildStatusWithoutSandbox(t *testing.T) {
	e := newTestEnv(t)
	res := e.dispatch(t, "proj-1", "getBuildStatus", `{}`)
	require.False(t, res.Success)
	assert.Contains(t, res.Error, "no active sandbox")
}

func TestSyncProjectCreatesRow(t *testing.T) {
	e := newTestEnv(t)
	res := e.dispatch(t, "proj-1", "syncProject", `{}`)
	require.True(t, res.Success, res.Error)

	e.durable.Mu.Lock()
	name, ok := e.durable.Projects["proj-1"]
	saves := e.durable.Saves
	e.durable.Mu.Unlock()
	require.True(t, ok)
	assert.NotEmpty(t, name)
	assert.Greater(t, saves, 0)
}

func TestSearchFiles(t *testing.T) {
	e := newTestEnv(t)
	inst := e.bootSandbox(t, "proj-1")
	inst.Mu.Lock()
	inst.ExecFunc = func(command string) *sandbox.ExecResult {
		if strings.HasPrefix(command, "grep ") {
			return &sandbox.ExecResult{Stdout: "app/page.tsx:3:useState\napp/form.tsx:10:useState\n"}
		}
		return &sandbox.ExecResult{}
	}
	inst.Mu.Unlock()

	res := e.dispatch(t, "proj-1", "searchFiles", `{"query": "useState"}`)
	require.True(t, res.Success, res.Error)
	out := outputMap(t, res)
	assert.Equal(t, float64(2), out["count"])

	res = e.dispatch(t, "proj-1", "searchFiles", `{"query": "x", "path": "../outside"}`)
	require.False(t, res.Success)
	assert.Contains(t, res.Error, "invalid search path")
}

func TestDispatchRecoversPanicAndRecordsHistory(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.reg.Register(&tools.Tool{
		Name:        "boom",
		Description: "always panics",
		Category:    tools.CategoryCode,
		Schema:      json.RawMessage(`{"type": "object"}`),
		Execute: func(context.Context, string, json.RawMessage) (any, error) {
			panic("kaboom")
		},
	}))

	res := e.dispatch(t, "proj-1", "boom", `{}`)
	require.False(t, res.Success)
	assert.Contains(t, res.Error, "panicked")

	pc := e.getContext(t, "proj-1")
	require.Len(t, pc.ToolHistory, 1)
	assert.Equal(t, "boom", pc.ToolHistory[0].Name)
	assert.False(t, pc.ToolHistory[0].Success)
	require.Len(t, pc.ErrorHistory, 1)
	assert.Contains(t, pc.ErrorHistory[0], "boom")
}
