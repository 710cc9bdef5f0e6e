package agent_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appforge-io/appforge/pkg/agent"
	"github.com/appforge-io/appforge/pkg/config"
	"github.com/appforge-io/appforge/pkg/devserver"
	"github.com/appforge-io/appforge/pkg/events"
	"github.com/appforge-io/appforge/pkg/faults"
	"github.com/appforge-io/appforge/pkg/llm"
	"github.com/appforge-io/appforge/pkg/models"
	"github.com/appforge-io/appforge/pkg/sandbox"
	"github.com/appforge-io/appforge/pkg/sandbox/sandboxtest"
	"github.com/appforge-io/appforge/pkg/store"
	"github.com/appforge-io/appforge/pkg/store/storetest"
	"github.com/appforge-io/appforge/pkg/tools"
)

// scriptedClient plays back one chunk sequence per step and records every
// request it sees. hangAt makes that step block until the context is
// cancelled after its chunks are delivered. stepErrs closes that step's
// stream with the given error instead of a clean finish.
type scriptedClient struct {
	mu       sync.Mutex
	steps    [][]llm.Chunk
	hangAt   int
	stepErrs map[int]error
	requests []llm.Request
}

func newScriptedClient(steps ...[]llm.Chunk) *scriptedClient {
	return &scriptedClient{steps: steps, hangAt: -1}
}

func (c *scriptedClient) Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, <-chan error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	idx := len(c.requests) - 1
	c.mu.Unlock()

	chunks := make(chan llm.Chunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		var step []llm.Chunk
		if idx < len(c.steps) {
			step = c.steps[idx]
		}
		for _, chunk := range step {
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if idx == c.hangAt {
			<-ctx.Done()
			errs <- ctx.Err()
			return
		}
		if err, ok := c.stepErrs[idx]; ok {
			errs <- err
			return
		}
		errs <- nil
	}()
	return chunks, errs
}

func (c *scriptedClient) recorded() []llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]llm.Request(nil), c.requests...)
}

type agentEnv struct {
	durable  *storetest.MemDurable
	contexts *store.ContextStore
	provider *sandboxtest.FakeProvider
	client   *scriptedClient
	orch     *agent.Orchestrator
	cfg      *config.Config
}

func newAgentEnv(t *testing.T, client *scriptedClient, tweak func(cfg *config.Config)) *agentEnv {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	durable := storetest.NewMemDurable()
	cfg := config.DefaultConfig()
	cfg.DevServer.StatusCacheTtlMs = 50
	cfg.DevServer.ReadyTimeoutMs = 500
	cfg.DevServer.PortProbeTimeoutMs = 100
	if tweak != nil {
		tweak(cfg)
	}

	contexts := store.NewContextStore(durable, bus, cfg.Agent)
	provider := sandboxtest.NewFakeProvider()
	sandboxes := sandbox.NewManager(provider, contexts, bus, cfg.Sandbox)
	devservers := devserver.NewSupervisor(sandboxes, contexts, bus, cfg.DevServer)
	reg, err := tools.NewRegistry(contexts, sandboxes, devservers, cfg.Sandbox)
	require.NoError(t, err)

	return &agentEnv{
		durable:  durable,
		contexts: contexts,
		provider: provider,
		client:   client,
		orch:     agent.NewOrchestrator(client, reg, contexts, cfg.Agent),
		cfg:      cfg,
	}
}

func userMessage(text string) models.Message {
	return models.Message{ID: "user-1", Role: models.RoleUser, Content: text}
}

func textChunk(text string) llm.Chunk { return llm.TextChunk{Text: text} }

func callChunk(id, name, input string) llm.Chunk {
	return llm.ToolCallChunk{ID: id, Name: name, Input: json.RawMessage(input)}
}

// run collects events alongside the result.
func (e *agentEnv) run(t *testing.T, ctx context.Context, req agent.TurnRequest) (*agent.TurnResult, []agent.TurnEvent, error) {
	t.Helper()
	var evts []agent.TurnEvent
	res, err := e.orch.Run(ctx, req, func(ev agent.TurnEvent) { evts = append(evts, ev) })
	return res, evts, err
}

func eventsOfType(evts []agent.TurnEvent, typ agent.EventType) []agent.TurnEvent {
	var out []agent.TurnEvent
	for _, ev := range evts {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func TestRunRejectsEmptyRequest(t *testing.T) {
	e := newAgentEnv(t, newScriptedClient(), nil)

	_, err := e.orch.Run(context.Background(), agent.TurnRequest{Messages: []models.Message{userMessage("hi")}}, nil)
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))

	_, err = e.orch.Run(context.Background(), agent.TurnRequest{ProjectID: "proj-1"}, nil)
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))
}

func TestRunPlanningStepThenFullToolset(t *testing.T) {
	client := newScriptedClient(
		[]llm.Chunk{
			textChunk("Planning the build."),
			callChunk("call-1", "planChanges", `{"steps":["Scaffold pages","Add styling"]}`),
		},
		[]llm.Chunk{
			textChunk("All set."),
			llm.UsageChunk{InputTokens: 120, OutputTokens: 30},
		},
	)
	e := newAgentEnv(t, client, nil)

	res, evts, err := e.run(t, context.Background(), agent.TurnRequest{
		ProjectID: "proj-1",
		Messages:  []models.Message{userMessage("create a portfolio for a photographer")},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Steps)
	assert.Equal(t, "All set.", res.Text)

	reqs := client.recorded()
	require.Len(t, reqs, 2)
	assert.ElementsMatch(t,
		[]string{"planChanges", "markStepComplete", "analyzeProjectState", "getProjectStructure"},
		reqs[0].ActiveTools)
	assert.Nil(t, reqs[1].ActiveTools)
	// The full definitions ride along on every step; activation only narrows.
	assert.Len(t, reqs[0].Tools, 13)

	// The second request carries the first step's assistant message.
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	require.Equal(t, models.RoleAssistant, last.Role)
	require.Len(t, last.Parts, 3)
	assert.Equal(t, models.PartText, last.Parts[0].Type)
	assert.Equal(t, models.PartToolCall, last.Parts[1].Type)
	assert.Equal(t, models.PartToolResult, last.Parts[2].Type)
	assert.False(t, last.Parts[2].IsError)

	pc, err := e.contexts.Get(context.Background(), "proj-1")
	require.NoError(t, err)
	require.NotNil(t, pc.TaskGraph)
	require.Len(t, pc.TaskGraph.Tasks, 2)
	assert.Equal(t, []string{pc.TaskGraph.Tasks[0].ID}, pc.TaskGraph.Tasks[1].DependsOn)

	// Title derivation replaced the placeholder project name.
	assert.Equal(t, "Portfolio", e.durable.Projects["proj-1"])

	msgs, err := e.contexts.ListMessages(context.Background(), "proj-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleAssistant, msgs[0].Role)

	assert.Len(t, eventsOfType(evts, agent.EventToolCall), 1)
	assert.Len(t, eventsOfType(evts, agent.EventToolResult), 1)
	assert.Len(t, eventsOfType(evts, agent.EventStepFinish), 2)
	done := eventsOfType(evts, agent.EventDone)
	require.Len(t, done, 1)
	assert.Equal(t, agent.DonePayload{Steps: 2}, done[0].Payload)
}

func TestRunRepairsLeadingSlashPath(t *testing.T) {
	client := newScriptedClient(
		[]llm.Chunk{
			callChunk("call-1", "writeFile", `{"path":"/app/page.tsx","content":"export default function Page() {}"}`),
		},
		[]llm.Chunk{textChunk("Wrote the page.")},
	)
	e := newAgentEnv(t, client, nil)

	res, evts, err := e.run(t, context.Background(), agent.TurnRequest{
		ProjectID: "proj-1",
		Messages:  []models.Message{userMessage("write the landing page")},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.FilesCreated)

	results := eventsOfType(evts, agent.EventToolResult)
	require.Len(t, results, 1)
	payload := results[0].Payload.(agent.ToolResultPayload)
	assert.True(t, payload.Result.Success)

	pc, err := e.contexts.Get(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.Contains(t, pc.Files, "app/page.tsx")

	// The persisted tool-call part carries the repaired input.
	msgs, err := e.contexts.ListMessages(context.Background(), "proj-1")
	require.NoError(t, err)
	var callPart *models.MessagePart
	for i := range msgs[0].Parts {
		if msgs[0].Parts[i].Type == models.PartToolCall {
			callPart = &msgs[0].Parts[i]
		}
	}
	require.NotNil(t, callPart)
	var input map[string]any
	require.NoError(t, json.Unmarshal(callPart.Input, &input))
	assert.Equal(t, "app/page.tsx", input["path"])
}

func TestRunSkipsUnknownTool(t *testing.T) {
	client := newScriptedClient(
		[]llm.Chunk{
			textChunk("Syncing."),
			callChunk("call-1", "deployToProduction", `{}`),
			callChunk("call-2", "syncProject", `{}`),
		},
		[]llm.Chunk{textChunk("Done.")},
	)
	e := newAgentEnv(t, client, nil)

	res, evts, err := e.run(t, context.Background(), agent.TurnRequest{
		ProjectID: "proj-1",
		Messages:  []models.Message{userMessage("sync it")},
	})
	require.NoError(t, err)
	assert.Equal(t, "Done.", res.Text)

	// The unknown call leaves no result and no conversation trace.
	assert.Len(t, eventsOfType(evts, agent.EventToolResult), 1)
	msgs, err := e.contexts.ListMessages(context.Background(), "proj-1")
	require.NoError(t, err)
	require.Len(t, msgs[0].Parts, 3)
	assert.Equal(t, "syncProject", msgs[0].Parts[1].ToolName)
}

func TestRunSurfacesUnrepairableInput(t *testing.T) {
	client := newScriptedClient(
		[]llm.Chunk{callChunk("call-1", "readFile", `{"path":123}`)},
		[]llm.Chunk{textChunk("That path was not usable.")},
	)
	e := newAgentEnv(t, client, nil)

	res, evts, err := e.run(t, context.Background(), agent.TurnRequest{
		ProjectID: "proj-1",
		Messages:  []models.Message{userMessage("read it")},
	})
	require.NoError(t, err)
	assert.Equal(t, "That path was not usable.", res.Text)

	results := eventsOfType(evts, agent.EventToolResult)
	require.Len(t, results, 1)
	payload := results[0].Payload.(agent.ToolResultPayload)
	assert.False(t, payload.Result.Success)
	assert.Contains(t, payload.Result.Error, "invalid input")

	msgs, err := e.contexts.ListMessages(context.Background(), "proj-1")
	require.NoError(t, err)
	var resultPart *models.MessagePart
	for i := range msgs[0].Parts {
		if msgs[0].Parts[i].Type == models.PartToolResult {
			resultPart = &msgs[0].Parts[i]
		}
	}
	require.NotNil(t, resultPart)
	assert.True(t, resultPart.IsError)
}

func TestRunRecoversTruncatedStreamArguments(t *testing.T) {
	client := newScriptedClient(
		[]llm.Chunk{textChunk("Writing the page.")},
		[]llm.Chunk{textChunk("Done.")},
	)
	client.stepErrs = map[int]error{0: &llm.InvalidToolInputError{
		ID:    "call-1",
		Name:  "writeFile",
		Raw:   `{"path": "app/page.tsx", "content": "export default function Page() {}"`,
		Cause: errors.New("arguments are not valid JSON"),
	}}
	e := newAgentEnv(t, client, nil)

	res, evts, err := e.run(t, context.Background(), agent.TurnRequest{
		ProjectID: "proj-1",
		Messages:  []models.Message{userMessage("write the landing page")},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.FilesCreated)
	assert.Equal(t, "Done.", res.Text)

	results := eventsOfType(evts, agent.EventToolResult)
	require.Len(t, results, 1)
	assert.True(t, results[0].Payload.(agent.ToolResultPayload).Result.Success)
	require.Len(t, eventsOfType(evts, agent.EventDone), 1)

	pc, err := e.contexts.Get(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.Contains(t, pc.Files, "app/page.tsx")

	// The persisted call part carries the mended arguments.
	msgs, err := e.contexts.ListMessages(context.Background(), "proj-1")
	require.NoError(t, err)
	var callPart *models.MessagePart
	for i := range msgs[0].Parts {
		if msgs[0].Parts[i].Type == models.PartToolCall {
			callPart = &msgs[0].Parts[i]
		}
	}
	require.NotNil(t, callPart)
	var input map[string]any
	require.NoError(t, json.Unmarshal(callPart.Input, &input))
	assert.Equal(t, "app/page.tsx", input["path"])
}

func TestRunSurfacesUnrepairableStreamArguments(t *testing.T) {
	client := newScriptedClient(
		nil,
		[]llm.Chunk{textChunk("The arguments were unusable.")},
	)
	client.stepErrs = map[int]error{0: &llm.InvalidToolInputError{
		ID:    "call-1",
		Name:  "readFile",
		Raw:   `{"path": 123`,
		Cause: errors.New("arguments are not valid JSON"),
	}}
	e := newAgentEnv(t, client, nil)

	res, evts, err := e.run(t, context.Background(), agent.TurnRequest{
		ProjectID: "proj-1",
		Messages:  []models.Message{userMessage("read it")},
	})
	require.NoError(t, err)
	assert.Equal(t, "The arguments were unusable.", res.Text)

	results := eventsOfType(evts, agent.EventToolResult)
	require.Len(t, results, 1)
	payload := results[0].Payload.(agent.ToolResultPayload)
	assert.False(t, payload.Result.Success)
	require.Len(t, eventsOfType(evts, agent.EventDone), 1)

	msgs, err := e.contexts.ListMessages(context.Background(), "proj-1")
	require.NoError(t, err)
	var resultPart *models.MessagePart
	for i := range msgs[0].Parts {
		if msgs[0].Parts[i].Type == models.PartToolResult {
			resultPart = &msgs[0].Parts[i]
		}
	}
	require.NotNil(t, resultPart)
	assert.True(t, resultPart.IsError)
}

func TestRunRuntimeFailureIsNotRetried(t *testing.T) {
	client := newScriptedClient(
		[]llm.Chunk{callChunk("call-1", "readFile", `{"path":"/app/missing.tsx"}`)},
		[]llm.Chunk{textChunk("Could not read it.")},
	)
	e := newAgentEnv(t, client, nil)

	res, evts, err := e.run(t, context.Background(), agent.TurnRequest{
		ProjectID: "proj-1",
		Messages:  []models.Message{userMessage("read it")},
	})
	require.NoError(t, err)
	assert.Equal(t, "Could not read it.", res.Text)

	results := eventsOfType(evts, agent.EventToolResult)
	require.Len(t, results, 1)
	payload := results[0].Payload.(agent.ToolResultPayload)
	assert.False(t, payload.Result.Success)
	assert.Contains(t, payload.Result.Error, "missing.tsx")

	// The tool validated and ran once; a runtime failure must not trigger
	// a second execution.
	pc, err := e.contexts.Get(context.Background(), "proj-1")
	require.NoError(t, err)
	require.Len(t, pc.ToolHistory, 1)
	assert.Equal(t, "readFile", pc.ToolHistory[0].Name)
	assert.False(t, pc.ToolHistory[0].Success)
}

func TestRunSynthesizesFallbackSummary(t *testing.T) {
	files := `{"files":[` +
		`{"path":"app/page.tsx","content":"export default function Page() {}"},` +
		`{"path":"app/layout.tsx","content":"export default function Layout() {}"}]}`
	client := newScriptedClient(
		[]llm.Chunk{callChunk("call-1", "batchWriteFiles", files)},
		nil, // final step produces neither text nor calls
	)
	e := newAgentEnv(t, client, nil)

	res, evts, err := e.run(t, context.Background(), agent.TurnRequest{
		ProjectID: "proj-1",
		Messages:  []models.Message{userMessage("scaffold the app")},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.FilesCreated)
	assert.Equal(t, "Completed the requested changes (2 files created, 0 files updated).", res.Text)

	msgs, err := e.contexts.ListMessages(context.Background(), "proj-1")
	require.NoError(t, err)
	last := msgs[len(msgs)-1]
	assert.Equal(t, res.Text, last.Content)

	deltas := eventsOfType(evts, agent.EventTextDelta)
	require.NotEmpty(t, deltas)
	assert.Equal(t, res.Text, deltas[len(deltas)-1].Payload.(agent.TextDeltaPayload).Text)
}

func TestRunStopsAtStepCap(t *testing.T) {
	client := newScriptedClient(
		[]llm.Chunk{callChunk("call-1", "syncProject", `{}`)},
		[]llm.Chunk{callChunk("call-2", "syncProject", `{}`)},
		[]llm.Chunk{callChunk("call-3", "syncProject", `{}`)},
	)
	e := newAgentEnv(t, client, func(cfg *config.Config) {
		cfg.Agent.MaxSteps = 2
	})

	res, evts, err := e.run(t, context.Background(), agent.TurnRequest{
		ProjectID: "proj-1",
		Messages:  []models.Message{userMessage("keep syncing")},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Steps)
	assert.Len(t, client.recorded(), 2)
	assert.Contains(t, res.Text, "step limit reached")

	finishes := eventsOfType(evts, agent.EventStepFinish)
	require.Len(t, finishes, 3)
	assert.Equal(t, "max-steps", finishes[2].Payload.(agent.StepFinishPayload).FinishReason)
}

func TestRunNarrowsToolsOnBuildErrors(t *testing.T) {
	client := newScriptedClient(
		[]llm.Chunk{callChunk("call-1", "analyzeProjectState", `{}`)},
		[]llm.Chunk{textChunk("Fixing the build next.")},
	)
	e := newAgentEnv(t, client, nil)

	_, err := e.contexts.Update(context.Background(), "proj-1", models.ContextPatch{
		BuildStatus: &models.BuildStatus{HasErrors: true, Errors: []string{"Cannot find module './missing'"}},
	})
	require.NoError(t, err)

	_, _, err = e.run(t, context.Background(), agent.TurnRequest{
		ProjectID: "proj-1",
		Messages:  []models.Message{userMessage("fix the build")},
	})
	require.NoError(t, err)

	reqs := client.recorded()
	require.Len(t, reqs, 2)
	assert.ElementsMatch(t,
		[]string{"readFile", "writeFile", "editFile", "batchWriteFiles", "runCommand", "installPackage", "getBuildStatus"},
		reqs[1].ActiveTools)
}

func TestRunCompressesLongConversations(t *testing.T) {
	client := newScriptedClient([]llm.Chunk{textChunk("ok")})
	e := newAgentEnv(t, client, func(cfg *config.Config) {
		cfg.Agent.CompressMessagesAbove = 4
		cfg.Agent.CompressKeepTail = 2
	})

	var history []models.Message
	for i := 0; i < 6; i++ {
		history = append(history, models.Message{
			ID:      "msg-" + strings.Repeat("x", i+1),
			Role:    models.RoleUser,
			Content: "turn",
		})
	}
	_, _, err := e.run(t, context.Background(), agent.TurnRequest{
		ProjectID: "proj-1",
		Messages:  history,
	})
	require.NoError(t, err)

	reqs := client.recorded()
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0].Messages, 3)
	assert.Equal(t, history[0].ID, reqs[0].Messages[0].ID)
	assert.Equal(t, history[4].ID, reqs[0].Messages[1].ID)
	assert.Equal(t, history[5].ID, reqs[0].Messages[2].ID)
}

func TestRunCancellationPersistsPartialText(t *testing.T) {
	client := newScriptedClient([]llm.Chunk{textChunk("Starting the scaffold")})
	client.hangAt = 0
	e := newAgentEnv(t, client, nil)

	ctx, cancel := context.WithCancel(context.Background())
	var evts []agent.TurnEvent
	_, err := e.orch.Run(ctx, agent.TurnRequest{
		ProjectID: "proj-1",
		Messages:  []models.Message{userMessage("scaffold the app")},
	}, func(ev agent.TurnEvent) {
		evts = append(evts, ev)
		if ev.Type == agent.EventTextDelta {
			cancel()
		}
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "turn cancelled")

	msgs, listErr := e.contexts.ListMessages(context.Background(), "proj-1")
	require.NoError(t, listErr)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.RoleAssistant, msgs[0].Role)
	assert.Equal(t, "Starting the scaffold", msgs[0].Content)

	require.NotEmpty(t, eventsOfType(evts, agent.EventError))
}
