// Package agent runs streaming turns: a tool-calling loop over the LLM
// client with per-step tool activation, conversation compression, input
// repair, and durable persistence of the resulting assistant messages.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/appforge-io/appforge/pkg/config"
	"github.com/appforge-io/appforge/pkg/faults"
	"github.com/appforge-io/appforge/pkg/llm"
	"github.com/appforge-io/appforge/pkg/models"
	"github.com/appforge-io/appforge/pkg/store"
	"github.com/appforge-io/appforge/pkg/tools"
)

// systemPrompt frames every turn. Tool schemas carry the operational
// detail; this stays short.
const systemPrompt = `You are an expert web-app builder. You create and modify ` +
	`Next.js projects inside a sandboxed VM using the available tools. Plan before ` +
	`large changes, keep the dev server running, and verify the build after edits. ` +
	`Prefer batchWriteFiles when creating several files at once.`

// Orchestrator drives one streaming turn at a time per request. It owns no
// project state; everything flows through the context store and registry.
type Orchestrator struct {
	client   llm.Client
	registry *tools.Registry
	contexts *store.ContextStore
	cfg      config.AgentConfig
	logger   *slog.Logger
}

func NewOrchestrator(client llm.Client, registry *tools.Registry, contexts *store.ContextStore, cfg config.AgentConfig) *Orchestrator {
	return &Orchestrator{
		client:   client,
		registry: registry,
		contexts: contexts,
		cfg:      cfg,
		logger:   slog.Default().With("component", "orchestrator"),
	}
}

// TurnRequest is one incoming turn.
type TurnRequest struct {
	ProjectID string
	Model     string
	Messages  []models.Message
}

// TurnResult summarizes a finished turn.
type TurnResult struct {
	Text         string
	Steps        int
	FilesCreated int
	FilesUpdated int
	Assistant    []models.Message
}

// turnState accumulates across steps.
type turnState struct {
	assistant    []models.Message
	filesCreated int
	filesUpdated int
}

// Run executes the turn, emitting events as they happen. Cancelling ctx
// stops the model stream and in-flight tools; whatever assistant fragment
// exists by then is still persisted.
func (o *Orchestrator) Run(ctx context.Context, req TurnRequest, emit func(TurnEvent)) (*TurnResult, error) {
	if req.ProjectID == "" {
		return nil, faults.Validation("project id is required")
	}
	if len(req.Messages) == 0 {
		return nil, faults.Validation("conversation is empty")
	}
	if emit == nil {
		emit = func(TurnEvent) {}
	}
	logger := o.logger.With("project_id", req.ProjectID)

	conversation := append([]models.Message(nil), req.Messages...)
	turn := &turnState{}
	var finalText string
	truncated := false

	step := 0
	for ; ; step++ {
		if o.cfg.MaxSteps > 0 && step >= o.cfg.MaxSteps {
			truncated = true
			logger.Warn("Turn hit the step cap", "max_steps", o.cfg.MaxSteps)
			emit(TurnEvent{Type: EventStepFinish, Payload: StepFinishPayload{
				Step:         step,
				FinishReason: finishReasonMaxSteps,
			}})
			break
		}

		pc, err := o.contexts.Get(ctx, req.ProjectID)
		if err != nil {
			return nil, o.fail(emit, err)
		}
		active := o.activeTools(step, pc)

		chunks, errs := o.client.Stream(ctx, llm.Request{
			Model:       req.Model,
			System:      systemPrompt,
			Messages:    o.compress(conversation),
			Tools:       o.registry.Definitions(nil),
			ActiveTools: active,
		})

		var text strings.Builder
		var calls []llm.ToolCallChunk
		var usage llm.UsageChunk
		for chunk := range chunks {
			switch c := chunk.(type) {
			case llm.TextChunk:
				text.WriteString(c.Text)
				emit(TurnEvent{Type: EventTextDelta, Payload: TextDeltaPayload{Text: c.Text}})
			case llm.ToolCallChunk:
				calls = append(calls, c)
			case llm.UsageChunk:
				usage = c
			}
		}
		if err := <-errs; err != nil {
			if ctx.Err() != nil {
				o.persistFragment(ctx, req, turn, text.String())
				return nil, o.fail(emit, fmt.Errorf("turn cancelled: %w", ctx.Err()))
			}
			var invalid *llm.InvalidToolInputError
			var unknown *llm.UnknownToolError
			switch {
			case errors.As(err, &invalid):
				// Undecodable streamed arguments become a regular call so
				// the repair path and failed-result feedback apply; the
				// turn continues.
				calls = append(calls, llm.ToolCallChunk{
					ID:    invalid.ID,
					Name:  invalid.Name,
					Input: json.RawMessage(invalid.Raw),
				})
			case errors.As(err, &unknown):
				logger.Warn("Skipping unknown tool call from stream", "tool", unknown.Name)
			default:
				return nil, o.fail(emit, err)
			}
		}

		msg := models.Message{
			ID:        uuid.NewString(),
			ProjectID: req.ProjectID,
			Role:      models.RoleAssistant,
			Content:   text.String(),
			CreatedAt: time.Now(),
		}
		if text.Len() > 0 {
			msg.Parts = append(msg.Parts, models.MessagePart{Type: models.PartText, Text: text.String()})
		}

		cancelled := false
		for _, call := range calls {
			if ctx.Err() != nil {
				cancelled = true
				break
			}
			input, res, callErr := o.runToolCall(ctx, req.ProjectID, call, emit)
			if callErr != nil {
				// Unknown tool: logged and skipped, the call leaves no trace
				// in the conversation.
				continue
			}
			msg.Parts = append(msg.Parts,
				models.MessagePart{
					Type:       models.PartToolCall,
					ToolCallID: call.ID,
					ToolName:   call.Name,
					Input:      input,
				},
				toolResultPart(call, res),
			)
			o.countFileChanges(call.Name, res, turn)
		}

		conversation = append(conversation, msg)
		if len(msg.Parts) > 0 {
			turn.assistant = append(turn.assistant, msg)
		}

		reason := finishReasonStop
		if len(calls) > 0 {
			reason = finishReasonToolCalls
		}
		emit(TurnEvent{Type: EventStepFinish, Payload: StepFinishPayload{
			Step:         step,
			FinishReason: reason,
			ToolCalls:    len(calls),
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
		}})
		logger.Info("Step finished",
			"step", step, "finish_reason", reason, "tool_calls", len(calls),
			"tokens_in", usage.InputTokens, "tokens_out", usage.OutputTokens)

		if cancelled {
			o.persistFragment(ctx, req, turn, "")
			return nil, o.fail(emit, fmt.Errorf("turn cancelled: %w", ctx.Err()))
		}
		if len(calls) == 0 {
			finalText = text.String()
			step++
			break
		}
	}

	if truncated {
		finalText = strings.TrimSpace(finalText + "\n[response truncated: step limit reached]")
	}
	if strings.TrimSpace(finalText) == "" && (turn.filesCreated > 0 || turn.filesUpdated > 0) {
		finalText = fmt.Sprintf("Completed the requested changes (%d files created, %d files updated).",
			turn.filesCreated, turn.filesUpdated)
		summary := models.Message{
			ID:        uuid.NewString(),
			ProjectID: req.ProjectID,
			Role:      models.RoleAssistant,
			Content:   finalText,
			Parts:     []models.MessagePart{{Type: models.PartText, Text: finalText}},
			CreatedAt: time.Now(),
		}
		turn.assistant = append(turn.assistant, summary)
		emit(TurnEvent{Type: EventTextDelta, Payload: TextDeltaPayload{Text: finalText}})
	}

	if err := o.persistTurn(ctx, req, turn); err != nil {
		return nil, o.fail(emit, err)
	}

	emit(TurnEvent{Type: EventDone, Payload: DonePayload{
		Steps:        step,
		FilesCreated: turn.filesCreated,
		FilesUpdated: turn.filesUpdated,
	}})
	return &TurnResult{
		Text:         finalText,
		Steps:        step,
		FilesCreated: turn.filesCreated,
		FilesUpdated: turn.filesUpdated,
		Assistant:    turn.assistant,
	}, nil
}

// runToolCall dispatches one call with the repair path: invalid input gets
// the mechanical fixes and one revalidation; still-invalid input comes back
// to the model as an unsuccessful tool result. Only unknown tools error.
func (o *Orchestrator) runToolCall(ctx context.Context, projectID string, call llm.ToolCallChunk, emit func(TurnEvent)) (json.RawMessage, *tools.Result, error) {
	emit(TurnEvent{Type: EventToolCall, Payload: ToolCallPayload{ID: call.ID, Name: call.Name, Input: safeRaw(call.Input)}})

	input := call.Input
	res, err := o.registry.Dispatch(ctx, projectID, call.Name, input)

	var unknown *llm.UnknownToolError
	if errors.As(err, &unknown) {
		o.logger.Warn("Skipping unknown tool call", "project_id", projectID, "tool", call.Name)
		return nil, nil, err
	}

	// Repair is scoped to rejected input: one mechanical fix and one
	// re-dispatch. A tool that validated and failed at runtime already
	// ran; it is never executed a second time.
	var invalid *llm.InvalidToolInputError
	if errors.As(err, &invalid) {
		if repaired, changed := repairInput(input); changed {
			if retried, retryErr := o.registry.Dispatch(ctx, projectID, call.Name, repaired); retryErr == nil {
				input, res, err = repaired, retried, nil
			}
		}
	}
	if err != nil {
		res = &tools.Result{Success: false, Error: err.Error()}
		input = safeRaw(input)
	}

	emit(TurnEvent{Type: EventToolResult, Payload: ToolResultPayload{ID: call.ID, Name: call.Name, Result: res}})
	return input, res, nil
}

// safeRaw makes argument text embeddable in JSON messages: fragments that
// are not valid JSON are carried as a quoted string.
func safeRaw(input json.RawMessage) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage("{}")
	}
	if json.Valid(input) {
		return input
	}
	quoted, err := json.Marshal(string(input))
	if err != nil {
		return json.RawMessage(`""`)
	}
	return quoted
}

func toolResultPart(call llm.ToolCallChunk, res *tools.Result) models.MessagePart {
	encoded, err := json.Marshal(res)
	if err != nil {
		encoded = []byte(`{"success":false,"error":"unencodable tool result"}`)
	}
	return models.MessagePart{
		Type:       models.PartToolResult,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Output:     encoded,
		IsError:    !res.Success,
	}
}

// countFileChanges mines file-writing tool outputs for the turn totals
// behind the fallback summary.
func (o *Orchestrator) countFileChanges(name string, res *tools.Result, turn *turnState) {
	if res == nil || !res.Success {
		return
	}
	out, ok := outputAsMap(res.Output)
	if !ok {
		return
	}
	switch name {
	case "writeFile", "editFile":
		switch out["status"] {
		case string(models.FileCreated):
			turn.filesCreated++
		case string(models.FileUpdated):
			turn.filesUpdated++
		}
	case "batchWriteFiles":
		if created, ok := out["created"].([]any); ok {
			turn.filesCreated += len(created)
		} else if created, ok := out["created"].([]string); ok {
			turn.filesCreated += len(created)
		}
		if updated, ok := out["updated"].([]any); ok {
			turn.filesUpdated += len(updated)
		} else if updated, ok := out["updated"].([]string); ok {
			turn.filesUpdated += len(updated)
		}
	}
}

func outputAsMap(output any) (map[string]any, bool) {
	if m, ok := output.(map[string]any); ok {
		return m, true
	}
	encoded, err := json.Marshal(output)
	if err != nil {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal(encoded, &m); err != nil {
		return nil, false
	}
	return m, true
}

// persistTurn writes the turn's assistant messages, upserting the project
// row first. A placeholder project name (name == id) is replaced with a
// title derived from the first user message.
func (o *Orchestrator) persistTurn(ctx context.Context, req TurnRequest, turn *turnState) error {
	name := ""
	if pc, err := o.contexts.Get(ctx, req.ProjectID); err == nil && pc.ProjectName == pc.ProjectID {
		if title := deriveTitle(firstUserMessage(req.Messages)); title != "" {
			name = title
		}
	}
	if err := o.contexts.EnsureProject(ctx, req.ProjectID, name); err != nil {
		return err
	}
	if name != "" {
		if _, err := o.contexts.Update(ctx, req.ProjectID, models.ContextPatch{ProjectName: &name}); err != nil {
			o.logger.Warn("Failed to record derived project name",
				"project_id", req.ProjectID, "name", name, "error", err)
		}
	}
	if len(turn.assistant) == 0 {
		return nil
	}
	return o.contexts.AppendMessages(ctx, req.ProjectID, turn.assistant)
}

// persistFragment saves whatever the cancelled turn produced, including a
// trailing partial text fragment. Persistence runs detached from the
// cancelled request context.
func (o *Orchestrator) persistFragment(ctx context.Context, req TurnRequest, turn *turnState, partial string) {
	if partial != "" {
		turn.assistant = append(turn.assistant, models.Message{
			ID:        uuid.NewString(),
			ProjectID: req.ProjectID,
			Role:      models.RoleAssistant,
			Content:   partial,
			Parts:     []models.MessagePart{{Type: models.PartText, Text: partial}},
			CreatedAt: time.Now(),
		})
	}
	detached := context.WithoutCancel(ctx)
	if err := o.persistTurn(detached, req, turn); err != nil {
		o.logger.Warn("Failed to persist cancelled turn",
			"project_id", req.ProjectID, "error", err)
	}
}

func (o *Orchestrator) fail(emit func(TurnEvent), err error) error {
	emit(TurnEvent{Type: EventError, Payload: ErrorPayload{
		Kind:    string(faults.KindOf(err)),
		Message: err.Error(),
	}})
	return err
}

func firstUserMessage(msgs []models.Message) string {
	for _, m := range msgs {
		if m.Role == models.RoleUser {
			return m.TextParts()
		}
	}
	return ""
}
