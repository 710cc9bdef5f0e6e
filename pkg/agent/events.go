package agent

import (
	"encoding/json"

	"github.com/appforge-io/appforge/pkg/tools"
)

// EventType tags one streamed turn event.
type EventType string

const (
	EventTextDelta  EventType = "text-delta"
	EventToolCall   EventType = "tool-call"
	EventToolResult EventType = "tool-result"
	EventStepFinish EventType = "step-finish"
	EventError      EventType = "error"
	EventDone       EventType = "done"
)

// TurnEvent is one streamed element of a running turn. The request layer
// forwards these to the client as they arrive.
type TurnEvent struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload,omitempty"`
}

// TextDeltaPayload carries a piece of streamed assistant text.
type TextDeltaPayload struct {
	Text string `json:"text"`
}

// ToolCallPayload announces a tool invocation before it runs.
type ToolCallPayload struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResultPayload carries a finished tool execution.
type ToolResultPayload struct {
	ID     string        `json:"id"`
	Name   string        `json:"name"`
	Result *tools.Result `json:"result"`
}

// StepFinishPayload summarizes one completed step.
type StepFinishPayload struct {
	Step         int    `json:"step"`
	FinishReason string `json:"finish_reason"`
	ToolCalls    int    `json:"tool_calls"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}

// ErrorPayload is the structured form of a turn-fatal error.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// DonePayload closes the stream.
type DonePayload struct {
	Steps        int `json:"steps"`
	FilesCreated int `json:"files_created"`
	FilesUpdated int `json:"files_updated"`
}

// finish reasons reported in step-finish events.
const (
	finishReasonStop      = "stop"
	finishReasonToolCalls = "tool-calls"
	finishReasonMaxSteps  = "max-steps"
)
