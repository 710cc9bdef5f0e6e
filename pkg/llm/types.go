// Package llm defines the streaming LLM client contract and its OpenAI
// implementation. The orchestrator consumes a channel of typed chunks and
// never sees provider wire formats.
package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/appforge-io/appforge/pkg/models"
)

// Chunk is one streamed delta. The concrete types are TextChunk,
// ToolCallChunk, and UsageChunk.
type Chunk interface {
	chunkType() string
}

// TextChunk is a piece of assistant text.
type TextChunk struct {
	Text string
}

// ToolCallChunk is one complete tool invocation. Emitted only after the
// provider finishes streaming the call's arguments.
type ToolCallChunk struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// UsageChunk reports token accounting for the step, when the provider
// supplies it.
type UsageChunk struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

func (TextChunk) chunkType() string     { return "text" }
func (ToolCallChunk) chunkType() string { return "tool_call" }
func (UsageChunk) chunkType() string    { return "usage" }

// ToolDefinition describes one tool exposed to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Request is one streamed model call.
type Request struct {
	Model    string
	System   string
	Messages []models.Message
	Tools    []ToolDefinition
	// ActiveTools restricts the exposed tool set for this step. Empty
	// means all of Tools.
	ActiveTools []string
}

// Client streams model responses. Chunks arrive on the first channel;
// exactly one value arrives on the error channel after the chunk channel
// closes (nil on clean completion).
type Client interface {
	Stream(ctx context.Context, req Request) (<-chan Chunk, <-chan error)
}

// UnknownToolError reports a tool call whose name matches no registered
// tool. The orchestrator skips the call instead of failing the turn.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q", e.Name)
}

// InvalidToolInputError reports tool-call arguments that are not valid
// JSON or fail schema validation. The orchestrator's repair path handles
// it. ID and Raw carry the call id and the argument text as streamed, so
// the call can still be answered with a tool result.
type InvalidToolInputError struct {
	ID    string
	Name  string
	Raw   string
	Cause error
}

func (e *InvalidToolInputError) Error() string {
	return fmt.Sprintf("invalid input for tool %q: %v", e.Name, e.Cause)
}

func (e *InvalidToolInputError) Unwrap() error { return e.Cause }
