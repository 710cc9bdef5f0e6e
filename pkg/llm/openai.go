package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	openai "github.com/sashabaranov/go-openai"

	"github.com/appforge-io/appforge/pkg/config"
	"github.com/appforge-io/appforge/pkg/faults"
	"github.com/appforge-io/appforge/pkg/models"
)

const (
	chunkBuffer = 100

	// maxOpenRetries bounds retries of the stream-open call.
	maxOpenRetries = 2
)

// OpenAIClient streams chat completions from an OpenAI-compatible
// endpoint.
type OpenAIClient struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

func NewOpenAIClient(cfg config.LLMConfig) (*OpenAIClient, error) {
	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("LLM API key not set (expected in %s)", cfg.APIKeyEnv)
	}
	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIClient{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		logger: slog.Default().With("component", "llm_client"),
	}, nil
}

// Stream issues one streaming chat completion. Text deltas are forwarded
// as they arrive; tool calls are accumulated across deltas and emitted
// complete.
func (c *OpenAIClient) Stream(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, chunkBuffer)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)
		errs <- c.stream(ctx, req, chunks)
	}()
	return chunks, errs
}

func (c *OpenAIClient) stream(ctx context.Context, req Request, chunks chan<- Chunk) error {
	model := req.Model
	if model == "" {
		model = c.model
	}
	request := openai.ChatCompletionRequest{
		Model:         model,
		Messages:      convertMessages(req.System, req.Messages),
		Tools:         convertTools(req.Tools, req.ActiveTools),
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}

	stream, err := c.openStream(ctx, request)
	if err != nil {
		return faults.Wrap(faults.KindProviderUnavailable, "failed to open LLM stream", err)
	}
	defer stream.Close()

	acc := newToolCallAccumulator()
	var usage *openai.Usage
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return faults.Wrap(faults.KindProviderUnavailable, "LLM stream failed", err)
		}
		if resp.Usage != nil {
			usage = resp.Usage
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta
		if delta.Content != "" {
			select {
			case chunks <- TextChunk{Text: delta.Content}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		for _, tc := range delta.ToolCalls {
			acc.add(tc)
		}
	}

	calls, finishErr := acc.finish()
	for _, call := range calls {
		select {
		case chunks <- call:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if usage != nil {
		select {
		case chunks <- UsageChunk{
			InputTokens:  usage.PromptTokens,
			OutputTokens: usage.CompletionTokens,
			TotalTokens:  usage.TotalTokens,
		}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return finishErr
}

// openStream establishes the completion stream, retrying transient
// failures with jittered exponential backoff. Retrying is safe here:
// nothing has been emitted yet. Client errors other than rate limiting
// stop immediately.
func (c *OpenAIClient) openStream(ctx context.Context, request openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 5 * time.Second

	return backoff.RetryWithData(func() (*openai.ChatCompletionStream, error) {
		stream, err := c.client.CreateChatCompletionStream(ctx, request)
		if err == nil {
			return stream, nil
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) &&
			apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500 &&
			apiErr.HTTPStatusCode != 429 {
			return nil, backoff.Permanent(err)
		}
		c.logger.Warn("LLM stream open failed, retrying", "error", err)
		return nil, err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, maxOpenRetries), ctx))
}

// convertMessages flattens the conversation into the chat-completions
// shape: assistant tool calls ride on the assistant message, each tool
// result becomes its own role=tool message.
func convertMessages(system string, msgs []models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, m := range msgs {
		if len(m.Parts) == 0 {
			out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
			continue
		}
		msg := openai.ChatCompletionMessage{Role: m.Role}
		var results []openai.ChatCompletionMessage
		for _, p := range m.Parts {
			switch p.Type {
			case models.PartText:
				msg.Content += p.Text
			case models.PartToolCall:
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   p.ToolCallID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      p.ToolName,
						Arguments: string(p.Input),
					},
				})
			case models.PartToolResult:
				results = append(results, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					ToolCallID: p.ToolCallID,
					Content:    string(p.Output),
				})
			}
		}
		if msg.Content != "" || len(msg.ToolCalls) > 0 {
			out = append(out, msg)
		}
		out = append(out, results...)
	}
	return out
}

func convertTools(defs []ToolDefinition, active []string) []openai.Tool {
	var allowed map[string]bool
	if len(active) > 0 {
		allowed = make(map[string]bool, len(active))
		for _, name := range active {
			allowed[name] = true
		}
	}
	var tools []openai.Tool
	for _, def := range defs {
		if allowed != nil && !allowed[def.Name] {
			continue
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Schema,
			},
		})
	}
	return tools
}

// toolCallAccumulator reassembles tool calls from their streamed
// fragments. Fragments carry an index; the first fragment of a call has
// the id and name, later ones append argument text.
type toolCallAccumulator struct {
	byIndex map[int]*pendingCall
}

type pendingCall struct {
	index int
	id    string
	name  string
	args  string
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{byIndex: make(map[int]*pendingCall)}
}

func (a *toolCallAccumulator) add(tc openai.ToolCall) {
	index := 0
	if tc.Index != nil {
		index = *tc.Index
	}
	pc, ok := a.byIndex[index]
	if !ok {
		pc = &pendingCall{index: index}
		a.byIndex[index] = pc
	}
	if tc.ID != "" {
		pc.id = tc.ID
	}
	if tc.Function.Name != "" {
		pc.name = tc.Function.Name
	}
	pc.args += tc.Function.Arguments
}

// finish validates each accumulated call and returns them in declaration
// order. The well-formed calls always come back; the first call whose
// arguments are not valid JSON is reported as InvalidToolInputError so
// the orchestrator can repair it or answer it with a failed result.
func (a *toolCallAccumulator) finish() ([]ToolCallChunk, error) {
	pending := make([]*pendingCall, 0, len(a.byIndex))
	for _, pc := range a.byIndex {
		pending = append(pending, pc)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].index < pending[j].index })

	calls := make([]ToolCallChunk, 0, len(pending))
	var invalid error
	for _, pc := range pending {
		args := pc.args
		if args == "" {
			args = "{}"
		}
		if !json.Valid([]byte(args)) {
			if invalid == nil {
				invalid = &InvalidToolInputError{
					ID:    pc.id,
					Name:  pc.name,
					Raw:   args,
					Cause: fmt.Errorf("arguments are not valid JSON: %.120s", args),
				}
			}
			continue
		}
		calls = append(calls, ToolCallChunk{
			ID:    pc.id,
			Name:  pc.name,
			Input: json.RawMessage(args),
		})
	}
	return calls, invalid
}
