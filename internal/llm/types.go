// Package llm implements the client for the streaming completion backend.
// The wire protocol is the OpenAI-compatible chat completions API with
// server-sent incremental deltas.
package llm

import "context"

// Message is one role-tagged message in a backend request.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // assistant messages only
	ToolCallID string     `json:"tool_call_id,omitempty"` // tool messages only
}

// ToolCall is a model-emitted request to invoke a named tool, correlated by
// an opaque id.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Tool describes one invocable tool offered to the model.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// TokenUsage reports backend token accounting for one completion.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionRequest carries everything for one backend round.
type CompletionRequest struct {
	Messages    []Message
	Tools       []Tool
	Temperature float64
	MaxTokens   int
}

// CompletionResponse is the aggregated result of one streamed completion.
// ToolCalls non-empty means the model wants tools executed before it can
// produce a final answer.
type CompletionResponse struct {
	Content    string
	ToolCalls  []ToolCall
	StopReason string
	Usage      TokenUsage
}

// StreamCallbacks receives incremental events while a completion streams.
type StreamCallbacks struct {
	// OnContentDelta is invoked for each text fragment as it arrives. The
	// callback blocks the stream: downstream backpressure propagates here.
	OnContentDelta func(delta string)
}

// Client is the streaming completion backend contract.
type Client interface {
	// StreamComplete runs one backend request, forwarding text deltas through
	// callbacks while assembling the aggregated response. It is restartable
	// only by issuing a new call.
	StreamComplete(ctx context.Context, req CompletionRequest, callbacks StreamCallbacks) (*CompletionResponse, error)
}
