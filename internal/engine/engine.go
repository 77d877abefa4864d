// Package engine drives a single streaming completion through the
// tool-execution loop: forward tokens as they arrive, execute any tool calls
// the model emits, feed results back, and repeat until the model produces a
// final answer or the iteration cap is reached.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"relay/internal/conversation"
	"relay/internal/llm"
	"relay/internal/logging"
	"relay/internal/registry"
)

// EventType discriminates engine stream events.
type EventType string

const (
	// EventDelta carries one text fragment from the model.
	EventDelta EventType = "delta"
	// EventToolCall reports that a tool invocation is starting.
	EventToolCall EventType = "tool_call"
	// EventToolResult reports a finished tool invocation.
	EventToolResult EventType = "tool_result"
	// EventError is the single terminal error event for backend failures.
	EventError EventType = "error"
	// EventDone closes a successful stream.
	EventDone EventType = "done"
)

// Event is one chunk of a streamed completion.
type Event struct {
	Type      EventType `json:"type"`
	Content   string    `json:"content,omitempty"`
	ToolName  string    `json:"tool_name,omitempty"`
	CallID    string    `json:"call_id,omitempty"`
	Iteration int       `json:"iteration,omitempty"`
}

// Sink receives engine events in order. A send may block; that is the
// engine's suspension point and downstream backpressure propagates through it.
type Sink func(Event)

// Visible tool-status markers interleaved with model output. They reach the
// live stream and the raw transcript; sanitization strips them before
// persistence.
const (
	markExecuting = "[Executing tools...]"
	markToolOK    = "[Tool completed successfully]"
	markToolFail  = "[Tool execution failed]"
)

// Engine runs completion streams. One Engine serves all conversations;
// independent streams run fully in parallel while each stream's loop is
// sequential by nature.
type Engine struct {
	client        llm.Client
	registry      *registry.Registry
	store         *conversation.Store
	maxIterations int
	logger        logging.Logger
	tracer        trace.Tracer
	metrics       *Metrics
}

// New builds an engine. maxIterations bounds the tool loop; reaching the cap
// terminates the stream successfully with whatever content has accumulated.
func New(client llm.Client, reg *registry.Registry, store *conversation.Store, maxIterations int, logger logging.Logger) *Engine {
	if maxIterations <= 0 {
		maxIterations = 8
	}
	return &Engine{
		client:        client,
		registry:      reg,
		store:         store,
		maxIterations: maxIterations,
		logger:        logging.OrNop(logger),
		tracer:        otel.Tracer("relay/engine"),
		metrics:       defaultMetrics(),
	}
}

// Stream runs the tool-execution loop for one conversation and returns the
// accumulated raw text. Tokens are forwarded through sink as they arrive.
// Backend transport failures are terminal; tool failures are folded into the
// conversation as tool turns so the model can recover or explain.
func (e *Engine) Stream(ctx context.Context, chatID string, messages []llm.Message, sink Sink) (string, error) {
	e.metrics.streamStarted()
	defer e.metrics.streamFinished()

	var raw strings.Builder
	appendRaw := func(text string) {
		if text == "" {
			return
		}
		if raw.Len() > 0 && !strings.HasSuffix(raw.String(), " ") {
			raw.WriteString(" ")
		}
		raw.WriteString(text)
	}

	tools := e.wireTools()

	for iteration := 1; ; iteration++ {
		ctx, span := e.tracer.Start(ctx, "engine.iteration",
			trace.WithAttributes(
				attribute.String("chat.id", chatID),
				attribute.Int("iteration", iteration),
			))

		resp, err := e.client.StreamComplete(ctx, llm.CompletionRequest{
			Messages: messages,
			Tools:    tools,
		}, llm.StreamCallbacks{
			OnContentDelta: func(delta string) {
				sink(Event{Type: EventDelta, Content: delta, Iteration: iteration})
			},
		})
		span.End()
		if err != nil {
			e.logger.Error("chat %s: backend stream failed on iteration %d: %v", chatID, iteration, err)
			return raw.String(), err
		}

		appendRaw(resp.Content)

		if len(resp.ToolCalls) == 0 {
			// Final, tool-call-free answer.
			sink(Event{Type: EventDone, Iteration: iteration})
			return raw.String(), nil
		}

		if iteration >= e.maxIterations {
			// Cutoff reached: success with whatever has accumulated.
			e.logger.Warn("chat %s: tool loop cap (%d) reached, returning accumulated content", chatID, e.maxIterations)
			sink(Event{Type: EventDone, Iteration: iteration})
			return raw.String(), nil
		}

		sink(Event{Type: EventDelta, Content: markExecuting, Iteration: iteration})
		appendRaw(markExecuting)

		messages = append(messages, llm.Message{
			Role:      string(conversation.RoleAssistant),
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		messages = append(messages, e.runToolCalls(ctx, chatID, iteration, resp.ToolCalls, sink, appendRaw)...)
	}
}

// runToolCalls executes each pending call and returns the tool-role messages
// to feed back into the next backend round.
func (e *Engine) runToolCalls(ctx context.Context, chatID string, iteration int, calls []llm.ToolCall, sink Sink, appendRaw func(string)) []llm.Message {
	// Tool calls already dispatched should finish even if the subscriber
	// goes away mid-stream; only the per-call timeout bounds them.
	toolCtx := context.WithoutCancel(ctx)

	out := make([]llm.Message, 0, len(calls))
	for _, call := range calls {
		sink(Event{Type: EventToolCall, ToolName: call.Name, CallID: call.ID, Iteration: iteration})

		result := e.registry.Invoke(toolCtx, call.Name, call.Arguments)

		marker := markToolOK
		if result.IsError {
			marker = markToolFail
		}
		sink(Event{
			Type:      EventToolResult,
			ToolName:  call.Name,
			CallID:    call.ID,
			Content:   result.Content,
			Iteration: iteration,
		})
		sink(Event{Type: EventDelta, Content: marker, Iteration: iteration})
		appendRaw(marker)

		e.persistToolTurn(chatID, call, result)

		out = append(out, llm.Message{
			Role:       string(conversation.RoleTool),
			Content:    result.Content,
			ToolCallID: call.ID,
		})
	}
	return out
}

// persistToolTurn records the resolved tool call in the transcript. This is
// opportunistic persistence: failures are logged and the stream continues.
func (e *Engine) persistToolTurn(chatID string, call llm.ToolCall, result *registry.Result) {
	if e.store == nil {
		return
	}
	turn := conversation.Turn{
		ID:         conversation.NewID(),
		Role:       conversation.RoleTool,
		Content:    conversation.TextContent{Value: result.Content},
		CreatedAt:  time.Now(),
		ToolCallID: call.ID,
	}
	if _, err := e.store.AppendTurn(chatID, turn); err != nil {
		e.logger.Warn("chat %s: failed to persist tool turn for call %s: %v", chatID, call.ID, err)
	}
}

func (e *Engine) wireTools() []llm.Tool {
	descriptors := e.registry.Descriptors()
	if len(descriptors) == 0 {
		return nil
	}
	tools := make([]llm.Tool, 0, len(descriptors))
	for _, d := range descriptors {
		tools = append(tools, llm.Tool{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		})
	}
	return tools
}

// UserFacingError turns a terminal stream error into a single user-visible
// message instead of a stack trace.
func UserFacingError(err error) Event {
	return Event{
		Type:    EventError,
		Content: fmt.Sprintf("The assistant is unavailable right now: %v", err),
	}
}
