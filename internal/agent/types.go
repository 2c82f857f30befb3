// ABOUTME: Event and turn types for the consumed coding-agent interface
// ABOUTME: A turn is a cancellable stream of deltas, tool calls, and a terminal event

package agent

import (
	"context"
	"encoding/json"
)

// EventType discriminates the events an agent emits during a turn.
type EventType string

const (
	// EventTextDelta carries an incremental chunk of the response text.
	EventTextDelta EventType = "text_delta"
	// EventToolCall asks the bridge to run a tool; the turn blocks until a
	// result is provided.
	EventToolCall EventType = "tool_call"
	// EventDone terminates a successful turn.
	EventDone EventType = "done"
	// EventError terminates a failed turn.
	EventError EventType = "error"
)

// Event is one message in a turn's stream.
type Event struct {
	Type EventType

	// Text is set for EventTextDelta.
	Text string

	// Tool call fields, set for EventToolCall. CallID correlates the
	// eventual result back to this call.
	CallID string
	Tool   string
	Args   json.RawMessage

	// Message is set for EventError.
	Message string
}

// ToolDef advertises one catalog tool to the agent.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"input_schema,omitempty"`
}

// TurnInput is everything the agent needs to run one turn.
type TurnInput struct {
	SessionID string    `json:"session_id"`
	WorkDir   string    `json:"work_dir,omitempty"`
	Input     string    `json:"input"`
	Tools     []ToolDef `json:"tools,omitempty"`
}

// Agent drives turns against the coding-agent service. The stream closes
// after a terminal event or when ctx is cancelled; cancellation between
// steps is how interrupts reach the agent.
type Agent interface {
	StartTurn(ctx context.Context, input TurnInput) (<-chan Event, error)
	ProvideToolResult(ctx context.Context, sessionID, callID, content string, isError bool) error
}
