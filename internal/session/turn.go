// ABOUTME: Turn driver consuming the agent's event stream for one session
// ABOUTME: Routes tool calls through approval and the gateway, feeds results back

package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/2389/coven-lark/internal/agent"
	"github.com/2389/coven-lark/internal/approval"
	"github.com/2389/coven-lark/internal/tools"
)

// Sink receives a turn's visible progress. Implementations render it to the
// chat; tests record it. Calls for one turn arrive from a single goroutine.
type Sink interface {
	OnText(delta string)
	OnApprovalRequested(req *approval.Request)
	OnApprovalResolved(req *approval.Request, outcome approval.Outcome)
	OnToolStart(tool string)
	OnToolDone(tool string, failed bool)
	OnDone()
	OnError(message string)
}

// Driver runs turns. One driver serves every session; per-turn state lives
// on the stack of Run.
type Driver struct {
	agent       agent.Agent
	gateway     *tools.Gateway
	approvals   *approval.Coordinator
	logger      *slog.Logger
	callTimeout time.Duration
}

// NewDriver wires the turn driver's collaborators.
func NewDriver(a agent.Agent, gw *tools.Gateway, ap *approval.Coordinator, logger *slog.Logger, callTimeout time.Duration) *Driver {
	if callTimeout <= 0 {
		callTimeout = 60 * time.Second
	}
	return &Driver{
		agent:       a,
		gateway:     gw,
		approvals:   ap,
		logger:      logger.With("component", "turn"),
		callTimeout: callTimeout,
	}
}

// Run drives one turn to completion. ctx is the turn context from
// Session.BeginTurn; cancelling it (interrupt) stops the drive at the next
// step without discarding the session's accumulated context.
func (d *Driver) Run(ctx context.Context, s *Session, input string, sink Sink) {
	defer d.approvals.ClearChat(s.ChatID)

	snapshot := d.gateway.Snapshot()
	defs := make([]agent.ToolDef, 0, snapshot.Len())
	for _, t := range snapshot.Tools() {
		defs = append(defs, agent.ToolDef{
			Name:        t.QualifiedName(),
			Description: t.Description,
			Schema:      t.Schema,
		})
	}

	events, err := d.agent.StartTurn(ctx, agent.TurnInput{
		SessionID: s.ID(),
		WorkDir:   s.WorkDir(),
		Input:     input,
		Tools:     defs,
	})
	if err != nil {
		d.logger.Error("turn start failed", "chat_id", s.ChatID, "error", err)
		sink.OnError("The agent is unavailable right now.")
		return
	}

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("turn interrupted", "chat_id", s.ChatID)
			return
		case ev, ok := <-events:
			if !ok {
				// Stream ended without a terminal event.
				sink.OnDone()
				return
			}
			switch ev.Type {
			case agent.EventTextDelta:
				sink.OnText(ev.Text)
			case agent.EventToolCall:
				if !d.handleToolCall(ctx, s, ev, sink) {
					return
				}
			case agent.EventDone:
				sink.OnDone()
				return
			case agent.EventError:
				d.logger.Warn("turn failed", "chat_id", s.ChatID, "message", ev.Message)
				sink.OnError(ev.Message)
				return
			}
		}
	}
}

// handleToolCall runs the approve-invoke-respond cycle for one tool call.
// Returns false when the turn should stop (interrupt while waiting).
func (d *Driver) handleToolCall(ctx context.Context, s *Session, ev agent.Event, sink Sink) bool {
	auto := s.Yolo() || s.IsApproved(ev.Tool)
	req, pending := d.approvals.Request(s.ChatID, ev.Tool, summarizeArgs(ev.Args), auto)
	if req != nil {
		sink.OnApprovalRequested(req)
	}

	outcome, err := approval.Await(ctx, req, pending)
	if err != nil {
		// Interrupted while waiting. The request is cleaned up by
		// ClearChat; the in-flight turn ends here.
		return false
	}
	if req != nil {
		sink.OnApprovalResolved(req, outcome)
	}

	if outcome.Decision == approval.DecisionApproveForSession {
		s.ApproveForSession(ev.Tool)
	}

	if !outcome.Decision.Approved() {
		sink.OnToolDone(ev.Tool, true)
		d.provideResult(ctx, s, ev, "The user rejected this tool call.", true)
		return ctx.Err() == nil
	}

	sink.OnToolStart(ev.Tool)

	// The invocation survives an interrupt: an already-dispatched call is
	// allowed to finish and its result is discarded.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.callTimeout)
	result, err := d.gateway.Invoke(callCtx, ev.Tool, ev.Args)
	cancel()

	switch {
	case err != nil:
		sink.OnToolDone(ev.Tool, true)
		d.logger.Warn("tool call failed",
			"chat_id", s.ChatID, "tool", ev.Tool, "error", err)
		d.provideResult(ctx, s, ev, toolErrorMessage(err), true)
	case result.IsError:
		sink.OnToolDone(ev.Tool, true)
		d.provideResult(ctx, s, ev, result.Content, true)
	default:
		sink.OnToolDone(ev.Tool, false)
		d.provideResult(ctx, s, ev, result.Content, false)
	}
	return ctx.Err() == nil
}

// provideResult feeds a tool outcome back unless the turn was interrupted,
// in which case the result is discarded.
func (d *Driver) provideResult(ctx context.Context, s *Session, ev agent.Event, content string, isError bool) {
	if ctx.Err() != nil {
		return
	}
	if err := d.agent.ProvideToolResult(ctx, s.ID(), ev.CallID, content, isError); err != nil {
		d.logger.Warn("tool result delivery failed",
			"chat_id", s.ChatID, "call_id", ev.CallID, "error", err)
	}
}

// toolErrorMessage turns gateway failures into text the agent can reason
// about instead of an opaque failure.
func toolErrorMessage(err error) string {
	switch {
	case errors.Is(err, tools.ErrUnknownTool):
		return "No such tool is available. Check the tool list and try another."
	case errors.Is(err, tools.ErrInvalidArgs):
		return "The tool arguments did not match the tool's schema: " + err.Error()
	case errors.Is(err, tools.ErrProviderUnavailable):
		return "The tool's provider is unavailable right now."
	default:
		return "Tool call failed: " + err.Error()
	}
}

// summarizeArgs renders arguments for the approval card, truncated so a
// huge payload cannot blow up the card.
func summarizeArgs(args json.RawMessage) string {
	if len(args) == 0 {
		return "{}"
	}
	var buf map[string]any
	if err := json.Unmarshal(args, &buf); err != nil {
		return "(unreadable arguments)"
	}
	pretty, err := json.MarshalIndent(buf, "", "  ")
	if err != nil {
		return "(unreadable arguments)"
	}
	const limit = 1500
	if len(pretty) > limit {
		return string(pretty[:limit]) + "\n..."
	}
	return string(pretty)
}
