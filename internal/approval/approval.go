// ABOUTME: Approval coordinator for tool calls awaiting human consent
// ABOUTME: First resolution wins between the user, the timer, and interrupts

package approval

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Decision is the resolution state of one approval request.
type Decision string

const (
	DecisionPending           Decision = "pending"
	DecisionApproveOnce       Decision = "approve_once"
	DecisionApproveForSession Decision = "approve_for_session"
	DecisionReject            Decision = "reject"
)

// Approved reports whether the decision lets the tool call proceed.
func (d Decision) Approved() bool {
	return d == DecisionApproveOnce || d == DecisionApproveForSession
}

// Coordinator errors
var (
	ErrAlreadyResolved = errors.New("approval already resolved")
	ErrNotFound        = errors.New("approval request not found")
)

// Outcome is what a waiting turn receives when a request resolves.
type Outcome struct {
	Decision Decision
	TimedOut bool
}

// AutoApproved is the outcome for calls that never needed a request: yolo
// mode or a tool already approved for the session.
var AutoApproved = Outcome{Decision: DecisionApproveOnce}

// Request is one approval. Done receives exactly one Outcome.
type Request struct {
	ID          string
	ChatID      string
	Tool        string
	ArgsSummary string
	CreatedAt   time.Time
	Done        <-chan Outcome

	done     chan Outcome
	timer    *time.Timer
	resolved bool
	outcome  Outcome
}

// Coordinator tracks approval requests across all sessions. Each request
// carries its own deadline timer; the timer and the user race to resolve,
// and the loser gets ErrAlreadyResolved. Resolved requests stay indexed
// until ClearChat so late card taps get a proper error, not a phantom.
type Coordinator struct {
	logger          *slog.Logger
	deadline        time.Duration
	timeoutDecision Decision

	mu       sync.Mutex
	requests map[string]*Request
}

// NewCoordinator creates a coordinator. onTimeout decides what a deadline
// expiry resolves to; the original client favors availability and approves.
func NewCoordinator(logger *slog.Logger, deadline time.Duration, onTimeout Decision) *Coordinator {
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	if onTimeout != DecisionReject {
		onTimeout = DecisionApproveOnce
	}
	return &Coordinator{
		logger:          logger.With("component", "approval"),
		deadline:        deadline,
		timeoutDecision: onTimeout,
		requests:        make(map[string]*Request),
	}
}

// Request registers an approval and starts its deadline timer. When auto is
// true (yolo mode or session-approved tool) no request is created and the
// returned request is nil with the AutoApproved outcome.
func (c *Coordinator) Request(chatID, tool, argsSummary string, auto bool) (*Request, Outcome) {
	if auto {
		return nil, AutoApproved
	}

	done := make(chan Outcome, 1)
	req := &Request{
		ID:          uuid.New().String(),
		ChatID:      chatID,
		Tool:        tool,
		ArgsSummary: argsSummary,
		CreatedAt:   time.Now(),
		Done:        done,
		done:        done,
	}

	c.mu.Lock()
	c.requests[req.ID] = req
	req.timer = time.AfterFunc(c.deadline, func() {
		if err := c.resolve("", req.ID, c.timeoutDecision, true); err == nil {
			c.logger.Info("approval timed out",
				"request_id", req.ID, "tool", tool,
				"outcome", c.timeoutDecision)
		}
	})
	c.mu.Unlock()

	c.logger.Debug("approval requested",
		"request_id", req.ID, "chat_id", chatID, "tool", tool)
	return req, Outcome{Decision: DecisionPending}
}

// Resolve applies a user decision. The request must belong to chatID: a
// resolution arriving from a different chat fails with ErrNotFound, the same
// as an id that never existed. A second resolution of the same id fails with
// ErrAlreadyResolved and does not change the stored outcome.
func (c *Coordinator) Resolve(chatID, requestID string, decision Decision) error {
	return c.resolve(chatID, requestID, decision, false)
}

// resolve is the single resolution path. chatID "" skips the ownership
// check; the timer and Cancel already hold the right request.
func (c *Coordinator) resolve(chatID, requestID string, decision Decision, timedOut bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, ok := c.requests[requestID]
	if !ok {
		return ErrNotFound
	}
	if chatID != "" && req.ChatID != chatID {
		return ErrNotFound
	}
	if req.resolved {
		return ErrAlreadyResolved
	}
	req.resolved = true
	req.outcome = Outcome{Decision: decision, TimedOut: timedOut}
	if req.timer != nil {
		req.timer.Stop()
	}
	req.done <- req.outcome
	return nil
}

// Cancel rejects a request if it is still pending. Used when a turn is
// interrupted while waiting; losing the race is fine.
func (c *Coordinator) Cancel(requestID string) {
	_ = c.resolve("", requestID, DecisionReject, false)
}

// Pending returns the ids of unresolved requests for a chat.
func (c *Coordinator) Pending(chatID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for id, req := range c.requests {
		if req.ChatID == chatID && !req.resolved {
			ids = append(ids, id)
		}
	}
	return ids
}

// ClearChat drops every request for a chat, cancelling unresolved ones.
// Called when a session resets or its turn ends.
func (c *Coordinator) ClearChat(chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, req := range c.requests {
		if req.ChatID != chatID {
			continue
		}
		if !req.resolved {
			req.resolved = true
			req.outcome = Outcome{Decision: DecisionReject}
			if req.timer != nil {
				req.timer.Stop()
			}
			req.done <- req.outcome
		}
		delete(c.requests, id)
	}
}

// Await blocks until the request resolves, ctx is cancelled, or the request
// was auto-approved (nil request).
func Await(ctx context.Context, req *Request, auto Outcome) (Outcome, error) {
	if req == nil {
		return auto, nil
	}
	select {
	case outcome := <-req.Done:
		return outcome, nil
	case <-ctx.Done():
		return Outcome{Decision: DecisionReject}, ctx.Err()
	}
}
