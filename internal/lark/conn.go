// ABOUTME: Event connection supervisor over the platform's websocket endpoint
// ABOUTME: Reconnects with bounded backoff, escalates to fatal past the ceiling

package lark

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-lark/internal/backoff"
	"github.com/2389/coven-lark/internal/creds"
)

// State is the supervisor's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	default:
		return "disconnected"
	}
}

// ErrBackoffCeiling is returned by Run when reconnection keeps failing. The
// caller treats it as fatal instead of looping silently forever.
var ErrBackoffCeiling = errors.New("event connection retries exhausted")

// Handler receives each normalized inbound event. Handlers must not block;
// the bridge hands events off to per-session queues.
type Handler func(Event)

// EventConn maintains the long connection that delivers inbound events.
type EventConn struct {
	client  *Client
	logger  *slog.Logger
	handler Handler

	policy      backoff.Policy
	maxFailures int
	pingPeriod  time.Duration

	state atomic.Int32
}

// ConnOption configures an EventConn.
type ConnOption func(*EventConn)

// WithConnBackoff overrides the reconnect policy.
func WithConnBackoff(p backoff.Policy) ConnOption {
	return func(ec *EventConn) { ec.policy = p }
}

// WithMaxFailures overrides how many consecutive failures are tolerated
// before Run returns ErrBackoffCeiling.
func WithMaxFailures(n int) ConnOption {
	return func(ec *EventConn) { ec.maxFailures = n }
}

// NewEventConn creates a supervisor that invokes handler for each event.
func NewEventConn(client *Client, handler Handler, logger *slog.Logger, opts ...ConnOption) *EventConn {
	ec := &EventConn{
		client:      client,
		logger:      logger.With("component", "conn"),
		handler:     handler,
		policy:      backoff.Default(),
		maxFailures: 10,
		pingPeriod:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(ec)
	}
	return ec
}

// State returns the current connection state.
func (ec *EventConn) State() State {
	return State(ec.state.Load())
}

func (ec *EventConn) setState(s State) {
	old := State(ec.state.Swap(int32(s)))
	if old != s {
		ec.logger.Info("connection state changed", "from", old.String(), "to", s.String())
	}
}

// Run connects and redials until ctx is done. Consecutive failures back off
// exponentially; past the ceiling Run returns ErrBackoffCeiling. A
// credential failure parks the supervisor in degraded rather than burning
// attempts, since reconnecting cannot help until the token recovers.
func (ec *EventConn) Run(ctx context.Context) error {
	failures := 0
	credFailures := 0
	for {
		if ctx.Err() != nil {
			ec.setState(StateDisconnected)
			return ctx.Err()
		}

		ec.setState(StateConnecting)
		started := time.Now()
		err := ec.connectAndServe(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			ec.setState(StateDisconnected)
			return ctx.Err()
		}
		// A connection that held for a while was healthy; start the
		// failure count over instead of creeping toward the ceiling.
		if time.Since(started) > time.Minute {
			failures = 0
			credFailures = 0
		}

		var delay time.Duration
		if errors.Is(err, creds.ErrCredentialUnavailable) {
			// Degraded failures back off like any other but never count
			// toward the ceiling: reconnecting cannot help until the
			// token recovers, and giving up would not either.
			ec.setState(StateDegraded)
			credFailures++
			delay = ec.policy.Delay(credFailures)
			ec.logger.Error("credential failure on connect", "error", err)
		} else {
			ec.setState(StateDisconnected)
			credFailures = 0
			failures++
			if failures >= ec.maxFailures {
				return fmt.Errorf("%w: last error: %v", ErrBackoffCeiling, err)
			}
			delay = ec.policy.Delay(failures)
		}
		ec.logger.Warn("connection lost, redialing",
			"failures", failures, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			ec.setState(StateDisconnected)
			return ctx.Err()
		}
	}
}

// connectAndServe dials one endpoint and pumps events until the socket
// drops. Endpoints are single-use, so every call fetches a fresh one.
func (ec *EventConn) connectAndServe(ctx context.Context) error {
	endpoint, err := ec.client.wsEndpoint(ctx)
	if err != nil {
		return fmt.Errorf("fetch endpoint: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", endpoint, err)
	}
	defer conn.Close()

	ec.setState(StateConnected)
	ec.logger.Info("event connection established")

	// Close the socket when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	go ec.pingLoop(ctx, conn, done)

	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return context.Canceled
			}
			return fmt.Errorf("read frame: %w", err)
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		ec.dispatch(payload)
	}
}

func (ec *EventConn) pingLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(ec.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(10 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-ctx.Done():
			return
		case <-done:
			return
		}
	}
}

func (ec *EventConn) dispatch(payload []byte) {
	// The endpoint multiplexes control frames and event envelopes; only
	// frames carrying an event header are interesting.
	if !json.Valid(payload) {
		return
	}
	ev, err := ParseEvent(payload)
	if err != nil {
		ec.logger.Warn("unparseable event", "error", err)
		return
	}
	if ev == nil {
		return
	}
	ec.handler(*ev)
}
