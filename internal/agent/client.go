// ABOUTME: HTTP client for the coding-agent service
// ABOUTME: Turns stream back as server-sent events, tool results post back

package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/2389/coven-lark/internal/creds"
)

// Client implements Agent against the agent service's HTTP API. Every
// request carries the agent credential; a 401 invalidates the cached token
// and retries once.
type Client struct {
	baseURL string
	creds   *creds.Manager
	logger  *slog.Logger
	client  *http.Client
}

// NewClient creates an agent client. The http.Client has no overall timeout
// because turn streams are long-lived; cancellation comes from ctx.
func NewClient(baseURL string, cm *creds.Manager, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   cm,
		logger:  logger.With("component", "agent"),
		client:  &http.Client{},
	}
}

type wireEvent struct {
	Type    string          `json:"type"`
	Text    string          `json:"text,omitempty"`
	CallID  string          `json:"call_id,omitempty"`
	Tool    string          `json:"tool,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
	Message string          `json:"message,omitempty"`
}

// StartTurn opens a turn stream. The returned channel closes after a
// terminal event, a stream error, or ctx cancellation.
func (c *Client) StartTurn(ctx context.Context, input TurnInput) (<-chan Event, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal turn input: %w", err)
	}

	resp, err := c.doAuthorized(ctx, http.MethodPost, c.baseURL+"/v1/turns", body, "text/event-stream")
	if err != nil {
		return nil, err
	}

	events := make(chan Event, 64)
	go c.readStream(ctx, resp.Body, events)
	return events, nil
}

// ProvideToolResult feeds a tool outcome back into a blocked turn.
func (c *Client) ProvideToolResult(ctx context.Context, sessionID, callID, content string, isError bool) error {
	body, err := json.Marshal(map[string]any{
		"call_id":  callID,
		"content":  content,
		"is_error": isError,
	})
	if err != nil {
		return fmt.Errorf("marshal tool result: %w", err)
	}

	url := fmt.Sprintf("%s/v1/turns/%s/tool_results", c.baseURL, sessionID)
	resp, err := c.doAuthorized(ctx, http.MethodPost, url, body, "application/json")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// doAuthorized sends one request with the agent token, retrying once on a
// 401 after invalidating the cached credential.
func (c *Client) doAuthorized(ctx context.Context, method, url string, body []byte, accept string) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		token, err := c.creds.Token(ctx, creds.KindAgent)
		if err != nil && !errors.Is(err, creds.ErrUnknownKind) {
			// No registered agent credential means the agent runs without
			// auth; anything else is a real failure.
			return nil, fmt.Errorf("agent credential: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", accept)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("agent request: %w", err)
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			resp.Body.Close()
			c.logger.Info("agent token rejected, refreshing once")
			c.creds.Invalidate(creds.KindAgent)
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			return nil, fmt.Errorf("agent returned %d: %s", resp.StatusCode, snippet)
		}
		return resp, nil
	}
}

// readStream parses the SSE stream into events. Only data lines matter;
// each data payload is one wireEvent.
func (c *Client) readStream(ctx context.Context, body io.ReadCloser, events chan<- Event) {
	defer close(events)
	defer body.Close()

	// Unblock the scanner when the turn is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			body.Close()
		case <-done:
		}
	}()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" || data == "[DONE]" {
			continue
		}

		var we wireEvent
		if err := json.Unmarshal([]byte(data), &we); err != nil {
			c.logger.Warn("bad stream event", "error", err)
			continue
		}

		ev := Event{
			Type:    EventType(we.Type),
			Text:    we.Text,
			CallID:  we.CallID,
			Tool:    we.Tool,
			Args:    we.Args,
			Message: we.Message,
		}
		select {
		case events <- ev:
		case <-ctx.Done():
			return
		}
		if ev.Type == EventDone || ev.Type == EventError {
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		c.logger.Warn("turn stream ended abnormally", "error", err)
		select {
		case events <- Event{Type: EventError, Message: "agent stream interrupted"}:
		case <-time.After(time.Second):
		}
	}
}
