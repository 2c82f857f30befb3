// ABOUTME: MCP client for one provider server, implementing tools.Provider
// ABOUTME: Handles the initialize handshake, tools/list, and tools/call

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/coven-lark/internal/tools"
)

// Client speaks MCP to a single provider server. It satisfies
// tools.Provider so the gateway can aggregate it.
type Client struct {
	id        string
	cfg       ServerConfig
	logger    *slog.Logger
	transport transport
	info      serverInfo
}

// NewClient creates a client for one configured server. id becomes the
// provider prefix in qualified tool names.
func NewClient(id string, cfg ServerConfig, logger *slog.Logger) *Client {
	l := logger.With("component", "mcp", "provider", id)
	return &Client{
		id:        id,
		cfg:       cfg,
		logger:    l,
		transport: newTransport(cfg, l),
	}
}

// ID returns the provider identifier.
func (c *Client) ID() string { return c.id }

// Connect starts the transport and runs the initialize handshake.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", c.id, err)
	}

	result, err := c.transport.Call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "coven-lark",
			"version": "1.0.0",
		},
	})
	if err != nil {
		c.transport.Close()
		return fmt.Errorf("initialize %s: %w", c.id, err)
	}

	var init initializeResult
	if err := json.Unmarshal(result, &init); err != nil {
		c.transport.Close()
		return fmt.Errorf("parse initialize result: %w", err)
	}
	c.info = init.ServerInfo
	c.logger.Info("provider connected",
		"server", c.info.Name, "version", c.info.Version)

	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("initialized notification failed", "error", err)
	}
	return nil
}

// Close shuts the transport down.
func (c *Client) Close() error {
	return c.transport.Close()
}

// Connected reports transport liveness.
func (c *Client) Connected() bool {
	return c.transport.Connected()
}

// ListTools fetches the provider's current tools.
func (c *Client) ListTools(ctx context.Context) ([]tools.Tool, error) {
	result, err := c.transport.Call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}
	var listed listToolsResult
	if err := json.Unmarshal(result, &listed); err != nil {
		return nil, fmt.Errorf("parse tools/list result: %w", err)
	}

	out := make([]tools.Tool, 0, len(listed.Tools))
	for _, t := range listed.Tools {
		out = append(out, tools.Tool{
			ProviderID:  c.id,
			RawName:     t.Name,
			Description: t.Description,
			Schema:      t.InputSchema,
		})
	}
	return out, nil
}

// Invoke runs one tool call and flattens the text content blocks.
func (c *Client) Invoke(ctx context.Context, rawName string, args json.RawMessage) (*tools.Result, error) {
	result, err := c.transport.Call(ctx, "tools/call", callToolParams{
		Name:      rawName,
		Arguments: args,
	})
	if err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", rawName, err)
	}

	var call callToolResult
	if err := json.Unmarshal(result, &call); err != nil {
		return nil, fmt.Errorf("parse tools/call result: %w", err)
	}

	var parts []string
	for _, block := range call.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return &tools.Result{
		Content: strings.Join(parts, "\n"),
		IsError: call.IsError,
	}, nil
}
