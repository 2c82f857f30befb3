// ABOUTME: Transport abstraction over how a provider process is reached
// ABOUTME: Stdio for local subprocesses, HTTP for remote servers

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
)

// ErrTransportClosed is returned for calls after Close or before Connect.
var ErrTransportClosed = errors.New("mcp transport closed")

// transport carries JSON-RPC calls to one provider server.
type transport interface {
	Connect(ctx context.Context) error
	Close() error
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	Notify(ctx context.Context, method string, params any) error
	Connected() bool
}

func newTransport(cfg ServerConfig, logger *slog.Logger) transport {
	if cfg.URL != "" {
		return newHTTPTransport(cfg, logger)
	}
	return newStdioTransport(cfg, logger)
}
