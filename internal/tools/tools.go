// ABOUTME: Core types for the tool gateway
// ABOUTME: Providers expose raw tools, the gateway namespaces them per provider

package tools

import (
	"context"
	"encoding/json"
	"errors"
)

// Gateway errors
var (
	ErrUnknownTool         = errors.New("unknown tool")
	ErrProviderUnavailable = errors.New("tool provider unavailable")
	ErrInvalidArgs         = errors.New("invalid tool arguments")
)

// Separator joins a provider id and a raw tool name into a qualified name.
// Provider ids must not contain it.
const Separator = "__"

// Tool describes one tool as exposed by a provider.
type Tool struct {
	ProviderID  string
	RawName     string
	Description string
	Schema      json.RawMessage // JSON Schema for the arguments, may be nil
}

// QualifiedName returns the catalog-wide unique name for this tool.
func (t Tool) QualifiedName() string {
	return t.ProviderID + Separator + t.RawName
}

// Provider is one source of tools. Implementations must be safe for
// concurrent use; the gateway calls Invoke from many turns at once.
type Provider interface {
	// ID is the stable provider identifier used as the name prefix.
	ID() string
	// ListTools returns the provider's current tools.
	ListTools(ctx context.Context) ([]Tool, error)
	// Invoke runs one tool by its raw (unprefixed) name.
	Invoke(ctx context.Context, rawName string, args json.RawMessage) (*Result, error)
}

// Result is a tool invocation outcome. IsError marks a failure the agent
// can reason about, as opposed to a transport failure.
type Result struct {
	Content string
	IsError bool
}
