// ABOUTME: Tool gateway aggregating every provider under qualified names
// ABOUTME: Atomic snapshot swap on reload keeps in-flight invokes consistent

package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Diff summarizes what a reload changed, keyed by qualified name.
type Diff struct {
	Added   []string
	Removed []string
	Changed []string
}

// Empty reports whether the reload changed nothing.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Gateway aggregates tool providers into one catalog. Reads go through an
// atomic snapshot pointer; Reload is the catalog's single writer.
type Gateway struct {
	logger *slog.Logger

	mu        sync.Mutex // serializes Reload and provider registration
	providers []Provider

	current atomic.Pointer[Catalog]
}

// NewGateway creates a gateway with an empty catalog.
func NewGateway(logger *slog.Logger) *Gateway {
	g := &Gateway{logger: logger.With("component", "tools")}
	g.current.Store(newCatalog())
	return g
}

// Register adds a provider. Call Reload afterwards to pick up its tools.
// Registering a provider whose id duplicates an existing one replaces it.
func (g *Gateway) Register(p Provider) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, existing := range g.providers {
		if existing.ID() == p.ID() {
			g.providers[i] = p
			return
		}
	}
	g.providers = append(g.providers, p)
}

// SetProviders replaces the full provider set. Used when the provider
// config file changes on disk.
func (g *Gateway) SetProviders(ps []Provider) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.providers = ps
}

// Snapshot returns the current catalog. The returned value never changes;
// a later Reload produces a new one.
func (g *Gateway) Snapshot() *Catalog {
	return g.current.Load()
}

// Reload queries every provider and swaps in a fresh catalog. A provider
// that fails to list contributes zero entries and is reported through the
// diff as removals; other providers' tools are unaffected. Reload never
// returns an error for provider failures, only the diff.
func (g *Gateway) Reload(ctx context.Context) Diff {
	g.mu.Lock()
	defer g.mu.Unlock()

	next := newCatalog()
	for _, p := range g.providers {
		tools, err := listWithTimeout(ctx, p)
		if err != nil {
			g.logger.Warn("provider list failed, dropping its tools",
				"provider", p.ID(), "error", err)
			continue
		}
		for _, t := range tools {
			t.ProviderID = p.ID()
			name := t.QualifiedName()
			if _, dup := next.entries[name]; dup {
				g.logger.Warn("duplicate tool name, keeping first",
					"tool", name)
				continue
			}
			next.entries[name] = entry{
				tool:     t,
				provider: p,
				schema:   compileSchema(g.logger, name, t.Schema),
			}
		}
	}

	prev := g.current.Swap(next)
	diff := diffCatalogs(prev, next)
	g.logger.Info("catalog reloaded",
		"tools", next.Len(),
		"added", len(diff.Added),
		"removed", len(diff.Removed),
		"changed", len(diff.Changed))
	return diff
}

// listTimeout bounds one provider's listing so a hung provider cannot stall
// the whole reload.
const listTimeout = 15 * time.Second

func listWithTimeout(ctx context.Context, p Provider) ([]Tool, error) {
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()
	return p.ListTools(ctx)
}

// Invoke runs a qualified tool against the catalog snapshot current at call
// time. A reload completing mid-flight does not affect this call.
func (g *Gateway) Invoke(ctx context.Context, qualifiedName string, args json.RawMessage) (*Result, error) {
	snapshot := g.current.Load()
	e, ok := snapshot.entries[qualifiedName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, qualifiedName)
	}

	if e.schema != nil {
		if err := validateArgs(e.schema, args); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidArgs, qualifiedName, err)
		}
	}

	result, err := e.provider.Invoke(ctx, e.tool.RawName, args)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrProviderUnavailable, e.tool.ProviderID, err)
	}
	return result, nil
}

// compileSchema compiles a tool's argument schema. A schema that fails to
// compile disables validation for that tool rather than hiding the tool.
func compileSchema(logger *slog.Logger, name string, raw json.RawMessage) *jsonschema.Schema {
	if len(raw) == 0 {
		return nil
	}
	sch, err := jsonschema.CompileString(name+".schema.json", string(raw))
	if err != nil {
		logger.Warn("tool schema did not compile, skipping validation",
			"tool", name, "error", err)
		return nil
	}
	return sch
}

func validateArgs(sch *jsonschema.Schema, args json.RawMessage) error {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var v any
	if err := json.Unmarshal(args, &v); err != nil {
		return fmt.Errorf("parse args: %w", err)
	}
	return sch.Validate(v)
}

func diffCatalogs(prev, next *Catalog) Diff {
	var d Diff
	old := prev.names()
	for name, tool := range next.entries {
		before, ok := old[name]
		if !ok {
			d.Added = append(d.Added, name)
			continue
		}
		if before.Description != tool.tool.Description ||
			!bytes.Equal(before.Schema, tool.tool.Schema) {
			d.Changed = append(d.Changed, name)
		}
	}
	for name := range old {
		if _, ok := next.entries[name]; !ok {
			d.Removed = append(d.Removed, name)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Changed)
	return d
}
