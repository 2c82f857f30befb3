// ABOUTME: Immutable point-in-time snapshot of the aggregated tool catalog
// ABOUTME: Built once per reload, read lock-free by any number of turns

package tools

import (
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// entry binds a tool to the provider that serves it and its compiled
// argument schema, if the schema compiled.
type entry struct {
	tool     Tool
	provider Provider
	schema   *jsonschema.Schema
}

// Catalog is an immutable view of every qualified tool name. Lookups on a
// catalog always resolve against the snapshot it was built from, even if a
// reload swaps in a newer one mid-flight.
type Catalog struct {
	entries map[string]entry
}

func newCatalog() *Catalog {
	return &Catalog{entries: make(map[string]entry)}
}

// Lookup resolves a qualified name.
func (c *Catalog) Lookup(qualifiedName string) (Tool, bool) {
	e, ok := c.entries[qualifiedName]
	return e.tool, ok
}

// Tools returns every tool sorted by qualified name.
func (c *Catalog) Tools() []Tool {
	out := make([]Tool, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.tool)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].QualifiedName() < out[j].QualifiedName()
	})
	return out
}

// Len returns the number of tools in the snapshot.
func (c *Catalog) Len() int {
	return len(c.entries)
}

func (c *Catalog) names() map[string]Tool {
	out := make(map[string]Tool, len(c.entries))
	for name, e := range c.entries {
		out[name] = e.tool
	}
	return out
}
