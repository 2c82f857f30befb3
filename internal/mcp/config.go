// ABOUTME: Loader for the provider definition file (mcp.json)
// ABOUTME: Same shape the CLI client reads, so one file serves both

package mcp

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

// ServerConfig describes how to reach one provider server. Command and URL
// are mutually exclusive: command means a local subprocess over stdio, URL
// means a remote HTTP server.
type ServerConfig struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Timeout time.Duration     `json:"-"`
}

// Validate checks that exactly one transport is configured.
func (c ServerConfig) Validate() error {
	switch {
	case c.Command == "" && c.URL == "":
		return fmt.Errorf("needs a command or a url")
	case c.Command != "" && c.URL != "":
		return fmt.Errorf("command and url are mutually exclusive")
	case c.URL != "" && !strings.HasPrefix(c.URL, "http://") && !strings.HasPrefix(c.URL, "https://"):
		return fmt.Errorf("url must be http or https")
	}
	return nil
}

type providerFile struct {
	Servers map[string]ServerConfig `json:"mcpServers"`
}

// LoadConfig reads a provider definition file. Provider ids are the map
// keys, returned in sorted order for stable registration. A missing file
// is not an error; it means no providers.
func LoadConfig(path string) (map[string]ServerConfig, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("read %s: %w", path, err)
	}

	var pf providerFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", path, err)
	}

	ids := make([]string, 0, len(pf.Servers))
	for id, cfg := range pf.Servers {
		if strings.Contains(id, "__") {
			return nil, nil, fmt.Errorf("provider id %q must not contain %q", id, "__")
		}
		if err := cfg.Validate(); err != nil {
			return nil, nil, fmt.Errorf("provider %q: %w", id, err)
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return pf.Servers, ids, nil
}
