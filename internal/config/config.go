// ABOUTME: Configuration loading and parsing for coven-lark
// ABOUTME: Loads TOML config with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the complete coven-lark configuration
type Config struct {
	Lark      LarkConfig      `toml:"lark"`
	Agent     AgentConfig     `toml:"agent"`
	Bridge    BridgeConfig    `toml:"bridge"`
	Approval  ApprovalConfig  `toml:"approval"`
	Providers ProvidersConfig `toml:"providers"`
	Database  DatabaseConfig  `toml:"database"`
	Logging   LoggingConfig   `toml:"logging"`
}

// LarkConfig holds the Lark/Feishu app credentials and access control lists
type LarkConfig struct {
	AppID     string `toml:"app_id"`
	AppSecret string `toml:"app_secret"`

	// BaseURL overrides the Open API endpoint (for testing or Lark vs Feishu)
	BaseURL string `toml:"base_url"`

	// AllowedUsers / AllowedChats restrict who the bridge responds to.
	// Empty means allow all.
	AllowedUsers []string `toml:"allowed_users"`
	AllowedChats []string `toml:"allowed_chats"`
}

// AgentConfig holds the agent auth endpoint and credential timing
type AgentConfig struct {
	// BaseURL is the agent backend serving the turn API
	BaseURL string `toml:"base_url"`

	AuthURL      string `toml:"auth_url"`
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`

	RefreshInterval    time.Duration `toml:"-"`
	RefreshIntervalRaw string        `toml:"refresh_interval"`
}

// BridgeConfig holds bridge behavior settings
type BridgeConfig struct {
	// WorkDir is the default working directory for sessions
	WorkDir string `toml:"work_dir"`

	// AutoApprove starts sessions in yolo mode (tool calls auto-approved)
	AutoApprove bool `toml:"auto_approve"`

	// ShowToolCalls includes tool call rows in streamed progress cards
	ShowToolCalls bool `toml:"show_tool_calls"`

	// ReactionEmoji is the receipt reaction added to inbound messages
	// (empty disables the receipt)
	ReactionEmoji string `toml:"reaction_emoji"`

	// SessionsDir is the metadata root holding resumable session records
	// (defaults to ~/.coven)
	SessionsDir string `toml:"sessions_dir"`
}

// ApprovalConfig controls the tool approval flow
type ApprovalConfig struct {
	// OnTimeout is the outcome for an unanswered approval card:
	// "approve" (default, favors forward progress) or "reject" (fail closed)
	OnTimeout string `toml:"on_timeout"`

	Deadline    time.Duration `toml:"-"`
	DeadlineRaw string        `toml:"deadline"`
}

// ProvidersConfig points at the tool provider set
type ProvidersConfig struct {
	// Path is the JSON file declaring tool providers (mcp.json format)
	Path string `toml:"path"`

	// Watch reloads the tool catalog automatically when the file changes
	Watch bool `toml:"watch"`

	CallTimeout    time.Duration `toml:"-"`
	CallTimeoutRaw string        `toml:"call_timeout"`
}

// DatabaseConfig holds the audit ledger location
type DatabaseConfig struct {
	Path string `toml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `toml:"level"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if _, err := toml.Decode(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}

// applyDefaults fills in unset optional fields.
func applyDefaults(cfg *Config) {
	if cfg.Lark.BaseURL == "" {
		cfg.Lark.BaseURL = "https://open.feishu.cn"
	}
	if cfg.Approval.OnTimeout == "" {
		cfg.Approval.OnTimeout = "approve"
	}
	if cfg.Approval.Deadline == 0 {
		cfg.Approval.Deadline = 30 * time.Second
	}
	if cfg.Agent.RefreshInterval == 0 {
		cfg.Agent.RefreshInterval = 60 * time.Second
	}
	if cfg.Providers.CallTimeout == 0 {
		cfg.Providers.CallTimeout = 60 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Bridge.SessionsDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Bridge.SessionsDir = filepath.Join(home, ".coven")
		}
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Lark.AppID == "" {
		return fmt.Errorf("lark.app_id is required")
	}
	if c.Lark.AppSecret == "" {
		return fmt.Errorf("lark.app_secret is required")
	}
	if _, err := url.Parse(c.Lark.BaseURL); err != nil {
		return fmt.Errorf("lark.base_url is not a valid URL: %w", err)
	}
	if c.Agent.BaseURL == "" {
		return fmt.Errorf("agent.base_url is required")
	}
	if c.Agent.AuthURL != "" {
		u, err := url.Parse(c.Agent.AuthURL)
		if err != nil {
			return fmt.Errorf("agent.auth_url is not a valid URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("agent.auth_url must use http or https scheme")
		}
	}
	if c.Approval.OnTimeout != "approve" && c.Approval.OnTimeout != "reject" {
		return fmt.Errorf("approval.on_timeout must be \"approve\" or \"reject\"")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Agent.RefreshIntervalRaw != "" {
		cfg.Agent.RefreshInterval, err = time.ParseDuration(cfg.Agent.RefreshIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing agent.refresh_interval %q: %w", cfg.Agent.RefreshIntervalRaw, err)
		}
	}

	if cfg.Approval.DeadlineRaw != "" {
		cfg.Approval.Deadline, err = time.ParseDuration(cfg.Approval.DeadlineRaw)
		if err != nil {
			return fmt.Errorf("parsing approval.deadline %q: %w", cfg.Approval.DeadlineRaw, err)
		}
	}

	if cfg.Providers.CallTimeoutRaw != "" {
		cfg.Providers.CallTimeout, err = time.ParseDuration(cfg.Providers.CallTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing providers.call_timeout %q: %w", cfg.Providers.CallTimeoutRaw, err)
		}
	}

	return nil
}
