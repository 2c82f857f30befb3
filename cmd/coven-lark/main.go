// ABOUTME: Entry point for the coven-lark bridge
// ABOUTME: Connects Lark/Feishu chats to a coven agent with tool approval

package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-lark/internal/agent"
	"github.com/2389/coven-lark/internal/bridge"
	"github.com/2389/coven-lark/internal/config"
	"github.com/2389/coven-lark/internal/continuity"
	"github.com/2389/coven-lark/internal/creds"
	"github.com/2389/coven-lark/internal/lark"
	"github.com/2389/coven-lark/internal/store"
	"github.com/2389/coven-lark/internal/tools"
)

const banner = `
  ___ _____   _____ _ __        | | __ _ _ __| | __
 / __/ _ \ \ / / _ \ '_ \ _____ | |/ _' | '__| |/ /
| (_| (_) \ V /  __/ | | |_____|| | (_| | |  |   <
 \___\___/ \_/ \___|_| |_|      |_|\__,_|_|  |_|\_\
`

// getConfigPath returns the path to the bridge config file.
// Priority: COVEN_LARK_CONFIG env var > ./coven-lark.toml > ~/.config/coven/lark.toml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_LARK_CONFIG"); envPath != "" {
		return envPath
	}
	if _, err := os.Stat("coven-lark.toml"); err == nil {
		return "coven-lark.toml"
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "coven-lark.toml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "coven", "lark.toml")
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "init" {
		if err := runInit(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", configPath, err)
	}

	logger := setupLogger(cfg.Logging.Level)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Platform:  %s\n", cfg.Lark.BaseURL)
	green.Print("    ▶ ")
	fmt.Printf("Agent:     %s\n", cfg.Agent.BaseURL)
	if cfg.Providers.Path != "" {
		green.Print("    ▶ ")
		fmt.Printf("Providers: %s\n", cfg.Providers.Path)
	}
	green.Print("    ▶ ")
	fmt.Printf("Ledger:    %s\n", cfg.Database.Path)
	fmt.Println()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	const refreshMargin = 5 * time.Minute
	cm := creds.NewManager(logger, creds.WithCheckInterval(cfg.Agent.RefreshInterval))
	cm.Register(creds.KindTenant,
		creds.NewTenantRefresher(cfg.Lark.BaseURL, cfg.Lark.AppID, cfg.Lark.AppSecret), refreshMargin)
	if cfg.Agent.AuthURL != "" {
		cm.Register(creds.KindAgent,
			creds.NewAgentRefresher(cfg.Agent.AuthURL, cfg.Agent.ClientID, cfg.Agent.ClientSecret), refreshMargin)
	}

	ledger, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	defer ledger.Close()

	larkClient := lark.NewClient(cfg.Lark.BaseURL, cm, logger)
	agentClient := agent.NewClient(cfg.Agent.BaseURL, cm, logger)
	gateway := tools.NewGateway(logger)
	index := continuity.NewIndex(cfg.Bridge.SessionsDir)

	b := bridge.New(cfg, logger, cm, larkClient, agentClient, gateway, index, ledger)
	b.SetEventConn(lark.NewEventConn(larkClient, b.HandleEvent, logger))

	logger.Info("starting bridge")
	return b.Run(ctx)
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func runInit() error {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println("    Interactive Setup")
	fmt.Println("    -----------------")
	fmt.Println()

	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		yellow.Printf("    Config already exists at %s\n", configPath)
		fmt.Print("    Overwrite? [y/N]: ")
		reader := bufio.NewReader(os.Stdin)
		answer, _ := reader.ReadString('\n')
		if strings.ToLower(strings.TrimSpace(answer)) != "y" {
			fmt.Println("    Aborted.")
			return nil
		}
		fmt.Println()
	}

	reader := bufio.NewReader(os.Stdin)

	green.Print("    ▶ ")
	fmt.Print("Lark app id (cli_...): ")
	appID, _ := reader.ReadString('\n')
	appID = strings.TrimSpace(appID)

	green.Print("    ▶ ")
	fmt.Print("Lark app secret: ")
	appSecret, _ := reader.ReadString('\n')
	appSecret = strings.TrimSpace(appSecret)

	green.Print("    ▶ ")
	fmt.Print("Agent base URL [http://localhost:8080]: ")
	agentURL, _ := reader.ReadString('\n')
	agentURL = strings.TrimSpace(agentURL)
	if agentURL == "" {
		agentURL = "http://localhost:8080"
	}

	green.Print("    ▶ ")
	fmt.Print("Working directory for sessions [~/work]: ")
	workDir, _ := reader.ReadString('\n')
	workDir = strings.TrimSpace(workDir)
	if workDir == "" {
		home, _ := os.UserHomeDir()
		workDir = filepath.Join(home, "work")
	}

	contents := fmt.Sprintf(`# coven-lark bridge configuration
# Generated by coven-lark init

[lark]
app_id = "%s"
app_secret = "%s"
# Only respond to these users / chats (empty = everyone)
allowed_users = []
allowed_chats = []

[agent]
base_url = "%s"
# Optional OAuth token endpoint for agent auth
#auth_url = ""
#client_id = ""
#client_secret = ""

[bridge]
work_dir = "%s"
# Auto-approve tool calls without asking
auto_approve = false
# Show tool call rows on progress cards
show_tool_calls = true
# Receipt reaction on inbound messages (empty disables)
reaction_emoji = "OK"

[approval]
# "approve" keeps the agent moving on silence; "reject" fails closed
on_timeout = "approve"
deadline = "30s"

[providers]
# Tool provider declarations (mcp.json format)
path = "mcp.json"
watch = true
call_timeout = "60s"

[database]
path = "coven-lark.db"

[logging]
level = "info"
`, appID, appSecret, agentURL, workDir)

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(contents), 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Println()
	green.Printf("    Config written to %s\n", configPath)
	fmt.Println("    Run coven-lark to start the bridge.")
	return nil
}
