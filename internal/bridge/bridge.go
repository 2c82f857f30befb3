// ABOUTME: Top-level bridge wiring the channel, sessions, tools, and agent together
// ABOUTME: Owns provider lifecycle including the mcp.json watch-and-reload loop

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-lark/internal/agent"
	"github.com/2389/coven-lark/internal/approval"
	"github.com/2389/coven-lark/internal/config"
	"github.com/2389/coven-lark/internal/continuity"
	"github.com/2389/coven-lark/internal/creds"
	"github.com/2389/coven-lark/internal/dedupe"
	"github.com/2389/coven-lark/internal/lark"
	"github.com/2389/coven-lark/internal/mcp"
	"github.com/2389/coven-lark/internal/session"
	"github.com/2389/coven-lark/internal/store"
	"github.com/2389/coven-lark/internal/tools"
)

// Channel is the outbound surface of the messaging client the bridge uses.
// *lark.Client satisfies it; tests substitute a fake.
type Channel interface {
	SendText(ctx context.Context, chatID, text string) (string, error)
	SendCard(ctx context.Context, chatID string, card json.RawMessage) (string, error)
	UpdateCard(ctx context.Context, messageID string, card json.RawMessage) error
	AddReaction(ctx context.Context, messageID, emoji string) error
	DownloadResource(ctx context.Context, messageID, fileKey, resourceType string) ([]byte, error)
	UploadFile(ctx context.Context, fileName string, data []byte) (string, error)
	UploadImage(ctx context.Context, data []byte) (string, error)
	SendFile(ctx context.Context, chatID, fileKey string) (string, error)
	SendImage(ctx context.Context, chatID, imageKey string) (string, error)
}

// Bridge is the orchestrator: one instance serves every chat.
type Bridge struct {
	cfg     *config.Config
	logger  *slog.Logger
	creds   *creds.Manager
	channel Channel
	conn    *lark.EventConn

	registry  *session.Registry
	driver    *session.Driver
	approvals *approval.Coordinator
	gateway   *tools.Gateway
	index     *continuity.Index
	ledger    *store.Ledger
	seen      *dedupe.Window
	chat      *chatProvider

	allowedUsers map[string]struct{}
	allowedChats map[string]struct{}

	// providers is the connected provider set, replaced wholesale on
	// reload. provMu serializes reloads from the watcher and /reload.
	provMu    sync.Mutex
	providers []*mcp.Client
}

// New assembles a bridge from its already-constructed collaborators.
func New(
	cfg *config.Config,
	logger *slog.Logger,
	cm *creds.Manager,
	channel Channel,
	ag agent.Agent,
	gw *tools.Gateway,
	index *continuity.Index,
	ledger *store.Ledger,
) *Bridge {
	coord := approval.NewCoordinator(logger, cfg.Approval.Deadline, timeoutDecision(cfg))
	b := &Bridge{
		cfg:          cfg,
		logger:       logger.With("component", "bridge"),
		creds:        cm,
		channel:      channel,
		registry:     session.NewRegistry(logger, cfg.Bridge.AutoApprove, cfg.Bridge.WorkDir),
		approvals:    coord,
		gateway:      gw,
		index:        index,
		ledger:       ledger,
		seen:         dedupe.NewWindow(5*time.Minute, 100_000),
		allowedUsers: toSet(cfg.Lark.AllowedUsers),
		allowedChats: toSet(cfg.Lark.AllowedChats),
	}
	b.driver = session.NewDriver(ag, gw, coord, logger, cfg.Providers.CallTimeout)
	b.chat = newChatProvider(channel, logger)
	gw.Register(b.chat)
	return b
}

func timeoutDecision(cfg *config.Config) approval.Decision {
	if cfg.Approval.OnTimeout == "reject" {
		return approval.DecisionReject
	}
	return approval.DecisionApproveOnce
}

func toSet(items []string) map[string]struct{} {
	if len(items) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}

// SetEventConn attaches the supervised event connection. Separated from New
// because the connection needs the bridge's handler.
func (b *Bridge) SetEventConn(conn *lark.EventConn) {
	b.conn = conn
}

// HandleEvent is the entry point for inbound platform events. It must not
// block: work is handed to the owning session's serialized queue.
func (b *Bridge) HandleEvent(ev lark.Event) {
	if !b.seen.Observe(ev.ID) {
		b.logger.Debug("duplicate event dropped", "event_id", ev.ID)
		return
	}
	if !b.allowed(ev) {
		b.logger.Warn("event from unauthorized source",
			"chat_id", ev.ChatID, "sender_id", ev.SenderID)
		return
	}
	b.registry.Dispatch(ev.ChatID, func(s *session.Session) {
		b.dispatch(s, ev)
	})
}

// allowed enforces the configured user and chat allowlists. An empty list
// allows everyone, matching the original client.
func (b *Bridge) allowed(ev lark.Event) bool {
	if b.allowedChats != nil {
		if _, ok := b.allowedChats[ev.ChatID]; !ok {
			return false
		}
	}
	if b.allowedUsers != nil {
		if _, ok := b.allowedUsers[ev.SenderID]; !ok {
			return false
		}
	}
	return true
}

// Run starts the credential loop, provider connections, config watcher, and
// event connection, then blocks until ctx ends or a fatal failure.
func (b *Bridge) Run(ctx context.Context) error {
	if _, err := b.loadProviders(ctx); err != nil {
		return fmt.Errorf("load providers: %w", err)
	}
	defer b.closeProviders()
	defer b.registry.Close()
	defer b.seen.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := b.creds.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})
	if b.cfg.Providers.Watch && b.cfg.Providers.Path != "" {
		g.Go(func() error { return b.watchProviders(ctx) })
	}
	g.Go(func() error {
		err := b.conn.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		// Past the backoff ceiling the bridge has no inbound events;
		// surface it instead of idling silently.
		return err
	})
	return g.Wait()
}

// loadProviders reads mcp.json, connects each server, and swaps the full
// provider set into the gateway. A provider that fails to connect is logged
// and skipped; the rest still serve.
func (b *Bridge) loadProviders(ctx context.Context) (tools.Diff, error) {
	b.provMu.Lock()
	defer b.provMu.Unlock()

	if b.cfg.Providers.Path == "" {
		return b.gateway.Reload(ctx), nil
	}
	servers, ids, err := mcp.LoadConfig(b.cfg.Providers.Path)
	if err != nil {
		return tools.Diff{}, err
	}

	var clients []*mcp.Client
	var providers []tools.Provider
	for _, id := range ids {
		client := mcp.NewClient(id, servers[id], b.logger)
		if err := client.Connect(ctx); err != nil {
			b.logger.Warn("provider connect failed, skipping",
				"provider", id, "error", err)
			continue
		}
		clients = append(clients, client)
		providers = append(providers, client)
	}

	old := b.providers
	b.providers = clients
	// The chat provider is not configured in mcp.json; it rides along on
	// every reload.
	b.gateway.SetProviders(append(providers, b.chat))
	diff := b.gateway.Reload(ctx)
	for _, c := range old {
		c.Close()
	}

	b.logger.Info("providers loaded",
		"providers", len(clients),
		"tools", b.gateway.Snapshot().Len(),
		"added", len(diff.Added), "removed", len(diff.Removed))
	return diff, nil
}

func (b *Bridge) closeProviders() {
	b.provMu.Lock()
	defer b.provMu.Unlock()
	for _, c := range b.providers {
		c.Close()
	}
	b.providers = nil
}

// watchProviders reloads the provider set when mcp.json changes on disk.
// Events are debounced: editors fire several writes per save.
func (b *Bridge) watchProviders(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: many editors replace the file on save, which
	// drops a watch set on the file itself.
	dir := filepath.Dir(b.cfg.Providers.Path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	var timer *time.Timer
	debounced := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(b.cfg.Providers.Path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(500*time.Millisecond, func() {
				select {
				case debounced <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			b.logger.Warn("watcher error", "error", err)
		case <-debounced:
			b.logger.Info("provider config changed, reloading")
			if _, err := b.loadProviders(ctx); err != nil {
				b.logger.Error("provider reload failed", "error", err)
			}
		}
	}
}
