// ABOUTME: Built-in tool provider that lets the agent send files and images into the chat
// ABOUTME: Resolves paths against the turn's working directory via context scope

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/2389/coven-lark/internal/tools"
)

type scopeKey struct{}

// turnScope carries the chat and working directory a turn runs for, so the
// chat provider knows where its output goes without a per-turn provider.
type turnScope struct {
	ChatID  string
	WorkDir string
}

func withScope(ctx context.Context, chatID, workDir string) context.Context {
	return context.WithValue(ctx, scopeKey{}, turnScope{ChatID: chatID, WorkDir: workDir})
}

func scopeFrom(ctx context.Context) (turnScope, bool) {
	scope, ok := ctx.Value(scopeKey{}).(turnScope)
	return scope, ok
}

// chatProvider exposes the outbound channel as tools. It is registered once
// and survives provider reloads; the agent addresses it as chat__send_file
// and chat__send_image.
type chatProvider struct {
	channel Channel
	logger  *slog.Logger
}

func newChatProvider(channel Channel, logger *slog.Logger) *chatProvider {
	return &chatProvider{channel: channel, logger: logger.With("component", "chat-tools")}
}

func (p *chatProvider) ID() string { return "chat" }

var sendPathSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"path": {"type": "string", "description": "File path, relative to the working directory"}
	},
	"required": ["path"]
}`)

func (p *chatProvider) ListTools(context.Context) ([]tools.Tool, error) {
	return []tools.Tool{
		{
			ProviderID:  "chat",
			RawName:     "send_file",
			Description: "Send a file from the working directory to the chat",
			Schema:      sendPathSchema,
		},
		{
			ProviderID:  "chat",
			RawName:     "send_image",
			Description: "Send an image from the working directory to the chat",
			Schema:      sendPathSchema,
		},
	}, nil
}

func (p *chatProvider) Invoke(ctx context.Context, rawName string, args json.RawMessage) (*tools.Result, error) {
	scope, ok := scopeFrom(ctx)
	if !ok {
		return nil, fmt.Errorf("%s invoked outside a turn", rawName)
	}

	var in struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}

	path, err := resolveInDir(scope.WorkDir, in.Path)
	if err != nil {
		return &tools.Result{Content: err.Error(), IsError: true}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return &tools.Result{Content: fmt.Sprintf("cannot read %s: %v", in.Path, err), IsError: true}, nil
	}

	name := filepath.Base(path)
	switch rawName {
	case "send_file":
		key, err := p.channel.UploadFile(ctx, name, data)
		if err != nil {
			return nil, fmt.Errorf("upload %s: %w", name, err)
		}
		if _, err := p.channel.SendFile(ctx, scope.ChatID, key); err != nil {
			return nil, fmt.Errorf("send %s: %w", name, err)
		}
	case "send_image":
		key, err := p.channel.UploadImage(ctx, data)
		if err != nil {
			return nil, fmt.Errorf("upload %s: %w", name, err)
		}
		if _, err := p.channel.SendImage(ctx, scope.ChatID, key); err != nil {
			return nil, fmt.Errorf("send %s: %w", name, err)
		}
	default:
		return nil, fmt.Errorf("unknown tool %s", rawName)
	}

	p.logger.Info("sent resource to chat", "tool", rawName, "name", name, "chat_id", scope.ChatID)
	return &tools.Result{Content: fmt.Sprintf("Sent %s to the chat.", name)}, nil
}

// resolveInDir resolves path under dir and rejects escapes. Absolute paths
// are allowed only when already inside dir.
func resolveInDir(dir, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(dir, resolved)
	}
	resolved = filepath.Clean(resolved)
	rel, err := filepath.Rel(dir, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s is outside the working directory", path)
	}
	return resolved, nil
}
