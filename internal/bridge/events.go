// ABOUTME: Per-session event dispatch: commands, turns, card actions, attachments
// ABOUTME: Every handler runs on the owning session's serialized queue

package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/2389/coven-lark/internal/approval"
	"github.com/2389/coven-lark/internal/commands"
	"github.com/2389/coven-lark/internal/continuity"
	"github.com/2389/coven-lark/internal/creds"
	"github.com/2389/coven-lark/internal/lark"
	"github.com/2389/coven-lark/internal/session"
	"github.com/2389/coven-lark/internal/store"
)

// dispatch handles one event for its session. It runs on the session loop, so
// it must return promptly; turns run on their own goroutine.
func (b *Bridge) dispatch(s *session.Session, ev lark.Event) {
	switch ev.Kind {
	case lark.KindCardAction:
		b.handleCardAction(ev)
	case lark.KindText:
		cmd := commands.Parse(ev.Text)
		if cmd.Kind == commands.KindFreeText {
			b.startTurn(s, ev, cmd.Body)
			return
		}
		b.audit(store.KindCommand, ev.ChatID, s.ID(), strings.TrimSpace(ev.Text))
		b.handleCommand(s, ev, cmd)
	case lark.KindAudio:
		b.handleAudio(s, ev)
	case lark.KindFile, lark.KindImage:
		b.handleAttachment(s, ev)
	}
}

// handleCardAction resolves an approval from a card button press. A stale
// press (already resolved, or the turn ended) is logged and otherwise
// ignored: the card rewrite happens on first resolution only.
func (b *Bridge) handleCardAction(ev lark.Event) {
	requestID := ev.ActionValue["request_id"]
	decision := approval.Decision(ev.ActionValue["decision"])
	if requestID == "" || decision == "" {
		b.logger.Warn("card action missing request_id or decision", "chat_id", ev.ChatID)
		return
	}

	err := b.approvals.Resolve(ev.ChatID, requestID, decision)
	switch {
	case errors.Is(err, approval.ErrAlreadyResolved):
		b.logger.Debug("approval already resolved", "request_id", requestID)
	case errors.Is(err, approval.ErrNotFound):
		b.logger.Debug("approval request gone or not this chat's", "request_id", requestID, "chat_id", ev.ChatID)
	case err != nil:
		b.logger.Warn("approval resolution failed", "request_id", requestID, "error", err)
	}
}

// startTurn begins a turn for free text. A busy session gets a notice
// instead; the running turn is never preempted implicitly.
func (b *Bridge) startTurn(s *session.Session, ev lark.Event, input string) {
	b.audit(store.KindMessageIn, ev.ChatID, s.ID(), input)

	ctx, err := s.BeginTurn(withScope(context.Background(), ev.ChatID, s.WorkDir()))
	if err != nil {
		if errors.Is(err, session.ErrTurnInFlight) {
			b.notify(ev.ChatID, "Still working on the previous message. Send /stop to interrupt it.")
			return
		}
		b.logger.Error("turn begin failed", "chat_id", ev.ChatID, "error", err)
		return
	}

	b.ack(ev)

	sink := newCardSink(b, s, input)
	go func() {
		b.driver.Run(ctx, s, input, sink)
		// Clear the turn marker here rather than via the session queue: a
		// queued clear leaves a window where a new message still sees the
		// finished turn as in flight.
		s.EndTurn()
	}()
}

// ack adds the receipt reaction to the inbound message.
func (b *Bridge) ack(ev lark.Event) {
	emoji := b.cfg.Bridge.ReactionEmoji
	if emoji == "" || ev.MessageID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.channel.AddReaction(ctx, ev.MessageID, emoji); err != nil {
		b.logger.Debug("reaction failed", "message_id", ev.MessageID, "error", err)
	}
}

// handleAudio transcribes a voice message through the transcription tool and
// runs the result as a normal turn.
func (b *Bridge) handleAudio(s *session.Session, ev lark.Event) {
	tool, ok := b.transcriber()
	if !ok {
		b.notify(ev.ChatID, "Voice messages need a transcription tool, and none is configured.")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.Providers.CallTimeout)
	defer cancel()

	data, err := b.channel.DownloadResource(ctx, ev.MessageID, ev.FileKey, "file")
	if err != nil {
		b.logger.Warn("voice download failed", "message_id", ev.MessageID, "error", err)
		b.notify(ev.ChatID, "Couldn't download that voice message.")
		return
	}

	args, _ := json.Marshal(map[string]string{
		"audio_base64": base64.StdEncoding.EncodeToString(data),
		"format":       "opus",
	})
	result, err := b.gateway.Invoke(ctx, tool, args)
	if err != nil || result.IsError {
		b.logger.Warn("transcription failed", "tool", tool, "error", err)
		b.notify(ev.ChatID, "Couldn't transcribe that voice message.")
		return
	}

	text := strings.TrimSpace(result.Content)
	if text == "" {
		b.notify(ev.ChatID, "The voice message came back empty.")
		return
	}
	b.startTurn(s, ev, text)
}

// transcriber finds a transcription tool in the current catalog by its raw
// name, whichever provider serves it.
func (b *Bridge) transcriber() (string, bool) {
	for _, t := range b.gateway.Snapshot().Tools() {
		if t.RawName == "transcribe" {
			return t.QualifiedName(), true
		}
	}
	return "", false
}

// handleAttachment saves an uploaded file into the session work dir and
// tells the agent where it landed.
func (b *Bridge) handleAttachment(s *session.Session, ev lark.Event) {
	resourceType := "file"
	if ev.Kind == lark.KindImage {
		resourceType = "image"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	data, err := b.channel.DownloadResource(ctx, ev.MessageID, ev.FileKey, resourceType)
	if err != nil {
		b.logger.Warn("attachment download failed", "message_id", ev.MessageID, "error", err)
		b.notify(ev.ChatID, "Couldn't download that attachment.")
		return
	}

	name := filepath.Base(ev.FileName)
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = ev.FileKey
	}
	dir := filepath.Join(s.WorkDir(), "uploads")
	if err := os.MkdirAll(dir, 0750); err != nil {
		b.logger.Error("uploads dir create failed", "dir", dir, "error", err)
		return
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0640); err != nil {
		b.logger.Error("attachment write failed", "path", path, "error", err)
		return
	}

	b.startTurn(s, ev, fmt.Sprintf("I uploaded a file, saved at %s. Take a look.", path))
}

// handleCommand executes a recognized slash command.
func (b *Bridge) handleCommand(s *session.Session, ev lark.Event, cmd commands.Command) {
	switch cmd.Kind {
	case commands.KindHelp:
		b.notify(ev.ChatID, commands.Help)

	case commands.KindClear:
		s.Interrupt()
		b.approvals.ClearChat(ev.ChatID)
		s.Reset()
		b.notify(ev.ChatID, "Context cleared. Same working directory, fresh session.")

	case commands.KindStop:
		if s.Interrupt() {
			b.notify(ev.ChatID, "Interrupted.")
		} else {
			b.notify(ev.ChatID, "Nothing is running.")
		}

	case commands.KindYolo:
		if s.ToggleYolo() {
			b.notify(ev.ChatID, "Yolo mode on: tool calls run without asking.")
		} else {
			b.notify(ev.ChatID, "Yolo mode off: tool calls need approval again.")
		}

	case commands.KindTools:
		b.notify(ev.ChatID, b.toolListing())

	case commands.KindReload:
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		diff, err := b.loadProviders(ctx)
		cancel()
		if err != nil {
			b.notify(ev.ChatID, "Reload failed: "+err.Error())
			return
		}
		b.notify(ev.ChatID, fmt.Sprintf(
			"Reloaded. %d tools available (+%d / -%d / ~%d).",
			b.gateway.Snapshot().Len(), len(diff.Added), len(diff.Removed), len(diff.Changed)))

	case commands.KindSessions:
		b.notify(ev.ChatID, b.sessionListing())

	case commands.KindContinue:
		b.handleContinue(s, ev, cmd.Arg)

	case commands.KindID:
		msg := fmt.Sprintf("Session: %s\nWork dir: %s", s.ID(), s.WorkDir())
		if linked := s.Linked(); linked != "" {
			msg += "\nContinuing: " + linked
		}
		b.notify(ev.ChatID, msg)

	case commands.KindStatus:
		b.notify(ev.ChatID, b.statusReport(s))
	}
}

func (b *Bridge) toolListing() string {
	snapshot := b.gateway.Snapshot()
	tools := snapshot.Tools()
	if len(tools) == 0 {
		return "No tools available."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d tools:\n", len(tools))
	for _, t := range tools {
		desc := t.Description
		if len(desc) > 80 {
			desc = desc[:80] + "..."
		}
		fmt.Fprintf(&sb, "• %s — %s\n", t.QualifiedName(), desc)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (b *Bridge) sessionListing() string {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	records, err := b.index.List(ctx, "")
	if err != nil {
		b.logger.Warn("session listing failed", "error", err)
		return "Couldn't read the session index."
	}
	if len(records) == 0 {
		return "No resumable sessions."
	}
	const max = 10
	var sb strings.Builder
	sb.WriteString("Resumable sessions (newest first):\n")
	for i, rec := range records {
		if i == max {
			fmt.Fprintf(&sb, "...and %d more\n", len(records)-max)
			break
		}
		title := rec.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(&sb, "• %s — %s (%s)\n",
			rec.SessionID, title, rec.LastUsedAt.Format("2006-01-02 15:04"))
	}
	sb.WriteString("Use /continue <id> to attach.")
	return sb.String()
}

func (b *Bridge) handleContinue(s *session.Session, ev lark.Event, arg string) {
	if arg == "" {
		b.notify(ev.ChatID, b.sessionListing())
		return
	}
	if s.TurnActive() {
		b.notify(ev.ChatID, "A turn is running. /stop it before switching sessions.")
		return
	}
	rec, err := b.index.Resolve(arg)
	if err != nil {
		if errors.Is(err, continuity.ErrRecordNotFound) {
			b.notify(ev.ChatID, "No session with that id. /sessions lists what's resumable.")
			return
		}
		b.logger.Warn("session resolve failed", "session_id", arg, "error", err)
		b.notify(ev.ChatID, "Couldn't read that session's record.")
		return
	}
	b.approvals.ClearChat(ev.ChatID)
	s.Attach(rec.SessionID, rec.WorkDir)
	title := rec.Title
	if title == "" {
		title = rec.SessionID
	}
	b.notify(ev.ChatID, fmt.Sprintf("Attached to %q.\nWork dir: %s", title, rec.WorkDir))
}

func (b *Bridge) statusReport(s *session.Session) string {
	var sb strings.Builder
	state := "not connected"
	if b.conn != nil {
		state = b.conn.State().String()
	}
	fmt.Fprintf(&sb, "Connection: %s\n", state)
	fmt.Fprintf(&sb, "Tools: %d\n", b.gateway.Snapshot().Len())
	fmt.Fprintf(&sb, "Sessions: %d active\n", b.registry.Count())

	if b.creds.Degraded(creds.KindTenant) {
		sb.WriteString("Platform credential: DEGRADED\n")
	}
	if b.creds.Degraded(creds.KindAgent) {
		sb.WriteString("Agent credential: DEGRADED\n")
	}

	if s.TurnActive() {
		sb.WriteString("This chat: turn in progress\n")
	}
	if s.Yolo() {
		sb.WriteString("This chat: yolo mode on\n")
	}

	if b.ledger != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		counts, err := b.ledger.CountSince(ctx, time.Now().Add(-24*time.Hour))
		cancel()
		if err == nil && len(counts) > 0 {
			fmt.Fprintf(&sb, "Last 24h: %d messages in, %d out, %d tool calls\n",
				counts[store.KindMessageIn], counts[store.KindMessageOut], counts[store.KindToolCall])
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// notify sends plain text to a chat, best effort.
func (b *Bridge) notify(chatID, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := b.channel.SendText(ctx, chatID, text); err != nil {
		b.logger.Warn("notify failed", "chat_id", chatID, "error", err)
	}
}

// audit records a ledger event, best effort. A broken ledger never blocks
// the conversation.
func (b *Bridge) audit(kind, chatID, sessionID, detail string) {
	if b.ledger == nil {
		return
	}
	const limit = 2000
	if len(detail) > limit {
		detail = detail[:limit]
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := b.ledger.Record(ctx, store.Event{
		ChatID:    chatID,
		SessionID: sessionID,
		Kind:      kind,
		Detail:    detail,
	})
	if err != nil {
		b.logger.Warn("audit record failed", "kind", kind, "error", err)
	}
}
