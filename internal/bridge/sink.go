// ABOUTME: Sink implementation that streams turn progress into chat cards
// ABOUTME: One progress card per turn, edited in place; approval cards live apart

package bridge

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/coven-lark/internal/approval"
	"github.com/2389/coven-lark/internal/cards"
	"github.com/2389/coven-lark/internal/session"
	"github.com/2389/coven-lark/internal/store"
)

// textFlushInterval throttles card edits during streaming: text deltas are
// coalesced, state changes flush immediately.
const textFlushInterval = time.Second

// cardSink renders one turn onto chat cards. All methods run on the turn's
// goroutine, so no locking. Sends use a background context: the turn context
// may already be cancelled when a final card needs to go out.
type cardSink struct {
	bridge  *Bridge
	session *session.Session
	chatID  string
	logger  *slog.Logger

	progress  cards.Progress
	cardID    string
	lastFlush time.Time

	// approvalCards maps request id to the consent card's message id so
	// OnApprovalResolved can rewrite it.
	approvalCards map[string]string
}

func newCardSink(b *Bridge, s *session.Session, input string) *cardSink {
	return &cardSink{
		bridge:        b,
		session:       s,
		chatID:        s.ChatID,
		logger:        b.logger.With("chat_id", s.ChatID),
		progress:      cards.Progress{Input: input},
		approvalCards: make(map[string]string),
	}
}

func (cs *cardSink) sendCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 15*time.Second)
}

// flush pushes the current progress card. The first flush creates the card;
// later ones edit it.
func (cs *cardSink) flush(force bool) {
	if !force && time.Since(cs.lastFlush) < textFlushInterval {
		return
	}
	cs.lastFlush = time.Now()

	ctx, cancel := cs.sendCtx()
	defer cancel()

	card := cs.progress.Render()
	if cs.cardID == "" {
		id, err := cs.bridge.channel.SendCard(ctx, cs.chatID, card)
		if err != nil {
			cs.logger.Warn("progress card send failed", "error", err)
			return
		}
		cs.cardID = id
		return
	}
	if err := cs.bridge.channel.UpdateCard(ctx, cs.cardID, card); err != nil {
		cs.logger.Warn("progress card update failed", "error", err)
	}
}

func (cs *cardSink) OnText(delta string) {
	cs.progress.Text += delta
	cs.flush(false)
}

func (cs *cardSink) OnApprovalRequested(req *approval.Request) {
	if cs.bridge.cfg.Bridge.ShowToolCalls {
		cs.progress.SetTool(req.Tool, cards.ToolWaiting)
		cs.flush(true)
	}

	ctx, cancel := cs.sendCtx()
	defer cancel()
	id, err := cs.bridge.channel.SendCard(ctx, cs.chatID, cards.Approval(req))
	if err != nil {
		// The deadline will resolve the request on its own; the user just
		// never saw a card for it.
		cs.logger.Warn("approval card send failed", "tool", req.Tool, "error", err)
		return
	}
	cs.approvalCards[req.ID] = id
}

func (cs *cardSink) OnApprovalResolved(req *approval.Request, outcome approval.Outcome) {
	cs.bridge.audit(store.KindApproval, cs.chatID, cs.session.ID(),
		req.Tool+" "+string(outcome.Decision))

	id, ok := cs.approvalCards[req.ID]
	if !ok {
		return
	}
	delete(cs.approvalCards, req.ID)

	ctx, cancel := cs.sendCtx()
	defer cancel()
	if err := cs.bridge.channel.UpdateCard(ctx, id, cards.ApprovalResolved(req.Tool, outcome)); err != nil {
		cs.logger.Warn("approval card rewrite failed", "error", err)
	}
}

func (cs *cardSink) OnToolStart(tool string) {
	cs.bridge.audit(store.KindToolCall, cs.chatID, cs.session.ID(), tool)
	if !cs.bridge.cfg.Bridge.ShowToolCalls {
		return
	}
	cs.progress.SetTool(tool, cards.ToolRunning)
	cs.flush(true)
}

func (cs *cardSink) OnToolDone(tool string, failed bool) {
	if !cs.bridge.cfg.Bridge.ShowToolCalls {
		return
	}
	state := cards.ToolDone
	if failed {
		state = cards.ToolFailed
	}
	cs.progress.SetTool(tool, state)
	cs.flush(true)
}

func (cs *cardSink) OnDone() {
	cs.progress.Done = true
	cs.flush(true)
	cs.bridge.audit(store.KindMessageOut, cs.chatID, cs.session.ID(), cs.progress.Text)
}

func (cs *cardSink) OnError(message string) {
	cs.progress.Err = message
	cs.flush(true)
}
