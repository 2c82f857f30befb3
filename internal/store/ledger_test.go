// ABOUTME: Tests for the audit ledger
// ABOUTME: Uses temp-dir databases, one per test

package store

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "audit.db"), slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordAndRecent(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, Event{ChatID: "oc_1", SessionID: "s1", Kind: KindMessageIn, Detail: "hello"}))
	require.NoError(t, l.Record(ctx, Event{ChatID: "oc_1", SessionID: "s1", Kind: KindToolCall, Detail: "files__read"}))
	require.NoError(t, l.Record(ctx, Event{ChatID: "oc_2", SessionID: "s2", Kind: KindMessageIn, Detail: "other chat"}))

	events, err := l.Recent(ctx, "oc_1", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.Equal(t, "oc_1", ev.ChatID)
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.CreatedAt.IsZero())
	}
}

func TestRecentNewestFirst(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Record(ctx, Event{
			ChatID: "oc_1", SessionID: "s1", Kind: KindMessageIn,
			Detail:    string(rune('a' + i)),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	events, err := l.Recent(ctx, "oc_1", 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "e", events[0].Detail)
	assert.Equal(t, "d", events[1].Detail)
	assert.Equal(t, "c", events[2].Detail)
}

func TestRecentEmptyChat(t *testing.T) {
	l := openTestLedger(t)
	events, err := l.Recent(context.Background(), "oc_none", 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestCountSince(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, l.Record(ctx, Event{ChatID: "oc_1", SessionID: "s1", Kind: KindMessageIn, CreatedAt: old}))
	require.NoError(t, l.Record(ctx, Event{ChatID: "oc_1", SessionID: "s1", Kind: KindMessageIn}))
	require.NoError(t, l.Record(ctx, Event{ChatID: "oc_1", SessionID: "s1", Kind: KindToolCall}))
	require.NoError(t, l.Record(ctx, Event{ChatID: "oc_1", SessionID: "s1", Kind: KindApproval}))

	counts, err := l.CountSince(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, counts[KindMessageIn], "old event excluded")
	assert.Equal(t, 1, counts[KindToolCall])
	assert.Equal(t, 1, counts[KindApproval])
}

func TestOpenCreatesParentDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "audit.db")
	l, err := Open(path, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Record(context.Background(), Event{ChatID: "oc_1", SessionID: "s", Kind: KindCommand, Detail: "/help"}))
}
