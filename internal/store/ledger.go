// ABOUTME: SQLite audit ledger for bridge activity using modernc.org/sqlite
// ABOUTME: Records messages, tool calls, and approval resolutions per chat

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Event kinds recorded in the ledger.
const (
	KindMessageIn  = "message_in"
	KindMessageOut = "message_out"
	KindToolCall   = "tool_call"
	KindApproval   = "approval"
	KindCommand    = "command"
)

// Event is one audit record.
type Event struct {
	ID        string
	ChatID    string
	SessionID string
	Kind      string
	Detail    string
	CreatedAt time.Time
}

// Ledger is the append-mostly audit store.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the ledger database, creating parent directories
// and the schema as needed. WAL mode keeps writers from blocking readers.
func Open(path string, logger *slog.Logger) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	l := &Ledger{db: db, logger: logger.With("component", "store")}
	if err := l.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	l.logger.Info("ledger opened", "path", path)
	return l, nil
}

func (l *Ledger) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			detail TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_events_chat_created
			ON events(chat_id, created_at);

		CREATE INDEX IF NOT EXISTS idx_events_kind
			ON events(kind);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Record appends one event. The id and timestamp are filled in when empty.
func (l *Ledger) Record(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO events (id, chat_id, session_id, kind, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.ChatID, ev.SessionID, ev.Kind, ev.Detail, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("recording event: %w", err)
	}
	return nil
}

// Recent returns the newest events for a chat, newest first.
func (l *Ledger) Recent(ctx context.Context, chatID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, chat_id, session_id, kind, detail, created_at
		 FROM events WHERE chat_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.ChatID, &ev.SessionID, &ev.Kind, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// CountSince returns per-kind event counts since a timestamp. Used by the
// status command.
func (l *Ledger) CountSince(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT kind, COUNT(*) FROM events WHERE created_at >= ? GROUP BY kind`,
		since.UTC())
	if err != nil {
		return nil, fmt.Errorf("counting events: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scanning count: %w", err)
		}
		counts[kind] = n
	}
	return counts, rows.Err()
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}
