// ABOUTME: Read-only index over session records persisted by the CLI client
// ABOUTME: Lets a chat attach to sessions created on another device

package continuity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// ErrRecordNotFound is returned when no record exists for a session id.
var ErrRecordNotFound = errors.New("continuity record not found")

// Record describes one resumable session. The file format is owned by the
// CLI client; this package only reads it.
type Record struct {
	SessionID  string    `json:"session_id"`
	WorkDir    string    `json:"work_dir"`
	Title      string    `json:"title,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// Index lists and resolves continuity records under a metadata root.
// Records live at <root>/sessions/<id>/record.json.
type Index struct {
	root string
}

// NewIndex creates an index rooted at the given metadata directory.
func NewIndex(root string) *Index {
	return &Index{root: root}
}

// List returns all readable records, newest first. workDirFilter, when
// non-empty, keeps only records for that working directory. Unreadable or
// malformed records are skipped rather than failing the listing.
func (ix *Index) List(ctx context.Context, workDirFilter string) ([]Record, error) {
	sessionsDir := filepath.Join(ix.root, "sessions")
	entries, err := os.ReadDir(sessionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}

	var records []Record
	for _, e := range entries {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !e.IsDir() {
			continue
		}
		rec, err := ix.read(e.Name())
		if err != nil {
			continue
		}
		if workDirFilter != "" && rec.WorkDir != workDirFilter {
			continue
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].LastUsedAt.After(records[j].LastUsedAt)
	})
	return records, nil
}

// Resolve returns the record for a session id.
func (ix *Index) Resolve(sessionID string) (Record, error) {
	rec, err := ix.read(sessionID)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %s", ErrRecordNotFound, sessionID)
	}
	return rec, nil
}

func (ix *Index) read(sessionID string) (Record, error) {
	path := filepath.Join(ix.root, "sessions", sessionID, "record.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if rec.SessionID == "" {
		rec.SessionID = sessionID
	}
	return rec, nil
}
