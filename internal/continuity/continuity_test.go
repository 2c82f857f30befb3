// ABOUTME: Tests for the continuity record index
// ABOUTME: Builds record trees in a temp dir and exercises listing and resolution

package continuity

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRecord(t *testing.T, root string, rec Record) {
	t.Helper()
	dir := filepath.Join(root, "sessions", rec.SessionID)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "record.json"), data, 0o644))
}

func TestListEmptyRoot(t *testing.T) {
	ix := NewIndex(t.TempDir())
	records, err := ix.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestListSortsNewestFirst(t *testing.T) {
	root := t.TempDir()
	now := time.Now()
	writeRecord(t, root, Record{SessionID: "old", WorkDir: "/w", LastUsedAt: now.Add(-time.Hour)})
	writeRecord(t, root, Record{SessionID: "new", WorkDir: "/w", LastUsedAt: now})
	writeRecord(t, root, Record{SessionID: "mid", WorkDir: "/w", LastUsedAt: now.Add(-30 * time.Minute)})

	records, err := NewIndex(root).List(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "new", records[0].SessionID)
	assert.Equal(t, "mid", records[1].SessionID)
	assert.Equal(t, "old", records[2].SessionID)
}

func TestListFiltersByWorkDir(t *testing.T) {
	root := t.TempDir()
	writeRecord(t, root, Record{SessionID: "a", WorkDir: "/projects/api"})
	writeRecord(t, root, Record{SessionID: "b", WorkDir: "/projects/web"})

	records, err := NewIndex(root).List(context.Background(), "/projects/api")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "a", records[0].SessionID)
}

func TestListSkipsMalformedRecords(t *testing.T) {
	root := t.TempDir()
	writeRecord(t, root, Record{SessionID: "good", WorkDir: "/w"})
	badDir := filepath.Join(root, "sessions", "bad")
	require.NoError(t, os.MkdirAll(badDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(badDir, "record.json"), []byte("{nope"), 0o644))

	records, err := NewIndex(root).List(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "good", records[0].SessionID)
}

func TestResolve(t *testing.T) {
	root := t.TempDir()
	writeRecord(t, root, Record{SessionID: "abc123", WorkDir: "/projects/api", Title: "api work"})

	rec, err := NewIndex(root).Resolve("abc123")
	require.NoError(t, err)
	assert.Equal(t, "/projects/api", rec.WorkDir)
	assert.Equal(t, "api work", rec.Title)
}

func TestResolveNotFound(t *testing.T) {
	_, err := NewIndex(t.TempDir()).Resolve("missing")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestResolveFillsSessionID(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "sessions", "implicit")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "record.json"),
		[]byte(`{"work_dir":"/w"}`), 0o644))

	rec, err := NewIndex(root).Resolve("implicit")
	require.NoError(t, err)
	assert.Equal(t, "implicit", rec.SessionID)
}
