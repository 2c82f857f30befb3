// ABOUTME: Tests for the session registry and per-session serialization
// ABOUTME: Covers creation defaults, ordering, turn lifecycle, and reset semantics

package session

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T, defaultYolo bool) *Registry {
	t.Helper()
	r := NewRegistry(slog.New(slog.DiscardHandler), defaultYolo, "/work")
	t.Cleanup(r.Close)
	return r
}

func TestGetOrCreateDefaults(t *testing.T) {
	r := testRegistry(t, false)

	s := r.GetOrCreate("oc_1")
	assert.NotEmpty(t, s.ID())
	assert.Equal(t, "/work", s.WorkDir())
	assert.False(t, s.Yolo())
	assert.False(t, s.TurnActive())
	assert.Empty(t, s.ApprovedTools())
}

func TestGetOrCreateIsStable(t *testing.T) {
	r := testRegistry(t, false)
	a := r.GetOrCreate("oc_1")
	b := r.GetOrCreate("oc_1")
	assert.Same(t, a, b)
	assert.Equal(t, 1, r.Count())
}

func TestDefaultYoloFromConfig(t *testing.T) {
	r := testRegistry(t, true)
	assert.True(t, r.GetOrCreate("oc_1").Yolo())
}

func TestDispatchSerializesInOrder(t *testing.T) {
	r := testRegistry(t, false)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(50)
	for i := 0; i < 50; i++ {
		n := i
		r.Dispatch("oc_1", func(*Session) {
			defer wg.Done()
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
		})
	}
	wg.Wait()

	for i, n := range order {
		assert.Equal(t, i, n, "tasks must run in dispatch order")
	}
}

func TestDispatchDifferentChatsIndependent(t *testing.T) {
	r := testRegistry(t, false)

	release := make(chan struct{})
	started := make(chan struct{})
	r.Dispatch("oc_slow", func(*Session) {
		close(started)
		<-release
	})
	<-started

	done := make(chan struct{})
	r.Dispatch("oc_fast", func(*Session) { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("a blocked chat must not stall other chats")
	}
	close(release)
}

func TestBeginTurnConflict(t *testing.T) {
	r := testRegistry(t, false)
	s := r.GetOrCreate("oc_1")

	ctx, err := s.BeginTurn(context.Background())
	require.NoError(t, err)
	require.NotNil(t, ctx)
	assert.True(t, s.TurnActive())

	_, err = s.BeginTurn(context.Background())
	assert.ErrorIs(t, err, ErrTurnInFlight)

	s.EndTurn()
	assert.False(t, s.TurnActive())
	_, err = s.BeginTurn(context.Background())
	assert.NoError(t, err)
}

func TestInterruptCancelsTurnContext(t *testing.T) {
	r := testRegistry(t, false)
	s := r.GetOrCreate("oc_1")

	ctx, err := s.BeginTurn(context.Background())
	require.NoError(t, err)

	assert.True(t, s.Interrupt())
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("interrupt must cancel the turn context")
	}

	// Interrupt with nothing in flight reports false.
	s.EndTurn()
	assert.False(t, s.Interrupt())
}

func TestResetRotatesIDKeepsWorkDir(t *testing.T) {
	r := testRegistry(t, false)
	s := r.GetOrCreate("oc_1")
	s.Attach("sess-linked", "/projects/api")
	s.ApproveForSession("files__write")

	before := s.ID()
	assert.Equal(t, "sess-linked", before)

	s.Reset()
	assert.NotEqual(t, before, s.ID())
	assert.Equal(t, "/projects/api", s.WorkDir(), "reset keeps the work dir")
	assert.Equal(t, "sess-linked", s.Linked(), "reset keeps the linkage")
	assert.False(t, s.IsApproved("files__write"), "reset drops session approvals")
}

func TestToggleYolo(t *testing.T) {
	r := testRegistry(t, false)
	s := r.GetOrCreate("oc_1")
	assert.True(t, s.ToggleYolo())
	assert.False(t, s.ToggleYolo())
}

func TestApproveForSession(t *testing.T) {
	r := testRegistry(t, false)
	s := r.GetOrCreate("oc_1")
	assert.False(t, s.IsApproved("files__write"))
	s.ApproveForSession("files__write")
	assert.True(t, s.IsApproved("files__write"))
}

func TestCloseDrainsQueues(t *testing.T) {
	r := NewRegistry(slog.New(slog.DiscardHandler), false, "/work")

	var ran bool
	var wg sync.WaitGroup
	wg.Add(1)
	r.Dispatch("oc_1", func(*Session) {
		defer wg.Done()
		ran = true
	})
	wg.Wait()
	r.Close()
	r.Close() // idempotent
	assert.True(t, ran)
}
