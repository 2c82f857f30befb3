// ABOUTME: Tests for the event connection supervisor
// ABOUTME: Runs a real websocket server behind the endpoint discovery API

package lark

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-lark/internal/backoff"
	"github.com/2389/coven-lark/internal/creds"
)

var upgrader = websocket.Upgrader{}

// wsHarness serves /callback/ws/endpoint plus a websocket that pushes the
// given frames and then closes.
func wsHarness(t *testing.T, frames []string, dials *atomic.Int32) *Client {
	t.Helper()

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/callback/ws/endpoint", func(w http.ResponseWriter, r *http.Request) {
		wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
		fmt.Fprintf(w, `{"code":0,"msg":"ok","data":{"url":%q}}`, wsURL)
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if dials != nil {
			dials.Add(1)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for _, frame := range frames {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
		}
		time.Sleep(50 * time.Millisecond)
	})

	cm := creds.NewManager(slog.New(slog.DiscardHandler))
	cm.Register(creds.KindTenant, &fixedRefresher{}, 5*time.Minute)
	return NewClient(srv.URL, cm, slog.New(slog.DiscardHandler))
}

func textFrame(eventID, chatID, text string) string {
	return fmt.Sprintf(`{
		"header": {"event_id": %q, "event_type": "im.message.receive_v1"},
		"event": {
			"sender": {"sender_id": {"open_id": "ou_x"}},
			"message": {"message_id": "om_x", "chat_id": %q, "message_type": "text",
				"content": "{\"text\": %q}"}
		}
	}`, eventID, chatID, text)
}

func TestEventConnDeliversEvents(t *testing.T) {
	client := wsHarness(t, []string{
		textFrame("evt-1", "oc_1", "first"),
		textFrame("evt-2", "oc_1", "second"),
	}, nil)

	got := make(chan Event, 10)
	ec := NewEventConn(client, func(ev Event) { got <- ev }, slog.New(slog.DiscardHandler),
		WithConnBackoff(backoff.Policy{Initial: 10 * time.Millisecond, Max: 20 * time.Millisecond, Factor: 2}),
		WithMaxFailures(3))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go ec.Run(ctx)

	ev1 := <-got
	ev2 := <-got
	assert.Equal(t, "first", ev1.Text)
	assert.Equal(t, "second", ev2.Text)
}

func TestEventConnReconnects(t *testing.T) {
	var dials atomic.Int32
	client := wsHarness(t, []string{textFrame("evt-1", "oc_1", "hi")}, &dials)

	got := make(chan Event, 10)
	ec := NewEventConn(client, func(ev Event) { got <- ev }, slog.New(slog.DiscardHandler),
		WithConnBackoff(backoff.Policy{Initial: 10 * time.Millisecond, Max: 20 * time.Millisecond, Factor: 1}),
		WithMaxFailures(100))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go ec.Run(ctx)

	// The server closes after each delivery; the supervisor should dial
	// again and deliver again.
	<-got
	<-got
	assert.GreaterOrEqual(t, dials.Load(), int32(2))
}

func TestEventConnCeilingFatal(t *testing.T) {
	// Endpoint discovery succeeds but the ws URL refuses connections.
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("/callback/ws/endpoint", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":0,"msg":"ok","data":{"url":"ws://127.0.0.1:1/ws"}}`)
	})

	cm := creds.NewManager(slog.New(slog.DiscardHandler))
	cm.Register(creds.KindTenant, &fixedRefresher{}, 5*time.Minute)
	client := NewClient(srv.URL, cm, slog.New(slog.DiscardHandler))

	ec := NewEventConn(client, func(Event) {}, slog.New(slog.DiscardHandler),
		WithConnBackoff(backoff.Policy{Initial: time.Millisecond, Max: 2 * time.Millisecond, Factor: 1}),
		WithMaxFailures(3))

	err := ec.Run(context.Background())
	assert.ErrorIs(t, err, ErrBackoffCeiling)
	assert.Equal(t, StateDisconnected, ec.State())
}

type failingRefresher struct {
	calls atomic.Int32
}

func (f *failingRefresher) Refresh(context.Context) (*creds.Credential, error) {
	f.calls.Add(1)
	return nil, fmt.Errorf("auth endpoint down")
}

func TestEventConnDegradedBacksOff(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	refresher := &failingRefresher{}
	cm := creds.NewManager(slog.New(slog.DiscardHandler),
		creds.WithBackoff(backoff.Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1}))
	cm.Register(creds.KindTenant, refresher, 5*time.Minute)
	client := NewClient(srv.URL, cm, slog.New(slog.DiscardHandler))

	ec := NewEventConn(client, func(Event) {}, slog.New(slog.DiscardHandler),
		WithConnBackoff(backoff.Policy{Initial: 20 * time.Millisecond, Max: time.Hour, Factor: 8}),
		WithMaxFailures(3))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- ec.Run(ctx) }()

	assert.Eventually(t, func() bool { return ec.State() == StateDegraded },
		200*time.Millisecond, 5*time.Millisecond)

	err := <-done
	// Credential failures park the supervisor in degraded with a growing
	// delay instead of redialing flat-out, and never trip the ceiling.
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrBackoffCeiling)
	assert.LessOrEqual(t, refresher.calls.Load(), int32(6))
}

func TestEventConnStopsOnCancel(t *testing.T) {
	client := wsHarness(t, nil, nil)
	ec := NewEventConn(client, func(Event) {}, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ec.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
	assert.Equal(t, StateDisconnected, ec.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "degraded", StateDegraded.String())
}
