// ABOUTME: Tests for the REST client and event parsing
// ABOUTME: Includes the token-expired retry-once path against httptest servers

package lark

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-lark/internal/creds"
)

type fixedRefresher struct {
	calls atomic.Int32
}

func (f *fixedRefresher) Refresh(ctx context.Context) (*creds.Credential, error) {
	n := f.calls.Add(1)
	now := time.Now()
	return &creds.Credential{
		Token:     fmt.Sprintf("tenant-%d", n),
		Obtained:  now,
		ExpiresAt: now.Add(2 * time.Hour),
	}, nil
}

func testClientServer(t *testing.T, handler http.HandlerFunc) (*Client, *fixedRefresher, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	r := &fixedRefresher{}
	cm := creds.NewManager(slog.New(slog.DiscardHandler))
	cm.Register(creds.KindTenant, r, 5*time.Minute)
	return NewClient(srv.URL, cm, slog.New(slog.DiscardHandler)), r, srv
}

func ok(w http.ResponseWriter, data string) {
	fmt.Fprintf(w, `{"code":0,"msg":"success","data":%s}`, data)
}

func TestSendText(t *testing.T) {
	c, _, _ := testClientServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/open-apis/im/v1/messages", r.URL.Path)
		assert.Equal(t, "chat_id", r.URL.Query().Get("receive_id_type"))
		assert.Contains(t, r.Header.Get("Authorization"), "Bearer tenant-")

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "oc_123", body["receive_id"])
		assert.Equal(t, "text", body["msg_type"])
		assert.JSONEq(t, `{"text":"hello"}`, body["content"])
		ok(w, `{"message_id":"om_1"}`)
	})

	id, err := c.SendText(context.Background(), "oc_123", "hello")
	require.NoError(t, err)
	assert.Equal(t, "om_1", id)
}

func TestTokenExpiredRetriesOnce(t *testing.T) {
	var n atomic.Int32
	c, refresher, _ := testClientServer(t, func(w http.ResponseWriter, r *http.Request) {
		if n.Add(1) == 1 {
			fmt.Fprintf(w, `{"code":%d,"msg":"token expired"}`, codeTokenExpired)
			return
		}
		ok(w, `{"message_id":"om_2"}`)
	})

	id, err := c.SendText(context.Background(), "oc_123", "hi")
	require.NoError(t, err)
	assert.Equal(t, "om_2", id)
	assert.Equal(t, int32(2), n.Load())
	assert.Equal(t, int32(2), refresher.calls.Load(), "expiry must refresh the token")
}

func TestPersistentTokenExpiryFails(t *testing.T) {
	c, _, _ := testClientServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"code":%d,"msg":"token expired"}`, codeTokenExpired)
	})

	_, err := c.SendText(context.Background(), "oc_123", "hi")
	assert.ErrorIs(t, err, ErrSendFailed)
}

func TestUpdateCard(t *testing.T) {
	c, _, _ := testClientServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/open-apis/im/v1/messages/om_9", r.URL.Path)
		ok(w, `{}`)
	})

	err := c.UpdateCard(context.Background(), "om_9", json.RawMessage(`{"elements":[]}`))
	require.NoError(t, err)
}

func TestAddReaction(t *testing.T) {
	c, _, _ := testClientServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/open-apis/im/v1/messages/om_5/reactions", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		rt := body["reaction_type"].(map[string]any)
		assert.Equal(t, "THUMBSUP", rt["emoji_type"])
		ok(w, `{}`)
	})

	require.NoError(t, c.AddReaction(context.Background(), "om_5", "THUMBSUP"))
}

func TestDownloadResource(t *testing.T) {
	c, _, _ := testClientServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/open-apis/im/v1/messages/om_7/resources/key_1", r.URL.Path)
		assert.Equal(t, "file", r.URL.Query().Get("type"))
		w.Write([]byte("payload-bytes"))
	})

	data, err := c.DownloadResource(context.Background(), "om_7", "key_1", "file")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload-bytes"), data)
}

func TestUploadFileAndSend(t *testing.T) {
	c, _, _ := testClientServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/open-apis/im/v1/files":
			require.NoError(t, r.ParseMultipartForm(1<<20))
			assert.Equal(t, "stream", r.FormValue("file_type"))
			assert.Equal(t, "report.pdf", r.FormValue("file_name"))
			file, _, err := r.FormFile("file")
			require.NoError(t, err)
			defer file.Close()
			ok(w, `{"file_key":"fk_42"}`)
		case "/open-apis/im/v1/messages":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "file", body["msg_type"])
			assert.JSONEq(t, `{"file_key":"fk_42"}`, body["content"])
			ok(w, `{"message_id":"om_10"}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	key, err := c.UploadFile(context.Background(), "report.pdf", []byte("pdf-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "fk_42", key)

	id, err := c.SendFile(context.Background(), "oc_1", key)
	require.NoError(t, err)
	assert.Equal(t, "om_10", id)
}

func TestUploadImage(t *testing.T) {
	c, _, _ := testClientServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/open-apis/im/v1/images", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "message", r.FormValue("image_type"))
		ok(w, `{"image_key":"ik_7"}`)
	})

	key, err := c.UploadImage(context.Background(), []byte{0x89, 'P', 'N', 'G'})
	require.NoError(t, err)
	assert.Equal(t, "ik_7", key)
}

func TestParseTextEvent(t *testing.T) {
	raw := []byte(`{
		"schema": "2.0",
		"header": {"event_id": "evt-1", "event_type": "im.message.receive_v1"},
		"event": {
			"sender": {"sender_id": {"open_id": "ou_alice"}},
			"message": {
				"message_id": "om_1",
				"chat_id": "oc_1",
				"message_type": "text",
				"content": "{\"text\":\"@_user_1 run the tests\"}"
			}
		}
	}`)

	ev, err := ParseEvent(raw)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, KindText, ev.Kind)
	assert.Equal(t, "evt-1", ev.ID)
	assert.Equal(t, "oc_1", ev.ChatID)
	assert.Equal(t, "ou_alice", ev.SenderID)
	assert.Equal(t, "run the tests", ev.Text, "mention placeholder stripped")
}

func TestParseFileEvent(t *testing.T) {
	raw := []byte(`{
		"header": {"event_id": "evt-2", "event_type": "im.message.receive_v1"},
		"event": {
			"sender": {"sender_id": {"open_id": "ou_bob"}},
			"message": {
				"message_id": "om_2",
				"chat_id": "oc_1",
				"message_type": "file",
				"content": "{\"file_key\":\"fk_1\",\"file_name\":\"report.pdf\"}"
			}
		}
	}`)

	ev, err := ParseEvent(raw)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, KindFile, ev.Kind)
	assert.Equal(t, "fk_1", ev.FileKey)
	assert.Equal(t, "report.pdf", ev.FileName)
}

func TestParseCardAction(t *testing.T) {
	raw := []byte(`{
		"header": {"event_id": "evt-3", "event_type": "card.action.trigger"},
		"event": {
			"operator": {"open_id": "ou_alice"},
			"context": {"open_chat_id": "oc_1", "open_message_id": "om_3"},
			"action": {"value": {"request_id": "req-1", "decision": "approve_once"}}
		}
	}`)

	ev, err := ParseEvent(raw)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, KindCardAction, ev.Kind)
	assert.Equal(t, "req-1", ev.ActionValue["request_id"])
	assert.Equal(t, "approve_once", ev.ActionValue["decision"])
}

func TestParseIgnoresUnknownEventTypes(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"header":{"event_id":"x","event_type":"im.chat.updated_v1"},"event":{}}`))
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestStripMentions(t *testing.T) {
	assert.Equal(t, "hello", stripMentions("@_user_1 hello"))
	assert.Equal(t, "a b", stripMentions("a @_user_12 b"))
	assert.Equal(t, "plain", stripMentions("plain"))
}
