// ABOUTME: Inbound event envelope parsing and the normalized Event type
// ABOUTME: Raw platform payloads are flattened into what the bridge dispatches on

package lark

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EventKind classifies normalized inbound events.
type EventKind string

const (
	KindText       EventKind = "text"
	KindAudio      EventKind = "audio"
	KindFile       EventKind = "file"
	KindImage      EventKind = "image"
	KindCardAction EventKind = "card_action"
)

// Event is one inbound platform event, flattened for dispatch.
type Event struct {
	ID        string
	Kind      EventKind
	ChatID    string
	SenderID  string
	MessageID string

	// Text is the message body for KindText.
	Text string

	// FileKey and FileName identify an attachment for audio/file/image.
	FileKey  string
	FileName string

	// ActionValue carries a card button's value map for KindCardAction.
	ActionValue map[string]string
}

type envelope struct {
	Schema string `json:"schema"`
	Header struct {
		EventID   string `json:"event_id"`
		EventType string `json:"event_type"`
	} `json:"header"`
	Event json.RawMessage `json:"event"`
}

type messageEvent struct {
	Sender struct {
		SenderID struct {
			OpenID string `json:"open_id"`
		} `json:"sender_id"`
	} `json:"sender"`
	Message struct {
		MessageID   string `json:"message_id"`
		ChatID      string `json:"chat_id"`
		MessageType string `json:"message_type"`
		Content     string `json:"content"`
	} `json:"message"`
}

type cardActionEvent struct {
	Operator struct {
		OpenID string `json:"open_id"`
	} `json:"operator"`
	Context struct {
		OpenChatID    string `json:"open_chat_id"`
		OpenMessageID string `json:"open_message_id"`
	} `json:"context"`
	Action struct {
		Value map[string]string `json:"value"`
	} `json:"action"`
}

// ParseEvent normalizes a raw event envelope. Unhandled event types return
// (nil, nil) so callers can skip them without logging an error.
func ParseEvent(raw []byte) (*Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}

	switch env.Header.EventType {
	case "im.message.receive_v1":
		return parseMessage(env)
	case "card.action.trigger":
		return parseCardAction(env)
	default:
		return nil, nil
	}
}

func parseMessage(env envelope) (*Event, error) {
	var me messageEvent
	if err := json.Unmarshal(env.Event, &me); err != nil {
		return nil, fmt.Errorf("parse message event: %w", err)
	}

	ev := &Event{
		ID:        env.Header.EventID,
		ChatID:    me.Message.ChatID,
		SenderID:  me.Sender.SenderID.OpenID,
		MessageID: me.Message.MessageID,
	}

	switch me.Message.MessageType {
	case "text":
		ev.Kind = KindText
		var content struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(me.Message.Content), &content); err != nil {
			return nil, fmt.Errorf("parse text content: %w", err)
		}
		ev.Text = stripMentions(content.Text)
	case "audio":
		ev.Kind = KindAudio
		var content struct {
			FileKey string `json:"file_key"`
		}
		if err := json.Unmarshal([]byte(me.Message.Content), &content); err != nil {
			return nil, fmt.Errorf("parse audio content: %w", err)
		}
		ev.FileKey = content.FileKey
	case "file":
		ev.Kind = KindFile
		var content struct {
			FileKey  string `json:"file_key"`
			FileName string `json:"file_name"`
		}
		if err := json.Unmarshal([]byte(me.Message.Content), &content); err != nil {
			return nil, fmt.Errorf("parse file content: %w", err)
		}
		ev.FileKey = content.FileKey
		ev.FileName = content.FileName
	case "image":
		ev.Kind = KindImage
		var content struct {
			ImageKey string `json:"image_key"`
		}
		if err := json.Unmarshal([]byte(me.Message.Content), &content); err != nil {
			return nil, fmt.Errorf("parse image content: %w", err)
		}
		ev.FileKey = content.ImageKey
	default:
		return nil, nil
	}
	return ev, nil
}

func parseCardAction(env envelope) (*Event, error) {
	var ca cardActionEvent
	if err := json.Unmarshal(env.Event, &ca); err != nil {
		return nil, fmt.Errorf("parse card action: %w", err)
	}
	return &Event{
		ID:          env.Header.EventID,
		Kind:        KindCardAction,
		ChatID:      ca.Context.OpenChatID,
		SenderID:    ca.Operator.OpenID,
		MessageID:   ca.Context.OpenMessageID,
		ActionValue: ca.Action.Value,
	}, nil
}

// stripMentions removes @_user_N placeholders the platform injects when the
// bot is mentioned in a group chat.
func stripMentions(text string) string {
	for {
		start := strings.Index(text, "@_user_")
		if start == -1 {
			break
		}
		end := start + len("@_user_")
		for end < len(text) && text[end] >= '0' && text[end] <= '9' {
			end++
		}
		text = text[:start] + text[end:]
	}
	return strings.TrimSpace(text)
}
