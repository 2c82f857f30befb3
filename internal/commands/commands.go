// ABOUTME: Classifies inbound message bodies into control commands or free text
// ABOUTME: Pure parsing only, side effects live in the bridge's handlers

package commands

import "strings"

// Kind is the closed set of things an inbound body can mean.
type Kind int

const (
	// KindFreeText is a message forwarded to the agent as a turn.
	KindFreeText Kind = iota
	// KindHelp lists the available commands.
	KindHelp
	// KindClear resets conversation context, keeping the work dir.
	KindClear
	// KindStop interrupts the in-flight turn.
	KindStop
	// KindYolo toggles auto-approval of tool calls.
	KindYolo
	// KindTools lists the current tool catalog.
	KindTools
	// KindReload reloads tool providers.
	KindReload
	// KindSessions lists continuity records.
	KindSessions
	// KindContinue attaches the chat to a continuity record.
	KindContinue
	// KindID shows the chat's current session id.
	KindID
	// KindStatus shows bridge and credential health.
	KindStatus
)

// Command is the result of classifying one message body.
type Command struct {
	Kind Kind
	// Arg is the single argument for commands that take one (/continue <id>).
	Arg string
	// Body is the original text, kept for free-text passthrough.
	Body string
}

var byName = map[string]Kind{
	"help":     KindHelp,
	"clear":    KindClear,
	"reset":    KindClear,
	"stop":     KindStop,
	"yolo":     KindYolo,
	"tools":    KindTools,
	"reload":   KindReload,
	"sessions": KindSessions,
	"continue": KindContinue,
	"id":       KindID,
	"link":     KindID,
	"status":   KindStatus,
}

// Parse classifies body. Slash tokens we do not recognize pass through as
// free text so commands the agent itself understands keep working.
func Parse(body string) Command {
	trimmed := strings.TrimSpace(body)
	if !strings.HasPrefix(trimmed, "/") {
		return Command{Kind: KindFreeText, Body: body}
	}

	name, rest, _ := strings.Cut(trimmed[1:], " ")
	kind, ok := byName[strings.ToLower(name)]
	if !ok {
		return Command{Kind: KindFreeText, Body: body}
	}
	return Command{Kind: kind, Arg: strings.TrimSpace(rest), Body: body}
}

// Help is the text sent in response to /help.
const Help = `Commands:
/help - show this message
/clear - reset conversation context (work dir kept)
/stop - interrupt the current turn
/yolo - toggle auto-approval of tool calls
/tools - list available tools
/reload - reload tool providers
/sessions - list resumable sessions
/continue <id> - attach this chat to a session
/id - show this chat's session id
/status - show bridge health

Anything else is sent to the agent as-is.`
