// ABOUTME: Tests for inbound message classification
// ABOUTME: Covers every command token, arguments, and passthrough cases

package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseFreeText(t *testing.T) {
	cmd := Parse("deploy the staging branch")
	assert.Equal(t, KindFreeText, cmd.Kind)
	assert.Equal(t, "deploy the staging branch", cmd.Body)
}

func TestParseKnownCommands(t *testing.T) {
	cases := map[string]Kind{
		"/help":     KindHelp,
		"/clear":    KindClear,
		"/reset":    KindClear,
		"/stop":     KindStop,
		"/yolo":     KindYolo,
		"/tools":    KindTools,
		"/reload":   KindReload,
		"/sessions": KindSessions,
		"/id":       KindID,
		"/link":     KindID,
		"/status":   KindStatus,
	}
	for body, want := range cases {
		cmd := Parse(body)
		assert.Equal(t, want, cmd.Kind, "body %q", body)
	}
}

func TestParseContinueWithArg(t *testing.T) {
	cmd := Parse("/continue 7f3a2b")
	assert.Equal(t, KindContinue, cmd.Kind)
	assert.Equal(t, "7f3a2b", cmd.Arg)
}

func TestParseContinueWithoutArg(t *testing.T) {
	cmd := Parse("/continue")
	assert.Equal(t, KindContinue, cmd.Kind)
	assert.Empty(t, cmd.Arg)
}

func TestParseCaseInsensitive(t *testing.T) {
	assert.Equal(t, KindHelp, Parse("/HELP").Kind)
	assert.Equal(t, KindYolo, Parse("/Yolo").Kind)
}

func TestParseLeadingWhitespace(t *testing.T) {
	assert.Equal(t, KindStop, Parse("  /stop  ").Kind)
}

func TestParseUnknownSlashPassesThrough(t *testing.T) {
	cmd := Parse("/compact keep the last summary")
	assert.Equal(t, KindFreeText, cmd.Kind)
	assert.Equal(t, "/compact keep the last summary", cmd.Body)
}

func TestParseBareSlash(t *testing.T) {
	assert.Equal(t, KindFreeText, Parse("/").Kind)
}

func TestParseSlashMidSentence(t *testing.T) {
	cmd := Parse("the path is /tmp/scratch")
	assert.Equal(t, KindFreeText, cmd.Kind)
}
