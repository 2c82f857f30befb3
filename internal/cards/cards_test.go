// ABOUTME: Tests for card builders and markdown block splitting
// ABOUTME: Asserts on the decoded card JSON rather than raw bytes

package cards

import (
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-lark/internal/approval"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func decode(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func elements(t *testing.T, raw json.RawMessage) []any {
	t.Helper()
	m := decode(t, raw)
	els, ok := m["elements"].([]any)
	require.True(t, ok)
	return els
}

func TestBlocksPlainProse(t *testing.T) {
	els := Blocks("just a sentence")
	require.Len(t, els, 1)
	assert.Equal(t, "div", els[0]["tag"])
}

func TestBlocksSplitsFencedCode(t *testing.T) {
	body := "Before the code.\n\n```go\nfunc main() {}\n```\n\nAfter the code."
	els := Blocks(body)
	require.Len(t, els, 3)

	assert.Equal(t, "div", els[0]["tag"])
	assert.Equal(t, "markdown", els[1]["tag"])
	assert.Contains(t, els[1]["content"], "```go")
	assert.Contains(t, els[1]["content"], "func main() {}")
	assert.Equal(t, "div", els[2]["tag"])
}

func TestBlocksMergesConsecutiveProse(t *testing.T) {
	body := "First paragraph.\n\nSecond paragraph.\n\n- a list\n- of things"
	els := Blocks(body)
	require.Len(t, els, 1)

	content := els[0]["text"].(textObject).Content
	assert.Contains(t, content, "First paragraph.")
	assert.Contains(t, content, "- a list")
}

func TestBlocksCodeOnly(t *testing.T) {
	els := Blocks("```\nraw output\n```")
	require.Len(t, els, 1)
	assert.Equal(t, "markdown", els[0]["tag"])
}

func TestBlocksEmptyBody(t *testing.T) {
	els := Blocks("")
	require.Len(t, els, 1)
}

func TestApprovalCard(t *testing.T) {
	c := approval.NewCoordinator(discardLogger(), 0, approval.DecisionApproveOnce)
	req, _ := c.Request("chat-1", "files__write", `{"path":"/etc/hosts"}`, false)

	raw := Approval(req)
	m := decode(t, raw)
	header := m["header"].(map[string]any)
	assert.Equal(t, TemplateWaiting, header["template"])

	els := elements(t, raw)
	var action map[string]any
	for _, el := range els {
		e := el.(map[string]any)
		if e["tag"] == "action" {
			action = e
		}
	}
	require.NotNil(t, action, "approval card needs an action row")

	buttons := action["actions"].([]any)
	require.Len(t, buttons, 3)
	first := buttons[0].(map[string]any)
	value := first["value"].(map[string]any)
	assert.Equal(t, req.ID, value["request_id"])
	assert.Equal(t, string(approval.DecisionApproveOnce), value["decision"])
}

func TestApprovalResolvedCard(t *testing.T) {
	raw := ApprovalResolved("files__write", approval.Outcome{
		Decision: approval.DecisionApproveOnce, TimedOut: true,
	})
	m := decode(t, raw)
	header := m["header"].(map[string]any)
	assert.Equal(t, TemplateDone, header["template"])
	assert.Contains(t, string(raw), "timed out")

	raw = ApprovalResolved("files__write", approval.Outcome{Decision: approval.DecisionReject})
	m = decode(t, raw)
	header = m["header"].(map[string]any)
	assert.Equal(t, TemplateError, header["template"])
}

func TestProgressLifecycle(t *testing.T) {
	p := &Progress{Input: "list the files"}

	raw := p.Render()
	header := decode(t, raw)["header"].(map[string]any)
	assert.Equal(t, TemplateRunning, header["template"])

	p.SetTool("files__list", ToolRunning)
	p.SetTool("files__list", ToolDone)
	p.Text = "Here are the files."
	p.Done = true

	raw = p.Render()
	header = decode(t, raw)["header"].(map[string]any)
	assert.Equal(t, TemplateDone, header["template"])
	assert.Contains(t, string(raw), "files__list")
	assert.Contains(t, string(raw), "Here are the files.")

	// Upsert must not duplicate rows.
	require.Len(t, p.Tools, 1)
	assert.Equal(t, ToolDone, p.Tools[0].State)
}

func TestProgressError(t *testing.T) {
	p := &Progress{Input: "do a thing", Err: "agent stream interrupted"}
	raw := p.Render()
	header := decode(t, raw)["header"].(map[string]any)
	assert.Equal(t, TemplateError, header["template"])
	assert.Contains(t, string(raw), "agent stream interrupted")
}
