// ABOUTME: Interactive card builders for approval prompts and streaming progress
// ABOUTME: Markdown bodies are split into card elements by walking the goldmark AST

package cards

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/2389/coven-lark/internal/approval"
)

// Header templates understood by the platform.
const (
	TemplateRunning = "blue"
	TemplateWaiting = "orange"
	TemplateDone    = "green"
	TemplateError   = "red"
)

type textObject struct {
	Tag     string `json:"tag"`
	Content string `json:"content"`
}

// Element is one card element. The platform's element vocabulary is open
// ended, so this stays a loose map marshalled as-is.
type Element map[string]any

func divElement(markdown string) Element {
	return Element{"tag": "div", "text": textObject{Tag: "lark_md", Content: markdown}}
}

func codeElement(lang, code string) Element {
	fence := "```" + lang + "\n" + strings.TrimRight(code, "\n") + "\n```"
	return Element{"tag": "markdown", "content": fence}
}

func hrElement() Element {
	return Element{"tag": "hr"}
}

// card is the envelope every builder produces.
type card struct {
	Config   map[string]any `json:"config"`
	Header   cardHeader     `json:"header"`
	Elements []Element      `json:"elements"`
}

type cardHeader struct {
	Template string     `json:"template"`
	Title    textObject `json:"title"`
}

func render(template, title string, elements []Element) json.RawMessage {
	c := card{
		Config:   map[string]any{"wide_screen_mode": true},
		Header:   cardHeader{Template: template, Title: textObject{Tag: "plain_text", Content: title}},
		Elements: elements,
	}
	data, err := json.Marshal(c)
	if err != nil {
		// The builders only feed marshalable values; this is unreachable
		// short of a programming error.
		return json.RawMessage(`{}`)
	}
	return data
}

var markdown = goldmark.New()

// Blocks splits a markdown body into card elements: fenced code becomes a
// code element, runs of prose between fences collapse into one lark_md div.
func Blocks(body string) []Element {
	src := []byte(body)
	root := markdown.Parser().Parse(text.NewReader(src))

	var elements []Element
	var prose []string
	flush := func() {
		if len(prose) > 0 {
			elements = append(elements, divElement(strings.Join(prose, "\n\n")))
			prose = nil
		}
	}

	for node := root.FirstChild(); node != nil; node = node.NextSibling() {
		if fenced, ok := node.(*ast.FencedCodeBlock); ok {
			flush()
			var buf bytes.Buffer
			lines := fenced.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				buf.Write(seg.Value(src))
			}
			elements = append(elements, codeElement(string(fenced.Language(src)), buf.String()))
			continue
		}
		if chunk := nodeSource(node, src); chunk != "" {
			prose = append(prose, chunk)
		}
	}
	flush()

	if len(elements) == 0 {
		elements = append(elements, divElement(body))
	}
	return elements
}

// nodeSource recovers the raw source of a block node, widened to the start
// of its first line so list markers and quote prefixes survive.
func nodeSource(n ast.Node, src []byte) string {
	start, stop := -1, -1
	_ = ast.Walk(n, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering || node.Type() != ast.TypeBlock {
			return ast.WalkContinue, nil
		}
		lines := node.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			if start == -1 || seg.Start < start {
				start = seg.Start
			}
			if seg.Stop > stop {
				stop = seg.Stop
			}
		}
		return ast.WalkContinue, nil
	})
	if start == -1 {
		return ""
	}
	if i := bytes.LastIndexByte(src[:start], '\n'); i >= 0 {
		start = i + 1
	} else {
		start = 0
	}
	return strings.TrimRight(string(src[start:stop]), "\n")
}

// Approval builds the consent card for one pending tool call. Button values
// carry the request id and decision so the callback handler can resolve
// without extra state.
func Approval(req *approval.Request) json.RawMessage {
	elements := []Element{
		divElement(fmt.Sprintf("The agent wants to run **%s**", req.Tool)),
	}
	if req.ArgsSummary != "" {
		elements = append(elements, codeElement("json", req.ArgsSummary))
	}
	elements = append(elements, hrElement(), Element{
		"tag": "action",
		"actions": []Element{
			approvalButton(req.ID, "Approve", approval.DecisionApproveOnce, "primary"),
			approvalButton(req.ID, "Approve for session", approval.DecisionApproveForSession, "default"),
			approvalButton(req.ID, "Reject", approval.DecisionReject, "danger"),
		},
	})
	return render(TemplateWaiting, "Tool approval needed", elements)
}

func approvalButton(requestID, label string, decision approval.Decision, style string) Element {
	return Element{
		"tag":  "button",
		"text": textObject{Tag: "plain_text", Content: label},
		"type": style,
		"value": map[string]string{
			"request_id": requestID,
			"decision":   string(decision),
		},
	}
}

// ApprovalResolved rewrites an approval card after its request resolves.
func ApprovalResolved(tool string, outcome approval.Outcome) json.RawMessage {
	template := TemplateDone
	verdict := "approved"
	if !outcome.Decision.Approved() {
		template = TemplateError
		verdict = "rejected"
	}
	suffix := ""
	if outcome.TimedOut {
		suffix = " (timed out)"
	}
	return render(template, "Tool approval",
		[]Element{divElement(fmt.Sprintf("**%s** was %s%s", tool, verdict, suffix))})
}

// ToolState is the display state of one tool row on a progress card.
type ToolState string

const (
	ToolRunning  ToolState = "running"
	ToolWaiting  ToolState = "waiting"
	ToolDone     ToolState = "done"
	ToolRejected ToolState = "rejected"
	ToolFailed   ToolState = "failed"
)

var toolStateIcons = map[ToolState]string{
	ToolRunning:  "⏳",
	ToolWaiting:  "✋",
	ToolDone:     "✅",
	ToolRejected: "🚫",
	ToolFailed:   "❌",
}

// ToolRow is one tool call shown on a progress card.
type ToolRow struct {
	Name  string
	State ToolState
}

// Progress accumulates a turn's visible state; Render produces the card for
// the current snapshot. Successive renders are edits of one message.
type Progress struct {
	Input string
	Text  string
	Tools []ToolRow
	Done  bool
	Err   string
}

// SetTool upserts a tool row by name.
func (p *Progress) SetTool(name string, state ToolState) {
	for i := range p.Tools {
		if p.Tools[i].Name == name {
			p.Tools[i].State = state
			return
		}
	}
	p.Tools = append(p.Tools, ToolRow{Name: name, State: state})
}

// Render builds the card for the current state.
func (p *Progress) Render() json.RawMessage {
	template := TemplateRunning
	title := "Working..."
	switch {
	case p.Err != "":
		template = TemplateError
		title = "Turn failed"
	case p.Done:
		template = TemplateDone
		title = "Done"
	}

	elements := []Element{divElement("**You:** " + p.Input), hrElement()}
	if len(p.Tools) > 0 {
		var rows []string
		for _, row := range p.Tools {
			rows = append(rows, fmt.Sprintf("%s `%s`", toolStateIcons[row.State], row.Name))
		}
		elements = append(elements, divElement(strings.Join(rows, "\n")), hrElement())
	}
	if p.Text != "" {
		elements = append(elements, Blocks(p.Text)...)
	}
	if p.Err != "" {
		elements = append(elements, divElement("⚠️ "+p.Err))
	}
	return render(template, title, elements)
}
