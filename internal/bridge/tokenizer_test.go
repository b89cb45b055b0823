package bridge

import (
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/phamanh/gemini-bridge/internal/translator/ir"
)

func collect(events []Event) (text string, calls []*ir.ToolCall) {
	var sb strings.Builder
	for _, ev := range events {
		if ev.Call != nil {
			calls = append(calls, ev.Call)
			continue
		}
		sb.WriteString(ev.Text)
	}
	return sb.String(), calls
}

func feedAll(t *Tokenizer, chunks ...string) (string, []*ir.ToolCall) {
	var events []Event
	for _, c := range chunks {
		events = append(events, t.Feed(c)...)
	}
	events = append(events, t.Flush()...)
	return collect(events)
}

func TestSingleChunkCall(t *testing.T) {
	tok := NewTokenizer([]string{"mcp__server__tool"})
	text, calls := feedAll(tok, `<mcp__server__tool>{"a":1}</mcp__server__tool>`)
	if text != "" {
		t.Fatalf("unexpected text %q", text)
	}
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Name != "mcp__server__tool" {
		t.Errorf("name = %q", calls[0].Name)
	}
	if gjson.Get(calls[0].Args, "a").Int() != 1 {
		t.Errorf("args = %q", calls[0].Args)
	}
}

func TestSplitAtFixedBoundaries(t *testing.T) {
	markup := `<mcp__server__tool>{"a":1}</mcp__server__tool>`
	for _, cut := range [][]int{{5}, {20}, {40}, {5, 20, 40}} {
		var chunks []string
		prev := 0
		for _, c := range cut {
			chunks = append(chunks, markup[prev:c])
			prev = c
		}
		chunks = append(chunks, markup[prev:])

		tok := NewTokenizer([]string{"mcp__server__tool"})
		text, calls := feedAll(tok, chunks...)
		if text != "" || len(calls) != 1 {
			t.Fatalf("cut %v: text=%q calls=%d", cut, text, len(calls))
		}
		if calls[0].Name != "mcp__server__tool" || gjson.Get(calls[0].Args, "a").Int() != 1 {
			t.Fatalf("cut %v: wrong parse: %s(%s)", cut, calls[0].Name, calls[0].Args)
		}
	}
}

func TestSplitAtEveryBoundary(t *testing.T) {
	markup := `before <mcp__server__tool>{"a":1}</mcp__server__tool> after`
	for cut := 1; cut < len(markup); cut++ {
		tok := NewTokenizer([]string{"mcp__server__tool"})
		text, calls := feedAll(tok, markup[:cut], markup[cut:])
		if text != "before  after" {
			t.Fatalf("cut %d: text=%q", cut, text)
		}
		if len(calls) != 1 || calls[0].Name != "mcp__server__tool" {
			t.Fatalf("cut %d: calls=%v", cut, calls)
		}
		if gjson.Get(calls[0].Args, "a").Int() != 1 {
			t.Fatalf("cut %d: args=%q", cut, calls[0].Args)
		}
	}
}

func TestNameBoundaryNoPrefixShadowing(t *testing.T) {
	tok := NewTokenizer([]string{"mcp__srv__read", "mcp__srv__read_more"})
	text, calls := feedAll(tok, `<mcp__srv__read_more>{"n":2}</mcp__srv__read_more>`)
	if text != "" || len(calls) != 1 {
		t.Fatalf("text=%q calls=%d", text, len(calls))
	}
	if calls[0].Name != "mcp__srv__read_more" {
		t.Errorf("matched wrong name %q", calls[0].Name)
	}
}

func TestUndeclaredTagIsLiteralText(t *testing.T) {
	tok := NewTokenizer([]string{"mcp__server__tool"})
	in := `use <b>bold</b> and <mcp__other>{}</mcp__other>`
	text, calls := feedAll(tok, in)
	if len(calls) != 0 {
		t.Fatalf("unexpected calls %v", calls)
	}
	if text != in {
		t.Errorf("text = %q, want %q", text, in)
	}
}

func TestUnterminatedTagFlushedAsText(t *testing.T) {
	tok := NewTokenizer([]string{"mcp__server__tool"})
	in := `<mcp__server__tool>{"a":`
	text, calls := feedAll(tok, in)
	if len(calls) != 0 {
		t.Fatalf("unexpected calls %v", calls)
	}
	if text != in {
		t.Errorf("text = %q, want %q", text, in)
	}
}

func TestSelfClosingTag(t *testing.T) {
	tok := NewTokenizer([]string{"mcp__server__ping"})
	text, calls := feedAll(tok, `<mcp__server__ping/>`)
	if text != "" || len(calls) != 1 {
		t.Fatalf("text=%q calls=%d", text, len(calls))
	}
	if calls[0].Args != "{}" {
		t.Errorf("args = %q", calls[0].Args)
	}
}

func TestNonJSONBodyTagTree(t *testing.T) {
	tok := NewTokenizer([]string{"mcp__srv__write"})
	text, calls := feedAll(tok, `<mcp__srv__write><path>/tmp/x</path><content>hi</content></mcp__srv__write>`)
	if text != "" || len(calls) != 1 {
		t.Fatalf("text=%q calls=%d", text, len(calls))
	}
	if gjson.Get(calls[0].Args, "path").String() != "/tmp/x" {
		t.Errorf("args = %q", calls[0].Args)
	}
	if gjson.Get(calls[0].Args, "content").String() != "hi" {
		t.Errorf("args = %q", calls[0].Args)
	}
}

func TestMalformedBodyRawFallback(t *testing.T) {
	tok := NewTokenizer([]string{"mcp__srv__run"})
	_, calls := feedAll(tok, `<mcp__srv__run>just some words</mcp__srv__run>`)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if gjson.Get(calls[0].Args, "raw").String() != "just some words" {
		t.Errorf("args = %q", calls[0].Args)
	}
}

func TestRelaxedJSONBodyRepaired(t *testing.T) {
	tok := NewTokenizer([]string{"mcp__srv__run"})
	_, calls := feedAll(tok, `<mcp__srv__run>{"cmd": "ls",}</mcp__srv__run>`)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if gjson.Get(calls[0].Args, "cmd").String() != "ls" {
		t.Errorf("args = %q", calls[0].Args)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	call := ir.ToolCall{ID: "toolu_x", Name: "mcp__server__tool", Args: `{"a":1}`}
	markup := EncodeCall(call)

	tok := NewTokenizer([]string{"mcp__server__tool"})
	_, calls := feedAll(tok, markup)
	if len(calls) != 1 || calls[0].Name != call.Name || calls[0].Args != call.Args {
		t.Fatalf("round trip failed: %v", calls)
	}
}

func TestSystemPromptListsTools(t *testing.T) {
	b := New([]ir.ToolDefinition{
		{Name: "mcp__srv__read", Description: "read a file", Parameters: map[string]any{"type": "object"}},
		{Name: "plain_tool"},
	})
	if !b.Active() {
		t.Fatal("bridge should be active")
	}
	prompt := b.SystemPrompt()
	if !strings.Contains(prompt, "mcp__srv__read") || !strings.Contains(prompt, "read a file") {
		t.Errorf("prompt missing tool: %s", prompt)
	}
	if strings.Contains(prompt, "plain_tool") {
		t.Error("non-bridged tool leaked into prompt")
	}
	if !strings.Contains(prompt, ResultTag) {
		t.Error("prompt missing result tag contract")
	}
}

func TestNewInactiveWithoutBridgedTools(t *testing.T) {
	if b := New([]ir.ToolDefinition{{Name: "plain"}}); b.Active() {
		t.Fatal("bridge should be inactive")
	}
}
