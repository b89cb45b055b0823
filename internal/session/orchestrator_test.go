package session

import (
	"strings"
	"testing"

	"github.com/phamanh/gemini-bridge/internal/translator/ir"
)

func userText(text string) ir.Message {
	return ir.Message{Role: ir.RoleUser, Content: []ir.ContentPart{{Type: ir.ContentTypeText, Text: text}}}
}

func assistantText(text string) ir.Message {
	return ir.Message{Role: ir.RoleAssistant, Content: []ir.ContentPart{{Type: ir.ContentTypeText, Text: text}}}
}

func assistantCall(id, name string) ir.Message {
	return ir.Message{Role: ir.RoleAssistant, Content: []ir.ContentPart{
		{Type: ir.ContentTypeToolUse, ToolUse: &ir.ToolCall{ID: id, Name: name, Args: "{}"}},
	}}
}

func userResult(id string) ir.Message {
	return ir.Message{Role: ir.RoleUser, Content: []ir.ContentPart{
		{Type: ir.ContentTypeToolResult, ToolResult: &ir.ToolResultPart{ToolCallID: id, Result: "ok"}},
	}}
}

func bridgedRequest(stream bool) *ir.Request {
	return &ir.Request{
		Model:     "gemini-2.5-pro",
		Stream:    stream,
		SessionID: "sess-1",
		Tools:     []ir.ToolDefinition{{Name: "mcp__fs__read"}},
		Messages:  []ir.Message{userText("do the thing")},
	}
}

func TestPlanTurnBuffersEligibleRequests(t *testing.T) {
	o := NewOrchestrator(NewManager(), "claude-sonnet-4")
	plan := o.PlanTurn(bridgedRequest(true), "gemini-2.5-pro")
	if !plan.BufferFirst {
		t.Fatal("streamed bridged turn should buffer the first attempt")
	}
	if plan.Model != "gemini-2.5-pro" || !plan.ForwardSignatures {
		t.Fatalf("plan = %+v", plan)
	}
}

func TestPlanTurnDisabledWithoutSubstitute(t *testing.T) {
	o := NewOrchestrator(NewManager(), "")
	if plan := o.PlanTurn(bridgedRequest(true), "gemini-2.5-pro"); plan.BufferFirst {
		t.Fatal("empty substitute model must disable all switch paths")
	}
}

func TestPlanTurnSkipsNonStreamAndContinuations(t *testing.T) {
	o := NewOrchestrator(NewManager(), "claude-sonnet-4")
	if plan := o.PlanTurn(bridgedRequest(false), "gemini-2.5-pro"); plan.BufferFirst {
		t.Fatal("non-streamed turn must not buffer")
	}

	req := bridgedRequest(true)
	req.Messages = []ir.Message{
		userText("go"),
		assistantCall("toolu_1", "mcp__fs__read"),
		userResult("toolu_1"),
	}
	if plan := o.PlanTurn(req, "gemini-2.5-pro"); plan.BufferFirst {
		t.Fatal("tool-result continuation must not buffer")
	}
}

func TestCommitSwitchRoutesFollowupResults(t *testing.T) {
	mgr := NewManager()
	o := NewOrchestrator(mgr, "claude-sonnet-4")

	req := bridgedRequest(true)
	plan := o.CommitSwitch(req)
	if plan.Model != "claude-sonnet-4" || plan.SignatureSegmentStart != 0 {
		t.Fatalf("plan = %+v", plan)
	}

	// The follow-up turn carries a result for a call issued in-segment.
	followup := &ir.Request{
		Model:     "gemini-2.5-pro",
		Stream:    true,
		SessionID: "sess-1",
		Messages: []ir.Message{
			userText("do the thing"),
			assistantCall("toolu_2", "mcp__fs__read"),
			userResult("toolu_2"),
		},
	}
	p2 := o.PlanTurn(followup, "gemini-2.5-pro")
	if p2.Model != "claude-sonnet-4" {
		t.Fatalf("in-segment result should route to the substitute, got %q", p2.Model)
	}
}

func TestSegmentRoutingCoversNonBridgedTools(t *testing.T) {
	mgr := NewManager()
	mgr.CommitSwitch("sess-2", 1)
	o := NewOrchestrator(mgr, "claude-sonnet-4")

	req := &ir.Request{
		Model:     "gemini-2.5-pro",
		Stream:    true,
		SessionID: "sess-2",
		Messages: []ir.Message{
			userText("go"),
			assistantCall("toolu_3", "read_file"),
			userResult("toolu_3"),
		},
	}
	if p := o.PlanTurn(req, "gemini-2.5-pro"); p.Model != "claude-sonnet-4" {
		t.Fatalf("call issued after segment start should stay in-segment, got %q", p.Model)
	}
}

func TestUnlocatableInvocationStaysInSegment(t *testing.T) {
	mgr := NewManager()
	mgr.CommitSwitch("sess-3", 0)
	o := NewOrchestrator(mgr, "claude-sonnet-4")

	req := &ir.Request{
		Model:     "gemini-2.5-pro",
		Stream:    true,
		SessionID: "sess-3",
		Messages:  []ir.Message{userText("go"), userResult("toolu_missing")},
	}
	if p := o.PlanTurn(req, "gemini-2.5-pro"); p.Model != "claude-sonnet-4" {
		t.Fatalf("unlocatable invocation should prefer continuity, got %q", p.Model)
	}
}

func TestFoldBackCollapsesSegment(t *testing.T) {
	mgr := NewManager()
	mgr.CommitSwitch("sess-4", 1)
	o := NewOrchestrator(mgr, "claude-sonnet-4")

	req := &ir.Request{
		Model:     "gemini-2.5-pro",
		Stream:    true,
		SessionID: "sess-4",
		Messages: []ir.Message{
			userText("start"),
			userText("switched task"),
			assistantText("intermediate"),
			userText("continue"),
			assistantText("final segment answer"),
			userText("new primary question"),
		},
	}
	plan := o.PlanTurn(req, "gemini-2.5-pro")
	if !plan.Folded {
		t.Fatal("primary-family turn over an open segment must fold")
	}
	if len(req.Messages) != 3 {
		t.Fatalf("messages = %d, want prefix + summary + current turn", len(req.Messages))
	}
	summary := req.Messages[1]
	if summary.Role != ir.RoleUser || !strings.Contains(summary.Content[0].Text, "final segment answer") {
		t.Fatalf("summary = %+v", summary)
	}
	if req.Messages[2].Content[0].Text != "new primary question" {
		t.Fatalf("current turn = %+v", req.Messages[2])
	}
	if plan.SignatureSegmentStart != 2 {
		t.Fatalf("tokens before the fold must not forward, start = %d", plan.SignatureSegmentStart)
	}
	if mgr.Get("sess-4").SegmentStart != -1 {
		t.Fatal("segment should be closed after fold")
	}
}

func TestDetectSwitch(t *testing.T) {
	marker := "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"I need <request_tool_model/> to proceed\"}}\n\n"
	if !DetectSwitch([]byte(marker)) {
		t.Fatal("literal marker in answer text should trigger the switch")
	}

	call := "event: content_block_start\ndata: {\"type\":\"content_block_start\",\"content_block\":{\"type\":\"tool_use\",\"id\":\"toolu_9\",\"name\":\"mcp__fs__read\",\"input\":{}}}\n\n"
	if !DetectSwitch([]byte(call)) {
		t.Fatal("attempted bridged invocation should trigger the switch")
	}

	plain := "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"just an answer\"}}\n\n"
	if DetectSwitch([]byte(plain)) {
		t.Fatal("plain text must not trigger the switch")
	}

	native := "event: content_block_start\ndata: {\"type\":\"content_block_start\",\"content_block\":{\"type\":\"tool_use\",\"id\":\"toolu_8\",\"name\":\"read_file\",\"input\":{}}}\n\n"
	if DetectSwitch([]byte(native)) {
		t.Fatal("native tool use must not trigger the switch")
	}
}

func TestManagerEvictionAndTTL(t *testing.T) {
	m := NewManager()
	m.Get("a")
	m.CommitSwitch("a", 3)
	if st := m.Get("a"); st.SegmentStart != 3 || st.Family != FamilyMessages {
		t.Fatalf("snapshot = %+v", st)
	}
	m.CloseSegment("a")
	if st := m.Get("a"); st.SegmentStart != -1 || st.Family != FamilyParts {
		t.Fatalf("snapshot after close = %+v", st)
	}
}

func TestFamilyOf(t *testing.T) {
	if FamilyOf("claude-sonnet-4") != FamilyMessages {
		t.Fatal("claude models are message-family")
	}
	if FamilyOf("gemini-2.5-pro") != FamilyParts {
		t.Fatal("gemini models are parts-family")
	}
}
