package from_ir

import (
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/phamanh/gemini-bridge/internal/bridge"
	"github.com/phamanh/gemini-bridge/internal/translator/ir"
)

func buildJSON(t *testing.T, req *ir.Request, opts Options) gjson.Result {
	t.Helper()
	if opts.ProjectID == "" {
		opts.ProjectID = "proj-1"
	}
	if opts.Model == "" {
		opts.Model = req.Model
	}
	body, _, err := BuildWrapperRequest(req, opts)
	if err != nil {
		t.Fatalf("BuildWrapperRequest: %v", err)
	}
	return gjson.ParseBytes(body)
}

func textMsg(role ir.Role, text string) ir.Message {
	return ir.Message{Role: role, Content: []ir.ContentPart{{Type: ir.ContentTypeText, Text: text}}}
}

func TestWrapperEnvelope(t *testing.T) {
	req := &ir.Request{Model: "gemini-2.5-pro", Messages: []ir.Message{textMsg(ir.RoleUser, "hi")}}
	out := buildJSON(t, req, Options{UserAgent: "bridge/1.0", RequestType: "agent"})

	if out.Get("project").String() != "proj-1" {
		t.Fatalf("project = %q", out.Get("project").String())
	}
	if out.Get("requestId").String() == "" {
		t.Fatal("missing requestId")
	}
	if out.Get("model").String() != "gemini-2.5-pro" {
		t.Fatalf("model = %q", out.Get("model").String())
	}
	if out.Get("userAgent").String() != "bridge/1.0" {
		t.Fatalf("userAgent = %q", out.Get("userAgent").String())
	}
	contents := out.Get("request.contents")
	if len(contents.Array()) != 1 {
		t.Fatalf("contents = %s", contents.Raw)
	}
	if got := contents.Get("0.parts.0.text").String(); got != "hi" {
		t.Fatalf("text = %q", got)
	}
	if out.Get("request.safetySettings.#").Int() != 5 {
		t.Fatalf("safetySettings = %s", out.Get("request.safetySettings").Raw)
	}
}

func TestAssistantRoleIsModel(t *testing.T) {
	req := &ir.Request{Model: "gemini-2.5-pro", Messages: []ir.Message{
		textMsg(ir.RoleUser, "q"),
		textMsg(ir.RoleAssistant, "a"),
	}}
	out := buildJSON(t, req, Options{})
	if got := out.Get("request.contents.1.role").String(); got != "model" {
		t.Fatalf("role = %q", got)
	}
}

func TestReasoningAfterTextDropped(t *testing.T) {
	req := &ir.Request{Model: "gemini-2.5-pro", Messages: []ir.Message{
		textMsg(ir.RoleUser, "q"),
		{Role: ir.RoleAssistant, Content: []ir.ContentPart{
			{Type: ir.ContentTypeReasoning, Reasoning: "thinking first"},
			{Type: ir.ContentTypeText, Text: "answer"},
			{Type: ir.ContentTypeReasoning, Reasoning: "straggler"},
		}},
	}}
	out := buildJSON(t, req, Options{ForwardSignatures: true})
	parts := out.Get("request.contents.1.parts").Array()
	if len(parts) != 2 {
		t.Fatalf("parts = %d, want 2", len(parts))
	}
	if !parts[0].Get("thought").Bool() {
		t.Fatal("leading part should be a thought")
	}
	if parts[1].Get("text").String() != "answer" {
		t.Fatalf("second part = %s", parts[1].Raw)
	}
}

func TestTokenCarrierAttachesToToolCall(t *testing.T) {
	req := &ir.Request{Model: "gemini-2.5-pro", Messages: []ir.Message{
		textMsg(ir.RoleUser, "q"),
		{Role: ir.RoleAssistant, Content: []ir.ContentPart{
			{Type: ir.ContentTypeReasoning, Signature: []byte("sig-abc")},
			{Type: ir.ContentTypeText, Text: "calling now"},
			{Type: ir.ContentTypeToolUse, ToolUse: &ir.ToolCall{ID: "toolu_1", Name: "read", Args: `{"p":"x"}`}},
		}},
	}}
	out := buildJSON(t, req, Options{ForwardSignatures: true})
	parts := out.Get("request.contents.1.parts").Array()
	if len(parts) != 2 {
		t.Fatalf("parts = %d, want 2", len(parts))
	}
	if sig := parts[0].Get("thoughtSignature"); sig.Exists() {
		t.Fatalf("text should not carry the token, got %q", sig.String())
	}
	if got := parts[1].Get("thoughtSignature").String(); got != "sig-abc" {
		t.Fatalf("tool call token = %q", got)
	}
	if got := parts[1].Get("functionCall.name").String(); got != "read" {
		t.Fatalf("functionCall = %s", parts[1].Raw)
	}
}

func TestTokenCarrierFallsBackToText(t *testing.T) {
	req := &ir.Request{Model: "gemini-2.5-pro", Messages: []ir.Message{
		textMsg(ir.RoleUser, "q"),
		{Role: ir.RoleAssistant, Content: []ir.ContentPart{
			{Type: ir.ContentTypeReasoning, Signature: []byte("sig-xyz")},
			{Type: ir.ContentTypeText, Text: "only text"},
		}},
	}}
	out := buildJSON(t, req, Options{ForwardSignatures: true})
	if got := out.Get("request.contents.1.parts.0.thoughtSignature").String(); got != "sig-xyz" {
		t.Fatalf("token = %q", got)
	}
}

func TestSignatureWindowExcludesEarlierMessages(t *testing.T) {
	assistant := ir.Message{Role: ir.RoleAssistant, Content: []ir.ContentPart{
		{Type: ir.ContentTypeReasoning, Reasoning: "r", Signature: []byte("old-sig")},
		{Type: ir.ContentTypeText, Text: "a"},
	}}
	req := &ir.Request{Model: "gemini-2.5-pro", Messages: []ir.Message{
		textMsg(ir.RoleUser, "q1"), assistant,
		textMsg(ir.RoleUser, "q2"), assistant,
	}}
	out := buildJSON(t, req, Options{ForwardSignatures: true, SignatureSegmentStart: 2})
	if sig := out.Get("request.contents.1.parts.0.thoughtSignature"); sig.Exists() {
		t.Fatal("pre-window message must not forward a token")
	}
	if got := out.Get("request.contents.3.parts.0.thoughtSignature").String(); got != "old-sig" {
		t.Fatalf("in-window token = %q", got)
	}
}

func TestDummySignatureForStrictModel(t *testing.T) {
	req := &ir.Request{Model: "gemini-3-pro-preview", Messages: []ir.Message{
		textMsg(ir.RoleUser, "q"),
		{Role: ir.RoleAssistant, Content: []ir.ContentPart{
			{Type: ir.ContentTypeToolUse, ToolUse: &ir.ToolCall{ID: "toolu_2", Name: "ls", Args: "{}"}},
		}},
	}}
	out := buildJSON(t, req, Options{ForwardSignatures: true})
	if got := out.Get("request.contents.1.parts.0.thoughtSignature").String(); got != ir.DummySignature {
		t.Fatalf("token = %q, want placeholder", got)
	}
}

func TestToolResultPrecedesText(t *testing.T) {
	req := &ir.Request{Model: "gemini-2.5-pro", Messages: []ir.Message{
		textMsg(ir.RoleUser, "q"),
		{Role: ir.RoleAssistant, Content: []ir.ContentPart{
			{Type: ir.ContentTypeToolUse, ToolUse: &ir.ToolCall{ID: "toolu_3", Name: "grep", Args: "{}"}},
		}},
		{Role: ir.RoleUser, Content: []ir.ContentPart{
			{Type: ir.ContentTypeText, Text: "please continue"},
			{Type: ir.ContentTypeToolResult, ToolResult: &ir.ToolResultPart{ToolCallID: "toolu_3", Result: "3 matches"}},
		}},
	}}
	out := buildJSON(t, req, Options{})
	parts := out.Get("request.contents.2.parts").Array()
	if len(parts) != 2 {
		t.Fatalf("parts = %d", len(parts))
	}
	fr := parts[0].Get("functionResponse")
	if !fr.Exists() {
		t.Fatalf("first part should be the tool result, got %s", parts[0].Raw)
	}
	if fr.Get("name").String() != "grep" {
		t.Fatalf("result name = %q", fr.Get("name").String())
	}
	if parts[1].Get("text").String() != "please continue" {
		t.Fatalf("second part = %s", parts[1].Raw)
	}
}

func TestDuplicateTaskTextSuppressed(t *testing.T) {
	task := "Refactor  the\nparser module"
	req := &ir.Request{Model: "gemini-2.5-pro", Messages: []ir.Message{
		textMsg(ir.RoleUser, task),
		{Role: ir.RoleAssistant, Content: []ir.ContentPart{
			{Type: ir.ContentTypeToolUse, ToolUse: &ir.ToolCall{ID: "toolu_4", Name: "read", Args: "{}"}},
		}},
		{Role: ir.RoleUser, Content: []ir.ContentPart{
			{Type: ir.ContentTypeToolResult, ToolResult: &ir.ToolResultPart{ToolCallID: "toolu_4", Result: "ok"}},
			{Type: ir.ContentTypeText, Text: "Refactor the parser module"},
		}},
	}}
	out := buildJSON(t, req, Options{})
	parts := out.Get("request.contents.2.parts").Array()
	if len(parts) != 1 {
		t.Fatalf("parts = %d, duplicate task should be dropped: %s", len(parts), out.Get("request.contents.2").Raw)
	}
	if !parts[0].Get("functionResponse").Exists() {
		t.Fatalf("remaining part = %s", parts[0].Raw)
	}
}

func TestBridgedHistoryEncodedAsMarkup(t *testing.T) {
	tools := []ir.ToolDefinition{{Name: "mcp__fs__read", Description: "read a file"}}
	br := bridge.New(tools)
	req := &ir.Request{Model: "gemini-2.5-pro", Tools: tools, Messages: []ir.Message{
		textMsg(ir.RoleUser, "q"),
		{Role: ir.RoleAssistant, Content: []ir.ContentPart{
			{Type: ir.ContentTypeToolUse, ToolUse: &ir.ToolCall{ID: "toolu_5", Name: "mcp__fs__read", Args: `{"path":"a"}`}},
		}},
		{Role: ir.RoleUser, Content: []ir.ContentPart{
			{Type: ir.ContentTypeToolResult, ToolResult: &ir.ToolResultPart{ToolCallID: "toolu_5", Result: "data"}},
		}},
	}}
	out := buildJSON(t, req, Options{Bridge: br})

	call := out.Get("request.contents.1.parts.0.text").String()
	if !strings.HasPrefix(call, "<mcp__fs__read>") || !strings.HasSuffix(call, "</mcp__fs__read>") {
		t.Fatalf("call markup = %q", call)
	}
	result := out.Get("request.contents.2.parts.0.text").String()
	if !strings.Contains(result, "<mcp_tool_result>") || !strings.Contains(result, "toolu_5") {
		t.Fatalf("result markup = %q", result)
	}
	if out.Get("request.tools").Exists() {
		t.Fatal("bridged tools must not be declared natively")
	}
	si := out.Get("request.systemInstruction.parts.0.text").String()
	if !strings.Contains(si, "mcp__fs__read") {
		t.Fatal("system instruction should describe bridged tools")
	}
}

func TestWebSearchForcesSearchModel(t *testing.T) {
	req := &ir.Request{Model: "gemini-2.5-pro", WebSearch: true,
		Messages: []ir.Message{textMsg(ir.RoleUser, "latest news")}}
	out := buildJSON(t, req, Options{Model: "gemini-2.5-pro", SearchModel: "gemini-2.5-flash"})

	if got := out.Get("model").String(); got != "gemini-2.5-flash" {
		t.Fatalf("model = %q", got)
	}
	if !out.Get("request.tools.0.googleSearch").Exists() {
		t.Fatalf("tools = %s", out.Get("request.tools").Raw)
	}
	if out.Get("request.generationConfig.candidateCount").Int() != 1 {
		t.Fatal("search requests pin candidateCount to 1")
	}
}

func TestGenerationConfigClamping(t *testing.T) {
	maxTok := 100000
	budget := 50000
	req := &ir.Request{Model: "gemini-2.5-flash", MaxTokens: &maxTok,
		Thinking: &ir.ThinkingConfig{Enabled: true, Budget: budget},
		Messages: []ir.Message{textMsg(ir.RoleUser, "q")}}
	out := buildJSON(t, req, Options{})

	gc := out.Get("request.generationConfig")
	if got := gc.Get("maxOutputTokens").Int(); got != flashMaxOutputTokens {
		t.Fatalf("maxOutputTokens = %d", got)
	}
	if got := gc.Get("thinkingConfig.thinkingBudget").Int(); got != flashThinkingBudgetCap {
		t.Fatalf("thinkingBudget = %d", got)
	}
	if !gc.Get("thinkingConfig.includeThoughts").Bool() {
		t.Fatal("includeThoughts should be set")
	}
}

func TestSystemPreambleInjectedOnce(t *testing.T) {
	req := &ir.Request{Model: "gemini-2.5-pro", System: "Be terse.",
		Messages: []ir.Message{textMsg(ir.RoleUser, "q")}}
	out := buildJSON(t, req, Options{})
	si := out.Get("request.systemInstruction.parts.0.text").String()
	if !strings.Contains(si, preambleMarker) || !strings.Contains(si, "Be terse.") {
		t.Fatalf("system = %q", si)
	}

	req.System = si
	out = buildJSON(t, req, Options{})
	again := out.Get("request.systemInstruction.parts.0.text").String()
	if strings.Count(again, preambleMarker) != 1 {
		t.Fatalf("preamble duplicated: %q", again)
	}
}
