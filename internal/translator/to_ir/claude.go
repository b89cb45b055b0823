// Package to_ir parses client wire formats into the bridge-internal
// representation.
package to_ir

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/phamanh/gemini-bridge/internal/translator/ir"
	"github.com/phamanh/gemini-bridge/internal/translator/ledger"
)

// ParseClaudeRequest converts a Claude Messages API request body into the
// internal representation. The ledger supplies signatures for replayed tool
// invocations the client did not echo.
func ParseClaudeRequest(raw []byte, led *ledger.Ledger) (*ir.Request, error) {
	if !gjson.ValidBytes(raw) {
		return nil, ir.ErrInvalidJSON
	}
	parsed := gjson.ParseBytes(raw)

	req := &ir.Request{}
	req.Model = parsed.Get("model").String()
	if req.Model == "" {
		return nil, ir.ErrMissingModel
	}

	if v := parsed.Get("max_tokens"); v.Exists() {
		i := int(v.Int())
		req.MaxTokens = &i
	}
	if v := parsed.Get("temperature"); v.Exists() {
		f := v.Float()
		req.Temperature = &f
	}
	if v := parsed.Get("top_p"); v.Exists() {
		f := v.Float()
		req.TopP = &f
	}
	if v := parsed.Get("top_k"); v.Exists() {
		i := int(v.Int())
		req.TopK = &i
	}
	for _, s := range parsed.Get("stop_sequences").Array() {
		req.StopSequences = append(req.StopSequences, s.String())
	}
	req.Stream = parsed.Get("stream").Bool()
	req.SessionID = parsed.Get("metadata.user_id").String()

	req.System = parseSystem(parsed.Get("system"))

	if t := parsed.Get("thinking"); t.Exists() {
		req.Thinking = &ir.ThinkingConfig{
			Enabled: t.Get("type").String() == "enabled",
			Budget:  int(t.Get("budget_tokens").Int()),
		}
	}

	for _, tool := range parsed.Get("tools").Array() {
		name := tool.Get("name").String()
		toolType := tool.Get("type").String()
		// The first-party search capability maps to the backend's built-in
		// search tool, never to a function declaration.
		if strings.HasPrefix(toolType, "web_search") || name == "web_search" {
			req.WebSearch = true
			continue
		}
		var params map[string]any
		if schema := tool.Get("input_schema"); schema.Exists() && schema.IsObject() {
			params = schema.Value().(map[string]any)
		}
		req.Tools = append(req.Tools, ir.ToolDefinition{
			Name:        name,
			Description: tool.Get("description").String(),
			Parameters:  params,
		})
	}

	messages := parsed.Get("messages")
	if !messages.Exists() || len(messages.Array()) == 0 {
		return nil, ir.ErrEmptyMessages
	}
	for _, m := range messages.Array() {
		msg := parseClaudeMessage(m, led)
		if msg.Role != "" {
			req.Messages = append(req.Messages, msg)
		}
	}
	return req, nil
}

func parseSystem(system gjson.Result) string {
	if !system.Exists() {
		return ""
	}
	if system.Type == gjson.String {
		return system.String()
	}
	var texts []string
	for _, block := range system.Array() {
		if block.Get("type").String() == "text" {
			texts = append(texts, block.Get("text").String())
		}
	}
	return strings.Join(texts, "\n")
}

func parseClaudeMessage(m gjson.Result, led *ledger.Ledger) ir.Message {
	role := ir.Role(m.Get("role").String())
	if role != ir.RoleUser && role != ir.RoleAssistant {
		return ir.Message{}
	}
	msg := ir.Message{Role: role}

	content := m.Get("content")
	if content.Type == gjson.String {
		msg.Content = append(msg.Content, ir.ContentPart{Type: ir.ContentTypeText, Text: content.String()})
		return msg
	}

	for _, block := range content.Array() {
		switch block.Get("type").String() {
		case "text":
			msg.Content = append(msg.Content, ir.ContentPart{
				Type: ir.ContentTypeText,
				Text: block.Get("text").String(),
			})
		case "thinking":
			msg.Content = append(msg.Content, ir.ContentPart{
				Type:      ir.ContentTypeReasoning,
				Reasoning: block.Get("thinking").String(),
				Signature: signatureOf(block.Get("signature").String()),
			})
		case "redacted_thinking":
			msg.Content = append(msg.Content, ir.ContentPart{
				Type:     ir.ContentTypeRedactedReasoning,
				Redacted: block.Get("data").String(),
			})
		case "image":
			if block.Get("source.type").String() == "base64" {
				msg.Content = append(msg.Content, ir.ContentPart{
					Type: ir.ContentTypeImage,
					Image: &ir.ImagePart{
						MimeType: block.Get("source.media_type").String(),
						Data:     block.Get("source.data").String(),
					},
				})
			}
		case "tool_use":
			msg.Content = append(msg.Content, parseToolUse(block, led))
		case "tool_result":
			msg.Content = append(msg.Content, parseToolResult(block))
		}
	}
	return msg
}

// parseToolUse recovers the continuation signature for a replayed call:
// first from the id the client echoed (where it was smuggled), then from the
// ledger. An id-carried signature means the client echoes reliably, so the
// ledger entry is dropped.
func parseToolUse(block gjson.Result, led *ledger.Ledger) ir.ContentPart {
	id, sig := ir.SplitSignatureID(block.Get("id").String())
	if sig != nil {
		if led != nil {
			led.Delete(id)
		}
	} else if led != nil {
		if stored, ok := led.Lookup(id); ok {
			sig = stored
		}
	}
	args := block.Get("input").Raw
	if args == "" {
		args = "{}"
	}
	return ir.ContentPart{
		Type: ir.ContentTypeToolUse,
		ToolUse: &ir.ToolCall{
			ID:        id,
			Name:      block.Get("name").String(),
			Args:      args,
			Signature: sig,
		},
	}
}

func parseToolResult(block gjson.Result) ir.ContentPart {
	id, _ := ir.SplitSignatureID(block.Get("tool_use_id").String())
	result := &ir.ToolResultPart{
		ToolCallID: id,
		IsError:    block.Get("is_error").Bool(),
	}

	content := block.Get("content")
	if content.Type == gjson.String {
		result.Result = content.String()
	} else {
		var texts []string
		for _, sub := range content.Array() {
			switch sub.Get("type").String() {
			case "text":
				texts = append(texts, sub.Get("text").String())
			case "image":
				result.Images = append(result.Images, &ir.ImagePart{
					MimeType: sub.Get("source.media_type").String(),
					Data:     sub.Get("source.data").String(),
				})
			}
		}
		result.Result = strings.Join(texts, "\n")
	}
	return ir.ContentPart{Type: ir.ContentTypeToolResult, ToolResult: result}
}

func signatureOf(s string) []byte {
	if s == "" {
		return nil
	}
	return []byte(s)
}
