// Package from_ir converts the internal representation into backend wire
// formats.
package from_ir

import (
	"strings"

	"github.com/phamanh/gemini-bridge/internal/bridge"
	"github.com/phamanh/gemini-bridge/internal/json"
	"github.com/phamanh/gemini-bridge/internal/translator/ir"
)

// systemPreamble is the boilerplate instruction the backend expects at the
// head of every system prompt; without it some accounts see spurious
// quota-exhaustion errors.
const systemPreamble = "You are an expert coding and research assistant operating through an API bridge. " +
	"Follow the user's instructions precisely and use the declared tools when appropriate."

// preambleMarker detects a request whose system prompt was already wrapped.
const preambleMarker = "operating through an API bridge"

// Default output ceilings, fixed per model family.
const (
	defaultMaxOutputTokens = 65536
	flashMaxOutputTokens   = 32768
	flashThinkingBudgetCap = 24576
)

// ImagePlaceholder replaces raw image payloads inside tool-result text.
const ImagePlaceholder = "[image content attached]"

// Options carries the per-call knobs of the request transcoder. The zero
// value is not usable; construct through the orchestrator or handler.
type Options struct {
	ProjectID string
	// Model is the resolved upstream model for this call.
	Model string
	// ForwardSignatures gates continuation-token forwarding entirely
	// (disabled for a cross-family segment).
	ForwardSignatures bool
	// SignatureSegmentStart only forwards tokens for messages at or after
	// this index, isolating a family-switch segment.
	SignatureSegmentStart int
	// Bridge is non-nil when the tag protocol is active for this call.
	Bridge *bridge.Bridge
	// SearchModel is the fixed cheaper model forced for built-in search.
	SearchModel string
	UserAgent   string
	RequestType string
}

// BuildWrapperRequest converts a parsed conversation into the backend
// wrapper request. Returns the serialized body and the model actually
// selected (built-in search overrides it).
func BuildWrapperRequest(req *ir.Request, opts Options) ([]byte, string, error) {
	model := opts.Model
	if model == "" {
		model = req.Model
	}
	if req.WebSearch && opts.SearchModel != "" {
		model = opts.SearchModel
	}

	inner := map[string]any{
		"contents": buildContents(req, model, opts),
	}
	if tools := buildTools(req, opts); tools != nil {
		inner["tools"] = tools
	}
	if si := buildSystemInstruction(req, opts); si != nil {
		inner["systemInstruction"] = si
	}
	inner["generationConfig"] = buildGenerationConfig(req, model)
	inner["safetySettings"] = permissiveSafetySettings()

	root := map[string]any{
		"project":     opts.ProjectID,
		"requestId":   ir.NewRequestID(),
		"request":     inner,
		"model":       model,
		"userAgent":   opts.UserAgent,
		"requestType": opts.RequestType,
	}
	body, err := json.Marshal(root)
	if err != nil {
		return nil, "", err
	}
	return body, model, nil
}

// buildContents walks the conversation, producing backend parts per message.
// The id→name table built from assistant calls resolves later tool results.
func buildContents(req *ir.Request, model string, opts Options) []any {
	callNames := map[string]string{}
	contents := make([]any, 0, len(req.Messages))
	lastUserTask := ""

	for idx, msg := range req.Messages {
		forward := opts.ForwardSignatures && idx >= opts.SignatureSegmentStart
		var parts []any
		switch msg.Role {
		case ir.RoleAssistant:
			parts = buildAssistantParts(msg, model, forward, opts.Bridge, callNames)
		case ir.RoleUser:
			parts = buildUserParts(msg, opts.Bridge, callNames, lastUserTask)
			if task := plainUserText(msg); task != "" {
				lastUserTask = ir.NormalizeWhitespace(task)
			}
		default:
			continue
		}
		if len(parts) == 0 {
			continue
		}
		role := "user"
		if msg.Role == ir.RoleAssistant {
			role = "model"
		}
		contents = append(contents, map[string]any{"role": role, "parts": parts})
	}
	return contents
}

// buildAssistantParts enforces the leading-reasoning invariant and the
// token-carrier attachment rules for one assistant message.
func buildAssistantParts(msg ir.Message, model string, forward bool, br *bridge.Bridge, callNames map[string]string) []any {
	var parts []any
	var pendingSig []byte
	sawNonReasoning := false
	lastEligible := -1

	attachSig := func(part map[string]any, sig []byte) {
		if forward && len(sig) > 0 {
			part["thoughtSignature"] = string(sig)
		}
	}

	for i, p := range msg.Content {
		switch p.Type {
		case ir.ContentTypeReasoning:
			// Reasoning must stay contiguous and leading; stragglers after
			// any other part are dropped.
			if sawNonReasoning {
				continue
			}
			if p.Reasoning == "" && len(p.Signature) > 0 {
				// Token-only carrier: hold the signature for the next
				// eligible part instead of emitting an empty thought.
				if forward {
					pendingSig = p.Signature
				}
				continue
			}
			if p.Reasoning == "" {
				continue
			}
			part := map[string]any{"text": p.Reasoning, "thought": true}
			attachSig(part, p.Signature)
			parts = append(parts, part)
		case ir.ContentTypeRedactedReasoning:
			if sawNonReasoning {
				continue
			}
			if p.Redacted != "" && forward {
				parts = append(parts, map[string]any{
					"text": "", "thought": true, "thoughtSignature": p.Redacted,
				})
			}
		case ir.ContentTypeText:
			sawNonReasoning = true
			if p.Text == "" {
				continue
			}
			part := map[string]any{"text": p.Text}
			switch {
			case len(pendingSig) > 0 && !toolUseFollows(msg.Content[i+1:]):
				attachSig(part, pendingSig)
				pendingSig = nil
			default:
				attachSig(part, p.Signature)
			}
			parts = append(parts, part)
			lastEligible = len(parts) - 1
		case ir.ContentTypeToolUse:
			sawNonReasoning = true
			tc := p.ToolUse
			if tc == nil {
				continue
			}
			callNames[tc.ID] = tc.Name
			if br.Active() && bridge.IsBridged(tc.Name) {
				// Historical bridged calls replay as the markup the model
				// itself would have written.
				parts = append(parts, map[string]any{"text": bridge.EncodeCall(*tc)})
				lastEligible = len(parts) - 1
				continue
			}
			part := map[string]any{
				"functionCall": map[string]any{
					"id":   tc.ID,
					"name": tc.Name,
					"args": ir.ParseToolCallArgs(tc.Args),
				},
			}
			sig := tc.Signature
			if len(pendingSig) > 0 {
				sig = pendingSig
				pendingSig = nil
			}
			if forward && len(sig) > 0 {
				part["thoughtSignature"] = string(sig)
			} else if forward && modelRequiresSignature(model) {
				part["thoughtSignature"] = ir.DummySignature
			}
			parts = append(parts, part)
			lastEligible = len(parts) - 1
		case ir.ContentTypeImage:
			sawNonReasoning = true
			if p.Image != nil {
				parts = append(parts, inlineDataPart(p.Image))
			}
		}
	}

	// No eligible part followed the carrier; attach retroactively to the
	// last eligible part already emitted.
	if len(pendingSig) > 0 && lastEligible >= 0 {
		if part, ok := parts[lastEligible].(map[string]any); ok {
			if _, taken := part["thoughtSignature"]; !taken {
				part["thoughtSignature"] = string(pendingSig)
			}
		}
	}
	return parts
}

func toolUseFollows(rest []ir.ContentPart) bool {
	for _, p := range rest {
		if p.Type == ir.ContentTypeToolUse && p.ToolUse != nil {
			if p.ToolUse.Name == "" {
				continue
			}
			return true
		}
	}
	return false
}

// buildUserParts resolves tool results, extracts binary payloads, reorders
// results ahead of text, and suppresses a duplicated task text.
func buildUserParts(msg ir.Message, br *bridge.Bridge, callNames map[string]string, lastUserTask string) []any {
	var resultParts []any
	var textParts []any
	prevWasResult := false

	for _, p := range msg.Content {
		switch p.Type {
		case ir.ContentTypeText:
			if p.Text == "" {
				prevWasResult = false
				continue
			}
			// Clients are known to echo the original instruction after every
			// tool result; drop the duplicate.
			if prevWasResult && lastUserTask != "" && ir.NormalizeWhitespace(p.Text) == lastUserTask {
				prevWasResult = false
				continue
			}
			textParts = append(textParts, map[string]any{"text": p.Text})
			prevWasResult = false
		case ir.ContentTypeImage:
			if p.Image != nil {
				textParts = append(textParts, inlineDataPart(p.Image))
			}
			prevWasResult = false
		case ir.ContentTypeToolResult:
			tr := p.ToolResult
			if tr == nil {
				continue
			}
			name := callNames[tr.ToolCallID]
			if name == "" {
				name = tr.ToolCallID
			}
			if br.Active() && bridge.IsBridged(name) {
				textParts = append(textParts, map[string]any{"text": bridge.EncodeResult(name, tr.ToolCallID, tr.Result)})
			} else {
				resultParts = append(resultParts, functionResponsePart(name, tr))
				for _, img := range tr.Images {
					resultParts = append(resultParts, inlineDataPart(img))
				}
			}
			prevWasResult = true
		}
	}

	// Structured tool results must directly follow the prior invocation
	// turn, so they precede any plain text.
	return append(resultParts, textParts...)
}

func functionResponsePart(name string, tr *ir.ToolResultPart) map[string]any {
	result := tr.Result
	if len(tr.Images) > 0 {
		if result != "" {
			result += "\n"
		}
		result += ImagePlaceholder
	}
	response := map[string]any{"result": result}
	if tr.IsError {
		response["error"] = true
	}
	return map[string]any{
		"functionResponse": map[string]any{
			"id":       tr.ToolCallID,
			"name":     name,
			"response": response,
		},
	}
}

func inlineDataPart(img *ir.ImagePart) map[string]any {
	return map[string]any{
		"inlineData": map[string]any{
			"mimeType": img.MimeType,
			"data":     img.Data,
		},
	}
}

func plainUserText(msg ir.Message) string {
	var texts []string
	for _, p := range msg.Content {
		if p.Type == ir.ContentTypeText && p.Text != "" {
			texts = append(texts, p.Text)
		}
		if p.Type == ir.ContentTypeToolResult {
			return ""
		}
	}
	return strings.Join(texts, "\n")
}

// buildTools emits native function declarations, routing the built-in search
// capability to googleSearch and omitting bridged tools entirely.
func buildTools(req *ir.Request, opts Options) []any {
	if req.WebSearch {
		return []any{map[string]any{"googleSearch": map[string]any{}}}
	}
	var decls []any
	for _, t := range req.Tools {
		if opts.Bridge.Active() && bridge.IsBridged(t.Name) {
			continue
		}
		decl := map[string]any{
			"name":        t.Name,
			"description": t.Description,
		}
		if len(t.Parameters) > 0 {
			decl["parameters"] = ir.CleanSchemaForGemini(t.Parameters, true)
		}
		decls = append(decls, decl)
	}
	if len(decls) == 0 {
		return nil
	}
	return []any{map[string]any{"functionDeclarations": decls}}
}

func buildSystemInstruction(req *ir.Request, opts Options) map[string]any {
	system := req.System
	if !strings.Contains(system, preambleMarker) {
		if system == "" {
			system = systemPreamble
		} else {
			system = systemPreamble + "\n\n" + system
		}
	}
	if opts.Bridge.Active() {
		system += opts.Bridge.SystemPrompt()
	}
	if system == "" {
		return nil
	}
	return map[string]any{"parts": []any{map[string]any{"text": system}}}
}

func buildGenerationConfig(req *ir.Request, model string) map[string]any {
	gc := map[string]any{}
	if req.Temperature != nil {
		gc["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		gc["topP"] = *req.TopP
	}
	if req.TopK != nil {
		gc["topK"] = *req.TopK
	}
	if len(req.StopSequences) > 0 {
		gc["stopSequences"] = req.StopSequences
	}

	maxTokens := maxOutputTokensFor(model)
	if req.MaxTokens != nil && *req.MaxTokens > 0 && *req.MaxTokens < maxTokens {
		maxTokens = *req.MaxTokens
	}
	gc["maxOutputTokens"] = maxTokens

	if req.Thinking != nil && req.Thinking.Enabled {
		tc := map[string]any{"includeThoughts": true}
		if budget := req.Thinking.Budget; budget > 0 {
			if cap := thinkingBudgetCapFor(model); cap > 0 && budget > cap {
				budget = cap
			}
			tc["thinkingBudget"] = budget
		}
		gc["thinkingConfig"] = tc
	}

	if req.WebSearch {
		gc["candidateCount"] = 1
	}
	return gc
}

func maxOutputTokensFor(model string) int {
	if strings.Contains(model, "flash") {
		return flashMaxOutputTokens
	}
	return defaultMaxOutputTokens
}

// thinkingBudgetCapFor clamps the reasoning budget on lower-tier models.
func thinkingBudgetCapFor(model string) int {
	if strings.Contains(model, "flash") || strings.Contains(model, "lite") {
		return flashThinkingBudgetCap
	}
	return 0
}

func modelRequiresSignature(model string) bool {
	return strings.HasPrefix(model, "gemini-3")
}

// permissiveSafetySettings force every category to the most permissive
// threshold; the inbound protocol has no safety surface to map from.
func permissiveSafetySettings() []any {
	categories := []string{
		"HARM_CATEGORY_HARASSMENT",
		"HARM_CATEGORY_HATE_SPEECH",
		"HARM_CATEGORY_SEXUALLY_EXPLICIT",
		"HARM_CATEGORY_DANGEROUS_CONTENT",
		"HARM_CATEGORY_CIVIC_INTEGRITY",
	}
	settings := make([]any, 0, len(categories))
	for _, c := range categories {
		settings = append(settings, map[string]any{"category": c, "threshold": "OFF"})
	}
	return settings
}
