package from_ir

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/phamanh/gemini-bridge/internal/json"
	"github.com/phamanh/gemini-bridge/internal/translator/ir"
	"github.com/phamanh/gemini-bridge/internal/translator/ledger"
)

// Claude Messages SSE event names.
const (
	sseMessageStart      = "message_start"
	sseMessageDelta      = "message_delta"
	sseMessageStop       = "message_stop"
	sseContentBlockStart = "content_block_start"
	sseContentBlockDelta = "content_block_delta"
	sseContentBlockStop  = "content_block_stop"
	sseError             = "error"
)

// blockState names the currently open content block.
type blockState int

const (
	blockNone blockState = iota
	blockText
	blockReasoning
	blockTool
)

// NewMessageID mints an outbound message identifier.
func NewMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// StreamState drives one streamed response conversion. Events arrive in
// backend order; the state machine opens and closes Claude content blocks
// around them and places the continuation token exactly once.
type StreamState struct {
	model     string
	messageID string
	led       *ledger.Ledger

	started    bool
	finished   bool
	state      blockState
	blockIndex int
	nextIndex  int

	// sawReasoning records whether genuine reasoning text appeared; a
	// token with no reasoning must be smuggled rather than wrapped in a
	// synthetic empty thinking block.
	sawReasoning bool
	pendingSig   []byte
	// blockSig marks the open block as already carrying its signature.
	blockSig     bool
	hasToolCalls bool

	inputTokens int64

	// Search mode defers output so sources and queries can be emitted
	// ahead of the grounded answer.
	search       bool
	searchText   strings.Builder
	searchEvents []ir.UnifiedEvent
	grounding    *ir.GroundingMetadata
}

// NewStreamState builds a stream converter. led may be nil when token
// storage is disabled.
func NewStreamState(model, messageID string, led *ledger.Ledger) *StreamState {
	return &StreamState{model: model, messageID: messageID, led: led, blockIndex: -1}
}

// SearchMode switches the converter to deferred emission for grounded
// search responses.
func (s *StreamState) SearchMode() { s.search = true }

// Feed converts one unified event into zero or more SSE frames.
func (s *StreamState) Feed(ev ir.UnifiedEvent) []byte {
	var out strings.Builder
	s.ensureStart(&out, ev)

	if s.search && ev.Type != ir.EventTypeFinish && ev.Type != ir.EventTypeError {
		s.bufferSearch(&out, ev)
		return []byte(out.String())
	}

	s.feedDirect(&out, ev)
	return []byte(out.String())
}

func (s *StreamState) feedDirect(out *strings.Builder, ev ir.UnifiedEvent) {
	switch ev.Type {
	case ir.EventTypeReasoning:
		s.emitReasoning(out, ev)
	case ir.EventTypeToken:
		if ev.Grounding != nil {
			s.grounding = ev.Grounding
		}
		if ev.Content != "" {
			s.emitText(out, ev.Content)
			if len(ev.Signature) > 0 {
				s.carrySignature(out, ev.Signature)
			}
		} else if len(ev.Signature) > 0 {
			s.holdSignature(ev.Signature)
		}
	case ir.EventTypeToolCall:
		if ev.ToolCall != nil {
			s.emitToolCall(out, ev.ToolCall)
		}
	case ir.EventTypeFinish:
		s.emitFinish(out, ev)
	case ir.EventTypeError:
		out.WriteString(formatSSE(sseError, map[string]any{
			"type":  sseError,
			"error": map[string]any{"type": "api_error", "message": errMsg(ev.Err)},
		}))
	}
}

func (s *StreamState) ensureStart(out *strings.Builder, ev ir.UnifiedEvent) {
	if s.started {
		return
	}
	s.started = true
	if ev.Usage != nil {
		s.inputTokens = ev.Usage.InputTokens
	}
	out.WriteString(formatSSE(sseMessageStart, map[string]any{
		"type": sseMessageStart,
		"message": map[string]any{
			"id":            s.messageID,
			"type":          "message",
			"role":          "assistant",
			"content":       []any{},
			"model":         s.model,
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         map[string]any{"input_tokens": s.inputTokens, "output_tokens": 0},
		},
	}))
}

func (s *StreamState) emitReasoning(out *strings.Builder, ev ir.UnifiedEvent) {
	if ev.Reasoning == "" {
		// Token-only carrier. Flush into an open thinking block, otherwise
		// hold it for the next tool call or thinking block.
		if len(ev.Signature) > 0 {
			if s.state == blockReasoning && !s.blockSig {
				s.writeSignatureDelta(out, ev.Signature)
			} else {
				s.holdSignature(ev.Signature)
			}
		}
		return
	}
	if s.state != blockReasoning {
		s.closeBlock(out)
		s.openBlock(out, blockReasoning, map[string]any{"type": "thinking", "thinking": ""})
	}
	s.sawReasoning = true
	out.WriteString(formatSSE(sseContentBlockDelta, map[string]any{
		"type":  sseContentBlockDelta,
		"index": s.blockIndex,
		"delta": map[string]any{"type": "thinking_delta", "thinking": ev.Reasoning},
	}))
	if len(ev.Signature) > 0 {
		s.writeSignatureDelta(out, ev.Signature)
	}
}

func (s *StreamState) emitText(out *strings.Builder, text string) {
	if s.state != blockText {
		s.closeBlock(out)
		s.openBlock(out, blockText, map[string]any{"type": "text", "text": ""})
	}
	out.WriteString(formatSSE(sseContentBlockDelta, map[string]any{
		"type":  sseContentBlockDelta,
		"index": s.blockIndex,
		"delta": map[string]any{"type": "text_delta", "text": text},
	}))
}

func (s *StreamState) emitToolCall(out *strings.Builder, tc *ir.ToolCall) {
	s.closeBlock(out)
	s.hasToolCalls = true

	sig := tc.Signature
	if len(sig) == 0 {
		sig = s.takeHeldSignature()
	}
	id := tc.ID
	if len(sig) > 0 {
		// The token rides inside the id so stateless clients echo it back.
		id = ir.JoinSignatureID(id, sig)
		if s.led != nil {
			s.led.Put(tc.ID, sig)
		}
	}

	s.openBlock(out, blockTool, map[string]any{
		"type":  "tool_use",
		"id":    id,
		"name":  tc.Name,
		"input": map[string]any{},
	})
	args := tc.Args
	if args == "" {
		args = "{}"
	}
	out.WriteString(formatSSE(sseContentBlockDelta, map[string]any{
		"type":  sseContentBlockDelta,
		"index": s.blockIndex,
		"delta": map[string]any{"type": "input_json_delta", "partial_json": args},
	}))
	s.closeBlock(out)
}

// emitFinish is idempotent; only the first finish event produces frames.
func (s *StreamState) emitFinish(out *strings.Builder, ev ir.UnifiedEvent) {
	if s.finished {
		return
	}
	s.finished = true

	if s.search {
		s.flushSearch(out)
	}
	s.closeBlock(out)
	if len(s.pendingSig) > 0 {
		s.carrySignature(out, s.takeHeldSignature())
	}

	stopReason := string(ir.FinishReasonEndTurn)
	switch {
	case s.hasToolCalls:
		stopReason = string(ir.FinishReasonToolUse)
	case ev.FinishReason != "":
		stopReason = string(ev.FinishReason)
	}

	delta := map[string]any{
		"type":  sseMessageDelta,
		"delta": map[string]any{"stop_reason": stopReason, "stop_sequence": nil},
	}
	if ev.Usage != nil {
		delta["usage"] = usagePayload(ev.Usage)
	}
	out.WriteString(formatSSE(sseMessageDelta, delta))
	out.WriteString(formatSSE(sseMessageStop, map[string]any{"type": sseMessageStop}))
}

// Finish forces termination, for upstream streams that end without a
// finish chunk.
func (s *StreamState) Finish() []byte {
	var out strings.Builder
	s.ensureStart(&out, ir.UnifiedEvent{})
	s.emitFinish(&out, ir.UnifiedEvent{})
	return []byte(out.String())
}

func (s *StreamState) holdSignature(sig []byte) {
	if len(s.pendingSig) == 0 {
		s.pendingSig = sig
	}
}

func (s *StreamState) takeHeldSignature() []byte {
	sig := s.pendingSig
	s.pendingSig = nil
	return sig
}

// carrySignature places a token that arrived on a text part. Once reasoning
// has occurred it materializes as a zero-length thinking block right after
// the text; before that it is held so the next tool call can smuggle it.
func (s *StreamState) carrySignature(out *strings.Builder, sig []byte) {
	if !s.sawReasoning {
		s.holdSignature(sig)
		return
	}
	s.closeBlock(out)
	s.openBlock(out, blockReasoning, map[string]any{"type": "thinking", "thinking": ""})
	s.writeSignatureDelta(out, sig)
	s.closeBlock(out)
}

// writeSignatureDelta emits at most one signature per content block.
func (s *StreamState) writeSignatureDelta(out *strings.Builder, sig []byte) {
	if s.blockSig {
		return
	}
	s.blockSig = true
	out.WriteString(formatSSE(sseContentBlockDelta, map[string]any{
		"type":  sseContentBlockDelta,
		"index": s.blockIndex,
		"delta": map[string]any{"type": "signature_delta", "signature": string(sig)},
	}))
}

func (s *StreamState) openBlock(out *strings.Builder, st blockState, block map[string]any) {
	s.state = st
	s.blockSig = false
	s.blockIndex = s.nextIndex
	s.nextIndex++
	out.WriteString(formatSSE(sseContentBlockStart, map[string]any{
		"type":          sseContentBlockStart,
		"index":         s.blockIndex,
		"content_block": block,
	}))
}

func (s *StreamState) closeBlock(out *strings.Builder) {
	if s.state == blockNone {
		return
	}
	// A thinking block flushes its held token before closing so the
	// signature lands inside the block that produced it.
	if s.state == blockReasoning && len(s.pendingSig) > 0 && !s.blockSig {
		s.writeSignatureDelta(out, s.takeHeldSignature())
	}
	out.WriteString(formatSSE(sseContentBlockStop, map[string]any{
		"type":  sseContentBlockStop,
		"index": s.blockIndex,
	}))
	s.state = blockNone
}

// bufferSearch defers answer text until the finish signal while relaying
// reasoning live.
func (s *StreamState) bufferSearch(out *strings.Builder, ev ir.UnifiedEvent) {
	if ev.Grounding != nil {
		s.grounding = ev.Grounding
	}
	switch ev.Type {
	case ir.EventTypeToken:
		s.searchText.WriteString(ev.Content)
		if len(ev.Signature) > 0 {
			s.holdSignature(ev.Signature)
		}
	case ir.EventTypeReasoning:
		s.emitReasoning(out, ev)
	case ir.EventTypeToolCall:
		s.searchEvents = append(s.searchEvents, ev)
	}
}

// flushSearch emits the deferred grounded response in fixed order: the
// search invocation, its sources, the citations, then the answer text.
func (s *StreamState) flushSearch(out *strings.Builder) {
	for _, ev := range s.searchEvents {
		s.feedDirect(out, ev)
	}
	s.searchEvents = nil

	if s.grounding != nil {
		s.closeBlock(out)
		s.emitSearchBlocks(out)
	}
	if text := s.searchText.String(); text != "" {
		s.emitText(out, text)
	}
	s.searchText.Reset()
}

func (s *StreamState) emitSearchBlocks(out *strings.Builder) {
	toolID := "srvtoolu_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
	query := ""
	if len(s.grounding.WebSearchQueries) > 0 {
		query = s.grounding.WebSearchQueries[0]
	}

	s.openBlock(out, blockTool, map[string]any{
		"type":  "server_tool_use",
		"id":    toolID,
		"name":  "web_search",
		"input": map[string]any{},
	})
	input, _ := json.Marshal(map[string]any{"query": query})
	out.WriteString(formatSSE(sseContentBlockDelta, map[string]any{
		"type":  sseContentBlockDelta,
		"index": s.blockIndex,
		"delta": map[string]any{"type": "input_json_delta", "partial_json": string(input)},
	}))
	s.closeBlock(out)

	results := make([]any, 0, len(s.grounding.Chunks))
	for _, c := range s.grounding.Chunks {
		results = append(results, map[string]any{
			"type":  "web_search_result",
			"url":   c.URI,
			"title": c.Title,
		})
	}
	s.openBlock(out, blockTool, map[string]any{
		"type":        "web_search_tool_result",
		"tool_use_id": toolID,
		"content":     results,
	})
	s.closeBlock(out)

	for _, sup := range s.grounding.Supports {
		cit, ok := citationPayload(s.grounding, sup)
		if !ok {
			continue
		}
		s.openBlock(out, blockText, map[string]any{"type": "text", "text": "", "citations": []any{}})
		out.WriteString(formatSSE(sseContentBlockDelta, map[string]any{
			"type":  sseContentBlockDelta,
			"index": s.blockIndex,
			"delta": map[string]any{"type": "citations_delta", "citation": cit},
		}))
		s.closeBlock(out)
	}
}

// citationPayload maps one grounding support onto a citation location. A
// support with no cited text or no resolvable chunk produces nothing.
func citationPayload(g *ir.GroundingMetadata, sup ir.GroundingSupport) (map[string]any, bool) {
	if sup.Text == "" || len(sup.ChunkIndices) == 0 {
		return nil, false
	}
	idx := sup.ChunkIndices[0]
	if idx < 0 || idx >= len(g.Chunks) {
		return nil, false
	}
	c := g.Chunks[idx]
	enc, _ := json.Marshal(map[string]string{"url": c.URI, "title": c.Title, "cited_text": sup.Text})
	return map[string]any{
		"type":            "web_search_result_location",
		"cited_text":      sup.Text,
		"url":             c.URI,
		"title":           c.Title,
		"encrypted_index": base64.StdEncoding.EncodeToString(enc),
	}, true
}

// BuildClaudeResponse assembles the non-streaming response body from the
// full event list, applying the same block placement rules as the stream.
func BuildClaudeResponse(events []ir.UnifiedEvent, model, messageID string, led *ledger.Ledger) ([]byte, error) {
	var content []any
	var reasoning strings.Builder
	var text strings.Builder
	var reasoningSig, heldSig []byte
	sawReasoning := false
	hasToolCalls := false
	var usage *ir.Usage
	var grounding *ir.GroundingMetadata
	finishReason := ir.FinishReasonEndTurn

	flushReasoning := func() {
		if reasoning.Len() == 0 {
			return
		}
		sawReasoning = true
		block := map[string]any{"type": "thinking", "thinking": reasoning.String()}
		if len(reasoningSig) > 0 {
			block["signature"] = string(reasoningSig)
			reasoningSig = nil
		}
		content = append(content, block)
		reasoning.Reset()
	}
	flushText := func() {
		if text.Len() == 0 {
			return
		}
		content = append(content, map[string]any{"type": "text", "text": text.String()})
		text.Reset()
	}

	for _, ev := range events {
		if ev.Grounding != nil {
			grounding = ev.Grounding
		}
		switch ev.Type {
		case ir.EventTypeReasoning:
			flushText()
			reasoning.WriteString(ev.Reasoning)
			if len(ev.Signature) > 0 {
				if reasoning.Len() > 0 && len(reasoningSig) == 0 {
					reasoningSig = ev.Signature
				} else if reasoning.Len() == 0 && len(heldSig) == 0 {
					heldSig = ev.Signature
				}
			}
		case ir.EventTypeToken:
			flushReasoning()
			text.WriteString(ev.Content)
			// A token on a text part is held for the next tool call.
			if len(ev.Signature) > 0 && len(heldSig) == 0 {
				heldSig = ev.Signature
			}
		case ir.EventTypeToolCall:
			if ev.ToolCall == nil {
				continue
			}
			flushReasoning()
			flushText()
			hasToolCalls = true
			tc := ev.ToolCall
			sig := tc.Signature
			if len(sig) == 0 {
				sig = heldSig
				heldSig = nil
			}
			id := tc.ID
			if len(sig) > 0 {
				id = ir.JoinSignatureID(id, sig)
				if led != nil {
					led.Put(tc.ID, sig)
				}
			}
			content = append(content, map[string]any{
				"type":  "tool_use",
				"id":    id,
				"name":  tc.Name,
				"input": ir.ParseToolCallArgs(tc.Args),
			})
		case ir.EventTypeFinish:
			if ev.Usage != nil {
				usage = ev.Usage
			}
			if ev.FinishReason != "" {
				finishReason = ev.FinishReason
			}
		}
	}
	flushReasoning()
	if grounding != nil {
		content = append(content, searchContentBlocks(grounding)...)
	}
	flushText()

	// A still-held token materializes as a zero-length thinking block, but
	// only when the response already carries genuine reasoning.
	if len(heldSig) > 0 && sawReasoning {
		content = append(content, map[string]any{
			"type":      "thinking",
			"thinking":  "",
			"signature": string(heldSig),
		})
	}

	if hasToolCalls {
		finishReason = ir.FinishReasonToolUse
	}
	response := map[string]any{
		"id":            messageID,
		"type":          "message",
		"role":          "assistant",
		"content":       content,
		"model":         model,
		"stop_reason":   string(finishReason),
		"stop_sequence": nil,
	}
	if usage != nil {
		response["usage"] = usagePayload(usage)
	}
	return json.Marshal(response)
}

// searchContentBlocks assembles the non-streaming search message shape:
// the invocation, its sources, then one annotated empty-text block per
// citation. The caller appends the answer text after these.
func searchContentBlocks(g *ir.GroundingMetadata) []any {
	toolID := "srvtoolu_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
	query := ""
	if len(g.WebSearchQueries) > 0 {
		query = g.WebSearchQueries[0]
	}
	results := make([]any, 0, len(g.Chunks))
	for _, c := range g.Chunks {
		results = append(results, map[string]any{
			"type":  "web_search_result",
			"url":   c.URI,
			"title": c.Title,
		})
	}

	blocks := []any{
		map[string]any{
			"type":  "server_tool_use",
			"id":    toolID,
			"name":  "web_search",
			"input": map[string]any{"query": query},
		},
		map[string]any{
			"type":        "web_search_tool_result",
			"tool_use_id": toolID,
			"content":     results,
		},
	}
	for _, sup := range g.Supports {
		cit, ok := citationPayload(g, sup)
		if !ok {
			continue
		}
		blocks = append(blocks, map[string]any{
			"type":      "text",
			"text":      "",
			"citations": []any{cit},
		})
	}
	return blocks
}

// usagePayload derives output tokens, trusting the reported total over the
// candidate count when the two disagree.
func usagePayload(u *ir.Usage) map[string]any {
	output := u.OutputTokens + u.ThoughtsTokens
	if u.TotalTokens > 0 && u.TotalTokens >= u.InputTokens {
		if derived := u.TotalTokens - u.InputTokens - u.CachedTokens; derived > 0 {
			output = derived
		}
	}
	payload := map[string]any{
		"input_tokens":  u.InputTokens,
		"output_tokens": output,
	}
	if u.CachedTokens > 0 {
		payload["cache_read_input_tokens"] = u.CachedTokens
	}
	return payload
}

func formatSSE(eventType string, data any) string {
	payload, _ := json.Marshal(data)
	return fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, payload)
}

func errMsg(err error) string {
	if err != nil {
		return err.Error()
	}
	return "unknown error"
}
