package to_ir

import (
	"github.com/tidwall/gjson"

	"github.com/phamanh/gemini-bridge/internal/translator/ir"
)

// ParseBackendChunk converts one backend payload (a stream chunk or a full
// non-streaming response) into unified events. A payload that carries no
// recognizable candidate yields only whatever usage it reports; the caller
// decides whether to skip it.
func ParseBackendChunk(raw []byte) []ir.UnifiedEvent {
	root := ir.UnwrapBackendEnvelope(raw)
	var events []ir.UnifiedEvent

	candidate := root.Get("candidates.0")
	if candidate.Exists() {
		candidate.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
			if ev, ok := parsePart(part); ok {
				events = append(events, ev)
			}
			return true
		})
		if g := parseGrounding(candidate.Get("groundingMetadata")); g != nil {
			events = append(events, ir.UnifiedEvent{Type: ir.EventTypeToken, Grounding: g})
		}
		if fr := candidate.Get("finishReason"); fr.Exists() {
			events = append(events, ir.UnifiedEvent{
				Type:         ir.EventTypeFinish,
				FinishReason: ir.MapGeminiFinishReason(fr.String()),
			})
		}
	}

	if usage := parseUsage(root.Get("usageMetadata")); usage != nil {
		if n := len(events); n > 0 && events[n-1].Type == ir.EventTypeFinish {
			events[n-1].Usage = usage
		} else {
			events = append(events, ir.UnifiedEvent{Type: ir.EventTypeToken, Usage: usage})
		}
	}
	return events
}

func parsePart(part gjson.Result) (ir.UnifiedEvent, bool) {
	if fc := part.Get("functionCall"); fc.Exists() {
		args := fc.Get("args").Raw
		if args == "" {
			args = "{}"
		}
		id := fc.Get("id").String()
		if id == "" {
			id = ir.GenToolCallID()
		}
		return ir.UnifiedEvent{
			Type: ir.EventTypeToolCall,
			ToolCall: &ir.ToolCall{
				ID:        id,
				Name:      fc.Get("name").String(),
				Args:      args,
				Signature: ir.ExtractSignature(part),
			},
		}, true
	}

	text := part.Get("text")
	sig := ir.ExtractSignature(part)

	if part.Get("thought").Bool() {
		return ir.UnifiedEvent{
			Type:      ir.EventTypeReasoning,
			Reasoning: text.String(),
			Signature: sig,
		}, true
	}

	// A part carrying only a signature still matters: the continuation
	// token must reach the client even without visible output.
	if !text.Exists() || text.String() == "" {
		if len(sig) > 0 {
			return ir.UnifiedEvent{Type: ir.EventTypeReasoning, Signature: sig}, true
		}
		return ir.UnifiedEvent{}, false
	}

	return ir.UnifiedEvent{
		Type:      ir.EventTypeToken,
		Content:   text.String(),
		Signature: sig,
	}, true
}

func parseGrounding(meta gjson.Result) *ir.GroundingMetadata {
	if !meta.Exists() {
		return nil
	}
	g := &ir.GroundingMetadata{}
	meta.Get("webSearchQueries").ForEach(func(_, q gjson.Result) bool {
		g.WebSearchQueries = append(g.WebSearchQueries, q.String())
		return true
	})
	meta.Get("groundingChunks").ForEach(func(_, c gjson.Result) bool {
		g.Chunks = append(g.Chunks, ir.GroundingChunk{
			URI:    c.Get("web.uri").String(),
			Title:  c.Get("web.title").String(),
			Domain: c.Get("web.domain").String(),
		})
		return true
	})
	meta.Get("groundingSupports").ForEach(func(_, s gjson.Result) bool {
		sup := ir.GroundingSupport{
			StartIndex: int(s.Get("segment.startIndex").Int()),
			EndIndex:   int(s.Get("segment.endIndex").Int()),
			Text:       s.Get("segment.text").String(),
		}
		s.Get("groundingChunkIndices").ForEach(func(_, i gjson.Result) bool {
			sup.ChunkIndices = append(sup.ChunkIndices, int(i.Int()))
			return true
		})
		g.Supports = append(g.Supports, sup)
		return true
	})
	if len(g.WebSearchQueries) == 0 && len(g.Chunks) == 0 && len(g.Supports) == 0 {
		return nil
	}
	return g
}

func parseUsage(meta gjson.Result) *ir.Usage {
	if !meta.Exists() {
		return nil
	}
	return &ir.Usage{
		InputTokens:    meta.Get("promptTokenCount").Int(),
		OutputTokens:   meta.Get("candidatesTokenCount").Int(),
		ThoughtsTokens: meta.Get("thoughtsTokenCount").Int(),
		TotalTokens:    meta.Get("totalTokenCount").Int(),
		CachedTokens:   meta.Get("cachedContentTokenCount").Int(),
	}
}
