package handlers

import (
	"testing"

	"github.com/phamanh/gemini-bridge/internal/bridge"
	"github.com/phamanh/gemini-bridge/internal/translator/from_ir"
	"github.com/phamanh/gemini-bridge/internal/translator/ir"
)

func newBridgedPipe(t *testing.T) *streamPipe {
	t.Helper()
	br := bridge.New([]ir.ToolDefinition{{Name: "mcp__files__read"}})
	if !br.Active() {
		t.Fatal("bridge should be active")
	}
	state := from_ir.NewStreamState("gemini-2.5-pro", "msg_pipe", nil)
	return newStreamPipe(state, br, nil)
}

func TestTokenizerKeepsSignatureOnText(t *testing.T) {
	p := newBridgedPipe(t)

	evs := p.filter(ir.UnifiedEvent{
		Type:      ir.EventTypeToken,
		Content:   "hello",
		Signature: []byte("tok-9"),
		Usage:     &ir.Usage{InputTokens: 9},
	})
	if len(evs) == 0 {
		t.Fatal("text event vanished")
	}
	last := evs[len(evs)-1]
	if last.Type != ir.EventTypeToken || string(last.Signature) != "tok-9" {
		t.Fatalf("signature lost: %+v", last)
	}
	if last.Usage == nil || last.Usage.InputTokens != 9 {
		t.Fatalf("usage lost: %+v", last)
	}
}

func TestTokenizerKeepsMetadataOnEmptyChunk(t *testing.T) {
	p := newBridgedPipe(t)

	evs := p.filter(ir.UnifiedEvent{
		Type:      ir.EventTypeToken,
		Usage:     &ir.Usage{InputTokens: 12},
		Grounding: &ir.GroundingMetadata{WebSearchQueries: []string{"q"}},
	})
	if len(evs) != 1 {
		t.Fatalf("metadata-only event vanished: %v", evs)
	}
	if evs[0].Usage == nil || evs[0].Usage.InputTokens != 12 {
		t.Fatalf("usage lost: %+v", evs[0])
	}
	if evs[0].Grounding == nil {
		t.Fatalf("grounding lost: %+v", evs[0])
	}
}

func TestTokenizerBridgedCallStillParsed(t *testing.T) {
	p := newBridgedPipe(t)

	evs := p.filter(ir.UnifiedEvent{
		Type:      ir.EventTypeToken,
		Content:   `<mcp__files__read>{"path":"a.go"}</mcp__files__read>`,
		Signature: []byte("tok-10"),
	})
	var call *ir.ToolCall
	carried := false
	for _, ev := range evs {
		if ev.Type == ir.EventTypeToolCall {
			call = ev.ToolCall
		}
		if len(ev.Signature) > 0 {
			carried = true
		}
	}
	if call == nil || call.Name != "mcp__files__read" {
		t.Fatalf("call not parsed: %v", evs)
	}
	if !carried {
		t.Fatal("signature dropped alongside the parsed call")
	}
}
