package handlers

import (
	"bufio"
	"bytes"
	"context"
	"io"

	"github.com/phamanh/gemini-bridge/internal/bridge"
	"github.com/phamanh/gemini-bridge/internal/translator/from_ir"
	"github.com/phamanh/gemini-bridge/internal/translator/ir"
	"github.com/phamanh/gemini-bridge/internal/translator/to_ir"
	"github.com/phamanh/gemini-bridge/internal/websearch"
)

// Backend chunks can carry large inline payloads.
const maxSSELineSize = 10 * 1024 * 1024

// streamPipe turns the backend SSE stream into client SSE frames. When the
// tag protocol is active, literal text passes through the bridge tokenizer
// so in-band invocations surface as tool_use blocks.
type streamPipe struct {
	state    *from_ir.StreamState
	tok      *bridge.Tokenizer
	resolver *websearch.Resolver
	usage    *ir.Usage
}

func newStreamPipe(state *from_ir.StreamState, br *bridge.Bridge, resolver *websearch.Resolver) *streamPipe {
	p := &streamPipe{state: state, resolver: resolver}
	if br.Active() {
		p.tok = bridge.NewTokenizer(br.Names())
	}
	return p
}

// consume transcodes one backend chunk. Garbage input produces no events
// and is silently skipped.
func (p *streamPipe) consume(ctx context.Context, chunk []byte) []byte {
	var out bytes.Buffer
	for _, ev := range to_ir.ParseBackendChunk(chunk) {
		for _, fev := range p.filter(ev) {
			if fev.Grounding != nil && p.resolver != nil {
				p.resolver.ResolveGrounding(ctx, fev.Grounding)
			}
			if fev.Usage != nil {
				p.usage = fev.Usage
			}
			out.Write(p.state.Feed(fev))
		}
	}
	return out.Bytes()
}

func (p *streamPipe) filter(ev ir.UnifiedEvent) []ir.UnifiedEvent {
	if p.tok == nil {
		return []ir.UnifiedEvent{ev}
	}
	switch ev.Type {
	case ir.EventTypeToken:
		return carryMetadata(tokenizerEvents(p.tok.Feed(ev.Content)), ev)
	case ir.EventTypeFinish:
		// A partial tag at end of stream degrades to literal text.
		evs := tokenizerEvents(p.tok.Flush())
		return append(evs, ev)
	default:
		return []ir.UnifiedEvent{ev}
	}
}

func tokenizerEvents(events []bridge.Event) []ir.UnifiedEvent {
	out := make([]ir.UnifiedEvent, 0, len(events))
	for _, e := range events {
		switch {
		case e.Call != nil:
			out = append(out, ir.UnifiedEvent{Type: ir.EventTypeToolCall, ToolCall: e.Call})
		case e.Text != "":
			out = append(out, ir.UnifiedEvent{Type: ir.EventTypeToken, Content: e.Text})
		}
	}
	return out
}

// carryMetadata re-attaches the signature, usage, and grounding that rode
// on a text part the tokenizer consumed. They land on the last text event,
// or on a bare carrier event when the tokenizer produced nothing.
func carryMetadata(evs []ir.UnifiedEvent, src ir.UnifiedEvent) []ir.UnifiedEvent {
	if len(src.Signature) == 0 && src.Usage == nil && src.Grounding == nil {
		return evs
	}
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Type == ir.EventTypeToken {
			evs[i].Signature = src.Signature
			evs[i].Usage = src.Usage
			evs[i].Grounding = src.Grounding
			return evs
		}
	}
	return append(evs, ir.UnifiedEvent{
		Type:      ir.EventTypeToken,
		Signature: src.Signature,
		Usage:     src.Usage,
		Grounding: src.Grounding,
	})
}

// pump reads the backend stream to completion, writing transcoded frames
// to w. An abrupt upstream end still closes the client message cleanly.
func (p *streamPipe) pump(ctx context.Context, r io.Reader, w io.Writer, flush func()) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxSSELineSize)
	for sc.Scan() {
		data := ir.ExtractSSEData(sc.Bytes())
		if len(data) == 0 {
			continue
		}
		if frames := p.consume(ctx, data); len(frames) > 0 {
			if _, err := w.Write(frames); err != nil {
				return err
			}
			if flush != nil {
				flush()
			}
		}
	}
	if frames := p.finishFrames(); len(frames) > 0 {
		if _, err := w.Write(frames); err != nil {
			return err
		}
		if flush != nil {
			flush()
		}
	}
	return sc.Err()
}

// finishFrames flushes any held tokenizer text and forces message closure.
// Safe to call after a stream that already finished normally.
func (p *streamPipe) finishFrames() []byte {
	var out bytes.Buffer
	if p.tok != nil {
		for _, ev := range tokenizerEvents(p.tok.Flush()) {
			out.Write(p.state.Feed(ev))
		}
	}
	out.Write(p.state.Finish())
	return out.Bytes()
}
