package bridge

import (
	"bytes"
	"strings"

	"github.com/tailscale/hujson"

	"github.com/phamanh/gemini-bridge/internal/json"
	"github.com/phamanh/gemini-bridge/internal/translator/ir"
)

// Event is one tokenizer output: literal text to forward, or a parsed tool
// invocation.
type Event struct {
	Text string
	Call *ir.ToolCall
}

type tokenizerState int

const (
	stateText tokenizerState = iota
	stateBody
)

// Tokenizer scans the streamed text channel for bridged tool tags. It is
// tolerant of tag boundaries split across chunks: a buffered suffix that is a
// prefix of a known open or close tag is held back until disambiguated.
// Not safe for concurrent use; one tokenizer per response stream.
type Tokenizer struct {
	names    []string
	buf      []byte
	state    tokenizerState
	openName string
	openTag  []byte // raw open-tag text, replayed literally if never closed
}

// NewTokenizer compiles the declared bridged names once per request.
func NewTokenizer(names []string) *Tokenizer {
	return &Tokenizer{names: names}
}

// Feed consumes one streamed chunk and returns the events it disambiguates.
func (t *Tokenizer) Feed(chunk string) []Event {
	t.buf = append(t.buf, chunk...)
	var events []Event
	for {
		switch t.state {
		case stateText:
			lt := bytes.IndexByte(t.buf, '<')
			if lt == -1 {
				if len(t.buf) > 0 {
					events = append(events, Event{Text: string(t.buf)})
					t.buf = t.buf[:0]
				}
				return events
			}
			if lt > 0 {
				events = append(events, Event{Text: string(t.buf[:lt])})
				t.buf = t.buf[lt:]
			}
			name, consumed, selfClosed, status := t.matchOpenTag(t.buf)
			switch status {
			case matchIncomplete:
				return events
			case matchNone:
				// Not a declared tag; the '<' is literal text.
				events = append(events, Event{Text: "<"})
				t.buf = t.buf[1:]
			case matchFound:
				if selfClosed {
					events = append(events, Event{Call: newCall(name, "")})
					t.buf = t.buf[consumed:]
					continue
				}
				t.openName = name
				t.openTag = append([]byte(nil), t.buf[:consumed]...)
				t.buf = t.buf[consumed:]
				t.state = stateBody
			}
		case stateBody:
			body, consumed, ok := t.findCloseTag(t.buf, t.openName)
			if !ok {
				return events
			}
			events = append(events, Event{Call: newCall(t.openName, string(body))})
			t.buf = t.buf[consumed:]
			t.openName = ""
			t.openTag = nil
			t.state = stateText
		}
	}
}

// Flush ends the stream. Any unterminated tag or held prefix is emitted as
// the literal text it was, never dropped.
func (t *Tokenizer) Flush() []Event {
	var events []Event
	if t.state == stateBody {
		raw := string(t.openTag) + string(t.buf)
		if raw != "" {
			events = append(events, Event{Text: raw})
		}
	} else if len(t.buf) > 0 {
		events = append(events, Event{Text: string(t.buf)})
	}
	t.buf = nil
	t.openTag = nil
	t.openName = ""
	t.state = stateText
	return events
}

type matchStatus int

const (
	matchNone matchStatus = iota
	matchIncomplete
	matchFound
)

// matchOpenTag inspects buf (starting at '<') against the declared names.
// A name only matches on a full-name boundary: the next character must be
// '>', '/' or whitespace, so a declared name that prefixes another declared
// name cannot match early.
func (t *Tokenizer) matchOpenTag(buf []byte) (name string, consumed int, selfClosed bool, status matchStatus) {
	incomplete := false
	for _, n := range t.names {
		open := "<" + n
		if len(buf) < len(open) {
			if strings.HasPrefix(open, string(buf)) {
				incomplete = true
			}
			continue
		}
		if string(buf[:len(open)]) != open {
			continue
		}
		rest := buf[len(open):]
		if len(rest) == 0 {
			incomplete = true
			continue
		}
		switch c := rest[0]; {
		case c == '>':
			return n, len(open) + 1, false, matchFound
		case c == '/' || c == ' ' || c == '\t' || c == '\n' || c == '\r':
			gt := bytes.IndexByte(rest, '>')
			if gt == -1 {
				incomplete = true
				continue
			}
			selfClosed := bytes.Contains(rest[:gt], []byte("/"))
			return n, len(open) + gt + 1, selfClosed, matchFound
		default:
			// Name boundary not met; try shorter declared names.
			continue
		}
	}
	if incomplete {
		return "", 0, false, matchIncomplete
	}
	return "", 0, false, matchNone
}

// findCloseTag searches buf for the close tag of name. Returns the body and
// total bytes consumed through the close tag, or ok=false when more input is
// needed.
func (t *Tokenizer) findCloseTag(buf []byte, name string) (body []byte, consumed int, ok bool) {
	closing := []byte("</" + name)
	from := 0
	for {
		idx := bytes.Index(buf[from:], closing)
		if idx == -1 {
			return nil, 0, false
		}
		idx += from
		j := idx + len(closing)
		for j < len(buf) && (buf[j] == ' ' || buf[j] == '\t' || buf[j] == '\n' || buf[j] == '\r') {
			j++
		}
		if j >= len(buf) {
			// Close tag split across chunks.
			return nil, 0, false
		}
		if buf[j] == '>' {
			return buf[:idx], j + 1, true
		}
		// False boundary, e.g. "</mcp__toolx>"; keep scanning.
		from = idx + 1
	}
}

func newCall(name, body string) *ir.ToolCall {
	return &ir.ToolCall{
		ID:   ir.GenToolCallID(),
		Name: name,
		Args: parseTagBody(body),
	}
}

// parseTagBody turns a tag body into a JSON argument payload. JSON bodies
// are standardized; otherwise a minimal nested-tag tree is attempted, with a
// raw-text wrapper as the permissive fallback.
func parseTagBody(body string) string {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return "{}"
	}
	if trimmed[0] == '{' || trimmed[0] == '[' {
		if json.Valid([]byte(trimmed)) {
			return trimmed
		}
		if repaired, err := hujson.Standardize([]byte(trimmed)); err == nil && json.Valid(repaired) {
			return string(repaired)
		}
	}
	if tree, ok := parseTagTree(trimmed); ok {
		if encoded, err := json.Marshal(tree); err == nil {
			return string(encoded)
		}
	}
	raw, err := json.Marshal(map[string]string{"raw": trimmed})
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// parseTagTree parses a flat or nested sequence of <key>value</key> pairs.
func parseTagTree(s string) (map[string]any, bool) {
	out := map[string]any{}
	i := 0
	for i < len(s) {
		for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == '\n' || s[i] == '\r') {
			i++
		}
		if i >= len(s) {
			break
		}
		if s[i] != '<' {
			return nil, false
		}
		gt := strings.IndexByte(s[i:], '>')
		if gt == -1 {
			return nil, false
		}
		key := s[i+1 : i+gt]
		if key == "" || strings.ContainsAny(key, "</>") {
			return nil, false
		}
		closing := "</" + key + ">"
		rest := s[i+gt+1:]
		end := strings.Index(rest, closing)
		if end == -1 {
			return nil, false
		}
		inner := rest[:end]
		if child, ok := parseTagTree(inner); ok && len(child) > 0 {
			out[key] = child
		} else {
			out[key] = strings.TrimSpace(inner)
		}
		i += gt + 1 + end + len(closing)
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}
