// Package ir holds the bridge-internal representation of a conversation:
// the parsed inbound request, its content parts, and the unified event
// stream reconstructed from backend output.
package ir

import "errors"

var (
	ErrInvalidJSON    = errors.New("invalid JSON payload")
	ErrMissingModel   = errors.New("request is missing model")
	ErrEmptyMessages  = errors.New("request has no messages")
	ErrStreamFinished = errors.New("stream already finished")
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type ContentType string

const (
	ContentTypeText              ContentType = "text"
	ContentTypeReasoning         ContentType = "reasoning"
	ContentTypeRedactedReasoning ContentType = "redacted_reasoning"
	ContentTypeImage             ContentType = "image"
	ContentTypeToolUse           ContentType = "tool_use"
	ContentTypeToolResult        ContentType = "tool_result"
)

// ImagePart is a base64 payload plus its mime type.
type ImagePart struct {
	MimeType string
	Data     string
}

// ToolResultPart references a prior tool invocation by id.
type ToolResultPart struct {
	ToolCallID string
	Result     string
	IsError    bool
	Images     []*ImagePart
}

// ContentPart is one content item of a message. Signature is the opaque
// continuation token the backend issued on the matching output part; it must
// be replayed on the same semantic part and never merged across parts.
type ContentPart struct {
	Type       ContentType
	Text       string
	Reasoning  string
	Redacted   string
	Image      *ImagePart
	ToolUse    *ToolCall
	ToolResult *ToolResultPart
	Signature  []byte
}

// ToolCall is a structured tool invocation.
type ToolCall struct {
	ID        string
	Name      string
	Args      string
	Signature []byte
}

// Message content keeps the client's block order; tool invocations appear as
// in-order ContentTypeToolUse parts, which the request transcoder's ordering
// rules depend on.
type Message struct {
	Role    Role
	Content []ContentPart
}

// ToolDefinition declares a callable tool with a JSON-Schema-like parameter
// tree. The dialect differs per client family; see CleanSchemaForGemini.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

type ThinkingConfig struct {
	Enabled bool
	Budget  int
}

// Request is the parsed inbound conversation.
type Request struct {
	Model         string
	MaxTokens     *int
	Temperature   *float64
	TopP          *float64
	TopK          *int
	StopSequences []string
	System        string
	Messages      []Message
	Tools         []ToolDefinition
	Thinking      *ThinkingConfig
	Stream        bool
	SessionID     string
	WebSearch     bool
}

// HasToolResult reports whether the final user message carries a tool_result,
// i.e. the turn continues a prior tool round trip.
func (r *Request) HasToolResult() bool {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		m := r.Messages[i]
		if m.Role != RoleUser {
			continue
		}
		for _, p := range m.Content {
			if p.Type == ContentTypeToolResult {
				return true
			}
		}
		return false
	}
	return false
}

type EventType string

const (
	EventTypeToken     EventType = "token"
	EventTypeReasoning EventType = "reasoning"
	EventTypeToolCall  EventType = "tool_call"
	EventTypeFinish    EventType = "finish"
	EventTypeError     EventType = "error"
)

type FinishReason string

const (
	FinishReasonEndTurn   FinishReason = "end_turn"
	FinishReasonMaxTokens FinishReason = "max_tokens"
	FinishReasonToolUse   FinishReason = "tool_use"
)

type Usage struct {
	InputTokens    int64
	OutputTokens   int64
	ThoughtsTokens int64
	TotalTokens    int64
	CachedTokens   int64
}

// GroundingChunk is one web source behind a built-in search answer.
type GroundingChunk struct {
	URI    string
	Title  string
	Domain string
}

// GroundingSupport maps an answer text segment to source chunks.
type GroundingSupport struct {
	StartIndex   int
	EndIndex     int
	Text         string
	ChunkIndices []int
}

type GroundingMetadata struct {
	WebSearchQueries []string
	Chunks           []GroundingChunk
	Supports         []GroundingSupport
}

// UnifiedEvent is one reconstructed backend output item.
type UnifiedEvent struct {
	Type         EventType
	Content      string
	Reasoning    string
	Signature    []byte
	ToolCall     *ToolCall
	Usage        *Usage
	FinishReason FinishReason
	Grounding    *GroundingMetadata
	Err          error
}
