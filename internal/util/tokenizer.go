// Package util provides small helpers shared across the bridge: local token
// estimation and JSON field surgery.
package util

import (
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/phamanh/gemini-bridge/internal/translator/ir"
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

func getCodec() tokenizer.Codec {
	codecOnce.Do(func() {
		// The backend does not publish its tokenizer; cl100k is close
		// enough for an estimate.
		codec, _ = tokenizer.Get(tokenizer.Cl100kBase)
	})
	return codec
}

// perMessageOverhead approximates the framing tokens around each message.
const perMessageOverhead = 4

// CountTokensFromIR estimates the prompt token count of a conversation,
// used when the backend token counter is unavailable.
func CountTokensFromIR(req *ir.Request) int64 {
	var sb strings.Builder
	sb.WriteString(req.System)
	for _, m := range req.Messages {
		for _, p := range m.Content {
			sb.WriteString(p.Text)
			sb.WriteString(p.Reasoning)
			if p.ToolUse != nil {
				sb.WriteString(p.ToolUse.Name)
				sb.WriteString(p.ToolUse.Args)
			}
			if p.ToolResult != nil {
				sb.WriteString(p.ToolResult.Result)
			}
		}
	}
	for _, t := range req.Tools {
		sb.WriteString(t.Name)
		sb.WriteString(t.Description)
	}

	text := sb.String()
	overhead := int64(len(req.Messages) * perMessageOverhead)
	if c := getCodec(); c != nil {
		if ids, _, err := c.Encode(text); err == nil {
			return int64(len(ids)) + overhead
		}
	}
	// Rough chars-per-token ratio for mixed prose and code.
	return int64(len(text))/4 + overhead
}
