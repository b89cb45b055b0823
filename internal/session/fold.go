package session

import (
	"github.com/phamanh/gemini-bridge/internal/translator/ir"
)

// FoldHistory collapses the open substitute segment into a single synthetic
// user message carrying the segment's most recent answer text verbatim. The
// current turn (the final user message) is preserved after the fold.
// Returns the index of the synthetic message.
func FoldHistory(req *ir.Request, segmentStart int) int {
	if segmentStart < 0 || segmentStart >= len(req.Messages) {
		return len(req.Messages) - 1
	}

	// Keep the in-flight turn out of the folded span.
	segmentEnd := len(req.Messages)
	if last := len(req.Messages) - 1; last >= segmentStart && req.Messages[last].Role == ir.RoleUser {
		segmentEnd = last
	}
	if segmentEnd <= segmentStart {
		return segmentStart
	}

	summary := lastAnswerText(req.Messages[segmentStart:segmentEnd])
	if summary == "" {
		summary = "(no answer text was produced in the previous segment)"
	}

	folded := make([]ir.Message, 0, segmentStart+1+len(req.Messages)-segmentEnd)
	folded = append(folded, req.Messages[:segmentStart]...)
	folded = append(folded, ir.Message{
		Role: ir.RoleUser,
		Content: []ir.ContentPart{{
			Type: ir.ContentTypeText,
			Text: "Summary of the assistant's previous work:\n" + summary,
		}},
	})
	folded = append(folded, req.Messages[segmentEnd:]...)
	req.Messages = folded
	return segmentStart
}

// lastAnswerText returns the final assistant answer text within the span.
func lastAnswerText(span []ir.Message) string {
	for i := len(span) - 1; i >= 0; i-- {
		if span[i].Role != ir.RoleAssistant {
			continue
		}
		text := ""
		for _, p := range span[i].Content {
			if p.Type == ir.ContentTypeText && p.Text != "" {
				if text != "" {
					text += "\n"
				}
				text += p.Text
			}
		}
		if text != "" {
			return text
		}
	}
	return ""
}
