package session

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/phamanh/gemini-bridge/internal/bridge"
	"github.com/phamanh/gemini-bridge/internal/logging"
	"github.com/phamanh/gemini-bridge/internal/translator/ir"
)

// Plan is the routing decision for one turn, computed before transcoding.
type Plan struct {
	// Model is the upstream model this turn should call.
	Model string
	// ForwardSignatures gates continuation-token forwarding for the call.
	ForwardSignatures bool
	// SignatureSegmentStart bounds token forwarding to messages at or
	// after this index.
	SignatureSegmentStart int
	// BufferFirst is set when the first streamed attempt must be buffered
	// and inspected for a switch request before reaching the client.
	BufferFirst bool
	// Folded reports that the substitute segment was collapsed into the
	// request history this turn.
	Folded bool
}

// Orchestrator decides, per turn, which model serves a session and when the
// buffered switch-retry applies. An empty substitute model disables every
// switch path.
type Orchestrator struct {
	sessions   *Manager
	substitute string
}

func NewOrchestrator(sessions *Manager, substituteModel string) *Orchestrator {
	return &Orchestrator{sessions: sessions, substitute: substituteModel}
}

func (o *Orchestrator) Enabled() bool { return o != nil && o.substitute != "" }

// PlanTurn inspects the session and the parsed request. It may mutate
// req.Messages when an open substitute segment must be folded back.
func (o *Orchestrator) PlanTurn(req *ir.Request, resolvedModel string) Plan {
	plan := Plan{Model: resolvedModel, ForwardSignatures: true}
	if !o.Enabled() {
		return plan
	}

	st := o.sessions.Get(req.SessionID)
	if st.SegmentStart >= 0 {
		if req.HasToolResult() && o.resultBelongsToSegment(req, st.SegmentStart) {
			// Still working through the substitute segment's tool loop.
			plan.Model = o.substitute
			plan.SignatureSegmentStart = st.SegmentStart
			return plan
		}
		if FamilyOf(resolvedModel) == FamilyParts {
			foldIdx := FoldHistory(req, st.SegmentStart)
			o.sessions.CloseSegment(req.SessionID)
			plan.Folded = true
			// Tokens minted before the fold are structurally invalid for
			// the primary family.
			plan.SignatureSegmentStart = foldIdx + 1
			logging.WithFields(logging.Fields{
				"session": req.SessionID,
				"fold_at": foldIdx,
			}).Info("folded substitute segment back to primary model")
		}
	}

	if o.eligibleForBufferedRetry(req, plan.Model) {
		plan.BufferFirst = true
	}
	return plan
}

// eligibleForBufferedRetry applies only to streamed fresh turns that declare
// a bridged tool against a model that cannot execute it natively.
func (o *Orchestrator) eligibleForBufferedRetry(req *ir.Request, model string) bool {
	if !req.Stream || req.HasToolResult() {
		return false
	}
	if FamilyOf(model) != FamilyParts {
		return false
	}
	for _, t := range req.Tools {
		if bridge.IsBridged(t.Name) {
			return true
		}
	}
	return false
}

// CommitSwitch records the substitute segment and returns the replacement
// plan for re-issuing the discarded turn.
func (o *Orchestrator) CommitSwitch(req *ir.Request) Plan {
	segmentStart := len(req.Messages) - 1
	if segmentStart < 0 {
		segmentStart = 0
	}
	o.sessions.CommitSwitch(req.SessionID, segmentStart)
	logging.WithFields(logging.Fields{
		"session":       req.SessionID,
		"model":         o.substitute,
		"segment_start": segmentStart,
	}).Info("switching turn to substitute model")
	return Plan{
		Model:                 o.substitute,
		ForwardSignatures:     true,
		SignatureSegmentStart: segmentStart,
	}
}

// resultBelongsToSegment attributes this turn's tool results. An invocation
// counts as in-segment when its name carries the bridge prefix or it was
// issued at or after the segment start; an invocation that cannot be found
// in history at all is treated as in-segment, preferring continuity.
func (o *Orchestrator) resultBelongsToSegment(req *ir.Request, segmentStart int) bool {
	last := req.Messages[len(req.Messages)-1]
	for _, p := range last.Content {
		if p.Type != ir.ContentTypeToolResult || p.ToolResult == nil {
			continue
		}
		idx, name, found := findInvocation(req.Messages, p.ToolResult.ToolCallID)
		if !found {
			return true
		}
		if bridge.IsBridged(name) || idx >= segmentStart {
			return true
		}
	}
	return false
}

func findInvocation(messages []ir.Message, toolCallID string) (int, string, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != ir.RoleAssistant {
			continue
		}
		for _, p := range messages[i].Content {
			if p.Type == ir.ContentTypeToolUse && p.ToolUse != nil && p.ToolUse.ID == toolCallID {
				return i, p.ToolUse.Name, true
			}
		}
	}
	return 0, "", false
}

// DetectSwitch scans a buffered outbound stream for either the literal
// switch marker in answer text or an attempted bridged tool invocation.
func DetectSwitch(buffered []byte) bool {
	found := false
	forEachSSEData(buffered, func(data gjson.Result) {
		if found {
			return
		}
		switch data.Get("type").String() {
		case "content_block_delta":
			d := data.Get("delta")
			if d.Get("type").String() == "text_delta" &&
				strings.Contains(d.Get("text").String(), bridge.SwitchMarker) {
				found = true
			}
		case "content_block_start":
			cb := data.Get("content_block")
			if cb.Get("type").String() == "tool_use" && bridge.IsBridged(cb.Get("name").String()) {
				found = true
			}
		}
	})
	return found
}

func forEachSSEData(buffered []byte, fn func(gjson.Result)) {
	for _, line := range strings.Split(string(buffered), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := gjson.Parse(strings.TrimPrefix(line, "data: "))
		if data.IsObject() {
			fn(data)
		}
	}
}
