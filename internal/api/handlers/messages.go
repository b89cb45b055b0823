package handlers

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/phamanh/gemini-bridge/internal/bridge"
	"github.com/phamanh/gemini-bridge/internal/config"
	"github.com/phamanh/gemini-bridge/internal/logging"
	"github.com/phamanh/gemini-bridge/internal/resilience"
	"github.com/phamanh/gemini-bridge/internal/session"
	"github.com/phamanh/gemini-bridge/internal/translator/from_ir"
	"github.com/phamanh/gemini-bridge/internal/translator/ir"
	"github.com/phamanh/gemini-bridge/internal/translator/to_ir"
)

// Messages serves POST /v1/messages, streaming or buffered.
func (h *Handler) Messages(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		errorEnvelope(c, http.StatusBadRequest, "invalid_request_error", "read request body: "+err.Error())
		return
	}
	logging.Milestone("inbound request", body)

	req, err := to_ir.ParseClaudeRequest(body, h.led)
	if err != nil {
		errorEnvelope(c, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	cfg := h.cfg.Current()
	resolved := cfg.ResolveModel(req.Model)

	var br *bridge.Bridge
	if cfg.Bridge.Enabled {
		if b := bridge.New(req.Tools); b.Active() {
			br = b
		}
	}

	orch := session.NewOrchestrator(h.sessions, cfg.Bridge.SubstituteModel)
	plan := orch.PlanTurn(req, resolved)

	opts := from_ir.Options{
		ProjectID:             cfg.ProjectID,
		Model:                 plan.Model,
		ForwardSignatures:     plan.ForwardSignatures,
		SignatureSegmentStart: plan.SignatureSegmentStart,
		SearchModel:           cfg.SearchModel,
		UserAgent:             h.userAgent,
		RequestType:           "agent",
	}
	// The tag protocol only applies to the family that cannot execute
	// bridged tools natively.
	if br != nil && session.FamilyOf(plan.Model) == session.FamilyParts {
		opts.Bridge = br
	}

	wrapped, chosenModel, err := from_ir.BuildWrapperRequest(req, opts)
	if err != nil {
		errorEnvelope(c, http.StatusInternalServerError, "api_error", err.Error())
		return
	}

	if !req.Stream {
		h.completeOnce(c, req, opts.Bridge, wrapped, chosenModel)
		return
	}
	h.stream(c, cfg, req, orch, plan, opts, wrapped, chosenModel)
}

// completeOnce handles the non-streaming path.
func (h *Handler) completeOnce(c *gin.Context, req *ir.Request, br *bridge.Bridge, wrapped []byte, model string) {
	ctx := c.Request.Context()

	data, err := h.client.Generate(ctx, wrapped)
	if err != nil {
		h.record(model, req.SessionID, false, false, true, nil)
		relayBackendError(c, err)
		return
	}

	events := to_ir.ParseBackendChunk(data)
	events = h.bridgeEvents(ctx, events, br)

	resp, err := from_ir.BuildClaudeResponse(events, req.Model, from_ir.NewMessageID(), h.led)
	if err != nil {
		errorEnvelope(c, http.StatusInternalServerError, "api_error", err.Error())
		return
	}
	logging.Milestone("outbound response", resp)

	h.record(model, req.SessionID, false, false, false, lastUsage(events))
	c.Data(http.StatusOK, "application/json", resp)
}

// bridgeEvents applies the tag tokenizer and grounding resolution to a
// fully-buffered event list.
func (h *Handler) bridgeEvents(ctx context.Context, events []ir.UnifiedEvent, br *bridge.Bridge) []ir.UnifiedEvent {
	pipeEvents := events
	if br.Active() {
		tok := bridge.NewTokenizer(br.Names())
		out := make([]ir.UnifiedEvent, 0, len(events))
		for _, ev := range events {
			if ev.Type == ir.EventTypeToken {
				out = append(out, carryMetadata(tokenizerEvents(tok.Feed(ev.Content)), ev)...)
				continue
			}
			if ev.Type == ir.EventTypeFinish {
				out = append(out, tokenizerEvents(tok.Flush())...)
			}
			out = append(out, ev)
		}
		pipeEvents = out
	}
	if h.resolver != nil {
		for i := range pipeEvents {
			if pipeEvents[i].Grounding != nil {
				h.resolver.ResolveGrounding(ctx, pipeEvents[i].Grounding)
			}
		}
	}
	return pipeEvents
}

func lastUsage(events []ir.UnifiedEvent) *ir.Usage {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Usage != nil {
			return events[i].Usage
		}
	}
	return nil
}

// stream handles the SSE path, including the buffered switch retry.
func (h *Handler) stream(c *gin.Context, cfg *config.Config, req *ir.Request, orch *session.Orchestrator, plan session.Plan, opts from_ir.Options, wrapped []byte, model string) {
	ctx := c.Request.Context()

	rc, err := h.client.StreamGenerate(ctx, wrapped)
	if err != nil {
		h.record(model, req.SessionID, true, false, true, nil)
		relayBackendError(c, err)
		return
	}

	state := from_ir.NewStreamState(req.Model, from_ir.NewMessageID(), h.led)
	if req.WebSearch {
		state.SearchMode()
	}
	pipe := newStreamPipe(state, opts.Bridge, h.resolver)

	if !plan.BufferFirst {
		defer rc.Close()
		h.streamLive(c, pipe, rc, model, req.SessionID, false)
		return
	}

	// First attempt is fully buffered so a switch request never reaches
	// the client.
	var buffered bytes.Buffer
	perr := pipe.pump(ctx, rc, &buffered, nil)
	rc.Close()
	if perr != nil && buffered.Len() == 0 {
		h.record(model, req.SessionID, true, false, true, nil)
		errorEnvelope(c, http.StatusBadGateway, "api_error", perr.Error())
		return
	}

	if !session.DetectSwitch(buffered.Bytes()) {
		// No switch requested: replay the buffered frames untouched.
		writeSSEHeaders(c)
		_, _ = c.Writer.Write(buffered.Bytes())
		c.Writer.Flush()
		h.record(model, req.SessionID, true, false, false, pipe.usage)
		return
	}

	if !h.retries.TryAcquire() {
		h.record(model, req.SessionID, true, false, true, nil)
		errorEnvelope(c, http.StatusServiceUnavailable, "overloaded_error", "too many concurrent retries")
		return
	}
	defer h.retries.Release()

	retryPlan := orch.CommitSwitch(req)
	if err := resilience.WaitWithContext(ctx, cfg.Bridge.RetryDelay()); err != nil {
		return
	}

	retryOpts := opts
	retryOpts.Model = retryPlan.Model
	retryOpts.ForwardSignatures = retryPlan.ForwardSignatures
	retryOpts.SignatureSegmentStart = retryPlan.SignatureSegmentStart
	retryOpts.Bridge = nil

	retryBody, retryModel, err := from_ir.BuildWrapperRequest(req, retryOpts)
	if err != nil {
		errorEnvelope(c, http.StatusInternalServerError, "api_error", err.Error())
		return
	}

	rc2, err := h.client.StreamGenerate(ctx, retryBody)
	if err != nil {
		h.record(retryModel, req.SessionID, true, true, true, nil)
		relayBackendError(c, err)
		return
	}
	defer rc2.Close()

	state2 := from_ir.NewStreamState(req.Model, from_ir.NewMessageID(), h.led)
	if req.WebSearch {
		state2.SearchMode()
	}
	h.streamLive(c, newStreamPipe(state2, nil, h.resolver), rc2, retryModel, req.SessionID, true)
}

// streamLive transcodes directly onto the wire.
func (h *Handler) streamLive(c *gin.Context, pipe *streamPipe, rc io.Reader, model, sessionID string, switched bool) {
	ctx := c.Request.Context()
	writeSSEHeaders(c)

	flush := func() { c.Writer.Flush() }
	err := pipe.pump(ctx, rc, c.Writer, flush)
	if err != nil {
		logging.WithError(err).Warn("backend stream ended abnormally")
	}
	h.record(model, sessionID, true, switched, err != nil, pipe.usage)
}

func writeSSEHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
}
