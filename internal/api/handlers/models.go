package handlers

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/phamanh/gemini-bridge/internal/translator/from_ir"
	"github.com/phamanh/gemini-bridge/internal/translator/ir"
	"github.com/phamanh/gemini-bridge/internal/translator/to_ir"
	"github.com/phamanh/gemini-bridge/internal/util"
)

// ListModels serves GET /v1/models from the backend's model inventory.
func (h *Handler) ListModels(c *gin.Context) {
	ctx := c.Request.Context()
	data, err := h.side.Execute(ctx, func() ([]byte, error) {
		return h.client.FetchAvailableModels(ctx)
	})
	if err != nil {
		relayBackendError(c, err)
		return
	}

	list := make([]gin.H, 0, 8)
	gjson.GetBytes(data, "models").ForEach(func(_, m gjson.Result) bool {
		id := strings.TrimPrefix(m.Get("name").String(), "models/")
		if id == "" {
			return true
		}
		display := m.Get("displayName").String()
		if display == "" {
			display = id
		}
		list = append(list, gin.H{
			"type":         "model",
			"id":           id,
			"display_name": display,
		})
		return true
	})

	c.JSON(http.StatusOK, gin.H{
		"data":     list,
		"has_more": false,
	})
}

// CountTokens serves POST /v1/messages/count_tokens. The count is proxied
// to the backend; on failure a local estimate keeps the endpoint usable.
func (h *Handler) CountTokens(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		errorEnvelope(c, http.StatusBadRequest, "invalid_request_error", "read request body: "+err.Error())
		return
	}

	req, err := to_ir.ParseClaudeRequest(body, h.led)
	if err != nil {
		errorEnvelope(c, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	cfg := h.cfg.Current()
	wrapped, _, err := from_ir.BuildWrapperRequest(req, from_ir.Options{
		ProjectID:   cfg.ProjectID,
		Model:       cfg.ResolveModel(req.Model),
		SearchModel: cfg.SearchModel,
		UserAgent:   h.userAgent,
	})
	if err != nil {
		errorEnvelope(c, http.StatusInternalServerError, "api_error", err.Error())
		return
	}

	// The count action rejects the routing fields the generate wrapper
	// carries.
	trimmed := util.DeleteTopLevelFields(wrapped, "project", "model")

	ctx := c.Request.Context()
	data, err := h.side.Execute(ctx, func() ([]byte, error) {
		return h.client.CountTokens(ctx, trimmed)
	})
	if err == nil {
		if n := countFromBackend(data); n > 0 {
			c.JSON(http.StatusOK, gin.H{"input_tokens": n})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"input_tokens": util.CountTokensFromIR(req)})
}

func countFromBackend(data []byte) int64 {
	if n := gjson.GetBytes(data, "totalTokens"); n.Exists() {
		return n.Int()
	}
	return ir.UnwrapBackendEnvelope(data).Get("totalTokens").Int()
}

// UsageStats serves GET /v1/usage from the local accounting database.
func (h *Handler) UsageStats(c *gin.Context) {
	if h.usage == nil {
		errorEnvelope(c, http.StatusNotFound, "not_found_error", "usage tracking is disabled")
		return
	}

	totals, err := h.usage.TotalsByModel(c.Request.Context())
	if err != nil {
		errorEnvelope(c, http.StatusInternalServerError, "api_error", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"since_start": h.usage.Snapshot(),
		"by_model":    totals,
	})
}
