// Package handlers implements the Claude-compatible endpoints.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/phamanh/gemini-bridge/internal/config"
	"github.com/phamanh/gemini-bridge/internal/resilience"
	"github.com/phamanh/gemini-bridge/internal/runtime/executor"
	"github.com/phamanh/gemini-bridge/internal/session"
	"github.com/phamanh/gemini-bridge/internal/translator/ir"
	"github.com/phamanh/gemini-bridge/internal/translator/ledger"
	"github.com/phamanh/gemini-bridge/internal/usage"
	"github.com/phamanh/gemini-bridge/internal/websearch"
)

// Deps carries everything the handlers need. All fields except Usage are
// required.
type Deps struct {
	Config    *config.Store
	Client    *executor.Client
	Ledger    *ledger.Ledger
	Sessions  *session.Manager
	Resolver  *websearch.Resolver
	Usage     *usage.Recorder
	UserAgent string
}

type Handler struct {
	cfg       *config.Store
	client    *executor.Client
	led       *ledger.Ledger
	sessions  *session.Manager
	resolver  *websearch.Resolver
	usage     *usage.Recorder
	userAgent string

	// side wraps non-generation backend calls with retry and breaker.
	side *resilience.Executor[[]byte]

	// retries bounds concurrent switch retries across all sessions.
	retries *resilience.RetryBudget
}

func New(deps Deps) *Handler {
	return &Handler{
		cfg:       deps.Config,
		client:    deps.Client,
		led:       deps.Ledger,
		sessions:  deps.Sessions,
		resolver:  deps.Resolver,
		usage:     deps.Usage,
		userAgent: deps.UserAgent,
		side:      resilience.NewExecutor[[]byte](resilience.DefaultRetryConfig, nil),
		retries:   resilience.NewRetryBudget(0),
	}
}

// errorEnvelope writes the standard error shape.
func errorEnvelope(c *gin.Context, status int, errType, msg string) {
	c.JSON(status, gin.H{
		"type": "error",
		"error": gin.H{
			"type":    errType,
			"message": msg,
		},
	})
}

// relayBackendError passes an upstream failure through unchanged so the
// client sees the backend's own status and body. Other errors get the
// generic envelope.
func relayBackendError(c *gin.Context, err error) {
	var be *executor.BackendError
	if errors.As(err, &be) {
		ct := be.Header.Get("Content-Type")
		if ct == "" {
			ct = "application/json"
		}
		c.Data(be.Status, ct, be.Body)
		return
	}
	errorEnvelope(c, http.StatusInternalServerError, "api_error", err.Error())
}

// record enqueues one usage row; a nil recorder means usage is disabled.
func (h *Handler) record(model, sessionID string, streamed, switched, failed bool, u *ir.Usage) {
	if h.usage == nil {
		return
	}
	rec := usage.Record{
		Model:     model,
		SessionID: sessionID,
		Streamed:  streamed,
		Switched:  switched,
		Failed:    failed,
	}
	if u != nil {
		rec.InputTokens = u.InputTokens
		rec.OutputTokens = u.OutputTokens
		rec.ThoughtsTokens = u.ThoughtsTokens
		rec.CachedTokens = u.CachedTokens
		rec.TotalTokens = u.TotalTokens
	}
	h.usage.Enqueue(rec)
}
