package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/phamanh/gemini-bridge/internal/api/handlers"
	"github.com/phamanh/gemini-bridge/internal/config"
	"github.com/phamanh/gemini-bridge/internal/logging"
)

// Server wires the gin engine, middleware and handlers into one HTTP
// listener.
type Server struct {
	engine *gin.Engine
	http   *http.Server
	cfg    *config.Store
}

// NewServer builds the router. The handler carries all backend
// dependencies; the server only owns transport concerns.
func NewServer(store *config.Store, h *handlers.Handler) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(recoveryMiddleware())
	engine.Use(accessLogMiddleware())
	engine.Use(corsMiddleware())

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := engine.Group("/v1")
	v1.Use(authMiddleware(store))
	v1.POST("/messages", h.Messages)
	v1.POST("/messages/count_tokens", h.CountTokens)
	v1.GET("/models", h.ListModels)
	v1.GET("/usage", h.UsageStats)

	return &Server{engine: engine, cfg: store}
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.cfg.Current()
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Infof("listening on http://%s", addr)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}
