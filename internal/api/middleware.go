// Package api exposes the Claude-compatible HTTP surface of the bridge.
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/phamanh/gemini-bridge/internal/config"
	"github.com/phamanh/gemini-bridge/internal/logging"
)

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "*")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// recoveryMiddleware converts panics into the standard error envelope so a
// handler bug never leaks a stack trace to the client.
func recoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logging.WithFields(logging.Fields{
					"path":  c.Request.URL.Path,
					"panic": r,
				}).Error("handler panic recovered")
				if !c.Writer.Written() {
					c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
						"type": "error",
						"error": gin.H{
							"type":    "api_error",
							"message": "internal server error",
						},
					})
				} else {
					c.Abort()
				}
			}
		}()
		c.Next()
	}
}

func accessLogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logging.WithFields(logging.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"elapsed": time.Since(start).Round(time.Millisecond).String(),
		}).Debug("request served")
	}
}

// authMiddleware checks the inbound key against the configured token list.
// An empty list disables authentication.
func authMiddleware(store *config.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokens := store.Current().AuthTokens
		if len(tokens) == 0 {
			c.Next()
			return
		}
		key := c.GetHeader("x-api-key")
		if key == "" {
			key = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		}
		for _, t := range tokens {
			if key == t {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"type": "error",
			"error": gin.H{
				"type":    "authentication_error",
				"message": "invalid api key",
			},
		})
	}
}
