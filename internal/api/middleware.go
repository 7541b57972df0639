package api

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

// loggingMiddleware logs every request at debug level, failures at warn.
func loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		}
		if c.Writer.Status() >= 400 {
			slog.Warn("API request failed", attrs...)
			return
		}
		slog.Debug("API request", attrs...)
	}
}
