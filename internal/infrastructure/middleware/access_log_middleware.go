package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"meshsfu/pkg/logger"
)

// AccessLogMiddleware logs one line per request with the ids that
// TracingMiddleware put on the request context. Paths in skip are not logged.
func AccessLogMiddleware(log *zap.SugaredLogger, skip ...string) gin.HandlerFunc {
	ctxLogger := logger.NewContextLogger(log)
	skipped := make(map[string]bool, len(skip))
	for _, p := range skip {
		skipped[p] = true
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		if skipped[c.Request.URL.Path] {
			return
		}
		ctxLogger.LogRequest(c.Request.Context(), c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Milliseconds())
	}
}
