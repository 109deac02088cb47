package middleware

import (
	"time"

	"meshsfu/pkg/logger"
	"meshsfu/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
)

// RequestIDHeader carries the request id in and out. A missing one is generated.
const RequestIDHeader = "X-Request-ID"

// TracingMiddleware adds tracing to HTTP requests. A span context propagated
// by a peer node continues the caller's trace. The request context carries
// the request, trace and room ids for context loggers.
func TracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		parent := tracing.ExtractHTTPHeaders(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		ctx, span := tracing.TraceHTTPRequest(parent, c.Request.Method, route)
		defer span.End()

		span.SetAttributes(
			attribute.String("http.host", c.Request.Host),
			attribute.String("http.user_agent", c.Request.UserAgent()),
			attribute.String("http.remote_addr", c.ClientIP()),
		)

		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(RequestIDHeader, requestID)
		ctx = logger.WithRequestID(ctx, requestID)
		if sc := span.SpanContext(); sc.HasTraceID() {
			ctx = logger.WithTraceID(ctx, sc.TraceID().String())
		}
		if roomID := c.Param("roomId"); roomID != "" {
			ctx = logger.WithRoomID(ctx, roomID)
		}
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		span.SetAttributes(
			attribute.Int("http.status_code", c.Writer.Status()),
			attribute.Int64("http.response_size", int64(c.Writer.Size())),
			tracing.DurationKey.Int64(duration.Milliseconds()),
		)

		if c.Writer.Status() >= 500 || len(c.Errors) > 0 && c.Writer.Status() >= 400 {
			span.SetStatus(codes.Error, c.Errors.String())
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
}
