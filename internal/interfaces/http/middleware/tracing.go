package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/erp/datasync/internal/infrastructure/telemetry"
)

// MaxRequestIDLength bounds header values copied into spans and logs.
const MaxRequestIDLength = 128

// TracingConfig holds configuration for the tracing middleware.
type TracingConfig struct {
	ServiceName string
	Enabled     bool
}

// DefaultTracingConfig returns default tracing configuration.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		ServiceName: "datasync",
		Enabled:     true,
	}
}

// Tracing returns OpenTelemetry tracing middleware with default configuration.
func Tracing() gin.HandlerFunc {
	return TracingWithConfig(DefaultTracingConfig())
}

// TracingWithConfig starts an otelgin server span per request. Span names
// follow the route pattern, e.g. "GET /api/v1/sync/:type".
func TracingWithConfig(cfg TracingConfig) gin.HandlerFunc {
	if !cfg.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}
	return otelgin.Middleware(cfg.ServiceName)
}

// SpanEnricher copies request attributes into the active span and marks
// error responses. It must run inside Tracing.
func SpanEnricher() gin.HandlerFunc {
	return func(c *gin.Context) {
		span := trace.SpanFromContext(c.Request.Context())
		if span.IsRecording() {
			if id := c.GetString(requestIDKey); id != "" {
				span.SetAttributes(attribute.String("request_id", id))
			}
			if tab := c.GetHeader(TabIDHeader); tab != "" && len(tab) <= MaxRequestIDLength {
				span.SetAttributes(attribute.String("tab_id", tab))
			}
			if userID := c.Param("userId"); userID != "" {
				span.SetAttributes(attribute.String(telemetry.SpanAttrUserID, userID))
			}
			if t := c.Param("type"); t != "" {
				span.SetAttributes(attribute.String(telemetry.SpanAttrEntityType, t))
			}
		}

		c.Next()

		if !span.IsRecording() {
			return
		}
		status := c.Writer.Status()
		if status >= http.StatusBadRequest {
			span.SetStatus(codes.Error, http.StatusText(status))
			span.SetAttributes(attribute.Int("http.status_code", status))
		}
	}
}
