package middleware

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
)

// quietRoutes are polled by probes and scrapers; they log at DEBUG unless they fail.
var quietRoutes = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// Logging logs one line per request, correlated with the active trace.
// Redirects carry the requested code, authenticated calls the owner.
func Logging(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		route := c.FullPath()

		attrs := []slog.Attr{
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.Int("status", status),
			slog.Duration("latency", time.Since(start)),
			slog.String("ip", c.ClientIP()),
		}
		if route != "" {
			attrs = append(attrs, slog.String("route", route))
		}
		if code := c.Param("code"); code != "" {
			attrs = append(attrs, slog.String("code", code))
		}
		if owner, ok := OwnerFrom(c); ok {
			attrs = append(attrs, slog.String("owner_id", owner.String()))
		}
		if sc := trace.SpanContextFromContext(c.Request.Context()); sc.IsValid() {
			attrs = append(attrs,
				slog.String("trace_id", sc.TraceID().String()),
				slog.String("span_id", sc.SpanID().String()),
			)
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, slog.String("errors", c.Errors.String()))
		}

		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		case quietRoutes[route]:
			level = slog.LevelDebug
		}

		logger.LogAttrs(c.Request.Context(), level, "http request", attrs...)
	}
}
