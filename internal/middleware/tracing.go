package middleware

import (
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nathanyu/funds-transfer/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Route templates for raw paths gin could not match
var pathPatterns = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`/accounts/email/[^/]+`), "/accounts/email/:email"},
	{regexp.MustCompile(`/accounts/[^/]+`), "/accounts/:number"},
	{regexp.MustCompile(`/transfers/history/[^/]+`), "/transfers/history/:account"},
	{regexp.MustCompile(`/transfers/status/[^/]+`), "/transfers/status/:status"},
	{regexp.MustCompile(`/transfers/TRF-[^/]+`), "/transfers/:code"},
}

// normalizePath converts high-cardinality paths to low-cardinality patterns
func normalizePath(path string) string {
	for _, p := range pathPatterns {
		if p.re.MatchString(path) {
			return p.re.ReplaceAllString(path, p.repl)
		}
	}
	return path
}

// routeOf returns the matched route template, or the normalized raw path
func routeOf(c *gin.Context) string {
	if path := c.FullPath(); path != "" {
		return path
	}
	return normalizePath(c.Request.URL.Path)
}

// Tracing middleware adds OpenTelemetry tracing to requests
func Tracing() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := routeOf(c)

		ctx, span := telemetry.Tracer.Start(c.Request.Context(), "HTTP "+c.Request.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", c.Request.Method),
				attribute.String("http.route", route),
				attribute.String("http.target", c.Request.URL.Path),
				attribute.String("http.host", c.Request.Host),
				attribute.String("http.user_agent", c.Request.UserAgent()),
			),
		)
		defer span.End()

		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		statusCode := c.Writer.Status()
		span.SetAttributes(
			attribute.Int("http.status_code", statusCode),
			attribute.Float64("http.duration_ms", float64(duration.Milliseconds())),
		)

		// Only server errors mark the span failed
		if statusCode >= 500 {
			span.SetStatus(codes.Error, "HTTP error")
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
}
