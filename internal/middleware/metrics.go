package middleware

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nathanyu/funds-transfer/internal/telemetry"
)

// Metrics middleware collects Prometheus metrics for requests
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := routeOf(c)

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		status := strconv.Itoa(c.Writer.Status())

		telemetry.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			route,
			status,
		).Inc()

		telemetry.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			route,
		).Observe(duration.Seconds())
	}
}

// Logger writes one structured line per request
func Logger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		level := slog.LevelInfo
		if c.Writer.Status() >= 500 {
			level = slog.LevelError
		}
		logger.Log(c.Request.Context(), level, "http request",
			"method", c.Request.Method,
			"route", routeOf(c),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP())
	}
}
