package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

type referenceKey struct{}

// WithReferenceCode tags ctx so every log line written under it carries the
// transfer's reference code.
func WithReferenceCode(ctx context.Context, code string) context.Context {
	if code == "" {
		return ctx
	}
	return context.WithValue(ctx, referenceKey{}, code)
}

// ReferenceCodeFrom returns the reference code stored by WithReferenceCode.
func ReferenceCodeFrom(ctx context.Context) (string, bool) {
	code, ok := ctx.Value(referenceKey{}).(string)
	return code, ok
}

// ContextHandler wraps slog.Handler to add trace and transfer context
type ContextHandler struct {
	handler slog.Handler
}

// NewContextHandler wraps h
func NewContextHandler(h slog.Handler) *ContextHandler {
	return &ContextHandler{handler: h}
}

// Enabled implements slog.Handler
func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

// Handle implements slog.Handler
func (h *ContextHandler) Handle(ctx context.Context, record slog.Record) error {
	if spanCtx := trace.SpanContextFromContext(ctx); spanCtx.IsValid() {
		record.AddAttrs(
			slog.String("trace_id", spanCtx.TraceID().String()),
			slog.String("span_id", spanCtx.SpanID().String()),
		)
	}
	if code, ok := ReferenceCodeFrom(ctx); ok && !hasAttr(record, "reference_code") {
		record.AddAttrs(slog.String("reference_code", code))
	}
	return h.handler.Handle(ctx, record)
}

func hasAttr(record slog.Record, key string) bool {
	found := false
	record.Attrs(func(a slog.Attr) bool {
		found = a.Key == key
		return !found
	})
	return found
}

// WithAttrs implements slog.Handler
func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{handler: h.handler.WithAttrs(attrs)}
}

// WithGroup implements slog.Handler
func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{handler: h.handler.WithGroup(name)}
}

// LogOptions selects the logger's level, encoding and destination.
type LogOptions struct {
	Level  string
	Format string // json | text
	Output io.Writer
}

// NewLogger builds a context-aware logger tagged with the service name.
func NewLogger(serviceName string, opts LogOptions) (*slog.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var base slog.Handler
	switch strings.ToLower(opts.Format) {
	case "", "json":
		base = slog.NewJSONHandler(out, handlerOpts)
	case "text":
		base = slog.NewTextHandler(out, handlerOpts)
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	return slog.New(NewContextHandler(base)).With(slog.String("service", serviceName)), nil
}

// InitLogger builds the service logger and installs it as the slog default.
func InitLogger(serviceName string, opts LogOptions) (*slog.Logger, error) {
	logger, err := NewLogger(serviceName, opts)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return logger, nil
}

// ParseLevel accepts debug, info, warn (or warning) and error. Empty means info.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}
