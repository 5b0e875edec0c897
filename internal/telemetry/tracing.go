package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Tracer is the global tracer for the application. Until InitTracer installs
// a provider it delegates to the global no-op provider.
var Tracer trace.Tracer = otel.Tracer("funds-transfer")

// TracerOptions configures the OTLP exporter and sampling.
type TracerOptions struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	Endpoint       string
	// SampleRatio applies to root spans only. Children follow their parent.
	SampleRatio    float64
	ConnectTimeout time.Duration
}

// NewTracerProvider builds a provider exporting through exp in batches.
func NewTracerProvider(opts TracerOptions, exp sdktrace.SpanExporter) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(opts.ServiceName),
			semconv.ServiceVersionKey.String(opts.ServiceVersion),
			attribute.String("environment", opts.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build trace resource: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(opts.SampleRatio))),
	), nil
}

// InitTracer connects to the collector and installs the global provider. An
// unreachable collector is not fatal: tracing stays no-op.
func InitTracer(opts TracerOptions) (func(), error) {
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	slog.Info("initializing OpenTelemetry tracer",
		"endpoint", opts.Endpoint,
		"sample_ratio", opts.SampleRatio)

	conn, err := grpc.DialContext(ctx, opts.Endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		slog.Warn("failed to connect to OTLP endpoint", "error", err)
		Tracer = otel.Tracer(opts.ServiceName)
		return func() {}, nil
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		conn.Close()
		return nil, err
	}

	tp, err := NewTracerProvider(opts, exporter)
	if err != nil {
		conn.Close()
		return nil, err
	}

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	Tracer = tp.Tracer(opts.ServiceName)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			slog.Error("error shutting down tracer provider", "error", err)
		}
	}, nil
}

// RecordError marks span as failed with err.
func RecordError(span trace.Span, err error) {
	if err == nil || !span.IsRecording() {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
