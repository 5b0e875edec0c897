// Package queue publishes transfer events to an external bus.
package queue

import (
	"context"
	"log/slog"

	"github.com/nathanyu/funds-transfer/internal/domain"
	"github.com/nathanyu/funds-transfer/internal/telemetry"
)

// EventSubject is the NATS subject (and default Kafka topic) for transfer events.
const EventSubject = "transfers.events"

// Publisher sends a transfer event to a sink.
type Publisher interface {
	Publish(ctx context.Context, event domain.Event) error
	// Sink names the backend for logs and metrics.
	Sink() string
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, domain.Event) error { return nil }
func (NopPublisher) Sink() string                                { return "none" }
func (NopPublisher) Close() error                                { return nil }

// EventHandler adapts p to the engine's event hook. Publish failures are
// logged and counted; they never affect the transfer outcome.
func EventHandler(p Publisher, logger *slog.Logger) func(context.Context, domain.Event) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, event domain.Event) {
		if err := p.Publish(ctx, event); err != nil {
			telemetry.EventPublishFailuresTotal.WithLabelValues(p.Sink()).Inc()
			logger.ErrorContext(ctx, "failed to publish transfer event",
				"sink", p.Sink(),
				"type", event.GetType(),
				"reference_code", event.GetReferenceCode(),
				"error", err)
			return
		}
		telemetry.EventsPublishedTotal.WithLabelValues(p.Sink(), event.GetType()).Inc()
	}
}
