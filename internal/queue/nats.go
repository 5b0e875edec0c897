package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nathanyu/funds-transfer/internal/domain"
)

// NATSClient wraps a NATS connection and publishes transfer events on EventSubject.
type NATSClient struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// NewNATSClient connects to url with reconnect handling
func NewNATSClient(url string, logger *slog.Logger) (*NATSClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := []nats.Option{
		nats.Name("funds-transfer"),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSClient{conn: conn, logger: logger}, nil
}

// GetConn returns the underlying NATS connection
func (c *NATSClient) GetConn() *nats.Conn {
	return c.conn
}

// Publish serializes event in its envelope and publishes it
func (c *NATSClient) Publish(_ context.Context, event domain.Event) error {
	data, err := domain.SerializeEvent(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := c.conn.Publish(EventSubject, data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

func (c *NATSClient) Sink() string { return "nats" }

// Close drains and closes the NATS connection
func (c *NATSClient) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Drain()
	c.conn.Close()
	return err
}
