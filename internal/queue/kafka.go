package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/nathanyu/funds-transfer/internal/domain"
	"github.com/segmentio/kafka-go"
)

// KafkaPublisher writes transfer events to a Kafka topic, keyed by reference
// code so every event of one transfer lands on the same partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates a publisher for topic on brokers
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	if topic == "" {
		topic = EventSubject
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
	}
}

// Publish writes one message and waits for the broker acknowledgement
func (p *KafkaPublisher) Publish(ctx context.Context, event domain.Event) error {
	msg, err := kafkaMessage(event)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write event to kafka: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Sink() string { return "kafka" }

// Close flushes pending messages and closes the writer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func kafkaMessage(event domain.Event) (kafka.Message, error) {
	data, err := domain.SerializeEvent(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(event.GetReferenceCode()),
		Value: data,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.GetType())},
		},
	}, nil
}
