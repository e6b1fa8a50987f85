package ingest

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"airsense/internal/config"
)

// Publisher produces measurement messages onto the raw feed topic. Messages
// are keyed by location reference so readings for one sensor land on one
// partition in order.
type Publisher struct {
	writer *kafka.Writer
}

// NewPublisher creates a Kafka producer for the measurement topic.
func NewPublisher(cfg config.KafkaConfig) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.MeasurementTopic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 100 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
		},
	}
}

// Publish encodes and writes the given messages in one produce call.
// A nil or empty slice is a no-op.
func (p *Publisher) Publish(ctx context.Context, msgs []*MeasurementMessage) error {
	if len(msgs) == 0 {
		return nil
	}

	records := make([]kafka.Message, 0, len(msgs))
	for _, msg := range msgs {
		payload, err := msg.Encode()
		if err != nil {
			return err
		}
		records = append(records, kafka.Message{
			Key:   []byte(msg.LocationReferenceID),
			Value: payload,
		})
	}
	return p.writer.WriteMessages(ctx, records...)
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
