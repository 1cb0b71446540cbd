// Package kafka publishes billing events to a Kafka topic.
package kafka

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/warp/card-engine/billing"
	"github.com/warp/card-engine/events"
)

type Publisher struct {
	writer *kafka.Writer
}

// NewPublisher writes to topic on brokers. Messages are keyed by card ID
// and hashed to a partition, so one card's events stay ordered.
func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			WriteTimeout: 5 * time.Second,
		},
	}
}

// NewPublisherWithWriter uses a preconfigured writer (tests).
func NewPublisherWithWriter(w *kafka.Writer) *Publisher {
	return &Publisher{writer: w}
}

func (p *Publisher) Publish(ctx context.Context, event billing.Event) error {
	key, value, err := events.Encode(event)
	if err != nil {
		return err
	}

	return p.writer.WriteMessages(ctx,
		kafka.Message{
			Key:   key,
			Value: value,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(event.Type)},
			},
			Time: event.At,
		},
	)
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
