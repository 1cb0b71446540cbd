// Package nats publishes billing events on a NATS subject.
//
// Subjects are <prefix>.<event type>, e.g. "cards.entry_posted", so
// consumers can subscribe to "cards.>" or to a single event type.
package nats

import (
	"context"

	"github.com/nats-io/nats.go"
	"github.com/warp/card-engine/billing"
	"github.com/warp/card-engine/events"
)

type Publisher struct {
	conn   *nats.Conn
	prefix string
}

// Connect dials url and returns a publisher for subjects under prefix.
func Connect(url, prefix string, token string) (*Publisher, error) {
	opts := []nats.Option{
		nats.Name("card-engine"),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return NewPublisher(conn, prefix), nil
}

func NewPublisher(conn *nats.Conn, prefix string) *Publisher {
	return &Publisher{conn: conn, prefix: prefix}
}

// Subject returns the subject an event type is published on.
func (p *Publisher) Subject(t billing.EventType) string {
	return p.prefix + "." + string(t)
}

func (p *Publisher) Publish(ctx context.Context, event billing.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, value, err := events.Encode(event)
	if err != nil {
		return err
	}

	msg := nats.NewMsg(p.Subject(event.Type))
	msg.Header.Set("Card-Id", string(event.CardID))
	msg.Data = value
	return p.conn.PublishMsg(msg)
}

// Close flushes pending messages and closes the connection.
func (p *Publisher) Close() error {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return err
	}
	return nil
}
