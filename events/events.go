/*
Package events contains billing.Publisher decorators shared by the
transport-specific publishers in events/kafka and events/nats.

PURPOSE:
  The engine publishes one event per committed mutation and only logs a
  failed publish. These helpers keep a flapping broker from slowing every
  request down (Breaker) and let several transports receive the same
  stream (Fanout).

WIRE FORMAT:
  JSON of billing.Event, keyed by card ID so a partitioned broker keeps
  each card's events in order.

SEE ALSO:
  - billing/events.go: Event and Publisher
  - events/kafka, events/nats: transports
*/
package events

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/warp/card-engine/billing"
)

// Encode renders an event for the wire and returns its partition key.
func Encode(event billing.Event) (key, value []byte, err error) {
	value, err = json.Marshal(event)
	if err != nil {
		return nil, nil, err
	}
	return []byte(event.CardID), value, nil
}

// Fanout publishes every event to all publishers and joins their errors.
type Fanout []billing.Publisher

func (f Fanout) Publish(ctx context.Context, event billing.Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
