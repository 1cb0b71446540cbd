/*
engine.go - Engine wiring and the per-card critical section

PURPOSE:
  Engine is the entry point for every inbound operation. It owns the
  collaborators (store, guard, clock, publisher, logger) and provides
  mutate(), the single path through which all writes happen.

CRITICAL SECTION:
  mutate(card, fn):
    1. Guard.Acquire(card)         in-process or distributed lock
    2. Store.WithCard(card, fn)    row lock + transaction
    3. release guard after commit or rollback
  Reads of the balance state used for validation happen inside fn, so no
  decision is ever made on a stale card.

TIME:
  All calendar arithmetic happens in e.location. "Today" is the clock's
  now converted to that location and truncated to the day.

SEE ALSO:
  - poster.go, reconcile.go, cards.go: the operations
  - guard.go: KeyedMutex
*/
package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Engine implements the billing operations on top of a Store.
type Engine struct {
	store     Store
	guard     Guard
	clock     Clock
	location  *time.Location
	publisher Publisher
	log       logrus.FieldLogger
	newID     func() string
}

type Option func(*Engine)

// WithGuard replaces the default in-process KeyedMutex.
func WithGuard(g Guard) Option { return func(e *Engine) { e.guard = g } }

// WithClock replaces the system clock.
func WithClock(c Clock) Option { return func(e *Engine) { e.clock = c } }

// WithLocation sets the zone used for calendar dates and cycle boundaries.
func WithLocation(loc *time.Location) Option { return func(e *Engine) { e.location = loc } }

// WithPublisher sets the event publisher.
func WithPublisher(p Publisher) Option { return func(e *Engine) { e.publisher = p } }

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option { return func(e *Engine) { e.log = l } }

// WithIDGenerator overrides ID generation (tests).
func WithIDGenerator(fn func() string) Option { return func(e *Engine) { e.newID = fn } }

// NewEngine creates an engine over store.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		guard:     NewKeyedMutex(),
		clock:     SystemClock{},
		location:  time.UTC,
		publisher: NopPublisher{},
		log:       logrus.StandardLogger(),
		newID:     func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Location returns the zone used for calendar arithmetic.
func (e *Engine) Location() *time.Location { return e.location }

func (e *Engine) now() time.Time   { return e.clock.Now().In(e.location) }
func (e *Engine) today() time.Time { return Day(e.now()) }

// ParseDate parses a YYYY-MM-DD calendar date in the engine's location.
func (e *Engine) ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, e.location)
}

// mutate runs fn under the card's guard and the store's row lock.
func (e *Engine) mutate(ctx context.Context, id CardID, fn func(tx CardTx, card Card) error) error {
	release, err := e.guard.Acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	return e.store.WithCard(ctx, id, fn)
}

func (e *Engine) publish(ctx context.Context, typ EventType, card *Card, entryID EntryID) {
	event := Event{Type: typ, EntryID: entryID, Card: card, At: e.now()}
	if card != nil {
		event.CardID = card.ID
	}
	if err := e.publisher.Publish(ctx, event); err != nil {
		e.log.WithFields(logrus.Fields{
			"card_id": event.CardID,
			"event":   typ,
		}).WithError(err).Warn("failed to publish event")
	}
}

func (e *Engine) logRejection(op string, id CardID, err error) {
	fields := logrus.Fields{"op": op, "card_id": id}
	if code := Code(err); code != "" {
		fields["code"] = code
	}
	if IsClientError(err) {
		e.log.WithFields(fields).Info(err.Error())
		return
	}
	e.log.WithFields(fields).WithError(err).Error("operation failed")
}
