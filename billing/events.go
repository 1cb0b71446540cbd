package billing

import (
	"context"
	"time"
)

// =============================================================================
// EVENTS - Published after a mutation commits
// =============================================================================

type EventType string

const (
	EventCardCreated    EventType = "card_created"
	EventCardUpdated    EventType = "card_updated"
	EventCardDeleted    EventType = "card_deleted"
	EventEntryPosted    EventType = "entry_posted"
	EventCardReconciled EventType = "card_reconciled"
)

// Event describes a committed change to one card.
type Event struct {
	Type    EventType `json:"type"`
	CardID  CardID    `json:"card_id"`
	EntryID EntryID   `json:"entry_id,omitempty"`
	Card    *Card     `json:"card,omitempty"`
	At      time.Time `json:"at"`
}

// Publisher delivers events to downstream consumers. Delivery is best
// effort: a publish failure never undoes the committed mutation.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// NopPublisher discards every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
