/*
store.go - Persistence interface for cards and ledger entries

PURPOSE:
  Defines the boundary between the engine and the database. The engine
  never writes outside WithCard, so every mutation is applied to exactly
  one card under that card's lock and is committed atomically with the
  entries it touches.

KEY INTERFACES:
  Store:  Card creation, unlocked reads, ordered entry queries
  CardTx: The locked view of a single card inside WithCard

APPEND-ONLY CONTRACT:
  Entries are appended, never updated except for their IsBilled flag
  (reconciler only), and are deleted only together with their card.

ATOMICITY:
  If fn returns an error, nothing it wrote through CardTx is visible.
  If fn returns nil, the card row and all entry writes commit together.

IMPLEMENTATIONS:
  - billing/store/memory.go: in-memory, for tests and the "memory" driver
  - store/sqlite/sqlite.go: SQLite (BEGIN IMMEDIATE)
  - store/postgres/postgres.go: PostgreSQL (SELECT ... FOR UPDATE)

SEE ALSO:
  - guard.go: the in-process lock taken before WithCard
*/
package billing

import (
	"context"
	"time"
)

// Store handles persistence of cards and their ledger entries.
type Store interface {
	// InsertCard persists a new card with zero balances.
	InsertCard(ctx context.Context, card Card) error

	// GetCard returns a card without locking it. ErrCardNotFound if missing.
	GetCard(ctx context.Context, id CardID) (Card, error)

	// ListCards returns all cards owned by a user, ordered by creation.
	ListCards(ctx context.Context, userID UserID) ([]Card, error)

	// CardIDs returns the IDs of every card, for batch reconciliation.
	CardIDs(ctx context.Context) ([]CardID, error)

	// Entries returns all entries of a card ordered by (Date, Seq) ascending.
	Entries(ctx context.Context, id CardID) ([]Entry, error)

	// EntriesInRange returns entries with from <= Date <= to, ascending.
	EntriesInRange(ctx context.Context, id CardID, from, to time.Time) ([]Entry, error)

	// WithCard reads the card with an exclusive lock and runs fn.
	// The card passed to fn is a copy; persist changes with CardTx.SaveCard.
	WithCard(ctx context.Context, id CardID, fn func(tx CardTx, card Card) error) error
}

// CardTx is the locked, transactional view of one card.
type CardTx interface {
	// Entries returns the card's entries ordered by (Date, Seq) ascending.
	Entries(ctx context.Context) ([]Entry, error)

	// LatestEntry returns the last entry in ledger order, or nil.
	LatestEntry(ctx context.Context) (*Entry, error)

	// AppendEntry adds an entry. The store assigns Seq and returns it.
	AppendEntry(ctx context.Context, entry Entry) (Entry, error)

	// SetBilled rewrites the IsBilled flag of existing entries.
	SetBilled(ctx context.Context, flags map[EntryID]bool) error

	// SaveCard writes the card row.
	SaveCard(ctx context.Context, card Card) error

	// DeleteCard removes the card and all its entries.
	DeleteCard(ctx context.Context) error
}
