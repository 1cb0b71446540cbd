/*
Package billing provides the credit-card billing and payment-allocation engine.

PURPOSE:
  This package owns the derived balance state of a credit card (used,
  billed unpaid, unbilled spends, available limit) and the append-only
  ledger of expenses and payments that produces it. The same rules are
  applied incrementally when an entry is posted and in bulk when the
  ledger is replayed by the reconciler.

KEY CONCEPTS IN THIS FILE (types.go):
  - Card: identity, limit, billing cycle start day and the balance aggregates
  - Balance: the three derived buckets that must always add up
  - Entry: an immutable ledger record (expense or payment)
  - EntryKind: tagged variant derived from the sign of the amount

DESIGN PRINCIPLES:
  1. Precision: money is decimal.Decimal, never float64
  2. Append-only: entries are never deleted or reordered; only the
     IsBilled classification may be corrected by the reconciler
  3. Explicit time: "now" comes from a Clock, dates are calendar days
     in a configured location

USAGE:
  engine := billing.NewEngine(store, billing.WithClock(clock))
  card, _ := engine.CreateCard(ctx, billing.CreateCardRequest{...})
  entry, card, err := engine.PostTransaction(ctx, billing.PostRequest{
      CardID: card.ID,
      Amount: decimal.NewFromInt(-250),
      Date:   "2025-03-10",
  })

SEE ALSO:
  - cycle.go: billing cycle boundaries
  - balance.go: invariants and payment waterfall
  - poster.go: incremental posting
  - reconcile.go: full replay
*/
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type CardID string
type EntryID string
type UserID string

// =============================================================================
// ENTRY KIND - Tagged variant over the sign of an amount
// =============================================================================

type EntryKind string

const (
	KindExpense EntryKind = "expense" // negative amount, consumes limit
	KindPayment EntryKind = "payment" // positive amount, repays outstanding balance
)

// KindOf classifies a signed amount. Zero amounts are never posted, so the
// zero case is reported as an expense only for completeness.
func KindOf(amount decimal.Decimal) EntryKind {
	if amount.IsPositive() {
		return KindPayment
	}
	return KindExpense
}

// =============================================================================
// LEDGER ENTRY
// =============================================================================

// Entry is one expense or payment against a card.
//
// Entries are ordered by (Date, Seq). Seq is the per-card insertion
// sequence and breaks ties between entries on the same calendar day.
type Entry struct {
	ID          EntryID         `json:"id"`
	CardID      CardID          `json:"card_id"`
	Seq         int64           `json:"seq"`
	Amount      decimal.Decimal `json:"amount"` // negative = expense, positive = payment
	Date        time.Time       `json:"date"`   // calendar day, midnight in the billing location
	IsBilled    bool            `json:"is_billed"`
	Description string          `json:"description,omitempty"`
	Category    string          `json:"category,omitempty"`
	PostedAt    time.Time       `json:"posted_at"`
}

func (e Entry) Kind() EntryKind            { return KindOf(e.Amount) }
func (e Entry) IsPayment() bool            { return e.Kind() == KindPayment }
func (e Entry) IsExpense() bool            { return e.Kind() == KindExpense }
func (e Entry) Magnitude() decimal.Decimal { return e.Amount.Abs() }

// Before reports whether e sorts before other in ledger order.
func (e Entry) Before(other Entry) bool {
	if e.Date.Equal(other.Date) {
		return e.Seq < other.Seq
	}
	return e.Date.Before(other.Date)
}

// =============================================================================
// CARD
// =============================================================================

// Card is a credit card together with its derived balance state.
type Card struct {
	ID                CardID          `json:"id"`
	UserID            UserID          `json:"user_id"`
	Name              string          `json:"name"`
	Limit             decimal.Decimal `json:"limit"`
	BillingCycleStart int             `json:"billing_cycle_start"` // day of month, 1-31

	Balance

	LastPaymentDate   *time.Time      `json:"last_payment_date,omitempty"`
	LastPaymentAmount decimal.Decimal `json:"last_payment_amount"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AvailableLimit is the part of the limit not consumed by outstanding spends.
func (c Card) AvailableLimit() decimal.Decimal {
	return c.Limit.Sub(c.Used)
}

// IsSettled reports whether the card carries no outstanding amount at all.
// Only settled cards may be deleted.
func (c Card) IsSettled() bool {
	return c.Used.IsZero() && c.BilledUnpaid.IsZero() && c.UnbilledSpends.IsZero()
}

// =============================================================================
// REQUESTS
// =============================================================================

type CreateCardRequest struct {
	UserID            UserID
	Name              string
	Limit             decimal.Decimal
	BillingCycleStart int
}

type PostRequest struct {
	CardID      CardID
	Amount      decimal.Decimal
	Date        string // YYYY-MM-DD
	Description string
	Category    string
}

// DateLayout is the calendar date format accepted for transaction input.
const DateLayout = "2006-01-02"

// Money bounds shared by every store. The SQL stores use NUMERIC(20,4), so
// an amount must fit in 16 integer and 4 fractional digits.
const MoneyPlaces = 4

var moneyCeiling = decimal.New(1, 16)

// ValidMoney reports whether d is storable without rounding or overflow.
func ValidMoney(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(MoneyPlaces)) && d.Abs().LessThan(moneyCeiling)
}
