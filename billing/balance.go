/*
balance.go - Card balance state and the payment waterfall

PURPOSE:
  Balance holds the three derived numbers of a card. Both the poster and
  the reconciler mutate it only through the helpers in this file so the
  incremental path and the replay path produce identical results.

INVARIANTS:
  1. Used = BilledUnpaid + UnbilledSpends
  2. Limit - Used >= 0
  3. BilledUnpaid, UnbilledSpends, Used >= 0

WATERFALL:
  A payment first reduces BilledUnpaid (the oldest due bucket), then
  UnbilledSpends with whatever remains. Used drops by the total applied.

  BilledUnpaid=100, UnbilledSpends=50, payment 120:
    billed   100 -> 0    (applied 100)
    unbilled  50 -> 30   (applied 20)
    used     150 -> 30

SEE ALSO:
  - poster.go: rejects overpayments before calling ApplyPayment
  - reconcile.go: replays payments through ApplyPayment
*/
package billing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Balance is the derived state of a card.
type Balance struct {
	Used           decimal.Decimal `json:"used"`
	BilledUnpaid   decimal.Decimal `json:"billed_unpaid"`
	UnbilledSpends decimal.Decimal `json:"unbilled_spends"`
}

// Outstanding is the amount a payment may be allocated against.
func (b Balance) Outstanding() decimal.Decimal {
	return b.BilledUnpaid.Add(b.UnbilledSpends)
}

// AddExpense books an expense of the given magnitude into one bucket.
func (b *Balance) AddExpense(magnitude decimal.Decimal, billed bool) {
	if billed {
		b.BilledUnpaid = b.BilledUnpaid.Add(magnitude)
	} else {
		b.UnbilledSpends = b.UnbilledSpends.Add(magnitude)
	}
	b.Used = b.Used.Add(magnitude)
}

// ApplyPayment allocates amount with the waterfall and returns the part
// actually applied. Any remainder beyond the outstanding balance is ignored.
func (b *Balance) ApplyPayment(amount decimal.Decimal) decimal.Decimal {
	remaining := amount
	if !remaining.IsPositive() {
		return decimal.Zero
	}

	fromBilled := decimal.Min(remaining, b.BilledUnpaid)
	b.BilledUnpaid = b.BilledUnpaid.Sub(fromBilled)
	remaining = remaining.Sub(fromBilled)

	fromUnbilled := decimal.Min(remaining, b.UnbilledSpends)
	b.UnbilledSpends = b.UnbilledSpends.Sub(fromUnbilled)

	applied := fromBilled.Add(fromUnbilled)
	b.Used = b.Used.Sub(applied)
	if b.Used.IsNegative() {
		b.Used = decimal.Zero
	}
	return applied
}

// InvariantError reports which balance invariant does not hold.
type InvariantError struct {
	CardID CardID
	Rule   string
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("card %s violates %s: %s", e.CardID, e.Rule, e.Detail)
}

// CheckInvariants verifies the balance invariants of a card.
func (c Card) CheckInvariants() error {
	switch {
	case c.Used.IsNegative() || c.BilledUnpaid.IsNegative() || c.UnbilledSpends.IsNegative():
		return &InvariantError{CardID: c.ID, Rule: "non_negative",
			Detail: fmt.Sprintf("used=%s billed=%s unbilled=%s", c.Used, c.BilledUnpaid, c.UnbilledSpends)}
	case !c.Used.Equal(c.Outstanding()):
		return &InvariantError{CardID: c.ID, Rule: "used_equals_buckets",
			Detail: fmt.Sprintf("used=%s billed+unbilled=%s", c.Used, c.Outstanding())}
	case c.AvailableLimit().IsNegative():
		return &InvariantError{CardID: c.ID, Rule: "available_non_negative",
			Detail: fmt.Sprintf("limit=%s used=%s", c.Limit, c.Used)}
	}
	return nil
}
