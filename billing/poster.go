/*
poster.go - Incremental posting of expenses and payments

PURPOSE:
  PostTransaction validates one new ledger entry against the card's
  current balance state, classifies it, updates the aggregates and
  appends the entry, all inside the card's critical section.

VALIDATION ORDER (each a distinct rejection):
  1. date parses as YYYY-MM-DD          ErrInvalidDate
  2. date is not after today            ErrFutureDate
  3. amount is non-zero                 ErrZeroAmount
  4. card exists                        ErrCardNotFound
  5. date >= latest entry date          ErrOutOfOrder
  6. payment: something is owed         ErrNoOutstandingBalance
     payment: amount <= owed            ErrOverpayment
  7. expense: |amount| <= available     ErrLimitExceeded

CLASSIFICATION:
  Expenses are compared against the start of the cycle that contains
  TODAY, not the cycle of the entry's own date. A back-dated expense that
  falls before the current cycle is billed immediately; the reconciler
  corrects any drift as calendar time moves on.

  Payments are always billed and allocated by the waterfall.

SEE ALSO:
  - balance.go: AddExpense, ApplyPayment
  - reconcile.go: the authoritative replay
*/
package billing

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// PostTransaction validates and appends one entry, returning the stored
// entry and the updated card.
func (e *Engine) PostTransaction(ctx context.Context, req PostRequest) (Entry, Card, error) {
	entry, card, err := e.postTransaction(ctx, req)
	if err != nil {
		e.logRejection("post_transaction", req.CardID, err)
		return Entry{}, Card{}, err
	}

	e.log.WithFields(logrus.Fields{
		"card_id":   card.ID,
		"entry_id":  entry.ID,
		"kind":      entry.Kind(),
		"amount":    entry.Amount.String(),
		"is_billed": entry.IsBilled,
	}).Info("entry posted")
	e.publish(ctx, EventEntryPosted, &card, entry.ID)

	return entry, card, nil
}

func (e *Engine) postTransaction(ctx context.Context, req PostRequest) (Entry, Card, error) {
	date, err := e.ParseDate(req.Date)
	if err != nil {
		return Entry{}, Card{}, reject(req.CardID, ErrInvalidDate, "%q", req.Date)
	}
	today := e.today()
	if date.After(today) {
		return Entry{}, Card{}, reject(req.CardID, ErrFutureDate, "%s is after %s", req.Date, today.Format(DateLayout))
	}
	if req.Amount.IsZero() {
		return Entry{}, Card{}, reject(req.CardID, ErrZeroAmount, "")
	}
	if !ValidMoney(req.Amount) {
		return Entry{}, Card{}, reject(req.CardID, ErrInvalidAmount, "got %s", req.Amount)
	}

	var (
		posted  Entry
		updated Card
	)
	err = e.mutate(ctx, req.CardID, func(tx CardTx, card Card) error {
		latest, err := tx.LatestEntry(ctx)
		if err != nil {
			return Persistent("load latest entry", err)
		}
		if latest != nil {
			if last := Day(latest.Date.In(e.location)); date.Before(last) {
				return reject(card.ID, ErrOutOfOrder, "%s is before %s", req.Date, last.Format(DateLayout))
			}
		}

		now := e.now()
		entry := Entry{
			ID:          EntryID(e.newID()),
			CardID:      card.ID,
			Amount:      req.Amount,
			Date:        date,
			Description: req.Description,
			Category:    req.Category,
			PostedAt:    now,
		}

		switch entry.Kind() {
		case KindPayment:
			if card.Used.IsZero() || card.AvailableLimit().Equal(card.Limit) {
				return reject(card.ID, ErrNoOutstandingBalance, "")
			}
			if owed := card.Outstanding(); entry.Amount.GreaterThan(owed) {
				return reject(card.ID, ErrOverpayment, "payment %s, outstanding %s", entry.Amount, owed)
			}
			entry.IsBilled = true
			if applied := card.ApplyPayment(entry.Amount); applied.IsPositive() {
				paid := date
				card.LastPaymentDate = &paid
				card.LastPaymentAmount = entry.Amount
			}

		case KindExpense:
			magnitude := entry.Magnitude()
			if available := card.AvailableLimit(); magnitude.GreaterThan(available) {
				return reject(card.ID, ErrLimitExceeded, "expense %s, available %s", magnitude, available)
			}
			entry.IsBilled = date.Before(CycleStart(today, card.BillingCycleStart))
			card.AddExpense(magnitude, entry.IsBilled)
		}

		if err := card.CheckInvariants(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvariantViolation, err)
		}
		card.UpdatedAt = now

		stored, err := tx.AppendEntry(ctx, entry)
		if err != nil {
			return Persistent("append entry", err)
		}
		if err := tx.SaveCard(ctx, card); err != nil {
			return Persistent("save card", err)
		}

		posted, updated = stored, card
		return nil
	})
	if err != nil {
		return Entry{}, Card{}, err
	}
	return posted, updated, nil
}
