/*
reconcile.go - Full replay of a card's ledger

PURPOSE:
  Reconcile rebuilds BilledUnpaid, UnbilledSpends, Used and the last
  payment from nothing but the stored entries and today's date. It is the
  authoritative corrective pass for classification drift: an expense that
  was unbilled when posted becomes billed once its cycle has closed.

ALGORITHM:
  1. cycleStart = start of the cycle containing today
  2. walk entries in (Date, Seq) order:
       expense before cycleStart  -> billed,   adds to BilledUnpaid
       expense on/after           -> unbilled, adds to UnbilledSpends
       payment                    -> billed,   queued
  3. Used = BilledUnpaid + UnbilledSpends
  4. apply queued payments in order with the same waterfall as posting
  5. last payment = last queued payment whose applied amount was non-zero

PROPERTIES:
  - Idempotent: running it twice with no new entries changes nothing
  - Consistent: matches the incremental result of posting the same
    entries on the same day
  - Never rejects: historical data is restored, not validated

SEE ALSO:
  - balance.go: ApplyPayment
  - poster.go: the incremental counterpart
*/
package billing

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// REPLAY - Pure recomputation
// =============================================================================

// ReplayResult is the state derived from a ledger.
type ReplayResult struct {
	Balance           Balance
	Flags             map[EntryID]bool // only entries whose IsBilled changed
	LastPaymentDate   *time.Time
	LastPaymentAmount decimal.Decimal
}

// Replay recomputes a card's derived state from its entries.
// The input slice is not modified.
func Replay(entries []Entry, cycleStart time.Time) ReplayResult {
	ordered := make([]Entry, len(entries))
	copy(ordered, entries)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Before(ordered[j]) })

	result := ReplayResult{Flags: make(map[EntryID]bool)}
	var payments []Entry

	for _, entry := range ordered {
		billed := true
		if entry.IsExpense() {
			billed = entry.Date.Before(cycleStart)
			result.Balance.AddExpense(entry.Magnitude(), billed)
		} else {
			payments = append(payments, entry)
		}
		if entry.IsBilled != billed {
			result.Flags[entry.ID] = billed
		}
	}

	for _, payment := range payments {
		if applied := result.Balance.ApplyPayment(payment.Amount); applied.IsPositive() {
			paid := payment.Date
			result.LastPaymentDate = &paid
			result.LastPaymentAmount = payment.Amount
		}
	}

	return result
}

// =============================================================================
// RECONCILE - Replay under the card lock and persist
// =============================================================================

// ReconcileResult is returned by Reconcile.
type ReconcileResult struct {
	Card         Card
	Cycle        Cycle
	Reclassified int
}

// Reconcile replays the card's ledger and persists the recomputed state.
func (e *Engine) Reconcile(ctx context.Context, id CardID) (ReconcileResult, error) {
	var result ReconcileResult
	err := e.mutate(ctx, id, func(tx CardTx, card Card) error {
		var err error
		result, err = e.recompute(ctx, tx, card)
		return err
	})
	if err != nil {
		e.logRejection("reconcile", id, err)
		return ReconcileResult{}, err
	}

	e.log.WithFields(logrus.Fields{
		"card_id":      id,
		"cycle_start":  result.Cycle.Start.Format(DateLayout),
		"reclassified": result.Reclassified,
		"used":         result.Card.Used.String(),
	}).Info("card reconciled")
	e.publish(ctx, EventCardReconciled, &result.Card, "")

	return result, nil
}

// BatchResult summarizes a ReconcileAll pass.
type BatchResult struct {
	Cards        int
	Reclassified int
	Failed       []CardID
}

// ReconcileAll reconciles every card in turn. A card that fails is logged
// and recorded in Failed; the pass continues with the next card. It stops
// early only when ctx is done.
func (e *Engine) ReconcileAll(ctx context.Context) (BatchResult, error) {
	ids, err := e.store.CardIDs(ctx)
	if err != nil {
		return BatchResult{}, Persistent("list card ids", err)
	}

	var batch BatchResult
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return batch, err
		}
		result, err := e.Reconcile(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				continue // deleted since listing
			}
			batch.Failed = append(batch.Failed, id)
			continue
		}
		batch.Cards++
		batch.Reclassified += result.Reclassified
	}
	return batch, nil
}

// recompute runs Replay for card inside an open CardTx and writes back
// whatever changed.
func (e *Engine) recompute(ctx context.Context, tx CardTx, card Card) (ReconcileResult, error) {
	entries, err := tx.Entries(ctx)
	if err != nil {
		return ReconcileResult{}, Persistent("load entries", err)
	}

	cycle := CycleRange(e.today(), card.BillingCycleStart)
	replay := Replay(entries, cycle.Start)

	if len(replay.Flags) > 0 {
		if err := tx.SetBilled(ctx, replay.Flags); err != nil {
			return ReconcileResult{}, Persistent("update entry classification", err)
		}
	}

	before := card
	card.Balance = replay.Balance
	card.LastPaymentDate = replay.LastPaymentDate
	card.LastPaymentAmount = replay.LastPaymentAmount

	if len(replay.Flags) > 0 || !sameDerivedState(before, card) {
		card.UpdatedAt = e.now()
		if err := tx.SaveCard(ctx, card); err != nil {
			return ReconcileResult{}, Persistent("save card", err)
		}
	}

	return ReconcileResult{Card: card, Cycle: cycle, Reclassified: len(replay.Flags)}, nil
}

func sameDerivedState(a, b Card) bool {
	if !a.Used.Equal(b.Used) || !a.BilledUnpaid.Equal(b.BilledUnpaid) ||
		!a.UnbilledSpends.Equal(b.UnbilledSpends) || !a.LastPaymentAmount.Equal(b.LastPaymentAmount) {
		return false
	}
	if a.LastPaymentDate == nil || b.LastPaymentDate == nil {
		return a.LastPaymentDate == nil && b.LastPaymentDate == nil
	}
	return a.LastPaymentDate.Equal(*b.LastPaymentDate)
}

// =============================================================================
// STATEMENT - Reconciled card plus the current cycle's entries
// =============================================================================

// Statement is the view of a card's current billing cycle.
type Statement struct {
	Card    Card
	Cycle   Cycle
	Entries []Entry // entries dated inside Cycle, ascending
}

// Statement reconciles the card and returns the entries of its open cycle.
func (e *Engine) Statement(ctx context.Context, id CardID) (Statement, error) {
	result, err := e.Reconcile(ctx, id)
	if err != nil {
		return Statement{}, err
	}

	entries, err := e.store.EntriesInRange(ctx, id, result.Cycle.Start, result.Cycle.End)
	if err != nil {
		return Statement{}, Persistent("load statement entries", err)
	}
	return Statement{Card: result.Card, Cycle: result.Cycle, Entries: entries}, nil
}
