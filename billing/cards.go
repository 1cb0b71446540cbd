package billing

import (
	"context"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// CARD LIFECYCLE
// =============================================================================

// CreateCard registers a new card with zero balances.
func (e *Engine) CreateCard(ctx context.Context, req CreateCardRequest) (Card, error) {
	switch {
	case strings.TrimSpace(string(req.UserID)) == "":
		return Card{}, reject("", ErrInvalidCard, "user id is required")
	case strings.TrimSpace(req.Name) == "":
		return Card{}, reject("", ErrInvalidCard, "name is required")
	case !req.Limit.IsPositive():
		return Card{}, reject("", ErrInvalidLimit, "got %s", req.Limit)
	case !ValidMoney(req.Limit):
		return Card{}, reject("", ErrInvalidAmount, "limit %s", req.Limit)
	case !ValidBillingDay(req.BillingCycleStart):
		return Card{}, reject("", ErrInvalidBillingDay, "got %d", req.BillingCycleStart)
	}

	now := e.now()
	card := Card{
		ID:                CardID(e.newID()),
		UserID:            req.UserID,
		Name:              strings.TrimSpace(req.Name),
		Limit:             req.Limit,
		BillingCycleStart: req.BillingCycleStart,
		Balance: Balance{
			Used:           decimal.Zero,
			BilledUnpaid:   decimal.Zero,
			UnbilledSpends: decimal.Zero,
		},
		LastPaymentAmount: decimal.Zero,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := e.store.InsertCard(ctx, card); err != nil {
		return Card{}, Persistent("insert card", err)
	}

	e.log.WithFields(logrus.Fields{"card_id": card.ID, "user_id": card.UserID}).Info("card created")
	e.publish(ctx, EventCardCreated, &card, "")
	return card, nil
}

// GetCard returns the stored card state without reconciling it.
func (e *Engine) GetCard(ctx context.Context, id CardID) (Card, error) {
	card, err := e.store.GetCard(ctx, id)
	if err != nil {
		return Card{}, Persistent("get card", err)
	}
	return card, nil
}

// ListCards returns the cards owned by a user.
func (e *Engine) ListCards(ctx context.Context, userID UserID) ([]Card, error) {
	cards, err := e.store.ListCards(ctx, userID)
	if err != nil {
		return nil, Persistent("list cards", err)
	}
	return cards, nil
}

// ListTransactions returns the card's entries newest first.
func (e *Engine) ListTransactions(ctx context.Context, id CardID) ([]Entry, error) {
	if _, err := e.store.GetCard(ctx, id); err != nil {
		return nil, Persistent("get card", err)
	}
	entries, err := e.store.Entries(ctx, id)
	if err != nil {
		return nil, Persistent("list entries", err)
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[j].Before(entries[i]) })
	return entries, nil
}

// UpdateCardLimit changes the credit limit. The new limit must cover what
// is already used.
func (e *Engine) UpdateCardLimit(ctx context.Context, id CardID, limit decimal.Decimal) (Card, error) {
	if !limit.IsPositive() {
		return Card{}, reject(id, ErrInvalidLimit, "got %s", limit)
	}
	if !ValidMoney(limit) {
		return Card{}, reject(id, ErrInvalidAmount, "limit %s", limit)
	}

	var updated Card
	err := e.mutate(ctx, id, func(tx CardTx, card Card) error {
		if limit.LessThan(card.Used) {
			return reject(id, ErrLimitBelowUsed, "limit %s, used %s", limit, card.Used)
		}
		card.Limit = limit
		card.UpdatedAt = e.now()
		if err := tx.SaveCard(ctx, card); err != nil {
			return Persistent("save card", err)
		}
		updated = card
		return nil
	})
	if err != nil {
		e.logRejection("update_limit", id, err)
		return Card{}, err
	}

	e.log.WithFields(logrus.Fields{"card_id": id, "limit": limit.String()}).Info("card limit updated")
	e.publish(ctx, EventCardUpdated, &updated, "")
	return updated, nil
}

// UpdateBillingCycleStart moves the cycle start day and recomputes the
// card's classification for the new cycle window in the same critical
// section.
func (e *Engine) UpdateBillingCycleStart(ctx context.Context, id CardID, day int) (ReconcileResult, error) {
	if !ValidBillingDay(day) {
		return ReconcileResult{}, reject(id, ErrInvalidBillingDay, "got %d", day)
	}

	var result ReconcileResult
	err := e.mutate(ctx, id, func(tx CardTx, card Card) error {
		changed := card.BillingCycleStart != day
		card.BillingCycleStart = day
		if changed {
			card.UpdatedAt = e.now()
			if err := tx.SaveCard(ctx, card); err != nil {
				return Persistent("save card", err)
			}
		}
		var err error
		result, err = e.recompute(ctx, tx, card)
		return err
	})
	if err != nil {
		e.logRejection("update_billing_cycle", id, err)
		return ReconcileResult{}, err
	}

	e.log.WithFields(logrus.Fields{
		"card_id":      id,
		"billing_day":  day,
		"reclassified": result.Reclassified,
	}).Info("billing cycle start updated")
	e.publish(ctx, EventCardUpdated, &result.Card, "")
	return result, nil
}

// DeleteCard removes a card and its ledger. Only settled cards can go.
func (e *Engine) DeleteCard(ctx context.Context, id CardID) error {
	var deleted Card
	err := e.mutate(ctx, id, func(tx CardTx, card Card) error {
		if !card.IsSettled() {
			return reject(id, ErrOutstandingBalance, "used %s, billed %s, unbilled %s",
				card.Used, card.BilledUnpaid, card.UnbilledSpends)
		}
		if err := tx.DeleteCard(ctx); err != nil {
			return Persistent("delete card", err)
		}
		deleted = card
		return nil
	})
	if err != nil {
		e.logRejection("delete_card", id, err)
		return err
	}

	e.log.WithField("card_id", id).Info("card deleted")
	e.publish(ctx, EventCardDeleted, &deleted, "")
	return nil
}
