package api

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/card-engine/billing"
	"github.com/warp/card-engine/billing/store"
)

func TestCycleScheduler_BillsClosedCycles(t *testing.T) {
	// GIVEN: an unbilled expense from March and an engine living in April
	mem := store.NewMemory()
	mem.Seed(billing.Card{
		ID: "card-1", UserID: "u", Name: "n", Limit: decimal.NewFromInt(1000), BillingCycleStart: 1,
		Balance: billing.Balance{
			Used: decimal.NewFromInt(70), UnbilledSpends: decimal.NewFromInt(70), BilledUnpaid: decimal.Zero,
		},
	}, billing.Entry{ID: "e1", Amount: decimal.NewFromInt(-70), Date: time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)})

	log := logrus.New()
	log.SetOutput(io.Discard)
	engine := billing.NewEngine(mem,
		billing.WithClock(billing.FixedClock{At: time.Date(2025, 4, 2, 9, 0, 0, 0, time.UTC)}),
		billing.WithLogger(log),
	)
	s := NewCycleScheduler(engine, time.Hour, log)

	// WHEN: the scheduler starts (one pass runs immediately)
	s.Start()
	t.Cleanup(s.Stop)

	// THEN: the expense is billed
	require.Eventually(t, func() bool { return s.Passes() >= 1 }, 2*time.Second, 10*time.Millisecond)
	card, err := mem.GetCard(context.Background(), "card-1")
	require.NoError(t, err)
	assert.True(t, card.BilledUnpaid.Equal(decimal.NewFromInt(70)))
	assert.True(t, card.UnbilledSpends.IsZero())
}

func TestCycleScheduler_DisabledAndIdempotentStop(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	s := NewCycleScheduler(billing.NewEngine(store.NewMemory(), billing.WithLogger(log)), 0, log)

	s.Start()
	s.Stop()
	s.Stop()

	assert.Zero(t, s.Passes())
}
