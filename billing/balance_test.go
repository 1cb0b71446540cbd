package billing_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/warp/card-engine/billing"
)

func TestApplyPayment_Waterfall(t *testing.T) {
	tests := []struct {
		name                  string
		billed, unbilled, pay string
		wantBilled            string
		wantUnbilled          string
		wantApplied           string
	}{
		{"billed only", "100", "50", "60", "40", "50", "60"},
		{"spills into unbilled", "100", "50", "120", "0", "30", "120"},
		{"unbilled only", "0", "50", "20", "0", "30", "20"},
		{"everything", "100", "50", "150", "0", "0", "150"},
		{"remainder ignored", "10", "0", "25", "0", "0", "10"},
		{"non-positive ignored", "10", "0", "0", "10", "0", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := billing.Balance{
				BilledUnpaid:   dec(tt.billed),
				UnbilledSpends: dec(tt.unbilled),
				Used:           dec(tt.billed).Add(dec(tt.unbilled)),
			}
			applied := b.ApplyPayment(dec(tt.pay))

			assertAmount(t, tt.wantApplied, applied, "applied")
			assertAmount(t, tt.wantBilled, b.BilledUnpaid, "billed_unpaid")
			assertAmount(t, tt.wantUnbilled, b.UnbilledSpends, "unbilled_spends")
			assert.True(t, b.Used.Equal(b.Outstanding()))
		})
	}
}

func TestCheckInvariants(t *testing.T) {
	valid := billing.Card{ID: "c", Limit: dec("100"), Balance: billing.Balance{
		Used: dec("30"), BilledUnpaid: dec("10"), UnbilledSpends: dec("20"),
	}}
	assert.NoError(t, valid.CheckInvariants())

	tests := []struct {
		name   string
		mutate func(*billing.Card)
		rule   string
	}{
		{"negative bucket", func(c *billing.Card) { c.BilledUnpaid = dec("-1"); c.Used = dec("19") }, "non_negative"},
		{"buckets disagree", func(c *billing.Card) { c.Used = dec("31") }, "used_equals_buckets"},
		{"over limit", func(c *billing.Card) { c.Limit = dec("29.99") }, "available_non_negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			card := valid
			tt.mutate(&card)
			err := card.CheckInvariants()
			var inv *billing.InvariantError
			if assert.ErrorAs(t, err, &inv) {
				assert.Equal(t, tt.rule, inv.Rule)
			}
		})
	}
}
