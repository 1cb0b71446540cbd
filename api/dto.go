/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the billing domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY AND DATES:
  Amounts are decimal strings in responses ("120.50") and accept either a
  JSON number or a string in requests. Calendar dates are "YYYY-MM-DD",
  timestamps RFC3339.

DERIVED FIELDS:
  used, billed_unpaid, unbilled_spends, available_limit and the last
  payment are computed by the engine. Request types do not carry them and
  handlers reject unknown fields, so clients cannot write them.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/card-engine/billing"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

type CreateCardRequest struct {
	UserID            string          `json:"user_id"`
	Name              string          `json:"name"`
	Limit             decimal.Decimal `json:"limit"`
	BillingCycleStart *int            `json:"billing_cycle_start,omitempty"` // default 1
}

// PostTransactionRequest posts an expense (negative amount) or a payment
// (positive amount).
type PostTransactionRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Date        string          `json:"date"`
	Description string          `json:"description,omitempty"`
	Category    string          `json:"category,omitempty"`
}

type UpdateLimitRequest struct {
	Limit decimal.Decimal `json:"limit"`
}

type UpdateBillingCycleRequest struct {
	BillingCycleStart int `json:"billing_cycle_start"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type CardDTO struct {
	ID                string  `json:"id"`
	UserID            string  `json:"user_id"`
	Name              string  `json:"name"`
	Limit             string  `json:"limit"`
	BillingCycleStart int     `json:"billing_cycle_start"`
	Used              string  `json:"used"`
	BilledUnpaid      string  `json:"billed_unpaid"`
	UnbilledSpends    string  `json:"unbilled_spends"`
	AvailableLimit    string  `json:"available_limit"`
	LastPaymentDate   *string `json:"last_payment_date"`
	LastPaymentAmount string  `json:"last_payment_amount"`
	CreatedAt         string  `json:"created_at"`
	UpdatedAt         string  `json:"updated_at"`
}

type EntryDTO struct {
	ID          string `json:"id"`
	CardID      string `json:"card_id"`
	Seq         int64  `json:"seq"`
	Kind        string `json:"kind"`
	Amount      string `json:"amount"`
	Date        string `json:"date"`
	IsBilled    bool   `json:"is_billed"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category,omitempty"`
	PostedAt    string `json:"posted_at"`
}

type PostTransactionResponse struct {
	Entry EntryDTO `json:"entry"`
	Card  CardDTO  `json:"card"`
}

type CycleDTO struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type ReconcileResponse struct {
	Card         CardDTO  `json:"card"`
	Cycle        CycleDTO `json:"cycle"`
	Reclassified int      `json:"reclassified"`
}

type StatementDTO struct {
	Card    CardDTO    `json:"card"`
	Cycle   CycleDTO   `json:"cycle"`
	Entries []EntryDTO `json:"entries"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toCardDTO(c billing.Card) CardDTO {
	dto := CardDTO{
		ID:                string(c.ID),
		UserID:            string(c.UserID),
		Name:              c.Name,
		Limit:             c.Limit.String(),
		BillingCycleStart: c.BillingCycleStart,
		Used:              c.Used.String(),
		BilledUnpaid:      c.BilledUnpaid.String(),
		UnbilledSpends:    c.UnbilledSpends.String(),
		AvailableLimit:    c.AvailableLimit().String(),
		LastPaymentAmount: c.LastPaymentAmount.String(),
		CreatedAt:         c.CreatedAt.Format(time.RFC3339),
		UpdatedAt:         c.UpdatedAt.Format(time.RFC3339),
	}
	if c.LastPaymentDate != nil {
		d := c.LastPaymentDate.Format(billing.DateLayout)
		dto.LastPaymentDate = &d
	}
	return dto
}

func toCardDTOs(cards []billing.Card) []CardDTO {
	dtos := make([]CardDTO, 0, len(cards))
	for _, c := range cards {
		dtos = append(dtos, toCardDTO(c))
	}
	return dtos
}

func toEntryDTO(e billing.Entry) EntryDTO {
	return EntryDTO{
		ID:          string(e.ID),
		CardID:      string(e.CardID),
		Seq:         e.Seq,
		Kind:        string(e.Kind()),
		Amount:      e.Amount.String(),
		Date:        e.Date.Format(billing.DateLayout),
		IsBilled:    e.IsBilled,
		Description: e.Description,
		Category:    e.Category,
		PostedAt:    e.PostedAt.Format(time.RFC3339),
	}
}

func toEntryDTOs(entries []billing.Entry) []EntryDTO {
	dtos := make([]EntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, toEntryDTO(e))
	}
	return dtos
}

func toCycleDTO(c billing.Cycle) CycleDTO {
	return CycleDTO{Start: c.Start.Format(billing.DateLayout), End: c.End.Format(billing.DateLayout)}
}
