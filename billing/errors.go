/*
errors.go - Centralized error types for the billing engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify errors with errors.Is against the category sentinels
  and read the specific reason from RejectionError.Code.

ERROR CATEGORIES:
  1. Validation          - malformed input or unknown card; no state change
  2. Invariant violation - the mutation would break a ledger invariant
  3. Concurrency         - lock unavailable; retry the whole operation
  4. Persistence         - store unavailable; transient, no partial write

USAGE:
  _, _, err := engine.PostTransaction(ctx, req)
  switch {
  case errors.Is(err, billing.ErrOverpayment):
      // specific reason
  case billing.IsClientError(err):
      // any rejected input
  case billing.IsRetryable(err):
      // try again
  }

SEE ALSO:
  - poster.go: emits most rejections
  - api/handlers.go: maps categories to HTTP status codes
*/
package billing

import (
	"errors"
	"fmt"
)

// =============================================================================
// CATEGORY SENTINELS
// =============================================================================

var (
	ErrValidation          = errors.New("validation error")
	ErrInvariantViolation  = errors.New("invariant violation")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrPersistence         = errors.New("persistence failure")
)

// =============================================================================
// REASON SENTINELS - Use with errors.Is()
// =============================================================================

var (
	// Validation
	ErrInvalidDate       = errors.New("invalid date")
	ErrFutureDate        = errors.New("date is in the future")
	ErrZeroAmount        = errors.New("amount must be non-zero")
	ErrInvalidAmount     = errors.New("amount must have at most 4 decimal places and 16 integer digits")
	ErrCardNotFound      = errors.New("card not found")
	ErrInvalidLimit      = errors.New("limit must be positive")
	ErrInvalidBillingDay = errors.New("billing cycle start must be between 1 and 31")
	ErrInvalidCard       = errors.New("invalid card")

	// Invariant violations
	ErrOutOfOrder           = errors.New("entry dated before the latest entry")
	ErrNoOutstandingBalance = errors.New("no outstanding balance to pay")
	ErrOverpayment          = errors.New("payment exceeds outstanding balance")
	ErrLimitExceeded        = errors.New("expense exceeds available limit")
	ErrLimitBelowUsed       = errors.New("limit below used amount")
	ErrOutstandingBalance   = errors.New("card has an outstanding balance")
)

var reasonCategory = map[error]error{
	ErrInvalidDate:          ErrValidation,
	ErrFutureDate:           ErrValidation,
	ErrZeroAmount:           ErrValidation,
	ErrInvalidAmount:        ErrValidation,
	ErrCardNotFound:         ErrValidation,
	ErrInvalidLimit:         ErrValidation,
	ErrInvalidBillingDay:    ErrValidation,
	ErrInvalidCard:          ErrValidation,
	ErrOutOfOrder:           ErrInvariantViolation,
	ErrNoOutstandingBalance: ErrInvariantViolation,
	ErrOverpayment:          ErrInvariantViolation,
	ErrLimitExceeded:        ErrInvariantViolation,
	ErrLimitBelowUsed:       ErrInvariantViolation,
	ErrOutstandingBalance:   ErrInvariantViolation,
}

var reasonCode = map[error]string{
	ErrInvalidDate:          "invalid_date",
	ErrFutureDate:           "future_date",
	ErrZeroAmount:           "zero_amount",
	ErrInvalidAmount:        "invalid_amount",
	ErrCardNotFound:         "card_not_found",
	ErrInvalidLimit:         "invalid_limit",
	ErrInvalidBillingDay:    "invalid_billing_day",
	ErrInvalidCard:          "invalid_card",
	ErrOutOfOrder:           "out_of_order",
	ErrNoOutstandingBalance: "no_outstanding_balance",
	ErrOverpayment:          "overpayment",
	ErrLimitExceeded:        "limit_exceeded",
	ErrLimitBelowUsed:       "limit_below_used",
	ErrOutstandingBalance:   "outstanding_balance",
}

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// RejectionError is returned for every mutation refused before any write.
// It unwraps to both its reason sentinel and its category sentinel.
type RejectionError struct {
	CardID CardID
	Code   string
	Reason error
	Detail string
}

func (e *RejectionError) Error() string {
	msg := e.Reason.Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.CardID != "" {
		return fmt.Sprintf("card %s: %s", e.CardID, msg)
	}
	return msg
}

func (e *RejectionError) Unwrap() []error {
	return []error{e.Reason, reasonCategory[e.Reason]}
}

func reject(cardID CardID, reason error, format string, args ...any) *RejectionError {
	return &RejectionError{
		CardID: cardID,
		Code:   reasonCode[reason],
		Reason: reason,
		Detail: fmt.Sprintf(format, args...),
	}
}

// CardNotFound is returned by stores when a card does not exist.
func CardNotFound(id CardID) error {
	return reject(id, ErrCardNotFound, "")
}

// Persistent wraps a store error as a PersistenceFailure unless it already
// carries a category.
func Persistent(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPersistence) || errors.Is(err, ErrConcurrencyConflict) ||
		errors.Is(err, ErrValidation) || errors.Is(err, ErrInvariantViolation) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}

// Conflict wraps err as a ConcurrencyConflict.
func Conflict(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrConcurrencyConflict, err)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// Code returns the machine-readable reason of err, or "" if it has none.
func Code(err error) string {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej.Code
	}
	switch {
	case errors.Is(err, ErrConcurrencyConflict):
		return "concurrency_conflict"
	case errors.Is(err, ErrPersistence):
		return "persistence_failure"
	}
	return ""
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrPersistence)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrInvariantViolation)
}

// IsNotFound returns true if the error indicates a missing card.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrCardNotFound)
}
