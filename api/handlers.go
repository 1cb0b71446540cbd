/*
handlers.go - HTTP API handlers for the card billing engine

PURPOSE:
  Exposes billing.Engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates every decision to the engine.

ENDPOINTS:
  Cards:
    POST   /api/cards                      Create card
    GET    /api/cards?user_id=             List a user's cards
    GET    /api/cards/{id}                 Get card
    PUT    /api/cards/{id}/limit           Change credit limit
    PUT    /api/cards/{id}/billing-cycle   Change cycle start day (recomputes)
    DELETE /api/cards/{id}                 Delete a settled card

  Ledger:
    GET    /api/cards/{id}/transactions    Entries, newest first
    POST   /api/cards/{id}/transactions    Post expense or payment
    POST   /api/cards/{id}/reconcile       Replay the ledger ("process billing")
    GET    /api/cards/{id}/statement       Current cycle and its entries

  Ops:
    GET    /api/health                     Store reachability

ERROR HANDLING:
  Errors are returned as ErrorResponse with a status from the error
  category:
  - 400: validation (bad date, zero amount, bad body)
  - 404: card not found
  - 409: concurrency conflict, retry
  - 422: invariant violation (overpayment, limit exceeded, out of order)
  - 503: persistence failure, retry
  - 500: anything else

SECURITY NOTE:
  No authentication. user_id is taken from the request as-is.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"github.com/warp/card-engine/billing"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *billing.Engine
	Log    logrus.FieldLogger
	Pinger Pinger // optional
}

// NewHandler creates a handler over engine.
func NewHandler(engine *billing.Engine, log logrus.FieldLogger) *Handler {
	return &Handler{Engine: engine, Log: log}
}

func cardID(r *http.Request) billing.CardID {
	return billing.CardID(chi.URLParam(r, "id"))
}

// =============================================================================
// CARD ENDPOINTS
// =============================================================================

// CreateCard handles POST /api/cards
func (h *Handler) CreateCard(w http.ResponseWriter, r *http.Request) {
	var req CreateCardRequest
	if !h.decode(w, r, &req) {
		return
	}

	billingDay := 1
	if req.BillingCycleStart != nil {
		billingDay = *req.BillingCycleStart
	}

	card, err := h.Engine.CreateCard(r.Context(), billing.CreateCardRequest{
		UserID:            billing.UserID(req.UserID),
		Name:              req.Name,
		Limit:             req.Limit,
		BillingCycleStart: billingDay,
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCardDTO(card))
}

// ListCards handles GET /api/cards?user_id=
func (h *Handler) ListCards(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id query parameter is required", "invalid_request", nil)
		return
	}

	cards, err := h.Engine.ListCards(r.Context(), billing.UserID(userID))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCardDTOs(cards))
}

// GetCard handles GET /api/cards/{id}
func (h *Handler) GetCard(w http.ResponseWriter, r *http.Request) {
	card, err := h.Engine.GetCard(r.Context(), cardID(r))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCardDTO(card))
}

// UpdateLimit handles PUT /api/cards/{id}/limit
func (h *Handler) UpdateLimit(w http.ResponseWriter, r *http.Request) {
	var req UpdateLimitRequest
	if !h.decode(w, r, &req) {
		return
	}

	card, err := h.Engine.UpdateCardLimit(r.Context(), cardID(r), req.Limit)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCardDTO(card))
}

// UpdateBillingCycle handles PUT /api/cards/{id}/billing-cycle
func (h *Handler) UpdateBillingCycle(w http.ResponseWriter, r *http.Request) {
	var req UpdateBillingCycleRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.Engine.UpdateBillingCycleStart(r.Context(), cardID(r), req.BillingCycleStart)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReconcileResponse(result))
}

// DeleteCard handles DELETE /api/cards/{id}
func (h *Handler) DeleteCard(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.DeleteCard(r.Context(), cardID(r)); err != nil {
		h.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// LEDGER ENDPOINTS
// =============================================================================

// ListTransactions handles GET /api/cards/{id}/transactions
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Engine.ListTransactions(r.Context(), cardID(r))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

// PostTransaction handles POST /api/cards/{id}/transactions
func (h *Handler) PostTransaction(w http.ResponseWriter, r *http.Request) {
	var req PostTransactionRequest
	if !h.decode(w, r, &req) {
		return
	}

	entry, card, err := h.Engine.PostTransaction(r.Context(), billing.PostRequest{
		CardID:      cardID(r),
		Amount:      req.Amount,
		Date:        req.Date,
		Description: req.Description,
		Category:    req.Category,
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, PostTransactionResponse{
		Entry: toEntryDTO(entry),
		Card:  toCardDTO(card),
	})
}

// Reconcile handles POST /api/cards/{id}/reconcile
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	result, err := h.Engine.Reconcile(r.Context(), cardID(r))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReconcileResponse(result))
}

// Statement handles GET /api/cards/{id}/statement
func (h *Handler) Statement(w http.ResponseWriter, r *http.Request) {
	stmt, err := h.Engine.Statement(r.Context(), cardID(r))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatementDTO{
		Card:    toCardDTO(stmt.Card),
		Cycle:   toCycleDTO(stmt.Cycle),
		Entries: toEntryDTOs(stmt.Entries),
	})
}

// Health handles GET /api/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Pinger != nil {
		if err := h.Pinger.Ping(r.Context()); err != nil {
			h.Log.WithError(err).Error("health check failed")
			writeError(w, http.StatusServiceUnavailable, "store unreachable", "persistence_failure", nil)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func toReconcileResponse(result billing.ReconcileResult) ReconcileResponse {
	return ReconcileResponse{
		Card:         toCardDTO(result.Card),
		Cycle:        toCycleDTO(result.Cycle),
		Reclassified: result.Reclassified,
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads a JSON body, rejecting unknown fields. It writes the 400
// itself and reports whether the handler should continue.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", "invalid_body", err)
		return false
	}
	return true
}

// statusFor maps an engine error category to an HTTP status.
func statusFor(err error) int {
	switch {
	case billing.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, billing.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, billing.ErrInvariantViolation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, billing.ErrConcurrencyConflict):
		return http.StatusConflict
	case errors.Is(err, billing.ErrPersistence):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		// Driver and broker messages stay in the log.
		h.Log.WithError(err).WithField("status", status).Error("request failed")
		writeError(w, status, http.StatusText(status), billing.Code(err), nil)
		return
	}

	var rej *billing.RejectionError
	if errors.As(err, &rej) {
		writeError(w, status, rej.Reason.Error(), rej.Code, errors.New(rej.Detail))
		return
	}
	writeError(w, status, http.StatusText(status), billing.Code(err), err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, code string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
