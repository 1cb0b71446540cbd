/*
handlers_test.go - HTTP tests for the card API

Tests for:
- Card lifecycle (create, get, list, limit, billing cycle, delete)
- Posting expenses and payments through the waterfall
- Error category to status mapping
- Health endpoint
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/card-engine/billing"
	"github.com/warp/card-engine/billing/store"
	"github.com/warp/card-engine/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type testServer struct {
	t       *testing.T
	handler *Handler
	router  http.Handler
}

// newTestServer serves an engine over an in-memory SQLite store whose
// "today" is 2025-03-20.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := logrus.New()
	log.SetOutput(io.Discard)

	engine := billing.NewEngine(db,
		billing.WithClock(billing.FixedClock{At: time.Date(2025, 3, 20, 10, 0, 0, 0, time.UTC)}),
		billing.WithLogger(log),
	)
	h := NewHandler(engine, log)
	h.Pinger = db
	return &testServer{t: t, handler: h, router: NewRouter(h, RouterOptions{})}
}

// do sends body as JSON (or verbatim when it is a string).
func (s *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(s.t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) createCard(limit string, cycleStart int) CardDTO {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/cards", map[string]any{
		"user_id": "user-1", "name": "Travel", "limit": limit, "billing_cycle_start": cycleStart,
	})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[CardDTO](s.t, rec)
}

func (s *testServer) post(cardID, amount, date string) *httptest.ResponseRecorder {
	s.t.Helper()
	return s.do(http.MethodPost, "/api/cards/"+cardID+"/transactions", map[string]any{
		"amount": amount, "date": date,
	})
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func assertMoney(t *testing.T, want, got string) {
	t.Helper()
	assert.True(t, decimal.RequireFromString(want).Equal(decimal.RequireFromString(got)), "want %s, got %s", want, got)
}

func assertError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
	assert.Equal(t, code, decode[ErrorResponse](t, rec).Code)
}

// =============================================================================
// CARDS
// =============================================================================

func TestCreateCard_StartsSettled(t *testing.T) {
	s := newTestServer(t)

	card := s.createCard("1000", 15)

	assert.NotEmpty(t, card.ID)
	assert.Equal(t, 15, card.BillingCycleStart)
	assertMoney(t, "1000", card.Limit)
	assertMoney(t, "0", card.Used)
	assertMoney(t, "1000", card.AvailableLimit)
	assert.Nil(t, card.LastPaymentDate)

	got := decode[CardDTO](t, s.do(http.MethodGet, "/api/cards/"+card.ID, nil))
	assert.Equal(t, card.ID, got.ID)
}

func TestCreateCard_DefaultsCycleStartToFirst(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/cards", `{"user_id":"u","name":"n","limit":500}`)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decode[CardDTO](t, rec).BillingCycleStart)
}

func TestCreateCard_RejectsDerivedFields(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/cards", `{"user_id":"u","name":"n","limit":"500","used":"100"}`)

	assertError(t, rec, http.StatusBadRequest, "invalid_body")
}

func TestCreateCard_Validation(t *testing.T) {
	s := newTestServer(t)

	assertError(t, s.do(http.MethodPost, "/api/cards", `{"user_id":"u","name":"n","limit":"0"}`),
		http.StatusBadRequest, "invalid_limit")
	assertError(t, s.do(http.MethodPost, "/api/cards", `{"user_id":"u","name":"n","limit":"10","billing_cycle_start":32}`),
		http.StatusBadRequest, "invalid_billing_day")
}

func TestListCards_ByUser(t *testing.T) {
	s := newTestServer(t)
	s.createCard("100", 1)
	s.createCard("200", 1)

	cards := decode[[]CardDTO](t, s.do(http.MethodGet, "/api/cards?user_id=user-1", nil))
	assert.Len(t, cards, 2)

	none := decode[[]CardDTO](t, s.do(http.MethodGet, "/api/cards?user_id=someone-else", nil))
	assert.Empty(t, none)

	assertError(t, s.do(http.MethodGet, "/api/cards", nil), http.StatusBadRequest, "invalid_request")
}

func TestGetCard_NotFound(t *testing.T) {
	s := newTestServer(t)

	assertError(t, s.do(http.MethodGet, "/api/cards/missing", nil), http.StatusNotFound, "card_not_found")
	assertError(t, s.post("missing", "-10", "2025-03-20"), http.StatusNotFound, "card_not_found")
}

func TestUpdateLimit(t *testing.T) {
	s := newTestServer(t)
	card := s.createCard("1000", 1)
	require.Equal(t, http.StatusCreated, s.post(card.ID, "-400", "2025-03-18").Code)

	rec := s.do(http.MethodPut, "/api/cards/"+card.ID+"/limit", `{"limit":"2000"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assertMoney(t, "1600", decode[CardDTO](t, rec).AvailableLimit)

	assertError(t, s.do(http.MethodPut, "/api/cards/"+card.ID+"/limit", `{"limit":"300"}`),
		http.StatusUnprocessableEntity, "limit_below_used")
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestPostTransaction_PaymentWaterfall(t *testing.T) {
	// GIVEN: a card with its cycle opening on the 15th
	//   (today 2025-03-20, open cycle 2025-03-15 .. 2025-04-14)
	s := newTestServer(t)
	card := s.createCard("1000", 15)

	// WHEN: one billed expense, one unbilled expense, then a payment
	billed := decode[PostTransactionResponse](t, s.post(card.ID, "-200", "2025-03-10"))
	unbilled := decode[PostTransactionResponse](t, s.post(card.ID, "-100", "2025-03-18"))
	rec := s.post(card.ID, "250", "2025-03-20")

	// THEN: the payment clears the billed amount first
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.True(t, billed.Entry.IsBilled)
	assert.Equal(t, "expense", billed.Entry.Kind)
	assert.False(t, unbilled.Entry.IsBilled)

	resp := decode[PostTransactionResponse](t, rec)
	assert.Equal(t, "payment", resp.Entry.Kind)
	assertMoney(t, "0", resp.Card.BilledUnpaid)
	assertMoney(t, "50", resp.Card.UnbilledSpends)
	assertMoney(t, "50", resp.Card.Used)
	assertMoney(t, "950", resp.Card.AvailableLimit)
	require.NotNil(t, resp.Card.LastPaymentDate)
	assert.Equal(t, "2025-03-20", *resp.Card.LastPaymentDate)
	assertMoney(t, "250", resp.Card.LastPaymentAmount)
}

func TestPostTransaction_Rejections(t *testing.T) {
	s := newTestServer(t)
	card := s.createCard("100", 1)
	require.Equal(t, http.StatusCreated, s.post(card.ID, "-60", "2025-03-15").Code)

	tests := []struct {
		name   string
		amount string
		date   string
		status int
		code   string
	}{
		{"zero amount", "0", "2025-03-20", http.StatusBadRequest, "zero_amount"},
		{"bad date", "-1", "20-03-2025", http.StatusBadRequest, "invalid_date"},
		{"five decimal places", "-0.00001", "2025-03-20", http.StatusBadRequest, "invalid_amount"},
		{"future date", "-1", "2025-03-21", http.StatusBadRequest, "future_date"},
		{"before latest entry", "-1", "2025-03-14", http.StatusUnprocessableEntity, "out_of_order"},
		{"over limit", "-41", "2025-03-20", http.StatusUnprocessableEntity, "limit_exceeded"},
		{"overpayment", "61", "2025-03-20", http.StatusUnprocessableEntity, "overpayment"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertError(t, s.post(card.ID, tt.amount, tt.date), tt.status, tt.code)
		})
	}

	// Nothing rejected above reached the ledger.
	entries := decode[[]EntryDTO](t, s.do(http.MethodGet, "/api/cards/"+card.ID+"/transactions", nil))
	assert.Len(t, entries, 1)
}

func TestPostTransaction_NoOutstandingBalance(t *testing.T) {
	s := newTestServer(t)
	card := s.createCard("100", 1)

	assertError(t, s.post(card.ID, "10", "2025-03-20"), http.StatusUnprocessableEntity, "no_outstanding_balance")
}

func TestListTransactions_NewestFirst(t *testing.T) {
	s := newTestServer(t)
	card := s.createCard("1000", 1)
	s.post(card.ID, "-10", "2025-03-01")
	s.post(card.ID, "-20", "2025-03-05")
	s.post(card.ID, "-30", "2025-03-05")

	entries := decode[[]EntryDTO](t, s.do(http.MethodGet, "/api/cards/"+card.ID+"/transactions", nil))

	require.Len(t, entries, 3)
	assertMoney(t, "-30", entries[0].Amount)
	assertMoney(t, "-20", entries[1].Amount)
	assertMoney(t, "-10", entries[2].Amount)
	assert.Equal(t, "2025-03-01", entries[2].Date)
}

// =============================================================================
// RECONCILE / STATEMENT / CYCLE
// =============================================================================

func TestReconcile_ReportsCycle(t *testing.T) {
	s := newTestServer(t)
	card := s.createCard("1000", 15)
	s.post(card.ID, "-100", "2025-03-18")

	rec := s.do(http.MethodPost, "/api/cards/"+card.ID+"/reconcile", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[ReconcileResponse](t, rec)
	assert.Equal(t, CycleDTO{Start: "2025-03-15", End: "2025-04-14"}, resp.Cycle)
	assert.Zero(t, resp.Reclassified)
	assertMoney(t, "100", resp.Card.UnbilledSpends)
}

func TestStatement_OnlyOpenCycleEntries(t *testing.T) {
	s := newTestServer(t)
	card := s.createCard("1000", 15)
	s.post(card.ID, "-100", "2025-03-10")
	s.post(card.ID, "-40", "2025-03-16")

	rec := s.do(http.MethodGet, "/api/cards/"+card.ID+"/statement", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	stmt := decode[StatementDTO](t, rec)
	require.Len(t, stmt.Entries, 1)
	assert.Equal(t, "2025-03-16", stmt.Entries[0].Date)
	assertMoney(t, "100", stmt.Card.BilledUnpaid)
	assertMoney(t, "40", stmt.Card.UnbilledSpends)
}

func TestUpdateBillingCycle_Reclassifies(t *testing.T) {
	// GIVEN: an unbilled expense on the 10th under a cycle opening on the 5th
	s := newTestServer(t)
	card := s.createCard("1000", 5)
	s.post(card.ID, "-100", "2025-03-10")

	// WHEN: the cycle moves to open on the 15th
	rec := s.do(http.MethodPut, "/api/cards/"+card.ID+"/billing-cycle", `{"billing_cycle_start":15}`)

	// THEN: the expense now falls before the open cycle and is billed
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[ReconcileResponse](t, rec)
	assert.Equal(t, 1, resp.Reclassified)
	assert.Equal(t, 15, resp.Card.BillingCycleStart)
	assertMoney(t, "100", resp.Card.BilledUnpaid)
	assertMoney(t, "0", resp.Card.UnbilledSpends)
}

// =============================================================================
// DELETE
// =============================================================================

func TestDeleteCard_OnlyWhenSettled(t *testing.T) {
	s := newTestServer(t)
	card := s.createCard("1000", 1)
	s.post(card.ID, "-100", "2025-03-10")

	assertError(t, s.do(http.MethodDelete, "/api/cards/"+card.ID, nil),
		http.StatusUnprocessableEntity, "outstanding_balance")

	require.Equal(t, http.StatusCreated, s.post(card.ID, "100", "2025-03-20").Code)
	assert.Equal(t, http.StatusNoContent, s.do(http.MethodDelete, "/api/cards/"+card.ID, nil).Code)
	assertError(t, s.do(http.MethodGet, "/api/cards/"+card.ID, nil), http.StatusNotFound, "card_not_found")
}

// =============================================================================
// ERRORS / HEALTH
// =============================================================================

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{billing.CardNotFound("x"), http.StatusNotFound},
		{billing.ErrValidation, http.StatusBadRequest},
		{billing.ErrInvariantViolation, http.StatusUnprocessableEntity},
		{billing.Conflict("lock", context.DeadlineExceeded), http.StatusConflict},
		{billing.Persistent("save", errors.New("disk full")), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return errors.New("connection refused") }

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/health", nil).Code)

	s.handler.Pinger = downPinger{}
	rec := s.do(http.MethodGet, "/api/health", nil)
	assertError(t, rec, http.StatusServiceUnavailable, "persistence_failure")
	assert.NotContains(t, rec.Body.String(), "connection refused")
}

func TestStoreFailure_DetailsStayInLog(t *testing.T) {
	// GIVEN: a store whose ledger writes fail with a driver message
	mem := store.NewMemory()
	mem.FailOn = func(op string) error {
		if op == "append_entry" {
			return errors.New("disk I/O error at /var/lib/cards.db")
		}
		return nil
	}
	log := logrus.New()
	log.SetOutput(io.Discard)
	engine := billing.NewEngine(mem,
		billing.WithClock(billing.FixedClock{At: time.Date(2025, 3, 20, 10, 0, 0, 0, time.UTC)}),
		billing.WithLogger(log),
	)
	s := &testServer{t: t, handler: NewHandler(engine, log)}
	s.router = NewRouter(s.handler, RouterOptions{})
	card := s.createCard("100", 1)

	// WHEN
	rec := s.post(card.ID, "-10", "2025-03-20")

	// THEN: the client learns the category, not the driver text
	assertError(t, rec, http.StatusServiceUnavailable, "persistence_failure")
	assert.Empty(t, decode[ErrorResponse](t, rec).Details)
	assert.NotContains(t, rec.Body.String(), "disk I/O")
}
