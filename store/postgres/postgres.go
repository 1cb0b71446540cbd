/*
Package postgres provides a PostgreSQL-backed implementation of billing.Store.

PURPOSE:
  The production store. Same contract as store/sqlite, with the card row
  lock taken by SELECT ... FOR UPDATE so that several engine processes
  can share one database safely.

KEY TABLES:
  cards:   NUMERIC(20,4) balances, DATE last_payment_date
  entries: append-only ledger, (card_id, seq) unique

CONCURRENCY:
  WithCard:
    BEGIN
    SELECT ... FROM cards WHERE id = $1 FOR UPDATE   -- waits for other writers
    fn(tx, card)
    COMMIT                                          -- or ROLLBACK on error
  lock_timeout bounds the wait; a timeout, deadlock or serialization
  failure is reported as ErrConcurrencyConflict.

MONEY:
  NUMERIC columns are scanned straight into decimal.Decimal (it implements
  sql.Scanner and driver.Valuer), so amounts never pass through float64.

SEE ALSO:
  - billing/store.go: Interface definitions
  - store/sqlite: the single-file equivalent
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/warp/card-engine/billing"
)

// Postgres error codes that mean "somebody else holds the row".
const (
	codeLockNotAvailable     = "55P03"
	codeDeadlockDetected     = "40P01"
	codeSerializationFailure = "40001"
	codeUniqueViolation      = "23505"
)

// Store implements billing.Store on a pgx connection pool.
type Store struct {
	pool        *pgxpool.Pool
	location    *time.Location
	lockTimeout time.Duration
}

type Option func(*Store)

// WithLocation sets the zone DATE columns are interpreted in.
func WithLocation(loc *time.Location) Option {
	return func(s *Store) { s.location = loc }
}

// WithLockTimeout bounds how long WithCard waits for a card row lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

// New connects to dsn, pings and migrates.
func New(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(connectCtx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &Store{pool: pool, location: time.UTC, lockTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(store)
	}

	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS cards (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		credit_limit NUMERIC(20,4) NOT NULL CHECK (credit_limit > 0),
		billing_cycle_start SMALLINT NOT NULL DEFAULT 1
			CHECK (billing_cycle_start BETWEEN 1 AND 31),
		used NUMERIC(20,4) NOT NULL DEFAULT 0,
		billed_unpaid NUMERIC(20,4) NOT NULL DEFAULT 0,
		unbilled_spends NUMERIC(20,4) NOT NULL DEFAULT 0,
		last_payment_date DATE,
		last_payment_amount NUMERIC(20,4) NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cards_user ON cards(user_id, created_at);

	CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		card_id TEXT NOT NULL REFERENCES cards(id) ON DELETE CASCADE,
		seq BIGINT NOT NULL,
		amount NUMERIC(20,4) NOT NULL CHECK (amount <> 0),
		entry_date DATE NOT NULL,
		is_billed BOOLEAN NOT NULL DEFAULT FALSE,
		description TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		posted_at TIMESTAMPTZ NOT NULL,
		UNIQUE (card_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_entries_card_order ON entries(card_id, entry_date, seq);
	`)
	return err
}

// =============================================================================
// CARDS
// =============================================================================

const cardColumns = `id, user_id, name, credit_limit, billing_cycle_start,
	used, billed_unpaid, unbilled_spends, last_payment_date, last_payment_amount,
	created_at, updated_at`

func (s *Store) InsertCard(ctx context.Context, card billing.Card) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cards (`+cardColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		string(card.ID), string(card.UserID), card.Name, card.Limit, card.BillingCycleStart,
		card.Used, card.BilledUnpaid, card.UnbilledSpends,
		s.dateParam(card.LastPaymentDate), card.LastPaymentAmount,
		card.CreatedAt, card.UpdatedAt,
	)
	if err != nil {
		return classify("insert card", err)
	}
	return nil
}

func (s *Store) GetCard(ctx context.Context, id billing.CardID) (billing.Card, error) {
	return s.getCard(ctx, s.pool, id, "")
}

func (s *Store) ListCards(ctx context.Context, userID billing.UserID) ([]billing.Card, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+cardColumns+` FROM cards
		WHERE user_id = $1
		ORDER BY created_at ASC, id ASC
	`, string(userID))
	if err != nil {
		return nil, classify("list cards", err)
	}
	defer rows.Close()

	var cards []billing.Card
	for rows.Next() {
		card, err := s.scanCard(rows)
		if err != nil {
			return nil, classify("scan card", err)
		}
		cards = append(cards, card)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list cards", err)
	}
	return cards, nil
}

// CardIDs returns every card ID.
func (s *Store) CardIDs(ctx context.Context) ([]billing.CardID, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM cards ORDER BY id`)
	if err != nil {
		return nil, classify("list card ids", err)
	}
	ids, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (billing.CardID, error) {
		var id string
		err := row.Scan(&id)
		return billing.CardID(id), err
	})
	if err != nil {
		return nil, classify("list card ids", err)
	}
	return ids, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) getCard(ctx context.Context, q querier, id billing.CardID, suffix string) (billing.Card, error) {
	row := q.QueryRow(ctx, `SELECT `+cardColumns+` FROM cards WHERE id = $1 `+suffix, string(id))
	card, err := s.scanCard(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return billing.Card{}, billing.CardNotFound(id)
	}
	if err != nil {
		return billing.Card{}, classify("get card", err)
	}
	return card, nil
}

func (s *Store) scanCard(row pgx.Row) (billing.Card, error) {
	var (
		card            billing.Card
		id, userID      string
		lastPaymentDate *time.Time
		billingDay      int16
	)
	err := row.Scan(
		&id, &userID, &card.Name, &card.Limit, &billingDay,
		&card.Used, &card.BilledUnpaid, &card.UnbilledSpends,
		&lastPaymentDate, &card.LastPaymentAmount,
		&card.CreatedAt, &card.UpdatedAt,
	)
	if err != nil {
		return billing.Card{}, err
	}
	card.ID = billing.CardID(id)
	card.UserID = billing.UserID(userID)
	card.BillingCycleStart = int(billingDay)
	if lastPaymentDate != nil {
		d := s.localDate(*lastPaymentDate)
		card.LastPaymentDate = &d
	}
	return card, nil
}

// =============================================================================
// ENTRIES
// =============================================================================

const entryColumns = `id, card_id, seq, amount, entry_date, is_billed,
	description, category, posted_at`

func (s *Store) Entries(ctx context.Context, id billing.CardID) ([]billing.Entry, error) {
	return s.queryEntries(ctx, s.pool, `
		SELECT `+entryColumns+` FROM entries
		WHERE card_id = $1
		ORDER BY entry_date ASC, seq ASC
	`, string(id))
}

func (s *Store) EntriesInRange(ctx context.Context, id billing.CardID, from, to time.Time) ([]billing.Entry, error) {
	return s.queryEntries(ctx, s.pool, `
		SELECT `+entryColumns+` FROM entries
		WHERE card_id = $1 AND entry_date BETWEEN $2 AND $3
		ORDER BY entry_date ASC, seq ASC
	`, string(id), s.dateValue(from), s.dateValue(to))
}

func (s *Store) queryEntries(ctx context.Context, q querier, query string, args ...any) ([]billing.Entry, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, classify("query entries", err)
	}
	defer rows.Close()

	entries := []billing.Entry{}
	for rows.Next() {
		e, err := s.scanEntry(rows)
		if err != nil {
			return nil, classify("scan entry", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("query entries", err)
	}
	return entries, nil
}

func (s *Store) scanEntry(row pgx.Row) (billing.Entry, error) {
	var (
		e          billing.Entry
		id, cardID string
		date       time.Time
	)
	err := row.Scan(&id, &cardID, &e.Seq, &e.Amount, &date, &e.IsBilled,
		&e.Description, &e.Category, &e.PostedAt)
	if err != nil {
		return e, err
	}
	e.ID = billing.EntryID(id)
	e.CardID = billing.CardID(cardID)
	e.Date = s.localDate(date)
	return e, nil
}

// =============================================================================
// TRANSACTIONAL VIEW (billing.CardTx)
// =============================================================================

// WithCard locks the card row and runs fn in the same transaction.
func (s *Store) WithCard(ctx context.Context, id billing.CardID, fn func(billing.CardTx, billing.Card) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	if s.lockTimeout > 0 {
		// SET LOCAL cannot take a bind parameter.
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return classify("set lock timeout", err)
		}
	}

	card, err := s.getCard(ctx, tx, id, "FOR UPDATE")
	if err != nil {
		return err
	}

	if err := fn(&cardTx{tx: tx, parent: s, id: id}, card); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return classify("commit", err)
	}
	return nil
}

type cardTx struct {
	tx     pgx.Tx
	parent *Store
	id     billing.CardID
}

func (t *cardTx) Entries(ctx context.Context) ([]billing.Entry, error) {
	return t.parent.queryEntries(ctx, t.tx, `
		SELECT `+entryColumns+` FROM entries
		WHERE card_id = $1
		ORDER BY entry_date ASC, seq ASC
	`, string(t.id))
}

func (t *cardTx) LatestEntry(ctx context.Context) (*billing.Entry, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+entryColumns+` FROM entries
		WHERE card_id = $1
		ORDER BY entry_date DESC, seq DESC
		LIMIT 1
	`, string(t.id))
	e, err := t.parent.scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("latest entry", err)
	}
	return &e, nil
}

func (t *cardTx) AppendEntry(ctx context.Context, e billing.Entry) (billing.Entry, error) {
	e.CardID = t.id
	err := t.tx.QueryRow(ctx, `
		INSERT INTO entries (`+entryColumns+`)
		VALUES ($1, $2,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM entries WHERE card_id = $2),
			$3, $4, $5, $6, $7, $8)
		RETURNING seq
	`,
		string(e.ID), string(e.CardID), e.Amount, t.parent.dateValue(e.Date), e.IsBilled,
		e.Description, e.Category, e.PostedAt,
	).Scan(&e.Seq)
	if err != nil {
		return billing.Entry{}, classify("append entry", err)
	}
	return e, nil
}

func (t *cardTx) SetBilled(ctx context.Context, flags map[billing.EntryID]bool) error {
	batch := &pgx.Batch{}
	for id, billed := range flags {
		batch.Queue(`UPDATE entries SET is_billed = $1 WHERE id = $2 AND card_id = $3`,
			billed, string(id), string(t.id))
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return classify("set billed", err)
	}
	return nil
}

func (t *cardTx) SaveCard(ctx context.Context, card billing.Card) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE cards SET
			name = $2, credit_limit = $3, billing_cycle_start = $4,
			used = $5, billed_unpaid = $6, unbilled_spends = $7,
			last_payment_date = $8, last_payment_amount = $9,
			updated_at = $10
		WHERE id = $1
	`,
		string(t.id), card.Name, card.Limit, card.BillingCycleStart,
		card.Used, card.BilledUnpaid, card.UnbilledSpends,
		t.parent.dateParam(card.LastPaymentDate), card.LastPaymentAmount,
		card.UpdatedAt,
	)
	if err != nil {
		return classify("save card", err)
	}
	if tag.RowsAffected() == 0 {
		return billing.CardNotFound(t.id)
	}
	return nil
}

func (t *cardTx) DeleteCard(ctx context.Context) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM cards WHERE id = $1`, string(t.id)); err != nil {
		return classify("delete card", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeLockNotAvailable, codeDeadlockDetected, codeSerializationFailure:
			return billing.Conflict(op, err)
		case codeUniqueViolation:
			return billing.Persistent(op, fmt.Errorf("%s: %w", pgErr.ConstraintName, err))
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return billing.Conflict(op, err)
	}
	return billing.Persistent(op, err)
}

// dateValue is the calendar day of t in the store's location, as the UTC
// midnight pgx expects for DATE.
func (s *Store) dateValue(t time.Time) time.Time {
	l := t.In(s.location)
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, time.UTC)
}

// dateParam renders an optional calendar date for a DATE parameter.
func (s *Store) dateParam(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := s.dateValue(*t)
	return &v
}

// localDate re-anchors a DATE value (returned at UTC midnight) to
// midnight in the store's location.
func (s *Store) localDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, s.location)
}
