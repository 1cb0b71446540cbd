/*
Package sqlite provides a SQLite-backed implementation of billing.Store.

PURPOSE:
  Persists cards and their ledger entries in a single SQLite file. This is
  the default driver for local development and single-node deployments.

KEY TABLES:
  cards:   one row per card, including the derived balance aggregates
  entries: append-only ledger, ordered by (entry_date, seq)

APPEND-ONLY ENFORCEMENT:
  - entries rows are only ever INSERTed
  - the single UPDATE on entries rewrites is_billed (reconciler)
  - entries are DELETEd only through ON DELETE CASCADE from cards

MONEY AND DATES:
  Decimals are stored as TEXT and parsed with shopspring/decimal, so no
  float rounding ever touches a balance. entry_date is TEXT "YYYY-MM-DD",
  which sorts lexically in calendar order and is interpreted in the
  store's location on read. Timestamps are RFC3339 UTC.

CONCURRENCY:
  Every WithCard call runs in a BEGIN IMMEDIATE transaction
  (_txlock=immediate), which takes SQLite's write lock up front. Two
  writers never interleave read-validate-write. A writer that cannot get
  the lock within the busy timeout fails with ErrConcurrencyConflict.

  ":memory:" databases exist per connection, so the pool is limited to a
  single connection for them.

USAGE:
  store, err := sqlite.New("./data/cards.db", sqlite.WithLocation(loc))
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := billing.NewEngine(store, billing.WithLocation(loc))

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - billing/store.go: Interface definitions
  - billing/store/memory.go: In-memory implementation for testing
  - store/postgres: the same contract on PostgreSQL
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/card-engine/billing"
)

const busyTimeoutMS = 5000

// Store implements billing.Store using SQLite.
type Store struct {
	db       *sql.DB
	location *time.Location
}

type Option func(*Store)

// WithLocation sets the zone entry dates are interpreted in. Must match
// the engine's location.
func WithLocation(loc *time.Location) Option {
	return func(s *Store) { s.location = loc }
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string, opts ...Option) (*Store, error) {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=%d",
		dbPath, busyTimeoutMS)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, location: time.UTC}
	for _, opt := range opts {
		opt(store)
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cards (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		credit_limit TEXT NOT NULL,
		billing_cycle_start INTEGER NOT NULL DEFAULT 1
			CHECK (billing_cycle_start BETWEEN 1 AND 31),
		used TEXT NOT NULL DEFAULT '0',
		billed_unpaid TEXT NOT NULL DEFAULT '0',
		unbilled_spends TEXT NOT NULL DEFAULT '0',
		last_payment_date TEXT,
		last_payment_amount TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_cards_user
		ON cards(user_id, created_at);

	-- Ledger (append-only apart from is_billed)
	CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		card_id TEXT NOT NULL REFERENCES cards(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		amount TEXT NOT NULL,
		entry_date TEXT NOT NULL,
		is_billed INTEGER NOT NULL DEFAULT 0,
		description TEXT,
		category TEXT,
		posted_at TEXT NOT NULL,
		UNIQUE (card_id, seq)
	);

	-- Ledger order (hot path for posting and replay)
	CREATE INDEX IF NOT EXISTS idx_entries_card_order
		ON entries(card_id, entry_date, seq);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// CARDS
// =============================================================================

const cardColumns = `id, user_id, name, credit_limit, billing_cycle_start,
	used, billed_unpaid, unbilled_spends, last_payment_date, last_payment_amount,
	created_at, updated_at`

// InsertCard persists a new card.
func (s *Store) InsertCard(ctx context.Context, card billing.Card) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cards (`+cardColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		card.ID,
		card.UserID,
		card.Name,
		card.Limit.String(),
		card.BillingCycleStart,
		card.Used.String(),
		card.BilledUnpaid.String(),
		card.UnbilledSpends.String(),
		s.nullDate(card.LastPaymentDate),
		card.LastPaymentAmount.String(),
		formatTime(card.CreatedAt),
		formatTime(card.UpdatedAt),
	)
	if err != nil {
		return classify("insert card", err)
	}
	return nil
}

// GetCard returns a card by ID.
func (s *Store) GetCard(ctx context.Context, id billing.CardID) (billing.Card, error) {
	return s.getCard(ctx, s.db, id)
}

// ListCards returns all cards of a user ordered by creation.
func (s *Store) ListCards(ctx context.Context, userID billing.UserID) ([]billing.Card, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+cardColumns+`
		FROM cards
		WHERE user_id = ?
		ORDER BY created_at ASC, id ASC
	`, userID)
	if err != nil {
		return nil, classify("list cards", err)
	}
	defer rows.Close()

	var cards []billing.Card
	for rows.Next() {
		card, err := s.scanCard(rows)
		if err != nil {
			return nil, err
		}
		cards = append(cards, card)
	}
	return cards, rows.Err()
}

// CardIDs returns every card ID.
func (s *Store) CardIDs(ctx context.Context) ([]billing.CardID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM cards ORDER BY id`)
	if err != nil {
		return nil, classify("list card ids", err)
	}
	defer rows.Close()

	var ids []billing.CardID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify("scan card id", err)
		}
		ids = append(ids, billing.CardID(id))
	}
	return ids, rows.Err()
}

func (s *Store) getCard(ctx context.Context, q querier, id billing.CardID) (billing.Card, error) {
	row := q.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE id = ?`, id)
	card, err := s.scanCard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Card{}, billing.CardNotFound(id)
	}
	if err != nil {
		return billing.Card{}, classify("get card", err)
	}
	return card, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanCard(row scanner) (billing.Card, error) {
	var (
		card                                   billing.Card
		limit, used, billed, unbilled, lastAmt string
		lastDate                               sql.NullString
		createdAt, updatedAt                   string
	)
	err := row.Scan(
		&card.ID, &card.UserID, &card.Name, &limit, &card.BillingCycleStart,
		&used, &billed, &unbilled, &lastDate, &lastAmt,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return billing.Card{}, err
	}

	amounts := []struct {
		column string
		raw    string
		dst    *decimal.Decimal
	}{
		{"credit_limit", limit, &card.Limit},
		{"used", used, &card.Used},
		{"billed_unpaid", billed, &card.BilledUnpaid},
		{"unbilled_spends", unbilled, &card.UnbilledSpends},
		{"last_payment_amount", lastAmt, &card.LastPaymentAmount},
	}
	for _, a := range amounts {
		if *a.dst, err = decimal.NewFromString(a.raw); err != nil {
			return billing.Card{}, fmt.Errorf("card %s: bad %s %q: %w", card.ID, a.column, a.raw, err)
		}
	}
	if lastDate.Valid {
		d, err := s.parseDate(lastDate.String)
		if err != nil {
			return billing.Card{}, fmt.Errorf("card %s: bad last_payment_date: %w", card.ID, err)
		}
		card.LastPaymentDate = &d
	}
	if card.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return billing.Card{}, fmt.Errorf("card %s: bad created_at: %w", card.ID, err)
	}
	if card.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return billing.Card{}, fmt.Errorf("card %s: bad updated_at: %w", card.ID, err)
	}

	return card, nil
}

// =============================================================================
// ENTRIES
// =============================================================================

const entryColumns = `id, card_id, seq, amount, entry_date, is_billed,
	description, category, posted_at`

// Entries returns all entries of a card in ledger order.
func (s *Store) Entries(ctx context.Context, id billing.CardID) ([]billing.Entry, error) {
	return s.entries(ctx, s.db, id)
}

// EntriesInRange returns entries dated from..to inclusive, ascending.
func (s *Store) EntriesInRange(ctx context.Context, id billing.CardID, from, to time.Time) ([]billing.Entry, error) {
	return s.queryEntries(ctx, s.db, `
		SELECT `+entryColumns+`
		FROM entries
		WHERE card_id = ? AND entry_date >= ? AND entry_date <= ?
		ORDER BY entry_date ASC, seq ASC
	`, id, s.formatDate(from), s.formatDate(to))
}

func (s *Store) entries(ctx context.Context, q querier, id billing.CardID) ([]billing.Entry, error) {
	return s.queryEntries(ctx, q, `
		SELECT `+entryColumns+`
		FROM entries
		WHERE card_id = ?
		ORDER BY entry_date ASC, seq ASC
	`, id)
}

func (s *Store) queryEntries(ctx context.Context, q querier, query string, args ...any) ([]billing.Entry, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("query entries", err)
	}
	defer rows.Close()

	entries := []billing.Entry{}
	for rows.Next() {
		e, err := s.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) scanEntry(row scanner) (billing.Entry, error) {
	var (
		e                     billing.Entry
		amount, date, posted  string
		description, category sql.NullString
	)
	err := row.Scan(&e.ID, &e.CardID, &e.Seq, &amount, &date, &e.IsBilled,
		&description, &category, &posted)
	if err != nil {
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}

	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return e, fmt.Errorf("entry %s: bad amount %q: %w", e.ID, amount, err)
	}
	if e.Date, err = s.parseDate(date); err != nil {
		return e, fmt.Errorf("entry %s: bad entry_date: %w", e.ID, err)
	}
	e.Description = description.String
	e.Category = category.String
	if e.PostedAt, err = time.Parse(time.RFC3339Nano, posted); err != nil {
		return e, fmt.Errorf("entry %s: bad posted_at: %w", e.ID, err)
	}
	return e, nil
}

// =============================================================================
// TRANSACTIONAL VIEW (billing.CardTx)
// =============================================================================

// WithCard runs fn inside a write transaction holding SQLite's write lock.
func (s *Store) WithCard(ctx context.Context, id billing.CardID, fn func(billing.CardTx, billing.Card) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin transaction", err)
	}
	defer sqlTx.Rollback()

	card, err := s.getCard(ctx, sqlTx, id)
	if err != nil {
		return err
	}

	if err := fn(&cardTx{tx: sqlTx, parent: s, id: id}, card); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return classify("commit", err)
	}
	return nil
}

type cardTx struct {
	tx     *sql.Tx
	parent *Store
	id     billing.CardID
}

func (t *cardTx) Entries(ctx context.Context) ([]billing.Entry, error) {
	return t.parent.entries(ctx, t.tx, t.id)
}

func (t *cardTx) LatestEntry(ctx context.Context) (*billing.Entry, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM entries
		WHERE card_id = ?
		ORDER BY entry_date DESC, seq DESC
		LIMIT 1
	`, t.id)
	e, err := t.parent.scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("latest entry", err)
	}
	return &e, nil
}

func (t *cardTx) AppendEntry(ctx context.Context, e billing.Entry) (billing.Entry, error) {
	if err := t.tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM entries WHERE card_id = ?`, t.id,
	).Scan(&e.Seq); err != nil {
		return billing.Entry{}, classify("next seq", err)
	}
	e.CardID = t.id

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID,
		e.CardID,
		e.Seq,
		e.Amount.String(),
		t.parent.formatDate(e.Date),
		e.IsBilled,
		nullString(e.Description),
		nullString(e.Category),
		formatTime(e.PostedAt),
	)
	if err != nil {
		return billing.Entry{}, classify("append entry", err)
	}
	return e, nil
}

func (t *cardTx) SetBilled(ctx context.Context, flags map[billing.EntryID]bool) error {
	stmt, err := t.tx.PrepareContext(ctx,
		`UPDATE entries SET is_billed = ? WHERE id = ? AND card_id = ?`)
	if err != nil {
		return classify("prepare set billed", err)
	}
	defer stmt.Close()

	for id, billed := range flags {
		if _, err := stmt.ExecContext(ctx, billed, id, t.id); err != nil {
			return classify("set billed", err)
		}
	}
	return nil
}

func (t *cardTx) SaveCard(ctx context.Context, card billing.Card) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE cards SET
			name = ?, credit_limit = ?, billing_cycle_start = ?,
			used = ?, billed_unpaid = ?, unbilled_spends = ?,
			last_payment_date = ?, last_payment_amount = ?,
			updated_at = ?
		WHERE id = ?
	`,
		card.Name,
		card.Limit.String(),
		card.BillingCycleStart,
		card.Used.String(),
		card.BilledUnpaid.String(),
		card.UnbilledSpends.String(),
		t.parent.nullDate(card.LastPaymentDate),
		card.LastPaymentAmount.String(),
		formatTime(card.UpdatedAt),
		t.id,
	)
	if err != nil {
		return classify("save card", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return billing.CardNotFound(t.id)
	}
	return nil
}

func (t *cardTx) DeleteCard(ctx context.Context) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM entries WHERE card_id = ?`, t.id); err != nil {
		return classify("delete entries", err)
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM cards WHERE id = ?`, t.id); err != nil {
		return classify("delete card", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// classify maps driver errors onto the billing error categories. Lock
// contention is a ConcurrencyConflict; everything else is a
// PersistenceFailure.
func classify(op string, err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return billing.Conflict(op, err)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return billing.Conflict(op, err)
	}
	return billing.Persistent(op, err)
}

func (s *Store) formatDate(t time.Time) string {
	return t.In(s.location).Format(billing.DateLayout)
}

func (s *Store) parseDate(v string) (time.Time, error) {
	return time.ParseInLocation(billing.DateLayout, v, s.location)
}

func (s *Store) nullDate(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: s.formatDate(*t), Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
