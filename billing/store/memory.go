// Package store provides an in-memory billing.Store.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/warp/card-engine/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

var errDuplicateCard = errors.New("card already exists")

// Memory keeps cards and entries in maps. WithCard stages every write in a
// view and applies it only when fn succeeds, so a failed mutation leaves
// nothing behind.
type Memory struct {
	mu      sync.RWMutex
	cards   map[billing.CardID]billing.Card
	entries map[billing.CardID][]billing.Entry
	nextSeq map[billing.CardID]int64

	rows *billing.KeyedMutex

	// FailOn, when set, is consulted before each staged write. A non-nil
	// return aborts the write with that error. Used to test atomicity.
	FailOn func(op string) error
}

func NewMemory() *Memory {
	return &Memory{
		cards:   make(map[billing.CardID]billing.Card),
		entries: make(map[billing.CardID][]billing.Entry),
		nextSeq: make(map[billing.CardID]int64),
		rows:    billing.NewKeyedMutex(),
	}
}

// Seed stores a card and entries as-is, bypassing all validation.
// Entries get sequence numbers in the order given.
func (m *Memory) Seed(card billing.Card, entries ...billing.Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cards[card.ID] = card
	for _, e := range entries {
		m.nextSeq[card.ID]++
		e.CardID = card.ID
		e.Seq = m.nextSeq[card.ID]
		m.entries[card.ID] = insertOrdered(m.entries[card.ID], e)
	}
}

func (m *Memory) InsertCard(_ context.Context, card billing.Card) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.cards[card.ID]; exists {
		return billing.Persistent("insert card", errDuplicateCard)
	}
	m.cards[card.ID] = card
	return nil
}

func (m *Memory) GetCard(_ context.Context, id billing.CardID) (billing.Card, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	card, ok := m.cards[id]
	if !ok {
		return billing.Card{}, billing.CardNotFound(id)
	}
	return card, nil
}

func (m *Memory) ListCards(_ context.Context, userID billing.UserID) ([]billing.Card, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var cards []billing.Card
	for _, c := range m.cards {
		if c.UserID == userID {
			cards = append(cards, c)
		}
	}
	sort.Slice(cards, func(i, j int) bool {
		if cards[i].CreatedAt.Equal(cards[j].CreatedAt) {
			return cards[i].ID < cards[j].ID
		}
		return cards[i].CreatedAt.Before(cards[j].CreatedAt)
	})
	return cards, nil
}

func (m *Memory) CardIDs(context.Context) ([]billing.CardID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]billing.CardID, 0, len(m.cards))
	for id := range m.cards {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *Memory) Entries(_ context.Context, id billing.CardID) ([]billing.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]billing.Entry, len(m.entries[id]))
	copy(result, m.entries[id])
	return result, nil
}

func (m *Memory) EntriesInRange(_ context.Context, id billing.CardID, from, to time.Time) ([]billing.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []billing.Entry
	for _, e := range m.entries[id] {
		if !e.Date.Before(from) && !e.Date.After(to) {
			result = append(result, e)
		}
	}
	return result, nil
}

// insertOrdered places e after every entry that does not sort after it.
func insertOrdered(entries []billing.Entry, e billing.Entry) []billing.Entry {
	i := sort.Search(len(entries), func(i int) bool {
		return e.Before(entries[i])
	})
	entries = append(entries, billing.Entry{})
	copy(entries[i+1:], entries[i:])
	entries[i] = e
	return entries
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// WithCard locks the card, runs fn against a staging view and commits the
// view if fn returns nil.
func (m *Memory) WithCard(ctx context.Context, id billing.CardID, fn func(billing.CardTx, billing.Card) error) error {
	release, err := m.rows.Acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	card, err := m.GetCard(ctx, id)
	if err != nil {
		return err
	}
	committed, err := m.Entries(ctx, id)
	if err != nil {
		return err
	}

	m.mu.RLock()
	seq := m.nextSeq[id]
	m.mu.RUnlock()

	view := &memoryView{parent: m, id: id, entries: committed, seq: seq}
	if err := fn(view, card); err != nil {
		return err
	}
	m.commit(view)
	return nil
}

func (m *Memory) commit(v *memoryView) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if v.deleted {
		delete(m.cards, v.id)
		delete(m.entries, v.id)
		delete(m.nextSeq, v.id)
		return
	}
	if v.card != nil {
		m.cards[v.id] = *v.card
	}
	m.entries[v.id] = v.entries
	m.nextSeq[v.id] = v.seq
}

type memoryView struct {
	parent  *Memory
	id      billing.CardID
	entries []billing.Entry // committed + staged, ordered
	seq     int64
	card    *billing.Card
	deleted bool
}

func (v *memoryView) fail(op string) error {
	if v.parent.FailOn == nil {
		return nil
	}
	return v.parent.FailOn(op)
}

func (v *memoryView) Entries(context.Context) ([]billing.Entry, error) {
	result := make([]billing.Entry, len(v.entries))
	copy(result, v.entries)
	return result, nil
}

func (v *memoryView) LatestEntry(context.Context) (*billing.Entry, error) {
	if len(v.entries) == 0 {
		return nil, nil
	}
	last := v.entries[len(v.entries)-1]
	return &last, nil
}

func (v *memoryView) AppendEntry(_ context.Context, e billing.Entry) (billing.Entry, error) {
	if err := v.fail("append_entry"); err != nil {
		return billing.Entry{}, err
	}
	v.seq++
	e.CardID = v.id
	e.Seq = v.seq
	// Copy before inserting so the committed slice is never aliased.
	v.entries = insertOrdered(append([]billing.Entry(nil), v.entries...), e)
	return e, nil
}

func (v *memoryView) SetBilled(_ context.Context, flags map[billing.EntryID]bool) error {
	if err := v.fail("set_billed"); err != nil {
		return err
	}
	entries := append([]billing.Entry(nil), v.entries...)
	for i := range entries {
		if billed, ok := flags[entries[i].ID]; ok {
			entries[i].IsBilled = billed
		}
	}
	v.entries = entries
	return nil
}

func (v *memoryView) SaveCard(_ context.Context, card billing.Card) error {
	if err := v.fail("save_card"); err != nil {
		return err
	}
	v.card = &card
	return nil
}

func (v *memoryView) DeleteCard(context.Context) error {
	if err := v.fail("delete_card"); err != nil {
		return err
	}
	v.deleted = true
	return nil
}
