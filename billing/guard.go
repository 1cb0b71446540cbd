package billing

import (
	"context"
	"sync"
)

// =============================================================================
// CONCURRENCY GUARD - Per-card single-writer critical section
// =============================================================================

// Guard serializes mutating operations on the same card. Operations on
// different cards never wait on each other.
type Guard interface {
	// Acquire blocks until the card's lock is held or ctx is done.
	// The returned release function must be called exactly once.
	Acquire(ctx context.Context, id CardID) (release func(), err error)
}

// KeyedMutex is an in-process Guard with one mutex per card. Entries are
// reference counted and dropped once no goroutine holds or waits for them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[CardID]*cardLock
}

type cardLock struct {
	ch   chan struct{} // buffered(1): a token in the channel means "locked"
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[CardID]*cardLock)}
}

func (k *KeyedMutex) Acquire(ctx context.Context, id CardID) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[id]
	if !ok {
		l = &cardLock{ch: make(chan struct{}, 1)}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		k.deref(id, l)
		return nil, Conflict("acquire card lock", ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			k.deref(id, l)
		})
	}, nil
}

func (k *KeyedMutex) deref(id CardID, l *cardLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, id)
	}
}

// held returns the number of cards with a holder or waiter. Used in tests.
func (k *KeyedMutex) held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
