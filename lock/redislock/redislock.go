/*
Package redislock provides a distributed billing.Guard backed by Redis.

PURPOSE:
  The in-process KeyedMutex only serializes goroutines of one process.
  When several engine instances serve the same cards, this guard takes a
  Redlock (go-redsync) mutex per card before the store transaction, so
  the card row lock is rarely contended.

KEYS:
  <prefix><card id>    default prefix "card-lock:"

FAILURE MODES:
  - lock held elsewhere after all tries   -> ErrConcurrencyConflict
  - ctx cancelled while waiting           -> ErrConcurrencyConflict
  - Redis unreachable                     -> ErrPersistence

  The lock expires after Expiry even if the holder dies. Critical
  sections are single-card transactions, far shorter than the default.

SEE ALSO:
  - billing/guard.go: Guard interface and the in-process KeyedMutex
*/
package redislock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/warp/card-engine/billing"
)

// Options tunes lock acquisition.
type Options struct {
	Prefix     string
	Expiry     time.Duration
	Tries      int
	RetryDelay time.Duration
}

// DefaultOptions waits up to roughly Tries*RetryDelay for a busy card.
func DefaultOptions() Options {
	return Options{
		Prefix:     "card-lock:",
		Expiry:     10 * time.Second,
		Tries:      40,
		RetryDelay: 50 * time.Millisecond,
	}
}

// Guard implements billing.Guard with one redsync mutex per card.
type Guard struct {
	rs   *redsync.Redsync
	opts Options
	log  logrus.FieldLogger
}

var _ billing.Guard = (*Guard)(nil)

// New creates a guard over client.
func New(client redis.UniversalClient, opts Options, log logrus.FieldLogger) *Guard {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Guard{
		rs:   redsync.New(goredis.NewPool(client)),
		opts: opts,
		log:  log,
	}
}

func (g *Guard) key(id billing.CardID) string {
	return g.opts.Prefix + string(id)
}

// Acquire takes the card's distributed lock.
func (g *Guard) Acquire(ctx context.Context, id billing.CardID) (func(), error) {
	key := g.key(id)
	mutex := g.rs.NewMutex(key,
		redsync.WithExpiry(g.opts.Expiry),
		redsync.WithTries(g.opts.Tries),
		redsync.WithRetryDelay(g.opts.RetryDelay),
	)

	if err := mutex.LockContext(ctx); err != nil {
		if isContention(err) || ctx.Err() != nil {
			return nil, billing.Conflict("acquire card lock", err)
		}
		return nil, billing.Persistent("acquire card lock", err)
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			// Unlock even if the request context is already cancelled.
			ok, err := mutex.UnlockContext(context.WithoutCancel(ctx))
			if err != nil || !ok {
				g.log.WithFields(logrus.Fields{
					"lock_key": key,
					"unlocked": ok,
				}).WithError(err).Warn("card lock was not released cleanly")
			}
		})
	}
	return release, nil
}

// isContention reports whether redsync gave up because another holder
// has the lock, as opposed to a Redis failure.
func isContention(err error) bool {
	if errors.Is(err, redsync.ErrFailed) {
		return true
	}
	var taken *redsync.ErrTaken
	return errors.As(err, &taken)
}
