package redislock_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/card-engine/billing"
	"github.com/warp/card-engine/billing/store"
	"github.com/warp/card-engine/lock/redislock"
)

func newGuard(t *testing.T, opts redislock.Options) (*redislock.Guard, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	log := logrus.New()
	log.SetOutput(io.Discard)
	return redislock.New(client, opts, log), mr
}

func fastFail() redislock.Options {
	opts := redislock.DefaultOptions()
	opts.Tries = 1
	return opts
}

func TestGuard_LockKeyPerCard(t *testing.T) {
	g, mr := newGuard(t, redislock.DefaultOptions())

	release, err := g.Acquire(context.Background(), "card-1")
	require.NoError(t, err)
	assert.True(t, mr.Exists("card-lock:card-1"))

	release()
	assert.False(t, mr.Exists("card-lock:card-1"))
}

func TestGuard_HeldLockIsConflict(t *testing.T) {
	g, _ := newGuard(t, fastFail())
	ctx := context.Background()

	release, err := g.Acquire(ctx, "card-1")
	require.NoError(t, err)
	defer release()

	// WHEN: a second holder tries the same card
	_, err = g.Acquire(ctx, "card-1")

	// THEN: it is a retryable conflict
	assert.ErrorIs(t, err, billing.ErrConcurrencyConflict)
	assert.True(t, billing.IsRetryable(err))

	// Other cards are unaffected.
	other, err := g.Acquire(ctx, "card-2")
	require.NoError(t, err)
	other()
}

func TestGuard_ExpiredLockCanBeRetaken(t *testing.T) {
	opts := fastFail()
	opts.Expiry = time.Second
	g, mr := newGuard(t, opts)
	ctx := context.Background()

	_, err := g.Acquire(ctx, "card-1") // never released
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	release, err := g.Acquire(ctx, "card-1")
	require.NoError(t, err)
	release()
}

func TestGuard_RedisDownIsRetryable(t *testing.T) {
	g, mr := newGuard(t, fastFail())
	mr.Close()

	_, err := g.Acquire(context.Background(), "card-1")
	assert.Error(t, err)
	assert.True(t, billing.IsRetryable(err))
}

// The engine with the Redis guard: concurrent posts on one card all land.
func TestGuard_EngineSerializesPosts(t *testing.T) {
	opts := redislock.DefaultOptions()
	opts.Tries = 200
	opts.RetryDelay = 5 * time.Millisecond
	g, _ := newGuard(t, opts)

	log := logrus.New()
	log.SetOutput(io.Discard)
	at, _ := time.Parse(billing.DateLayout, "2025-03-20")
	engine := billing.NewEngine(store.NewMemory(),
		billing.WithGuard(g),
		billing.WithClock(billing.FixedClock{At: at.Add(10 * time.Hour)}),
		billing.WithLogger(log),
	)
	ctx := context.Background()

	card, err := engine.CreateCard(ctx, billing.CreateCardRequest{
		UserID: "user-1", Name: "Gold", Limit: decimal.NewFromInt(1000), BillingCycleStart: 15,
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := engine.PostTransaction(ctx, billing.PostRequest{
				CardID: card.ID, Amount: decimal.NewFromInt(-10), Date: "2025-03-20",
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := engine.GetCard(ctx, card.ID)
	require.NoError(t, err)
	assert.True(t, got.Used.Equal(decimal.NewFromInt(100)), "used = %s", got.Used)
}
