/*
scheduler.go - Automated cycle-close reconciliation

PURPOSE:
  Optional, operator-enabled pass that reconciles every card on an
  interval so that expenses move from unbilled to billed once their cycle
  closes. Off by default: cycle boundaries are otherwise computed only on
  demand (/reconcile, /statement, posting).

DESIGN:
  - One background goroutine, one pass immediately on Start
  - Each pass calls Engine.ReconcileAll; per-card failures are logged and
    the card is retried on the next tick
  - Reconcile is idempotent, so overlapping manual calls are harmless

CONFIGURATION:
  - Interval: time between passes (RECONCILE_INTERVAL, default 0 = off)

USAGE:
  s := NewCycleScheduler(engine, time.Hour, log)
  s.Start()
  // ... later
  s.Stop()

SEE ALSO:
  - handlers.go: Reconcile endpoint (manual reconciliation)
  - billing/reconcile.go: ReconcileAll
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/card-engine/billing"
)

// CycleScheduler runs ReconcileAll on a fixed interval.
type CycleScheduler struct {
	Engine   *billing.Engine
	Interval time.Duration
	Log      logrus.FieldLogger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	passes int
}

func NewCycleScheduler(engine *billing.Engine, interval time.Duration, log logrus.FieldLogger) *CycleScheduler {
	return &CycleScheduler{Engine: engine, Interval: interval, Log: log}
}

// Start begins the scheduler. It is a no-op when Interval is not positive
// or the scheduler is already running.
func (s *CycleScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Interval <= 0 {
		s.Log.Info("cycle scheduler disabled")
		return
	}
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx)

	s.Log.WithField("interval", s.Interval.String()).Info("cycle scheduler started")
}

// Stop cancels any pass in flight and waits for the goroutine to exit.
func (s *CycleScheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.Log.Info("cycle scheduler stopped")
}

// Passes returns how many passes have completed.
func (s *CycleScheduler) Passes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.passes
}

func (s *CycleScheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	s.pass(ctx)
	for {
		select {
		case <-ticker.C:
			s.pass(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *CycleScheduler) pass(ctx context.Context) {
	start := time.Now()
	result, err := s.Engine.ReconcileAll(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.Log.WithError(err).Error("cycle reconciliation failed")
		}
		return
	}

	entry := s.Log.WithFields(logrus.Fields{
		"cards":        result.Cards,
		"reclassified": result.Reclassified,
		"failed":       len(result.Failed),
		"duration_ms":  time.Since(start).Milliseconds(),
	})
	if len(result.Failed) > 0 {
		entry.WithField("failed_cards", result.Failed).Warn("cycle reconciliation finished with failures")
	} else {
		entry.Info("cycle reconciliation finished")
	}

	s.mu.Lock()
	s.passes++
	s.mu.Unlock()
}
