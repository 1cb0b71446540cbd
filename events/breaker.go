package events

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"github.com/warp/card-engine/billing"
)

// =============================================================================
// CIRCUIT BREAKER - Stop calling a broker that keeps failing
// =============================================================================

// BreakerConfig controls when the breaker opens.
type BreakerConfig struct {
	Name                string
	ConsecutiveFailures uint32
	Timeout             time.Duration // how long to stay open before probing
	MaxRequests         uint32        // probes allowed while half-open
}

func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:                name,
		ConsecutiveFailures: 5,
		Timeout:             30 * time.Second,
		MaxRequests:         1,
	}
}

// Breaker wraps a Publisher with a circuit breaker. While open, Publish
// fails immediately with ErrBrokerUnavailable instead of waiting on the
// broker's timeouts.
type Breaker struct {
	next billing.Publisher
	cb   *gobreaker.CircuitBreaker
}

var ErrBrokerUnavailable = errors.New("event broker unavailable")

func NewBreaker(next billing.Publisher, cfg BreakerConfig, log logrus.FieldLogger) *Breaker {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("publisher circuit breaker changed state")
		},
	}
	return &Breaker{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *Breaker) Publish(ctx context.Context, event billing.Event) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Publish(ctx, event)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errors.Join(ErrBrokerUnavailable, err)
	}
	return err
}

// State reports the breaker state ("closed", "open", "half-open").
func (b *Breaker) State() string {
	return b.cb.State().String()
}
