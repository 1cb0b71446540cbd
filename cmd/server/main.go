/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the card billing server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, flags)
  2. Open the store (sqlite, postgres or memory)
  3. Pick the card guard (Redis when REDIS_ADDR is set, else in-process)
  4. Build event publishers (Kafka, NATS), each behind a circuit breaker
  5. Create the engine, API handler and router
  6. Start the cycle scheduler (only if RECONCILE_INTERVAL > 0) and the
     HTTP server

COMMAND-LINE FLAGS:
  -port    HTTP server port (default: 8080)
  -db      SQLite database path (default: cards.db)
           Use ":memory:" for in-memory database
  -driver  sqlite | postgres | memory

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler
  4. Close publishers, Redis and the database
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/cards.db"

  # Run against PostgreSQL with a shared lock and Kafka events
  STORE_DRIVER=postgres POSTGRES_URL=postgres://... \
  REDIS_ADDR=localhost:6379 KAFKA_BROKERS=localhost:9092 ./server

ENVIRONMENT:
  See config/config.go for every key and its default.

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - config/config.go: Configuration
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/warp/card-engine/api"
	"github.com/warp/card-engine/billing"
	"github.com/warp/card-engine/billing/store"
	"github.com/warp/card-engine/config"
	"github.com/warp/card-engine/events"
	"github.com/warp/card-engine/events/kafka"
	"github.com/warp/card-engine/events/nats"
	"github.com/warp/card-engine/lock/redislock"
	"github.com/warp/card-engine/store/postgres"
	"github.com/warp/card-engine/store/sqlite"
)

func main() {
	cfg, err := config.Load(".env", os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}
	log := cfg.NewLogger()

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("server failed")
	}
}

// closers run in reverse order on shutdown.
type closers []func()

func (c *closers) add(fn func())          { *c = append(*c, fn) }
func (c *closers) addErr(fn func() error) { c.add(func() { _ = fn() }) }

func (c closers) closeAll() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func run(cfg config.Config, log *logrus.Logger) error {
	var cleanup closers
	defer cleanup.closeAll()

	ctx := context.Background()

	// Store
	cardStore, pinger, err := openStore(ctx, cfg, &cleanup)
	if err != nil {
		return err
	}

	opts := []billing.Option{
		billing.WithLocation(cfg.Location),
		billing.WithLogger(log),
	}

	// Guard
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		cleanup.addErr(client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		opts = append(opts, billing.WithGuard(redislock.New(client, redislock.DefaultOptions(), log)))
		log.WithField("addr", cfg.RedisAddr).Info("using redis card lock")
	}

	// Events
	publisher, err := openPublishers(cfg, log, &cleanup)
	if err != nil {
		return err
	}
	if publisher != nil {
		opts = append(opts, billing.WithPublisher(publisher))
	}

	engine := billing.NewEngine(cardStore, opts...)

	handler := api.NewHandler(engine, log)
	handler.Pinger = pinger
	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins:        cfg.CORSOrigins,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
	})

	scheduler := api.NewCycleScheduler(engine, cfg.ReconcileInterval, log)
	scheduler.Start()
	cleanup.add(scheduler.Stop)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: api.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"port":     cfg.Port,
			"driver":   cfg.StoreDriver,
			"timezone": cfg.Location.String(),
		}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return err
	case sig := <-quit:
		log.WithField("signal", sig.String()).Info("shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.Config, cleanup *closers) (billing.Store, api.Pinger, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		s, err := postgres.New(ctx, cfg.PostgresURL, postgres.WithLocation(cfg.Location))
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		cleanup.add(s.Close)
		return s, s, nil

	case config.DriverMemory:
		return store.NewMemory(), nil, nil

	default:
		s, err := sqlite.New(cfg.SQLitePath, sqlite.WithLocation(cfg.Location))
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		cleanup.addErr(s.Close)
		return s, s, nil
	}
}

// openPublishers returns nil when no broker is configured.
func openPublishers(cfg config.Config, log logrus.FieldLogger, cleanup *closers) (billing.Publisher, error) {
	var fanout events.Fanout

	if len(cfg.KafkaBrokers) > 0 {
		p := kafka.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		cleanup.addErr(p.Close)
		fanout = append(fanout, events.NewBreaker(p, events.DefaultBreakerConfig("kafka"), log))
		log.WithField("topic", cfg.KafkaTopic).Info("publishing events to kafka")
	}

	if cfg.NATSURL != "" {
		p, err := nats.Connect(cfg.NATSURL, cfg.NATSSubject, cfg.NATSToken)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		cleanup.addErr(p.Close)
		fanout = append(fanout, events.NewBreaker(p, events.DefaultBreakerConfig("nats"), log))
		log.WithField("subject", cfg.NATSSubject).Info("publishing events to nats")
	}

	if len(fanout) == 0 {
		return nil, nil
	}
	return fanout, nil
}
