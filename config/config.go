/*
Package config loads the server configuration.

PRECEDENCE (lowest to highest):
  1. defaults
  2. .env file (optional, via godotenv; never overrides real env vars)
  3. environment variables
  4. command-line flags (-port, -db, -driver)

KEYS:
  PORT                    HTTP port                        8080
  STORE_DRIVER            sqlite | postgres | memory       sqlite
  SQLITE_PATH             SQLite file or ":memory:"        cards.db
  POSTGRES_URL            pgx DSN (driver=postgres)
  REDIS_ADDR              enables the distributed card lock
  KAFKA_BROKERS           comma separated; enables Kafka events
  KAFKA_TOPIC                                              card-events
  NATS_URL                enables NATS events
  NATS_SUBJECT            subject prefix                   cards
  NATS_TOKEN
  BILLING_TIMEZONE        IANA zone for calendar dates     UTC
  LOG_LEVEL               logrus level                     info
  LOG_FORMAT              text | json                      text
  RATE_LIMIT_PER_MINUTE   per client IP, 0 disables        300
  CORS_ORIGINS            comma separated                  http://localhost:5173
  RECONCILE_INTERVAL      optional cycle-close pass, 0 off 0
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // BILLING_TIMEZONE must resolve in minimal images

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Port int

	StoreDriver string
	SQLitePath  string
	PostgresURL string

	RedisAddr string

	KafkaBrokers []string
	KafkaTopic   string
	NATSURL      string
	NATSSubject  string
	NATSToken    string

	Location *time.Location

	LogLevel  logrus.Level
	LogFormat string

	RateLimitPerMinute int
	CORSOrigins        []string

	ReconcileInterval time.Duration
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Load reads configuration from envFile, the environment and args
// (os.Args[1:] in production).
func Load(envFile string, args []string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	var errs []error
	cfg := Config{
		Port:               envInt("PORT", 8080, &errs),
		StoreDriver:        env("STORE_DRIVER", DriverSQLite),
		SQLitePath:         env("SQLITE_PATH", "cards.db"),
		PostgresURL:        env("POSTGRES_URL", ""),
		RedisAddr:          env("REDIS_ADDR", ""),
		KafkaBrokers:       envList("KAFKA_BROKERS", nil),
		KafkaTopic:         env("KAFKA_TOPIC", "card-events"),
		NATSURL:            env("NATS_URL", ""),
		NATSSubject:        env("NATS_SUBJECT", "cards"),
		NATSToken:          env("NATS_TOKEN", ""),
		LogFormat:          env("LOG_FORMAT", "text"),
		RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 300, &errs),
		CORSOrigins:        envList("CORS_ORIGINS", []string{"http://localhost:5173"}),
	}

	fset := flag.NewFlagSet("server", flag.ContinueOnError)
	fset.IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	fset.StringVar(&cfg.SQLitePath, "db", cfg.SQLitePath, "SQLite database path (\":memory:\" for in-memory)")
	fset.StringVar(&cfg.StoreDriver, "driver", cfg.StoreDriver, "store driver: sqlite, postgres or memory")
	if err := fset.Parse(args); err != nil {
		return Config{}, err
	}

	loc, err := time.LoadLocation(env("BILLING_TIMEZONE", "UTC"))
	if err != nil {
		errs = append(errs, fmt.Errorf("BILLING_TIMEZONE: %w", err))
	}
	cfg.Location = loc

	level, err := logrus.ParseLevel(env("LOG_LEVEL", "info"))
	if err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	cfg.LogLevel = level

	interval, err := time.ParseDuration(env("RECONCILE_INTERVAL", "0"))
	if err != nil {
		errs = append(errs, fmt.Errorf("RECONCILE_INTERVAL: %w", err))
	}
	cfg.ReconcileInterval = interval

	if err := cfg.validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.StoreDriver {
	case DriverSQLite, DriverMemory:
	case DriverPostgres:
		if c.PostgresURL == "" {
			return errors.New("POSTGRES_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown LOG_FORMAT %q", c.LogFormat)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	return nil
}

// NewLogger builds the process logger from the configuration.
func (c Config) NewLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	log.SetLevel(c.LogLevel)
	if c.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}

func env(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func envInt(key string, fallback int, errs *[]error) int {
	v := env(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func envList(key string, fallback []string) []string {
	v := env(key, "")
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
