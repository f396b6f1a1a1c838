package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type AppConfig struct {
	Port            string
	Env             string
	LogLevel        string
	ShutdownTimeout time.Duration
}

type PostgresConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MigrationsPath  string
}

// ConnString returns a key/value DSN understood by both pgx and lib/pq.
func (c PostgresConfig) ConnString() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// TxConfig bounds every store transaction. MaxWait covers connection
// acquisition and BEGIN, Timeout covers the transaction body and commit.
type TxConfig struct {
	MaxWait time.Duration
	Timeout time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type KafkaConfig struct {
	Brokers            []string
	OrdersTopic        string
	NotificationsTopic string
	PollInterval       time.Duration
	BatchSize          int
}

type StockConfig struct {
	ServiceURL     string
	RequestTimeout time.Duration
	HoldTTL        time.Duration
}

type AuthConfig struct {
	JWTSecret string
}

type CheckoutConfig struct {
	IdempotencyLease    time.Duration
	IdempotencyCacheTTL time.Duration
	ReservationHoldTTL  time.Duration
	CompensationTimeout time.Duration
	SweepInterval       time.Duration
	PricingFile         string
}

type Config struct {
	App      AppConfig
	Postgres PostgresConfig
	Tx       TxConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Stock    StockConfig
	Auth     AuthConfig
	Checkout CheckoutConfig
	Pricing  PricingConfig
}

// NewConfig reads .env (when present) and the process environment.
func NewConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: failed to load .env: %w", err)
	}

	var errs []error
	required := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			errs = append(errs, fmt.Errorf("%s is required", key))
		}
		return v
	}

	cfg := &Config{}

	cfg.App.Port = getEnv("APP_PORT", "8080")
	cfg.App.Env = getEnv("APP_ENV", "development")
	cfg.App.LogLevel = getEnv("LOG_LEVEL", "info")
	cfg.App.ShutdownTimeout = getDuration("SHUTDOWN_TIMEOUT", 10*time.Second, &errs)

	cfg.Postgres.Host = required("DB_HOST")
	cfg.Postgres.Port = getEnv("DB_PORT", "5432")
	cfg.Postgres.User = required("DB_USER")
	cfg.Postgres.Password = required("DB_PASSWORD")
	cfg.Postgres.DBName = required("DB_NAME")
	cfg.Postgres.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Postgres.MaxConns = int32(getInt("DB_MAX_CONNS", 20, &errs))
	cfg.Postgres.MinConns = int32(getInt("DB_MIN_CONNS", 2, &errs))
	cfg.Postgres.MaxConnLifetime = getDuration("DB_MAX_CONN_LIFETIME", time.Hour, &errs)
	cfg.Postgres.MigrationsPath = getEnv("DB_MIGRATIONS_PATH", "migrations")

	cfg.Tx.MaxWait = getDuration("TX_MAX_WAIT", 5*time.Second, &errs)
	cfg.Tx.Timeout = getDuration("TX_TIMEOUT", 10*time.Second, &errs)

	cfg.Redis.Addr = os.Getenv("REDIS_ADDR")
	cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	cfg.Redis.DB = getInt("REDIS_DB", 0, &errs)

	cfg.Kafka.Brokers = splitCSV(os.Getenv("KAFKA_BROKERS"))
	cfg.Kafka.OrdersTopic = getEnv("KAFKA_ORDERS_TOPIC", "checkout.orders")
	cfg.Kafka.NotificationsTopic = getEnv("KAFKA_NOTIFICATIONS_TOPIC", "user.notifications")
	cfg.Kafka.PollInterval = getDuration("OUTBOX_POLL_INTERVAL", 2*time.Second, &errs)
	cfg.Kafka.BatchSize = getInt("OUTBOX_BATCH_SIZE", 100, &errs)

	cfg.Stock.ServiceURL = os.Getenv("STOCK_SERVICE_URL")
	cfg.Stock.RequestTimeout = getDuration("STOCK_REQUEST_TIMEOUT", 3*time.Second, &errs)
	cfg.Stock.HoldTTL = getDuration("STOCK_HOLD_TTL", 15*time.Minute, &errs)

	cfg.Auth.JWTSecret = required("JWT_SECRET")

	cfg.Checkout.IdempotencyLease = getDuration("IDEMPOTENCY_LEASE", 30*time.Second, &errs)
	cfg.Checkout.IdempotencyCacheTTL = getDuration("IDEMPOTENCY_CACHE_TTL", 24*time.Hour, &errs)
	cfg.Checkout.ReservationHoldTTL = getDuration("RESERVATION_HOLD_TTL", 10*time.Minute, &errs)
	cfg.Checkout.CompensationTimeout = getDuration("COMPENSATION_TIMEOUT", 5*time.Second, &errs)
	cfg.Checkout.SweepInterval = getDuration("SWEEP_INTERVAL", time.Minute, &errs)
	cfg.Checkout.PricingFile = getEnv("PRICING_FILE", "config/pricing.yaml")

	if cfg.Tx.Timeout <= 0 || cfg.Tx.MaxWait <= 0 {
		errs = append(errs, errors.New("TX_MAX_WAIT and TX_TIMEOUT must be positive"))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %w", errors.Join(errs...))
	}

	pricing, err := LoadPricing(cfg.Checkout.PricingFile)
	if err != nil {
		return nil, err
	}
	cfg.Pricing = *pricing

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return fallback
	}
	return d
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
