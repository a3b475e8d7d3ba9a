package config

import (
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr     string
	CRDBDSN      string
	MongoURI     string
	MongoDB      string
	RedisAddr    string
	RabbitURL    string
	OTLPEndpoint string
	LogLevel     string

	ListingCacheTTL    time.Duration
	IdempotencyTTL     time.Duration
	BulkMaxSize        int
	TxMaxAttempts      int
	RateLimitPerMinute int

	AuditInterval  time.Duration
	OutboxInterval time.Duration
	OutboxBatch    int
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		HTTPAddr:     envStr("HTTP_ADDR", ":8080"),
		CRDBDSN:      os.Getenv("CRDB_DSN"),
		MongoURI:     os.Getenv("MONGO_URI"),
		MongoDB:      envStr("MONGO_DB", "tro"),
		RedisAddr:    envStr("REDIS_ADDR", "localhost:6379"),
		RabbitURL:    os.Getenv("RABBIT_URL"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		LogLevel:     envStr("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.ListingCacheTTL, err = envDur("LISTING_CACHE_TTL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.IdempotencyTTL, err = envDur("IDEMPOTENCY_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.AuditInterval, err = envDur("AUDIT_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.OutboxInterval, err = envDur("OUTBOX_INTERVAL", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.BulkMaxSize, err = envInt("BULK_MAX_SIZE", 500); err != nil {
		return nil, err
	}
	if cfg.TxMaxAttempts, err = envInt("DB_TX_MAX_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.RateLimitPerMinute, err = envInt("RATE_LIMIT_PER_MINUTE", 100); err != nil {
		return nil, err
	}
	if cfg.OutboxBatch, err = envInt("OUTBOX_BATCH", 10); err != nil {
		return nil, err
	}

	if cfg.CRDBDSN == "" {
		return nil, errors.New("CRDB_DSN is required")
	}
	if cfg.BulkMaxSize < 1 || cfg.TxMaxAttempts < 1 || cfg.OutboxBatch < 1 {
		return nil, errors.New("BULK_MAX_SIZE, DB_TX_MAX_ATTEMPTS and OUTBOX_BATCH must be positive")
	}
	return cfg, nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", key)
	}
	return n, nil
}

func envDur(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", key)
	}
	return d, nil
}
