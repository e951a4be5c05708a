package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Counter cache keys live for roughly 400 days so a full billing year
	// of periods stays resolvable without a ledger read.
	CounterTTL time.Duration

	// Idempotency ledger TTLs: processing bounds orphaned locks from
	// crashed workers, processed bounds duplicate suppression.
	IdempotencyProcessingTTL time.Duration
	IdempotencyProcessedTTL  time.Duration

	RelayStream        string
	RelayConsumerGroup string
	RelayBlockInterval time.Duration
	RelayBatchSize     int

	SchedulerRunInterval time.Duration
	SchedulerBatchSize   int

	PlanCatalogPath string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "tokengate"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),

		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "tokengate"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 1800),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 300),

		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		CounterTTL: getenvDuration("COUNTER_TTL", 400*24*time.Hour),

		IdempotencyProcessingTTL: getenvDuration("IDEMPOTENCY_PROCESSING_TTL", 8*time.Minute),
		IdempotencyProcessedTTL:  getenvDuration("IDEMPOTENCY_PROCESSED_TTL", 24*time.Hour),

		RelayStream:        getenv("RELAY_STREAM", "usage:events"),
		RelayConsumerGroup: getenv("RELAY_CONSUMER_GROUP", "usage-recorder"),
		RelayBlockInterval: getenvDuration("RELAY_BLOCK_INTERVAL", 5*time.Second),
		RelayBatchSize:     getenvInt("RELAY_BATCH_SIZE", 32),

		SchedulerRunInterval: getenvDuration("SCHEDULER_RUN_INTERVAL", time.Minute),
		SchedulerBatchSize:   getenvInt("SCHEDULER_BATCH_SIZE", 50),

		PlanCatalogPath: getenv("PLAN_CATALOG_PATH", ""),
	}
}

var Module = fx.Module("config",
	fx.Provide(Load),
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
