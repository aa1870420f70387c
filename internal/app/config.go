package app

import (
	"os"
	"strconv"
	"time"
)

// StorageDriver выбирает бэкенд хранилища.
type StorageDriver string

const (
	StorageDriverMemory   StorageDriver = "memory"
	StorageDriverPostgres StorageDriver = "postgres"
)

// Config описывает настройки запуска приложения.
type Config struct {
	MetricsAddr string

	// KafkaBrokers — адреса брокеров через запятую. Пустая строка
	// запускает сервис без событийного слоя.
	KafkaBrokers string

	StorageDriver       StorageDriver
	PostgresDSN         string
	PostgresAutoMigrate bool

	// RedisAddr включает распределённый lease для офлайн-очереди.
	RedisAddr string

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration

	OfflinePollInterval time.Duration
	OfflineBatchSize    int
	OfflineMaxAttempts  int

	InboxCleanupInterval  time.Duration
	InboxCleanupBatchSize int
}

// DefaultConfig возвращает базовые настройки сервиса.
func DefaultConfig() Config {
	return Config{
		MetricsAddr:           ":9090",
		StorageDriver:         StorageDriverMemory,
		PostgresAutoMigrate:   true,
		OutboxPollInterval:    time.Second,
		OutboxBatchSize:       100,
		OutboxMaxAttempts:     3,
		OutboxRetryDelay:      50 * time.Millisecond,
		OfflinePollInterval:   30 * time.Second,
		OfflineBatchSize:      50,
		OfflineMaxAttempts:    5,
		InboxCleanupInterval:  10 * time.Minute,
		InboxCleanupBatchSize: 500,
	}
}

// ConfigFromEnv формирует конфигурацию, позволяя переопределить
// значения через переменные окружения с префиксом FULFILLMENT_.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	cfg.MetricsAddr = envString("FULFILLMENT_METRICS_ADDR", cfg.MetricsAddr)
	cfg.KafkaBrokers = envString("FULFILLMENT_KAFKA_BROKERS", cfg.KafkaBrokers)
	cfg.PostgresDSN = envString("FULFILLMENT_POSTGRES_DSN", cfg.PostgresDSN)
	cfg.RedisAddr = envString("FULFILLMENT_REDIS_ADDR", cfg.RedisAddr)

	if v := os.Getenv("FULFILLMENT_STORAGE_DRIVER"); v != "" {
		cfg.StorageDriver = StorageDriver(v)
	} else if cfg.PostgresDSN != "" {
		// DSN без явного драйвера означает postgres.
		cfg.StorageDriver = StorageDriverPostgres
	}
	cfg.PostgresAutoMigrate = envBool("FULFILLMENT_POSTGRES_AUTO_MIGRATE", cfg.PostgresAutoMigrate)

	cfg.OutboxPollInterval = envDuration("FULFILLMENT_OUTBOX_POLL_INTERVAL", cfg.OutboxPollInterval)
	cfg.OutboxBatchSize = envInt("FULFILLMENT_OUTBOX_BATCH_SIZE", cfg.OutboxBatchSize)
	cfg.OutboxMaxAttempts = envInt("FULFILLMENT_OUTBOX_MAX_ATTEMPTS", cfg.OutboxMaxAttempts)
	cfg.OutboxRetryDelay = envDuration("FULFILLMENT_OUTBOX_RETRY_DELAY", cfg.OutboxRetryDelay)

	cfg.OfflinePollInterval = envDuration("FULFILLMENT_OFFLINE_POLL_INTERVAL", cfg.OfflinePollInterval)
	cfg.OfflineBatchSize = envInt("FULFILLMENT_OFFLINE_BATCH_SIZE", cfg.OfflineBatchSize)
	cfg.OfflineMaxAttempts = envInt("FULFILLMENT_OFFLINE_MAX_ATTEMPTS", cfg.OfflineMaxAttempts)

	cfg.InboxCleanupInterval = envDuration("FULFILLMENT_INBOX_CLEANUP_INTERVAL", cfg.InboxCleanupInterval)
	cfg.InboxCleanupBatchSize = envInt("FULFILLMENT_INBOX_CLEANUP_BATCH_SIZE", cfg.InboxCleanupBatchSize)

	return cfg
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return parsed
}
