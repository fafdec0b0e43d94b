// Package config holds service defaults and environment-based configuration.
package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Server defaults
const (
	DefaultPort         = "8080"
	DefaultStorage      = "badger"
	DefaultDataDir      = "./data/tinyanalytics"
	DefaultMaxStorageGB = 1
	DefaultMaxMemoryMB  = 48
)

// Buffer defaults
const (
	DefaultBufferCapacity = 10000
	DefaultBatchSize      = 500
	DefaultFlushInterval  = 1 * time.Second
	DefaultHighWaterMark  = 0.75
	DefaultFlushTimeout   = 5 * time.Second
	DefaultOverflowPolicy = "reject_new"
)

// Flush retry defaults
const (
	DefaultRetryBase        = 100 * time.Millisecond
	DefaultRetryMax         = 5 * time.Second
	DefaultRetryJitter      = 0.2
	DefaultRetryMaxAttempts = 5
)

// Query timeouts and limits
const (
	QueryTimeout        = 30 * time.Second
	StatsTimeout        = 10 * time.Second
	StorageStatsTimeout = 5 * time.Second
	StatsReportInterval = 30 * time.Second

	StorageUsageRefreshInterval = 10 * time.Second
)

// Ingest limits
const (
	IngestMaxBodyBytes   = 1 << 20
	IngestMaxBatchEvents = 1000
	RetryAfterSeconds    = 1
)

// Export defaults and limits
const (
	DefaultExportWindow = 24 * time.Hour
	MaxExportWindow     = 30 * 24 * time.Hour
	ImportBatchSize     = 1000
	ImportMaxBodyBytes  = 100 << 20
)

// Server timeouts
const (
	ReadTimeout     = 15 * time.Second
	WriteTimeout    = 60 * time.Second
	IdleTimeout     = 120 * time.Second
	ShutdownTimeout = 30 * time.Second
)

// Config is the resolved service configuration.
type Config struct {
	Port string

	// Storage backend: memory, badger, postgres or clickhouse
	Storage      string
	DataDir      string
	MaxStorageGB int64
	MaxMemoryMB  int64

	PostgresDSN string

	ClickHouseAddr     []string
	ClickHouseDatabase string
	ClickHouseUser     string
	ClickHousePassword string

	BufferCapacity   int
	BufferShards     int
	BatchSize        int
	FlushInterval    time.Duration
	HighWaterMark    float64
	OverflowPolicy   string
	FlushTimeout     time.Duration
	RetryBase        time.Duration
	RetryMax         time.Duration
	RetryJitter      float64
	RetryMaxAttempts int

	// IncludePending merges queued records into stats results
	IncludePending bool

	// Dead-letter sink: log, file or kafka
	DeadLetter     string
	DeadLetterPath string
	KafkaBrokers   []string
	KafkaTopic     string

	// OTLP/HTTP endpoint; empty disables export
	OTLPEndpoint string
}

// Load reads .env (if present) then the environment.
func Load() Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Failed to load .env: %v", err)
	}

	dataDir := getEnv("TINYANALYTICS_DATA_DIR", DefaultDataDir)

	return Config{
		Port:         getEnv("PORT", DefaultPort),
		Storage:      getEnv("TINYANALYTICS_STORAGE", DefaultStorage),
		DataDir:      dataDir,
		MaxStorageGB: getEnvInt64("TINYANALYTICS_MAX_STORAGE_GB", DefaultMaxStorageGB),
		MaxMemoryMB:  getEnvInt64("TINYANALYTICS_MAX_MEMORY_MB", DefaultMaxMemoryMB),

		PostgresDSN: getEnv("DATABASE_URL", ""),

		ClickHouseAddr:     getEnvList("TINYANALYTICS_CLICKHOUSE_ADDR", []string{"localhost:9000"}),
		ClickHouseDatabase: getEnv("TINYANALYTICS_CLICKHOUSE_DB", "default"),
		ClickHouseUser:     getEnv("TINYANALYTICS_CLICKHOUSE_USER", "default"),
		ClickHousePassword: getEnv("TINYANALYTICS_CLICKHOUSE_PASSWORD", ""),

		BufferCapacity:   getEnvInt("TINYANALYTICS_BUFFER_CAPACITY", DefaultBufferCapacity),
		BufferShards:     getEnvInt("TINYANALYTICS_BUFFER_SHARDS", 0),
		BatchSize:        getEnvInt("TINYANALYTICS_BATCH_SIZE", DefaultBatchSize),
		FlushInterval:    getEnvDuration("TINYANALYTICS_FLUSH_INTERVAL", DefaultFlushInterval),
		HighWaterMark:    getEnvFloat("TINYANALYTICS_HIGH_WATER_MARK", DefaultHighWaterMark),
		OverflowPolicy:   getEnv("TINYANALYTICS_OVERFLOW_POLICY", DefaultOverflowPolicy),
		FlushTimeout:     getEnvDuration("TINYANALYTICS_FLUSH_TIMEOUT", DefaultFlushTimeout),
		RetryBase:        getEnvDuration("TINYANALYTICS_RETRY_BASE", DefaultRetryBase),
		RetryMax:         getEnvDuration("TINYANALYTICS_RETRY_MAX", DefaultRetryMax),
		RetryJitter:      getEnvFloat("TINYANALYTICS_RETRY_JITTER", DefaultRetryJitter),
		RetryMaxAttempts: getEnvInt("TINYANALYTICS_RETRY_MAX_ATTEMPTS", DefaultRetryMaxAttempts),

		IncludePending: getEnvBool("TINYANALYTICS_INCLUDE_PENDING", true),

		DeadLetter:     getEnv("TINYANALYTICS_DEAD_LETTER", "log"),
		DeadLetterPath: getEnv("TINYANALYTICS_DEAD_LETTER_PATH", dataDir+"/dead-letter.jsonl"),
		KafkaBrokers:   getEnvList("TINYANALYTICS_KAFKA_BROKERS", nil),
		KafkaTopic:     getEnv("TINYANALYTICS_KAFKA_TOPIC", "tinyanalytics-dead-letter"),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}
}

// MaxStorageBytes converts the storage limit to bytes.
func (c Config) MaxStorageBytes() int64 {
	return c.MaxStorageGB * 1024 * 1024 * 1024
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
		log.Printf("Invalid value for %s: %q, using default %d", key, val, fallback)
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			return parsed
		}
		log.Printf("Invalid value for %s: %q, using default %d", key, val, fallback)
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
		log.Printf("Invalid value for %s: %q, using default %v", key, val, fallback)
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
		log.Printf("Invalid value for %s: %q, using default %v", key, val, fallback)
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
		log.Printf("Invalid value for %s: %q, using default %v", key, val, fallback)
	}
	return fallback
}

// getEnvList splits a comma-separated value, dropping empty items
func getEnvList(key string, fallback []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
