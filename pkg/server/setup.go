package server

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/nicktill/tinyanalytics/pkg/buffer"
	"github.com/nicktill/tinyanalytics/pkg/config"
	"github.com/nicktill/tinyanalytics/pkg/deadletter"
	"github.com/nicktill/tinyanalytics/pkg/export"
	"github.com/nicktill/tinyanalytics/pkg/ingest"
	"github.com/nicktill/tinyanalytics/pkg/server/monitor"
	"github.com/nicktill/tinyanalytics/pkg/stats"
	"github.com/nicktill/tinyanalytics/pkg/storage"
	"github.com/nicktill/tinyanalytics/pkg/storage/badger"
	"github.com/nicktill/tinyanalytics/pkg/storage/clickhouse"
	"github.com/nicktill/tinyanalytics/pkg/storage/memory"
	"github.com/nicktill/tinyanalytics/pkg/storage/postgres"
)

// Storage backends
const (
	StorageMemory     = "memory"
	StorageBadger     = "badger"
	StoragePostgres   = "postgres"
	StorageClickHouse = "clickhouse"
)

// Dead-letter sinks
const (
	DeadLetterLog   = "log"
	DeadLetterFile  = "file"
	DeadLetterKafka = "kafka"
)

// InitializeStorage opens the configured backend. The storage monitor is
// only returned for badger, the one backend whose footprint lives in DataDir.
func InitializeStorage(ctx context.Context, cfg config.Config) (storage.Storage, *monitor.StorageMonitor, error) {
	switch cfg.Storage {
	case StorageMemory:
		log.Println("Using in-memory storage (data is lost on restart)")
		return memory.New(), nil, nil

	case StorageBadger:
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		log.Println("Initializing BadgerDB storage...")
		store, err := badger.New(badger.Config{
			Path:        cfg.DataDir,
			MaxMemoryMB: cfg.MaxMemoryMB,
		})
		if err != nil {
			return nil, nil, err
		}
		log.Printf("BadgerDB storage initialized at %s", cfg.DataDir)

		mon := monitor.NewStorageMonitor(cfg.DataDir, cfg.MaxStorageBytes())
		if _, err := mon.Refresh(); err != nil {
			log.Printf("Initial storage usage measurement failed: %v", err)
		}
		return store, mon, nil

	case StoragePostgres:
		if cfg.PostgresDSN == "" {
			return nil, nil, fmt.Errorf("DATABASE_URL is required for postgres storage")
		}
		store, err := postgres.New(ctx, postgres.Config{DSN: cfg.PostgresDSN})
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil

	case StorageClickHouse:
		store, err := clickhouse.New(ctx, clickhouse.Config{
			Addr:     cfg.ClickHouseAddr,
			Database: cfg.ClickHouseDatabase,
			Username: cfg.ClickHouseUser,
			Password: cfg.ClickHousePassword,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q (want %s, %s, %s or %s)",
			cfg.Storage, StorageMemory, StorageBadger, StoragePostgres, StorageClickHouse)
	}
}

// InitializeDeadLetter creates the sink for batches the flusher gives up on.
func InitializeDeadLetter(cfg config.Config) (deadletter.Sink, error) {
	switch cfg.DeadLetter {
	case DeadLetterLog, "":
		return deadletter.NewLogSink(), nil
	case DeadLetterFile:
		sink, err := deadletter.NewFileSink(cfg.DeadLetterPath)
		if err != nil {
			return nil, err
		}
		log.Printf("Dead letters are written to %s", cfg.DeadLetterPath)
		return sink, nil
	case DeadLetterKafka:
		sink, err := deadletter.NewKafkaSink(deadletter.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			return nil, err
		}
		log.Printf("Dead letters are published to Kafka topic %s", cfg.KafkaTopic)
		return sink, nil
	default:
		return nil, fmt.Errorf("unknown dead-letter sink %q (want %s, %s or %s)",
			cfg.DeadLetter, DeadLetterLog, DeadLetterFile, DeadLetterKafka)
	}
}

// BufferConfig maps service configuration onto the ingest buffer.
func BufferConfig(cfg config.Config) buffer.Config {
	return buffer.Config{
		Capacity:      cfg.BufferCapacity,
		Shards:        cfg.BufferShards,
		BatchSize:     cfg.BatchSize,
		FlushEvery:    cfg.FlushInterval,
		HighWaterMark: cfg.HighWaterMark,
		Policy:        buffer.ParsePolicy(cfg.OverflowPolicy),
		FlushTimeout:  cfg.FlushTimeout,
		Retry: buffer.RetryConfig{
			Base:        cfg.RetryBase,
			Max:         cfg.RetryMax,
			Jitter:      cfg.RetryJitter,
			MaxAttempts: cfg.RetryMaxAttempts,
		},
	}
}

// App holds the wired components of a running service.
type App struct {
	Backend        string
	Store          storage.Storage
	Buffer         *buffer.Buffer
	DeadLetter     deadletter.Sink
	FlushMonitor   *monitor.FlushMonitor
	StorageMonitor *monitor.StorageMonitor

	Ingest *ingest.Handler
	Stats  *stats.Handler
	Export *export.Handler
}

// NewApp wires the buffer and handlers around an opened store. The buffer
// is returned unstarted.
func NewApp(cfg config.Config, store storage.Storage, storageMonitor *monitor.StorageMonitor, sink deadletter.Sink) *App {
	flushMonitor := &monitor.FlushMonitor{}
	buf := buffer.New(store, sink, flushMonitor, BufferConfig(cfg))

	ingestHandler := ingest.NewHandler(buf)
	if storageMonitor != nil {
		ingestHandler.SetStorageChecker(storageMonitor)
		log.Printf("Ingest handler created with storage limit %d bytes", storageMonitor.GetLimit())
	}

	// A nil interface, not a nil *buffer.Buffer, disables pending merge
	var pending stats.PendingSource
	if cfg.IncludePending {
		pending = buf
	}

	return &App{
		Backend:        cfg.Storage,
		Store:          store,
		Buffer:         buf,
		DeadLetter:     sink,
		FlushMonitor:   flushMonitor,
		StorageMonitor: storageMonitor,
		Ingest:         ingestHandler,
		Stats:          stats.NewHandler(stats.NewEngine(store, pending)),
		Export:         export.NewHandler(store),
	}
}
