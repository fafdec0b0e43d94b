package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nicktill/tinyanalytics/pkg/config"
	"github.com/nicktill/tinyanalytics/pkg/metrics"
	"github.com/nicktill/tinyanalytics/pkg/server"
	"github.com/nicktill/tinyanalytics/pkg/tracing"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Load()
	otlpInsecure := true

	cmd := &cobra.Command{
		Use:          "tinyanalytics",
		Short:        "Ingest behavioral events and serve per-site aggregates",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			shutdownTracing, err := tracing.Init(ctx, tracing.Config{Endpoint: cfg.OTLPEndpoint, Insecure: otlpInsecure})
			if err != nil {
				return err
			}
			defer func() {
				tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTracing(tctx); err != nil {
					log.Printf("Tracing shutdown warning: %v", err)
				}
			}()

			ln, err := net.Listen("tcp", ":"+cfg.Port)
			if err != nil {
				return fmt.Errorf("failed to listen on port %s: %w", cfg.Port, err)
			}
			return run(ctx, cfg, ln)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.Port, "port", cfg.Port, "HTTP listen port")
	f.StringVar(&cfg.Storage, "storage", cfg.Storage, "storage backend: memory, badger, postgres or clickhouse")
	f.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "badger data directory")
	f.Int64Var(&cfg.MaxStorageGB, "max-storage-gb", cfg.MaxStorageGB, "disk limit for the badger data directory")
	f.Int64Var(&cfg.MaxMemoryMB, "max-memory-mb", cfg.MaxMemoryMB, "badger memory budget (0 = auto)")
	f.StringVar(&cfg.PostgresDSN, "postgres-dsn", cfg.PostgresDSN, "PostgreSQL connection string")
	f.StringSliceVar(&cfg.ClickHouseAddr, "clickhouse-addr", cfg.ClickHouseAddr, "ClickHouse native protocol addresses")
	f.IntVar(&cfg.BufferCapacity, "buffer-capacity", cfg.BufferCapacity, "maximum events held in memory")
	f.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "maximum events per storage write")
	f.DurationVar(&cfg.FlushInterval, "flush-interval", cfg.FlushInterval, "time between periodic flushes")
	f.StringVar(&cfg.OverflowPolicy, "overflow-policy", cfg.OverflowPolicy, "reject_new or drop_oldest")
	f.BoolVar(&cfg.IncludePending, "include-pending", cfg.IncludePending, "count queued events in stats")
	f.StringVar(&cfg.DeadLetter, "dead-letter", cfg.DeadLetter, "dead-letter sink: log, file or kafka")
	f.StringVar(&cfg.DeadLetterPath, "dead-letter-path", cfg.DeadLetterPath, "JSONL file for the file sink")
	f.StringSliceVar(&cfg.KafkaBrokers, "kafka-brokers", cfg.KafkaBrokers, "Kafka brokers for the kafka sink")
	f.StringVar(&cfg.KafkaTopic, "kafka-topic", cfg.KafkaTopic, "Kafka topic for the kafka sink")
	f.StringVar(&cfg.OTLPEndpoint, "otlp-endpoint", cfg.OTLPEndpoint, "OTLP/HTTP collector host:port (empty disables tracing export)")
	f.BoolVar(&otlpInsecure, "otlp-insecure", otlpInsecure, "send traces without TLS")

	return cmd
}

// run serves on ln until ctx is cancelled, then drains the buffer and
// closes the store.
func run(ctx context.Context, cfg config.Config, ln net.Listener) error {
	log.Println("Starting tinyanalytics...")
	metrics.Register()

	store, storageMonitor, err := server.InitializeStorage(ctx, cfg)
	if err != nil {
		ln.Close()
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("Storage close warning: %v", err)
		}
	}()

	sink, err := server.InitializeDeadLetter(cfg)
	if err != nil {
		ln.Close()
		return fmt.Errorf("failed to initialize dead-letter sink: %w", err)
	}
	defer sink.Close()

	app := server.NewApp(cfg, store, storageMonitor, sink)

	bgCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.Buffer.Start(bgCtx); err != nil {
		ln.Close()
		return err
	}
	log.Printf("Buffer started (capacity %d, batch %d, flush every %v, policy %s)",
		cfg.BufferCapacity, cfg.BatchSize, cfg.FlushInterval, cfg.OverflowPolicy)

	var wg sync.WaitGroup
	wg.Add(1)
	go server.ReportStorageStats(bgCtx, store, app.FlushMonitor, config.StatsReportInterval, &wg)
	if storageMonitor != nil {
		wg.Add(1)
		go server.RefreshStorageUsage(bgCtx, storageMonitor, config.StorageUsageRefreshInterval, &wg)
	}

	srv := &http.Server{
		Handler:      server.NewHandler(app, cfg, os.Stdout),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("Server listening on %s", ln.Addr())
		log.Println("API endpoints:")
		log.Println("   POST /v1/events        - Ingest one event")
		log.Println("   POST /v1/events/batch  - Ingest a batch")
		log.Println("   GET  /v1/stats         - Site aggregates")
		log.Println("   GET  /v1/health        - Health")
		log.Println("   GET  /metrics          - Prometheus endpoint")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Println("Shutdown signal received...")
	case err := <-serveErr:
		if err != nil {
			log.Printf("Server failed: %v", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer shutdownCancel()

	// Stop accepting events before draining so nothing lands after the last flush
	log.Println("Gracefully shutting down server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown warning: %v", err)
	}

	log.Println("Draining ingest buffer...")
	var runErr error
	if err := app.Buffer.Stop(); err != nil {
		log.Printf("Buffer drain finished with errors: %v", err)
		runErr = err
	} else {
		log.Printf("Buffer drained (%d events flushed in total)", app.Buffer.Stats().Flushed)
	}

	cancel()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Println("All background tasks stopped cleanly")
	case <-time.After(5 * time.Second):
		log.Println("Some background tasks did not stop in time (forcing exit)")
	}

	log.Println("tinyanalytics exited")
	return runErr
}
