package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nicktill/tinyanalytics/pkg/client"
)

type options struct {
	endpoint string
	sites    int
	users    int
	rate     int
	duration time.Duration
	batch    int
	seed     uint64
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := options{
		endpoint: getEnv("TINYANALYTICS_ENDPOINT", client.DefaultEndpoint),
	}

	cmd := &cobra.Command{
		Use:          "loadgen",
		Short:        "Send synthetic page views to a tinyanalytics server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.endpoint, "endpoint", opts.endpoint, "server base URL")
	f.IntVar(&opts.sites, "sites", 3, "number of sites")
	f.IntVar(&opts.users, "users", 50, "size of the returning user pool")
	f.IntVar(&opts.rate, "rate", 20, "events per second")
	f.DurationVar(&opts.duration, "duration", time.Minute, "how long to run")
	f.IntVar(&opts.batch, "batch", 0, "send through the batch endpoint in groups of this size (0 = one request per event)")
	f.Uint64Var(&opts.seed, "seed", uint64(time.Now().UnixNano()), "random seed")
	return cmd
}

func run(ctx context.Context, opts options) error {
	if opts.rate <= 0 || opts.sites <= 0 {
		return fmt.Errorf("rate and sites must be positive")
	}

	c, err := client.New(client.Config{Endpoint: opts.endpoint})
	if err != nil {
		return err
	}

	var batcher *client.Batcher
	if opts.batch > 0 {
		batcher = client.NewBatcher(c, client.BatcherConfig{MaxBatchSize: opts.batch, FlushEvery: time.Second})
		if err := batcher.Start(ctx); err != nil {
			return err
		}
	}

	gen := newGenerator(opts.sites, opts.users, opts.seed)
	log.Printf("Sending %d events/s to %s for %v (%d sites, %d users)", opts.rate, opts.endpoint, opts.duration, opts.sites, opts.users)

	ticker := time.NewTicker(time.Second / time.Duration(opts.rate))
	defer ticker.Stop()
	timeout := time.After(opts.duration)

	var sent, failed int
	start := time.Now()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-timeout:
			break loop
		case <-ticker.C:
			e := gen.next()
			if batcher != nil {
				batcher.Add(e)
				continue
			}
			sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := c.Send(sendCtx, e)
			cancel()
			if err != nil {
				failed++
				if failed <= 10 || (client.IsRetryable(err) && failed%100 == 0) {
					log.Printf("Send failed: %v", err)
				}
				continue
			}
			sent++
		}
	}

	if batcher != nil {
		if err := batcher.Stop(); err != nil {
			log.Printf("Final batch failed: %v", err)
		}
		st := batcher.Stats()
		sent, failed = int(st.Sent), int(st.Failed+st.Rejected)
	}

	elapsed := time.Since(start).Round(time.Millisecond)
	log.Printf("Done in %v: %d accepted, %d failed", elapsed, sent, failed)
	return nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
