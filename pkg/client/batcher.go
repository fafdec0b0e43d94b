package client

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nicktill/tinyanalytics/pkg/event"
	"github.com/nicktill/tinyanalytics/pkg/ingest"
)

// BatchSender delivers a batch of events. *Client implements it.
type BatchSender interface {
	SendBatch(ctx context.Context, events []event.Event) (*ingest.BatchResponse, error)
}

// BatcherConfig holds configuration for the batcher
type BatcherConfig struct {
	MaxBatchSize int
	FlushEvery   time.Duration
	SendTimeout  time.Duration
}

// BatcherStats counts delivery outcomes
type BatcherStats struct {
	Sent     int64 `json:"sent"`
	Rejected int64 `json:"rejected"`
	Failed   int64 `json:"failed"`
}

// Batcher groups events client-side and sends them periodically or when a
// batch fills up. Sends are serialized.
type Batcher struct {
	config BatcherConfig
	sender BatchSender

	events []event.Event
	mu     sync.Mutex

	sendMu sync.Mutex
	full   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	sent     atomic.Int64
	rejected atomic.Int64
	failed   atomic.Int64
}

// NewBatcher creates a new batcher
func NewBatcher(sender BatchSender, config BatcherConfig) *Batcher {
	if config.MaxBatchSize <= 0 || config.MaxBatchSize > ingest.MaxEventsPerRequest {
		config.MaxBatchSize = ingest.MaxEventsPerRequest
	}
	if config.FlushEvery <= 0 {
		config.FlushEvery = 5 * time.Second
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = 5 * time.Second
	}
	return &Batcher{
		config: config,
		sender: sender,
		events: make([]event.Event, 0, config.MaxBatchSize),
		full:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Start starts the flush loop
func (b *Batcher) Start(ctx context.Context) error {
	if b.cancel != nil {
		return errors.New("batcher already started")
	}
	b.ctx, b.cancel = context.WithCancel(ctx)
	go b.flushLoop()
	return nil
}

// Add queues an event. A full batch wakes the flush loop without blocking
// the caller.
func (b *Batcher) Add(e event.Event) {
	b.mu.Lock()
	b.events = append(b.events, e)
	shouldFlush := len(b.events) >= b.config.MaxBatchSize
	b.mu.Unlock()

	if shouldFlush {
		select {
		case b.full <- struct{}{}:
		default:
		}
	}
}

// Flush sends everything queued so far
func (b *Batcher) Flush(ctx context.Context) error {
	var errs []error
	for {
		batch := b.take()
		if len(batch) == 0 {
			return errors.Join(errs...)
		}
		if err := b.send(ctx, batch); err != nil {
			errs = append(errs, err)
		}
	}
}

// Stop stops the flush loop and sends what is left
func (b *Batcher) Stop() error {
	if b.cancel != nil {
		b.cancel()
		<-b.done
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.config.SendTimeout)
	defer cancel()
	return b.Flush(ctx)
}

// Stats returns delivery counters
func (b *Batcher) Stats() BatcherStats {
	return BatcherStats{
		Sent:     b.sent.Load(),
		Rejected: b.rejected.Load(),
		Failed:   b.failed.Load(),
	}
}

func (b *Batcher) flushLoop() {
	defer close(b.done)

	ticker := time.NewTicker(b.config.FlushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
		case <-b.full:
		}

		ctx, cancel := context.WithTimeout(b.ctx, b.config.SendTimeout)
		if err := b.Flush(ctx); err != nil {
			log.Printf("Batch send failed: %v", err)
		}
		cancel()
	}
}

// take removes up to one batch from the queue
func (b *Batcher) take() []event.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := min(len(b.events), b.config.MaxBatchSize)
	if n == 0 {
		return nil
	}
	batch := make([]event.Event, n)
	copy(batch, b.events[:n])
	b.events = append(b.events[:0], b.events[n:]...)
	return batch
}

func (b *Batcher) send(ctx context.Context, batch []event.Event) error {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	resp, err := b.sender.SendBatch(ctx, batch)
	if err != nil {
		b.failed.Add(int64(len(batch)))
		return err
	}
	b.sent.Add(int64(resp.Accepted))
	b.rejected.Add(int64(resp.Rejected))
	return nil
}
