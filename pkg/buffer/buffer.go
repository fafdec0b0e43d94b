// Package buffer decouples ingestion from durable storage.
//
// Enqueue admits a record into one of several independently locked FIFO
// shards and returns without I/O. A single flush goroutine drains batches in
// global enqueue order and persists them with AppendBatch, retrying transient
// failures with exponential backoff. Batches that cannot be persisted go to a
// dead-letter sink.
package buffer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nicktill/tinyanalytics/pkg/deadletter"
	"github.com/nicktill/tinyanalytics/pkg/event"
	"github.com/nicktill/tinyanalytics/pkg/metrics"
	"github.com/nicktill/tinyanalytics/pkg/storage"
	"github.com/nicktill/tinyanalytics/pkg/tracing"
)

var (
	// ErrBufferFull is returned by Enqueue when no capacity can be freed.
	ErrBufferFull = errors.New("ingestion buffer full")

	// ErrDataLoss wraps the cause when a batch is handed to the dead-letter sink.
	ErrDataLoss = errors.New("batch dead-lettered")

	// ErrClosed is returned by Enqueue after Stop.
	ErrClosed = errors.New("ingestion buffer closed")
)

// HealthRecorder receives flush outcomes. monitor.FlushMonitor implements it.
type HealthRecorder interface {
	RecordSuccess()
	RecordFailure(err error)
	RecordDeadLetter(n int)
}

// Stats is a point-in-time view of buffer state and lifetime counters.
type Stats struct {
	Occupancy    int64  `json:"occupancy"`
	Capacity     int    `json:"capacity"`
	Queued       int64  `json:"queued"`
	InFlight     int64  `json:"in_flight"`
	Enqueued     uint64 `json:"enqueued"`
	Rejected     uint64 `json:"rejected"`
	Dropped      uint64 `json:"dropped"`
	Flushed      uint64 `json:"flushed"`
	Retries      uint64 `json:"retries"`
	DeadLettered uint64 `json:"dead_lettered"`
}

// Buffer is a bounded, sharded ingestion queue with a background flusher.
type Buffer struct {
	config Config
	store  storage.Storage
	sink   deadletter.Sink
	health HealthRecorder

	shards    []*shard
	nextShard atomic.Uint64
	seq       atomic.Uint64

	// occupancy counts queued plus in-flight records against Capacity
	occupancy atomic.Int64
	highWater int64
	wake      chan struct{}

	// closeMu lets Stop wait out in-progress Enqueue calls
	closeMu sync.RWMutex
	closed  bool

	// flushMu serializes every flush path; inflight and attempts are
	// guarded by it
	flushMu   sync.Mutex
	inflight  []record
	attempts  int
	inflightN atomic.Int64

	enqueued     atomic.Uint64
	rejected     atomic.Uint64
	dropped      atomic.Uint64
	flushed      atomic.Uint64
	retries      atomic.Uint64
	deadLettered atomic.Uint64

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started atomic.Bool
}

// New creates a buffer in front of store. A nil sink logs dead letters.
func New(store storage.Storage, sink deadletter.Sink, health HealthRecorder, config Config) *Buffer {
	config = config.withDefaults()
	if sink == nil {
		sink = deadletter.NewLogSink()
	}

	b := &Buffer{
		config:    config,
		store:     store,
		sink:      sink,
		health:    health,
		shards:    make([]*shard, config.Shards),
		highWater: int64(float64(config.Capacity) * config.HighWaterMark),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	if b.highWater < 1 {
		b.highWater = 1
	}
	for i := range b.shards {
		b.shards[i] = &shard{}
	}
	return b
}

// Start launches the flush loop
func (b *Buffer) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return errors.New("buffer already started")
	}
	b.ctx, b.cancel = context.WithCancel(ctx)

	go b.flushLoop()
	return nil
}

// Enqueue admits e without performing I/O. It returns an error wrapping
// event.ErrInvalidRecord, ErrBufferFull, or ErrClosed.
func (b *Buffer) Enqueue(e event.Event) error {
	if err := event.Validate(e); err != nil {
		b.rejected.Add(1)
		metrics.EventsRejected.WithLabelValues(metrics.ReasonInvalid).Inc()
		return err
	}
	e = event.Normalize(e)

	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	if !b.reserve() {
		// A successful eviction hands its slot to the new record
		if b.config.Policy != DropOldest || !b.evictOldest() {
			b.rejected.Add(1)
			metrics.EventsRejected.WithLabelValues(metrics.ReasonBufferFull).Inc()
			return ErrBufferFull
		}
	}

	s := b.shards[b.nextShard.Add(1)%uint64(len(b.shards))]
	s.mu.Lock()
	s.push(record{seq: b.seq.Add(1), event: e})
	s.mu.Unlock()

	b.enqueued.Add(1)
	metrics.EventsEnqueued.Inc()

	occ := b.occupancy.Load()
	metrics.BufferOccupancy.Set(float64(occ))
	if occ >= b.highWater {
		select {
		case b.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// reserve claims one unit of capacity
func (b *Buffer) reserve() bool {
	limit := int64(b.config.Capacity)
	for {
		cur := b.occupancy.Load()
		if cur >= limit {
			return false
		}
		if b.occupancy.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// release returns n units of capacity
func (b *Buffer) release(n int) {
	occ := b.occupancy.Add(-int64(n))
	metrics.BufferOccupancy.Set(float64(occ))
}

// evictOldest drops the queued record with the smallest seq. In-flight
// records are not in any shard, so they are never candidates.
func (b *Buffer) evictOldest() bool {
	lockAll(b.shards)
	s := oldest(b.shards)
	var victim record
	if s != nil {
		victim = s.pop()
	}
	unlockAll(b.shards)

	if s == nil {
		return false
	}
	b.dropped.Add(1)
	metrics.EventsDropped.Inc()
	log.Printf("Buffer full, dropped oldest event (site %s, seq %d)", victim.event.SiteID, victim.seq)
	return true
}

// drain removes up to n queued records in seq order
func (b *Buffer) drain(n int) []record {
	lockAll(b.shards)
	defer unlockAll(b.shards)

	var batch []record
	for len(batch) < n {
		s := oldest(b.shards)
		if s == nil {
			break
		}
		batch = append(batch, s.pop())
	}
	return batch
}

// queued counts records waiting in shards
func (b *Buffer) queued() int {
	total := 0
	for _, s := range b.shards {
		s.mu.Lock()
		total += s.len()
		s.mu.Unlock()
	}
	return total
}

// Pending returns queued records matching f in enqueue order. The in-flight
// batch is excluded; it becomes visible through the store once committed.
func (b *Buffer) Pending(f storage.Filter) []event.Event {
	var matched []record
	for _, s := range b.shards {
		s.mu.Lock()
		for _, r := range s.items[s.head:] {
			if f.Matches(r.event) {
				matched = append(matched, r)
			}
		}
		s.mu.Unlock()
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })
	events := make([]event.Event, len(matched))
	for i, r := range matched {
		events[i] = r.event
	}
	return events
}

// Stats returns current occupancy and counters
func (b *Buffer) Stats() Stats {
	occ := b.occupancy.Load()
	inflight := b.inflightN.Load()
	return Stats{
		Occupancy:    occ,
		Capacity:     b.config.Capacity,
		Queued:       occ - inflight,
		InFlight:     inflight,
		Enqueued:     b.enqueued.Load(),
		Rejected:     b.rejected.Load(),
		Dropped:      b.dropped.Load(),
		Flushed:      b.flushed.Load(),
		Retries:      b.retries.Load(),
		DeadLettered: b.deadLettered.Load(),
	}
}

// Flush persists the in-flight batch, if any, then every record queued at
// the time of the call. Cancelling ctx stops retry waits; an unfinished
// batch stays in flight for the next flush.
func (b *Buffer) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	if len(b.inflight) > 0 {
		if err := b.persistInflight(ctx); err != nil {
			return err
		}
	}

	remaining := b.queued()
	for remaining > 0 {
		batch := b.drain(min(remaining, b.config.BatchSize))
		if len(batch) == 0 {
			return nil
		}
		remaining -= len(batch)

		b.inflight = batch
		b.attempts = 0
		b.inflightN.Store(int64(len(batch)))

		if err := b.persistInflight(ctx); err != nil {
			return err
		}
	}
	return nil
}

// persistInflight writes the in-flight batch, retrying transient failures.
// Caller holds flushMu.
func (b *Buffer) persistInflight(ctx context.Context) error {
	ctx, span := tracing.Tracer().Start(ctx, "buffer.flush",
		trace.WithAttributes(attribute.Int("batch.size", len(b.inflight))))
	defer span.End()

	events := recordEvents(b.inflight)
	err := b.commit(ctx, events)
	switch {
	case err == nil:
		b.finishInflight()
		return nil
	case isCancel(ctx, err):
		return err
	case errors.Is(err, storage.ErrConstraintViolation) && len(events) > 1:
		tracing.Logf(ctx, "Store refused a batch of %d events, splitting it: %v", len(events), err)
		err = b.isolate(ctx)
		if err != nil && !isCancel(ctx, err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "dead-lettered")
		}
		return err
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "dead-lettered")
	tracing.Logf(ctx, "Flush of %d events failed after %d attempt(s), dead-lettering: %v", len(events), b.attempts, err)
	b.deadLetter(ctx, events, err)
	b.finishInflight()
	return fmt.Errorf("%w: %d events: %w", ErrDataLoss, len(events), err)
}

// isolate bisects the in-flight batch after the store refused it, so only
// the records the store refuses on their own are dead-lettered. Spans are
// resolved front to back and leave the in-flight batch as they land, so a
// cancelled split resumes where it stopped without rewriting anything.
func (b *Buffer) isolate(ctx context.Context) error {
	total := len(b.inflight)
	half := total / 2
	stack := [][]record{b.inflight[half:], b.inflight[:half]}

	var (
		lost  int
		cause error
	)
	for len(stack) > 0 {
		part := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		b.attempts = 0
		events := recordEvents(part)
		err := b.commit(ctx, events)
		switch {
		case err == nil:
		case isCancel(ctx, err):
			return err
		case errors.Is(err, storage.ErrConstraintViolation) && len(part) > 1:
			mid := len(part) / 2
			stack = append(stack, part[mid:], part[:mid])
			continue
		default:
			tracing.Logf(ctx, "Dead-lettering %d event(s) the store refused: %v", len(events), err)
			b.deadLetter(ctx, events, err)
			lost += len(events)
			cause = err
		}
		b.resolveFront(len(part))
	}

	b.finishInflight()
	if lost > 0 {
		return fmt.Errorf("%w: %d of %d events: %w", ErrDataLoss, lost, total, cause)
	}
	return nil
}

// commit writes events, retrying transient failures with backoff. It returns
// ctx.Err() if ctx ends during a retry wait, otherwise the last store error.
func (b *Buffer) commit(ctx context.Context, events []event.Event) error {
	start := time.Now()
	for {
		b.attempts++
		err := b.appendBatch(ctx, events)
		if err == nil {
			b.flushed.Add(uint64(len(events)))
			metrics.EventsFlushed.Add(float64(len(events)))
			metrics.FlushBatches.WithLabelValues(metrics.ResultSuccess).Inc()
			metrics.FlushDuration.Observe(time.Since(start).Seconds())
			if b.health != nil {
				b.health.RecordSuccess()
			}
			return nil
		}

		metrics.FlushBatches.WithLabelValues(metrics.ResultFailure).Inc()
		if b.health != nil {
			b.health.RecordFailure(err)
		}

		if !storage.IsRetryable(err) || b.attempts >= b.config.Retry.MaxAttempts {
			return err
		}

		delay := b.backoff(b.attempts)
		b.retries.Add(1)
		metrics.FlushRetries.Inc()
		tracing.Logf(ctx, "Flush failed (attempt %d/%d), retrying in %v: %v", b.attempts, b.config.Retry.MaxAttempts, delay, err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// isCancel reports whether err is commit giving up because ctx ended
func isCancel(ctx context.Context, err error) bool {
	return ctx.Err() != nil && err == ctx.Err()
}

func recordEvents(records []record) []event.Event {
	events := make([]event.Event, len(records))
	for i, r := range records {
		events[i] = r.event
	}
	return events
}

// appendBatch makes one store call bounded by FlushTimeout. The call is
// detached from ctx cancellation so a stopping loop cannot abort a write
// midway.
func (b *Buffer) appendBatch(ctx context.Context, events []event.Event) error {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.config.FlushTimeout)
	defer cancel()

	_, err := b.store.AppendBatch(callCtx, events)
	return err
}

func (b *Buffer) finishInflight() {
	b.release(len(b.inflight))
	b.inflight = nil
	b.attempts = 0
	b.inflightN.Store(0)
}

// resolveFront removes the first n in-flight records once they are
// committed or dead-lettered
func (b *Buffer) resolveFront(n int) {
	b.release(n)
	b.inflight = b.inflight[n:]
	b.attempts = 0
	b.inflightN.Store(int64(len(b.inflight)))
}

// deadLetter hands events to the sink. If the sink fails too, every record
// is logged so it can be recovered from the log.
func (b *Buffer) deadLetter(ctx context.Context, events []event.Event, cause error) {
	b.deadLettered.Add(uint64(len(events)))
	metrics.EventsDeadLettered.Add(float64(len(events)))
	metrics.FlushBatches.WithLabelValues(metrics.ResultDeadLetter).Inc()
	if b.health != nil {
		b.health.RecordDeadLetter(len(events))
	}

	sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.config.FlushTimeout)
	defer cancel()

	err := b.sink.Write(sinkCtx, events, cause)
	if err == nil {
		return
	}

	log.Printf("ALERT: dead-letter sink failed, logging %d events: %v", len(events), err)
	for _, e := range events {
		data, mErr := json.Marshal(e)
		if mErr != nil {
			log.Printf("lost event (unencodable): site=%s type=%s ts=%s", e.SiteID, e.EventType, e.Timestamp.Format(time.RFC3339Nano))
			continue
		}
		log.Printf("lost event: %s", data)
	}
}

// backoff returns the delay after the given failed attempt
func (b *Buffer) backoff(attempt int) time.Duration {
	r := b.config.Retry
	delay := r.Base << (attempt - 1)
	if delay > r.Max || delay <= 0 {
		delay = r.Max
	}
	if r.Jitter > 0 {
		delay = time.Duration(float64(delay) * (1 + r.Jitter*(2*rand.Float64()-1)))
	}
	return min(delay, r.Max)
}

// flushLoop flushes on every tick and whenever Enqueue crosses the
// high-water mark.
func (b *Buffer) flushLoop() {
	defer close(b.done)

	ticker := time.NewTicker(b.config.FlushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
		case <-b.wake:
		}

		if err := b.Flush(b.ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("Buffer flush error: %v", err)
		}
	}
}

// Stop rejects further records, stops the loop and drains what remains,
// retries included.
func (b *Buffer) Stop() error {
	b.closeMu.Lock()
	b.closed = true
	b.closeMu.Unlock()

	if b.started.Load() {
		b.cancel()
		<-b.done
	}

	if occ := b.occupancy.Load(); occ > 0 {
		log.Printf("Draining %d buffered events...", occ)
	}

	// A dead-lettered batch ends one Flush early; keep going until empty
	var errs []error
	for b.occupancy.Load() > 0 {
		if err := b.Flush(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
