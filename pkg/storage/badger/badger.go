package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/google/uuid"

	"github.com/nicktill/tinyanalytics/pkg/event"
	"github.com/nicktill/tinyanalytics/pkg/storage"
)

// Key layout: [xxhash64(site_id) 8][seconds+2^63 8][nanos 4][uuid 16]
// Keys of one site share the 8-byte prefix and sort by timestamp inside it.
const (
	prefixLen = 8
	timeLen   = 12
	idLen     = 16
	keyLen    = prefixLen + timeLen + idLen
)

// slowQueryThreshold triggers a log line for long scans
const slowQueryThreshold = 5 * time.Second

// Storage implements storage.Storage using BadgerDB (LSM tree)
type Storage struct {
	db *badger.DB
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = use defaults based on environment)
	// Recommended: 64-128 MB for local dev, 256-512 MB for production
	MaxMemoryMB int64
}

// New creates a BadgerDB storage backend
func New(cfg Config) (*Storage, error) {
	opts := badger.DefaultOptions(cfg.Path)

	if cfg.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}

	// Laptop-friendly defaults: 16 MB memtable unless a limit is given
	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3 // ~33% for memtable
	}

	// BadgerDB has several unbounded memory consumers; cap the caches explicitly
	blockCacheSize := memTableSize / 2
	indexCacheSize := memTableSize / 4

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(blockCacheSize).
		WithIndexCacheSize(indexCacheSize).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(2).
		WithValueLogFileSize(64 << 20).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &Storage{db: db}, nil
}

// Append stores a single event
func (s *Storage) Append(ctx context.Context, e event.Event) (string, error) {
	ids, err := s.AppendBatch(ctx, []event.Event{e})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// AppendBatch writes all events in one transaction, so the batch commits
// atomically. The context is checked between records; once the commit starts
// it runs to completion so a caller never sees a failure for a batch that
// actually landed.
func (s *Storage) AppendBatch(ctx context.Context, events []event.Event) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, storage.Unavailable("append batch", err)
	}
	if len(events) == 0 {
		return nil, nil
	}
	if err := storage.ValidateBatch(events); err != nil {
		return nil, err
	}

	ids := make([]string, len(events))
	err := s.db.Update(func(txn *badger.Txn) error {
		for i, e := range events {
			// Check context periodically (every 100 events)
			if i%100 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}

			id := uuid.New()
			e = event.Normalize(e)
			e.ID = id.String()

			value, err := encodeEvent(e)
			if err != nil {
				return fmt.Errorf("%w: failed to encode event: %v", storage.ErrConstraintViolation, err)
			}
			if err := txn.Set(makeKey(e.SiteID, e.Timestamp, id), value); err != nil {
				return err
			}
			ids[i] = e.ID
		}
		return nil
	})
	if err != nil {
		return nil, classify("append batch", err)
	}
	return ids, nil
}

// Query seeks to the site prefix at Start and iterates until End, so the
// scan touches only the matching keys. Runs in a read transaction, which
// gives the call a consistent snapshot.
func (s *Storage) Query(ctx context.Context, f storage.Filter) ([]event.Event, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, storage.Unavailable("query", err)
	}

	type queryResult struct {
		results []event.Event
		err     error
	}
	done := make(chan queryResult, 1)

	go func() {
		startTime := time.Now()
		results := []event.Event{}
		var iterCount int

		err := s.db.View(func(txn *badger.Txn) error {
			prefix := sitePrefix(f.SiteID)
			seek := prefix
			if !f.Start.IsZero() {
				seek = append(append([]byte{}, prefix...), encodeTime(f.Start)...)
			}

			opts := badger.DefaultIteratorOptions
			opts.Prefix = prefix
			opts.PrefetchSize = 100

			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
				iterCount++

				// Check for context cancellation every 1000 iterations
				if iterCount%1000 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}

				item := it.Item()
				if !f.End.IsZero() && !decodeTime(item.Key()[prefixLen:prefixLen+timeLen]).Before(f.End) {
					break
				}

				var e event.Event
				if err := item.Value(func(val []byte) error {
					var err error
					e, err = decodeEvent(val)
					return err
				}); err != nil {
					return err
				}

				// Hash collision between two sites
				if e.SiteID != f.SiteID {
					continue
				}

				results = append(results, e)
				if f.Limit > 0 && len(results) >= f.Limit {
					break
				}
			}
			return nil
		})

		if elapsed := time.Since(startTime); elapsed > slowQueryThreshold {
			log.Printf("Slow query for site %q completed in %v (%d iterations, %d results)", f.SiteID, elapsed, iterCount, len(results))
		}
		done <- queryResult{results: results, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, classify("query", res.err)
		}
		return res.results, nil
	case <-ctx.Done():
		return nil, storage.Unavailable("query cancelled", ctx.Err())
	}
}

// Close shuts down BadgerDB cleanly
func (s *Storage) Close() error {
	return s.db.Close()
}

// Stats returns storage statistics from a key-only scan.
// TotalSites counts distinct key prefixes.
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, storage.Unavailable("stats", err)
	}

	type statsResult struct {
		stats *storage.Stats
		err   error
	}
	done := make(chan statsResult, 1)

	go func() {
		stats := &storage.Stats{}

		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false

			it := txn.NewIterator(opts)
			defer it.Close()

			sites := make(map[uint64]struct{})
			var iterCount int

			for it.Rewind(); it.Valid(); it.Next() {
				iterCount++
				if iterCount%1000 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}

				key := it.Item().Key()
				if len(key) != keyLen {
					continue
				}
				stats.TotalEvents++
				sites[binary.BigEndian.Uint64(key[:prefixLen])] = struct{}{}

				ts := decodeTime(key[prefixLen : prefixLen+timeLen])
				if stats.OldestEvent.IsZero() || ts.Before(stats.OldestEvent) {
					stats.OldestEvent = ts
				}
				if stats.NewestEvent.IsZero() || ts.After(stats.NewestEvent) {
					stats.NewestEvent = ts
				}
			}

			stats.TotalSites = uint64(len(sites))
			return nil
		})

		if err == nil {
			lsmSize, vlogSize := s.db.Size()
			stats.SizeBytes = uint64(lsmSize + vlogSize)
		}
		done <- statsResult{stats: stats, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, classify("stats", res.err)
		}
		return res.stats, nil
	case <-ctx.Done():
		return nil, storage.Unavailable("stats cancelled", ctx.Err())
	}
}

// classify maps badger failures onto the storage error taxonomy
func classify(op string, err error) error {
	switch {
	case errors.Is(err, storage.ErrConstraintViolation):
		return err
	case errors.Is(err, badger.ErrTxnTooBig):
		return fmt.Errorf("%s: %w: batch exceeds transaction size: %v", op, storage.ErrConstraintViolation, err)
	default:
		return storage.Unavailable(op, err)
	}
}

// sitePrefix is the 8-byte hash shared by all keys of a site
func sitePrefix(siteID string) []byte {
	prefix := make([]byte, prefixLen)
	binary.BigEndian.PutUint64(prefix, xxhash.Sum64String(siteID))
	return prefix
}

// makeKey creates a sortable key: site hash + timestamp + id
func makeKey(siteID string, ts time.Time, id uuid.UUID) []byte {
	key := make([]byte, 0, keyLen)
	key = append(key, sitePrefix(siteID)...)
	key = append(key, encodeTime(ts)...)
	return append(key, id[:]...)
}

// encodeTime produces 12 bytes that sort like the instant they encode,
// including instants before 1970.
func encodeTime(ts time.Time) []byte {
	b := make([]byte, timeLen)
	binary.BigEndian.PutUint64(b[0:8], uint64(ts.Unix())^(1<<63))
	binary.BigEndian.PutUint32(b[8:12], uint32(ts.Nanosecond()))
	return b
}

// decodeTime reverses encodeTime
func decodeTime(b []byte) time.Time {
	sec := int64(binary.BigEndian.Uint64(b[0:8]) ^ (1 << 63))
	nsec := int64(binary.BigEndian.Uint32(b[8:12]))
	return time.Unix(sec, nsec).UTC()
}

// encodeEvent serializes an event to bytes
func encodeEvent(e event.Event) ([]byte, error) {
	return json.Marshal(e)
}

// decodeEvent deserializes bytes to an event
func decodeEvent(data []byte) (event.Event, error) {
	var e event.Event
	err := json.Unmarshal(data, &e)
	return e, err
}
