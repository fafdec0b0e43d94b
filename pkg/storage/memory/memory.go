package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nicktill/tinyanalytics/pkg/event"
	"github.com/nicktill/tinyanalytics/pkg/storage"
)

// defaultChunkSize bounds the copy a late event costs
const defaultChunkSize = 4096

// snapshot is an immutable view of the store
type snapshot struct {
	sites map[string]series
	total int
}

// series holds one site's events as timestamp-sorted chunks. Chunks are in
// order and never overlap. A published chunk is never modified within its
// length; only the last chunk grows, and only past every reader's length.
type series struct {
	chunks [][]event.Event
}

func (sr series) first() time.Time { return sr.chunks[0][0].Timestamp }

func (sr series) last() time.Time {
	c := sr.chunks[len(sr.chunks)-1]
	return c[len(c)-1].Timestamp
}

// Storage stores events in memory. Data is lost on restart.
// Useful for testing and development.
//
// Writers serialize on mu and publish a fresh snapshot; readers load the
// current snapshot without locking, so queries never block flushes.
type Storage struct {
	mu   sync.Mutex
	snap atomic.Pointer[snapshot]

	// newID and chunkSize are swappable for tests
	newID     func() string
	chunkSize int
}

// New creates an in-memory storage backend
func New() *Storage {
	s := &Storage{newID: uuid.NewString, chunkSize: defaultChunkSize}
	s.snap.Store(&snapshot{sites: map[string]series{}})
	return s
}

// Append stores a single event
func (s *Storage) Append(ctx context.Context, e event.Event) (string, error) {
	ids, err := s.AppendBatch(ctx, []event.Event{e})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// AppendBatch stores events and publishes them in one snapshot swap
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

	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.snap.Load()
	next := &snapshot{
		sites: make(map[string]series, len(old.sites)+1),
		total: old.total + len(events),
	}
	for site, sr := range old.sites {
		next.sites[site] = sr
	}

	ids := make([]string, len(events))
	bySite := make(map[string][]event.Event)
	for i, e := range events {
		e = event.Normalize(e)
		e.ID = s.newID()
		ids[i] = e.ID
		bySite[e.SiteID] = append(bySite[e.SiteID], e)
	}

	for site, added := range bySite {
		// Stable keeps arrival order for equal timestamps
		slices.SortStableFunc(added, func(a, b event.Event) int {
			return a.Timestamp.Compare(b.Timestamp)
		})
		next.sites[site] = s.insert(old.sites[site], added)
	}

	s.snap.Store(next)
	return ids, nil
}

// insert returns sr with the sorted events added. Events at or after the
// newest stored timestamp are appended to the tail chunk; earlier ones are
// merged into copies of the chunks they fall in. Existing events win ties.
func (s *Storage) insert(sr series, added []event.Event) series {
	chunks := make([][]event.Event, len(sr.chunks), len(sr.chunks)+1)
	copy(chunks, sr.chunks)

	split := 0
	if len(chunks) > 0 {
		tail := sr.last()
		split = sort.Search(len(added), func(i int) bool { return !added[i].Timestamp.Before(tail) })
	}
	late, fresh := added[:split], added[split:]

	for len(late) > 0 {
		ts := late[0].Timestamp
		k := sort.Search(len(chunks), func(i int) bool {
			c := chunks[i]
			return c[len(c)-1].Timestamp.After(ts)
		})
		c := chunks[k]
		limit := c[len(c)-1].Timestamp
		m := sort.Search(len(late), func(i int) bool { return !late[i].Timestamp.Before(limit) })

		merged := mergeSorted(c, late[:m])
		late = late[m:]

		if len(merged) < 2*s.chunkSize {
			chunks[k] = merged
			continue
		}
		var pieces [][]event.Event
		for len(merged) > 0 {
			n := min(s.chunkSize, len(merged))
			pieces = append(pieces, merged[:n:n])
			merged = merged[n:]
		}
		chunks = slices.Replace(chunks, k, k+1, pieces...)
	}

	for len(fresh) > 0 {
		n := len(chunks)
		if n == 0 || len(chunks[n-1]) >= s.chunkSize {
			chunks = append(chunks, make([]event.Event, 0, s.chunkSize))
			n++
		}
		take := min(s.chunkSize-len(chunks[n-1]), len(fresh))
		chunks[n-1] = append(chunks[n-1], fresh[:take]...)
		fresh = fresh[take:]
	}

	return series{chunks: chunks}
}

// Query retrieves events matching the filter using binary search over the
// site's chunks.
func (s *Storage) Query(ctx context.Context, f storage.Filter) ([]event.Event, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, storage.Unavailable("query", err)
	}

	chunks := s.snap.Load().sites[f.SiteID].chunks

	k := 0
	if !f.Start.IsZero() {
		k = sort.Search(len(chunks), func(i int) bool {
			c := chunks[i]
			return !c[len(c)-1].Timestamp.Before(f.Start)
		})
	}

	results := []event.Event{}
	for ; k < len(chunks); k++ {
		c := chunks[k]
		if !f.End.IsZero() && !c[0].Timestamp.Before(f.End) {
			break
		}

		lo := 0
		if !f.Start.IsZero() {
			lo = sort.Search(len(c), func(i int) bool { return !c[i].Timestamp.Before(f.Start) })
		}
		hi := len(c)
		if !f.End.IsZero() {
			hi = sort.Search(len(c), func(i int) bool { return !c[i].Timestamp.Before(f.End) })
		}
		if f.Limit > 0 && len(results)+hi-lo > f.Limit {
			hi = lo + f.Limit - len(results)
		}
		results = append(results, c[lo:hi]...)
		if f.Limit > 0 && len(results) == f.Limit {
			break
		}
	}
	return results, nil
}

// mergeSorted merges two timestamp-sorted slices into a new slice. Existing
// events win ties so earlier batches stay ahead of later ones.
func mergeSorted(prev, added []event.Event) []event.Event {
	merged := make([]event.Event, 0, len(prev)+len(added))

	// Common case: the batch is newer than everything stored
	if len(prev) == 0 || !added[0].Timestamp.Before(prev[len(prev)-1].Timestamp) {
		merged = append(merged, prev...)
		return append(merged, added...)
	}

	i, j := 0, 0
	for i < len(prev) && j < len(added) {
		if added[j].Timestamp.Before(prev[i].Timestamp) {
			merged = append(merged, added[j])
			j++
		} else {
			merged = append(merged, prev[i])
			i++
		}
	}
	merged = append(merged, prev[i:]...)
	return append(merged, added[j:]...)
}

// Close is a no-op for memory storage
func (s *Storage) Close() error {
	return nil
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	snap := s.snap.Load()

	stats := &storage.Stats{
		TotalEvents: uint64(snap.total),
		TotalSites:  uint64(len(snap.sites)),
	}

	var oldest, newest time.Time
	for _, sr := range snap.sites {
		if first := sr.first(); oldest.IsZero() || first.Before(oldest) {
			oldest = first
		}
		if last := sr.last(); newest.IsZero() || last.After(newest) {
			newest = last
		}
	}
	stats.OldestEvent = oldest
	stats.NewestEvent = newest

	// Rough size estimate (each event ~128 bytes)
	stats.SizeBytes = uint64(snap.total) * 128

	return stats, nil
}
