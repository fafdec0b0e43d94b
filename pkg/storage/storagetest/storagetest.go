// Package storagetest holds the behavior every storage backend must share.
// Backend packages call Run from their own tests.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyanalytics/pkg/event"
	"github.com/nicktill/tinyanalytics/pkg/storage"
)

// Factory returns a fresh, empty store. Run closes it.
type Factory func(t *testing.T) storage.Storage

// Run executes the shared backend suite.
func Run(t *testing.T, newStore Factory) {
	t.Run("AppendAndQuery", func(t *testing.T) { testAppendAndQuery(t, newStore(t)) })
	t.Run("AppendBatchAssignsIDs", func(t *testing.T) { testAppendBatchAssignsIDs(t, newStore(t)) })
	t.Run("QueryTimeRangeIsHalfOpen", func(t *testing.T) { testQueryTimeRange(t, newStore(t)) })
	t.Run("QuerySiteIsolation", func(t *testing.T) { testSiteIsolation(t, newStore(t)) })
	t.Run("QueryOrderedByTimestamp", func(t *testing.T) { testQueryOrdering(t, newStore(t)) })
	t.Run("QueryLimit", func(t *testing.T) { testQueryLimit(t, newStore(t)) })
	t.Run("OptionalFieldsRoundTrip", func(t *testing.T) { testOptionalFields(t, newStore(t)) })
	t.Run("InvalidBatchIsAtomic", func(t *testing.T) { testInvalidBatchAtomic(t, newStore(t)) })
	t.Run("QueryRequiresSite", func(t *testing.T) { testQueryRequiresSite(t, newStore(t)) })
	t.Run("Stats", func(t *testing.T) { testStats(t, newStore(t)) })
	t.Run("ConcurrentAppends", func(t *testing.T) { testConcurrentAppends(t, newStore(t)) })
}

// Base is a fixed, second-aligned instant so every backend can round-trip it.
var Base = time.Date(2025, 11, 15, 12, 0, 0, 0, time.UTC)

// PageView builds a valid page_view event.
func PageView(site, path, user string, ts time.Time) event.Event {
	return event.Event{
		SiteID:    site,
		EventType: "page_view",
		Path:      event.StringPtr(path),
		UserID:    event.StringPtr(user),
		Timestamp: ts,
	}
}

func testAppendAndQuery(t *testing.T, store storage.Storage) {
	defer store.Close()
	ctx := context.Background()

	id, err := store.Append(ctx, PageView("site-1", "/", "u1", Base))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	results, err := store.Query(ctx, storage.Filter{
		SiteID: "site-1",
		Start:  Base.Add(-time.Hour),
		End:    Base.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, id, results[0].ID)
	require.Equal(t, "site-1", results[0].SiteID)
	require.Equal(t, "page_view", results[0].EventType)
	require.True(t, results[0].Timestamp.Equal(Base), "timestamp %v != %v", results[0].Timestamp, Base)
}

func testAppendBatchAssignsIDs(t *testing.T, store storage.Storage) {
	defer store.Close()
	ctx := context.Background()

	batch := []event.Event{
		PageView("site-1", "/a", "u1", Base),
		PageView("site-1", "/b", "u2", Base.Add(time.Second)),
		PageView("site-1", "/c", "", Base.Add(2*time.Second)),
	}
	ids, err := store.AppendBatch(ctx, batch)
	require.NoError(t, err)
	require.Len(t, ids, 3)

	seen := make(map[string]bool)
	for _, id := range ids {
		require.NotEmpty(t, id)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}

	results, err := store.Query(ctx, storage.Filter{SiteID: "site-1"})
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, r := range results {
		require.Equal(t, ids[i], r.ID)
	}
}

func testQueryTimeRange(t *testing.T, store storage.Storage) {
	defer store.Close()
	ctx := context.Background()

	_, err := store.AppendBatch(ctx, []event.Event{
		PageView("site-1", "/old", "", Base.Add(-2*time.Hour)),
		PageView("site-1", "/start", "", Base),
		PageView("site-1", "/mid", "", Base.Add(30*time.Minute)),
		PageView("site-1", "/end", "", Base.Add(time.Hour)),
	})
	require.NoError(t, err)

	results, err := store.Query(ctx, storage.Filter{
		SiteID: "site-1",
		Start:  Base,
		End:    Base.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, results, 2, "start is inclusive, end is exclusive")
	require.Equal(t, "/start", event.Deref(results[0].Path))
	require.Equal(t, "/mid", event.Deref(results[1].Path))

	// Open-ended on the left
	results, err = store.Query(ctx, storage.Filter{SiteID: "site-1", End: Base})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "/old", event.Deref(results[0].Path))

	// Empty range
	results, err = store.Query(ctx, storage.Filter{SiteID: "site-1", Start: Base.Add(5 * time.Hour)})
	require.NoError(t, err)
	require.Empty(t, results)
}

func testSiteIsolation(t *testing.T, store storage.Storage) {
	defer store.Close()
	ctx := context.Background()

	_, err := store.AppendBatch(ctx, []event.Event{
		PageView("site-1", "/a", "", Base),
		PageView("site-2", "/b", "", Base),
		PageView("site-10", "/c", "", Base),
	})
	require.NoError(t, err)

	results, err := store.Query(ctx, storage.Filter{SiteID: "site-1"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "/a", event.Deref(results[0].Path))

	results, err = store.Query(ctx, storage.Filter{SiteID: "site-3"})
	require.NoError(t, err)
	require.Empty(t, results)
}

func testQueryOrdering(t *testing.T, store storage.Storage) {
	defer store.Close()
	ctx := context.Background()

	// Out-of-order arrival across two batches
	_, err := store.AppendBatch(ctx, []event.Event{
		PageView("site-1", "/3", "", Base.Add(3*time.Minute)),
		PageView("site-1", "/1", "", Base.Add(1*time.Minute)),
	})
	require.NoError(t, err)
	_, err = store.AppendBatch(ctx, []event.Event{
		PageView("site-1", "/2", "", Base.Add(2*time.Minute)),
		PageView("site-1", "/0", "", Base),
	})
	require.NoError(t, err)

	results, err := store.Query(ctx, storage.Filter{SiteID: "site-1"})
	require.NoError(t, err)
	require.Len(t, results, 4)
	for i, r := range results {
		require.Equal(t, fmt.Sprintf("/%d", i), event.Deref(r.Path))
	}
}

func testQueryLimit(t *testing.T, store storage.Storage) {
	defer store.Close()
	ctx := context.Background()

	batch := make([]event.Event, 10)
	for i := range batch {
		batch[i] = PageView("site-1", "/", "", Base.Add(time.Duration(i)*time.Second))
	}
	_, err := store.AppendBatch(ctx, batch)
	require.NoError(t, err)

	results, err := store.Query(ctx, storage.Filter{SiteID: "site-1", Limit: 5})
	require.NoError(t, err)
	require.Len(t, results, 5)
}

func testOptionalFields(t *testing.T, store storage.Storage) {
	defer store.Close()
	ctx := context.Background()

	_, err := store.AppendBatch(ctx, []event.Event{
		{SiteID: "site-1", EventType: "click", Timestamp: Base},
		PageView("site-1", "/pricing", "user-9", Base.Add(time.Second)),
	})
	require.NoError(t, err)

	results, err := store.Query(ctx, storage.Filter{SiteID: "site-1"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Nil(t, results[0].Path)
	require.Nil(t, results[0].UserID)
	require.Equal(t, "/pricing", event.Deref(results[1].Path))
	require.Equal(t, "user-9", event.Deref(results[1].UserID))
}

func testInvalidBatchAtomic(t *testing.T, store storage.Storage) {
	defer store.Close()
	ctx := context.Background()

	_, err := store.AppendBatch(ctx, []event.Event{
		PageView("site-1", "/ok", "", Base),
		{SiteID: "site-1", Timestamp: Base}, // missing event_type
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, storage.ErrConstraintViolation), "got %v", err)
	require.False(t, storage.IsRetryable(err))

	results, err := store.Query(ctx, storage.Filter{SiteID: "site-1"})
	require.NoError(t, err)
	require.Empty(t, results, "no record of a rejected batch may become visible")
}

func testQueryRequiresSite(t *testing.T, store storage.Storage) {
	defer store.Close()

	_, err := store.Query(context.Background(), storage.Filter{})
	require.ErrorIs(t, err, storage.ErrInvalidFilter)
}

func testStats(t *testing.T, store storage.Storage) {
	defer store.Close()
	ctx := context.Background()

	_, err := store.AppendBatch(ctx, []event.Event{
		PageView("site-1", "/", "", Base.Add(-time.Hour)),
		PageView("site-1", "/", "", Base),
		PageView("site-2", "/", "", Base.Add(time.Hour)),
	})
	require.NoError(t, err)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(3), stats.TotalEvents)
	require.Equal(t, uint64(2), stats.TotalSites)
	require.True(t, stats.OldestEvent.Equal(Base.Add(-time.Hour)), "oldest %v", stats.OldestEvent)
	require.True(t, stats.NewestEvent.Equal(Base.Add(time.Hour)), "newest %v", stats.NewestEvent)
}

func testConcurrentAppends(t *testing.T, store storage.Storage) {
	defer store.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				ts := Base.Add(time.Duration(g*10+i) * time.Second)
				_, err := store.AppendBatch(ctx, []event.Event{PageView("site-1", "/", "", ts)})
				assert.NoError(t, err)
			}
		}(g)
	}
	wg.Wait()

	results, err := store.Query(ctx, storage.Filter{SiteID: "site-1"})
	require.NoError(t, err)
	require.Len(t, results, 80)
}
