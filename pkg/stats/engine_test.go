package stats

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyanalytics/pkg/buffer"
	"github.com/nicktill/tinyanalytics/pkg/event"
	"github.com/nicktill/tinyanalytics/pkg/storage"
	"github.com/nicktill/tinyanalytics/pkg/storage/memory"
)

var base = time.Date(2025, 11, 15, 12, 0, 0, 0, time.UTC)

// countingStore counts queries and can fail them
type countingStore struct {
	storage.Storage
	queries atomic.Int64
	err     error
}

func (s *countingStore) Query(ctx context.Context, f storage.Filter) ([]event.Event, error) {
	s.queries.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return s.Storage.Query(ctx, f)
}

func newCountingStore() *countingStore {
	return &countingStore{Storage: memory.New()}
}

func view(site, path, user string, ts time.Time) event.Event {
	return event.Event{
		SiteID:    site,
		EventType: "page_view",
		Path:      event.StringPtr(path),
		UserID:    event.StringPtr(user),
		Timestamp: ts,
	}
}

func seed(t *testing.T, store storage.Storage, events ...event.Event) {
	t.Helper()
	_, err := store.AppendBatch(context.Background(), events)
	require.NoError(t, err)
}

func TestComputeStats_Scenario(t *testing.T) {
	store := newCountingStore()
	seed(t, store,
		view("site-1", "/a", "", base),
		view("site-1", "/a", "", base.Add(time.Minute)),
		view("site-1", "/b", "", base.Add(2*time.Minute)),
	)

	result, err := NewEngine(store, nil).ComputeStats(context.Background(), "site-1", "")
	require.NoError(t, err)

	assert.Equal(t, "site-1", result.SiteID)
	assert.Nil(t, result.Date)
	assert.Equal(t, uint64(3), result.TotalViews)
	assert.Equal(t, []PathCount{{"/a", 2}, {"/b", 1}}, result.TopPaths)
}

func TestComputeStats_DateFilter(t *testing.T) {
	store := newCountingStore()
	day := time.Date(2025, 11, 15, 0, 0, 0, 0, time.UTC)
	seed(t, store,
		view("site-1", "/before", "u1", day.Add(-time.Nanosecond)),
		view("site-1", "/start", "u1", day),
		view("site-1", "/late", "u2", day.Add(24*time.Hour-time.Nanosecond)),
		view("site-1", "/next", "u3", day.Add(24*time.Hour)),
	)

	result, err := NewEngine(store, nil).ComputeStats(context.Background(), "site-1", "2025-11-15")
	require.NoError(t, err)

	require.NotNil(t, result.Date)
	assert.Equal(t, "2025-11-15", *result.Date)
	assert.Equal(t, uint64(2), result.TotalViews)
	assert.Equal(t, uint64(2), result.UniqueUsers)
}

func TestComputeStats_InvalidDateIssuesNoQuery(t *testing.T) {
	store := newCountingStore()
	engine := NewEngine(store, nil)

	for _, date := range []string{"not-a-date", "2025-13-01", "2025-02-30", "15/11/2025", "2025-11-15T00:00:00Z", "2025-1-5"} {
		_, err := engine.ComputeStats(context.Background(), "site-x", date)
		require.ErrorIs(t, err, ErrInvalidDateFormat, date)
	}
	assert.Zero(t, store.queries.Load())
}

func TestComputeStats_MissingSiteID(t *testing.T) {
	store := newCountingStore()
	_, err := NewEngine(store, nil).ComputeStats(context.Background(), "", "")
	require.ErrorIs(t, err, ErrMissingSiteID)
	assert.Zero(t, store.queries.Load())
}

func TestComputeStats_UnknownSiteIsEmpty(t *testing.T) {
	result, err := NewEngine(newCountingStore(), nil).ComputeStats(context.Background(), "nobody", "")
	require.NoError(t, err)
	assert.Zero(t, result.TotalViews)
	assert.NotNil(t, result.TopPaths)
	assert.Empty(t, result.TopPaths)
}

func TestComputeStats_Idempotent(t *testing.T) {
	store := newCountingStore()
	for i := 0; i < 50; i++ {
		seed(t, store, view("site-1", fmt.Sprintf("/p%d", i%13), fmt.Sprintf("u%d", i%7), base.Add(time.Duration(i)*time.Second)))
	}
	engine := NewEngine(store, nil)

	first, err := engine.ComputeStats(context.Background(), "site-1", "2025-11-15")
	require.NoError(t, err)
	second, err := engine.ComputeStats(context.Background(), "site-1", "2025-11-15")
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestComputeStats_StoreUnavailable(t *testing.T) {
	store := newCountingStore()
	store.err = storage.Unavailable("query", errors.New("connection refused"))

	_, err := NewEngine(store, nil).ComputeStats(context.Background(), "site-1", "")
	require.ErrorIs(t, err, storage.ErrUnavailable)
}

func TestComputeStats_UnclassifiedErrorIsUnavailable(t *testing.T) {
	store := newCountingStore()
	store.err = errors.New("boom")

	_, err := NewEngine(store, nil).ComputeStats(context.Background(), "site-1", "")
	require.ErrorIs(t, err, storage.ErrUnavailable)
}

func TestComputeStats_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewEngine(newCountingStore(), nil).ComputeStats(ctx, "site-1", "")
	require.ErrorIs(t, err, storage.ErrUnavailable)
	require.ErrorIs(t, err, context.Canceled)
}

func TestComputeStats_MergesPendingOnce(t *testing.T) {
	store := newCountingStore()
	seed(t, store, view("site-1", "/stored", "u1", base))

	buf := buffer.New(store, nil, nil, buffer.Config{Capacity: 10})
	require.NoError(t, buf.Enqueue(view("site-1", "/queued", "u2", base.Add(time.Second))))
	require.NoError(t, buf.Enqueue(view("site-2", "/elsewhere", "u3", base)))

	engine := NewEngine(store, buf)
	result, err := engine.ComputeStats(context.Background(), "site-1", "")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), result.TotalViews)
	assert.Equal(t, uint64(2), result.UniqueUsers)

	// After the flush the record is counted from the store only
	require.NoError(t, buf.Flush(context.Background()))
	result, err = engine.ComputeStats(context.Background(), "site-1", "")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), result.TotalViews)
}

func TestComputeStats_WithoutPendingIgnoresQueue(t *testing.T) {
	store := newCountingStore()
	buf := buffer.New(store, nil, nil, buffer.Config{Capacity: 10})
	require.NoError(t, buf.Enqueue(view("site-1", "/queued", "", base)))

	result, err := NewEngine(store, nil).ComputeStats(context.Background(), "site-1", "")
	require.NoError(t, err)
	assert.Zero(t, result.TotalViews)

	require.NoError(t, buf.Flush(context.Background()))
	result, err = NewEngine(store, nil).ComputeStats(context.Background(), "site-1", "")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), result.TotalViews)
}

func TestCompute_ExplicitRange(t *testing.T) {
	store := newCountingStore()
	seed(t, store,
		view("site-1", "/a", "", base),
		view("site-1", "/b", "", base.Add(time.Hour)),
		view("site-1", "/c", "", base.Add(2*time.Hour)),
	)

	result, err := NewEngine(store, nil).Compute(context.Background(), Query{
		SiteID: "site-1",
		Start:  base.Add(time.Hour),
		End:    base.Add(2 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), result.TotalViews)
	assert.Equal(t, []PathCount{{"/b", 1}}, result.TopPaths)
}

func TestAggregate(t *testing.T) {
	events := []event.Event{
		view("s", "/a", "u1", base),
		view("s", "/b", "u1", base),
		view("s", "/a", "u2", base),
		{SiteID: "s", EventType: "click", Timestamp: base},                                // no path, no user
		{SiteID: "s", EventType: "click", UserID: event.StringPtr("u3"), Timestamp: base}, // no path
	}

	total, unique, top := Aggregate(events, TopPathsLimit)
	assert.Equal(t, uint64(5), total)
	assert.Equal(t, uint64(3), unique)
	assert.Equal(t, []PathCount{{"/a", 2}, {"/b", 1}}, top)
}

func TestAggregate_TopPathsTruncatedAndTiesLexical(t *testing.T) {
	var events []event.Event
	// 12 paths with one view each, inserted in reverse lexical order
	for i := 11; i >= 0; i-- {
		events = append(events, view("s", fmt.Sprintf("/p%02d", i), "", base))
	}
	events = append(events, view("s", "/p11", "", base))

	_, _, top := Aggregate(events, TopPathsLimit)
	require.Len(t, top, TopPathsLimit)
	assert.Equal(t, PathCount{"/p11", 2}, top[0])
	for i := 1; i < len(top); i++ {
		assert.Equal(t, fmt.Sprintf("/p%02d", i-1), top[i].Path)
	}

	// Same input in a different order gives the same result
	reversed := make([]event.Event, len(events))
	for i, e := range events {
		reversed[len(events)-1-i] = e
	}
	_, _, again := Aggregate(reversed, TopPathsLimit)
	assert.Equal(t, top, again)
}

func TestAggregate_Empty(t *testing.T) {
	total, unique, top := Aggregate(nil, TopPathsLimit)
	assert.Zero(t, total)
	assert.Zero(t, unique)
	assert.NotNil(t, top)
	assert.Empty(t, top)
}

func TestParseDate(t *testing.T) {
	start, end, err := ParseDate("2024-02-29")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), end)
	assert.Equal(t, time.UTC, start.Location())
}
