package clickhouse

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyanalytics/pkg/event"
	"github.com/nicktill/tinyanalytics/pkg/storage"
	"github.com/nicktill/tinyanalytics/pkg/storage/storagetest"
)

// Integration tests need a scratch server, e.g.
// TINYANALYTICS_TEST_CLICKHOUSE_ADDR=localhost:9000
func TestClickHouseStorage(t *testing.T) {
	addr := os.Getenv("TINYANALYTICS_TEST_CLICKHOUSE_ADDR")
	if addr == "" {
		t.Skip("TINYANALYTICS_TEST_CLICKHOUSE_ADDR not set")
	}

	storagetest.Run(t, func(t *testing.T) storage.Storage {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		store, err := New(ctx, Config{Addr: strings.Split(addr, ","), Database: "default", Username: "default"})
		require.NoError(t, err)
		require.NoError(t, store.conn.Exec(ctx, "TRUNCATE TABLE events"))
		return store
	})
}

func TestBuildQuery(t *testing.T) {
	start := time.Date(2025, 11, 15, 0, 0, 0, 0, time.UTC)

	query, args := buildQuery(storage.Filter{SiteID: "site-1"})
	require.Equal(t, "SELECT id, site_id, event_type, path, user_id, timestamp FROM events WHERE site_id = ? ORDER BY timestamp, id", query)
	require.Len(t, args, 1)

	query, args = buildQuery(storage.Filter{SiteID: "site-1", Start: start, End: start.Add(time.Hour), Limit: 5})
	require.Equal(t, "SELECT id, site_id, event_type, path, user_id, timestamp FROM events WHERE site_id = ? AND timestamp >= ? AND timestamp < ? ORDER BY timestamp, id LIMIT 5", query)
	require.Len(t, args, 3)
}

func TestClassify(t *testing.T) {
	err := classify("send batch", &clickhouse.Exception{Code: 53, Message: "type mismatch"})
	require.ErrorIs(t, err, storage.ErrConstraintViolation)
	require.False(t, storage.IsRetryable(err))

	err = classify("send batch", &clickhouse.Exception{Code: 209, Message: "socket timeout"})
	require.ErrorIs(t, err, storage.ErrUnavailable)
	require.True(t, storage.IsRetryable(err))
}

func TestAppendBatch_RefusesOutOfRangeTimestamps(t *testing.T) {
	// Refused before the connection is used
	store := &Storage{}
	ctx := context.Background()

	for _, ts := range []time.Time{
		time.Date(1850, 6, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2300, 1, 1, 0, 0, 0, 0, time.UTC),
	} {
		_, err := store.AppendBatch(ctx, []event.Event{{SiteID: "site-1", EventType: "page_view", Timestamp: ts}})
		require.ErrorIs(t, err, storage.ErrConstraintViolation)
		require.False(t, storage.IsRetryable(err))
	}

	require.NoError(t, checkRange([]event.Event{
		{Timestamp: time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)},
		{Timestamp: time.Date(2299, 12, 31, 0, 0, 0, 0, time.UTC)},
	}))
}
