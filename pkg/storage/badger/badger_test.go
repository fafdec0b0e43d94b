package badger

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyanalytics/pkg/event"
	"github.com/nicktill/tinyanalytics/pkg/storage"
	"github.com/nicktill/tinyanalytics/pkg/storage/storagetest"
)

func newInMemory(t *testing.T) *Storage {
	t.Helper()
	store, err := New(Config{InMemory: true})
	require.NoError(t, err)
	return store
}

func TestBadgerStorage(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Storage {
		return newInMemory(t)
	})
}

func TestBadgerStorage_Persistence(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := New(Config{Path: dir})
	require.NoError(t, err)

	ids, err := store.AppendBatch(ctx, []event.Event{
		storagetest.PageView("site-1", "/a", "u1", storagetest.Base),
		storagetest.PageView("site-1", "/b", "u2", storagetest.Base.Add(time.Minute)),
	})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// Reopen and verify data survived
	store, err = New(Config{Path: dir})
	require.NoError(t, err)
	defer store.Close()

	results, err := store.Query(ctx, storage.Filter{SiteID: "site-1"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, ids[0], results[0].ID)
	require.Equal(t, ids[1], results[1].ID)
}

func TestBadgerStorage_PreEpochTimestamps(t *testing.T) {
	store := newInMemory(t)
	defer store.Close()

	ctx := context.Background()
	old := time.Date(1950, 6, 1, 0, 0, 0, 0, time.UTC)
	_, err := store.AppendBatch(ctx, []event.Event{
		storagetest.PageView("site-1", "/new", "", storagetest.Base),
		storagetest.PageView("site-1", "/old", "", old),
	})
	require.NoError(t, err)

	results, err := store.Query(ctx, storage.Filter{SiteID: "site-1", End: time.Unix(0, 0)})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "/old", event.Deref(results[0].Path))
}

func TestBadgerStorage_QueryCancelled(t *testing.T) {
	store := newInMemory(t)
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Query(ctx, storage.Filter{SiteID: "site-1"})
	require.ErrorIs(t, err, storage.ErrUnavailable)
	require.True(t, storage.IsRetryable(err))
}

func TestBadgerStorage_ClosedIsUnavailable(t *testing.T) {
	store := newInMemory(t)
	require.NoError(t, store.Close())

	_, err := store.AppendBatch(context.Background(), []event.Event{
		storagetest.PageView("site-1", "/", "", storagetest.Base),
	})
	require.ErrorIs(t, err, storage.ErrUnavailable)
}

func TestEncodeTime_SortsLikeTime(t *testing.T) {
	times := []time.Time{
		time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Unix(-1, 999999999),
		time.Unix(0, 0),
		time.Unix(0, 1),
		storagetest.Base,
		storagetest.Base.Add(time.Nanosecond),
		time.Date(2400, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	for i := 1; i < len(times); i++ {
		a, b := encodeTime(times[i-1]), encodeTime(times[i])
		require.Equal(t, -1, bytes.Compare(a, b), "%v should sort before %v", times[i-1], times[i])
	}
	for _, ts := range times {
		require.True(t, decodeTime(encodeTime(ts)).Equal(ts), "round trip of %v", ts)
	}
}

func TestMakeKey_SharesSitePrefix(t *testing.T) {
	k1 := makeKey("site-1", storagetest.Base, uuid.New())
	k2 := makeKey("site-1", storagetest.Base.Add(time.Hour), uuid.New())
	k3 := makeKey("site-2", storagetest.Base, uuid.New())

	require.Len(t, k1, keyLen)
	require.True(t, bytes.HasPrefix(k2, k1[:prefixLen]))
	require.False(t, bytes.HasPrefix(k3, k1[:prefixLen]))
	require.Equal(t, -1, bytes.Compare(k1, k2))
}
