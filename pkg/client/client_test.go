package client

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyanalytics/pkg/buffer"
	"github.com/nicktill/tinyanalytics/pkg/event"
	"github.com/nicktill/tinyanalytics/pkg/httpx"
	"github.com/nicktill/tinyanalytics/pkg/ingest"
	"github.com/nicktill/tinyanalytics/pkg/stats"
	"github.com/nicktill/tinyanalytics/pkg/storage/memory"
)

var ts = time.Date(2025, 11, 15, 10, 0, 0, 0, time.UTC)

func pageView(path string) event.Event {
	return event.Event{SiteID: "site-1", EventType: "page_view", Path: event.StringPtr(path), Timestamp: ts}
}

// newTestServer serves the ingest and stats handlers over an unstarted
// buffer so tests control when events reach the store
func newTestServer(t *testing.T, capacity int) (*Client, *buffer.Buffer) {
	t.Helper()

	store := memory.New()
	cfg := buffer.DefaultConfig()
	cfg.Capacity = capacity
	buf := buffer.New(store, nil, nil, cfg)

	ingestHandler := ingest.NewHandler(buf)
	statsHandler := stats.NewHandler(stats.NewEngine(store, buf))

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/events", ingestHandler.HandleEvent)
	mux.HandleFunc("/v1/events/batch", ingestHandler.HandleBatch)
	mux.HandleFunc("/v1/stats", statsHandler.HandleStats)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, err := New(Config{Endpoint: srv.URL})
	require.NoError(t, err)
	return c, buf
}

func TestNew(t *testing.T) {
	c, err := New(Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultEndpoint, c.base.String())
	assert.Equal(t, 10*time.Second, c.client.Timeout)

	_, err = New(Config{Endpoint: "localhost:8080"})
	assert.Error(t, err)
}

func TestClient_SendAndStats(t *testing.T) {
	c, buf := newTestServer(t, 100)
	ctx := context.Background()

	require.NoError(t, c.Send(ctx, pageView("/a")))
	require.NoError(t, c.Send(ctx, pageView("/a")))
	require.NoError(t, c.Send(ctx, pageView("/b")))
	require.NoError(t, buf.Flush(ctx))

	result, err := c.Stats(ctx, "site-1", "2025-11-15")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), result.TotalViews)
	assert.Equal(t, []stats.PathCount{{Path: "/a", Views: 2}, {Path: "/b", Views: 1}}, result.TopPaths)
}

func TestClient_SendBatch(t *testing.T) {
	c, buf := newTestServer(t, 100)

	invalid := pageView("/x")
	invalid.SiteID = ""
	resp, err := c.SendBatch(context.Background(), []event.Event{pageView("/a"), invalid})
	require.NoError(t, err)
	assert.Equal(t, "partial", resp.Status)
	assert.Equal(t, 1, resp.Accepted)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, 1, resp.Errors[0].Index)
	assert.Equal(t, int64(1), buf.Stats().Queued)
}

func TestClient_APIErrors(t *testing.T) {
	c, _ := newTestServer(t, 1)
	ctx := context.Background()

	require.NoError(t, c.Send(ctx, pageView("/a")))

	err := c.Send(ctx, pageView("/b"))
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Equal(t, httpx.CodeBufferFull, apiErr.Code)
	assert.Equal(t, time.Second, apiErr.RetryAfter)
	assert.True(t, IsRetryable(err))

	_, err = c.Stats(ctx, "site-1", "15-11-2025")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, httpx.CodeInvalidDateFormat, apiErr.Code)
	assert.False(t, IsRetryable(err))
}

func TestClient_PropagatesContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	c, err := New(Config{Endpoint: srv.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = c.Send(ctx, pageView("/a"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
