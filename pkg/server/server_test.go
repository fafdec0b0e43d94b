package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyanalytics/pkg/buffer"
	"github.com/nicktill/tinyanalytics/pkg/config"
	"github.com/nicktill/tinyanalytics/pkg/deadletter"
	"github.com/nicktill/tinyanalytics/pkg/event"
	"github.com/nicktill/tinyanalytics/pkg/metrics"
	"github.com/nicktill/tinyanalytics/pkg/server/monitor"
	"github.com/nicktill/tinyanalytics/pkg/stats"
	"github.com/nicktill/tinyanalytics/pkg/storage/memory"
)

func testConfig() config.Config {
	return config.Config{
		Port:             "8080",
		Storage:          StorageMemory,
		BufferCapacity:   100,
		BufferShards:     2,
		BatchSize:        10,
		FlushInterval:    time.Hour,
		HighWaterMark:    0.8,
		OverflowPolicy:   "reject_new",
		FlushTimeout:     time.Second,
		RetryBase:        time.Millisecond,
		RetryMax:         10 * time.Millisecond,
		RetryMaxAttempts: 2,
		IncludePending:   true,
		DeadLetter:       DeadLetterLog,
	}
}

func newTestServer(t *testing.T) (*httptest.Server, *App) {
	t.Helper()
	metrics.Register()

	cfg := testConfig()
	app := NewApp(cfg, memory.New(), nil, deadletter.NewLogSink())
	srv := httptest.NewServer(NewHandler(app, cfg, nil))
	t.Cleanup(srv.Close)
	return srv, app
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestServer_Root(t *testing.T) {
	srv, _ := newTestServer(t)

	var body map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/", &body))
	assert.Equal(t, "running", body["status"])
	assert.Contains(t, body["endpoints"], "ingestion")
}

func TestServer_IngestAndStats(t *testing.T) {
	srv, app := newTestServer(t)

	payloads := []string{
		`{"site_id":"blog","event_type":"page_view","path":"/a","user_id":"u1","timestamp":"2025-11-15T10:00:00Z"}`,
		`{"site_id":"blog","event_type":"page_view","path":"/a","user_id":"u2","timestamp":"2025-11-15T11:00:00Z"}`,
		`{"site_id":"blog","event_type":"page_view","path":"/b","user_id":"u1","timestamp":"2025-11-15T12:00:00Z"}`,
	}
	// Mix the versioned route and the legacy alias
	for i, p := range payloads {
		path := "/v1/events"
		if i%2 == 1 {
			path = "/event"
		}
		resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(p))
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}

	// Queued events are already visible
	var result stats.Result
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/v1/stats?site_id=blog&date=2025-11-15", &result))
	assert.Equal(t, uint64(3), result.TotalViews)

	require.NoError(t, app.Buffer.Flush(context.Background()))

	result = stats.Result{}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/stats?site_id=blog", &result))
	assert.Equal(t, uint64(3), result.TotalViews)
	assert.Equal(t, uint64(2), result.UniqueUsers)
	assert.Equal(t, []stats.PathCount{{Path: "/a", Views: 2}, {Path: "/b", Views: 1}}, result.TopPaths)
	assert.Nil(t, result.Date)
}

func TestServer_MethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/events")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServer_Health(t *testing.T) {
	srv, app := newTestServer(t)

	var health HealthResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/v1/health", &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, StorageMemory, health.Storage)

	for range 4 {
		app.FlushMonitor.RecordFailure(errors.New("store down"))
	}

	health = HealthResponse{}
	require.Equal(t, http.StatusServiceUnavailable, getJSON(t, srv.URL+"/v1/health", &health))
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, 4, health.Flush.ConsecutiveErrors)
	assert.Equal(t, "store down", health.Flush.LastError)
}

func TestServer_BufferAndStorage(t *testing.T) {
	srv, app := newTestServer(t)

	e := event.Event{SiteID: "blog", EventType: "page_view", Timestamp: time.Now()}
	require.NoError(t, app.Buffer.Enqueue(e))
	require.NoError(t, app.Buffer.Enqueue(e))

	var buf BufferResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/v1/buffer", &buf))
	assert.Equal(t, "reject_new", buf.Policy)
	assert.Equal(t, int64(2), buf.Stats.Queued)
	assert.Equal(t, 100, buf.Stats.Capacity)

	require.NoError(t, app.Buffer.Flush(context.Background()))

	var st StorageResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/v1/storage", &st))
	assert.Equal(t, StorageMemory, st.Backend)
	require.NotNil(t, st.Stats)
	assert.Equal(t, uint64(2), st.Stats.TotalEvents)
	assert.Nil(t, st.Disk)
}

func TestServer_CORS(t *testing.T) {
	srv, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/v1/events", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "http://evil.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestServer_Metrics(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/v1/events", "application/json",
		strings.NewReader(`{"site_id":"blog","event_type":"page_view","timestamp":"2025-11-15T10:00:00Z"}`))
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "tinyanalytics_events_enqueued_total")
	assert.Contains(t, string(body), `route="/v1/events"`)
}

func TestInitializeStorage(t *testing.T) {
	ctx := context.Background()

	cfg := testConfig()
	store, mon, err := InitializeStorage(ctx, cfg)
	require.NoError(t, err)
	assert.IsType(t, &memory.Storage{}, store)
	assert.Nil(t, mon)

	cfg.Storage = StorageBadger
	cfg.DataDir = filepath.Join(t.TempDir(), "data")
	cfg.MaxStorageGB = 2
	store, mon, err = InitializeStorage(ctx, cfg)
	require.NoError(t, err)
	defer store.Close()
	require.NotNil(t, mon)
	assert.Equal(t, int64(2)<<30, mon.GetLimit())
	assert.DirExists(t, cfg.DataDir)

	cfg.Storage = StoragePostgres
	cfg.PostgresDSN = ""
	_, _, err = InitializeStorage(ctx, cfg)
	assert.ErrorContains(t, err, "DATABASE_URL")

	cfg.Storage = "sqlite"
	_, _, err = InitializeStorage(ctx, cfg)
	assert.ErrorContains(t, err, "unknown storage backend")
}

func TestInitializeDeadLetter(t *testing.T) {
	cfg := testConfig()

	sink, err := InitializeDeadLetter(cfg)
	require.NoError(t, err)
	assert.IsType(t, &deadletter.LogSink{}, sink)

	cfg.DeadLetter = DeadLetterFile
	cfg.DeadLetterPath = filepath.Join(t.TempDir(), "dead.jsonl")
	sink, err = InitializeDeadLetter(cfg)
	require.NoError(t, err)
	assert.IsType(t, &deadletter.FileSink{}, sink)
	require.NoError(t, sink.Close())

	cfg.DeadLetter = DeadLetterKafka
	_, err = InitializeDeadLetter(cfg)
	assert.Error(t, err)

	cfg.DeadLetter = "s3"
	_, err = InitializeDeadLetter(cfg)
	assert.ErrorContains(t, err, "unknown dead-letter sink")
}

func TestBufferConfig(t *testing.T) {
	cfg := testConfig()
	cfg.OverflowPolicy = "drop_oldest"

	bc := BufferConfig(cfg)
	assert.Equal(t, buffer.DropOldest, bc.Policy)
	assert.Equal(t, 100, bc.Capacity)
	assert.Equal(t, 10, bc.BatchSize)
	assert.Equal(t, time.Millisecond, bc.Retry.Base)
	assert.Equal(t, 2, bc.Retry.MaxAttempts)
}

func TestNewApp_IncludePending(t *testing.T) {
	cfg := testConfig()
	cfg.IncludePending = false
	app := NewApp(cfg, memory.New(), nil, nil)

	require.NoError(t, app.Buffer.Enqueue(event.Event{SiteID: "blog", EventType: "page_view", Timestamp: time.Now()}))

	rec := httptest.NewRecorder()
	app.Stats.HandleStats(rec, httptest.NewRequest(http.MethodGet, "/v1/stats?site_id=blog", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total_views":0`)
}

func TestReportStorageStats(t *testing.T) {
	metrics.Register()

	store := memory.New()
	_, err := store.AppendBatch(context.Background(), []event.Event{
		{SiteID: "blog", EventType: "page_view", Timestamp: time.Now()},
		{SiteID: "shop", EventType: "page_view", Timestamp: time.Now()},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go ReportStorageStats(ctx, store, nil, 10*time.Millisecond, &wg)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.StoredEvents) == 2
	}, time.Second, 10*time.Millisecond)

	cancel()
	wg.Wait()
}

func TestRefreshStorageUsage(t *testing.T) {
	dir := t.TempDir()
	sm := monitor.NewStorageMonitor(dir, 1<<30)
	before, err := sm.GetUsage()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "000001.sst"), make([]byte, 64*1024), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go RefreshStorageUsage(ctx, sm, 10*time.Millisecond, &wg)

	require.Eventually(t, func() bool {
		usage, err := sm.GetUsage()
		return err == nil && usage >= before+64*1024
	}, time.Second, 10*time.Millisecond)

	cancel()
	wg.Wait()
}
