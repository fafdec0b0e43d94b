package stats

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyanalytics/pkg/httpx"
	"github.com/nicktill/tinyanalytics/pkg/storage"
)

func serveStats(t *testing.T, h *Handler, query string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.HandleStats(rec, httptest.NewRequest(http.MethodGet, "/v1/stats"+query, nil))
	return rec
}

func TestHandleStats_OK(t *testing.T) {
	store := newCountingStore()
	seed(t, store,
		view("site-1", "/a", "u1", base),
		view("site-1", "/a", "u2", base.Add(time.Minute)),
		view("site-1", "/b", "u1", base.Add(2*time.Minute)),
	)
	h := NewHandler(NewEngine(store, nil))

	rec := serveStats(t, h, "?site_id=site-1&date=2025-11-15")
	require.Equal(t, http.StatusOK, rec.Code)

	var result Result
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
	assert.Equal(t, "site-1", result.SiteID)
	require.NotNil(t, result.Date)
	assert.Equal(t, "2025-11-15", *result.Date)
	assert.Equal(t, uint64(3), result.TotalViews)
	assert.Equal(t, uint64(2), result.UniqueUsers)
	assert.Equal(t, []PathCount{{"/a", 2}, {"/b", 1}}, result.TopPaths)
}

func TestHandleStats_EmptyTopPathsIsArray(t *testing.T) {
	h := NewHandler(NewEngine(newCountingStore(), nil))

	rec := serveStats(t, h, "?site_id=unknown")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"top_paths":[]`)
	assert.Contains(t, rec.Body.String(), `"date":null`)
}

func TestHandleStats_Errors(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		storeErr error
		wantCode int
		wantErr  string
	}{
		{"missing site", "", nil, http.StatusNotFound, httpx.CodeNotFound},
		{"bad date", "?site_id=site-x&date=not-a-date", nil, http.StatusBadRequest, httpx.CodeInvalidDateFormat},
		{"store down", "?site_id=site-1", storage.Unavailable("query", errors.New("timeout")), http.StatusServiceUnavailable, httpx.CodeUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newCountingStore()
			store.err = tt.storeErr
			rec := serveStats(t, NewHandler(NewEngine(store, nil)), tt.query)

			require.Equal(t, tt.wantCode, rec.Code)
			var body httpx.ErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.wantErr, body.Code)
			assert.NotEmpty(t, body.Message)
		})
	}
}
