package stats

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/nicktill/tinyanalytics/pkg/config"
	"github.com/nicktill/tinyanalytics/pkg/httpx"
	"github.com/nicktill/tinyanalytics/pkg/tracing"
)

// Handler serves GET /v1/stats.
type Handler struct {
	engine  *Engine
	timeout time.Duration
}

// NewHandler creates a stats handler
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine, timeout: config.StatsTimeout}
}

// HandleStats handles GET /v1/stats?site_id=...&date=YYYY-MM-DD
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	q := r.URL.Query()
	result, err := h.engine.ComputeStats(ctx, q.Get("site_id"), q.Get("date"))
	if err != nil {
		status, code := errorStatus(err)
		if status >= http.StatusInternalServerError {
			tracing.Logf(ctx, "Stats query failed for site %q: %v", q.Get("site_id"), err)
		}
		httpx.RespondError(w, status, code, err)
		return
	}

	httpx.RespondJSON(w, http.StatusOK, result)
}

// errorStatus maps engine errors onto HTTP status and error code
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrMissingSiteID):
		return http.StatusNotFound, httpx.CodeNotFound
	case errors.Is(err, ErrInvalidDateFormat):
		return http.StatusBadRequest, httpx.CodeInvalidDateFormat
	default:
		return http.StatusServiceUnavailable, httpx.CodeUnavailable
	}
}
