package export

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"time"

	"github.com/nicktill/tinyanalytics/pkg/config"
	"github.com/nicktill/tinyanalytics/pkg/httpx"
	"github.com/nicktill/tinyanalytics/pkg/storage"
	"github.com/nicktill/tinyanalytics/pkg/tracing"
)

// Handler handles export/import HTTP endpoints
type Handler struct {
	exporter *Exporter
	importer *Importer
	now      func() time.Time
}

// NewHandler creates a new export/import handler
func NewHandler(store storage.Storage) *Handler {
	return &Handler{
		exporter: NewExporter(store),
		importer: NewImporter(store),
		now:      time.Now,
	}
}

// HandleExport handles GET /v1/export
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	siteID := query.Get("site_id")
	if siteID == "" {
		httpx.RespondErrorString(w, http.StatusBadRequest, httpx.CodeInvalidRequest, "site_id is required")
		return
	}

	format := query.Get("format")
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		httpx.RespondErrorString(w, http.StatusBadRequest, httpx.CodeInvalidRequest, "format must be 'json' or 'csv'")
		return
	}

	end, err := parseTimeParam(query.Get("end"), h.now().UTC())
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, httpx.CodeInvalidDateFormat, err)
		return
	}
	start, err := parseTimeParam(query.Get("start"), end.Add(-config.DefaultExportWindow))
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, httpx.CodeInvalidDateFormat, err)
		return
	}

	if !start.Before(end) {
		httpx.RespondErrorString(w, http.StatusBadRequest, httpx.CodeInvalidRequest, "start must be before end")
		return
	}
	if end.Sub(start) > config.MaxExportWindow {
		httpx.RespondErrorString(w, http.StatusBadRequest, httpx.CodeInvalidRequest,
			fmt.Sprintf("time range too large, maximum is %v", config.MaxExportWindow))
		return
	}

	opts := ExportOptions{SiteID: siteID, Start: start, End: end, Format: format}

	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	// Query before any byte is written so a failure still gets a JSON error
	events, err := h.exporter.storage.Query(ctx, opts.filter())
	if err != nil {
		tracing.Logf(ctx, "Export failed: %v", err)
		status, code := queryStatus(err)
		httpx.RespondError(w, status, code, err)
		return
	}

	stamp := h.now().UTC().Format("20060102-150405")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=tinyanalytics-%s-%s.%s", siteID, stamp, format))

	var result *ExportResult
	if format == "json" {
		w.Header().Set("Content-Type", "application/json")
		result, err = h.exporter.writeJSON(w, opts, events)
	} else {
		w.Header().Set("Content-Type", "text/csv")
		result, err = h.exporter.writeCSV(w, opts, events)
	}
	if err != nil {
		tracing.Logf(ctx, "Export write failed: %v", err)
		return
	}

	tracing.Logf(ctx, "Exported %d events for %s (%s) from %s", result.EventsExported, siteID, format, result.TimeRange)
}

// HandleImport handles POST /v1/import
func (h *Handler) HandleImport(w http.ResponseWriter, r *http.Request) {
	if mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mediaType != "application/json" {
		httpx.RespondErrorString(w, http.StatusBadRequest, httpx.CodeInvalidRequest, "Content-Type must be application/json")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, config.ImportMaxBodyBytes)
	ctx := r.Context()

	result, err := h.importer.ImportFromJSON(ctx, r.Body)
	if err != nil {
		tracing.Logf(ctx, "Import failed: %v", err)
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			httpx.RespondError(w, http.StatusRequestEntityTooLarge, httpx.CodePayloadTooLarge, err)
		case errors.Is(err, errDecode):
			httpx.RespondError(w, http.StatusBadRequest, httpx.CodeInvalidRequest, err)
		default:
			status, code := queryStatus(err)
			httpx.RespondError(w, status, code, err)
		}
		return
	}

	if len(result.Errors) > 0 {
		tracing.Logf(ctx, "Import completed with %d validation errors", len(result.Errors))
		for i, msg := range result.Errors {
			if i == 10 {
				tracing.Logf(ctx, "   ... and %d more errors", len(result.Errors)-10)
				break
			}
			tracing.Logf(ctx, "   - %s", msg)
		}
	}

	tracing.Logf(ctx, "Imported %d events in %d batches from %s", result.EventsImported, result.BatchesWritten, result.TimeRange)
	httpx.RespondJSON(w, http.StatusOK, result)
}

// parseTimeParam parses an RFC3339 parameter or returns def when empty
func parseTimeParam(param string, def time.Time) (time.Time, error) {
	if param == "" {
		return def, nil
	}
	t, err := time.Parse(time.RFC3339, param)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q, expected RFC3339", param)
	}
	return t.UTC(), nil
}

// queryStatus maps storage errors onto HTTP status and error code
func queryStatus(err error) (int, string) {
	switch {
	case errors.Is(err, storage.ErrInvalidFilter), errors.Is(err, storage.ErrConstraintViolation):
		return http.StatusBadRequest, httpx.CodeInvalidRequest
	case errors.Is(err, storage.ErrUnavailable):
		return http.StatusServiceUnavailable, httpx.CodeUnavailable
	default:
		return http.StatusInternalServerError, httpx.CodeInternal
	}
}
