package server

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/nicktill/tinyanalytics/pkg/buffer"
	"github.com/nicktill/tinyanalytics/pkg/config"
	"github.com/nicktill/tinyanalytics/pkg/httpx"
	"github.com/nicktill/tinyanalytics/pkg/metrics"
	"github.com/nicktill/tinyanalytics/pkg/server/monitor"
	"github.com/nicktill/tinyanalytics/pkg/storage"
	"github.com/nicktill/tinyanalytics/pkg/tracing"
)

// Version is reported by the health endpoint
const Version = "1.0.0"

var startTime = time.Now()

// StorageUsage represents current disk usage against the configured limit.
type StorageUsage struct {
	UsedBytes int64 `json:"used_bytes"`
	MaxBytes  int64 `json:"max_bytes"`
}

// StorageResponse is the body of GET /v1/storage.
type StorageResponse struct {
	Backend string         `json:"backend"`
	Stats   *storage.Stats `json:"stats"`
	Disk    *StorageUsage  `json:"disk,omitempty"`
}

// BufferResponse is the body of GET /v1/buffer.
type BufferResponse struct {
	Policy string              `json:"policy"`
	Stats  buffer.Stats        `json:"stats"`
	Flush  monitor.FlushStatus `json:"flush"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string              `json:"status"`
	Version string              `json:"version"`
	Uptime  string              `json:"uptime"`
	Storage string              `json:"storage"`
	Flush   monitor.FlushStatus `json:"flush"`
}

// handleHealth reports degraded once flushing keeps failing.
func handleHealth(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		overallStatus := "healthy"
		statusCode := http.StatusOK

		if !app.FlushMonitor.IsHealthy() {
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}

		httpx.RespondJSON(w, statusCode, HealthResponse{
			Status:  overallStatus,
			Version: Version,
			Uptime:  time.Since(startTime).Round(time.Second).String(),
			Storage: app.Backend,
			Flush:   app.FlushMonitor.Status(),
		})
	}
}

// handleBuffer returns buffer occupancy, counters and flush health.
func handleBuffer(app *App, policy buffer.Policy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpx.RespondJSON(w, http.StatusOK, BufferResponse{
			Policy: policy.String(),
			Stats:  app.Buffer.Stats(),
			Flush:  app.FlushMonitor.Status(),
		})
	}
}

// handleStorage returns store statistics, plus disk usage when monitored.
func handleStorage(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), config.StorageStatsTimeout)
		defer cancel()

		st, err := app.Store.Stats(ctx)
		if err != nil {
			tracing.Logf(ctx, "Storage stats failed: %v", err)
			httpx.RespondError(w, http.StatusServiceUnavailable, httpx.CodeUnavailable, err)
			return
		}

		resp := StorageResponse{Backend: app.Backend, Stats: st}
		if app.StorageMonitor != nil {
			usedBytes, err := app.StorageMonitor.GetUsage()
			if err != nil {
				httpx.RespondError(w, http.StatusInternalServerError, httpx.CodeInternal, err)
				return
			}
			resp.Disk = &StorageUsage{UsedBytes: usedBytes, MaxBytes: app.StorageMonitor.GetLimit()}
		}

		httpx.RespondJSON(w, http.StatusOK, resp)
	}
}

// handleRoot lists the public endpoints.
func handleRoot(w http.ResponseWriter, r *http.Request) {
	httpx.RespondJSON(w, http.StatusOK, map[string]any{
		"status":  "running",
		"message": "tinyanalytics is operational",
		"endpoints": map[string]string{
			"ingestion": "/v1/events (POST)",
			"batch":     "/v1/events/batch (POST)",
			"reporting": "/v1/stats (GET)",
			"export":    "/v1/export (GET)",
			"import":    "/v1/import (POST)",
			"buffer":    "/v1/buffer (GET)",
			"storage":   "/v1/storage (GET)",
			"health":    "/v1/health (GET)",
			"metrics":   "/metrics (GET)",
		},
	})
}

// SetupRoutes configures all HTTP routes for the server.
func SetupRoutes(router *mux.Router, app *App, cfg config.Config) {
	router.Use(httpx.Middleware, tracing.HTTPMiddleware)

	api := router.PathPrefix("/v1").Subrouter()

	// Ingestion
	api.HandleFunc("/events", app.Ingest.HandleEvent).Methods("POST")
	api.HandleFunc("/events/batch", app.Ingest.HandleBatch).Methods("POST")

	// Reporting
	api.HandleFunc("/stats", app.Stats.HandleStats).Methods("GET")

	// Export/import
	api.HandleFunc("/export", app.Export.HandleExport).Methods("GET")
	api.HandleFunc("/import", app.Export.HandleImport).Methods("POST")

	// Introspection
	api.HandleFunc("/buffer", handleBuffer(app, buffer.ParsePolicy(cfg.OverflowPolicy))).Methods("GET")
	api.HandleFunc("/storage", handleStorage(app)).Methods("GET")
	api.HandleFunc("/health", handleHealth(app)).Methods("GET")

	// Unversioned routes kept for existing trackers
	router.HandleFunc("/event", app.Ingest.HandleEvent).Methods("POST")
	router.HandleFunc("/stats", app.Stats.HandleStats).Methods("GET")

	router.Handle("/metrics", metrics.Handler()).Methods("GET")
	router.HandleFunc("/", handleRoot).Methods("GET")
}

// NewHandler builds the router and wraps it with CORS, panic recovery and
// access logging.
func NewHandler(app *App, cfg config.Config, accessLog io.Writer) http.Handler {
	router := mux.NewRouter()
	SetupRoutes(router, app, cfg)

	var h http.Handler = router
	h = handlers.CORS(
		handlers.AllowedOrigins(allowedOrigins(cfg.Port)),
		handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization", "Traceparent", "Tracestate"}),
		handlers.AllowCredentials(),
	)(h)
	h = handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(h)
	if accessLog != nil {
		h = handlers.CombinedLoggingHandler(accessLog, h)
	}
	return h
}

// allowedOrigins restricts cross-origin access to local development hosts.
func allowedOrigins(port string) []string {
	return []string{
		"http://localhost:" + port,
		"http://127.0.0.1:" + port,
		"http://localhost:3000",
		"http://127.0.0.1:3000",
	}
}
