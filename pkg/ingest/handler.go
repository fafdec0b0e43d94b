// Package ingest serves the event ingestion endpoints.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/nicktill/tinyanalytics/pkg/buffer"
	"github.com/nicktill/tinyanalytics/pkg/config"
	"github.com/nicktill/tinyanalytics/pkg/event"
	"github.com/nicktill/tinyanalytics/pkg/httpx"
	"github.com/nicktill/tinyanalytics/pkg/metrics"
	"github.com/nicktill/tinyanalytics/pkg/tracing"
)

// Enqueuer accepts events for asynchronous persistence. *buffer.Buffer
// implements it.
type Enqueuer interface {
	Enqueue(e event.Event) error
}

// StorageChecker reports whether the durable store has run out of room.
// *monitor.StorageMonitor implements it.
type StorageChecker interface {
	Exceeded() (bool, int64)
	GetLimit() int64
}

// Handler handles event ingestion
type Handler struct {
	buffer         Enqueuer
	storageChecker StorageChecker
}

// NewHandler creates a new ingest handler
func NewHandler(buf Enqueuer) *Handler {
	return &Handler{buffer: buf}
}

// SetStorageChecker enables the disk limit check
func (h *Handler) SetStorageChecker(sc StorageChecker) {
	h.storageChecker = sc
}

// EventResponse is returned for an accepted event
type EventResponse struct {
	Status string `json:"status"`
}

// BatchRequest is the body of POST /v1/events/batch
type BatchRequest struct {
	Events []event.Event `json:"events"`
}

// BatchError describes one rejected event of a batch
type BatchError struct {
	Index   int    `json:"index"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// BatchResponse reports per-event outcomes of a batch
type BatchResponse struct {
	Status   string       `json:"status"`
	Accepted int          `json:"accepted"`
	Rejected int          `json:"rejected"`
	Errors   []BatchError `json:"errors,omitempty"`
}

// HandleEvent handles POST /v1/events. The event is queued, not yet
// persisted, when 202 is returned.
func (h *Handler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	if h.rejectIfStorageFull(w, 1) {
		return
	}

	var e event.Event
	if !decodeBody(w, r, &e) {
		return
	}

	if err := h.buffer.Enqueue(e); err != nil {
		status, code := enqueueStatus(err)
		if status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", strconv.Itoa(config.RetryAfterSeconds))
		}
		httpx.RespondError(w, status, code, err)
		return
	}

	httpx.RespondJSON(w, http.StatusAccepted, EventResponse{Status: "accepted"})
}

// HandleBatch handles POST /v1/events/batch. Events are enqueued
// independently; the response lists the ones that were refused.
func (h *Handler) HandleBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := validateBatch(len(req.Events)); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, httpx.CodeInvalidRequest, err)
		return
	}
	if h.rejectIfStorageFull(w, len(req.Events)) {
		return
	}

	resp := BatchResponse{}
	bufferFull := false
	for i, e := range req.Events {
		err := h.buffer.Enqueue(e)
		if err == nil {
			resp.Accepted++
			continue
		}
		_, code := enqueueStatus(err)
		if errors.Is(err, buffer.ErrBufferFull) {
			bufferFull = true
		}
		resp.Rejected++
		resp.Errors = append(resp.Errors, BatchError{Index: i, Code: code, Message: err.Error()})
	}

	switch {
	case resp.Rejected == 0:
		resp.Status = "accepted"
	case resp.Accepted == 0:
		resp.Status = "rejected"
	default:
		resp.Status = "partial"
	}

	status := http.StatusAccepted
	if resp.Accepted == 0 && bufferFull {
		w.Header().Set("Retry-After", strconv.Itoa(config.RetryAfterSeconds))
		status = http.StatusTooManyRequests
	}
	if resp.Rejected > 0 {
		tracing.Logf(r.Context(), "Batch ingest: %d accepted, %d rejected", resp.Accepted, resp.Rejected)
	}
	httpx.RespondJSON(w, status, resp)
}

// rejectIfStorageFull answers 507 when the disk limit has been reached
func (h *Handler) rejectIfStorageFull(w http.ResponseWriter, n int) bool {
	if h.storageChecker == nil {
		return false
	}
	exceeded, usage := h.storageChecker.Exceeded()
	if !exceeded {
		return false
	}
	metrics.EventsRejected.WithLabelValues(metrics.ReasonStorage).Add(float64(n))
	httpx.RespondError(w, http.StatusInsufficientStorage, httpx.CodeStorageFull,
		fmt.Errorf("%w: using %d of %d bytes", ErrStorageFull, usage, h.storageChecker.GetLimit()))
	return true
}

// decodeBody reads a size-limited JSON body into v and writes the error
// response itself on failure
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.RespondError(w, http.StatusRequestEntityTooLarge, httpx.CodePayloadTooLarge,
				fmt.Errorf("request body exceeds %d bytes", MaxBodyBytes))
			return false
		}
		httpx.RespondError(w, http.StatusBadRequest, httpx.CodeInvalidRequest, fmt.Errorf("invalid JSON: %w", err))
		return false
	}
	return true
}

// enqueueStatus maps Enqueue errors onto HTTP status and error code
func enqueueStatus(err error) (int, string) {
	switch {
	case errors.Is(err, event.ErrInvalidRecord):
		return http.StatusBadRequest, httpx.CodeInvalidRecord
	case errors.Is(err, buffer.ErrBufferFull):
		return http.StatusTooManyRequests, httpx.CodeBufferFull
	case errors.Is(err, buffer.ErrClosed):
		return http.StatusServiceUnavailable, httpx.CodeUnavailable
	default:
		return http.StatusInternalServerError, httpx.CodeInternal
	}
}
