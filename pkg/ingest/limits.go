package ingest

import (
	"errors"
	"fmt"

	"github.com/nicktill/tinyanalytics/pkg/config"
)

// Request limits
const (
	MaxBodyBytes        = config.IngestMaxBodyBytes
	MaxEventsPerRequest = config.IngestMaxBatchEvents
)

var (
	// ErrTooManyEvents is returned when a batch request exceeds MaxEventsPerRequest
	ErrTooManyEvents = fmt.Errorf("too many events in request (max %d)", MaxEventsPerRequest)

	// ErrEmptyBatch is returned for a batch request with no events
	ErrEmptyBatch = errors.New("batch contains no events")

	// ErrStorageFull is returned when the data directory has reached its limit
	ErrStorageFull = errors.New("storage limit exceeded")
)

// validateBatch checks request-level limits before any event is enqueued
func validateBatch(n int) error {
	if n == 0 {
		return ErrEmptyBatch
	}
	if n > MaxEventsPerRequest {
		return fmt.Errorf("%w: got %d", ErrTooManyEvents, n)
	}
	return nil
}
