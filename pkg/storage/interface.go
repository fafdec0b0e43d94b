package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nicktill/tinyanalytics/pkg/event"
)

// Storage defines the interface for durable event backends.
// Implementations: memory (testing), badger (embedded), postgres, clickhouse
type Storage interface {
	// Append persists one event and returns its assigned id
	Append(ctx context.Context, e event.Event) (string, error)

	// AppendBatch persists events atomically: either every record becomes
	// visible to Query or none does. Ids are returned in input order.
	AppendBatch(ctx context.Context, events []event.Event) ([]string, error)

	// Query returns events for one site within [Start, End), oldest first
	Query(ctx context.Context, f Filter) ([]event.Event, error)

	// Stats returns storage statistics
	Stats(ctx context.Context) (*Stats, error)

	// Close cleanly shuts down the storage
	Close() error
}

// Filter selects events for a single site in a half-open time range.
type Filter struct {
	// Site to match (required)
	SiteID string

	// Time range [Start, End). Zero values leave that side unbounded.
	Start time.Time
	End   time.Time

	// Limit number of results (0 = no limit)
	Limit int
}

// Validate checks that the filter can be served by an indexed lookup.
func (f Filter) Validate() error {
	if f.SiteID == "" {
		return ErrInvalidFilter
	}
	if !f.Start.IsZero() && !f.End.IsZero() && f.End.Before(f.Start) {
		return fmt.Errorf("%w: end %s is before start %s", ErrInvalidFilter, f.End.Format(time.RFC3339), f.Start.Format(time.RFC3339))
	}
	return nil
}

// Matches reports whether e satisfies the site and time range of the filter.
func (f Filter) Matches(e event.Event) bool {
	if e.SiteID != f.SiteID {
		return false
	}
	if !f.Start.IsZero() && e.Timestamp.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && !e.Timestamp.Before(f.End) {
		return false
	}
	return true
}

// Stats provides storage health and usage info
type Stats struct {
	// Total events stored
	TotalEvents uint64 `json:"total_events"`

	// Distinct site ids
	TotalSites uint64 `json:"total_sites"`

	// Storage size in bytes (best effort, 0 if unknown)
	SizeBytes uint64 `json:"size_bytes"`

	// Oldest and newest event timestamps
	OldestEvent time.Time `json:"oldest_event,omitempty"`
	NewestEvent time.Time `json:"newest_event,omitempty"`
}

var (
	// ErrUnavailable marks transient backend failures. Callers may retry.
	ErrUnavailable = errors.New("storage unavailable")

	// ErrConstraintViolation marks records the backend refuses. Not retryable.
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrInvalidFilter is returned for a query without a site id or with an inverted range.
	ErrInvalidFilter = errors.New("invalid filter: site_id is required")
)

// IsRetryable reports whether err is a transient storage failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// ValidateBatch checks every record before a backend touches it, so a
// malformed record fails the whole batch with ErrConstraintViolation.
func ValidateBatch(events []event.Event) error {
	for i, e := range events {
		if err := event.Validate(e); err != nil {
			return fmt.Errorf("%w: record %d: %v", ErrConstraintViolation, i, err)
		}
	}
	return nil
}

// Unavailable wraps err as a retryable storage failure.
// Context cancellation is kept visible through errors.Is as well.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
