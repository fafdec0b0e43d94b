package event

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Validation limits
const (
	MaxSiteIDLength    = 256  // Maximum site_id length
	MaxEventTypeLength = 256  // Maximum event_type length
	MaxPathLength      = 2048 // Maximum path length
	MaxUserIDLength    = 2048 // Maximum user_id length
)

// ErrInvalidRecord is the class of every validation failure. Callers match it
// with errors.Is; the wrapped message names the offending field.
var ErrInvalidRecord = errors.New("invalid record")

var (
	ErrSiteIDEmpty      = fmt.Errorf("%w: site_id cannot be empty", ErrInvalidRecord)
	ErrEventTypeEmpty   = fmt.Errorf("%w: event_type cannot be empty", ErrInvalidRecord)
	ErrTimestampMissing = fmt.Errorf("%w: timestamp is required", ErrInvalidRecord)
)

// Event is a single ingested behavioral event (page view, click, ...).
// Records are immutable once accepted: ID is empty until the store persists
// the record and nothing changes after that.
type Event struct {
	ID        string    `json:"id,omitempty"`
	SiteID    string    `json:"site_id"`
	EventType string    `json:"event_type"`
	Path      *string   `json:"path,omitempty"`
	UserID    *string   `json:"user_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks required fields, length limits, and that every string is
// valid UTF-8 without NUL bytes, which the SQL backends refuse.
func Validate(e Event) error {
	if e.SiteID == "" {
		return ErrSiteIDEmpty
	}
	if len(e.SiteID) > MaxSiteIDLength {
		return fmt.Errorf("%w: site_id has %d chars (max %d)", ErrInvalidRecord, len(e.SiteID), MaxSiteIDLength)
	}
	if e.EventType == "" {
		return ErrEventTypeEmpty
	}
	if len(e.EventType) > MaxEventTypeLength {
		return fmt.Errorf("%w: event_type has %d chars (max %d)", ErrInvalidRecord, len(e.EventType), MaxEventTypeLength)
	}
	if e.Timestamp.IsZero() {
		return ErrTimestampMissing
	}
	if e.Path != nil && len(*e.Path) > MaxPathLength {
		return fmt.Errorf("%w: path has %d chars (max %d)", ErrInvalidRecord, len(*e.Path), MaxPathLength)
	}
	if e.UserID != nil && len(*e.UserID) > MaxUserIDLength {
		return fmt.Errorf("%w: user_id has %d chars (max %d)", ErrInvalidRecord, len(*e.UserID), MaxUserIDLength)
	}

	for _, f := range []struct {
		name  string
		value string
	}{
		{"site_id", e.SiteID},
		{"event_type", e.EventType},
		{"path", Deref(e.Path)},
		{"user_id", Deref(e.UserID)},
	} {
		if err := checkText(f.name, f.value); err != nil {
			return err
		}
	}
	return nil
}

func checkText(field, s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w: %s is not valid UTF-8", ErrInvalidRecord, field)
	}
	if strings.IndexByte(s, 0) >= 0 {
		return fmt.Errorf("%w: %s contains a NUL byte", ErrInvalidRecord, field)
	}
	return nil
}

// Normalize returns a copy with the timestamp in UTC and empty optional
// fields collapsed to nil, so "" and absent mean the same thing everywhere.
func Normalize(e Event) Event {
	e.Timestamp = e.Timestamp.UTC()
	if e.Path != nil && *e.Path == "" {
		e.Path = nil
	}
	if e.UserID != nil && *e.UserID == "" {
		e.UserID = nil
	}
	return e
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the pointed-to string or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
