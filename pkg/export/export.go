package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/nicktill/tinyanalytics/pkg/event"
	"github.com/nicktill/tinyanalytics/pkg/storage"
)

// FormatVersion is written into every JSON export
const FormatVersion = "1.0"

// Exporter handles exporting events to various formats
type Exporter struct {
	storage storage.Storage
}

// NewExporter creates a new exporter
func NewExporter(store storage.Storage) *Exporter {
	return &Exporter{storage: store}
}

// ExportOptions configures the export operation
type ExportOptions struct {
	SiteID string

	// Time range to export, [Start, End)
	Start time.Time
	End   time.Time

	// Format: "json" or "csv"
	Format string
}

func (o ExportOptions) filter() storage.Filter {
	return storage.Filter{SiteID: o.SiteID, Start: o.Start, End: o.End}
}

func (o ExportOptions) timeRange() string {
	return fmt.Sprintf("%s to %s", o.Start.Format(time.RFC3339), o.End.Format(time.RFC3339))
}

// ExportResult contains stats about the export
type ExportResult struct {
	EventsExported int       `json:"events_exported"`
	TimeRange      string    `json:"time_range"`
	Format         string    `json:"format"`
	ExportedAt     time.Time `json:"exported_at"`
}

// Metadata describes a JSON export
type Metadata struct {
	ExportedAt time.Time `json:"exported_at"`
	SiteID     string    `json:"site_id"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	EventCount int       `json:"event_count"`
	Format     string    `json:"format"`
	Version    string    `json:"version"`
}

// Document is the JSON export layout, also accepted by the importer
type Document struct {
	Metadata Metadata      `json:"metadata"`
	Events   []event.Event `json:"events"`
}

// csvHeader lists the CSV columns in order
var csvHeader = []string{"id", "site_id", "event_type", "path", "user_id", "timestamp"}

// ExportToJSON exports events as JSON to the given writer
func (e *Exporter) ExportToJSON(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	events, err := e.storage.Query(ctx, opts.filter())
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return e.writeJSON(w, opts, events)
}

func (e *Exporter) writeJSON(w io.Writer, opts ExportOptions, events []event.Event) (*ExportResult, error) {
	doc := Document{
		Metadata: Metadata{
			ExportedAt: time.Now().UTC(),
			SiteID:     opts.SiteID,
			StartTime:  opts.Start,
			EndTime:    opts.End,
			EventCount: len(events),
			Format:     "json",
			Version:    FormatVersion,
		},
		Events: events,
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		return nil, fmt.Errorf("failed to encode JSON: %w", err)
	}

	return &ExportResult{
		EventsExported: len(events),
		TimeRange:      opts.timeRange(),
		Format:         "json",
		ExportedAt:     doc.Metadata.ExportedAt,
	}, nil
}

// ExportToCSV exports events as CSV to the given writer
func (e *Exporter) ExportToCSV(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	events, err := e.storage.Query(ctx, opts.filter())
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return e.writeCSV(w, opts, events)
}

func (e *Exporter) writeCSV(w io.Writer, opts ExportOptions, events []event.Event) (*ExportResult, error) {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, ev := range events {
		row := []string{
			ev.ID,
			ev.SiteID,
			ev.EventType,
			event.Deref(ev.Path),
			event.Deref(ev.UserID),
			ev.Timestamp.UTC().Format(time.RFC3339Nano),
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush CSV: %w", err)
	}

	return &ExportResult{
		EventsExported: len(events),
		TimeRange:      opts.timeRange(),
		Format:         "csv",
		ExportedAt:     time.Now().UTC(),
	}, nil
}
