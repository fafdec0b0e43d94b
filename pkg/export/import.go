package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/nicktill/tinyanalytics/pkg/config"
	"github.com/nicktill/tinyanalytics/pkg/event"
	"github.com/nicktill/tinyanalytics/pkg/storage"
)

// errDecode marks a body that is not an export document
var errDecode = errors.New("failed to decode JSON")

// Importer handles importing events from export documents
type Importer struct {
	storage   storage.Storage
	batchSize int
}

// NewImporter creates a new importer
func NewImporter(store storage.Storage) *Importer {
	return &Importer{storage: store, batchSize: config.ImportBatchSize}
}

// ImportResult contains stats about the import operation
type ImportResult struct {
	EventsImported int       `json:"events_imported"`
	BatchesWritten int       `json:"batches_written"`
	TimeRange      string    `json:"time_range"`
	ImportedAt     time.Time `json:"imported_at"`
	Errors         []string  `json:"errors,omitempty"`
}

// ImportFromJSON validates the events of an export document and writes the
// valid ones to the store. A failed batch aborts the import; batches written
// before it stay committed and are counted in the returned error message.
func (im *Importer) ImportFromJSON(ctx context.Context, r io.Reader) (*ImportResult, error) {
	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %w", errDecode, err)
	}

	if len(doc.Events) == 0 {
		return &ImportResult{TimeRange: "empty", ImportedAt: time.Now().UTC()}, nil
	}

	var validationErrors []string
	valid := make([]event.Event, 0, len(doc.Events))
	for i, e := range doc.Events {
		if err := event.Validate(e); err != nil {
			validationErrors = append(validationErrors, fmt.Sprintf("event %d: %v", i, err))
			continue
		}
		e.ID = ""
		valid = append(valid, e)
	}

	batchCount := 0
	for i := 0; i < len(valid); i += im.batchSize {
		end := min(i+im.batchSize, len(valid))
		if _, err := im.storage.AppendBatch(ctx, valid[i:end]); err != nil {
			return nil, fmt.Errorf("failed to write batch %d (%d events already imported): %w", batchCount, i, err)
		}
		batchCount++
	}

	timeRange := "empty"
	if len(valid) > 0 {
		oldest, newest := valid[0].Timestamp, valid[0].Timestamp
		for _, e := range valid[1:] {
			if e.Timestamp.Before(oldest) {
				oldest = e.Timestamp
			}
			if e.Timestamp.After(newest) {
				newest = e.Timestamp
			}
		}
		timeRange = fmt.Sprintf("%s to %s", oldest.Format(time.RFC3339), newest.Format(time.RFC3339))
	}

	return &ImportResult{
		EventsImported: len(valid),
		BatchesWritten: batchCount,
		TimeRange:      timeRange,
		ImportedAt:     time.Now().UTC(),
		Errors:         validationErrors,
	}, nil
}
