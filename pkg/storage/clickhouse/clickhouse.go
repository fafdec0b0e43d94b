package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"

	"github.com/nicktill/tinyanalytics/pkg/event"
	"github.com/nicktill/tinyanalytics/pkg/storage"
)

// The MergeTree sorting key doubles as the primary index, so range scans
// for one site read only the granules that can match.
const schema = `
CREATE TABLE IF NOT EXISTS events (
	id         UUID,
	site_id    String,
	event_type LowCardinality(String),
	path       Nullable(String),
	user_id    Nullable(String),
	timestamp  DateTime64(6, 'UTC')
) ENGINE = MergeTree
ORDER BY (site_id, timestamp)
`

// Range of DateTime64(6). Records outside it are refused before the insert.
var (
	minTimestamp = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)
	maxTimestamp = time.Date(2299, 12, 31, 23, 59, 59, 999999000, time.UTC)
)

// Exception codes that mean the data itself was rejected
var constraintCodes = map[int32]bool{
	6:   true, // CANNOT_PARSE_TEXT
	27:  true, // CANNOT_PARSE_INPUT_ASSERTION_FAILED
	41:  true, // CANNOT_PARSE_DATETIME
	53:  true, // TYPE_MISMATCH
	70:  true, // CANNOT_CONVERT_TYPE
	349: true, // CANNOT_INSERT_NULL_IN_ORDINARY_COLUMN
}

// Storage implements storage.Storage on ClickHouse over the native protocol.
type Storage struct {
	conn driver.Conn
}

// Config holds connection settings.
type Config struct {
	Addr     []string
	Database string
	Username string
	Password string

	DialTimeout time.Duration
}

// New connects, pings and applies the schema.
func New(ctx context.Context, cfg Config) (*Storage, error) {
	dialTimeout := cfg.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 5 * time.Second
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.Addr,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		ClientInfo: clickhouse.ClientInfo{
			Products: []struct {
				Name    string
				Version string
			}{{Name: "tinyanalytics", Version: "1.0.0"}},
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	if err := conn.Exec(ctx, schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	log.Printf("Successfully connected to ClickHouse at %s", strings.Join(cfg.Addr, ","))
	return &Storage{conn: conn}, nil
}

// Append stores a single event
func (s *Storage) Append(ctx context.Context, e event.Event) (string, error) {
	ids, err := s.AppendBatch(ctx, []event.Event{e})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// AppendBatch sends the events as a single insert block, which ClickHouse
// writes as one part.
func (s *Storage) AppendBatch(ctx context.Context, events []event.Event) ([]string, error) {
	if len(events) == 0 {
		return nil, nil
	}
	if err := storage.ValidateBatch(events); err != nil {
		return nil, err
	}
	if err := checkRange(events); err != nil {
		return nil, err
	}

	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO events (id, site_id, event_type, path, user_id, timestamp)")
	if err != nil {
		return nil, classify("prepare batch", err)
	}

	ids := make([]string, len(events))
	for i, e := range events {
		e = event.Normalize(e)
		id := uuid.New()
		if err := batch.Append(id, e.SiteID, e.EventType, e.Path, e.UserID, e.Timestamp); err != nil {
			batch.Abort()
			return nil, fmt.Errorf("%w: record %d: %v", storage.ErrConstraintViolation, i, err)
		}
		ids[i] = id.String()
	}

	if err := batch.Send(); err != nil {
		return nil, classify("send batch", err)
	}
	return ids, nil
}

// checkRange refuses timestamps the column type cannot hold
func checkRange(events []event.Event) error {
	for i, e := range events {
		ts := e.Timestamp.UTC()
		if ts.Before(minTimestamp) || ts.After(maxTimestamp) {
			return fmt.Errorf("%w: record %d: timestamp %s outside %d-%d",
				storage.ErrConstraintViolation, i, ts.Format(time.RFC3339), minTimestamp.Year(), maxTimestamp.Year())
		}
	}
	return nil
}

// Query reads one site's range in timestamp order
func (s *Storage) Query(ctx context.Context, f storage.Filter) ([]event.Event, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	query, args := buildQuery(f)
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, classify("query", err)
	}
	defer rows.Close()

	results := []event.Event{}
	for rows.Next() {
		var (
			id           uuid.UUID
			path, userID *string
			e            event.Event
		)
		if err := rows.Scan(&id, &e.SiteID, &e.EventType, &path, &userID, &e.Timestamp); err != nil {
			return nil, classify("scan", err)
		}
		e.ID = id.String()
		e.Path = path
		e.UserID = userID
		e.Timestamp = e.Timestamp.UTC()
		results = append(results, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate rows", err)
	}
	return results, nil
}

// buildQuery renders the filter with positional parameters
func buildQuery(f storage.Filter) (string, []any) {
	var b strings.Builder
	b.WriteString("SELECT id, site_id, event_type, path, user_id, timestamp FROM events WHERE site_id = ?")
	args := []any{f.SiteID}

	if !f.Start.IsZero() {
		b.WriteString(" AND timestamp >= ?")
		args = append(args, f.Start.UTC())
	}
	if !f.End.IsZero() {
		b.WriteString(" AND timestamp < ?")
		args = append(args, f.End.UTC())
	}
	b.WriteString(" ORDER BY timestamp, id")
	if f.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", f.Limit)
	}
	return b.String(), args
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	var (
		stats          storage.Stats
		oldest, newest time.Time
	)

	row := s.conn.QueryRow(ctx, "SELECT count(), uniqExact(site_id), min(timestamp), max(timestamp) FROM events")
	if err := row.Scan(&stats.TotalEvents, &stats.TotalSites, &oldest, &newest); err != nil {
		return nil, classify("stats", err)
	}
	if stats.TotalEvents > 0 {
		stats.OldestEvent = oldest.UTC()
		stats.NewestEvent = newest.UTC()
	}

	var size uint64
	sizeRow := s.conn.QueryRow(ctx, "SELECT sum(bytes_on_disk) FROM system.parts WHERE active AND database = currentDatabase() AND table = 'events'")
	if err := sizeRow.Scan(&size); err == nil {
		stats.SizeBytes = size
	}
	return &stats, nil
}

// Close closes the connection
func (s *Storage) Close() error {
	return s.conn.Close()
}

// classify maps driver errors onto the storage taxonomy
func classify(op string, err error) error {
	var ex *clickhouse.Exception
	if errors.As(err, &ex) && constraintCodes[ex.Code] {
		return fmt.Errorf("%s: %w: %s", op, storage.ErrConstraintViolation, ex.Message)
	}
	return storage.Unavailable(op, err)
}
