// Package stats computes per-site aggregates at read time.
//
// One indexed range query against the store feeds a single pass over the
// matching records, so cost follows the size of the result set rather than
// the size of the store.
package stats

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nicktill/tinyanalytics/pkg/event"
	"github.com/nicktill/tinyanalytics/pkg/metrics"
	"github.com/nicktill/tinyanalytics/pkg/storage"
	"github.com/nicktill/tinyanalytics/pkg/tracing"
)

// DateLayout is the accepted date format (calendar day, UTC)
const DateLayout = "2006-01-02"

// TopPathsLimit caps the number of entries in Result.TopPaths
const TopPathsLimit = 10

var (
	// ErrInvalidDateFormat is returned when date is not YYYY-MM-DD.
	ErrInvalidDateFormat = errors.New("invalid date format, expected YYYY-MM-DD")

	// ErrMissingSiteID is returned when no site id is given.
	ErrMissingSiteID = errors.New("site_id is required")
)

// PathCount is one entry of the top paths list.
type PathCount struct {
	Path  string `json:"path"`
	Views uint64 `json:"views"`
}

// Result is the aggregate for one site and optional date.
type Result struct {
	SiteID      string      `json:"site_id"`
	Date        *string     `json:"date"`
	TotalViews  uint64      `json:"total_views"`
	UniqueUsers uint64      `json:"unique_users"`
	TopPaths    []PathCount `json:"top_paths"`
}

// PendingSource exposes records accepted but not yet persisted.
// *buffer.Buffer implements it.
type PendingSource interface {
	Pending(f storage.Filter) []event.Event
}

// Query selects records for Compute. Zero times leave that side unbounded.
type Query struct {
	SiteID string
	Start  time.Time
	End    time.Time
}

// Engine answers stats queries. Safe for concurrent use.
type Engine struct {
	store   storage.Storage
	pending PendingSource
}

// NewEngine creates an engine over store. When pending is non-nil, queued
// records that match a query are counted as well.
func NewEngine(store storage.Storage, pending PendingSource) *Engine {
	return &Engine{store: store, pending: pending}
}

// ComputeStats aggregates one site, optionally restricted to a calendar day
// in UTC. An empty date means all time.
func (e *Engine) ComputeStats(ctx context.Context, siteID, date string) (*Result, error) {
	if siteID == "" {
		return nil, ErrMissingSiteID
	}

	q := Query{SiteID: siteID}
	var datePtr *string
	if date != "" {
		start, end, err := ParseDate(date)
		if err != nil {
			return nil, err
		}
		q.Start, q.End = start, end
		datePtr = &date
	}

	result, err := e.Compute(ctx, q)
	if err != nil {
		return nil, err
	}
	result.Date = datePtr
	return result, nil
}

// Compute aggregates one site over an explicit [Start, End) range.
func (e *Engine) Compute(ctx context.Context, q Query) (*Result, error) {
	if q.SiteID == "" {
		return nil, ErrMissingSiteID
	}

	ctx, span := tracing.Tracer().Start(ctx, "stats.compute",
		trace.WithAttributes(attribute.String("site_id", q.SiteID)))
	defer span.End()

	start := time.Now()
	defer func() {
		metrics.StatsQueryDuration.Observe(time.Since(start).Seconds())
	}()

	filter := storage.Filter{SiteID: q.SiteID, Start: q.Start, End: q.End}
	events, err := e.store.Query(ctx, filter)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store query failed")
		if !errors.Is(err, storage.ErrUnavailable) && !errors.Is(err, storage.ErrInvalidFilter) {
			err = storage.Unavailable("stats query", err)
		}
		return nil, err
	}

	// Store first, then queued records: a record leaves the queue before it
	// is written, so it can appear in at most one of the two.
	if e.pending != nil {
		events = append(events, e.pending.Pending(filter)...)
	}

	total, unique, top := Aggregate(events, TopPathsLimit)
	span.SetAttributes(attribute.Int64("stats.total_views", int64(total)))

	return &Result{
		SiteID:      q.SiteID,
		TotalViews:  total,
		UniqueUsers: unique,
		TopPaths:    top,
	}, nil
}

// ParseDate resolves YYYY-MM-DD to [00:00 UTC, next day 00:00 UTC).
func ParseDate(date string) (time.Time, time.Time, error) {
	day, err := time.Parse(DateLayout, date)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDateFormat, date)
	}
	return day, day.AddDate(0, 0, 1), nil
}

// Aggregate counts events, distinct non-null user ids, and views per
// non-null path. Top paths are sorted by views descending, then path
// ascending, and truncated to topN. The returned slice is never nil.
func Aggregate(events []event.Event, topN int) (total, uniqueUsers uint64, top []PathCount) {
	users := make(map[string]struct{})
	views := make(map[string]uint64)

	for _, e := range events {
		total++
		if e.UserID != nil {
			users[*e.UserID] = struct{}{}
		}
		if e.Path != nil {
			views[*e.Path]++
		}
	}

	top = make([]PathCount, 0, len(views))
	for path, n := range views {
		top = append(top, PathCount{Path: path, Views: n})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Views != top[j].Views {
			return top[i].Views > top[j].Views
		}
		return top[i].Path < top[j].Path
	})
	if topN >= 0 && len(top) > topN {
		top = top[:topN]
	}

	return total, uint64(len(users)), top
}
