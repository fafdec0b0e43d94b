/*
Package storage provides the pluggable durable store for tinyanalytics events.

# Storage Interface

Every backend implements the same narrow contract:

	type Storage interface {
	    Append(ctx context.Context, e event.Event) (string, error)
	    AppendBatch(ctx context.Context, events []event.Event) ([]string, error)
	    Query(ctx context.Context, f Filter) ([]event.Event, error)
	    Stats(ctx context.Context) (*Stats, error)
	    Close() error
	}

Backends:
  - memory: copy-on-write snapshots, for tests and ephemeral runs
  - badger: BadgerDB (LSM tree + Snappy compression), embedded and persistent
  - postgres: lib/pq, one table with a (site_id, timestamp) index
  - clickhouse: MergeTree ordered by (site_id, timestamp)

# Access Path

Queries always name a site and an optional half-open range [Start, End).
Each backend keeps an access path keyed on (site_id, timestamp) so the cost
of a query follows the number of matching events, not the size of the store:

	results, err := store.Query(ctx, storage.Filter{
	    SiteID: "site-abc-123",
	    Start:  day,
	    End:    day.Add(24 * time.Hour),
	})

# Batch Atomicity

AppendBatch is all-or-nothing. The ingestion buffer relies on this: a failed
batch is retried as a unit and readers never see half of it.

# Errors

  - ErrUnavailable: transient, IsRetryable returns true
  - ErrConstraintViolation: malformed record, never retried
  - ErrInvalidFilter: query without a site id

There is no delete path. Events are append-only.
*/
package storage
