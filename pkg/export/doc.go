// Package export provides backup and restore of raw events.
//
// # Formats
//
// JSON exports carry a metadata header and the events in timestamp order.
// They can be re-imported with POST /v1/import.
//
// CSV exports write one row per event with the columns id, site_id,
// event_type, path, user_id, timestamp. Absent path and user_id are empty
// cells. CSV is export-only.
//
// # HTTP API
//
// Export endpoint: GET /v1/export
// Query parameters:
//   - site_id: site to export (required)
//   - format: "json" or "csv" (default: json)
//   - start: RFC3339 timestamp (default: 24h before end)
//   - end: RFC3339 timestamp (default: now)
//
// Example:
//
//	curl "http://localhost:8080/v1/export?site_id=blog&start=2025-11-18T00:00:00Z" \
//	  -o blog.json
//
// Import endpoint: POST /v1/import
// Content-Type: application/json
//
//	curl -X POST "http://localhost:8080/v1/import" \
//	  -H "Content-Type: application/json" \
//	  -d @blog.json
//
// Imported events are written straight to the store, bypassing the ingest
// buffer, in batches of config.ImportBatchSize. Invalid events are skipped
// and reported in ImportResult.Errors; stored ids are reassigned.
//
// # Usage Limits
//
//   - Maximum export time range: 30 days
//   - Default export window: 24 hours
//
// # Data Format
//
//	{
//	  "metadata": {
//	    "exported_at": "2025-11-19T03:00:00Z",
//	    "site_id": "blog",
//	    "start_time": "2025-11-18T03:00:00Z",
//	    "end_time": "2025-11-19T03:00:00Z",
//	    "event_count": 1,
//	    "format": "json",
//	    "version": "1.0"
//	  },
//	  "events": [
//	    {
//	      "id": "6f1c2b9e-3d4a-4c55-9a0e-2f7b8c1d4e5a",
//	      "site_id": "blog",
//	      "event_type": "page_view",
//	      "path": "/posts/hello",
//	      "user_id": "u-123",
//	      "timestamp": "2025-11-19T02:30:00Z"
//	    }
//	  ]
//	}
package export
