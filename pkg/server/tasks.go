package server

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/nicktill/tinyanalytics/pkg/config"
	"github.com/nicktill/tinyanalytics/pkg/metrics"
	"github.com/nicktill/tinyanalytics/pkg/server/monitor"
	"github.com/nicktill/tinyanalytics/pkg/storage"
)

// maxReportBackoff caps how long repeated failures stay quiet in the log
const maxReportBackoff = 5 * time.Minute

// ReportStorageStats periodically publishes the stored event count and warns
// when the flush path has been failing. Errors back off exponentially in the
// log so an outage does not spam it.
func ReportStorageStats(ctx context.Context, store storage.Storage, flushMonitor *monitor.FlushMonitor, interval time.Duration, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		consecutiveErrors int
		lastErrorTime     time.Time
		alerted           bool
	)

	report := func() {
		statsCtx, cancel := context.WithTimeout(ctx, config.StorageStatsTimeout)
		defer cancel()

		st, err := store.Stats(statsCtx)
		if err != nil {
			consecutiveErrors++
			now := time.Now()

			// 1s, 2s, 4s ... capped at maxReportBackoff
			backoff := min(time.Duration(1<<uint(min(consecutiveErrors-1, 8)))*time.Second, maxReportBackoff)
			if lastErrorTime.IsZero() || now.Sub(lastErrorTime) >= backoff {
				log.Printf("Failed to read storage stats (error #%d, backoff %v): %v", consecutiveErrors, backoff, err)
				lastErrorTime = now
			}
			return
		}

		if consecutiveErrors > 0 {
			log.Printf("Storage stats recovered after %d errors", consecutiveErrors)
			consecutiveErrors = 0
		}
		metrics.StoredEvents.Set(float64(st.TotalEvents))
	}

	checkFlush := func() {
		if flushMonitor == nil {
			return
		}
		healthy := flushMonitor.IsHealthy()
		if !healthy && !alerted {
			status := flushMonitor.Status()
			log.Printf("ALERT: Flushing has been failing! Consecutive errors: %d, last error: %s",
				status.ConsecutiveErrors, status.LastError)
		} else if healthy && alerted {
			log.Println("Flushing recovered")
		}
		alerted = !healthy
	}

	report()
	for {
		select {
		case <-ticker.C:
			report()
			checkFlush()
		case <-ctx.Done():
			log.Println("Stopping storage stats reporter")
			return
		}
	}
}

// RefreshStorageUsage walks the data directory on every tick so the ingest
// path only reads the cached usage.
func RefreshStorageUsage(ctx context.Context, sm *monitor.StorageMonitor, interval time.Duration, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var failing bool
	for {
		select {
		case <-ticker.C:
			_, err := sm.Refresh()
			if err != nil && !failing {
				log.Printf("Failed to measure storage usage: %v", err)
			} else if err == nil && failing {
				log.Println("Storage usage measurement recovered")
			}
			failing = err != nil
		case <-ctx.Done():
			return
		}
	}
}
