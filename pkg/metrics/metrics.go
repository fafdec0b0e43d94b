// Package metrics holds the service's Prometheus collectors.
//
// Collectors are package-level so any component can record without plumbing;
// Register exposes them on a registry once at startup.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tinyanalytics"

// Rejection reasons for EventsRejected
const (
	ReasonInvalid    = "invalid"
	ReasonBufferFull = "buffer_full"
	ReasonStorage    = "storage_limit"
)

// Flush results for FlushBatches
const (
	ResultSuccess    = "success"
	ResultFailure    = "failure"
	ResultDeadLetter = "dead_letter"
)

var (
	EventsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_enqueued_total",
		Help:      "Events accepted into the ingestion buffer",
	})

	EventsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_rejected_total",
		Help:      "Events refused at ingest, by reason",
	}, []string{"reason"})

	EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Queued events evicted by the drop-oldest policy",
	})

	EventsFlushed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_flushed_total",
		Help:      "Events persisted to the durable store",
	})

	FlushBatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "flush_batches_total",
		Help:      "Flush attempts, by result",
	}, []string{"result"})

	FlushRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "flush_retries_total",
		Help:      "Batch writes retried after a transient store failure",
	})

	EventsDeadLettered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dead_lettered_total",
		Help:      "Events handed to the dead-letter sink",
	})

	BufferOccupancy = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "buffer_occupancy",
		Help:      "Records held by the ingestion buffer, including the in-flight batch",
	})

	FlushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "flush_duration_seconds",
		Help:      "Time to persist one batch, retries included",
		Buckets:   prometheus.DefBuckets,
	})

	StatsQueryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "stats_query_duration_seconds",
		Help:      "Time to compute one stats result",
		Buckets:   prometheus.DefBuckets,
	})

	StoredEvents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "stored_events",
		Help:      "Events in the durable store as of the last stats report",
	})

	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests served",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})
)

func all() []prometheus.Collector {
	return []prometheus.Collector{
		EventsEnqueued, EventsRejected, EventsDropped, EventsFlushed,
		FlushBatches, FlushRetries, EventsDeadLettered, BufferOccupancy,
		FlushDuration, StatsQueryDuration, StoredEvents,
		HTTPRequests, HTTPRequestDuration,
	}
}

var registerOnce sync.Once

// Register adds every collector plus the Go and process collectors to
// the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		MustRegister(prometheus.DefaultRegisterer)
	})
}

// MustRegister adds the service collectors to reg.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(all()...)
	if reg != prometheus.DefaultRegisterer {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
}

// Handler serves the default registry in the Prometheus text format
func Handler() http.Handler {
	return promhttp.Handler()
}
