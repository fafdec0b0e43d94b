package buffer

import (
	"runtime"
	"time"
)

// Policy decides what Enqueue does when the buffer is at capacity.
type Policy int

const (
	// RejectNew refuses the incoming record with ErrBufferFull
	RejectNew Policy = iota
	// DropOldest evicts the oldest queued record to admit the new one
	DropOldest
)

func (p Policy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	default:
		return "reject_new"
	}
}

// ParsePolicy accepts "reject_new" or "drop_oldest"; anything else is RejectNew.
func ParsePolicy(s string) Policy {
	if s == "drop_oldest" {
		return DropOldest
	}
	return RejectNew
}

// RetryConfig controls backoff between attempts to persist one batch.
// Delay before attempt n+1 is Base*2^(n-1), capped at Max, with ±Jitter.
type RetryConfig struct {
	Base        time.Duration
	Max         time.Duration
	Jitter      float64
	MaxAttempts int
}

// Config holds buffer configuration
type Config struct {
	// Capacity bounds queued plus in-flight records
	Capacity int

	// Shards is the number of independently locked queues
	Shards int

	// BatchSize caps records per store call
	BatchSize int

	// FlushEvery is the flush loop period
	FlushEvery time.Duration

	// HighWaterMark is the occupancy fraction that wakes the flusher early
	HighWaterMark float64

	Policy Policy
	Retry  RetryConfig

	// FlushTimeout bounds one AppendBatch call
	FlushTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:      10000,
		Shards:        runtime.GOMAXPROCS(0),
		BatchSize:     500,
		FlushEvery:    time.Second,
		HighWaterMark: 0.75,
		Policy:        RejectNew,
		Retry: RetryConfig{
			Base:        100 * time.Millisecond,
			Max:         5 * time.Second,
			Jitter:      0.2,
			MaxAttempts: 5,
		},
		FlushTimeout: 5 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultConfig
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Capacity <= 0 {
		c.Capacity = d.Capacity
	}
	if c.Shards <= 0 {
		c.Shards = d.Shards
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.FlushEvery <= 0 {
		c.FlushEvery = d.FlushEvery
	}
	if c.HighWaterMark <= 0 || c.HighWaterMark > 1 {
		c.HighWaterMark = d.HighWaterMark
	}
	if c.Retry.Base <= 0 {
		c.Retry.Base = d.Retry.Base
	}
	if c.Retry.Max <= 0 {
		c.Retry.Max = d.Retry.Max
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		c.Retry.Jitter = d.Retry.Jitter
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = d.Retry.MaxAttempts
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = d.FlushTimeout
	}
	return c
}
