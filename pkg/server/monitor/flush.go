package monitor

import (
	"sync"
	"time"
)

// maxConsecutiveFailures is how many failed store calls in a row flip the
// monitor to unhealthy
const maxConsecutiveFailures = 3

// FlushMonitor tracks the health of the buffer's flush path.
type FlushMonitor struct {
	mu                sync.RWMutex
	lastSuccess       time.Time
	lastAttempt       time.Time
	consecutiveErrors int
	lastError         string
	deadLettered      uint64
	lastDeadLetter    time.Time
}

// RecordSuccess records a committed batch.
func (fm *FlushMonitor) RecordSuccess() {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	now := time.Now()
	fm.lastSuccess = now
	fm.lastAttempt = now
	fm.consecutiveErrors = 0
	fm.lastError = ""
}

// RecordFailure records a failed store call.
func (fm *FlushMonitor) RecordFailure(err error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.lastAttempt = time.Now()
	fm.consecutiveErrors++
	if err != nil {
		fm.lastError = err.Error()
	}
}

// RecordDeadLetter records n events handed to the dead-letter sink.
func (fm *FlushMonitor) RecordDeadLetter(n int) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.deadLettered += uint64(n)
	fm.lastDeadLetter = time.Now()
}

// IsHealthy returns false after more than 3 consecutive failures.
// A buffer that has not flushed yet is healthy.
func (fm *FlushMonitor) IsHealthy() bool {
	fm.mu.RLock()
	defer fm.mu.RUnlock()
	return fm.healthyLocked()
}

func (fm *FlushMonitor) healthyLocked() bool {
	return fm.consecutiveErrors <= maxConsecutiveFailures
}

// FlushStatus is the JSON health view of the flush path.
type FlushStatus struct {
	Healthy           bool   `json:"healthy"`
	LastSuccess       string `json:"last_success,omitempty"`
	TimeSinceSuccess  string `json:"time_since_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
	DeadLettered      uint64 `json:"dead_lettered,omitempty"`
	LastDeadLetter    string `json:"last_dead_letter,omitempty"`
}

// Status returns current flush status for health checks.
func (fm *FlushMonitor) Status() FlushStatus {
	fm.mu.RLock()
	defer fm.mu.RUnlock()

	status := FlushStatus{
		Healthy:      fm.healthyLocked(),
		DeadLettered: fm.deadLettered,
	}

	if !fm.lastSuccess.IsZero() {
		status.LastSuccess = fm.lastSuccess.Format(time.RFC3339)
		status.TimeSinceSuccess = time.Since(fm.lastSuccess).Round(time.Millisecond).String()
	}
	if !fm.lastAttempt.IsZero() {
		status.LastAttempt = fm.lastAttempt.Format(time.RFC3339)
	}
	if fm.consecutiveErrors > 0 {
		status.ConsecutiveErrors = fm.consecutiveErrors
		status.LastError = fm.lastError
	}
	if !fm.lastDeadLetter.IsZero() {
		status.LastDeadLetter = fm.lastDeadLetter.Format(time.RFC3339)
	}

	return status
}
