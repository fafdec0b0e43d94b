package monitor

import (
	"errors"
	"testing"
)

func TestFlushMonitor_RecordSuccess(t *testing.T) {
	fm := &FlushMonitor{}
	fm.RecordFailure(errors.New("connection refused"))
	fm.RecordSuccess()

	status := fm.Status()
	if !status.Healthy {
		t.Error("Status should be healthy after success")
	}
	if status.ConsecutiveErrors != 0 {
		t.Errorf("ConsecutiveErrors = %d, want 0", status.ConsecutiveErrors)
	}
	if status.LastError != "" {
		t.Errorf("LastError = %q, want empty", status.LastError)
	}
	if status.LastSuccess == "" {
		t.Error("LastSuccess should be set")
	}
}

func TestFlushMonitor_RecordFailure(t *testing.T) {
	fm := &FlushMonitor{}
	fm.RecordFailure(errors.New("storage unavailable"))

	status := fm.Status()
	if status.ConsecutiveErrors != 1 {
		t.Errorf("ConsecutiveErrors = %d, want 1", status.ConsecutiveErrors)
	}
	if status.LastError != "storage unavailable" {
		t.Errorf("LastError = %q, want %q", status.LastError, "storage unavailable")
	}
}

func TestFlushMonitor_IsHealthy(t *testing.T) {
	tests := []struct {
		name     string
		failures int
		want     bool
	}{
		{"idle", 0, true},
		{"one failure", 1, true},
		{"at threshold", 3, true},
		{"past threshold", 4, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fm := &FlushMonitor{}
			for i := 0; i < tt.failures; i++ {
				fm.RecordFailure(errors.New("timeout"))
			}
			if got := fm.IsHealthy(); got != tt.want {
				t.Errorf("IsHealthy() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFlushMonitor_RecordDeadLetter(t *testing.T) {
	fm := &FlushMonitor{}
	fm.RecordDeadLetter(3)
	fm.RecordDeadLetter(2)

	status := fm.Status()
	if status.DeadLettered != 5 {
		t.Errorf("DeadLettered = %d, want 5", status.DeadLettered)
	}
	if status.LastDeadLetter == "" {
		t.Error("LastDeadLetter should be set")
	}
}
