package monitor

import (
	"io/fs"
	"path/filepath"
	"sync"
)

// StorageMonitor reports disk usage of an embedded store's data directory
// against a configured limit. Readers only see the cached value; Refresh
// walks the directory and is meant to run from a background ticker.
type StorageMonitor struct {
	dataDir  string
	maxBytes int64

	// walkMu serializes walks; mu guards the cached result only
	walkMu sync.Mutex

	mu        sync.RWMutex
	usage     int64
	err       error
	refreshed bool
}

// NewStorageMonitor creates a monitor for dataDir. maxBytes <= 0 disables the limit.
func NewStorageMonitor(dataDir string, maxBytes int64) *StorageMonitor {
	return &StorageMonitor{
		dataDir:  dataDir,
		maxBytes: maxBytes,
	}
}

// Refresh walks the data directory and caches the result. A failed walk
// keeps the previous usage and records the error.
func (sm *StorageMonitor) Refresh() (int64, error) {
	sm.walkMu.Lock()
	defer sm.walkMu.Unlock()

	usage, err := dirUsage(sm.dataDir)

	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.refreshed = true
	sm.err = err
	if err != nil {
		return sm.usage, err
	}
	sm.usage = usage
	return usage, nil
}

// GetUsage returns the cached disk usage in bytes. Only the first call
// before any refresh walks the directory.
func (sm *StorageMonitor) GetUsage() (int64, error) {
	sm.mu.RLock()
	usage, err, refreshed := sm.usage, sm.err, sm.refreshed
	sm.mu.RUnlock()

	if !refreshed {
		return sm.Refresh()
	}
	return usage, err
}

// GetLimit returns the configured limit in bytes.
func (sm *StorageMonitor) GetLimit() int64 {
	return sm.maxBytes
}

// Exceeded reports whether usage has reached the limit. Usage errors are
// reported as not exceeded so a transient stat failure never blocks ingest.
func (sm *StorageMonitor) Exceeded() (bool, int64) {
	if sm.maxBytes <= 0 {
		return false, 0
	}
	usage, err := sm.GetUsage()
	if err != nil {
		return false, 0
	}
	return usage >= sm.maxBytes, usage
}

// dirUsage sums allocated bytes of every file under root
func dirUsage(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		n, err := diskUsage(path, info)
		if err != nil {
			n = info.Size()
		}
		total += n
		return nil
	})
	return total, err
}
