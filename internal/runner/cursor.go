package runner

import (
	"sync"
	"sync/atomic"
	"time"
)

// ScanCursor is the per-level mutual-exclusion token for scans. A tick that
// cannot acquire it is skipped, never queued.
type ScanCursor struct {
	busy atomic.Bool

	mu           sync.Mutex
	lastScan     time.Time
	lastDuration time.Duration
	scans        int
}

// TryAcquire takes the token without blocking.
func (c *ScanCursor) TryAcquire() bool {
	return c.busy.CompareAndSwap(false, true)
}

// Release records a finished scan (if any) and frees the token.
func (c *ScanCursor) Release(finished time.Time, took time.Duration, scanned bool) {
	if scanned {
		c.mu.Lock()
		c.lastScan = finished
		c.lastDuration = took
		c.scans++
		c.mu.Unlock()
	}
	c.busy.Store(false)
}

func (c *ScanCursor) Busy() bool { return c.busy.Load() }

// LastScan returns the wall-clock end time and duration of the last scan.
func (c *ScanCursor) LastScan() (time.Time, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastScan, c.lastDuration
}

func (c *ScanCursor) Scans() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scans
}
