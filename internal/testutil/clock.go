package testutil

import (
	"sync"
	"time"
)

// ManualWall is a wall clock that only moves when told to.
//
// It satisfies clock.WallClock and lets continuous-clock and clock-sync
// tests control elapsed real time exactly.
//
// Thread-safety: all methods are safe for concurrent use.
type ManualWall struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualWall creates a wall clock at a fixed, arbitrary instant.
func NewManualWall() *ManualWall {
	return &ManualWall{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// Now returns the current manual time.
func (w *ManualWall) Now() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.now
}

// Advance moves the clock forward by d.
func (w *ManualWall) Advance(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.now = w.now.Add(d)
}

// Set moves the clock to t.
func (w *ManualWall) Set(t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.now = t
}
