package core

import (
	"sync"
	"time"
)

// Replicated timestamps in meshd are wall-clock seconds since the Unix
// epoch, carried as float64 to match the wire format. Merge rules compare
// these values directly, so local bumps must never move backwards.

// Now returns the current wall-clock time in float seconds.
func Now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// After returns a timestamp no earlier than now and strictly greater
// than prev. Used to bump registered_at on local record changes so the
// change always propagates, even under clock skew or sub-millisecond
// successive updates.
func After(prev float64) float64 {
	now := Now()
	if now > prev {
		return now
	}
	return prev + 0.001
}

// Clock issues locally monotonic versions for the node's own state.
// Restored from the persisted state on startup so versions keep
// increasing across restarts.
type Clock struct {
	mu      sync.Mutex
	version int64
}

// NewClock creates a version clock starting after the given version
func NewClock(last int64) *Clock {
	return &Clock{version: last}
}

// Next increments and returns the version
// Must be called once per self-state publish
func (c *Clock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.version++
	return c.version
}

// Current returns the version without incrementing
func (c *Clock) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}
