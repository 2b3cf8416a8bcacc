// Package system provides clocks for the supervisor: the wall clock in
// production and a settable clock for tests and one-shot tooling.
package system

import (
	"sync"
	"time"
)

// Clock reads the wall clock in UTC.
type Clock struct{}

// New creates a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Fixed is a clock that only moves when told to. It is safe for concurrent use.
type Fixed struct {
	mu  sync.Mutex
	now time.Time
}

// NewFixed creates a Fixed clock reading now.
func NewFixed(now time.Time) *Fixed {
	return &Fixed{now: now.UTC()}
}

// Now returns the current reading.
func (f *Fixed) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Set moves the clock to now.
func (f *Fixed) Set(now time.Time) {
	f.mu.Lock()
	f.now = now.UTC()
	f.mu.Unlock()
}

// Advance moves the clock forward by d and returns the new reading.
func (f *Fixed) Advance(d time.Duration) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	return f.now
}
