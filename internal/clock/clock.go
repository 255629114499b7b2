package clock

import (
	"sync"
	"time"
)

// Clock provides current time abstraction for deterministic tests.
// Params: none.
// Returns: current wall-clock time.
type Clock interface {
	Now() time.Time
}

// RealClock reads current UTC time from system clock.
type RealClock struct{}

// Now returns current UTC time.
// Params: none.
// Returns: current UTC timestamp.
func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// Manual is a settable clock for tests.
// Params: current instant guarded by mutex.
// Returns: clock that only moves when told.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual creates manual clock at given instant.
// Params: start time.
// Returns: manual clock.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns current manual time.
// Params: none.
// Returns: stored instant.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves manual clock forward.
// Params: step duration.
// Returns: new instant.
func (m *Manual) Advance(step time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(step)
	return m.now
}

// Set replaces manual clock instant, including moving it backwards.
func (m *Manual) Set(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = at.UTC()
}

// OrReal returns c or RealClock when c is nil.
func OrReal(c Clock) Clock {
	if c == nil {
		return RealClock{}
	}
	return c
}
