package clock

import (
	"sync"
	"time"
)

// Clock supplies the current time. Engine components take a Clock so that
// tests can move time across period boundaries.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

// System returns the wall clock.
func System() Clock {
	return systemClock{}
}

// Manual is a settable clock for tests and manual re-runs.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

func NewManual(now time.Time) *Manual {
	return &Manual{now: now}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Set(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Stamp formats a UTC timestamp for API responses.
func Stamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}
