// Package timeutil abstracts the wall clock so time-dependent behavior can be
// tested deterministically.
package timeutil

import (
	"sync"
	"time"
)

// Provider returns the current time.
type Provider interface {
	Now() time.Time
}

type realProvider struct{}

func (realProvider) Now() time.Time { return time.Now() }

// Default returns a Provider backed by time.Now.
func Default() Provider { return realProvider{} }

// Mock is a fixed-time Provider.
type Mock struct {
	CurrentTime time.Time
}

// Now returns the fixed time.
func (m Mock) Now() time.Time { return m.CurrentTime }

// FakeClock is a Provider whose time only moves when Advance is called.
type FakeClock struct {
	mu  sync.RWMutex
	now time.Time
}

// NewMock returns a FakeClock starting at the given time.
func NewMock(start time.Time) *FakeClock { return &FakeClock{now: start} }

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
