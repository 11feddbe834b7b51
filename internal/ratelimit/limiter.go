package ratelimit

import (
	"context"
	"time"
)

// State is a snapshot of one fixed window.
type State struct {
	MaxRequests     int
	Window          time.Duration
	CurrentRequests int
	ResetAt         time.Time
}

// Exceeded reports whether the window has no capacity left.
func (s State) Exceeded() bool {
	return s.CurrentRequests >= s.MaxRequests
}

func (s State) Remaining() int {
	return max(s.MaxRequests-s.CurrentRequests, 0)
}

// Limiter counts requests made through one channel instance in fixed windows.
type Limiter interface {
	// State returns the current window, starting a new one if the previous
	// window has elapsed.
	State(ctx context.Context) (State, error)
	// Acquire takes one slot in the current window. It returns false without
	// taking a slot when the window is already full.
	Acquire(ctx context.Context) (bool, error)
}

// Factory builds a limiter for a channel instance. key identifies the
// instance so that equal credentials share a counter.
type Factory func(key string, maxRequests int, window time.Duration) Limiter
