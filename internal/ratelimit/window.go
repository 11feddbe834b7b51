package ratelimit

import (
	"context"
	"sync"
	"time"
)

var _ Limiter = (*Window)(nil)

// Window is a process-local fixed-window counter. It is safe for concurrent
// use by the consumers sharing a channel instance.
type Window struct {
	mu          sync.Mutex
	maxRequests int
	window      time.Duration
	current     int
	start       time.Time
	now         func() time.Time
}

func NewWindow(maxRequests int, window time.Duration) *Window {
	return newWindow(maxRequests, window, time.Now)
}

// LocalFactory builds process-local windows. The key is ignored because the
// channel registry already shares instances per configuration.
func LocalFactory(_ string, maxRequests int, window time.Duration) Limiter {
	return NewWindow(maxRequests, window)
}

func newWindow(maxRequests int, window time.Duration, nowFn func() time.Time) *Window {
	if maxRequests < 0 {
		maxRequests = 0
	}
	if window <= 0 {
		window = time.Hour
	}
	if nowFn == nil {
		nowFn = time.Now
	}

	return &Window{
		maxRequests: maxRequests,
		window:      window,
		start:       nowFn(),
		now:         nowFn,
	}
}

func (w *Window) State(_ context.Context) (State, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.rollLocked()
	return w.stateLocked(), nil
}

func (w *Window) Acquire(_ context.Context) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.rollLocked()
	if w.current >= w.maxRequests {
		return false, nil
	}
	w.current++
	return true, nil
}

func (w *Window) rollLocked() {
	now := w.now()
	if now.Sub(w.start) >= w.window {
		w.current = 0
		w.start = now
	}
}

func (w *Window) stateLocked() State {
	return State{
		MaxRequests:     w.maxRequests,
		Window:          w.window,
		CurrentRequests: w.current,
		ResetAt:         w.start.Add(w.window),
	}
}
