package session

import (
	"sync"
	"time"
)

// DefaultCoalesceWindow bounds extraction cost under high token rates.
const DefaultCoalesceWindow = 150 * time.Millisecond

// Coalescer debounces buffer extraction passes. Any number of Append calls
// inside one window results in exactly one invocation of the flush callback.
// Flush runs the callback immediately and cancels the pending window.
type Coalescer struct {
	mu      sync.Mutex
	window  time.Duration
	flush   func()
	timer   *time.Timer
	stopped bool
}

// NewCoalescer builds a coalescer invoking flush at most once per window.
func NewCoalescer(window time.Duration, flush func()) *Coalescer {
	if window <= 0 {
		window = DefaultCoalesceWindow
	}

	return &Coalescer{
		window: window,
		flush:  flush,
	}
}

// Append schedules a flush at the end of the current window. A window that
// is already open absorbs the call.
func (c *Coalescer) Append() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped || c.timer != nil {
		return
	}

	c.timer = time.AfterFunc(c.window, func() {
		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			return
		}
		c.timer = nil
		c.mu.Unlock()

		c.flush()
	})
}

// Flush cancels any pending window and runs the callback synchronously.
func (c *Coalescer) Flush() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	c.flush()
}

// Stop cancels any pending window without flushing. The coalescer accepts no
// further work afterwards.
func (c *Coalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
