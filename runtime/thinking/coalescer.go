// Package thinking batches reasoning-text deltas so that high-frequency
// tokens are committed to the transcript at most once per window.
package thinking

import (
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// DefaultWindow is the minimum interval between two flushes.
const DefaultWindow = 50 * time.Millisecond

type (
	// Coalescer accumulates deltas and releases them when the window since the
	// previous flush has elapsed. Times are passed explicitly so callers control
	// the clock. A Coalescer is used by a single turn loop and is not safe for
	// concurrent use.
	Coalescer struct {
		window  time.Duration
		limiter *rate.Limiter
		pending strings.Builder
	}

	// Option configures a Coalescer.
	Option func(*Coalescer)
)

// WithWindow sets the flush window. Non-positive values flush on every delta.
func WithWindow(d time.Duration) Option {
	return func(c *Coalescer) {
		c.window = d
	}
}

// New returns a Coalescer using DefaultWindow unless overridden.
func New(opts ...Option) *Coalescer {
	c := &Coalescer{window: DefaultWindow}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.Reset()
	return c
}

// Window returns the configured flush window.
func (c *Coalescer) Window() time.Duration {
	return c.window
}

// Add appends delta to the pending buffer. When the window has elapsed since
// the previous flush (or no flush happened yet) it returns the whole buffer
// and clears it; otherwise it returns false and keeps accumulating.
func (c *Coalescer) Add(delta string, at time.Time) (string, bool) {
	c.pending.WriteString(delta)
	if c.pending.Len() == 0 {
		return "", false
	}
	if !c.limiter.AllowN(at, 1) {
		return "", false
	}
	return c.take(), true
}

// Flush returns and clears whatever is pending regardless of the window.
// It is called when the turn ends.
func (c *Coalescer) Flush() string {
	return c.take()
}

// Pending reports whether text is waiting to be flushed.
func (c *Coalescer) Pending() bool {
	return c.pending.Len() > 0
}

// Reset drops pending text and restarts the window.
func (c *Coalescer) Reset() {
	c.pending.Reset()
	if c.window <= 0 {
		c.limiter = rate.NewLimiter(rate.Inf, 1)
		return
	}
	c.limiter = rate.NewLimiter(rate.Every(c.window), 1)
}

func (c *Coalescer) take() string {
	s := c.pending.String()
	c.pending.Reset()
	return s
}
