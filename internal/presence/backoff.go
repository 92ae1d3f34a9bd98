package presence

import (
	"sync"
	"time"
)

// Backoff is a linear polling backoff with a ceiling. It grows only after
// a quiet period without derived changes and falls back to the base
// interval on any change or external activity.
type Backoff struct {
	base  time.Duration
	max   time.Duration
	step  time.Duration
	quiet time.Duration

	mu         sync.Mutex
	interval   time.Duration
	lastChange time.Time
}

func NewBackoff(cfg Config, now time.Time) *Backoff {
	return &Backoff{
		base:       cfg.BaseInterval,
		max:        cfg.MaxInterval,
		step:       cfg.BackoffStep,
		quiet:      cfg.Quiet,
		interval:   cfg.BaseInterval,
		lastChange: now,
	}
}

// Observe records the result of one refresh cycle and returns the delay
// before the next one.
func (b *Backoff) Observe(now time.Time, changed bool) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if changed {
		b.lastChange = now
		b.interval = b.base
		return b.interval
	}
	if now.Sub(b.lastChange) > b.quiet {
		b.interval = min(b.interval+b.step, b.max)
	}
	return b.interval
}

// Reset restores the base interval and restarts the quiet period.
func (b *Backoff) Reset(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.interval = b.base
	b.lastChange = now
}

func (b *Backoff) Interval() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.interval
}

func (b *Backoff) LastChange() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastChange
}
