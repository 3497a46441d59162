// Package portfolio computes per-account value and true intraday return,
// publishing a snapshot on every recompute. It is the sole writer of
// last_portfolio keys and the portfolio_updates channel.
package portfolio

import (
	"sync"
	"time"
)

// Debouncer coalesces bursts of per-key triggers into at most one callback
// per interval. The first trigger after a quiet period fires immediately;
// triggers inside the window collapse into a single trailing-edge fire, so
// the last price of a burst is never lost.
type Debouncer struct {
	interval time.Duration
	fire     func(key string)

	mu       sync.Mutex
	lastFire map[string]time.Time
	pending  map[string]*time.Timer
	stopped  bool
}

// NewDebouncer builds a debouncer that invokes fire on its own timer
// goroutines.
func NewDebouncer(interval time.Duration, fire func(key string)) *Debouncer {
	return &Debouncer{
		interval: interval,
		fire:     fire,
		lastFire: make(map[string]time.Time),
		pending:  make(map[string]*time.Timer),
	}
}

// Trigger requests a fire for key. Outside the window it fires right away;
// inside it schedules (or rides) the trailing-edge timer.
func (d *Debouncer) Trigger(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if _, waiting := d.pending[key]; waiting {
		return // a trailing fire is already scheduled
	}

	now := time.Now()
	elapsed := now.Sub(d.lastFire[key])
	if elapsed >= d.interval {
		d.lastFire[key] = now
		go d.fire(key)
		return
	}

	d.pending[key] = time.AfterFunc(d.interval-elapsed, func() {
		d.mu.Lock()
		delete(d.pending, key)
		if d.stopped {
			d.mu.Unlock()
			return
		}
		d.lastFire[key] = time.Now()
		d.mu.Unlock()
		d.fire(key)
	})
}

// Stop cancels all scheduled fires. Triggers after Stop are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for key, timer := range d.pending {
		timer.Stop()
		delete(d.pending, key)
	}
}
