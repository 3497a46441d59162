// pacer.go implements token-bucket pacing for brokerage API calls.
//
// The provider enforces a per-key request budget measured per minute. The
// bucket refills continuously (rather than in whole-minute bursts) so a
// fleet-wide recompute storm spreads out instead of tripping hard 429s.
package broker

import (
	"context"
	"sync"
	"time"
)

// pacer is a token bucket with continuous refill. Callers block in Wait()
// until a token is available or the context is cancelled.
type pacer struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// newPacer sizes the bucket from a per-minute budget: the burst allowance is
// a tenth of the budget and refill is smoothed across the minute.
func newPacer(requestsPerMinute int) *pacer {
	capacity := float64(requestsPerMinute) / 10
	if capacity < 1 {
		capacity = 1
	}
	return &pacer{
		tokens:   capacity,
		capacity: capacity,
		rate:     float64(requestsPerMinute) / 60,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (p *pacer) Wait(ctx context.Context) error {
	for {
		p.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(p.lastTime).Seconds()
		p.tokens += elapsed * p.rate
		if p.tokens > p.capacity {
			p.tokens = p.capacity
		}
		p.lastTime = now

		if p.tokens >= 1 {
			p.tokens--
			p.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - p.tokens) / p.rate * float64(time.Second))
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}
