package automation

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// RateLimiter enforces the hourly auto-approval risk budget: a cap on how
// many payouts may be approved and a cap on their combined volume, both
// inside a fixed one-hour window. The clock is injected so tests can step
// across window boundaries deterministically.
type RateLimiter struct {
	maxCount  int
	maxVolume decimal.Decimal
	now       func() time.Time

	mu          sync.Mutex
	windowStart time.Time
	count       int
	volume      decimal.Decimal
}

// NewRateLimiter creates a limiter with the given hourly caps. A nil now
// uses the wall clock.
func NewRateLimiter(maxCount int, maxVolume decimal.Decimal, now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{
		maxCount:  maxCount,
		maxVolume: maxVolume,
		now:       now,
		volume:    decimal.Zero,
	}
}

// Allow reports whether one more approval of the given amount fits the
// current window, and consumes budget when it does. Crossing the window
// boundary resets both counters.
func (l *RateLimiter) Allow(amount decimal.Decimal) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.roll()

	if l.count+1 > l.maxCount {
		return false
	}
	if l.volume.Add(amount).GreaterThan(l.maxVolume) {
		return false
	}

	l.count++
	l.volume = l.volume.Add(amount)
	return true
}

// WouldAllow is Allow without consuming budget. Dry runs use it so a
// simulation never eats into the real hourly budget.
func (l *RateLimiter) WouldAllow(amount decimal.Decimal) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.roll()
	return l.count+1 <= l.maxCount && !l.volume.Add(amount).GreaterThan(l.maxVolume)
}

// Usage returns the consumed budget in the current window.
func (l *RateLimiter) Usage() (count int, volume decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.roll()
	return l.count, l.volume
}

// roll resets the counters when the fixed window has elapsed.
// Caller must hold l.mu.
func (l *RateLimiter) roll() {
	now := l.now()
	if l.windowStart.IsZero() {
		l.windowStart = now.Truncate(time.Hour)
		return
	}
	if now.Sub(l.windowStart) >= time.Hour {
		l.windowStart = now.Truncate(time.Hour)
		l.count = 0
		l.volume = decimal.Zero
	}
}
