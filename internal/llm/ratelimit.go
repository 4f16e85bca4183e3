package llm

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// rateLimiter is a token bucket refilled lazily from the clock. Every
// transport call takes one token; cached completions take none.
type rateLimiter struct {
	last     time.Time
	now      func() time.Time
	interval time.Duration
	tokens   float64
	capacity float64
	mu       sync.Mutex
}

// newRateLimiter allows perMinute calls a minute with bursts of the same size.
func newRateLimiter(perMinute int) *rateLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	return &rateLimiter{
		now:      time.Now,
		last:     time.Now(),
		interval: time.Minute / time.Duration(perMinute),
		tokens:   float64(perMinute),
		capacity: float64(perMinute),
	}
}

// reserve takes a token if one is available, otherwise it reports how long
// until the next one.
func (rl *rateLimiter) reserve() (time.Duration, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if elapsed := now.Sub(rl.last); elapsed > 0 {
		rl.tokens += float64(elapsed) / float64(rl.interval)
		if rl.tokens > rl.capacity {
			rl.tokens = rl.capacity
		}
		rl.last = now
	}
	if rl.tokens >= 1 {
		rl.tokens--
		return 0, true
	}
	return time.Duration((1 - rl.tokens) * float64(rl.interval)), false
}

// wait blocks until a token is taken or ctx ends.
func (rl *rateLimiter) wait(ctx context.Context) error {
	for {
		delay, ok := rl.reserve()
		if ok {
			return nil
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limiter canceled: %w", ctx.Err())
		case <-timer.C:
		}
	}
}
