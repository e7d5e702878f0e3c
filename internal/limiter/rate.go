package limiter

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket shared by every outbound GitHub API call.
// The clock and sleep functions are injectable so tests can run without
// real waits.
type RateLimiter struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	last       time.Time

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

func NewRateLimiter(maxRequestsPerSecond int) *RateLimiter {
	if maxRequestsPerSecond <= 0 {
		maxRequestsPerSecond = 1
	}
	r := &RateLimiter{
		capacity:   float64(maxRequestsPerSecond),
		tokens:     float64(maxRequestsPerSecond),
		refillRate: float64(maxRequestsPerSecond),
		now:        time.Now,
		sleep:      sleepCtx,
	}
	r.last = r.now()
	return r
}

// NewRateLimiterWithClock is used by tests to drive the bucket with a fake
// clock instead of real sleeps.
func NewRateLimiterWithClock(maxRequestsPerSecond int, now func() time.Time, sleep func(context.Context, time.Duration) error) *RateLimiter {
	r := NewRateLimiter(maxRequestsPerSecond)
	r.now = now
	r.sleep = sleep
	r.last = now()
	return r
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (r *RateLimiter) refill() {
	now := r.now()
	elapsed := now.Sub(r.last).Seconds()
	if elapsed > 0 {
		r.tokens += elapsed * r.refillRate
		if r.tokens > r.capacity {
			r.tokens = r.capacity
		}
		r.last = now
	}
}

// Allow takes a token if one is available.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()
	if r.tokens >= 1 {
		r.tokens--
		return true
	}
	return false
}

// Wait blocks until a token is available or the context is cancelled.
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		r.refill()
		if r.tokens >= 1 {
			r.tokens--
			r.mu.Unlock()
			return nil
		}
		// Time until the next full token accrues.
		need := (1 - r.tokens) / r.refillRate
		r.mu.Unlock()

		if err := r.sleep(ctx, time.Duration(need*float64(time.Second))); err != nil {
			return err
		}
	}
}
