package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock drives the limiter without real waits: sleeping advances the
// clock instead of blocking.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.now = c.now.Add(d)
	return ctx.Err()
}

func newTestLimiter(rps int) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	return NewRateLimiterWithClock(rps, clock.Now, clock.Sleep), clock
}

func TestAllow_ConsumesBurstThenDenies(t *testing.T) {
	r, _ := newTestLimiter(3)

	for i := 0; i < 3; i++ {
		assert.True(t, r.Allow(), "request %d within capacity should be allowed", i+1)
	}
	assert.False(t, r.Allow(), "request beyond capacity should be denied")
}

func TestAllow_RefillsOverTime(t *testing.T) {
	r, clock := newTestLimiter(2)

	require.True(t, r.Allow())
	require.True(t, r.Allow())
	require.False(t, r.Allow())

	clock.now = clock.now.Add(500 * time.Millisecond) // one token at 2/s
	assert.True(t, r.Allow())
	assert.False(t, r.Allow())
}

func TestAllow_RefillCapsAtCapacity(t *testing.T) {
	r, clock := newTestLimiter(2)

	clock.now = clock.now.Add(time.Hour)
	assert.True(t, r.Allow())
	assert.True(t, r.Allow())
	assert.False(t, r.Allow(), "idle time must not accumulate more than the bucket capacity")
}

func TestWait_BlocksUntilTokenAccrues(t *testing.T) {
	r, clock := newTestLimiter(1)
	start := clock.now

	require.NoError(t, r.Wait(context.Background()))
	assert.Equal(t, start, clock.now, "first token should be immediate")

	require.NoError(t, r.Wait(context.Background()))
	assert.Equal(t, time.Second, clock.now.Sub(start), "second token should wait one refill interval")
}

func TestWait_HonorsCancellation(t *testing.T) {
	r, _ := newTestLimiter(1)
	require.NoError(t, r.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, r.Wait(ctx), context.Canceled)
}
