package sticky

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu      sync.Mutex
	removed []Key
}

func (r *recorder) remove(k Key) { r.removed = append(r.removed, k) }

func newTestSticky(t *testing.T, period time.Duration) (*Sticky, *fakeClock, *recorder) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	rec := &recorder{}
	s := New(&rec.mu, rec.remove, WithPeriod(period), WithClock(clock.Now), WithLogger(zaptest.NewLogger(t)))
	return s, clock, rec
}

func TestStickyExpiry(t *testing.T) {
	s, clock, rec := newTestSticky(t, 16*time.Second)
	k1 := Key{Slot: 1, Agent: 1}
	k2 := Key{Slot: 2, Agent: 1}

	rec.mu.Lock()
	s.AddSticky(k1)
	rec.mu.Unlock()
	clock.Advance(5 * time.Second)
	rec.mu.Lock()
	s.AddSticky(k2)
	assert.Equal(t, 2, s.Len())
	rec.mu.Unlock()

	clock.Advance(10 * time.Second)
	assert.Zero(t, s.Cleanup())
	assert.Empty(t, rec.removed)

	clock.Advance(time.Second)
	assert.Equal(t, 1, s.Cleanup())
	assert.Equal(t, []Key{k1}, rec.removed)

	clock.Advance(5 * time.Second)
	assert.Equal(t, 1, s.Cleanup())
	assert.Equal(t, []Key{k1, k2}, rec.removed)
	assert.Zero(t, s.Len())
}

func TestStickyDropAndRefresh(t *testing.T) {
	s, clock, rec := newTestSticky(t, 16*time.Second)
	k := Key{Slot: 7, Agent: 3}

	rec.mu.Lock()
	s.AddSticky(k)
	assert.True(t, s.DropSticky(k))
	assert.False(t, s.DropSticky(k))
	rec.mu.Unlock()
	clock.Advance(time.Minute)
	assert.Zero(t, s.Cleanup())

	rec.mu.Lock()
	s.AddSticky(k)
	rec.mu.Unlock()
	clock.Advance(10 * time.Second)
	rec.mu.Lock()
	s.AddSticky(k)
	rec.mu.Unlock()
	clock.Advance(10 * time.Second)
	assert.Zero(t, s.Cleanup(), "re-adding restarts the grace period")
	clock.Advance(6 * time.Second)
	assert.Equal(t, 1, s.Cleanup())
	assert.Equal(t, []Key{k}, rec.removed)
}

func TestStickyPeriod(t *testing.T) {
	s, clock, rec := newTestSticky(t, 16*time.Second)
	for i := int32(0); i < 5; i++ {
		rec.mu.Lock()
		s.AddSticky(Key{Slot: i})
		rec.mu.Unlock()
		clock.Advance(time.Second)
	}

	t.Run("Change", func(t *testing.T) {
		s.SetPeriod(32 * time.Second)
		assert.Equal(t, 32*time.Second, s.Period())
		clock.Advance(20 * time.Second)
		assert.Zero(t, s.Cleanup())
		assert.Equal(t, 5, s.Len())
	})

	t.Run("Disable", func(t *testing.T) {
		s.SetPeriod(0)
		assert.False(t, s.Enabled())
		assert.Len(t, rec.removed, 5)
		assert.Zero(t, s.Len())

		rec.mu.Lock()
		s.AddSticky(Key{Slot: 9})
		rec.mu.Unlock()
		assert.Len(t, rec.removed, 6)
		assert.Zero(t, s.Len())
	})

	t.Run("Clamp", func(t *testing.T) {
		s.SetPeriod(time.Millisecond)
		assert.Equal(t, MinPeriod, s.Period())
		s.SetPeriod(100 * time.Hour)
		assert.Equal(t, MaxPeriod, s.Period())
	})
}

func TestStickyBackgroundCleanup(t *testing.T) {
	var mu sync.Mutex
	var removed atomic.Int32
	s := New(&mu, func(Key) { removed.Add(1) }, WithPeriod(MinPeriod), WithLogger(zaptest.NewLogger(t)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	mu.Lock()
	s.AddSticky(Key{Slot: 1})
	mu.Unlock()

	require.Eventually(t, func() bool { return removed.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	s.Close()

	mu.Lock()
	s.AddSticky(Key{Slot: 2})
	mu.Unlock()
	time.Sleep(3 * MinPeriod)
	assert.Equal(t, int32(1), removed.Load())
	assert.Equal(t, 1, s.Cleanup())
}
