// Package sticky postpones the teardown of unsubscribed symbol state for a
// grace period, so that a quick resubscribe finds its history still in place.
package sticky

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RingBuckets is the number of time buckets one sticky period is split into.
const RingBuckets = 16

const (
	MinPeriod = 100 * time.Millisecond
	MaxPeriod = 24 * time.Hour
)

// Key identifies one deferred removal: a collector slot and the agent that
// left it.
type Key struct {
	Slot  int32
	Agent int64
}

// RemoveFunc performs the deferred removal. It runs with the shared lock held.
type RemoveFunc func(Key)

type bucket struct {
	stamp int64
	keys  map[Key]struct{}
}

// Sticky is a time-bucketed set of pending removals. AddSticky, DropSticky,
// UpdateCurrentStamp, Enabled and Len must be called with the shared lock
// held; the other methods take it themselves.
type Sticky struct {
	mu     sync.Locker
	logger *zap.Logger
	now    func() time.Time
	remove RemoveFunc

	period  time.Duration
	span    time.Duration
	stamp   int64
	buckets [RingBuckets]bucket
	where   map[Key]int

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	interval chan time.Duration
}

// Option configures a Sticky.
type Option func(*Sticky)

// WithPeriod sets the initial grace period; 0 disables stickiness.
func WithPeriod(d time.Duration) Option {
	return func(s *Sticky) { s.setPeriod(d) }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Sticky) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Sticky) {
		if logger != nil {
			s.logger = logger.Named("sticky")
		}
	}
}

// New creates a disabled sticky cache guarded by mu.
func New(mu sync.Locker, remove RemoveFunc, opts ...Option) *Sticky {
	s := &Sticky{
		mu:       mu,
		logger:   zap.NewNop(),
		now:      time.Now,
		remove:   remove,
		where:    make(map[Key]int),
		interval: make(chan time.Duration, 1),
	}
	for i := range s.buckets {
		s.buckets[i].keys = make(map[Key]struct{})
	}
	for _, opt := range opts {
		opt(s)
	}
	s.stamp = s.currentStamp()
	return s
}

func clampPeriod(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return 0
	case d < MinPeriod:
		return MinPeriod
	case d > MaxPeriod:
		return MaxPeriod
	}
	return d
}

func (s *Sticky) setPeriod(d time.Duration) {
	s.period = clampPeriod(d)
	s.span = s.period / RingBuckets
}

func (s *Sticky) currentStamp() int64 {
	if s.span <= 0 {
		return 0
	}
	return s.now().UnixNano() / int64(s.span)
}

// Period is the effective grace period.
func (s *Sticky) Period() time.Duration { return s.period }

// Enabled reports whether removals are deferred.
func (s *Sticky) Enabled() bool { return s.period > 0 }

// Len is the number of pending removals.
func (s *Sticky) Len() int { return len(s.where) }

// UpdateCurrentStamp advances the bucket clock.
func (s *Sticky) UpdateCurrentStamp() {
	s.stamp = s.currentStamp()
}

// AddSticky schedules k for removal once the grace period elapses. Adding a
// pending key restarts its grace period. With stickiness disabled the removal
// runs immediately.
func (s *Sticky) AddSticky(k Key) {
	if !s.Enabled() {
		s.remove(k)
		return
	}
	s.UpdateCurrentStamp()
	i := int(uint64(s.stamp) % RingBuckets)
	b := &s.buckets[i]
	if b.stamp != s.stamp {
		// The bucket last held a stamp at least one full period old.
		s.flushBucket(i)
		b.stamp = s.stamp
	}
	if j, ok := s.where[k]; ok {
		delete(s.buckets[j].keys, k)
	}
	b.keys[k] = struct{}{}
	s.where[k] = i
}

// DropSticky cancels the pending removal of k and reports whether there was
// one.
func (s *Sticky) DropSticky(k Key) bool {
	i, ok := s.where[k]
	if !ok {
		return false
	}
	delete(s.buckets[i].keys, k)
	delete(s.where, k)
	return true
}

func (s *Sticky) flushBucket(i int) int {
	b := &s.buckets[i]
	n := 0
	for k := range b.keys {
		delete(b.keys, k)
		delete(s.where, k)
		s.remove(k)
		n++
	}
	return n
}

// Cleanup runs the removals whose grace period has elapsed.
func (s *Sticky) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleanupLocked()
}

func (s *Sticky) cleanupLocked() int {
	if len(s.where) == 0 {
		return 0
	}
	s.UpdateCurrentStamp()
	n := 0
	for i := range s.buckets {
		b := &s.buckets[i]
		if len(b.keys) > 0 && s.stamp-b.stamp >= RingBuckets {
			n += s.flushBucket(i)
		}
	}
	if n > 0 {
		s.logger.Debug("Expired sticky subscriptions", zap.Int("count", n), zap.Int("pending", len(s.where)))
	}
	return n
}

// SetPeriod changes the grace period. Zero disables stickiness and runs every
// pending removal now; otherwise pending removals restart their grace period
// under the new value.
func (s *Sticky) SetPeriod(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d = clampPeriod(d)
	if d == s.period {
		return
	}
	s.setPeriod(d)
	if d == 0 {
		n := s.flushAll()
		s.logger.Info("Sticky subscriptions disabled", zap.Int("flushed", n))
	} else {
		s.UpdateCurrentStamp()
		s.rebucket()
		s.logger.Info("Sticky period changed", zap.Duration("period", d))
	}
	select {
	case <-s.interval:
	default:
	}
	s.interval <- s.span
}

func (s *Sticky) flushAll() int {
	n := 0
	for i := range s.buckets {
		n += s.flushBucket(i)
		s.buckets[i].stamp = 0
	}
	return n
}

func (s *Sticky) rebucket() {
	i := int(uint64(s.stamp) % RingBuckets)
	for j := range s.buckets {
		if j == i {
			continue
		}
		for k := range s.buckets[j].keys {
			delete(s.buckets[j].keys, k)
			s.buckets[i].keys[k] = struct{}{}
			s.where[k] = i
		}
	}
	s.buckets[i].stamp = s.stamp
}

// Start launches the periodic cleanup until ctx ends or Close is called.
func (s *Sticky) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	span := s.span
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(span)
}

func (s *Sticky) run(span time.Duration) {
	defer s.wg.Done()
	var ticker *time.Ticker
	var tick <-chan time.Time
	reset := func(d time.Duration) {
		if ticker != nil {
			ticker.Stop()
			ticker, tick = nil, nil
		}
		if d > 0 {
			ticker = time.NewTicker(d)
			tick = ticker.C
		}
	}
	reset(span)
	defer reset(0)
	for {
		select {
		case <-s.ctx.Done():
			return
		case d := <-s.interval:
			reset(d)
		case <-tick:
			s.Cleanup()
		}
	}
}

// Close stops the periodic cleanup and waits for it to exit. Pending removals
// are left in place. Close must not be called with the shared lock held.
func (s *Sticky) Close() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}
