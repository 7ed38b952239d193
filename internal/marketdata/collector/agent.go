package collector

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/Aidin1998/marketbus/internal/marketdata/record"
	"github.com/Aidin1998/marketbus/internal/marketdata/sticky"
)

// Subscription is one (record, symbol) pair with the lowest time of
// interest.
type Subscription struct {
	Schema   *record.Schema
	Symbol   string
	FromTime int64
}

func (s Subscription) String() string {
	return fmt.Sprintf("%s %s from %d", schemaName(s.Schema), s.Symbol, s.FromTime)
}

// agentSub is the state of one subscription of one agent.
type agentSub struct {
	agent *Agent
	slot  *slot
	key   string
	floor int64

	// Snapshot traversal: known is the lowest time delivered so far.
	known      int64
	begun      bool
	done       bool
	traversing bool
	queued     bool

	// Transaction tracking
	txPending   bool
	delivered   bool
	txDelivered bool
	lossy       bool // a record of the open transaction was dropped
}

// accepts reports whether a live delivery at time t reaches the
// subscription rather than waiting for the traversal to pick it up.
func (s *agentSub) accepts(t int64) bool {
	if t < s.floor {
		return false
	}
	return s.done || (s.begun && t >= s.known)
}

func subKey(schema *record.Schema, symbol string) string {
	return schema.Name() + "\x00" + symbol
}

// Agent is one consumer of a collector. Its methods are safe for concurrent
// use, but a single goroutine is expected to retrieve.
type Agent struct {
	c      *Collector
	id     uuid.UUID
	seq    int64
	name   string
	logger *zap.Logger

	snapshots bool
	conflated bool
	maxSize   int
	overflow  OverflowStrategy

	subs    *btree.Map[string, *agentSub]
	pending []*agentSub
	buf     *agentBuffer

	notify  chan struct{}
	waiters int
	dropped int64
	closed  bool
}

func (a *Agent) ID() uuid.UUID { return a.id }
func (a *Agent) Name() string { return a.name }

// AddSubscription subscribes to (schema, symbol) from fromTime, or moves the
// floor of an existing subscription.
func (a *Agent) AddSubscription(schema *record.Schema, symbol string, fromTime int64) error {
	c := a.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if a.closed {
		return ErrAgentClosed
	}
	if err := c.checkSchema(schema); err != nil {
		err = fmt.Errorf("failed to subscribe to %s %s: %w", schemaName(schema), symbol, err)
		c.report(err)
		return err
	}
	a.subscribe(schema, symbol, fromTime)
	return nil
}

// RemoveSubscription cancels a subscription and drops its staged events. It
// reports whether the subscription existed.
func (a *Agent) RemoveSubscription(schema *record.Schema, symbol string) bool {
	c := a.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if a.closed || schema == nil {
		return false
	}
	s, ok := a.subs.Get(subKey(schema, symbol))
	if !ok {
		return false
	}
	a.removeSub(s)
	return true
}

// SetSubscription replaces the whole subscription set. Invalid entries are
// reported and the set is left unchanged.
func (a *Agent) SetSubscription(subs []Subscription) error {
	c := a.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if a.closed {
		return ErrAgentClosed
	}
	want := make(map[string]Subscription, len(subs))
	for _, sub := range subs {
		if err := c.checkSchema(sub.Schema); err != nil {
			err = fmt.Errorf("failed to subscribe to %s: %w", sub, err)
			c.report(err)
			return err
		}
		want[subKey(sub.Schema, sub.Symbol)] = sub
	}
	var stale []*agentSub
	a.subs.Scan(func(key string, s *agentSub) bool {
		if _, ok := want[key]; !ok {
			stale = append(stale, s)
		}
		return true
	})
	for _, s := range stale {
		a.removeSub(s)
	}
	for _, sub := range subs {
		a.subscribe(sub.Schema, sub.Symbol, sub.FromTime)
	}
	return nil
}

// Subscription returns the current subscriptions ordered by record and
// symbol.
func (a *Agent) Subscription() []Subscription {
	c := a.c
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Subscription, 0, a.subs.Len())
	a.subs.Scan(func(_ string, s *agentSub) bool {
		out = append(out, Subscription{Schema: s.slot.schema, Symbol: s.slot.key.symbol, FromTime: s.floor})
		return true
	})
	return out
}

// Dropped is the number of events discarded under OverflowDrop.
func (a *Agent) Dropped() int64 {
	a.c.mu.Lock()
	defer a.c.mu.Unlock()
	return a.dropped
}

// Pending is the number of staged events not yet retrieved.
func (a *Agent) Pending() int {
	a.c.mu.Lock()
	defer a.c.mu.Unlock()
	return a.buf.len()
}

func (a *Agent) subscribe(schema *record.Schema, symbol string, from int64) {
	key := subKey(schema, symbol)
	if s, ok := a.subs.Get(key); ok {
		a.changeFloor(s, from)
		return
	}
	c := a.c
	sl := c.slotFor(schema, symbol, true)
	if c.sticky.DropSticky(sticky.Key{Slot: sl.index, Agent: a.seq}) {
		sl.sticky--
	}
	s := &agentSub{agent: a, slot: sl, key: key, floor: from}
	sl.subs = append(sl.subs, s)
	a.subs.Set(key, s)
	a.restart(s)
	a.signal()
}

// restart makes s traverse its snapshot again from the top.
func (a *Agent) restart(s *agentSub) {
	s.known = record.TimeMax
	s.begun = false
	s.done = false
	s.traversing = true
	s.txPending = false
	s.delivered = false
	s.txDelivered = false
	s.lossy = false
	a.enqueue(s)
}

func (a *Agent) enqueue(s *agentSub) {
	if !s.queued {
		s.queued = true
		a.pending = append(a.pending, s)
	}
}

func (a *Agent) changeFloor(s *agentSub, from int64) {
	if from == s.floor {
		return
	}
	if from < s.floor {
		a.buf.dropSub(s)
		s.floor = from
		a.restart(s)
		a.signal()
		return
	}
	dropped := a.buf.dropBelow(s, from)
	s.floor = from
	switch {
	case dropped.Has(record.SnapshotBegin):
		a.buf.dropSub(s)
		a.restart(s)
		a.signal()
		return
	case dropped.Any(record.SnapshotEnd|record.SnapshotSnip) && s.done:
		// The terminator was cut off; deliver it again at the new floor.
		s.done = false
		s.traversing = true
		s.known = from
		a.enqueue(s)
	case s.known < from:
		s.known = from
	}
	if a.snapshots {
		if found, tx := a.buf.lastTx(s); found {
			s.txPending = tx
		} else {
			s.txPending = s.txDelivered
		}
		if s.txPending && !s.traversing && !s.slot.dirty() {
			a.closeTx(s)
		}
	}
	a.signal()
}

func (a *Agent) removeSub(s *agentSub) {
	c := a.c
	sl := s.slot
	a.buf.dropSub(s)
	if i := slices.Index(sl.subs, s); i >= 0 {
		sl.subs = slices.Delete(sl.subs, i, i+1)
	}
	a.subs.Delete(s.key)
	if s.queued {
		if i := slices.Index(a.pending, s); i >= 0 {
			a.pending = slices.Delete(a.pending, i, i+1)
		}
		s.queued = false
	}
	s.traversing = false

	k := sticky.Key{Slot: sl.index, Agent: a.seq}
	if c.sticky.DropSticky(k) {
		sl.sticky--
	}
	sl.sticky++
	c.sticky.AddSticky(k)

	c.space.Broadcast()
	if a.subs.Len() == 0 {
		a.wake()
	}
}

// receive stages the live deliveries s accepts. clean tells whether the slot
// has no open transaction after them.
func (a *Agent) receive(s *agentSub, ds []record.Event, clean bool) {
	mask := record.RemoveEvent
	if a.snapshots {
		mask |= record.TxPending
	}
	staged, removed := false, false
	for i := range ds {
		if !s.accepts(ds[i].Time()) {
			continue
		}
		ev := ds[i].Clone()
		ev.Flags &= mask
		removed = removed || ev.Flags.Has(record.RemoveEvent)
		a.stage(s, ev, false)
		staged = true
	}
	if (removed && a.conflated && a.resolvable(s)) || (s.lossy && clean) {
		// The staged view no longer describes the stored one; traverse again.
		a.buf.dropSub(s)
		a.restart(s)
		a.signal()
		return
	}
	if clean && a.snapshots && s.txPending && !s.traversing {
		a.closeTx(s)
		staged = true
	}
	if staged || s.traversing {
		a.signal()
	}
}

// resolvable reports whether a conflated traversal of s would stage
// anything: with snapshots it always terminates, without them it needs a
// stored value at or above the floor.
func (a *Agent) resolvable(s *agentSub) bool {
	if a.snapshots {
		return true
	}
	hb := s.slot.hb
	return hb.Size() > 0 && hb.MaxAvailableTime() >= s.floor
}

// essential reports whether ev must not be dropped on overflow: it carries a
// snapshot flag or closes the open transaction of s.
func (a *Agent) essential(s *agentSub, ev *record.Event) bool {
	return ev.Flags.Any(record.SnapshotFlags) || (s.txPending && !ev.Flags.Has(record.TxPending))
}

func (a *Agent) stage(s *agentSub, ev record.Event, traversal bool) {
	if !traversal && !a.conflated && a.overflow == OverflowDrop && a.buf.full(a.maxSize) && !a.essential(s, &ev) {
		if a.snapshots && (s.txPending || ev.Flags.Has(record.TxPending)) {
			s.lossy = true
		}
		a.dropped++
		a.c.dropped.Add(1)
		if a.dropped&(a.dropped-1) == 0 {
			a.logger.Warn("Agent buffer overflow, dropping events",
				zap.String("symbol", ev.Symbol),
				zap.Int64("dropped", a.dropped),
				zap.Int("max_buffer_size", a.maxSize),
			)
		}
		return
	}
	flags := a.buf.push(ev, s)
	if a.snapshots {
		s.txPending = flags.Has(record.TxPending)
	}
}

// closeTx terminates the open transaction of s when its closing record is
// not visible to it.
func (a *Agent) closeTx(s *agentSub) {
	s.txPending = false
	if a.conflated && a.buf.clearTx(s) {
		return
	}
	a.buf.push(s.slot.virtualEvent(record.VirtualTime, record.RemoveEvent), s)
}

func (a *Agent) signal() {
	if a.waiters > 0 {
		a.wake()
	}
}

func (a *Agent) wake() {
	close(a.notify)
	a.notify = make(chan struct{})
}

// Retrieve moves available events into sink without blocking. It returns
// true when more events are ready than the sink could take.
func (a *Agent) Retrieve(sink record.Sink) bool {
	c := a.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if a.closed {
		return false
	}
	more := a.retrieveLocked(sink)
	c.space.Broadcast()
	return more
}

// RetrieveBlocking waits until at least one event was moved into sink, the
// agent has no subscriptions or ctx ends.
func (a *Agent) RetrieveBlocking(ctx context.Context, sink record.Sink) (bool, error) {
	c := a.c
	for {
		c.mu.Lock()
		if a.closed {
			c.mu.Unlock()
			return false, ErrAgentClosed
		}
		counted := &countingSink{Sink: sink}
		more := a.retrieveLocked(counted)
		if counted.n > 0 || more || !sink.HasCapacity() {
			c.space.Broadcast()
			c.mu.Unlock()
			return more, nil
		}
		if a.subs.Len() == 0 {
			c.mu.Unlock()
			return false, nil
		}
		ch := a.notify
		a.waiters++
		c.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
		}

		c.mu.Lock()
		a.waiters--
		c.mu.Unlock()
		if err := ctx.Err(); err != nil {
			return false, err
		}
	}
}

type countingSink struct {
	record.Sink
	n int
}

func (s *countingSink) Append(e record.Event) {
	s.n++
	s.Sink.Append(e)
}

func (a *Agent) retrieveLocked(sink record.Sink) bool {
	for {
		if a.buf.drain(sink, a.deliverTo(sink)) {
			return true
		}
		if !sink.HasCapacity() {
			return a.traversalReady()
		}
		if a.advanceTraversals() == 0 {
			return false
		}
	}
}

func (a *Agent) deliverTo(sink record.Sink) func(*staged) {
	return func(e *staged) {
		s := e.sub
		s.delivered = true
		s.txDelivered = e.ev.Flags.Has(record.TxPending)
		sink.Append(e.ev)
		a.c.retrieved.Add(1)
	}
}

// Close removes every subscription and wakes blocked retrievers, which then
// observe ErrAgentClosed.
func (a *Agent) Close() {
	c := a.c
	c.mu.Lock()
	defer c.mu.Unlock()
	a.closeLocked()
}

func (a *Agent) closeLocked() {
	if a.closed {
		return
	}
	var subs []*agentSub
	a.subs.Scan(func(_ string, s *agentSub) bool {
		subs = append(subs, s)
		return true
	})
	for _, s := range subs {
		a.removeSub(s)
	}
	a.closed = true
	delete(a.c.agents, a.seq)
	a.c.agentCount.Add(-1)
	a.wake()
	a.c.space.Broadcast()
	a.logger.Debug("Agent closed", zap.Int64("dropped", a.dropped))
}
