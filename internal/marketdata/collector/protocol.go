package collector

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/Aidin1998/marketbus/internal/marketdata/record"
)

// legacySpan is the time span an unflagged batch covers for one slot.
type legacySpan struct {
	lo, hi int64
	times  map[int64]struct{}
	swept  bool
}

// Distribute processes a batch of events in order. Invalid events are
// reported to the error handler and skipped. Distribute blocks while a
// subscribed agent using OverflowBlock is full.
func (c *Collector) Distribute(events []record.Event) {
	if len(events) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		c.report(ErrCollectorClosed)
		return
	}

	spans := c.legacySpans(events)
	for i := range events {
		ev := &events[i]
		if err := c.checkEvent(ev); err != nil {
			c.report(fmt.Errorf("failed to distribute %s: %w", ev, err))
			continue
		}
		key := newSymbolKey(ev.Schema, ev.Symbol)
		c.awaitSpace(key)
		if c.closed {
			return
		}
		sl := c.slotFor(ev.Schema, ev.Symbol, c.storeEverything)
		if sl == nil {
			continue
		}
		c.distributed.Add(1)

		var removed []record.Event
		if sp := spans[key]; sp != nil && ev.Flags == 0 && !sl.snapshotMode && !sp.swept {
			sp.swept = true
			if len(sp.times) > 1 {
				removed = c.legacySweep(sl, sp)
			}
		}
		c.processEvent(sl, ev, removed)
		c.evict(sl)
	}
}

func (c *Collector) legacySpans(events []record.Event) map[symbolKey]*legacySpan {
	var spans map[symbolKey]*legacySpan
	for i := range events {
		ev := &events[i]
		if ev.Flags != 0 || c.checkEvent(ev) != nil {
			continue
		}
		if spans == nil {
			spans = make(map[symbolKey]*legacySpan)
		}
		key := newSymbolKey(ev.Schema, ev.Symbol)
		t := ev.Time()
		sp := spans[key]
		if sp == nil {
			sp = &legacySpan{lo: t, hi: t, times: make(map[int64]struct{})}
			spans[key] = sp
		}
		sp.lo = min(sp.lo, t)
		sp.hi = max(sp.hi, t)
		sp.times[t] = struct{}{}
	}
	return spans
}

// legacySweep removes the values of the span the batch no longer carries and
// returns their removal events in descending time order.
func (c *Collector) legacySweep(sl *slot, sp *legacySpan) []record.Event {
	var present []record.Event
	sl.hb.ExamineDataRangeRTL(sp.hi, sp.lo, record.SinkFunc(func(e record.Event) {
		if _, ok := sp.times[e.Time()]; !ok {
			present = append(present, e)
		}
	}))
	for i := range present {
		sl.hb.PutRecord(present[i].Time(), nil, nil, true, &c.stats)
		present[i].Flags = record.RemoveEvent
	}
	return present
}

// awaitSpace parks the caller while a blocking agent subscribed to key is
// full.
func (c *Collector) awaitSpace(key symbolKey) {
	for !c.closed {
		sl := c.lookup(key)
		if sl == nil || !c.blocked(sl) {
			return
		}
		c.space.Wait()
	}
}

func (c *Collector) blocked(sl *slot) bool {
	for _, s := range sl.subs {
		a := s.agent
		if a.overflow == OverflowBlock && !a.conflated && a.buf.full(a.maxSize) {
			return true
		}
	}
	return false
}

// processEvent applies one event to the slot and hands the resulting
// deliveries to the subscriptions. pre holds removals that precede it.
func (c *Collector) processEvent(sl *slot, ev *record.Event, pre []record.Event) {
	hb := sl.hb
	t := ev.Time()
	out := c.scratch
	out.Reset()
	for _, e := range pre {
		out.Append(e)
	}

	switch {
	case ev.Flags.Has(record.SnapshotMode):
		if !sl.snapshotMode {
			sl.snapshotMode = true
			hb.ResetSnapshot()
		}
		return
	case ev.Flags.Has(record.SnapshotBegin):
		sl.resnapshot = hb.Size() > 0 || hb.SnapshotConfirmed() || sl.legacyData
		sl.snapshotMode = true
		sl.inSnapshot = true
		sl.sweepTime = record.TimeMax
	}

	remove := ev.Flags.Has(record.RemoveEvent)
	if sl.inSnapshot && t > sl.sweepTime {
		c.report(fmt.Errorf("failed to apply %s after time %d: %w", ev, sl.sweepTime, ErrSnapshotOrder))
	} else if sl.inSnapshot {
		hb.UpdateSnapshotTimeAndSweepRemove(t, sl.sweepTime, out, &c.stats)
		sl.sweepTime = t
		hb.PutRecord(t, ev.Ints, ev.Objs, remove, &c.stats)
		out.Append(delivery(ev))
		switch {
		case ev.Flags.Has(record.SnapshotEnd):
			hb.UpdateSnapshotTimeAndSweepRemove(record.TimeMin, t, out, &c.stats)
			hb.ConfirmSnapshot(true)
			sl.inSnapshot, sl.resnapshot = false, false
		case ev.Flags.Has(record.SnapshotSnip):
			hb.SnapshotSnipAndRemove(t, out, &c.stats)
			hb.ConfirmSnapshot(false)
			sl.inSnapshot, sl.resnapshot = false, false
		}
		sl.sourceTx = ev.Flags.Has(record.TxPending)
		c.deliver(sl, out.Events())
		return
	}

	hb.PutRecord(t, ev.Ints, ev.Objs, remove, &c.stats)
	if !sl.snapshotMode {
		sl.legacyData = true
	}
	sl.sourceTx = ev.Flags.Has(record.TxPending)
	out.Append(delivery(ev))
	c.deliver(sl, out.Events())
}

func delivery(ev *record.Event) record.Event {
	d := ev.Clone()
	d.Flags &= record.RemoveEvent
	return d
}

// deliver tags the deliveries produced by one incoming event and offers them
// to every subscription of the slot. All but the last are transaction
// pending; the last one too while the slot stays dirty.
func (c *Collector) deliver(sl *slot, ds []record.Event) {
	if len(ds) == 0 {
		return
	}
	dirty := sl.dirty()
	for i := range ds {
		if dirty || i < len(ds)-1 {
			ds[i].Flags |= record.TxPending
		} else {
			ds[i].Flags &^= record.TxPending
		}
	}
	for _, s := range sl.subs {
		s.agent.receive(s, ds, !dirty)
	}
}

// evict applies the record count cap and drops values below every
// subscription floor.
func (c *Collector) evict(sl *slot) {
	if n := c.cfg.HistoryMaxRecords; n > 0 {
		if removed := sl.hb.EnforceMaxRecordCount(n, &c.stats); removed > 0 {
			c.logger.Debug("Enforced history cap",
				zap.String("record", sl.schema.Name()),
				zap.String("symbol", sl.key.symbol),
				zap.Int("removed", removed),
			)
		}
	}
	if c.storeEverything || len(sl.subs) == 0 {
		return
	}
	if floor := sl.minFloor(); floor > sl.hb.SnipTime() {
		sl.hb.RemoveOldRecords(floor, &c.stats)
	}
}

// ExamineData appends every stored value of every buffer to sink in
// ascending time order per buffer. It returns true when the sink ran out of
// capacity first.
func (c *Collector) ExamineData(sink record.Sink) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sl := range c.slots {
		if sl == nil {
			continue
		}
		if sl.hb.ExamineDataRangeLTR(record.TimeMin, record.TimeMax, sink) {
			return true
		}
	}
	return false
}

// ExamineDataBySubscription appends the stored values at or above each
// subscription floor.
func (c *Collector) ExamineDataBySubscription(subs []Subscription, sink record.Sink) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range subs {
		if err := c.checkSchema(sub.Schema); err != nil {
			c.report(fmt.Errorf("failed to examine %s: %w", sub, err))
			continue
		}
		sl := c.slotFor(sub.Schema, sub.Symbol, false)
		if sl == nil {
			continue
		}
		if sl.hb.ExamineDataRangeLTR(sub.FromTime, record.TimeMax, sink) {
			return true
		}
	}
	return false
}

// ExamineDataRange appends the stored values of one buffer between from and
// to, both inclusive, walking from from towards to.
func (c *Collector) ExamineDataRange(schema *record.Schema, symbol string, from, to int64, sink record.Sink) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkSchema(schema); err != nil {
		c.report(fmt.Errorf("failed to examine %s %s: %w", schemaName(schema), symbol, err))
		return false
	}
	sl := c.slotFor(schema, symbol, false)
	if sl == nil {
		return false
	}
	if from <= to {
		return sl.hb.ExamineDataRangeLTR(from, to, sink)
	}
	return sl.hb.ExamineDataRangeRTL(from, to, sink)
}

func schemaName(s *record.Schema) string {
	if s == nil {
		return "<nil>"
	}
	return s.Name()
}
