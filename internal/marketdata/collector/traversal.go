package collector

import (
	"github.com/Aidin1998/marketbus/internal/marketdata/record"
)

// plan is the next step of a snapshot traversal: scan from hi down to
// target, then terminate if complete.
type plan struct {
	hi, target int64
	terminator record.EventFlag
	complete   bool
}

// nextPlan computes where the traversal of s stands against the slot
// boundary. ok is false when there is nothing to do until the source
// advances.
func (a *Agent) nextPlan(s *agentSub) (p plan, ok bool) {
	low, confirmed := s.slot.boundary()
	p.target = max(s.floor, low)
	p.complete = confirmed || low <= s.floor
	p.terminator = record.SnapshotEnd
	if p.target > s.floor {
		p.terminator = record.SnapshotSnip
	}
	switch {
	case s.known == record.TimeMax:
		p.hi = record.TimeMax
	case s.known > p.target:
		p.hi = s.known - 1
	case p.complete:
		p.hi = p.target
	default:
		return p, false
	}
	if a.conflated && !p.complete {
		return p, false
	}
	return p, true
}

// traversalSink stages the records of a traversal scan with their snapshot
// flags.
type traversalSink struct {
	a     *Agent
	s     *agentSub
	p     plan
	dirty bool
	limit int
	n     int
	ended bool
}

func (t *traversalSink) HasCapacity() bool { return t.limit <= 0 || t.n < t.limit }

func (t *traversalSink) Append(ev record.Event) {
	s := t.s
	ev.Flags = 0
	if t.a.snapshots {
		if !s.begun {
			ev.Flags |= record.SnapshotBegin
		}
		if t.p.complete && ev.Time() == t.p.target {
			ev.Flags |= t.p.terminator
			t.ended = true
		}
		if t.dirty {
			ev.Flags |= record.TxPending
		}
	} else if t.p.complete && ev.Time() == t.p.target {
		t.ended = true
	}
	s.begun = true
	s.known = ev.Time()
	t.a.stage(s, ev, true)
	t.n++
}

// advanceTraversals runs the pending traversals within one batch and
// returns the number of staged events.
func (a *Agent) advanceTraversals() int {
	budget := a.c.cfg.SnapshotBatch
	total := 0
	kept := a.pending[:0]
	for _, s := range a.pending {
		if s.traversing && (budget > 0 || a.conflated) {
			n := a.traverse(s, budget)
			total += n
			if !a.conflated {
				budget -= n
			}
		}
		if s.traversing {
			kept = append(kept, s)
		} else {
			s.queued = false
		}
	}
	clear(a.pending[len(kept):])
	a.pending = kept
	return total
}

// traversalReady reports whether a traversal has something to stage.
func (a *Agent) traversalReady() bool {
	for _, s := range a.pending {
		if !s.traversing {
			continue
		}
		p, ok := a.nextPlan(s)
		if !ok {
			continue
		}
		if p.complete || s.slot.hb.AvailableCount(p.hi, p.target) > 0 {
			return true
		}
	}
	return false
}

// traverse walks the snapshot of s from the newest record downwards, at most
// limit records at a time, and terminates it once the target is reached.
func (a *Agent) traverse(s *agentSub, limit int) int {
	p, ok := a.nextPlan(s)
	if !ok {
		return 0
	}
	sl := s.slot
	dirty := sl.dirty()
	if a.conflated {
		return a.traverseConflated(s, p, dirty)
	}

	sink := &traversalSink{a: a, s: s, p: p, dirty: dirty, limit: limit}
	if sl.hb.ExamineDataRangeRTL(p.hi, p.target, sink) {
		return sink.n
	}
	if !p.complete {
		if s.begun {
			s.known = p.target
		}
		return sink.n
	}
	if !sink.ended && a.snapshots {
		flags := record.RemoveEvent | p.terminator
		if !s.begun {
			flags |= record.SnapshotBegin
		}
		if dirty {
			flags |= record.TxPending
		}
		a.stage(s, sl.virtualEvent(p.target, flags), true)
		sink.n++
	}
	a.finish(s)
	return sink.n
}

// traverseConflated stages only the newest record of a complete snapshot.
func (a *Agent) traverseConflated(s *agentSub, p plan, dirty bool) int {
	sl := s.slot
	var flags record.EventFlag
	if a.snapshots {
		flags = record.SnapshotBegin | p.terminator
		if dirty {
			flags |= record.TxPending
		}
	}
	n := 0
	if t := sl.hb.MaxAvailableTime(); sl.hb.Size() > 0 && t >= p.target {
		if ev, ok := sl.hb.Lookup(t); ok {
			ev.Flags = flags
			a.stage(s, ev, true)
			n++
		}
	} else if a.snapshots {
		a.stage(s, sl.virtualEvent(p.target, flags|record.RemoveEvent), true)
		n++
	}
	a.finish(s)
	return n
}

func (a *Agent) finish(s *agentSub) {
	s.begun = true
	s.done = true
	s.traversing = false
	s.known = s.floor
	if a.snapshots && s.txPending && !s.slot.dirty() {
		a.closeTx(s)
	}
}
