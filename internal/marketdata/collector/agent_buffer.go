package collector

import (
	"sync/atomic"

	"github.com/Aidin1998/marketbus/internal/marketdata/record"
)

type staged struct {
	ev  record.Event
	sub *agentSub // nil once the entry was dropped
}

// agentBuffer holds the events staged for one agent until it retrieves them.
//
// In ordered mode every event is kept in staging order. Consumed entries are
// skipped by advancing head, dropped entries become holes; both are reclaimed
// by rebasing the slice in place once they outweigh the live entries.
//
// In conflated mode there is at most one entry per subscription. A new event
// replaces the pending one, keeping the snapshot flags of both.
type agentBuffer struct {
	conflated bool
	threshold int
	rebases   *atomic.Int64

	entries []staged
	head    int
	holes   int
	index   map[*agentSub]int
}

func newAgentBuffer(conflated bool, threshold int, rebases *atomic.Int64) *agentBuffer {
	b := &agentBuffer{conflated: conflated, threshold: threshold, rebases: rebases}
	if conflated {
		b.index = make(map[*agentSub]int)
	}
	return b
}

// len is the number of staged events not yet retrieved.
func (b *agentBuffer) len() int { return len(b.entries) - b.head - b.holes }

func (b *agentBuffer) full(limit int) bool { return limit > 0 && b.len() >= limit }

// push stages ev for s and returns the flags of the resulting entry.
func (b *agentBuffer) push(ev record.Event, s *agentSub) record.EventFlag {
	if b.conflated {
		if i, ok := b.index[s]; ok {
			ev.Flags |= b.entries[i].ev.Flags & record.SnapshotFlags
			b.entries[i].ev = ev
			return ev.Flags
		}
		b.index[s] = len(b.entries)
	}
	b.entries = append(b.entries, staged{ev: ev, sub: s})
	return ev.Flags
}

func (b *agentBuffer) drop(i int) record.EventFlag {
	e := &b.entries[i]
	flags := e.ev.Flags
	if b.conflated {
		delete(b.index, e.sub)
	}
	e.sub = nil
	e.ev = record.Event{}
	b.holes++
	return flags
}

// dropSub discards every entry of s.
func (b *agentBuffer) dropSub(s *agentSub) {
	if b.conflated {
		if i, ok := b.index[s]; ok {
			b.drop(i)
		}
		return
	}
	for i := b.head; i < len(b.entries); i++ {
		if b.entries[i].sub == s {
			b.drop(i)
		}
	}
	b.maybeRebase()
}

// dropBelow discards the entries of s older than floor and returns the union
// of their flags.
func (b *agentBuffer) dropBelow(s *agentSub, floor int64) record.EventFlag {
	var flags record.EventFlag
	if b.conflated {
		if i, ok := b.index[s]; ok && b.entries[i].ev.Time() < floor {
			flags = b.drop(i)
		}
		return flags
	}
	for i := b.head; i < len(b.entries); i++ {
		if e := &b.entries[i]; e.sub == s && e.ev.Time() < floor {
			flags |= b.drop(i)
		}
	}
	b.maybeRebase()
	return flags
}

// lastTx reports whether s has a staged entry and whether the newest one is
// transaction pending.
func (b *agentBuffer) lastTx(s *agentSub) (found, tx bool) {
	if b.conflated {
		i, ok := b.index[s]
		return ok, ok && b.entries[i].ev.Flags.Has(record.TxPending)
	}
	for i := len(b.entries) - 1; i >= b.head; i-- {
		if e := &b.entries[i]; e.sub == s {
			return true, e.ev.Flags.Has(record.TxPending)
		}
	}
	return false, false
}

// clearTx resolves the pending conflated entry of s.
func (b *agentBuffer) clearTx(s *agentSub) bool {
	i, ok := b.index[s]
	if !ok {
		return false
	}
	b.entries[i].ev.Flags &^= record.TxPending
	return true
}

// withheld reports whether a conflated entry must wait for its transaction
// to resolve: the subscription already shows a resolved value.
func withheld(e *staged) bool {
	s := e.sub
	return e.ev.Flags.Has(record.TxPending) && s.delivered && !s.txDelivered
}

// drain moves staged events into sink. It returns true when the sink ran out
// of capacity while deliverable events remain.
func (b *agentBuffer) drain(sink record.Sink, deliver func(*staged)) bool {
	if b.conflated {
		return b.drainConflated(sink, deliver)
	}
	for b.head < len(b.entries) {
		e := &b.entries[b.head]
		if e.sub == nil {
			b.holes--
			b.head++
			continue
		}
		if !sink.HasCapacity() {
			b.maybeRebase()
			return true
		}
		deliver(e)
		*e = staged{}
		b.head++
	}
	b.maybeRebase()
	return false
}

func (b *agentBuffer) drainConflated(sink record.Sink, deliver func(*staged)) bool {
	kept := 0
	more := false
	for i := b.head; i < len(b.entries); i++ {
		e := b.entries[i]
		if e.sub == nil {
			continue
		}
		if !withheld(&e) {
			if sink.HasCapacity() {
				deliver(&e)
				delete(b.index, e.sub)
				continue
			}
			more = true
		}
		b.entries[kept] = e
		b.index[e.sub] = kept
		kept++
	}
	clear(b.entries[kept:])
	b.entries = b.entries[:kept]
	b.head = 0
	b.holes = 0
	return more
}

func (b *agentBuffer) maybeRebase() {
	if b.conflated {
		return
	}
	if b.len() == 0 {
		clear(b.entries)
		b.entries = b.entries[:0]
		b.head = 0
		b.holes = 0
		return
	}
	consumed := b.head >= b.threshold && b.head*2 >= len(b.entries)
	fragmented := b.holes >= b.threshold && b.holes*2 >= b.len()
	if consumed || fragmented {
		b.rebase()
	}
}

// rebase moves the live entries to the front of the slice, preserving order.
func (b *agentBuffer) rebase() {
	n := 0
	for i := b.head; i < len(b.entries); i++ {
		if b.entries[i].sub != nil {
			b.entries[n] = b.entries[i]
			n++
		}
	}
	clear(b.entries[n:])
	b.entries = b.entries[:n]
	b.head = 0
	b.holes = 0
	if b.rebases != nil {
		b.rebases.Add(1)
	}
}
