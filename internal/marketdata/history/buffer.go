// Package history implements the per-(record, symbol) time-ordered buffer
// backing the History collector.
package history

import (
	"fmt"

	"github.com/Aidin1998/marketbus/internal/marketdata/record"
)

const (
	TimeMin = record.TimeMin
	TimeMax = record.TimeMax

	minRing = 8
)

type entry struct {
	time    int64
	ints    []int64
	objs    []any
	removed bool
}

// Buffer keeps at most one value per time, sorted by time, in a circular
// array. Logical removals inside the buffer leave holes that are compacted
// under the configured policy; holes at either end are trimmed immediately so
// the first and last positions always hold live values.
//
// Besides the values, the buffer keeps the snapshot watermarks used by the
// collector protocol:
//
//   - snapshotTime: lowest time the current snapshot has reached. Values at or
//     above it are consistent with the source. TimeMax until a snapshot starts.
//   - snipTime: values below it are not known, because a snapshot ended with a
//     snip or because they were evicted. TimeMin when nothing was cut.
//   - everSnapshotTime: lowest confirmed snapshot time ever, TimeMax if no
//     snapshot was ever confirmed.
//
// Buffer is not safe for concurrent use.
type Buffer struct {
	schema *record.Schema
	symbol string
	cipher int32

	ring  []entry
	head  int
	n     int
	holes int

	policy CompactionPolicy

	snapshotTime     int64
	everSnapshotTime int64
	snipTime         int64
	confirmed        bool
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithCompaction replaces DefaultCompaction.
func WithCompaction(p CompactionPolicy) Option {
	return func(b *Buffer) { b.policy = p }
}

// New creates an empty buffer for one symbol of a time-keyed schema.
func New(schema *record.Schema, symbol string, opts ...Option) *Buffer {
	if !schema.HasTime() {
		panic(fmt.Sprintf("history: schema %s has no time field", schema.Name()))
	}
	b := &Buffer{
		schema:           schema,
		symbol:           symbol,
		cipher:           record.EncodeSymbol(symbol),
		policy:           DefaultCompaction,
		snapshotTime:     TimeMax,
		everSnapshotTime: TimeMax,
		snipTime:         TimeMin,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Buffer) Schema() *record.Schema { return b.schema }
func (b *Buffer) Symbol() string { return b.symbol }

func (b *Buffer) at(i int) *entry {
	return &b.ring[(b.head+i)&(len(b.ring)-1)]
}

// search returns the first position whose time is >= t.
func (b *Buffer) search(t int64) int {
	lo, hi := 0, b.n
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if b.at(mid).time < t {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// upper returns the first position whose time is > t.
func (b *Buffer) upper(t int64) int {
	if t == TimeMax {
		return b.n
	}
	return b.search(t + 1)
}

// Size is the number of live values.
func (b *Buffer) Size() int { return b.n - b.holes }

// Holes is the number of interior removed positions awaiting compaction.
func (b *Buffer) Holes() int { return b.holes }

// MinAvailableTime is the time of the oldest value, TimeMax when empty.
func (b *Buffer) MinAvailableTime() int64 {
	if b.n == 0 {
		return TimeMax
	}
	return b.at(0).time
}

// MaxAvailableTime is the time of the newest value, TimeMin when empty.
func (b *Buffer) MaxAvailableTime() int64 {
	if b.n == 0 {
		return TimeMin
	}
	return b.at(b.n - 1).time
}

// AvailableCount counts live values with from <= time <= to. The bounds may
// be given in either order.
func (b *Buffer) AvailableCount(from, to int64) int {
	if from > to {
		from, to = to, from
	}
	p, q := b.search(from), b.upper(to)
	if q <= p {
		return 0
	}
	if b.holes == 0 {
		return q - p
	}
	n := 0
	for i := p; i < q; i++ {
		if !b.at(i).removed {
			n++
		}
	}
	return n
}

// KnownAvailableCount is AvailableCount plus whether the whole range is
// covered by a confirmed snapshot. When it is not, a zero count means the
// range was never seen rather than confirmed empty.
func (b *Buffer) KnownAvailableCount(from, to int64) (int, bool) {
	if from > to {
		from, to = to, from
	}
	known := b.confirmed && from >= max(b.snapshotTime, b.snipTime)
	return b.AvailableCount(from, to), known
}

// Lookup returns the live value at time t.
func (b *Buffer) Lookup(t int64) (record.Event, bool) {
	p := b.search(t)
	if p == b.n {
		return record.Event{}, false
	}
	e := b.at(p)
	if e.time != t || e.removed {
		return record.Event{}, false
	}
	return b.event(e, 0), true
}

func (b *Buffer) event(e *entry, flags record.EventFlag) record.Event {
	ev := record.Event{
		Schema: b.schema,
		Symbol: b.symbol,
		Cipher: b.cipher,
		Ints:   append([]int64(nil), e.ints...),
		Flags:  flags,
	}
	if e.objs != nil {
		ev.Objs = append([]any(nil), e.objs...)
	}
	return ev
}

func (b *Buffer) removalEvent(e *entry) record.Event {
	return b.event(e, record.RemoveEvent)
}

// PutRecord stores the value at time, or removes it when remove is set. The
// slices are copied. It reports whether the contents changed; removing an
// absent time is a no-op.
func (b *Buffer) PutRecord(time int64, ints []int64, objs []any, remove bool, stats *Stats) bool {
	p := b.search(time)
	if p < b.n && b.at(p).time == time {
		e := b.at(p)
		if remove {
			if e.removed {
				return false
			}
			b.tombstone(e)
			stats.removed(1)
			b.trim()
			b.maybeCompact(stats)
			return true
		}
		if e.removed {
			e.removed = false
			b.holes--
			stats.inserted()
		} else {
			stats.updated()
		}
		b.assign(e, time, ints, objs)
		return true
	}
	if remove {
		return false
	}
	b.insertAt(p)
	b.assign(b.at(p), time, ints, objs)
	stats.inserted()
	return true
}

func (b *Buffer) assign(e *entry, time int64, ints []int64, objs []any) {
	if len(e.ints) == b.schema.IntCount() {
		copy(e.ints, ints)
	} else {
		e.ints = make([]int64, b.schema.IntCount())
		copy(e.ints, ints)
	}
	e.ints[0] = time
	e.time = time
	if b.schema.ObjCount() == 0 {
		e.objs = nil
		return
	}
	if len(e.objs) != b.schema.ObjCount() {
		e.objs = make([]any, b.schema.ObjCount())
	}
	copy(e.objs, objs)
}

func (b *Buffer) tombstone(e *entry) {
	e.removed = true
	e.ints = nil
	e.objs = nil
	b.holes++
}

func (b *Buffer) insertAt(p int) {
	if b.n == len(b.ring) {
		b.grow()
	}
	if p < b.n-p {
		b.head = (b.head - 1) & (len(b.ring) - 1)
		for i := 0; i < p; i++ {
			*b.at(i) = *b.at(i + 1)
		}
	} else {
		for i := b.n; i > p; i-- {
			*b.at(i) = *b.at(i - 1)
		}
	}
	*b.at(p) = entry{}
	b.n++
}

func (b *Buffer) grow() {
	size := max(minRing, 2*len(b.ring))
	ring := make([]entry, size)
	for i := 0; i < b.n; i++ {
		ring[i] = *b.at(i)
	}
	b.ring = ring
	b.head = 0
}

// trim drops removed positions at both ends.
func (b *Buffer) trim() {
	for b.n > 0 && b.at(0).removed {
		*b.at(0) = entry{}
		b.head = (b.head + 1) & (len(b.ring) - 1)
		b.n--
		b.holes--
	}
	for b.n > 0 && b.at(b.n-1).removed {
		*b.at(b.n - 1) = entry{}
		b.n--
		b.holes--
	}
	if b.n == 0 {
		b.head = 0
	}
}

func (b *Buffer) maybeCompact(stats *Stats) {
	if b.holes > 0 && b.policy(b.Size(), b.holes) {
		b.compact(stats)
	}
}

func (b *Buffer) compact(stats *Stats) {
	j := 0
	for i := 0; i < b.n; i++ {
		if b.at(i).removed {
			continue
		}
		if i != j {
			*b.at(j) = *b.at(i)
		}
		j++
	}
	for i := j; i < b.n; i++ {
		*b.at(i) = entry{}
	}
	b.n = j
	b.holes = 0
	stats.compacted()
}

// dropFront removes the first k positions and returns how many live values
// were among them.
func (b *Buffer) dropFront(k int) int {
	live := 0
	for i := 0; i < k; i++ {
		e := b.at(i)
		if e.removed {
			b.holes--
		} else {
			live++
		}
		*e = entry{}
	}
	b.head = (b.head + k) & (len(b.ring) - 1)
	b.n -= k
	b.trim()
	return live
}

// ExamineDataRangeLTR appends live values with from <= time <= to to sink in
// ascending order. It returns true when it stopped because the sink ran out
// of capacity while values remained in the range.
func (b *Buffer) ExamineDataRangeLTR(from, to int64, sink record.Sink) bool {
	if from > to {
		panic(fmt.Sprintf("history: ascending range [%d, %d] is reversed", from, to))
	}
	first := true
	prev := int64(0)
	for i := b.search(from); i < b.n; i++ {
		e := b.at(i)
		if e.time > to {
			return false
		}
		if !first && e.time <= prev {
			panic(fmt.Sprintf("history: %s %s out of order at %d", b.schema.Name(), b.symbol, e.time))
		}
		first = false
		prev = e.time
		if e.removed {
			continue
		}
		if !sink.HasCapacity() {
			return true
		}
		sink.Append(b.event(e, 0))
	}
	return false
}

// ExamineDataRangeRTL appends live values with to <= time <= from to sink in
// descending order. It returns true when it stopped because the sink ran out
// of capacity while values remained in the range.
func (b *Buffer) ExamineDataRangeRTL(from, to int64, sink record.Sink) bool {
	if from < to {
		panic(fmt.Sprintf("history: descending range [%d, %d] is reversed", from, to))
	}
	i := b.upper(from) - 1
	first := true
	prev := int64(0)
	for ; i >= 0; i-- {
		e := b.at(i)
		if e.time < to {
			return false
		}
		if !first && e.time >= prev {
			panic(fmt.Sprintf("history: %s %s out of order at %d", b.schema.Name(), b.symbol, e.time))
		}
		first = false
		prev = e.time
		if e.removed {
			continue
		}
		if !sink.HasCapacity() {
			return true
		}
		sink.Append(b.event(e, 0))
	}
	return false
}

// RemoveOldRecords purges every value with time < below and marks the cut as
// the new snip time. It returns the number of values removed.
func (b *Buffer) RemoveOldRecords(below int64, stats *Stats) int {
	if below == TimeMin {
		return 0
	}
	removed := b.dropFront(b.search(below))
	stats.removed(removed)
	if below > b.snipTime {
		b.snipTime = below
	}
	return removed
}

// EnforceMaxRecordCount keeps only the n newest values. Values below the
// oldest survivor become unknown.
func (b *Buffer) EnforceMaxRecordCount(n int, stats *Stats) int {
	if n < 0 {
		n = 0
	}
	excess := b.Size() - n
	if excess <= 0 {
		return 0
	}
	k, live := 0, 0
	last := int64(TimeMin)
	for live < excess {
		e := b.at(k)
		if !e.removed {
			live++
			last = e.time
		}
		k++
	}
	b.dropFront(k)
	stats.removed(excess)
	cut := b.MinAvailableTime()
	if b.n == 0 {
		cut = last + 1
	}
	if cut > b.snipTime {
		b.snipTime = cut
	}
	return excess
}

// sweep removes live values in positions [p, q), appending a removal event
// for each to sink in descending time order while the sink has capacity.
func (b *Buffer) sweep(p, q int, sink record.Sink, stats *Stats) int {
	removed := 0
	for i := q - 1; i >= p; i-- {
		e := b.at(i)
		if e.removed {
			continue
		}
		if sink != nil && sink.HasCapacity() {
			sink.Append(b.removalEvent(e))
		}
		b.tombstone(e)
		removed++
	}
	stats.removed(removed)
	b.trim()
	b.maybeCompact(stats)
	return removed
}

// SnapshotSnipAndRemove ends a snapshot at snipTime: values below it are
// removed with removal events appended to sink, and the data below snipTime
// becomes unknown.
func (b *Buffer) SnapshotSnipAndRemove(snipTime int64, sink record.Sink, stats *Stats) int {
	removed := b.sweep(0, b.search(snipTime), sink, stats)
	b.snipTime = snipTime
	if snipTime < b.snapshotTime {
		b.snapshotTime = snipTime
	}
	return removed
}

// UpdateSnapshotTimeAndSweepRemove lowers the snapshot watermark to
// newKnownTime and removes values strictly between newKnownTime and trimTo,
// which the snapshot skipped. TimeMin and TimeMax bounds are inclusive.
// Removal events are appended to sink in descending time order.
func (b *Buffer) UpdateSnapshotTimeAndSweepRemove(newKnownTime, trimTo int64, sink record.Sink, stats *Stats) int {
	removed := 0
	if newKnownTime < trimTo {
		p := 0
		if newKnownTime != TimeMin {
			p = b.search(newKnownTime + 1)
		}
		q := b.n
		if trimTo != TimeMax {
			q = b.search(trimTo)
		}
		if p < q {
			removed = b.sweep(p, q, sink, stats)
		}
	}
	if newKnownTime < b.snapshotTime {
		b.snapshotTime = newKnownTime
	}
	return removed
}

// ConfirmSnapshot marks the current snapshot as terminated. An end terminator
// makes everything below the snapshot known to be absent.
func (b *Buffer) ConfirmSnapshot(end bool) {
	if end {
		b.snapshotTime = TimeMin
		b.snipTime = TimeMin
	}
	b.confirmed = true
	if low := max(b.snapshotTime, b.snipTime); low < b.everSnapshotTime {
		b.everSnapshotTime = low
	}
}

// ResetSnapshot forgets the snapshot watermark so that the next snapshot
// starts from scratch. The stored values are kept.
func (b *Buffer) ResetSnapshot() {
	b.snapshotTime = TimeMax
	b.confirmed = false
}

func (b *Buffer) SnapshotTime() int64 { return b.snapshotTime }
func (b *Buffer) EverSnapshotTime() int64 { return b.everSnapshotTime }
func (b *Buffer) SnipTime() int64 { return b.snipTime }

// SnapshotConfirmed reports whether the current snapshot was terminated.
func (b *Buffer) SnapshotConfirmed() bool { return b.confirmed }

// EverSnapshot reports whether any snapshot was ever confirmed.
func (b *Buffer) EverSnapshot() bool { return b.everSnapshotTime != TimeMax }

// Validate checks the structural invariants.
func (b *Buffer) Validate() error {
	if b.n > len(b.ring) {
		return fmt.Errorf("history: %d positions in a ring of %d", b.n, len(b.ring))
	}
	holes := 0
	for i := 0; i < b.n; i++ {
		e := b.at(i)
		if e.removed {
			holes++
		} else if len(e.ints) == 0 || e.ints[0] != e.time {
			return fmt.Errorf("history: position %d time %d does not match its value", i, e.time)
		}
		if i > 0 && b.at(i-1).time >= e.time {
			return fmt.Errorf("history: position %d time %d is not after %d", i, e.time, b.at(i-1).time)
		}
	}
	if holes != b.holes {
		return fmt.Errorf("history: %d holes counted, %d recorded", holes, b.holes)
	}
	if b.n > 0 && (b.at(0).removed || b.at(b.n-1).removed) {
		return fmt.Errorf("history: removed value at an end")
	}
	return nil
}
