package history

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aidin1998/marketbus/internal/marketdata/record"
)

var tickSchema = record.MustSchema("Tick",
	record.Field{Name: "time", Kind: record.KindTime},
	record.Field{Name: "value", Kind: record.KindInt},
)

func newBuffer(opts ...Option) *Buffer {
	return New(tickSchema, "IBM", opts...)
}

func put(b *Buffer, t, v int64, stats *Stats) bool {
	return b.PutRecord(t, []int64{t, v}, nil, false, stats)
}

func remove(b *Buffer, t int64, stats *Stats) bool {
	return b.PutRecord(t, nil, nil, true, stats)
}

// reference is the naive model the buffer is checked against.
type reference map[int64]int64

func (r reference) times() []int64 {
	ts := make([]int64, 0, len(r))
	for t := range r {
		ts = append(ts, t)
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i] < ts[j] })
	return ts
}

func (r reference) count(from, to int64) int {
	n := 0
	for t := range r {
		if t >= from && t <= to {
			n++
		}
	}
	return n
}

func (r reference) removeBelow(below int64) int {
	n := 0
	for t := range r {
		if t < below {
			delete(r, t)
			n++
		}
	}
	return n
}

func times(events []record.Event) []int64 {
	out := make([]int64, len(events))
	for i := range events {
		out[i] = events[i].Time()
	}
	return out
}

func checkAgainst(t *testing.T, b *Buffer, ref reference, rnd *rand.Rand) {
	t.Helper()
	require.NoError(t, b.Validate())
	require.Equal(t, len(ref), b.Size())
	ts := ref.times()
	if len(ts) == 0 {
		require.Equal(t, int64(TimeMax), b.MinAvailableTime())
		require.Equal(t, int64(TimeMin), b.MaxAvailableTime())
	} else {
		require.Equal(t, ts[0], b.MinAvailableTime())
		require.Equal(t, ts[len(ts)-1], b.MaxAvailableTime())
	}
	for i := 0; i < 4; i++ {
		from := int64(rnd.Intn(240)) - 20
		to := from + int64(rnd.Intn(120))
		require.Equal(t, ref.count(from, to), b.AvailableCount(from, to), "[%d, %d]", from, to)
		require.Equal(t, ref.count(from, to), b.AvailableCount(to, from))
	}
	require.Equal(t, len(ref), b.AvailableCount(TimeMin, TimeMax))
}

func TestDifferential(t *testing.T) {
	policies := map[string]CompactionPolicy{
		"Default": DefaultCompaction,
		"Never":   NeverCompact,
		"Always":  AlwaysCompact,
	}
	for name, policy := range policies {
		t.Run(name, func(t *testing.T) {
			rnd := rand.New(rand.NewSource(42))
			var stats Stats
			b := newBuffer(WithCompaction(policy))
			ref := reference{}
			for step := 0; step < 20000; step++ {
				tm := int64(rnd.Intn(200))
				switch op := rnd.Intn(100); {
				case op < 55:
					v := rnd.Int63()
					require.True(t, put(b, tm, v, &stats))
					ref[tm] = v
				case op < 95:
					_, had := ref[tm]
					require.Equal(t, had, remove(b, tm, &stats))
					delete(ref, tm)
				case op < 97:
					below := int64(rnd.Intn(60))
					require.Equal(t, ref.removeBelow(below), b.RemoveOldRecords(below, &stats))
				default:
					keep := rnd.Intn(120)
					ts := ref.times()
					want := 0
					for len(ts) > keep {
						delete(ref, ts[0])
						ts = ts[1:]
						want++
					}
					require.Equal(t, want, b.EnforceMaxRecordCount(keep, &stats))
				}
				checkAgainst(t, b, ref, rnd)
				if step%97 == 0 {
					for _, ts := range ref.times() {
						ev, ok := b.Lookup(ts)
						require.True(t, ok)
						require.Equal(t, ref[ts], ev.Ints[1])
					}
				}
			}
			assert.Positive(t, stats.Inserted.Load())
			assert.Positive(t, stats.Removed.Load())
			if name == "Never" {
				assert.Zero(t, stats.Compactions.Load())
			} else {
				assert.Positive(t, stats.Compactions.Load())
			}
		})
	}
}

func TestIdempotentRemoveReinsert(t *testing.T) {
	rnd := rand.New(rand.NewSource(3))
	b := newBuffer(WithCompaction(NeverCompact))
	for tm := int64(0); tm < 100; tm += 3 {
		put(b, tm, tm*10, nil)
	}
	size := b.Size()
	lo, hi := b.MinAvailableTime(), b.MaxAvailableTime()
	counts := make(map[[2]int64]int)
	for i := 0; i < 50; i++ {
		from := int64(rnd.Intn(100))
		to := from + int64(rnd.Intn(50))
		counts[[2]int64{from, to}] = b.AvailableCount(from, to)
	}
	before := record.NewBuffer(0)
	b.ExamineDataRangeLTR(TimeMin, TimeMax, before)

	for _, tm := range []int64{0, 51, 99, 42} {
		require.True(t, remove(b, tm, nil))
		require.True(t, put(b, tm, tm*10, nil))
	}
	require.False(t, remove(b, 1, nil))

	assert.Equal(t, size, b.Size())
	assert.Equal(t, lo, b.MinAvailableTime())
	assert.Equal(t, hi, b.MaxAvailableTime())
	for r, n := range counts {
		assert.Equal(t, n, b.AvailableCount(r[0], r[1]))
	}
	after := record.NewBuffer(0)
	b.ExamineDataRangeLTR(TimeMin, TimeMax, after)
	require.Equal(t, before.Len(), after.Len())
	for i := range before.Events() {
		assert.True(t, before.Events()[i].SameData(&after.Events()[i]))
	}
}

func TestExamineRanges(t *testing.T) {
	b := newBuffer()
	for tm := int64(1); tm <= 10; tm++ {
		put(b, tm, tm, nil)
	}
	remove(b, 5, nil)

	t.Run("LTR", func(t *testing.T) {
		sink := record.NewBuffer(0)
		assert.False(t, b.ExamineDataRangeLTR(3, 7, sink))
		assert.Equal(t, []int64{3, 4, 6, 7}, times(sink.Events()))
	})
	t.Run("RTL", func(t *testing.T) {
		sink := record.NewBuffer(0)
		assert.False(t, b.ExamineDataRangeRTL(7, 3, sink))
		assert.Equal(t, []int64{7, 6, 4, 3}, times(sink.Events()))
	})
	t.Run("Capacity", func(t *testing.T) {
		sink := record.NewBuffer(2)
		assert.True(t, b.ExamineDataRangeLTR(TimeMin, TimeMax, sink))
		assert.Equal(t, []int64{1, 2}, times(sink.Events()))

		sink = record.NewBuffer(2)
		assert.True(t, b.ExamineDataRangeRTL(TimeMax, TimeMin, sink))
		assert.Equal(t, []int64{10, 9}, times(sink.Events()))

		sink = record.NewBuffer(1)
		assert.False(t, b.ExamineDataRangeRTL(1, 1, sink))
		assert.Equal(t, []int64{1}, times(sink.Events()))
	})
	t.Run("Reversed", func(t *testing.T) {
		assert.Panics(t, func() { b.ExamineDataRangeLTR(5, 4, record.NewBuffer(0)) })
		assert.Panics(t, func() { b.ExamineDataRangeRTL(4, 5, record.NewBuffer(0)) })
	})
	t.Run("Lookup", func(t *testing.T) {
		ev, ok := b.Lookup(4)
		require.True(t, ok)
		assert.Equal(t, "IBM", ev.Symbol)
		assert.Equal(t, int64(4), ev.Int("value"))
		_, ok = b.Lookup(5)
		assert.False(t, ok)
		_, ok = b.Lookup(11)
		assert.False(t, ok)
	})
}

func TestSnapshotSweeps(t *testing.T) {
	t.Run("UpdateSnapshotTimeAndSweepRemove", func(t *testing.T) {
		var stats Stats
		b := newBuffer()
		for tm := int64(0); tm < 10; tm++ {
			put(b, tm, tm, nil)
		}
		sink := record.NewBuffer(0)
		assert.Equal(t, 3, b.UpdateSnapshotTimeAndSweepRemove(5, 9, sink, &stats))
		assert.Equal(t, []int64{8, 7, 6}, times(sink.Events()))
		for _, ev := range sink.Events() {
			assert.Equal(t, record.RemoveEvent, ev.Flags)
		}
		assert.Equal(t, int64(5), b.SnapshotTime())
		assert.Equal(t, 7, b.Size())

		sink.Reset()
		assert.Equal(t, 1, b.UpdateSnapshotTimeAndSweepRemove(TimeMin, 1, sink, &stats))
		assert.Equal(t, []int64{0}, times(sink.Events()))
		assert.Equal(t, int64(TimeMin), b.SnapshotTime())

		sink.Reset()
		assert.Equal(t, 1, b.UpdateSnapshotTimeAndSweepRemove(5, TimeMax, sink, &stats))
		assert.Equal(t, []int64{9}, times(sink.Events()))
		assert.Equal(t, int64(5), stats.Removed.Load())
		require.NoError(t, b.Validate())
	})

	t.Run("SnapshotSnipAndRemove", func(t *testing.T) {
		b := newBuffer()
		for tm := int64(0); tm < 6; tm++ {
			put(b, tm, tm, nil)
		}
		sink := record.NewBuffer(0)
		assert.Equal(t, 3, b.SnapshotSnipAndRemove(3, sink, nil))
		assert.Equal(t, []int64{2, 1, 0}, times(sink.Events()))
		assert.Equal(t, int64(3), b.SnipTime())
		assert.Equal(t, int64(3), b.SnapshotTime())
		b.ConfirmSnapshot(false)
		assert.True(t, b.SnapshotConfirmed())
		assert.True(t, b.EverSnapshot())
		assert.Equal(t, int64(3), b.EverSnapshotTime())

		n, known := b.KnownAvailableCount(3, 10)
		assert.Equal(t, 3, n)
		assert.True(t, known)
		n, known = b.KnownAvailableCount(0, 2)
		assert.Zero(t, n)
		assert.False(t, known)

		b.ConfirmSnapshot(true)
		assert.Equal(t, int64(TimeMin), b.SnipTime())
		assert.Equal(t, int64(TimeMin), b.EverSnapshotTime())
		_, known = b.KnownAvailableCount(0, 2)
		assert.True(t, known)

		b.ResetSnapshot()
		assert.False(t, b.SnapshotConfirmed())
		assert.Equal(t, int64(TimeMax), b.SnapshotTime())
		assert.True(t, b.EverSnapshot())
	})

	t.Run("NeverSnapshot", func(t *testing.T) {
		b := newBuffer()
		assert.False(t, b.EverSnapshot())
		_, known := b.KnownAvailableCount(0, 10)
		assert.False(t, known)
	})
}

func TestEviction(t *testing.T) {
	b := newBuffer()
	for tm := int64(0); tm < 10; tm++ {
		put(b, tm, tm, nil)
	}
	var stats Stats
	assert.Equal(t, 4, b.RemoveOldRecords(4, &stats))
	assert.Equal(t, int64(4), b.SnipTime())
	assert.Equal(t, int64(4), b.MinAvailableTime())

	assert.Equal(t, 3, b.EnforceMaxRecordCount(3, &stats))
	assert.Equal(t, int64(7), b.MinAvailableTime())
	assert.Equal(t, int64(7), b.SnipTime())
	assert.Equal(t, int64(7), stats.Removed.Load())

	assert.Zero(t, b.EnforceMaxRecordCount(5, &stats))
	assert.Equal(t, 3, b.EnforceMaxRecordCount(0, &stats))
	assert.Zero(t, b.Size())
	assert.Equal(t, int64(10), b.SnipTime())
	require.NoError(t, b.Validate())
}

func TestGrowAroundRing(t *testing.T) {
	b := newBuffer()
	// Alternate prepends and appends so the head wraps before each growth.
	for i := int64(0); i < 100; i++ {
		put(b, 1000+i, i, nil)
		put(b, 999-i, i, nil)
		require.NoError(t, b.Validate())
	}
	assert.Equal(t, 200, b.Size())
	assert.Equal(t, int64(900), b.MinAvailableTime())
	assert.Equal(t, int64(1099), b.MaxAvailableTime())
	sink := record.NewBuffer(0)
	b.ExamineDataRangeLTR(TimeMin, TimeMax, sink)
	ts := times(sink.Events())
	assert.True(t, sort.SliceIsSorted(ts, func(i, j int) bool { return ts[i] < ts[j] }))
}
