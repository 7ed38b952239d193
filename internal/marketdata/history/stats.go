package history

import "sync/atomic"

// Stats accumulates mutation counters across buffers. A nil *Stats is valid
// and counts nothing.
type Stats struct {
	Inserted    atomic.Int64
	Updated     atomic.Int64
	Removed     atomic.Int64
	Compactions atomic.Int64
}

func (s *Stats) inserted() {
	if s != nil {
		s.Inserted.Add(1)
	}
}

func (s *Stats) updated() {
	if s != nil {
		s.Updated.Add(1)
	}
}

func (s *Stats) removed(n int) {
	if s != nil && n > 0 {
		s.Removed.Add(int64(n))
	}
}

func (s *Stats) compacted() {
	if s != nil {
		s.Compactions.Add(1)
	}
}

// CompactionPolicy decides, after a removal left interior holes, whether the
// buffer should be compacted now.
type CompactionPolicy func(live, holes int) bool

// DefaultCompaction compacts once there are at least 8 holes and they make up
// a third of the occupied positions.
func DefaultCompaction(live, holes int) bool {
	return holes >= 8 && holes*2 >= live
}

// NeverCompact keeps holes until they reach either end of the buffer.
func NeverCompact(live, holes int) bool { return false }

// AlwaysCompact removes holes as soon as they appear.
func AlwaysCompact(live, holes int) bool { return holes > 0 }
