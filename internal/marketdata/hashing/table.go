package hashing

import "math/bits"

const (
	defaultCapacity = 8
	maxBits         = 30
)

type entry[K comparable, V any] struct {
	key  K
	val  V
	used bool
}

type options struct {
	capacity int
	magic    uint32
	fixed    bool
}

// Option configures a Table.
type Option func(*options)

// WithCapacity sets the initial number of slots, rounded up to a power of two.
func WithCapacity(n int) Option {
	return func(o *options) { o.capacity = n }
}

// WithMagic replaces the multiplier. Even values are made odd.
func WithMagic(m uint32) Option {
	return func(o *options) { o.magic = m | 1 }
}

// Fixed disables growth. Inserting into a full fixed table panics.
func Fixed() Option {
	return func(o *options) { o.fixed = true }
}

// Table is an open-addressing hash table with linear probing towards lower
// slots and wrap-around. Removal re-indexes the trailing probe run instead of
// leaving tombstones. It is not safe for concurrent use.
type Table[K comparable, V any] struct {
	code  func(K) uint32
	magic uint32
	shift uint
	mask  int
	slots []entry[K, V]
	size  int
	fixed bool
}

// New builds a table; code maps a key to its 32-bit hash code before the
// multiplicative step.
func New[K comparable, V any](code func(K) uint32, opts ...Option) *Table[K, V] {
	o := options{capacity: defaultCapacity, magic: Magic}
	for _, opt := range opts {
		opt(&o)
	}
	t := &Table[K, V]{code: code, magic: o.magic, fixed: o.fixed}
	t.alloc(capacityBits(o.capacity))
	return t
}

func capacityBits(n int) int {
	if n <= 1 {
		return 1
	}
	b := bits.Len(uint(n - 1))
	if b > maxBits {
		panic("hashing: capacity too large")
	}
	return b
}

func (t *Table[K, V]) alloc(b int) {
	t.slots = make([]entry[K, V], 1<<b)
	t.mask = len(t.slots) - 1
	t.shift = uint(32 - b)
}

func (t *Table[K, V]) home(k K) int {
	return Hash(t.code(k), t.magic, t.shift)
}

// find returns the slot holding k, or the empty slot where k would go.
// It returns -1 when k is absent and no slot is empty.
func (t *Table[K, V]) find(k K) (int, bool) {
	i := t.home(k)
	for n := 0; n < len(t.slots); n++ {
		e := &t.slots[i]
		if !e.used {
			return i, false
		}
		if e.key == k {
			return i, true
		}
		i = (i - 1) & t.mask
	}
	return -1, false
}

func (t *Table[K, V]) Len() int { return t.size }

func (t *Table[K, V]) Cap() int { return len(t.slots) }

func (t *Table[K, V]) Magic() uint32 { return t.magic }

// Get looks k up.
func (t *Table[K, V]) Get(k K) (V, bool) {
	i, ok := t.find(k)
	if !ok {
		var zero V
		return zero, false
	}
	return t.slots[i].val, true
}

// Slot returns the slot index currently holding k, or -1.
func (t *Table[K, V]) Slot(k K) int {
	i, ok := t.find(k)
	if !ok {
		return -1
	}
	return i
}

// Put inserts or replaces the value for k and returns the previous value.
func (t *Table[K, V]) Put(k K, v V) (V, bool) {
	if !t.fixed && (t.size+1)*4 > len(t.slots)*3 {
		t.grow()
	}
	i, ok := t.find(k)
	if ok {
		old := t.slots[i].val
		t.slots[i].val = v
		return old, true
	}
	if i < 0 {
		panic("hashing: table is full")
	}
	t.slots[i] = entry[K, V]{key: k, val: v, used: true}
	t.size++
	var zero V
	return zero, false
}

// Remove deletes k and shifts later members of its probe run back so that
// every remaining key stays reachable from its home slot.
func (t *Table[K, V]) Remove(k K) (V, bool) {
	i, ok := t.find(k)
	if !ok {
		var zero V
		return zero, false
	}
	v := t.slots[i].val
	t.size--
	for {
		t.slots[i] = entry[K, V]{}
		j := i
		for {
			j = (j - 1) & t.mask
			if !t.slots[j].used {
				return v, true
			}
			h := t.home(t.slots[j].key)
			if (h-i)&t.mask < (h-j)&t.mask {
				break
			}
		}
		t.slots[i] = t.slots[j]
		i = j
	}
}

// Range calls fn for every entry in slot order until fn returns false.
func (t *Table[K, V]) Range(fn func(K, V) bool) {
	for i := range t.slots {
		if e := &t.slots[i]; e.used && !fn(e.key, e.val) {
			return
		}
	}
}

// ProbeStats reports the average and maximum distance between each key's home
// slot and the slot it occupies.
func (t *Table[K, V]) ProbeStats() (avg float64, maxDist int) {
	if t.size == 0 {
		return 0, 0
	}
	var total int
	for i := range t.slots {
		e := &t.slots[i]
		if !e.used {
			continue
		}
		d := (t.home(e.key) - i) & t.mask
		total += d
		if d > maxDist {
			maxDist = d
		}
	}
	return float64(total) / float64(t.size), maxDist
}

func (t *Table[K, V]) grow() {
	old := t.slots
	t.alloc(bits.Len(uint(len(old))))
	for i := range old {
		if e := &old[i]; e.used {
			j, _ := t.find(e.key)
			t.slots[j] = *e
		}
	}
}
