package record

// Sink receives events. Producers check HasCapacity before each Append; the
// sink owns every event it is given.
type Sink interface {
	HasCapacity() bool
	Append(e Event)
}

// Buffer is a slice-backed sink. A positive limit bounds how many events it
// accepts until Reset.
type Buffer struct {
	events []Event
	limit  int
}

func NewBuffer(limit int) *Buffer {
	return &Buffer{limit: limit}
}

func (b *Buffer) HasCapacity() bool {
	return b.limit <= 0 || len(b.events) < b.limit
}

func (b *Buffer) Append(e Event) {
	b.events = append(b.events, e)
}

func (b *Buffer) Len() int { return len(b.events) }

// Events returns the accepted events. The slice is reused after Reset.
func (b *Buffer) Events() []Event { return b.events }

// Take returns the accepted events and empties the buffer.
func (b *Buffer) Take() []Event {
	out := b.events
	b.events = nil
	return out
}

func (b *Buffer) Reset() {
	clear(b.events)
	b.events = b.events[:0]
}

// SetLimit changes the capacity bound for subsequent appends.
func (b *Buffer) SetLimit(limit int) { b.limit = limit }

// SinkFunc adapts a function into an unbounded sink.
type SinkFunc func(e Event)

func (f SinkFunc) HasCapacity() bool { return true }
func (f SinkFunc) Append(e Event) { f(e) }
