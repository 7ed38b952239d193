package record

import (
	"strconv"
	"strings"
)

// Event is one record instance: a schema, a symbol, field values and the
// transient protocol flags.
type Event struct {
	Schema *Schema
	Symbol string
	Cipher int32
	Ints   []int64
	Objs   []any
	Flags  EventFlag
}

// Time returns the value of the time field, or 0 for schemas without one.
func (e *Event) Time() int64 {
	if e.Schema == nil || !e.Schema.hasTime || len(e.Ints) == 0 {
		return 0
	}
	return e.Ints[0]
}

// SetTime writes the time field.
func (e *Event) SetTime(t int64) { e.Ints[0] = t }

// Int reads an int-backed field by name.
func (e *Event) Int(name string) int64 {
	f, ok := e.Schema.FieldByName(name)
	if !ok || !f.Kind.IntBacked() {
		return 0
	}
	return e.Ints[f.index]
}

// Obj reads an object-backed field by name.
func (e *Event) Obj(name string) any {
	f, ok := e.Schema.FieldByName(name)
	if !ok || f.Kind.IntBacked() {
		return nil
	}
	return e.Objs[f.index]
}

// Set writes a field by name. Int-backed fields take an int64.
func (e *Event) Set(name string, v any) bool {
	f, ok := e.Schema.FieldByName(name)
	if !ok {
		return false
	}
	if f.Kind.IntBacked() {
		i, ok := v.(int64)
		if !ok {
			return false
		}
		e.Ints[f.index] = i
		return true
	}
	e.Objs[f.index] = v
	return true
}

// Clone returns a deep copy of the value slices.
func (e Event) Clone() Event {
	if e.Ints != nil {
		e.Ints = append([]int64(nil), e.Ints...)
	}
	if e.Objs != nil {
		e.Objs = append([]any(nil), e.Objs...)
	}
	return e
}

// SameData reports whether both events carry equal field values, ignoring
// flags.
func (e *Event) SameData(o *Event) bool {
	if e.Schema != o.Schema || len(e.Ints) != len(o.Ints) || len(e.Objs) != len(o.Objs) {
		return false
	}
	for i := range e.Ints {
		if e.Ints[i] != o.Ints[i] {
			return false
		}
	}
	for _, f := range e.Schema.fields {
		if f.Kind.IntBacked() {
			continue
		}
		if !f.Kind.Equal(e.Objs[f.index], o.Objs[f.index]) {
			return false
		}
	}
	return true
}

func (e Event) String() string {
	var b strings.Builder
	if e.Schema != nil {
		b.WriteString(e.Schema.name)
	}
	b.WriteByte('{')
	b.WriteString(e.Symbol)
	if e.Schema != nil {
		for _, f := range e.Schema.fields {
			b.WriteString(", ")
			b.WriteString(f.Name)
			b.WriteByte('=')
			if f.Kind.IntBacked() {
				b.WriteString(strconv.FormatInt(e.Ints[f.index], 10))
			} else {
				b.WriteString(f.Kind.Format(e.Objs[f.index]))
			}
		}
	}
	if e.Flags != 0 {
		b.WriteString(", flags=")
		b.WriteString(e.Flags.String())
	}
	b.WriteByte('}')
	return b.String()
}
