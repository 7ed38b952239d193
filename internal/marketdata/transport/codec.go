// Package transport moves event batches between the collector and the
// outside world: a JSON codec, pub/sub backends over Redis and Kafka, a
// bridge feeding distributors and draining agents, and a WebSocket handler.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/Aidin1998/marketbus/internal/marketdata/record"
)

var (
	ErrUnknownRecord = errors.New("unknown record")
	ErrUnknownField  = errors.New("unknown field")
)

// Codec converts event batches to and from bytes.
type Codec interface {
	Encode(events []record.Event) ([]byte, error)
	Decode(data []byte) ([]record.Event, error)
}

type wireEvent struct {
	Record string                     `json:"record"`
	Symbol string                     `json:"symbol"`
	Flags  record.EventFlag           `json:"flags,omitempty"`
	Fields map[string]json.RawMessage `json:"fields"`
}

type wireBatch struct {
	Events []wireEvent `json:"events"`
}

// JSONCodec encodes a batch as {"events": [...]}. Int-backed fields are JSON
// numbers, object-backed fields are strings in their column format; absent
// objects are omitted.
type JSONCodec struct {
	scheme *record.Scheme
}

func NewJSONCodec(scheme *record.Scheme) *JSONCodec {
	return &JSONCodec{scheme: scheme}
}

func (c *JSONCodec) Encode(events []record.Event) ([]byte, error) {
	batch := wireBatch{Events: make([]wireEvent, 0, len(events))}
	for i := range events {
		e := &events[i]
		if e.Schema == nil {
			return nil, fmt.Errorf("failed to encode event %d: %w", i, ErrUnknownRecord)
		}
		w := wireEvent{
			Record: e.Schema.Name(),
			Symbol: e.Symbol,
			Flags:  e.Flags,
			Fields: make(map[string]json.RawMessage, e.Schema.FieldCount()),
		}
		for _, f := range e.Schema.Fields() {
			if f.Kind.IntBacked() {
				w.Fields[f.Name] = json.RawMessage(strconv.FormatInt(e.Ints[f.Index()], 10))
				continue
			}
			v := e.Objs[f.Index()]
			if v == nil {
				continue
			}
			raw, err := json.Marshal(f.Kind.Format(v))
			if err != nil {
				return nil, fmt.Errorf("failed to encode %s field %s: %w", w.Record, f.Name, err)
			}
			w.Fields[f.Name] = raw
		}
		batch.Events = append(batch.Events, w)
	}
	return json.Marshal(batch)
}

func (c *JSONCodec) Decode(data []byte) ([]record.Event, error) {
	var batch wireBatch
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("failed to decode batch: %w", err)
	}
	events := make([]record.Event, 0, len(batch.Events))
	for _, w := range batch.Events {
		schema, ok := c.scheme.Lookup(w.Record)
		if !ok {
			return nil, fmt.Errorf("failed to decode %q: %w", w.Record, ErrUnknownRecord)
		}
		e := schema.NewEvent(w.Symbol)
		e.Flags = w.Flags
		for name, raw := range w.Fields {
			f, ok := schema.FieldByName(name)
			if !ok {
				return nil, fmt.Errorf("failed to decode %s field %q: %w", w.Record, name, ErrUnknownField)
			}
			if f.Kind.IntBacked() {
				if err := json.Unmarshal(raw, &e.Ints[f.Index()]); err != nil {
					return nil, fmt.Errorf("failed to decode %s field %s: %w", w.Record, name, err)
				}
				continue
			}
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return nil, fmt.Errorf("failed to decode %s field %s: %w", w.Record, name, err)
			}
			v, err := f.Kind.Parse(s)
			if err != nil {
				return nil, fmt.Errorf("failed to decode %s field %s: %w", w.Record, name, err)
			}
			e.Objs[f.Index()] = v
		}
		events = append(events, e)
	}
	return events, nil
}
