package record

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateField  = errors.New("duplicate field name")
	ErrMisplacedTime   = errors.New("time field must be the first field")
	ErrDuplicateSchema = errors.New("duplicate schema name")
	ErrEmptySchema     = errors.New("schema has no fields")
)

// Field describes one schema column.
type Field struct {
	Name string
	Kind ColumnKind

	index int
}

// Index is the position of the field inside Event.Ints or Event.Objs,
// depending on its kind.
func (f Field) Index() int { return f.index }

// Schema is an immutable ordered list of typed fields.
type Schema struct {
	id       int
	name     string
	fields   []Field
	byName   map[string]int
	intCount int
	objCount int
	hasTime  bool
}

// NewSchema validates and builds a schema. A KindTime field is only allowed in
// position 0 and turns the schema into a time-keyed one.
func NewSchema(name string, fields ...Field) (*Schema, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("schema %s: %w", name, ErrEmptySchema)
	}
	s := &Schema{
		id:     -1,
		name:   name,
		fields: make([]Field, len(fields)),
		byName: make(map[string]int, len(fields)),
	}
	for i, f := range fields {
		if !f.Kind.valid() {
			return nil, fmt.Errorf("schema %s: field %s has invalid kind %d", name, f.Name, f.Kind)
		}
		if f.Kind == KindTime && i != 0 {
			return nil, fmt.Errorf("schema %s: field %s: %w", name, f.Name, ErrMisplacedTime)
		}
		if _, dup := s.byName[f.Name]; dup {
			return nil, fmt.Errorf("schema %s: field %s: %w", name, f.Name, ErrDuplicateField)
		}
		if f.Kind.IntBacked() {
			f.index = s.intCount
			s.intCount++
		} else {
			f.index = s.objCount
			s.objCount++
		}
		s.fields[i] = f
		s.byName[f.Name] = i
	}
	s.hasTime = fields[0].Kind == KindTime
	return s, nil
}

// MustSchema is NewSchema for static declarations.
func MustSchema(name string, fields ...Field) *Schema {
	s, err := NewSchema(name, fields...)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Schema) ID() int { return s.id }
func (s *Schema) Name() string { return s.name }
func (s *Schema) HasTime() bool { return s.hasTime }
func (s *Schema) IntCount() int { return s.intCount }
func (s *Schema) ObjCount() int { return s.objCount }
func (s *Schema) FieldCount() int { return len(s.fields) }
func (s *Schema) Field(i int) Field { return s.fields[i] }

// Fields returns a copy of the field list.
func (s *Schema) Fields() []Field { return append([]Field(nil), s.fields...) }

// FieldByName looks a field up by name.
func (s *Schema) FieldByName(name string) (Field, bool) {
	i, ok := s.byName[name]
	if !ok {
		return Field{}, false
	}
	return s.fields[i], true
}

// NewEvent allocates a zeroed event of this schema.
func (s *Schema) NewEvent(symbol string) Event {
	e := Event{
		Schema: s,
		Symbol: symbol,
		Cipher: EncodeSymbol(symbol),
		Ints:   make([]int64, s.intCount),
	}
	if s.objCount > 0 {
		e.Objs = make([]any, s.objCount)
	}
	return e
}

// Scheme is the set of schemas one collector serves.
type Scheme struct {
	schemas []*Schema
	byName  map[string]*Schema
}

// NewScheme assigns ids to the schemas in order. A schema can belong to a
// single scheme.
func NewScheme(schemas ...*Schema) (*Scheme, error) {
	sc := &Scheme{byName: make(map[string]*Schema, len(schemas))}
	for _, s := range schemas {
		if _, dup := sc.byName[s.name]; dup {
			return nil, fmt.Errorf("scheme: %s: %w", s.name, ErrDuplicateSchema)
		}
		if s.id >= 0 {
			return nil, fmt.Errorf("scheme: schema %s is already registered", s.name)
		}
		s.id = len(sc.schemas)
		sc.schemas = append(sc.schemas, s)
		sc.byName[s.name] = s
	}
	return sc, nil
}

// MustScheme is NewScheme for static declarations.
func MustScheme(schemas ...*Schema) *Scheme {
	sc, err := NewScheme(schemas...)
	if err != nil {
		panic(err)
	}
	return sc
}

func (sc *Scheme) Len() int { return len(sc.schemas) }

func (sc *Scheme) Schema(id int) *Schema { return sc.schemas[id] }

// Lookup resolves a schema by name.
func (sc *Scheme) Lookup(name string) (*Schema, bool) {
	s, ok := sc.byName[name]
	return s, ok
}

// Contains reports whether s was registered in this scheme.
func (sc *Scheme) Contains(s *Schema) bool {
	return s != nil && s.id >= 0 && s.id < len(sc.schemas) && sc.schemas[s.id] == s
}

// NewTradeSchema describes last-sale prints.
func NewTradeSchema() *Schema {
	return MustSchema("Trade",
		Field{Name: "time", Kind: KindTime},
		Field{Name: "sequence", Kind: KindInt},
		Field{Name: "price", Kind: KindDecimal},
		Field{Name: "size", Kind: KindDecimal},
		Field{Name: "exchange", Kind: KindString},
	)
}

// NewCandleSchema describes OHLCV bars keyed by their start time.
func NewCandleSchema() *Schema {
	return MustSchema("Candle",
		Field{Name: "time", Kind: KindTime},
		Field{Name: "count", Kind: KindInt},
		Field{Name: "open", Kind: KindDecimal},
		Field{Name: "high", Kind: KindDecimal},
		Field{Name: "low", Kind: KindDecimal},
		Field{Name: "close", Kind: KindDecimal},
		Field{Name: "volume", Kind: KindDecimal},
	)
}

// DefaultScheme registers fresh Trade and Candle schemas.
func DefaultScheme() *Scheme {
	return MustScheme(NewTradeSchema(), NewCandleSchema())
}
