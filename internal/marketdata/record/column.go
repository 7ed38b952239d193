package record

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// ColumnKind is the closed set of field types a schema can carry.
type ColumnKind uint8

const (
	KindTime ColumnKind = iota
	KindInt
	KindDecimal
	KindString
	KindObject
)

type column struct {
	name      string
	intBacked bool
	format    func(v any) string
	parse     func(s string) (any, error)
	equal     func(a, b any) bool
}

var columns = [...]column{
	KindTime: {
		name:      "time",
		intBacked: true,
		format:    formatInt,
		parse:     parseInt,
		equal:     equalAny,
	},
	KindInt: {
		name:      "int",
		intBacked: true,
		format:    formatInt,
		parse:     parseInt,
		equal:     equalAny,
	},
	KindDecimal: {
		name: "decimal",
		format: func(v any) string {
			if d, ok := v.(decimal.Decimal); ok {
				return d.String()
			}
			return ""
		},
		parse: func(s string) (any, error) {
			if s == "" {
				return nil, nil
			}
			d, err := decimal.NewFromString(s)
			if err != nil {
				return nil, err
			}
			return d, nil
		},
		equal: func(a, b any) bool {
			da, okA := a.(decimal.Decimal)
			db, okB := b.(decimal.Decimal)
			if okA != okB {
				return false
			}
			return !okA || da.Equal(db)
		},
	},
	KindString: {
		name: "string",
		format: func(v any) string {
			s, _ := v.(string)
			return s
		},
		parse: func(s string) (any, error) {
			if s == "" {
				return nil, nil
			}
			return s, nil
		},
		equal: equalAny,
	},
	KindObject: {
		name: "object",
		format: func(v any) string {
			if v == nil {
				return ""
			}
			return fmt.Sprint(v)
		},
		parse: func(s string) (any, error) {
			if s == "" {
				return nil, nil
			}
			return s, nil
		},
		equal: func(a, b any) bool { return fmt.Sprint(a) == fmt.Sprint(b) },
	},
}

func formatInt(v any) string {
	i, _ := v.(int64)
	return strconv.FormatInt(i, 10)
}

func parseInt(s string) (any, error) {
	return strconv.ParseInt(s, 10, 64)
}

func equalAny(a, b any) bool { return a == b }

func (k ColumnKind) valid() bool { return int(k) < len(columns) }

func (k ColumnKind) String() string {
	if !k.valid() {
		return "ColumnKind(" + strconv.Itoa(int(k)) + ")"
	}
	return columns[k].name
}

// IntBacked reports whether values of this kind live in Event.Ints.
func (k ColumnKind) IntBacked() bool { return columns[k].intBacked }

// Format renders a value of this kind. Int-backed kinds expect an int64.
func (k ColumnKind) Format(v any) string { return columns[k].format(v) }

// Parse is the inverse of Format.
func (k ColumnKind) Parse(s string) (any, error) {
	v, err := columns[k].parse(s)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s value %q: %w", k, s, err)
	}
	return v, nil
}

// Equal compares two values of this kind.
func (k ColumnKind) Equal(a, b any) bool { return columns[k].equal(a, b) }

// ParseColumnKind resolves a kind by its name.
func ParseColumnKind(name string) (ColumnKind, error) {
	for k := range columns {
		if columns[k].name == name {
			return ColumnKind(k), nil
		}
	}
	return 0, fmt.Errorf("unknown column kind %q", name)
}
