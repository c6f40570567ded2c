// Package schema infers a canonical, ordered column schema from raw CSV rows.
//
// Types form a widening lattice:
//
//	INTEGER < FLOAT < DATE/TIMESTAMP < BOOLEAN < JSON < STRING
//
// STRING reconciles any mix of scalars and JSON absorbs every scalar, so a
// column holding at least one JSON object or array is always JSON.
package schema

import (
	"fmt"
	"strings"
)

// ColumnType is a resolved column type.
type ColumnType int

const (
	TypeNull ColumnType = iota // no non-null cell seen yet
	TypeInteger
	TypeFloat
	TypeDate
	TypeTimestamp
	TypeBoolean
	TypeJSON
	TypeString
)

var typeNames = map[ColumnType]string{
	TypeNull:      "NULL",
	TypeInteger:   "INTEGER",
	TypeFloat:     "FLOAT",
	TypeDate:      "DATE",
	TypeTimestamp: "TIMESTAMP",
	TypeBoolean:   "BOOLEAN",
	TypeJSON:      "JSON",
	TypeString:    "STRING",
}

func (t ColumnType) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "UNKNOWN"
}

// ParseColumnType parses a type name as printed by String.
func ParseColumnType(s string) (ColumnType, error) {
	up := strings.ToUpper(strings.TrimSpace(s))
	for t, name := range typeNames {
		if name == up && t != TypeNull {
			return t, nil
		}
	}
	return TypeString, fmt.Errorf("unknown column type %q", s)
}

// MarshalText implements encoding.TextMarshaler so descriptors serialise
// with readable type names.
func (t ColumnType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *ColumnType) UnmarshalText(b []byte) error {
	v, err := ParseColumnType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Join returns the least upper bound of a and b.
func Join(a, b ColumnType) ColumnType {
	switch {
	case a == b:
		return a
	case a == TypeNull:
		return b
	case b == TypeNull:
		return a
	case a == TypeJSON || b == TypeJSON:
		return TypeJSON
	case a == TypeString || b == TypeString:
		return TypeString
	}

	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	switch {
	case lo == TypeInteger && hi == TypeFloat:
		return TypeFloat
	case lo == TypeDate && hi == TypeTimestamp:
		return TypeTimestamp
	}
	return TypeString
}

// Absorbs reports whether a column already typed existing can hold values
// of type incoming without changing its type.
func Absorbs(existing, incoming ColumnType) bool {
	return Join(existing, incoming) == existing
}
