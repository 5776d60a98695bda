package common

import (
	"bytes"
	"encoding/binary"
	"math"
)

const (
	PageSize     int = 4096
	IntSize      int = 8
	StringLength int = 32
)

type Type int8

const (
	// For uninitialized Values
	DefaultType Type = iota
	IntType
	StringType
)

// Size returns the fixed-width storage size of the type in bytes
func (t Type) Size() int {
	switch t {
	case IntType:
		return IntSize
	case StringType:
		return StringLength
	default:
		panic("unknown type")
	}
}

func (t Type) String() string {
	switch t {
	case IntType:
		return "int"
	case StringType:
		return "string"
	}
	return "unknown"
}

// Value is a decoded column value. Columns are fixed width; NULL is stored as an in-band sentinel
// (math.MinInt64 for ints, a leading 0xFF byte for strings).
type Value struct {
	t    Type
	null bool
	i    int64
	s    string
}

const nullStringMarker byte = 0xFF

// AsValue decodes a value of type t from the start of source. Strings are copied out of the buffer, so
// the Value stays valid after the page it was read from is reverted or evicted.
func AsValue(t Type, source []byte) Value {
	switch t {
	case IntType:
		i := int64(binary.LittleEndian.Uint64(source))
		return Value{t: t, i: i, null: i == math.MinInt64}
	case StringType:
		Assert(len(source) >= StringLength, "string too short")
		if source[0] == nullStringMarker {
			return Value{t: t, null: true}
		}
		raw := source[:StringLength]
		if n := bytes.IndexByte(raw, 0); n >= 0 {
			raw = raw[:n]
		}
		return Value{t: t, s: string(raw)}
	}
	panic("unknown type")
}

// IsNil reports whether v is the zero Value, which is distinct from a NULL of some type.
func (v Value) IsNil() bool {
	return v.t == DefaultType
}

func NewIntValue(i int64) Value {
	return Value{t: IntType, i: i}
}

// NewStringValue panics if s does not fit in a string column.
func NewStringValue(s string) Value {
	Assert(len(s) <= StringLength, "string %q longer than %d bytes", s, StringLength)
	return Value{t: StringType, s: s}
}

func NewNullInt() Value {
	return Value{t: IntType, null: true}
}

func (v Value) Type() Type {
	return v.t
}

func (v Value) IsNull() bool {
	return v.null
}

// IntValue returns the integer held by a non-NULL int Value.
func (v Value) IntValue() int64 {
	Assert(v.t == IntType, "IntValue called on %s value", v.t)
	Assert(!v.null, "IntValue called on NULL")
	return v.i
}

// StringValue returns the string held by a non-NULL string Value.
func (v Value) StringValue() string {
	Assert(v.t == StringType, "StringValue called on %s value", v.t)
	Assert(!v.null, "StringValue called on NULL")
	return v.s
}

// WriteTo encodes v into the first v.Type().Size() bytes of data.
func (v Value) WriteTo(data []byte) {
	size := v.t.Size()
	Assert(len(data) >= size, "buffer too small")
	switch v.t {
	case IntType:
		i := v.i
		if v.null {
			i = math.MinInt64
		}
		binary.LittleEndian.PutUint64(data, uint64(i))
	case StringType:
		field := data[:size]
		clear(field)
		if v.null {
			field[0] = nullStringMarker
			return
		}
		copy(field, v.s)
	}
}
