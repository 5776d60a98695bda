package storage

import (
	"fmt"

	"mit.edu/dsg/godb/common"
)

// RawTuple is the physical view of a row: a compact slice of bytes laid out as on a heap page. It does not
// know what data it contains; a RawTupleDesc is needed to read it.
type RawTuple []byte

// RawTupleDesc describes the physical binary layout of a RawTuple.
type RawTupleDesc struct {
	fields      []common.Type
	offsets     []int // column index => offset of its first byte in RawTuple
	bytesPerRow int
}

func (desc *RawTupleDesc) String() string {
	return fmt.Sprintf("%v", desc.fields)
}

// NumColumns returns the number of fields in the physical schema.
func (desc *RawTupleDesc) NumColumns() int {
	return len(desc.fields)
}

// BytesPerTuple returns the fixed size in bytes required to store one row.
func (desc *RawTupleDesc) BytesPerTuple() int {
	return desc.bytesPerRow
}

func (desc *RawTupleDesc) GetFieldType(i int) common.Type {
	return desc.fields[i]
}

func (desc *RawTupleDesc) GetFieldTypes() []common.Type {
	return desc.fields
}

// GetValue deserializes the value at index i from t.
func (desc *RawTupleDesc) GetValue(t RawTuple, i int) common.Value {
	return common.AsValue(desc.fields[i], t[desc.offsets[i]:])
}

// SetValue serializes val into position i of t.
func (desc *RawTupleDesc) SetValue(t RawTuple, i int, val common.Value) {
	common.Assert(val.Type() == desc.fields[i], "type mismatch")
	val.WriteTo(t[desc.offsets[i]:])
}

// NewRawTuple serializes values into a freshly allocated row. It returns an error if values do not match
// the schema.
func (desc *RawTupleDesc) NewRawTuple(values ...common.Value) (RawTuple, error) {
	if len(values) != len(desc.fields) {
		return nil, fmt.Errorf("expected %d values, got %d", len(desc.fields), len(values))
	}
	row := make(RawTuple, desc.bytesPerRow)
	for i, v := range values {
		if v.Type() != desc.fields[i] {
			return nil, fmt.Errorf("column %d: expected %s, got %s", i, desc.fields[i], v.Type())
		}
		desc.SetValue(row, i, v)
	}
	return row, nil
}

// NewRawTupleDesc creates a descriptor for the given list of field types.
func NewRawTupleDesc(fields []common.Type) *RawTupleDesc {
	size := 0
	offsetOfField := make([]int, len(fields))
	for i := 0; i < len(fields); i++ {
		offsetOfField[i] = size
		switch fields[i] {
		case common.IntType:
			size += common.IntSize
		case common.StringType:
			size += common.StringLength
		default:
			common.Assert(false, "unknown field type")
		}
	}
	common.Assert(common.AlignedTo8(size), "tuple size should always be aligned to 8 bytes")
	common.Assert(size <= common.PageSize-32, "tuple size should never exceed page size")
	return &RawTupleDesc{fields, offsetOfField, size}
}

// Tuple is the logical view of a stored row: its bytes, the schema to read them with, and the RecordID it
// was read from or written to.
//
// Tuples returned by the storage layer own their bytes. A page being rolled back or evicted later does not
// change a Tuple already handed out.
type Tuple struct {
	raw  RawTuple
	desc *RawTupleDesc
	rid  common.RecordID
}

// FromRawTuple wraps raw without copying it.
func FromRawTuple(raw RawTuple, desc *RawTupleDesc, rid common.RecordID) Tuple {
	return Tuple{raw: raw, desc: desc, rid: rid}
}

// FromValues builds a Tuple with no location from values laid out by desc.
func FromValues(desc *RawTupleDesc, values ...common.Value) (Tuple, error) {
	raw, err := desc.NewRawTuple(values...)
	if err != nil {
		return Tuple{}, err
	}
	return Tuple{raw: raw, desc: desc}, nil
}

func (t *Tuple) RID() common.RecordID {
	return t.rid
}

func (t *Tuple) Raw() RawTuple {
	return t.raw
}

func (t *Tuple) Desc() *RawTupleDesc {
	return t.desc
}

// IsNil checks if the tuple is uninitialized.
func (t *Tuple) IsNil() bool {
	return t.desc == nil
}

func (t *Tuple) NumColumns() int {
	return t.desc.NumColumns()
}

func (t *Tuple) GetValue(i int) common.Value {
	return t.desc.GetValue(t.raw, i)
}

// Values deserializes every column.
func (t *Tuple) Values() []common.Value {
	result := make([]common.Value, t.desc.NumColumns())
	for i := range result {
		result[i] = t.GetValue(i)
	}
	return result
}

// DeepCopy returns a Tuple backed by its own copy of the bytes, preserving the RecordID.
func (t *Tuple) DeepCopy() Tuple {
	dest := make(RawTuple, len(t.raw))
	copy(dest, t.raw)
	return FromRawTuple(dest, t.desc, t.rid)
}

func (t Tuple) String() string {
	return fmt.Sprintf("%s%v", t.rid, t.Values())
}
