// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Buffer is an append-only AMQP encoder.
type Buffer struct {
	b []byte
}

// Bytes returns the encoded bytes.
func (e *Buffer) Bytes() []byte { return e.b }

// Len returns the number of encoded bytes.
func (e *Buffer) Len() int { return len(e.b) }

// Reset empties the buffer, retaining its capacity.
func (e *Buffer) Reset() { e.b = e.b[:0] }

// Raw appends pre-encoded bytes.
func (e *Buffer) Raw(p []byte) { e.b = append(e.b, p...) }

func (e *Buffer) Null() { e.b = append(e.b, TypeNull) }

func (e *Buffer) Bool(v bool) {
	if v {
		e.b = append(e.b, TypeBoolTrue)
		return
	}
	e.b = append(e.b, TypeBoolFalse)
}

func (e *Buffer) Ubyte(v uint8) { e.b = append(e.b, TypeUbyte, v) }

func (e *Buffer) Ushort(v uint16) {
	e.b = append(e.b, TypeUshort)
	e.b = binary.BigEndian.AppendUint16(e.b, v)
}

// Uint uses the uint0 and smalluint encodings where they fit.
func (e *Buffer) Uint(v uint32) {
	switch {
	case v == 0:
		e.b = append(e.b, TypeUint0)
	case v <= math.MaxUint8:
		e.b = append(e.b, TypeUintSmall, byte(v))
	default:
		e.b = append(e.b, TypeUint)
		e.b = binary.BigEndian.AppendUint32(e.b, v)
	}
}

// Ulong uses the ulong0 and smallulong encodings where they fit.
func (e *Buffer) Ulong(v uint64) {
	switch {
	case v == 0:
		e.b = append(e.b, TypeUlong0)
	case v <= math.MaxUint8:
		e.b = append(e.b, TypeUlongSmall, byte(v))
	default:
		e.b = append(e.b, TypeUlong)
		e.b = binary.BigEndian.AppendUint64(e.b, v)
	}
}

func (e *Buffer) Byte(v int8) { e.b = append(e.b, TypeByte, byte(v)) }

func (e *Buffer) Short(v int16) {
	e.b = append(e.b, TypeShort)
	e.b = binary.BigEndian.AppendUint16(e.b, uint16(v))
}

func (e *Buffer) Int(v int32) {
	if v >= math.MinInt8 && v <= math.MaxInt8 {
		e.b = append(e.b, TypeIntSmall, byte(int8(v)))
		return
	}
	e.b = append(e.b, TypeInt)
	e.b = binary.BigEndian.AppendUint32(e.b, uint32(v))
}

func (e *Buffer) Long(v int64) {
	if v >= math.MinInt8 && v <= math.MaxInt8 {
		e.b = append(e.b, TypeLongSmall, byte(int8(v)))
		return
	}
	e.b = append(e.b, TypeLong)
	e.b = binary.BigEndian.AppendUint64(e.b, uint64(v))
}

func (e *Buffer) Float(v float32) {
	e.b = append(e.b, TypeFloat)
	e.b = binary.BigEndian.AppendUint32(e.b, math.Float32bits(v))
}

func (e *Buffer) Double(v float64) {
	e.b = append(e.b, TypeDouble)
	e.b = binary.BigEndian.AppendUint64(e.b, math.Float64bits(v))
}

func (e *Buffer) Timestamp(v Timestamp) {
	e.b = append(e.b, TypeTimestamp)
	e.b = binary.BigEndian.AppendUint64(e.b, uint64(v.Milliseconds()))
}

func (e *Buffer) UUID(v UUID) {
	e.b = append(e.b, TypeUUID)
	e.b = append(e.b, v[:]...)
}

func (e *Buffer) variable(short, long byte, p []byte) {
	if len(p) <= math.MaxUint8 {
		e.b = append(e.b, short, byte(len(p)))
	} else {
		e.b = append(e.b, long)
		e.b = binary.BigEndian.AppendUint32(e.b, uint32(len(p)))
	}
	e.b = append(e.b, p...)
}

func (e *Buffer) Binary(v []byte) { e.variable(TypeBinaryShort, TypeBinaryLong, v) }

func (e *Buffer) String(v string) { e.variable(TypeStringShort, TypeStringLong, []byte(v)) }

func (e *Buffer) Symbol(v Symbol) { e.variable(TypeSymbolShort, TypeSymbolLong, []byte(v)) }

// Symbols writes an AMQP "multiple" symbol field: null when empty,
// a bare symbol for one element and a symbol array otherwise.
func (e *Buffer) Symbols(v []Symbol) {
	switch len(v) {
	case 0:
		e.Null()
	case 1:
		e.Symbol(v[0])
	default:
		var elems []byte
		for _, s := range v {
			elems = binary.BigEndian.AppendUint32(elems, uint32(len(s)))
			elems = append(elems, s...)
		}
		e.b = append(e.b, TypeArray32)
		e.b = binary.BigEndian.AppendUint32(e.b, uint32(len(elems)+5))
		e.b = binary.BigEndian.AppendUint32(e.b, uint32(len(v)))
		e.b = append(e.b, TypeSymbolLong)
		e.b = append(e.b, elems...)
	}
}

// Descriptor writes the constructor of a described value.
func (e *Buffer) Descriptor(code uint64) {
	e.b = append(e.b, TypeDescriptor)
	e.Ulong(code)
}

// compound writes a list or map constructor around count pre-encoded elements.
func (e *Buffer) compound(code8, code32 byte, body []byte, count int) {
	if len(body)+1 <= math.MaxUint8 && count <= math.MaxUint8 {
		e.b = append(e.b, code8, byte(len(body)+1), byte(count))
	} else {
		e.b = append(e.b, code32)
		e.b = binary.BigEndian.AppendUint32(e.b, uint32(len(body)+4))
		e.b = binary.BigEndian.AppendUint32(e.b, uint32(count))
	}
	e.b = append(e.b, body...)
}

// List writes a list from pre-encoded elements.
func (e *Buffer) List(body []byte, count int) {
	if count == 0 {
		e.b = append(e.b, TypeList0)
		return
	}
	e.compound(TypeList8, TypeList32, body, count)
}

// Map writes a map from pre-encoded alternating keys and values.
// pairs is the number of key/value pairs.
func (e *Buffer) Map(body []byte, pairs int) {
	e.compound(TypeMap8, TypeMap32, body, pairs*2)
}

// SymbolMap writes a map with symbol keys, the shape of annotations and
// fields values.
func (e *Buffer) SymbolMap(m map[Symbol]any) error {
	var body Buffer
	for k, v := range m {
		body.Symbol(k)
		if err := body.Any(v); err != nil {
			return fmt.Errorf("map key %q: %w", k, err)
		}
	}
	e.Map(body.b, len(m))
	return nil
}

// StringMap writes a map with string keys, the shape of application properties.
func (e *Buffer) StringMap(m map[string]any) error {
	var body Buffer
	for k, v := range m {
		body.String(k)
		if err := body.Any(v); err != nil {
			return fmt.Errorf("map key %q: %w", k, err)
		}
	}
	e.Map(body.b, len(m))
	return nil
}

// Any writes a Go value as the matching AMQP type.
func (e *Buffer) Any(v any) error {
	switch val := v.(type) {
	case nil:
		e.Null()
	case bool:
		e.Bool(val)
	case uint8:
		e.Ubyte(val)
	case uint16:
		e.Ushort(val)
	case uint32:
		e.Uint(val)
	case uint64:
		e.Ulong(val)
	case int8:
		e.Byte(val)
	case int16:
		e.Short(val)
	case int32:
		e.Int(val)
	case int64:
		e.Long(val)
	case int:
		e.Long(int64(val))
	case float32:
		e.Float(val)
	case float64:
		e.Double(val)
	case string:
		e.String(val)
	case Symbol:
		e.Symbol(val)
	case []byte:
		e.Binary(val)
	case UUID:
		e.UUID(val)
	case Timestamp:
		e.Timestamp(val)
	case []Symbol:
		e.Symbols(val)
	case map[Symbol]any:
		return e.SymbolMap(val)
	case map[string]any:
		return e.StringMap(val)
	case map[any]any:
		var body Buffer
		for k, item := range val {
			if err := body.Any(k); err != nil {
				return err
			}
			if err := body.Any(item); err != nil {
				return err
			}
		}
		e.Map(body.b, len(val))
	case *Described:
		e.Descriptor(val.Descriptor)
		return e.Any(val.Value)
	case []any:
		var body Buffer
		for _, item := range val {
			if err := body.Any(item); err != nil {
				return err
			}
		}
		e.List(body.b, len(val))
	default:
		return fmt.Errorf("unsupported type: %T", v)
	}
	return nil
}

// Fields builds the body of a composite list. Trailing null fields are
// dropped, as permitted for described lists.
type Fields struct {
	buf  Buffer
	n    int
	keep int
	kept int
	err  error
}

func (f *Fields) set() {
	f.n++
	f.keep = f.buf.Len()
	f.kept = f.n
}

// Err returns the first encoding error recorded by Any or a map field.
func (f *Fields) Err() error { return f.err }

// Fail records err if no earlier error was recorded.
func (f *Fields) Fail(err error) {
	if f.err == nil {
		f.err = err
	}
}

func (f *Fields) Null() {
	f.buf.Null()
	f.n++
}

func (f *Fields) Bool(v bool)     { f.buf.Bool(v); f.set() }
func (f *Fields) Ubyte(v uint8)   { f.buf.Ubyte(v); f.set() }
func (f *Fields) Ushort(v uint16) { f.buf.Ushort(v); f.set() }
func (f *Fields) Uint(v uint32)   { f.buf.Uint(v); f.set() }
func (f *Fields) Ulong(v uint64)  { f.buf.Ulong(v); f.set() }
func (f *Fields) Binary(v []byte) { f.buf.Binary(v); f.set() }
func (f *Fields) Symbol(v Symbol) { f.buf.Symbol(v); f.set() }

// String writes v, or null when v is empty.
func (f *Fields) String(v string) {
	if v == "" {
		f.Null()
		return
	}
	f.buf.String(v)
	f.set()
}

// OptSymbol writes v, or null when v is empty.
func (f *Fields) OptSymbol(v Symbol) {
	if v == "" {
		f.Null()
		return
	}
	f.Symbol(v)
}

// OptBinary writes v, or null when v is nil.
func (f *Fields) OptBinary(v []byte) {
	if v == nil {
		f.Null()
		return
	}
	f.Binary(v)
}

// FlagBool writes v when set, null otherwise (false is the wire default).
func (f *Fields) FlagBool(v bool) {
	if !v {
		f.Null()
		return
	}
	f.Bool(true)
}

func (f *Fields) OptUint(v *uint32) {
	if v == nil {
		f.Null()
		return
	}
	f.Uint(*v)
}

func (f *Fields) OptUshort(v *uint16) {
	if v == nil {
		f.Null()
		return
	}
	f.Ushort(*v)
}

func (f *Fields) Symbols(v []Symbol) {
	if len(v) == 0 {
		f.Null()
		return
	}
	f.buf.Symbols(v)
	f.set()
}

func (f *Fields) SymbolMap(m map[Symbol]any) {
	if len(m) == 0 {
		f.Null()
		return
	}
	if err := f.buf.SymbolMap(m); err != nil && f.err == nil {
		f.err = err
	}
	f.set()
}

// Raw writes a pre-encoded value, or null when v is nil.
func (f *Fields) Raw(v []byte) {
	if v == nil {
		f.Null()
		return
	}
	f.buf.Raw(v)
	f.set()
}

func (f *Fields) Any(v any) {
	if v == nil {
		f.Null()
		return
	}
	if err := f.buf.Any(v); err != nil && f.err == nil {
		f.err = err
	}
	f.set()
}

// AppendTo writes the fields as a described list with the given descriptor.
func (f *Fields) AppendTo(e *Buffer, descriptor uint64) error {
	if f.err != nil {
		return f.err
	}
	e.Descriptor(descriptor)
	e.List(f.buf.b[:f.keep], f.kept)
	return nil
}

// DescribedList encodes f as a described list into a new slice.
func DescribedList(descriptor uint64, f *Fields) ([]byte, error) {
	var e Buffer
	if err := f.AppendTo(&e, descriptor); err != nil {
		return nil, err
	}
	return e.b, nil
}
