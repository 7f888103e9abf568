// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Reader decodes AMQP values from an in-memory buffer.
type Reader struct {
	data []byte
	off  int
}

// NewReader returns a Reader over data. The Reader does not copy data;
// decoded binary values alias it.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Len returns the number of unread bytes.
func (r *Reader) Len() int { return len(r.data) - r.off }

// Rest returns the unread bytes.
func (r *Reader) Rest() []byte { return r.data[r.off:] }

func (r *Reader) next(n int) ([]byte, error) {
	if n < 0 || r.Len() < n {
		return nil, ErrTruncated
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *Reader) u8() (byte, error) {
	b, err := r.next(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) u16() (uint16, error) {
	b, err := r.next(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *Reader) u32() (uint32, error) {
	b, err := r.next(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *Reader) u64() (uint64, error) {
	b, err := r.next(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// ReadValue decodes the next value.
//
// Values decode to: nil, bool, uint8, uint16, uint32, uint64, int8, int16,
// int32, int64, float32, float64, rune, Timestamp, UUID, []byte, string,
// Symbol, []any (lists and arrays), map[any]any and *Described.
func (r *Reader) ReadValue() (any, error) {
	code, err := r.u8()
	if err != nil {
		return nil, err
	}
	return r.readByCode(code)
}

func (r *Reader) readByCode(code byte) (any, error) {
	switch code {
	case TypeNull:
		return nil, nil
	case TypeBoolTrue:
		return true, nil
	case TypeBoolFalse:
		return false, nil
	case TypeBool:
		b, err := r.u8()
		return b != 0, err
	case TypeUint0:
		return uint32(0), nil
	case TypeUlong0:
		return uint64(0), nil
	case TypeList0:
		return []any{}, nil
	case TypeUbyte:
		return r.u8()
	case TypeByte:
		b, err := r.u8()
		return int8(b), err
	case TypeUintSmall:
		b, err := r.u8()
		return uint32(b), err
	case TypeUlongSmall:
		b, err := r.u8()
		return uint64(b), err
	case TypeIntSmall:
		b, err := r.u8()
		return int32(int8(b)), err
	case TypeLongSmall:
		b, err := r.u8()
		return int64(int8(b)), err
	case TypeUshort:
		return r.u16()
	case TypeShort:
		v, err := r.u16()
		return int16(v), err
	case TypeUint:
		return r.u32()
	case TypeInt:
		v, err := r.u32()
		return int32(v), err
	case TypeFloat:
		v, err := r.u32()
		return math.Float32frombits(v), err
	case TypeChar:
		v, err := r.u32()
		return rune(v), err
	case TypeDecimal32:
		return r.fixed(4)
	case TypeUlong:
		return r.u64()
	case TypeLong:
		v, err := r.u64()
		return int64(v), err
	case TypeDouble:
		v, err := r.u64()
		return math.Float64frombits(v), err
	case TypeTimestamp:
		v, err := r.u64()
		return TimestampFromMillis(int64(v)), err
	case TypeDecimal64:
		return r.fixed(8)
	case TypeDecimal128:
		return r.fixed(16)
	case TypeUUID:
		var u UUID
		b, err := r.next(16)
		if err != nil {
			return nil, err
		}
		copy(u[:], b)
		return u, nil
	case TypeBinaryShort, TypeBinaryLong:
		b, err := r.variable(code == TypeBinaryLong)
		if err != nil {
			return nil, err
		}
		return b, nil
	case TypeStringShort, TypeStringLong:
		b, err := r.variable(code == TypeStringLong)
		return string(b), err
	case TypeSymbolShort, TypeSymbolLong:
		b, err := r.variable(code == TypeSymbolLong)
		return Symbol(b), err
	case TypeList8, TypeList32:
		return r.list(code == TypeList32)
	case TypeMap8, TypeMap32:
		return r.mapping(code == TypeMap32)
	case TypeArray8, TypeArray32:
		return r.array(code == TypeArray32)
	case TypeDescriptor:
		return r.described()
	default:
		return nil, fmt.Errorf("unknown AMQP type code: 0x%02x", code)
	}
}

func (r *Reader) fixed(n int) ([]byte, error) {
	b, err := r.next(n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

func (r *Reader) variable(long bool) ([]byte, error) {
	var n int
	if long {
		v, err := r.u32()
		if err != nil {
			return nil, err
		}
		n = int(v)
	} else {
		v, err := r.u8()
		if err != nil {
			return nil, err
		}
		n = int(v)
	}
	return r.next(n)
}

// header reads the size and count of a compound value and checks that the
// count can fit in what remains.
func (r *Reader) header(wide bool) (int, error) {
	var size, count int
	if wide {
		s, err := r.u32()
		if err != nil {
			return 0, err
		}
		c, err := r.u32()
		if err != nil {
			return 0, err
		}
		size, count = int(s), int(c)
		size -= 4
	} else {
		s, err := r.u8()
		if err != nil {
			return 0, err
		}
		c, err := r.u8()
		if err != nil {
			return 0, err
		}
		size, count = int(s), int(c)
		size--
	}
	if size < 0 || size > r.Len() || count > r.Len() {
		return 0, ErrTruncated
	}
	return count, nil
}

func (r *Reader) list(wide bool) ([]any, error) {
	count, err := r.header(wide)
	if err != nil {
		return nil, err
	}
	items := make([]any, count)
	for i := range items {
		if items[i], err = r.ReadValue(); err != nil {
			return nil, err
		}
	}
	return items, nil
}

func (r *Reader) mapping(wide bool) (map[any]any, error) {
	count, err := r.header(wide)
	if err != nil {
		return nil, err
	}
	if count%2 != 0 {
		return nil, fmt.Errorf("map with odd element count %d", count)
	}
	m := make(map[any]any, count/2)
	for i := 0; i < count; i += 2 {
		k, err := r.ReadValue()
		if err != nil {
			return nil, err
		}
		v, err := r.ReadValue()
		if err != nil {
			return nil, err
		}
		if b, ok := k.([]byte); ok {
			k = string(b)
		}
		m[k] = v
	}
	return m, nil
}

func (r *Reader) array(wide bool) ([]any, error) {
	count, err := r.header(wide)
	if err != nil {
		return nil, err
	}
	code, err := r.u8()
	if err != nil {
		return nil, err
	}
	var descriptor any
	if code == TypeDescriptor {
		if descriptor, err = r.ReadValue(); err != nil {
			return nil, err
		}
		if code, err = r.u8(); err != nil {
			return nil, err
		}
	}
	items := make([]any, count)
	for i := range items {
		v, err := r.readByCode(code)
		if err != nil {
			return nil, err
		}
		if descriptor != nil {
			d, err := descriptorCode(descriptor)
			if err != nil {
				return nil, err
			}
			v = &Described{Descriptor: d, Value: v}
		}
		items[i] = v
	}
	return items, nil
}

func (r *Reader) described() (*Described, error) {
	d, err := r.ReadValue()
	if err != nil {
		return nil, err
	}
	code, err := descriptorCode(d)
	if err != nil {
		return nil, err
	}
	v, err := r.ReadValue()
	if err != nil {
		return nil, err
	}
	return &Described{Descriptor: code, Value: v}, nil
}

func descriptorCode(v any) (uint64, error) {
	switch d := v.(type) {
	case uint64:
		return d, nil
	case uint32:
		return uint64(d), nil
	default:
		return 0, fmt.Errorf("unsupported descriptor type: %T", v)
	}
}

// ReadDescribedList reads a described list and returns its descriptor and fields.
func (r *Reader) ReadDescribedList() (uint64, []any, error) {
	v, err := r.ReadValue()
	if err != nil {
		return 0, nil, err
	}
	desc, ok := v.(*Described)
	if !ok {
		return 0, nil, fmt.Errorf("expected described type, got %T", v)
	}
	fields, ok := desc.Value.([]any)
	if !ok {
		return 0, nil, fmt.Errorf("expected list value, got %T", desc.Value)
	}
	return desc.Descriptor, fields, nil
}

// Decode decodes a single value from data.
func Decode(data []byte) (any, error) {
	return NewReader(data).ReadValue()
}
