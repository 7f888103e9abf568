// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, write func(e *Buffer), expected any) {
	t.Helper()
	var e Buffer
	write(&e)
	r := NewReader(e.Bytes())
	got, err := r.ReadValue()
	require.NoError(t, err)
	assert.Equal(t, expected, got)
	assert.Zero(t, r.Len(), "trailing bytes after decode")
}

func TestCompactEncodings(t *testing.T) {
	cases := []struct {
		name  string
		write func(e *Buffer)
		want  []byte
	}{
		{"uint0", func(e *Buffer) { e.Uint(0) }, []byte{TypeUint0}},
		{"smalluint", func(e *Buffer) { e.Uint(200) }, []byte{TypeUintSmall, 200}},
		{"ulong0", func(e *Buffer) { e.Ulong(0) }, []byte{TypeUlong0}},
		{"smallulong", func(e *Buffer) { e.Ulong(0x10) }, []byte{TypeUlongSmall, 0x10}},
		{"smallint", func(e *Buffer) { e.Int(-1) }, []byte{TypeIntSmall, 0xff}},
		{"true", func(e *Buffer) { e.Bool(true) }, []byte{TypeBoolTrue}},
		{"empty list", func(e *Buffer) { e.List(nil, 0) }, []byte{TypeList0}},
		{"descriptor", func(e *Buffer) { e.Descriptor(0x24) }, []byte{TypeDescriptor, TypeUlongSmall, 0x24}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var e Buffer
			tc.write(&e)
			assert.Equal(t, tc.want, e.Bytes())
		})
	}
}

func TestScalars(t *testing.T) {
	roundTrip(t, func(e *Buffer) { e.Null() }, nil)
	roundTrip(t, func(e *Buffer) { e.Bool(false) }, false)
	roundTrip(t, func(e *Buffer) { e.Ubyte(255) }, uint8(255))
	roundTrip(t, func(e *Buffer) { e.Ushort(65535) }, uint16(65535))
	roundTrip(t, func(e *Buffer) { e.Uint(70000) }, uint32(70000))
	roundTrip(t, func(e *Buffer) { e.Ulong(1 << 40) }, uint64(1<<40))
	roundTrip(t, func(e *Buffer) { e.Byte(-128) }, int8(-128))
	roundTrip(t, func(e *Buffer) { e.Short(-32768) }, int16(-32768))
	roundTrip(t, func(e *Buffer) { e.Int(-70000) }, int32(-70000))
	roundTrip(t, func(e *Buffer) { e.Long(math.MinInt64) }, int64(math.MinInt64))
	roundTrip(t, func(e *Buffer) { e.Float(1.5) }, float32(1.5))
	roundTrip(t, func(e *Buffer) { e.Double(math.Pi) }, math.Pi)
}

func TestTimestamp(t *testing.T) {
	ts := TimestampFromMillis(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC).UnixMilli())

	var e Buffer
	e.Timestamp(ts)
	got, err := Decode(e.Bytes())
	require.NoError(t, err)
	assert.Equal(t, ts.Milliseconds(), got.(Timestamp).Milliseconds())
}

func TestVariableWidth(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = byte(i)
	}

	roundTrip(t, func(e *Buffer) { e.Binary([]byte("abc")) }, []byte("abc"))
	roundTrip(t, func(e *Buffer) { e.Binary(long) }, long)
	roundTrip(t, func(e *Buffer) { e.String("héllo") }, "héllo")
	roundTrip(t, func(e *Buffer) { e.String(string(long)) }, string(long))
	roundTrip(t, func(e *Buffer) { e.Symbol("amqp:accepted:list") }, Symbol("amqp:accepted:list"))
}

func TestSymbols(t *testing.T) {
	roundTrip(t, func(e *Buffer) { e.Symbols(nil) }, nil)
	roundTrip(t, func(e *Buffer) { e.Symbols([]Symbol{"PLAIN"}) }, Symbol("PLAIN"))
	roundTrip(t, func(e *Buffer) { e.Symbols([]Symbol{"PLAIN", "ANONYMOUS"}) },
		[]any{Symbol("PLAIN"), Symbol("ANONYMOUS")})
}

func TestMaps(t *testing.T) {
	var e Buffer
	require.NoError(t, e.SymbolMap(map[Symbol]any{"x-opt": "v", "n": uint32(7)}))
	got, err := Decode(e.Bytes())
	require.NoError(t, err)
	assert.Equal(t, map[Symbol]any{"x-opt": "v", "n": uint32(7)}, AsSymbolMap(got))

	e.Reset()
	require.NoError(t, e.StringMap(map[string]any{"color": "red"}))
	got, err = Decode(e.Bytes())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"color": "red"}, AsStringMap(got))
}

func TestAnyUnsupported(t *testing.T) {
	var e Buffer
	assert.Error(t, e.Any(struct{}{}))
}

func TestFieldsTrimTrailingNulls(t *testing.T) {
	var f Fields
	f.String("name")
	f.Uint(3)
	f.Null()
	f.Null()

	b, err := DescribedList(0x12, &f)
	require.NoError(t, err)

	code, fields, err := NewReader(b).ReadDescribedList()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x12), code)
	assert.Equal(t, []any{"name", uint32(3)}, fields)
}

func TestFieldsInteriorNullsKept(t *testing.T) {
	var f Fields
	f.Null()
	f.Bool(true)

	b, err := DescribedList(0x16, &f)
	require.NoError(t, err)

	_, fields, err := NewReader(b).ReadDescribedList()
	require.NoError(t, err)
	assert.Equal(t, []any{nil, true}, fields)
}

func TestFieldsAllNull(t *testing.T) {
	var f Fields
	f.Null()

	b, err := DescribedList(0x17, &f)
	require.NoError(t, err)
	assert.Equal(t, []byte{TypeDescriptor, TypeUlongSmall, 0x17, TypeList0}, b)
}

func TestFieldsStickyError(t *testing.T) {
	var f Fields
	f.Any(make(chan int))
	f.Uint(1)

	_, err := DescribedList(0x10, &f)
	assert.Error(t, err)
}

func TestLargeListUsesList32(t *testing.T) {
	var f Fields
	for i := 0; i < 300; i++ {
		f.Uint(uint32(i))
	}
	b, err := DescribedList(0x70, &f)
	require.NoError(t, err)
	assert.Equal(t, TypeList32, b[3])

	_, fields, err := NewReader(b).ReadDescribedList()
	require.NoError(t, err)
	assert.Len(t, fields, 300)
}

func TestTruncated(t *testing.T) {
	cases := [][]byte{
		{TypeUint},
		{TypeStringShort, 5, 'a'},
		{TypeList32, 0, 0, 0, 100, 0, 0, 0, 50},
		{TypeDescriptor},
	}
	for _, data := range cases {
		_, err := Decode(data)
		assert.Error(t, err, "%x", data)
	}
}

func TestUnknownCode(t *testing.T) {
	_, err := Decode([]byte{0x01})
	assert.Error(t, err)
}

func TestDescribedArray(t *testing.T) {
	// array8 of two described smalluints with descriptor 0x24.
	data := []byte{TypeArray8, 7, 2, TypeDescriptor, TypeUlongSmall, 0x24, TypeUintSmall, 1, 2}
	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, []any{
		&Described{Descriptor: 0x24, Value: uint32(1)},
		&Described{Descriptor: 0x24, Value: uint32(2)},
	}, got)
}

func TestFormatID(t *testing.T) {
	assert.Equal(t, "", FormatID(nil))
	assert.Equal(t, "id-1", FormatID("id-1"))
	assert.Equal(t, "42", FormatID(uint64(42)))
	assert.Equal(t, "0102", FormatID([]byte{1, 2}))
	assert.Equal(t, "00000000-0000-0000-0000-000000000001", FormatID(UUID{15: 1}))
}
