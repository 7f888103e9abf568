// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"errors"
	"time"
)

// AMQP 1.0 type constructor codes.
const (
	TypeDescriptor byte = 0x00

	TypeNull       byte = 0x40
	TypeBoolTrue   byte = 0x41
	TypeBoolFalse  byte = 0x42
	TypeUint0      byte = 0x43
	TypeUlong0     byte = 0x44
	TypeList0      byte = 0x45
	TypeUbyte      byte = 0x50
	TypeByte       byte = 0x51
	TypeUintSmall  byte = 0x52
	TypeUlongSmall byte = 0x53
	TypeIntSmall   byte = 0x54
	TypeLongSmall  byte = 0x55
	TypeBool       byte = 0x56
	TypeUshort     byte = 0x60
	TypeShort      byte = 0x61
	TypeUint       byte = 0x70
	TypeInt        byte = 0x71
	TypeFloat      byte = 0x72
	TypeChar       byte = 0x73
	TypeDecimal32  byte = 0x74
	TypeUlong      byte = 0x80
	TypeLong       byte = 0x81
	TypeDouble     byte = 0x82
	TypeTimestamp  byte = 0x83
	TypeDecimal64  byte = 0x84
	TypeDecimal128 byte = 0x94
	TypeUUID       byte = 0x98

	TypeBinaryShort byte = 0xa0
	TypeStringShort byte = 0xa1
	TypeSymbolShort byte = 0xa3
	TypeBinaryLong  byte = 0xb0
	TypeStringLong  byte = 0xb1
	TypeSymbolLong  byte = 0xb3

	TypeList8   byte = 0xc0
	TypeMap8    byte = 0xc1
	TypeList32  byte = 0xd0
	TypeMap32   byte = 0xd1
	TypeArray8  byte = 0xe0
	TypeArray32 byte = 0xf0
)

// ErrTruncated is returned when an encoded value runs past the end of its buffer.
var ErrTruncated = errors.New("amqp: truncated value")

// Symbol is an AMQP symbolic value (ASCII subset of string).
type Symbol string

// UUID is a 128-bit universally unique identifier.
type UUID [16]byte

// Timestamp is an AMQP timestamp with millisecond precision.
type Timestamp time.Time

// Described is a described value with a numeric descriptor.
type Described struct {
	Descriptor uint64
	Value      any
}

// Milliseconds returns the Unix timestamp in milliseconds.
func (t Timestamp) Milliseconds() int64 {
	return time.Time(t).UnixMilli()
}

// TimestampFromMillis creates a Timestamp from milliseconds since Unix epoch.
func TimestampFromMillis(ms int64) Timestamp {
	return Timestamp(time.UnixMilli(ms))
}
