// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package performatives encodes and decodes AMQP 1.0 frame bodies, link
// termini and delivery outcomes.
package performatives

import (
	"fmt"

	"github.com/absmach/testbroker/amqp1/types"
)

// Performative descriptors.
const (
	DescriptorOpen        uint64 = 0x10
	DescriptorBegin       uint64 = 0x11
	DescriptorAttach      uint64 = 0x12
	DescriptorFlow        uint64 = 0x13
	DescriptorTransfer    uint64 = 0x14
	DescriptorDisposition uint64 = 0x15
	DescriptorDetach      uint64 = 0x16
	DescriptorEnd         uint64 = 0x17
	DescriptorClose       uint64 = 0x18
)

// Link roles as carried on attach and disposition.
const (
	RoleSender   = false
	RoleReceiver = true
)

// Settlement modes.
const (
	SndSettleUnsettled uint8 = 0
	SndSettleSettled   uint8 = 1
	SndSettleMixed     uint8 = 2

	RcvSettleFirst  uint8 = 0
	RcvSettleSecond uint8 = 1
)

// Composite is a described list this package can encode.
type Composite interface {
	Descriptor() uint64
	fields(f *types.Fields)
}

// Encode serializes c as a described list.
func Encode(c Composite) ([]byte, error) {
	var f types.Fields
	c.fields(&f)
	return types.DescribedList(c.Descriptor(), &f)
}

func putComposite(f *types.Fields, c Composite) {
	var inner types.Fields
	c.fields(&inner)
	b, err := types.DescribedList(c.Descriptor(), &inner)
	if err != nil {
		f.Fail(err)
		return
	}
	f.Raw(b)
}

// Decode decodes a frame body into a performative. Bytes following the
// performative (the payload of a transfer) are returned as rest.
func Decode(body []byte) (perf Composite, rest []byte, err error) {
	r := types.NewReader(body)
	code, fields, err := r.ReadDescribedList()
	if err != nil {
		return nil, nil, err
	}

	switch code {
	case DescriptorOpen:
		perf = DecodeOpen(fields)
	case DescriptorBegin:
		perf = DecodeBegin(fields)
	case DescriptorAttach:
		perf = DecodeAttach(fields)
	case DescriptorFlow:
		perf = DecodeFlow(fields)
	case DescriptorTransfer:
		perf = DecodeTransfer(fields)
	case DescriptorDisposition:
		perf = DecodeDisposition(fields)
	case DescriptorDetach:
		perf = DecodeDetach(fields)
	case DescriptorEnd:
		perf = DecodeEnd(fields)
	case DescriptorClose:
		perf = DecodeClose(fields)
	default:
		return nil, nil, fmt.Errorf("unknown performative 0x%02x", code)
	}

	if r.Len() > 0 {
		rest = r.Rest()
	}
	return perf, rest, nil
}

func optUint32(v any) *uint32 {
	n, ok := types.AsUint32(v)
	if !ok {
		return nil
	}
	return &n
}

func uint32Or(v any, def uint32) uint32 {
	if n, ok := types.AsUint32(v); ok {
		return n
	}
	return def
}

func described(v any) *types.Described {
	d, _ := v.(*types.Described)
	return d
}

func describedFields(v any, descriptor uint64) ([]any, bool) {
	d := described(v)
	if d == nil || d.Descriptor != descriptor {
		return nil, false
	}
	fields, ok := d.Value.([]any)
	return fields, ok
}
