// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package performatives

import (
	"github.com/absmach/testbroker/amqp1/types"
)

// Attach attaches a link to a session.
type Attach struct {
	Name                 string
	Handle               uint32
	Role                 bool
	SndSettleMode        uint8
	RcvSettleMode        uint8
	Source               *Source
	Target               *Target
	InitialDeliveryCount *uint32
	MaxMessageSize       uint64
	OfferedCapabilities  []types.Symbol
	DesiredCapabilities  []types.Symbol
	Properties           map[types.Symbol]any
}

func (*Attach) Descriptor() uint64 { return DescriptorAttach }

func (a *Attach) fields(f *types.Fields) {
	f.Any(a.Name)
	f.Uint(a.Handle)
	f.Bool(a.Role)
	f.Ubyte(a.SndSettleMode)
	f.Ubyte(a.RcvSettleMode)
	if a.Source != nil {
		putComposite(f, a.Source)
	} else {
		f.Null()
	}
	if a.Target != nil {
		putComposite(f, a.Target)
	} else {
		f.Null()
	}
	f.Null() // unsettled
	f.Null() // incomplete-unsettled
	f.OptUint(a.InitialDeliveryCount)
	if a.MaxMessageSize > 0 {
		f.Ulong(a.MaxMessageSize)
	} else {
		f.Null()
	}
	f.Symbols(a.OfferedCapabilities)
	f.Symbols(a.DesiredCapabilities)
	f.SymbolMap(a.Properties)
}

func DecodeAttach(fields []any) *Attach {
	a := &Attach{
		Name:                 types.AsString(types.Field(fields, 0)),
		Handle:               uint32Or(types.Field(fields, 1), 0),
		Role:                 types.AsBool(types.Field(fields, 2)),
		SndSettleMode:        SndSettleMixed,
		RcvSettleMode:        RcvSettleFirst,
		Source:               DecodeSource(types.Field(fields, 5)),
		Target:               DecodeTarget(types.Field(fields, 6)),
		InitialDeliveryCount: optUint32(types.Field(fields, 9)),
		OfferedCapabilities:  types.AsSymbols(types.Field(fields, 11)),
		DesiredCapabilities:  types.AsSymbols(types.Field(fields, 12)),
		Properties:           types.AsSymbolMap(types.Field(fields, 13)),
	}
	if m, ok := types.Field(fields, 3).(uint8); ok {
		a.SndSettleMode = m
	}
	if m, ok := types.Field(fields, 4).(uint8); ok {
		a.RcvSettleMode = m
	}
	if n, ok := types.AsUint64(types.Field(fields, 10)); ok {
		a.MaxMessageSize = n
	}
	return a
}

// Flow updates session windows and, when Handle is set, link credit.
type Flow struct {
	NextIncomingID *uint32
	IncomingWindow uint32
	NextOutgoingID uint32
	OutgoingWindow uint32
	Handle         *uint32
	DeliveryCount  *uint32
	LinkCredit     *uint32
	Available      *uint32
	Drain          bool
	Echo           bool
	Properties     map[types.Symbol]any
}

func (*Flow) Descriptor() uint64 { return DescriptorFlow }

func (fl *Flow) fields(f *types.Fields) {
	f.OptUint(fl.NextIncomingID)
	f.Uint(fl.IncomingWindow)
	f.Uint(fl.NextOutgoingID)
	f.Uint(fl.OutgoingWindow)
	f.OptUint(fl.Handle)
	f.OptUint(fl.DeliveryCount)
	f.OptUint(fl.LinkCredit)
	f.OptUint(fl.Available)
	f.FlagBool(fl.Drain)
	f.FlagBool(fl.Echo)
	f.SymbolMap(fl.Properties)
}

func DecodeFlow(fields []any) *Flow {
	return &Flow{
		NextIncomingID: optUint32(types.Field(fields, 0)),
		IncomingWindow: uint32Or(types.Field(fields, 1), 0),
		NextOutgoingID: uint32Or(types.Field(fields, 2), 0),
		OutgoingWindow: uint32Or(types.Field(fields, 3), 0),
		Handle:         optUint32(types.Field(fields, 4)),
		DeliveryCount:  optUint32(types.Field(fields, 5)),
		LinkCredit:     optUint32(types.Field(fields, 6)),
		Available:      optUint32(types.Field(fields, 7)),
		Drain:          types.AsBool(types.Field(fields, 8)),
		Echo:           types.AsBool(types.Field(fields, 9)),
		Properties:     types.AsSymbolMap(types.Field(fields, 10)),
	}
}

// Transfer carries (a frame of) a message on a link.
type Transfer struct {
	Handle        uint32
	DeliveryID    *uint32
	DeliveryTag   []byte
	MessageFormat *uint32
	Settled       bool
	More          bool
	RcvSettleMode *uint8
	State         Outcome
	Resume        bool
	Aborted       bool
	Batchable     bool
}

func (*Transfer) Descriptor() uint64 { return DescriptorTransfer }

func (t *Transfer) fields(f *types.Fields) {
	f.Uint(t.Handle)
	f.OptUint(t.DeliveryID)
	f.OptBinary(t.DeliveryTag)
	f.OptUint(t.MessageFormat)
	f.FlagBool(t.Settled)
	f.FlagBool(t.More)
	if t.RcvSettleMode != nil {
		f.Ubyte(*t.RcvSettleMode)
	} else {
		f.Null()
	}
	putOutcome(f, t.State)
	f.FlagBool(t.Resume)
	f.FlagBool(t.Aborted)
	f.FlagBool(t.Batchable)
}

func DecodeTransfer(fields []any) *Transfer {
	t := &Transfer{
		Handle:        uint32Or(types.Field(fields, 0), 0),
		DeliveryID:    optUint32(types.Field(fields, 1)),
		MessageFormat: optUint32(types.Field(fields, 3)),
		Settled:       types.AsBool(types.Field(fields, 4)),
		More:          types.AsBool(types.Field(fields, 5)),
		State:         DecodeOutcome(types.Field(fields, 7)),
		Resume:        types.AsBool(types.Field(fields, 8)),
		Aborted:       types.AsBool(types.Field(fields, 9)),
		Batchable:     types.AsBool(types.Field(fields, 10)),
	}
	if tag, ok := types.Field(fields, 2).([]byte); ok {
		t.DeliveryTag = append([]byte(nil), tag...)
	}
	if m, ok := types.Field(fields, 6).(uint8); ok {
		t.RcvSettleMode = &m
	}
	return t
}

// Disposition informs the peer of delivery state changes for a range of
// delivery IDs.
type Disposition struct {
	Role      bool
	First     uint32
	Last      *uint32
	Settled   bool
	State     Outcome
	Batchable bool
}

func (*Disposition) Descriptor() uint64 { return DescriptorDisposition }

func (d *Disposition) fields(f *types.Fields) {
	f.Bool(d.Role)
	f.Uint(d.First)
	f.OptUint(d.Last)
	f.FlagBool(d.Settled)
	putOutcome(f, d.State)
	f.FlagBool(d.Batchable)
}

// Range returns the inclusive delivery-id range covered by d.
func (d *Disposition) Range() (first, last uint32) {
	if d.Last == nil {
		return d.First, d.First
	}
	return d.First, *d.Last
}

func DecodeDisposition(fields []any) *Disposition {
	return &Disposition{
		Role:      types.AsBool(types.Field(fields, 0)),
		First:     uint32Or(types.Field(fields, 1), 0),
		Last:      optUint32(types.Field(fields, 2)),
		Settled:   types.AsBool(types.Field(fields, 3)),
		State:     DecodeOutcome(types.Field(fields, 4)),
		Batchable: types.AsBool(types.Field(fields, 5)),
	}
}

// Detach detaches (and when Closed, closes) a link.
type Detach struct {
	Handle uint32
	Closed bool
	Error  *Error
}

func (*Detach) Descriptor() uint64 { return DescriptorDetach }

func (d *Detach) fields(f *types.Fields) {
	f.Uint(d.Handle)
	f.FlagBool(d.Closed)
	putError(f, d.Error)
}

func DecodeDetach(fields []any) *Detach {
	return &Detach{
		Handle: uint32Or(types.Field(fields, 0), 0),
		Closed: types.AsBool(types.Field(fields, 1)),
		Error:  DecodeError(types.Field(fields, 2)),
	}
}
