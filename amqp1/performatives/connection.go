// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package performatives

import (
	"math"

	"github.com/absmach/testbroker/amqp1/types"
)

// Open negotiates connection parameters.
type Open struct {
	ContainerID         string
	Hostname            string
	MaxFrameSize        uint32
	ChannelMax          uint16
	IdleTimeOut         uint32 // milliseconds
	OfferedCapabilities []types.Symbol
	DesiredCapabilities []types.Symbol
	Properties          map[types.Symbol]any
}

func (*Open) Descriptor() uint64 { return DescriptorOpen }

func (o *Open) fields(f *types.Fields) {
	f.Any(o.ContainerID)
	f.String(o.Hostname)
	f.Uint(o.MaxFrameSize)
	f.Ushort(o.ChannelMax)
	putNonZero(f, o.IdleTimeOut)
	f.Null() // outgoing-locales
	f.Null() // incoming-locales
	f.Symbols(o.OfferedCapabilities)
	f.Symbols(o.DesiredCapabilities)
	f.SymbolMap(o.Properties)
}

func DecodeOpen(fields []any) *Open {
	channelMax := uint32Or(types.Field(fields, 3), math.MaxUint16)
	return &Open{
		ContainerID:         types.AsString(types.Field(fields, 0)),
		Hostname:            types.AsString(types.Field(fields, 1)),
		MaxFrameSize:        uint32Or(types.Field(fields, 2), math.MaxUint32),
		ChannelMax:          uint16(channelMax),
		IdleTimeOut:         uint32Or(types.Field(fields, 4), 0),
		OfferedCapabilities: types.AsSymbols(types.Field(fields, 7)),
		DesiredCapabilities: types.AsSymbols(types.Field(fields, 8)),
		Properties:          types.AsSymbolMap(types.Field(fields, 9)),
	}
}

// Begin opens a session.
type Begin struct {
	RemoteChannel  *uint16
	NextOutgoingID uint32
	IncomingWindow uint32
	OutgoingWindow uint32
	HandleMax      uint32
	Properties     map[types.Symbol]any
}

func (*Begin) Descriptor() uint64 { return DescriptorBegin }

func (b *Begin) fields(f *types.Fields) {
	f.OptUshort(b.RemoteChannel)
	f.Uint(b.NextOutgoingID)
	f.Uint(b.IncomingWindow)
	f.Uint(b.OutgoingWindow)
	f.Uint(b.HandleMax)
	f.Null() // offered-capabilities
	f.Null() // desired-capabilities
	f.SymbolMap(b.Properties)
}

func DecodeBegin(fields []any) *Begin {
	b := &Begin{
		NextOutgoingID: uint32Or(types.Field(fields, 1), 0),
		IncomingWindow: uint32Or(types.Field(fields, 2), 0),
		OutgoingWindow: uint32Or(types.Field(fields, 3), 0),
		HandleMax:      uint32Or(types.Field(fields, 4), math.MaxUint32),
		Properties:     types.AsSymbolMap(types.Field(fields, 7)),
	}
	if ch, ok := types.Field(fields, 0).(uint16); ok {
		b.RemoteChannel = &ch
	}
	return b
}

// End closes a session.
type End struct {
	Error *Error
}

func (*End) Descriptor() uint64       { return DescriptorEnd }
func (e *End) fields(f *types.Fields) { putError(f, e.Error) }

func DecodeEnd(fields []any) *End {
	return &End{Error: DecodeError(types.Field(fields, 0))}
}

// Close closes a connection.
type Close struct {
	Error *Error
}

func (*Close) Descriptor() uint64       { return DescriptorClose }
func (c *Close) fields(f *types.Fields) { putError(f, c.Error) }

func DecodeClose(fields []any) *Close {
	return &Close{Error: DecodeError(types.Field(fields, 0))}
}
