// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"fmt"

	"github.com/absmach/testbroker/amqp1/types"
)

// Message section descriptors.
const (
	DescriptorHeader                uint64 = 0x70
	DescriptorDeliveryAnnotations   uint64 = 0x71
	DescriptorMessageAnnotations    uint64 = 0x72
	DescriptorProperties            uint64 = 0x73
	DescriptorApplicationProperties uint64 = 0x74
	DescriptorData                  uint64 = 0x75
	DescriptorAMQPSequence          uint64 = 0x76
	DescriptorAMQPValue             uint64 = 0x77
	DescriptorFooter                uint64 = 0x78
)

// Header section.
type Header struct {
	Durable       bool
	Priority      uint8
	TTL           uint32 // milliseconds, 0 = no TTL
	FirstAcquirer bool
	DeliveryCount uint32
}

// Properties section.
type Properties struct {
	MessageID          any // string, uint64, UUID or binary
	UserID             []byte
	To                 string
	Subject            string
	ReplyTo            string
	CorrelationID      any
	ContentType        types.Symbol
	ContentEncoding    types.Symbol
	AbsoluteExpiryTime *types.Timestamp
	CreationTime       *types.Timestamp
	GroupID            string
	GroupSequence      *uint32
	ReplyToGroupID     string
}

// Message is an AMQP 1.0 message. The body is carried by exactly one of
// Data, Sequence or Value.
type Message struct {
	Header                *Header
	DeliveryAnnotations   map[types.Symbol]any
	MessageAnnotations    map[types.Symbol]any
	Properties            *Properties
	ApplicationProperties map[string]any
	Data                  [][]byte
	Sequence              [][]any
	Value                 any
	Footer                map[types.Symbol]any
}

// Address returns the properties.to value, or "" when unset.
func (m *Message) Address() string {
	if m.Properties == nil {
		return ""
	}
	return m.Properties.To
}

// ID returns the properties.message-id formatted for logs.
func (m *Message) ID() string {
	if m.Properties == nil {
		return ""
	}
	return types.FormatID(m.Properties.MessageID)
}

// Encode serializes the message as a sequence of described sections.
func (m *Message) Encode() ([]byte, error) {
	var e types.Buffer

	if m.Header != nil {
		if err := m.Header.fields().AppendTo(&e, DescriptorHeader); err != nil {
			return nil, err
		}
	}
	for _, s := range []struct {
		code uint64
		m    map[types.Symbol]any
	}{
		{DescriptorDeliveryAnnotations, m.DeliveryAnnotations},
		{DescriptorMessageAnnotations, m.MessageAnnotations},
	} {
		if len(s.m) == 0 {
			continue
		}
		e.Descriptor(s.code)
		if err := e.SymbolMap(s.m); err != nil {
			return nil, err
		}
	}
	if m.Properties != nil {
		if err := m.Properties.fields().AppendTo(&e, DescriptorProperties); err != nil {
			return nil, err
		}
	}
	if len(m.ApplicationProperties) > 0 {
		e.Descriptor(DescriptorApplicationProperties)
		if err := e.StringMap(m.ApplicationProperties); err != nil {
			return nil, err
		}
	}
	for _, d := range m.Data {
		e.Descriptor(DescriptorData)
		e.Binary(d)
	}
	for _, seq := range m.Sequence {
		e.Descriptor(DescriptorAMQPSequence)
		if err := e.Any(seq); err != nil {
			return nil, err
		}
	}
	if m.Value != nil {
		e.Descriptor(DescriptorAMQPValue)
		if err := e.Any(m.Value); err != nil {
			return nil, err
		}
	}
	if len(m.Footer) > 0 {
		e.Descriptor(DescriptorFooter)
		if err := e.SymbolMap(m.Footer); err != nil {
			return nil, err
		}
	}
	return e.Bytes(), nil
}

func (h *Header) fields() *types.Fields {
	var f types.Fields
	f.FlagBool(h.Durable)
	if h.Priority != 4 {
		f.Ubyte(h.Priority)
	} else {
		f.Null()
	}
	putNonZero(&f, h.TTL)
	f.FlagBool(h.FirstAcquirer)
	putNonZero(&f, h.DeliveryCount)
	return &f
}

func (p *Properties) fields() *types.Fields {
	var f types.Fields
	f.Any(p.MessageID)
	f.OptBinary(p.UserID)
	f.String(p.To)
	f.String(p.Subject)
	f.String(p.ReplyTo)
	f.Any(p.CorrelationID)
	f.OptSymbol(p.ContentType)
	f.OptSymbol(p.ContentEncoding)
	putTimestamp(&f, p.AbsoluteExpiryTime)
	putTimestamp(&f, p.CreationTime)
	f.String(p.GroupID)
	f.OptUint(p.GroupSequence)
	f.String(p.ReplyToGroupID)
	return &f
}

func putNonZero(f *types.Fields, v uint32) {
	if v == 0 {
		f.Null()
		return
	}
	f.Uint(v)
}

func putTimestamp(f *types.Fields, ts *types.Timestamp) {
	if ts == nil {
		f.Null()
		return
	}
	f.Any(*ts)
}

// Decode parses the sections of an encoded message.
func Decode(payload []byte) (*Message, error) {
	m := &Message{}
	r := types.NewReader(payload)

	for r.Len() > 0 {
		v, err := r.ReadValue()
		if err != nil {
			return nil, err
		}
		section, ok := v.(*types.Described)
		if !ok {
			return nil, fmt.Errorf("expected message section, got %T", v)
		}

		switch section.Descriptor {
		case DescriptorHeader:
			m.Header = decodeHeader(section.Value)
		case DescriptorDeliveryAnnotations:
			m.DeliveryAnnotations = types.AsSymbolMap(section.Value)
		case DescriptorMessageAnnotations:
			m.MessageAnnotations = types.AsSymbolMap(section.Value)
		case DescriptorProperties:
			m.Properties = decodeProperties(section.Value)
		case DescriptorApplicationProperties:
			m.ApplicationProperties = types.AsStringMap(section.Value)
		case DescriptorData:
			data, ok := section.Value.([]byte)
			if !ok {
				return nil, fmt.Errorf("data section holds %T", section.Value)
			}
			m.Data = append(m.Data, data)
		case DescriptorAMQPSequence:
			seq, _ := section.Value.([]any)
			m.Sequence = append(m.Sequence, seq)
		case DescriptorAMQPValue:
			m.Value = section.Value
		case DescriptorFooter:
			m.Footer = types.AsSymbolMap(section.Value)
		default:
			return nil, fmt.Errorf("unknown message section 0x%02x", section.Descriptor)
		}
	}
	return m, nil
}

func decodeHeader(v any) *Header {
	fields, _ := v.([]any)
	h := &Header{
		Durable:       types.AsBool(types.Field(fields, 0)),
		Priority:      4,
		FirstAcquirer: types.AsBool(types.Field(fields, 3)),
	}
	if p, ok := types.Field(fields, 1).(uint8); ok {
		h.Priority = p
	}
	h.TTL, _ = types.AsUint32(types.Field(fields, 2))
	h.DeliveryCount, _ = types.AsUint32(types.Field(fields, 4))
	return h
}

func decodeProperties(v any) *Properties {
	fields, _ := v.([]any)
	p := &Properties{
		MessageID:       types.Field(fields, 0),
		To:              types.AsString(types.Field(fields, 2)),
		Subject:         types.AsString(types.Field(fields, 3)),
		ReplyTo:         types.AsString(types.Field(fields, 4)),
		CorrelationID:   types.Field(fields, 5),
		ContentType:     types.Symbol(types.AsString(types.Field(fields, 6))),
		ContentEncoding: types.Symbol(types.AsString(types.Field(fields, 7))),
		GroupID:         types.AsString(types.Field(fields, 10)),
		ReplyToGroupID:  types.AsString(types.Field(fields, 12)),
	}
	if uid, ok := types.Field(fields, 1).([]byte); ok {
		p.UserID = uid
	}
	if ts, ok := types.Field(fields, 8).(types.Timestamp); ok {
		p.AbsoluteExpiryTime = &ts
	}
	if ts, ok := types.Field(fields, 9).(types.Timestamp); ok {
		p.CreationTime = &ts
	}
	if seq, ok := types.AsUint32(types.Field(fields, 11)); ok {
		p.GroupSequence = &seq
	}
	return p
}
