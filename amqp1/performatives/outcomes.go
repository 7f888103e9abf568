// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package performatives

import (
	"github.com/absmach/testbroker/amqp1/types"
)

// Delivery state descriptors.
const (
	DescriptorReceived uint64 = 0x23
	DescriptorAccepted uint64 = 0x24
	DescriptorRejected uint64 = 0x25
	DescriptorReleased uint64 = 0x26
	DescriptorModified uint64 = 0x27
)

// Outcome is a terminal delivery state.
type Outcome interface {
	Composite
	// Name is the lower-case outcome name used in logs and metrics.
	Name() string
}

type Accepted struct{}

func (*Accepted) Descriptor() uint64     { return DescriptorAccepted }
func (*Accepted) Name() string           { return "accepted" }
func (*Accepted) fields(f *types.Fields) {}

type Rejected struct {
	Error *Error
}

func (*Rejected) Descriptor() uint64 { return DescriptorRejected }
func (*Rejected) Name() string       { return "rejected" }
func (r *Rejected) fields(f *types.Fields) {
	putError(f, r.Error)
}

type Released struct{}

func (*Released) Descriptor() uint64     { return DescriptorReleased }
func (*Released) Name() string           { return "released" }
func (*Released) fields(f *types.Fields) {}

type Modified struct {
	DeliveryFailed     bool
	UndeliverableHere  bool
	MessageAnnotations map[types.Symbol]any
}

func (*Modified) Descriptor() uint64 { return DescriptorModified }
func (*Modified) Name() string       { return "modified" }
func (m *Modified) fields(f *types.Fields) {
	f.FlagBool(m.DeliveryFailed)
	f.FlagBool(m.UndeliverableHere)
	f.SymbolMap(m.MessageAnnotations)
}

// DecodeOutcome decodes a delivery state. Non-terminal states such as
// received, and unknown states, decode to nil.
func DecodeOutcome(v any) Outcome {
	d := described(v)
	if d == nil {
		return nil
	}
	fields, _ := d.Value.([]any)

	switch d.Descriptor {
	case DescriptorAccepted:
		return &Accepted{}
	case DescriptorRejected:
		return &Rejected{Error: DecodeError(types.Field(fields, 0))}
	case DescriptorReleased:
		return &Released{}
	case DescriptorModified:
		return &Modified{
			DeliveryFailed:     types.AsBool(types.Field(fields, 0)),
			UndeliverableHere:  types.AsBool(types.Field(fields, 1)),
			MessageAnnotations: types.AsSymbolMap(types.Field(fields, 2)),
		}
	default:
		return nil
	}
}

func putOutcome(f *types.Fields, o Outcome) {
	if o == nil {
		f.Null()
		return
	}
	putComposite(f, o)
}
