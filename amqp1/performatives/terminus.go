// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package performatives

import (
	"github.com/absmach/testbroker/amqp1/types"
)

// Terminus descriptors.
const (
	DescriptorSource uint64 = 0x28
	DescriptorTarget uint64 = 0x29
)

// Expiry policies.
const (
	ExpiryLinkDetach      types.Symbol = "link-detach"
	ExpirySessionEnd      types.Symbol = "session-end"
	ExpiryConnectionClose types.Symbol = "connection-close"
	ExpiryNever           types.Symbol = "never"
)

// Distribution modes advertised on a source.
const (
	DistributionMove types.Symbol = "move"
	DistributionCopy types.Symbol = "copy"
)

// Node capabilities.
const (
	CapQueue types.Symbol = "queue"
	CapTopic types.Symbol = "topic"
)

// Source is the source terminus of a link.
type Source struct {
	Address          string
	Durable          uint32
	ExpiryPolicy     types.Symbol
	Timeout          uint32
	Dynamic          bool
	DistributionMode types.Symbol
	Filter           map[types.Symbol]any
	Outcomes         []types.Symbol
	Capabilities     []types.Symbol
}

func (*Source) Descriptor() uint64 { return DescriptorSource }

func (s *Source) fields(f *types.Fields) {
	f.String(s.Address)
	putNonZero(f, s.Durable)
	f.OptSymbol(s.ExpiryPolicy)
	putNonZero(f, s.Timeout)
	f.FlagBool(s.Dynamic)
	f.Null() // dynamic-node-properties
	f.OptSymbol(s.DistributionMode)
	f.SymbolMap(s.Filter)
	f.Null() // default-outcome
	f.Symbols(s.Outcomes)
	f.Symbols(s.Capabilities)
}

// Target is the target terminus of a link.
type Target struct {
	Address      string
	Durable      uint32
	ExpiryPolicy types.Symbol
	Timeout      uint32
	Dynamic      bool
	Capabilities []types.Symbol
}

func (*Target) Descriptor() uint64 { return DescriptorTarget }

func (t *Target) fields(f *types.Fields) {
	f.String(t.Address)
	putNonZero(f, t.Durable)
	f.OptSymbol(t.ExpiryPolicy)
	putNonZero(f, t.Timeout)
	f.FlagBool(t.Dynamic)
	f.Null() // dynamic-node-properties
	f.Symbols(t.Capabilities)
}

// putNonZero writes v, or null when v is the zero default.
func putNonZero(f *types.Fields, v uint32) {
	if v == 0 {
		f.Null()
		return
	}
	f.Uint(v)
}

// DecodeSource decodes a source terminus; anything else decodes to nil.
func DecodeSource(v any) *Source {
	fields, ok := describedFields(v, DescriptorSource)
	if !ok {
		return nil
	}
	return &Source{
		Address:          types.AsString(types.Field(fields, 0)),
		Durable:          uint32Or(types.Field(fields, 1), 0),
		ExpiryPolicy:     types.Symbol(types.AsString(types.Field(fields, 2))),
		Timeout:          uint32Or(types.Field(fields, 3), 0),
		Dynamic:          types.AsBool(types.Field(fields, 4)),
		DistributionMode: types.Symbol(types.AsString(types.Field(fields, 6))),
		Filter:           types.AsSymbolMap(types.Field(fields, 7)),
		Outcomes:         types.AsSymbols(types.Field(fields, 9)),
		Capabilities:     types.AsSymbols(types.Field(fields, 10)),
	}
}

// DecodeTarget decodes a target terminus; anything else decodes to nil.
func DecodeTarget(v any) *Target {
	fields, ok := describedFields(v, DescriptorTarget)
	if !ok {
		return nil
	}
	return &Target{
		Address:      types.AsString(types.Field(fields, 0)),
		Durable:      uint32Or(types.Field(fields, 1), 0),
		ExpiryPolicy: types.Symbol(types.AsString(types.Field(fields, 2))),
		Timeout:      uint32Or(types.Field(fields, 3), 0),
		Dynamic:      types.AsBool(types.Field(fields, 4)),
		Capabilities: types.AsSymbols(types.Field(fields, 6)),
	}
}

// HasCapability reports whether caps contains c.
func HasCapability(caps []types.Symbol, c types.Symbol) bool {
	for _, s := range caps {
		if s == c {
			return true
		}
	}
	return false
}
