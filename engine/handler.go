// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"github.com/absmach/testbroker/amqp1/performatives"
	"github.com/absmach/testbroker/node"
)

// Handler receives link and connection events. Every method is called on
// the reactor goroutine and must not block.
type Handler interface {
	// LinkAttaching is called when the peer attaches a link. It returns the
	// node address the link is bound to, or "" for an anonymous relay. A
	// non-nil error rejects the attach.
	LinkAttaching(l Link) (string, error)

	// LinkDetaching is called when an attached link goes away because of a
	// detach or the end of its session.
	LinkDetaching(l Link)

	// MessageArrived is called for each complete message the peer sends on
	// a link. A nil error accepts the message; anything else rejects it.
	MessageArrived(l Link, m *node.Message) error

	// CreditChanged is called when the peer changes the credit of a link the
	// broker sends on. With drain set, credit left after this call is
	// consumed by the engine.
	CreditChanged(l Link, credit uint32, drain bool)

	// DeliverySettled reports the peer's outcome for a message the broker
	// sent unsettled.
	DeliverySettled(l Link, d Delivery)

	// ConnectionLost is called once per connection, after a close frame or a
	// transport error, with the links still attached at that point.
	ConnectionLost(c ConnInfo, links []Link)
}

// Link is an attached link as seen by the handler.
type Link interface {
	node.Link

	Name() string
	Handle() uint32
	// IsSender reports whether the broker sends on this link.
	IsSender() bool
	RemoteSource() *Terminus
	RemoteTarget() *Terminus
	// Address is the address returned by LinkAttaching.
	Address() string
	Conn() ConnInfo
}

// Terminus is the part of a source or target the handler needs.
type Terminus struct {
	Address      string
	Dynamic      bool
	Capabilities []string
}

// HasCapability reports whether the terminus advertises c.
func (t *Terminus) HasCapability(c string) bool {
	if t == nil {
		return false
	}
	for _, s := range t.Capabilities {
		if s == c {
			return true
		}
	}
	return false
}

// ConnInfo identifies a transport connection.
type ConnInfo struct {
	ID          uint64
	ContainerID string
	RemoteAddr  string
	User        string
	Secure      bool
}

// Delivery describes a settled outgoing delivery.
type Delivery struct {
	ID        uint32
	MessageID string
	// Outcome is one of accepted, rejected, released or modified.
	Outcome string
	// Error is the rejection error, if any.
	Error *performatives.Error
}

func sourceTerminus(s *performatives.Source) *Terminus {
	if s == nil {
		return nil
	}
	return &Terminus{Address: s.Address, Dynamic: s.Dynamic, Capabilities: symbolStrings(s.Capabilities)}
}

func targetTerminus(t *performatives.Target) *Terminus {
	if t == nil {
		return nil
	}
	return &Terminus{Address: t.Address, Dynamic: t.Dynamic, Capabilities: symbolStrings(t.Capabilities)}
}
