// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/absmach/testbroker/amqp1/performatives"
	"github.com/absmach/testbroker/amqp1/types"
	"github.com/absmach/testbroker/node"
)

// link is one end of an attached link. It is owned by the reactor.
type link struct {
	session  *session
	name     string
	handle   uint32
	isSender bool // the broker sends on this link

	source  *Terminus
	target  *Terminus
	address string

	sndSettleMode uint8

	// Sending side.
	deliveryCount uint32
	credit        uint32
	drain         bool

	// Receiving side.
	rcvDeliveryCount uint32
	rcvCredit        uint32

	bound      bool // LinkAttaching accepted the link
	detached   bool
	detachSent bool
}

func newLink(s *session, a *performatives.Attach) *link {
	return &link{
		session: s,
		name:    a.Name,
		handle:  a.Handle,
		// The peer's role is receiver when the broker sends.
		isSender:      a.Role == performatives.RoleReceiver,
		source:        sourceTerminus(a.Source),
		target:        targetTerminus(a.Target),
		sndSettleMode: a.SndSettleMode,
	}
}

func (l *link) Name() string            { return l.name }
func (l *link) Handle() uint32          { return l.handle }
func (l *link) IsSender() bool          { return l.isSender }
func (l *link) RemoteSource() *Terminus { return l.source }
func (l *link) RemoteTarget() *Terminus { return l.target }
func (l *link) Address() string         { return l.address }
func (l *link) Conn() ConnInfo          { return l.session.conn.info }

// Deliver queues m for sending on the link. It fails without side effects
// when the link has no credit or the session window is closed.
func (l *link) Deliver(m *node.Message) error {
	if l.detached {
		return ErrLinkDetached
	}
	if l.credit == 0 {
		return ErrNoCredit
	}
	s := l.session
	id, ok := s.consumeOutgoingWindow()
	if !ok {
		return ErrWindowExhausted
	}

	tag := make([]byte, 4)
	binary.BigEndian.PutUint32(tag, id)
	format := uint32(0)
	settled := l.sndSettleMode == performatives.SndSettleSettled
	t := &performatives.Transfer{
		Handle:        l.handle,
		DeliveryID:    &id,
		DeliveryTag:   tag,
		MessageFormat: &format,
		Settled:       settled,
	}
	b, err := s.conn.conn.EncodeTransfer(s.localCh, t, m.Payload)
	if err != nil {
		return fmt.Errorf("transfer %s: %w", m.ID, err)
	}
	if err := s.conn.enqueue(b); err != nil {
		return err
	}

	l.credit--
	l.deliveryCount++
	if !settled {
		s.unsettled[id] = &delivery{link: l, messageID: m.ID}
	}

	e := s.conn.engine
	e.stats.RecordSent(len(m.Payload))
	if mt := e.metrics; mt != nil {
		mt.RecordMessageSent(len(m.Payload))
	}
	return nil
}

// handleFlow applies a link flow from the peer.
func (l *link) handleFlow(f *performatives.Flow) {
	if !l.isSender {
		if f.Echo {
			l.sendFlow(false)
		}
		return
	}

	if f.LinkCredit != nil {
		// A flow without delivery-count predates the attach, so it counts
		// from the initial delivery-count of zero.
		var dc uint32
		if f.DeliveryCount != nil {
			dc = *f.DeliveryCount
		}
		l.credit = remaining(dc, *f.LinkCredit, l.deliveryCount)
	}
	l.drain = f.Drain

	if l.bound {
		l.session.conn.engine.handler.CreditChanged(l, l.credit, l.drain)
	}

	switch {
	case l.drain:
		l.deliveryCount += l.credit
		l.credit = 0
		l.sendFlow(true)
	case f.Echo:
		l.sendFlow(false)
	}
}

// remaining returns what is left of a grant of limit transfers made by a
// peer whose counter stood at seen, once the local counter reached sent.
// Counters are RFC 1982 serial numbers. Transfers still in flight when the
// peer wrote its flow consume the grant, and the result never goes below
// zero.
func remaining(seen, limit, sent uint32) uint32 {
	inFlight := sent - seen
	if int32(inFlight) < 0 {
		// The peer claims transfers that were never sent.
		return limit
	}
	if inFlight >= limit {
		return 0
	}
	return limit - inFlight
}

// grant sets the credit the peer may use to send on a receiving link.
func (l *link) grant(credit uint32) {
	l.rcvCredit = credit
	l.sendFlow(false)
}

func (l *link) sendFlow(drain bool) {
	f := l.session.flowState()
	h := l.handle
	f.Handle = &h
	if l.isSender {
		dc, c := l.deliveryCount, l.credit
		f.DeliveryCount, f.LinkCredit = &dc, &c
	} else {
		dc, c := l.rcvDeliveryCount, l.rcvCredit
		f.DeliveryCount, f.LinkCredit = &dc, &c
	}
	f.Drain = drain
	l.session.send(f)
}

// asAMQPError returns err as an AMQP error, wrapping errors of other kinds
// under cond.
func asAMQPError(err error, cond types.Symbol) *performatives.Error {
	var perr *performatives.Error
	if errors.As(err, &perr) {
		return perr
	}
	return performatives.NewError(cond, "%v", err)
}

func symbolStrings(syms []types.Symbol) []string {
	if len(syms) == 0 {
		return nil
	}
	out := make([]string, len(syms))
	for i, s := range syms {
		out[i] = string(s)
	}
	return out
}
