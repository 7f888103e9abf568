// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"log/slog"
	"slices"

	"github.com/absmach/testbroker/amqp1/message"
	"github.com/absmach/testbroker/amqp1/performatives"
	"github.com/absmach/testbroker/node"
)

const (
	initialWindow            = uint32(65535)
	windowReplenishThreshold = initialWindow / 2
)

// delivery is an outgoing message awaiting the peer's disposition.
type delivery struct {
	link      *link
	messageID string
}

// session is an AMQP session. It is owned by the reactor.
type session struct {
	conn      *connection
	localCh   uint16
	remoteCh  uint16
	handleMax uint32

	links     map[uint32]*link
	unsettled map[uint32]*delivery

	nextIncomingID       uint32
	incomingWindow       uint32
	nextOutgoingID       uint32
	outgoingWindow       uint32
	remoteIncomingWindow uint32
	remoteOutgoingWindow uint32
	// blocked is set when a delivery found the remote incoming window closed.
	blocked bool
	endSent bool
}

func newSession(c *connection, localCh, remoteCh uint16, handleMax uint32) *session {
	return &session{
		conn:           c,
		localCh:        localCh,
		remoteCh:       remoteCh,
		handleMax:      handleMax,
		links:          make(map[uint32]*link),
		unsettled:      make(map[uint32]*delivery),
		incomingWindow: initialWindow,
		outgoingWindow: initialWindow,
	}
}

// initWindows initializes window state from the remote begin.
func (s *session) initWindows(b *performatives.Begin) {
	s.nextIncomingID = b.NextOutgoingID
	s.remoteIncomingWindow = b.IncomingWindow
	s.remoteOutgoingWindow = b.OutgoingWindow
}

// consumeOutgoingWindow allocates a delivery ID for one outgoing transfer.
// The broker's own outgoing window is never reduced; only the peer's
// incoming window limits sending.
func (s *session) consumeOutgoingWindow() (uint32, bool) {
	if s.remoteIncomingWindow == 0 {
		s.blocked = true
		return 0, false
	}
	id := s.nextOutgoingID
	s.nextOutgoingID++
	s.remoteIncomingWindow--
	return id, true
}

// updateRemoteFlow recomputes the peer's incoming window from a flow.
// Without next-incoming-id the peer has not seen the begin, so it counts
// from the initial outgoing id of zero.
func (s *session) updateRemoteFlow(f *performatives.Flow) {
	var nextIn uint32
	if f.NextIncomingID != nil {
		nextIn = *f.NextIncomingID
	}
	s.remoteIncomingWindow = remaining(nextIn, f.IncomingWindow, s.nextOutgoingID)
	s.remoteOutgoingWindow = f.OutgoingWindow
}

// trackIncoming accounts for n transfer frames. It reports false if the
// peer exceeded the incoming window.
func (s *session) trackIncoming(t *performatives.Transfer, n int) bool {
	if uint32(n) > s.incomingWindow {
		return false
	}
	s.incomingWindow -= uint32(n)
	if t.DeliveryID != nil {
		s.nextIncomingID = *t.DeliveryID + 1
	}
	if s.incomingWindow < windowReplenishThreshold {
		s.incomingWindow = initialWindow
		s.sendFlow()
	}
	return true
}

func (s *session) flowState() *performatives.Flow {
	nextIn := s.nextIncomingID
	return &performatives.Flow{
		NextIncomingID: &nextIn,
		IncomingWindow: s.incomingWindow,
		NextOutgoingID: s.nextOutgoingID,
		OutgoingWindow: s.outgoingWindow,
	}
}

func (s *session) sendFlow() {
	s.send(s.flowState())
}

func (s *session) send(p performatives.Composite) {
	s.conn.send(s.localCh, p)
}

func (s *session) handle(perf performatives.Composite, payload []byte, n int) {
	if s.endSent {
		return
	}
	switch p := perf.(type) {
	case *performatives.Attach:
		s.handleAttach(p)
	case *performatives.Flow:
		s.handleFlow(p)
	case *performatives.Transfer:
		s.handleTransfer(p, payload, n)
	case *performatives.Disposition:
		s.handleDisposition(p)
	case *performatives.Detach:
		s.handleDetach(p)
	}
}

func (s *session) handleAttach(a *performatives.Attach) {
	if a.Handle > s.handleMax {
		s.send(&performatives.Detach{
			Handle: a.Handle,
			Closed: true,
			Error:  performatives.NewError(performatives.ErrNotAllowed, "handle %d exceeds max %d", a.Handle, s.handleMax),
		})
		return
	}
	if _, ok := s.links[a.Handle]; ok {
		s.endWith(performatives.NewError(performatives.ErrHandleInUse, "handle %d already attached", a.Handle))
		return
	}

	l := newLink(s, a)
	s.links[a.Handle] = l
	e := s.conn.engine

	resp := &performatives.Attach{
		Name:          a.Name,
		Handle:        a.Handle,
		Role:          !a.Role,
		SndSettleMode: a.SndSettleMode,
		RcvSettleMode: performatives.RcvSettleFirst,
		Source:        a.Source,
		Target:        a.Target,
	}

	addr, err := e.handler.LinkAttaching(l)
	if err != nil {
		if l.isSender {
			resp.Source = nil
		} else {
			resp.Target = nil
		}
		s.send(resp)
		s.send(&performatives.Detach{
			Handle: a.Handle,
			Closed: true,
			Error:  asAMQPError(err, performatives.ErrInvalidField),
		})
		l.detached, l.detachSent = true, true
		s.conn.logger.Debug("attach refused",
			slog.String("container", s.conn.info.ContainerID),
			slog.String("link", a.Name),
			slog.String("error", err.Error()))
		return
	}

	l.address = addr
	l.bound = true
	e.stats.AddLinks(1)
	if m := e.metrics; m != nil {
		m.RecordLink(1)
	}

	if l.isSender {
		src := &performatives.Source{Address: addr}
		if a.Source != nil {
			src.Dynamic = a.Source.Dynamic
			src.Capabilities = a.Source.Capabilities
			src.DistributionMode = a.Source.DistributionMode
		}
		resp.Source = src
		zero := uint32(0)
		resp.InitialDeliveryCount = &zero
	} else {
		tgt := &performatives.Target{Address: addr}
		if a.Target != nil {
			tgt.Dynamic = a.Target.Dynamic
			tgt.Capabilities = a.Target.Capabilities
		}
		resp.Target = tgt
	}
	s.send(resp)

	if !l.isSender {
		if a.InitialDeliveryCount != nil {
			l.rcvDeliveryCount = *a.InitialDeliveryCount
		}
		l.grant(e.cfg.ReceiverCredit)
	}

	s.conn.logger.Debug("link attached",
		slog.String("container", s.conn.info.ContainerID),
		slog.String("link", a.Name),
		slog.String("address", addr),
		slog.Bool("sender", l.isSender))
}

func (s *session) handleFlow(f *performatives.Flow) {
	wasBlocked := s.blocked
	s.updateRemoteFlow(f)

	if f.Handle != nil {
		if l := s.links[*f.Handle]; l != nil && !l.detached {
			l.handleFlow(f)
		}
	} else if f.Echo {
		s.sendFlow()
	}

	if wasBlocked && s.remoteIncomingWindow > 0 {
		s.blocked = false
		for _, l := range s.links {
			if l.isSender && l.bound && !l.detached && l.credit > 0 {
				s.conn.engine.handler.CreditChanged(l, l.credit, false)
			}
		}
	}
}

func (s *session) handleTransfer(t *performatives.Transfer, payload []byte, n int) {
	if !s.trackIncoming(t, n) {
		s.endWith(performatives.NewError(performatives.ErrWindowViolation, "incoming window exceeded"))
		return
	}

	l := s.links[t.Handle]
	if l == nil || l.isSender {
		s.endWith(performatives.NewError(performatives.ErrUnattachedHandle, "transfer on handle %d", t.Handle))
		return
	}
	if l.detached {
		return
	}

	l.rcvDeliveryCount++
	if l.rcvCredit > 0 {
		l.rcvCredit--
	}

	e := s.conn.engine
	e.stats.RecordReceived(len(payload))
	if m := e.metrics; m != nil {
		m.RecordMessageReceived(len(payload))
	}

	var state performatives.Outcome = &performatives.Accepted{}
	decoded, err := message.Decode(payload)
	if err != nil {
		state = &performatives.Rejected{Error: performatives.NewError(performatives.ErrDecodeError, "%v", err)}
	} else {
		m := node.NewMessage(decoded.Address(), decoded.ID(), payload)
		if err := e.handler.MessageArrived(l, m); err != nil {
			state = &performatives.Rejected{Error: asAMQPError(err, performatives.ErrInternalError)}
		}
	}

	if !t.Settled && t.DeliveryID != nil {
		s.send(&performatives.Disposition{
			Role:    performatives.RoleReceiver,
			First:   *t.DeliveryID,
			Settled: true,
			State:   state,
		})
	}

	if l.rcvCredit < e.cfg.ReceiverCredit/2 {
		l.grant(e.cfg.ReceiverCredit)
	}
}

// handleDisposition applies the peer's outcomes to broker-sent deliveries.
func (s *session) handleDisposition(d *performatives.Disposition) {
	if d.Role != performatives.RoleReceiver {
		return
	}
	first, last := d.Range()
	if d.State == nil {
		return
	}

	var ids []uint32
	for id := range s.unsettled {
		if id-first <= last-first {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	e := s.conn.engine
	for _, id := range ids {
		dl := s.unsettled[id]
		delete(s.unsettled, id)

		out := Delivery{ID: id, MessageID: dl.messageID, Outcome: d.State.Name()}
		if r, ok := d.State.(*performatives.Rejected); ok {
			out.Error = r.Error
		}
		e.handler.DeliverySettled(dl.link, out)
		if m := e.metrics; m != nil {
			m.RecordOutcome(out.Outcome)
		}
		if !d.Settled {
			s.send(&performatives.Disposition{
				Role:    performatives.RoleSender,
				First:   id,
				Settled: true,
				State:   d.State,
			})
		}
	}
}

func (s *session) handleDetach(d *performatives.Detach) {
	l := s.links[d.Handle]
	if l == nil {
		return
	}
	delete(s.links, d.Handle)
	if l.detachSent {
		return
	}
	s.detachLink(l)
	s.send(&performatives.Detach{Handle: d.Handle, Closed: true})
}

// detachLink marks l detached, drops its unsettled deliveries and tells the
// handler.
func (s *session) detachLink(l *link) {
	if l.detached {
		return
	}
	l.detached = true
	for id, dl := range s.unsettled {
		if dl.link == l {
			delete(s.unsettled, id)
		}
	}
	if !l.bound {
		return
	}
	e := s.conn.engine
	e.handler.LinkDetaching(l)
	e.stats.AddLinks(-1)
	if m := e.metrics; m != nil {
		m.RecordLink(-1)
	}
}

// detachAll detaches every link of the session.
func (s *session) detachAll() {
	for h, l := range s.links {
		s.detachLink(l)
		delete(s.links, h)
	}
}

// release marks every bound link detached without raising LinkDetaching and
// returns them. It is used when the whole connection goes away.
func (s *session) release() []Link {
	var out []Link
	e := s.conn.engine
	for h, l := range s.links {
		delete(s.links, h)
		if l.detached {
			continue
		}
		l.detached = true
		if l.bound {
			out = append(out, l)
			e.stats.AddLinks(-1)
			if m := e.metrics; m != nil {
				m.RecordLink(-1)
			}
		}
	}
	clear(s.unsettled)
	return out
}

// endWith ends the session with an error.
func (s *session) endWith(perr *performatives.Error) {
	s.conn.logger.Warn("ending session",
		slog.String("container", s.conn.info.ContainerID),
		slog.String("error", perr.Error()))
	s.detachAll()
	s.endSent = true
	s.send(&performatives.End{Error: perr})
}
