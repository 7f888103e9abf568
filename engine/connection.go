// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"time"

	"github.com/absmach/testbroker/amqp1"
	"github.com/absmach/testbroker/amqp1/frames"
	"github.com/absmach/testbroker/amqp1/performatives"
	"github.com/absmach/testbroker/amqp1/sasl"
)

var errSASLRequired = errors.New("SASL required")

// connection is one AMQP connection. The fields below flushed are owned by
// the reactor; the rest are set during the handshake and read-only
// afterwards.
type connection struct {
	engine     *Engine
	conn       *amqp1.Connection
	info       ConnInfo
	peerIdle   time.Duration
	channelMax uint16
	done       chan struct{}
	out        chan []byte // encoded frames for the writer, closed by teardown
	flushed    chan struct{}

	sessions map[uint16]*session // by remote channel
	locals   map[uint16]*session // by local channel
	torn     bool
	stalled  bool // the outbound queue overflowed

	logger *slog.Logger
}

type partialTransfer struct {
	transfer *performatives.Transfer
	payload  []byte
	frames   int
}

func newConnection(e *Engine, raw net.Conn) *connection {
	c := &connection{
		engine:     e,
		conn:       amqp1.NewConnection(raw),
		channelMax: math.MaxUint16,
		done:       make(chan struct{}),
		out:        make(chan []byte, e.cfg.OutboundQueue),
		flushed:    make(chan struct{}),
		sessions:   make(map[uint16]*session),
		locals:     make(map[uint16]*session),
		logger:     e.logger,
	}
	c.info.ID = e.nextConnID.Add(1)
	if addr := raw.RemoteAddr(); addr != nil {
		c.info.RemoteAddr = addr.String()
	}
	c.conn.SetReadLimit(e.cfg.MaxFrameSize)
	c.conn.SetWriteTimeout(e.cfg.WriteTimeout)
	return c
}

// handshake runs the protocol header, SASL and open exchange.
func (c *connection) handshake() error {
	cfg := c.engine.cfg
	if err := c.conn.SetDeadline(time.Now().Add(cfg.HandshakeTimeout)); err != nil {
		return err
	}
	defer c.conn.SetDeadline(time.Time{})

	protoID, err := c.conn.ReadProtocolHeader()
	if err != nil {
		_ = c.conn.WriteProtocolHeader(frames.ProtoIDAMQP)
		return fmt.Errorf("reading protocol header: %w", err)
	}

	switch protoID {
	case frames.ProtoIDSASL:
		if err := c.negotiateSASL(); err != nil {
			return fmt.Errorf("SASL negotiation: %w", err)
		}
		if protoID, err = c.conn.ReadProtocolHeader(); err != nil {
			return fmt.Errorf("reading AMQP header after SASL: %w", err)
		}
		if protoID != frames.ProtoIDAMQP {
			_ = c.conn.WriteProtocolHeader(frames.ProtoIDAMQP)
			return fmt.Errorf("unexpected protocol ID 0x%02x after SASL", protoID)
		}
	case frames.ProtoIDAMQP:
		if cfg.Auth.User != "" {
			_ = c.conn.WriteProtocolHeader(frames.ProtoIDSASL)
			return errSASLRequired
		}
	default:
		_ = c.conn.WriteProtocolHeader(frames.ProtoIDAMQP)
		return fmt.Errorf("unsupported protocol ID 0x%02x", protoID)
	}

	if err := c.conn.WriteProtocolHeader(frames.ProtoIDAMQP); err != nil {
		return fmt.Errorf("writing AMQP header: %w", err)
	}
	return c.exchangeOpen()
}

func (c *connection) negotiateSASL() error {
	auth := c.engine.cfg.Auth
	if err := c.conn.WriteProtocolHeader(frames.ProtoIDSASL); err != nil {
		return err
	}
	if err := c.conn.WriteSASL(&sasl.Mechanisms{Mechanisms: auth.Offered()}); err != nil {
		return err
	}

	code, v, err := c.conn.ReadSASL()
	if err != nil {
		return err
	}
	init, ok := v.(*sasl.Init)
	if !ok {
		return fmt.Errorf("expected sasl-init, got descriptor 0x%02x", code)
	}

	user, outcome := auth.Authenticate(init)
	if err := c.conn.WriteSASL(&sasl.Outcome{Code: outcome}); err != nil {
		return err
	}
	if outcome != sasl.CodeOK {
		c.engine.stats.IncrementAuthErrors()
		if m := c.engine.metrics; m != nil {
			m.RecordError("auth")
		}
		return fmt.Errorf("%s authentication rejected", init.Mechanism)
	}
	c.info.User = user
	return nil
}

func (c *connection) exchangeOpen() error {
	cfg := c.engine.cfg
	ch, perf, _, err := c.conn.ReadPerformative()
	if err != nil {
		return err
	}
	open, ok := perf.(*performatives.Open)
	if !ok {
		return fmt.Errorf("expected open on channel %d, got %T", ch, perf)
	}

	c.info.ContainerID = open.ContainerID
	c.conn.SetMaxFrameSize(open.MaxFrameSize)
	c.channelMax = open.ChannelMax
	c.peerIdle = time.Duration(open.IdleTimeOut) * time.Millisecond
	c.conn.SetIdleTimeout(cfg.IdleTimeout)

	return c.conn.WritePerformative(0, &performatives.Open{
		ContainerID:  cfg.ContainerID,
		MaxFrameSize: cfg.MaxFrameSize,
		ChannelMax:   math.MaxUint16,
		IdleTimeOut:  uint32(cfg.IdleTimeout.Milliseconds()),
	})
}

// readLoop decodes frames and posts them to the reactor until the
// transport fails or the peer sends close.
func (c *connection) readLoop() error {
	partial := make(map[uint16]*partialTransfer)
	for {
		f, err := c.conn.ReadFrame()
		if err != nil {
			return err
		}
		if f.IsEmpty() {
			continue
		}
		if f.Type != frames.TypeAMQP {
			perr := performatives.NewError(performatives.ErrFramingError, "unexpected frame type 0x%02x", f.Type)
			c.engine.post(func() { c.closeWith(perr) })
			return perr
		}

		perf, payload, err := performatives.Decode(f.Body)
		if err != nil {
			perr := performatives.NewError(performatives.ErrDecodeError, "%v", err)
			c.engine.post(func() { c.closeWith(perr) })
			return perr
		}

		ch, n := f.Channel, 1
		if t, ok := perf.(*performatives.Transfer); ok {
			p := partial[ch]
			switch {
			case t.Aborted:
				delete(partial, ch)
				continue
			case p != nil:
				p.payload = append(p.payload, payload...)
				p.frames++
				p.transfer.Settled = p.transfer.Settled || t.Settled
				if t.More {
					continue
				}
				delete(partial, ch)
				perf, payload, n = p.transfer, p.payload, p.frames
			case t.More:
				partial[ch] = &partialTransfer{transfer: t, payload: payload, frames: 1}
				continue
			}
		}

		if !c.engine.post(func() { c.handle(ch, perf, payload, n) }) {
			return ErrStopped
		}
		if _, ok := perf.(*performatives.Close); ok {
			return nil
		}
	}
}

// writeLoop writes queued frames until teardown closes the queue, a write
// fails or the engine stops. The transport is closed on return.
func (c *connection) writeLoop() {
	defer close(c.flushed)
	defer c.conn.Close()
	for {
		select {
		case b, ok := <-c.out:
			if !ok {
				return
			}
			if err := c.conn.Write(b); err != nil {
				c.logger.Debug("write failed",
					slog.String("container", c.info.ContainerID),
					slog.String("error", err.Error()))
				return
			}
		case <-c.engine.done:
			c.flush()
			return
		}
	}
}

// flush writes whatever is already queued without waiting for more.
func (c *connection) flush() {
	for {
		select {
		case b, ok := <-c.out:
			if !ok {
				return
			}
			if c.conn.Write(b) != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *connection) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-c.engine.done:
			return
		case <-ticker.C:
			if err := c.conn.SendHeartbeat(); err != nil {
				return
			}
		}
	}
}

// opened registers the connection with the reactor.
func (c *connection) opened() {
	e := c.engine
	e.conns[c] = struct{}{}
	e.stats.IncrementConnections()
	if m := e.metrics; m != nil {
		m.RecordConnection()
	}
	if c.peerIdle > 0 {
		go c.heartbeatLoop(max(c.peerIdle/2, 100*time.Millisecond))
	}
	c.logger.Info("connection opened",
		slog.String("container", c.info.ContainerID),
		slog.String("remote", c.info.RemoteAddr),
		slog.String("user", c.info.User),
		slog.Bool("secure", c.info.Secure))
}

// handle processes one decoded frame on the reactor. n is the number of
// transfer frames a reassembled transfer arrived in.
func (c *connection) handle(ch uint16, perf performatives.Composite, payload []byte, n int) {
	if c.torn {
		return
	}

	switch p := perf.(type) {
	case *performatives.Open:
		c.closeWith(performatives.NewError(performatives.ErrIllegalState, "duplicate open"))
	case *performatives.Begin:
		c.handleBegin(ch, p)
	case *performatives.End:
		c.handleEnd(ch, p)
	case *performatives.Close:
		c.handleClose(p)
	default:
		s := c.sessions[ch]
		if s == nil {
			c.closeWith(performatives.NewError(performatives.ErrIllegalState, "frame on channel %d without a session", ch))
			return
		}
		s.handle(perf, payload, n)
	}
}

func (c *connection) handleBegin(ch uint16, b *performatives.Begin) {
	if _, ok := c.sessions[ch]; ok {
		c.closeWith(performatives.NewError(performatives.ErrFramingError, "channel %d already in use", ch))
		return
	}
	if b.RemoteChannel != nil {
		c.closeWith(performatives.NewError(performatives.ErrNotAllowed, "begin answers a session the broker never started"))
		return
	}
	local, ok := c.allocChannel()
	if !ok {
		c.closeWith(performatives.NewError(performatives.ErrResourceLimitExceeded, "channel limit %d reached", c.channelMax))
		return
	}

	s := newSession(c, local, ch, min(b.HandleMax, defaultHandleMax))
	s.initWindows(b)
	c.sessions[ch] = s
	c.locals[local] = s

	e := c.engine
	e.stats.AddSessions(1)
	if m := e.metrics; m != nil {
		m.RecordSession(1)
	}

	c.send(local, &performatives.Begin{
		RemoteChannel:  &ch,
		NextOutgoingID: s.nextOutgoingID,
		IncomingWindow: s.incomingWindow,
		OutgoingWindow: s.outgoingWindow,
		HandleMax:      s.handleMax,
	})
}

func (c *connection) allocChannel() (uint16, bool) {
	for ch := 0; ch <= int(c.channelMax); ch++ {
		if _, used := c.locals[uint16(ch)]; !used {
			return uint16(ch), true
		}
	}
	return 0, false
}

func (c *connection) handleEnd(ch uint16, end *performatives.End) {
	s := c.sessions[ch]
	if s == nil {
		return
	}
	if end.Error != nil {
		c.logger.Warn("session ended with error",
			slog.String("container", c.info.ContainerID),
			slog.String("error", end.Error.Error()))
	}
	s.detachAll()
	c.removeSession(s)
	if !s.endSent {
		c.send(s.localCh, &performatives.End{})
	}
}

func (c *connection) removeSession(s *session) {
	delete(c.sessions, s.remoteCh)
	delete(c.locals, s.localCh)
	c.engine.stats.AddSessions(-1)
	if m := c.engine.metrics; m != nil {
		m.RecordSession(-1)
	}
}

func (c *connection) handleClose(cl *performatives.Close) {
	if cl.Error != nil {
		c.logger.Warn("peer closed with error",
			slog.String("container", c.info.ContainerID),
			slog.String("error", cl.Error.Error()))
	}
	c.send(0, &performatives.Close{})
	c.teardown("closed by peer")
}

// closeWith sends close carrying perr and tears the connection down.
func (c *connection) closeWith(perr *performatives.Error) {
	if c.torn {
		return
	}
	c.engine.stats.IncrementProtocolErrors()
	if m := c.engine.metrics; m != nil {
		m.RecordError("protocol")
	}
	c.logger.Warn("closing connection",
		slog.String("container", c.info.ContainerID),
		slog.String("error", perr.Error()))
	c.send(0, &performatives.Close{Error: perr})
	c.teardown("protocol error")
}

// lost handles the end of the reader goroutine.
func (c *connection) lost(err error) {
	if c.torn {
		return
	}
	reason := "disconnected"
	switch {
	case c.stalled:
		reason = ErrOutboundFull.Error()
	case err != nil:
		reason = err.Error()
	}
	c.teardown(reason)
}

// teardown detaches every remaining link, reports them to the handler and
// closes the transport. It runs at most once.
func (c *connection) teardown(reason string) {
	if c.torn {
		return
	}
	c.torn = true

	var links []Link
	for _, s := range c.sessions {
		links = append(links, s.release()...)
		c.removeSession(s)
	}
	delete(c.engine.conns, c)
	c.engine.stats.DecrementConnections()
	if m := c.engine.metrics; m != nil {
		m.RecordDisconnection()
	}

	c.engine.handler.ConnectionLost(c.info, links)

	close(c.done)
	// The writer sends what is queued, then closes the transport.
	close(c.out)

	c.logger.Info("connection closed",
		slog.String("container", c.info.ContainerID),
		slog.String("remote", c.info.RemoteAddr),
		slog.Int("links", len(links)),
		slog.String("reason", reason))
}

// send queues p on ch for the writer.
func (c *connection) send(ch uint16, p performatives.Composite) {
	if c.torn || c.stalled {
		return
	}
	b, err := c.conn.EncodePerformative(ch, p)
	if err != nil {
		c.logger.Warn("encoding frame failed",
			slog.String("container", c.info.ContainerID),
			slog.String("error", err.Error()))
		return
	}
	_ = c.enqueue(b)
}

// enqueue hands encoded frames to the writer without blocking the reactor.
// When the queue is full the peer is not reading: the transport is closed
// and the reader reports the loss, which tears the connection down.
func (c *connection) enqueue(b []byte) error {
	if c.torn {
		return ErrLinkDetached
	}
	if c.stalled {
		return ErrOutboundFull
	}
	select {
	case c.out <- b:
		return nil
	default:
	}
	c.stalled = true
	c.engine.stats.IncrementProtocolErrors()
	c.logger.Warn("peer stopped reading, dropping connection",
		slog.String("container", c.info.ContainerID),
		slog.String("remote", c.info.RemoteAddr),
		slog.Int("queued", len(c.out)))
	c.conn.Close()
	return ErrOutboundFull
}
