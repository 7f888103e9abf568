// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package amqp1 provides frame-level I/O for AMQP 1.0 connections.
package amqp1

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/absmach/testbroker/amqp1/frames"
	"github.com/absmach/testbroker/amqp1/performatives"
	"github.com/absmach/testbroker/amqp1/sasl"
	"github.com/absmach/testbroker/internal/bufpool"
)

var errFrameTooLarge = errors.New("frame exceeds peer max frame size")

// Encoder is a SASL body that can encode itself.
type Encoder interface {
	Encode() ([]byte, error)
}

// Connection wraps a net.Conn for AMQP 1.0 frame I/O. Reads happen on a
// single goroutine; writes may come from any goroutine.
type Connection struct {
	conn net.Conn
	mu   sync.Mutex // serializes writes

	maxFrameSize uint32 // largest frame the peer accepts
	readLimit    uint32 // largest frame we accept
	idleTimeout  time.Duration
	writeTimeout time.Duration
}

// NewConnection wraps conn. Both directions start at the default max frame size.
func NewConnection(conn net.Conn) *Connection {
	return &Connection{
		conn:         conn,
		maxFrameSize: frames.DefaultMaxFrameSize,
		readLimit:    frames.DefaultMaxFrameSize,
	}
}

// SetMaxFrameSize records the max-frame-size the peer advertised in open.
func (c *Connection) SetMaxFrameSize(size uint32) {
	if size < frames.MinMaxFrameSize {
		size = frames.MinMaxFrameSize
	}
	c.maxFrameSize = size
}

func (c *Connection) MaxFrameSize() uint32 { return c.maxFrameSize }

// SetReadLimit sets the largest incoming frame accepted.
func (c *Connection) SetReadLimit(size uint32) { c.readLimit = size }

// SetIdleTimeout arms a read deadline of d before each read. Zero disables it.
func (c *Connection) SetIdleTimeout(d time.Duration) { c.idleTimeout = d }

// SetWriteTimeout bounds every write by d. A peer that stops reading makes
// writes fail instead of blocking forever. Zero disables it.
func (c *Connection) SetWriteTimeout(d time.Duration) { c.writeTimeout = d }

// SetDeadline sets read and write deadlines on the underlying connection.
func (c *Connection) SetDeadline(t time.Time) error { return c.conn.SetDeadline(t) }

func (c *Connection) armDeadline() {
	if c.idleTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
	}
}

func (c *Connection) ReadProtocolHeader() (byte, error) {
	c.armDeadline()
	return frames.ReadProtocolHeader(c.conn)
}

func (c *Connection) WriteProtocolHeader(protoID byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return frames.WriteProtocolHeader(c.conn, protoID)
}

func (c *Connection) ReadFrame() (*frames.Frame, error) {
	c.armDeadline()
	return frames.ReadFrame(c.conn, c.readLimit)
}

// appendFrame appends one frame whose body is head followed by tail.
func (c *Connection) appendFrame(buf *bytes.Buffer, frameType byte, channel uint16, head, tail []byte) error {
	size := frames.HeaderSize + len(head) + len(tail)
	if uint32(size) > c.maxFrameSize {
		return fmt.Errorf("%w: %d > %d", errFrameTooLarge, size, c.maxFrameSize)
	}
	var hdr [frames.HeaderSize]byte
	buf.Write(frames.AppendHeader(hdr[:0], frameType, channel, len(head)+len(tail)))
	buf.Write(head)
	buf.Write(tail)
	return nil
}

// appendTransfer appends t followed by payload. Payloads that do not fit
// one frame are split across continuation transfers with More set on all
// but the last.
func (c *Connection) appendTransfer(buf *bytes.Buffer, channel uint16, t *performatives.Transfer, payload []byte) error {
	perf, err := performatives.Encode(t)
	if err != nil {
		return err
	}

	maxBody := int(c.maxFrameSize) - frames.HeaderSize
	if len(perf)+len(payload) <= maxBody {
		return c.appendFrame(buf, frames.TypeAMQP, channel, perf, payload)
	}

	first := *t
	first.More = true
	firstPerf, err := performatives.Encode(&first)
	if err != nil {
		return err
	}
	contPerf, err := performatives.Encode(&performatives.Transfer{Handle: t.Handle, More: true})
	if err != nil {
		return err
	}
	lastPerf, err := performatives.Encode(&performatives.Transfer{Handle: t.Handle})
	if err != nil {
		return err
	}
	if len(firstPerf) >= maxBody || len(contPerf) >= maxBody {
		return fmt.Errorf("%w: transfer performative", errFrameTooLarge)
	}

	n := maxBody - len(firstPerf)
	if err := c.appendFrame(buf, frames.TypeAMQP, channel, firstPerf, payload[:n]); err != nil {
		return err
	}
	for rest := payload[n:]; len(rest) > 0; {
		if len(lastPerf)+len(rest) <= maxBody {
			return c.appendFrame(buf, frames.TypeAMQP, channel, lastPerf, rest)
		}
		n := maxBody - len(contPerf)
		if err := c.appendFrame(buf, frames.TypeAMQP, channel, contPerf, rest[:n]); err != nil {
			return err
		}
		rest = rest[n:]
	}
	return nil
}

// Write writes already encoded frames in one call, so frames written by
// other goroutines cannot interleave with them.
func (c *Connection) Write(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	_, err := c.conn.Write(b)
	return err
}

// WriteFrame writes a single frame.
func (c *Connection) WriteFrame(frameType byte, channel uint16, body []byte) error {
	buf := bufpool.Get()
	defer bufpool.Put(buf)
	if err := c.appendFrame(buf, frameType, channel, body, nil); err != nil {
		return err
	}
	return c.Write(buf.Bytes())
}

// WritePerformative encodes p and writes it on channel.
func (c *Connection) WritePerformative(channel uint16, p performatives.Composite) error {
	body, err := performatives.Encode(p)
	if err != nil {
		return err
	}
	return c.WriteFrame(frames.TypeAMQP, channel, body)
}

// WriteTransfer writes t followed by payload, split across frames as needed.
func (c *Connection) WriteTransfer(channel uint16, t *performatives.Transfer, payload []byte) error {
	buf := bufpool.Get()
	defer bufpool.Put(buf)
	if err := c.appendTransfer(buf, channel, t, payload); err != nil {
		return err
	}
	return c.Write(buf.Bytes())
}

// EncodePerformative returns the frame WritePerformative would write.
func (c *Connection) EncodePerformative(channel uint16, p performatives.Composite) ([]byte, error) {
	body, err := performatives.Encode(p)
	if err != nil {
		return nil, err
	}
	buf := bufpool.Get()
	defer bufpool.Put(buf)
	if err := c.appendFrame(buf, frames.TypeAMQP, channel, body, nil); err != nil {
		return nil, err
	}
	return bytes.Clone(buf.Bytes()), nil
}

// EncodeTransfer returns the frames WriteTransfer would write.
func (c *Connection) EncodeTransfer(channel uint16, t *performatives.Transfer, payload []byte) ([]byte, error) {
	buf := bufpool.Get()
	defer bufpool.Put(buf)
	if err := c.appendTransfer(buf, channel, t, payload); err != nil {
		return nil, err
	}
	return bytes.Clone(buf.Bytes()), nil
}

// WriteSASL encodes and writes a SASL frame.
func (c *Connection) WriteSASL(e Encoder) error {
	body, err := e.Encode()
	if err != nil {
		return err
	}
	return c.WriteFrame(frames.TypeSASL, 0, body)
}

// SendHeartbeat writes an empty frame.
func (c *Connection) SendHeartbeat() error {
	return c.WriteFrame(frames.TypeAMQP, 0, nil)
}

func (c *Connection) Close() error { return c.conn.Close() }

func (c *Connection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// ReadSASL reads a frame and decodes it as a SASL body.
func (c *Connection) ReadSASL() (uint64, any, error) {
	f, err := c.ReadFrame()
	if err != nil {
		return 0, nil, err
	}
	if f.Type != frames.TypeSASL {
		return 0, nil, fmt.Errorf("expected SASL frame, got type 0x%02x", f.Type)
	}
	return sasl.DecodeSASL(f.Body)
}

// ReadPerformative reads a frame and decodes its performative. Heartbeats
// return a nil performative. For transfers, payload holds the bytes after
// the performative.
func (c *Connection) ReadPerformative() (channel uint16, perf performatives.Composite, payload []byte, err error) {
	f, err := c.ReadFrame()
	if err != nil {
		return 0, nil, nil, err
	}
	if f.IsEmpty() {
		return f.Channel, nil, nil, nil
	}
	if f.Type != frames.TypeAMQP {
		return f.Channel, nil, nil, fmt.Errorf("unexpected frame type 0x%02x", f.Type)
	}
	perf, payload, err = performatives.Decode(f.Body)
	return f.Channel, perf, payload, err
}
