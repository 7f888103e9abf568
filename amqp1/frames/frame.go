// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package frames

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	TypeAMQP byte = 0x00
	TypeSASL byte = 0x01

	// MinMaxFrameSize is the smallest max-frame-size a peer may advertise.
	MinMaxFrameSize uint32 = 512

	DefaultMaxFrameSize uint32 = 65536

	// HeaderSize is size(4) + doff(1) + type(1) + channel(2).
	HeaderSize = 8

	minDOFF = 2
)

// Frame is a single AMQP 1.0 frame.
type Frame struct {
	Type    byte
	Channel uint16
	Body    []byte
}

// IsEmpty reports whether the frame has no body, i.e. it is a heartbeat.
func (f *Frame) IsEmpty() bool {
	return len(f.Body) == 0
}

// AppendHeader appends a frame header for a body of bodyLen bytes.
func AppendHeader(b []byte, frameType byte, channel uint16, bodyLen int) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(HeaderSize+bodyLen))
	b = append(b, minDOFF, frameType)
	return binary.BigEndian.AppendUint16(b, channel)
}

// WriteFrame writes a frame with the given body.
func WriteFrame(w io.Writer, frameType byte, channel uint16, body []byte) error {
	buf := AppendHeader(make([]byte, 0, HeaderSize+len(body)), frameType, channel, len(body))
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame. Frames larger than maxSize are rejected;
// a maxSize of 0 disables the check.
func ReadFrame(r io.Reader, maxSize uint32) (*Frame, error) {
	var h [HeaderSize]byte
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(h[0:4])
	doff := int(h[4]) * 4
	if size < HeaderSize {
		return nil, fmt.Errorf("frame size %d below header size", size)
	}
	if maxSize > 0 && size > maxSize {
		return nil, fmt.Errorf("frame size %d exceeds max frame size %d", size, maxSize)
	}
	if doff < HeaderSize || doff > int(size) {
		return nil, fmt.Errorf("invalid data offset %d for frame size %d", h[4], size)
	}

	rest := make([]byte, int(size)-HeaderSize)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, err
	}

	f := &Frame{
		Type:    h[5],
		Channel: binary.BigEndian.Uint16(h[6:8]),
	}
	if body := rest[doff-HeaderSize:]; len(body) > 0 {
		f.Body = body
	}
	return f, nil
}

// WriteEmptyFrame writes a heartbeat.
func WriteEmptyFrame(w io.Writer) error {
	return WriteFrame(w, TypeAMQP, 0, nil)
}
