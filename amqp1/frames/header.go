// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package frames

import (
	"bytes"
	"fmt"
	"io"
)

// Protocol IDs carried in the fifth byte of the protocol header.
const (
	ProtoIDAMQP byte = 0x00
	ProtoIDTLS  byte = 0x02
	ProtoIDSASL byte = 0x03

	ProtoHeaderSize = 8
)

var protoMagic = []byte("AMQP")

// ProtocolHeader returns the 8-byte AMQP 1.0.0 header for protoID.
func ProtocolHeader(protoID byte) [ProtoHeaderSize]byte {
	return [ProtoHeaderSize]byte{'A', 'M', 'Q', 'P', protoID, 1, 0, 0}
}

// WriteProtocolHeader writes the protocol header for the given protocol ID.
func WriteProtocolHeader(w io.Writer, protoID byte) error {
	h := ProtocolHeader(protoID)
	_, err := w.Write(h[:])
	return err
}

// ReadProtocolHeader reads and validates an 8-byte protocol header and
// returns its protocol ID.
func ReadProtocolHeader(r io.Reader) (byte, error) {
	var h [ProtoHeaderSize]byte
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return 0, err
	}
	if !bytes.Equal(h[:4], protoMagic) {
		return 0, fmt.Errorf("invalid protocol header %q", h[:4])
	}
	if h[5] != 1 || h[6] != 0 || h[7] != 0 {
		return h[4], fmt.Errorf("unsupported AMQP version %d.%d.%d", h[5], h[6], h[7])
	}
	return h[4], nil
}
