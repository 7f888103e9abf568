// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Message is a stored AMQP message. It is immutable once enqueued.
type Message struct {
	// ID is a broker-assigned ULID, ordered by arrival.
	ID string
	// Address is the properties.to value, possibly empty.
	Address string
	// MessageID is the properties.message-id rendered for logs.
	MessageID string
	// Payload is the bare message exactly as received.
	Payload []byte
}

var (
	entropyMu sync.Mutex
	entropy   io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewMessage stamps a fresh ID on the payload.
func NewMessage(address, messageID string, payload []byte) *Message {
	return &Message{
		ID:        newID(),
		Address:   address,
		MessageID: messageID,
		Payload:   payload,
	}
}

func newID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
