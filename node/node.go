// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package node holds the broker's in-memory mailboxes and the credit-driven
// dispatch that forwards their messages to attached consumers.
//
// Nothing in this package is safe for concurrent use. All calls are expected
// to come from the engine's reactor goroutine.
package node

import "errors"

var (
	// ErrAlreadyAttached is returned when a consumer is attached twice to
	// the same node.
	ErrAlreadyAttached = errors.New("consumer already attached")

	// ErrNodeExists is returned when creating a node at a taken address.
	ErrNodeExists = errors.New("node already exists")
)

// Kind distinguishes the node variants.
type Kind uint8

const (
	KindQueue Kind = iota
	KindTopic
)

func (k Kind) String() string {
	switch k {
	case KindQueue:
		return "queue"
	case KindTopic:
		return "topic"
	default:
		return "unknown"
	}
}

// Node is a mailbox links attach to. It is implemented only by *Queue and
// *Topic.
type Node interface {
	Address() string
	Kind() Kind

	// AttachConsumer adds c to the dispatch ring.
	AttachConsumer(c *Consumer) error
	// DetachConsumer removes c and reports whether it was attached.
	DetachConsumer(c *Consumer) bool

	Enqueue(m *Message)
	// Dispatch forwards pending messages to consumers with credit and
	// returns how many were sent.
	Dispatch() int

	Stats() Stats

	node()
}

// Stats is a point-in-time view of a node.
type Stats struct {
	Address   string `json:"address"`
	Kind      string `json:"kind"`
	Depth     int    `json:"depth"`
	Consumers int    `json:"consumers"`
	Enqueued  uint64 `json:"enqueued"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
}
