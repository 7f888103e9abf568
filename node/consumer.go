// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package node

// Link is the sending side of an attached link, as seen by a node.
type Link interface {
	// Deliver hands m to the protocol engine. A nil error means the engine
	// accepted the message and consumed one unit of link credit.
	Deliver(m *Message) error
}

// Consumer is a broker-sending link bound to a node.
type Consumer struct {
	id     string
	link   Link
	credit uint32
}

// NewConsumer creates a consumer with zero credit. id names it in logs.
func NewConsumer(id string, link Link) *Consumer {
	return &Consumer{id: id, link: link}
}

func (c *Consumer) ID() string { return c.id }

func (c *Consumer) Link() Link { return c.link }

func (c *Consumer) Credit() uint32 { return c.credit }

// SetCredit replaces the consumer's credit. Only flow events call it.
func (c *Consumer) SetCredit(n uint32) { c.credit = n }

func (c *Consumer) deliver(m *Message) error {
	if err := c.link.Deliver(m); err != nil {
		return err
	}
	c.credit--
	return nil
}

// ring is an ordered consumer set walked from a rotating start index.
type ring struct {
	items []*Consumer
	start int
}

func (r *ring) len() int { return len(r.items) }

func (r *ring) index(c *Consumer) int {
	for i, it := range r.items {
		if it == c {
			return i
		}
	}
	return -1
}

func (r *ring) add(c *Consumer) error {
	if r.index(c) >= 0 {
		return ErrAlreadyAttached
	}
	r.items = append(r.items, c)
	return nil
}

func (r *ring) remove(c *Consumer) bool {
	i := r.index(c)
	if i < 0 {
		return false
	}
	r.items = append(r.items[:i], r.items[i+1:]...)
	switch {
	case len(r.items) == 0:
		r.start = 0
	case i < r.start:
		r.start--
	case r.start >= len(r.items):
		r.start = 0
	}
	return true
}

// at returns the i-th consumer in walk order.
func (r *ring) at(i int) *Consumer {
	return r.items[(r.start+i)%len(r.items)]
}

// rotate advances the start index by n positions.
func (r *ring) rotate(n int) {
	if len(r.items) == 0 {
		return
	}
	r.start = (r.start + n) % len(r.items)
}

func (r *ring) credit() uint64 {
	var total uint64
	for _, c := range r.items {
		total += uint64(c.credit)
	}
	return total
}
