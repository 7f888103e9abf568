// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package node

import "log/slog"

// Queue delivers each message to exactly one consumer, in arrival order.
type Queue struct {
	address   string
	pending   []*Message
	consumers ring
	logger    *slog.Logger

	enqueued  uint64
	delivered uint64
	failed    uint64
}

var _ Node = (*Queue)(nil)

func NewQueue(address string, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{address: address, logger: logger}
}

func (q *Queue) node() {}

func (q *Queue) Address() string { return q.address }

func (q *Queue) Kind() Kind { return KindQueue }

func (q *Queue) AttachConsumer(c *Consumer) error {
	return q.consumers.add(c)
}

func (q *Queue) DetachConsumer(c *Consumer) bool {
	return q.consumers.remove(c)
}

func (q *Queue) Enqueue(m *Message) {
	q.pending = append(q.pending, m)
	q.enqueued++
}

// Len returns the number of pending messages.
func (q *Queue) Len() int { return len(q.pending) }

// Dispatch walks the ring repeatedly, giving the head message to each
// consumer that has credit, until the credit observed on entry is used up
// or nothing is pending. The ring start then advances by the number sent,
// so the next call resumes where this one stopped.
//
// A message the engine refuses stays at the head, and the refusing
// consumer's credit is zeroed until its next flow.
func (q *Queue) Dispatch() int {
	total := q.consumers.credit()
	if total == 0 || len(q.pending) == 0 {
		return 0
	}

	var sent uint64
	for sent < total && len(q.pending) > 0 {
		progressed := false
		for i := 0; i < q.consumers.len() && len(q.pending) > 0 && sent < total; i++ {
			c := q.consumers.at(i)
			if c.credit == 0 {
				continue
			}
			m := q.pending[0]
			if err := c.deliver(m); err != nil {
				c.credit = 0
				q.failed++
				q.logger.Warn("delivery failed",
					slog.String("node", q.address),
					slog.String("consumer", c.id),
					slog.String("message", m.ID),
					slog.String("error", err.Error()))
				continue
			}
			q.pending[0] = nil
			q.pending = q.pending[1:]
			sent++
			progressed = true
		}
		if !progressed {
			break
		}
	}

	if n := q.consumers.len(); n > 0 {
		q.consumers.rotate(int(sent % uint64(n)))
	}
	q.delivered += sent
	if len(q.pending) == 0 {
		q.pending = nil
	}
	return int(sent)
}

func (q *Queue) Stats() Stats {
	return Stats{
		Address:   q.address,
		Kind:      KindQueue.String(),
		Depth:     len(q.pending),
		Consumers: q.consumers.len(),
		Enqueued:  q.enqueued,
		Delivered: q.delivered,
		Failed:    q.failed,
	}
}
