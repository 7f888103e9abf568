// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package node

import "log/slog"

// Topic delivers every message to every consumer. Messages are retained for
// the life of the process and each consumer reads them through its own
// offset, starting from the first message ever published.
type Topic struct {
	address   string
	messages  []*Message
	offsets   map[*Consumer]int
	consumers ring
	logger    *slog.Logger

	delivered uint64
	failed    uint64
}

var _ Node = (*Topic)(nil)

func NewTopic(address string, logger *slog.Logger) *Topic {
	if logger == nil {
		logger = slog.Default()
	}
	return &Topic{
		address: address,
		offsets: make(map[*Consumer]int),
		logger:  logger,
	}
}

func (t *Topic) node() {}

func (t *Topic) Address() string { return t.address }

func (t *Topic) Kind() Kind { return KindTopic }

func (t *Topic) AttachConsumer(c *Consumer) error {
	if err := t.consumers.add(c); err != nil {
		return err
	}
	t.offsets[c] = 0
	return nil
}

func (t *Topic) DetachConsumer(c *Consumer) bool {
	delete(t.offsets, c)
	return t.consumers.remove(c)
}

func (t *Topic) Enqueue(m *Message) {
	t.messages = append(t.messages, m)
}

// Offset returns the index of the next message c will receive.
func (t *Topic) Offset(c *Consumer) (int, bool) {
	off, ok := t.offsets[c]
	return off, ok
}

// Dispatch has the same shape as Queue.Dispatch, except that each consumer
// reads the message at its own offset. Consumers that have caught up are
// skipped; the loop ends once a walk sends nothing.
func (t *Topic) Dispatch() int {
	total := t.consumers.credit()
	if total == 0 || len(t.messages) == 0 {
		return 0
	}

	var sent uint64
	for sent < total {
		progressed := false
		for i := 0; i < t.consumers.len() && sent < total; i++ {
			c := t.consumers.at(i)
			off := t.offsets[c]
			if c.credit == 0 || off >= len(t.messages) {
				continue
			}
			m := t.messages[off]
			if err := c.deliver(m); err != nil {
				c.credit = 0
				t.failed++
				t.logger.Warn("delivery failed",
					slog.String("node", t.address),
					slog.String("consumer", c.id),
					slog.String("message", m.ID),
					slog.String("error", err.Error()))
				continue
			}
			t.offsets[c] = off + 1
			sent++
			progressed = true
		}
		if !progressed {
			break
		}
	}

	if n := t.consumers.len(); n > 0 {
		t.consumers.rotate(int(sent % uint64(n)))
	}
	t.delivered += sent
	return int(sent)
}

// Stats reports the retained message count as Depth.
func (t *Topic) Stats() Stats {
	return Stats{
		Address:   t.address,
		Kind:      KindTopic.String(),
		Depth:     len(t.messages),
		Consumers: t.consumers.len(),
		Enqueued:  uint64(len(t.messages)),
		Delivered: t.delivered,
		Failed:    t.failed,
	}
}
