// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry instruments for the protocol engine.
type Metrics struct {
	connections      metric.Int64Counter
	disconnections   metric.Int64Counter
	messagesReceived metric.Int64Counter
	messagesSent     metric.Int64Counter
	bytesReceived    metric.Int64Counter
	bytesSent        metric.Int64Counter
	outcomes         metric.Int64Counter
	errors           metric.Int64Counter

	connectionsCurrent metric.Int64UpDownCounter
	sessionsCurrent    metric.Int64UpDownCounter
	linksCurrent       metric.Int64UpDownCounter

	messageSize metric.Int64Histogram
}

// NewMetrics creates the engine instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("testbroker/engine")
	m := &Metrics{}

	var errs []error
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			errs = append(errs, fmt.Errorf("counter %s: %w", name, err))
		}
		return c
	}
	gauge := func(name, desc string) metric.Int64UpDownCounter {
		g, err := meter.Int64UpDownCounter(name, metric.WithDescription(desc))
		if err != nil {
			errs = append(errs, fmt.Errorf("gauge %s: %w", name, err))
		}
		return g
	}

	m.connections = counter("amqp.connections.total", "AMQP connections opened")
	m.disconnections = counter("amqp.disconnections.total", "AMQP connections closed")
	m.messagesReceived = counter("amqp.messages.received.total", "Messages received from peers")
	m.messagesSent = counter("amqp.messages.sent.total", "Messages sent to peers")
	m.bytesReceived = counter("amqp.bytes.received.total", "Message bytes received")
	m.bytesSent = counter("amqp.bytes.sent.total", "Message bytes sent")
	m.outcomes = counter("amqp.deliveries.settled.total", "Outgoing deliveries settled by outcome")
	m.errors = counter("amqp.errors.total", "Protocol errors by type")

	m.connectionsCurrent = gauge("amqp.connections.current", "Open AMQP connections")
	m.sessionsCurrent = gauge("amqp.sessions.current", "Active sessions")
	m.linksCurrent = gauge("amqp.links.current", "Attached links")

	var err error
	m.messageSize, err = meter.Int64Histogram("amqp.message.size.bytes",
		metric.WithDescription("Message size distribution"),
		metric.WithUnit("By"))
	if err != nil {
		errs = append(errs, fmt.Errorf("histogram amqp.message.size.bytes: %w", err))
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return m, nil
}

func (m *Metrics) RecordConnection() {
	ctx := context.Background()
	m.connections.Add(ctx, 1)
	m.connectionsCurrent.Add(ctx, 1)
}

func (m *Metrics) RecordDisconnection() {
	ctx := context.Background()
	m.disconnections.Add(ctx, 1)
	m.connectionsCurrent.Add(ctx, -1)
}

func (m *Metrics) RecordSession(delta int64) {
	m.sessionsCurrent.Add(context.Background(), delta)
}

func (m *Metrics) RecordLink(delta int64) {
	m.linksCurrent.Add(context.Background(), delta)
}

func (m *Metrics) RecordMessageReceived(size int) {
	ctx := context.Background()
	m.messagesReceived.Add(ctx, 1)
	m.bytesReceived.Add(ctx, int64(size))
	m.messageSize.Record(ctx, int64(size))
}

func (m *Metrics) RecordMessageSent(size int) {
	ctx := context.Background()
	m.messagesSent.Add(ctx, 1)
	m.bytesSent.Add(ctx, int64(size))
}

func (m *Metrics) RecordOutcome(outcome string) {
	m.outcomes.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) RecordError(kind string) {
	m.errors.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", kind)))
}
