// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/absmach/testbroker/node"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry instruments for node routing.
type Metrics struct {
	stored    metric.Int64Counter
	forwarded metric.Int64Counter
	rejected  metric.Int64Counter
	nodes     metric.Int64UpDownCounter
	consumers metric.Int64UpDownCounter
}

// NewMetrics creates the broker instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("testbroker/broker")
	var m Metrics
	var errs []error

	add := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			errs = append(errs, fmt.Errorf("counter %s: %w", name, err))
		}
		return c
	}
	m.stored = add("broker.messages.stored.total", "Messages stored on nodes")
	m.forwarded = add("broker.messages.forwarded.total", "Messages forwarded to consumers")
	m.rejected = add("broker.messages.rejected.total", "Messages the broker could not route")

	var err error
	if m.nodes, err = meter.Int64UpDownCounter("broker.nodes.current", metric.WithDescription("Nodes in the registry")); err != nil {
		errs = append(errs, err)
	}
	if m.consumers, err = meter.Int64UpDownCounter("broker.consumers.current", metric.WithDescription("Attached consumers")); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return &m, nil
}

func kindAttr(k node.Kind) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("kind", k.String()))
}

func (m *Metrics) RecordStored(k node.Kind) {
	m.stored.Add(context.Background(), 1, kindAttr(k))
}

func (m *Metrics) RecordForwarded(k node.Kind, n int) {
	if n > 0 {
		m.forwarded.Add(context.Background(), int64(n), kindAttr(k))
	}
}

func (m *Metrics) RecordRejected() {
	m.rejected.Add(context.Background(), 1)
}

func (m *Metrics) RecordNodeCreated(k node.Kind) {
	m.nodes.Add(context.Background(), 1, kindAttr(k))
}

func (m *Metrics) RecordConsumer(delta int64) {
	m.consumers.Add(context.Background(), delta)
}
