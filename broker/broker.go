// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package broker binds AMQP links to nodes. It implements engine.Handler
// and, like the engine's reactor that calls it, is not safe for concurrent
// use.
package broker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/absmach/testbroker/amqp1/performatives"
	"github.com/absmach/testbroker/engine"
	"github.com/absmach/testbroker/node"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrNoSourceAddress rejects a receiving peer's attach that names no
	// source address and is not dynamic.
	ErrNoSourceAddress = performatives.NewError(performatives.ErrInvalidField, "the client created a receiver with no source address")

	// ErrNoAddress rejects a message sent on an anonymous relay link
	// without a to address.
	ErrNoAddress = performatives.NewError(performatives.ErrNotFound, "message has no address")
)

var _ engine.Handler = (*Broker)(nil)

// Config holds the broker settings.
type Config struct {
	// ID is the broker's container id, attached to every log record.
	ID string
	// Topics are declared at startup.
	Topics []string
}

type binding struct {
	consumer *node.Consumer
	node     node.Node
	conn     uint64
}

// Broker routes messages between links and nodes.
type Broker struct {
	registry *node.Registry
	conns    *ConnectionState
	bindings map[engine.Link]*binding

	metrics *Metrics    // nil if metrics disabled
	tracer  trace.Tracer // nil if tracing disabled
	logger  *slog.Logger
}

// New creates a broker and declares its topics.
func New(cfg Config, logger *slog.Logger) (*Broker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ID != "" {
		logger = logger.With(slog.String("broker", cfg.ID))
	}
	b := &Broker{
		registry: node.NewRegistry(logger),
		conns:    NewConnectionState(),
		bindings: make(map[engine.Link]*binding),
		logger:   logger,
	}
	for _, t := range cfg.Topics {
		if _, err := b.registry.DeclareTopic(t); err != nil {
			return nil, fmt.Errorf("declaring topic: %w", err)
		}
		b.logger.Info("topic declared", slog.String("node", t))
	}
	return b, nil
}

// SetMetrics sets the OTel metrics instance.
func (b *Broker) SetMetrics(m *Metrics) {
	b.metrics = m
	if m == nil {
		return
	}
	for _, n := range b.registry.Nodes() {
		m.RecordNodeCreated(n.Kind())
	}
}

// SetTracer sets the tracer used for store spans.
func (b *Broker) SetTracer(t trace.Tracer) {
	b.tracer = t
}

func (b *Broker) Registry() *node.Registry {
	return b.registry
}

// Nodes returns a stats snapshot of every node. It must run on the reactor.
func (b *Broker) Nodes() []node.Stats {
	nodes := b.registry.Nodes()
	out := make([]node.Stats, len(nodes))
	for i, n := range nodes {
		out[i] = n.Stats()
	}
	return out
}

func (b *Broker) resolve(address string, kind node.Kind) node.Node {
	before := b.registry.Len()
	n := b.registry.ResolveOrCreate(address, kind)
	if b.registry.Len() > before {
		b.nodeCreated(n)
	}
	return n
}

func (b *Broker) createQueue(address string) (node.Node, error) {
	n, err := b.registry.CreateQueue(address)
	if err != nil {
		return nil, err
	}
	b.nodeCreated(n)
	return n, nil
}

func (b *Broker) nodeCreated(n node.Node) {
	b.logger.Info("node created", slog.String("node", n.Address()), slog.String("kind", n.Kind().String()))
	if b.metrics != nil {
		b.metrics.RecordNodeCreated(n.Kind())
	}
}

// LinkAttaching binds l to a node.
func (b *Broker) LinkAttaching(l engine.Link) (string, error) {
	if l.IsSender() {
		return b.attachConsumer(l)
	}

	t := l.RemoteTarget()
	switch {
	case t != nil && t.Dynamic:
		n, err := b.createQueue(b.dynamicAddress(l))
		if err != nil {
			return "", err
		}
		return n.Address(), nil
	case t == nil || t.Address == "":
		// Anonymous relay: each message is routed by its own address.
		b.logger.Debug("anonymous relay attached",
			slog.String("container", l.Conn().ContainerID),
			slog.String("link", l.Name()))
		return "", nil
	case t.Address == ManagementAddress:
		return ManagementAddress, nil
	default:
		return b.resolve(t.Address, kindHint(t)).Address(), nil
	}
}

func (b *Broker) attachConsumer(l engine.Link) (string, error) {
	src := l.RemoteSource()
	var n node.Node
	switch {
	case src != nil && src.Dynamic:
		var err error
		if n, err = b.createQueue(b.dynamicAddress(l)); err != nil {
			return "", err
		}
	case src == nil || src.Address == "":
		return "", ErrNoSourceAddress
	case src.Address == ManagementAddress:
		return "", ErrManagementSource
	default:
		n = b.resolve(src.Address, kindHint(src))
	}

	conn := l.Conn()
	c := node.NewConsumer(conn.ContainerID+"/"+l.Name(), l)
	if err := n.AttachConsumer(c); err != nil {
		return "", err
	}
	b.bindings[l] = &binding{consumer: c, node: n, conn: conn.ID}
	b.conns.Add(conn.ID, l)
	if b.metrics != nil {
		b.metrics.RecordConsumer(1)
	}
	b.logger.Info("consumer added",
		slog.String("container", conn.ContainerID),
		slog.String("link", l.Name()),
		slog.String("node", n.Address()))
	return n.Address(), nil
}

// LinkDetaching removes l's consumer from its node.
func (b *Broker) LinkDetaching(l engine.Link) {
	b.unbind(l)
}

// unbind detaches the consumer of l. Links without a consumer are ignored.
func (b *Broker) unbind(l engine.Link) {
	bd, ok := b.bindings[l]
	if !ok {
		return
	}
	delete(b.bindings, l)
	b.conns.Remove(bd.conn, l)
	if !bd.node.DetachConsumer(bd.consumer) {
		return
	}
	if b.metrics != nil {
		b.metrics.RecordConsumer(-1)
	}
	b.logger.Info("consumer removed",
		slog.String("consumer", bd.consumer.ID()),
		slog.String("node", bd.node.Address()))
}

// MessageArrived stores m on the link's node, or on the node named by the
// message for an anonymous relay link, then forwards what it can.
func (b *Broker) MessageArrived(l engine.Link, m *node.Message) error {
	address := l.Address()
	if address == "" {
		address = m.Address
	}
	if address == "" {
		if b.metrics != nil {
			b.metrics.RecordRejected()
		}
		return ErrNoAddress
	}
	if address == ManagementAddress {
		return b.handleManagement(l, m)
	}

	n := b.resolve(address, node.KindQueue)
	b.store(n, l, m)
	sent := n.Dispatch()
	if b.metrics != nil {
		b.metrics.RecordForwarded(n.Kind(), sent)
	}
	return nil
}

func (b *Broker) store(n node.Node, l engine.Link, m *node.Message) {
	if b.tracer != nil {
		_, span := b.tracer.Start(context.Background(), "broker.store",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("messaging.destination.name", n.Address()),
				attribute.String("messaging.message.id", m.MessageID),
				attribute.Int("messaging.message.body.size", len(m.Payload)),
			))
		defer span.End()
	}

	n.Enqueue(m)
	if b.metrics != nil {
		b.metrics.RecordStored(n.Kind())
	}
	b.logger.Debug("message stored",
		slog.String("message", m.ID),
		slog.String("message_id", m.MessageID),
		slog.String("container", l.Conn().ContainerID),
		slog.String("node", n.Address()))
}

// CreditChanged records the consumer's new credit and forwards pending
// messages. With drain set, credit left after forwarding is discarded.
func (b *Broker) CreditChanged(l engine.Link, credit uint32, drain bool) {
	bd, ok := b.bindings[l]
	if !ok {
		return
	}
	bd.consumer.SetCredit(credit)
	sent := bd.node.Dispatch()
	if drain {
		bd.consumer.SetCredit(0)
	}
	if b.metrics != nil {
		b.metrics.RecordForwarded(bd.node.Kind(), sent)
	}
}

// DeliverySettled logs the peer's outcome for a forwarded message.
func (b *Broker) DeliverySettled(l engine.Link, d engine.Delivery) {
	level := slog.LevelInfo
	switch d.Outcome {
	case "accepted":
		level = slog.LevelDebug
	case "rejected":
		level = slog.LevelWarn
	}
	attrs := []slog.Attr{
		slog.String("container", l.Conn().ContainerID),
		slog.String("outcome", d.Outcome),
		slog.String("message", d.MessageID),
		slog.String("node", l.Address()),
	}
	if d.Error != nil {
		attrs = append(attrs, slog.String("error", d.Error.Error()))
	}
	b.logger.LogAttrs(context.Background(), level, "delivery settled", attrs...)
}

// ConnectionLost detaches every consumer left on the connection.
func (b *Broker) ConnectionLost(c engine.ConnInfo, links []engine.Link) {
	for _, l := range b.conns.Drop(c.ID) {
		b.unbind(l)
	}
	for _, l := range links {
		b.unbind(l)
	}
	b.logger.Info("connection lost",
		slog.String("container", c.ContainerID),
		slog.String("remote", c.RemoteAddr))
}
