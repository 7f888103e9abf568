// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package engine implements the AMQP 1.0 connection, session and link state
// machines. Connection readers decode frames on their own goroutines and hand
// them to a single reactor goroutine, which owns all session and link state
// and raises Handler events.
package engine

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/absmach/testbroker/amqp1/frames"
	"github.com/absmach/testbroker/amqp1/sasl"
)

var (
	// ErrNoCredit is returned by Link.Deliver when the peer has granted no
	// credit on the link.
	ErrNoCredit = errors.New("no link credit")

	// ErrWindowExhausted is returned by Link.Deliver when the session's
	// outgoing transfer window is closed.
	ErrWindowExhausted = errors.New("session window exhausted")

	// ErrLinkDetached is returned by Link.Deliver after the link detached.
	ErrLinkDetached = errors.New("link detached")

	// ErrStopped is returned when the reactor is no longer running.
	ErrStopped = errors.New("engine stopped")

	// ErrOutboundFull is returned by Link.Deliver when the peer stopped
	// reading and its outbound queue filled up. The connection is dropped.
	ErrOutboundFull = errors.New("outbound queue full")
)

const (
	defaultReceiverCredit   = 100
	defaultHandshakeTimeout = 30 * time.Second
	defaultHandleMax        = 255
	defaultWriteTimeout     = 10 * time.Second
	defaultOutboundQueue    = 8192
	eventQueueSize          = 1024
)

// Config holds the engine settings.
type Config struct {
	// ContainerID is sent in the broker's open frame.
	ContainerID string
	// Auth decides SASL mechanisms and credentials.
	Auth sasl.Authenticator
	// MaxFrameSize is the largest frame the broker accepts.
	MaxFrameSize uint32
	// IdleTimeout closes connections that send nothing for this long.
	// Zero disables it.
	IdleTimeout time.Duration
	// ReceiverCredit is granted on links the peer sends on.
	ReceiverCredit uint32
	// HandshakeTimeout bounds the protocol header, SASL and open exchange.
	HandshakeTimeout time.Duration
	// WriteTimeout bounds each socket write. A peer that accepts nothing for
	// this long is disconnected.
	WriteTimeout time.Duration
	// OutboundQueue is the number of encoded frames buffered per connection
	// ahead of its writer. Overflowing it drops the connection.
	OutboundQueue int
}

func (c *Config) setDefaults() {
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = frames.DefaultMaxFrameSize
	}
	if c.MaxFrameSize < frames.MinMaxFrameSize {
		c.MaxFrameSize = frames.MinMaxFrameSize
	}
	if c.ReceiverCredit == 0 {
		c.ReceiverCredit = defaultReceiverCredit
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = defaultOutboundQueue
	}
}

// Engine runs AMQP connections against a Handler.
type Engine struct {
	cfg     Config
	handler Handler
	events  chan func()
	done    chan struct{}
	started atomic.Bool

	// Owned by the reactor.
	conns map[*connection]struct{}

	nextConnID atomic.Uint64
	stats      *Stats
	metrics    *Metrics // nil if OTel disabled
	logger     *slog.Logger
}

// New creates an engine. Run must be started before connections are handled.
func New(cfg Config, h Handler, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.setDefaults()
	return &Engine{
		cfg:     cfg,
		handler: h,
		events:  make(chan func(), eventQueueSize),
		done:    make(chan struct{}),
		conns:   make(map[*connection]struct{}),
		stats:   NewStats(),
		logger:  logger,
	}
}

// SetMetrics sets the OTel metrics instance. It must be called before Run.
func (e *Engine) SetMetrics(m *Metrics) {
	e.metrics = m
}

func (e *Engine) Stats() *Stats {
	return e.stats
}

// Run is the reactor loop. It returns when ctx is cancelled, after closing
// every connection. Run may be called only once.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("engine already running")
	}
	defer close(e.done)

	for {
		select {
		case <-ctx.Done():
			for c := range e.conns {
				c.teardown("shutdown")
			}
			return nil
		case fn := <-e.events:
			fn()
		}
	}
}

// post queues fn for the reactor. It reports false once the reactor stopped.
func (e *Engine) post(fn func()) bool {
	select {
	case <-e.done:
		return false
	default:
	}
	select {
	case e.events <- fn:
		return true
	case <-e.done:
		return false
	}
}

// Call runs fn on the reactor goroutine and waits for it to return.
func (e *Engine) Call(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	if !e.post(func() {
		fn()
		close(ran)
	}) {
		return ErrStopped
	}
	select {
	case <-ran:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		select {
		case <-ran:
			return nil
		default:
			return ErrStopped
		}
	}
}

// HandleConnection serves raw until it closes. The protocol handshake runs
// on the calling goroutine; frames are then handed to the reactor.
func (e *Engine) HandleConnection(raw net.Conn) {
	c := newConnection(e, raw)
	_, c.info.Secure = raw.(*tls.Conn)

	if err := c.handshake(); err != nil {
		e.logger.Debug("handshake failed",
			slog.String("remote", c.info.RemoteAddr),
			slog.String("error", err.Error()))
		e.stats.IncrementProtocolErrors()
		c.conn.Close()
		return
	}

	go c.writeLoop()
	if !e.post(c.opened) {
		close(c.out)
		<-c.flushed
		return
	}

	// Unblock the reader if the reactor stops before tearing c down.
	go func() {
		select {
		case <-e.done:
			c.conn.Close()
		case <-c.done:
		}
	}()

	err := c.readLoop()
	e.post(func() { c.lost(err) })
	select {
	case <-c.done:
	case <-e.done:
	}
	<-c.flushed
}
