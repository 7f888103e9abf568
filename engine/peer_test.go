// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/absmach/testbroker/amqp1"
	"github.com/absmach/testbroker/amqp1/frames"
	"github.com/absmach/testbroker/amqp1/message"
	"github.com/absmach/testbroker/amqp1/performatives"
	"github.com/absmach/testbroker/amqp1/sasl"
	"github.com/absmach/testbroker/node"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

type creditEvent struct {
	link   string
	credit uint32
	drain  bool
}

// fakeHandler records engine events. Hooks run on the reactor.
type fakeHandler struct {
	mu sync.Mutex

	attach   func(l Link) (string, error)
	arrive   func(l Link, m *node.Message) error
	onCredit func(l Link, credit uint32, drain bool)

	links    map[string]Link
	detached []string
	messages []*node.Message
	credits  []creditEvent
	settled  []Delivery
	lost     []ConnInfo
	lostWith []Link
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{links: make(map[string]Link)}
}

func (h *fakeHandler) LinkAttaching(l Link) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.attach != nil {
		addr, err := h.attach(l)
		if err != nil {
			return "", err
		}
		h.links[l.Name()] = l
		return addr, nil
	}
	h.links[l.Name()] = l
	if l.IsSender() {
		return l.RemoteSource().Address, nil
	}
	return l.RemoteTarget().Address, nil
}

func (h *fakeHandler) LinkDetaching(l Link) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detached = append(h.detached, l.Name())
}

func (h *fakeHandler) MessageArrived(l Link, m *node.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, m)
	if h.arrive != nil {
		return h.arrive(l, m)
	}
	return nil
}

func (h *fakeHandler) CreditChanged(l Link, credit uint32, drain bool) {
	h.mu.Lock()
	h.credits = append(h.credits, creditEvent{link: l.Name(), credit: credit, drain: drain})
	hook := h.onCredit
	h.mu.Unlock()
	if hook != nil {
		hook(l, credit, drain)
	}
}

func (h *fakeHandler) DeliverySettled(l Link, d Delivery) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.settled = append(h.settled, d)
}

func (h *fakeHandler) ConnectionLost(c ConnInfo, links []Link) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lost = append(h.lost, c)
	h.lostWith = append(h.lostWith, links...)
}

func (h *fakeHandler) link(name string) Link {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.links[name]
}

func (h *fakeHandler) snapshot(fn func(h *fakeHandler)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(h)
}

// startEngine runs an engine until the test ends.
func startEngine(t *testing.T, cfg Config, h Handler) *Engine {
	t.Helper()
	e := New(cfg, h, nil)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = e.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return e
}

type peerFrame struct {
	channel uint16
	perf    performatives.Composite
	payload []byte
}

// peer is a scripted AMQP client on one end of a pipe.
type peer struct {
	t      *testing.T
	conn   *amqp1.Connection
	raw    net.Conn
	frames chan peerFrame
	served chan struct{}
}

// connect pipes a new peer to e. The handshake is left to the test.
func connect(t *testing.T, e *Engine) *peer {
	t.Helper()
	server, client := net.Pipe()
	p := &peer{
		t:      t,
		conn:   amqp1.NewConnection(client),
		raw:    client,
		frames: make(chan peerFrame, 256),
		served: make(chan struct{}),
	}
	go func() {
		defer close(p.served)
		e.HandleConnection(server)
	}()
	t.Cleanup(func() {
		client.Close()
		<-p.served
	})
	return p
}

// open runs SASL ANONYMOUS and the open exchange, then starts reading frames.
func (p *peer) open() *performatives.Open {
	p.t.Helper()
	p.sasl(&sasl.Init{Mechanism: sasl.MechANONYMOUS}, sasl.CodeOK)
	return p.amqpOpen()
}

func (p *peer) sasl(init *sasl.Init, want uint8) {
	p.t.Helper()
	require.NoError(p.t, p.conn.WriteProtocolHeader(frames.ProtoIDSASL))
	id, err := p.conn.ReadProtocolHeader()
	require.NoError(p.t, err)
	require.Equal(p.t, frames.ProtoIDSASL, id)

	_, v, err := p.conn.ReadSASL()
	require.NoError(p.t, err)
	require.IsType(p.t, &sasl.Mechanisms{}, v)

	require.NoError(p.t, p.conn.WriteSASL(init))
	_, v, err = p.conn.ReadSASL()
	require.NoError(p.t, err)
	out, ok := v.(*sasl.Outcome)
	require.True(p.t, ok)
	require.Equal(p.t, want, out.Code)
}

func (p *peer) amqpOpen() *performatives.Open {
	p.t.Helper()
	open := p.exchangeOpen()
	go p.readLoop()
	return open
}

// openWithoutReading completes the handshake but never reads from the
// broker again.
func (p *peer) openWithoutReading() {
	p.t.Helper()
	p.sasl(&sasl.Init{Mechanism: sasl.MechANONYMOUS}, sasl.CodeOK)
	p.exchangeOpen()
}

func (p *peer) exchangeOpen() *performatives.Open {
	p.t.Helper()
	require.NoError(p.t, p.conn.WriteProtocolHeader(frames.ProtoIDAMQP))
	id, err := p.conn.ReadProtocolHeader()
	require.NoError(p.t, err)
	require.Equal(p.t, frames.ProtoIDAMQP, id)

	require.NoError(p.t, p.conn.WritePerformative(0, &performatives.Open{
		ContainerID:  "test-peer",
		MaxFrameSize: frames.DefaultMaxFrameSize,
		ChannelMax:   16,
	}))
	_, perf, _, err := p.conn.ReadPerformative()
	require.NoError(p.t, err)
	open, ok := perf.(*performatives.Open)
	require.True(p.t, ok, "got %T", perf)
	return open
}

func (p *peer) readLoop() {
	defer close(p.frames)
	for {
		ch, perf, payload, err := p.conn.ReadPerformative()
		if err != nil {
			return
		}
		if perf == nil {
			continue
		}
		p.frames <- peerFrame{channel: ch, perf: perf, payload: payload}
	}
}

func (p *peer) send(ch uint16, perf performatives.Composite) {
	p.t.Helper()
	require.NoError(p.t, p.conn.WritePerformative(ch, perf))
}

// next returns the next frame from the broker.
func (p *peer) next() peerFrame {
	p.t.Helper()
	select {
	case f, ok := <-p.frames:
		require.True(p.t, ok, "connection closed")
		return f
	case <-time.After(waitTimeout):
		require.FailNow(p.t, "timed out waiting for a frame")
		return peerFrame{}
	}
}

// closed waits for the broker to drop the transport.
func (p *peer) closed() {
	p.t.Helper()
	for {
		select {
		case _, ok := <-p.frames:
			if !ok {
				return
			}
		case <-time.After(waitTimeout):
			require.FailNow(p.t, "connection still open")
		}
	}
}

func expect[T performatives.Composite](t *testing.T, p *peer) (T, []byte) {
	t.Helper()
	f := p.next()
	v, ok := f.perf.(T)
	require.True(t, ok, "got %T", f.perf)
	return v, f.payload
}

func (p *peer) begin(ch uint16, incomingWindow uint32) *performatives.Begin {
	p.t.Helper()
	p.send(ch, &performatives.Begin{IncomingWindow: incomingWindow, OutgoingWindow: 1000, HandleMax: 31})
	b, _ := expect[*performatives.Begin](p.t, p)
	require.NotNil(p.t, b.RemoteChannel)
	require.Equal(p.t, ch, *b.RemoteChannel)
	return b
}

// attachReceiver attaches a link the broker sends on.
func (p *peer) attachReceiver(ch uint16, name string, handle uint32, addr string) *performatives.Attach {
	p.t.Helper()
	p.send(ch, &performatives.Attach{
		Name:   name,
		Handle: handle,
		Role:   performatives.RoleReceiver,
		Source: &performatives.Source{Address: addr},
		Target: &performatives.Target{},
	})
	a, _ := expect[*performatives.Attach](p.t, p)
	return a
}

// attachSender attaches a link the peer sends on and consumes the initial
// credit grant.
func (p *peer) attachSender(ch uint16, name string, handle uint32, addr string) *performatives.Flow {
	p.t.Helper()
	p.send(ch, &performatives.Attach{
		Name:   name,
		Handle: handle,
		Role:   performatives.RoleSender,
		Source: &performatives.Source{},
		Target: &performatives.Target{Address: addr},
	})
	a, _ := expect[*performatives.Attach](p.t, p)
	require.Equal(p.t, performatives.RoleReceiver, a.Role)
	f, _ := expect[*performatives.Flow](p.t, p)
	return f
}

func (p *peer) credit(ch uint16, handle, deliveryCount, credit uint32, drain bool) {
	p.t.Helper()
	next := uint32(0)
	p.send(ch, &performatives.Flow{
		NextIncomingID: &next,
		IncomingWindow: 1000,
		OutgoingWindow: 1000,
		Handle:         &handle,
		DeliveryCount:  &deliveryCount,
		LinkCredit:     &credit,
		Drain:          drain,
	})
}

func encodeMessage(t *testing.T, to, id, body string) []byte {
	t.Helper()
	m := &message.Message{
		Properties: &message.Properties{MessageID: id, To: to},
		Data:       [][]byte{[]byte(body)},
	}
	b, err := m.Encode()
	require.NoError(t, err)
	return b
}

// deliver runs Link.Deliver on the reactor.
func deliver(t *testing.T, e *Engine, l Link, m *node.Message) error {
	t.Helper()
	var err error
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, e.Call(ctx, func() { err = l.Deliver(m) }))
	return err
}

// syncReactor waits until the reactor has run everything queued before it.
func syncReactor(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, e.Call(ctx, func() {}))
}

var errRefused = errors.New("refused")
