// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"net"
	"testing"

	"github.com/absmach/testbroker/amqp1/performatives"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T) *session {
	t.Helper()
	e := New(Config{}, newFakeHandler(), nil)
	server, client := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 4096)
		for {
			if _, err := client.Read(buf); err != nil {
				return
			}
		}
	}()
	c := newConnection(e, server)
	go c.writeLoop()
	t.Cleanup(func() {
		close(c.out)
		<-c.flushed
		client.Close()
		<-done
	})
	return newSession(c, 0, 0, defaultHandleMax)
}

func TestSessionInitWindows(t *testing.T) {
	s := newTestSession(t)
	s.initWindows(&performatives.Begin{
		NextOutgoingID: 42,
		IncomingWindow: 1000,
		OutgoingWindow: 2000,
	})

	assert.Equal(t, uint32(42), s.nextIncomingID)
	assert.Equal(t, uint32(1000), s.remoteIncomingWindow)
	assert.Equal(t, uint32(2000), s.remoteOutgoingWindow)
	assert.Equal(t, initialWindow, s.incomingWindow)
	assert.Equal(t, initialWindow, s.outgoingWindow)
}

func TestConsumeOutgoingWindowExhaustion(t *testing.T) {
	s := newTestSession(t)
	s.initWindows(&performatives.Begin{IncomingWindow: 2, OutgoingWindow: 100})

	id0, ok := s.consumeOutgoingWindow()
	require.True(t, ok)
	id1, ok := s.consumeOutgoingWindow()
	require.True(t, ok)
	assert.Equal(t, []uint32{0, 1}, []uint32{id0, id1})
	assert.False(t, s.blocked)

	_, ok = s.consumeOutgoingWindow()
	assert.False(t, ok)
	assert.True(t, s.blocked)
	assert.Equal(t, uint32(2), s.nextOutgoingID)
}

func TestOutgoingWindowNeverShrinks(t *testing.T) {
	s := newTestSession(t)
	s.initWindows(&performatives.Begin{IncomingWindow: 100000})

	for range 1000 {
		_, ok := s.consumeOutgoingWindow()
		require.True(t, ok)
	}
	assert.Equal(t, initialWindow, s.outgoingWindow)
}

func TestUpdateRemoteFlow(t *testing.T) {
	s := newTestSession(t)
	s.initWindows(&performatives.Begin{IncomingWindow: 10})
	for range 4 {
		_, ok := s.consumeOutgoingWindow()
		require.True(t, ok)
	}

	next := uint32(2)
	s.updateRemoteFlow(&performatives.Flow{NextIncomingID: &next, IncomingWindow: 5, OutgoingWindow: 7})
	// Two of the four transfers are still in flight.
	assert.Equal(t, uint32(3), s.remoteIncomingWindow)
	assert.Equal(t, uint32(7), s.remoteOutgoingWindow)
}

func TestTrackIncoming(t *testing.T) {
	s := newTestSession(t)

	id := uint32(0)
	require.True(t, s.trackIncoming(&performatives.Transfer{DeliveryID: &id}, 1))
	assert.Equal(t, uint32(1), s.nextIncomingID)
	assert.Equal(t, initialWindow-1, s.incomingWindow)

	// Continuation frames count against the window too.
	id = 1
	require.True(t, s.trackIncoming(&performatives.Transfer{DeliveryID: &id}, 3))
	assert.Equal(t, uint32(2), s.nextIncomingID)
	assert.Equal(t, initialWindow-4, s.incomingWindow)
}

func TestTrackIncomingWindowExhausted(t *testing.T) {
	s := newTestSession(t)
	s.incomingWindow = 2

	id := uint32(0)
	assert.False(t, s.trackIncoming(&performatives.Transfer{DeliveryID: &id}, 3))
	assert.Equal(t, uint32(2), s.incomingWindow)
}

func TestTrackIncomingReplenish(t *testing.T) {
	s := newTestSession(t)
	s.incomingWindow = windowReplenishThreshold

	id := uint32(0)
	require.True(t, s.trackIncoming(&performatives.Transfer{DeliveryID: &id}, 1))
	assert.Equal(t, initialWindow, s.incomingWindow)
}

func TestSessionFlowState(t *testing.T) {
	s := newTestSession(t)
	s.initWindows(&performatives.Begin{NextOutgoingID: 10, IncomingWindow: 500, OutgoingWindow: 600})

	f := s.flowState()
	require.NotNil(t, f.NextIncomingID)
	assert.Equal(t, uint32(10), *f.NextIncomingID)
	assert.Equal(t, initialWindow, f.IncomingWindow)
	assert.Equal(t, uint32(0), f.NextOutgoingID)
	assert.Equal(t, initialWindow, f.OutgoingWindow)
	assert.Nil(t, f.Handle)
}

func TestUpdateRemoteFlowStale(t *testing.T) {
	s := newTestSession(t)
	s.initWindows(&performatives.Begin{IncomingWindow: 10})
	for range 4 {
		_, ok := s.consumeOutgoingWindow()
		require.True(t, ok)
	}

	// The peer wrote this flow before any of the four transfers reached it.
	next := uint32(0)
	s.updateRemoteFlow(&performatives.Flow{NextIncomingID: &next, IncomingWindow: 2})
	assert.Equal(t, uint32(0), s.remoteIncomingWindow)

	_, ok := s.consumeOutgoingWindow()
	assert.False(t, ok)

	// A flow without next-incoming-id counts from the first delivery.
	s.updateRemoteFlow(&performatives.Flow{IncomingWindow: 6})
	assert.Equal(t, uint32(2), s.remoteIncomingWindow)
}

func TestRemaining(t *testing.T) {
	cases := []struct {
		name              string
		seen, limit, sent uint32
		want              uint32
	}{
		{"nothing in flight", 3, 5, 3, 5},
		{"some in flight", 0, 5, 3, 2},
		{"all in flight", 0, 3, 3, 0},
		{"more in flight than granted", 0, 1, 3, 0},
		{"zero grant", 3, 0, 3, 0},
		{"counter wrapped", 0xfffffffe, 4, 1, 1},
		{"peer ahead of sender", 10, 4, 3, 4},
		{"large grant", 0, 0xffffffff, 3, 0xfffffffc},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, remaining(tc.seen, tc.limit, tc.sent))
		})
	}
}
