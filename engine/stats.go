// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"sync/atomic"
	"time"
)

// Stats holds engine counters. The reactor writes them; the health server
// reads them from other goroutines.
type Stats struct {
	startTime time.Time

	totalConnections   atomic.Uint64
	currentConnections atomic.Int64
	currentSessions    atomic.Int64
	currentLinks       atomic.Int64

	messagesReceived atomic.Uint64
	messagesSent     atomic.Uint64
	bytesReceived    atomic.Uint64
	bytesSent        atomic.Uint64

	authErrors     atomic.Uint64
	protocolErrors atomic.Uint64
}

func NewStats() *Stats {
	return &Stats{startTime: time.Now()}
}

func (s *Stats) IncrementConnections() {
	s.totalConnections.Add(1)
	s.currentConnections.Add(1)
}

func (s *Stats) DecrementConnections() { s.currentConnections.Add(-1) }

func (s *Stats) AddSessions(n int64) { s.currentSessions.Add(n) }

func (s *Stats) AddLinks(n int64) { s.currentLinks.Add(n) }

func (s *Stats) RecordReceived(size int) {
	s.messagesReceived.Add(1)
	s.bytesReceived.Add(uint64(size))
}

func (s *Stats) RecordSent(size int) {
	s.messagesSent.Add(1)
	s.bytesSent.Add(uint64(size))
}

func (s *Stats) IncrementAuthErrors() { s.authErrors.Add(1) }

func (s *Stats) IncrementProtocolErrors() { s.protocolErrors.Add(1) }

// Snapshot is a copy of the counters, shaped for JSON.
type Snapshot struct {
	Uptime             string `json:"uptime"`
	TotalConnections   uint64 `json:"total_connections"`
	CurrentConnections int64  `json:"current_connections"`
	CurrentSessions    int64  `json:"current_sessions"`
	CurrentLinks       int64  `json:"current_links"`
	MessagesReceived   uint64 `json:"messages_received"`
	MessagesSent       uint64 `json:"messages_sent"`
	BytesReceived      uint64 `json:"bytes_received"`
	BytesSent          uint64 `json:"bytes_sent"`
	AuthErrors         uint64 `json:"auth_errors"`
	ProtocolErrors     uint64 `json:"protocol_errors"`
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Uptime:             time.Since(s.startTime).Round(time.Second).String(),
		TotalConnections:   s.totalConnections.Load(),
		CurrentConnections: s.currentConnections.Load(),
		CurrentSessions:    s.currentSessions.Load(),
		CurrentLinks:       s.currentLinks.Load(),
		MessagesReceived:   s.messagesReceived.Load(),
		MessagesSent:       s.messagesSent.Load(),
		BytesReceived:      s.bytesReceived.Load(),
		BytesSent:          s.bytesSent.Load(),
		AuthErrors:         s.authErrors.Load(),
		ProtocolErrors:     s.protocolErrors.Load(),
	}
}
