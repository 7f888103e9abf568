// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import "github.com/absmach/testbroker/engine"

// ConnectionState records the consumer links of each transport connection
// so they can be torn down together. It is owned by the reactor.
type ConnectionState struct {
	conns map[uint64]map[engine.Link]struct{}
}

func NewConnectionState() *ConnectionState {
	return &ConnectionState{conns: make(map[uint64]map[engine.Link]struct{})}
}

// Add records l under connection id.
func (s *ConnectionState) Add(id uint64, l engine.Link) {
	links, ok := s.conns[id]
	if !ok {
		links = make(map[engine.Link]struct{})
		s.conns[id] = links
	}
	links[l] = struct{}{}
}

// Remove forgets l. Unknown connections and links are ignored.
func (s *ConnectionState) Remove(id uint64, l engine.Link) {
	links, ok := s.conns[id]
	if !ok {
		return
	}
	delete(links, l)
	if len(links) == 0 {
		delete(s.conns, id)
	}
}

// Drop forgets connection id and returns the links it still held.
func (s *ConnectionState) Drop(id uint64) []engine.Link {
	links := s.conns[id]
	delete(s.conns, id)
	out := make([]engine.Link, 0, len(links))
	for l := range links {
		out = append(out, l)
	}
	return out
}

// Lookup returns the number of links recorded for connection id.
func (s *ConnectionState) Lookup(id uint64) int {
	return len(s.conns[id])
}

func (s *ConnectionState) Len() int { return len(s.conns) }
