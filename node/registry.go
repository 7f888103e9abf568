// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"fmt"
	"log/slog"
	"sort"
)

// Registry maps addresses to nodes. At most one node exists per address and
// nodes live until the process exits.
type Registry struct {
	nodes  map[string]Node
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		nodes:  make(map[string]Node),
		logger: logger,
	}
}

// ResolveOrCreate returns the node at address, creating one of the hinted
// kind if none exists. An existing node is returned whatever its kind.
func (r *Registry) ResolveOrCreate(address string, kind Kind) Node {
	if n, ok := r.nodes[address]; ok {
		return n
	}
	n := r.create(address, kind)
	r.logger.Debug("node created", slog.String("node", address), slog.String("kind", kind.String()))
	return n
}

// CreateQueue creates a queue at an address that must not be in use.
func (r *Registry) CreateQueue(address string) (Node, error) {
	if _, ok := r.nodes[address]; ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeExists, address)
	}
	return r.create(address, KindQueue), nil
}

// DeclareTopic creates a topic at an address that must not be in use.
func (r *Registry) DeclareTopic(address string) (Node, error) {
	if _, ok := r.nodes[address]; ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeExists, address)
	}
	return r.create(address, KindTopic), nil
}

func (r *Registry) create(address string, kind Kind) Node {
	var n Node
	if kind == KindTopic {
		n = NewTopic(address, r.logger)
	} else {
		n = NewQueue(address, r.logger)
	}
	r.nodes[address] = n
	return n
}

func (r *Registry) Lookup(address string) (Node, bool) {
	n, ok := r.nodes[address]
	return n, ok
}

func (r *Registry) Len() int { return len(r.nodes) }

// Nodes returns all nodes sorted by address.
func (r *Registry) Nodes() []Node {
	out := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address() < out[j].Address() })
	return out
}
