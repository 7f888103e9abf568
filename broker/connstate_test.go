// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"testing"

	"github.com/absmach/testbroker/engine"
	"github.com/stretchr/testify/assert"
)

func TestConnectionState(t *testing.T) {
	s := NewConnectionState()
	l1 := consumerLink("l1", "q", connA)
	l2 := consumerLink("l2", "q", connA)
	l3 := consumerLink("l3", "q", connB)

	s.Add(connA.ID, l1)
	s.Add(connA.ID, l2)
	s.Add(connA.ID, l2)
	s.Add(connB.ID, l3)
	assert.Equal(t, 2, s.Lookup(connA.ID))
	assert.Equal(t, 2, s.Len())

	s.Remove(connA.ID, l1)
	s.Remove(connA.ID, l3)
	s.Remove(99, l1)
	assert.Equal(t, 1, s.Lookup(connA.ID))

	assert.Equal(t, []engine.Link{l2}, s.Drop(connA.ID))
	assert.Empty(t, s.Drop(connA.ID))
	assert.Equal(t, 0, s.Lookup(connA.ID))

	s.Remove(connB.ID, l3)
	assert.Equal(t, 0, s.Len())
}
