// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"strconv"

	"github.com/absmach/testbroker/amqp1/performatives"
	"github.com/absmach/testbroker/engine"
	"github.com/absmach/testbroker/node"
)

// dynamicAddress names the node for a dynamic terminus. A second dynamic
// attach with the same container and link name gets the smallest free
// "-n" suffix, starting at 2.
func (b *Broker) dynamicAddress(l engine.Link) string {
	base := l.Conn().ContainerID + "/" + l.Name()
	addr := base
	for n := 2; ; n++ {
		if _, taken := b.registry.Lookup(addr); !taken {
			return addr
		}
		addr = base + "-" + strconv.Itoa(n)
	}
}

// kindHint maps terminus capabilities to the node kind to create.
func kindHint(t *engine.Terminus) node.Kind {
	if t.HasCapability(string(performatives.CapTopic)) {
		return node.KindTopic
	}
	return node.KindQueue
}
