// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool pools the buffers frames are encoded into.
package bufpool

import (
	"bytes"
	"sync"

	"github.com/absmach/testbroker/amqp1/frames"
)

// A buffer holds one encoded transfer, which may span several frames.
// Buffers grown past a few default-sized frames by an unusually large
// message are left to the garbage collector.
const maxPooledCap = 4 * int(frames.DefaultMaxFrameSize)

var pool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, 512))
	},
}

// Get returns an empty buffer.
func Get() *bytes.Buffer {
	b := pool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// Put returns b to the pool. The caller must not use b afterwards.
func Put(b *bytes.Buffer) {
	if b.Cap() > maxPooledCap {
		return
	}
	pool.Put(b)
}
