// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sensor

import "sync"

// gate counts outstanding references to a registry member. Once
// closed, acquire fails and closeAndWait returns when the count drains
// to zero.
type gate struct {
	mu      sync.Mutex
	drained *sync.Cond
	refs    int
	closed  bool
}

func newGate() *gate {
	g := &gate{}
	g.drained = sync.NewCond(&g.mu)
	return g
}

func (g *gate) acquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.refs++
	return true
}

func (g *gate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refs--
	if g.refs < 0 {
		panic("sensor: gate released more times than acquired")
	}
	if g.refs == 0 {
		g.drained.Broadcast()
	}
}

func (g *gate) closeAndWait() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	for g.refs > 0 {
		g.drained.Wait()
	}
}
