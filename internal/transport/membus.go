package transport

import (
	"context"
	"fmt"
	"sync"
)

// MemBus is an in-process bus connecting the muxes of several nodes in
// one process. It backs the test suites and single-process demo setups;
// real deployments use the TCP bus.
type MemBus struct {
	mu    sync.RWMutex
	nodes map[string]memNode
}

type memNode struct {
	mux       *Mux
	unclaimed func(*Envelope)
}

func NewMemBus() *MemBus {
	return &MemBus{
		nodes: make(map[string]memNode),
	}
}

// Attach registers a node. Unclaimed envelopes (not matched by any open
// channel) are handed to the unclaimed callback on a fresh goroutine. A
// nil mux registers a black hole: the peer is addressable but every
// envelope to it is dropped, which is how tests model an unreachable
// participant.
func (b *MemBus) Attach(id string, mux *Mux, unclaimed func(*Envelope)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nodes[id] = memNode{mux: mux, unclaimed: unclaimed}
}

func (b *MemBus) Detach(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.nodes, id)
}

func (b *MemBus) Post(ctx context.Context, peer string, env *Envelope) error {
	b.mu.RLock()
	node, ok := b.nodes[peer]
	b.mu.RUnlock()

	if !ok {
		return fmt.Errorf("unknown peer: %s", peer)
	}
	if node.mux == nil {
		return nil
	}

	go func() {
		if !node.mux.Dispatch(env) && node.unclaimed != nil {
			node.unclaimed(env)
		}
	}()
	return nil
}
