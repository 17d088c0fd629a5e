/*
Package local implements the fallback transport used when no relay is
reachable.

This file implements the primary substrate: an in-process named broadcast
group. It plays the role the shared ephemeral broadcast channel plays among
same-origin browsing contexts; peers join the same Group instance and every
published message fans out to all of them.
*/
package local

import (
	"fmt"
	"sync"
)

// groupQueueSize is the per-peer inbound buffer. A peer that stops draining
// loses messages silently.
const groupQueueSize = 64

// Group is a broadcast domain shared by the peers of one process. It is
// explicitly constructed and passed to consumers; there is no ambient
// global group.
type Group struct {
	mu    sync.Mutex
	peers map[*groupBus]struct{}
}

// NewGroup constructs an empty broadcast group.
func NewGroup() *Group {
	return &Group{peers: make(map[*groupBus]struct{})}
}

// GroupProbe returns a probe that joins the given group. The probe fails
// when no group was provided, which makes the chain fall through to the
// storage emulation.
func GroupProbe(g *Group) Probe {
	return func() (Substrate, error) {
		if g == nil {
			return nil, fmt.Errorf("broadcast group unavailable")
		}
		return g.join(), nil
	}
}

// join attaches a new peer to the group.
func (g *Group) join() Substrate {
	peer := &groupBus{
		group: g,
		recv:  make(chan []byte, groupQueueSize),
	}

	g.mu.Lock()
	g.peers[peer] = struct{}{}
	g.mu.Unlock()

	return peer
}

// broadcast fans data out to every peer, the sender included. Full peer
// queues drop the message.
func (g *Group) broadcast(data []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for peer := range g.peers {
		select {
		case peer.recv <- data:
		default:
		}
	}
}

// leave detaches a peer and closes its receive channel.
func (g *Group) leave(peer *groupBus) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.peers[peer]; ok {
		delete(g.peers, peer)
		close(peer.recv)
	}
}

// groupBus is one peer's handle on a Group.
type groupBus struct {
	group *Group
	recv  chan []byte
}

// Send implements Substrate.
func (b *groupBus) Send(data []byte) error {
	b.group.broadcast(data)
	return nil
}

// Receive implements Substrate.
func (b *groupBus) Receive() <-chan []byte {
	return b.recv
}

// Close implements Substrate.
func (b *groupBus) Close() error {
	b.group.leave(b)
	return nil
}
