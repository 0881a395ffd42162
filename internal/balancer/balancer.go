// Package balancer implements network.ConnectionBalancer: the policy a
// listener consults, on every accept, to decide whether the socket should
// be handled by the worker that just accepted it or handed off to another
// worker's ConnectionHandler.
package balancer

import (
	"math/rand/v2"
	"sync"

	"l4relay/internal/network"
)

// Exact always accepts locally — the right choice for a listener that owns
// exactly one worker (most internal listeners, and any TCP listener running
// with a single worker), where rebalancing has nothing to balance against.
type Exact struct{}

func (Exact) PickTargetHandler(current network.BalancedConnectionHandler, _ network.ConnectionSocket) network.BalancedConnectionHandler {
	return current
}

// LeastConnections samples one registered handler uniformly at random
// (which may be current itself, in which case current is kept) and
// compares its NumConnections against current's, taking the
// lesser-loaded of the two — the "power of two choices" family of algorithm,
// which gets most of the benefit of true least-connections without every
// worker needing a consistent global view. Register every worker's handler
// with Add before listeners using this balancer start accepting.
type LeastConnections struct {
	mu       sync.Mutex
	handlers []network.BalancedConnectionHandler
}

// NewLeastConnections returns an empty balancer; call Add once per worker.
func NewLeastConnections() *LeastConnections {
	return &LeastConnections{}
}

// Add registers a worker's handler as a rebalance candidate. Not safe to
// call concurrently with PickTargetHandler from the same balancer instance
// beyond the ordinary mutex serialization this provides; call it during
// worker startup, before any listener sharing this balancer begins
// accepting.
func (b *LeastConnections) Add(h network.BalancedConnectionHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

func (b *LeastConnections) PickTargetHandler(current network.BalancedConnectionHandler, _ network.ConnectionSocket) network.BalancedConnectionHandler {
	b.mu.Lock()
	candidates := b.handlers
	b.mu.Unlock()

	if len(candidates) < 2 {
		return current
	}

	other := candidates[rand.IntN(len(candidates))]
	if other == current {
		return current
	}
	if other.NumConnections() < current.NumConnections() {
		return other
	}
	return current
}
