package actor

import (
	"fmt"
	"sync/atomic"
)

// AddInterest increments the interest count of h.
func (g *Graph) AddInterest(h Handle) {
	g.node(h).interest.Add(1)
}

// DropInterest decrements the interest count of h. Dropping below zero is an
// invariant violation and panics; the count is never observed negative.
func (g *Graph) DropInterest(h Handle) {
	n := g.node(h)

	for {
		v := n.interest.Load()
		if v <= 0 {
			panic(fmt.Sprintf("actor: interest of %q would drop below zero", n.name))
		}

		if n.interest.CompareAndSwap(v, v-1) {
			return
		}
	}
}

// Interest returns the current interest count of h.
func (g *Graph) Interest(h Handle) int64 {
	return g.node(h).interest.Load()
}

// InterestGuard holds one unit of interest until released.
type InterestGuard struct {
	g        *Graph
	h        Handle
	released atomic.Bool
}

// Acquire adds interest to h and returns a guard that drops it again.
func (g *Graph) Acquire(h Handle) *InterestGuard {
	g.AddInterest(h)

	return &InterestGuard{g: g, h: h}
}

// Handle returns the guarded node.
func (ig *InterestGuard) Handle() Handle { return ig.h }

// Release drops the held interest. Only the first call has an effect.
func (ig *InterestGuard) Release() {
	if ig == nil || !ig.released.CompareAndSwap(false, true) {
		return
	}

	ig.g.DropInterest(ig.h)
}
