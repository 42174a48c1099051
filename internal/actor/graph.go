// Package actor implements the reactive dependency graph.
//
// Nodes live in an arena owned by a [Graph] and are addressed by [Handle]
// values. A node computes only while it has interest, computes at most once
// per invalidation no matter how many goroutines demand it, and drops the
// interest it took on its suppliers on every exit path.
package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// State is the progress state of a node.
type State uint8

// Node states.
const (
	NotCalculated State = iota
	Calculating
	Calculated
	Failed
)

func (s State) String() string {
	switch s {
	case NotCalculated:
		return "not-calculated"
	case Calculating:
		return "calculating"
	case Calculated:
		return "calculated"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Handle addresses a node in a [Graph]. The zero Handle is invalid.
type Handle struct {
	idx uint32
	gen uint32
}

// IsZero reports whether h is the zero handle.
func (h Handle) IsZero() bool { return h.gen == 0 }

func (h Handle) String() string { return fmt.Sprintf("#%d.%d", h.idx, h.gen) }

// ComputeFunc produces a node's result. It runs after all suppliers have been
// computed successfully.
type ComputeFunc func(ctx context.Context) error

// Spec describes a node to add.
type Spec struct {
	Name string

	// Suppliers are needed for the node's data.
	Suppliers []Handle

	// Meta suppliers are needed only for the node's metadata (units,
	// ranges). They are demanded like data suppliers.
	Meta []Handle

	Compute ComputeFunc

	// Release, if set, drops the node's retained result.
	Release func()
}

type node struct {
	gen       uint32
	name      string
	suppliers []Handle
	meta      []Handle
	compute   ComputeFunc
	release   func()

	interest atomic.Int64

	mu      sync.Mutex
	state   State
	dirty   bool
	failure *Failure
	done    chan struct{}
	version uint64

	removed bool
}

// Options configures a [Graph].
type Options struct {
	// Workers bounds how many suppliers of one node are demanded in
	// parallel. Defaults to 4.
	Workers int

	Logger *zap.Logger

	// Registerer receives the graph's counters. Nil disables registration.
	Registerer prometheus.Registerer
}

type metrics struct {
	computations  prometheus.Counter
	failures      prometheus.Counter
	cancellations prometheus.Counter
}

// Graph is an arena of reactive nodes.
type Graph struct {
	workers int
	log     *zap.Logger
	metrics metrics

	mu         sync.RWMutex
	nodes      []*node
	dependents [][]Handle
	free       []uint32
}

// NewGraph returns an empty graph.
func NewGraph(opts Options) *Graph {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}

	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	f := promauto.With(opts.Registerer)

	return &Graph{
		workers: opts.Workers,
		log:     opts.Logger,
		metrics: metrics{
			computations: f.NewCounter(prometheus.CounterOpts{
				Name: "gridcalc_actor_computations_total",
				Help: "Node computations started",
			}),
			failures: f.NewCounter(prometheus.CounterOpts{
				Name: "gridcalc_actor_failures_total",
				Help: "Node computations that ended in a failure",
			}),
			cancellations: f.NewCounter(prometheus.CounterOpts{
				Name: "gridcalc_actor_cancellations_total",
				Help: "Node computations that were cancelled",
			}),
		},
	}
}

// node returns the live node for h. A stale or invalid handle is a
// programming error and panics.
func (g *Graph) node(h Handle) *node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return g.nodeLocked(h)
}

func (g *Graph) nodeLocked(h Handle) *node {
	if !g.validLocked(h) {
		panic(fmt.Sprintf("actor: stale or invalid handle %s", h))
	}

	return g.nodes[h.idx]
}

// Valid reports whether h addresses a live node.
func (g *Graph) Valid(h Handle) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return g.validLocked(h)
}

func (g *Graph) validLocked(h Handle) bool {
	if h.gen == 0 || int(h.idx) >= len(g.nodes) {
		return false
	}

	n := g.nodes[h.idx]

	return !n.removed && n.gen == h.gen
}

// Add inserts a node. All suppliers must already exist, so the graph stays
// acyclic.
func (g *Graph) Add(spec Spec) (Handle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, s := range append(append([]Handle(nil), spec.Suppliers...), spec.Meta...) {
		if !g.validLocked(s) {
			return Handle{}, fmt.Errorf("add %q: %w: %s", spec.Name, ErrUnknownSupplier, s)
		}
	}

	n := &node{
		name:      spec.Name,
		suppliers: append([]Handle(nil), spec.Suppliers...),
		meta:      append([]Handle(nil), spec.Meta...),
		compute:   spec.Compute,
		release:   spec.Release,
	}

	var idx uint32

	if k := len(g.free); k > 0 {
		idx = g.free[k-1]
		g.free = g.free[:k-1]
		n.gen = g.nodes[idx].gen + 1
		g.nodes[idx] = n
		g.dependents[idx] = nil
	} else {
		idx = uint32(len(g.nodes))
		n.gen = 1
		g.nodes = append(g.nodes, n)
		g.dependents = append(g.dependents, nil)
	}

	h := Handle{idx: idx, gen: n.gen}

	for _, s := range n.suppliers {
		g.dependents[s.idx] = append(g.dependents[s.idx], h)
	}

	for _, s := range n.meta {
		g.dependents[s.idx] = append(g.dependents[s.idx], h)
	}

	return h, nil
}

// Remove deletes a node. It must have no interest and no dependents.
func (g *Graph) Remove(h Handle) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := g.nodeLocked(h)

	if n.interest.Load() != 0 {
		return fmt.Errorf("remove %q: %w", n.name, ErrHasInterest)
	}

	if len(g.dependents[h.idx]) != 0 {
		return fmt.Errorf("remove %q: %w", n.name, ErrHasDependents)
	}

	for _, s := range append(append([]Handle(nil), n.suppliers...), n.meta...) {
		g.dependents[s.idx] = removeHandle(g.dependents[s.idx], h)
	}

	// The slot keeps its generation so a reused slot never repeats it.
	g.nodes[h.idx] = &node{gen: n.gen, removed: true}
	g.free = append(g.free, h.idx)

	if n.release != nil {
		n.release()
	}

	return nil
}

// Rewire replaces the data suppliers of h and marks it dirty. h must not be
// calculating, and no new supplier may depend on h.
func (g *Graph) Rewire(h Handle, suppliers []Handle) error {
	name := g.Name(h)

	for _, s := range suppliers {
		if !g.Valid(s) {
			return fmt.Errorf("rewire %q: %w: %s", name, ErrUnknownSupplier, s)
		}

		if _, dep := g.MarkSources(s)[h]; dep || s == h {
			return fmt.Errorf("rewire %q: %w via %q", name, ErrCycle, g.Name(s))
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	n := g.nodeLocked(h)

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state == Calculating {
		return fmt.Errorf("rewire %q: %w", name, ErrBusy)
	}

	for _, s := range n.suppliers {
		g.dependents[s.idx] = removeHandle(g.dependents[s.idx], h)
	}

	n.suppliers = append([]Handle(nil), suppliers...)

	for _, s := range n.suppliers {
		g.dependents[s.idx] = append(g.dependents[s.idx], h)
	}

	if n.state != NotCalculated {
		n.dirty = true
	}

	return nil
}

func removeHandle(hs []Handle, h Handle) []Handle {
	out := hs[:0]

	for _, x := range hs {
		if x != h {
			out = append(out, x)
		}
	}

	return out
}

// Name returns the node name.
func (g *Graph) Name(h Handle) string { return g.node(h).name }

// State returns the progress state and dirty flag of h.
func (g *Graph) State(h Handle) (State, bool) {
	n := g.node(h)

	n.mu.Lock()
	defer n.mu.Unlock()

	return n.state, n.dirty
}

// Failure returns the failure of a failed node, or nil.
func (g *Graph) Failure(h Handle) *Failure {
	n := g.node(h)

	n.mu.Lock()
	defer n.mu.Unlock()

	return n.failure
}

// Version returns how many times h has been computed successfully.
func (g *Graph) Version(h Handle) uint64 {
	n := g.node(h)

	n.mu.Lock()
	defer n.mu.Unlock()

	return n.version
}

// Suppliers returns the data suppliers of h.
func (g *Graph) Suppliers(h Handle) []Handle {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return append([]Handle(nil), g.nodeLocked(h).suppliers...)
}

// Dependents returns the direct dependents of h.
func (g *Graph) Dependents(h Handle) []Handle {
	g.mu.RLock()
	defer g.mu.RUnlock()

	g.nodeLocked(h)

	return append([]Handle(nil), g.dependents[h.idx]...)
}

// Len returns the number of live nodes.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return len(g.nodes) - len(g.free)
}

func (g *Graph) live() []Handle {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Handle, 0, len(g.nodes))

	for i, n := range g.nodes {
		if !n.removed {
			out = append(out, Handle{idx: uint32(i), gen: n.gen})
		}
	}

	return out
}

// ReleaseUninterested drops the retained results of finished nodes without
// interest and returns how many were released.
//
// Interest is checked again under the node lock, which Demand also takes to
// read the state: a holder that acquired interest and saw the result keeps
// it, and a later demander recomputes.
func (g *Graph) ReleaseUninterested() int {
	released := 0

	for _, h := range g.live() {
		n := g.node(h)
		if n.interest.Load() != 0 {
			continue
		}

		if g.releaseIfUninterested(n) {
			released++
		}
	}

	if released > 0 {
		g.log.Debug("released uninterested results", zap.Int("count", released))
	}

	return released
}

func (g *Graph) releaseIfUninterested(n *node) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.interest.Load() != 0 || (n.state != Calculated && n.state != Failed) {
		return false
	}

	n.state = NotCalculated
	n.failure = nil
	n.dirty = false

	if n.release != nil {
		n.release()
	}

	return true
}

// Level classifies how a source is needed by a target.
type Level uint8

// Supplier levels. LevelCalc dominates LevelMeta.
const (
	LevelMeta Level = iota + 1
	LevelCalc
)

func (l Level) String() string {
	switch l {
	case LevelMeta:
		return "meta"
	case LevelCalc:
		return "calc"
	default:
		return "none"
	}
}

// MarkSources returns every transitive supplier of target with the level at
// which it is needed: LevelCalc when reachable through data suppliers only,
// LevelMeta otherwise.
func (g *Graph) MarkSources(target Handle) map[Handle]Level {
	out := map[Handle]Level{}

	type item struct {
		h     Handle
		level Level
	}

	stack := []item{{h: target, level: LevelCalc}}

	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		n := g.node(it.h)

		push := func(s Handle, lvl Level) {
			if out[s] >= lvl {
				return
			}

			out[s] = lvl
			stack = append(stack, item{h: s, level: lvl})
		}

		for _, s := range n.suppliers {
			push(s, it.level)
		}

		for _, s := range n.meta {
			push(s, LevelMeta)
		}
	}

	return out
}

// errCancelled reports whether err stems from ctx being done.
func errCancelled(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}
