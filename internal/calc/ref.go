package calc

import (
	"fmt"
	"sync"

	"github.com/calvinalkan/gridcalc/internal/actor"
	"github.com/calvinalkan/gridcalc/internal/tree"
	"github.com/calvinalkan/gridcalc/internal/unit"
)

// Ref is a held result: [*Committed], [*Pending] or [*Transient]. It keeps
// one unit of interest on the result until Release.
type Ref interface {
	Item() *tree.Item
	Handle() actor.Handle
	Key() string

	// Payload returns the result, a [*unit.Unit] or a [*Data].
	Payload() any

	// Release drops the held interest. Only the first call has an effect.
	Release()

	base() *ref
}

type ref struct {
	e  *Engine
	en *entry

	mu    sync.Mutex
	guard *actor.InterestGuard
}

func (r *ref) Item() *tree.Item     { return r.en.item }
func (r *ref) Handle() actor.Handle { return r.en.h }
func (r *ref) Key() string          { return r.en.key }
func (r *ref) Payload() any         { return r.en.item.Payload() }
func (r *ref) Release()             { r.release() }
func (r *ref) base() *ref           { return r }
func (r *ref) String() string       { return r.en.key }

func (r *ref) release() bool {
	g := r.take()
	if g == nil {
		return false
	}

	g.Release()

	return true
}

// take moves the interest guard out of r.
func (r *ref) take() *actor.InterestGuard {
	r.mu.Lock()
	defer r.mu.Unlock()

	g := r.guard
	r.guard = nil

	return g
}

func (r *ref) held() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.guard != nil
}

// Committed is a result that is persisted, or that was loaded from the
// store.
type Committed struct{ ref }

// Pending is a freshly computed result whose key is registered in the store
// but whose data is not written yet. [Engine.Commit] persists it.
type Pending struct{ ref }

// Transient is a volatile result. It is never memoized or persisted and is
// discarded on Release.
type Transient struct{ ref }

// Release drops the interest and discards the result.
func (t *Transient) Release() {
	if t.release() {
		t.e.retireTransients([]*entry{t.en})
	}
}

var (
	_ Ref = (*Committed)(nil)
	_ Ref = (*Pending)(nil)
	_ Ref = (*Transient)(nil)
)

func newRef(e *Engine, en *entry, g *actor.InterestGuard) Ref {
	switch {
	case en.volatile:
		return &Transient{ref: ref{e: e, en: en, guard: g}}
	case en.isCommitted():
		return &Committed{ref: ref{e: e, en: en, guard: g}}
	default:
		return &Pending{ref: ref{e: e, en: en, guard: g}}
	}
}

// UnitOf returns the unit held by r.
func UnitOf(r Ref) (*unit.Unit, error) {
	u, ok := r.Payload().(*unit.Unit)
	if !ok {
		return nil, fmt.Errorf("%s: %w: want a unit, got %T", r.Key(), ErrResultType, r.Payload())
	}

	return u, nil
}

// DataOf returns the data held by r.
func DataOf(r Ref) (*Data, error) {
	d, ok := r.Payload().(*Data)
	if !ok {
		return nil, fmt.Errorf("%s: %w: want data, got %T", r.Key(), ErrResultType, r.Payload())
	}

	return d, nil
}
