package tree

import (
	"strings"
	"sync"

	"github.com/calvinalkan/gridcalc/internal/actor"
)

// Kind classifies an item.
type Kind uint8

// Item kinds.
const (
	Container Kind = iota
	UnitKind
	DataKind
)

func (k Kind) String() string {
	switch k {
	case Container:
		return "container"
	case UnitKind:
		return "unit"
	case DataKind:
		return "data"
	default:
		return "unknown"
	}
}

// Flags are item attributes.
type Flags uint8

// Item flags.
const (
	Hidden Flags = 1 << iota
	Endogenous
	Template
	Storable
)

var flagNames = []struct { //nolint:gochecknoglobals // lookup table
	f    Flags
	name string
}{
	{Hidden, "hidden"},
	{Endogenous, "endogenous"},
	{Template, "template"},
	{Storable, "storable"},
}

// Names returns the set flag names in a fixed order.
func (f Flags) Names() []string {
	var out []string

	for _, fn := range flagNames {
		if f&fn.f != 0 {
			out = append(out, fn.name)
		}
	}

	return out
}

func (f Flags) String() string { return strings.Join(f.Names(), "|") }

// using is an explicit import, either resolved or pending by path.
type using struct {
	item *Item
	path string
}

// Item is a named node in a [Tree]. Links are guarded by the tree's lock.
type Item struct {
	tree *Tree
	name string
	kind Kind

	parent     *Item
	firstChild *Item
	lastChild  *Item
	prev       *Item
	next       *Item

	cache usingCache

	// mu guards the fields below. Lazy using resolution mutates usings and
	// importers while the tree is only read-locked.
	mu sync.Mutex

	// usings are ordered by priority, the last one highest.
	usings    []using
	importers []*Item

	flags   Flags
	payload any
	handle  actor.Handle
	failure *actor.Failure
}

// Name returns the item name.
func (it *Item) Name() string { return it.name }

// Kind returns the item kind.
func (it *Item) Kind() Kind { return it.kind }

// Tree returns the owning tree.
func (it *Item) Tree() *Tree { return it.tree }

// Flags returns the item flags.
func (it *Item) Flags() Flags {
	it.mu.Lock()
	defer it.mu.Unlock()

	return it.flags
}

// SetFlags sets the given flags.
func (it *Item) SetFlags(f Flags) {
	it.mu.Lock()
	it.flags |= f
	it.mu.Unlock()
}

// ClearFlags clears the given flags.
func (it *Item) ClearFlags(f Flags) {
	it.mu.Lock()
	it.flags &^= f
	it.mu.Unlock()
}

// Payload returns the attached unit or data object.
func (it *Item) Payload() any {
	it.mu.Lock()
	defer it.mu.Unlock()

	return it.payload
}

// SetPayload attaches a unit or data object.
func (it *Item) SetPayload(p any) {
	it.mu.Lock()
	it.payload = p
	it.mu.Unlock()
}

// Handle returns the actor node of the item, if any.
func (it *Item) Handle() actor.Handle {
	it.mu.Lock()
	defer it.mu.Unlock()

	return it.handle
}

// SetHandle binds the item to an actor node.
func (it *Item) SetHandle(h actor.Handle) {
	it.mu.Lock()
	it.handle = h
	it.mu.Unlock()
}

// Failure returns the diagnostic attached to the item.
func (it *Item) Failure() *actor.Failure {
	it.mu.Lock()
	defer it.mu.Unlock()

	return it.failure
}

// SetFailure attaches a diagnostic; nil clears it.
func (it *Item) SetFailure(f *actor.Failure) {
	it.mu.Lock()
	it.failure = f
	it.mu.Unlock()
}

// Parent returns the parent item, or nil for a root or detached item.
func (it *Item) Parent() *Item {
	it.tree.mu.RLock()
	defer it.tree.mu.RUnlock()

	return it.parent
}

// Children returns the children in order.
func (it *Item) Children() []*Item {
	it.tree.mu.RLock()
	defer it.tree.mu.RUnlock()

	return it.childrenLocked()
}

func (it *Item) childrenLocked() []*Item {
	var out []*Item

	for c := it.firstChild; c != nil; c = c.next {
		out = append(out, c)
	}

	return out
}

func (it *Item) childLocked(name string) *Item {
	for c := it.firstChild; c != nil; c = c.next {
		if c.name == name {
			return c
		}
	}

	return nil
}

// Path returns the absolute slash separated path of the item.
func (it *Item) Path() string {
	it.tree.mu.RLock()
	defer it.tree.mu.RUnlock()

	return it.pathLocked()
}

func (it *Item) pathLocked() string {
	if it.parent == nil {
		if it == it.tree.root {
			return "/"
		}

		return it.name
	}

	var parts []string

	for x := it; x.parent != nil; x = x.parent {
		parts = append(parts, x.name)
	}

	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}

	return "/" + strings.Join(parts, "/")
}

func (it *Item) String() string { return it.Path() }
