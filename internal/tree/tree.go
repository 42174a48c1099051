// Package tree implements the item namespace: an n-ary tree of named items
// with name resolution through own children, ancestor scopes and explicit
// imports ("usings").
//
// Structural links are guarded by one lock per [Tree]: lookups share it and
// mutations hold it exclusively, so a lookup never sees half a move. Item
// fields outside the structure and the name caches have their own per-item
// locks, which are never held while another item lock is taken. Resolved
// names are memoized per item and rebuilt on demand after a structural
// change.
package tree

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/calvinalkan/gridcalc/internal/actor"
)

// Tree owns a root item and every item attached below it.
type Tree struct {
	mu    sync.RWMutex
	root  *Item
	graph *actor.Graph
}

// New returns a tree with an empty root container. If g is non-nil, Delete
// consults it for interest held on the items' actor nodes.
func New(rootName string, g *actor.Graph) *Tree {
	t := &Tree{graph: g}
	t.root = t.newItem(rootName, Container)

	return t
}

// Root returns the root item.
func (t *Tree) Root() *Item { return t.root }

func (t *Tree) newItem(name string, kind Kind) *Item {
	return &Item{tree: t, name: name, kind: kind}
}

func validName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	return nil
}

// NewItem creates an item named name as the last child of parent.
func (t *Tree) NewItem(parent *Item, name string, kind Kind) (*Item, error) {
	if err := validName(name); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if parent.childLocked(name) != nil {
		return nil, fmt.Errorf("%s: %w: %q", parent.pathLocked(), ErrDuplicateName, name)
	}

	it := t.newItem(name, kind)
	t.appendLocked(parent, it)

	return it, nil
}

// Detached creates an item that belongs to t but has no parent yet.
func (t *Tree) Detached(name string, kind Kind) (*Item, error) {
	if err := validName(name); err != nil {
		return nil, err
	}

	return t.newItem(name, kind), nil
}

// AddChild attaches a detached item as the last child of parent.
func (t *Tree) AddChild(parent, child *Item) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkAttachLocked(parent, child); err != nil {
		return err
	}

	t.appendLocked(parent, child)

	return nil
}

func (t *Tree) checkAttachLocked(parent, child *Item) error {
	if child.parent != nil || child == t.root {
		return fmt.Errorf("%s: %w", child.pathLocked(), ErrAttached)
	}

	return t.checkTargetLocked(parent, child)
}

// checkTargetLocked reports whether child may become a child of parent,
// ignoring where child is attached now.
func (t *Tree) checkTargetLocked(parent, child *Item) error {
	if child.tree != t || parent.tree != t {
		return fmt.Errorf("%w: item of another tree", ErrNotChild)
	}

	for x := parent; x != nil; x = x.parent {
		if x == child {
			return fmt.Errorf("%s: %w", child.name, ErrCycle)
		}
	}

	if parent.childLocked(child.name) != nil {
		return fmt.Errorf("%s: %w: %q", parent.pathLocked(), ErrDuplicateName, child.name)
	}

	return nil
}

func (t *Tree) appendLocked(parent, child *Item) {
	child.parent = parent
	child.prev = parent.lastChild
	child.next = nil

	if parent.lastChild != nil {
		parent.lastChild.next = child
	} else {
		parent.firstChild = child
	}

	parent.lastChild = child

	t.markDirtyLocked(parent)
}

func (t *Tree) unlinkLocked(child *Item) {
	parent := child.parent

	if child.prev != nil {
		child.prev.next = child.next
	} else {
		parent.firstChild = child.next
	}

	if child.next != nil {
		child.next.prev = child.prev
	} else {
		parent.lastChild = child.prev
	}

	child.parent, child.prev, child.next = nil, nil, nil

	t.markDirtyLocked(parent)
	t.markDirtyLocked(child)
}

// RemoveChild detaches child from parent. The child keeps its subtree.
func (t *Tree) RemoveChild(parent, child *Item) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if child.parent != parent {
		return fmt.Errorf("%s: %w of %s", child.name, ErrNotChild, parent.pathLocked())
	}

	t.unlinkLocked(child)

	return nil
}

// MoveTo re-attaches item as the last child of newParent. A rejected move
// leaves item where it was.
func (t *Tree) MoveTo(item, newParent *Item) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if item == t.root {
		return ErrRootMutation
	}

	if item.parent == newParent {
		return nil
	}

	if err := t.checkTargetLocked(newParent, item); err != nil {
		return err
	}

	if item.parent != nil {
		t.unlinkLocked(item)
	}

	t.appendLocked(newParent, item)

	return nil
}

// MoveBefore reorders item within its parent so that it precedes before.
// A nil before moves item to the end.
func (t *Tree) MoveBefore(item, before *Item) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	parent := item.parent
	if parent == nil {
		return fmt.Errorf("%s: %w", item.name, ErrNotChild)
	}

	if before != nil && before.parent != parent {
		return fmt.Errorf("%s: %w of %s", before.name, ErrNotChild, parent.pathLocked())
	}

	if before == item {
		return nil
	}

	t.unlinkLocked(item)

	if before == nil {
		t.appendLocked(parent, item)

		return nil
	}

	item.parent = parent
	item.next = before
	item.prev = before.prev

	if before.prev != nil {
		before.prev.next = item
	} else {
		parent.firstChild = item
	}

	before.prev = item

	t.markDirtyLocked(parent)

	return nil
}

// Delete detaches item and drops every using that refers into its subtree.
// No item of the subtree may hold interest.
func (t *Tree) Delete(item *Item) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if item == t.root {
		return ErrRootMutation
	}

	var subtree []*Item

	var walk func(x *Item)

	walk = func(x *Item) {
		subtree = append(subtree, x)

		for c := x.firstChild; c != nil; c = c.next {
			walk(c)
		}
	}

	walk(item)

	if t.graph != nil {
		for _, x := range subtree {
			h := x.Handle()
			if !h.IsZero() && t.graph.Valid(h) && t.graph.Interest(h) > 0 {
				return fmt.Errorf("delete %s: %w: %s", item.pathLocked(), ErrHasInterest, x.pathLocked())
			}
		}
	}

	if item.parent != nil {
		t.unlinkLocked(item)
	}

	for _, x := range subtree {
		for _, imp := range slices.Clone(x.importers) {
			t.dropUsingLocked(imp, x)
		}

		x.importers = nil

		for _, u := range x.usings {
			if u.item != nil {
				u.item.importers = removeItem(u.item.importers, x)
			}
		}
	}

	return nil
}

func removeItem(items []*Item, x *Item) []*Item {
	out := items[:0]

	for _, it := range items {
		if it != x {
			out = append(out, it)
		}
	}

	return out
}

// Snapshot is a read-only view of an item subtree.
type Snapshot struct {
	Name     string     `json:"name"               yaml:"name"`
	Path     string     `json:"path"               yaml:"path"`
	Kind     string     `json:"kind"               yaml:"kind"`
	Flags    []string   `json:"flags,omitempty"    yaml:"flags,omitempty"`
	State    string     `json:"state,omitempty"    yaml:"state,omitempty"`
	Failure  string     `json:"failure,omitempty"  yaml:"failure,omitempty"`
	Children []Snapshot `json:"children,omitempty" yaml:"children,omitempty"`
}

// Snapshot copies the subtree of item. Hidden items are omitted unless
// withHidden is set.
func (t *Tree) Snapshot(item *Item, withHidden bool) Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.snapshotLocked(item, withHidden)
}

func (t *Tree) snapshotLocked(it *Item, withHidden bool) Snapshot {
	s := Snapshot{
		Name:  it.name,
		Path:  it.pathLocked(),
		Kind:  it.kind.String(),
		Flags: it.Flags().Names(),
	}

	if h := it.Handle(); !h.IsZero() && t.graph != nil && t.graph.Valid(h) {
		st, dirty := t.graph.State(h)
		s.State = st.String()

		if dirty {
			s.State += "*"
		}
	}

	if f := it.Failure(); f != nil {
		s.Failure = f.Error()
	}

	for c := it.firstChild; c != nil; c = c.next {
		if c.Flags()&Hidden != 0 && !withHidden {
			continue
		}

		s.Children = append(s.Children, t.snapshotLocked(c, withHidden))
	}

	return s
}
