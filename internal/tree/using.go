package tree

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

type cacheState uint8

const (
	cacheDirty cacheState = iota
	cacheReady
	cacheBusy
)

// walk carries the items whose pending usings are being resolved by the
// current lookup, so that a resolution re-entering the same item terminates.
type walk struct {
	resolving map[*Item]bool
}

func newWalk() *walk { return &walk{resolving: map[*Item]bool{}} }

type entry struct {
	name string
	item *Item
}

// usingCache is the memoized, name-sorted table of everything visible from
// one item.
type usingCache struct {
	mu    sync.Mutex
	state cacheState
	table []entry
	err   error
}

// markDirtyLocked invalidates the caches of it, its descendants and every
// item that transitively imports any of them.
func (t *Tree) markDirtyLocked(it *Item) {
	seen := map[*Item]bool{}
	stack := []*Item{it}

	for len(stack) > 0 {
		x := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if seen[x] {
			continue
		}

		seen[x] = true

		x.cache.mu.Lock()
		x.cache.state = cacheDirty
		x.cache.table = nil
		x.cache.err = nil
		x.cache.mu.Unlock()

		for c := x.firstChild; c != nil; c = c.next {
			stack = append(stack, c)
		}

		stack = append(stack, x.importers...)
	}
}

// Find resolves name as seen from it: own children first, then the
// ancestor scopes, then explicit usings with the most recently added first.
func (t *Tree) Find(it *Item, name string) (*Item, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.findLocked(newWalk(), it, name)
}

func (t *Tree) findLocked(w *walk, it *Item, name string) (*Item, error) {
	table, err := t.visibleLocked(w, it)

	if x := search(table, name); x != nil {
		return x, nil
	}

	if err != nil {
		return nil, fmt.Errorf("find %q from %s: %w", name, it.pathLocked(), err)
	}

	return nil, fmt.Errorf("find %q from %s: %w", name, it.pathLocked(), ErrNotFound)
}

func search(table []entry, name string) *Item {
	i, ok := slices.BinarySearchFunc(table, name, func(e entry, n string) int { return strings.Compare(e.name, n) })
	if !ok {
		return nil
	}

	return table[i].item
}

// visibleLocked returns the cached table of it, rebuilding it if dirty. A
// lookup that arrives while the same cache is being rebuilt computes the
// table directly instead of waiting.
func (t *Tree) visibleLocked(w *walk, it *Item) ([]entry, error) {
	c := &it.cache

	c.mu.Lock()

	switch c.state {
	case cacheReady:
		table, err := c.table, c.err
		c.mu.Unlock()

		return table, err
	case cacheBusy:
		c.mu.Unlock()

		return t.buildLocked(w, it)
	case cacheDirty:
	}

	c.state = cacheBusy
	c.mu.Unlock()

	table, err := t.buildLocked(w, it)

	c.mu.Lock()
	if c.state == cacheBusy {
		c.table, c.err, c.state = table, err, cacheReady
	}
	c.mu.Unlock()

	return table, err
}

// buildLocked merges own children over the parent's table over the usings'
// exports. Earlier sources win.
func (t *Tree) buildLocked(w *walk, it *Item) ([]entry, error) {
	names := map[string]*Item{}

	for c := it.firstChild; c != nil; c = c.next {
		names[c.name] = c
	}

	var errs []error

	if it.parent != nil {
		parentTable, err := t.visibleLocked(w, it.parent)
		if err != nil {
			errs = append(errs, err)
		}

		for _, e := range parentTable {
			if _, ok := names[e.name]; !ok {
				names[e.name] = e.item
			}
		}
	}

	usings, err := t.resolveUsingsLocked(w, it)
	if err != nil {
		errs = append(errs, err)
	}

	for i := len(usings) - 1; i >= 0; i-- {
		exp, err := t.exportsLocked(w, usings[i], map[*Item]bool{it: true})
		if err != nil {
			errs = append(errs, err)
		}

		for n, x := range exp {
			if _, ok := names[n]; !ok {
				names[n] = x
			}
		}
	}

	table := make([]entry, 0, len(names))
	for n, x := range names {
		table = append(table, entry{name: n, item: x})
	}

	slices.SortFunc(table, func(a, b entry) int { return strings.Compare(a.name, b.name) })

	return table, errors.Join(errs...)
}

// exportsLocked returns the names a namespace makes visible to importers:
// its children over the exports of its own usings.
func (t *Tree) exportsLocked(w *walk, ns *Item, visiting map[*Item]bool) (map[string]*Item, error) {
	if visiting[ns] {
		return nil, nil
	}

	visiting[ns] = true
	defer delete(visiting, ns)

	out := map[string]*Item{}

	for c := ns.firstChild; c != nil; c = c.next {
		out[c.name] = c
	}

	usings, err := t.resolveUsingsLocked(w, ns)

	for i := len(usings) - 1; i >= 0; i-- {
		exp, expErr := t.exportsLocked(w, usings[i], visiting)
		if expErr != nil && err == nil {
			err = expErr
		}

		for n, x := range exp {
			if _, ok := out[n]; !ok {
				out[n] = x
			}
		}
	}

	return out, err
}

// resolveUsingsLocked returns the resolved usings of it in priority order,
// resolving pending paths on first use. Unresolvable paths are skipped and
// reported. Paths are resolved from the parent scope; a resolution that
// re-enters the same item sees only the usings resolved so far.
func (t *Tree) resolveUsingsLocked(w *walk, it *Item) ([]*Item, error) {
	var pending []string

	if !w.resolving[it] {
		it.mu.Lock()
		for _, u := range it.usings {
			if u.item == nil {
				pending = append(pending, u.path)
			}
		}
		it.mu.Unlock()
	}

	var errs []error

	resolved := map[string]*Item{}

	if len(pending) > 0 {
		w.resolving[it] = true

		for _, p := range pending {
			target, err := t.resolveUsingPathLocked(w, it, p)
			if err != nil {
				errs = append(errs, err)

				continue
			}

			resolved[p] = target
		}

		delete(w.resolving, it)
	}

	it.mu.Lock()

	var added []*Item

	for i, u := range it.usings {
		if target := resolved[u.path]; u.item == nil && target != nil {
			it.usings[i].item = target
			added = append(added, target)
		}
	}

	out := make([]*Item, 0, len(it.usings))

	for _, u := range it.usings {
		if u.item != nil {
			out = append(out, u.item)
		}
	}

	it.mu.Unlock()

	for _, target := range added {
		target.addImporter(it)
	}

	return out, errors.Join(errs...)
}

func (t *Tree) resolveUsingPathLocked(w *walk, it *Item, path string) (*Item, error) {
	scope := it.parent
	if scope == nil {
		scope = t.root
	}

	target, err := t.resolvePathLocked(w, scope, path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %q", it.pathLocked(), ErrUsingNotFound, path)
	}

	if target == it || t.importsLocked(target, it, map[*Item]bool{}) {
		return nil, fmt.Errorf("%s: %w: %q", it.pathLocked(), ErrCircularUsing, path)
	}

	return target, nil
}

func (it *Item) addImporter(imp *Item) {
	it.mu.Lock()
	defer it.mu.Unlock()

	if !slices.Contains(it.importers, imp) {
		it.importers = append(it.importers, imp)
	}
}

// importsLocked reports whether from transitively imports target.
func (t *Tree) importsLocked(from, target *Item, seen map[*Item]bool) bool {
	if seen[from] {
		return false
	}

	seen[from] = true

	from.mu.Lock()
	usings := slices.Clone(from.usings)
	from.mu.Unlock()

	for _, u := range usings {
		if u.item == nil {
			continue
		}

		if u.item == target || t.importsLocked(u.item, target, seen) {
			return true
		}
	}

	return false
}

// AddUsing makes the names of ns visible from it with the highest import
// priority. An existing using of ns is moved to the highest priority.
func (t *Tree) AddUsing(it, ns *Item) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ns == it || t.importsLocked(ns, it, map[*Item]bool{}) {
		return fmt.Errorf("%s using %s: %w", it.pathLocked(), ns.pathLocked(), ErrCircularUsing)
	}

	it.mu.Lock()
	it.usings = slices.DeleteFunc(it.usings, func(u using) bool { return u.item == ns })
	it.usings = append(it.usings, using{item: ns})
	it.mu.Unlock()

	ns.addImporter(it)
	t.markDirtyLocked(it)

	return nil
}

// AddUsingPath registers a using by path. The path is resolved relative to
// it when names are next looked up; a leading "/" starts at the root.
func (t *Tree) AddUsingPath(it *Item, path string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	it.mu.Lock()
	it.usings = append(it.usings, using{path: path})
	it.mu.Unlock()

	t.markDirtyLocked(it)
}

// RemoveUsing drops the using of ns from it.
func (t *Tree) RemoveUsing(it, ns *Item) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.dropUsingLocked(it, ns)
}

func (t *Tree) dropUsingLocked(it, ns *Item) {
	it.mu.Lock()
	it.usings = slices.DeleteFunc(it.usings, func(u using) bool { return u.item == ns })
	it.mu.Unlock()

	ns.importers = removeItem(ns.importers, it)
	t.markDirtyLocked(it)
}

// Usings returns the resolved usings of it, lowest priority first.
func (t *Tree) Usings(it *Item) []*Item {
	t.mu.RLock()
	defer t.mu.RUnlock()

	usings, _ := t.resolveUsingsLocked(newWalk(), it)

	return usings
}

// FindPath resolves a slash separated path from it. The first segment is
// resolved through [Tree.Find]; later segments name direct children. A
// leading "/" starts at the root.
func (t *Tree) FindPath(it *Item, path string) (*Item, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.resolvePathLocked(newWalk(), it, path)
}

func (t *Tree) resolvePathLocked(w *walk, it *Item, path string) (*Item, error) {
	cur := it
	rest := path

	if strings.HasPrefix(path, "/") {
		cur = t.root
		rest = strings.TrimLeft(path, "/")
	}

	if rest == "" {
		return cur, nil
	}

	segs := strings.Split(rest, "/")

	if !strings.HasPrefix(path, "/") {
		first, err := t.findLocked(w, cur, segs[0])
		if err != nil {
			return nil, err
		}

		cur = first
		segs = segs[1:]
	}

	for _, s := range segs {
		if s == "" {
			continue
		}

		next := cur.childLocked(s)
		if next == nil {
			return nil, fmt.Errorf("find %q: %w: %q in %s", path, ErrNotFound, s, cur.pathLocked())
		}

		cur = next
	}

	return cur, nil
}
