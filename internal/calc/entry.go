package calc

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/calvinalkan/gridcalc/internal/actor"
	"github.com/calvinalkan/gridcalc/internal/expr"
	"github.com/calvinalkan/gridcalc/internal/store"
	"github.com/calvinalkan/gridcalc/internal/tile"
	"github.com/calvinalkan/gridcalc/internal/tree"
	"github.com/calvinalkan/gridcalc/internal/unit"
)

// entry is one instantiated calculation: a result item in the cache tree
// and its actor node.
type entry struct {
	key      string
	x        expr.Expr
	op       *Operator
	args     []*entry // nil at literal positions
	volatile bool
	files    []string // external sources, transitive
	origin   string   // build origin, for metrics

	item *tree.Item
	h    actor.Handle

	mu        sync.Mutex
	base      string
	blob      []byte
	sources   []string // config items the expression was expanded from
	path      string   // config path it was first requested by
	loaded    bool     // the node reads the store instead of its arguments
	committed bool
	orphaned  bool
	retired   bool
	hooked    *unit.Unit
	unhook    func()

	// Tiles finished by an interrupted computation over progArgs.
	progress *tile.Progress
	progArgs []any
}

// progressFor returns the tile progress of an earlier interrupted attempt
// over the same argument results, or a fresh one.
func (en *entry) progressFor(args []any, gate *tile.Gate) *tile.Progress {
	if en.volatile {
		return nil
	}

	en.mu.Lock()
	defer en.mu.Unlock()

	if en.progress == nil || !slices.Equal(en.progArgs, args) {
		en.progress = tile.NewProgress(gate)
		en.progArgs = args
	}

	return en.progress
}

// settleProgress keeps the progress only when the attempt was interrupted.
func (en *entry) settleProgress(ctx context.Context, err error) {
	if err != nil && ctx.Err() != nil {
		return
	}

	en.mu.Lock()
	en.progress = nil
	en.progArgs = nil
	en.mu.Unlock()
}

func (en *entry) addSources(paths []string) {
	if len(paths) == 0 {
		return
	}

	en.mu.Lock()
	defer en.mu.Unlock()

	for _, p := range paths {
		if !slices.Contains(en.sources, p) {
			en.sources = append(en.sources, p)
		}
	}
}

// derivesFrom reports whether the entry was expanded from the item at
// prefix or from an item below it.
func (en *entry) derivesFrom(prefix string) bool {
	en.mu.Lock()
	defer en.mu.Unlock()

	for _, s := range en.sources {
		if prefix == "/" || s == prefix || strings.HasPrefix(s, prefix+"/") {
			return true
		}
	}

	return false
}

func (en *entry) notePath(path string) {
	if path == "" {
		return
	}

	en.mu.Lock()
	if en.path == "" {
		en.path = path
	}
	en.mu.Unlock()
}

func (en *entry) lockPath() string {
	en.mu.Lock()
	defer en.mu.Unlock()

	if en.path != "" {
		return en.path
	}

	return en.item.Path()
}

// ownFiles returns the files read by the entry's own operator.
func (en *entry) ownFiles() []string {
	if en.op.Files == nil {
		return nil
	}

	return en.op.Files(en.x)
}

func (en *entry) supplierHandles() []actor.Handle {
	var hs []actor.Handle

	for _, a := range en.args {
		if a != nil && !slices.Contains(hs, a.h) {
			hs = append(hs, a.h)
		}
	}

	return hs
}

func (en *entry) isLoaded() bool {
	en.mu.Lock()
	defer en.mu.Unlock()

	return en.loaded
}

func (en *entry) isCommitted() bool {
	en.mu.Lock()
	defer en.mu.Unlock()

	return en.committed
}

// operand is an instantiated argument: an entry or a literal.
type operand struct {
	en      *entry
	lit     expr.Expr
	sources []string
	origin  string
}

type walk struct {
	visiting map[*tree.Item]bool
}

func newWalk() *walk { return &walk{visiting: make(map[*tree.Item]bool)} }

// instantiate resolves the references of x from scope and returns the entry
// of the resulting calculation. Non-volatile calculations are shared per
// canonical key.
func (e *Engine) instantiate(ctx context.Context, x expr.Expr, scope *tree.Item, w *walk) (operand, error) {
	switch x.Kind() {
	case expr.KindRef:
		it, err := e.cfg.FindPath(scope, x.Text())
		if err != nil {
			return operand{}, fmt.Errorf("resolve %q from %s: %w", x.Text(), scope.Path(), err)
		}

		def, ok := it.Payload().(*definition)
		if !ok {
			return operand{}, fmt.Errorf("%s: %w", it.Path(), ErrNotDefined)
		}

		if w.visiting[it] {
			return operand{}, fmt.Errorf("%s: %w", it.Path(), ErrCircularDefinition)
		}

		w.visiting[it] = true
		defer delete(w.visiting, it)

		o, err := e.instantiate(ctx, def.x, it, w)
		if err != nil {
			return operand{}, err
		}

		o.sources = append(o.sources, it.Path())

		if o.en != nil {
			o.en.addSources(o.sources)
		}

		return o, nil
	case expr.KindCall:
		return e.instantiateCall(ctx, x, scope, w)
	default:
		return operand{lit: x}, nil
	}
}

func (e *Engine) instantiateCall(ctx context.Context, x expr.Expr, scope *tree.Item, w *walk) (operand, error) {
	op, ok := e.reg.Lookup(x.Op())
	if !ok {
		return operand{}, fmt.Errorf("%w: %q", ErrUnknownOperator, x.Op())
	}

	err := op.checkArity(x.NArgs())
	if err != nil {
		return operand{}, err
	}

	var (
		args     = make([]*entry, x.NArgs())
		exprs    = make([]expr.Expr, x.NArgs())
		sources  []string
		files    []string
		volatile = op.Volatile
	)

	for i, a := range x.Args() {
		o, err := e.instantiate(ctx, a, scope, w)
		if err != nil {
			e.retireTransients(args)

			return operand{}, err
		}

		args[i] = o.en
		sources = append(sources, o.sources...)

		if o.en == nil {
			exprs[i] = o.lit

			continue
		}

		exprs[i] = o.en.x
		volatile = volatile || o.en.volatile
		files = append(files, o.en.files...)
	}

	expanded := expr.Call(op.Name, exprs...)

	if op.Files != nil {
		files = append(files, op.Files(expanded)...)
	}

	slices.Sort(files)
	files = slices.Compact(files)

	if volatile {
		en, err := e.build(op, expanded, args, sources, files, true)
		if err != nil {
			e.retireTransients(args)

			return operand{}, err
		}

		return operand{en: en, sources: sources, origin: originTransient}, nil
	}

	en, origin, err := e.memoized(expanded.Key(), func() (*entry, error) {
		return e.build(op, expanded, args, sources, files, false)
	})
	if err != nil {
		return operand{}, err
	}

	en.addSources(sources)

	return operand{en: en, sources: sources, origin: origin}, nil
}

// memoized returns the entry for key, building it at most once.
func (e *Engine) memoized(key string, build func() (*entry, error)) (*entry, string, error) {
	e.mu.Lock()
	en, ok := e.memo[key]
	e.mu.Unlock()

	if ok {
		return en, originMemo, nil
	}

	v, err, _ := e.flight.Do(key, func() (any, error) {
		e.mu.Lock()
		en, ok := e.memo[key]
		e.mu.Unlock()

		if ok {
			return en, nil
		}

		en, err := build()
		if err != nil {
			return nil, err
		}

		e.mu.Lock()
		e.memo[key] = en
		e.metrics.entries.Set(float64(len(e.memo)))
		e.mu.Unlock()

		return en, nil
	})
	if err != nil {
		return nil, "", err
	}

	en = v.(*entry) //nolint:forcetypeassert // the flight only returns entries

	return en, en.origin, nil
}

// build creates the result item and actor node of a calculation. A valid
// store record whose dataset exists makes the node load instead of compute.
func (e *Engine) build(op *Operator, x expr.Expr, args []*entry, sources, files []string, volatile bool) (*entry, error) {
	key := x.Key()

	en := &entry{
		key:      key,
		x:        x,
		op:       op,
		args:     args,
		volatile: volatile,
		files:    files,
		origin:   originComputed,
		base:     expr.FileNameBase(key),
		sources:  slices.Compact(slices.Sorted(slices.Values(sources))),
	}

	name := en.base

	switch {
	case volatile:
		en.origin = originTransient
		name = fmt.Sprintf("%s.t%d", en.base, e.seq.Add(1))
	case e.store != nil:
		if rec, ok := e.store.Lookup(key); ok {
			_, err := e.driver.ReadUnitRange(rec.FileNameBase)
			if err == nil {
				en.loaded, en.committed = true, true
				en.base, en.blob = rec.FileNameBase, rec.Blob
				en.origin = originStore
			} else {
				e.log.Debug("record without dataset", zap.String("key", key), zap.Error(err))
				e.store.Unregister(key)
			}
		}
	}

	item, err := e.cache.NewItem(e.cache.Root(), name, op.Result)
	if errors.Is(err, tree.ErrDuplicateName) {
		item, err = e.cache.NewItem(e.cache.Root(), fmt.Sprintf("%s.%d", name, e.seq.Add(1)), op.Result)
	}

	if err != nil {
		return nil, fmt.Errorf("create result item for %s: %w", key, err)
	}

	item.SetFlags(tree.Endogenous)

	if !volatile {
		item.SetFlags(tree.Storable)
	}

	var suppliers []actor.Handle
	if !en.loaded {
		suppliers = en.supplierHandles()
	}

	h, err := e.graph.Add(actor.Spec{
		Name:      key,
		Suppliers: suppliers,
		Compute:   func(ctx context.Context) error { return e.compute(ctx, en) },
		Release:   func() { item.SetPayload(nil) },
	})
	if err != nil {
		_ = e.cache.Delete(item)

		return nil, fmt.Errorf("create node for %s: %w", key, err)
	}

	item.SetHandle(h)
	en.item, en.h = item, h

	return en, nil
}

// compute is the node function of an entry.
func (e *Engine) compute(ctx context.Context, en *entry) error {
	loaded := en.isLoaded()

	var (
		payload any
		err     error
	)

	if loaded {
		payload, err = e.load(ctx, en)
	} else {
		payload, err = e.run(ctx, en)
	}

	if err != nil {
		return err
	}

	en.item.SetPayload(payload)
	e.hookResize(en, payload)

	if !loaded {
		en.mu.Lock()
		en.committed = false
		en.mu.Unlock()

		e.register(en, payload)
	}

	return nil
}

func (e *Engine) run(ctx context.Context, en *entry) (any, error) {
	for _, f := range en.ownFiles() {
		e.trackFile(f)
	}

	args := make([]any, len(en.args))

	for i, a := range en.args {
		if a == nil {
			continue
		}

		p := a.item.Payload()
		if p == nil {
			return nil, &actor.Failure{Msg: fmt.Sprintf("argument %d has no result", i), Fatal: true}
		}

		args[i] = p
	}

	c := &Call{
		Expr:     en.x,
		args:     args,
		fsys:     e.fsys,
		runner:   e.runner,
		progress: en.progressFor(args, &e.gate),
		tileSize: e.tileSize,
	}

	payload, err := en.op.Eval(ctx, c)
	en.settleProgress(ctx, err)

	return payload, err
}

// trackFile maps the current modification time of an external source to a
// logical timestamp and watches it when a watcher runs.
func (e *Engine) trackFile(path string) {
	if e.store != nil {
		if _, err := e.store.TrackFile(path); err != nil {
			e.log.Debug("track source", zap.String("path", path), zap.Error(err))
		}
	}

	e.watchMu.Lock()
	defer e.watchMu.Unlock()

	if e.watcher == nil || e.watched[path] {
		return
	}

	if err := e.watcher.Track(path); err != nil {
		e.log.Warn("watch source", zap.String("path", path), zap.Error(err))

		return
	}

	e.watched[path] = true
}

func (e *Engine) register(en *entry, payload any) {
	en.mu.Lock()
	skip := en.volatile || en.orphaned
	base := en.base
	en.mu.Unlock()

	if e.store == nil || skip {
		return
	}

	blob, err := encodeMeta(payload)
	if err != nil {
		e.log.Warn("encode record", zap.String("key", en.key), zap.Error(err))

		return
	}

	rec, added, err := e.store.Register(en.key, store.Record{FileNameBase: base, Blob: blob, Files: en.files})
	if err != nil {
		e.log.Warn("register result", zap.String("key", en.key), zap.Error(err))

		return
	}

	en.mu.Lock()
	en.blob = rec.Blob
	en.mu.Unlock()

	if added {
		e.log.Debug("registered result", zap.String("key", en.key), zap.Uint64("ts", uint64(rec.TimeStamp)))
	}
}

// load reads a persisted result under the record's shared lock.
func (e *Engine) load(ctx context.Context, en *entry) (_ any, err error) {
	lock, err := e.store.RLock(ctx, en.key)
	if err != nil {
		return nil, err
	}

	defer func() { err = errors.Join(err, lock.Release()) }()

	en.mu.Lock()
	base, blob := en.base, en.blob
	en.mu.Unlock()

	m, err := decodeMeta(blob)
	if err != nil {
		return nil, err
	}

	if m.Kind == metaKindUnit {
		return unitFromMeta(m.Unit)
	}

	dom, err := unitFromMeta(m.Domain)
	if err != nil {
		return nil, err
	}

	vals, err := unitFromMeta(m.Values)
	if err != nil {
		return nil, err
	}

	col, err := e.readColumn(base, *m.Column)
	if err != nil {
		return nil, err
	}

	d := &Data{Domain: dom, Values: vals, Col: col}

	for name, cm := range m.Extra {
		c, err := e.readColumn(base+"."+name, cm)
		if err != nil {
			return nil, err
		}

		if d.Extra == nil {
			d.Extra = make(map[string]Column)
		}

		d.Extra[name] = c
	}

	return d, nil
}

func (e *Engine) readColumn(base string, cm columnMeta) (Column, error) {
	vt, t, err := cm.layout()
	if err != nil {
		return nil, err
	}

	h, err := e.driver.ReadUnitRange(base)
	if err != nil {
		return nil, err
	}

	if h.ValueType != vt || h.Tiles != t.Count() {
		return nil, fmt.Errorf("dataset %s: %w: %s in %d tiles, want %s in %d", base, ErrShape, h.ValueType, h.Tiles, vt, t.Count())
	}

	tiles := make([][]byte, h.Tiles)

	for id := range h.Tiles {
		tiles[id], err = e.driver.ReadTile(base, id)
		if err != nil {
			return nil, err
		}
	}

	return decodeColumn(vt, t, tiles)
}

// persist writes the entry's result through the driver. The caller holds
// the record's exclusive lock.
func (e *Engine) persist(en *entry) error {
	if en.isCommitted() {
		return nil
	}

	en.mu.Lock()
	base := en.base
	en.mu.Unlock()

	switch p := en.item.Payload().(type) {
	case *unit.Unit:
		b, end, _ := p.Bounds()

		err := e.writeDataset(base, store.TileHeader{ValueType: p.ValueType(), Begin: b, End: end}, nil)
		if err != nil {
			return err
		}
	case *Data:
		// Extras first: the primary dataset marks the result as present.
		for name, c := range p.Extra {
			if err := e.writeColumn(base+"."+name, c); err != nil {
				return err
			}
		}

		if err := e.writeColumn(base, p.Col); err != nil {
			return err
		}
	case nil:
		return fmt.Errorf("persist %s: %w", en.key, ErrNotCalculated)
	default:
		return fmt.Errorf("persist %s: %w: %T", en.key, ErrResultType, p)
	}

	en.mu.Lock()
	en.committed = true
	en.mu.Unlock()

	e.metrics.commits.Inc()
	e.log.Debug("committed result", zap.String("key", en.key), zap.String("base", base))

	return nil
}

func (e *Engine) writeColumn(base string, c Column) error {
	tiles := c.encodeTiles()

	return e.writeDataset(base, store.TileHeader{ValueType: c.ValueType(), End: c.Len(), Tiles: uint32(len(tiles))}, tiles)
}

func (e *Engine) writeDataset(base string, h store.TileHeader, tiles [][]byte) error {
	err := e.driver.WriteUnitRange(base, h)
	if err != nil {
		return err
	}

	for id, t := range tiles {
		if err := e.driver.WriteTile(base, uint32(id), t); err != nil {
			return err
		}
	}

	return e.driver.Commit(base)
}

// hookResize makes a data entry follow resizes of its domain.
func (e *Engine) hookResize(en *entry, payload any) {
	d, ok := payload.(*Data)
	if !ok || d.Domain == nil {
		return
	}

	en.mu.Lock()
	defer en.mu.Unlock()

	if en.hooked == d.Domain || en.retired {
		return
	}

	if en.unhook != nil {
		en.unhook()
	}

	en.hooked = d.Domain
	en.unhook = d.Domain.OnResize(func(*unit.Unit, *unit.Tiling, *unit.Tiling) {
		e.mu.Lock()
		e.resized = append(e.resized, en)
		e.mu.Unlock()
	})
}

// unload turns a store-loaded entry back into a computed one so that it
// follows its arguments. Arguments retired in the meantime are instantiated
// again. The caller holds the engine exclusively.
func (e *Engine) unload(ctx context.Context, en *entry) error {
	if !en.isLoaded() {
		return nil
	}

	for i, a := range en.args {
		if a == nil || !a.isRetired() {
			continue
		}

		o, err := e.instantiate(ctx, a.x, e.cfg.Root(), newWalk())
		if err != nil {
			return err
		}

		en.args[i] = o.en
	}

	err := e.graph.Rewire(en.h, en.supplierHandles())
	if err != nil {
		return err
	}

	en.mu.Lock()
	en.loaded = false
	en.mu.Unlock()

	return nil
}

func (en *entry) isRetired() bool {
	en.mu.Lock()
	defer en.mu.Unlock()

	return en.retired
}

// retire removes the entry's item and node. It fails while the node has
// interest or dependents.
func (e *Engine) retire(en *entry) bool {
	if en.isRetired() || !e.graph.Valid(en.h) {
		return false
	}

	if e.graph.Interest(en.h) > 0 || len(e.graph.Dependents(en.h)) > 0 {
		return false
	}

	if err := e.cache.Delete(en.item); err != nil {
		e.log.Debug("retire result item", zap.String("key", en.key), zap.Error(err))

		return false
	}

	if err := e.graph.Remove(en.h); err != nil {
		e.log.Warn("retire result node", zap.String("key", en.key), zap.Error(err))

		return false
	}

	en.mu.Lock()
	en.retired = true
	unhook := en.unhook
	en.unhook, en.hooked = nil, nil
	en.mu.Unlock()

	if unhook != nil {
		unhook()
	}

	return true
}

// retireTransients retires volatile entries and their volatile arguments.
func (e *Engine) retireTransients(ens []*entry) {
	for _, en := range ens {
		if en == nil || !en.volatile {
			continue
		}

		if e.retire(en) {
			e.retireTransients(en.args)
		}
	}
}
