// Package calc is the demand-driven calculation engine.
//
// An [Engine] owns a configuration tree of named definitions and a cache
// tree of results. Evaluating an expression resolves its references through
// the configuration namespace, expands them into a canonical key and
// returns a held reference to the single result for that key. Results are
// computed through the actor graph, registered in the store and, once
// committed, written as tile files and reused by later sessions.
package calc

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/calvinalkan/gridcalc/internal/actor"
	"github.com/calvinalkan/gridcalc/internal/expr"
	"github.com/calvinalkan/gridcalc/internal/fs"
	"github.com/calvinalkan/gridcalc/internal/store"
	"github.com/calvinalkan/gridcalc/internal/tile"
	"github.com/calvinalkan/gridcalc/internal/tree"
	"github.com/calvinalkan/gridcalc/internal/unit"
)

// Options configures an [Engine].
type Options struct {
	// Workers bounds parallel tiles and parallel suppliers. Defaults to 4.
	Workers int

	// TileSize is the number of elements per tile of new units. Zero keeps
	// units in a single tile.
	TileSize int64

	// Store enables persistence. Without it results live in memory only.
	Store *store.Manager

	// Driver reads and writes result tiles. Defaults to a
	// [store.LocalDriver] over Store.
	Driver store.StorageDriver

	// Registry defaults to [Builtins].
	Registry *Registry

	FS         fs.FS
	Logger     *zap.Logger
	Registerer prometheus.Registerer
}

// definition is the payload of a configuration item.
type definition struct {
	x expr.Expr
}

// Engine is one calculation session.
type Engine struct {
	log       *zap.Logger
	metrics   *metrics
	reg       *Registry
	graph     *actor.Graph
	cfg       *tree.Tree
	cache     *tree.Tree
	runner    *tile.Runner
	fsys      fs.FS
	tileSize  int64
	store     *store.Manager
	driver    store.StorageDriver
	ownDriver *store.LocalDriver

	// rw is held shared by evaluations and exclusively by mutations.
	rw     sync.RWMutex
	closed bool

	flight singleflight.Group
	seq    atomic.Uint64
	gate   tile.Gate

	mu      sync.Mutex
	memo    map[string]*entry
	orphans []*entry
	resized []*entry

	watchMu sync.Mutex
	watcher *store.Watcher
	watched map[string]bool
}

// NewEngine returns an engine with empty trees.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}

	if opts.TileSize < 0 {
		return nil, fmt.Errorf("new engine: %w", unit.ErrInvalidTileSize)
	}

	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	if opts.Registry == nil {
		opts.Registry = Builtins()
	}

	if opts.FS == nil {
		opts.FS = fs.NewReal()
	}

	runner, err := tile.NewRunner(opts.Workers, opts.Logger.Named("tile"))
	if err != nil {
		return nil, fmt.Errorf("new engine: %w", err)
	}

	graph := actor.NewGraph(actor.Options{
		Workers:    opts.Workers,
		Logger:     opts.Logger.Named("actor"),
		Registerer: opts.Registerer,
	})

	e := &Engine{
		log:      opts.Logger,
		metrics:  newMetrics(opts.Registerer),
		reg:      opts.Registry,
		graph:    graph,
		cfg:      tree.New("config", graph),
		cache:    tree.New("cache", graph),
		runner:   runner,
		fsys:     opts.FS,
		tileSize: opts.TileSize,
		store:    opts.Store,
		driver:   opts.Driver,
		memo:     make(map[string]*entry),
		watched:  make(map[string]bool),
	}

	if e.store != nil && e.driver == nil {
		e.ownDriver = store.NewLocalDriver(e.store)
		e.driver = e.ownDriver
	}

	return e, nil
}

// Graph returns the engine's actor graph.
func (e *Engine) Graph() *actor.Graph { return e.graph }

// Config returns the configuration tree.
func (e *Engine) Config() *tree.Tree { return e.cfg }

// Cache returns the result tree.
func (e *Engine) Cache() *tree.Tree { return e.cache }

// Registry returns the operator registry.
func (e *Engine) Registry() *Registry { return e.reg }

// Suspend stops tiled computations from starting further tiles. Tiles that
// are running finish; evaluations block until [Engine.Resume] or until their
// context ends. An evaluation cancelled while suspended keeps its finished
// tiles and continues from them when demanded again.
func (e *Engine) Suspend() {
	e.gate.Suspend()
	e.log.Info("tile processing suspended")
}

// Resume lets suspended computations continue.
func (e *Engine) Resume() {
	e.gate.Resume()
	e.log.Info("tile processing resumed")
}

// Suspended reports whether tile processing is suspended.
func (e *Engine) Suspended() bool { return e.gate.Suspended() }

// Mutate runs fn while no evaluation is in progress. Structural changes of
// the configuration tree go through it.
func (e *Engine) Mutate(fn func() error) error {
	e.rw.Lock()
	defer e.rw.Unlock()

	if e.closed {
		return ErrClosed
	}

	return fn()
}

func cleanPath(p string) string {
	return path.Clean("/" + p)
}

// childNamed returns the direct child of parent named name, or nil.
func childNamed(parent *tree.Item, name string) *tree.Item {
	for _, c := range parent.Children() {
		if c.Name() == name {
			return c
		}
	}

	return nil
}

// lookupPath returns the configuration item at the absolute path p.
func (e *Engine) lookupPath(p string) (*tree.Item, error) {
	return e.cfg.FindPath(e.cfg.Root(), cleanPath(p))
}

// Define adds a definition at path, creating missing containers. Results
// expanded from the surrounding scope are dropped, since the new name may
// shadow what they resolved to.
func (e *Engine) Define(p string, x expr.Expr) (*tree.Item, error) {
	p = cleanPath(p)
	if p == "/" {
		return nil, fmt.Errorf("define %s: %w", p, tree.ErrRootMutation)
	}

	var it *tree.Item

	err := e.Mutate(func() error {
		parent := e.cfg.Root()
		segs := strings.Split(strings.TrimPrefix(p, "/"), "/")

		for _, s := range segs[:len(segs)-1] {
			next := childNamed(parent, s)
			if next == nil {
				var err error

				next, err = e.cfg.NewItem(parent, s, tree.Container)
				if err != nil {
					return err
				}
			}

			parent = next
		}

		var err error

		it, err = e.cfg.NewItem(parent, segs[len(segs)-1], e.kindOf(x))
		if err != nil {
			return err
		}

		it.SetPayload(&definition{x: x})
		e.dropSourcesLocked(parent.Path())

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("define %s: %w", p, err)
	}

	return it, nil
}

func (e *Engine) kindOf(x expr.Expr) tree.Kind {
	if x.Kind() == expr.KindCall {
		if op, ok := e.reg.Lookup(x.Op()); ok {
			return op.Result
		}
	}

	return tree.DataKind
}

// Definition returns the expression defined at path.
func (e *Engine) Definition(p string) (expr.Expr, error) {
	it, err := e.lookupPath(p)
	if err != nil {
		return expr.Expr{}, err
	}

	def, ok := it.Payload().(*definition)
	if !ok {
		return expr.Expr{}, fmt.Errorf("%s: %w", it.Path(), ErrNotDefined)
	}

	return def.x, nil
}

// Redefine replaces the expression at path. Results expanded from it are
// dropped and their keys unregistered. References still held keep the
// result of the old expression.
func (e *Engine) Redefine(p string, x expr.Expr) error {
	p = cleanPath(p)

	err := e.Mutate(func() error {
		it, err := e.lookupPath(p)
		if err != nil {
			return err
		}

		if _, ok := it.Payload().(*definition); !ok {
			return fmt.Errorf("%s: %w", p, ErrNotDefined)
		}

		it.SetPayload(&definition{x: x})
		it.SetFailure(nil)
		e.dropSourcesLocked(p)

		return nil
	})
	if err != nil {
		return fmt.Errorf("redefine %s: %w", p, err)
	}

	return nil
}

// Use makes the names of the item at ns visible from the item at path.
func (e *Engine) Use(p, ns string) error {
	p = cleanPath(p)

	err := e.Mutate(func() error {
		it, err := e.lookupPath(p)
		if err != nil {
			return err
		}

		target, err := e.lookupPath(ns)
		if err != nil {
			return err
		}

		err = e.cfg.AddUsing(it, target)
		if err != nil {
			return err
		}

		e.dropSourcesLocked(p)

		return nil
	})
	if err != nil {
		return fmt.Errorf("use %s from %s: %w", ns, p, err)
	}

	return nil
}

// Invalidate drops every result expanded from the item at path or below
// it and unregisters their keys. Results that are still held are
// recomputed.
func (e *Engine) Invalidate(ctx context.Context, p string) error {
	p = cleanPath(p)

	var held []*entry

	err := e.Mutate(func() error {
		held = e.dropSourcesLocked(p)

		var errs []error

		for _, en := range held {
			if err := e.unload(ctx, en); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", en.key, err))
			}
		}

		return errors.Join(errs...)
	})
	if err != nil {
		return fmt.Errorf("invalidate %s: %w", p, err)
	}

	return e.invalidateEntries(ctx, held)
}

// roots returns the entries of ens that do not depend on another one of
// them. Invalidating the roots reaches the rest through the graph.
func roots(ens []*entry) []*entry {
	in := make(map[*entry]bool, len(ens))
	for _, en := range ens {
		in[en] = true
	}

	var out []*entry

	for _, en := range ens {
		seen := make(map[*entry]bool)
		stack := slices.Clone(en.args)
		below := false

		for len(stack) > 0 && !below {
			a := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			if a == nil || seen[a] {
				continue
			}

			seen[a] = true
			below = in[a]
			stack = append(stack, a.args...)
		}

		if !below {
			out = append(out, en)
		}
	}

	return out
}

// dropSourcesLocked removes the entries derived from prefix from the memo
// and retires those that are no longer used. It returns the ones still
// held.
func (e *Engine) dropSourcesLocked(prefix string) []*entry {
	e.mu.Lock()

	var dropped []*entry

	for key, en := range e.memo {
		if !en.derivesFrom(prefix) {
			continue
		}

		delete(e.memo, key)

		en.mu.Lock()
		en.orphaned = true
		en.mu.Unlock()

		dropped = append(dropped, en)
	}

	e.orphans = append(e.orphans, dropped...)
	e.metrics.entries.Set(float64(len(e.memo)))
	e.mu.Unlock()

	for _, en := range dropped {
		if e.store != nil {
			e.store.Unregister(en.key)
		}
	}

	e.metrics.invalidations.Add(float64(len(dropped)))
	e.retireOrphansLocked()

	var held []*entry

	for _, en := range dropped {
		if !en.isRetired() {
			held = append(held, en)
		}
	}

	if len(dropped) > 0 {
		e.log.Debug("dropped derived results",
			zap.String("source", prefix),
			zap.Int("dropped", len(dropped)),
			zap.Int("held", len(held)))
	}

	return held
}

// retireOrphansLocked retires dropped entries that are no longer used,
// dependents before their suppliers.
func (e *Engine) retireOrphansLocked() {
	e.mu.Lock()
	pending := e.orphans
	e.orphans = nil
	e.mu.Unlock()

	for progress := true; progress; {
		progress = false
		rest := pending[:0]

		for _, en := range pending {
			switch {
			case en.isRetired():
			case e.retire(en):
				progress = true
			default:
				rest = append(rest, en)
			}
		}

		pending = rest
	}

	e.mu.Lock()
	e.orphans = append(e.orphans, pending...)
	e.mu.Unlock()
}

// invalidateEntries marks ens and their dependents dirty and recomputes the
// held ones.
func (e *Engine) invalidateEntries(ctx context.Context, ens []*entry) error {
	if len(ens) == 0 {
		return nil
	}

	e.rw.RLock()
	defer e.rw.RUnlock()

	var errs []error

	for _, en := range roots(ens) {
		if en.isRetired() || !e.graph.Valid(en.h) {
			continue
		}

		if err := e.graph.Invalidate(ctx, en.h); err != nil {
			if ctx.Err() != nil {
				return err
			}

			errs = append(errs, err)
		}
	}

	for _, en := range ens {
		if !en.isRetired() {
			e.syncFailures(en)
		}
	}

	return errors.Join(errs...)
}

// Evaluate resolves x from the configuration root, makes sure its result
// is computed and returns a held reference to it. A failed computation
// returns the [*actor.Failure], which is also attached to the result item.
func (e *Engine) Evaluate(ctx context.Context, x expr.Expr) (Ref, error) {
	return e.evaluate(ctx, x, "")
}

// EvaluatePath evaluates the definition at path. A failure is attached to
// the configuration item as well.
func (e *Engine) EvaluatePath(ctx context.Context, p string) (Ref, error) {
	p = cleanPath(p)

	return e.evaluate(ctx, expr.Ref(p), p)
}

func (e *Engine) evaluate(ctx context.Context, x expr.Expr, origin string) (Ref, error) {
	e.rw.RLock()
	defer e.rw.RUnlock()

	if e.closed {
		return nil, ErrClosed
	}

	o, err := e.instantiate(ctx, x, e.cfg.Root(), newWalk())
	if err != nil {
		return nil, fmt.Errorf("evaluate %s: %w", x, err)
	}

	en := o.en
	if en == nil {
		return nil, fmt.Errorf("evaluate %s: %w: not a calculation", x, ErrArgument)
	}

	en.notePath(origin)

	guard := e.graph.Acquire(en.h)
	err = e.graph.Demand(ctx, en.h)
	f := e.syncFailures(en)

	if origin != "" {
		if it, lerr := e.lookupPath(origin); lerr == nil {
			it.SetFailure(f)
		}
	}

	if err != nil {
		guard.Release()
		e.retireTransients([]*entry{en})

		return nil, err
	}

	e.metrics.evaluations.WithLabelValues(o.origin).Inc()

	return newRef(e, en, guard), nil
}

// syncFailures copies node failures onto the result items of en and its
// arguments and returns the failure of en.
func (e *Engine) syncFailures(en *entry) *actor.Failure {
	seen := make(map[*entry]bool)

	var visit func(x *entry)

	visit = func(x *entry) {
		if x == nil || seen[x] || x.isRetired() {
			return
		}

		seen[x] = true
		x.item.SetFailure(e.graph.Failure(x.h))

		for _, a := range x.args {
			visit(a)
		}
	}

	visit(en)

	return en.item.Failure()
}

// Commit persists a pending result and returns it as committed. p is
// released; the interest it held moves to the returned reference.
func (e *Engine) Commit(ctx context.Context, p *Pending) (*Committed, error) {
	e.rw.RLock()
	defer e.rw.RUnlock()

	if e.closed {
		return nil, ErrClosed
	}

	if !p.held() {
		return nil, fmt.Errorf("commit %s: %w", p.Key(), ErrReleased)
	}

	if e.store != nil {
		lock, err := e.store.Lock(ctx, p.en.key)
		if err != nil {
			return nil, fmt.Errorf("commit %s: %w", p.Key(), err)
		}

		err = errors.Join(e.persist(p.en), lock.Release())
		if err != nil {
			return nil, fmt.Errorf("commit %s: %w", p.Key(), err)
		}
	} else {
		p.en.mu.Lock()
		p.en.committed = true
		p.en.mu.Unlock()
	}

	return &Committed{ref: ref{e: e, en: p.en, guard: p.take()}}, nil
}

// Flush persists every calculated result that is not committed yet and
// returns how many were written. Records are locked child before parent.
func (e *Engine) Flush(ctx context.Context) (int, error) {
	e.rw.RLock()
	defer e.rw.RUnlock()

	if e.closed {
		return 0, ErrClosed
	}

	if e.store == nil {
		return 0, nil
	}

	e.mu.Lock()

	var pending []*entry

	for _, en := range e.memo {
		if !en.isCommitted() && en.item.Payload() != nil {
			pending = append(pending, en)
		}
	}

	e.mu.Unlock()

	if len(pending) == 0 {
		return 0, nil
	}

	reqs := make([]store.LockRequest, len(pending))
	for i, en := range pending {
		reqs[i] = store.LockRequest{Key: en.key, Path: en.lockPath(), Mode: fs.Exclusive}
	}

	set, err := e.store.LockOrdered(ctx, reqs)
	if err != nil {
		return 0, fmt.Errorf("flush: %w", err)
	}

	var (
		errs    []error
		written int
	)

	for _, en := range pending {
		if en.isCommitted() {
			continue
		}

		if err := e.persist(en); err != nil {
			errs = append(errs, err)

			continue
		}

		written++
	}

	errs = append(errs, set.Release())

	if err := errors.Join(errs...); err != nil {
		return written, fmt.Errorf("flush: %w", err)
	}

	return written, nil
}

// SourceChanged recomputes the results that read the external file at
// path. Their keys are unregistered first; results loaded from the store
// are reattached to their arguments.
func (e *Engine) SourceChanged(ctx context.Context, p string) error {
	p = filepath.Clean(p)

	var readers []*entry

	err := e.Mutate(func() error {
		var targets []*entry

		e.mu.Lock()
		for _, en := range e.memo {
			if slices.Contains(en.files, p) {
				targets = append(targets, en)
			}
		}
		e.mu.Unlock()

		var errs []error

		for _, en := range targets {
			if e.store != nil {
				e.store.Unregister(en.key)
			}

			if err := e.unload(ctx, en); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", en.key, err))
			}

			if slices.Contains(en.ownFiles(), p) {
				readers = append(readers, en)
			}
		}

		e.metrics.invalidations.Add(float64(len(targets)))

		return errors.Join(errs...)
	})
	if err != nil {
		return fmt.Errorf("source changed %s: %w", p, err)
	}

	e.log.Debug("source changed", zap.String("path", p), zap.Int("readers", len(readers)))

	return e.invalidateEntries(ctx, readers)
}

// Watch starts reporting changes of external sources to
// [Engine.SourceChanged]. Sources read so far are watched immediately,
// later ones when they are first read.
func (e *Engine) Watch(ctx context.Context, debounce time.Duration) error {
	w, err := store.NewWatcher(func(p string) {
		if err := e.SourceChanged(ctx, p); err != nil && !errors.Is(err, ErrClosed) {
			e.log.Warn("recompute after source change", zap.String("path", p), zap.Error(err))
		}
	}, debounce, e.log.Named("watch"))
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}

	e.mu.Lock()

	var files []string
	for _, en := range e.memo {
		files = append(files, en.ownFiles()...)
	}

	e.mu.Unlock()

	e.watchMu.Lock()

	if e.watcher != nil {
		e.watchMu.Unlock()

		return errors.Join(errors.New("watch: already watching"), w.Close())
	}

	e.watcher = w

	for _, f := range files {
		if e.watched[f] {
			continue
		}

		if err := w.Track(f); err != nil {
			e.log.Warn("watch source", zap.String("path", f), zap.Error(err))

			continue
		}

		e.watched[f] = true
	}

	e.watchMu.Unlock()

	w.Start(ctx)

	return nil
}

// Retile splits the unit held by r into tiles of tileSize elements, or
// merges it into one tile when tileSize is zero. Data over the unit is
// recomputed in the new layout.
func (e *Engine) Retile(ctx context.Context, r Ref, tileSize int64) error {
	var resized []*entry

	err := e.Mutate(func() error {
		u, err := UnitOf(r)
		if err != nil {
			return err
		}

		e.mu.Lock()
		e.resized = nil
		e.mu.Unlock()

		if tileSize > 0 {
			_, err = u.Split(tileSize)
		} else {
			_, err = u.Merge()
		}

		e.mu.Lock()
		resized = e.resized
		e.resized = nil
		e.mu.Unlock()

		return err
	})
	if err != nil {
		return fmt.Errorf("retile %s: %w", r.Key(), err)
	}

	return e.invalidateEntries(ctx, resized)
}

// Trim retires every result that is neither held nor used by another
// result and drops the retained data of the rest that is not held. Results
// that were not committed are lost; their records stay registered and are
// recomputed on the next lookup.
func (e *Engine) Trim() (int, error) {
	retired := 0

	err := e.Mutate(func() error {
		e.mu.Lock()

		all := make([]*entry, 0, len(e.memo)+len(e.orphans))
		for _, en := range e.memo {
			all = append(all, en)
		}

		all = append(all, e.orphans...)
		e.orphans = nil
		e.mu.Unlock()

		for progress := true; progress; {
			progress = false
			rest := all[:0]

			for _, en := range all {
				if e.retire(en) {
					retired++
					progress = true

					continue
				}

				rest = append(rest, en)
			}

			all = rest
		}

		e.mu.Lock()
		for key, en := range e.memo {
			if en.isRetired() {
				delete(e.memo, key)
			}
		}

		for _, en := range all {
			if !en.isRetired() && en.orphaned {
				e.orphans = append(e.orphans, en)
			}
		}

		e.metrics.entries.Set(float64(len(e.memo)))
		e.mu.Unlock()

		e.graph.ReleaseUninterested()

		return nil
	})

	return retired, err
}

// Snapshot is a read-only view of both trees.
type Snapshot struct {
	Config tree.Snapshot `json:"config" yaml:"config"`
	Cache  tree.Snapshot `json:"cache"  yaml:"cache"`
}

// Snapshot copies the configuration and result trees with their states and
// failures.
func (e *Engine) Snapshot(withHidden bool) Snapshot {
	return Snapshot{
		Config: e.cfg.Snapshot(e.cfg.Root(), withHidden),
		Cache:  e.cache.Snapshot(e.cache.Root(), withHidden),
	}
}

// Close stops watching, commits pending results and closes the driver the
// engine created. The store stays open.
func (e *Engine) Close(ctx context.Context) error {
	e.rw.RLock()
	closed := e.closed
	e.rw.RUnlock()

	if closed {
		return nil
	}

	var errs []error

	e.watchMu.Lock()
	w := e.watcher
	e.watcher = nil
	e.watchMu.Unlock()

	if w != nil {
		errs = append(errs, w.Close())
	}

	if _, err := e.Flush(ctx); err != nil && !errors.Is(err, ErrClosed) {
		errs = append(errs, err)
	}

	e.rw.Lock()
	already := e.closed
	e.closed = true
	e.rw.Unlock()

	if !already && e.ownDriver != nil {
		errs = append(errs, e.ownDriver.Close())
	}

	return errors.Join(errs...)
}
