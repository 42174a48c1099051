package calc

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/gridcalc/internal/expr"
	"github.com/calvinalkan/gridcalc/internal/store"
	"github.com/calvinalkan/gridcalc/internal/tile"
	"github.com/calvinalkan/gridcalc/internal/tree"
	"github.com/calvinalkan/gridcalc/internal/unit"
)

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()

	if opts.Registerer == nil {
		opts.Registerer = prometheus.NewRegistry()
	}

	e, err := NewEngine(opts)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	t.Cleanup(func() { _ = e.Close(context.Background()) })

	return e
}

func openTestStore(t *testing.T, dir string) *store.Manager {
	t.Helper()

	m, err := store.Open(context.Background(), store.Options{
		Dir:        dir,
		Persist:    true,
		Registerer: prometheus.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("store.Open(%s): %v", dir, err)
	}

	return m
}

func define(t *testing.T, e *Engine, path, src string) {
	t.Helper()

	if _, err := e.Define(path, expr.MustParse(src)); err != nil {
		t.Fatalf("Define(%s, %s): %v", path, src, err)
	}
}

func evalPath(t *testing.T, e *Engine, path string) Ref {
	t.Helper()

	r, err := e.EvaluatePath(context.Background(), path)
	if err != nil {
		t.Fatalf("EvaluatePath(%s): %v", path, err)
	}

	t.Cleanup(r.Release)

	return r
}

func valuesOf[T unit.Number](t *testing.T, r Ref) []T {
	t.Helper()

	d, err := DataOf(r)
	if err != nil {
		t.Fatalf("DataOf(%s): %v", r.Key(), err)
	}

	vals, ok := ValuesOf[T](d.Col)
	if !ok {
		t.Fatalf("ValuesOf(%s): column holds %s", r.Key(), d.Col.ValueType())
	}

	return vals
}

// defineCounts sets up the pcount example: five zone ids counted over a
// domain of five zones.
func defineCounts(t *testing.T, e *Engine) {
	t.Helper()

	define(t, e, "/zones", `(range "UInt32" 0 5)`)
	define(t, e, "/cells", `(range "UInt16" 0 5)`)
	define(t, e, "/cells/zone", `(array cells "UInt32" 1 1 3 4 0)`)
	define(t, e, "/counts", `(pcount cells/zone zones)`)
}

// countingRegistry returns the builtins plus a "count" operator that
// copies its data argument and records how often it ran.
func countingRegistry(t *testing.T, calls *atomic.Int32, gate <-chan struct{}) *Registry {
	t.Helper()

	reg := Builtins()

	err := reg.Register(Operator{
		Name:    "count",
		Result:  tree.DataKind,
		MinArgs: 1,
		MaxArgs: 1,
		Eval: func(_ context.Context, c *Call) (any, error) {
			calls.Add(1)

			if gate != nil {
				<-gate
			}

			return c.Data(0)
		},
	})
	if err != nil {
		t.Fatalf("Register(count): %v", err)
	}

	return reg
}

func Test_Engine_Evaluate_Counts_Zone_Occurrences(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Options{})
	defineCounts(t, e)

	r := evalPath(t, e, "/counts")

	if _, ok := r.(*Pending); !ok {
		t.Fatalf("EvaluatePath(/counts): got %T, want *Pending", r)
	}

	if diff := cmp.Diff([]uint32{1, 2, 0, 1, 1}, valuesOf[uint32](t, r)); diff != "" {
		t.Fatalf("counts mismatch (-want +got):\n%s", diff)
	}
}

func Test_Engine_Evaluate_Returns_Same_Item_For_Same_Key_Under_Concurrency(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	gate := make(chan struct{})
	e := newTestEngine(t, Options{Registry: countingRegistry(t, &calls, gate)})

	define(t, e, "/dom", `(range "UInt8" 0 3)`)
	define(t, e, "/v", `(array dom "Float64" 1 2 3)`)
	define(t, e, "/a", `(count v)`)
	define(t, e, "/b", `(count /v)`)

	const n = 16

	refs := make([]Ref, n)
	errs := make([]error, n)

	var wg sync.WaitGroup

	for i := range n {
		wg.Add(1)

		go func() {
			defer wg.Done()

			path := "/a"
			if i%2 == 1 {
				path = "/b"
			}

			refs[i], errs[i] = e.EvaluatePath(context.Background(), path)
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i := range n {
		require.NoError(t, errs[i])
		require.Same(t, refs[0].Item(), refs[i].Item())
		require.Equal(t, refs[0].Handle(), refs[i].Handle())
	}

	require.Equal(t, int32(1), calls.Load(), "count ran more than once")
	require.Equal(t, int64(n), e.Graph().Interest(refs[0].Handle()))

	for _, r := range refs {
		r.Release()
		r.Release()
	}

	require.Equal(t, int64(0), e.Graph().Interest(refs[0].Handle()))
}

func Test_Engine_Evaluate_Expression_Uses_Config_Root_Scope(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Options{})
	defineCounts(t, e)

	byPath := evalPath(t, e, "/counts")

	r, err := e.Evaluate(context.Background(), expr.MustParse(`(pcount /cells/zone zones)`))
	require.NoError(t, err)

	defer r.Release()

	require.Same(t, byPath.Item(), r.Item())
	require.Equal(t, byPath.Key(), r.Key())
	require.NotContains(t, r.Key(), "zones)", "references must be expanded in the key")
}

func Test_Engine_Volatile_Results_Are_Transient_And_Recomputed(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Options{})
	define(t, e, "/dom", `(range "UInt32" 0 64)`)
	define(t, e, "/noise", `(random dom)`)
	define(t, e, "/c", `(covariance noise noise)`)

	a, err := e.EvaluatePath(context.Background(), "/noise")
	require.NoError(t, err)

	b, err := e.EvaluatePath(context.Background(), "/noise")
	require.NoError(t, err)

	require.IsType(t, &Transient{}, a)
	require.NotSame(t, a.Item(), b.Item())
	require.NotEqual(t, valuesOf[float64](t, a), valuesOf[float64](t, b))

	c, err := e.EvaluatePath(context.Background(), "/c")
	require.NoError(t, err)
	require.IsType(t, &Transient{}, c, "results over volatile arguments are volatile")

	a.Release()
	b.Release()
	c.Release()

	snap := e.Snapshot(true)

	for _, it := range snap.Cache.Children {
		require.NotContains(t, it.Name, ".t", "transient %s left after release", it.Path)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for key := range e.memo {
		require.NotContains(t, key, "random", "volatile result memoized")
	}
}

func Test_Engine_Failure_Is_Attached_And_Does_Not_Affect_Other_Branches(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Options{})
	define(t, e, "/d3", `(range "UInt8" 0 3)`)
	define(t, e, "/d4", `(range "UInt8" 0 4)`)
	define(t, e, "/x", `(array d3 "Float64" 1 2 3)`)
	define(t, e, "/y", `(array d4 "Float64" 1 2 3 4)`)
	define(t, e, "/bad", `(covariance x y)`)
	define(t, e, "/ok", `(covariance x x)`)

	_, err := e.EvaluatePath(context.Background(), "/bad")
	require.ErrorIs(t, err, ErrShape)

	ok := evalPath(t, e, "/ok")
	require.InDelta(t, 2.0/3.0, valuesOf[float64](t, ok)[0], 1e-12)

	snap := e.Snapshot(false)

	var bad tree.Snapshot

	for _, c := range snap.Config.Children {
		if c.Name == "bad" {
			bad = c
		}
	}

	require.Contains(t, bad.Failure, "shape mismatch")

	failed := 0

	for _, c := range snap.Cache.Children {
		if c.Failure != "" {
			failed++
		}
	}

	require.Equal(t, 1, failed, "only the covariance result fails")
}

func Test_Engine_Circular_Definition_Is_Rejected(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Options{})
	define(t, e, "/a", `b`)
	define(t, e, "/b", `(invert a c)`)
	define(t, e, "/c", `(range "UInt8" 0 4)`)

	_, err := e.EvaluatePath(context.Background(), "/a")
	require.ErrorIs(t, err, ErrCircularDefinition)
}

func Test_Engine_Unknown_Operator_And_Arity_Errors(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Options{})

	_, err := e.Evaluate(context.Background(), expr.MustParse(`(nope 1)`))
	require.ErrorIs(t, err, ErrUnknownOperator)

	_, err = e.Evaluate(context.Background(), expr.MustParse(`(range "UInt8" 0)`))
	require.ErrorIs(t, err, ErrArity)

	_, err = e.Evaluate(context.Background(), expr.MustParse(`42`))
	require.ErrorIs(t, err, ErrArgument)

	_, err = e.EvaluatePath(context.Background(), "/missing")
	require.ErrorIs(t, err, tree.ErrNotFound)
}

func Test_Engine_Redefine_Drops_Derived_Results(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Options{})
	defineCounts(t, e)

	before := evalPath(t, e, "/counts")

	err := e.Redefine("/cells/zone", expr.MustParse(`(array cells "UInt32" 0 0 0 0 0)`))
	require.NoError(t, err)

	require.Equal(t, []uint32{1, 2, 0, 1, 1}, valuesOf[uint32](t, before), "held result keeps its data")

	after := evalPath(t, e, "/counts")

	require.NotEqual(t, before.Key(), after.Key())
	require.Equal(t, []uint32{5, 0, 0, 0, 0}, valuesOf[uint32](t, after))

	def, err := e.Definition("/cells/zone")
	require.NoError(t, err)
	require.Contains(t, def.Key(), "0 0 0 0 0")
}

func Test_Engine_Define_Shadowing_Name_Drops_Results_In_Scope(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Options{})
	define(t, e, "/dom", `(range "UInt8" 0 2)`)
	define(t, e, "/m/v", `(array dom "Int32" 1 0)`)

	r := evalPath(t, e, "/m/v")
	first := r.Key()
	r.Release()

	define(t, e, "/m/dom", `(range "UInt8" 0 2)`)

	e.mu.Lock()
	_, ok := e.memo[first]
	e.mu.Unlock()

	require.False(t, ok, "result resolved through /dom survived a shadowing definition")
}

func Test_Engine_Invalidate_Unregisters_And_Recomputes_Held_Results(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	m := openTestStore(t, t.TempDir())
	t.Cleanup(func() { _ = m.Close() })

	e := newTestEngine(t, Options{Store: m, Registry: countingRegistry(t, &calls, nil)})
	define(t, e, "/dom", `(range "UInt8" 0 3)`)
	define(t, e, "/v", `(array dom "Float64" 1 2 3)`)
	define(t, e, "/w", `(count v)`)

	r := evalPath(t, e, "/w")
	require.Equal(t, int32(1), calls.Load())

	_, ok := m.Lookup(r.Key())
	require.True(t, ok, "result key not registered")

	require.NoError(t, e.Invalidate(context.Background(), "/v"))

	_, ok = m.Lookup(r.Key())
	require.False(t, ok, "result key still registered after invalidation")
	require.Equal(t, int32(2), calls.Load(), "held result not recomputed")
	require.Equal(t, []float64{1, 2, 3}, valuesOf[float64](t, r))

	again := evalPath(t, e, "/w")
	require.NotSame(t, r.Item(), again.Item(), "invalidated result reused")
	require.Equal(t, int32(3), calls.Load())
}

func Test_Engine_Trim_Retires_Unheld_Results(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Options{})
	defineCounts(t, e)

	held := evalPath(t, e, "/zones")

	r, err := e.EvaluatePath(context.Background(), "/counts")
	require.NoError(t, err)
	r.Release()

	n, err := e.Trim()
	require.NoError(t, err)
	require.Equal(t, 3, n, "counts, zone ids and cells retire; zones is held")

	snap := e.Snapshot(true)
	require.Len(t, snap.Cache.Children, 1)
	require.Equal(t, held.Item().Name(), snap.Cache.Children[0].Name)
}

func Test_Engine_Commit_Persists_And_Reopened_Session_Loads_From_Store(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	m := openTestStore(t, dir)
	e1 := newTestEngine(t, Options{Store: m, TileSize: 2})
	defineCounts(t, e1)

	r, err := e1.EvaluatePath(ctx, "/counts")
	require.NoError(t, err)

	p, ok := r.(*Pending)
	require.True(t, ok, "got %T, want *Pending", r)

	c, err := e1.Commit(ctx, p)
	require.NoError(t, err)

	_, err = e1.Commit(ctx, p)
	require.ErrorIs(t, err, ErrReleased)

	key := c.Key()
	c.Release()

	require.NoError(t, e1.Close(ctx))
	require.NoError(t, m.Close())

	m2 := openTestStore(t, dir)
	t.Cleanup(func() { _ = m2.Close() })

	reg := prometheus.NewRegistry()
	e2 := newTestEngine(t, Options{Store: m2, TileSize: 2, Registerer: reg})
	defineCounts(t, e2)

	r2 := evalPath(t, e2, "/counts")

	require.IsType(t, &Committed{}, r2)
	require.Equal(t, key, r2.Key())
	require.Equal(t, []uint32{1, 2, 0, 1, 1}, valuesOf[uint32](t, r2))
	require.InDelta(t, 1, testutil.ToFloat64(e2.metrics.evaluations.WithLabelValues(originStore)), 0)

	d, err := DataOf(r2)
	require.NoError(t, err)
	require.Equal(t, uint32(3), d.Col.Tiling().Count())

	b, end, ok := d.Domain.Bounds()
	require.True(t, ok)
	require.Equal(t, [2]int64{0, 5}, [2]int64{b, end})
}

func Test_Engine_Flush_Writes_Every_Pending_Result(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	m := openTestStore(t, t.TempDir())
	t.Cleanup(func() { _ = m.Close() })

	reg := prometheus.NewRegistry()
	e := newTestEngine(t, Options{Store: m, Registerer: reg})
	defineCounts(t, e)
	define(t, e, "/inv", `(invert_all cells/zone zones)`)

	evalPath(t, e, "/counts")
	evalPath(t, e, "/inv")

	n, err := e.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, n, "zones, cells, zone ids, counts and the inverse")

	n, err = e.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	require.InDelta(t, 5, testutil.ToFloat64(e.metrics.commits), 0)

	for _, rec := range m.Entries() {
		_, err := os.Stat(m.DataPath(rec.Record.FileNameBase))
		require.NoError(t, err, "dataset of %s", rec.Key)
	}
}

func Test_Engine_Commit_Without_Store_Marks_Committed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newTestEngine(t, Options{})
	defineCounts(t, e)

	r, err := e.EvaluatePath(ctx, "/counts")
	require.NoError(t, err)

	c, err := e.Commit(ctx, r.(*Pending)) //nolint:forcetypeassert // first evaluation is pending
	require.NoError(t, err)

	defer c.Release()

	again := evalPath(t, e, "/counts")
	require.IsType(t, &Committed{}, again)

	n, err := e.Flush(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func writeValues(t *testing.T, path, body string, mtime time.Time) {
	t.Helper()

	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}

	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

func Test_Engine_SourceChanged_Recomputes_Readers_And_Stales_Records(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	src := filepath.Join(dir, "zone.yaml")
	now := time.Now().Add(-time.Hour)

	writeValues(t, src, "[1, 1, 3, 4, 0]\n", now)

	m := openTestStore(t, filepath.Join(dir, "cache"))
	t.Cleanup(func() { _ = m.Close() })

	e := newTestEngine(t, Options{Store: m})
	define(t, e, "/zones", `(range "UInt32" 0 5)`)
	define(t, e, "/zone", `(file_values zones "UInt32" "`+src+`")`)
	define(t, e, "/counts", `(pcount zone zones)`)

	counts := evalPath(t, e, "/counts")
	require.Equal(t, []uint32{1, 2, 0, 1, 1}, valuesOf[uint32](t, counts))

	key := counts.Key()
	_, ok := m.Lookup(key)
	require.True(t, ok)

	writeValues(t, src, "[2, 2, 2, null, 0]\n", now.Add(time.Minute))
	require.NoError(t, e.SourceChanged(ctx, src))

	require.Equal(t, []uint32{1, 0, 3, 0, 0}, valuesOf[uint32](t, counts), "held reader not recomputed")

	rec, ok := m.Lookup(key)
	require.True(t, ok, "recomputed result not registered again")
	require.Equal(t, []string{filepath.Clean(src)}, rec.Files)
}

func Test_Engine_Reopen_Recomputes_When_Source_Is_Newer_Than_Record(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	src := filepath.Join(dir, "zone.yaml")
	now := time.Now().Add(-time.Hour)

	writeValues(t, src, "[1, 1, 3, 4, 0]\n", now)

	defineFile := func(e *Engine) {
		define(t, e, "/zones", `(range "UInt32" 0 5)`)
		define(t, e, "/zone", `(file_values zones "UInt32" "`+src+`")`)
		define(t, e, "/counts", `(pcount zone zones)`)
	}

	m := openTestStore(t, filepath.Join(dir, "cache"))
	e1 := newTestEngine(t, Options{Store: m})
	defineFile(e1)

	r := evalPath(t, e1, "/counts")
	r.Release()
	require.NoError(t, e1.Close(ctx))
	require.NoError(t, m.Close())

	m2 := openTestStore(t, filepath.Join(dir, "cache"))
	t.Cleanup(func() { _ = m2.Close() })

	e2 := newTestEngine(t, Options{Store: m2})
	defineFile(e2)
	require.IsType(t, &Committed{}, evalPath(t, e2, "/counts"), "unchanged source loads")
	require.NoError(t, e2.Close(ctx))
	require.NoError(t, m2.Close())

	writeValues(t, src, "[2, 2, 2, null, 0]\n", now.Add(time.Minute))

	m3 := openTestStore(t, filepath.Join(dir, "cache"))
	t.Cleanup(func() { _ = m3.Close() })

	e3 := newTestEngine(t, Options{Store: m3})
	defineFile(e3)

	counts := evalPath(t, e3, "/counts")
	require.IsType(t, &Pending{}, counts, "newer source recomputes")
	require.Equal(t, []uint32{1, 0, 3, 0, 0}, valuesOf[uint32](t, counts))
}

func Test_Engine_Watch_Recomputes_On_File_Write(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	src := filepath.Join(dir, "v.yaml")
	writeValues(t, src, "[1, 2]\n", time.Now().Add(-time.Hour))

	e := newTestEngine(t, Options{})
	define(t, e, "/d", `(range "UInt8" 0 2)`)
	define(t, e, "/v", `(file_values d "Float64" "`+src+`")`)

	r := evalPath(t, e, "/v")
	require.NoError(t, e.Watch(ctx, 10*time.Millisecond))

	writeValues(t, src, "[5, 6]\n", time.Now())

	require.Eventually(t, func() bool {
		d, err := DataOf(r)

		return err == nil && d != nil && cmp.Equal([]float64{5, 6}, d.Float64s())
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, e.Close(ctx))
}

func Test_Engine_Retile_Recomputes_Data_Over_The_Unit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newTestEngine(t, Options{})
	define(t, e, "/dom", `(range "UInt32" 0 6)`)
	define(t, e, "/v", `(array dom "Int32" 5 4 3 2 1 0)`)

	u := evalPath(t, e, "/dom")
	v := evalPath(t, e, "/v")

	d, err := DataOf(v)
	require.NoError(t, err)
	require.Equal(t, uint32(1), d.Col.Tiling().Count())

	require.NoError(t, e.Retile(ctx, u, 4))

	d, err = DataOf(v)
	require.NoError(t, err)
	require.Equal(t, uint32(2), d.Col.Tiling().Count())
	require.Equal(t, []int32{5, 4, 3, 2, 1, 0}, valuesOf[int32](t, v))

	require.NoError(t, e.Retile(ctx, u, 0))

	d, err = DataOf(v)
	require.NoError(t, err)
	require.Equal(t, uint32(1), d.Col.Tiling().Count())

	err = e.Retile(ctx, v, 2)
	require.ErrorIs(t, err, ErrResultType)
}

func Test_Engine_Use_Imports_Names_From_Another_Container(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Options{})
	define(t, e, "/lib/dom", `(range "UInt8" 0 2)`)
	define(t, e, "/model/v", `(array dom "Float32" 0.5 1.5)`)

	_, err := e.EvaluatePath(context.Background(), "/model/v")
	require.ErrorIs(t, err, tree.ErrNotFound)

	require.NoError(t, e.Use("/model", "/lib"))

	r := evalPath(t, e, "/model/v")
	require.Equal(t, []float32{0.5, 1.5}, valuesOf[float32](t, r))
}

func Test_Engine_Mutate_Waits_For_Running_Evaluation(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	gate := make(chan struct{})
	e := newTestEngine(t, Options{Registry: countingRegistry(t, &calls, gate)})

	define(t, e, "/dom", `(range "UInt8" 0 2)`)
	define(t, e, "/v", `(array dom "Float64" 1 2)`)
	define(t, e, "/c", `(count v)`)

	evalDone := make(chan error, 1)

	go func() {
		r, err := e.EvaluatePath(context.Background(), "/c")
		if err == nil {
			r.Release()
		}

		evalDone <- err
	}()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 5*time.Second, time.Millisecond)

	var mutated atomic.Bool

	mutateDone := make(chan error, 1)

	go func() {
		mutateDone <- e.Mutate(func() error {
			mutated.Store(true)

			return nil
		})
	}()

	time.Sleep(50 * time.Millisecond)

	if mutated.Load() {
		t.Fatal("Mutate ran while an evaluation was computing")
	}

	close(gate)

	require.NoError(t, <-evalDone)
	require.NoError(t, <-mutateDone)
	require.True(t, mutated.Load())
}

// tiledRegistry returns the builtins plus a "tiles" operator that walks
// the tiles of its data argument through the call's progress. Every tile
// visit is counted in calls; onTile runs before the count is kept.
func tiledRegistry(t *testing.T, calls []atomic.Int32, onTile func(ctx context.Context, id uint32) error) *Registry {
	t.Helper()

	reg := Builtins()

	err := reg.Register(Operator{
		Name:    "tiles",
		Result:  tree.DataKind,
		MinArgs: 1,
		MaxArgs: 1,
		Eval: func(ctx context.Context, c *Call) (any, error) {
			d, err := c.Data(0)
			if err != nil {
				return nil, err
			}

			_, err = tile.RunResumable(ctx, c.Runner(), d.Col.Tiling(), c.Progress(), "tiles", func(ctx context.Context, id uint32) (uint32, error) {
				calls[id].Add(1)

				if onTile != nil {
					if err := onTile(ctx, id); err != nil {
						return 0, err
					}
				}

				return id, nil
			})
			if err != nil {
				return nil, err
			}

			return d, nil
		},
	})
	if err != nil {
		t.Fatalf("Register(tiles): %v", err)
	}

	return reg
}

func callCounts(calls []atomic.Int32) []int32 {
	out := make([]int32, len(calls))
	for i := range calls {
		out[i] = calls[i].Load()
	}

	return out
}

func Test_Engine_Cancelled_Evaluation_Resumes_From_Finished_Tiles(t *testing.T) {
	t.Parallel()

	calls := make([]atomic.Int32, 6)
	ctx, cancel := context.WithCancel(context.Background())

	var interrupted atomic.Bool

	reg := tiledRegistry(t, calls, func(ctx context.Context, id uint32) error {
		if id == 2 && interrupted.CompareAndSwap(false, true) {
			cancel()

			return ctx.Err()
		}

		return nil
	})

	e := newTestEngine(t, Options{Registry: reg, Workers: 1, TileSize: 1})
	define(t, e, "/dom", `(range "UInt8" 0 6)`)
	define(t, e, "/v", `(array dom "Float64" 1 2 3 4 5 6)`)
	define(t, e, "/s", `(tiles v)`)

	_, err := e.EvaluatePath(ctx, "/s")
	require.ErrorIs(t, err, context.Canceled)

	r := evalPath(t, e, "/s")
	require.Equal(t, []float64{1, 2, 3, 4, 5, 6}, valuesOf[float64](t, r))

	if diff := cmp.Diff([]int32{1, 1, 2, 1, 1, 1}, callCounts(calls)); diff != "" {
		t.Fatalf("tile visits mismatch (-want +got):\n%s", diff)
	}
}

func Test_Engine_Suspend_Holds_Tiles_Until_Resume(t *testing.T) {
	t.Parallel()

	calls := make([]atomic.Int32, 4)
	e := newTestEngine(t, Options{Registry: tiledRegistry(t, calls, nil), Workers: 1, TileSize: 1})

	define(t, e, "/dom", `(range "UInt8" 0 4)`)
	define(t, e, "/v", `(array dom "Float64" 1 2 3 4)`)
	define(t, e, "/s", `(tiles v)`)

	e.Suspend()
	require.True(t, e.Suspended())

	// Cancelled while suspended: nothing is computed and nothing is lost.
	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := e.EvaluatePath(short, "/s")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	done := make(chan error, 1)

	go func() {
		r, err := e.EvaluatePath(context.Background(), "/s")
		if err == nil {
			r.Release()
		}

		done <- err
	}()

	time.Sleep(50 * time.Millisecond)

	if diff := cmp.Diff([]int32{0, 0, 0, 0}, callCounts(calls)); diff != "" {
		t.Fatalf("tiles computed while suspended (-want +got):\n%s", diff)
	}

	e.Resume()
	require.False(t, e.Suspended())
	require.NoError(t, <-done)

	if diff := cmp.Diff([]int32{1, 1, 1, 1}, callCounts(calls)); diff != "" {
		t.Fatalf("tile visits mismatch (-want +got):\n%s", diff)
	}
}

func Test_Engine_Closed_Rejects_Evaluate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newTestEngine(t, Options{})
	define(t, e, "/dom", `(range "UInt8" 0 2)`)

	require.NoError(t, e.Close(ctx))
	require.NoError(t, e.Close(ctx))

	_, err := e.EvaluatePath(ctx, "/dom")
	require.ErrorIs(t, err, ErrClosed)

	_, err = e.Define("/x", expr.MustParse(`(range "UInt8" 0 1)`))
	require.ErrorIs(t, err, ErrClosed)
}

func Test_Engine_Snapshot_Lists_Config_And_Results(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Options{})
	defineCounts(t, e)
	evalPath(t, e, "/counts")

	snap := e.Snapshot(false)

	var names []string
	for _, c := range snap.Config.Children {
		names = append(names, c.Name+":"+c.Kind)
	}

	if diff := cmp.Diff([]string{"zones:unit", "cells:unit", "counts:data"}, names); diff != "" {
		t.Fatalf("config children mismatch (-want +got):\n%s", diff)
	}

	require.Len(t, snap.Cache.Children, 4)

	for _, c := range snap.Cache.Children {
		require.True(t, strings.HasPrefix(c.State, "calculated"), "%s: state %q", c.Path, c.State)
	}
}
