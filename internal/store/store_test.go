package store_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	_ "github.com/mattn/go-sqlite3"

	"github.com/calvinalkan/gridcalc/internal/store"
)

func openManager(t *testing.T, dir string, persist bool) *store.Manager {
	t.Helper()

	m, err := store.Open(t.Context(), store.Options{Dir: dir, Persist: persist, LockTimeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("Open(%q): %v", dir, err)
	}

	t.Cleanup(func() { _ = m.Close() })

	return m
}

func writeSource(t *testing.T, path string, mtime time.Time) {
	t.Helper()

	err := os.WriteFile(path, []byte("1 2 3\n"), 0o600)
	if err != nil {
		t.Fatalf("write %s: %v", path, err)
	}

	err = os.Chtimes(path, mtime, mtime)
	if err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

func Test_Manager_Lookup_Returns_Registered_Record(t *testing.T) {
	t.Parallel()

	m := openManager(t, t.TempDir(), false)

	if _, ok := m.Lookup("(range 0 5)"); ok {
		t.Fatal("Lookup before Register: ok=true, want false")
	}

	rec, added, err := m.Register("(range 0 5)", store.Record{Blob: []byte("meta")})
	if err != nil || !added {
		t.Fatalf("Register: added=%v err=%v, want true <nil>", added, err)
	}

	if rec.FileNameBase == "" {
		t.Fatal("Register: FileNameBase is empty, want derived name")
	}

	got, ok := m.Lookup("(range 0 5)")
	if !ok {
		t.Fatal("Lookup after Register: ok=false, want true")
	}

	if diff := cmp.Diff(rec, got); diff != "" {
		t.Fatalf("Lookup mismatch (-want +got):\n%s", diff)
	}
}

func Test_Manager_Register_Is_Noop_When_Key_Exists(t *testing.T) {
	t.Parallel()

	m := openManager(t, t.TempDir(), false)

	first, _, err := m.Register("k", store.Record{FileNameBase: "a"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	m.NextTimeStamp()

	second, added, err := m.Register("k", store.Record{FileNameBase: "b"})
	if err != nil {
		t.Fatalf("Register again: %v", err)
	}

	if added {
		t.Fatal("Register again: added=true, want false")
	}

	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("second Register mismatch (-want +got):\n%s", diff)
	}

	if m.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", m.Len())
	}
}

func Test_Manager_Register_Returns_ErrEmptyKey_When_Key_Empty(t *testing.T) {
	t.Parallel()

	m := openManager(t, t.TempDir(), false)

	_, _, err := m.Register("", store.Record{})
	if !errors.Is(err, store.ErrEmptyKey) {
		t.Fatalf("Register(\"\"): err=%v, want %v", err, store.ErrEmptyKey)
	}
}

func Test_Manager_Lookup_Misses_When_Source_File_Changes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m := openManager(t, filepath.Join(dir, "cache"), false)
	src := filepath.Join(dir, "values.txt")

	writeSource(t, src, time.Unix(1_700_000_000, 0))

	if _, err := m.TrackFile(src); err != nil {
		t.Fatalf("TrackFile: %v", err)
	}

	key := `(file_values "values.txt")`

	_, _, err := m.Register(key, store.Record{Files: []string{src}})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, ok := m.Lookup(key); !ok {
		t.Fatal("Lookup with unchanged source: ok=false, want true")
	}

	touched := time.Unix(1_700_000_100, 0)
	if err := os.Chtimes(src, touched, touched); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	if _, ok := m.Lookup(key); ok {
		t.Fatal("Lookup after touching source: ok=true, want false")
	}

	if m.Len() != 0 {
		t.Fatalf("Len() after stale lookup = %d, want 0 (record unregistered)", m.Len())
	}
}

func Test_Manager_Lookup_Misses_When_Source_File_Removed(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m := openManager(t, filepath.Join(dir, "cache"), false)
	src := filepath.Join(dir, "values.txt")

	writeSource(t, src, time.Unix(1_700_000_000, 0))

	if _, err := m.TrackFile(src); err != nil {
		t.Fatalf("TrackFile: %v", err)
	}

	if _, _, err := m.Register("k", store.Record{Files: []string{src}}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := os.Remove(src); err != nil {
		t.Fatalf("remove: %v", err)
	}

	if _, ok := m.Lookup("k"); ok {
		t.Fatal("Lookup after removing source: ok=true, want false")
	}
}

func Test_Manager_DetermineExternalChange_Is_Stable_Per_Mtime_And_Monotonic(t *testing.T) {
	t.Parallel()

	m := openManager(t, t.TempDir(), false)

	a := time.Unix(100, 0)
	b := time.Unix(50, 0)

	tsA := m.DetermineExternalChange(a)
	if again := m.DetermineExternalChange(a); again != tsA {
		t.Fatalf("DetermineExternalChange(a) twice = %d, %d, want equal", tsA, again)
	}

	tsB := m.DetermineExternalChange(b)
	if tsB <= tsA {
		t.Fatalf("DetermineExternalChange(unseen older mtime) = %d, want > %d", tsB, tsA)
	}

	if m.Now() != tsB {
		t.Fatalf("Now() = %d, want %d", m.Now(), tsB)
	}
}

func Test_Manager_RegisterExternalTS_Advances_Clock(t *testing.T) {
	t.Parallel()

	m := openManager(t, t.TempDir(), false)
	mtime := time.Unix(42, 0)

	m.RegisterExternalTS(mtime, 10)

	if got := m.DetermineExternalChange(mtime); got != 10 {
		t.Fatalf("DetermineExternalChange = %d, want 10", got)
	}

	if got := m.NextTimeStamp(); got != 11 {
		t.Fatalf("NextTimeStamp() = %d, want 11", got)
	}
}

func Test_Manager_Unregister_Removes_Key(t *testing.T) {
	t.Parallel()

	m := openManager(t, t.TempDir(), false)

	if _, _, err := m.Register("k", store.Record{}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if !m.Unregister("k") {
		t.Fatal("Unregister(k) = false, want true")
	}

	if m.Unregister("k") {
		t.Fatal("second Unregister(k) = true, want false")
	}

	if _, ok := m.Lookup("k"); ok {
		t.Fatal("Lookup after Unregister: ok=true, want false")
	}
}

func Test_Manager_Persists_Records_Across_Reopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cacheDir := filepath.Join(dir, "cache")
	src := filepath.Join(dir, "values.txt")

	writeSource(t, src, time.Unix(1_700_000_000, 0))

	m, err := store.Open(t.Context(), store.Options{Dir: cacheDir, Persist: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := m.TrackFile(src); err != nil {
		t.Fatalf("TrackFile: %v", err)
	}

	want, _, err := m.Register("k", store.Record{Blob: []byte{1, 2}, Files: []string{src}})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	gen := m.Generation()
	now := m.Now()

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	m2 := openManager(t, cacheDir, true)

	got, ok := m2.Lookup("k")
	if !ok {
		t.Fatal("Lookup after reopen: ok=false, want true")
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("record after reopen mismatch (-want +got):\n%s", diff)
	}

	if m2.Generation() != gen {
		t.Fatalf("Generation() = %q, want %q", m2.Generation(), gen)
	}

	if m2.Now() != now {
		t.Fatalf("Now() = %d, want %d", m2.Now(), now)
	}
}

func Test_Open_Returns_ErrSchemaVersion_When_Database_Is_Newer(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	m, err := store.Open(t.Context(), store.Options{Dir: dir, Persist: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	_ = m.Close()

	db, err := sql.Open("sqlite3", filepath.Join(dir, "cache.sqlite"))
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}

	if _, err := db.Exec("PRAGMA user_version = 99"); err != nil {
		t.Fatalf("set user_version: %v", err)
	}

	_ = db.Close()

	_, err = store.Open(t.Context(), store.Options{Dir: dir, Persist: true})
	if !errors.Is(err, store.ErrSchemaVersion) {
		t.Fatalf("Open: err=%v, want %v", err, store.ErrSchemaVersion)
	}
}

func Test_Manager_CleanupTmp_And_Prune_Remove_Orphans(t *testing.T) {
	t.Parallel()

	m := openManager(t, t.TempDir(), false)

	rec, _, err := m.Register("live", store.Record{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	live := m.DataPath(rec.FileNameBase)
	extra := m.DataPath(rec.FileNameBase + ".displaced")
	orphan := m.DataPath("0000000000000000")
	tmp := m.NewStreamName()

	for _, p := range []string{live, extra, orphan, tmp} {
		if err := os.WriteFile(p, []byte("x"), 0o600); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}

	n, err := m.CleanupTmp()
	if err != nil || n != 1 {
		t.Fatalf("CleanupTmp() = %d, %v, want 1, <nil>", n, err)
	}

	n, err = m.Prune()
	if err != nil || n != 1 {
		t.Fatalf("Prune() = %d, %v, want 1, <nil>", n, err)
	}

	for _, p := range []string{live, extra} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("live data file removed: %v", err)
		}
	}

	if _, err := os.Stat(orphan); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("orphan stat: err=%v, want not exist", err)
	}
}

func Test_Manager_NewStreamName_Is_Unique(t *testing.T) {
	t.Parallel()

	m := openManager(t, t.TempDir(), false)

	seen := make(map[string]bool)

	for range 100 {
		name := m.NewStreamName()
		if seen[name] {
			t.Fatalf("NewStreamName() repeated %q", name)
		}

		seen[name] = true
	}
}

func Test_Manager_Operations_Return_ErrClosed_After_Close(t *testing.T) {
	t.Parallel()

	m, err := store.Open(context.Background(), store.Options{Dir: t.TempDir(), Persist: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("second Close: err=%v, want nil", err)
	}

	if _, _, err := m.Register("k", store.Record{}); !errors.Is(err, store.ErrClosed) {
		t.Fatalf("Register after Close: err=%v, want %v", err, store.ErrClosed)
	}
}
