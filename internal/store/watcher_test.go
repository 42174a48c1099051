package store_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/calvinalkan/gridcalc/internal/store"
)

func Test_Watcher_Reports_Settled_Change_Once(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tracked := filepath.Join(dir, "values.txt")
	other := filepath.Join(dir, "other.txt")

	for _, p := range []string{tracked, other} {
		if err := os.WriteFile(p, []byte("1"), 0o600); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}

	var (
		mu      sync.Mutex
		changed []string
	)

	fired := make(chan struct{}, 8)

	w, err := store.NewWatcher(func(path string) {
		mu.Lock()
		changed = append(changed, path)
		mu.Unlock()
		fired <- struct{}{}
	}, 30*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	if err := w.Track(tracked); err != nil {
		t.Fatalf("Track: %v", err)
	}

	w.Start(t.Context())

	for i := range 3 {
		if err := os.WriteFile(tracked, []byte{byte('2' + i)}, 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	if err := os.WriteFile(other, []byte("2"), 0o600); err != nil {
		t.Fatalf("write other: %v", err)
	}

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("no change reported within 5s")
	}

	time.Sleep(150 * time.Millisecond)

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()

	if len(changed) != 1 || changed[0] != tracked {
		t.Fatalf("changes = %q, want [%q]", changed, tracked)
	}
}

func Test_Watcher_Untrack_Stops_Reports(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tracked := filepath.Join(dir, "values.txt")

	if err := os.WriteFile(tracked, []byte("1"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	fired := make(chan string, 4)

	w, err := store.NewWatcher(func(path string) { fired <- path }, 10*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	if err := w.Track(tracked); err != nil {
		t.Fatalf("Track: %v", err)
	}

	w.Untrack(tracked)
	w.Start(t.Context())

	if err := os.WriteFile(tracked, []byte("2"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case p := <-fired:
		t.Fatalf("change reported for untracked %q", p)
	case <-time.After(100 * time.Millisecond):
	}
}
