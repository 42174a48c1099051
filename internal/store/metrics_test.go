package store

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func Test_Manager_Counts_Lookups_By_Result(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()

	m, err := Open(t.Context(), Options{Dir: t.TempDir(), Registerer: reg})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer m.Close()

	m.Lookup("missing")

	if _, _, err := m.Register("k", Record{}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	m.Lookup("k")
	m.Lookup("k")

	if got := testutil.ToFloat64(m.metrics.lookups.WithLabelValues("hit")); got != 2 {
		t.Fatalf("hits = %v, want 2", got)
	}

	if got := testutil.ToFloat64(m.metrics.lookups.WithLabelValues("miss")); got != 1 {
		t.Fatalf("misses = %v, want 1", got)
	}

	if got := testutil.ToFloat64(m.metrics.records); got != 1 {
		t.Fatalf("records gauge = %v, want 1", got)
	}

	if n, err := testutil.GatherAndCount(reg, "gridcalc_store_registrations_total"); err != nil || n != 1 {
		t.Fatalf("GatherAndCount(registrations) = %d, %v, want 1, <nil>", n, err)
	}
}

func Test_Depth_Orders_Root_Above_Children(t *testing.T) {
	t.Parallel()

	for path, want := range map[string]int{"": 0, "/": 0, "/a": 1, "/a/b": 2, "a/b/": 2} {
		if got := depth(path); got != want {
			t.Fatalf("depth(%q) = %d, want %d", path, got, want)
		}
	}
}
