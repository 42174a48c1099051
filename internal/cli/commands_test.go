package cli_test

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/calvinalkan/gridcalc/internal/cli"
)

const countsModel = `definitions:
  /zones: (range "UInt32" 0 5)
  /cells: (range "UInt16" 0 5)
  /cells/zone: (file_values cells "UInt32" "zone.yaml")
  /counts: (pcount cells/zone zones)
`

func lines(s string) []string {
	if s == "" {
		return nil
	}

	return strings.Split(s, "\n")
}

func parseFloats(t *testing.T, s string) []float64 {
	t.Helper()

	var out []float64

	for _, l := range lines(s) {
		v, err := strconv.ParseFloat(l, 64)
		if err != nil {
			t.Fatalf("parse %q: %v", l, err)
		}

		out = append(out, v)
	}

	return out
}

func assertLines(t *testing.T, got string, want ...string) {
	t.Helper()

	if diff := cmp.Diff(want, lines(got)); diff != "" {
		t.Fatalf("output mismatch (-want +got):\n%s", diff)
	}
}

func Test_PCount_Counts_Elements_Per_Partition(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.WriteFile("zone.yaml", "- 1\n- 1\n- 3\n- 4\n- 0\n")

	assertLines(t, c.MustRun("pcount", "zone.yaml", "5"), "1", "2", "0", "1", "1")

	tiled := cli.NewCLI(t)
	tiled.Global = []string{"--tile-size", "2", "--workers", "3"}
	tiled.WriteValues("zone.yaml", 1, 1, 3, 4, 0, nil, 9)

	assertLines(t, tiled.MustRun("pcount", "zone.yaml", "5"), "1", "2", "0", "1", "1")
}

func Test_PCount_Rejects_Bad_Arguments(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.WriteFile("zone.yaml", "- 1\n")

	cli.AssertContains(t, c.MustFail("pcount", "zone.yaml"), "wrong arguments")
	cli.AssertContains(t, c.MustFail("pcount", "zone.yaml", "zero"), "count must be a positive integer")
	cli.AssertContains(t, c.MustFail("pcount", "--type", "Float64", "zone.yaml", "2"), "error:")
	cli.AssertContains(t, c.MustFail("pcount", "missing.yaml", "2"), "no such file")
}

func Test_Invert_Prints_Element_Per_Value(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.WriteFile("f.yaml", "- 4\n- 0\n- 2\n- 1\n")

	assertLines(t, c.MustRun("invert", "f.yaml", "5"), "1", "3", "2", "null", "0")
}

func Test_Invert_All_Prints_Displaced_Elements(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.WriteValues("f.yaml", 1, 2, 1, nil, 1)

	assertLines(t, c.MustRun("invert", "--all", "--type", "UInt8", "f.yaml", "3"),
		"null", "4", "1",
		"# displaced",
		"null", "null", "0", "null", "2",
	)
}

func Test_Stats_Prints_Covariance_And_Correlation(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.WriteFile("x.yaml", "- 1\n- 2\n- 3\n- 4\n")
	c.WriteFile("y.yaml", "- 2\n- 4\n- 6\n- 9\n")
	c.WriteFile("p.yaml", "- 0\n- 0\n- 1\n- 1\n")

	cov := parseFloats(t, c.MustRun("stats", "x.yaml", "y.yaml"))
	if len(cov) != 1 || cov[0] < 2.8 || cov[0] > 2.9 {
		t.Fatalf("covariance: got=%v, want [2.875]", cov)
	}

	partial := parseFloats(t, c.MustRun("stats", "--partition", "p.yaml", "--groups", "2", "x.yaml", "y.yaml"))
	if diff := cmp.Diff([]float64{0.5, 0.75}, partial, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Fatalf("partial covariance mismatch (-want +got):\n%s", diff)
	}

	corr := parseFloats(t, c.MustRun("stats", "--correlation", "--partition", "p.yaml", "--groups", "2", "x.yaml", "y.yaml"))
	for i, v := range corr {
		if v < 0.999999 || v > 1.000001 {
			t.Fatalf("correlation[%d]: got=%v, want 1", i, v)
		}
	}

	cli.AssertContains(t, c.MustFail("stats", "--groups", "2", "x.yaml", "y.yaml"), "go together")

	c.WriteFile("short.yaml", "- 1\n")
	cli.AssertContains(t, c.MustFail("stats", "x.yaml", "short.yaml"), "has 4 values")
}

func Test_District_Labels_Grid(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.WriteFile("land.yaml", "[1, 1, 2, 1, 2, 2]")

	assertLines(t, c.MustRun("district", "land.yaml", "2", "3"),
		"# district_4 over 2x3",
		"0 0 1",
		"0 1 1",
		"# districts: 2",
	)

	cli.AssertContains(t, c.MustFail("district", "land.yaml", "2", "2"), "error:")
}

func Test_Diversity_Counts_Distinct_Neighbours(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.WriteFile("cat.yaml", "[0, 1, 2]")

	assertLines(t, c.MustRun("diversity", "--categories", "3", "cat.yaml", "1", "3"), "2 3 2")
	assertLines(t, c.MustRun("diversity", "--categories", "3", "--radius", "0", "cat.yaml", "1", "3"), "1 1 1")
	assertLines(t, c.MustRun("diversity", "--categories", "2", "cat.yaml", "1", "3"), "2 2 1")

	cli.AssertContains(t, c.MustFail("diversity", "cat.yaml", "1", "3"), "--categories must be positive")
}

func Test_Eval_Model_Items_And_Expressions(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.WriteFile("zone.yaml", "- 1\n- 1\n- 3\n- 4\n- 0\n")
	c.WriteFile("model.yaml", countsModel)

	assertLines(t, c.MustRun("eval", "-m", "model.yaml", "/counts"), "1", "2", "0", "1", "1")

	stdout := c.MustRun("eval", "-m", "model.yaml", "/zones", `(pcount /cells/zone /zones)`)
	cli.AssertContains(t, stdout, "# /zones\nunit")
	cli.AssertContains(t, stdout, "[0, 5)")
	cli.AssertContains(t, stdout, "# (pcount /cells/zone /zones)\n1\n2\n0\n1\n1")

	cli.AssertContains(t, c.MustFail("eval", "-m", "model.yaml", "/nope"), "error:")
	cli.AssertContains(t, c.MustFail("eval", "(pcount"), "error:")
	cli.AssertContains(t, c.MustFail("eval"), "nothing to evaluate")
}

func Test_Eval_Rejects_Malformed_Model(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.WriteFile("bad.yaml", "definitions:\n  /x: (range \"UInt32\" 0\n")
	c.WriteFile("list.yaml", "definitions:\n  - /x\n")

	cli.AssertContains(t, c.MustFail("eval", "-m", "bad.yaml", "/x"), "invalid model")
	cli.AssertContains(t, c.MustFail("eval", "-m", "list.yaml", "/x"), "definitions must be a mapping")
}

func Test_Eval_Persists_Results_Across_Runs(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.WriteFile("zone.yaml", "- 1\n- 1\n- 3\n- 4\n- 0\n")
	c.WriteFile("model.yaml", countsModel)

	c.MustRun("eval", "-m", "model.yaml", "/counts")

	listing := c.MustRun("store", "ls", "--files")
	cli.AssertContains(t, listing, "(pcount")
	cli.AssertContains(t, listing, filepath.Join(c.Dir, "zone.yaml"))

	assertLines(t, c.MustRun("eval", "-m", "model.yaml", "/counts"), "1", "2", "0", "1", "1")

	if got := c.MustRun("store", "ls"); got != strings.TrimSpace(strings.Join(filterRecords(listing), "\n")) {
		t.Fatalf("records changed on reload:\nbefore:\n%s\nafter:\n%s", listing, got)
	}
}

func Test_Eval_Recomputes_When_Source_Changes(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	zone := c.WriteFile("zone.yaml", "- 1\n- 1\n- 3\n- 4\n- 0\n")
	c.WriteFile("model.yaml", countsModel)

	assertLines(t, c.MustRun("eval", "-m", "model.yaml", "/counts"), "1", "2", "0", "1", "1")

	c.WriteFile("zone.yaml", "- 2\n- 2\n- 2\n- 0\n- 0\n")

	later := time.Now().Add(time.Hour)
	if err := os.Chtimes(zone, later, later); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	assertLines(t, c.MustRun("eval", "-m", "model.yaml", "/counts"), "2", "0", "3", "0", "0")
}

// filterRecords drops the source file lines of a "store ls --files" listing.
func filterRecords(listing string) []string {
	var out []string

	for _, l := range lines(listing) {
		if !strings.HasPrefix(l, "\t") {
			out = append(out, l)
		}
	}

	return out
}

func Test_No_Persist_Keeps_Records_In_Memory(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.WriteFile("zone.yaml", "- 0\n")

	c.MustRun("--no-persist", "pcount", "zone.yaml", "1")

	if got := c.MustRun("store", "ls"); got != "" {
		t.Fatalf("store ls: got=%q, want empty", got)
	}
}

func Test_Store_Prune_Removes_Unreferenced_Data(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.WriteFile("zone.yaml", "- 0\n- 1\n")
	c.MustRun("pcount", "zone.yaml", "2")

	stray := c.WriteFile(filepath.Join(".gridcalc", "data", "stray.gct"), "junk")

	assertLines(t, c.MustRun("store", "prune"), "removed 1 data files, 0 temp streams")

	if _, err := os.Stat(stray); !os.IsNotExist(err) {
		t.Fatalf("stray data file still exists: %v", err)
	}

	if got := c.MustRun("store", "ls"); got == "" {
		t.Fatal("store ls: live records were pruned")
	}

	cli.AssertContains(t, c.MustFail("store", "vacuum"), "unknown store action")
}

func Test_Snapshot_Prints_Trees_And_Failures(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.WriteFile("zone.yaml", "- 1\n- 1\n- 3\n- 4\n- 0\n")
	c.WriteFile("model.yaml", countsModel+`  /d4: (range "UInt8" 0 4)
  /y: (array d4 "Float64" 1 2 3 4)
  /broken: (covariance cells/zone y)
`)

	stdout := c.MustRun("snapshot", "-m", "model.yaml", "/counts")
	cli.AssertContains(t, stdout, "config:")
	cli.AssertContains(t, stdout, "path: /counts")
	cli.AssertContains(t, stdout, "cache:")

	stdout, stderr, code := c.Run("snapshot", "--json", "-m", "model.yaml", "/broken")
	if code != 1 {
		t.Fatalf("exit code: got=%d, want 1\nstderr: %s", code, stderr)
	}

	cli.AssertContains(t, stderr, "warning:")
	cli.AssertContains(t, stdout, `"config": {`)
	cli.AssertContains(t, stdout, `"failure":`)
}
