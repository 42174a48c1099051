package geo

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/calvinalkan/gridcalc/internal/tile"
	"github.com/calvinalkan/gridcalc/internal/unit"
)

func Test_Districts_Labels_Scenario_Grid_With_Rule4(t *testing.T) {
	t.Parallel()

	grid := []int32{
		1, 1, 2,
		1, 2, 2,
	}

	labels, n, err := Districts(grid, 2, 3, Rule4)
	if err != nil {
		t.Fatalf("Districts: %v", err)
	}

	if diff := cmp.Diff([]uint32{0, 0, 1, 0, 1, 1}, labels); diff != "" {
		t.Fatalf("labels mismatch (-want +got):\n%s", diff)
	}

	if n != 2 {
		t.Fatalf("district count: got=%d, want 2", n)
	}
}

func Test_Districts_Rule8_Connects_Diagonals(t *testing.T) {
	t.Parallel()

	grid := []uint8{
		1, 0,
		0, 1,
	}

	_, n4, _ := Districts(grid, 2, 2, Rule4)
	_, n8, _ := Districts(grid, 2, 2, Rule8)

	if n4 != 4 || n8 != 2 {
		t.Fatalf("district counts: rule4=%d rule8=%d, want 4 and 2", n4, n8)
	}
}

func Test_Districts_Handles_Large_Single_Region_Without_Recursion(t *testing.T) {
	t.Parallel()

	const rows, cols = 500, 500

	grid := make([]uint8, rows*cols)

	labels, n, err := Districts(grid, rows, cols, Rule4)
	if err != nil {
		t.Fatalf("Districts: %v", err)
	}

	if n != 1 || labels[len(labels)-1] != 0 {
		t.Fatalf("Districts(uniform): n=%d last=%d, want 1 and 0", n, labels[len(labels)-1])
	}
}

func Test_Districts_Returns_ErrGridShape_When_Length_Mismatches(t *testing.T) {
	t.Parallel()

	if _, _, err := Districts([]int32{1, 2, 3}, 2, 2, Rule4); !errors.Is(err, ErrGridShape) {
		t.Fatalf("Districts: err=%v, want %v", err, ErrGridShape)
	}
}

// bruteDiversity recounts every window from scratch.
func bruteDiversity(grid []uint8, rows, cols int, categories uint8, w Window) []uint32 {
	out := make([]uint32, len(grid))

	for r := range rows {
		for c := range cols {
			seen := map[uint8]bool{}

			for dr := -w.Radius; dr <= w.Radius; dr++ {
				for dc := -w.Radius; dc <= w.Radius; dc++ {
					if w.Circle && dr*dr+dc*dc > w.Radius*w.Radius {
						continue
					}

					rr, cc := r+dr, c+dc
					if rr < 0 || rr >= rows || cc < 0 || cc >= cols {
						continue
					}

					v := grid[rr*cols+cc]
					if v < categories {
						seen[v] = true
					}
				}
			}

			out[r*cols+c] = uint32(len(seen))
		}
	}

	return out
}

func Test_Diversity_Matches_Brute_Force_For_Square_And_Circle(t *testing.T) {
	t.Parallel()

	const rows, cols = 13, 17

	r := rand.New(rand.NewPCG(5, 8))
	grid := make([]uint8, rows*cols)

	for i := range grid {
		grid[i] = uint8(r.IntN(7))
	}

	grid[5] = unit.Undefined[uint8]()

	for _, w := range []Window{{Radius: 0}, {Radius: 1}, {Radius: 2, Circle: true}, {Radius: 3, Circle: true}, {Radius: 3}} {
		got, err := Diversity(grid, rows, cols, 6, w)
		if err != nil {
			t.Fatalf("Diversity(%+v): %v", w, err)
		}

		if diff := cmp.Diff(bruteDiversity(grid, rows, cols, 6, w), got); diff != "" {
			t.Fatalf("Diversity(%+v) mismatch (-want +got):\n%s", w, diff)
		}
	}
}

func Test_DiversityTiled_Matches_Untiled(t *testing.T) {
	t.Parallel()

	const rows, cols = 20, 9

	grid := make([]uint8, rows*cols)
	for i := range grid {
		grid[i] = uint8(i % 5)
	}

	w := Window{Radius: 2, Circle: true}

	want, err := Diversity(grid, rows, cols, 5, w)
	if err != nil {
		t.Fatalf("Diversity: %v", err)
	}

	rn, err := tile.NewRunner(4, nil)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	got, err := DiversityTiled(context.Background(), rn, nil, grid, rows, cols, 5, w, 3)
	if err != nil {
		t.Fatalf("DiversityTiled: %v", err)
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("DiversityTiled mismatch (-want +got):\n%s", diff)
	}
}
