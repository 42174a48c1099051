package geo

import (
	"context"
	"fmt"
	"math"

	"github.com/calvinalkan/gridcalc/internal/tile"
	"github.com/calvinalkan/gridcalc/internal/unit"
)

// Window describes the moving window of a diversity computation.
type Window struct {
	Radius int

	// Circle restricts the square window to cells within Radius of the
	// centre.
	Circle bool
}

// halfWidths returns, for every row offset dr in [-R, R], the column
// half-width of the window.
func (w Window) halfWidths() []int {
	out := make([]int, 2*w.Radius+1)

	for dr := -w.Radius; dr <= w.Radius; dr++ {
		hw := w.Radius
		if w.Circle {
			hw = int(math.Floor(math.Sqrt(float64(w.Radius*w.Radius - dr*dr))))
		}

		out[dr+w.Radius] = hw
	}

	return out
}

// Diversity returns, for every cell, the number of distinct categories in
// [0, categories) found within the window around it. Undefined and
// out-of-range values are not counted.
func Diversity[T unit.Ordinal](grid []T, rows, cols int, categories T, w Window) ([]uint32, error) {
	if err := checkShape(len(grid), rows, cols); err != nil {
		return nil, err
	}

	if w.Radius < 0 {
		return nil, fmt.Errorf("diversity: negative radius %d", w.Radius)
	}

	out := make([]uint32, len(grid))
	diversityRows(grid, rows, cols, categories, w, 0, rows, out, 0)

	return out, nil
}

// DiversityTiled computes [Diversity] with the rows split into tiles of
// rowsPerTile rows, computed in parallel. Row tiles finished by an earlier
// interrupted call with the same prog are reused.
func DiversityTiled[T unit.Ordinal](
	ctx context.Context,
	r *tile.Runner,
	prog *tile.Progress,
	grid []T,
	rows, cols int,
	categories T,
	w Window,
	rowsPerTile int,
) ([]uint32, error) {
	if err := checkShape(len(grid), rows, cols); err != nil {
		return nil, err
	}

	tl, err := unit.NewTiling(int64(rows), int64(rowsPerTile))
	if err != nil {
		return nil, fmt.Errorf("diversity: %w", err)
	}

	parts, err := tile.RunResumable(ctx, r, tl, prog, "diversity", func(_ context.Context, id uint32) ([]uint32, error) {
		b, e := tl.TileRange(id)
		rowsOut := make([]uint32, (e-b)*int64(cols))
		diversityRows(grid, rows, cols, categories, w, int(b), int(e), rowsOut, int(b)*cols)

		return rowsOut, nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]uint32, 0, len(grid))
	for _, p := range parts {
		out = append(out, p...)
	}

	return out, nil
}

// diversityRows fills out for rows [r0, r1), where out[0] is cell base.
// Along each row the window is slid one column at a time: the column leaving
// on the left is removed and the column entering on the right is added.
func diversityRows[T unit.Ordinal](grid []T, rows, cols int, categories T, w Window, r0, r1 int, out []uint32, base int) {
	if cols == 0 {
		return
	}

	hws := w.halfWidths()
	counts := make([]uint32, int(categories))
	check := unit.Checked[T]{N: int(categories)}

	var distinct uint32

	add := func(r, c int) {
		if r < 0 || r >= rows || c < 0 || c >= cols {
			return
		}

		k, ok := check.Index(grid[r*cols+c])
		if !ok {
			return
		}

		if counts[k] == 0 {
			distinct++
		}

		counts[k]++
	}

	remove := func(r, c int) {
		if r < 0 || r >= rows || c < 0 || c >= cols {
			return
		}

		k, ok := check.Index(grid[r*cols+c])
		if !ok {
			return
		}

		counts[k]--
		if counts[k] == 0 {
			distinct--
		}
	}

	for r := r0; r < r1; r++ {
		clear(counts)
		distinct = 0

		for dr := -w.Radius; dr <= w.Radius; dr++ {
			hw := hws[dr+w.Radius]
			for dc := -hw; dc <= hw; dc++ {
				add(r+dr, dc)
			}
		}

		out[r*cols-base] = distinct

		for c := 1; c < cols; c++ {
			for dr := -w.Radius; dr <= w.Radius; dr++ {
				hw := hws[dr+w.Radius]
				remove(r+dr, c-1-hw)
				add(r+dr, c+hw)
			}

			out[r*cols+c-base] = distinct
		}
	}
}
