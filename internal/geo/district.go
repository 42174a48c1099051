// Package geo holds the spatial kernels over 2-D grids stored in row-major
// order: connected-component districting and moving-window diversity.
package geo

import (
	"errors"
	"fmt"
)

// ErrGridShape is returned when a grid's length does not match its shape.
var ErrGridShape = errors.New("grid length does not match rows x cols")

// Rule selects the neighbourhood used for connectivity.
type Rule uint8

// Connectivity rules.
const (
	Rule4 Rule = 4
	Rule8 Rule = 8
)

type offset struct{ dr, dc int }

var (
	rook  = []offset{{-1, 0}, {0, -1}, {0, 1}, {1, 0}}                                              //nolint:gochecknoglobals // neighbourhood table
	queen = []offset{{-1, -1}, {-1, 0}, {-1, 1}, {0, -1}, {0, 1}, {1, -1}, {1, 0}, {1, 1}} //nolint:gochecknoglobals // neighbourhood table
)

func checkShape(n, rows, cols int) error {
	if rows < 0 || cols < 0 || n != rows*cols {
		return fmt.Errorf("%w: len %d, shape %dx%d", ErrGridShape, n, rows, cols)
	}

	return nil
}

// Districts labels the connected groups of equal-valued cells. Labels are
// assigned in row-major order of each group's first cell and run from 0 to
// the returned district count. The fill uses an explicit stack.
func Districts[T comparable](grid []T, rows, cols int, rule Rule) ([]uint32, uint32, error) {
	if err := checkShape(len(grid), rows, cols); err != nil {
		return nil, 0, err
	}

	nbrs := rook
	if rule == Rule8 {
		nbrs = queen
	}

	const unlabeled = ^uint32(0)

	labels := make([]uint32, len(grid))
	for i := range labels {
		labels[i] = unlabeled
	}

	var (
		next  uint32
		stack []int
	)

	for start := range grid {
		if labels[start] != unlabeled {
			continue
		}

		label := next
		next++

		v := grid[start]
		labels[start] = label
		stack = append(stack[:0], start)

		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			r, c := i/cols, i%cols

			for _, o := range nbrs {
				nr, nc := r+o.dr, c+o.dc
				if nr < 0 || nr >= rows || nc < 0 || nc >= cols {
					continue
				}

				j := nr*cols + nc
				if labels[j] != unlabeled || grid[j] != v {
					continue
				}

				labels[j] = label
				stack = append(stack, j)
			}
		}
	}

	return labels, next, nil
}
