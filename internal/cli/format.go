package cli

import (
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/calvinalkan/gridcalc/internal/calc"
	"github.com/calvinalkan/gridcalc/internal/config"
	"github.com/calvinalkan/gridcalc/internal/unit"
)

// formatValue prints undefined values as null, the spelling used by value
// files.
func formatValue(v float64) string {
	if math.IsNaN(v) {
		return "null"
	}

	return strconv.FormatFloat(v, 'g', -1, 64)
}

func printColumn(o *IO, vals []float64) {
	for _, v := range vals {
		o.Println(formatValue(v))
	}
}

// printGrid prints vals as rows of cols space separated values.
func printGrid(o *IO, vals []float64, cols int) {
	var b strings.Builder

	for i, v := range vals {
		if i%cols != 0 {
			b.WriteByte(' ')
		}

		b.WriteString(formatValue(v))

		if i%cols == cols-1 || i == len(vals)-1 {
			o.Println(b.String())
			b.Reset()
		}
	}
}

func printUnit(o *IO, u *unit.Unit) {
	if r, ok := u.Rect(); ok {
		o.Printf("unit %s %s %dx%d tiles=%d\n", u.Name(), u.ValueType(), r.Rows(), r.Cols(), u.Tiling().Count())

		return
	}

	b, end, _ := u.Bounds()
	o.Printf("unit %s %s [%d, %d) tiles=%d\n", u.Name(), u.ValueType(), b, end, u.Tiling().Count())
}

// printData prints a column, laid out as rows when its domain is a grid.
func printData(o *IO, d *calc.Data) {
	vals := d.Float64s()

	if r, ok := d.Domain.Rect(); ok && r.Cols() > 0 {
		printGrid(o, vals, r.Cols())

		return
	}

	printColumn(o, vals)
}

func printRef(o *IO, r calc.Ref) error {
	switch p := r.Payload().(type) {
	case *unit.Unit:
		printUnit(o, p)
	case *calc.Data:
		printData(o, p)
	default:
		return fmt.Errorf("%s: %w: %T", r.Key(), calc.ErrResultType, p)
	}

	return nil
}

// absPath resolves p against the effective working directory.
func absPath(cfg *config.Config, p string) string {
	if filepath.IsAbs(p) {
		return p
	}

	return filepath.Join(cfg.EffectiveCwd, p)
}
