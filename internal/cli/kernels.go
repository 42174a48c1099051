package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"

	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/calvinalkan/gridcalc/internal/calc"
	"github.com/calvinalkan/gridcalc/internal/config"
	"github.com/calvinalkan/gridcalc/internal/expr"
	"github.com/calvinalkan/gridcalc/internal/unit"
)

// valuesFile is a YAML sequence of numbers read by file_values.
type valuesFile struct {
	path string
	n    int
}

func openValues(cfg *config.Config, p string) (valuesFile, error) {
	path := absPath(cfg, p)

	raw, err := os.ReadFile(path)
	if err != nil {
		return valuesFile{}, err
	}

	var entries []*float64

	err = yaml.Unmarshal(raw, &entries)
	if err != nil {
		return valuesFile{}, fmt.Errorf("%s: %w", p, err)
	}

	return valuesFile{path: path, n: len(entries)}, nil
}

// over returns the expression reading f as vt over domain.
func (f valuesFile) over(domain expr.Expr, vt string) expr.Expr {
	return expr.Call("file_values", domain, expr.Str(vt), expr.Str(f.path))
}

func rangeOf(vt string, n int) expr.Expr {
	return expr.Call("range", expr.Str(vt), expr.Num(0), expr.Num(float64(n)))
}

func gridOf(rows, cols int) expr.Expr {
	return expr.Call("grid", expr.Str("SPoint"), expr.Num(float64(rows)), expr.Num(float64(cols)))
}

func positiveArg(name, s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive integer, got %q", ErrArgs, name, s)
	}

	return n, nil
}

func checkValueType(name string) error {
	_, err := unit.ParseValueType(name)

	return err
}

// evalAndPrint evaluates x and prints the result, preceded by header lines
// once the evaluation has succeeded.
func evalAndPrint(ctx context.Context, o *IO, s *session, x expr.Expr, header ...string) (*calc.Data, error) {
	e, err := s.openEngine(ctx)
	if err != nil {
		return nil, err
	}

	r, err := e.Evaluate(ctx, x)
	if err != nil {
		return nil, err
	}
	defer r.Release()

	d, err := calc.DataOf(r)
	if err != nil {
		return nil, err
	}

	for _, h := range header {
		o.Println(h)
	}

	printData(o, d)

	return d, nil
}

// PCountCmd returns the pcount command.
func PCountCmd(cfg *config.Config, s *session) *Command {
	fs := flag.NewFlagSet("pcount", flag.ContinueOnError)
	vt := fs.String("type", "UInt32", "Value `type` of the partition ids")

	return &Command{
		Flags: fs,
		Usage: "pcount <values> <count> [flags]",
		Short: "Count elements per partition",
		Long: `Read partition ids from the values file and print, for each of the count
partitions, how many elements belong to it. Undefined and out of range ids
are not counted.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("%w: want <values> <count>", ErrArgs)
			}

			if err := checkValueType(*vt); err != nil {
				return err
			}

			f, err := openValues(cfg, args[0])
			if err != nil {
				return err
			}

			n, err := positiveArg("count", args[1])
			if err != nil {
				return err
			}

			x := expr.Call("pcount", f.over(rangeOf("UInt32", f.n), *vt), rangeOf(*vt, n))
			_, err = evalAndPrint(ctx, o, s, x)

			return err
		},
	}
}

// InvertCmd returns the invert command.
func InvertCmd(cfg *config.Config, s *session) *Command {
	fs := flag.NewFlagSet("invert", flag.ContinueOnError)
	vt := fs.String("type", "UInt32", "Value `type` of the mapping")
	all := fs.Bool("all", false, "Also print the elements displaced by a later one")

	return &Command{
		Flags: fs,
		Usage: "invert <values> <count> [flags]",
		Short: "Map each value back to the element holding it",
		Long: `Read a mapping from elements to values in [0, count) and print, for each
value, the element mapping to it, or null. With --all the last element wins
and the displaced elements are printed after a "# displaced" line.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("%w: want <values> <count>", ErrArgs)
			}

			if err := checkValueType(*vt); err != nil {
				return err
			}

			f, err := openValues(cfg, args[0])
			if err != nil {
				return err
			}

			n, err := positiveArg("count", args[1])
			if err != nil {
				return err
			}

			op := "invert"
			if *all {
				op = "invert_all"
			}

			x := expr.Call(op, f.over(rangeOf("UInt32", f.n), *vt), rangeOf(*vt, n))

			d, err := evalAndPrint(ctx, o, s, x)
			if err != nil {
				return err
			}

			if col, ok := d.Extra["displaced"]; ok {
				o.Println("# displaced")
				printColumn(o, col.Float64s())
			}

			return nil
		},
	}
}

// StatsCmd returns the stats command.
func StatsCmd(cfg *config.Config, s *session) *Command {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	corr := fs.Bool("correlation", false, "Print the correlation instead of the covariance")
	partition := fs.String("partition", "", "Group elements by the partition ids in `file`")
	groups := fs.Int("groups", 0, "Number of partitions, required with --partition")

	return &Command{
		Flags: fs,
		Usage: "stats <x> <y> [flags]",
		Short: "Covariance or correlation of two columns",
		Long: `Read two value files of equal length and print their population covariance,
or with --correlation their correlation. Elements where either value is
undefined are skipped. With --partition one result is printed per group.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("%w: want <x> <y>", ErrArgs)
			}

			xf, err := openValues(cfg, args[0])
			if err != nil {
				return err
			}

			yf, err := openValues(cfg, args[1])
			if err != nil {
				return err
			}

			if xf.n != yf.n {
				return fmt.Errorf("%w: %s has %d values, %s has %d", ErrArgs, args[0], xf.n, args[1], yf.n)
			}

			domain := rangeOf("UInt32", xf.n)
			x, y := xf.over(domain, "Float64"), yf.over(domain, "Float64")

			op := "covariance"
			if *corr {
				op = "correlation"
			}

			var call expr.Expr

			switch {
			case *partition == "" && *groups == 0:
				call = expr.Call(op, x, y)
			case *partition == "" || *groups <= 0:
				return fmt.Errorf("%w: --partition and a positive --groups go together", ErrArgs)
			default:
				pf, err := openValues(cfg, *partition)
				if err != nil {
					return err
				}

				if pf.n != xf.n {
					return fmt.Errorf("%w: %s has %d values, want %d", ErrArgs, *partition, pf.n, xf.n)
				}

				call = expr.Call(op+"_partial", x, y, pf.over(domain, "UInt32"), rangeOf("UInt32", *groups))
			}

			_, err = evalAndPrint(ctx, o, s, call)

			return err
		},
	}
}

func gridArgs(args []string) (int, int, error) {
	rows, err := positiveArg("rows", args[1])
	if err != nil {
		return 0, 0, err
	}

	cols, err := positiveArg("cols", args[2])
	if err != nil {
		return 0, 0, err
	}

	return rows, cols, nil
}

// DistrictCmd returns the district command.
func DistrictCmd(cfg *config.Config, s *session) *Command {
	fs := flag.NewFlagSet("district", flag.ContinueOnError)
	diagonal := fs.Bool("diagonal", false, "Connect cells across corners too")

	return &Command{
		Flags: fs,
		Usage: "district <grid> <rows> <cols> [flags]",
		Short: "Label connected regions of equal value",
		Long: `Read a rows x cols grid in row-major order and label each connected region
of equal values, numbered in scan order. Cells connect to their four direct
neighbours, or with --diagonal to all eight.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 3 {
				return fmt.Errorf("%w: want <grid> <rows> <cols>", ErrArgs)
			}

			f, err := openValues(cfg, args[0])
			if err != nil {
				return err
			}

			rows, cols, err := gridArgs(args)
			if err != nil {
				return err
			}

			op := "district_4"
			if *diagonal {
				op = "district_8"
			}

			header := fmt.Sprintf("# %s over %dx%d", op, rows, cols)

			d, err := evalAndPrint(ctx, o, s, expr.Call(op, f.over(gridOf(rows, cols), "Int32")), header)
			if err != nil {
				return err
			}

			o.Printf("# districts: %d\n", d.Values.Count())

			return nil
		},
	}
}

// DiversityCmd returns the diversity command.
func DiversityCmd(cfg *config.Config, s *session) *Command {
	fs := flag.NewFlagSet("diversity", flag.ContinueOnError)
	cats := fs.Int("categories", 0, "Number of categories; values outside [0, n) are ignored")
	radius := fs.Int("radius", 1, "Window radius in cells")
	circle := fs.Bool("circle", false, "Use a circular window instead of a square")

	return &Command{
		Flags: fs,
		Usage: "diversity <grid> <rows> <cols> [flags]",
		Short: "Count distinct categories around each cell",
		Long: `Read a rows x cols grid of categories in row-major order and print, for each
cell, how many distinct categories occur within the window around it.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 3 {
				return fmt.Errorf("%w: want <grid> <rows> <cols>", ErrArgs)
			}

			if *cats <= 0 || *radius < 0 {
				return fmt.Errorf("%w: --categories must be positive and --radius not negative", ErrArgs)
			}

			f, err := openValues(cfg, args[0])
			if err != nil {
				return err
			}

			rows, cols, err := gridArgs(args)
			if err != nil {
				return err
			}

			flagNum := 0.0
			if *circle {
				flagNum = 1
			}

			x := expr.Call("diversity", f.over(gridOf(rows, cols), "UInt32"),
				expr.Num(float64(*cats)), expr.Num(float64(*radius)), expr.Num(flagNum))
			_, err = evalAndPrint(ctx, o, s, x)

			return err
		},
	}
}
