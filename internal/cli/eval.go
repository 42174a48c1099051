package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/calvinalkan/gridcalc/internal/calc"
	"github.com/calvinalkan/gridcalc/internal/config"
	"github.com/calvinalkan/gridcalc/internal/expr"
)

// EvalCmd returns the eval command.
func EvalCmd(cfg *config.Config, s *session) *Command {
	fs := flag.NewFlagSet("eval", flag.ContinueOnError)
	modelPath := fs.StringP("model", "m", "", "Load definitions from `file`")

	return &Command{
		Flags: fs,
		Usage: "eval [-m model] <path|expr>...",
		Short: "Evaluate items or expressions",
		Long: `Evaluate each argument and print its result. An argument starting with
"(" is parsed as an expression, anything else names a defined item.

Results are looked up in the cache directory before they are computed, and
new results are written back when the command ends.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			return execEval(ctx, o, cfg, s, *modelPath, args)
		},
	}
}

func execEval(ctx context.Context, o *IO, cfg *config.Config, s *session, modelPath string, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: nothing to evaluate", ErrArgs)
	}

	e, err := openWithModel(ctx, cfg, s, modelPath)
	if err != nil {
		return err
	}

	for _, arg := range args {
		r, err := evalArg(ctx, e, arg)
		if err != nil {
			return err
		}

		if len(args) > 1 {
			o.Println("#", arg)
		}

		err = printRef(o, r)
		r.Release()

		if err != nil {
			return err
		}
	}

	return nil
}

func openWithModel(ctx context.Context, cfg *config.Config, s *session, modelPath string) (*calc.Engine, error) {
	e, err := s.openEngine(ctx)
	if err != nil {
		return nil, err
	}

	if modelPath == "" {
		return e, nil
	}

	m, err := loadModel(absPath(cfg, modelPath))
	if err != nil {
		return nil, err
	}

	return e, m.apply(e)
}

func evalArg(ctx context.Context, e *calc.Engine, arg string) (calc.Ref, error) {
	if strings.HasPrefix(strings.TrimSpace(arg), "(") {
		x, err := expr.Parse(arg)
		if err != nil {
			return nil, err
		}

		return e.Evaluate(ctx, x)
	}

	return e.EvaluatePath(ctx, arg)
}

// SnapshotCmd returns the snapshot command.
func SnapshotCmd(cfg *config.Config, s *session) *Command {
	fs := flag.NewFlagSet("snapshot", flag.ContinueOnError)
	modelPath := fs.StringP("model", "m", "", "Load definitions from `file`")
	hidden := fs.Bool("hidden", false, "Include hidden items")
	asJSON := fs.Bool("json", false, "Print JSON instead of YAML")

	return &Command{
		Flags: fs,
		Usage: "snapshot [-m model] [path...]",
		Short: "Print the item trees with states and failures",
		Long: `Evaluate the given items, then print the configuration tree and the result
tree. An item that fails is reported as a warning; its failure is part of
the snapshot.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			return execSnapshot(ctx, o, cfg, s, *modelPath, *hidden, *asJSON, args)
		},
	}
}

func execSnapshot(ctx context.Context, o *IO, cfg *config.Config, s *session, modelPath string, hidden, asJSON bool, paths []string) error {
	e, err := openWithModel(ctx, cfg, s, modelPath)
	if err != nil {
		return err
	}

	for _, p := range paths {
		r, err := evalArg(ctx, e, p)
		if err != nil {
			o.Warn(err.Error(), "see the failure in the snapshot")

			continue
		}

		defer r.Release()
	}

	snap := e.Snapshot(hidden)

	if asJSON {
		enc := json.NewEncoder(o)
		enc.SetIndent("", "  ")
		err = enc.Encode(snap)
	} else {
		enc := yaml.NewEncoder(o)
		enc.SetIndent(2)
		err = errors.Join(enc.Encode(snap), enc.Close())
	}

	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	return nil
}
