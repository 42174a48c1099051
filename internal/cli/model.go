package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/calvinalkan/gridcalc/internal/calc"
	"github.com/calvinalkan/gridcalc/internal/expr"
)

// ErrModel is returned for a malformed model file.
var ErrModel = errors.New("invalid model")

// modelFile is the YAML layout of a model:
//
//	definitions:
//	  /zones: (range "UInt32" 0 5)
//	  /cells: (range "UInt32" 0 5)
//	  /cells/zone: (file_values cells "UInt32" "zone.yaml")
//	  /counts: (pcount cells/zone zones)
//	usings:
//	  /scenario: [/base]
//
// Definitions are applied in file order, so containers come before their
// children. Relative source files are resolved against the model's
// directory.
type modelFile struct {
	Definitions yaml.Node           `yaml:"definitions"`
	Usings      map[string][]string `yaml:"usings"`
}

type modelDef struct {
	path string
	x    expr.Expr
}

type model struct {
	defs   []modelDef
	usings map[string][]string
}

func loadModel(path string) (*model, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}

	var f modelFile

	err = yaml.Unmarshal(raw, &f)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrModel, path, err)
	}

	m := &model{usings: f.Usings}

	if f.Definitions.Kind == 0 {
		return m, nil
	}

	if f.Definitions.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w %s: definitions must be a mapping", ErrModel, path)
	}

	dir := filepath.Dir(path)
	nodes := f.Definitions.Content

	for i := 0; i+1 < len(nodes); i += 2 {
		p, src := nodes[i].Value, nodes[i+1].Value

		x, err := expr.Parse(src)
		if err != nil {
			return nil, fmt.Errorf("%w %s:%d: %s: %w", ErrModel, path, nodes[i].Line, p, err)
		}

		m.defs = append(m.defs, modelDef{path: p, x: rebase(x, dir)})
	}

	return m, nil
}

// apply defines every item of m in e and then adds the usings.
func (m *model) apply(e *calc.Engine) error {
	for _, d := range m.defs {
		if _, err := e.Define(d.path, d.x); err != nil {
			return err
		}
	}

	paths := make([]string, 0, len(m.usings))
	for p := range m.usings {
		paths = append(paths, p)
	}

	slices.Sort(paths)

	for _, p := range paths {
		for _, ns := range m.usings[p] {
			if err := e.Use(p, ns); err != nil {
				return err
			}
		}
	}

	return nil
}

// rebase makes the source file paths in x absolute against dir.
func rebase(x expr.Expr, dir string) expr.Expr {
	if x.Kind() != expr.KindCall {
		return x
	}

	args := x.Args()
	for i, a := range args {
		args[i] = rebase(a, dir)
	}

	if x.Op() == "file_values" && len(args) == 3 && args[2].Kind() == expr.KindString {
		if p := args[2].Text(); !filepath.IsAbs(p) {
			args[2] = expr.Str(filepath.Join(dir, p))
		}
	}

	return expr.Call(x.Op(), args...)
}
