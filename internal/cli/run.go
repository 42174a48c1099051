// Package cli implements the gridcalc command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/calvinalkan/gridcalc/internal/config"
	"github.com/calvinalkan/gridcalc/internal/logging"
)

// Errors returned by commands.
var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrArgs           = errors.New("wrong arguments")
)

type globalFlags struct {
	set *flag.FlagSet

	cwd       string
	config    string
	cacheDir  string
	workers   int
	tileSize  int64
	logLevel  string
	noPersist bool
	help      bool
}

func newGlobalFlags() *globalFlags {
	g := &globalFlags{set: flag.NewFlagSet("gridcalc", flag.ContinueOnError)}

	g.set.SetInterspersed(false)
	g.set.SetOutput(&strings.Builder{})
	g.set.StringVarP(&g.cwd, "cwd", "C", "", "Run as if started in `dir`")
	g.set.StringVarP(&g.config, "config", "c", "", "Use the config `file`")
	g.set.StringVar(&g.cacheDir, "cache-dir", "", "Store results in `dir`")
	g.set.IntVar(&g.workers, "workers", 0, "Parallel computations")
	g.set.Int64Var(&g.tileSize, "tile-size", 0, "Elements per tile, 0 for one tile")
	g.set.StringVar(&g.logLevel, "log-level", "", "debug, info, warn or error")
	g.set.BoolVar(&g.noPersist, "no-persist", false, "Keep results in memory only")
	g.set.BoolVarP(&g.help, "help", "h", false, "Show help")

	return g
}

func (g *globalFlags) overrides() config.Overrides {
	var o config.Overrides

	if g.set.Changed("cache-dir") {
		o.CacheDir = &g.cacheDir
	}

	if g.set.Changed("workers") {
		o.Workers = &g.workers
	}

	if g.set.Changed("tile-size") {
		o.TileSize = &g.tileSize
	}

	if g.set.Changed("log-level") {
		o.LogLevel = &g.logLevel
	}

	if g.noPersist {
		persist := false
		o.Persist = &persist
	}

	return o
}

// Run is the entry point of the gridcalc binary. args includes the program
// name. A signal on sigCh cancels the running command. It returns the exit
// code.
func Run(_ io.Reader, out, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	g := newGlobalFlags()

	if len(args) > 0 {
		args = args[1:]
	}

	err := g.set.Parse(args)
	if err != nil {
		fprintln(errOut, "error:", err)
		fprintln(errOut)
		printUsage(errOut, g)

		return 1
	}

	rest := g.set.Args()
	if g.help || len(rest) == 0 {
		printUsage(out, g)

		return 0
	}

	cfg, err := config.Load(config.LoadInput{
		WorkDirOverride: g.cwd,
		ConfigPath:      g.config,
		Overrides:       g.overrides(),
		Env:             env,
	})
	if err != nil {
		fprintln(errOut, "error:", err)
		fprintln(errOut)
		printUsage(errOut, g)

		return 1
	}

	log, _, err := logging.New(errOut, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if sigCh != nil {
		go func() {
			select {
			case sig := <-sigCh:
				log.Warn("interrupted", zap.Stringer("signal", sig))
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	s := newSession(&cfg, log)

	for _, c := range commands(&cfg, s) {
		if c.Name() != rest[0] {
			continue
		}

		code := c.Run(ctx, NewIO(out, errOut), rest[1:])

		if err := s.close(context.WithoutCancel(ctx)); err != nil {
			fprintln(errOut, "error:", err)

			code = 1
		}

		return code
	}

	fprintln(errOut, "error:", fmt.Errorf("%w: %s", ErrUnknownCommand, rest[0]))
	fprintln(errOut)
	printUsage(errOut, g)

	return 1
}

func commands(cfg *config.Config, s *session) []*Command {
	return []*Command{
		EvalCmd(cfg, s),
		SnapshotCmd(cfg, s),
		PCountCmd(cfg, s),
		InvertCmd(cfg, s),
		StatsCmd(cfg, s),
		DistrictCmd(cfg, s),
		DiversityCmd(cfg, s),
		StoreCmd(s),
		PrintConfigCmd(cfg),
	}
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

func printUsage(w io.Writer, g *globalFlags) {
	fprintln(w, "gridcalc - demand-driven calculations over tiled grids")
	fprintln(w)
	fprintln(w, "Usage: gridcalc [global flags] <command> [args]")
	fprintln(w)
	fprintln(w, "Global flags:")
	_, _ = fmt.Fprint(w, g.set.FlagUsages())
	fprintln(w)
	fprintln(w, "Commands:")

	for _, c := range commands(&config.Config{}, nil) {
		fprintln(w, c.HelpLine())
	}
}
