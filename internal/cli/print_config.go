package cli

import (
	"context"
	"strconv"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/gridcalc/internal/config"
)

// PrintConfigCmd returns the print-config command.
func PrintConfigCmd(cfg *config.Config) *Command {
	return &Command{
		Flags: flag.NewFlagSet("print-config", flag.ContinueOnError),
		Usage: "print-config",
		Short: "Show resolved configuration",
		Long:  "Display the effective configuration and which files it was loaded from.",
		Exec: func(_ context.Context, o *IO, _ []string) error {
			execPrintConfig(o, cfg)

			return nil
		},
	}
}

func execPrintConfig(o *IO, cfg *config.Config) {
	o.Println("effective_cwd=" + cfg.EffectiveCwd)
	o.Println("cache_dir=" + cfg.CacheDirAbs)
	o.Println("workers=" + strconv.Itoa(cfg.Workers))
	o.Println("tile_size=" + strconv.FormatInt(cfg.TileSize, 10))
	o.Println("lock_timeout=" + cfg.LockTimeoutDur.String())
	o.Println("log_level=" + cfg.LogLevel)
	o.Println("log_format=" + cfg.LogFormat)
	o.Println("persist=" + strconv.FormatBool(cfg.Persist))

	o.Println("")
	o.Println("# sources")

	if cfg.Sources.Global == "" && cfg.Sources.Project == "" {
		o.Println("(defaults only)")

		return
	}

	if cfg.Sources.Global != "" {
		o.Println("global_config=" + cfg.Sources.Global)
	}

	if cfg.Sources.Project != "" {
		o.Println("project_config=" + cfg.Sources.Project)
	}
}
