package cli

import (
	"context"
	"fmt"

	flag "github.com/spf13/pflag"
)

// StoreCmd returns the store command.
func StoreCmd(s *session) *Command {
	fs := flag.NewFlagSet("store", flag.ContinueOnError)
	files := fs.Bool("files", false, "With ls, also print the source files of each record")

	return &Command{
		Flags: fs,
		Usage: "store <ls|prune> [flags]",
		Short: "Inspect or clean the cache directory",
		Long: `ls prints one line per persisted result: its data file, its logical
timestamp and its key.

prune removes data files no record refers to, and temp streams left by an
interrupted run.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("%w: want ls or prune", ErrArgs)
			}

			m, err := s.openStore(ctx)
			if err != nil {
				return err
			}

			switch args[0] {
			case "ls":
				for _, e := range m.Entries() {
					o.Printf("%s\t%d\t%s\n", e.FileNameBase, e.TimeStamp, e.Key)

					if *files {
						for _, f := range e.Files {
							o.Printf("\t\t%s\n", f)
						}
					}
				}

				return nil
			case "prune":
				removed, err := m.Prune()
				if err != nil {
					return err
				}

				tmp, err := m.CleanupTmp()
				if err != nil {
					return err
				}

				o.Printf("removed %d data files, %d temp streams\n", removed, tmp)

				return nil
			default:
				return fmt.Errorf("%w: unknown store action %q", ErrArgs, args[0])
			}
		},
	}
}
