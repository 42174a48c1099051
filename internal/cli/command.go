package cli

import (
	"context"
	"errors"
	"strings"

	flag "github.com/spf13/pflag"
)

// Command is one gridcalc subcommand.
type Command struct {
	// Flags are the command's own flags; the set's name is unused.
	Flags *flag.FlagSet

	// Usage follows "gridcalc" in help output and starts with the command
	// name, e.g. "pcount <values> <count> [flags]".
	Usage string

	// Short is the line shown in the command listing.
	Short string

	// Long is shown by "gridcalc <cmd> --help" and defaults to Short.
	Long string

	Exec func(ctx context.Context, o *IO, args []string) error
}

// Name returns the first word of Usage.
func (c *Command) Name() string {
	return strings.Fields(c.Usage)[0]
}

// HelpLine returns the entry of c in the command listing.
func (c *Command) HelpLine() string {
	const width = 36

	pad := max(1, width-len(c.Usage))

	return "  " + c.Usage + strings.Repeat(" ", pad) + c.Short
}

// PrintHelp prints the full help of c.
func (c *Command) PrintHelp(o *IO) {
	desc := c.Long
	if desc == "" {
		desc = c.Short
	}

	o.Printf("Usage: gridcalc %s\n\n%s\n", c.Usage, desc)

	if c.Flags.HasFlags() {
		o.Printf("\nFlags:\n%s", c.Flags.FlagUsages())
	}
}

// Run parses args into c.Flags, executes c and returns the exit code.
// Errors go to stderr; argument errors are followed by the usage line.
func (c *Command) Run(ctx context.Context, o *IO, args []string) int {
	c.Flags.SetOutput(&strings.Builder{})

	err := c.Flags.Parse(args)
	if errors.Is(err, flag.ErrHelp) {
		c.PrintHelp(o)

		return 0
	}

	if err == nil {
		err = c.Exec(ctx, o, c.Flags.Args())
		if err == nil {
			return o.Finish()
		}

		o.ErrPrintln("error:", err)

		if !errors.Is(err, ErrArgs) {
			return 1
		}
	} else {
		o.ErrPrintln("error:", err)
	}

	o.ErrPrintln()
	o.ErrPrintln("Usage: gridcalc", c.Usage)
	o.ErrPrintln("Run 'gridcalc " + c.Name() + " --help' for details.")

	return 1
}
