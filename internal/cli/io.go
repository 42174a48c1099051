package cli

import (
	"fmt"
	"io"
)

// IO is the output of one command. It is an [io.Writer] on stdout, so
// encoders can stream into it.
//
// Warnings collected while the command runs go to stderr twice: before the
// first byte of stdout and again from Finish. Either end of a truncated
// output still shows them.
type IO struct {
	out    io.Writer
	errOut io.Writer

	warnings    []string
	warnedEarly bool
}

// NewIO returns an IO writing to out and errOut.
func NewIO(out, errOut io.Writer) *IO {
	return &IO{out: out, errOut: errOut}
}

// Warn records a problem that did not stop the command and what to do about
// it. Any warning makes the exit code 1.
func (o *IO) Warn(issue, action string) {
	o.warnings = append(o.warnings, issue+": "+action)
}

// Write writes p to stdout.
func (o *IO) Write(p []byte) (int, error) {
	if !o.warnedEarly && len(o.warnings) > 0 {
		o.printWarnings()
		o.warnedEarly = true
	}

	return o.out.Write(p)
}

func (o *IO) Println(a ...any) {
	_, _ = fmt.Fprintln(o, a...)
}

func (o *IO) Printf(format string, a ...any) {
	_, _ = fmt.Fprintf(o, format, a...)
}

// ErrPrintln writes a line to stderr.
func (o *IO) ErrPrintln(a ...any) {
	_, _ = fmt.Fprintln(o.errOut, a...)
}

// Finish prints the warnings and returns the exit code.
func (o *IO) Finish() int {
	if len(o.warnings) == 0 {
		return 0
	}

	if !o.warnedEarly {
		o.printWarnings()
	}

	o.printWarnings()

	return 1
}

func (o *IO) printWarnings() {
	for _, w := range o.warnings {
		_, _ = fmt.Fprintln(o.errOut, "warning:", w)
	}
}
