package cliapp

import (
	"fmt"
	"io"
)

// IO handles one command invocation's output, deferring any warnings to
// both the start and end of the stream so they survive truncation or
// piping through `head`/`tail` — the same visibility guarantee the
// teacher's internal/cli.IO gives its callers.
type IO struct {
	out      io.Writer
	errOut   io.Writer
	warnings []string
	started  bool
}

// NewIO creates an IO writing to out/errOut.
func NewIO(out, errOut io.Writer) *IO {
	return &IO{out: out, errOut: errOut}
}

// Warn records a non-fatal warning surfaced to the operator.
func (o *IO) Warn(issue string) {
	o.warnings = append(o.warnings, issue)
}

// Println writes to stdout, flushing any pending start-of-output warnings
// first.
func (o *IO) Println(a ...any) {
	o.flushStart()
	_, _ = fmt.Fprintln(o.out, a...)
}

// Printf writes formatted output to stdout.
func (o *IO) Printf(format string, a ...any) {
	o.flushStart()
	_, _ = fmt.Fprintf(o.out, format, a...)
}

// Out returns the underlying stdout writer, for callers (e.g. render) that
// need an io.Writer directly.
func (o *IO) Out() io.Writer {
	o.flushStart()
	return o.out
}

// ErrPrintln writes to stderr.
func (o *IO) ErrPrintln(a ...any) {
	_, _ = fmt.Fprintln(o.errOut, a...)
}

func (o *IO) flushStart() {
	if !o.started && len(o.warnings) > 0 {
		for _, w := range o.warnings {
			_, _ = fmt.Fprintln(o.errOut, "warning:", w)
		}

		o.started = true
	}
}

// Finish prints any warnings not already flushed, a second time, at the
// end of the run.
func (o *IO) Finish() {
	o.flushStart()

	for _, w := range o.warnings {
		_, _ = fmt.Fprintln(o.errOut, "warning:", w)
	}
}
