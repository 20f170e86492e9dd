package cliapp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/pgbackup/pgbackup/internal/severity"
)

// Command is one pgbackup subcommand, in the style of the teacher's
// internal/cli.Command: a flag set, help text, and an Exec closure that
// captures its dependencies (catalog root, toolconfig, env) rather than
// taking them as arguments.
type Command struct {
	Flags *flag.FlagSet
	Usage string
	Short string
	Long  string
	Exec  func(ctx context.Context, o *IO, tr *severity.Tracker, args []string) error
}

// Name returns the command name (first word of Usage).
func (c *Command) Name() string {
	name, _, _ := strings.Cut(c.Usage, " ")
	return name
}

// HelpLine is the one-line summary shown in the top-level help listing.
func (c *Command) HelpLine() string {
	return fmt.Sprintf("  %-28s %s", c.Usage, c.Short)
}

// PrintHelp prints `pgbackup <cmd> --help` output.
func (c *Command) PrintHelp(o *IO) {
	o.Println("Usage: pgbackup", c.Usage)
	o.Println()

	desc := c.Long
	if desc == "" {
		desc = c.Short
	}

	o.Println(desc)

	if c.Flags != nil && c.Flags.HasFlags() {
		o.Println()
		o.Println("Flags:")

		var buf strings.Builder
		c.Flags.SetOutput(&buf)
		c.Flags.PrintDefaults()
		o.Printf("%s", buf.String())
	}
}

// Run parses flags and executes the command, returning the process exit
// code: the worst [severity.Level] recorded by Exec, or 1 on a plain Go
// error Exec returns without recording a severity itself.
func (c *Command) Run(ctx context.Context, o *IO, args []string) int {
	c.Flags.SetOutput(&strings.Builder{})

	if err := c.Flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			c.PrintHelp(o)
			return 0
		}

		o.ErrPrintln("error:", err)
		o.ErrPrintln()
		c.PrintHelp(o)

		return int(severity.Error)
	}

	var tr severity.Tracker

	if err := c.Exec(ctx, o, &tr, c.Flags.Args()); err != nil {
		o.ErrPrintln("error:", err)
		tr.Record(severity.Error)
	}

	return tr.ExitCode()
}
