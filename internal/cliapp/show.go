package cliapp

import (
	"context"

	flag "github.com/spf13/pflag"

	"github.com/pgbackup/pgbackup/internal/render"
	"github.com/pgbackup/pgbackup/internal/severity"
)

// ShowCmd lists the backups known to an instance (or every instance, when
// --instance is omitted).
func ShowCmd(app *App) *Command {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	instance := fs.String("instance", "", "instance name (all instances when omitted)")
	asJSON := fs.Bool("json", false, "render as JSON instead of a table")
	interactive := fs.Bool("interactive", false, "browse the catalog in an interactive REPL")

	return &Command{
		Flags: fs,
		Usage: "show [--instance <name>] [--json] [--interactive]",
		Short: "List backups in the catalog",
		Exec: func(ctx context.Context, o *IO, _ *severity.Tracker, _ []string) error {
			if *interactive {
				return runREPL(ctx, o, app)
			}

			format := render.FormatPlain
			if *asJSON {
				format = render.FormatJSON
			}

			return execShow(o, app, *instance, format)
		},
	}
}

func execShow(o *IO, app *App, instance string, format render.Format) error {
	instances := []string{instance}

	if instance == "" {
		var err error

		instances, err = app.Catalog.Instances()
		if err != nil {
			return err
		}
	}

	for _, inst := range instances {
		backups, err := app.Catalog.ListBackups(inst)
		if err != nil {
			return err
		}

		if err := render.Backups(o.Out(), inst, backups, format); err != nil {
			return err
		}
	}

	return nil
}
