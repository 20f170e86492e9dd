package cliapp

import (
	"context"

	flag "github.com/spf13/pflag"

	"github.com/pgbackup/pgbackup/internal/severity"
)

// InitCmd creates the catalog root directory.
func InitCmd(app *App) *Command {
	return &Command{
		Flags: flag.NewFlagSet("init", flag.ContinueOnError),
		Usage: "init",
		Short: "Initialize the backup catalog",
		Long:  "Create the catalog root directory (" + app.Config.CatalogDir + ") if it does not already exist.",
		Exec: func(_ context.Context, o *IO, _ *severity.Tracker, _ []string) error {
			if err := app.Backend.MakeDir(app.Catalog.Root, 0o750); err != nil {
				return err
			}

			o.Println("catalog initialized at", app.Catalog.Root)

			return nil
		},
	}
}

// AddInstanceCmd creates a new, empty instance directory under the
// catalog root.
func AddInstanceCmd(app *App) *Command {
	return &Command{
		Flags: flag.NewFlagSet("add-instance", flag.ContinueOnError),
		Usage: "add-instance --instance <name>",
		Short: "Register a new backup instance",
		Exec: func(_ context.Context, o *IO, _ *severity.Tracker, args []string) error {
			return execAddInstance(o, app, args)
		},
	}
}

func execAddInstance(o *IO, app *App, args []string) error {
	fs := flag.NewFlagSet("add-instance", flag.ContinueOnError)
	instance := fs.String("instance", "", "instance name")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *instance == "" {
		return ErrInstanceRequired
	}

	dir := app.Catalog.InstanceDir(*instance)

	if _, err := app.Backend.Stat(dir); err == nil {
		return ErrInstanceExists
	}

	if err := app.Backend.MakeDir(dir, 0o750); err != nil {
		return err
	}

	o.Println("instance", *instance, "registered at", dir)

	return nil
}

// DelInstanceCmd removes an instance directory, refusing to do so while any
// backup beneath it is locked.
func DelInstanceCmd(app *App) *Command {
	return &Command{
		Flags: flag.NewFlagSet("del-instance", flag.ContinueOnError),
		Usage: "del-instance --instance <name>",
		Short: "Remove a backup instance and all its backups",
		Exec: func(_ context.Context, o *IO, _ *severity.Tracker, args []string) error {
			return execDelInstance(o, app, args)
		},
	}
}

func execDelInstance(o *IO, app *App, args []string) error {
	fs := flag.NewFlagSet("del-instance", flag.ContinueOnError)
	instance := fs.String("instance", "", "instance name")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *instance == "" {
		return ErrInstanceRequired
	}

	backups, err := app.Catalog.ListBackups(*instance)
	if err != nil {
		return ErrInstanceNotFound
	}

	for _, b := range backups {
		lk, status, err := app.Locks.AcquireExclusive(b.Dir(), 0, false)
		if err != nil {
			return err
		}

		if status != 0 {
			return lockStatusErr(status)
		}

		if err := removeAll(app.Backend, b.Dir()); err != nil {
			_ = lk.Close()
			return err
		}

		_ = lk.Close()
	}

	if err := removeAll(app.Backend, app.Catalog.InstanceDir(*instance)); err != nil {
		return err
	}

	o.Println("instance", *instance, "removed")

	return nil
}
