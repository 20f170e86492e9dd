package cliapp

import (
	"context"
	"fmt"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/pgbackup/pgbackup/internal/catalog"
	"github.com/pgbackup/pgbackup/internal/lock"
	"github.com/pgbackup/pgbackup/internal/severity"
)

// DeleteCmd removes one backup, refusing when a descendant still depends
// on it as a parent.
func DeleteCmd(app *App) *Command {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	instance := fs.String("instance", "", "instance name")
	backupID := fs.String("backup-id", "", "backup id")

	return &Command{
		Flags: fs,
		Usage: "delete --instance <name> --backup-id <id>",
		Short: "Delete a backup that no other backup depends on",
		Exec: func(_ context.Context, o *IO, _ *severity.Tracker, _ []string) error {
			return execDelete(o, app, *instance, *backupID)
		},
	}
}

func execDelete(o *IO, app *App, instance, backupID string) error {
	if instance == "" {
		return ErrInstanceRequired
	}

	if backupID == "" {
		return ErrBackupIDRequired
	}

	backups, err := app.Catalog.ListBackups(instance)
	if err != nil {
		return err
	}

	target, ok := catalog.FindParent(backups, backupID)
	if !ok {
		return ErrBackupIDRequired
	}

	for _, b := range backups {
		if b.ID() != target.ID() && b.ParentBackupID == target.ID() {
			return fmt.Errorf("delete: %s/%s still has a dependent incremental backup (%s); merge or delete it first", instance, backupID, b.ID())
		}
	}

	// ENOSPC is tolerated (non-strict) during delete: spec.md §5 treats a
	// full filesystem as itself possibly being the reason to delete, so
	// acquiring the lock must not get blocked on the very condition the
	// delete is meant to relieve.
	lk, status, err := app.Locks.AcquireExclusive(target.Dir(), 10*time.Second, false)
	if err != nil {
		return err
	}

	if status != lock.StatusOK && status != lock.StatusENOSPC {
		return lockStatusErr(status)
	}

	target.Status = catalog.StatusDeleting

	if err := app.Catalog.WriteControlFile(target); err != nil {
		if lk != nil {
			_ = lk.Close()
		}

		return err
	}

	if err := removeAll(app.Backend, target.Dir()); err != nil {
		if lk != nil {
			_ = lk.Close()
		}

		return err
	}

	if lk != nil {
		_ = lk.Close()
	}

	o.Println("deleted", instance+"/"+backupID)

	return nil
}
