package cliapp

import (
	"context"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/pgbackup/pgbackup/internal/severity"
)

// SetBackupCmd edits a backup's mutable control-file fields: the note and
// pinning (ttl/expire-time) — the "set-backup" subcommand spec.md §6.4
// names. It does not change a backup's status.
func SetBackupCmd(app *App) *Command {
	fs := flag.NewFlagSet("set-backup", flag.ContinueOnError)
	instance := fs.String("instance", "", "instance name")
	backupID := fs.String("backup-id", "", "backup id")
	note := fs.String("note", "", "free-text note")
	ttl := fs.Duration("ttl", 0, "pin the backup for the given duration from now")
	expireTime := fs.String("expire-time", "", "pin the backup until this RFC3339 timestamp")

	return &Command{
		Flags: fs,
		Usage: "set-backup --instance <name> --backup-id <id> [--note <text>] [--ttl <dur>] [--expire-time <ts>]",
		Short: "Edit a backup's note or pin/unpin it",
		Exec: func(_ context.Context, o *IO, _ *severity.Tracker, _ []string) error {
			return execSetBackup(o, app, *instance, *backupID, *note, *ttl, *expireTime, fs)
		},
	}
}

func execSetBackup(o *IO, app *App, instance, backupID, note string, ttl time.Duration, expireTime string, fs *flag.FlagSet) error {
	if instance == "" {
		return ErrInstanceRequired
	}

	if backupID == "" {
		return ErrBackupIDRequired
	}

	b, err := app.Catalog.GetBackup(instance, backupID)
	if err != nil {
		return err
	}

	lk, status, err := app.Locks.AcquireExclusive(b.Dir(), 30*time.Second, true)
	if err != nil {
		return err
	}

	if status != 0 {
		return lockStatusErr(status)
	}
	defer lk.Close()

	if fs.Changed("note") {
		b.Note = note
	}

	if fs.Changed("ttl") {
		b.ExpireTime = time.Now().UTC().Add(ttl)
	}

	if fs.Changed("expire-time") {
		t, err := time.Parse(time.RFC3339, expireTime)
		if err != nil {
			return err
		}

		b.ExpireTime = t
	}

	if err := app.Catalog.WriteControlFile(b); err != nil {
		return err
	}

	o.Println("updated", instance+"/"+backupID)

	return nil
}
