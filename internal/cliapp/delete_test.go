package cliapp_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pgbackup/pgbackup/internal/cliapp"
)

func TestDeleteCommand_RemovesBackup(t *testing.T) {
	t.Parallel()

	c := cliapp.NewCLI(t)
	setupInstance(t, c)
	pgdata := writeFakePGData(t, c, "pgdata")

	c.MustRun("backup", "--instance", "primary", "--pgdata", pgdata, "--backup-mode", "FULL")
	id := listBackupIDs(t, c)[0]

	c.MustRun("delete", "--instance", "primary", "--backup-id", id)

	backupDir := filepath.Join(c.Dir, ".pgbackup", "primary", id)
	if _, err := os.Stat(backupDir); !os.IsNotExist(err) {
		t.Fatalf("expected backup dir to be gone, stat err = %v", err)
	}
}

func TestDeleteCommand_RefusesWhenDependentExists(t *testing.T) {
	t.Parallel()

	c := cliapp.NewCLI(t)
	setupInstance(t, c)
	pgdata := writeFakePGData(t, c, "pgdata")

	c.MustRun("backup", "--instance", "primary", "--pgdata", pgdata, "--backup-mode", "FULL")
	c.MustRun("backup", "--instance", "primary", "--pgdata", pgdata, "--backup-mode", "DELTA", "--start-lsn", "0/1000000")

	ids := listBackupIDs(t, c)
	full := ids[0]

	c.MustFail("delete", "--instance", "primary", "--backup-id", full)
}

func TestDeleteCommand_UnknownBackup(t *testing.T) {
	t.Parallel()

	c := cliapp.NewCLI(t)
	setupInstance(t, c)

	c.MustFail("delete", "--instance", "primary", "--backup-id", "20260101T000000")
}
