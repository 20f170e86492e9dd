package cliapp_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pgbackup/pgbackup/internal/cliapp"
)

func setupInstance(t *testing.T, c *cliapp.CLI) {
	t.Helper()

	c.MustRun("init")
	c.MustRun("add-instance", "--instance", "primary")
}

func writeFakePGData(t *testing.T, c *cliapp.CLI, name string) string {
	t.Helper()

	pgdata := c.PGData(name)
	c.WritePGFile(pgdata, "PG_VERSION", []byte("16\n"))
	c.WritePGFile(pgdata, "global/pg_control", []byte("fake-control-bytes"))
	c.WritePGFile(pgdata, "base/1/1249", make([]byte, 8192*3))
	c.WritePGFile(pgdata, "base/1/1259_vm", make([]byte, 8192))

	return pgdata
}

func TestBackupCommand_FullBackup(t *testing.T) {
	t.Parallel()

	c := cliapp.NewCLI(t)
	setupInstance(t, c)
	pgdata := writeFakePGData(t, c, "pgdata")

	out := c.MustRun("backup", "--instance", "primary", "--pgdata", pgdata, "--backup-mode", "FULL")
	cliapp.AssertContains(t, out, "completed")

	ids := listBackupIDs(t, c)
	if len(ids) != 1 {
		t.Fatalf("expected one backup, got %v", ids)
	}
}

func TestBackupCommand_RequiresPGData(t *testing.T) {
	t.Parallel()

	c := cliapp.NewCLI(t)
	setupInstance(t, c)

	c.MustFail("backup", "--instance", "primary")
}

func TestBackupCommand_IncrementalRequiresStartLSN(t *testing.T) {
	t.Parallel()

	c := cliapp.NewCLI(t)
	setupInstance(t, c)
	pgdata := writeFakePGData(t, c, "pgdata")

	c.MustRun("backup", "--instance", "primary", "--pgdata", pgdata, "--backup-mode", "FULL")

	c.MustFail("backup", "--instance", "primary", "--pgdata", pgdata, "--backup-mode", "DELTA")
}

func TestBackupCommand_IncrementalRequiresParent(t *testing.T) {
	t.Parallel()

	c := cliapp.NewCLI(t)
	setupInstance(t, c)
	pgdata := writeFakePGData(t, c, "pgdata")

	c.MustFail("backup", "--instance", "primary", "--pgdata", pgdata, "--backup-mode", "DELTA", "--start-lsn", "0/1000000")
}

func TestBackupCommand_DeltaChain(t *testing.T) {
	t.Parallel()

	c := cliapp.NewCLI(t)
	setupInstance(t, c)
	pgdata := writeFakePGData(t, c, "pgdata")

	c.MustRun("backup", "--instance", "primary", "--pgdata", pgdata, "--backup-mode", "FULL")

	full := listBackupIDs(t, c)[0]
	_ = full

	out := c.MustRun("backup", "--instance", "primary", "--pgdata", pgdata,
		"--backup-mode", "DELTA", "--start-lsn", "0/1000000")
	cliapp.AssertContains(t, out, "completed")

	ids := listBackupIDs(t, c)
	if len(ids) != 2 {
		t.Fatalf("expected two backups in the chain, got %v", ids)
	}
}

func TestBackupCommand_CreatesCatalogFiles(t *testing.T) {
	t.Parallel()

	c := cliapp.NewCLI(t)
	setupInstance(t, c)
	pgdata := writeFakePGData(t, c, "pgdata")

	c.MustRun("backup", "--instance", "primary", "--pgdata", pgdata, "--backup-mode", "FULL")

	id := listBackupIDs(t, c)[0]
	backupDir := filepath.Join(c.Dir, ".pgbackup", "primary", id)

	for _, name := range []string{"backup_content.control", "page_header_map", "database"} {
		if _, err := os.Stat(filepath.Join(backupDir, name)); err != nil {
			t.Fatalf("expected %s to exist: %v", name, err)
		}
	}
}
