package cliapp_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pgbackup/pgbackup/internal/cliapp"
)

func TestShowConfigCommand_Defaults(t *testing.T) {
	t.Parallel()

	c := cliapp.NewCLI(t)

	out := c.MustRun("show-config")
	cliapp.AssertContains(t, out, "catalog_dir")
	cliapp.AssertContains(t, out, ".pgbackup")
}

func TestShowConfigCommand_JSON(t *testing.T) {
	t.Parallel()

	c := cliapp.NewCLI(t)

	out := c.MustRun("show-config", "--json")
	cliapp.AssertContains(t, out, "\"catalog_dir\"")
}

func TestSetConfigCommand_WritesProjectFile(t *testing.T) {
	t.Parallel()

	c := cliapp.NewCLI(t)

	c.MustRun("set-config", "--compress-algorithm", "zstd", "--compress-level", "5", "--threads", "4")

	data, err := os.ReadFile(filepath.Join(c.Dir, ".pgbackup.json"))
	if err != nil {
		t.Fatalf("reading project config: %v", err)
	}

	cliapp.AssertContains(t, string(data), "zstd")

	out := c.MustRun("show-config")
	cliapp.AssertContains(t, out, "zstd")
	cliapp.AssertContains(t, out, "threads")
}

func TestSetConfigCommand_PartialUpdatePreservesOtherFields(t *testing.T) {
	t.Parallel()

	c := cliapp.NewCLI(t)

	c.MustRun("set-config", "--compress-algorithm", "lz4")
	c.MustRun("set-config", "--threads", "8")

	out := c.MustRun("show-config")
	cliapp.AssertContains(t, out, "lz4")
	cliapp.AssertContains(t, out, "8")
}
