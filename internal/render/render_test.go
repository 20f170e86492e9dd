package render_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pgbackup/pgbackup/internal/catalog"
	"github.com/pgbackup/pgbackup/internal/render"
	"github.com/pgbackup/pgbackup/internal/toolconfig"
)

func TestBackups_Plain(t *testing.T) {
	b := &catalog.Backup{
		BackupMode: catalog.ModeFull,
		Status:     catalog.StatusOK,
		StartTime:  time.Unix(1700000000, 0).UTC(),
		DataBytes:  1024,
	}

	var buf bytes.Buffer
	require.NoError(t, render.Backups(&buf, "main", []*catalog.Backup{b}, render.FormatPlain))

	out := buf.String()
	require.Contains(t, out, "INSTANCE")
	require.Contains(t, out, "main")
	require.Contains(t, out, "FULL")
	require.Contains(t, out, "OK")
}

func TestBackups_JSON(t *testing.T) {
	b := &catalog.Backup{
		BackupMode: catalog.ModePage,
		Status:     catalog.StatusOK,
		StartTime:  time.Unix(1700000000, 0).UTC(),
	}

	var buf bytes.Buffer
	require.NoError(t, render.Backups(&buf, "main", []*catalog.Backup{b}, render.FormatJSON))
	require.Contains(t, buf.String(), `"backup_mode": "PAGE"`)
}

func TestConfig_Plain(t *testing.T) {
	cfg := toolconfig.DefaultConfig()
	sources := toolconfig.Sources{Project: "/tmp/.pgbackup.json"}

	var buf bytes.Buffer
	require.NoError(t, render.Config(&buf, cfg, sources, render.FormatPlain))

	out := buf.String()
	require.Contains(t, out, "catalog_dir=.pgbackup")
	require.Contains(t, out, "project_config=/tmp/.pgbackup.json")
}

func TestConfig_JSON(t *testing.T) {
	cfg := toolconfig.DefaultConfig()

	var buf bytes.Buffer
	require.NoError(t, render.Config(&buf, cfg, toolconfig.Sources{}, render.FormatJSON))
	require.Contains(t, buf.String(), `"catalog_dir"`)
}
