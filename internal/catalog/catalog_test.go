package catalog_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pgbackup/pgbackup/internal/catalog"
	"github.com/pgbackup/pgbackup/internal/storage"
)

func TestCatalog_ListBackupsSortedOldestFirst(t *testing.T) {
	root := t.TempDir()
	backend := storage.NewReal()
	cat := catalog.New(backend, root)

	require.NoError(t, backend.MakeDir(cat.InstanceDir("main"), 0o750))

	newer := time.Unix(1700001000, 0).UTC()
	older := time.Unix(1700000000, 0).UTC()

	writeBackup(t, cat, "main", &catalog.Backup{BackupMode: catalog.ModeFull, Status: catalog.StatusOK, StartTime: newer})
	writeBackup(t, cat, "main", &catalog.Backup{BackupMode: catalog.ModeFull, Status: catalog.StatusOK, StartTime: older})

	backups, err := cat.ListBackups("main")
	require.NoError(t, err)
	require.Len(t, backups, 2)
	require.True(t, backups[0].StartTime.Equal(older))
	require.True(t, backups[1].StartTime.Equal(newer))
}

func TestCatalog_SkipsDirectoryWithoutControlFile(t *testing.T) {
	root := t.TempDir()
	backend := storage.NewReal()
	cat := catalog.New(backend, root)

	require.NoError(t, backend.MakeDir(filepath.Join(cat.InstanceDir("main"), "not-a-backup"), 0o750))

	backups, err := cat.ListBackups("main")
	require.NoError(t, err)
	require.Empty(t, backups)
}

func TestCatalog_WriteControlFileIsAtomic(t *testing.T) {
	root := t.TempDir()
	backend := storage.NewReal()
	cat := catalog.New(backend, root)

	start := time.Unix(1700000000, 0).UTC()
	writeBackup(t, cat, "main", &catalog.Backup{BackupMode: catalog.ModeFull, Status: catalog.StatusRunning, StartTime: start})

	got, err := cat.GetBackup("main", catalog.FormatBackupID(start))
	require.NoError(t, err)
	require.Equal(t, catalog.StatusRunning, got.Status)

	got.Status = catalog.StatusOK
	require.NoError(t, cat.WriteControlFile(got))

	reread, err := cat.GetBackup("main", catalog.FormatBackupID(start))
	require.NoError(t, err)
	require.Equal(t, catalog.StatusOK, reread.Status)

	entries, err := os.ReadDir(got.Dir())
	require.NoError(t, err)

	for _, e := range entries {
		require.NotContains(t, e.Name(), ".tmp-", "leftover temp file: %s", e.Name())
	}
}

func writeBackup(t *testing.T, cat *catalog.Catalog, instance string, b *catalog.Backup) {
	t.Helper()

	dir := cat.BackupDir(instance, catalog.FormatBackupID(b.StartTime))
	require.NoError(t, cat.Backend.MakeDir(dir, 0o750))

	path := filepath.Join(dir, catalog.ControlFileName)
	require.NoError(t, os.WriteFile(path, catalog.EncodeControlFile(b), 0o600))
}
