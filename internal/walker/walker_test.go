package walker_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pgbackup/pgbackup/internal/storage"
	"github.com/pgbackup/pgbackup/internal/walker"
)

func writeFile(t *testing.T, path string, size int) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
}

func TestWalk_ClassifiesDatafilesAndForks(t *testing.T) {
	root := t.TempDir()

	writeFile(t, filepath.Join(root, "base", "16384", "16385"), 8192)
	writeFile(t, filepath.Join(root, "base", "16384", "16385.1"), 8192)
	writeFile(t, filepath.Join(root, "base", "16384", "16385_vm"), 1024)
	writeFile(t, filepath.Join(root, "base", "16384", "16385_ptrack"), 1024)
	writeFile(t, filepath.Join(root, "base", "16384", "PG_VERSION"), 4)
	writeFile(t, filepath.Join(root, "global", "pg_control"), 8192)

	backend := storage.NewReal()

	files, err := walker.Walk(backend, root, walker.Options{})
	require.NoError(t, err)

	byRel := map[string]walker.File{}
	for _, f := range files {
		byRel[f.RelPath] = f
	}

	_, hasPtrack := byRel[filepath.Join("base", "16384", "16385_ptrack")]
	require.False(t, hasPtrack, "ptrack forks must be excluded")

	main := byRel[filepath.Join("base", "16384", "16385")]
	require.True(t, main.IsDatafile)
	require.Equal(t, 16385, main.RelOid)
	require.Equal(t, -1, main.Segno)
	require.Equal(t, "", main.Fork)

	seg := byRel[filepath.Join("base", "16384", "16385.1")]
	require.True(t, seg.IsDatafile)
	require.Equal(t, 1, seg.Segno)

	vm := byRel[filepath.Join("base", "16384", "16385_vm")]
	require.True(t, vm.IsDatafile)
	require.Equal(t, "vm", vm.Fork)

	version := byRel[filepath.Join("base", "16384", "PG_VERSION")]
	require.False(t, version.IsDatafile)

	control := byRel[filepath.Join("global", "pg_control")]
	require.True(t, control.IsControlFile)
}

func TestWalk_ExcludesWALAndTempDirectories(t *testing.T) {
	root := t.TempDir()

	writeFile(t, filepath.Join(root, "pg_wal", "000000010000000000000001"), 16*1024*1024)
	writeFile(t, filepath.Join(root, "pg_stat_tmp", "stats"), 10)
	writeFile(t, filepath.Join(root, "pg_replslot", "slot1", "state"), 10)
	writeFile(t, filepath.Join(root, "postmaster.pid"), 10)
	writeFile(t, filepath.Join(root, "global", "pg_control"), 8192)

	backend := storage.NewReal()

	files, err := walker.Walk(backend, root, walker.Options{})
	require.NoError(t, err)

	require.Len(t, files, 1)
	require.True(t, files[0].IsControlFile)
}

func TestWalk_NonExclusiveModeExcludesBackupArtifacts(t *testing.T) {
	root := t.TempDir()

	writeFile(t, filepath.Join(root, "backup_label"), 10)
	writeFile(t, filepath.Join(root, "tablespace_map"), 10)
	writeFile(t, filepath.Join(root, "global", "pg_control"), 8192)

	backend := storage.NewReal()

	files, err := walker.Walk(backend, root, walker.Options{ExclusiveBackup: false})
	require.NoError(t, err)
	require.Len(t, files, 1)

	files, err = walker.Walk(backend, root, walker.Options{ExclusiveBackup: true})
	require.NoError(t, err)
	require.Len(t, files, 3)
}
