package restoreengine_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pgbackup/pgbackup/internal/fileengine"
	"github.com/pgbackup/pgbackup/internal/headermap"
	"github.com/pgbackup/pgbackup/internal/pagecodec"
	"github.com/pgbackup/pgbackup/internal/restoreengine"
	"github.com/pgbackup/pgbackup/internal/storage"
)

const blockSize = 8192

func block(fill byte) []byte {
	b := make([]byte, blockSize)
	for i := range b {
		b[i] = fill
	}

	return b
}

func TestRestoreDatafile_BitmapAndNoBitmapAreEquivalent(t *testing.T) {
	backend := storage.NewReal()

	fullPath := filepath.Join(t.TempDir(), "full-data")
	require.NoError(t, os.WriteFile(fullPath, append(append(block(1), block(2)...), block(3)...), 0o644))

	deltaPath := filepath.Join(t.TempDir(), "delta-data")
	require.NoError(t, os.WriteFile(deltaPath, block(20), 0o644))

	delta := []headermap.Entry{
		{BlockNo: 1, OffsetInFile: 0},
		{OffsetInFile: blockSize},
	}

	chain := []restoreengine.ChainLink{
		{Backend: backend, DataPath: fullPath, Headers: headersFor(fullPath), Algorithm: pagecodec.AlgorithmNone, WriteSize: 3 * blockSize},
		{Backend: backend, DataPath: deltaPath, Headers: delta, Algorithm: pagecodec.AlgorithmNone, WriteSize: blockSize},
	}

	outA := filepath.Join(t.TempDir(), "outA")
	fA, err := os.Create(outA)
	require.NoError(t, err)

	require.NoError(t, restoreengine.RestoreDatafile(fA, chain, blockSize))
	require.NoError(t, fA.Close())

	gotA, err := os.ReadFile(outA)
	require.NoError(t, err)

	want := append(append(block(1), block(20)...), block(3)...)
	require.Equal(t, want, gotA)

	// A link without headers switches the chain to no-bitmap mode; it is
	// skipped as unchanged, so the result must be the same.
	noBitmap := append(append([]restoreengine.ChainLink{}, chain...), restoreengine.ChainLink{WriteSize: fileengine.BytesInvalid})
	require.False(t, restoreengine.HasBitmap(noBitmap))

	outB := filepath.Join(t.TempDir(), "outB")
	fB, err := os.Create(outB)
	require.NoError(t, err)

	require.NoError(t, restoreengine.RestoreDatafile(fB, noBitmap, blockSize))
	require.NoError(t, fB.Close())

	gotB, err := os.ReadFile(outB)
	require.NoError(t, err)
	require.Equal(t, gotA, gotB)
}

func headersFor(path string) []headermap.Entry {
	info, err := os.Stat(path)
	if err != nil {
		return nil
	}

	n := info.Size() / blockSize

	var entries []headermap.Entry
	for i := int64(0); i < n; i++ {
		entries = append(entries, headermap.Entry{BlockNo: uint32(i), OffsetInFile: i * blockSize})
	}

	entries = append(entries, headermap.Entry{OffsetInFile: n * blockSize})

	return entries
}

func TestRestoreDatafile_UnchangedLinkIsSkipped(t *testing.T) {
	backend := storage.NewReal()

	fullPath := filepath.Join(t.TempDir(), "full-data")
	require.NoError(t, os.WriteFile(fullPath, block(7), 0o644))

	chain := []restoreengine.ChainLink{
		{Backend: backend, DataPath: fullPath, Headers: headersFor(fullPath), Algorithm: pagecodec.AlgorithmNone, WriteSize: blockSize},
		{WriteSize: fileengine.BytesInvalid},
	}

	out := filepath.Join(t.TempDir(), "out")
	f, err := os.Create(out)
	require.NoError(t, err)

	require.NoError(t, restoreengine.RestoreDatafile(f, chain, blockSize))
	require.NoError(t, f.Close())

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, block(7), got)
}

func TestRestoreNonDataFile_NewestWriterWins(t *testing.T) {
	backend := storage.NewReal()

	oldPath := filepath.Join(t.TempDir(), "old")
	require.NoError(t, os.WriteFile(oldPath, []byte("old"), 0o644))

	newPath := filepath.Join(t.TempDir(), "new")
	require.NoError(t, os.WriteFile(newPath, []byte("new content"), 0o644))

	chain := []restoreengine.NonDataFileLink{
		{Backend: backend, DataPath: oldPath, WriteSize: 3},
		{Backend: backend, DataPath: newPath, WriteSize: int64(len("new content"))},
	}

	destPath := filepath.Join(t.TempDir(), "dest")

	err := restoreengine.RestoreNonDataFile(backend, destPath, chain, nil)
	require.NoError(t, err)

	got, err := os.ReadFile(destPath)
	require.NoError(t, err)
	require.Equal(t, "new content", string(got))
}
