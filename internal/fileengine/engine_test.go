package fileengine_test

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pgbackup/pgbackup/internal/fileengine"
	"github.com/pgbackup/pgbackup/internal/headermap"
	"github.com/pgbackup/pgbackup/internal/pagecodec"
	"github.com/pgbackup/pgbackup/internal/pageiter"
	"github.com/pgbackup/pgbackup/internal/storage"
	"github.com/pgbackup/pgbackup/internal/walker"
)

const blockSize = 8192

func buildValidPage(lsn uint64) []byte {
	page := make([]byte, blockSize)

	binary.LittleEndian.PutUint64(page[0:], lsn)
	binary.LittleEndian.PutUint16(page[12:], 32)
	binary.LittleEndian.PutUint16(page[14:], blockSize-16)
	binary.LittleEndian.PutUint16(page[16:], blockSize)
	binary.LittleEndian.PutUint16(page[18:], uint16(blockSize)|4)

	return page
}

// buildChecksummedPage is buildValidPage plus a real checksum stamped at
// the given absolute block number, for tests that run with
// ChecksumsEnabled: true.
func buildChecksummedPage(lsn uint64, absoluteBlockNo uint32) []byte {
	page := buildValidPage(lsn)
	binary.LittleEndian.PutUint16(page[8:], pagecodec.ChecksumForBlock(page, absoluteBlockNo))

	return page
}

func writeSourceFile(t *testing.T, srcDir, name string, content []byte) string {
	t.Helper()

	path := filepath.Join(srcDir, name)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	return path
}

func TestBackupFile_FullBackupThreePageDatafile(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()

	content := append(append(buildValidPage(0x100), buildValidPage(0x200)...), buildValidPage(0x300)...)
	srcPath := writeSourceFile(t, srcDir, "16385", content)

	backend := storage.NewReal()
	hmap := headermap.New(backend, filepath.Join(dstDir, "headers.bin"))
	defer hmap.Close()

	eng := fileengine.New(backend, backend, hmap)

	in := fileengine.Input{
		File: walker.File{
			Path:       srcPath,
			RelPath:    "base/16384/16385",
			IsDatafile: true,
			Segno:      -1,
		},
		Mode:      pageiter.ModeFull,
		BlockSize: blockSize,
	}

	rec, err := eng.BackupFile(in, filepath.Join(dstDir, "16385"))
	require.NoError(t, err)
	require.Equal(t, int64(3*blockSize), rec.WriteSize)
	require.Equal(t, 3, rec.NBlocks)

	got, err := os.ReadFile(filepath.Join(dstDir, "16385"))
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestBackupFile_DeltaOnlyEmitsBlocksAfterStartLSN(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()

	content := append(append(buildValidPage(0x100), buildValidPage(0x200)...), buildValidPage(0x300)...)
	srcPath := writeSourceFile(t, srcDir, "16385", content)

	backend := storage.NewReal()
	hmap := headermap.New(backend, filepath.Join(dstDir, "headers.bin"))
	defer hmap.Close()

	eng := fileengine.New(backend, backend, hmap)

	in := fileengine.Input{
		File: walker.File{
			Path:       srcPath,
			RelPath:    "base/16384/16385",
			IsDatafile: true,
			Segno:      -1,
		},
		Mode:      pageiter.ModeDelta,
		BlockSize: blockSize,
		StartLSN:  0x200,
	}

	rec, err := eng.BackupFile(in, filepath.Join(dstDir, "16385"))
	require.NoError(t, err)
	require.Equal(t, int64(2*blockSize), rec.WriteSize)
	require.Len(t, rec.HeaderEntries, 3) // 2 real entries + dummy terminator
	require.Equal(t, uint32(1), rec.HeaderEntries[0].BlockNo)
	require.Equal(t, uint32(2), rec.HeaderEntries[1].BlockNo)
}

func TestBackupFile_UnchangedFastPathSkipsDatafile(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()

	content := buildValidPage(0x100)
	srcPath := writeSourceFile(t, srcDir, "16385", content)

	backend := storage.NewReal()
	hmap := headermap.New(backend, filepath.Join(dstDir, "headers.bin"))
	defer hmap.Close()

	eng := fileengine.New(backend, backend, hmap)

	in := fileengine.Input{
		File: walker.File{
			Path:       srcPath,
			RelPath:    "base/16384/16385",
			IsDatafile: true,
			Segno:      -1,
		},
		Mode:          pageiter.ModePage,
		BlockSize:     blockSize,
		ExistedInPrev: true,
		Pagemap:       pageiter.NewBitmap(),
	}

	rec, err := eng.BackupFile(in, filepath.Join(dstDir, "16385"))
	require.NoError(t, err)
	require.Equal(t, fileengine.BytesInvalid, rec.WriteSize)

	_, err = os.Stat(filepath.Join(dstDir, "16385"))
	require.True(t, os.IsNotExist(err))
}

func TestBackupFile_NonDatafileSkippedWhenCRCMatchesParent(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()

	content := []byte("some config contents\n")
	srcPath := writeSourceFile(t, srcDir, "postgresql.conf", content)

	backend := storage.NewReal()
	hmap := headermap.New(backend, filepath.Join(dstDir, "headers.bin"))
	defer hmap.Close()

	eng := fileengine.New(backend, backend, hmap)

	// First copy, no parent, to learn the CRC.
	in := fileengine.Input{
		File: walker.File{Path: srcPath, RelPath: "postgresql.conf"},
		Mode: pageiter.ModeFull,
	}

	first, err := eng.BackupFile(in, filepath.Join(dstDir, "postgresql.conf"))
	require.NoError(t, err)
	require.Equal(t, int64(len(content)), first.WriteSize)

	// Second "backup", incremental, with a parent whose CRC matches and
	// whose mtime predates backup start: must be skipped.
	info, err := os.Stat(srcPath)
	require.NoError(t, err)

	in2 := fileengine.Input{
		File: walker.File{Path: srcPath, RelPath: "postgresql.conf"},
		Mode: pageiter.ModeDelta,
		Parent: fileengine.ParentFile{
			Found: true,
			CRC:   first.CRC,
		},
		BackupStartUnix: info.ModTime().Unix() + 60,
	}

	second, err := eng.BackupFile(in2, filepath.Join(dstDir, "postgresql2.conf"))
	require.NoError(t, err)
	require.Equal(t, fileengine.BytesInvalid, second.WriteSize)

	_, err = os.Stat(filepath.Join(dstDir, "postgresql2.conf"))
	require.True(t, os.IsNotExist(err))
}

// TestBackupFile_NonSegmentedDatafileChecksumsEnabled backs up an ordinary
// relation file (Segno: -1, the common case: no ".segno" suffix on the
// filename) with checksums enabled, and checks that the absolute block
// number the checksum is verified against is block_no directly — segno
// treated as 0, not wrapped to 0xFFFFFFFF. It also checks that the header
// map entries carry the page's real LSN and checksum instead of zeros.
func TestBackupFile_NonSegmentedDatafileChecksumsEnabled(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()

	page0 := buildChecksummedPage(0x100, 0)
	page1 := buildChecksummedPage(0x200, 1)
	content := append(append([]byte{}, page0...), page1...)

	srcPath := writeSourceFile(t, srcDir, "16385", content)

	backend := storage.NewReal()
	hmap := headermap.New(backend, filepath.Join(dstDir, "headers.bin"))
	defer hmap.Close()

	eng := fileengine.New(backend, backend, hmap)

	in := fileengine.Input{
		File: walker.File{
			Path:       srcPath,
			RelPath:    "base/16384/16385",
			IsDatafile: true,
			Segno:      -1,
		},
		Mode:             pageiter.ModeFull,
		BlockSize:        blockSize,
		ChecksumsEnabled: true,
		RelBlocksPerSeg:  131072,
	}

	rec, err := eng.BackupFile(in, filepath.Join(dstDir, "16385"))
	require.NoError(t, err)
	require.Equal(t, int64(2*blockSize), rec.WriteSize)
	require.Equal(t, 2, rec.NBlocks)

	require.Len(t, rec.HeaderEntries, 3) // 2 real entries + dummy terminator
	require.Equal(t, uint64(0x100), rec.HeaderEntries[0].PageLSN)
	require.Equal(t, binary.LittleEndian.Uint16(page0[8:]), rec.HeaderEntries[0].Checksum)
	require.NotZero(t, rec.HeaderEntries[0].Checksum)

	require.Equal(t, uint64(0x200), rec.HeaderEntries[1].PageLSN)
	require.Equal(t, binary.LittleEndian.Uint16(page1[8:]), rec.HeaderEntries[1].Checksum)
	require.NotZero(t, rec.HeaderEntries[1].Checksum)
}

func TestBackupFile_MissingSourceRecordsFileNotFound(t *testing.T) {
	dstDir := t.TempDir()

	backend := storage.NewReal()
	hmap := headermap.New(backend, filepath.Join(dstDir, "headers.bin"))
	defer hmap.Close()

	eng := fileengine.New(backend, backend, hmap)

	in := fileengine.Input{
		File: walker.File{Path: filepath.Join(dstDir, "does-not-exist"), RelPath: "does-not-exist"},
		Mode: pageiter.ModeFull,
	}

	rec, err := eng.BackupFile(in, filepath.Join(dstDir, "out"))
	require.NoError(t, err)
	require.Equal(t, fileengine.FileNotFound, rec.WriteSize)
}
