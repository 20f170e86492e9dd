package headermap_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pgbackup/pgbackup/internal/headermap"
	"github.com/pgbackup/pgbackup/internal/storage"
)

func TestAppendThenRead_RoundTrip(t *testing.T) {
	backend := storage.NewReal()
	path := filepath.Join(t.TempDir(), "headers.bin")

	m := headermap.New(backend, path)
	defer m.Close()

	entries := []headermap.Entry{
		{BlockNo: 0, OffsetInFile: 0, PageLSN: 10, Checksum: 111},
		{BlockNo: 1, OffsetInFile: 8192, PageLSN: 20, Checksum: 222},
		{BlockNo: 2, OffsetInFile: 16000, PageLSN: 30, Checksum: 333}, // dummy terminator
	}

	loc, err := m.Append(entries)
	require.NoError(t, err)
	require.Equal(t, 2, loc.NHeaders)

	got, err := headermap.Read(backend, path, loc)
	require.NoError(t, err)
	require.Equal(t, entries, got)

	require.Equal(t, int64(16000-8192), headermap.PayloadLength(got, 1))
}

func TestAppend_MultipleSlabsAreIndependentlyAddressable(t *testing.T) {
	backend := storage.NewReal()
	path := filepath.Join(t.TempDir(), "headers.bin")

	m := headermap.New(backend, path)
	defer m.Close()

	fileA := []headermap.Entry{
		{BlockNo: 0, OffsetInFile: 0, PageLSN: 1},
		{BlockNo: 1, OffsetInFile: 100}, // terminator
	}
	fileB := []headermap.Entry{
		{BlockNo: 0, OffsetInFile: 0, PageLSN: 2},
		{BlockNo: 5, OffsetInFile: 200},
		{BlockNo: 6, OffsetInFile: 300}, // terminator
	}

	locA, err := m.Append(fileA)
	require.NoError(t, err)

	locB, err := m.Append(fileB)
	require.NoError(t, err)

	require.NotEqual(t, locA.Offset, locB.Offset)

	gotA, err := headermap.Read(backend, path, locA)
	require.NoError(t, err)
	require.Equal(t, fileA, gotA)

	gotB, err := headermap.Read(backend, path, locB)
	require.NoError(t, err)
	require.Equal(t, fileB, gotB)
}

func TestRead_CRCMismatchIsDetected(t *testing.T) {
	backend := storage.NewReal()
	path := filepath.Join(t.TempDir(), "headers.bin")

	m := headermap.New(backend, path)
	defer m.Close()

	entries := []headermap.Entry{
		{BlockNo: 0, OffsetInFile: 0},
		{BlockNo: 1, OffsetInFile: 8192},
	}

	loc, err := m.Append(entries)
	require.NoError(t, err)

	loc.CRC ^= 0xFFFFFFFF

	_, err = headermap.Read(backend, path, loc)
	require.ErrorIs(t, err, headermap.ErrCRCMismatch)
}
