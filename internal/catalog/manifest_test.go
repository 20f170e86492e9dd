package catalog_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/pgbackup/pgbackup/internal/catalog"
	"github.com/pgbackup/pgbackup/internal/fileengine"
)

func TestManifest_RoundTrip(t *testing.T) {
	records := []fileengine.Record{
		{
			Path:       "base/16384/16385",
			Size:       3 * 8192,
			Kind:       "datafile",
			Mode:       0o600,
			IsDatafile: true,
			Segno:      -1,
			CRC:        0xABCD,
			NBlocks:    3,
			NHeaders:   3,
			HdrCRC:     0x1234,
			HdrOff:     0,
			HdrSize:    64,
			WriteSize:  3 * 8192,
		},
		{
			Path:      "global/pg_control",
			Size:      8192,
			Kind:      "file",
			Mode:      0o600,
			CRC:       0x9999,
			WriteSize: 8192,
		},
		{
			Path:       "base/16384/16386",
			Kind:       "datafile",
			IsDatafile: true,
			Segno:      -1,
			WriteSize:  fileengine.BytesInvalid,
		},
	}

	data, crc := catalog.EncodeManifest(records)
	require.NotZero(t, crc)

	got, err := catalog.DecodeManifest(data, crc)
	require.NoError(t, err)

	if diff := cmp.Diff(records, got); diff != "" {
		t.Fatalf("manifest round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestManifest_CRCMismatchIsDetected(t *testing.T) {
	data, crc := catalog.EncodeManifest([]fileengine.Record{{Path: "x", WriteSize: 1}})

	_, err := catalog.DecodeManifest(data, crc+1)
	require.ErrorIs(t, err, catalog.ErrManifestCRCMismatch)
}

func TestManifest_EmptyPayload(t *testing.T) {
	data, crc := catalog.EncodeManifest(nil)

	got, err := catalog.DecodeManifest(data, crc)
	require.NoError(t, err)
	require.Empty(t, got)
}
