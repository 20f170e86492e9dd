package timeline_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pgbackup/pgbackup/internal/catalog"
	"github.com/pgbackup/pgbackup/internal/timeline"
)

const segSize = 16 * 1024 * 1024

func TestParseSegmentFilename(t *testing.T) {
	cases := []struct {
		name    string
		wantOK  bool
		wantTLI uint32
		wantKind timeline.Kind
	}{
		{"000000010000000000000001", true, 1, timeline.KindRegular},
		{"000000010000000000000001.partial", true, 1, timeline.KindPartial},
		{"000000010000000000000001.00000028.backup", true, 1, timeline.KindBackupHistory},
		{"000000010000000000000001.gz", true, 1, timeline.KindCompressed},
		{"not-a-wal-file", false, 0, 0},
	}

	for _, tc := range cases {
		seg, ok := timeline.ParseSegmentFilename(tc.name)
		require.Equal(t, tc.wantOK, ok, tc.name)

		if tc.wantOK {
			require.Equal(t, tc.wantTLI, seg.TLI, tc.name)
			require.Equal(t, tc.wantKind, seg.Kind, tc.name)
		}
	}
}

func TestParseHistoryFilename(t *testing.T) {
	tli, ok := timeline.ParseHistoryFilename("00000002.history")
	require.True(t, ok)
	require.Equal(t, uint32(2), tli)

	_, ok = timeline.ParseHistoryFilename("not-history")
	require.False(t, ok)
}

func TestParseHistoryFile(t *testing.T) {
	data := []byte("1\t0/3000000\tno recovery target specified\n")

	lines, err := timeline.ParseHistoryFile(data)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	require.Equal(t, uint32(1), lines[0].TLI)
	require.Equal(t, uint64(0x3000000), lines[0].LSN)
}

func TestGapDetection(t *testing.T) {
	segs := []timeline.Segment{
		mustSeg(t, "000000010000000000000001"),
		mustSeg(t, "000000010000000000000002"),
		// gap: 000000010000000000000003 missing
		mustSeg(t, "000000010000000000000004"),
		mustSeg(t, "000000010000000000000004.gz"), // same segno, not a gap
	}

	tree := timeline.BuildTree(segs, nil, nil, segSize)

	info, ok := tree.Get(1)
	require.True(t, ok)
	require.Equal(t, []timeline.Interval{{Begin: 3, End: 3}}, info.LostSegments)
	require.Equal(t, uint64(1), info.BeginSegNo)
	require.Equal(t, uint64(4), info.EndSegNo)
}

func mustSeg(t *testing.T, name string) timeline.Segment {
	t.Helper()

	seg, ok := timeline.ParseSegmentFilename(name)
	require.True(t, ok, name)

	return seg
}

func TestWALRetentionAnchor(t *testing.T) {
	now := time.Unix(1700010000, 0).UTC()

	mkBackup := func(offset int64, lsn uint64, pinned bool) *catalog.Backup {
		b := &catalog.Backup{
			BackupMode: catalog.ModeDelta,
			Status:     catalog.StatusOK,
			TimelineID: 1,
			StartTime:  time.Unix(1700000000+offset, 0).UTC(),
			StartLSN:   lsn,
			StopLSN:    lsn + 0x1000,
		}

		if pinned {
			b.ExpireTime = now.Add(time.Hour)
		}

		return b
	}

	// Newest-first: b4, b3, b2(pinned), b1. wal_depth=2 skips the pinned
	// backup, so the anchor is the 2nd *valid* one counting from newest.
	b1 := mkBackup(100, 0x100000, false)
	b2 := mkBackup(200, 0x200000, true) // pinned, skipped
	b3 := mkBackup(300, 0x300000, false)
	b4 := mkBackup(400, 0x400000, false)

	backups := []*catalog.Backup{b1, b2, b3, b4}

	tree := timeline.BuildTree(nil, nil, backups, segSize)
	timeline.ComputeRetention(tree, 2, now, segSize)

	info, ok := tree.Get(1)
	require.True(t, ok)

	// Newest→oldest valid order is b4, b3, b1 (b2 pinned). wal_depth=2 ->
	// anchor is b3, the 2nd valid backup from the newest.
	require.Equal(t, b3.StartLSN, info.AnchorLSN)
}

func TestIsKept_AnchorAndKeepSegments(t *testing.T) {
	info := &timeline.Info{
		TLI:       1,
		AnchorLSN: 10 * segSize,
		KeepSegments: []timeline.Interval{
			{Begin: 2, End: 4},
		},
	}

	require.True(t, info.IsKept(2, segSize))  // inside keep interval
	require.True(t, info.IsKept(10, segSize)) // at anchor segno
	require.True(t, info.IsKept(11, segSize)) // past anchor segno
	require.False(t, info.IsKept(5, segSize)) // below anchor, outside interval
}

func TestTree_SwitchpointImplementsCatalogLookup(t *testing.T) {
	histories := map[uint32][]timeline.HistoryLine{
		2: {{TLI: 1, LSN: 0x1000000}},
	}

	tree := timeline.BuildTree(nil, histories, nil, segSize)

	lsn, parentTLI, ok := tree.Switchpoint(2)
	require.True(t, ok)
	require.Equal(t, uint64(0x1000000), lsn)
	require.Equal(t, uint32(1), parentTLI)

	_, _, ok = tree.Switchpoint(99)
	require.False(t, ok)
}
