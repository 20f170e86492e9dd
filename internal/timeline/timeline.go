// Package timeline implements spec.md §4.8 (C8): building the forest of
// timelines from a WAL archive and computing wal_depth WAL-retention
// "keep" sets.
package timeline

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pgbackup/pgbackup/internal/catalog"
)

// Kind classifies one WAL archive filename, per spec.md §4.8.
type Kind int

const (
	KindRegular Kind = iota
	KindBackupHistory
	KindPartial
	KindTemp
	KindCompressed
)

// Segment is one parsed WAL archive filename.
type Segment struct {
	TLI     uint32
	LogID   uint32
	SegPart uint32
	Kind    Kind
	Name    string
}

var segNameRe = regexp.MustCompile(`^([0-9A-Fa-f]{8})([0-9A-Fa-f]{8})([0-9A-Fa-f]{8})(\.[A-Za-z0-9._-]+)?$`)

// ParseSegmentFilename parses a WAL archive filename of the form
// "<tli><log><seg>[.<suffix>]" (spec.md §4.8), classifying backup-history
// (suffix ending ".backup"), partial (".partial"), temp (".part"), and
// compressed (".gz") files.
func ParseSegmentFilename(name string) (Segment, bool) {
	m := segNameRe.FindStringSubmatch(name)
	if m == nil {
		return Segment{}, false
	}

	tli, err := strconv.ParseUint(m[1], 16, 32)
	if err != nil {
		return Segment{}, false
	}

	logID, err := strconv.ParseUint(m[2], 16, 32)
	if err != nil {
		return Segment{}, false
	}

	segPart, err := strconv.ParseUint(m[3], 16, 32)
	if err != nil {
		return Segment{}, false
	}

	seg := Segment{TLI: uint32(tli), LogID: uint32(logID), SegPart: uint32(segPart), Name: name}

	switch suffix := m[4]; {
	case suffix == "":
		seg.Kind = KindRegular
	case strings.HasSuffix(suffix, ".backup"):
		seg.Kind = KindBackupHistory
	case suffix == ".partial":
		seg.Kind = KindPartial
	case suffix == ".part":
		seg.Kind = KindTemp
	case suffix == ".gz":
		seg.Kind = KindCompressed
	default:
		return Segment{}, false
	}

	return seg, true
}

var historyNameRe = regexp.MustCompile(`^([0-9A-Fa-f]{8})\.history$`)

// ParseHistoryFilename returns the timeline id a "<tli>.history" filename
// names.
func ParseHistoryFilename(name string) (uint32, bool) {
	m := historyNameRe.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}

	tli, err := strconv.ParseUint(m[1], 16, 32)
	if err != nil {
		return 0, false
	}

	return uint32(tli), true
}

// HistoryLine is one ancestor-chain entry from a timeline-history file.
type HistoryLine struct {
	TLI    uint32
	LSN    uint64
	Reason string
}

var historyLineRe = regexp.MustCompile(`^(\d+)\s+([0-9A-Fa-f]+)/([0-9A-Fa-f]+)\s*(.*)$`)

// ParseHistoryFile parses a timeline-history file's lines into its ancestor
// chain, ignoring blank lines and "#"-prefixed comments.
func ParseHistoryFile(data []byte) ([]HistoryLine, error) {
	var lines []HistoryLine

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		m := historyLineRe.FindStringSubmatch(text)
		if m == nil {
			continue
		}

		tli, err := strconv.ParseUint(m[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("timeline: invalid history tli %q: %w", m[1], err)
		}

		hi, err := strconv.ParseUint(m[2], 16, 32)
		if err != nil {
			return nil, fmt.Errorf("timeline: invalid history lsn %q: %w", text, err)
		}

		lo, err := strconv.ParseUint(m[3], 16, 32)
		if err != nil {
			return nil, fmt.Errorf("timeline: invalid history lsn %q: %w", text, err)
		}

		lines = append(lines, HistoryLine{TLI: uint32(tli), LSN: hi<<32 | lo, Reason: strings.TrimSpace(m[4])})
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("timeline: read history file: %w", err)
	}

	return lines, nil
}

// Interval is an inclusive [Begin, End] range of segment numbers.
type Interval struct {
	Begin uint64
	End   uint64
}

func (iv Interval) contains(segno uint64) bool {
	return segno >= iv.Begin && segno <= iv.End
}

// Info is one timeline, spec.md §3's Timeline model, held by value inside
// [Tree.infos] and referenced by index (an arena, per spec.md §9's "avoid
// owning back-pointers" design note) rather than by pointer to a parent.
type Info struct {
	TLI            uint32
	ParentTLI      uint32
	SwitchpointLSN uint64
	Backups        []*catalog.Backup
	XlogFiles      []Segment
	BeginSegNo     uint64
	EndSegNo       uint64
	NXlogFiles     int
	Size           int64
	OldestBackup   *catalog.Backup
	ClosestBackup  *catalog.Backup
	LostSegments   []Interval
	KeepSegments   []Interval
	AnchorLSN      uint64
	AnchorTLI      uint32
}

// IsKept reports whether segno on this timeline must be retained: at or
// after the anchor segno on its own timeline, or inside any
// [Info.KeepSegments] interval (spec.md §4.8/§8).
func (info *Info) IsKept(segno uint64, segSize uint64) bool {
	if info.AnchorLSN > 0 && segno >= LSNToSegNo(info.AnchorLSN, segSize) {
		return true
	}

	for _, iv := range info.KeepSegments {
		if iv.contains(segno) {
			return true
		}
	}

	return false
}

// Tree is the forest of timelines built from a WAL archive listing,
// indexed by timeline id.
type Tree struct {
	infos []*Info
	index map[uint32]int
}

// Switchpoint implements [catalog.TimelineLookup], letting the catalog's
// multi-timeline parent search (spec.md §4.7) query the tree this package
// builds without an import cycle between the two packages.
func (t *Tree) Switchpoint(tli uint32) (lsn uint64, parentTLI uint32, ok bool) {
	idx, found := t.index[tli]
	if !found {
		return 0, 0, false
	}

	info := t.infos[idx]
	if info.ParentTLI == 0 {
		return 0, 0, false
	}

	return info.SwitchpointLSN, info.ParentTLI, true
}

// Get returns the [Info] for tli, if known.
func (t *Tree) Get(tli uint32) (*Info, bool) {
	idx, ok := t.index[tli]
	if !ok {
		return nil, false
	}

	return t.infos[idx], true
}

// All returns every timeline in the forest, sorted by tli.
func (t *Tree) All() []*Info {
	out := make([]*Info, len(t.infos))
	copy(out, t.infos)

	sort.Slice(out, func(i, j int) bool { return out[i].TLI < out[j].TLI })

	return out
}

var _ catalog.TimelineLookup = (*Tree)(nil)

// BuildTree groups segments by timeline, detects gaps, folds in parsed
// history-file ancestor chains, and assigns backups to their timeline,
// realizing spec.md §4.8's tree-construction rules.
func BuildTree(segments []Segment, histories map[uint32][]HistoryLine, backups []*catalog.Backup, segSize uint64) *Tree {
	byTLI := map[uint32][]Segment{}

	for _, s := range segments {
		byTLI[s.TLI] = append(byTLI[s.TLI], s)
	}

	for tli := range histories {
		if _, ok := byTLI[tli]; !ok {
			byTLI[tli] = nil
		}
	}

	for _, b := range backups {
		if _, ok := byTLI[b.TimelineID]; !ok {
			byTLI[b.TimelineID] = nil
		}
	}

	tree := &Tree{index: map[uint32]int{}}

	for tli, segs := range byTLI {
		info := &Info{TLI: tli, XlogFiles: segs}

		if lines := histories[tli]; len(lines) > 0 {
			last := lines[len(lines)-1]
			info.ParentTLI = last.TLI
			info.SwitchpointLSN = last.LSN
		}

		segnos, lost := groupAndDetectGaps(segs, segSize)
		info.LostSegments = lost

		if len(segnos) > 0 {
			info.BeginSegNo = segnos[0]
			info.EndSegNo = segnos[len(segnos)-1]
		}

		info.NXlogFiles = countArchivable(segs)
		info.Size = int64(info.NXlogFiles) * int64(segSize)

		for _, b := range backups {
			if b.TimelineID == tli {
				info.Backups = append(info.Backups, b)
			}
		}

		sort.Slice(info.Backups, func(i, j int) bool {
			return info.Backups[i].StartTime.Before(info.Backups[j].StartTime)
		})

		if len(info.Backups) > 0 {
			info.OldestBackup = info.Backups[0]
		}

		idx := len(tree.infos)
		tree.infos = append(tree.infos, info)
		tree.index[tli] = idx
	}

	for _, info := range tree.infos {
		info.ClosestBackup = tree.findClosestBackup(info)
	}

	return tree
}

func countArchivable(segs []Segment) int {
	seen := map[uint64]bool{}

	for _, s := range segs {
		if s.Kind != KindRegular && s.Kind != KindCompressed {
			continue
		}

		seen[uint64(s.LogID)<<32|uint64(s.SegPart)] = true
	}

	return len(seen)
}

// groupAndDetectGaps sorts the distinct segment numbers present (treating
// a compressed and uncompressed copy of the same segno as one, per spec.md
// §4.8) and records any skip beyond the expected next segno as a
// lost_segments interval.
func groupAndDetectGaps(segs []Segment, segSize uint64) (segnos []uint64, lost []Interval) {
	seen := map[uint64]bool{}

	for _, s := range segs {
		if s.Kind != KindRegular && s.Kind != KindCompressed {
			continue
		}

		seen[SegNo(s.LogID, s.SegPart, segSize)] = true
	}

	for n := range seen {
		segnos = append(segnos, n)
	}

	sort.Slice(segnos, func(i, j int) bool { return segnos[i] < segnos[j] })

	for i := 1; i < len(segnos); i++ {
		if segnos[i] > segnos[i-1]+1 {
			lost = append(lost, Interval{Begin: segnos[i-1] + 1, End: segnos[i] - 1})
		}
	}

	return segnos, lost
}

// findClosestBackup implements spec.md §4.8's closest_backup: the valid
// backup on any ancestor timeline whose stop_lsn ≤ this timeline's
// switchpoint, closest to the switchpoint (i.e. the newest such backup).
func (t *Tree) findClosestBackup(info *Info) *catalog.Backup {
	tli := info.ParentTLI
	maxLSN := info.SwitchpointLSN

	for tli != 0 {
		idx, ok := t.index[tli]
		if !ok {
			return nil
		}

		parent := t.infos[idx]

		if b := latestValidBefore(parent.Backups, maxLSN); b != nil {
			return b
		}

		maxLSN = parent.SwitchpointLSN
		tli = parent.ParentTLI
	}

	return nil
}

func latestValidBefore(backups []*catalog.Backup, maxLSN uint64) *catalog.Backup {
	var best *catalog.Backup

	for _, b := range backups {
		if b.Status != catalog.StatusOK && b.Status != catalog.StatusDone {
			continue
		}

		if b.StopLSN > maxLSN {
			continue
		}

		if best == nil || b.StartTime.After(best.StartTime) {
			best = b
		}
	}

	return best
}

// SegNo converts a (logID, segPart) WAL filename pair into a single
// cumulative segment number, for a given WAL segment size.
func SegNo(logID, segPart uint32, segSize uint64) uint64 {
	segsPerLogID := uint64(0x100000000) / segSize
	return uint64(logID)*segsPerLogID + uint64(segPart)
}

// LSNToSegNo converts an LSN into the segment number containing it.
func LSNToSegNo(lsn uint64, segSize uint64) uint64 {
	return lsn / segSize
}

// ComputeRetention implements spec.md §4.8's "wal_depth = N" algorithm
// across every timeline in the tree.
func ComputeRetention(tree *Tree, walDepth int, now time.Time, segSize uint64) {
	for _, info := range tree.infos {
		computeAnchor(info, walDepth, now)
	}

	for _, info := range tree.infos {
		addArchiveKeepSegments(info, segSize)
	}

	for _, info := range tree.infos {
		propagateClosestBackupKeep(tree, info, segSize)
	}
}

// computeAnchor implements the per-timeline anchor selection: the N-th
// OK/DONE non-pinned backup counted from newest, or — when a timeline has
// fewer than N valid backups — its closest_backup.
func computeAnchor(info *Info, walDepth int, now time.Time) {
	valid := validBackupsNewestFirst(info.Backups, now)

	var anchor *catalog.Backup

	if walDepth > 0 && len(valid) >= walDepth {
		anchor = valid[walDepth-1]
	} else if info.ClosestBackup != nil {
		anchor = info.ClosestBackup
	}

	if anchor == nil {
		return
	}

	info.AnchorLSN = anchor.StartLSN
	info.AnchorTLI = anchor.TimelineID
}

func validBackupsNewestFirst(backups []*catalog.Backup, now time.Time) []*catalog.Backup {
	var valid []*catalog.Backup

	for _, b := range backups {
		if b.Status != catalog.StatusOK && b.Status != catalog.StatusDone {
			continue
		}

		if !b.ExpireTime.IsZero() && b.ExpireTime.After(now) {
			continue // pinned
		}

		valid = append(valid, b)
	}

	sort.Slice(valid, func(i, j int) bool { return valid[i].StartTime.After(valid[j].StartTime) })

	return valid
}

// addArchiveKeepSegments implements: "For every ARCHIVE-mode (non-
// streaming) backup with start_lsn < anchor_lsn, add [start_segno,
// stop_segno] to the timeline's keep_segments."
func addArchiveKeepSegments(info *Info, segSize uint64) {
	if info.AnchorLSN == 0 {
		return
	}

	for _, b := range info.Backups {
		if b.Stream {
			continue
		}

		if b.StartLSN >= info.AnchorLSN {
			continue
		}

		info.KeepSegments = append(info.KeepSegments, Interval{
			Begin: LSNToSegNo(b.StartLSN, segSize),
			End:   LSNToSegNo(b.StopLSN, segSize),
		})
	}
}

// propagateClosestBackupKeep implements: "From each child timeline upward
// to the ancestor that holds closest_backup, add the interval
// [begin_segno_of_that_tli, switchpoint_segno] to the ancestor's
// keep_segments."
func propagateClosestBackupKeep(tree *Tree, info *Info, segSize uint64) {
	closest := info.ClosestBackup
	if closest == nil {
		return
	}

	tli := info.ParentTLI
	maxLSN := info.SwitchpointLSN

	for tli != 0 {
		idx, ok := tree.index[tli]
		if !ok {
			return
		}

		parent := tree.infos[idx]
		parent.KeepSegments = append(parent.KeepSegments, Interval{
			Begin: parent.BeginSegNo,
			End:   LSNToSegNo(maxLSN, segSize),
		})

		if parent.TLI == closest.TimelineID {
			return
		}

		maxLSN = parent.SwitchpointLSN
		tli = parent.ParentTLI
	}
}
