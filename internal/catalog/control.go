// Package catalog implements spec.md §4.7 (C7): enumerating instances and
// backups, parsing and writing control files, and resolving parent-chain
// relationships between incremental backups.
package catalog

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Mode is the backup-mode enum from spec.md §3.
type Mode string

const (
	ModeFull   Mode = "FULL"
	ModePage   Mode = "PAGE"
	ModePTrack Mode = "PTRACK"
	ModeDelta  Mode = "DELTA"
)

// Status is the backup lifecycle state from spec.md §3.
type Status string

const (
	StatusRunning  Status = "RUNNING"
	StatusDone     Status = "DONE"
	StatusOK       Status = "OK"
	StatusDeleting Status = "DELETING"
	StatusDeleted  Status = "DELETED"
	StatusOrphan   Status = "ORPHAN"
	StatusCorrupt  Status = "CORRUPT"
	StatusError    Status = "ERROR"
)

// Backup is the parsed form of one backup's control file, carrying the
// full §6.1.a key list.
type Backup struct {
	BackupMode       Mode
	Stream           bool
	CompressAlg      string
	CompressLevel    int
	FromReplica      bool
	BlockSize        int
	XlogBlockSize    int
	ChecksumVersion  int
	ProgramVersion   string
	ServerVersion    string
	TimelineID       uint32
	StartLSN         uint64
	StopLSN          uint64
	StartTime        time.Time
	MergeTime        time.Time
	EndTime          time.Time
	RecoveryXID      uint64
	RecoveryTime     time.Time
	ExpireTime       time.Time
	MergeDestID      string
	DataBytes        int64
	WALBytes         int64
	UncompressedBytes int64
	PGDataBytes      int64
	Status           Status
	ParentBackupID   string
	PrimaryConnInfo  string
	ExternalDirs     string
	Note             string
	ContentCRC       uint32

	// dir and instance are on-disk bookkeeping attached by [Catalog], not
	// control-file keys — see [Backup.Dir] and [Backup.Instance].
	dir      string
	instance string
}

// ID is spec.md §3's "id = start_time" invariant, formatted the way the
// catalog's directory names and parent-backup references use.
func (b *Backup) ID() string {
	return FormatBackupID(b.StartTime)
}

// FormatBackupID renders t the way backup directory names and
// parent-backup-id control-file values do: a base-36 encoding of the
// start wall-clock time in seconds since the epoch, per spec.md §3 —
// "Identifier: a base-36 encoding of the backup's start wall-clock time".
func FormatBackupID(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 36)
}

// ParseBackupID parses an ID produced by [FormatBackupID] back to a time.
func ParseBackupID(id string) (time.Time, error) {
	sec, err := strconv.ParseInt(strings.TrimSpace(id), 36, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("catalog: invalid backup id %q: %w", id, err)
	}

	return time.Unix(sec, 0).UTC(), nil
}

const lsnFormat = "%X/%X"

func formatLSN(lsn uint64) string {
	return fmt.Sprintf(lsnFormat, lsn>>32, lsn&0xFFFFFFFF)
}

func parseLSN(s string) (uint64, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("catalog: invalid lsn %q", s)
	}

	hi, err := strconv.ParseUint(parts[0], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("catalog: invalid lsn %q: %w", s, err)
	}

	lo, err := strconv.ParseUint(parts[1], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("catalog: invalid lsn %q: %w", s, err)
	}

	return hi<<32 | lo, nil
}

// ParseControlFile implements spec.md §4.7's reading contract: "accepts
// legacy keys and returns NULL (caller treats as 'try again later') if the
// file is empty or lacks start_time." A nil, nil return is that signal.
func ParseControlFile(data []byte) (*Backup, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	kv := map[string]string{}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		idx := strings.Index(line, "=")
		if idx < 0 {
			continue
		}

		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		val = strings.Trim(val, "'\"")

		kv[key] = val
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("catalog: read control file: %w", err)
	}

	startTimeStr, ok := kv["start-time"]
	if !ok || startTimeStr == "" {
		return nil, nil
	}

	b := &Backup{}

	var err error

	if b.StartTime, err = parseTime(startTimeStr); err != nil {
		return nil, err
	}

	b.BackupMode = Mode(kv["backup-mode"])
	b.Stream = kv["stream"] == "true" || kv["stream"] == "1"
	b.CompressAlg = kv["compress-alg"]
	b.CompressLevel = atoiDefault(kv["compress-level"], 0)
	b.FromReplica = kv["from-replica"] == "true" || kv["from-replica"] == "1"
	b.BlockSize = atoiDefault(kv["block-size"], 8192)
	b.XlogBlockSize = atoiDefault(kv["xlog-block-size"], 8192)
	b.ChecksumVersion = atoiDefault(kv["checksum-version"], 0)
	b.ProgramVersion = kv["program-version"]
	b.ServerVersion = kv["server-version"]
	b.TimelineID = uint32(atoiDefault(kv["timelineid"], 0))
	b.Status = Status(kv["status"])
	b.ParentBackupID = kv["parent-backup-id"]
	b.PrimaryConnInfo = kv["primary_conninfo"]
	b.ExternalDirs = kv["external-dirs"]
	b.Note = kv["note"]
	b.MergeDestID = kv["merge-dest-id"]
	b.DataBytes = atoi64Default(kv["data-bytes"], -1)
	b.WALBytes = atoi64Default(kv["wal-bytes"], -1)
	b.UncompressedBytes = atoi64Default(kv["uncompressed-bytes"], -1)
	b.PGDataBytes = atoi64Default(kv["pgdata-bytes"], -1)
	b.RecoveryXID = uint64(atoi64Default(kv["recovery-xid"], 0))

	if v, ok := kv["start-lsn"]; ok && v != "" {
		if b.StartLSN, err = parseLSN(v); err != nil {
			return nil, err
		}
	}

	if v, ok := kv["stop-lsn"]; ok && v != "" {
		if b.StopLSN, err = parseLSN(v); err != nil {
			return nil, err
		}
	}

	if v, ok := kv["content-crc"]; ok && v != "" {
		crc, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("catalog: invalid content-crc %q: %w", v, err)
		}

		b.ContentCRC = uint32(crc)
	}

	for key, field := range map[string]*time.Time{
		"merge-time":    &b.MergeTime,
		"end-time":      &b.EndTime,
		"recovery-time": &b.RecoveryTime,
		"expire-time":   &b.ExpireTime,
	} {
		if v, ok := kv[key]; ok && v != "" {
			t, err := parseTime(v)
			if err != nil {
				return nil, fmt.Errorf("catalog: invalid %s: %w", key, err)
			}

			*field = t
		}
	}

	return b, nil
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}

	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}

	return n
}

func atoi64Default(s string, def int64) int64 {
	if s == "" {
		return def
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return def
	}

	return n
}

// EncodeControlFile renders b in the §6.1.a key=value textual format.
func EncodeControlFile(b *Backup) []byte {
	var buf bytes.Buffer

	write := func(key, val string) {
		if val == "" {
			return
		}

		fmt.Fprintf(&buf, "%s = %s\n", key, quoteIfNeeded(val))
	}

	write("backup-mode", string(b.BackupMode))
	write("stream", boolStr(b.Stream))
	write("compress-alg", b.CompressAlg)
	write("compress-level", strconv.Itoa(b.CompressLevel))
	write("from-replica", boolStr(b.FromReplica))
	write("block-size", strconv.Itoa(b.BlockSize))
	write("xlog-block-size", strconv.Itoa(b.XlogBlockSize))
	write("checksum-version", strconv.Itoa(b.ChecksumVersion))
	write("program-version", b.ProgramVersion)
	write("server-version", b.ServerVersion)
	write("timelineid", strconv.FormatUint(uint64(b.TimelineID), 10))
	write("start-lsn", formatLSN(b.StartLSN))
	write("stop-lsn", formatLSN(b.StopLSN))
	write("start-time", b.StartTime.UTC().Format(time.RFC3339))

	if !b.MergeTime.IsZero() {
		write("merge-time", b.MergeTime.UTC().Format(time.RFC3339))
	}

	if !b.EndTime.IsZero() {
		write("end-time", b.EndTime.UTC().Format(time.RFC3339))
	}

	write("recovery-xid", strconv.FormatUint(b.RecoveryXID, 10))

	if !b.RecoveryTime.IsZero() {
		write("recovery-time", b.RecoveryTime.UTC().Format(time.RFC3339))
	}

	if !b.ExpireTime.IsZero() {
		write("expire-time", b.ExpireTime.UTC().Format(time.RFC3339))
	}

	write("merge-dest-id", b.MergeDestID)
	write("data-bytes", strconv.FormatInt(b.DataBytes, 10))
	write("wal-bytes", strconv.FormatInt(b.WALBytes, 10))
	write("uncompressed-bytes", strconv.FormatInt(b.UncompressedBytes, 10))
	write("pgdata-bytes", strconv.FormatInt(b.PGDataBytes, 10))
	write("status", string(b.Status))
	write("parent-backup-id", b.ParentBackupID)
	write("primary_conninfo", b.PrimaryConnInfo)
	write("external-dirs", b.ExternalDirs)
	write("note", b.Note)
	write("content-crc", strconv.FormatUint(uint64(b.ContentCRC), 10))

	return buf.Bytes()
}

func boolStr(b bool) string {
	if b {
		return "true"
	}

	return "false"
}

func quoteIfNeeded(s string) string {
	if strings.ContainsAny(s, " \t") {
		return "'" + s + "'"
	}

	return s
}
