// Package fileengine implements spec.md §4.5 (C5): driving the page
// iterator for datafiles, whole-file CRC copy for everything else, and
// the per-file manifest record both paths produce.
package fileengine

import "github.com/pgbackup/pgbackup/internal/headermap"

// Sentinel write_size/read_size values, per spec.md §3.
const (
	BytesInvalid int64 = -1
	FileNotFound int64 = -2
)

// Record is one file-list manifest entry, the mandatory and optional keys
// of spec.md §6.1.b.
type Record struct {
	Path           string
	Size           int64
	Kind           string // "datafile", "file", "dir", "symlink"
	Mode           uint32
	IsDatafile     bool
	IsCFS          bool
	CRC            uint32
	CompressAlg    string
	ExternalDirNum int
	DBOid          int

	FullSize int64
	Segno    int
	Linked   string

	NBlocks  int
	NHeaders int
	HdrCRC   uint32
	HdrOff   int64
	HdrSize  int64

	// WriteSize is the engine's own bookkeeping field (not a manifest
	// key by that name in §6.1.b, which folds it into size/n_blocks, but
	// kept distinct here so BytesInvalid/FileNotFound are unambiguous).
	WriteSize int64

	HeaderEntries []headermap.Entry
}
