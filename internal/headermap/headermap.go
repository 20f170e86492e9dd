// Package headermap implements spec.md §4.2 (C2): the per-backup header
// map file, a sequence of zlib-compressed slabs each holding one file's
// array of per-block header entries.
package headermap

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/pgbackup/pgbackup/internal/storage"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Entry is one page's position/identity record, per spec.md §3:
// {block_no, offset_in_file, page_lsn, checksum}.
type Entry struct {
	BlockNo      uint32
	OffsetInFile int64
	PageLSN      uint64
	Checksum     uint16
}

const entrySize = 4 + 8 + 8 + 2 // BlockNo + OffsetInFile + PageLSN + Checksum, tightly packed

// ErrCRCMismatch is returned by [Map.Read] when the decompressed slab's
// CRC disagrees with the stored hdr_crc.
var ErrCRCMismatch = errors.New("headermap: crc mismatch")

// Location is the per-file metadata the file-list manifest stores
// alongside each file record: hdr_off, hdr_size, hdr_crc, n_headers.
type Location struct {
	Offset   int64
	Size     int64
	CRC      uint32
	NHeaders int
}

// Map is one backup's header-map file. Writers append compressed slabs
// under a mutex so multiple per-file worker goroutines can append
// concurrently without corrupting each other's slabs (spec.md §4.2:
// "The mutex serialises writers across per-file worker threads").
type Map struct {
	backend storage.Backend
	path    string

	mu     sync.Mutex
	file   storage.File
	offset int64
}

// New returns a [Map] bound to path. The file is opened lazily by the
// first call to [Map.Append], matching spec.md §4.2's "open the map file
// lazily (first writer)".
func New(backend storage.Backend, path string) *Map {
	return &Map{backend: backend, path: path}
}

// Append compresses entries (plus the dummy terminator the caller must
// already have appended) and writes the slab to the map file, returning
// the [Location] to store in the file-list manifest.
func (m *Map) Append(entries []Entry) (Location, error) {
	raw := encodeEntries(entries)
	crc := crc32.Checksum(raw, crc32cTable)

	var compressed bytes.Buffer

	w, err := zlib.NewWriterLevel(&compressed, zlib.BestSpeed)
	if err != nil {
		return Location{}, fmt.Errorf("headermap: open zlib writer: %w", err)
	}

	if _, err := w.Write(raw); err != nil {
		return Location{}, fmt.Errorf("headermap: compress slab: %w", err)
	}

	if err := w.Close(); err != nil {
		return Location{}, fmt.Errorf("headermap: finalize slab: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.file == nil {
		f, err := m.backend.OpenWrite(m.path, os.O_WRONLY|os.O_CREATE, 0o600)
		if err != nil {
			return Location{}, fmt.Errorf("headermap: open %s: %w", m.path, err)
		}

		m.file = f
	}

	off := m.offset

	n, err := m.file.Write(compressed.Bytes())
	if err != nil {
		return Location{}, fmt.Errorf("headermap: write slab: %w", err)
	}

	m.offset += int64(n)

	return Location{
		Offset:   off,
		Size:     int64(n),
		CRC:      crc,
		NHeaders: len(entries) - 1, // exclude the dummy terminator
	}, nil
}

// Close releases the underlying file handle, if one was opened.
func (m *Map) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.file == nil {
		return nil
	}

	err := m.file.Close()
	m.file = nil

	return err
}

// Read opens the map read-only and returns the decompressed, CRC-verified
// entry array at loc, including the dummy terminator.
func Read(backend storage.Backend, path string, loc Location) ([]Entry, error) {
	f, err := backend.OpenRead(path)
	if err != nil {
		return nil, fmt.Errorf("headermap: open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Seek(loc.Offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("headermap: seek to hdr_off %d: %w", loc.Offset, err)
	}

	compressed := make([]byte, loc.Size)
	if _, err := io.ReadFull(f, compressed); err != nil {
		return nil, fmt.Errorf("headermap: read hdr_size bytes: %w", err)
	}

	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("headermap: open zlib reader: %w", err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("headermap: decompress slab: %w", err)
	}

	want := (loc.NHeaders + 1) * entrySize
	if len(raw) != want {
		return nil, fmt.Errorf("headermap: decompressed size %d, want %d", len(raw), want)
	}

	if crc32.Checksum(raw, crc32cTable) != loc.CRC {
		return nil, ErrCRCMismatch
	}

	return decodeEntries(raw), nil
}

// PayloadLength derives the stored payload length of entry i from
// consecutive header entries: next.offset - cur.offset, since payloads are
// written back to back with no per-block header between them. entries must
// include the dummy terminator.
func PayloadLength(entries []Entry, i int) int64 {
	return entries[i+1].OffsetInFile - entries[i].OffsetInFile
}

func encodeEntries(entries []Entry) []byte {
	buf := make([]byte, len(entries)*entrySize)

	for i, e := range entries {
		off := i * entrySize
		binary.LittleEndian.PutUint32(buf[off:], e.BlockNo)
		binary.LittleEndian.PutUint64(buf[off+4:], uint64(e.OffsetInFile))
		binary.LittleEndian.PutUint64(buf[off+12:], e.PageLSN)
		binary.LittleEndian.PutUint16(buf[off+20:], e.Checksum)
	}

	return buf
}

func decodeEntries(raw []byte) []Entry {
	n := len(raw) / entrySize
	entries := make([]Entry, n)

	for i := range entries {
		off := i * entrySize
		entries[i] = Entry{
			BlockNo:      binary.LittleEndian.Uint32(raw[off:]),
			OffsetInFile: int64(binary.LittleEndian.Uint64(raw[off+4:])),
			PageLSN:      binary.LittleEndian.Uint64(raw[off+12:]),
			Checksum:     binary.LittleEndian.Uint16(raw[off+20:]),
		}
	}

	return entries
}
