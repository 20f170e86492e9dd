package fileengine

import (
	"errors"
	"io"
	"os"

	"github.com/pgbackup/pgbackup/internal/headermap"
	"github.com/pgbackup/pgbackup/internal/pagecodec"
	"github.com/pgbackup/pgbackup/internal/pageiter"
	"github.com/pgbackup/pgbackup/internal/storage"
	"github.com/pgbackup/pgbackup/internal/walker"
)

// ParentFile is the subset of a parent backup's manifest record the
// unchanged-fast-path and non-datafile CRC comparisons need.
type ParentFile struct {
	Found    bool
	CRC      uint32
	ModTime  int64 // unix seconds
	NBlocks  int
}

// Input bundles one file's job with everything the engine needs to
// decide which of the three paths in spec.md §4.5 applies.
type Input struct {
	File             walker.File
	Mode             pageiter.Mode
	ExistedInPrev    bool
	Pagemap          *pageiter.Bitmap
	PagemapIsAbsent  bool
	Parent           ParentFile
	BackupStartUnix  int64
	StartLSN         uint64
	BlockSize        int
	ChecksumsEnabled bool
	RelBlocksPerSeg  uint32
	CompressAlgorithm pagecodec.Algorithm
	CompressLevel     int
}

// Engine drives one backup's worth of per-file copies.
type Engine struct {
	src  storage.Backend
	dst  storage.Backend
	hmap *headermap.Map
}

// New returns an [Engine] that reads from src, writes to dst, and appends
// datafile header entries to hmap.
func New(src, dst storage.Backend, hmap *headermap.Map) *Engine {
	return &Engine{src: src, dst: dst, hmap: hmap}
}

// ErrFileCorrupted wraps [pageiter.ErrCorrupted] with the offending path,
// surfaced to the caller so it can fail just this file (backup) or the
// whole operation (merge), per spec.md §4.5's "Missing source files are
// not fatal during backup ... they are fatal during merge".
type ErrFileCorrupted struct {
	Path string
	Err  error
}

func (e *ErrFileCorrupted) Error() string { return "fileengine: " + e.Path + ": " + e.Err.Error() }
func (e *ErrFileCorrupted) Unwrap() error { return e.Err }

// BackupFile copies one file to destPath, returning its manifest record.
func (e *Engine) BackupFile(in Input, destPath string) (Record, error) {
	if in.File.IsControlFile {
		return e.copyVerbatim(in, destPath)
	}

	if in.File.IsDatafile {
		return e.backupDatafile(in, destPath)
	}

	return e.backupNonDatafile(in, destPath)
}

func (e *Engine) copyVerbatim(in Input, destPath string) (Record, error) {
	rec, err := e.streamCopy(in, destPath, false)
	if err != nil {
		return Record{}, err
	}

	rec.WriteSize = rec.Size

	return rec, nil
}

// unchangedFastPath implements spec.md §4.5: "if file.existed_in_prev ∧
// pagemap empty ∧ not pagemap_isabsent, record write_size = BYTES_INVALID
// and emit nothing."
func (e *Engine) unchangedFastPath(in Input) bool {
	if in.Mode == pageiter.ModeFull {
		return false
	}

	return in.ExistedInPrev && (in.Pagemap == nil || in.Pagemap.Empty()) && !in.PagemapIsAbsent
}

func (e *Engine) backupDatafile(in Input, destPath string) (Record, error) {
	rec := Record{
		Path:       in.File.RelPath,
		Kind:       "datafile",
		IsDatafile: true,
		Segno:      in.File.Segno,
	}

	if e.unchangedFastPath(in) {
		rec.WriteSize = BytesInvalid
		return rec, nil
	}

	srcFile, err := e.src.OpenRead(in.File.Path)
	if err != nil {
		if os.IsNotExist(err) {
			rec.WriteSize = FileNotFound
			return rec, nil
		}

		return Record{}, err
	}
	defer srcFile.Close()

	dstFile, err := e.dst.OpenWrite(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return Record{}, err
	}
	defer dstFile.Close()

	crcOut := newCRCWriter(dstFile)

	segmentNo := in.File.Segno
	if segmentNo < 0 {
		segmentNo = 0
	}

	it := pageiter.Open(srcFile, pageiter.Options{
		BlockSize:         in.BlockSize,
		StartLSN:          in.StartLSN,
		ChecksumsEnabled:  in.ChecksumsEnabled,
		Mode:              in.Mode,
		SegmentNo:         uint32(segmentNo),
		RelBlocksPerSeg:   in.RelBlocksPerSeg,
		Pagemap:           in.Pagemap,
		ExistedInPrev:     in.ExistedInPrev,
		CompressAlgorithm: in.CompressAlgorithm,
		CompressLevel:     in.CompressLevel,
	})

	var entries []headermap.Entry

	for {
		p, ok := it.Next()
		if !ok {
			break
		}

		off := crcOut.N()

		payload := p.CompressedPayload
		if p.State == pageiter.StateZeroed {
			payload = make([]byte, in.BlockSize)
		}

		if _, err := crcOut.Write(payload); err != nil {
			return Record{}, err
		}

		entries = append(entries, headermap.Entry{
			BlockNo:      p.BlockNo,
			OffsetInFile: off,
			PageLSN:      p.PageLSN,
			Checksum:     p.Checksum,
		})
	}

	if it.Err() != nil {
		if errors.Is(it.Err(), pageiter.ErrCorrupted) {
			return Record{}, &ErrFileCorrupted{Path: in.File.RelPath, Err: it.Err()}
		}

		return Record{}, it.Err()
	}

	entries = append(entries, headermap.Entry{
		BlockNo:      uint32(it.NBlocks()),
		OffsetInFile: crcOut.N(),
	})

	loc, err := e.hmap.Append(entries)
	if err != nil {
		return Record{}, err
	}

	rec.CRC = crcOut.CRC()
	rec.Size = crcOut.N()
	rec.WriteSize = crcOut.N()
	rec.NBlocks = int(it.NBlocks())
	rec.NHeaders = loc.NHeaders
	rec.HdrCRC = loc.CRC
	rec.HdrOff = loc.Offset
	rec.HdrSize = loc.Size
	rec.HeaderEntries = entries

	return rec, nil
}

func (e *Engine) backupNonDatafile(in Input, destPath string) (Record, error) {
	rec := Record{
		Path: in.File.RelPath,
		Kind: "file",
	}

	srcInfo, err := e.src.Stat(in.File.Path)
	if err != nil {
		if os.IsNotExist(err) {
			rec.WriteSize = FileNotFound
			return rec, nil
		}

		return Record{}, err
	}

	if in.Mode != pageiter.ModeFull && in.Parent.Found {
		crc, err := e.crcOf(in.File.Path)
		if err != nil {
			return Record{}, err
		}

		if crc == in.Parent.CRC && srcInfo.ModTime().Unix() <= in.BackupStartUnix {
			rec.CRC = crc
			rec.Size = srcInfo.Size()
			rec.WriteSize = BytesInvalid
			return rec, nil
		}
	}

	return e.streamCopy(in, destPath, in.File.Fork == "cfm")
}

func (e *Engine) crcOf(path string) (uint32, error) {
	f, err := e.src.OpenRead(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	crcOut := newCRCWriter(io.Discard)
	if _, err := io.Copy(crcOut, f); err != nil {
		return 0, err
	}

	return crcOut.CRC(), nil
}

func (e *Engine) streamCopy(in Input, destPath string, trimZeroes bool) (Record, error) {
	rec := Record{Path: in.File.RelPath, Kind: "file"}

	srcFile, err := e.src.OpenRead(in.File.Path)
	if err != nil {
		if os.IsNotExist(err) {
			rec.WriteSize = FileNotFound
			return rec, nil
		}

		return Record{}, err
	}
	defer srcFile.Close()

	dstFile, err := e.dst.OpenWrite(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return Record{}, err
	}
	defer dstFile.Close()

	crcOut := newCRCWriter(dstFile)

	if _, err := io.Copy(crcOut, srcFile); err != nil {
		return Record{}, err
	}

	size := crcOut.N()
	crc := crcOut.CRC()

	if trimZeroes {
		size, err = trimZeroTail(dstFile, size)
		if err != nil {
			return Record{}, err
		}

		if size != crcOut.N() {
			if _, err := dstFile.Seek(0, io.SeekStart); err != nil {
				return Record{}, err
			}

			trimmedCRC := newCRCWriter(io.Discard)
			if _, err := io.CopyN(trimmedCRC, dstFile, size); err != nil {
				return Record{}, err
			}

			crc = trimmedCRC.CRC()
		}
	}

	rec.CRC = crc
	rec.Size = size
	rec.WriteSize = size

	return rec, nil
}
