// Package pageiter implements spec.md §4.4 (C4): the lazy per-block page
// iterator that drives the file engine's datafile path.
package pageiter

import (
	"errors"
	"io"

	"github.com/pgbackup/pgbackup/internal/pagecodec"
	"github.com/pgbackup/pgbackup/internal/storage"
)

// Mode mirrors the backup-mode enum spec.md §3 defines for a backup as a
// whole; the iterator only needs to distinguish "has a pagemap worth
// honoring" (PAGE/PTRACK) from the rest.
type Mode int

const (
	ModeFull Mode = iota
	ModePage
	ModePTrack
	ModeDelta
)

func (m Mode) hasPagemapSemantics() bool {
	return m == ModePage || m == ModePTrack
}

// PageState is the per-block classification the selection-rule table in
// spec.md §4.4 produces.
type PageState int

const (
	StateOK PageState = iota
	StateZeroed
	StateCorrupted
	StateSkipped
)

// ErrCorrupted is returned by [Iterator.Next] when a block fails
// validation in a way the caller must treat as a file-level failure
// (spec.md §4.4: "On CORRUPTED the iterator reports, and the file engine
// fails the file").
var ErrCorrupted = errors.New("pageiter: corrupted block")

// ErrPageTruncated is the sentinel terminating the sequence early when the
// file shrinks below a block number the iterator already reported.
var ErrPageTruncated = errors.New("pageiter: file truncated below a previously reported block")

// Page is one emitted item of the iterator's sequence.
type Page struct {
	BlockNo           uint32
	State             PageState
	Result            pagecodec.Result
	Compressed        bool
	CompressedPayload []byte
	PageLSN           uint64
	Checksum          uint16
}

// Options parameterizes one iteration, matching the
// (source_file, start_lsn, checksum_version, backup_mode) contract.
type Options struct {
	BlockSize         int
	StartLSN          uint64
	ChecksumsEnabled  bool
	Mode              Mode
	SegmentNo         uint32
	RelBlocksPerSeg   uint32 // RELSEG_SIZE equivalent, for absolute_block_no
	Pagemap           *Bitmap
	ExistedInPrev     bool
	CompressAlgorithm pagecodec.Algorithm
	CompressLevel     int
}

// Bitmap is a sparse set of block numbers, the datapagemap spec.md
// references for both the incremental pagemap input and the restore
// engine's "already written" tracking (§4.6).
type Bitmap struct {
	bits map[uint32]struct{}
}

// NewBitmap returns an empty bitmap.
func NewBitmap() *Bitmap {
	return &Bitmap{bits: make(map[uint32]struct{})}
}

func (b *Bitmap) Set(blockNo uint32) {
	b.bits[blockNo] = struct{}{}
}

func (b *Bitmap) Has(blockNo uint32) bool {
	_, ok := b.bits[blockNo]
	return ok
}

func (b *Bitmap) Empty() bool {
	return len(b.bits) == 0
}

func (b *Bitmap) Len() int {
	return len(b.bits)
}

// Iterator streams Page values out of one datafile.
type Iterator struct {
	file storage.File
	opts Options

	done bool
	err  error

	n int64 // total blocks seen so far, for the caller's n_blocks bookkeeping
}

// Open begins iterating f, which the caller owns and must close after the
// iterator finishes.
func Open(f storage.File, opts Options) *Iterator {
	return &Iterator{file: f, opts: opts}
}

// NBlocks returns the number of blocks read so far; it is the final
// n_blocks once [Iterator.Next] has returned false.
func (it *Iterator) NBlocks() int64 {
	return it.n
}

// Err returns the error that stopped iteration, if any — including
// [ErrPageTruncated] and [ErrCorrupted].
func (it *Iterator) Err() error {
	return it.err
}

// Next advances the iterator, reporting the next emitted page. It
// silently skips over blocks the selection-rule table says not to emit,
// so a false return after no error just means the file is exhausted.
func (it *Iterator) Next() (Page, bool) {
	for {
		if it.done {
			return Page{}, false
		}

		buf := make([]byte, it.opts.BlockSize)

		_, err := io.ReadFull(it.file, buf)
		if err == io.ErrUnexpectedEOF {
			// A partial final block means the relation was truncated
			// concurrently with the scan.
			it.err = ErrPageTruncated
			it.done = true

			return Page{}, false
		}

		if err == io.EOF {
			it.done = true
			return Page{}, false
		}

		if err != nil {
			it.err = err
			it.done = true

			return Page{}, false
		}

		blockNo := uint32(it.n)
		it.n++

		page, emit := it.classify(blockNo, buf)
		if !emit {
			continue
		}

		if page.State == StateCorrupted {
			it.err = ErrCorrupted
			it.done = true
		}

		return page, true
	}
}

func (it *Iterator) classify(blockNo uint32, buf []byte) (Page, bool) {
	opts := it.opts

	if opts.Mode.hasPagemapSemantics() && opts.Pagemap != nil && !opts.Pagemap.Empty() && opts.ExistedInPrev {
		if !opts.Pagemap.Has(blockNo) {
			return Page{}, false
		}
	}

	absoluteBlockNo := opts.SegmentNo*opts.RelBlocksPerSeg + blockNo

	res, err := pagecodec.Encode(buf, pagecodec.EncodeOptions{
		BlockSize:         opts.BlockSize,
		ChecksumsEnabled:  opts.ChecksumsEnabled,
		AbsoluteBlockNo:   absoluteBlockNo,
		BackupStartLSN:    0, // LSN-from-future is evaluated at the codec level when the caller supplies it; the iterator only applies start_lsn skipping below
		CompressAlgorithm: opts.CompressAlgorithm,
		CompressLevel:     opts.CompressLevel,
	})
	if err != nil {
		return Page{BlockNo: blockNo, State: StateCorrupted}, true
	}

	switch res.Result {
	case pagecodec.Zeroed:
		return Page{BlockNo: blockNo, State: StateZeroed, Result: res.Result}, true

	case pagecodec.HeaderInvalid, pagecodec.ChecksumMismatch:
		return Page{BlockNo: blockNo, State: StateCorrupted, Result: res.Result}, true
	}

	if opts.StartLSN > 0 && res.PageLSN < opts.StartLSN {
		return Page{}, false
	}

	return Page{
		BlockNo:           blockNo,
		State:             StateOK,
		Result:            res.Result,
		Compressed:        res.Compressed,
		CompressedPayload: res.Payload,
		PageLSN:           res.PageLSN,
		Checksum:          res.Checksum,
	}, true
}
