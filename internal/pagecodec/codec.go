package pagecodec

import (
	"bytes"
	"compress/zlib"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Result is the page classification spec.md §4.1 says the codec must
// distinguish.
type Result int

const (
	Valid Result = iota
	Zeroed
	NotFound
	HeaderInvalid
	ChecksumMismatch
	LSNFromFuture
)

func (r Result) String() string {
	switch r {
	case Valid:
		return "VALID"
	case Zeroed:
		return "ZEROED"
	case NotFound:
		return "NOT_FOUND"
	case HeaderInvalid:
		return "HEADER_INVALID"
	case ChecksumMismatch:
		return "CHECKSUM_MISMATCH"
	case LSNFromFuture:
		return "LSN_FROM_FUTURE"
	default:
		return "UNKNOWN"
	}
}

// Algorithm identifies a per-file compression algorithm. Compression
// parameters (algorithm + level) are chosen per file, per spec.md §4.1
// step 5 and §3's backup attribute list.
type Algorithm int

const (
	AlgorithmNone Algorithm = iota
	AlgorithmZlib
	AlgorithmLZ4
	AlgorithmZstd
)

func (a Algorithm) String() string {
	switch a {
	case AlgorithmNone:
		return "none"
	case AlgorithmZlib:
		return "zlib"
	case AlgorithmLZ4:
		return "lz4"
	case AlgorithmZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// EncodeOptions carries the per-call parameters spec.md §4.1 needs to
// validate and classify a page.
type EncodeOptions struct {
	BlockSize          int
	ChecksumsEnabled   bool
	AbsoluteBlockNo    uint32
	BackupStartLSN     uint64 // LSN the backup itself started at; 0 disables the future-LSN check
	CompressAlgorithm  Algorithm
	CompressLevel      int
}

// EncodeResult is everything the file engine needs to decide what to
// write for one page.
type EncodeResult struct {
	Result     Result
	PageLSN    uint64
	Checksum   uint16
	Compressed bool
	Payload    []byte // the bytes to store: compressed blob, or the raw block when stored uncompressed
}

// Encode implements spec.md §4.1's Encode contract.
func Encode(page []byte, opts EncodeOptions) (EncodeResult, error) {
	if len(page) != opts.BlockSize {
		return EncodeResult{}, fmt.Errorf("pagecodec: page length %d does not match block size %d", len(page), opts.BlockSize)
	}

	h := parseHeader(page)

	if !validateHeader(h, page, opts.BlockSize) {
		if isAllZero(page) {
			return EncodeResult{Result: Zeroed, Payload: page, Compressed: false}, nil
		}

		return EncodeResult{Result: HeaderInvalid}, nil
	}

	if opts.ChecksumsEnabled {
		checkPage := make([]byte, len(page))
		copy(checkPage, page)

		want := computeChecksum(checkPage, opts.AbsoluteBlockNo)
		if want != h.Checksum {
			return EncodeResult{Result: ChecksumMismatch, PageLSN: h.LSN, Checksum: h.Checksum}, nil
		}
	}

	if opts.BackupStartLSN > 0 && h.LSN > 0 && h.LSN > opts.BackupStartLSN {
		// A page LSN in the future of the backup's own start means the
		// server wrote to this page concurrently with backup start in a
		// way the catalog cannot account for.
		return EncodeResult{Result: LSNFromFuture, PageLSN: h.LSN}, nil
	}

	payload, compressed, err := compress(page, opts.CompressAlgorithm, opts.CompressLevel)
	if err != nil {
		return EncodeResult{}, err
	}

	return EncodeResult{
		Result:     Valid,
		PageLSN:    h.LSN,
		Checksum:   h.Checksum,
		Compressed: compressed,
		Payload:    payload,
	}, nil
}

// compress applies alg at level, falling back to storing the page
// uncompressed when the compressor errors or fails to shrink the page
// (spec.md §4.1 step 5: "If the compressor returns ≥ block_size or an
// error, the page is stored uncompressed").
func compress(page []byte, alg Algorithm, level int) (payload []byte, compressed bool, err error) {
	if alg == AlgorithmNone {
		return page, false, nil
	}

	var out bytes.Buffer

	switch alg {
	case AlgorithmZlib:
		lvl := level
		if lvl == 0 {
			lvl = zlib.DefaultCompression
		}

		w, werr := zlib.NewWriterLevel(&out, lvl)
		if werr != nil {
			return page, false, nil
		}

		if _, werr = w.Write(page); werr != nil {
			return page, false, nil
		}

		if werr = w.Close(); werr != nil {
			return page, false, nil
		}

	case AlgorithmLZ4:
		w := lz4.NewWriter(&out)

		if level > 0 {
			_ = w.Apply(lz4.CompressionLevelOption(lz4.CompressionLevel(level)))
		}

		if _, werr := w.Write(page); werr != nil {
			return page, false, nil
		}

		if werr := w.Close(); werr != nil {
			return page, false, nil
		}

	case AlgorithmZstd:
		enc, werr := zstd.NewWriter(&out, zstd.WithEncoderLevel(zstdLevel(level)))
		if werr != nil {
			return page, false, nil
		}

		if _, werr = enc.Write(page); werr != nil {
			_ = enc.Close()
			return page, false, nil
		}

		if werr = enc.Close(); werr != nil {
			return page, false, nil
		}

	default:
		return nil, false, fmt.Errorf("pagecodec: unknown compression algorithm %d", alg)
	}

	if out.Len() >= len(page) {
		return page, false, nil
	}

	return out.Bytes(), true, nil
}

func zstdLevel(level int) zstd.EncoderLevel {
	switch {
	case level <= 0:
		return zstd.SpeedDefault
	case level <= 2:
		return zstd.SpeedFastest
	case level <= 6:
		return zstd.SpeedDefault
	case level <= 9:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

// ErrBadDecompressedLength is returned by [Decode] when decompression
// yields a length other than blockSize, and the input itself isn't
// exactly blockSize bytes (the legacy "stored uncompressed but unflagged"
// exception spec.md §4.1 calls out).
var ErrBadDecompressedLength = errors.New("pagecodec: decompressed length does not match block size")

// Decode implements spec.md §4.1's Decode contract.
func Decode(blob []byte, alg Algorithm, blockSize int) ([]byte, error) {
	if alg == AlgorithmNone {
		if len(blob) != blockSize {
			return nil, ErrBadDecompressedLength
		}

		return blob, nil
	}

	out, err := decompress(blob, alg)
	if err != nil || len(out) != blockSize {
		if len(blob) == blockSize {
			return blob, nil
		}

		if err != nil {
			return nil, err
		}

		return nil, ErrBadDecompressedLength
	}

	return out, nil
}

func decompress(blob []byte, alg Algorithm) ([]byte, error) {
	switch alg {
	case AlgorithmZlib:
		r, err := zlib.NewReader(bytes.NewReader(blob))
		if err != nil {
			return nil, err
		}
		defer r.Close()

		return io.ReadAll(r)

	case AlgorithmLZ4:
		r := lz4.NewReader(bytes.NewReader(blob))
		return io.ReadAll(r)

	case AlgorithmZstd:
		dec, err := zstd.NewReader(bytes.NewReader(blob))
		if err != nil {
			return nil, err
		}
		defer dec.Close()

		return io.ReadAll(dec)

	default:
		return nil, fmt.Errorf("pagecodec: unknown compression algorithm %d", alg)
	}
}
