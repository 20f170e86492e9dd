package fileengine

import (
	"hash/crc32"
	"io"

	"github.com/pgbackup/pgbackup/internal/storage"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// crcWriter wraps an io.Writer, accumulating a running CRC-32C over
// everything written through it — the "CRC-counting filter" spec.md
// §4.5 describes for both the datafile and non-datafile paths.
type crcWriter struct {
	w    io.Writer
	hash uint32
	n    int64
}

func newCRCWriter(w io.Writer) *crcWriter {
	return &crcWriter{w: w}
}

func (c *crcWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if n > 0 {
		c.hash = crc32.Update(c.hash, crc32cTable, p[:n])
		c.n += int64(n)
	}

	return n, err
}

func (c *crcWriter) CRC() uint32 {
	return c.hash
}

func (c *crcWriter) N() int64 {
	return c.n
}

// trimZeroTail implements the cfm-fork "zero-tail trimming" spec.md §4.3
// and §4.5 call for: CFS pads compressed-fork files with trailing zero
// bytes up to the next allocation boundary, and the backup only needs to
// store bytes up through the last non-zero one.
//
// dst must already contain the full verbatim copy; trimZeroTail truncates
// it in place and returns the new length.
func trimZeroTail(dst storage.File, size int64) (int64, error) {
	const chunk = 64 * 1024

	buf := make([]byte, chunk)

	for pos := size; pos > 0; {
		n := int64(chunk)
		if n > pos {
			n = pos
		}

		if _, err := dst.Seek(pos-n, io.SeekStart); err != nil {
			return 0, err
		}

		if _, err := io.ReadFull(dst, buf[:n]); err != nil {
			return 0, err
		}

		if last := lastNonZero(buf[:n]); last >= 0 {
			newSize := pos - n + int64(last) + 1
			if newSize == size {
				return size, nil
			}

			return newSize, dst.Truncate(newSize)
		}

		pos -= n
	}

	return 0, dst.Truncate(0)
}

// lastNonZero returns the index of the last non-zero byte in b, or -1 if
// b is entirely zero.
func lastNonZero(b []byte) int {
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] != 0 {
			return i
		}
	}

	return -1
}
